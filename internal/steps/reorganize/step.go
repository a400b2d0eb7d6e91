// Package reorganize moves the dcm2bids output of a pair into the raw
// <subj>/<sess>/{anat,dwi} tree, reorienting every image to RAS strides and
// stacking the mcGRASE echoes into a single 4D volume.
package reorganize

import (
	"context"
	"fmt"
	"path/filepath"

	"go.uber.org/zap"

	"github.com/kingrea/neuropipe/internal/artifact"
	"github.com/kingrea/neuropipe/internal/config"
	"github.com/kingrea/neuropipe/internal/step"
	"github.com/kingrea/neuropipe/internal/steps/toolkit"
	"github.com/kingrea/neuropipe/internal/workflow"
)

const (
	stepID      = "reorganize"
	stepVersion = "1.0.0"
)

// Step reorganizes one converted session.
type Step struct {
	*step.Base
	cfg *config.Config
}

// Register installs the reorganize factory.
func Register(reg *step.Registry, cfg *config.Config) {
	reg.MustRegister(stepID, func(step.Config) (step.Step, error) {
		return New(cfg), nil
	})
}

// New constructs the step. Outputs are optional because a session may lack
// any of the series.
func New(cfg *config.Config) *Step {
	info := step.Info{
		ID:          stepID,
		Name:        "Reorganize BIDS",
		Description: "Copies anat and dwi series from sourcedata/BIDS into the raw tree.",
		Version:     stepVersion,
	}
	base := step.NewBase(info)
	base.SetOutputs(
		artifact.RawT1w.AsOptional(),
		artifact.RawDwiAP.AsOptional(),
		artifact.RawDwiPA.AsOptional(),
		artifact.McGRASE.AsOptional(),
	)
	return &Step{Base: &base, cfg: cfg}
}

// conversion is one series copied with its side files and re-strided.
type conversion struct {
	src    string
	dst    string
	copies [][2]string
}

type plan struct {
	conversions []conversion
	grase       *echoGroup
}

// IsComplete is true when every series of the BIDS session has its target.
func (s *Step) IsComplete(sc *step.Context) (bool, error) {
	if err := toolkit.ValidateContext(sc); err != nil {
		return false, err
	}
	if sc.Forced(stepID) {
		return false, nil
	}
	if !workflow.Exists(sc.Layout.BIDSSessionDir()) {
		return true, nil
	}
	p, err := s.plan(sc)
	if err != nil {
		return false, err
	}
	for _, c := range p.conversions {
		if !workflow.Exists(c.dst) {
			return false, nil
		}
	}
	if p.grase != nil && !sc.Exists(artifact.McGRASE) {
		return false, nil
	}
	return true, nil
}

// Run reorganizes the session.
func (s *Step) Run(ctx context.Context, sc *step.Context) (step.Result, error) {
	k, err := toolkit.New(sc, s.Base)
	if err != nil {
		return toolkit.Failed(), err
	}
	source := sc.Layout.BIDSSessionDir()
	if !workflow.Exists(source) {
		return toolkit.NoOp("no BIDS session %s", source), nil
	}
	p, err := s.plan(sc)
	if err != nil {
		return toolkit.Failed(), err
	}
	if p.grase != nil {
		if err := s.stackEchoes(ctx, k, p.grase); err != nil {
			return toolkit.Failed(), err
		}
	}
	for _, c := range p.conversions {
		if k.Done(c.dst) {
			continue
		}
		for _, cp := range c.copies {
			if err := toolkit.CopyFile(cp[0], cp[1]); err != nil {
				return toolkit.Failed(), fmt.Errorf("%s: %w", stepID, err)
			}
		}
		err := k.Run(ctx, toolkit.Stage{
			Cmd:         k.Cmd("mrconvert", "-strides", "1,2,3", "-quiet", "-force", c.src, c.dst),
			Output:      c.dst,
			Description: "Reorganize " + filepath.Base(c.src) + " with RAS strides",
		})
		if err != nil {
			return toolkit.Failed(), err
		}
	}
	return toolkit.Completed("reorganized %d series", len(p.conversions)), nil
}

func (s *Step) plan(sc *step.Context) (plan, error) {
	var p plan
	l := sc.Layout
	anat := filepath.Join(l.BIDSSessionDir(), workflow.AnatDir)
	if workflow.Exists(anat) {
		group, err := findEchoGroup(anat, sc.Logger)
		if err != nil {
			return p, err
		}
		p.grase = group
		for _, contrast := range []string{"T1w", "T2w"} {
			matches, err := filepath.Glob(filepath.Join(anat, sc.Pair.String()+"*_"+contrast+".nii.gz"))
			if err != nil {
				return p, err
			}
			for _, src := range matches {
				dst := filepath.Join(l.RawAnatDir(), filepath.Base(src))
				json := artifact.SidecarFor(src)
				c := conversion{src: src, dst: dst}
				if workflow.Exists(json) {
					c.copies = append(c.copies, [2]string{json, artifact.SidecarFor(dst)})
				}
				p.conversions = append(p.conversions, c)
			}
		}
	}
	dwi := filepath.Join(l.BIDSSessionDir(), workflow.DwiDir)
	if workflow.Exists(dwi) {
		for _, dir := range []string{"AP", "PA"} {
			stem := sc.Pair.String() + "_dir-" + dir + "_dwi"
			src := filepath.Join(dwi, stem)
			dst := filepath.Join(l.RawDwiDir(), stem)
			if err := toolkit.Require("dwi "+dir, src+".nii.gz"); err != nil {
				return p, err
			}
			c := conversion{src: src + ".nii.gz", dst: dst + ".nii.gz"}
			for _, ext := range []string{".json", ".bval", ".bvec"} {
				c.copies = append(c.copies, [2]string{src + ext, dst + ext})
			}
			p.conversions = append(p.conversions, c)
		}
	}
	if sc.Logger != nil {
		sc.Logger.Debug("reorganize plan", zap.Int("series", len(p.conversions)), zap.Bool("mcgrase", p.grase != nil))
	}
	return p, nil
}

func (s *Step) stackEchoes(ctx context.Context, k *toolkit.Kit, g *echoGroup) error {
	out := k.Path(artifact.McGRASE)
	if k.Done(out) {
		return nil
	}
	args := append([]string{"-axis", "3", "-quiet", "-force"}, g.volumes()...)
	args = append(args, out)
	cmd := k.Cmd("mrcat", args...)
	err := k.Run(ctx, toolkit.Stage{
		Cmd:       cmd,
		Output:    out,
		NoSidecar: true,
	})
	if err != nil {
		return err
	}
	if err := g.writeSidecar(artifact.SidecarFor(out)); err != nil {
		return fmt.Errorf("%s: %w", stepID, err)
	}
	return k.Sidecar(out, cmd.String(), "mcGRASE echoes stacked by echo time", "")
}
