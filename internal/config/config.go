// internal/config/config.go
//
// This package handles configuration and the .neuropipe directory structure.
// Every dataset processed by neuropipe gets a .neuropipe/ folder in its root.

package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

const (
	// PipelineDir is the name of the directory we create in each dataset root.
	PipelineDir = ".neuropipe"

	defaultMNITemplate = "/usr/local/fsl/data/standard/MNI152_T1_1mm.nii.gz"
)

const defaultProjectConfigYAML = `# neuropipe dataset configuration
version: 1

paths:
  # Raw DICOM inbox. Sessions live in <dicom>/<subjID>_<sessID>/.
  dicom: sourcedata/dicom
  # Server copy used by copy-local. Leave empty to disable.
  remote: ""
  mni_template: /usr/local/fsl/data/standard/MNI152_T1_1mm.nii.gz
  acqparams: code/eddy/acqparams.txt
  eddy_index: code/eddy/eddy_index.txt
  dcm2bids_config: code/dcm2bids_config.json
  # Holds the MNI cluster map and the striatum roi_<name>_roi.nii files.
  atlas_dir: code/atlas
  behaviour: behav_output/gain_blinded.csv

cohort:
  subject_prefix: sub-
  # Substring used when --subj all lists the dataset, e.g. sub-51T.
  subject_filter: sub-
  sessions: [ses-T1, ses-T2, ses-T3, ses-T4]
  jobs: 4

pipeline:
  max_parallel_steps: 2
  lesion: false
  disabled: []

threads:
  mrtrix: 8
  freesurfer: 12
  ants: 8

tractography:
  algorithm: iFOD2
  select: 10000000
  min_length: 1.6

freesurfer:
  # recon-all (FreeSurfer 6) or segmentBS (FreeSurfer 7)
  brainstem: recon-all
  # Completion marker in mri/. Defaults to the v10 (recon-all) or v13
  # (segmentBS) file name.
  brainstem_labels: ""

roi:
  study: fMRI_study
  clusters: iTBS_vs_HF_control_FDR_001_n_clusters.nii
  clusters_rois:
    - {name: Loc_NA_Postcentral_L, index: 2}
    - {name: Loc_NA_Cerebellum, index: 4}
    - {name: Thal_IL_R, index: 5}
    - {name: Precentral_L, index: 6}
    - {name: Supp_Motor_Area_R, index: 7}
  striatum: [v_d_Ca_L, v_d_Ca_R, vm_dl_PU_L, vm_dl_PU_R]

analysis:
  session: ses-T1
  edge_tables:
    - {name: Pu, focus: vm_dl_PU_R, exclude: [v_d_Ca_L, v_d_Ca_R, vm_dl_PU_L]}
    - {name: Ca, focus: v_d_Ca_R, exclude: [v_d_Ca_L, vm_dl_PU_L, vm_dl_PU_R]}
    - {name: Pu_network, exclude: [v_d_Ca_L, v_d_Ca_R, vm_dl_PU_L]}

# Logical tool name -> binary on PATH.
tools:
  eddy: eddy_openmp

watch:
  settle: 30s
`

// Paths groups dataset and reference file locations.
type Paths struct {
	Dicom          string `yaml:"dicom"`
	Remote         string `yaml:"remote,omitempty"`
	MNITemplate    string `yaml:"mni_template"`
	Acqparams      string `yaml:"acqparams"`
	EddyIndex      string `yaml:"eddy_index"`
	Dcm2BidsConfig string `yaml:"dcm2bids_config"`
	AtlasDir       string `yaml:"atlas_dir"`
	Behaviour      string `yaml:"behaviour,omitempty"`
}

// CohortConfig controls subject/session expansion and fan-out width.
type CohortConfig struct {
	SubjectPrefix string   `yaml:"subject_prefix"`
	SubjectFilter string   `yaml:"subject_filter"`
	Sessions      []string `yaml:"sessions"`
	Jobs          int      `yaml:"jobs"`
}

// PipelineConfig toggles pipeline-wide behaviour.
type PipelineConfig struct {
	MaxParallelSteps int      `yaml:"max_parallel_steps"`
	Lesion           bool     `yaml:"lesion"`
	Disabled         []string `yaml:"disabled,omitempty"`
	CommandTimeout   Duration `yaml:"command_timeout,omitempty"`
}

// Threads carries per-toolkit thread counts.
type Threads struct {
	MRtrix     int `yaml:"mrtrix"`
	FreeSurfer int `yaml:"freesurfer"`
	ANTs       int `yaml:"ants"`
}

// Tractography configures tckgen.
type Tractography struct {
	Algorithm string  `yaml:"algorithm"`
	Select    int     `yaml:"select"`
	MinLength float64 `yaml:"min_length"`
}

// FreeSurferConfig selects the brainstem segmentation command flavour.
type FreeSurferConfig struct {
	Brainstem       string `yaml:"brainstem"`
	BrainstemLabels string `yaml:"brainstem_labels,omitempty"`
}

// ClusterROI names one label of the MNI cluster map.
type ClusterROI struct {
	Name  string `yaml:"name"`
	Index int    `yaml:"index"`
}

// ROIConfig describes the seeds and targets of the connectivity analysis.
type ROIConfig struct {
	Study        string       `yaml:"study"`
	Clusters     string       `yaml:"clusters"`
	ClusterROIs  []ClusterROI `yaml:"clusters_rois"`
	Striatum     []string     `yaml:"striatum"`
	StriatumFile string       `yaml:"striatum_file,omitempty"`
}

// EdgeTable selects connectome edges for one cohort CSV.
type EdgeTable struct {
	Name    string   `yaml:"name"`
	Focus   string   `yaml:"focus,omitempty"`
	Exclude []string `yaml:"exclude,omitempty"`
}

// AnalysisConfig drives the cohort-level formatting.
type AnalysisConfig struct {
	Session    string      `yaml:"session"`
	EdgeTables []EdgeTable `yaml:"edge_tables"`
}

// WatchConfig configures the DICOM inbox watcher.
type WatchConfig struct {
	Settle Duration `yaml:"settle"`
}

// ProjectConfig models .neuropipe/config.yaml.
type ProjectConfig struct {
	Version      int               `yaml:"version"`
	Paths        Paths             `yaml:"paths"`
	Cohort       CohortConfig      `yaml:"cohort"`
	Pipeline     PipelineConfig    `yaml:"pipeline"`
	Threads      Threads           `yaml:"threads"`
	Tractography Tractography      `yaml:"tractography"`
	FreeSurfer   FreeSurferConfig  `yaml:"freesurfer"`
	ROI          ROIConfig         `yaml:"roi"`
	Analysis     AnalysisConfig    `yaml:"analysis"`
	Tools        map[string]string `yaml:"tools,omitempty"`
	Watch        WatchConfig       `yaml:"watch"`
	Ledger       string            `yaml:"ledger,omitempty"`
}

// Config holds the runtime configuration for one dataset.
type Config struct {
	// DataDir is the BIDS dataset root.
	DataDir string

	// PipelineDir is DataDir/.neuropipe
	PipelineDir string

	// ConfigPath overrides DataDir/.neuropipe/config.yaml when set.
	ConfigPath string

	Project ProjectConfig
}

// InitPipelineDir creates the .neuropipe directory structure in the dataset root.
//
// Structure created:
// .neuropipe/
// ├── config.yaml
// ├── logs/         <- zap log output
// ├── fail_lists/   <- dated per-invocation fail lists
// └── state/        <- run ledger
func InitPipelineDir(dataDir string) error {
	pipelineDir := filepath.Join(dataDir, PipelineDir)
	dirs := []string{
		filepath.Join(pipelineDir, "logs"),
		filepath.Join(pipelineDir, "fail_lists"),
		filepath.Join(pipelineDir, "state"),
	}
	for _, dir := range dirs {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return err
		}
	}
	return ensureProjectConfig(filepath.Join(pipelineDir, "config.yaml"))
}

// NewConfig creates a Config for the dataset at dataDir. configPath may be
// empty to use the dataset's own .neuropipe/config.yaml.
func NewConfig(dataDir, configPath string) (*Config, error) {
	abs, err := filepath.Abs(dataDir)
	if err != nil {
		return nil, fmt.Errorf("config: resolve data dir: %w", err)
	}
	cfg := &Config{
		DataDir:     abs,
		PipelineDir: filepath.Join(abs, PipelineDir),
		ConfigPath:  strings.TrimSpace(configPath),
		Project:     defaultProjectConfig(),
	}
	cfg.Project.normalize(abs)
	if err := cfg.loadProjectConfig(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// LogsDir returns the path to the logs directory.
func (c *Config) LogsDir() string {
	return filepath.Join(c.PipelineDir, "logs")
}

// FailListDir returns where dated fail lists are written.
func (c *Config) FailListDir() string {
	return filepath.Join(c.PipelineDir, "fail_lists")
}

// StateDir returns the path to the state directory.
func (c *Config) StateDir() string {
	return filepath.Join(c.PipelineDir, "state")
}

// LedgerPath returns the sqlite run ledger location.
func (c *Config) LedgerPath() string {
	if c.Project.Ledger != "" {
		return c.Project.Ledger
	}
	return filepath.Join(c.StateDir(), "ledger.db")
}

// ProjectConfigPath returns the on-disk location for the project config file.
func (c *Config) ProjectConfigPath() string {
	if c.ConfigPath != "" {
		return c.ConfigPath
	}
	return filepath.Join(c.PipelineDir, "config.yaml")
}

// Tool maps a logical tool name to the binary that should be executed.
func (c *Config) Tool(name string) string {
	if c == nil {
		return name
	}
	if bin, ok := c.Project.Tools[name]; ok && strings.TrimSpace(bin) != "" {
		return bin
	}
	return name
}

// StepDisabled reports whether a step was switched off in pipeline.disabled.
func (c *Config) StepDisabled(id string) bool {
	return contains(c.Project.Pipeline.Disabled, id)
}

// StriatumFile returns the atlas file name holding one striatum seed.
func (c *Config) StriatumFile(seed string) string {
	pattern := c.Project.ROI.StriatumFile
	if pattern == "" {
		pattern = "roi_%s_roi.nii"
	}
	return filepath.Join(c.Project.Paths.AtlasDir, fmt.Sprintf(pattern, seed))
}

// ClustersFile returns the MNI cluster map location.
func (c *Config) ClustersFile() string {
	return filepath.Join(c.Project.Paths.AtlasDir, c.Project.ROI.Clusters)
}

// Labels returns the connectome labels in global mask order: striatum seeds
// first, then cluster ROIs.
func (c *Config) Labels() []string {
	labels := make([]string, 0, len(c.Project.ROI.Striatum)+len(c.Project.ROI.ClusterROIs))
	labels = append(labels, c.Project.ROI.Striatum...)
	for _, roi := range c.Project.ROI.ClusterROIs {
		labels = append(labels, roi.Name)
	}
	return labels
}

// BrainstemLabels returns the brainstem segmentation file name in mri/.
func (c *Config) BrainstemLabels() string {
	if name := strings.TrimSpace(c.Project.FreeSurfer.BrainstemLabels); name != "" {
		return name
	}
	return brainstemLabels[c.Project.FreeSurfer.Brainstem]
}

// Save writes the current project config back to disk.
func (c *Config) Save() error {
	return c.saveProjectConfig()
}

func (c *Config) loadProjectConfig() error {
	path := c.ProjectConfigPath()
	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil
		}
		return fmt.Errorf("config: read %s: %w", path, err)
	}

	parsed := defaultProjectConfig()
	if err := yaml.Unmarshal(data, &parsed); err != nil {
		return fmt.Errorf("config: parse %s: %w", path, err)
	}

	parsed.applyDefaults()
	parsed.normalize(c.DataDir)
	if err := parsed.validate(); err != nil {
		return fmt.Errorf("config: %w", err)
	}

	c.Project = parsed
	return nil
}

func defaultProjectConfig() ProjectConfig {
	pc := ProjectConfig{}
	if err := yaml.Unmarshal([]byte(defaultProjectConfigYAML), &pc); err != nil {
		panic(fmt.Sprintf("config: embedded defaults: %v", err))
	}
	pc.applyDefaults()
	return pc
}

func (pc *ProjectConfig) applyDefaults() {
	if pc.Version == 0 {
		pc.Version = 1
	}
	if pc.Paths.MNITemplate == "" {
		pc.Paths.MNITemplate = defaultMNITemplate
	}
	if pc.Cohort.SubjectPrefix == "" {
		pc.Cohort.SubjectPrefix = "sub-"
	}
	if pc.Cohort.SubjectFilter == "" {
		pc.Cohort.SubjectFilter = pc.Cohort.SubjectPrefix
	}
	if len(pc.Cohort.Sessions) == 0 {
		pc.Cohort.Sessions = []string{"ses-T1", "ses-T2", "ses-T3", "ses-T4"}
	}
	if pc.Cohort.Jobs == 0 {
		pc.Cohort.Jobs = 4
	}
	if pc.Pipeline.MaxParallelSteps == 0 {
		pc.Pipeline.MaxParallelSteps = 2
	}
	if pc.Threads.MRtrix == 0 {
		pc.Threads.MRtrix = 8
	}
	if pc.Threads.FreeSurfer == 0 {
		pc.Threads.FreeSurfer = 12
	}
	if pc.Threads.ANTs == 0 {
		pc.Threads.ANTs = 8
	}
	if pc.Tractography.Algorithm == "" {
		pc.Tractography.Algorithm = "iFOD2"
	}
	if pc.Tractography.Select == 0 {
		pc.Tractography.Select = 10000000
	}
	if pc.Tractography.MinLength == 0 {
		pc.Tractography.MinLength = 1.6
	}
	if pc.FreeSurfer.Brainstem == "" {
		pc.FreeSurfer.Brainstem = BrainstemReconAll
	}
	if pc.Tools == nil {
		pc.Tools = map[string]string{}
	}
	if pc.Watch.Settle == 0 {
		pc.Watch.Settle = Duration(30 * time.Second)
	}
}

// Brainstem segmentation command flavours.
const (
	BrainstemReconAll  = "recon-all"
	BrainstemSegmentBS = "segmentbs"
)

var brainstemLabels = map[string]string{
	BrainstemReconAll:  "brainstemSsLabels.v10.FSvoxelSpace.mgz",
	BrainstemSegmentBS: "brainstemSsLabels.v13.FSvoxelSpace.mgz",
}

func (pc *ProjectConfig) normalize(base string) {
	pc.Paths.Dicom = resolvePath(base, pc.Paths.Dicom)
	pc.Paths.Remote = resolvePath(base, pc.Paths.Remote)
	pc.Paths.MNITemplate = resolvePath(base, pc.Paths.MNITemplate)
	pc.Paths.Acqparams = resolvePath(base, pc.Paths.Acqparams)
	pc.Paths.EddyIndex = resolvePath(base, pc.Paths.EddyIndex)
	pc.Paths.Dcm2BidsConfig = resolvePath(base, pc.Paths.Dcm2BidsConfig)
	pc.Paths.AtlasDir = resolvePath(base, pc.Paths.AtlasDir)
	pc.Paths.Behaviour = resolvePath(base, pc.Paths.Behaviour)
	pc.Ledger = resolvePath(base, pc.Ledger)
	pc.Cohort.SubjectPrefix = strings.TrimSpace(pc.Cohort.SubjectPrefix)
	pc.Cohort.SubjectFilter = strings.TrimSpace(pc.Cohort.SubjectFilter)
	pc.FreeSurfer.Brainstem = strings.ToLower(strings.TrimSpace(pc.FreeSurfer.Brainstem))
	for i, id := range pc.Pipeline.Disabled {
		pc.Pipeline.Disabled[i] = strings.TrimSpace(id)
	}
	for i := range pc.Cohort.Sessions {
		pc.Cohort.Sessions[i] = strings.TrimSpace(pc.Cohort.Sessions[i])
	}
}

func (pc *ProjectConfig) validate() error {
	if pc.Version < 1 {
		return fmt.Errorf("config version must be >= 1")
	}
	if pc.Cohort.Jobs < 1 {
		return fmt.Errorf("cohort.jobs must be >= 1")
	}
	if pc.Pipeline.MaxParallelSteps < 1 {
		return fmt.Errorf("pipeline.max_parallel_steps must be >= 1")
	}
	if pc.Threads.MRtrix < 1 || pc.Threads.FreeSurfer < 1 || pc.Threads.ANTs < 1 {
		return fmt.Errorf("threads must be >= 1")
	}
	if pc.Tractography.Select < 1 {
		return fmt.Errorf("tractography.select must be >= 1")
	}
	if pc.Tractography.MinLength < 0 {
		return fmt.Errorf("tractography.min_length must be >= 0")
	}
	switch pc.FreeSurfer.Brainstem {
	case BrainstemReconAll, BrainstemSegmentBS:
	default:
		return fmt.Errorf("freesurfer.brainstem must be 'recon-all' or 'segmentBS'")
	}
	seen := map[string]struct{}{}
	for _, name := range pc.ROI.Striatum {
		if strings.TrimSpace(name) == "" {
			return fmt.Errorf("roi.striatum entries must be named")
		}
		if _, dup := seen[name]; dup {
			return fmt.Errorf("roi: duplicate label %s", name)
		}
		seen[name] = struct{}{}
	}
	for i, roi := range pc.ROI.ClusterROIs {
		if strings.TrimSpace(roi.Name) == "" {
			return fmt.Errorf("roi.clusters_rois[%d]: name is required", i)
		}
		if roi.Index < 1 {
			return fmt.Errorf("roi.clusters_rois[%d]: index must be >= 1", i)
		}
		if _, dup := seen[roi.Name]; dup {
			return fmt.Errorf("roi: duplicate label %s", roi.Name)
		}
		seen[roi.Name] = struct{}{}
	}
	for i, table := range pc.Analysis.EdgeTables {
		if strings.TrimSpace(table.Name) == "" {
			return fmt.Errorf("analysis.edge_tables[%d]: name is required", i)
		}
	}
	return nil
}

// Duration decodes YAML strings such as "30s" into a time.Duration.
type Duration time.Duration

// UnmarshalYAML implements yaml.Unmarshaler.
func (d *Duration) UnmarshalYAML(node *yaml.Node) error {
	var raw string
	if err := node.Decode(&raw); err != nil {
		return err
	}
	raw = strings.TrimSpace(raw)
	if raw == "" {
		*d = 0
		return nil
	}
	parsed, err := time.ParseDuration(raw)
	if err != nil {
		return fmt.Errorf("invalid duration %q: %w", raw, err)
	}
	*d = Duration(parsed)
	return nil
}

// MarshalYAML implements yaml.Marshaler.
func (d Duration) MarshalYAML() (any, error) {
	return time.Duration(d).String(), nil
}

// Std returns the value as a time.Duration.
func (d Duration) Std() time.Duration {
	return time.Duration(d)
}

func contains(values []string, target string) bool {
	for _, v := range values {
		if strings.EqualFold(strings.TrimSpace(v), target) {
			return true
		}
	}
	return false
}

func resolvePath(base, candidate string) string {
	trimmed := strings.TrimSpace(candidate)
	if trimmed == "" {
		return ""
	}
	if filepath.IsAbs(trimmed) {
		return filepath.Clean(trimmed)
	}
	return filepath.Clean(filepath.Join(base, trimmed))
}

func ensureProjectConfig(path string) error {
	if _, err := os.Stat(path); err == nil {
		return nil
	} else if !errors.Is(err, fs.ErrNotExist) {
		return err
	}
	return os.WriteFile(path, []byte(defaultProjectConfigYAML), 0o644)
}

func (c *Config) saveProjectConfig() error {
	if c == nil {
		return fmt.Errorf("config: nil receiver")
	}
	c.Project.applyDefaults()
	c.Project.normalize(c.DataDir)
	if err := c.Project.validate(); err != nil {
		return fmt.Errorf("config: %w", err)
	}
	if err := os.MkdirAll(filepath.Dir(c.ProjectConfigPath()), 0o755); err != nil {
		return fmt.Errorf("config: ensure pipeline dir: %w", err)
	}
	data, err := yaml.Marshal(c.Project)
	if err != nil {
		return fmt.Errorf("config: encode config: %w", err)
	}
	if err := os.WriteFile(c.ProjectConfigPath(), data, 0o644); err != nil {
		return fmt.Errorf("config: write project config: %w", err)
	}
	return nil
}
