package reorganize

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"go.uber.org/zap"
)

const (
	graseProtocol = "mcGRASE_1p6iso_84_AF3x2"
	graseEchoes   = 32
)

// echo is one 3D volume of an mcGRASE acquisition.
type echo struct {
	echoTime        float64
	acquisitionTime any
	sidecar         map[string]any
	image           string
}

// echoGroup is one complete mcGRASE acquisition, sorted by echo time.
type echoGroup struct {
	echoes []echo
}

func (g *echoGroup) volumes() []string {
	out := make([]string, len(g.echoes))
	for i, e := range g.echoes {
		out[i] = e.image
	}
	return out
}

// writeSidecar writes the first volume's side-car with EchoTime and
// AcquisitionTime replaced by the sorted per-echo lists.
func (g *echoGroup) writeSidecar(path string) error {
	payload := make(map[string]any, len(g.echoes[0].sidecar))
	for key, value := range g.echoes[0].sidecar {
		payload[key] = value
	}
	echoTimes := make([]float64, len(g.echoes))
	acquisitionTimes := make([]any, len(g.echoes))
	for i, e := range g.echoes {
		echoTimes[i] = e.echoTime
		acquisitionTimes[i] = e.acquisitionTime
	}
	payload["EchoTime"] = echoTimes
	payload["AcquisitionTime"] = acquisitionTimes
	data, err := json.MarshalIndent(payload, "", "  ")
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}
	return os.WriteFile(path, append(data, '\n'), 0o644)
}

// findEchoGroup scans the BIDS anat folder for mcGRASE volumes. Volumes are
// grouped by orientation and shim setting; groups without exactly 32 echoes
// are skipped. A nil group means the session has no usable acquisition.
func findEchoGroup(anat string, logger *zap.Logger) (*echoGroup, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	jsons, images, err := listAnat(anat)
	if err != nil {
		return nil, err
	}
	if len(jsons) != len(images) {
		return nil, fmt.Errorf("reorganize: different number of .json and .nii.gz in: %s (%d vs %d)", anat, len(jsons), len(images))
	}
	var order []string
	groups := map[string][]echo{}
	for i, name := range jsons {
		payload, err := readJSON(filepath.Join(anat, name))
		if err != nil {
			return nil, err
		}
		if protocol, _ := payload["ProtocolName"].(string); protocol != graseProtocol {
			continue
		}
		key, err := groupKey(payload)
		if err != nil {
			return nil, fmt.Errorf("reorganize: %s: %w", name, err)
		}
		et, ok := payload["EchoTime"].(float64)
		if !ok {
			return nil, fmt.Errorf("reorganize: %s has no numeric EchoTime", name)
		}
		if _, seen := groups[key]; !seen {
			order = append(order, key)
		}
		groups[key] = append(groups[key], echo{
			echoTime:        et,
			acquisitionTime: payload["AcquisitionTime"],
			sidecar:         payload,
			image:           filepath.Join(anat, images[i]),
		})
	}
	logger.Info("mcGRASE acquisitions", zap.Int("count", len(order)))
	var found *echoGroup
	for _, key := range order {
		echoes := groups[key]
		if len(echoes) != graseEchoes {
			logger.Info("skipping mcGRASE acquisition, invalid number of volumes",
				zap.String("orientation", key), zap.Int("volumes", len(echoes)))
			continue
		}
		if found != nil {
			return nil, fmt.Errorf("reorganize: more than 1 mcGRASE dataset in %s", anat)
		}
		sort.SliceStable(echoes, func(i, j int) bool { return echoes[i].echoTime < echoes[j].echoTime })
		found = &echoGroup{echoes: echoes}
	}
	return found, nil
}

// groupKey identifies an acquisition by its slice orientation and, when the
// scanner recorded one, its shim setting.
func groupKey(payload map[string]any) (string, error) {
	orientation, ok := payload["ImageOrientationPatientDICOM"]
	if !ok {
		return "", fmt.Errorf("missing ImageOrientationPatientDICOM")
	}
	parts := []any{orientation}
	if shim, ok := payload["ShimSetting"]; ok {
		parts = append(parts, shim)
	}
	data, err := json.Marshal(parts)
	if err != nil {
		return "", err
	}
	return string(data), nil
}

func listAnat(dir string) (jsons, images []string, err error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, nil, err
	}
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		switch name := entry.Name(); {
		case strings.HasSuffix(name, ".json"):
			jsons = append(jsons, name)
		case strings.HasSuffix(name, ".nii.gz"):
			images = append(images, name)
		}
	}
	sort.Strings(jsons)
	sort.Strings(images)
	return jsons, images, nil
}

func readJSON(path string) (map[string]any, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var payload map[string]any
	if err := json.Unmarshal(data, &payload); err != nil {
		return nil, fmt.Errorf("reorganize: parse %s: %w", path, err)
	}
	return payload, nil
}
