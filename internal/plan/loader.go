package plan

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/BurntSushi/toml"
	"gopkg.in/yaml.v3"
)

// Plan file formats.
const (
	FormatYAML = "yaml"
	FormatJSON = "json"
	FormatTOML = "toml"
)

// maxPlanFileSize bounds plan files read from disk.
const maxPlanFileSize = 4 * 1024 * 1024

// Load reads a plan file, choosing the decoder by extension, and validates it.
// A plan without an id takes the file name without its extension.
func Load(path string) (*Plan, error) {
	format, err := FormatFromPath(path)
	if err != nil {
		return nil, err
	}

	data, err := readPlanFile(path)
	if err != nil {
		return nil, err
	}

	p, err := Parse(data, format)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	if p.ID == "" {
		p.ID = strings.TrimSuffix(filepath.Base(path), filepath.Ext(path))
	}
	if abs, err := filepath.Abs(path); err == nil {
		p.Source = abs
	} else {
		p.Source = path
	}
	return p, nil
}

// FormatFromPath maps a file extension to a plan format.
func FormatFromPath(path string) (string, error) {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		return FormatYAML, nil
	case ".json":
		return FormatJSON, nil
	case ".toml":
		return FormatTOML, nil
	default:
		return "", fmt.Errorf("%w: unsupported plan file extension %q", ErrInvalidPlan, filepath.Ext(path))
	}
}

// Parse decodes and validates a plan in the given format.
func Parse(data []byte, format string) (*Plan, error) {
	var p Plan
	switch format {
	case FormatYAML:
		dec := yaml.NewDecoder(bytes.NewReader(data))
		dec.KnownFields(true)
		if err := dec.Decode(&p); err != nil && err != io.EOF {
			return nil, fmt.Errorf("%w: yaml: %v", ErrInvalidPlan, err)
		}
	case FormatJSON:
		dec := json.NewDecoder(bytes.NewReader(data))
		dec.DisallowUnknownFields()
		if err := dec.Decode(&p); err != nil {
			return nil, fmt.Errorf("%w: json: %v", ErrInvalidPlan, err)
		}
	case FormatTOML:
		if _, err := toml.Decode(string(data), &p); err != nil {
			return nil, fmt.Errorf("%w: toml: %v", ErrInvalidPlan, err)
		}
	default:
		return nil, fmt.Errorf("%w: unknown format %q", ErrInvalidPlan, format)
	}

	for i := range p.Phases {
		p.Phases[i].Status = StatusPending
		for j := range p.Phases[i].WorkItems {
			p.Phases[i].WorkItems[j].Status = ItemPending
		}
	}

	if err := p.Validate(); err != nil {
		return nil, err
	}
	return &p, nil
}

func readPlanFile(path string) ([]byte, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("opening plan: %w", err)
	}
	defer f.Close()

	data, err := io.ReadAll(io.LimitReader(f, maxPlanFileSize+1))
	if err != nil {
		return nil, fmt.Errorf("reading plan: %w", err)
	}
	if len(data) > maxPlanFileSize {
		return nil, fmt.Errorf("%w: plan file exceeds %d bytes", ErrInvalidPlan, maxPlanFileSize)
	}
	return data, nil
}
