package checkpoint

import (
	"fmt"
	"path/filepath"

	"github.com/fyrsmithlabs/phasegate/internal/reflection"
)

const synthesisDir = "synthesis"

// SynthesisPath returns the JSON path of a phase's reflection synthesis.
// The markdown rendering sits next to it with a .md extension.
func (s *Store) SynthesisPath(planID, phaseID string) string {
	return filepath.Join(s.dir, synthesisDir, planID+"_"+phaseID+jsonExt)
}

// SaveSynthesis writes a completed phase's synthesis as JSON with a markdown
// companion and returns the JSON path.
func (s *Store) SaveSynthesis(planID string, syn reflection.Synthesis) (string, error) {
	if err := validName(planID); err != nil {
		return "", err
	}
	if err := validName(syn.PhaseID); err != nil {
		return "", err
	}

	data, err := reflection.RenderJSON(syn)
	if err != nil {
		return "", err
	}
	path := s.SynthesisPath(planID, syn.PhaseID)
	md := path[:len(path)-len(jsonExt)] + mdExt
	if err := writeFileAtomic(md, []byte(reflection.RenderMarkdown(syn))); err != nil {
		return "", fmt.Errorf("synthesis %s: %w", syn.PhaseID, err)
	}
	if err := writeFileAtomic(path, data); err != nil {
		return "", fmt.Errorf("synthesis %s: %w", syn.PhaseID, err)
	}
	return path, nil
}
