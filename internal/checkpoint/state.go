package checkpoint

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
)

// StatePath returns the run state file path for a plan.
func StatePath(dir, planID string) string {
	return filepath.Join(dir, stateDir, planID+jsonExt)
}

// StatePath returns the run state file path for a plan in this store.
func (s *Store) StatePath(planID string) string {
	return StatePath(s.dir, planID)
}

// SaveState atomically rewrites the run state file.
func (s *Store) SaveState(st *RunState) error {
	if err := validName(st.PlanID); err != nil {
		return err
	}
	st.UpdatedAt = s.now().UTC()

	data, err := json.MarshalIndent(st, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal run state: %w", err)
	}
	return writeFileAtomic(s.StatePath(st.PlanID), data)
}

// LoadState reads the run state file for a plan.
func (s *Store) LoadState(planID string) (*RunState, error) {
	return ReadState(s.StatePath(planID))
}

// ReadState reads a run state file from path.
func ReadState(path string) (*RunState, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read run state: %w", err)
	}
	var st RunState
	if err := json.Unmarshal(data, &st); err != nil {
		return nil, fmt.Errorf("failed to parse run state %s: %w", path, err)
	}
	return &st, nil
}
