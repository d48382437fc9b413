package backfill

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"
)

// maxErrors keeps the state file bounded across many failing runs.
const maxErrors = 50

// State tracks mirror backfill progress so a restart resumes where it stopped.
type State struct {
	StartedAt       time.Time `json:"started_at"`
	LastProcessedAt time.Time `json:"last_processed_at"`
	LinesProcessed  int       `json:"lines_processed"`
	LinesMirrored   int       `json:"lines_mirrored"`
	Errors          []string  `json:"errors"`

	path string // not serialized
}

// LoadState loads the state at path, or starts a new one if none exists.
func LoadState(path string) (*State, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return &State{
				StartedAt: time.Now().UTC(),
				path:      path,
			}, nil
		}
		return nil, fmt.Errorf("read state: %w", err)
	}

	var s State
	if err := json.Unmarshal(data, &s); err != nil {
		return nil, fmt.Errorf("parse state: %w", err)
	}
	s.path = path
	return &s, nil
}

// Save persists the state to disk.
func (s *State) Save() error {
	s.LastProcessedAt = time.Now().UTC()

	if err := os.MkdirAll(filepath.Dir(s.path), 0o755); err != nil {
		return fmt.Errorf("mkdir: %w", err)
	}

	data, err := json.MarshalIndent(s, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal state: %w", err)
	}

	return os.WriteFile(s.path, data, 0o644)
}

// Restart forgets progress, e.g. after the log was rotated.
func (s *State) Restart() {
	s.StartedAt = time.Now().UTC()
	s.LinesProcessed = 0
	s.LinesMirrored = 0
}

// AddError records a processing error.
func (s *State) AddError(msg string) {
	s.Errors = append(s.Errors, msg)
	if len(s.Errors) > maxErrors {
		s.Errors = s.Errors[len(s.Errors)-maxErrors:]
	}
}
