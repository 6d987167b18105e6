package state

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"
)

// LastJob is the job_id value that refers to the session's last job.
const LastJob = "last"

const maxHistory = 20

// Submission is one command published from the CLI.
type Submission struct {
	TraceID string    `json:"trace_id"`
	Action  string    `json:"action"`
	Target  string    `json:"target,omitempty"`
	At      time.Time `json:"at"`
}

// Session stores operator settings and recent activity across restarts.
type Session struct {
	User      string       `json:"user"`
	LastJobID string       `json:"last_job_id,omitempty"`
	History   []Submission `json:"history,omitempty"`
}

// Record prepends sub to the history, keeping the newest entries. A non-empty
// jobID becomes the session's last job.
func (s *Session) Record(sub Submission, jobID string) {
	s.History = append([]Submission{sub}, s.History...)
	if len(s.History) > maxHistory {
		s.History = s.History[:maxHistory]
	}
	if jobID != "" {
		s.LastJobID = jobID
	}
}

// ResolveJobID expands LastJob and remembers any explicit id as the last job.
func (s *Session) ResolveJobID(value string) (string, error) {
	if value == LastJob {
		if s.LastJobID == "" {
			return "", errors.New("no job has been referenced in this session yet")
		}
		return s.LastJobID, nil
	}
	if value != "" {
		s.LastJobID = value
	}
	return value, nil
}

// Load reads the session file. A missing or empty file yields a zero session.
func Load(path string) (Session, error) {
	var st Session
	data, err := os.ReadFile(path)
	if errors.Is(err, os.ErrNotExist) || (err == nil && len(data) == 0) {
		return st, nil
	}
	if err != nil {
		return st, fmt.Errorf("read session %s: %w", path, err)
	}
	if err := json.Unmarshal(data, &st); err != nil {
		return st, fmt.Errorf("parse session %s: %w", path, err)
	}
	return st, nil
}

// Save replaces the session file through a temporary file so a crash never
// leaves it half written.
func Save(path string, st Session) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("create session dir: %w", err)
	}
	data, err := json.MarshalIndent(st, "", "  ")
	if err != nil {
		return fmt.Errorf("encode session: %w", err)
	}
	tmp, err := os.CreateTemp(dir, ".session-*")
	if err != nil {
		return fmt.Errorf("create session temp file: %w", err)
	}
	defer os.Remove(tmp.Name())
	if _, err := tmp.Write(data); err != nil {
		_ = tmp.Close()
		return fmt.Errorf("write session: %w", err)
	}
	if err := tmp.Chmod(0o600); err != nil {
		_ = tmp.Close()
		return fmt.Errorf("chmod session: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("close session: %w", err)
	}
	if err := os.Rename(tmp.Name(), path); err != nil {
		return fmt.Errorf("replace session: %w", err)
	}
	return nil
}

// Clear removes the session file.
func Clear(path string) error {
	if err := os.Remove(path); err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("remove session %s: %w", path, err)
	}
	return nil
}
