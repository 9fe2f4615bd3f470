package session

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/happy-eyeballs/he-webtester/pkg/types"
)

const StateFileName = "session.yaml"

// State is the persisted form of a session.
type State struct {
	SessionID   string            `yaml:"session_id"`
	CreatedAt   time.Time         `yaml:"created_at"`
	RunCount    int               `yaml:"run_count"`
	Runs        []types.RunResult `yaml:"runs"`
	Transmitted []uint32          `yaml:"transmitted"`
}

func StatePath(dir string) string {
	return filepath.Join(dir, StateFileName)
}

// LoadState reads the session file in dir. A missing file yields an error
// matching fs.ErrNotExist.
func LoadState(ctx context.Context, dir string) (State, error) {
	var state State
	path := StatePath(dir)

	data, err := os.ReadFile(path)
	if err != nil {
		return state, fmt.Errorf("read session file %q: %w", path, err)
	}
	if err := yaml.Unmarshal(data, &state); err != nil {
		return state, fmt.Errorf("parse session file %q: %w", path, err)
	}
	return state, nil
}

// SaveState atomically replaces the session file in dir.
func SaveState(ctx context.Context, dir string, state State) error {
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return fmt.Errorf("ensure session dir %q: %w", dir, err)
	}

	path := StatePath(dir)
	data, err := yaml.Marshal(&state)
	if err != nil {
		return fmt.Errorf("marshal session: %w", err)
	}

	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o600); err != nil {
		return fmt.Errorf("write temp session file %q: %w", tmp, err)
	}
	if err := os.Rename(tmp, path); err != nil {
		return fmt.Errorf("commit session file %q: %w", path, err)
	}
	return nil
}

func stateExists(dir string) (bool, error) {
	_, err := os.Stat(StatePath(dir))
	if err == nil {
		return true, nil
	}
	if errors.Is(err, fs.ErrNotExist) {
		return false, nil
	}
	return false, fmt.Errorf("check session file %q: %w", StatePath(dir), err)
}
