// Package export writes stored runs and planned configurations as JSON files.
package export

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/happy-eyeballs/he-webtester/pkg/types"
)

const (
	runsExt   = ".json"
	configExt = ".config.json"
)

// FileName returns <testName>-<unix seconds><ext>.
func FileName(testName string, at time.Time, configuration bool) string {
	ext := runsExt
	if configuration {
		ext = configExt
	}
	return fmt.Sprintf("%s-%d%s", testName, at.Unix(), ext)
}

// Resolve picks the output path. An empty output means the generated name in
// the working directory, an existing directory receives the generated name.
func Resolve(output, testName string, at time.Time, configuration bool) string {
	name := FileName(testName, at, configuration)
	if output == "" {
		return name
	}
	if info, err := os.Stat(output); err == nil && info.IsDir() {
		return filepath.Join(output, name)
	}
	return output
}

// WriteRuns stores runs as a JSON array. A nil slice is written as [].
func WriteRuns(path string, runs []types.RunResult) error {
	if runs == nil {
		runs = []types.RunResult{}
	}
	return writeJSON(path, runs)
}

func WriteConfiguration(path string, cfg types.RunConfiguration) error {
	if len(cfg.Repetitions) == 0 {
		return errors.New("write configuration: no repetitions planned")
	}
	return writeJSON(path, cfg)
}

func writeJSON(path string, v any) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return fmt.Errorf("encode export: %w", err)
	}
	data = append(data, '\n')

	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0o750); err != nil {
			return fmt.Errorf("ensure export dir %q: %w", dir, err)
		}
	}
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return fmt.Errorf("write export %q: %w", tmp, err)
	}
	if err := os.Rename(tmp, path); err != nil {
		return fmt.Errorf("commit export %q: %w", path, err)
	}
	return nil
}
