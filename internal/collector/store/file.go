package store

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
)

// FileStore appends each batch as one JSON line to
// <root>/<kind>/YYYY/MM/YYYY-MM-DD-<kind>.jsonl.
type FileStore struct {
	root string
	mu   sync.Mutex
}

func NewFileStore(root string) (*FileStore, error) {
	if root == "" {
		return nil, errors.New("results directory required")
	}
	if err := os.MkdirAll(root, 0o750); err != nil {
		return nil, fmt.Errorf("ensure results dir %q: %w", root, err)
	}
	return &FileStore{root: root}, nil
}

// Path returns the file a batch is appended to.
func (f *FileStore) Path(batch Batch) string {
	at := batch.ReceivedAt.UTC()
	return filepath.Join(f.root, string(batch.Kind),
		at.Format("2006"), at.Format("01"),
		fmt.Sprintf("%s-%s.jsonl", at.Format("2006-01-02"), batch.Kind))
}

func (f *FileStore) Append(ctx context.Context, batch Batch) error {
	if err := batch.validate(); err != nil {
		return err
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	var line bytes.Buffer
	if err := json.Compact(&line, batch.Payload); err != nil {
		return fmt.Errorf("compact payload: %w", err)
	}
	line.WriteByte('\n')

	path := f.Path(batch)
	f.mu.Lock()
	defer f.mu.Unlock()

	if err := os.MkdirAll(filepath.Dir(path), 0o750); err != nil {
		return fmt.Errorf("ensure batch dir: %w", err)
	}
	file, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_APPEND, 0o640)
	if err != nil {
		return fmt.Errorf("open batch file %q: %w", path, err)
	}
	if _, err := file.Write(line.Bytes()); err != nil {
		file.Close()
		return fmt.Errorf("append batch %s: %w", batch.ID, err)
	}
	if err := file.Close(); err != nil {
		return fmt.Errorf("close batch file %q: %w", path, err)
	}
	return nil
}

func (f *FileStore) Ping(ctx context.Context) error {
	info, err := os.Stat(f.root)
	if err != nil {
		return fmt.Errorf("stat results dir: %w", err)
	}
	if !info.IsDir() {
		return fmt.Errorf("results dir %q is not a directory", f.root)
	}
	return nil
}
