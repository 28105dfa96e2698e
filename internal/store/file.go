package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
)

// File stores each capsule's history as a JSON array in
// "<dir>/<capsule_id>_<kind>.json".
type File[R any] struct {
	dir    string
	suffix string
}

var _ Store[int] = (*File[int])(nil)

// NewFile returns a file store rooted at dir. The directory is created on
// the first Put; a missing directory reads as an empty store.
func NewFile[R any](dir, kind string) *File[R] {
	return &File[R]{dir: dir, suffix: "_" + kind + ".json"}
}

// Path returns the file that holds capsuleID's history.
func (f *File[R]) Path(capsuleID string) string {
	return filepath.Join(f.dir, capsuleID+f.suffix)
}

func (f *File[R]) Get(_ context.Context, capsuleID string) ([]R, error) {
	data, err := os.ReadFile(f.Path(capsuleID))
	if errors.Is(err, os.ErrNotExist) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}

	var records []R
	if err := json.Unmarshal(data, &records); err != nil {
		return nil, fmt.Errorf("decode %s: %w", f.Path(capsuleID), err)
	}
	return records, nil
}

// Put writes to a temp file and renames it over the old history so a
// crash never leaves a truncated file behind.
func (f *File[R]) Put(_ context.Context, capsuleID string, records []R) error {
	if records == nil {
		records = []R{}
	}
	if err := os.MkdirAll(f.dir, 0755); err != nil {
		return err
	}

	data, err := json.MarshalIndent(records, "", "  ")
	if err != nil {
		return err
	}

	tmp, err := os.CreateTemp(f.dir, "."+capsuleID+"-*.tmp")
	if err != nil {
		return err
	}
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmp.Name())
		return err
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmp.Name())
		return err
	}
	if err := os.Rename(tmp.Name(), f.Path(capsuleID)); err != nil {
		os.Remove(tmp.Name())
		return err
	}
	return nil
}

func (f *File[R]) List(_ context.Context) ([]string, error) {
	entries, err := os.ReadDir(f.dir)
	if errors.Is(err, os.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}

	var ids []string
	for _, e := range entries {
		name := e.Name()
		if e.IsDir() || strings.HasPrefix(name, ".") || !strings.HasSuffix(name, f.suffix) {
			continue
		}
		if id := strings.TrimSuffix(name, f.suffix); id != "" {
			ids = append(ids, id)
		}
	}
	sort.Strings(ids)
	return ids, nil
}
