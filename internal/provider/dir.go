package provider

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/signalnine/capsulewatch/internal/logging"
	"github.com/signalnine/capsulewatch/internal/protocol"
)

const snapshotExt = ".json"

// DefaultDebounce is how long Watch waits for a burst of writes to the same
// snapshot file to settle before reporting it.
const DefaultDebounce = 100 * time.Millisecond

// Dir reads one JSON snapshot per capsule from "<dir>/<capsule_id>.json".
type Dir struct {
	dir string
}

var (
	_ Provider = (*Dir)(nil)
	_ Lister   = (*Dir)(nil)
)

func NewDir(dir string) *Dir {
	return &Dir{dir: dir}
}

// Path returns the snapshot file of capsuleID.
func (d *Dir) Path(capsuleID string) string {
	return filepath.Join(d.dir, capsuleID+snapshotExt)
}

func (d *Dir) Snapshot(_ context.Context, capsuleID string) (protocol.Snapshot, error) {
	data, err := os.ReadFile(d.Path(capsuleID))
	if errors.Is(err, os.ErrNotExist) {
		return protocol.Snapshot{}, fmt.Errorf("%w: %s", ErrUnknownCapsule, capsuleID)
	}
	if err != nil {
		return protocol.Snapshot{}, err
	}

	var snap protocol.Snapshot
	if err := json.Unmarshal(data, &snap); err != nil {
		return protocol.Snapshot{}, fmt.Errorf("decode %s: %w", d.Path(capsuleID), err)
	}
	if snap.CapsuleID == "" {
		snap.CapsuleID = capsuleID
	}
	return snap, nil
}

// Capsules lists the capsules that have a snapshot file.
func (d *Dir) Capsules(_ context.Context) ([]string, error) {
	entries, err := os.ReadDir(d.dir)
	if errors.Is(err, os.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	var ids []string
	for _, e := range entries {
		if id, ok := d.capsuleOf(e.Name()); ok && !e.IsDir() {
			ids = append(ids, id)
		}
	}
	sort.Strings(ids)
	return ids, nil
}

func (d *Dir) capsuleOf(name string) (string, bool) {
	name = filepath.Base(name)
	if !strings.HasSuffix(name, snapshotExt) || strings.HasPrefix(name, ".") {
		return "", false
	}
	return strings.TrimSuffix(name, snapshotExt), true
}

// WatchOptions configures Dir.Watch.
type WatchOptions struct {
	Debounce time.Duration
	Logger   *slog.Logger
}

// Watch calls onChange with the capsule id whenever its snapshot file is
// created or rewritten, until ctx is done. Bursts of events for one file
// within the debounce window are reported once.
func (d *Dir) Watch(ctx context.Context, opts WatchOptions, onChange func(capsuleID string)) error {
	if opts.Debounce <= 0 {
		opts.Debounce = DefaultDebounce
	}
	logger := logging.OrDefault(opts.Logger)

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("create watcher: %w", err)
	}
	defer watcher.Close()

	if err := watcher.Add(d.dir); err != nil {
		return fmt.Errorf("watch %s: %w", d.dir, err)
	}
	logger.Info("watching snapshot directory", "dir", d.dir)

	var (
		mu      sync.Mutex
		pending = make(map[string]*time.Timer)
	)
	defer func() {
		mu.Lock()
		for _, t := range pending {
			t.Stop()
		}
		mu.Unlock()
	}()

	for {
		select {
		case <-ctx.Done():
			return nil
		case event, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			if !event.Has(fsnotify.Write) && !event.Has(fsnotify.Create) {
				continue
			}
			id, ok := d.capsuleOf(event.Name)
			if !ok {
				continue
			}

			mu.Lock()
			if t, ok := pending[id]; ok {
				t.Reset(opts.Debounce)
			} else {
				pending[id] = time.AfterFunc(opts.Debounce, func() {
					mu.Lock()
					delete(pending, id)
					mu.Unlock()
					if ctx.Err() == nil {
						onChange(id)
					}
				})
			}
			mu.Unlock()
		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			logger.Warn("snapshot watcher error", "dir", d.dir, "error", err)
		}
	}
}
