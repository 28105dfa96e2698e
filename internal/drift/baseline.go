package drift

import (
	"encoding/json"
	"os"
	"path/filepath"

	"github.com/signalnine/capsulewatch/internal/protocol"
)

// ReadBaselines reads the baseline state file.
// Returns an empty set if the file doesn't exist or is corrupt.
func ReadBaselines(path string) (map[string]protocol.Snapshot, error) {
	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return map[string]protocol.Snapshot{}, nil
	}
	if err != nil {
		return nil, err
	}

	var baselines map[string]protocol.Snapshot
	if err := json.Unmarshal(data, &baselines); err != nil {
		// Corrupt file - fresh start
		return map[string]protocol.Snapshot{}, nil
	}
	if baselines == nil {
		baselines = map[string]protocol.Snapshot{}
	}
	return baselines, nil
}

// WriteBaselines replaces the baseline state file.
// Creates parent directories if needed.
func WriteBaselines(path string, baselines map[string]protocol.Snapshot) error {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return err
	}

	data, err := json.MarshalIndent(baselines, "", "  ")
	if err != nil {
		return err
	}

	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0644); err != nil {
		return err
	}
	return os.Rename(tmp, path)
}
