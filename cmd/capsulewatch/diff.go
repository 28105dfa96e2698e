package main

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/signalnine/capsulewatch/internal/drift"
	"github.com/signalnine/capsulewatch/internal/protocol"
)

// errDrift is returned by `diff --exit-code` when the snapshots differ.
var errDrift = errors.New("snapshots differ")

var diffExitCode bool

var diffCmd = &cobra.Command{
	Use:   "diff <previous.json> <current.json>",
	Short: "Compare two snapshot files and print the drift assessment",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := diffFiles(args[0], args[1], time.Now())
		if err != nil {
			return err
		}
		if err := writeAssessment(cmd.OutOrStdout(), a); err != nil {
			return err
		}
		if diffExitCode && a.HasChanges {
			return errDrift
		}
		return nil
	},
}

func init() {
	diffCmd.Flags().BoolVar(&diffExitCode, "exit-code", false, "exit with status 1 when the snapshots differ")
}

func readSnapshot(path string) (protocol.Snapshot, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return protocol.Snapshot{}, err
	}
	var snap protocol.Snapshot
	if err := json.Unmarshal(data, &snap); err != nil {
		return protocol.Snapshot{}, fmt.Errorf("decode %s: %w", path, err)
	}
	return snap, nil
}

func diffFiles(previousPath, currentPath string, now time.Time) (protocol.DriftAssessment, error) {
	previous, err := readSnapshot(previousPath)
	if err != nil {
		return protocol.DriftAssessment{}, err
	}
	current, err := readSnapshot(currentPath)
	if err != nil {
		return protocol.DriftAssessment{}, err
	}
	a := drift.Compare(previous, current)
	a.DetectedAt = now
	return a, nil
}

func writeAssessment(w io.Writer, a protocol.DriftAssessment) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(a)
}
