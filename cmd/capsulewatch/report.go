package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"slices"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"

	"github.com/signalnine/capsulewatch/internal/config"
	"github.com/signalnine/capsulewatch/internal/evolution"
	"github.com/signalnine/capsulewatch/internal/history"
	"github.com/signalnine/capsulewatch/internal/protocol"
	"github.com/signalnine/capsulewatch/internal/store"
)

var reportJSON bool

var reportCmd = &cobra.Command{
	Use:   "report [capsule_id]",
	Short: "Print the evolution report of a capsule from its persisted history",
	Long:  "Print the evolution report of a capsule from its persisted history. Without a capsule id, list every capsule with recorded history.",
	Args:  cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		logger := newLogger(cfg)

		if len(args) == 0 {
			summaries, err := listHistories(cmd.Context(), cfg, logger)
			if err != nil {
				return err
			}
			if reportJSON {
				enc := json.NewEncoder(cmd.OutOrStdout())
				enc.SetIndent("", "  ")
				return enc.Encode(summaries)
			}
			return renderSummaries(cmd.OutOrStdout(), summaries, time.Now())
		}

		h, err := loadHistory(cmd.Context(), cfg, args[0], logger)
		if err != nil {
			return err
		}
		report := evolution.New(evolution.Options{
			MutationRateThreshold: cfg.AnomalyThresholds.MutationRate,
			OverrideRateThreshold: cfg.AnomalyThresholds.OverrideRate,
		}).GenerateReport(args[0], h.mutations, h.overrides)

		if reportJSON {
			enc := json.NewEncoder(cmd.OutOrStdout())
			enc.SetIndent("", "  ")
			return enc.Encode(report)
		}
		return renderReport(cmd.OutOrStdout(), report, h.lastChange(), time.Now())
	},
}

func init() {
	reportCmd.Flags().BoolVar(&reportJSON, "json", false, "print the report as JSON")
}

type capsuleHistory struct {
	mutations []protocol.MutationRecord
	overrides []protocol.OverrideRecord
}

func (h capsuleHistory) lastChange() time.Time {
	var last time.Time
	if n := len(h.mutations); n > 0 {
		last = h.mutations[n-1].Timestamp
	}
	if n := len(h.overrides); n > 0 && h.overrides[n-1].Timestamp.After(last) {
		last = h.overrides[n-1].Timestamp
	}
	return last
}

// ledgers are the persisted histories, loaded read-only.
type ledgers struct {
	tracker   *history.Tracker
	overrides *history.OverrideLogger
	close     func() error
}

func openLedgers(ctx context.Context, cfg *config.Config, logger *slog.Logger) (*ledgers, error) {
	backend, err := store.Open(cfg)
	if err != nil {
		return nil, err
	}
	if backend == nil {
		return nil, errors.New("persistence is disabled, no history to report on")
	}
	return &ledgers{
		tracker: history.NewTracker(ctx, history.TrackerOptions{
			MaxLength: cfg.MaxHistoryLength,
			Store:     backend.Mutations,
			Logger:    logger,
		}),
		overrides: history.NewOverrideLogger(ctx, history.OverrideOptions{
			MaxLength: cfg.MaxHistoryLength,
			Store:     backend.Overrides,
			Logger:    logger,
		}),
		close: backend.Close,
	}, nil
}

func (l *ledgers) history(capsuleID string) capsuleHistory {
	return capsuleHistory{
		mutations: l.tracker.GetMutationHistory(capsuleID),
		overrides: l.overrides.GetOverrideHistory(capsuleID),
	}
}

// loadHistory reads a capsule's persisted mutation and override histories.
func loadHistory(ctx context.Context, cfg *config.Config, capsuleID string, logger *slog.Logger) (capsuleHistory, error) {
	l, err := openLedgers(ctx, cfg, logger)
	if err != nil {
		return capsuleHistory{}, err
	}
	defer l.close()

	h := l.history(capsuleID)
	if len(h.mutations) == 0 && len(h.overrides) == 0 {
		return capsuleHistory{}, fmt.Errorf("no history recorded for capsule %s", capsuleID)
	}
	return h, nil
}

type historySummary struct {
	CapsuleID  string    `json:"capsule_id"`
	Mutations  int       `json:"mutations"`
	Overrides  int       `json:"overrides"`
	LastChange time.Time `json:"last_change"`
}

// listHistories summarizes every capsule with persisted history, sorted by id.
func listHistories(ctx context.Context, cfg *config.Config, logger *slog.Logger) ([]historySummary, error) {
	l, err := openLedgers(ctx, cfg, logger)
	if err != nil {
		return nil, err
	}
	defer l.close()

	ids := append(l.tracker.Capsules(), l.overrides.Capsules()...)
	slices.Sort(ids)
	ids = slices.Compact(ids)

	summaries := make([]historySummary, 0, len(ids))
	for _, id := range ids {
		h := l.history(id)
		summaries = append(summaries, historySummary{
			CapsuleID:  id,
			Mutations:  len(h.mutations),
			Overrides:  len(h.overrides),
			LastChange: h.lastChange(),
		})
	}
	return summaries, nil
}

func renderSummaries(w io.Writer, summaries []historySummary, now time.Time) error {
	if len(summaries) == 0 {
		_, err := fmt.Fprintln(w, "no capsule history recorded")
		return err
	}
	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	fmt.Fprintln(tw, "CAPSULE\tMUTATIONS\tOVERRIDES\tLAST CHANGE")
	for _, s := range summaries {
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\n", s.CapsuleID,
			humanize.Comma(int64(s.Mutations)), humanize.Comma(int64(s.Overrides)),
			humanize.RelTime(s.LastChange, now, "ago", "from now"))
	}
	return tw.Flush()
}

func renderReport(w io.Writer, r protocol.EvolutionReport, lastChange, now time.Time) error {
	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	fmt.Fprintf(tw, "capsule:\t%s\n", r.CapsuleID)
	fmt.Fprintf(tw, "health:\t%s (stability %.1f)\n", r.HealthAssessment.Status, r.StabilityScore)
	fmt.Fprintf(tw, "mutations:\t%s (%s/day)\n", humanize.Comma(int64(r.TotalMutations)), humanize.FormatFloat("#.##", r.MutationRate))
	fmt.Fprintf(tw, "overrides:\t%s (%s/day)\n", humanize.Comma(int64(r.TotalOverrides)), humanize.FormatFloat("#.##", r.OverrideRate))
	if !lastChange.IsZero() {
		fmt.Fprintf(tw, "last change:\t%s\n", humanize.RelTime(lastChange, now, "ago", "from now"))
	}
	fmt.Fprintf(tw, "trend:\tmutations %s, overrides %s\n",
		r.TrendAnalysis.Mutations.Direction, r.TrendAnalysis.Overrides.Direction)
	if len(r.ChangePatterns.TimePatterns.PeakHours) > 0 {
		hours := make([]string, 0, len(r.ChangePatterns.TimePatterns.PeakHours))
		for _, h := range r.ChangePatterns.TimePatterns.PeakHours {
			hours = append(hours, fmt.Sprintf("%02d:00 (%d)", h.Hour, h.Count))
		}
		fmt.Fprintf(tw, "peak hours:\t%s\n", strings.Join(hours, ", "))
	}
	if err := tw.Flush(); err != nil {
		return err
	}

	if len(r.Anomalies) > 0 {
		fmt.Fprintln(w, "\nanomalies:")
		for _, a := range r.Anomalies {
			fmt.Fprintf(w, "  [%s] %s: %s\n", a.Severity, a.Type, a.Description)
		}
	}
	if len(r.Recommendations) > 0 {
		fmt.Fprintln(w, "\nrecommendations:")
		for _, rec := range r.Recommendations {
			fmt.Fprintf(w, "  - %s\n", rec)
		}
	}
	return nil
}
