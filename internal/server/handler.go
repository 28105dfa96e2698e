package server

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/signalnine/capsulewatch/internal/drift"
	"github.com/signalnine/capsulewatch/internal/monitor"
	"github.com/signalnine/capsulewatch/internal/protocol"
)

// Monitor is the part of monitor.Monitor the API serves.
type Monitor interface {
	Status() monitor.Status
	Observe(ctx context.Context, snap protocol.Snapshot) (monitor.CapsuleResult, error)
	Report(capsuleID string) (protocol.EvolutionReport, error)
	CachedReport(capsuleID string) (protocol.EvolutionReport, error)
	Mutations(capsuleID string, start, end time.Time) ([]protocol.MutationRecord, error)
	Overrides(capsuleID, source string) ([]protocol.OverrideRecord, error)
	DriftHistory(capsuleID string) ([]protocol.DriftEvent, error)
	ClearMutations(ctx context.Context, capsuleID string) error
	ClearOverrides(ctx context.Context, capsuleID string) error
	SetBaseline(capsuleID string) (protocol.Snapshot, error)
	BaselineDrift(ctx context.Context, capsuleID string) (protocol.DriftAssessment, error)
}

var _ Monitor = (*monitor.Monitor)(nil)

type api struct {
	mon             Monitor
	apiKey          string
	maxPayloadBytes int64
	logger          *slog.Logger
}

// requireKey rejects requests without the configured bearer key. An empty
// key disables the check.
func (a *api) requireKey(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if a.apiKey == "" {
			next.ServeHTTP(w, r)
			return
		}
		auth := r.Header.Get("Authorization")
		token, ok := strings.CutPrefix(auth, "Bearer ")
		if !ok || subtle.ConstantTimeCompare([]byte(token), []byte(a.apiKey)) != 1 {
			writeError(w, http.StatusUnauthorized, errors.New("unauthorized"))
			return
		}
		next.ServeHTTP(w, r)
	})
}

// ingest accepts a snapshot pushed by a capsule and processes it like a
// cycle would.
func (a *api) ingest(w http.ResponseWriter, r *http.Request) {
	if r.ContentLength > a.maxPayloadBytes {
		writeError(w, http.StatusRequestEntityTooLarge, errors.New("request entity too large"))
		return
	}
	body, err := io.ReadAll(io.LimitReader(r.Body, a.maxPayloadBytes+1))
	if err != nil {
		writeError(w, http.StatusBadRequest, errors.New("failed to read body"))
		return
	}
	if int64(len(body)) > a.maxPayloadBytes {
		writeError(w, http.StatusRequestEntityTooLarge, errors.New("request entity too large"))
		return
	}

	var snap protocol.Snapshot
	if err := json.Unmarshal(body, &snap); err != nil {
		writeError(w, http.StatusBadRequest, errors.New("invalid JSON"))
		return
	}
	if snap.CapsuleID == "" {
		writeError(w, http.StatusBadRequest, errors.New("capsule_id is required"))
		return
	}

	res, err := a.mon.Observe(r.Context(), snap)
	if err != nil {
		a.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

func (a *api) capsules(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, a.mon.Status())
}

// report regenerates the report unless ?cached=true asks for the last one.
func (a *api) report(w http.ResponseWriter, r *http.Request) {
	cached, err := queryBool(r, "cached")
	if err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	id := chi.URLParam(r, "id")
	var report protocol.EvolutionReport
	if cached {
		report, err = a.mon.CachedReport(id)
	} else {
		report, err = a.mon.Report(id)
	}
	if err != nil {
		a.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, report)
}

func (a *api) mutations(w http.ResponseWriter, r *http.Request) {
	start, err := queryTime(r, "start")
	if err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	end, err := queryTime(r, "end")
	if err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	records, err := a.mon.Mutations(chi.URLParam(r, "id"), start, end)
	if err != nil {
		a.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, nonNil(records))
}

func (a *api) overrides(w http.ResponseWriter, r *http.Request) {
	records, err := a.mon.Overrides(chi.URLParam(r, "id"), r.URL.Query().Get("source"))
	if err != nil {
		a.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, nonNil(records))
}

func (a *api) driftHistory(w http.ResponseWriter, r *http.Request) {
	events, err := a.mon.DriftHistory(chi.URLParam(r, "id"))
	if err != nil {
		a.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, nonNil(events))
}

func (a *api) clearMutations(w http.ResponseWriter, r *http.Request) {
	if err := a.mon.ClearMutations(r.Context(), chi.URLParam(r, "id")); err != nil {
		a.fail(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (a *api) clearOverrides(w http.ResponseWriter, r *http.Request) {
	if err := a.mon.ClearOverrides(r.Context(), chi.URLParam(r, "id")); err != nil {
		a.fail(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (a *api) setBaseline(w http.ResponseWriter, r *http.Request) {
	snap, err := a.mon.SetBaseline(chi.URLParam(r, "id"))
	if err != nil {
		a.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, snap)
}

func (a *api) baselineDrift(w http.ResponseWriter, r *http.Request) {
	assessment, err := a.mon.BaselineDrift(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		a.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, assessment)
}

// fail maps monitor errors to status codes.
func (a *api) fail(w http.ResponseWriter, r *http.Request, err error) {
	switch {
	case errors.Is(err, monitor.ErrNotMonitored):
		writeError(w, http.StatusNotFound, err)
	case errors.Is(err, monitor.ErrNoSnapshot), errors.Is(err, drift.ErrNoBaseline):
		writeError(w, http.StatusConflict, err)
	default:
		a.logger.Error("request failed", "method", r.Method, "path", r.URL.Path, "error", err)
		writeError(w, http.StatusInternalServerError, errors.New("internal error"))
	}
}

func queryTime(r *http.Request, key string) (time.Time, error) {
	v := r.URL.Query().Get(key)
	if v == "" {
		return time.Time{}, nil
	}
	t, err := time.Parse(time.RFC3339, v)
	if err != nil {
		return time.Time{}, fmt.Errorf("invalid %s: want RFC3339", key)
	}
	return t, nil
}

func queryBool(r *http.Request, key string) (bool, error) {
	v := r.URL.Query().Get(key)
	if v == "" {
		return false, nil
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return false, fmt.Errorf("invalid %s: want a boolean", key)
	}
	return b, nil
}

func nonNil[T any](s []T) []T {
	if s == nil {
		return []T{}
	}
	return s
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, code int, err error) {
	writeJSON(w, code, map[string]string{"error": err.Error()})
}
