package provider

import (
	"context"
	"crypto/tls"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/signalnine/capsulewatch/internal/config"
	"github.com/signalnine/capsulewatch/internal/protocol"
)

const defaultHTTPTimeout = 30 * time.Second

// HTTP fetches snapshots with a GET per capsule. The configured URL may
// contain "{id}"; otherwise the capsule id is appended as a path segment.
type HTTP struct {
	url    string
	token  string
	client *http.Client
}

var _ Provider = (*HTTP)(nil)

func NewHTTP(cfg config.ProviderConfig) *HTTP {
	transport := &http.Transport{}
	if cfg.TLSSkipVerify {
		transport.TLSClientConfig = &tls.Config{InsecureSkipVerify: true}
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = defaultHTTPTimeout
	}

	return &HTTP{
		url:   cfg.URL,
		token: cfg.Token,
		client: &http.Client{
			Timeout:   timeout,
			Transport: transport,
		},
	}
}

func (h *HTTP) endpoint(capsuleID string) string {
	id := url.PathEscape(capsuleID)
	if strings.Contains(h.url, "{id}") {
		return strings.ReplaceAll(h.url, "{id}", id)
	}
	return strings.TrimSuffix(h.url, "/") + "/" + id
}

func (h *HTTP) Snapshot(ctx context.Context, capsuleID string) (protocol.Snapshot, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, h.endpoint(capsuleID), nil)
	if err != nil {
		return protocol.Snapshot{}, err
	}
	req.Header.Set("Accept", "application/json")
	if h.token != "" {
		req.Header.Set("Authorization", "Bearer "+h.token)
	}

	resp, err := h.client.Do(req)
	if err != nil {
		return protocol.Snapshot{}, err
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusNotFound:
		return protocol.Snapshot{}, fmt.Errorf("%w: %s", ErrUnknownCapsule, capsuleID)
	case resp.StatusCode != http.StatusOK:
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return protocol.Snapshot{}, fmt.Errorf("state provider returned %d: %s", resp.StatusCode, strings.TrimSpace(string(body)))
	}

	var snap protocol.Snapshot
	if err := json.NewDecoder(resp.Body).Decode(&snap); err != nil {
		return protocol.Snapshot{}, fmt.Errorf("decode snapshot of %s: %w", capsuleID, err)
	}
	if snap.CapsuleID == "" {
		snap.CapsuleID = capsuleID
	}
	return snap, nil
}
