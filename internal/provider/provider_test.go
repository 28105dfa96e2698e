package provider

import (
	"context"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/signalnine/capsulewatch/internal/config"
)

func writeFile(t *testing.T, path, body string) {
	t.Helper()
	require.NoError(t, os.WriteFile(path, []byte(body), 0644))
}

func TestDirSnapshot(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, filepath.Join(dir, "web.json"), `{"version":"1.0.0","configuration":{"replicas":2},"status":"running"}`)
	writeFile(t, filepath.Join(dir, "api.json"), `{"capsule_id":"api-v2","version":"3"}`)
	writeFile(t, filepath.Join(dir, "notes.txt"), `ignored`)
	writeFile(t, filepath.Join(dir, ".hidden.json"), `{}`)

	p := NewDir(dir)

	snap, err := p.Snapshot(context.Background(), "web")
	require.NoError(t, err)
	assert.Equal(t, "web", snap.CapsuleID)
	assert.Equal(t, "1.0.0", snap.Version)
	assert.Equal(t, "running", snap.Status)
	assert.Equal(t, 1, snap.Configuration.Leaves())

	snap, err = p.Snapshot(context.Background(), "api")
	require.NoError(t, err)
	assert.Equal(t, "api-v2", snap.CapsuleID)

	_, err = p.Snapshot(context.Background(), "missing")
	assert.ErrorIs(t, err, ErrUnknownCapsule)

	ids, err := p.Capsules(context.Background())
	require.NoError(t, err)
	assert.Equal(t, []string{"api", "web"}, ids)
}

func TestDirCorruptSnapshot(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, filepath.Join(dir, "web.json"), `{not json`)

	_, err := NewDir(dir).Snapshot(context.Background(), "web")
	assert.ErrorContains(t, err, "decode")
}

func TestDirMissingDirectory(t *testing.T) {
	ids, err := NewDir(filepath.Join(t.TempDir(), "nope")).Capsules(context.Background())
	require.NoError(t, err)
	assert.Empty(t, ids)
}

func TestDirWatch(t *testing.T) {
	dir := t.TempDir()
	p := NewDir(dir)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	changed := make(chan string, 8)
	done := make(chan error, 1)
	go func() {
		done <- p.Watch(ctx, WatchOptions{
			Debounce: 20 * time.Millisecond,
			Logger:   slog.New(slog.NewTextHandler(io.Discard, nil)),
		}, func(id string) { changed <- id })
	}()

	// the watcher registers asynchronously; keep writing until it reports
	deadline := time.After(5 * time.Second)
	tick := time.NewTicker(50 * time.Millisecond)
	defer tick.Stop()
	for got := false; !got; {
		select {
		case id := <-changed:
			assert.Equal(t, "web", id)
			got = true
		case <-tick.C:
			writeFile(t, filepath.Join(dir, "web.json"), `{"version":"2"}`)
			writeFile(t, filepath.Join(dir, "web.txt"), `x`)
		case <-deadline:
			t.Fatal("no change reported")
		}
	}

	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("watch did not stop")
	}
}

func TestHTTPSnapshot(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("Authorization") != "Bearer s3cret" {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		switch r.URL.Path {
		case "/capsules/web/state":
			w.Header().Set("Content-Type", "application/json")
			io.WriteString(w, `{"version":"1.2.3","resources":{"cpu":"500m"}}`)
		case "/capsules/broken/state":
			http.Error(w, "backend exploded", http.StatusBadGateway)
		default:
			http.NotFound(w, r)
		}
	}))
	defer srv.Close()

	p := NewHTTP(config.ProviderConfig{URL: srv.URL + "/capsules/{id}/state", Token: "s3cret"})

	snap, err := p.Snapshot(context.Background(), "web")
	require.NoError(t, err)
	assert.Equal(t, "web", snap.CapsuleID)
	assert.Equal(t, "1.2.3", snap.Version)

	_, err = p.Snapshot(context.Background(), "ghost")
	assert.ErrorIs(t, err, ErrUnknownCapsule)

	_, err = p.Snapshot(context.Background(), "broken")
	assert.ErrorContains(t, err, "502: backend exploded")
}

func TestHTTPEndpoint(t *testing.T) {
	p := NewHTTP(config.ProviderConfig{URL: "https://state.example/capsules/"})
	assert.Equal(t, "https://state.example/capsules/a%2Fb", p.endpoint("a/b"))

	p = NewHTTP(config.ProviderConfig{URL: "https://state.example/v1/{id}.json"})
	assert.Equal(t, "https://state.example/v1/web.json", p.endpoint("web"))
}

func TestBuild(t *testing.T) {
	p, err := Build(config.ProviderConfig{Type: "dir", Dir: "/tmp"})
	require.NoError(t, err)
	assert.IsType(t, &Dir{}, p)

	p, err = Build(config.ProviderConfig{Type: "http", URL: "http://localhost"})
	require.NoError(t, err)
	assert.IsType(t, &HTTP{}, p)

	_, err = Build(config.ProviderConfig{Type: "carrier-pigeon"})
	assert.Error(t, err)
}
