package app_test

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"proctor-engine/internal/app"
	"proctor-engine/internal/config"
	"proctor-engine/internal/session"
	"github.com/gorilla/websocket"
)

func TestShellRestoresAcrossRestart(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()
	gatewayURL, submits := fakeGateway(t)

	cfg := shellConfig(gatewayURL, dir)
	shell, err := app.NewShell(cfg, session.Hooks{})
	if err != nil {
		t.Fatalf("new shell: %v", err)
	}

	if restored, _ := shell.Restore(ctx); restored {
		t.Fatalf("expected nothing to restore on first boot")
	}
	if err := shell.Manager.Start(ctx, "test-1", 10); err != nil {
		t.Fatalf("start: %v", err)
	}
	if err := shell.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}

	// Simulated app restart over the same sqlite file.
	reborn, err := app.NewShell(cfg, session.Hooks{})
	if err != nil {
		t.Fatalf("new shell after restart: %v", err)
	}
	defer reborn.Close()

	restored, err := reborn.Restore(ctx)
	if err != nil {
		t.Fatalf("restore: %v", err)
	}
	if !restored {
		t.Fatalf("expected attempt restored")
	}
	if atomic.LoadInt32(submits) != 0 {
		t.Fatalf("expected no submission during restore within deadline")
	}
}

func TestShellUnknownStorageDriver(t *testing.T) {
	cfg := config.Config{}
	cfg.Storage.Driver = "cassette-tape"
	if _, err := app.NewShell(cfg, session.Hooks{}); err == nil {
		t.Fatalf("expected error for unknown driver")
	}
}

func TestShellEndTestPushForcesSubmission(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	gatewayURL, submits := fakeGateway(t)

	upgrader := websocket.Upgrader{}
	relay := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()
		// Wait for join-test, then end the test immediately.
		if _, _, err := conn.ReadMessage(); err != nil {
			return
		}
		_ = conn.WriteJSON(map[string]any{"type": "end-test"})
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}))
	defer relay.Close()

	cfg := shellConfig(gatewayURL, t.TempDir())
	cfg.Storage.Driver = "memory"
	shell, err := app.NewShell(cfg, session.Hooks{})
	if err != nil {
		t.Fatalf("new shell: %v", err)
	}
	defer shell.Close()

	if err := shell.Manager.Start(ctx, "test-1", 10); err != nil {
		t.Fatalf("start: %v", err)
	}
	shell.JoinLiveTest(ctx, "ws"+strings.TrimPrefix(relay.URL, "http"), "test-1", nil)

	deadline := time.Now().Add(5 * time.Second)
	for atomic.LoadInt32(submits) == 0 && time.Now().Before(deadline) {
		time.Sleep(10 * time.Millisecond)
	}
	if atomic.LoadInt32(submits) != 1 {
		t.Fatalf("expected end-test push to submit exactly once, got %d", atomic.LoadInt32(submits))
	}
	if shell.Manager.State() != session.Idle {
		t.Fatalf("expected idle after push submission, got %v", shell.Manager.State())
	}
}

func shellConfig(gatewayURL, dir string) config.Config {
	cfg := config.Config{}
	cfg.Storage.Driver = "sqlite"
	cfg.Storage.Path = filepath.Join(dir, "attempt.db")
	cfg.Gateway.BaseURL = gatewayURL
	cfg.Session.ViolationThreshold = 2
	cfg.Session.SubmitTimeout = "5s"
	return cfg
}

func fakeGateway(t *testing.T) (string, *int32) {
	t.Helper()
	var submits int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if strings.HasSuffix(r.URL.Path, "/submit") {
			atomic.AddInt32(&submits, 1)
		}
		_ = json.NewEncoder(w).Encode(map[string]string{"status": "ok"})
	}))
	t.Cleanup(server.Close)
	return server.URL, &submits
}
