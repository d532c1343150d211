package web

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"eibdvis/internal/config"
	"eibdvis/internal/eibd"
	"eibdvis/internal/gateway"
	"eibdvis/internal/knx"
	"eibdvis/internal/store"
)

const testConfig = `
title: "Home & Garden"
eibd:
  url: ip:localhost
rooms:
  - id: living
    name: Living Room
    notes: "**Cozy** corner <script>alert(1)</script>"
    objects:
      - name: Ceiling
        address: 1/0/1
        status: 1/0/2
      - name: Dimmer
        address: 1/1/1
        type: dimmer
      - name: Window
        address: 4/0/1
        type: sensor
  - id: kitchen
    name: Kitchen
    objects:
      - name: Temperature
        address: 3/0/1
        type: temperature
      - name: Hood
        address: 3/0/2
        type: raw
`

type sentTelegram struct {
	dst  knx.GroupAddress
	apdu []byte
}

// fakeBus accepts every write and never delivers a telegram.
type fakeBus struct {
	sent      chan sentTelegram
	closeOnce sync.Once
	closed    chan struct{}
}

func newFakeBus() *fakeBus {
	return &fakeBus{sent: make(chan sentTelegram, 16), closed: make(chan struct{})}
}

func (b *fakeBus) OpenGroupSocket(ctx context.Context) error { return nil }

func (b *fakeBus) SendGroup(ctx context.Context, dst knx.GroupAddress, apdu []byte) error {
	b.sent <- sentTelegram{dst: dst, apdu: apdu}
	return nil
}

func (b *fakeBus) RecvGroup(ctx context.Context) (eibd.GroupPacket, error) {
	select {
	case <-b.closed:
		return eibd.GroupPacket{}, io.ErrClosedPipe
	case <-ctx.Done():
		return eibd.GroupPacket{}, ctx.Err()
	}
}

func (b *fakeBus) Close() error {
	b.closeOnce.Do(func() { close(b.closed) })
	return nil
}

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))
}

type testEnv struct {
	srv *Server
	gw  *gateway.Gateway
	cfg *config.Config
	bus *fakeBus
}

// newTestEnv builds a server on a real gateway. With connected false every
// dial fails, so writes report ErrNotConnected.
func newTestEnv(t *testing.T, yamlConfig string, connected bool, opts ...ServerOption) *testEnv {
	t.Helper()
	cfg, err := config.Parse([]byte(yamlConfig))
	if err != nil {
		t.Fatal(err)
	}
	if err := cfg.Validate(); err != nil {
		t.Fatal(err)
	}

	st, err := store.NewBoltStore(filepath.Join(t.TempDir(), "test.db"))
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { st.Close() })

	bus := newFakeBus()
	dial := func(ctx context.Context) (gateway.Bus, error) {
		if !connected {
			return nil, errors.New("connection refused")
		}
		return bus, nil
	}
	logger := testLogger()
	gw := gateway.New(dial, st, cfg, gateway.NewEventBus(logger), logger)
	gw.Start(context.Background())
	t.Cleanup(gw.Stop)

	if connected {
		deadline := time.Now().Add(2 * time.Second)
		for !gw.Connected() {
			if time.Now().After(deadline) {
				t.Fatal("gateway did not connect")
			}
			time.Sleep(5 * time.Millisecond)
		}
	}

	srv, err := NewServer(gw, cfg, logger, opts...)
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(srv.Stop)
	return &testEnv{srv: srv, gw: gw, cfg: cfg, bus: bus}
}

func (e *testEnv) do(method, target string, body io.Reader, header ...string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(method, target, body)
	for i := 0; i+1 < len(header); i += 2 {
		req.Header.Set(header[i], header[i+1])
	}
	rec := httptest.NewRecorder()
	e.srv.ServeHTTP(rec, req)
	return rec
}

func (e *testEnv) get(target string) *httptest.ResponseRecorder {
	return e.do(http.MethodGet, target, nil)
}

func TestAPIKeyProtectsOnlyAPI(t *testing.T) {
	env := newTestEnv(t, testConfig, true, WithAPIKey("secret"))

	if rec := env.get("/api/status"); rec.Code != http.StatusUnauthorized {
		t.Errorf("without key: status = %d, want 401", rec.Code)
	}
	if rec := env.do(http.MethodGet, "/api/status", nil, "X-API-Key", "wrong"); rec.Code != http.StatusUnauthorized {
		t.Errorf("wrong key: status = %d, want 401", rec.Code)
	}
	if rec := env.do(http.MethodGet, "/api/status", nil, "X-API-Key", "secret"); rec.Code != http.StatusOK {
		t.Errorf("right key: status = %d, want 200", rec.Code)
	}
	for _, path := range []string{"/", "/list.php", "/room.php", "/send.php", "/static/style.css"} {
		if rec := env.get(path); rec.Code != http.StatusOK {
			t.Errorf("GET %s = %d, want 200", path, rec.Code)
		}
	}

	// The send form cannot carry the header, so it writes without the key.
	rec := env.do(http.MethodPost, "/send.php", strings.NewReader("address=1/0/1&value=1"),
		"Content-Type", "application/x-www-form-urlencoded")
	if rec.Code != http.StatusOK {
		t.Errorf("POST /send.php without key = %d, want 200", rec.Code)
	}
	if rec := env.do(http.MethodPost, "/api/groups/1/0/1", strings.NewReader(`{"value": true}`)); rec.Code != http.StatusUnauthorized {
		t.Errorf("POST /api/groups without key = %d, want 401", rec.Code)
	}
}

func TestCORSOrigins(t *testing.T) {
	env := newTestEnv(t, testConfig, true, WithAllowedOrigins([]string{"http://panel.local"}))

	form := "address=1/0/1&value=1"
	rec := env.do(http.MethodPost, "/send.php", strings.NewReader(form),
		"Content-Type", "application/x-www-form-urlencoded", "Origin", "http://evil.example")
	if rec.Code != http.StatusForbidden {
		t.Errorf("foreign origin POST = %d, want 403", rec.Code)
	}

	rec = env.do(http.MethodPost, "/send.php", strings.NewReader(form),
		"Content-Type", "application/x-www-form-urlencoded", "Origin", "http://panel.local")
	if rec.Code != http.StatusOK {
		t.Errorf("allowed origin POST = %d, want 200", rec.Code)
	}
	if got := rec.Header().Get("Access-Control-Allow-Origin"); got != "http://panel.local" {
		t.Errorf("Access-Control-Allow-Origin = %q", got)
	}

	rec = env.do(http.MethodOptions, "/api/status", nil, "Origin", "http://panel.local")
	if rec.Code != http.StatusNoContent {
		t.Errorf("preflight = %d, want 204", rec.Code)
	}
	rec = env.do(http.MethodOptions, "/api/status", nil, "Origin", "http://evil.example")
	if rec.Code != http.StatusForbidden {
		t.Errorf("foreign preflight = %d, want 403", rec.Code)
	}

	// GET requests are not origin-checked.
	if rec := env.do(http.MethodGet, "/", nil, "Origin", "http://evil.example"); rec.Code != http.StatusOK {
		t.Errorf("foreign origin GET = %d, want 200", rec.Code)
	}
}

func TestRenderMarkdownSanitizes(t *testing.T) {
	got := string(renderMarkdown("# Notes\n\nTurn off the *heater* <img src=x onerror=alert(1)>\n\n[link](javascript:alert(1))"))
	if !strings.Contains(got, "<em>heater</em>") {
		t.Errorf("emphasis missing: %s", got)
	}
	for _, bad := range []string{"<img", `href="javascript`} {
		if strings.Contains(got, bad) {
			t.Errorf("output contains %q: %s", bad, got)
		}
	}
}

func TestStaticFiles(t *testing.T) {
	env := newTestEnv(t, testConfig, true)
	rec := env.get("/static/room.js")
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	if !strings.Contains(rec.Body.String(), "WebSocket") {
		t.Error("room.js does not open a WebSocket")
	}
}
