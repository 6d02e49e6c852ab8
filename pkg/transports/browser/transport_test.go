package browser

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/harunnryd/callscribe/pkg/metrics"
	"github.com/harunnryd/callscribe/pkg/providers/mock"
	"github.com/harunnryd/callscribe/pkg/session"
	"github.com/harunnryd/callscribe/pkg/store"
	"github.com/harunnryd/callscribe/pkg/transcription"
	"github.com/prometheus/client_golang/prometheus"
)

type fixture struct {
	tr    *Transport
	srv   *httptest.Server
	store store.Store
}

func newFixture(t *testing.T, cfg Config) *fixture {
	t.Helper()
	reg := prometheus.NewRegistry()
	st := store.NewMemoryStore()
	adapter := transcription.New(mock.NewSTT(mock.STTConfig{Transcript: "hello there", EveryNChunks: 2}), true, transcription.Options{})
	orch := session.New(session.Deps{
		Transcriber: adapter,
		Store:       st,
		Metrics:     metrics.New(reg),
	}, session.Config{AckEvery: 2})
	tr := New(cfg, orch, st, reg)
	srv := httptest.NewServer(tr.Handler())
	t.Cleanup(srv.Close)
	return &fixture{tr: tr, srv: srv, store: st}
}

func (f *fixture) wsURL(id string) string {
	return "ws" + strings.TrimPrefix(f.srv.URL, "http") + "/ws/" + id
}

func readJSON(t *testing.T, conn *websocket.Conn) map[string]any {
	t.Helper()
	_ = conn.SetReadDeadline(time.Now().Add(3 * time.Second))
	_, data, err := conn.ReadMessage()
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	var m map[string]any
	if err := json.Unmarshal(data, &m); err != nil {
		t.Fatalf("decode %q: %v", data, err)
	}
	return m
}

func readUntil(t *testing.T, conn *websocket.Conn, typ string) map[string]any {
	t.Helper()
	for i := 0; i < 50; i++ {
		m := readJSON(t, conn)
		if m["type"] == typ {
			return m
		}
	}
	t.Fatalf("no %s message", typ)
	return nil
}

func getJSON(t *testing.T, url string) (int, map[string]any) {
	t.Helper()
	resp, err := http.Get(url)
	if err != nil {
		t.Fatalf("get %s: %v", url, err)
	}
	defer resp.Body.Close()
	var m map[string]any
	_ = json.NewDecoder(resp.Body).Decode(&m)
	return resp.StatusCode, m
}

func TestWebSocketSessionRoundTrip(t *testing.T) {
	f := newFixture(t, Config{})
	conn, _, err := websocket.DefaultDialer.Dial(f.wsURL("call-1"), nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.Close()

	m := readJSON(t, conn)
	if m["type"] != "connection" || m["session_id"] != "call-1" || m["transcription_enabled"] != true || m["database_enabled"] != true {
		t.Fatalf("unexpected connection message: %v", m)
	}

	if err := conn.WriteMessage(websocket.TextMessage, []byte(`{"type":"ping","timestamp":1234567890}`)); err != nil {
		t.Fatalf("write ping: %v", err)
	}
	if m := readUntil(t, conn, "pong"); m["timestamp"] != float64(1234567890) {
		t.Fatalf("unexpected pong: %v", m)
	}

	for i := 0; i < 2; i++ {
		if err := conn.WriteMessage(websocket.BinaryMessage, make([]byte, 1024)); err != nil {
			t.Fatalf("write audio: %v", err)
		}
	}
	ack := readUntil(t, conn, "audio_ack")
	if ack["chunks_received"] != float64(2) || ack["total_bytes"] != float64(2048) {
		t.Fatalf("unexpected ack: %v", ack)
	}
	tr := readUntil(t, conn, "transcription")
	if tr["transcript"] != "hello there" || tr["is_final"] != true {
		t.Fatalf("unexpected transcription: %v", tr)
	}

	if err := conn.WriteMessage(websocket.TextMessage, []byte(`{"type":"stop"}`)); err != nil {
		t.Fatalf("write stop: %v", err)
	}
	if m := readUntil(t, conn, "stopped"); m["session_id"] != "call-1" {
		t.Fatalf("unexpected stopped: %v", m)
	}

	deadline := time.Now().Add(3 * time.Second)
	for {
		code, body := getJSON(t, f.srv.URL+"/calls/call-1")
		if code == http.StatusOK {
			call := body["call"].(map[string]any)
			if call["status"] == "completed" {
				lines := body["transcript"].([]any)
				if len(lines) != 1 {
					t.Fatalf("expected 1 persisted line, got %v", lines)
				}
				break
			}
		}
		if time.Now().After(deadline) {
			t.Fatalf("call never completed: %d %v", code, body)
		}
		time.Sleep(10 * time.Millisecond)
	}

	code, body := getJSON(t, f.srv.URL+"/calls/history?limit=5")
	if code != http.StatusOK || len(body["calls"].([]any)) != 1 {
		t.Fatalf("unexpected history: %d %v", code, body)
	}
}

func TestDuplicateSessionGetsError(t *testing.T) {
	f := newFixture(t, Config{})
	first, _, err := websocket.DefaultDialer.Dial(f.wsURL("dup"), nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer first.Close()
	readJSON(t, first)

	second, _, err := websocket.DefaultDialer.Dial(f.wsURL("dup"), nil)
	if err != nil {
		t.Fatalf("dial second: %v", err)
	}
	defer second.Close()
	if m := readJSON(t, second); m["type"] != "error" {
		t.Fatalf("expected error message, got %v", m)
	}
}

func TestHTTPEndpoints(t *testing.T) {
	f := newFixture(t, Config{Version: "1.2.3"})

	code, body := getJSON(t, f.srv.URL+"/")
	if code != http.StatusOK || body["version"] != "1.2.3" || body["database_enabled"] != true {
		t.Fatalf("unexpected root: %d %v", code, body)
	}
	code, body = getJSON(t, f.srv.URL+"/health")
	if code != http.StatusOK || body["status"] != "healthy" {
		t.Fatalf("unexpected health: %d %v", code, body)
	}
	code, _ = getJSON(t, f.srv.URL+"/calls/unknown")
	if code != http.StatusNotFound {
		t.Fatalf("expected 404, got %d", code)
	}
	code, _ = getJSON(t, f.srv.URL+"/calls/history?limit=abc")
	if code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", code)
	}

	resp, err := http.Get(f.srv.URL + "/metrics")
	if err != nil {
		t.Fatalf("metrics: %v", err)
	}
	defer resp.Body.Close()
	b, _ := io.ReadAll(resp.Body)
	if !strings.Contains(string(b), "callscribe_active_sessions") {
		t.Fatalf("metrics missing gauge:\n%s", b)
	}
}

func TestDrainRejectsNewSessions(t *testing.T) {
	f := newFixture(t, Config{})
	conn, _, err := websocket.DefaultDialer.Dial(f.wsURL("live"), nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.Close()
	readJSON(t, conn)

	done := make(chan error, 1)
	go func() { done <- f.tr.Drain() }()
	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("drain: %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatalf("drain did not finish")
	}

	_ = conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	if _, _, err := conn.ReadMessage(); err == nil {
		t.Fatalf("expected live session to be closed by drain")
	}

	code, body := getJSON(t, f.srv.URL+"/health")
	if code != http.StatusServiceUnavailable || body["status"] != "draining" {
		t.Fatalf("unexpected health while draining: %d %v", code, body)
	}
	_, resp, err := websocket.DefaultDialer.Dial(f.wsURL("late"), nil)
	if err == nil {
		t.Fatalf("expected dial to fail while draining")
	}
	if resp == nil || resp.StatusCode != http.StatusServiceUnavailable {
		t.Fatalf("expected 503 response, got %v", resp)
	}
}

func TestCheckOriginAllowlist(t *testing.T) {
	tr := New(Config{AllowedOrigins: []string{"https://app.example.com", "localhost:3000"}}, session.New(session.Deps{}, session.Config{}), nil, nil)
	cases := map[string]bool{
		"https://app.example.com": true,
		"http://localhost:3000":   true,
		"https://evil.example":    false,
		"":                        true,
	}
	for origin, want := range cases {
		r := httptest.NewRequest(http.MethodGet, "/ws/x", nil)
		if origin != "" {
			r.Header.Set("Origin", origin)
		}
		if got := tr.checkOrigin(r); got != want {
			t.Fatalf("origin %q: expected %v, got %v", origin, want, got)
		}
	}
}

func TestHistoryWithoutStore(t *testing.T) {
	tr := New(Config{}, session.New(session.Deps{}, session.Config{}), nil, prometheus.NewRegistry())
	srv := httptest.NewServer(tr.Handler())
	defer srv.Close()
	code, _ := getJSON(t, srv.URL+"/calls/history")
	if code != http.StatusServiceUnavailable {
		t.Fatalf("expected 503 without store, got %d", code)
	}
}

func TestStartAndDrain(t *testing.T) {
	tr := New(Config{Addr: "127.0.0.1:0"}, session.New(session.Deps{}, session.Config{}), nil, prometheus.NewRegistry())
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	if err := tr.Start(ctx); err != nil {
		t.Fatalf("start: %v", err)
	}
	code, _ := getJSON(t, "http://"+tr.Addr()+"/health")
	if code != http.StatusOK {
		t.Fatalf("expected healthy server, got %d", code)
	}
	if err := tr.Drain(); err != nil {
		t.Fatalf("drain: %v", err)
	}
	if !tr.Draining() {
		t.Fatalf("expected draining")
	}
}
