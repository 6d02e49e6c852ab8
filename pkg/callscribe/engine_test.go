package callscribe

import (
	"context"
	"errors"
	"net/http"
	"testing"
	"time"

	"github.com/harunnryd/callscribe/pkg/adapters/stt"
	"github.com/harunnryd/callscribe/pkg/config"
	"github.com/harunnryd/callscribe/pkg/providers/mock"
	"github.com/harunnryd/callscribe/pkg/runner"
	"github.com/harunnryd/callscribe/pkg/store"
	"github.com/prometheus/client_golang/prometheus"
)

type closeCountingStore struct {
	*store.MemoryStore
	closes int
}

func (s *closeCountingStore) Close() error {
	s.closes++
	return nil
}

func testConfig() config.Config {
	return config.Config{
		Server: config.ServerConfig{
			Addr:           "127.0.0.1:0",
			WebsocketPath:  "/ws/",
			AllowAnyOrigin: true,
			DrainTimeoutMS: 2000,
		},
		Session:       config.SessionConfig{AckEvery: 10, StatsEvery: 50},
		Transcription: config.TranscriptionConfig{Provider: "mock"},
		Store:         config.StoreConfig{Provider: "memory"},
	}
}

func testProviders(st store.Store) *ProviderRegistry {
	reg := NewProviderRegistry()
	reg.RegisterSTT("mock", func(config.TranscriptionConfig) (stt.Provider, bool, error) {
		return mock.NewSTT(mock.STTConfig{}), true, nil
	})
	reg.RegisterStore("memory", func(config.StoreConfig) (store.Store, error) {
		return st, nil
	})
	return reg
}

func init() {
	runner.BannerOutput = nil
}

func TestEngineRunAndShutdown(t *testing.T) {
	st := &closeCountingStore{MemoryStore: store.NewMemoryStore()}
	e, err := NewEngine(EngineOptions{Config: testConfig(), Providers: testProviders(st), Metrics: prometheus.NewRegistry()})
	if err != nil {
		t.Fatalf("engine: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- e.Run(ctx) }()

	deadline := time.Now().Add(3 * time.Second)
	for e.State() != runner.StateRunning {
		if time.Now().After(deadline) {
			t.Fatalf("engine never started")
		}
		time.Sleep(5 * time.Millisecond)
	}
	resp, err := http.Get("http://" + e.Transport().Addr() + "/health")
	if err != nil {
		t.Fatalf("health: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("expected 200, got %d", resp.StatusCode)
	}

	cancel()
	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("run: %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatalf("engine did not stop")
	}
	if st.closes != 1 {
		t.Fatalf("expected store closed once, got %d", st.closes)
	}
}

func TestEngineUnknownProviders(t *testing.T) {
	cfg := testConfig()
	cfg.Transcription.Provider = "whisper"
	if _, err := NewEngine(EngineOptions{Config: cfg, Providers: testProviders(store.NewMemoryStore())}); err == nil {
		t.Fatalf("expected unknown stt provider error")
	}

	cfg = testConfig()
	reg := testProviders(nil)
	reg.RegisterStore("memory", func(config.StoreConfig) (store.Store, error) {
		return nil, errors.New("no disk")
	})
	if _, err := NewEngine(EngineOptions{Config: cfg, Providers: reg}); err == nil {
		t.Fatalf("expected store build error")
	}
}

func TestEngineStartFailure(t *testing.T) {
	cfg := testConfig()
	cfg.Server.Addr = "256.0.0.1:bad"
	e, err := NewEngine(EngineOptions{Config: cfg, Providers: testProviders(store.NewMemoryStore()), Metrics: prometheus.NewRegistry()})
	if err != nil {
		t.Fatalf("engine: %v", err)
	}
	if err := e.Run(context.Background()); err == nil {
		t.Fatalf("expected listen failure")
	}
}
