package main

import (
	"strings"
	"testing"

	"github.com/harunnryd/callscribe/pkg/callscribe"
	"github.com/harunnryd/callscribe/pkg/config"
)

func TestDeepgramWithoutKeyIsDisabled(t *testing.T) {
	t.Setenv("DEEPGRAM_API_KEY", "")
	reg := callscribe.NewProviderRegistry()
	registerProviders(reg)

	p, enabled, err := reg.BuildSTT(config.TranscriptionConfig{Provider: "deepgram"})
	if err != nil {
		t.Fatalf("build: %v", err)
	}
	if enabled {
		t.Fatalf("expected deepgram disabled without a key")
	}
	if p.Name() != "deepgram" {
		t.Fatalf("unexpected provider %s", p.Name())
	}
}

func TestDeepgramKeyFromEnvironment(t *testing.T) {
	t.Setenv("DEEPGRAM_API_KEY", "dg-secret")
	reg := callscribe.NewProviderRegistry()
	registerProviders(reg)

	_, enabled, err := reg.BuildSTT(config.TranscriptionConfig{Provider: "Deepgram"})
	if err != nil {
		t.Fatalf("build: %v", err)
	}
	if !enabled {
		t.Fatalf("expected deepgram enabled from environment key")
	}
}

func TestDeepgramSettingsValidation(t *testing.T) {
	reg := callscribe.NewProviderRegistry()
	registerProviders(reg)

	cases := map[string]map[string]any{
		"unknown":          {"api_key": "k", "colour": "blue"},
		"encoding":         {"api_key": "k", "encoding": "flac", "sample_rate": 16000},
		"sample_rate":      {"api_key": "k", "encoding": "linear16"},
		"utterance_end_ms": {"api_key": "k", "utterance_end_ms": 9000},
	}
	for want, settings := range cases {
		_, _, err := reg.BuildSTT(config.TranscriptionConfig{Provider: "deepgram", Settings: settings})
		if err == nil || !strings.Contains(err.Error(), want) {
			t.Fatalf("expected error mentioning %q, got %v", want, err)
		}
	}
}

func TestMockAndStores(t *testing.T) {
	reg := callscribe.NewProviderRegistry()
	registerProviders(reg)

	p, enabled, err := reg.BuildSTT(config.TranscriptionConfig{
		Provider: "mock",
		Settings: map[string]any{"transcript": "hi", "every_n_chunks": "3"},
	})
	if err != nil || !enabled || p.Name() != "mock" {
		t.Fatalf("mock build: %v %v", p, err)
	}

	st, err := reg.BuildStore(config.StoreConfig{Provider: "file", Dir: t.TempDir()})
	if err != nil || st == nil || st.Name() != "file" {
		t.Fatalf("file store: %v %v", st, err)
	}
	st, err = reg.BuildStore(config.StoreConfig{Provider: "none"})
	if err != nil || st != nil {
		t.Fatalf("expected nil store for none, got %v %v", st, err)
	}
	if _, err := reg.BuildStore(config.StoreConfig{Provider: "postgres"}); err == nil {
		t.Fatalf("expected unregistered store error")
	}
	if _, err := reg.BuildStore(config.StoreConfig{Provider: "file"}); err == nil {
		t.Fatalf("expected file store without dir to fail")
	}
}
