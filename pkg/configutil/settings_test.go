package configutil

import (
	"strings"
	"testing"
)

func TestValidateSettingsReportsMissingAndUnknown(t *testing.T) {
	err := ValidateSettings("transcription.settings", map[string]any{
		"Model":   "nova-2",
		"api_key": "  ",
		"colour":  "blue",
	}, Schema{Required: []string{"api_key", "model"}, Optional: []string{"language"}})
	if err == nil {
		t.Fatalf("expected error")
	}
	msg := err.Error()
	for _, want := range []string{"transcription.settings:", "missing: api_key", "unknown: colour"} {
		if !strings.Contains(msg, want) {
			t.Fatalf("expected %q in %q", want, msg)
		}
	}
}

func TestValidateSettingsAcceptsNormalizedKeys(t *testing.T) {
	err := ValidateSettings("", map[string]any{"utterance-end-ms": 1000}, Schema{Optional: []string{"utterance_end_ms"}})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
}

func TestDecodeSettingsWeakTypes(t *testing.T) {
	var out struct {
		Model          string `mapstructure:"model"`
		UtteranceEndMS *int   `mapstructure:"utterance_end_ms"`
		Interim        *bool  `mapstructure:"interim"`
	}
	err := DecodeSettings(map[string]any{"MODEL": "nova-2", "utterance_end_ms": "1500", "interim": "false"}, &out)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if out.Model != "nova-2" || IntValue(out.UtteranceEndMS, 0) != 1500 || BoolValue(out.Interim, true) {
		t.Fatalf("unexpected decode result %+v", out)
	}
}

func TestFallbackHelpers(t *testing.T) {
	if StringValue(" ", "en-US") != "en-US" {
		t.Fatalf("expected fallback")
	}
	if IntValue(nil, 7) != 7 || !BoolValue(nil, true) {
		t.Fatalf("expected fallbacks for nil")
	}
	if err := RequireString("", "store.dir"); err == nil || !strings.Contains(err.Error(), "store.dir") {
		t.Fatalf("expected require error, got %v", err)
	}
}
