package main

import (
	"fmt"
	"os"
	"strings"

	"github.com/harunnryd/callscribe/pkg/adapters/stt"
	"github.com/harunnryd/callscribe/pkg/callscribe"
	"github.com/harunnryd/callscribe/pkg/config"
	"github.com/harunnryd/callscribe/pkg/configutil"
	"github.com/harunnryd/callscribe/pkg/providers/deepgram"
	"github.com/harunnryd/callscribe/pkg/providers/mock"
	"github.com/harunnryd/callscribe/pkg/store"
)

type deepgramSettings struct {
	APIKey         string `mapstructure:"api_key"`
	Model          string `mapstructure:"model"`
	Language       string `mapstructure:"language"`
	Interim        *bool  `mapstructure:"interim"`
	SmartFormat    *bool  `mapstructure:"smart_format"`
	VADEvents      *bool  `mapstructure:"vad_events"`
	UtteranceEndMS *int   `mapstructure:"utterance_end_ms"`
	EndpointingMS  *int   `mapstructure:"endpointing_ms"`
	Encoding       string `mapstructure:"encoding"`
	SampleRate     int    `mapstructure:"sample_rate"`
	Channels       int    `mapstructure:"channels"`
}

type mockSTTSettings struct {
	Transcript        string `mapstructure:"transcript"`
	InterimTranscript string `mapstructure:"interim_transcript"`
	EmitInterim       *bool  `mapstructure:"emit_interim"`
	EveryNChunks      int    `mapstructure:"every_n_chunks"`
}

func registerProviders(reg *callscribe.ProviderRegistry) {
	reg.RegisterSTT("deepgram", buildDeepgram)

	reg.RegisterSTT("mock", func(cfg config.TranscriptionConfig) (stt.Provider, bool, error) {
		if err := configutil.ValidateSettings("transcription.settings", cfg.Settings, configutil.Schema{
			Optional: []string{"transcript", "interim_transcript", "emit_interim", "every_n_chunks"},
		}); err != nil {
			return nil, false, err
		}
		var settings mockSTTSettings
		if err := configutil.DecodeSettings(cfg.Settings, &settings); err != nil {
			return nil, false, err
		}
		return mock.NewSTT(mock.STTConfig{
			Transcript:        settings.Transcript,
			InterimTranscript: settings.InterimTranscript,
			EmitInterim:       configutil.BoolValue(settings.EmitInterim, false),
			EveryNChunks:      settings.EveryNChunks,
		}), true, nil
	})

	for _, name := range []string{"memory", "file", "none"} {
		reg.RegisterStore(name, func(cfg config.StoreConfig) (store.Store, error) {
			if name == "file" {
				if err := configutil.RequireString(cfg.Dir, "store.dir"); err != nil {
					return nil, err
				}
			}
			return store.New(name, cfg.Dir)
		})
	}
}

func buildDeepgram(cfg config.TranscriptionConfig) (stt.Provider, bool, error) {
	if err := configutil.ValidateSettings("transcription.settings", cfg.Settings, configutil.Schema{
		Optional: []string{"api_key", "model", "language", "interim", "smart_format", "vad_events",
			"utterance_end_ms", "endpointing_ms", "encoding", "sample_rate", "channels"},
	}); err != nil {
		return nil, false, err
	}
	var settings deepgramSettings
	if err := configutil.DecodeSettings(cfg.Settings, &settings); err != nil {
		return nil, false, err
	}
	apiKey := strings.TrimSpace(settings.APIKey)
	if apiKey == "" {
		apiKey = strings.TrimSpace(os.Getenv("DEEPGRAM_API_KEY"))
	}
	if settings.Encoding != "" && !validDeepgramEncoding(settings.Encoding) {
		return nil, false, fmt.Errorf("transcription.settings.encoding must be one of [linear16, mulaw, opus], got %s", settings.Encoding)
	}
	if settings.Encoding != "" && settings.SampleRate <= 0 {
		return nil, false, fmt.Errorf("transcription.settings.sample_rate is required when encoding is set")
	}
	utteranceEnd := configutil.IntValue(settings.UtteranceEndMS, 1000)
	if utteranceEnd < 0 || utteranceEnd > 5000 {
		return nil, false, fmt.Errorf("transcription.settings.utterance_end_ms must be between 0 and 5000, got %d", utteranceEnd)
	}
	endpointing := configutil.IntValue(settings.EndpointingMS, 300)
	if endpointing < 0 {
		return nil, false, fmt.Errorf("transcription.settings.endpointing_ms must not be negative, got %d", endpointing)
	}

	p := deepgram.New(deepgram.Config{
		APIKey:         apiKey,
		Model:          configutil.StringValue(settings.Model, "nova-2"),
		Language:       configutil.StringValue(settings.Language, "en-US"),
		Encoding:       settings.Encoding,
		SampleRate:     settings.SampleRate,
		Channels:       settings.Channels,
		Interim:        configutil.BoolValue(settings.Interim, true),
		SmartFormat:    configutil.BoolValue(settings.SmartFormat, true),
		VADEvents:      configutil.BoolValue(settings.VADEvents, true),
		UtteranceEndMS: utteranceEnd,
		EndpointingMS:  endpointing,
	})
	return p, apiKey != "", nil
}

func validDeepgramEncoding(encoding string) bool {
	switch strings.ToLower(strings.TrimSpace(encoding)) {
	case "linear16", "mulaw", "opus":
		return true
	default:
		return false
	}
}
