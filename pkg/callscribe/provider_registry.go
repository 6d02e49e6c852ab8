package callscribe

import (
	"fmt"
	"strings"

	"github.com/harunnryd/callscribe/pkg/adapters/stt"
	"github.com/harunnryd/callscribe/pkg/config"
	"github.com/harunnryd/callscribe/pkg/store"
)

// STTBuilder turns transcription config into a provider. enabled is false
// when the provider is usable in principle but lacks a credential.
type STTBuilder func(cfg config.TranscriptionConfig) (provider stt.Provider, enabled bool, err error)

// StoreBuilder opens a persistence backend. A nil Store disables persistence.
type StoreBuilder func(cfg config.StoreConfig) (store.Store, error)

type ProviderRegistry struct {
	stt   map[string]STTBuilder
	store map[string]StoreBuilder
}

func NewProviderRegistry() *ProviderRegistry {
	return &ProviderRegistry{
		stt:   make(map[string]STTBuilder),
		store: make(map[string]StoreBuilder),
	}
}

func (r *ProviderRegistry) RegisterSTT(name string, builder STTBuilder) {
	r.stt[normalizeName(name)] = builder
}

func (r *ProviderRegistry) RegisterStore(name string, builder StoreBuilder) {
	r.store[normalizeName(name)] = builder
}

func (r *ProviderRegistry) BuildSTT(cfg config.TranscriptionConfig) (stt.Provider, bool, error) {
	fn := r.stt[normalizeName(cfg.Provider)]
	if fn == nil {
		return nil, false, fmt.Errorf("stt provider not registered: %s", cfg.Provider)
	}
	return fn(cfg)
}

func (r *ProviderRegistry) BuildStore(cfg config.StoreConfig) (store.Store, error) {
	fn := r.store[normalizeName(cfg.Provider)]
	if fn == nil {
		return nil, fmt.Errorf("store provider not registered: %s", cfg.Provider)
	}
	return fn(cfg)
}

func normalizeName(name string) string {
	return strings.ToLower(strings.TrimSpace(name))
}
