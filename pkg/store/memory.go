package store

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/harunnryd/callscribe/pkg/adapters/stt"
)

// MemoryStore keeps everything in process memory.
type MemoryStore struct {
	mu        sync.RWMutex
	calls     map[string]*Call
	lines     map[string][]TranscriptLine
	bySession map[string]string
	now       func() time.Time
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		calls:     make(map[string]*Call),
		lines:     make(map[string][]TranscriptLine),
		bySession: make(map[string]string),
		now:       time.Now,
	}
}

func (s *MemoryStore) Name() string { return "memory" }

func (s *MemoryStore) CreateCall(_ context.Context, sessionID string) (Recorder, error) {
	c := &Call{
		ID:        uuid.NewString(),
		SessionID: sessionID,
		Status:    StatusActive,
		StartedAt: s.now().UTC(),
	}
	s.mu.Lock()
	s.calls[c.ID] = c
	s.bySession[sessionID] = c.ID
	s.mu.Unlock()
	return &memoryRecorder{store: s, id: c.ID}, nil
}

func (s *MemoryStore) ListCalls(_ context.Context, limit int) ([]Call, error) {
	s.mu.RLock()
	out := make([]Call, 0, len(s.calls))
	for _, c := range s.calls {
		out = append(out, *c)
	}
	s.mu.RUnlock()
	sortNewestFirst(out)
	if limit = clampLimit(limit); len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (s *MemoryStore) GetCall(_ context.Context, key string) (Call, []TranscriptLine, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	c, ok := s.calls[key]
	if !ok {
		if id, found := s.bySession[key]; found {
			c, ok = s.calls[id]
		}
	}
	if !ok {
		return Call{}, nil, ErrNotFound
	}
	lines := append([]TranscriptLine(nil), s.lines[c.ID]...)
	return *c, lines, nil
}

func (s *MemoryStore) Close() error { return nil }

type memoryRecorder struct {
	store *MemoryStore
	id    string
}

func (r *memoryRecorder) CallID() string { return r.id }

func (r *memoryRecorder) AppendTranscriptLine(_ context.Context, text string, isFinal bool, confidence float64, words []stt.Word) error {
	line := TranscriptLine{
		CallID:     r.id,
		Text:       text,
		IsFinal:    isFinal,
		Confidence: confidence,
		Words:      words,
		CreatedAt:  r.store.now().UTC(),
	}
	r.store.mu.Lock()
	defer r.store.mu.Unlock()
	c, ok := r.store.calls[r.id]
	if !ok {
		return ErrNotFound
	}
	r.store.lines[r.id] = append(r.store.lines[r.id], line)
	c.TranscriptCount++
	return nil
}

func (r *memoryRecorder) UpdateStats(_ context.Context, totalBytes int64, chunks int) error {
	r.store.mu.Lock()
	defer r.store.mu.Unlock()
	c, ok := r.store.calls[r.id]
	if !ok {
		return ErrNotFound
	}
	c.TotalBytes = totalBytes
	c.ChunksReceived = chunks
	return nil
}

func (r *memoryRecorder) EndCall(_ context.Context) error {
	r.store.mu.Lock()
	defer r.store.mu.Unlock()
	c, ok := r.store.calls[r.id]
	if !ok {
		return ErrNotFound
	}
	endCall(c, r.store.now().UTC())
	return nil
}

func (r *memoryRecorder) Close() error { return nil }

func sortNewestFirst(calls []Call) {
	sort.Slice(calls, func(i, j int) bool {
		return calls[i].StartedAt.After(calls[j].StartedAt)
	})
}
