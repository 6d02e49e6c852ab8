package store

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/harunnryd/callscribe/pkg/adapters/stt"
	"github.com/harunnryd/callscribe/pkg/errorsx"
)

// FileStore writes one <call id>.json record and one <call id>.jsonl
// transcript log per call under dir.
type FileStore struct {
	dir string
	now func() time.Time
}

func NewFileStore(dir string) (*FileStore, error) {
	if strings.TrimSpace(dir) == "" {
		return nil, errors.New("file store: dir is required")
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, errorsx.Wrap(fmt.Errorf("file store: %w", err), errorsx.ReasonStoreWrite)
	}
	return &FileStore{dir: dir, now: time.Now}, nil
}

func (s *FileStore) Name() string { return "file" }

func (s *FileStore) CreateCall(_ context.Context, sessionID string) (Recorder, error) {
	c := Call{
		ID:        uuid.NewString(),
		SessionID: sessionID,
		Status:    StatusActive,
		StartedAt: s.now().UTC(),
	}
	if err := s.writeCall(c); err != nil {
		return nil, err
	}
	f, err := os.OpenFile(s.linesPath(c.ID), os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		return nil, errorsx.Wrap(fmt.Errorf("open transcript log: %w", err), errorsx.ReasonStoreWrite)
	}
	return &fileRecorder{store: s, call: c, lines: f}, nil
}

func (s *FileStore) ListCalls(_ context.Context, limit int) ([]Call, error) {
	calls, err := s.readCalls()
	if err != nil {
		return nil, err
	}
	sortNewestFirst(calls)
	if limit = clampLimit(limit); len(calls) > limit {
		calls = calls[:limit]
	}
	return calls, nil
}

func (s *FileStore) GetCall(_ context.Context, key string) (Call, []TranscriptLine, error) {
	c, err := s.readCall(key)
	if errors.Is(err, ErrNotFound) {
		c, err = s.latestForSession(key)
	}
	if err != nil {
		return Call{}, nil, err
	}
	lines, err := s.readLines(c.ID)
	if err != nil {
		return Call{}, nil, err
	}
	return c, lines, nil
}

func (s *FileStore) Close() error { return nil }

// Purge removes call files older than maxAge and returns how many it
// deleted.
func (s *FileStore) Purge(maxAge time.Duration) (int, error) {
	if maxAge <= 0 {
		return 0, nil
	}
	entries, err := os.ReadDir(s.dir)
	if err != nil {
		return 0, err
	}
	var removed int
	var errs error
	cutoff := s.now().Add(-maxAge)
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		ext := filepath.Ext(entry.Name())
		if ext != ".json" && ext != ".jsonl" {
			continue
		}
		info, err := entry.Info()
		if err != nil {
			errs = errors.Join(errs, err)
			continue
		}
		if info.ModTime().After(cutoff) {
			continue
		}
		if err := os.Remove(filepath.Join(s.dir, entry.Name())); err != nil {
			errs = errors.Join(errs, err)
			continue
		}
		removed++
	}
	return removed, errs
}

func (s *FileStore) callPath(id string) string {
	return filepath.Join(s.dir, sanitizeID(id)+".json")
}

func (s *FileStore) linesPath(id string) string {
	return filepath.Join(s.dir, sanitizeID(id)+".jsonl")
}

// writeCall replaces the record atomically so readers never see a torn file.
func (s *FileStore) writeCall(c Call) error {
	b, err := json.MarshalIndent(c, "", "  ")
	if err != nil {
		return err
	}
	path := s.callPath(c.ID)
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, b, 0o644); err != nil {
		return errorsx.Wrap(fmt.Errorf("write call %s: %w", c.ID, err), errorsx.ReasonStoreWrite)
	}
	if err := os.Rename(tmp, path); err != nil {
		return errorsx.Wrap(fmt.Errorf("write call %s: %w", c.ID, err), errorsx.ReasonStoreWrite)
	}
	return nil
}

func (s *FileStore) readCall(id string) (Call, error) {
	if sanitizeID(id) == "" {
		return Call{}, ErrNotFound
	}
	b, err := os.ReadFile(s.callPath(id))
	if errors.Is(err, os.ErrNotExist) {
		return Call{}, ErrNotFound
	}
	if err != nil {
		return Call{}, errorsx.Wrap(err, errorsx.ReasonStoreRead)
	}
	var c Call
	if err := json.Unmarshal(b, &c); err != nil {
		return Call{}, errorsx.Wrap(fmt.Errorf("decode call %s: %w", id, err), errorsx.ReasonStoreRead)
	}
	return c, nil
}

func (s *FileStore) readCalls() ([]Call, error) {
	entries, err := os.ReadDir(s.dir)
	if err != nil {
		return nil, errorsx.Wrap(err, errorsx.ReasonStoreRead)
	}
	calls := make([]Call, 0, len(entries))
	for _, entry := range entries {
		name := entry.Name()
		if entry.IsDir() || filepath.Ext(name) != ".json" {
			continue
		}
		c, err := s.readCall(strings.TrimSuffix(name, ".json"))
		if err != nil {
			continue
		}
		calls = append(calls, c)
	}
	return calls, nil
}

func (s *FileStore) latestForSession(sessionID string) (Call, error) {
	calls, err := s.readCalls()
	if err != nil {
		return Call{}, err
	}
	sortNewestFirst(calls)
	for _, c := range calls {
		if c.SessionID == sessionID {
			return c, nil
		}
	}
	return Call{}, ErrNotFound
}

func (s *FileStore) readLines(id string) ([]TranscriptLine, error) {
	f, err := os.Open(s.linesPath(id))
	if errors.Is(err, os.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, errorsx.Wrap(err, errorsx.ReasonStoreRead)
	}
	defer f.Close()

	var lines []TranscriptLine
	sc := bufio.NewScanner(f)
	sc.Buffer(make([]byte, 64*1024), 4*1024*1024)
	for sc.Scan() {
		var line TranscriptLine
		if err := json.Unmarshal(sc.Bytes(), &line); err != nil {
			continue
		}
		lines = append(lines, line)
	}
	if err := sc.Err(); err != nil {
		return lines, errorsx.Wrap(err, errorsx.ReasonStoreRead)
	}
	return lines, nil
}

type fileRecorder struct {
	store *FileStore
	mu    sync.Mutex
	call  Call
	lines *os.File
}

func (r *fileRecorder) CallID() string { return r.call.ID }

func (r *fileRecorder) AppendTranscriptLine(_ context.Context, text string, isFinal bool, confidence float64, words []stt.Word) error {
	b, err := json.Marshal(TranscriptLine{
		CallID:     r.call.ID,
		Text:       text,
		IsFinal:    isFinal,
		Confidence: confidence,
		Words:      words,
		CreatedAt:  r.store.now().UTC(),
	})
	if err != nil {
		return err
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.lines == nil {
		return errorsx.New(errorsx.ReasonStoreWrite, "transcript log for %s is closed", r.call.ID)
	}
	if _, err := r.lines.Write(append(b, '\n')); err != nil {
		return errorsx.Wrap(fmt.Errorf("append transcript %s: %w", r.call.ID, err), errorsx.ReasonStoreWrite)
	}
	r.call.TranscriptCount++
	return nil
}

func (r *fileRecorder) UpdateStats(_ context.Context, totalBytes int64, chunks int) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.call.TotalBytes = totalBytes
	r.call.ChunksReceived = chunks
	return r.store.writeCall(r.call)
}

func (r *fileRecorder) EndCall(_ context.Context) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	c := r.call
	if !endCall(&c, r.store.now().UTC()) {
		return nil
	}
	// Only a written completion counts, so a failed write can be retried.
	if err := r.store.writeCall(c); err != nil {
		return err
	}
	r.call = c
	return nil
}

func (r *fileRecorder) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.lines == nil {
		return nil
	}
	err := r.lines.Close()
	r.lines = nil
	return err
}

func sanitizeID(id string) string {
	id = strings.TrimSpace(id)
	if id == "" {
		return ""
	}
	return strings.Map(func(r rune) rune {
		switch {
		case r >= 'a' && r <= 'z':
			return r
		case r >= 'A' && r <= 'Z':
			return r
		case r >= '0' && r <= '9':
			return r
		case r == '-' || r == '_':
			return r
		default:
			return '_'
		}
	}, id)
}
