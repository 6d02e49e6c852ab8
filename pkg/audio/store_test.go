package audio

import (
	"errors"
	"sync"
	"testing"
	"time"
)

func TestAppendChunkAccumulates(t *testing.T) {
	s := NewStore()
	if err := s.Open("s1"); err != nil {
		t.Fatalf("open: %v", err)
	}
	sizes := []int{1024, 10, 0, 333}
	var want int64
	var snap Snapshot
	for _, n := range sizes {
		var err error
		snap, err = s.AppendChunk("s1", make([]byte, n))
		if err != nil {
			t.Fatalf("append: %v", err)
		}
		want += int64(n)
	}
	if snap.ChunksReceived != len(sizes) || snap.TotalBytes != want {
		t.Fatalf("expected %d chunks / %d bytes, got %+v", len(sizes), want, snap)
	}
	if snap.SessionID != "s1" {
		t.Fatalf("unexpected session id %q", snap.SessionID)
	}
}

func TestConcurrentAppendsKeepInvariant(t *testing.T) {
	s := NewStore()
	if err := s.Open("s1"); err != nil {
		t.Fatalf("open: %v", err)
	}
	const workers, perWorker = 8, 200
	var wg sync.WaitGroup
	for w := 0; w < workers; w++ {
		wg.Add(1)
		go func(size int) {
			defer wg.Done()
			for i := 0; i < perWorker; i++ {
				if _, err := s.AppendChunk("s1", make([]byte, size)); err != nil {
					t.Errorf("append: %v", err)
					return
				}
			}
		}(w + 1)
	}
	wg.Wait()

	snap, err := s.Snapshot("s1")
	if err != nil {
		t.Fatalf("snapshot: %v", err)
	}
	var want int64
	for w := 0; w < workers; w++ {
		want += int64((w + 1) * perWorker)
	}
	if snap.ChunksReceived != workers*perWorker || snap.TotalBytes != want {
		t.Fatalf("expected %d/%d, got %+v", workers*perWorker, want, snap)
	}
}

func TestAppendUnknownOrClosedDoesNotMutate(t *testing.T) {
	s := NewStore()
	if _, err := s.AppendChunk("nope", []byte{1}); !errors.Is(err, ErrUnknownSession) {
		t.Fatalf("expected ErrUnknownSession, got %v", err)
	}
	if err := s.Open("s1"); err != nil {
		t.Fatalf("open: %v", err)
	}
	if _, err := s.AppendChunk("s1", []byte{1, 2}); err != nil {
		t.Fatalf("append: %v", err)
	}
	final, err := s.Close("s1")
	if err != nil {
		t.Fatalf("close: %v", err)
	}
	if _, err := s.AppendChunk("s1", []byte{1, 2, 3}); !errors.Is(err, ErrSessionClosed) {
		t.Fatalf("expected ErrSessionClosed, got %v", err)
	}
	after, err := s.Snapshot("s1")
	if err != nil {
		t.Fatalf("snapshot: %v", err)
	}
	if after.ChunksReceived != final.ChunksReceived || after.TotalBytes != final.TotalBytes {
		t.Fatalf("closed session mutated: %+v vs %+v", after, final)
	}
}

func TestOpenTwiceFails(t *testing.T) {
	s := NewStore()
	if err := s.Open("s1"); err != nil {
		t.Fatalf("open: %v", err)
	}
	if err := s.Open("s1"); !errors.Is(err, ErrAlreadyOpen) {
		t.Fatalf("expected ErrAlreadyOpen, got %v", err)
	}
}

func TestCloseIsIdempotentAndReopenAfterClose(t *testing.T) {
	s := NewStore()
	clock := time.Unix(100, 0)
	s.now = func() time.Time { return clock }
	if err := s.Open("s1"); err != nil {
		t.Fatalf("open: %v", err)
	}
	clock = clock.Add(1500 * time.Millisecond)
	snap, err := s.Close("s1")
	if err != nil {
		t.Fatalf("close: %v", err)
	}
	if snap.Duration != 1.5 {
		t.Fatalf("expected 1.5s duration, got %v", snap.Duration)
	}
	if _, err := s.Close("s1"); !errors.Is(err, ErrSessionClosed) {
		t.Fatalf("expected ErrSessionClosed on second close, got %v", err)
	}
	if s.OpenCount() != 0 {
		t.Fatalf("expected no open sessions, got %d", s.OpenCount())
	}
	if err := s.Open("s1"); err != nil {
		t.Fatalf("reopen after close: %v", err)
	}
	snap, _ = s.Snapshot("s1")
	if snap.ChunksReceived != 0 {
		t.Fatalf("expected fresh counters, got %+v", snap)
	}
}

func TestReleaseOnlyDropsClosed(t *testing.T) {
	s := NewStore()
	_ = s.Open("s1")
	s.Release("s1")
	if _, err := s.Snapshot("s1"); err != nil {
		t.Fatalf("open session must survive release: %v", err)
	}
	_, _ = s.Close("s1")
	s.Release("s1")
	if _, err := s.Snapshot("s1"); !errors.Is(err, ErrUnknownSession) {
		t.Fatalf("expected released session to be gone, got %v", err)
	}
}
