// Package audio keeps per-session counters for received audio. It does no
// I/O; chunks are counted and dropped, never buffered.
package audio

import (
	"errors"
	"sync"
	"sync/atomic"
	"time"
)

var (
	ErrAlreadyOpen    = errors.New("audio session already open")
	ErrUnknownSession = errors.New("unknown audio session")
	ErrSessionClosed  = errors.New("audio session closed")
)

// Snapshot is a point-in-time view of a session's counters.
type Snapshot struct {
	SessionID      string
	ChunksReceived int
	TotalBytes     int64
	// Duration is seconds elapsed since Open (or until Close once closed).
	Duration float64
}

type entry struct {
	mu       sync.Mutex
	id       string
	opened   time.Time
	closedAt time.Time
	chunks   int
	bytes    int64
	active   bool
}

func (e *entry) snapshotLocked(now time.Time) Snapshot {
	end := now
	if !e.active {
		end = e.closedAt
	}
	return Snapshot{
		SessionID:      e.id,
		ChunksReceived: e.chunks,
		TotalBytes:     e.bytes,
		Duration:       end.Sub(e.opened).Seconds(),
	}
}

// Store is a concurrency-safe map of audio sessions. Each session has its
// own lock so appends for unrelated sessions never contend.
type Store struct {
	sessions sync.Map
	open     atomic.Int64
	now      func() time.Time
}

func NewStore() *Store {
	return &Store{now: time.Now}
}

// Open creates zeroed counters for id. A closed entry that was never
// released is replaced.
func (s *Store) Open(id string) error {
	e := &entry{id: id, opened: s.now(), active: true}
	for {
		actual, loaded := s.sessions.LoadOrStore(id, e)
		if !loaded {
			s.open.Add(1)
			return nil
		}
		prev := actual.(*entry)
		prev.mu.Lock()
		active := prev.active
		prev.mu.Unlock()
		if active {
			return ErrAlreadyOpen
		}
		if s.sessions.CompareAndSwap(id, prev, e) {
			s.open.Add(1)
			return nil
		}
	}
}

// AppendChunk adds b to the session's counters and returns the new snapshot.
func (s *Store) AppendChunk(id string, b []byte) (Snapshot, error) {
	e, ok := s.load(id)
	if !ok {
		return Snapshot{}, ErrUnknownSession
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	if !e.active {
		return Snapshot{}, ErrSessionClosed
	}
	e.chunks++
	e.bytes += int64(len(b))
	return e.snapshotLocked(s.now()), nil
}

// Snapshot returns the current counters without changing them.
func (s *Store) Snapshot(id string) (Snapshot, error) {
	e, ok := s.load(id)
	if !ok {
		return Snapshot{}, ErrUnknownSession
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.snapshotLocked(s.now()), nil
}

// Close marks the session inactive and returns its final snapshot. Closing
// twice returns ErrSessionClosed and changes nothing.
func (s *Store) Close(id string) (Snapshot, error) {
	e, ok := s.load(id)
	if !ok {
		return Snapshot{}, ErrUnknownSession
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	if !e.active {
		return Snapshot{}, ErrSessionClosed
	}
	e.active = false
	e.closedAt = s.now()
	s.open.Add(-1)
	return e.snapshotLocked(e.closedAt), nil
}

// Release drops a closed session. Open sessions are left alone.
func (s *Store) Release(id string) {
	e, ok := s.load(id)
	if !ok {
		return
	}
	e.mu.Lock()
	active := e.active
	e.mu.Unlock()
	if !active {
		s.sessions.CompareAndDelete(id, e)
	}
}

// OpenCount returns the number of active sessions.
func (s *Store) OpenCount() int64 {
	return s.open.Load()
}

func (s *Store) load(id string) (*entry, bool) {
	v, ok := s.sessions.Load(id)
	if !ok {
		return nil, false
	}
	return v.(*entry), true
}
