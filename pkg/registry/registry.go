// Package registry maps session ids to live client connections.
//
// Register rejects a second connection for an id that is already present;
// it never replaces the existing one. Writes for a session are serialized by
// a per-session lock, so messages from the receive loop and from the
// transcript relay reach the client in the order Send was called.
package registry

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
	"github.com/harunnryd/callscribe/pkg/errorsx"
	"github.com/harunnryd/callscribe/pkg/logging"
)

var (
	ErrAlreadyRegistered = errors.New("session already has a connection")
	ErrNotConnected      = errors.New("session not connected")
)

// Conn is the subset of *websocket.Conn the registry writes through.
type Conn interface {
	WriteMessage(messageType int, data []byte) error
	Close() error
}

type deadliner interface {
	SetWriteDeadline(t time.Time) error
}

type entry struct {
	mu   sync.Mutex
	conn Conn
}

type Registry struct {
	conns        sync.Map
	count        atomic.Int64
	writeTimeout time.Duration
	logger       *slog.Logger
}

// New returns an empty registry. A positive writeTimeout bounds each write
// on connections that support write deadlines.
func New(writeTimeout time.Duration) *Registry {
	return &Registry{
		writeTimeout: writeTimeout,
		logger:       logging.NewComponentLogger(slog.Default(), "registry"),
	}
}

func (r *Registry) Register(id string, conn Conn) error {
	if conn == nil {
		return fmt.Errorf("register %s: nil connection", id)
	}
	if _, loaded := r.conns.LoadOrStore(id, &entry{conn: conn}); loaded {
		return ErrAlreadyRegistered
	}
	r.count.Add(1)
	r.logger.Debug("connection_registered", slog.String("session_id", id), slog.Int64("active", r.count.Load()))
	return nil
}

// Send serializes msg as JSON and writes it as a text frame. A write error
// marks the connection dead: it is closed and removed before the error is
// returned. Sending to an unknown id returns ErrNotConnected.
func (r *Registry) Send(id string, msg any) error {
	v, ok := r.conns.Load(id)
	if !ok {
		return ErrNotConnected
	}
	e := v.(*entry)
	b, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("encode message for %s: %w", id, err)
	}

	e.mu.Lock()
	if d, ok := e.conn.(deadliner); ok && r.writeTimeout > 0 {
		_ = d.SetWriteDeadline(time.Now().Add(r.writeTimeout))
	}
	err = e.conn.WriteMessage(websocket.TextMessage, b)
	e.mu.Unlock()
	if err == nil {
		return nil
	}

	r.drop(id, e)
	err = errorsx.Wrap(fmt.Errorf("send to %s: %w", id, err), errorsx.ReasonTransportSend)
	r.logger.Info("connection_send_failed",
		slog.String("session_id", id),
		slog.String("reason_code", string(errorsx.Reason(err))),
		slog.String("error", err.Error()))
	return err
}

// Broadcast sends msg to every registered connection and returns the ids
// whose delivery failed. Failed connections are removed.
func (r *Registry) Broadcast(msg any) []string {
	var ids []string
	r.conns.Range(func(key, _ any) bool {
		ids = append(ids, key.(string))
		return true
	})
	var failed []string
	for _, id := range ids {
		if err := r.Send(id, msg); err != nil {
			failed = append(failed, id)
		}
	}
	return failed
}

// Unregister removes the entry for id if it still holds conn, without
// closing it. A newer connection registered under the same id is left in
// place. Safe to call more than once.
func (r *Registry) Unregister(id string, conn Conn) {
	v, ok := r.conns.Load(id)
	if !ok {
		return
	}
	e := v.(*entry)
	if e.conn != conn || !r.conns.CompareAndDelete(id, e) {
		r.logger.Debug("stale_unregister_ignored", slog.String("session_id", id))
		return
	}
	r.count.Add(-1)
	r.logger.Debug("connection_unregistered", slog.String("session_id", id), slog.Int64("active", r.count.Load()))
}

// Has reports whether id currently has a connection.
func (r *Registry) Has(id string) bool {
	_, ok := r.conns.Load(id)
	return ok
}

func (r *Registry) Count() int64 {
	return r.count.Load()
}

func (r *Registry) drop(id string, e *entry) {
	if r.conns.CompareAndDelete(id, e) {
		r.count.Add(-1)
	}
	_ = e.conn.Close()
}
