// Package transcription owns one provider stream per session and hides the
// provider's callback model behind Start/SendAudio/Stop.
package transcription

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/harunnryd/callscribe/pkg/adapters/stt"
	"github.com/harunnryd/callscribe/pkg/errorsx"
	"github.com/harunnryd/callscribe/pkg/logging"
	"github.com/harunnryd/callscribe/pkg/resilience"
)

// State is the per-session stream lifecycle.
type State int32

const (
	StateUnstarted State = iota
	StateStarted
	StateStopped
)

func (s State) String() string {
	switch s {
	case StateStarted:
		return "started"
	case StateStopped:
		return "stopped"
	default:
		return "unstarted"
	}
}

type Options struct {
	Retries          int
	RetryBackoff     time.Duration
	CircuitThreshold int
	CircuitCooldown  time.Duration
	// StopTimeout bounds Stop when the provider does not close in time.
	StopTimeout time.Duration
}

type session struct {
	mu       sync.Mutex
	state    State
	stream   stt.Stream
	stopping atomic.Bool
}

type Adapter struct {
	provider    stt.Provider
	enabled     bool
	retry       resilience.RetryPolicy
	breaker     *resilience.CircuitBreaker
	stopTimeout time.Duration
	sessions    sync.Map
	logger      *slog.Logger
}

// New builds an adapter around provider. When enabled is false (no
// credential configured) every Start fails fast without touching the
// provider.
func New(provider stt.Provider, enabled bool, opts Options) *Adapter {
	if provider == nil {
		enabled = false
	}
	if opts.StopTimeout <= 0 {
		opts.StopTimeout = 5 * time.Second
	}
	name := "none"
	if provider != nil {
		name = provider.Name()
	}
	return &Adapter{
		provider:    provider,
		enabled:     enabled,
		retry:       resilience.NewRetryPolicy(opts.Retries, opts.RetryBackoff),
		breaker:     resilience.NewCircuitBreaker(opts.CircuitThreshold, opts.CircuitCooldown),
		stopTimeout: opts.StopTimeout,
		logger:      logging.NewComponentLogger(slog.Default(), "transcription").With(slog.String("provider", name)),
	}
}

// Enabled reports whether the adapter will attempt provider connections.
func (a *Adapter) Enabled() bool { return a.enabled }

// ProviderName returns the configured provider's name, or "none".
func (a *Adapter) ProviderName() string {
	if a.provider == nil {
		return "none"
	}
	return a.provider.Name()
}

// Start opens the provider stream for id. It returns false when the adapter
// is disabled, the circuit is open, or the handshake fails after retries.
// onTranscript and onError run on the provider's goroutine.
func (a *Adapter) Start(ctx context.Context, id string, onTranscript func(stt.Transcript), onError func(error)) bool {
	if !a.enabled {
		a.logger.Debug("stt_start_skipped",
			slog.String("session_id", id),
			slog.String("reason_code", string(errorsx.ReasonSTTDisabled)))
		return false
	}
	if ctx == nil {
		ctx = context.Background()
	}

	sess := &session{}
	sess.mu.Lock()
	defer sess.mu.Unlock()
	for {
		actual, loaded := a.sessions.LoadOrStore(id, sess)
		if !loaded {
			break
		}
		prev := actual.(*session)
		prev.mu.Lock()
		st := prev.state
		prev.mu.Unlock()
		if st == StateStarted {
			a.logger.Warn("stt_already_started", slog.String("session_id", id))
			return true
		}
		if a.sessions.CompareAndSwap(id, prev, sess) {
			break
		}
	}

	if !a.breaker.Allow() {
		a.sessions.CompareAndDelete(id, sess)
		a.logger.Info("stt_circuit_open",
			slog.String("session_id", id),
			slog.String("reason_code", string(errorsx.ReasonSTTCircuitOpen)))
		return false
	}

	handler := stt.Handler{
		OnTranscript: onTranscript,
		OnError: func(err error) {
			if sess.stopping.Load() {
				a.logger.Debug("stt_error_during_stop", slog.String("session_id", id), slog.String("error", err.Error()))
				return
			}
			if onError != nil {
				onError(err)
			}
		},
		OnClose: func() {
			if sess.stopping.Load() {
				return
			}
			a.logger.Warn("stt_stream_closed_unexpectedly", slog.String("session_id", id))
			if onError != nil {
				onError(errorsx.New(errorsx.ReasonSTTProvider, "transcription stream closed by provider"))
			}
		},
	}
	cfg := stt.Config{SessionID: id, TraceID: logging.TraceID(ctx)}

	var stream stt.Stream
	attempt := 0
	err := a.retry.Do(ctx, func() error {
		attempt++
		s, err := a.provider.Open(ctx, cfg, handler)
		if err != nil {
			a.logger.Debug("stt_open_attempt_failed",
				slog.String("session_id", id),
				slog.Int("attempt", attempt),
				slog.String("error", err.Error()))
			return err
		}
		stream = s
		return nil
	})
	if err != nil {
		err = errorsx.Wrap(fmt.Errorf("open %s stream: %w", a.provider.Name(), err), errorsx.ReasonSTTConnect)
		a.breaker.OnError(err)
		a.sessions.CompareAndDelete(id, sess)
		a.logger.Info("stt_session_error",
			slog.String("session_id", id),
			slog.Int("attempts", attempt),
			slog.String("reason_code", string(errorsx.Reason(err))),
			slog.String("error", err.Error()))
		return false
	}

	a.breaker.OnSuccess()
	sess.stream = stream
	sess.state = StateStarted
	a.logger.Info("stt_session_started", slog.String("session_id", id), slog.Int("attempts", attempt))
	return true
}

// SendAudio forwards b to the session's stream. It returns false, and logs,
// when no stream is started or the provider rejects the write.
func (a *Adapter) SendAudio(id string, b []byte) bool {
	v, ok := a.sessions.Load(id)
	if !ok {
		a.logger.Debug("stt_send_no_stream", slog.String("session_id", id))
		return false
	}
	sess := v.(*session)
	sess.mu.Lock()
	defer sess.mu.Unlock()
	if sess.state != StateStarted {
		a.logger.Debug("stt_send_not_started", slog.String("session_id", id), slog.String("state", sess.state.String()))
		return false
	}
	if err := sess.stream.Send(b); err != nil {
		err = errorsx.Wrap(err, errorsx.ReasonSTTSend)
		a.logger.Info("stt_send_error",
			slog.String("session_id", id),
			slog.String("reason_code", string(errorsx.Reason(err))),
			slog.String("error", err.Error()))
		return false
	}
	return true
}

// Stop finishes the session's stream and forgets it. Unknown or already
// stopped sessions are a no-op.
func (a *Adapter) Stop(id string) {
	<-a.StopAsync(id)
}

// StopAsync forgets the session immediately and finishes its stream in the
// background. The returned channel closes once the stream is finished or
// the stop timeout passes.
func (a *Adapter) StopAsync(id string) <-chan struct{} {
	finished := make(chan struct{})
	v, ok := a.sessions.LoadAndDelete(id)
	if !ok {
		close(finished)
		return finished
	}
	sess := v.(*session)
	sess.stopping.Store(true)
	go func() {
		defer close(finished)
		a.finish(id, sess)
	}()
	return finished
}

func (a *Adapter) finish(id string, sess *session) {
	sess.mu.Lock()
	defer sess.mu.Unlock()
	if sess.state != StateStarted {
		sess.state = StateStopped
		return
	}
	sess.state = StateStopped

	done := make(chan error, 1)
	go func() { done <- sess.stream.Finish() }()
	select {
	case err := <-done:
		if err != nil {
			a.logger.Info("stt_finish_error", slog.String("session_id", id), slog.String("error", err.Error()))
		}
	case <-time.After(a.stopTimeout):
		a.logger.Warn("stt_finish_timeout", slog.String("session_id", id), slog.Duration("timeout", a.stopTimeout))
	}
	a.logger.Info("stt_session_stopped", slog.String("session_id", id))
}

// State returns the lifecycle state for id. Forgotten sessions report
// StateUnstarted.
func (a *Adapter) State(id string) State {
	v, ok := a.sessions.Load(id)
	if !ok {
		return StateUnstarted
	}
	sess := v.(*session)
	sess.mu.Lock()
	defer sess.mu.Unlock()
	return sess.state
}
