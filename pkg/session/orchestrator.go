// Package session runs one browser connection from accept to teardown.
//
// A connection moves through Connecting, Active, Stopping and Closed. The
// receive loop owns all per-session state; provider callbacks only push onto
// the session's event channel, which the loop drains alongside client frames.
package session

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"runtime/debug"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/harunnryd/callscribe/pkg/adapters/stt"
	"github.com/harunnryd/callscribe/pkg/audio"
	"github.com/harunnryd/callscribe/pkg/errorsx"
	"github.com/harunnryd/callscribe/pkg/logging"
	"github.com/harunnryd/callscribe/pkg/metrics"
	"github.com/harunnryd/callscribe/pkg/protocol"
	"github.com/harunnryd/callscribe/pkg/redact"
	"github.com/harunnryd/callscribe/pkg/registry"
	"github.com/harunnryd/callscribe/pkg/store"
	"github.com/harunnryd/callscribe/pkg/transcription"
)

// Conn is the client side of a session. *websocket.Conn satisfies it.
type Conn interface {
	ReadMessage() (messageType int, p []byte, err error)
	WriteMessage(messageType int, data []byte) error
	Close() error
}

// State is the orchestrator's per-connection phase.
type State int32

const (
	StateConnecting State = iota
	StateActive
	StateStopping
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateActive:
		return "active"
	case StateStopping:
		return "stopping"
	case StateClosed:
		return "closed"
	default:
		return "connecting"
	}
}

// Session end outcomes reported to metrics.
const (
	OutcomeStopped      = "stopped"
	OutcomeDisconnected = "disconnected"
	OutcomeShutdown     = "shutdown"
)

const persistTimeout = 5 * time.Second

type Config struct {
	// AckEvery sends an audio_ack whenever the chunk count is a multiple of it.
	AckEvery int
	// StatsEvery writes call totals whenever the chunk count is a multiple of it.
	StatsEvery  int
	EventBuffer int
}

func (c Config) withDefaults() Config {
	if c.AckEvery <= 0 {
		c.AckEvery = 10
	}
	if c.StatsEvery <= 0 {
		c.StatsEvery = 50
	}
	if c.EventBuffer <= 0 {
		c.EventBuffer = 256
	}
	return c
}

type Deps struct {
	Registry    *registry.Registry
	Audio       *audio.Store
	Transcriber *transcription.Adapter
	// Store may be nil, which disables persistence.
	Store   store.Store
	Metrics *metrics.Metrics
	Logger  *slog.Logger
}

type Orchestrator struct {
	registry    *registry.Registry
	audio       *audio.Store
	transcriber *transcription.Adapter
	store       store.Store
	metrics     *metrics.Metrics
	cfg         Config
	logger      *slog.Logger
}

func New(deps Deps, cfg Config) *Orchestrator {
	base := deps.Logger
	if base == nil {
		base = slog.Default()
	}
	if deps.Registry == nil {
		deps.Registry = registry.New(0)
	}
	if deps.Audio == nil {
		deps.Audio = audio.NewStore()
	}
	if deps.Transcriber == nil {
		deps.Transcriber = transcription.New(nil, false, transcription.Options{})
	}
	return &Orchestrator{
		registry:    deps.Registry,
		audio:       deps.Audio,
		transcriber: deps.Transcriber,
		store:       deps.Store,
		metrics:     deps.Metrics,
		cfg:         cfg.withDefaults(),
		logger:      logging.NewComponentLogger(base, "session"),
	}
}

// TranscriptionEnabled reports whether sessions will try to transcribe.
func (o *Orchestrator) TranscriptionEnabled() bool { return o.transcriber.Enabled() }

// PersistenceEnabled reports whether a store is configured.
func (o *Orchestrator) PersistenceEnabled() bool { return o.store != nil }

// ActiveSessions returns the number of registered client connections.
func (o *Orchestrator) ActiveSessions() int64 { return o.registry.Count() }

// Run drives the session for id until the client stops, disconnects, or ctx
// is cancelled. It returns an error only when the session could not be
// established; everything after that is absorbed into cleanup.
func (o *Orchestrator) Run(ctx context.Context, id string, conn Conn) error {
	if ctx == nil {
		ctx = context.Background()
	}
	ctx = logging.WithTraceID(ctx, uuid.NewString())
	c := o.newCall(ctx, id, conn)
	if err := c.connect(); err != nil {
		return err
	}
	defer c.cleanup()
	c.loop()
	return nil
}

type event struct {
	transcript stt.Transcript
	err        error
}

type frame struct {
	messageType int
	data        []byte
}

// call is the state of one connection. Only the loop goroutine touches its
// fields after connect, except events and done.
type call struct {
	o      *Orchestrator
	ctx    context.Context
	id     string
	conn   Conn
	logger *slog.Logger

	state        State
	transcribing bool
	recorder     store.Recorder
	outcome      string
	started      time.Time
	registered   bool
	audioOpen    bool

	// providerStopped closes once a stream stopped after a provider error
	// has finished.
	providerStopped <-chan struct{}

	events  chan event
	done    chan struct{}
	readErr error

	cleanupOnce sync.Once
}

func (o *Orchestrator) newCall(ctx context.Context, id string, conn Conn) *call {
	return &call{
		o:    o,
		ctx:  ctx,
		id:   id,
		conn: conn,
		logger: o.logger.With(
			slog.String("session_id", id),
			slog.String("trace_id", logging.TraceID(ctx))),
		state:   StateConnecting,
		outcome: OutcomeDisconnected,
		events:  make(chan event, o.cfg.EventBuffer),
		done:    make(chan struct{}),
	}
}

func (c *call) connect() error {
	o := c.o
	if err := o.registry.Register(c.id, c.conn); err != nil {
		o.metrics.SessionRejected()
		c.logger.Warn("session_rejected", slog.String("error", err.Error()))
		c.rejectDirect(fmt.Sprintf("session %s is already connected", c.id))
		return fmt.Errorf("register session %s: %w", c.id, err)
	}
	c.registered = true

	if err := o.audio.Open(c.id); err != nil {
		o.metrics.SessionRejected()
		c.logger.Warn("session_rejected", slog.String("error", err.Error()))
		_ = c.send(protocol.Error(fmt.Sprintf("session %s is already open", c.id)))
		o.registry.Unregister(c.id, c.conn)
		_ = c.conn.Close()
		return fmt.Errorf("open audio session %s: %w", c.id, err)
	}
	c.audioOpen = true
	c.started = time.Now()
	o.metrics.SessionStarted()

	startFailed := false
	if o.transcriber.Enabled() {
		c.transcribing = o.transcriber.Start(c.ctx, c.id, c.onTranscript, c.onProviderError)
		startFailed = !c.transcribing
		if c.transcribing {
			o.metrics.TranscriptionStart("ok")
		} else {
			o.metrics.TranscriptionStart("failed")
		}
	} else {
		o.metrics.TranscriptionStart("disabled")
	}

	if o.store != nil {
		pctx, cancel := c.persistContext()
		rec, err := o.store.CreateCall(pctx, c.id)
		cancel()
		if err != nil {
			c.persistFailed("create_call", err)
		} else {
			c.recorder = rec
		}
	}

	_ = c.send(protocol.Connection(c.id, c.transcribing, c.recorder != nil))
	if startFailed {
		_ = c.send(protocol.TranscriptionError("transcription unavailable, continuing without it"))
	}
	c.state = StateActive
	c.logger.Info("session_connected",
		slog.Bool("transcription_enabled", c.transcribing),
		slog.Bool("database_enabled", c.recorder != nil))
	return nil
}

// rejectDirect answers a connection that never made it into the registry.
func (c *call) rejectDirect(message string) {
	if b, err := json.Marshal(protocol.Error(message)); err == nil {
		_ = c.conn.WriteMessage(websocket.TextMessage, b)
	}
	_ = c.conn.Close()
}

func (c *call) loop() {
	frames := make(chan frame)
	go c.read(frames)

	for {
		select {
		case <-c.ctx.Done():
			c.outcome = OutcomeShutdown
			c.logger.Info("session_cancelled")
			return
		case f, ok := <-frames:
			if !ok {
				c.outcome = OutcomeDisconnected
				if c.readErr != nil && !websocket.IsCloseError(c.readErr, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
					c.logger.Info("client_disconnected", slog.String("error", c.readErr.Error()))
				} else {
					c.logger.Info("client_disconnected")
				}
				return
			}
			if c.handleFrame(f) {
				return
			}
		case ev := <-c.events:
			c.handleEvent(ev)
		}
	}
}

func (c *call) read(out chan<- frame) {
	defer close(out)
	for {
		mt, data, err := c.conn.ReadMessage()
		if err != nil {
			c.readErr = err
			return
		}
		select {
		case out <- frame{messageType: mt, data: data}:
		case <-c.done:
			return
		}
	}
}

// handleFrame processes one client message and reports whether the session
// should stop.
func (c *call) handleFrame(f frame) bool {
	in, err := protocol.Decode(f.messageType, f.data)
	if err != nil {
		c.o.metrics.ProtocolError()
		c.logger.Info("client_message_invalid",
			slog.String("reason_code", string(errorsx.Reason(err))),
			slog.String("error", err.Error()))
		_ = c.send(protocol.Error(err.Error()))
		return false
	}
	switch in.Kind {
	case protocol.KindAudio:
		c.handleAudio(in.Audio)
	case protocol.KindPing:
		_ = c.send(protocol.Pong(in.Timestamp))
	case protocol.KindStop:
		c.state = StateStopping
		c.outcome = OutcomeStopped
		_ = c.send(protocol.Stopped(c.id))
		c.logger.Info("session_stop_requested")
		return true
	default:
		c.logger.Warn("client_message_unknown", slog.String("type", in.Type))
	}
	return false
}

func (c *call) handleAudio(b []byte) {
	o := c.o
	snap, err := o.audio.AppendChunk(c.id, b)
	if err != nil {
		c.logger.Warn("audio_append_failed", slog.String("error", err.Error()))
		return
	}
	o.metrics.AudioReceived(len(b))

	if c.transcribing {
		o.transcriber.SendAudio(c.id, b)
	}
	if c.recorder != nil && snap.ChunksReceived%o.cfg.StatsEvery == 0 {
		c.updateStats(snap)
	}
	if snap.ChunksReceived%o.cfg.AckEvery == 0 {
		_ = c.send(protocol.AudioAck(c.id, snap.ChunksReceived, snap.TotalBytes, snap.Duration))
	}
}

func (c *call) handleEvent(ev event) {
	if ev.err != nil {
		c.handleProviderError(ev.err)
		return
	}
	if !c.transcribing && c.state != StateStopping {
		c.logger.Debug("transcript_dropped", slog.Bool("is_final", ev.transcript.IsFinal))
		return
	}
	c.relayTranscript(ev.transcript)
}

func (c *call) relayTranscript(t stt.Transcript) {
	if t.IsFinal && c.recorder != nil {
		pctx, cancel := c.persistContext()
		err := c.recorder.AppendTranscriptLine(pctx, t.Text, t.IsFinal, t.Confidence, t.Words)
		cancel()
		if err != nil {
			c.persistFailed("append_transcript", err)
		}
	}
	if t.IsFinal {
		c.logger.Debug("transcript_final", slog.String("text", redact.Text(t.Text)), slog.Float64("confidence", t.Confidence))
	}
	if err := c.send(protocol.Transcription(t)); err == nil {
		c.o.metrics.TranscriptRelayed(t.IsFinal)
	}
}

func (c *call) handleProviderError(err error) {
	if !c.transcribing {
		return
	}
	c.o.metrics.ProviderError()
	c.logger.Warn("stt_stream_failed",
		slog.String("reason_code", string(errorsx.Reason(err))),
		slog.String("error", err.Error()))
	c.transcribing = false
	c.providerStopped = c.o.transcriber.StopAsync(c.id)
	_ = c.send(protocol.TranscriptionError(err.Error()))
}

// onTranscript and onProviderError run on the provider's goroutine.
func (c *call) onTranscript(t stt.Transcript) { c.push(event{transcript: t}) }

func (c *call) onProviderError(err error) {
	if err == nil {
		err = errors.New("transcription provider error")
	}
	c.push(event{err: err})
}

func (c *call) push(ev event) {
	select {
	case c.events <- ev:
	case <-c.done:
	}
}

func (c *call) send(msg any) error {
	err := c.o.registry.Send(c.id, msg)
	if err != nil {
		c.o.metrics.SendFailed()
		c.logger.Debug("client_send_failed", slog.String("error", err.Error()))
	}
	return err
}

func (c *call) updateStats(snap audio.Snapshot) {
	pctx, cancel := c.persistContext()
	defer cancel()
	if err := c.recorder.UpdateStats(pctx, snap.TotalBytes, snap.ChunksReceived); err != nil {
		c.persistFailed("update_stats", err)
	}
}

// persistContext survives server shutdown so teardown writes still land.
func (c *call) persistContext() (context.Context, context.CancelFunc) {
	return context.WithTimeout(context.WithoutCancel(c.ctx), persistTimeout)
}

func (c *call) persistFailed(op string, err error) {
	err = errorsx.Wrap(err, errorsx.ReasonStoreWrite)
	c.o.metrics.PersistenceError(op)
	c.logger.Warn("persistence_failed",
		slog.String("op", op),
		slog.String("reason_code", string(errorsx.Reason(err))),
		slog.String("error", err.Error()))
}

// cleanup tears the session down once. Each step recovers on its own so a
// failing step never skips the rest.
func (c *call) cleanup() {
	c.cleanupOnce.Do(func() {
		o := c.o
		var final audio.Snapshot
		haveFinal := false

		c.step("stop_transcription", c.stopTranscription)
		close(c.done)
		c.step("close_audio", func() {
			if !c.audioOpen {
				return
			}
			snap, err := o.audio.Close(c.id)
			if err != nil {
				c.logger.Debug("audio_close_failed", slog.String("error", err.Error()))
				return
			}
			final, haveFinal = snap, true
		})
		if c.recorder != nil {
			c.step("final_stats", func() {
				if haveFinal {
					c.updateStats(final)
				}
			})
			c.step("end_call", func() {
				pctx, cancel := c.persistContext()
				defer cancel()
				if err := c.recorder.EndCall(pctx); err != nil {
					c.persistFailed("end_call", err)
				}
			})
			c.step("release_recorder", func() {
				if err := c.recorder.Close(); err != nil {
					c.persistFailed("close_recorder", err)
				}
			})
		}
		c.step("release_audio", func() { o.audio.Release(c.id) })
		c.step("unregister", func() {
			if c.registered {
				o.registry.Unregister(c.id, c.conn)
			}
		})
		c.step("close_connection", func() { _ = c.conn.Close() })

		c.state = StateClosed
		o.metrics.SessionEnded(c.outcome, time.Since(c.started))
		attrs := []any{slog.String("outcome", c.outcome)}
		if haveFinal {
			attrs = append(attrs,
				slog.Int("chunks_received", final.ChunksReceived),
				slog.Int64("total_bytes", final.TotalBytes),
				slog.Float64("duration", final.Duration))
		}
		c.logger.Info("session_closed", attrs...)
	})
}

// stopTranscription finishes the provider stream while still relaying the
// results it flushes on close.
func (c *call) stopTranscription() {
	pending := c.providerStopped
	finished := make(chan struct{})
	go func() {
		defer close(finished)
		c.o.transcriber.Stop(c.id)
		if pending != nil {
			<-pending
		}
	}()
	for {
		select {
		case ev := <-c.events:
			c.handleEvent(ev)
		case <-finished:
			for {
				select {
				case ev := <-c.events:
					c.handleEvent(ev)
				default:
					// A provider error during the drain starts its own stop.
					if c.providerStopped != pending {
						<-c.providerStopped
					}
					return
				}
			}
		}
	}
}

func (c *call) step(name string, fn func()) {
	defer func() {
		if r := recover(); r != nil {
			c.logger.Error("cleanup_step_panic",
				slog.String("step", name),
				slog.Any("panic", r),
				slog.String("stack", string(debug.Stack())))
		}
	}()
	fn()
}
