package deepgram

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/harunnryd/callscribe/pkg/adapters/stt"
	"github.com/harunnryd/callscribe/pkg/errorsx"
	"github.com/harunnryd/callscribe/pkg/logging"
	"github.com/harunnryd/callscribe/pkg/redact"

	msginterfaces "github.com/deepgram/deepgram-go-sdk/v3/pkg/api/listen/v1/websocket/interfaces"
	interfaces "github.com/deepgram/deepgram-go-sdk/v3/pkg/client/interfaces"
	client "github.com/deepgram/deepgram-go-sdk/v3/pkg/client/listen"
)

// Config is the fixed live-transcription setup shared by every session.
type Config struct {
	APIKey         string
	Model          string
	Language       string
	Encoding       string
	SampleRate     int
	Channels       int
	Interim        bool
	SmartFormat    bool
	VADEvents      bool
	UtteranceEndMS int
	EndpointingMS  int
	// CloseTimeout bounds how long Finish waits for buffered audio to drain.
	CloseTimeout time.Duration
}

func (c Config) withDefaults() Config {
	if c.Model == "" {
		c.Model = "nova-2"
	}
	if c.Language == "" {
		c.Language = "en-US"
	}
	if c.CloseTimeout <= 0 {
		c.CloseTimeout = 3 * time.Second
	}
	return c
}

// Provider opens Deepgram live transcription websockets.
type Provider struct {
	cfg    Config
	logger *slog.Logger
}

func New(cfg Config) *Provider {
	return &Provider{
		cfg:    cfg.withDefaults(),
		logger: logging.NewComponentLogger(slog.Default(), "deepgram_stt"),
	}
}

func (p *Provider) Name() string { return "deepgram" }

func (p *Provider) liveOptions() *interfaces.LiveTranscriptionOptions {
	opts := &interfaces.LiveTranscriptionOptions{
		Model:          p.cfg.Model,
		Language:       p.cfg.Language,
		InterimResults: p.cfg.Interim,
		SmartFormat:    p.cfg.SmartFormat,
		VadEvents:      p.cfg.VADEvents,
	}
	// Browsers send containerized audio (webm/opus); Deepgram sniffs it when
	// encoding and sample rate are left unset.
	if p.cfg.Encoding != "" {
		opts.Encoding = p.cfg.Encoding
		opts.SampleRate = p.cfg.SampleRate
		opts.Channels = p.cfg.Channels
	}
	if p.cfg.UtteranceEndMS > 0 {
		opts.UtteranceEndMs = fmt.Sprintf("%d", p.cfg.UtteranceEndMS)
	}
	if p.cfg.EndpointingMS > 0 {
		opts.Endpointing = fmt.Sprintf("%d", p.cfg.EndpointingMS)
	}
	return opts
}

// Open connects to Deepgram and starts pumping audio from an internal pipe.
func (p *Provider) Open(ctx context.Context, sc stt.Config, h stt.Handler) (stt.Stream, error) {
	if strings.TrimSpace(p.cfg.APIKey) == "" {
		return nil, errorsx.New(errorsx.ReasonSTTDisabled, "deepgram api key not configured")
	}
	if ctx == nil {
		ctx = context.Background()
	}

	s := &stream{
		cfg:     p.cfg,
		session: sc,
		handler: h,
		done:    make(chan struct{}),
		logger: p.logger.With(
			slog.String("session_id", sc.SessionID),
			slog.String("trace_id", sc.TraceID)),
	}
	s.ctx, s.cancel = context.WithCancel(ctx)
	s.pipeReader, s.pipeWriter = io.Pipe()

	s.logger.Info("deepgram_connecting",
		slog.String("model", p.cfg.Model),
		slog.String("language", p.cfg.Language),
		slog.Bool("interim", p.cfg.Interim),
		slog.Int("utterance_end_ms", p.cfg.UtteranceEndMS),
		slog.Int("endpointing_ms", p.cfg.EndpointingMS))

	clientOptions := &interfaces.ClientOptions{EnableKeepAlive: true}
	dgClient, err := client.NewWSUsingCallback(s.ctx, p.cfg.APIKey, clientOptions, p.liveOptions(), &callback{parent: s})
	if err != nil {
		s.cancel()
		s.logger.Error("deepgram_client_create_error", slog.String("error", err.Error()))
		return nil, errorsx.Wrap(fmt.Errorf("create deepgram client: %w", err), errorsx.ReasonSTTConnect)
	}
	s.dgClient = dgClient

	if connected := s.dgClient.Connect(); !connected {
		s.cancel()
		s.logger.Error("deepgram_connect_failed")
		return nil, errorsx.New(errorsx.ReasonSTTConnect, "deepgram connection failed")
	}
	s.logger.Info("deepgram_connected")

	go s.pump()
	return s, nil
}

type stream struct {
	cfg     Config
	session stt.Config
	handler stt.Handler
	logger  *slog.Logger

	dgClient   *client.WSCallback
	ctx        context.Context
	cancel     context.CancelFunc
	pipeReader *io.PipeReader
	pipeWriter *io.PipeWriter
	done       chan struct{}

	finishing  atomic.Bool
	finishOnce sync.Once
	closeOnce  sync.Once
	metaLogged atomic.Bool
}

func (s *stream) pump() {
	defer close(s.done)
	err := s.dgClient.Stream(s.pipeReader)
	if err == nil {
		err = io.EOF
	}
	// Unblock any writer still waiting on the pipe.
	_ = s.pipeReader.CloseWithError(err)
	if !errors.Is(err, io.EOF) && s.ctx.Err() == nil && !s.finishing.Load() {
		s.logger.Error("deepgram_stream_error", slog.String("error", err.Error()))
		s.reportError(errorsx.Wrap(fmt.Errorf("deepgram stream: %w", err), errorsx.ReasonSTTProvider))
	}
}

func (s *stream) Send(audio []byte) error {
	if s.finishing.Load() {
		return errorsx.New(errorsx.ReasonSTTSend, "deepgram stream finished")
	}
	if _, err := s.pipeWriter.Write(audio); err != nil {
		s.logger.Error("deepgram_send_error",
			slog.String("error", err.Error()),
			slog.Int("size_bytes", len(audio)))
		return errorsx.Wrap(err, errorsx.ReasonSTTSend)
	}
	return nil
}

// Finish closes the audio pipe so the SDK flushes what it has read, then
// stops the websocket. Safe to call more than once.
func (s *stream) Finish() error {
	var err error
	s.finishOnce.Do(func() {
		s.finishing.Store(true)
		s.logger.Info("deepgram_closing")
		_ = s.pipeWriter.Close()
		select {
		case <-s.done:
		case <-time.After(s.cfg.CloseTimeout):
			err = errorsx.New(errorsx.ReasonSTTProvider, "deepgram stream did not drain within %s", s.cfg.CloseTimeout)
			s.logger.Warn("deepgram_close_timeout", slog.Duration("timeout", s.cfg.CloseTimeout))
		}
		s.dgClient.Stop()
		s.cancel()
		s.fireClose()
	})
	return err
}

func (s *stream) reportError(err error) {
	if s.handler.OnError != nil {
		s.handler.OnError(err)
	}
}

func (s *stream) fireClose() {
	s.closeOnce.Do(func() {
		if s.handler.OnClose != nil {
			s.handler.OnClose()
		}
	})
}

// --- Callback Implementation ---

type callback struct {
	parent *stream
}

func (c *callback) Open(or *msginterfaces.OpenResponse) error {
	c.parent.logger.Info("deepgram_connection_opened")
	return nil
}

func (c *callback) Message(mr *msginterfaces.MessageResponse) error {
	t, ok := transcriptFromMessage(mr)
	if !ok {
		return nil
	}
	c.parent.logger.Debug("transcript_received",
		slog.String("transcript", redact.Text(t.Text)),
		slog.Bool("is_final", t.IsFinal),
		slog.Float64("confidence", t.Confidence))
	if c.parent.handler.OnTranscript != nil {
		c.parent.handler.OnTranscript(t)
	}
	return nil
}

func (c *callback) Metadata(md *msginterfaces.MetadataResponse) error {
	if c.parent.metaLogged.CompareAndSwap(false, true) {
		c.parent.logger.Info("deepgram_metadata_received", slog.String("request_id", md.RequestID))
	}
	return nil
}

func (c *callback) SpeechStarted(ssr *msginterfaces.SpeechStartedResponse) error {
	c.parent.logger.Debug("speech_started_event")
	return nil
}

func (c *callback) UtteranceEnd(ur *msginterfaces.UtteranceEndResponse) error {
	c.parent.logger.Debug("utterance_end_event", slog.Int("utterance_end_ms", c.parent.cfg.UtteranceEndMS))
	return nil
}

func (c *callback) Close(cr *msginterfaces.CloseResponse) error {
	c.parent.logger.Info("deepgram_connection_closed")
	c.parent.fireClose()
	return nil
}

func (c *callback) Error(er *msginterfaces.ErrorResponse) error {
	c.parent.logger.Error("deepgram_error",
		slog.String("error_code", er.ErrCode),
		slog.String("error_message", er.ErrMsg))
	c.parent.reportError(errorsx.New(errorsx.ReasonSTTProvider, "deepgram error %s: %s", er.ErrCode, er.ErrMsg))
	return nil
}

func (c *callback) UnhandledEvent(byData []byte) error {
	c.parent.logger.Debug("deepgram_unhandled_event", slog.Int("size_bytes", len(byData)))
	return nil
}

// transcriptFromMessage maps a Deepgram result onto stt.Transcript. Results
// with no alternative or an empty transcript are dropped.
func transcriptFromMessage(mr *msginterfaces.MessageResponse) (stt.Transcript, bool) {
	if mr == nil || len(mr.Channel.Alternatives) == 0 {
		return stt.Transcript{}, false
	}
	alt := mr.Channel.Alternatives[0]
	if strings.TrimSpace(alt.Transcript) == "" {
		return stt.Transcript{}, false
	}
	t := stt.Transcript{
		Text:       alt.Transcript,
		IsFinal:    mr.IsFinal,
		Confidence: alt.Confidence,
		ReceivedAt: time.Now(),
	}
	if len(alt.Words) > 0 {
		t.Words = make([]stt.Word, 0, len(alt.Words))
		for _, w := range alt.Words {
			t.Words = append(t.Words, stt.Word{
				Word:       w.Word,
				Start:      w.Start,
				End:        w.End,
				Confidence: w.Confidence,
			})
		}
	}
	return t, true
}

var _ stt.Provider = (*Provider)(nil)
