package mock

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/harunnryd/callscribe/pkg/adapters/stt"
)

// STTConfig scripts the mock provider. Every EveryNChunks audio chunks the
// stream emits an optional interim result followed by a final one.
type STTConfig struct {
	Transcript        string
	InterimTranscript string
	EmitInterim       bool
	EveryNChunks      int
	Confidence        float64
	// OpenErr makes every Open fail with this error.
	OpenErr error
}

// STT is an in-process provider used for local runs and tests.
type STT struct {
	cfg STTConfig

	mu     sync.Mutex
	opened int
}

func NewSTT(cfg STTConfig) *STT {
	if cfg.Transcript == "" {
		cfg.Transcript = "mock transcript"
	}
	if cfg.EveryNChunks <= 0 {
		cfg.EveryNChunks = 10
	}
	if cfg.Confidence == 0 {
		cfg.Confidence = 0.9
	}
	return &STT{cfg: cfg}
}

func (s *STT) Name() string { return "mock" }

// Opened returns how many streams were successfully opened.
func (s *STT) Opened() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.opened
}

func (s *STT) Open(ctx context.Context, sc stt.Config, h stt.Handler) (stt.Stream, error) {
	if s.cfg.OpenErr != nil {
		return nil, s.cfg.OpenErr
	}
	if ctx == nil {
		ctx = context.Background()
	}
	s.mu.Lock()
	s.opened++
	s.mu.Unlock()

	st := &stream{
		cfg:     s.cfg,
		handler: h,
		in:      make(chan int, 64),
		done:    make(chan struct{}),
	}
	go st.loop(ctx)
	return st, nil
}

type stream struct {
	cfg     STTConfig
	handler stt.Handler
	in      chan int
	done    chan struct{}

	mu       sync.Mutex
	finished bool
	chunks   int
}

func (s *stream) loop(ctx context.Context) {
	defer close(s.done)
	for {
		select {
		case <-ctx.Done():
			return
		case n, ok := <-s.in:
			if !ok {
				if s.handler.OnClose != nil {
					s.handler.OnClose()
				}
				return
			}
			if n%s.cfg.EveryNChunks != 0 {
				continue
			}
			s.emit(n)
		}
	}
}

func (s *stream) emit(n int) {
	if s.handler.OnTranscript == nil {
		return
	}
	if s.cfg.EmitInterim {
		interim := s.cfg.InterimTranscript
		if interim == "" {
			interim = s.cfg.Transcript
		}
		s.handler.OnTranscript(stt.Transcript{
			Text:       interim,
			Confidence: s.cfg.Confidence / 2,
			ReceivedAt: time.Now(),
		})
	}
	s.handler.OnTranscript(stt.Transcript{
		Text:       s.cfg.Transcript,
		IsFinal:    true,
		Confidence: s.cfg.Confidence,
		Words:      []stt.Word{{Word: s.cfg.Transcript, Start: 0, End: float64(n) / 10, Confidence: s.cfg.Confidence}},
		ReceivedAt: time.Now(),
	})
}

func (s *stream) Send(audio []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.finished {
		return errors.New("mock stream finished")
	}
	s.chunks++
	select {
	case s.in <- s.chunks:
		return nil
	default:
		return fmt.Errorf("mock stream backlog full at chunk %d", s.chunks)
	}
}

func (s *stream) Finish() error {
	s.mu.Lock()
	if !s.finished {
		s.finished = true
		close(s.in)
	}
	s.mu.Unlock()
	<-s.done
	return nil
}

var _ stt.Provider = (*STT)(nil)
