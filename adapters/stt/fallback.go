package stt

import (
	"context"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/sonara-ai/sonara/server/domain/entities"
	"github.com/sonara-ai/sonara/server/domain/repositories"
)

// maxReplayBytes caps the audio buffered for replay into the fallback
// provider. At 16 kHz mono PCM this is around 30 seconds.
const maxReplayBytes = 1 << 20

// WithFallback wraps a primary provider and switches to the fallback when the
// primary delivers no segments within the grace window after audio starts.
// The switch happens inside the stream, without tearing down the caller's
// websocket; replayed audio keeps the transcript gap small.
type WithFallback struct {
	primary  repositories.SpeechToText
	fallback repositories.SpeechToText
	grace    time.Duration
	logger   *zap.Logger
}

// NewWithFallback builds the wrapper. grace is the window measured from the
// first audio send.
func NewWithFallback(primary, fallback repositories.SpeechToText, grace time.Duration, logger *zap.Logger) *WithFallback {
	return &WithFallback{primary: primary, fallback: fallback, grace: grace, logger: logger}
}

func (w *WithFallback) Provider() entities.STTProvider {
	return w.primary.Provider()
}

func (w *WithFallback) OpenStream(ctx context.Context, config repositories.AudioConfig) (repositories.SpeechStream, error) {
	inner, err := w.primary.OpenStream(ctx, config)
	if err != nil {
		w.logger.Warn("Primary STT unavailable, opening fallback",
			zap.String("primary", string(w.primary.Provider())),
			zap.Error(err))
		return w.fallback.OpenStream(ctx, config)
	}
	s := &fallbackStream{
		ctx:      ctx,
		config:   config,
		fallback: w.fallback,
		grace:    w.grace,
		active:   inner,
		out:      make(chan []entities.TranscriptSegment, 8),
		logger:   w.logger,
	}
	s.startRelay(inner)
	return s, nil
}

// TranscribeFile tries the primary and falls back on error.
func (w *WithFallback) TranscribeFile(ctx context.Context, wavPath string, config repositories.AudioConfig) ([]entities.TranscriptSegment, error) {
	segments, err := w.primary.TranscribeFile(ctx, wavPath, config)
	if err == nil {
		return segments, nil
	}
	w.logger.Warn("Primary STT failed on file, retrying with fallback",
		zap.String("primary", string(w.primary.Provider())),
		zap.Error(err))
	return w.fallback.TranscribeFile(ctx, wavPath, config)
}

type fallbackStream struct {
	ctx      context.Context
	config   repositories.AudioConfig
	fallback repositories.SpeechToText
	grace    time.Duration
	logger   *zap.Logger

	out chan []entities.TranscriptSegment

	mu          sync.Mutex
	active      repositories.SpeechStream
	generation  int
	buffer      []byte
	gotSegments bool
	switched    bool
	stopped     bool
	timer       *time.Timer
	err         error
}

func (s *fallbackStream) Send(data []byte) error {
	s.mu.Lock()
	if s.stopped {
		s.mu.Unlock()
		return fmt.Errorf("stream already stopped")
	}
	if !s.gotSegments && !s.switched {
		if len(s.buffer)+len(data) <= maxReplayBytes {
			s.buffer = append(s.buffer, data...)
		}
		if s.timer == nil && s.grace > 0 {
			s.timer = time.AfterFunc(s.grace, s.maybeSwitch)
		}
	}
	active := s.active
	s.mu.Unlock()
	return active.Send(data)
}

func (s *fallbackStream) Segments() <-chan []entities.TranscriptSegment {
	return s.out
}

func (s *fallbackStream) Stop() error {
	s.mu.Lock()
	if s.stopped {
		s.mu.Unlock()
		return nil
	}
	s.stopped = true
	if s.timer != nil {
		s.timer.Stop()
	}
	active := s.active
	s.mu.Unlock()
	return active.Stop()
}

func (s *fallbackStream) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.err
}

// startRelay pumps an underlying stream into out. Only the relay of the
// current generation may close out when its stream drains.
func (s *fallbackStream) startRelay(stream repositories.SpeechStream) {
	s.mu.Lock()
	s.generation++
	gen := s.generation
	s.mu.Unlock()

	go func() {
		for batch := range stream.Segments() {
			s.mu.Lock()
			if gen != s.generation {
				s.mu.Unlock()
				return
			}
			s.gotSegments = true
			s.buffer = nil
			if s.timer != nil {
				s.timer.Stop()
			}
			s.mu.Unlock()
			s.out <- batch
		}

		s.mu.Lock()
		defer s.mu.Unlock()
		if gen != s.generation {
			return
		}
		if err := stream.Err(); err != nil && s.err == nil {
			s.err = err
		}
		close(s.out)
	}()
}

// maybeSwitch fires once when the grace window elapses without segments.
func (s *fallbackStream) maybeSwitch() {
	s.mu.Lock()
	if s.gotSegments || s.switched || s.stopped {
		s.mu.Unlock()
		return
	}
	s.switched = true
	old := s.active
	replay := s.buffer
	s.buffer = nil
	s.mu.Unlock()

	s.logger.Warn("No segments within grace window, switching STT provider",
		zap.String("fallback", string(s.fallback.Provider())),
		zap.Duration("grace", s.grace))

	next, err := s.fallback.OpenStream(s.ctx, s.config)
	if err != nil {
		s.mu.Lock()
		s.switched = false
		s.mu.Unlock()
		s.logger.Error("Fallback STT open failed, staying on primary", zap.Error(err))
		return
	}

	s.mu.Lock()
	s.active = next
	s.mu.Unlock()
	s.startRelay(next)

	if len(replay) > 0 {
		if err := next.Send(replay); err != nil {
			s.logger.Error("Failed to replay buffered audio into fallback", zap.Error(err))
		}
	}
	go old.Stop()
}
