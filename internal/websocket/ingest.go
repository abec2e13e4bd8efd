package websocket

import (
	"bytes"
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/labstack/echo/v4"
	"go.uber.org/zap"

	"github.com/sonara-ai/sonara/server/domain/entities"
	"github.com/sonara-ai/sonara/server/domain/repositories"
	"github.com/sonara-ai/sonara/server/internal/audio"
)

// IngressParams are the negotiated settings for one ingestion session,
// parsed and clamped by the API layer.
type IngressParams struct {
	UID            string
	Source         entities.ConversationSource
	Language       string
	SampleRate     int
	Codec          string
	SilenceTimeout time.Duration
	Geolocation    *entities.Geolocation
	PhotoDir       string
}

// ServeIngress upgrades the request and runs a full ingestion session until
// the socket closes.
func ServeIngress(hub *Hub, c echo.Context, params IngressParams, logger *zap.Logger) error {
	conn, err := upgrader.Upgrade(c.Response(), c.Request(), nil)
	if err != nil {
		logger.Error("WebSocket upgrade failed", zap.Error(err))
		return err
	}

	client := &Client{
		hub:    hub,
		conn:   conn,
		send:   make(chan WriteData, 256),
		uid:    params.UID,
		logger: logger,
	}

	ingest, err := newIngestState(hub, params, logger)
	if err != nil {
		logger.Error("Failed to start ingestion session", zap.Error(err))
		conn.Close()
		return err
	}
	client.ingest = ingest

	client.hub.register <- client
	go client.writePump()
	go client.readPump()
	return nil
}

// ServeProcessor registers a processor peer connection.
func ServeProcessor(hub *Hub, c echo.Context, uid string, logger *zap.Logger) error {
	conn, err := upgrader.Upgrade(c.Response(), c.Request(), nil)
	if err != nil {
		logger.Error("WebSocket upgrade failed", zap.Error(err))
		return err
	}

	client := &Client{
		hub:       hub,
		conn:      conn,
		send:      make(chan WriteData, 256),
		uid:       uid,
		processor: true,
		logger:    logger,
	}

	client.hub.register <- client
	go client.writePump()
	go client.readPump()
	return nil
}

// ingestState is the per-connection audio pipeline: packet framing, decode,
// VAD gating, STT streaming, silence tracking and the photo buffer.
type ingestState struct {
	hub     *Hub
	session *entities.Session
	geo     *entities.Geolocation
	timeout time.Duration

	decoder *audio.Decoder
	stream  repositories.SpeechStream

	photoDir string
	photoBuf bytes.Buffer

	ctx    context.Context
	cancel context.CancelFunc

	mu       sync.Mutex
	starting bool
	closed   bool

	logger *zap.Logger
}

func newIngestState(hub *Hub, params IngressParams, logger *zap.Logger) (*ingestState, error) {
	session := entities.NewSession(params.UID, params.Source, params.Language, params.SampleRate, params.Codec)
	if err := session.Validate(); err != nil {
		return nil, err
	}

	decoder, err := audio.NewDecoder(params.Codec, params.SampleRate, logger)
	if err != nil {
		return nil, err
	}

	ctx, cancel := context.WithCancel(context.Background())
	stream, err := hub.stt.OpenStream(ctx, repositories.AudioConfig{
		SampleRate: params.SampleRate,
		Channels:   1,
		Language:   params.Language,
	})
	if err != nil {
		cancel()
		return nil, fmt.Errorf("failed to open stt stream: %w", err)
	}

	s := &ingestState{
		hub:      hub,
		session:  session,
		geo:      params.Geolocation,
		timeout:  params.SilenceTimeout,
		decoder:  decoder,
		stream:   stream,
		photoDir: params.PhotoDir,
		ctx:      ctx,
		cancel:   cancel,
		logger: logger.With(
			zap.String("uid", params.UID),
			zap.String("sessionID", session.ID)),
	}

	go s.consumeSegments()
	go s.watchSilence()

	s.logger.Info("Ingestion session started",
		zap.String("source", string(params.Source)),
		zap.Int("sampleRate", params.SampleRate),
		zap.String("codec", params.Codec),
		zap.Duration("silenceTimeout", params.SilenceTimeout))
	return s, nil
}

// pushPacket runs on the read pump. It must stay cheap: decode, gate, send.
func (s *ingestState) pushPacket(packet []byte) {
	pcm := s.decoder.Decode(packet)
	if pcm == nil {
		return
	}

	if s.hub.detector.IsSpeech(pcm, s.session.SampleRate) {
		s.session.TouchSpeech(time.Now().UTC())
		s.ensureConversation()
	}

	if err := s.stream.Send(pcm); err != nil {
		s.logger.Warn("Failed to send audio to stt", zap.Error(err))
	}
}

// ensureConversation creates the stub on first speech without blocking the
// read pump.
func (s *ingestState) ensureConversation() {
	s.mu.Lock()
	if s.closed || s.starting || s.session.Conversation() != "" {
		s.mu.Unlock()
		return
	}
	s.starting = true
	s.mu.Unlock()

	go func() {
		ctx, cancel := context.WithTimeout(s.ctx, 10*time.Second)
		defer cancel()
		_, err := s.hub.conversations.StartOrResume(ctx, s.session, s.geo)

		s.mu.Lock()
		s.starting = false
		s.mu.Unlock()
		if err != nil {
			s.logger.Error("Failed to start conversation", zap.Error(err))
		}
	}()
}

// consumeSegments drains the STT callback channel into the merger.
func (s *ingestState) consumeSegments() {
	for batch := range s.stream.Segments() {
		if s.session.Conversation() == "" {
			// Segments can outrun the async stub creation.
			ctx, cancel := context.WithTimeout(s.ctx, 10*time.Second)
			if _, err := s.hub.conversations.StartOrResume(ctx, s.session, s.geo); err != nil {
				cancel()
				s.logger.Error("Failed to start conversation for segments", zap.Error(err))
				continue
			}
			cancel()
		}

		ctx, cancel := context.WithTimeout(s.ctx, 15*time.Second)
		if err := s.hub.conversations.OnTranscriptBatch(ctx, s.session, batch); err != nil {
			s.logger.Error("Failed to merge transcript batch", zap.Error(err))
		}
		cancel()
	}
	if err := s.stream.Err(); err != nil {
		s.logger.Warn("STT stream ended with error", zap.Error(err))
	}
}

// watchSilence fires the finalizer when the silence window lapses.
func (s *ingestState) watchSilence() {
	ticker := time.NewTicker(time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-s.ctx.Done():
			return
		case now := <-ticker.C:
			if s.session.Conversation() != "" && s.session.SilenceExceeded(now.UTC(), s.timeout) {
				s.finalize("silence timeout")
			}
		}
	}
}

// finalize ends the current conversation; the socket stays open for the next
// one.
func (s *ingestState) finalize(reason string) {
	conversationID := s.session.ReleaseConversation()
	if conversationID == "" {
		return
	}

	s.logger.Info("Finalizing conversation",
		zap.String("conversationID", conversationID),
		zap.String("reason", reason))

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Minute)
	defer cancel()
	if err := s.hub.conversations.Finalize(ctx, s.session.UID, conversationID); err != nil {
		s.logger.Error("Finalization failed",
			zap.String("conversationID", conversationID),
			zap.Error(err))
	}
}

func (s *ingestState) appendPhoto(chunk []byte) {
	s.photoBuf.Write(chunk)
}

// flushPhoto writes the buffered image to the blob dir and attaches it to the
// current conversation.
func (s *ingestState) flushPhoto() {
	if s.photoBuf.Len() == 0 {
		return
	}
	data := make([]byte, s.photoBuf.Len())
	copy(data, s.photoBuf.Bytes())
	s.photoBuf.Reset()

	path := filepath.Join(s.photoDir, uuid.NewString()+".jpg")
	if err := os.WriteFile(path, data, 0o644); err != nil {
		s.logger.Error("Failed to store photo", zap.Error(err))
		return
	}

	ctx, cancel := context.WithTimeout(s.ctx, 10*time.Second)
	defer cancel()
	if err := s.hub.conversations.AddPhoto(ctx, s.session.UID, path); err != nil {
		s.logger.Error("Failed to attach photo", zap.Error(err))
	}
}

// close tears the pipeline down on disconnect. Any open conversation is
// finalized so a dropped socket never leaks an in-progress conversation.
func (s *ingestState) close() {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.closed = true
	s.mu.Unlock()

	if pcm := s.decoder.Flush(); pcm != nil {
		s.stream.Send(pcm)
	}
	if err := s.stream.Stop(); err != nil {
		s.logger.Warn("Failed to stop stt stream", zap.Error(err))
	}
	s.finalize("disconnect")
	s.cancel()

	if lost := s.decoder.LostFrames(); lost > 0 {
		s.logger.Info("Session ended with frame loss", zap.Int("lostFrames", lost))
	}
}
