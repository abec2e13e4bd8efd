package stt

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/sonara-ai/sonara/server/domain/entities"
	"github.com/sonara-ai/sonara/server/domain/repositories"
)

const deepgramListenURL = "wss://api.deepgram.com/v1/listen"

// DeepgramSpeechToText implements repositories.SpeechToText against the
// Deepgram live API over a websocket.
type DeepgramSpeechToText struct {
	apiKey string
	model  string
	logger *zap.Logger
}

// NewDeepgram creates the Deepgram adapter.
func NewDeepgram(apiKey, model string, logger *zap.Logger) *DeepgramSpeechToText {
	if model == "" {
		model = "nova-2-general"
	}
	return &DeepgramSpeechToText{apiKey: apiKey, model: model, logger: logger}
}

func (d *DeepgramSpeechToText) Provider() entities.STTProvider {
	return entities.STTProviderDeepgram
}

// OpenStream dials the live endpoint with diarization and punctuation on.
func (d *DeepgramSpeechToText) OpenStream(ctx context.Context, config repositories.AudioConfig) (repositories.SpeechStream, error) {
	channels := config.Channels
	if channels == 0 {
		channels = 1
	}
	q := url.Values{}
	q.Set("model", d.model)
	q.Set("encoding", "linear16")
	q.Set("sample_rate", strconv.Itoa(config.SampleRate))
	q.Set("channels", strconv.Itoa(channels))
	q.Set("punctuate", "true")
	q.Set("diarize", "true")
	q.Set("smart_format", "true")
	q.Set("interim_results", "false")
	if config.Language != "" {
		q.Set("language", config.Language)
	}

	header := http.Header{}
	header.Set("Authorization", "Token "+d.apiKey)

	conn, resp, err := websocket.DefaultDialer.DialContext(ctx, deepgramListenURL+"?"+q.Encode(), header)
	if err != nil {
		if resp != nil {
			return nil, fmt.Errorf("deepgram dial failed (%d): %w", resp.StatusCode, err)
		}
		return nil, fmt.Errorf("deepgram dial failed: %w", err)
	}

	s := &deepgramStream{
		conn:     conn,
		segments: make(chan []entities.TranscriptSegment, 8),
		logger:   d.logger,
	}
	go s.receive()
	return s, nil
}

// TranscribeFile reuses the streaming session for whole recordings.
func (d *DeepgramSpeechToText) TranscribeFile(ctx context.Context, wavPath string, config repositories.AudioConfig) ([]entities.TranscriptSegment, error) {
	return transcribeFileViaStream(ctx, d, wavPath, config)
}

type deepgramStream struct {
	conn     *websocket.Conn
	segments chan []entities.TranscriptSegment

	mu      sync.Mutex
	stopped bool
	err     error

	logger *zap.Logger
}

// deepgramResult is the subset of the live API response the pipeline uses.
type deepgramResult struct {
	Type    string `json:"type"`
	IsFinal bool   `json:"is_final"`
	Channel struct {
		Alternatives []struct {
			Transcript string `json:"transcript"`
			Words      []struct {
				Word           string  `json:"word"`
				PunctuatedWord string  `json:"punctuated_word"`
				Start          float64 `json:"start"`
				End            float64 `json:"end"`
				Speaker        int     `json:"speaker"`
			} `json:"words"`
		} `json:"alternatives"`
	} `json:"channel"`
}

func (s *deepgramStream) Send(data []byte) error {
	if len(data) == 0 {
		return nil
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.stopped {
		return fmt.Errorf("stream already stopped")
	}
	s.conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
	if err := s.conn.WriteMessage(websocket.BinaryMessage, data); err != nil {
		return fmt.Errorf("failed to send audio data: %w", err)
	}
	return nil
}

func (s *deepgramStream) Segments() <-chan []entities.TranscriptSegment {
	return s.segments
}

func (s *deepgramStream) Stop() error {
	s.mu.Lock()
	if s.stopped {
		s.mu.Unlock()
		return nil
	}
	s.stopped = true
	s.conn.SetWriteDeadline(time.Now().Add(5 * time.Second))
	err := s.conn.WriteMessage(websocket.TextMessage, []byte(`{"type":"CloseStream"}`))
	s.mu.Unlock()
	if err != nil {
		s.conn.Close()
		return fmt.Errorf("failed to close deepgram stream: %w", err)
	}
	return nil
}

func (s *deepgramStream) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.err
}

func (s *deepgramStream) receive() {
	defer close(s.segments)
	defer s.conn.Close()

	for {
		_, message, err := s.conn.ReadMessage()
		if err != nil {
			s.mu.Lock()
			if !s.stopped && !websocket.IsCloseError(err, websocket.CloseNormalClosure) {
				s.err = fmt.Errorf("deepgram read failed: %w", err)
			}
			s.mu.Unlock()
			return
		}

		var result deepgramResult
		if err := json.Unmarshal(message, &result); err != nil {
			s.logger.Warn("Skipping undecodable deepgram message", zap.Error(err))
			continue
		}
		if result.Type == "Metadata" {
			continue
		}
		if !result.IsFinal || len(result.Channel.Alternatives) == 0 {
			continue
		}

		batch := deepgramWordsToSegments(result)
		if len(batch) > 0 {
			s.segments <- batch
		}
	}
}

func deepgramWordsToSegments(result deepgramResult) []entities.TranscriptSegment {
	alt := result.Channel.Alternatives[0]
	if len(alt.Words) == 0 {
		if alt.Transcript == "" {
			return nil
		}
		return []entities.TranscriptSegment{
			entities.NewTranscriptSegment(alt.Transcript, "SPEAKER_00", false, 0, 0, entities.STTProviderDeepgram),
		}
	}

	var out []entities.TranscriptSegment
	var text string
	var start, end float64
	speaker := alt.Words[0].Speaker

	flush := func() {
		if text == "" {
			return
		}
		label := fmt.Sprintf("SPEAKER_%02d", speaker)
		out = append(out, entities.NewTranscriptSegment(text, label, false, start, end, entities.STTProviderDeepgram))
		text = ""
	}

	for i, w := range alt.Words {
		word := w.PunctuatedWord
		if word == "" {
			word = w.Word
		}
		if i == 0 || w.Speaker != speaker {
			flush()
			speaker = w.Speaker
			start = w.Start
		}
		if text != "" {
			text += " "
		}
		text += word
		end = w.End
	}
	flush()
	return out
}
