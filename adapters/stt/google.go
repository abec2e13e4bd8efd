package stt

import (
	"context"
	"fmt"
	"io"
	"sync"

	speech "cloud.google.com/go/speech/apiv1"
	"cloud.google.com/go/speech/apiv1/speechpb"
	"go.uber.org/zap"

	"github.com/sonara-ai/sonara/server/domain/entities"
	"github.com/sonara-ai/sonara/server/domain/repositories"
)

// GoogleSpeechToText implements repositories.SpeechToText for Google Cloud,
// with speaker diarization and per-word time offsets enabled so downstream
// merging has speaker labels and timestamps to work with.
type GoogleSpeechToText struct {
	logger *zap.Logger
}

// NewGoogle creates the Google streaming STT adapter.
func NewGoogle(logger *zap.Logger) *GoogleSpeechToText {
	return &GoogleSpeechToText{logger: logger}
}

func (g *GoogleSpeechToText) Provider() entities.STTProvider {
	return entities.STTProviderGoogle
}

// OpenStream starts a streaming recognize session.
func (g *GoogleSpeechToText) OpenStream(ctx context.Context, config repositories.AudioConfig) (repositories.SpeechStream, error) {
	client, err := speech.NewClient(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to create speech client: %w", err)
	}

	stream, err := client.StreamingRecognize(ctx)
	if err != nil {
		client.Close()
		return nil, fmt.Errorf("failed to create streaming recognize: %w", err)
	}

	channels := config.Channels
	if channels == 0 {
		channels = 1
	}
	recognitionConfig := &speechpb.RecognitionConfig{
		Encoding:                   speechpb.RecognitionConfig_LINEAR16,
		SampleRateHertz:            int32(config.SampleRate),
		AudioChannelCount:          int32(channels),
		LanguageCode:               config.Language,
		EnableWordTimeOffsets:      true,
		EnableAutomaticPunctuation: true,
		DiarizationConfig: &speechpb.SpeakerDiarizationConfig{
			EnableSpeakerDiarization: true,
			MinSpeakerCount:          1,
			MaxSpeakerCount:          6,
		},
	}

	if err := stream.Send(&speechpb.StreamingRecognizeRequest{
		StreamingRequest: &speechpb.StreamingRecognizeRequest_StreamingConfig{
			StreamingConfig: &speechpb.StreamingRecognitionConfig{
				Config:         recognitionConfig,
				InterimResults: false,
			},
		},
	}); err != nil {
		stream.CloseSend()
		client.Close()
		return nil, fmt.Errorf("failed to send streaming config: %w", err)
	}

	s := &googleStream{
		client:   client,
		stream:   stream,
		segments: make(chan []entities.TranscriptSegment, 8),
		logger:   g.logger,
	}
	go s.receive()
	return s, nil
}

// TranscribeFile runs the whole recording through a streaming session and
// collects the emitted segments. Used by the post-processing path.
func (g *GoogleSpeechToText) TranscribeFile(ctx context.Context, wavPath string, config repositories.AudioConfig) ([]entities.TranscriptSegment, error) {
	return transcribeFileViaStream(ctx, g, wavPath, config)
}

type googleStream struct {
	client   *speech.Client
	stream   speechpb.Speech_StreamingRecognizeClient
	segments chan []entities.TranscriptSegment

	mu      sync.Mutex
	stopped bool
	err     error

	logger *zap.Logger
}

func (s *googleStream) Send(data []byte) error {
	if len(data) == 0 {
		return nil
	}
	s.mu.Lock()
	stopped := s.stopped
	s.mu.Unlock()
	if stopped {
		return fmt.Errorf("stream already stopped")
	}
	if err := s.stream.Send(&speechpb.StreamingRecognizeRequest{
		StreamingRequest: &speechpb.StreamingRecognizeRequest_AudioContent{
			AudioContent: data,
		},
	}); err != nil {
		return fmt.Errorf("failed to send audio data: %w", err)
	}
	return nil
}

func (s *googleStream) Segments() <-chan []entities.TranscriptSegment {
	return s.segments
}

func (s *googleStream) Stop() error {
	s.mu.Lock()
	if s.stopped {
		s.mu.Unlock()
		return nil
	}
	s.stopped = true
	s.mu.Unlock()
	if err := s.stream.CloseSend(); err != nil {
		return fmt.Errorf("failed to close send stream: %w", err)
	}
	return nil
}

func (s *googleStream) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.err
}

// receive pumps provider responses into the segments channel until EOF.
func (s *googleStream) receive() {
	defer close(s.segments)
	defer s.client.Close()

	for {
		resp, err := s.stream.Recv()
		if err == io.EOF {
			return
		}
		if err != nil {
			s.mu.Lock()
			if !s.stopped {
				s.err = fmt.Errorf("failed to receive response: %w", err)
			}
			s.mu.Unlock()
			return
		}

		var batch []entities.TranscriptSegment
		for _, result := range resp.Results {
			if !result.IsFinal || len(result.Alternatives) == 0 {
				continue
			}
			batch = append(batch, wordsToSegments(result.Alternatives[0])...)
		}
		if len(batch) > 0 {
			s.segments <- batch
		}
	}
}

// wordsToSegments groups consecutive same-speaker words into raw segments.
func wordsToSegments(alt *speechpb.SpeechRecognitionAlternative) []entities.TranscriptSegment {
	words := alt.Words
	if len(words) == 0 {
		if alt.Transcript == "" {
			return nil
		}
		return []entities.TranscriptSegment{
			entities.NewTranscriptSegment(alt.Transcript, "SPEAKER_00", false, 0, 0, entities.STTProviderGoogle),
		}
	}

	var out []entities.TranscriptSegment
	var text string
	var start, end float64
	tag := words[0].SpeakerTag

	flush := func() {
		if text == "" {
			return
		}
		speaker := fmt.Sprintf("SPEAKER_%02d", tag)
		out = append(out, entities.NewTranscriptSegment(text, speaker, false, start, end, entities.STTProviderGoogle))
		text = ""
	}

	for i, w := range words {
		ws := w.StartTime.AsDuration().Seconds()
		we := w.EndTime.AsDuration().Seconds()
		if i == 0 || w.SpeakerTag != tag {
			flush()
			tag = w.SpeakerTag
			start = ws
		}
		if text != "" {
			text += " "
		}
		text += w.Word
		end = we
	}
	flush()
	return out
}

// transcribeFileViaStream is shared by providers whose batch path reuses the
// streaming session.
func transcribeFileViaStream(ctx context.Context, provider repositories.SpeechToText, wavPath string, config repositories.AudioConfig) ([]entities.TranscriptSegment, error) {
	pcm, rate, err := readWAVForSTT(wavPath)
	if err != nil {
		return nil, err
	}
	if config.SampleRate == 0 {
		config.SampleRate = rate
	}

	stream, err := provider.OpenStream(ctx, config)
	if err != nil {
		return nil, fmt.Errorf("failed to open stream for file: %w", err)
	}

	var collected []entities.TranscriptSegment
	done := make(chan struct{})
	go func() {
		defer close(done)
		for batch := range stream.Segments() {
			collected = append(collected, batch...)
		}
	}()

	const chunk = 32 * 1024
	for off := 0; off < len(pcm); off += chunk {
		end := off + chunk
		if end > len(pcm) {
			end = len(pcm)
		}
		if err := stream.Send(pcm[off:end]); err != nil {
			stream.Stop()
			<-done
			return nil, err
		}
	}
	if err := stream.Stop(); err != nil {
		<-done
		return nil, err
	}

	select {
	case <-done:
	case <-ctx.Done():
		return nil, ctx.Err()
	}
	if err := stream.Err(); err != nil {
		return nil, err
	}
	return collected, nil
}
