package repositories

import (
	"context"

	"github.com/sonara-ai/sonara/server/domain/entities"
)

// AudioConfig describes the PCM stream handed to a transcription session.
type AudioConfig struct {
	SampleRate int    `json:"sample_rate"`
	Channels   int    `json:"channels"`
	Language   string `json:"language"`
}

// SpeechToText abstracts streaming speech recognition providers.
type SpeechToText interface {
	// Provider identifies the backend so segments can be stamped.
	Provider() entities.STTProvider
	// OpenStream starts a duplex transcription session. Raw segment batches
	// arrive on the returned session's Segments channel.
	OpenStream(ctx context.Context, config AudioConfig) (SpeechStream, error)
	// TranscribeFile runs a non-streaming pass over a whole recording, used by
	// the post-processing path.
	TranscribeFile(ctx context.Context, wavPath string, config AudioConfig) ([]entities.TranscriptSegment, error)
}

// SpeechStream is one live transcription session.
type SpeechStream interface {
	// Send forwards decoded PCM bytes to the provider.
	Send(data []byte) error
	// Segments yields raw transcript batches as the provider emits them.
	// The channel closes once the stream is drained after Stop.
	Segments() <-chan []entities.TranscriptSegment
	// Stop closes the send side, drains the provider stream, and releases
	// provider resources within a bounded time.
	Stop() error
	// Err reports the terminal stream error, if any, after Segments closes.
	Err() error
}
