package repositories

import "context"

// VoiceEmbedder extracts speaker embeddings from audio. Used only in
// post-processing, where the finalized WAV exists.
type VoiceEmbedder interface {
	// EmbedSegment embeds the [start, end] span of a WAV file.
	EmbedSegment(ctx context.Context, wavPath string, start, end float64) ([]float32, error)
	// EmbedProfile embeds a set of enrollment samples into one profile vector.
	EmbedProfile(ctx context.Context, samplePaths []string) ([]float32, error)
}
