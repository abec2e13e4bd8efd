package repositories

import "context"

// SpeechInterval is one detected span of speech within a recording.
type SpeechInterval struct {
	Start float64 `json:"start"`
	End   float64 `json:"end"`
}

// VoiceActivityDetector covers both VAD uses: real-time frame gating and
// batch extraction over a whole file.
type VoiceActivityDetector interface {
	// IsSpeech classifies one PCM frame. Implementations keep a small
	// internal state buffer and must be cheap enough for the hot path.
	IsSpeech(frame []byte, sampleRate int) bool
	// SpeechIntervals returns the speech spans of a WAV file. Results are
	// cached by file path.
	SpeechIntervals(ctx context.Context, wavPath string) ([]SpeechInterval, error)
}
