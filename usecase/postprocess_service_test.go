package usecase

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"go.uber.org/zap"

	"github.com/sonara-ai/sonara/server/domain/entities"
	"github.com/sonara-ai/sonara/server/domain/repositories"
	"github.com/sonara-ai/sonara/server/internal/audio"
	"github.com/sonara-ai/sonara/server/internal/speaker"
)

type stubDetector struct {
	intervals []repositories.SpeechInterval
	err       error
}

func (d *stubDetector) IsSpeech(frame []byte, sampleRate int) bool { return true }

func (d *stubDetector) SpeechIntervals(ctx context.Context, wavPath string) ([]repositories.SpeechInterval, error) {
	return d.intervals, d.err
}

type stubSTT struct {
	segments []entities.TranscriptSegment
	err      error
}

func (s *stubSTT) Provider() entities.STTProvider { return entities.STTProviderOffline }

func (s *stubSTT) OpenStream(ctx context.Context, config repositories.AudioConfig) (repositories.SpeechStream, error) {
	return nil, errors.New("streaming not supported")
}

func (s *stubSTT) TranscribeFile(ctx context.Context, wavPath string, config repositories.AudioConfig) ([]entities.TranscriptSegment, error) {
	return s.segments, s.err
}

type stubProfileRepo struct {
	profile *repositories.SpeechProfile
}

func (r *stubProfileRepo) Get(ctx context.Context, uid string) (*repositories.SpeechProfile, error) {
	if r.profile == nil {
		return nil, repositories.ErrNotFound
	}
	return r.profile, nil
}

func (r *stubProfileRepo) Put(ctx context.Context, profile *repositories.SpeechProfile) error {
	r.profile = profile
	return nil
}

type postprocessEnv struct {
	*testEnv
	stt      *stubSTT
	detector *stubDetector
	service  *PostprocessService
}

func newPostprocessEnv() *postprocessEnv {
	base := newTestEnv()
	logger := zap.NewNop()
	stt := &stubSTT{}
	detector := &stubDetector{intervals: []repositories.SpeechInterval{{Start: 0, End: 5}}}
	resolver := speaker.NewResolver(base.people, base.llm, base.cfg.SpeakerMatchThreshold, logger)
	return &postprocessEnv{
		testEnv:  base,
		stt:      stt,
		detector: detector,
		service: NewPostprocessService(
			base.conversations, &stubProfileRepo{}, stt, detector, nil,
			resolver, base.memories, base.cfg, logger),
	}
}

// wavFixture writes a silent mono 16k WAV of the given duration.
func wavFixture(t *testing.T, seconds float64) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "upload.wav")
	pcm := make([]byte, int(seconds*16000)*2)
	if err := audio.WriteWAV(path, pcm, 16000); err != nil {
		t.Fatal(err)
	}
	return path
}

func storedCompleted(t *testing.T, env *postprocessEnv, texts ...string) *entities.Conversation {
	t.Helper()
	c := entities.NewConversation("conv-1", "user-1", entities.SourceDevice, "en-US")
	c.TranscriptSegments = batchOf(texts...)
	c.Status = entities.ConversationStatusCompleted
	c.PostprocessingStatus = entities.PostprocessingNotStarted
	if err := env.conversations.Create(context.Background(), c); err != nil {
		t.Fatal(err)
	}
	return c
}

func TestPostprocessCancelsOnShortAudio(t *testing.T) {
	env := newPostprocessEnv()
	storedCompleted(t, env, "Original transcript text here.")
	path := wavFixture(t, 3)

	if err := env.service.Run(context.Background(), "user-1", "conv-1", path); err != nil {
		t.Fatal(err)
	}
	stored := env.conversations.get("conv-1")
	if stored.PostprocessingStatus != entities.PostprocessingCanceled {
		t.Errorf("status = %q, want canceled", stored.PostprocessingStatus)
	}
	if stored.TranscriptSegments[0].Text != "Original transcript text here." {
		t.Error("canceled pass must not touch the transcript")
	}
}

func TestPostprocessCancelsWhenNoSpeech(t *testing.T) {
	env := newPostprocessEnv()
	env.detector.intervals = nil
	storedCompleted(t, env, "Original transcript text here.")
	path := wavFixture(t, 30)

	if err := env.service.Run(context.Background(), "user-1", "conv-1", path); err != nil {
		t.Fatal(err)
	}
	if got := env.conversations.get("conv-1").PostprocessingStatus; got != entities.PostprocessingCanceled {
		t.Errorf("status = %q, want canceled", got)
	}
}

func TestPostprocessCancelsOnTranscriptRegression(t *testing.T) {
	env := newPostprocessEnv()
	storedCompleted(t, env, "A fairly long original transcript with plenty of characters to compare against.")
	env.stt.segments = batchOf("Tiny.")
	path := wavFixture(t, 30)

	if err := env.service.Run(context.Background(), "user-1", "conv-1", path); err != nil {
		t.Fatal(err)
	}
	stored := env.conversations.get("conv-1")
	if stored.PostprocessingStatus != entities.PostprocessingCanceled {
		t.Errorf("status = %q, want canceled", stored.PostprocessingStatus)
	}
	if len(stored.TranscriptSegments) != 1 || stored.TranscriptSegments[0].Text == "Tiny." {
		t.Error("regressed transcript must not replace the original")
	}
}

func TestPostprocessReplacesTranscript(t *testing.T) {
	env := newPostprocessEnv()
	original := storedCompleted(t, env, "The original rough transcript of it.")
	env.stt.segments = batchOf("The original rough transcript of it, neat.")
	path := wavFixture(t, 30)

	if err := env.service.Run(context.Background(), "user-1", "conv-1", path); err != nil {
		t.Fatal(err)
	}
	stored := env.conversations.get("conv-1")
	if stored.PostprocessingStatus != entities.PostprocessingCompleted {
		t.Fatalf("status = %q, want completed", stored.PostprocessingStatus)
	}
	if len(stored.TranscriptSegments) != 1 ||
		stored.TranscriptSegments[0].Text != "The original rough transcript of it, neat." {
		t.Errorf("transcript not replaced: %+v", stored.TranscriptSegments)
	}
	if stored.TranscriptSegments[0].ID == original.TranscriptSegments[0].ID {
		t.Error("re-transcribed segments carry fresh ids")
	}
}

func TestPostprocessReextractsOnLargeGrowth(t *testing.T) {
	env := newPostprocessEnv()
	storedCompleted(t, env, "Short one.")
	env.stt.segments = batchOf("Short one, now with a great deal of additional recovered speech about the trip to Lisbon.")
	env.llm.candidates = []repositories.MemoryCandidate{
		{Content: "Planning a trip to Lisbon", Category: "system"},
	}
	path := wavFixture(t, 30)

	if err := env.service.Run(context.Background(), "user-1", "conv-1", path); err != nil {
		t.Fatal(err)
	}
	stored := env.conversations.get("conv-1")
	if stored.PostprocessingStatus != entities.PostprocessingCompleted {
		t.Fatalf("status = %q, want completed", stored.PostprocessingStatus)
	}
	if env.memoryRepo.count() != 1 {
		t.Errorf("grown transcript must trigger re-extraction, got %d memories", env.memoryRepo.count())
	}
	if !stored.KGExtracted {
		t.Error("re-extraction must leave the conversation marked extracted")
	}
}

func TestPostprocessSkipsReextractionOnModestGrowth(t *testing.T) {
	env := newPostprocessEnv()
	storedCompleted(t, env, "The original transcript, pretty much right.")
	env.stt.segments = batchOf("The original transcript, pretty much right too.")
	env.llm.candidates = []repositories.MemoryCandidate{
		{Content: "Should not be extracted", Category: "system"},
	}
	path := wavFixture(t, 30)

	if err := env.service.Run(context.Background(), "user-1", "conv-1", path); err != nil {
		t.Fatal(err)
	}
	if env.memoryRepo.count() != 0 {
		t.Errorf("modest growth must not re-extract, got %d memories", env.memoryRepo.count())
	}
}

func TestPostprocessRejectsConcurrentRun(t *testing.T) {
	env := newPostprocessEnv()
	c := storedCompleted(t, env, "Some transcript.")
	c.PostprocessingStatus = entities.PostprocessingInProgress
	env.conversations.Update(context.Background(), c)
	path := wavFixture(t, 30)

	err := env.service.Run(context.Background(), "user-1", "conv-1", path)
	if !errors.Is(err, ErrPostprocessRunning) {
		t.Errorf("expected ErrPostprocessRunning, got %v", err)
	}
}

func TestPostprocessRequiresCompletedConversation(t *testing.T) {
	env := newPostprocessEnv()
	c := entities.NewConversation("conv-1", "user-1", entities.SourceDevice, "en-US")
	env.conversations.Create(context.Background(), c)
	path := wavFixture(t, 30)

	if err := env.service.Run(context.Background(), "user-1", "conv-1", path); err == nil {
		t.Error("in-progress conversations must not be post-processed")
	}
}

func TestPostprocessTerminalStatesAreRetryable(t *testing.T) {
	env := newPostprocessEnv()
	c := storedCompleted(t, env, "The original rough transcript of it.")
	c.PostprocessingStatus = entities.PostprocessingCanceled
	env.conversations.Update(context.Background(), c)
	env.stt.segments = batchOf("The original rough transcript of it, again.")
	path := wavFixture(t, 30)

	if err := env.service.Run(context.Background(), "user-1", "conv-1", path); err != nil {
		t.Fatal(err)
	}
	if got := env.conversations.get("conv-1").PostprocessingStatus; got != entities.PostprocessingCompleted {
		t.Errorf("status = %q, want completed after retry", got)
	}
}

func TestPostprocessFailsOnUnreadableUpload(t *testing.T) {
	env := newPostprocessEnv()
	storedCompleted(t, env, "Some transcript.")

	err := env.service.Run(context.Background(), "user-1", "conv-1", filepath.Join(t.TempDir(), "missing.wav"))
	if err == nil {
		t.Fatal("missing upload must fail")
	}
	if got := env.conversations.get("conv-1").PostprocessingStatus; got != entities.PostprocessingFailed {
		t.Errorf("status = %q, want failed", got)
	}
}

func TestOverlapSeconds(t *testing.T) {
	base := time.Date(2026, 8, 28, 12, 0, 0, 0, time.UTC)
	tests := []struct {
		name                       string
		aStart, aEnd, bStart, bEnd time.Time
		want                       float64
	}{
		{"full containment", base, base.Add(10 * time.Minute), base.Add(-time.Hour), base.Add(time.Hour), 600},
		{"partial", base, base.Add(10 * time.Minute), base.Add(5 * time.Minute), base.Add(time.Hour), 300},
		{"disjoint", base, base.Add(10 * time.Minute), base.Add(time.Hour), base.Add(2 * time.Hour), 0},
		{"touching", base, base.Add(10 * time.Minute), base.Add(10 * time.Minute), base.Add(time.Hour), 0},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := overlapSeconds(tt.aStart, tt.aEnd, tt.bStart, tt.bEnd); got != tt.want {
				t.Errorf("overlapSeconds = %f, want %f", got, tt.want)
			}
		})
	}
}
