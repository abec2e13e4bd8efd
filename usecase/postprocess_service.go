package usecase

import (
	"context"
	"errors"
	"fmt"

	"go.uber.org/zap"

	"github.com/sonara-ai/sonara/server/adapters/vad"
	"github.com/sonara-ai/sonara/server/domain/entities"
	"github.com/sonara-ai/sonara/server/domain/repositories"
	"github.com/sonara-ai/sonara/server/internal/audio"
	"github.com/sonara-ai/sonara/server/internal/config"
	"github.com/sonara-ai/sonara/server/internal/speaker"
)

// Fraction of the original transcript the re-transcription must reach, and
// the growth that triggers memory re-extraction.
const (
	postprocessMinCharRatio = 0.85
	reextractGrowthRatio    = 1.20
)

// ErrPostprocessRunning is returned when another upload already holds the
// per-conversation lock.
var ErrPostprocessRunning = errors.New("post-processing already in progress")

// PostprocessService re-transcribes a completed conversation from an uploaded
// WAV with the higher-quality offline model and re-resolves speakers.
type PostprocessService struct {
	conversations repositories.ConversationRepository
	profiles      repositories.SpeechProfileRepository
	stt           repositories.SpeechToText
	detector      repositories.VoiceActivityDetector
	voices        repositories.VoiceEmbedder
	resolver      *speaker.Resolver
	memories      *MemoryService
	cfg           config.PipelineConfig
	logger        *zap.Logger
}

// NewPostprocessService creates the post-processing service. voices may be
// nil when no embedding endpoint is configured.
func NewPostprocessService(
	conversations repositories.ConversationRepository,
	profiles repositories.SpeechProfileRepository,
	stt repositories.SpeechToText,
	detector repositories.VoiceActivityDetector,
	voices repositories.VoiceEmbedder,
	resolver *speaker.Resolver,
	memories *MemoryService,
	cfg config.PipelineConfig,
	logger *zap.Logger,
) *PostprocessService {
	return &PostprocessService{
		conversations: conversations,
		profiles:      profiles,
		stt:           stt,
		detector:      detector,
		voices:        voices,
		resolver:      resolver,
		memories:      memories,
		cfg:           cfg,
		logger:        logger,
	}
}

// Run executes the post-processing pass. It cancels itself on audio shorter
// than the minimum or a re-transcription that loses too much text; genuine
// failures mark the pass failed and release the lock either way.
func (s *PostprocessService) Run(ctx context.Context, uid, conversationID, wavPath string) error {
	conversation, err := s.conversations.GetByID(ctx, uid, conversationID)
	if err != nil {
		return err
	}
	if conversation.Status != entities.ConversationStatusCompleted {
		return fmt.Errorf("conversation %s is not completed", conversationID)
	}

	if err := s.acquire(ctx, uid, conversationID, conversation.PostprocessingStatus); err != nil {
		return err
	}

	outcome, err := s.run(ctx, conversation, wavPath)
	if finishErr := s.conversations.SetPostprocessing(ctx, uid, conversationID,
		entities.PostprocessingInProgress, outcome); finishErr != nil {
		s.logger.Error("Failed to release post-processing lock",
			zap.String("conversationID", conversationID),
			zap.Error(finishErr))
	}
	return err
}

// acquire takes the per-conversation lock via a status compare-and-set.
// Terminal states may be retried; in_progress may not.
func (s *PostprocessService) acquire(ctx context.Context, uid, conversationID string, current entities.PostprocessingStatus) error {
	if current == entities.PostprocessingInProgress {
		return ErrPostprocessRunning
	}
	err := s.conversations.SetPostprocessing(ctx, uid, conversationID, current, entities.PostprocessingInProgress)
	if errors.Is(err, repositories.ErrConflict) {
		return ErrPostprocessRunning
	}
	return err
}

func (s *PostprocessService) run(ctx context.Context, conversation *entities.Conversation, wavPath string) (entities.PostprocessingStatus, error) {
	pcm, sampleRate, err := audio.ReadWAV(wavPath)
	if err != nil {
		return entities.PostprocessingFailed, fmt.Errorf("failed to read uploaded wav: %w", err)
	}
	duration := audio.DurationSeconds(len(pcm), sampleRate)
	if duration < s.cfg.PostprocessMinDuration.Seconds() {
		s.logger.Info("Post-processing canceled, audio too short",
			zap.String("conversationID", conversation.ID),
			zap.Float64("duration", duration))
		return entities.PostprocessingCanceled, nil
	}

	intervals, err := s.detector.SpeechIntervals(ctx, wavPath)
	if err != nil && !errors.Is(err, vad.ErrNoSpeech) {
		return entities.PostprocessingFailed, fmt.Errorf("vad failed: %w", err)
	}
	if len(intervals) == 0 {
		s.logger.Info("Post-processing canceled, no speech in upload",
			zap.String("conversationID", conversation.ID))
		return entities.PostprocessingCanceled, nil
	}

	segments, err := s.stt.TranscribeFile(ctx, wavPath, repositories.AudioConfig{
		SampleRate: sampleRate,
		Channels:   1,
		Language:   conversation.Language,
	})
	if err != nil {
		return entities.PostprocessingFailed, fmt.Errorf("re-transcription failed: %w", err)
	}

	originalChars := conversation.TranscriptChars()
	merged, _, _ := entities.CombineSegments(nil, segments)
	newChars := 0
	for _, segment := range merged {
		newChars += len(segment.Text)
	}
	if originalChars > 0 && float64(newChars) < postprocessMinCharRatio*float64(originalChars) {
		s.logger.Info("Post-processing canceled, transcript regressed",
			zap.String("conversationID", conversation.ID),
			zap.Int("originalChars", originalChars),
			zap.Int("newChars", newChars))
		return entities.PostprocessingCanceled, nil
	}

	merged, _, err = s.resolver.ResolveIntroductions(ctx, conversation.UID, merged)
	if err != nil {
		s.logger.Warn("Speaker resolution failed in post-processing", zap.Error(err))
	}
	merged = s.matchVoices(ctx, conversation.UID, wavPath, merged)

	removedIDs := make([]string, 0, len(conversation.TranscriptSegments))
	for _, old := range conversation.TranscriptSegments {
		removedIDs = append(removedIDs, old.ID)
	}
	if err := s.conversations.UpsertSegments(ctx, conversation.UID, conversation.ID, merged, removedIDs); err != nil {
		return entities.PostprocessingFailed, fmt.Errorf("failed to persist re-transcription: %w", err)
	}
	conversation.TranscriptSegments = merged

	if originalChars > 0 && float64(newChars) >= reextractGrowthRatio*float64(originalChars) {
		conversation.KGExtracted = false
		if _, err := s.memories.ExtractFromConversation(ctx, conversation); err != nil {
			s.logger.Error("Memory re-extraction failed",
				zap.String("conversationID", conversation.ID),
				zap.Error(err))
		}
	} else if err := s.conversations.Update(ctx, conversation); err != nil {
		return entities.PostprocessingFailed, err
	}

	s.logger.Info("Post-processing completed",
		zap.String("conversationID", conversation.ID),
		zap.Int("segments", len(merged)),
		zap.Int("chars", newChars))
	return entities.PostprocessingCompleted, nil
}

// matchVoices runs the embedding pass over the re-transcribed segments when a
// voice embedding endpoint is configured.
func (s *PostprocessService) matchVoices(ctx context.Context, uid, wavPath string, segments []entities.TranscriptSegment) []entities.TranscriptSegment {
	if s.voices == nil {
		return segments
	}

	profile := s.userProfile(ctx, uid)
	embeddings := make([][]float32, len(segments))
	for i, segment := range segments {
		vector, err := s.voices.EmbedSegment(ctx, wavPath, segment.Start, segment.End)
		if err != nil {
			s.logger.Debug("Segment embedding failed",
				zap.Int("segment", i),
				zap.Error(err))
			continue
		}
		embeddings[i] = vector
	}

	matched, err := s.resolver.MatchEmbeddings(ctx, uid, segments, embeddings, profile)
	if err != nil {
		s.logger.Warn("Voice matching failed", zap.Error(err))
		return segments
	}
	for i := range matched {
		if embeddings[i] != nil {
			matched[i].SpeechProfileProcessed = true
		}
	}
	return matched
}

// userProfile returns the user's enrollment embedding, computing and caching
// it lazily from the stored samples.
func (s *PostprocessService) userProfile(ctx context.Context, uid string) []float32 {
	profile, err := s.profiles.Get(ctx, uid)
	if err != nil {
		if !errors.Is(err, repositories.ErrNotFound) {
			s.logger.Warn("Failed to load speech profile", zap.Error(err))
		}
		return nil
	}
	if len(profile.Embedding) > 0 {
		return profile.Embedding
	}
	if len(profile.SamplePaths) == 0 {
		return nil
	}

	embedding, err := s.voices.EmbedProfile(ctx, profile.SamplePaths)
	if err != nil {
		s.logger.Warn("Failed to embed speech profile", zap.Error(err))
		return nil
	}
	profile.Embedding = embedding
	if err := s.profiles.Put(ctx, profile); err != nil {
		s.logger.Warn("Failed to cache speech profile embedding", zap.Error(err))
	}
	return embedding
}
