package usecase

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/sonara-ai/sonara/server/domain/entities"
	"github.com/sonara-ai/sonara/server/domain/repositories"
	"github.com/sonara-ai/sonara/server/internal/config"
	"github.com/sonara-ai/sonara/server/internal/saga"
	"github.com/sonara-ai/sonara/server/internal/speaker"
)

// EventPublisher pushes egress events to a user's connected clients.
type EventPublisher interface {
	Publish(uid, event string, payload interface{})
}

// ProcessorPool hands finalization to a dedicated processor peer when one is
// connected. Delegate returns an error when no peer can take the work.
type ProcessorPool interface {
	Delegate(ctx context.Context, uid, conversationID string) error
}

// Integration is a user-enabled external hook fired with the final
// conversation object.
type Integration interface {
	Name() string
	Trigger(ctx context.Context, conversation *entities.Conversation) error
}

// How long a standalone image-only conversation stays eligible for photo
// transfer into the next audio conversation.
const photoTransferWindow = 5 * time.Minute

// ConversationService owns the conversation lifecycle: stub creation, live
// segment merging, silence-driven finalization and the processing pipeline.
type ConversationService struct {
	conversations repositories.ConversationRepository
	calendar      repositories.CalendarRepository
	kv            repositories.KeyValue
	llm           repositories.LargeLanguageModel
	geocoder      repositories.Geocoder
	resolver      *speaker.Resolver
	memories      *MemoryService
	runner        *saga.Runner
	publisher     EventPublisher
	processors    ProcessorPool
	integrations  []Integration
	cfg           config.PipelineConfig
	logger        *zap.Logger
}

// NewConversationService creates the lifecycle service. processors and
// integrations may be nil/empty.
func NewConversationService(
	conversations repositories.ConversationRepository,
	calendar repositories.CalendarRepository,
	kv repositories.KeyValue,
	llm repositories.LargeLanguageModel,
	geocoder repositories.Geocoder,
	resolver *speaker.Resolver,
	memories *MemoryService,
	runner *saga.Runner,
	publisher EventPublisher,
	processors ProcessorPool,
	integrations []Integration,
	cfg config.PipelineConfig,
	logger *zap.Logger,
) *ConversationService {
	return &ConversationService{
		conversations: conversations,
		calendar:      calendar,
		kv:            kv,
		llm:           llm,
		geocoder:      geocoder,
		resolver:      resolver,
		memories:      memories,
		runner:        runner,
		publisher:     publisher,
		processors:    processors,
		integrations:  integrations,
		cfg:           cfg,
		logger:        logger,
	}
}

func inProgressKey(uid string) string {
	return "conversation:in-progress:" + uid
}

// SilenceTimeout returns the effective silence window for a session. Clients
// may shorten the server default, never extend it.
func (s *ConversationService) SilenceTimeout(source entities.ConversationSource, requested time.Duration) time.Duration {
	base := s.cfg.SilenceTimeout(string(source))
	if requested > 0 && requested < base {
		return requested
	}
	return base
}

// StartOrResume returns the user's in-progress conversation, creating the
// stub on first speech. The stub id is cached under the uid with a CAS so two
// racing sessions converge on one conversation.
func (s *ConversationService) StartOrResume(ctx context.Context, session *entities.Session, geo *entities.Geolocation) (*entities.Conversation, error) {
	key := inProgressKey(session.UID)

	if id, ok, _ := s.kv.Get(ctx, key); ok {
		conversation, err := s.conversations.GetByID(ctx, session.UID, id)
		if err == nil {
			session.BindConversation(conversation.ID)
			return conversation, nil
		}
		if !errors.Is(err, repositories.ErrNotFound) {
			return nil, err
		}
		// Stale cache entry, fall through and create a fresh stub.
		s.kv.CompareAndSet(ctx, key, id, "")
	}

	conversation := entities.NewConversation(uuid.NewString(), session.UID, session.Source, session.Language)
	conversation.Geolocation = geo
	if err := s.transferStandalonePhotos(ctx, conversation); err != nil {
		s.logger.Warn("Photo transfer failed", zap.String("uid", session.UID), zap.Error(err))
	}
	if err := s.conversations.Create(ctx, conversation); err != nil {
		return nil, fmt.Errorf("failed to create conversation stub: %w", err)
	}

	won, err := s.kv.CompareAndSet(ctx, key, "", conversation.ID)
	if err != nil {
		return nil, err
	}
	if !won {
		// Another session created the stub first; keep theirs.
		s.conversations.Delete(ctx, session.UID, conversation.ID)
		if id, ok, _ := s.kv.Get(ctx, key); ok {
			if winner, err := s.conversations.GetByID(ctx, session.UID, id); err == nil {
				session.BindConversation(winner.ID)
				return winner, nil
			}
		}
		return nil, repositories.ErrConflict
	}

	session.BindConversation(conversation.ID)
	s.logger.Info("Conversation started",
		zap.String("uid", session.UID),
		zap.String("conversationID", conversation.ID),
		zap.String("source", string(session.Source)))
	return conversation, nil
}

// transferStandalonePhotos moves photos from a recent image-only conversation
// into the new audio conversation and discards the donor.
func (s *ConversationService) transferStandalonePhotos(ctx context.Context, conversation *entities.Conversation) error {
	open, err := s.conversations.ListByUID(ctx, conversation.UID,
		[]entities.ConversationStatus{entities.ConversationStatusInProgress}, 10)
	if err != nil {
		return err
	}
	for _, donor := range open {
		if len(donor.TranscriptSegments) > 0 || len(donor.Photos) == 0 {
			continue
		}
		if time.Since(donor.CreatedAt) > photoTransferWindow {
			continue
		}
		conversation.Photos = append(conversation.Photos, donor.Photos...)
		donor.Photos = nil
		donor.Discarded = true
		if err := donor.MarkProcessing(); err == nil {
			donor.MarkCompleted()
		}
		if err := s.conversations.Update(ctx, donor); err != nil {
			return err
		}
		s.logger.Info("Transferred standalone photos",
			zap.String("from", donor.ID),
			zap.String("to", conversation.ID),
			zap.Int("photos", len(conversation.Photos)))
		break
	}
	return nil
}

// OnTranscriptBatch merges a raw segment batch into the session's
// conversation, resolves self-introductions, persists the result, and
// publishes the updated subset to subscribers.
func (s *ConversationService) OnTranscriptBatch(ctx context.Context, session *entities.Session, batch []entities.TranscriptSegment) error {
	conversationID := session.Conversation()
	if conversationID == "" || len(batch) == 0 {
		return nil
	}
	conversation, err := s.conversations.GetByID(ctx, session.UID, conversationID)
	if err != nil {
		return fmt.Errorf("failed to load conversation for merge: %w", err)
	}

	merged, updated, removedIDs := entities.CombineSegments(conversation.TranscriptSegments, batch)

	merged, changed, err := s.resolver.ResolveIntroductions(ctx, session.UID, merged)
	if err != nil {
		s.logger.Warn("Speaker resolution failed", zap.Error(err))
	}
	if changed {
		updated = merged
	}

	if err := s.conversations.UpsertSegments(ctx, session.UID, conversation.ID, merged, removedIDs); err != nil {
		return fmt.Errorf("failed to persist merged segments: %w", err)
	}

	session.TouchSegment(time.Now().UTC())
	if s.publisher != nil && len(updated) > 0 {
		s.publisher.Publish(session.UID, "transcript_segments", map[string]interface{}{
			"conversation_id": conversation.ID,
			"segments":        updated,
		})
	}
	return nil
}

// AddPhoto stores a device photo on the current conversation, or on a fresh
// image-only stub when no audio session is active.
func (s *ConversationService) AddPhoto(ctx context.Context, uid, path string) error {
	photo := entities.Photo{Path: path, CapturedAt: time.Now().UTC()}

	if id, ok, _ := s.kv.Get(ctx, inProgressKey(uid)); ok {
		conversation, err := s.conversations.GetByID(ctx, uid, id)
		if err == nil {
			conversation.Photos = append(conversation.Photos, photo)
			if err := s.conversations.Update(ctx, conversation); err != nil {
				return err
			}
			s.publishImageCleared(uid, conversation.ID)
			return nil
		}
		if !errors.Is(err, repositories.ErrNotFound) {
			return err
		}
	}

	stub := entities.NewConversation(uuid.NewString(), uid, entities.SourceDevice, "")
	stub.Photos = []entities.Photo{photo}
	if err := s.conversations.Create(ctx, stub); err != nil {
		return fmt.Errorf("failed to create image-only conversation: %w", err)
	}
	s.publishImageCleared(uid, stub.ID)
	return nil
}

func (s *ConversationService) publishImageCleared(uid, conversationID string) {
	if s.publisher != nil {
		s.publisher.Publish(uid, "image_cleared", map[string]interface{}{
			"conversation_id": conversationID,
		})
	}
}

// Finalize ends the user's in-progress conversation: empty ones are pruned,
// the rest are delegated to a processor peer or processed in-process.
func (s *ConversationService) Finalize(ctx context.Context, uid, conversationID string) error {
	s.kv.CompareAndSet(ctx, inProgressKey(uid), conversationID, "")

	conversation, err := s.conversations.GetByID(ctx, uid, conversationID)
	if err != nil {
		if errors.Is(err, repositories.ErrNotFound) {
			return nil
		}
		return err
	}
	if conversation.Status != entities.ConversationStatusInProgress {
		return nil
	}

	if conversation.IsEmpty() {
		s.logger.Info("Pruning empty conversation", zap.String("conversationID", conversationID))
		return s.conversations.Delete(ctx, uid, conversationID)
	}

	if s.processors != nil {
		if err := s.processors.Delegate(ctx, uid, conversationID); err == nil {
			s.logger.Info("Delegated finalization to processor peer",
				zap.String("conversationID", conversationID))
			return nil
		} else {
			s.logger.Debug("No processor peer available, processing in-process", zap.Error(err))
		}
	}

	return s.Process(ctx, conversation)
}

// Process runs the finalization pipeline on a fetched conversation.
func (s *ConversationService) Process(ctx context.Context, conversation *entities.Conversation) error {
	if err := conversation.MarkProcessing(); err != nil {
		return err
	}
	if err := s.conversations.Update(ctx, conversation); err != nil {
		return fmt.Errorf("failed to mark conversation processing: %w", err)
	}
	if s.publisher != nil {
		s.publisher.Publish(conversation.UID, "memory_processing_started", map[string]interface{}{
			"conversation_id": conversation.ID,
		})
	}

	steps := []saga.Step{
		{
			Name: "enrich",
			Execute: func(ctx context.Context) error {
				s.enrich(ctx, conversation)
				return nil
			},
		},
		{
			Name: "structure",
			Execute: func(ctx context.Context) error {
				structured, discarded, err := s.llm.StructureConversation(ctx, conversation.Transcript(false), conversation.Language)
				if err != nil {
					// A broken conversation is worse than a discarded one.
					s.logger.Error("Structuring failed, discarding conversation",
						zap.String("conversationID", conversation.ID),
						zap.Error(err))
					conversation.Discarded = true
					return nil
				}
				conversation.Structured = structured
				conversation.Discarded = discarded
				return nil
			},
		},
		{
			Name: "complete",
			Execute: func(ctx context.Context) error {
				if err := conversation.MarkCompleted(); err != nil {
					return err
				}
				return s.conversations.Update(ctx, conversation)
			},
		},
	}

	if err := s.runner.Run(ctx, "finalize:"+conversation.ID, steps); err != nil {
		conversation.MarkFailed()
		if updateErr := s.conversations.Update(ctx, conversation); updateErr != nil {
			s.logger.Error("Failed to persist failed state", zap.Error(updateErr))
		}
		return err
	}

	go s.extractMemories(conversation)
	s.fireIntegrations(ctx, conversation)
	return nil
}

func (s *ConversationService) extractMemories(conversation *entities.Conversation) {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Minute)
	defer cancel()

	created, err := s.memories.ExtractFromConversation(ctx, conversation)
	if err != nil {
		s.logger.Error("Memory extraction failed",
			zap.String("conversationID", conversation.ID),
			zap.Error(err))
	}
	if s.publisher != nil {
		s.publisher.Publish(conversation.UID, "memory_created", map[string]interface{}{
			"conversation_id":  conversation.ID,
			"memories_created": created,
			"conversation":     conversation,
		})
	}
}

func (s *ConversationService) fireIntegrations(ctx context.Context, conversation *entities.Conversation) {
	for _, integration := range s.integrations {
		if err := integration.Trigger(ctx, conversation); err != nil {
			s.logger.Warn("Integration failed",
				zap.String("integration", integration.Name()),
				zap.String("conversationID", conversation.ID),
				zap.Error(err))
		}
	}
}

// enrich fills optional metadata: reverse-geocoded address and a linked
// calendar event. Both are best effort.
func (s *ConversationService) enrich(ctx context.Context, conversation *entities.Conversation) {
	if s.geocoder != nil && conversation.Geolocation != nil && conversation.Geolocation.Address == "" {
		address, err := s.geocoder.ReverseGeocode(ctx, conversation.Geolocation.Latitude, conversation.Geolocation.Longitude)
		if err != nil {
			s.logger.Warn("Reverse geocoding failed", zap.Error(err))
		} else {
			conversation.Geolocation.Address = address
		}
	}

	if s.calendar == nil || conversation.FinishedAt == nil {
		return
	}
	from := conversation.StartedAt.Add(-30 * time.Minute)
	to := conversation.FinishedAt.Add(30 * time.Minute)
	events, err := s.calendar.ListWindow(ctx, conversation.UID, from, to)
	if err != nil {
		s.logger.Warn("Calendar lookup failed", zap.Error(err))
		return
	}

	var best *repositories.CalendarEvent
	bestOverlap := 0.0
	for i := range events {
		overlap := overlapSeconds(conversation.StartedAt, *conversation.FinishedAt, events[i].StartsAt, events[i].EndsAt)
		if overlap <= 0 {
			continue
		}
		// An event qualifies on absolute overlap or on covering enough of
		// the event itself, so short meetings inside long recordings link.
		eventDuration := events[i].EndsAt.Sub(events[i].StartsAt).Seconds()
		if overlap < s.cfg.CalendarOverlapMin.Seconds() &&
			(eventDuration <= 0 || overlap/eventDuration < s.cfg.CalendarOverlapMinPct) {
			continue
		}
		if overlap > bestOverlap {
			bestOverlap = overlap
			best = &events[i]
		}
	}
	if best == nil {
		return
	}
	conversation.CalendarEventLink = &entities.CalendarEventLink{
		EventID:        best.ID,
		Title:          best.Title,
		OverlapSeconds: bestOverlap,
	}
}

func overlapSeconds(aStart, aEnd, bStart, bEnd time.Time) float64 {
	start := aStart
	if bStart.After(start) {
		start = bStart
	}
	end := aEnd
	if bEnd.Before(end) {
		end = bEnd
	}
	if !end.After(start) {
		return 0
	}
	return end.Sub(start).Seconds()
}

// GetConversation fetches one conversation for the REST surface.
func (s *ConversationService) GetConversation(ctx context.Context, uid, id string) (*entities.Conversation, error) {
	return s.conversations.GetByID(ctx, uid, id)
}

// ListConversations lists a user's conversations, newest first.
func (s *ConversationService) ListConversations(ctx context.Context, uid string, statuses []entities.ConversationStatus, limit int) ([]*entities.Conversation, error) {
	return s.conversations.ListByUID(ctx, uid, statuses, limit)
}

// DeleteConversation removes a conversation.
func (s *ConversationService) DeleteConversation(ctx context.Context, uid, id string) error {
	return s.conversations.Delete(ctx, uid, id)
}
