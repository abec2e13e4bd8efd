package mongo

import (
	"context"
	"errors"
	"fmt"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
	"go.uber.org/zap"

	"github.com/sonara-ai/sonara/server/domain/entities"
	"github.com/sonara-ai/sonara/server/domain/repositories"
)

// ConversationRepository implements repositories.ConversationRepository.
type ConversationRepository struct {
	collection *mongo.Collection
	logger     *zap.Logger
}

// NewConversationRepository creates the MongoDB conversation repository.
func NewConversationRepository(db *mongo.Database, logger *zap.Logger) repositories.ConversationRepository {
	return &ConversationRepository{
		collection: db.Collection("conversations"),
		logger:     logger,
	}
}

func (r *ConversationRepository) Create(ctx context.Context, conversation *entities.Conversation) error {
	if err := conversation.Validate(); err != nil {
		return fmt.Errorf("invalid conversation: %w", err)
	}
	if _, err := r.collection.InsertOne(ctx, conversation); err != nil {
		if mongo.IsDuplicateKeyError(err) {
			return repositories.ErrConflict
		}
		return fmt.Errorf("failed to create conversation: %w", err)
	}
	return nil
}

func (r *ConversationRepository) GetByID(ctx context.Context, uid, id string) (*entities.Conversation, error) {
	var conversation entities.Conversation
	err := r.collection.FindOne(ctx, bson.M{"_id": id, "uid": uid}).Decode(&conversation)
	if err != nil {
		if errors.Is(err, mongo.ErrNoDocuments) {
			return nil, repositories.ErrNotFound
		}
		return nil, fmt.Errorf("failed to get conversation %s: %w", id, err)
	}
	return &conversation, nil
}

// ListByUID returns conversations newest first. Records that fail to decode
// are skipped and logged; one bad document never fails the listing.
func (r *ConversationRepository) ListByUID(ctx context.Context, uid string, statuses []entities.ConversationStatus, limit int) ([]*entities.Conversation, error) {
	if limit <= 0 {
		limit = 50
	}
	filter := bson.M{"uid": uid}
	if len(statuses) > 0 {
		filter["status"] = bson.M{"$in": statuses}
	}
	opts := options.Find().
		SetSort(bson.M{"created_at": -1}).
		SetLimit(int64(limit))

	cursor, err := r.collection.Find(ctx, filter, opts)
	if err != nil {
		return nil, fmt.Errorf("failed to list conversations: %w", err)
	}
	defer cursor.Close(ctx)

	var out []*entities.Conversation
	for cursor.Next(ctx) {
		var conversation entities.Conversation
		if err := cursor.Decode(&conversation); err != nil {
			r.logger.Warn("Skipping undecodable conversation",
				zap.String("uid", uid),
				zap.Error(err))
			continue
		}
		out = append(out, &conversation)
	}
	if err := cursor.Err(); err != nil {
		return nil, fmt.Errorf("conversation cursor failed: %w", err)
	}
	return out, nil
}

func (r *ConversationRepository) Update(ctx context.Context, conversation *entities.Conversation) error {
	if err := conversation.Validate(); err != nil {
		return fmt.Errorf("invalid conversation: %w", err)
	}
	result, err := r.collection.ReplaceOne(ctx,
		bson.M{"_id": conversation.ID, "uid": conversation.UID},
		conversation,
	)
	if err != nil {
		return fmt.Errorf("failed to update conversation: %w", err)
	}
	if result.MatchedCount == 0 {
		return repositories.ErrNotFound
	}
	return nil
}

func (r *ConversationRepository) Delete(ctx context.Context, uid, id string) error {
	result, err := r.collection.DeleteOne(ctx, bson.M{"_id": id, "uid": uid})
	if err != nil {
		return fmt.Errorf("failed to delete conversation: %w", err)
	}
	if result.DeletedCount == 0 {
		return repositories.ErrNotFound
	}
	return nil
}

// UpsertSegments replaces the whole transcript_segments list in one write so
// concurrent merges cannot interleave partial states.
func (r *ConversationRepository) UpsertSegments(ctx context.Context, uid, id string, segments []entities.TranscriptSegment, removedIDs []string) error {
	update := bson.M{
		"$set": bson.M{"transcript_segments": segments},
	}
	result, err := r.collection.UpdateOne(ctx, bson.M{"_id": id, "uid": uid}, update)
	if err != nil {
		return fmt.Errorf("failed to upsert segments: %w", err)
	}
	if result.MatchedCount == 0 {
		return repositories.ErrNotFound
	}
	return nil
}

// SetPostprocessing is the per-conversation re-transcription lock: the update
// only applies when the current status matches.
func (r *ConversationRepository) SetPostprocessing(ctx context.Context, uid, id string, from, to entities.PostprocessingStatus) error {
	filter := bson.M{"_id": id, "uid": uid, "postprocessing_status": from}
	update := bson.M{"$set": bson.M{"postprocessing_status": to}}
	result, err := r.collection.UpdateOne(ctx, filter, update)
	if err != nil {
		return fmt.Errorf("failed to set postprocessing status: %w", err)
	}
	if result.MatchedCount == 0 {
		return repositories.ErrConflict
	}
	return nil
}
