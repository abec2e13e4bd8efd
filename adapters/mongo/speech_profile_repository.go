package mongo

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
	"go.uber.org/zap"

	"github.com/sonara-ai/sonara/server/domain/repositories"
)

// SpeechProfileRepository implements repositories.SpeechProfileRepository.
type SpeechProfileRepository struct {
	collection *mongo.Collection
	logger     *zap.Logger
}

// NewSpeechProfileRepository creates the MongoDB speech profile repository.
func NewSpeechProfileRepository(db *mongo.Database, logger *zap.Logger) repositories.SpeechProfileRepository {
	return &SpeechProfileRepository{
		collection: db.Collection("speech_profiles"),
		logger:     logger,
	}
}

func (r *SpeechProfileRepository) Get(ctx context.Context, uid string) (*repositories.SpeechProfile, error) {
	var profile repositories.SpeechProfile
	err := r.collection.FindOne(ctx, bson.M{"_id": uid}).Decode(&profile)
	if err != nil {
		if errors.Is(err, mongo.ErrNoDocuments) {
			return nil, repositories.ErrNotFound
		}
		return nil, fmt.Errorf("failed to get speech profile: %w", err)
	}
	return &profile, nil
}

func (r *SpeechProfileRepository) Put(ctx context.Context, profile *repositories.SpeechProfile) error {
	if profile.UID == "" {
		return fmt.Errorf("speech profile uid is required")
	}
	profile.UpdatedAt = time.Now().UTC()
	opts := options.Replace().SetUpsert(true)
	if _, err := r.collection.ReplaceOne(ctx, bson.M{"_id": profile.UID}, profile, opts); err != nil {
		return fmt.Errorf("failed to put speech profile: %w", err)
	}
	return nil
}
