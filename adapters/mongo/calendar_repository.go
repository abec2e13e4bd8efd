package mongo

import (
	"context"
	"fmt"
	"time"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
	"go.uber.org/zap"

	"github.com/sonara-ai/sonara/server/domain/repositories"
)

// CalendarRepository reads calendar events synced by the mobile client.
type CalendarRepository struct {
	collection *mongo.Collection
	logger     *zap.Logger
}

// NewCalendarRepository creates the MongoDB calendar repository.
func NewCalendarRepository(db *mongo.Database, logger *zap.Logger) repositories.CalendarRepository {
	return &CalendarRepository{
		collection: db.Collection("calendar_events"),
		logger:     logger,
	}
}

// ListWindow returns events overlapping [from, to].
func (r *CalendarRepository) ListWindow(ctx context.Context, uid string, from, to time.Time) ([]repositories.CalendarEvent, error) {
	filter := bson.M{
		"uid":       uid,
		"starts_at": bson.M{"$lte": to},
		"ends_at":   bson.M{"$gte": from},
	}
	cursor, err := r.collection.Find(ctx, filter, options.Find().SetSort(bson.M{"starts_at": 1}))
	if err != nil {
		return nil, fmt.Errorf("failed to list calendar events: %w", err)
	}
	defer cursor.Close(ctx)

	var out []repositories.CalendarEvent
	for cursor.Next(ctx) {
		var event repositories.CalendarEvent
		if err := cursor.Decode(&event); err != nil {
			r.logger.Warn("Skipping undecodable calendar event", zap.Error(err))
			continue
		}
		out = append(out, event)
	}
	if err := cursor.Err(); err != nil {
		return nil, fmt.Errorf("calendar cursor failed: %w", err)
	}
	return out, nil
}
