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

// MemoryRepository implements repositories.MemoryRepository. Categories are
// normalized on both sides of the persistence boundary.
type MemoryRepository struct {
	collection *mongo.Collection
	logger     *zap.Logger
}

// NewMemoryRepository creates the MongoDB memory repository.
func NewMemoryRepository(db *mongo.Database, logger *zap.Logger) repositories.MemoryRepository {
	return &MemoryRepository{
		collection: db.Collection("memories"),
		logger:     logger,
	}
}

func (r *MemoryRepository) Upsert(ctx context.Context, memory *entities.Memory) error {
	memory.Normalize()
	if err := memory.Validate(); err != nil {
		return fmt.Errorf("invalid memory: %w", err)
	}
	opts := options.Replace().SetUpsert(true)
	if _, err := r.collection.ReplaceOne(ctx,
		bson.M{"_id": memory.ID, "uid": memory.UID},
		memory, opts,
	); err != nil {
		return fmt.Errorf("failed to upsert memory: %w", err)
	}
	return nil
}

func (r *MemoryRepository) GetByID(ctx context.Context, uid, id string) (*entities.Memory, error) {
	var memory entities.Memory
	err := r.collection.FindOne(ctx, bson.M{"_id": id, "uid": uid}).Decode(&memory)
	if err != nil {
		if errors.Is(err, mongo.ErrNoDocuments) {
			return nil, repositories.ErrNotFound
		}
		return nil, fmt.Errorf("failed to get memory %s: %w", id, err)
	}
	memory.Normalize()
	return &memory, nil
}

func (r *MemoryRepository) ListRecent(ctx context.Context, uid string, limit int) ([]*entities.Memory, error) {
	return r.list(ctx, bson.M{"uid": uid}, limit)
}

func (r *MemoryRepository) ListByCategory(ctx context.Context, uid string, category entities.MemoryCategory, limit int) ([]*entities.Memory, error) {
	return r.list(ctx, bson.M{"uid": uid, "category": category}, limit)
}

func (r *MemoryRepository) list(ctx context.Context, filter bson.M, limit int) ([]*entities.Memory, error) {
	if limit <= 0 {
		limit = 100
	}
	opts := options.Find().
		SetSort(bson.M{"created_at": -1}).
		SetLimit(int64(limit))

	cursor, err := r.collection.Find(ctx, filter, opts)
	if err != nil {
		return nil, fmt.Errorf("failed to list memories: %w", err)
	}
	defer cursor.Close(ctx)

	var out []*entities.Memory
	for cursor.Next(ctx) {
		var memory entities.Memory
		if err := cursor.Decode(&memory); err != nil {
			r.logger.Warn("Skipping undecodable memory", zap.Error(err))
			continue
		}
		memory.Normalize()
		out = append(out, &memory)
	}
	if err := cursor.Err(); err != nil {
		return nil, fmt.Errorf("memory cursor failed: %w", err)
	}
	return out, nil
}

func (r *MemoryRepository) Delete(ctx context.Context, uid, id string) error {
	result, err := r.collection.DeleteOne(ctx, bson.M{"_id": id, "uid": uid})
	if err != nil {
		return fmt.Errorf("failed to delete memory: %w", err)
	}
	if result.DeletedCount == 0 {
		return repositories.ErrNotFound
	}
	return nil
}
