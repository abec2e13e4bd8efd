package mongo

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.uber.org/zap"

	"github.com/sonara-ai/sonara/server/domain/entities"
	"github.com/sonara-ai/sonara/server/domain/repositories"
)

// PersonRepository implements repositories.PersonRepository.
type PersonRepository struct {
	collection *mongo.Collection
	logger     *zap.Logger
}

// NewPersonRepository creates the MongoDB person repository.
func NewPersonRepository(db *mongo.Database, logger *zap.Logger) repositories.PersonRepository {
	return &PersonRepository{
		collection: db.Collection("people"),
		logger:     logger,
	}
}

func (r *PersonRepository) Create(ctx context.Context, person *entities.Person) error {
	if err := person.Validate(); err != nil {
		return fmt.Errorf("invalid person: %w", err)
	}
	if _, err := r.collection.InsertOne(ctx, person); err != nil {
		if mongo.IsDuplicateKeyError(err) {
			return repositories.ErrConflict
		}
		return fmt.Errorf("failed to create person: %w", err)
	}
	return nil
}

func (r *PersonRepository) GetByID(ctx context.Context, uid, id string) (*entities.Person, error) {
	return r.findOne(ctx, bson.M{"_id": id, "uid": uid})
}

func (r *PersonRepository) GetByName(ctx context.Context, uid, name string) (*entities.Person, error) {
	return r.findOne(ctx, bson.M{"uid": uid, "name": name})
}

func (r *PersonRepository) findOne(ctx context.Context, filter bson.M) (*entities.Person, error) {
	var person entities.Person
	err := r.collection.FindOne(ctx, filter).Decode(&person)
	if err != nil {
		if errors.Is(err, mongo.ErrNoDocuments) {
			return nil, repositories.ErrNotFound
		}
		return nil, fmt.Errorf("failed to get person: %w", err)
	}
	return &person, nil
}

func (r *PersonRepository) ListByUID(ctx context.Context, uid string) ([]*entities.Person, error) {
	cursor, err := r.collection.Find(ctx, bson.M{"uid": uid})
	if err != nil {
		return nil, fmt.Errorf("failed to list people: %w", err)
	}
	defer cursor.Close(ctx)

	var out []*entities.Person
	for cursor.Next(ctx) {
		var person entities.Person
		if err := cursor.Decode(&person); err != nil {
			r.logger.Warn("Skipping undecodable person", zap.Error(err))
			continue
		}
		out = append(out, &person)
	}
	if err := cursor.Err(); err != nil {
		return nil, fmt.Errorf("person cursor failed: %w", err)
	}
	return out, nil
}

func (r *PersonRepository) Update(ctx context.Context, person *entities.Person) error {
	if err := person.Validate(); err != nil {
		return fmt.Errorf("invalid person: %w", err)
	}
	person.UpdatedAt = time.Now().UTC()
	result, err := r.collection.ReplaceOne(ctx,
		bson.M{"_id": person.ID, "uid": person.UID},
		person,
	)
	if err != nil {
		return fmt.Errorf("failed to update person: %w", err)
	}
	if result.MatchedCount == 0 {
		return repositories.ErrNotFound
	}
	return nil
}
