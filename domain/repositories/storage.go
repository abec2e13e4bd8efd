package repositories

import (
	"context"
	"errors"
	"time"

	"github.com/sonara-ai/sonara/server/domain/entities"
)

// Sentinel errors shared by all storage implementations.
var (
	ErrNotFound = errors.New("not found")
	ErrConflict = errors.New("conflict")
)

// ConversationRepository persists conversations. Writes for a single
// conversation are serialized by the implementation.
type ConversationRepository interface {
	Create(ctx context.Context, conversation *entities.Conversation) error
	GetByID(ctx context.Context, uid, id string) (*entities.Conversation, error)
	ListByUID(ctx context.Context, uid string, statuses []entities.ConversationStatus, limit int) ([]*entities.Conversation, error)
	Update(ctx context.Context, conversation *entities.Conversation) error
	Delete(ctx context.Context, uid, id string) error
	// UpsertSegments applies a merger result transactionally: updated
	// segments are written, removed ids deleted, order by start preserved.
	UpsertSegments(ctx context.Context, uid, id string, segments []entities.TranscriptSegment, removedIDs []string) error
	// SetPostprocessing performs a compare-and-set on postprocessing_status,
	// acting as the per-conversation re-transcription lock.
	SetPostprocessing(ctx context.Context, uid, id string, from, to entities.PostprocessingStatus) error
}

// MemoryRepository persists memories.
type MemoryRepository interface {
	Upsert(ctx context.Context, memory *entities.Memory) error
	GetByID(ctx context.Context, uid, id string) (*entities.Memory, error)
	ListRecent(ctx context.Context, uid string, limit int) ([]*entities.Memory, error)
	ListByCategory(ctx context.Context, uid string, category entities.MemoryCategory, limit int) ([]*entities.Memory, error)
	Delete(ctx context.Context, uid, id string) error
}

// PersonRepository persists enrolled speakers.
type PersonRepository interface {
	Create(ctx context.Context, person *entities.Person) error
	GetByID(ctx context.Context, uid, id string) (*entities.Person, error)
	GetByName(ctx context.Context, uid, name string) (*entities.Person, error)
	ListByUID(ctx context.Context, uid string) ([]*entities.Person, error)
	Update(ctx context.Context, person *entities.Person) error
}

// CalendarEvent is a synced event used for conversation linking.
type CalendarEvent struct {
	ID       string    `json:"id" bson:"_id"`
	UID      string    `json:"uid" bson:"uid"`
	Title    string    `json:"title" bson:"title"`
	StartsAt time.Time `json:"starts_at" bson:"starts_at"`
	EndsAt   time.Time `json:"ends_at" bson:"ends_at"`
}

// CalendarRepository reads events synced from the user's calendar.
type CalendarRepository interface {
	ListWindow(ctx context.Context, uid string, from, to time.Time) ([]CalendarEvent, error)
}

// SpeechProfile is the user's own voice enrollment.
type SpeechProfile struct {
	UID         string    `json:"uid" bson:"_id"`
	SamplePaths []string  `json:"sample_paths" bson:"sample_paths"`
	Embedding   []float32 `json:"embedding,omitempty" bson:"embedding,omitempty"`
	UpdatedAt   time.Time `json:"updated_at" bson:"updated_at"`
}

// SpeechProfileRepository persists the user's own enrollment, distinct from
// enrolled Persons.
type SpeechProfileRepository interface {
	Get(ctx context.Context, uid string) (*SpeechProfile, error)
	Put(ctx context.Context, profile *SpeechProfile) error
}
