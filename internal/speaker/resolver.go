package speaker

import (
	"context"
	"errors"
	"fmt"
	"math"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/sonara-ai/sonara/server/domain/entities"
	"github.com/sonara-ai/sonara/server/domain/repositories"
)

// Resolver assigns is_user and person_id to transcript segments. The
// introduction pass is pure text and runs live; the embedding pass needs the
// finalized audio and runs during post-processing.
type Resolver struct {
	people    repositories.PersonRepository
	llm       repositories.LargeLanguageModel
	threshold float64
	logger    *zap.Logger
}

// NewResolver creates a speaker resolver. threshold is the cosine similarity
// above which a voice embedding counts as a match.
func NewResolver(people repositories.PersonRepository, llm repositories.LargeLanguageModel, threshold float64, logger *zap.Logger) *Resolver {
	if threshold <= 0 {
		threshold = 0.5
	}
	return &Resolver{people: people, llm: llm, threshold: threshold, logger: logger}
}

// ResolveIntroductions scans segments for self-introductions and binds the
// introducing speaker to a Person, creating one when the name is new. A
// successful binding is applied retroactively to every earlier segment with
// the same diarization speaker id (ids above zero only).
func (r *Resolver) ResolveIntroductions(ctx context.Context, uid string, segments []entities.TranscriptSegment) ([]entities.TranscriptSegment, bool, error) {
	changed := false
	for i := range segments {
		if segments[i].PersonID != "" || segments[i].IsUser {
			continue
		}
		name, err := r.detectName(ctx, segments[i].Text)
		if err != nil {
			r.logger.Warn("Introduction arbitration failed", zap.Error(err))
			continue
		}
		if name == "" {
			continue
		}

		person, err := r.findOrCreatePerson(ctx, uid, name)
		if err != nil {
			return segments, changed, err
		}
		r.logger.Info("Bound speaker to person",
			zap.String("uid", uid),
			zap.String("person", person.Name),
			zap.Int("speaker_id", segments[i].SpeakerID))

		segments[i].PersonID = person.ID
		changed = true
		if segments[i].SpeakerID > 0 {
			for j := range segments {
				if j != i && segments[j].SpeakerID == segments[i].SpeakerID && segments[j].PersonID == "" {
					segments[j].PersonID = person.ID
				}
			}
		}
	}
	return segments, changed, nil
}

func (r *Resolver) detectName(ctx context.Context, text string) (string, error) {
	detection := DetectIntro(text)
	if detection.Name == "" {
		return "", nil
	}
	if !detection.Ambiguous {
		return detection.Name, nil
	}
	if r.llm == nil {
		return "", nil
	}
	return r.llm.DetectSelfIntroduction(ctx, text)
}

func (r *Resolver) findOrCreatePerson(ctx context.Context, uid, name string) (*entities.Person, error) {
	person, err := r.people.GetByName(ctx, uid, name)
	if err == nil {
		return person, nil
	}
	if !errors.Is(err, repositories.ErrNotFound) {
		return nil, fmt.Errorf("failed to look up person %s: %w", name, err)
	}

	person = entities.NewPerson(uuid.New().String(), uid, name)
	if err := r.people.Create(ctx, person); err != nil {
		if errors.Is(err, repositories.ErrConflict) {
			return r.people.GetByName(ctx, uid, name)
		}
		return nil, fmt.Errorf("failed to create person %s: %w", name, err)
	}
	return person, nil
}

// MatchEmbeddings marks segments whose voice embedding matches the user's
// speech profile as is_user, and fills person_id from enrolled people for the
// rest. embeddings is parallel to segments; nil entries are skipped.
func (r *Resolver) MatchEmbeddings(ctx context.Context, uid string, segments []entities.TranscriptSegment, embeddings [][]float32, profile []float32) ([]entities.TranscriptSegment, error) {
	if len(embeddings) != len(segments) {
		return segments, fmt.Errorf("got %d embeddings for %d segments", len(embeddings), len(segments))
	}

	people, err := r.people.ListByUID(ctx, uid)
	if err != nil {
		return segments, fmt.Errorf("failed to list people: %w", err)
	}

	for i := range segments {
		if embeddings[i] == nil {
			continue
		}
		if len(profile) > 0 && Cosine(embeddings[i], profile) >= r.threshold {
			segments[i].IsUser = true
			segments[i].PersonID = ""
			continue
		}

		bestSim := r.threshold
		bestID := ""
		for _, person := range people {
			if len(person.SpeakerEmbedding) == 0 {
				continue
			}
			if sim := Cosine(embeddings[i], person.SpeakerEmbedding); sim >= bestSim {
				bestSim = sim
				bestID = person.ID
			}
		}
		if bestID != "" {
			segments[i].IsUser = false
			segments[i].PersonID = bestID
		}
	}
	return segments, nil
}

// Cosine returns the cosine similarity of two vectors, 0 when either is
// degenerate or the lengths differ.
func Cosine(a, b []float32) float64 {
	if len(a) != len(b) || len(a) == 0 {
		return 0
	}
	var dot, normA, normB float64
	for i := range a {
		dot += float64(a[i]) * float64(b[i])
		normA += float64(a[i]) * float64(a[i])
		normB += float64(b[i]) * float64(b[i])
	}
	if normA == 0 || normB == 0 {
		return 0
	}
	return dot / (math.Sqrt(normA) * math.Sqrt(normB))
}
