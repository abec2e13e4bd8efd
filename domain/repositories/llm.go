package repositories

import (
	"context"

	"github.com/sonara-ai/sonara/server/domain/entities"
)

// MemoryCandidate is one fact proposed by the extraction model before
// dedup and persistence.
type MemoryCandidate struct {
	Content    string                    `json:"content"`
	Category   string                    `json:"category"`
	Tags       []string                  `json:"tags,omitempty"`
	Visibility entities.MemoryVisibility `json:"visibility,omitempty"`
}

// ConflictDecision is the resolver's verdict on a near-duplicate memory pair.
type ConflictDecision string

const (
	ConflictKeepExisting ConflictDecision = "keep_existing"
	ConflictKeepNew      ConflictDecision = "keep_new"
)

// LargeLanguageModel abstracts the model calls the pipeline depends on.
type LargeLanguageModel interface {
	// StructureConversation produces title/overview/category/emoji/action
	// items/events. discarded is true when the model classifies the
	// conversation as low-signal.
	StructureConversation(ctx context.Context, transcript, language string) (structured *entities.Structured, discarded bool, err error)
	// ExtractMemories proposes new facts given the transcript and the user's
	// existing memories for context.
	ExtractMemories(ctx context.Context, transcript string, existing []string) ([]MemoryCandidate, error)
	// ResolveMemoryConflict picks between an existing memory and a
	// near-duplicate candidate.
	ResolveMemoryConflict(ctx context.Context, existing, candidate string) (ConflictDecision, error)
	// DetectSelfIntroduction arbitrates ambiguous introduction phrases the
	// regex pass could not settle. Returns the introduced name or "".
	DetectSelfIntroduction(ctx context.Context, text string) (string, error)
}

// Embedder generates embedding vectors from text.
type Embedder interface {
	Embed(ctx context.Context, text string) ([]float32, error)
	Dims() int
}
