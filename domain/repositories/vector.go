package repositories

import "context"

// Vector namespaces. Memory vectors are keyed by memory id, conversation
// vectors by conversation id.
const (
	NamespaceMemories      = "memories"
	NamespaceConversations = "conversations"
)

// VectorMatch is one nearest-neighbour hit.
type VectorMatch struct {
	ID         string
	Similarity float64
}

// VectorIndex is the namespaced vector store. It must agree with the persisted
// entity set up to eventual consistency.
type VectorIndex interface {
	Upsert(ctx context.Context, uid, namespace, id string, vector []float32) error
	Search(ctx context.Context, uid, namespace string, vector []float32, topK int) ([]VectorMatch, error)
	Delete(ctx context.Context, uid, namespace, id string) error
}
