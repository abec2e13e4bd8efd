package usecase

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/sonara-ai/sonara/server/domain/entities"
	"github.com/sonara-ai/sonara/server/domain/repositories"
	"github.com/sonara-ai/sonara/server/internal/config"
)

// promptCacheTTL bounds how stale the prompt-memories injection may be.
const promptCacheTTL = 5 * time.Minute

type promptCacheEntry struct {
	contents []string
	version  string
	expires  time.Time
}

// MemoryService extracts durable memories from finalized conversations and
// serves the cached prompt-memories injection.
type MemoryService struct {
	memories      repositories.MemoryRepository
	conversations repositories.ConversationRepository
	vectors       repositories.VectorIndex
	llm           repositories.LargeLanguageModel
	embedder      repositories.Embedder
	kv            repositories.KeyValue
	cfg           config.PipelineConfig
	logger        *zap.Logger

	mu          sync.Mutex
	promptCache map[string]promptCacheEntry
}

// NewMemoryService creates the memory extraction service.
func NewMemoryService(
	memories repositories.MemoryRepository,
	conversations repositories.ConversationRepository,
	vectors repositories.VectorIndex,
	llm repositories.LargeLanguageModel,
	embedder repositories.Embedder,
	kv repositories.KeyValue,
	cfg config.PipelineConfig,
	logger *zap.Logger,
) *MemoryService {
	return &MemoryService{
		memories:      memories,
		conversations: conversations,
		vectors:       vectors,
		llm:           llm,
		embedder:      embedder,
		kv:            kv,
		cfg:           cfg,
		logger:        logger,
		promptCache:   make(map[string]promptCacheEntry),
	}
}

// ExtractFromConversation runs the full extraction pass and returns how many
// memories were created. Discarded conversations are skipped.
func (s *MemoryService) ExtractFromConversation(ctx context.Context, conversation *entities.Conversation) (int, error) {
	if conversation.Discarded {
		return 0, nil
	}
	transcript := conversation.Transcript(false)
	if strings.TrimSpace(transcript) == "" {
		return 0, nil
	}

	recent, err := s.memories.ListRecent(ctx, conversation.UID, s.cfg.MemoryContextLimit)
	if err != nil {
		return 0, fmt.Errorf("failed to load memory context: %w", err)
	}
	existing := make([]string, 0, len(recent))
	for _, memory := range recent {
		existing = append(existing, memory.Content)
	}

	candidates, err := s.llm.ExtractMemories(ctx, transcript, existing)
	if err != nil {
		return 0, fmt.Errorf("memory extraction call failed: %w", err)
	}

	created := 0
	for _, candidate := range candidates {
		ok, err := s.saveCandidate(ctx, conversation, candidate)
		if err != nil {
			s.logger.Warn("Skipping memory candidate",
				zap.String("conversationID", conversation.ID),
				zap.Error(err))
			continue
		}
		if ok {
			created++
		}
	}

	conversation.KGExtracted = true
	if err := s.conversations.Update(ctx, conversation); err != nil {
		s.logger.Error("Failed to mark conversation extracted",
			zap.String("conversationID", conversation.ID),
			zap.Error(err))
	}

	s.invalidatePromptCache(conversation.UID)
	s.logger.Info("Memory extraction finished",
		zap.String("conversationID", conversation.ID),
		zap.Int("candidates", len(candidates)),
		zap.Int("created", created))
	return created, nil
}

// saveCandidate dedups one candidate and persists it. Returns true when a new
// memory was written.
func (s *MemoryService) saveCandidate(ctx context.Context, conversation *entities.Conversation, candidate repositories.MemoryCandidate) (bool, error) {
	content := strings.TrimSpace(candidate.Content)
	if content == "" {
		return false, nil
	}
	uid := conversation.UID

	id := entities.MemoryContentID(uid, content)
	if _, err := s.memories.GetByID(ctx, uid, id); err == nil {
		return false, nil
	} else if !errors.Is(err, repositories.ErrNotFound) {
		return false, err
	}

	vector, err := s.embedder.Embed(ctx, content)
	if err != nil {
		return false, fmt.Errorf("failed to embed memory: %w", err)
	}

	matches, err := s.vectors.Search(ctx, uid, repositories.NamespaceMemories, vector, 3)
	if err != nil {
		return false, fmt.Errorf("vector search failed: %w", err)
	}
	for _, match := range matches {
		if match.Similarity < s.cfg.MemoryDedupSimilarity {
			continue
		}
		duplicate, err := s.memories.GetByID(ctx, uid, match.ID)
		if err != nil {
			if errors.Is(err, repositories.ErrNotFound) {
				// Orphaned vector; the document is gone.
				s.vectors.Delete(ctx, uid, repositories.NamespaceMemories, match.ID)
				continue
			}
			return false, err
		}

		decision, err := s.llm.ResolveMemoryConflict(ctx, duplicate.Content, content)
		if err != nil || decision == repositories.ConflictKeepExisting {
			return false, err
		}
		if err := s.memories.Delete(ctx, uid, duplicate.ID); err != nil && !errors.Is(err, repositories.ErrNotFound) {
			return false, err
		}
		s.vectors.Delete(ctx, uid, repositories.NamespaceMemories, duplicate.ID)
	}

	memory := entities.NewMemory(uid, content, entities.NormalizeCategory(candidate.Category), conversation.ID)
	memory.Tags = candidate.Tags
	if candidate.Visibility != "" {
		memory.Visibility = candidate.Visibility
	}
	if err := s.memories.Upsert(ctx, memory); err != nil {
		return false, err
	}
	if err := s.vectors.Upsert(ctx, uid, repositories.NamespaceMemories, memory.ID, vector); err != nil {
		s.logger.Warn("Failed to index memory vector",
			zap.String("memoryID", memory.ID),
			zap.Error(err))
	}
	return true, nil
}

// CreateManual stores a user-authored memory with manual priority.
func (s *MemoryService) CreateManual(ctx context.Context, uid, content string) (*entities.Memory, error) {
	content = strings.TrimSpace(content)
	if content == "" {
		return nil, fmt.Errorf("content is required")
	}
	memory := entities.NewMemory(uid, content, entities.CategoryManual, "")
	if err := s.memories.Upsert(ctx, memory); err != nil {
		return nil, err
	}
	if vector, err := s.embedder.Embed(ctx, content); err == nil {
		s.vectors.Upsert(ctx, uid, repositories.NamespaceMemories, memory.ID, vector)
	}
	s.invalidatePromptCache(uid)
	return memory, nil
}

// ListMemories lists recent memories for the REST surface.
func (s *MemoryService) ListMemories(ctx context.Context, uid string, limit int) ([]*entities.Memory, error) {
	return s.memories.ListRecent(ctx, uid, limit)
}

// DeleteMemory removes a memory and its vector.
func (s *MemoryService) DeleteMemory(ctx context.Context, uid, id string) error {
	if err := s.memories.Delete(ctx, uid, id); err != nil {
		return err
	}
	s.vectors.Delete(ctx, uid, repositories.NamespaceMemories, id)
	s.invalidatePromptCache(uid)
	return nil
}

// PromptMemories returns the top-k memory contents for prompt injection plus
// a deterministic version hash. Cached per user for five minutes.
func (s *MemoryService) PromptMemories(ctx context.Context, uid string, topK int) ([]string, string, error) {
	if topK <= 0 {
		topK = 25
	}

	s.mu.Lock()
	if entry, ok := s.promptCache[uid]; ok && time.Now().Before(entry.expires) {
		s.mu.Unlock()
		return entry.contents, entry.version, nil
	}
	s.mu.Unlock()

	memories, err := s.memories.ListRecent(ctx, uid, topK)
	if err != nil {
		return nil, "", err
	}
	sort.Slice(memories, func(i, j int) bool {
		return memories[i].Scoring > memories[j].Scoring
	})

	contents := make([]string, 0, len(memories))
	ids := make([]string, 0, len(memories))
	for _, memory := range memories {
		contents = append(contents, memory.Content)
		ids = append(ids, memory.ID)
	}
	version := promptVersion(ids)

	s.mu.Lock()
	s.promptCache[uid] = promptCacheEntry{
		contents: contents,
		version:  version,
		expires:  time.Now().Add(promptCacheTTL),
	}
	s.mu.Unlock()
	return contents, version, nil
}

// promptVersion hashes the sorted id set so equivalent memory sets always
// produce the same cache key.
func promptVersion(ids []string) string {
	sorted := append([]string(nil), ids...)
	sort.Strings(sorted)
	sum := sha256.Sum256([]byte(strings.Join(sorted, ",")))
	return hex.EncodeToString(sum[:8])
}

func (s *MemoryService) invalidatePromptCache(uid string) {
	s.mu.Lock()
	delete(s.promptCache, uid)
	s.mu.Unlock()
}

// AcquireDailySummaryLock takes the per-(uid, date) lock so only one worker
// pays the summary LLM cost.
func (s *MemoryService) AcquireDailySummaryLock(ctx context.Context, uid string, date time.Time) (func(), error) {
	key := fmt.Sprintf("daily-summary:%s:%s", uid, date.Format("2006-01-02"))
	return s.kv.AcquireLock(ctx, key, 10*time.Minute)
}
