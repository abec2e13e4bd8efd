package usecase

import (
	"context"
	"sync"
	"testing"
	"time"

	"go.uber.org/zap"

	"github.com/sonara-ai/sonara/server/domain/entities"
	"github.com/sonara-ai/sonara/server/domain/repositories"
	"github.com/sonara-ai/sonara/server/internal/config"
	"github.com/sonara-ai/sonara/server/internal/kv"
	"github.com/sonara-ai/sonara/server/internal/saga"
	"github.com/sonara-ai/sonara/server/internal/speaker"
)

// ---- conversations ----

type fakeConversationRepo struct {
	mu    sync.Mutex
	store map[string]*entities.Conversation
}

func newFakeConversationRepo() *fakeConversationRepo {
	return &fakeConversationRepo{store: make(map[string]*entities.Conversation)}
}

func copyConversation(c *entities.Conversation) *entities.Conversation {
	clone := *c
	clone.TranscriptSegments = append([]entities.TranscriptSegment(nil), c.TranscriptSegments...)
	clone.Photos = append([]entities.Photo(nil), c.Photos...)
	return &clone
}

func (f *fakeConversationRepo) Create(ctx context.Context, c *entities.Conversation) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, exists := f.store[c.ID]; exists {
		return repositories.ErrConflict
	}
	f.store[c.ID] = copyConversation(c)
	return nil
}

func (f *fakeConversationRepo) GetByID(ctx context.Context, uid, id string) (*entities.Conversation, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	c, ok := f.store[id]
	if !ok || c.UID != uid {
		return nil, repositories.ErrNotFound
	}
	return copyConversation(c), nil
}

func (f *fakeConversationRepo) ListByUID(ctx context.Context, uid string, statuses []entities.ConversationStatus, limit int) ([]*entities.Conversation, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []*entities.Conversation
	for _, c := range f.store {
		if c.UID != uid {
			continue
		}
		if len(statuses) > 0 {
			match := false
			for _, s := range statuses {
				if c.Status == s {
					match = true
				}
			}
			if !match {
				continue
			}
		}
		out = append(out, copyConversation(c))
	}
	return out, nil
}

func (f *fakeConversationRepo) Update(ctx context.Context, c *entities.Conversation) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, ok := f.store[c.ID]; !ok {
		return repositories.ErrNotFound
	}
	f.store[c.ID] = copyConversation(c)
	return nil
}

func (f *fakeConversationRepo) Delete(ctx context.Context, uid, id string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, ok := f.store[id]; !ok {
		return repositories.ErrNotFound
	}
	delete(f.store, id)
	return nil
}

func (f *fakeConversationRepo) UpsertSegments(ctx context.Context, uid, id string, segments []entities.TranscriptSegment, removedIDs []string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	c, ok := f.store[id]
	if !ok {
		return repositories.ErrNotFound
	}
	c.TranscriptSegments = append([]entities.TranscriptSegment(nil), segments...)
	return nil
}

func (f *fakeConversationRepo) SetPostprocessing(ctx context.Context, uid, id string, from, to entities.PostprocessingStatus) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	c, ok := f.store[id]
	if !ok {
		return repositories.ErrNotFound
	}
	if c.PostprocessingStatus != from {
		return repositories.ErrConflict
	}
	c.PostprocessingStatus = to
	return nil
}

func (f *fakeConversationRepo) get(id string) *entities.Conversation {
	f.mu.Lock()
	defer f.mu.Unlock()
	c, ok := f.store[id]
	if !ok {
		return nil
	}
	return copyConversation(c)
}

// ---- memories ----

type fakeMemoryRepo struct {
	mu    sync.Mutex
	store map[string]*entities.Memory
}

func newFakeMemoryRepo() *fakeMemoryRepo {
	return &fakeMemoryRepo{store: make(map[string]*entities.Memory)}
}

func (f *fakeMemoryRepo) Upsert(ctx context.Context, m *entities.Memory) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	clone := *m
	f.store[m.ID] = &clone
	return nil
}

func (f *fakeMemoryRepo) GetByID(ctx context.Context, uid, id string) (*entities.Memory, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	m, ok := f.store[id]
	if !ok || m.UID != uid {
		return nil, repositories.ErrNotFound
	}
	clone := *m
	return &clone, nil
}

func (f *fakeMemoryRepo) ListRecent(ctx context.Context, uid string, limit int) ([]*entities.Memory, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []*entities.Memory
	for _, m := range f.store {
		if m.UID == uid {
			clone := *m
			out = append(out, &clone)
		}
	}
	return out, nil
}

func (f *fakeMemoryRepo) ListByCategory(ctx context.Context, uid string, category entities.MemoryCategory, limit int) ([]*entities.Memory, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []*entities.Memory
	for _, m := range f.store {
		if m.UID == uid && m.Category == category {
			clone := *m
			out = append(out, &clone)
		}
	}
	return out, nil
}

func (f *fakeMemoryRepo) Delete(ctx context.Context, uid, id string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, ok := f.store[id]; !ok {
		return repositories.ErrNotFound
	}
	delete(f.store, id)
	return nil
}

func (f *fakeMemoryRepo) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.store)
}

// ---- vectors ----

type fakeVectorIndex struct {
	mu      sync.Mutex
	vectors map[string][]float32 // key: namespace/id
	matches []repositories.VectorMatch
}

func newFakeVectorIndex() *fakeVectorIndex {
	return &fakeVectorIndex{vectors: make(map[string][]float32)}
}

func (f *fakeVectorIndex) Upsert(ctx context.Context, uid, namespace, id string, vector []float32) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.vectors[namespace+"/"+id] = vector
	return nil
}

func (f *fakeVectorIndex) Search(ctx context.Context, uid, namespace string, vector []float32, topK int) ([]repositories.VectorMatch, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]repositories.VectorMatch(nil), f.matches...), nil
}

func (f *fakeVectorIndex) Delete(ctx context.Context, uid, namespace, id string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.vectors, namespace+"/"+id)
	return nil
}

// ---- llm / embedder ----

type stubLLM struct {
	mu         sync.Mutex
	structured *entities.Structured
	discarded  bool
	structErr  error
	candidates []repositories.MemoryCandidate
	extractErr error
	decision   repositories.ConflictDecision
	introName  string
}

func (f *stubLLM) StructureConversation(ctx context.Context, transcript, language string) (*entities.Structured, bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.structErr != nil {
		return nil, false, f.structErr
	}
	if f.structured == nil {
		return &entities.Structured{Title: "Untitled", Category: "other", Emoji: "🗣️"}, f.discarded, nil
	}
	return f.structured, f.discarded, nil
}

func (f *stubLLM) ExtractMemories(ctx context.Context, transcript string, existing []string) ([]repositories.MemoryCandidate, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.candidates, f.extractErr
}

func (f *stubLLM) ResolveMemoryConflict(ctx context.Context, existing, candidate string) (repositories.ConflictDecision, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.decision == "" {
		return repositories.ConflictKeepExisting, nil
	}
	return f.decision, nil
}

func (f *stubLLM) DetectSelfIntroduction(ctx context.Context, text string) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.introName, nil
}

type stubEmbedder struct{}

func (stubEmbedder) Embed(ctx context.Context, text string) ([]float32, error) {
	return []float32{1, 0, 0}, nil
}

func (stubEmbedder) Dims() int { return 3 }

// ---- people ----

type stubPersonRepo struct {
	mu     sync.Mutex
	people map[string]*entities.Person
}

func newStubPersonRepo() *stubPersonRepo {
	return &stubPersonRepo{people: make(map[string]*entities.Person)}
}

func (f *stubPersonRepo) Create(ctx context.Context, p *entities.Person) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, ok := f.people[p.Name]; ok {
		return repositories.ErrConflict
	}
	f.people[p.Name] = p
	return nil
}

func (f *stubPersonRepo) GetByID(ctx context.Context, uid, id string) (*entities.Person, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, p := range f.people {
		if p.ID == id {
			return p, nil
		}
	}
	return nil, repositories.ErrNotFound
}

func (f *stubPersonRepo) GetByName(ctx context.Context, uid, name string) (*entities.Person, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if p, ok := f.people[name]; ok {
		return p, nil
	}
	return nil, repositories.ErrNotFound
}

func (f *stubPersonRepo) ListByUID(ctx context.Context, uid string) ([]*entities.Person, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []*entities.Person
	for _, p := range f.people {
		out = append(out, p)
	}
	return out, nil
}

func (f *stubPersonRepo) Update(ctx context.Context, p *entities.Person) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.people[p.Name] = p
	return nil
}

// ---- calendar / geocode / events ----

type stubCalendar struct {
	events []repositories.CalendarEvent
}

func (f *stubCalendar) ListWindow(ctx context.Context, uid string, from, to time.Time) ([]repositories.CalendarEvent, error) {
	return f.events, nil
}

type stubGeocoder struct {
	address string
}

func (f *stubGeocoder) ReverseGeocode(ctx context.Context, lat, lng float64) (string, error) {
	return f.address, nil
}

type recordedEvent struct {
	UID     string
	Event   string
	Payload interface{}
}

type recordingPublisher struct {
	mu     sync.Mutex
	events []recordedEvent
}

func (p *recordingPublisher) Publish(uid, event string, payload interface{}) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.events = append(p.events, recordedEvent{UID: uid, Event: event, Payload: payload})
}

func (p *recordingPublisher) names() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]string, len(p.events))
	for i, e := range p.events {
		out[i] = e.Event
	}
	return out
}

func (p *recordingPublisher) has(event string) bool {
	for _, name := range p.names() {
		if name == event {
			return true
		}
	}
	return false
}

// ---- assembly ----

type testEnv struct {
	conversations *fakeConversationRepo
	memoryRepo    *fakeMemoryRepo
	vectors       *fakeVectorIndex
	people        *stubPersonRepo
	llm           *stubLLM
	calendar      *stubCalendar
	publisher     *recordingPublisher
	kv            *kv.Store
	memories      *MemoryService
	service       *ConversationService
	cfg           config.PipelineConfig
}

func pipelineConfig() config.PipelineConfig {
	return config.PipelineConfig{
		DeviceSilenceTimeout:   120 * time.Second,
		DesktopSilenceTimeout:  45 * time.Second,
		MemoryDedupSimilarity:  0.85,
		MemoryContextLimit:     100,
		PostprocessMinDuration: 10 * time.Second,
		CalendarOverlapMin:     5 * time.Minute,
		CalendarOverlapMinPct:  0.5,
		SpeakerMatchThreshold:  0.5,
	}
}

func newTestEnv() *testEnv {
	logger := zap.NewNop()
	cfg := pipelineConfig()

	env := &testEnv{
		conversations: newFakeConversationRepo(),
		memoryRepo:    newFakeMemoryRepo(),
		vectors:       newFakeVectorIndex(),
		people:        newStubPersonRepo(),
		llm:           &stubLLM{},
		calendar:      &stubCalendar{},
		publisher:     &recordingPublisher{},
		kv:            kv.NewStore(),
		cfg:           cfg,
	}
	env.memories = NewMemoryService(
		env.memoryRepo, env.conversations, env.vectors, env.llm, stubEmbedder{}, env.kv, cfg, logger)
	resolver := speaker.NewResolver(env.people, env.llm, cfg.SpeakerMatchThreshold, logger)
	env.service = NewConversationService(
		env.conversations, env.calendar, env.kv, env.llm, &stubGeocoder{address: "221B Baker Street"},
		resolver, env.memories, saga.NewRunner(logger, time.Minute), env.publisher, nil, nil, cfg, logger)
	return env
}

func waitUntil(t *testing.T, cond func() bool, msg string) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal(msg)
}
