package speaker

import (
	"context"
	"math"
	"testing"

	"go.uber.org/zap"

	"github.com/sonara-ai/sonara/server/domain/entities"
	"github.com/sonara-ai/sonara/server/domain/repositories"
)

type fakePersonRepo struct {
	people  map[string]*entities.Person
	created int
}

func newFakePersonRepo() *fakePersonRepo {
	return &fakePersonRepo{people: make(map[string]*entities.Person)}
}

func (f *fakePersonRepo) Create(ctx context.Context, p *entities.Person) error {
	if _, exists := f.people[p.Name]; exists {
		return repositories.ErrConflict
	}
	f.people[p.Name] = p
	f.created++
	return nil
}

func (f *fakePersonRepo) GetByID(ctx context.Context, uid, id string) (*entities.Person, error) {
	for _, p := range f.people {
		if p.ID == id {
			return p, nil
		}
	}
	return nil, repositories.ErrNotFound
}

func (f *fakePersonRepo) GetByName(ctx context.Context, uid, name string) (*entities.Person, error) {
	if p, ok := f.people[name]; ok {
		return p, nil
	}
	return nil, repositories.ErrNotFound
}

func (f *fakePersonRepo) ListByUID(ctx context.Context, uid string) ([]*entities.Person, error) {
	out := make([]*entities.Person, 0, len(f.people))
	for _, p := range f.people {
		out = append(out, p)
	}
	return out, nil
}

func (f *fakePersonRepo) Update(ctx context.Context, p *entities.Person) error {
	f.people[p.Name] = p
	return nil
}

type fakeLLM struct {
	introName string
}

func (f *fakeLLM) StructureConversation(ctx context.Context, transcript, language string) (*entities.Structured, bool, error) {
	return &entities.Structured{Title: "t"}, false, nil
}

func (f *fakeLLM) ExtractMemories(ctx context.Context, transcript string, existing []string) ([]repositories.MemoryCandidate, error) {
	return nil, nil
}

func (f *fakeLLM) ResolveMemoryConflict(ctx context.Context, existing, candidate string) (repositories.ConflictDecision, error) {
	return repositories.ConflictKeepExisting, nil
}

func (f *fakeLLM) DetectSelfIntroduction(ctx context.Context, text string) (string, error) {
	return f.introName, nil
}

func TestResolveIntroductionsCreatesAndTagsRetroactively(t *testing.T) {
	repo := newFakePersonRepo()
	r := NewResolver(repo, &fakeLLM{}, 0.5, zap.NewNop())

	segments := []entities.TranscriptSegment{
		entities.NewTranscriptSegment("Nice weather today.", "SPEAKER_01", false, 0, 2, entities.STTProviderDeepgram),
		entities.NewTranscriptSegment("How are you?", "SPEAKER_02", false, 2, 4, entities.STTProviderDeepgram),
		entities.NewTranscriptSegment("Good. I'm Alice by the way.", "SPEAKER_01", false, 4, 6, entities.STTProviderDeepgram),
	}

	resolved, changed, err := r.ResolveIntroductions(context.Background(), "user-1", segments)
	if err != nil {
		t.Fatal(err)
	}
	if !changed {
		t.Fatal("expected a binding to be reported")
	}
	if repo.created != 1 {
		t.Fatalf("expected one person created, got %d", repo.created)
	}
	alice := repo.people["Alice"]
	if alice == nil {
		t.Fatal("Alice was not enrolled")
	}
	if resolved[2].PersonID != alice.ID {
		t.Errorf("introducing segment not bound: %+v", resolved[2])
	}
	if resolved[0].PersonID != alice.ID {
		t.Error("earlier segment with the same speaker id must be tagged retroactively")
	}
	if resolved[1].PersonID != "" {
		t.Error("other speakers must stay unbound")
	}
}

func TestResolveIntroductionsReusesExistingPerson(t *testing.T) {
	repo := newFakePersonRepo()
	existing := entities.NewPerson("person-1", "user-1", "Bob")
	repo.people["Bob"] = existing

	r := NewResolver(repo, &fakeLLM{}, 0.5, zap.NewNop())
	segments := []entities.TranscriptSegment{
		entities.NewTranscriptSegment("Hey, I'm Bob.", "SPEAKER_03", false, 0, 2, entities.STTProviderDeepgram),
	}

	resolved, changed, err := r.ResolveIntroductions(context.Background(), "user-1", segments)
	if err != nil {
		t.Fatal(err)
	}
	if !changed || resolved[0].PersonID != "person-1" {
		t.Errorf("expected binding to the existing person, got %+v", resolved[0])
	}
	if repo.created != 0 {
		t.Errorf("no new person expected, created %d", repo.created)
	}
}

func TestResolveIntroductionsSkipsBoundSegments(t *testing.T) {
	repo := newFakePersonRepo()
	r := NewResolver(repo, &fakeLLM{}, 0.5, zap.NewNop())

	bound := entities.NewTranscriptSegment("I'm Carol.", "SPEAKER_01", false, 0, 2, entities.STTProviderDeepgram)
	bound.PersonID = "already-bound"
	user := entities.NewTranscriptSegment("I'm Dave.", "SPEAKER_02", true, 2, 4, entities.STTProviderDeepgram)

	resolved, changed, err := r.ResolveIntroductions(context.Background(), "user-1", []entities.TranscriptSegment{bound, user})
	if err != nil {
		t.Fatal(err)
	}
	if changed {
		t.Error("bound and user segments must be skipped")
	}
	if resolved[0].PersonID != "already-bound" {
		t.Error("existing binding must be preserved")
	}
	if repo.created != 0 {
		t.Errorf("no person should be created, got %d", repo.created)
	}
}

func TestResolveIntroductionsArbitratesReportedSpeech(t *testing.T) {
	repo := newFakePersonRepo()

	// The model rejects the reported-speech phrase.
	r := NewResolver(repo, &fakeLLM{introName: ""}, 0.5, zap.NewNop())
	segments := []entities.TranscriptSegment{
		entities.NewTranscriptSegment("I told him my name is John.", "SPEAKER_01", false, 0, 2, entities.STTProviderDeepgram),
	}
	_, changed, err := r.ResolveIntroductions(context.Background(), "user-1", segments)
	if err != nil {
		t.Fatal(err)
	}
	if changed || repo.created != 0 {
		t.Error("rejected arbitration must not bind anyone")
	}

	// The model confirms the introduction.
	r = NewResolver(repo, &fakeLLM{introName: "John"}, 0.5, zap.NewNop())
	resolved, changed, err := r.ResolveIntroductions(context.Background(), "user-1", segments)
	if err != nil {
		t.Fatal(err)
	}
	if !changed || repo.created != 1 {
		t.Fatal("confirmed arbitration must enroll the person")
	}
	if resolved[0].PersonID == "" {
		t.Error("segment must be bound after confirmation")
	}
}

func TestMatchEmbeddings(t *testing.T) {
	repo := newFakePersonRepo()
	friend := entities.NewPerson("person-1", "user-1", "Eve")
	friend.SpeakerEmbedding = []float32{0, 1, 0}
	repo.people["Eve"] = friend

	r := NewResolver(repo, &fakeLLM{}, 0.5, zap.NewNop())

	segments := []entities.TranscriptSegment{
		entities.NewTranscriptSegment("First.", "SPEAKER_01", false, 0, 1, entities.STTProviderDeepgram),
		entities.NewTranscriptSegment("Second.", "SPEAKER_02", false, 1, 2, entities.STTProviderDeepgram),
		entities.NewTranscriptSegment("Third.", "SPEAKER_03", false, 2, 3, entities.STTProviderDeepgram),
	}
	profile := []float32{1, 0, 0}
	embeddings := [][]float32{
		{0.9, 0.1, 0},  // close to the user's profile
		{0.1, 0.95, 0}, // close to Eve
		nil,            // no embedding extracted
	}

	resolved, err := r.MatchEmbeddings(context.Background(), "user-1", segments, embeddings, profile)
	if err != nil {
		t.Fatal(err)
	}
	if !resolved[0].IsUser {
		t.Error("segment matching the profile must be is_user")
	}
	if resolved[1].IsUser || resolved[1].PersonID != "person-1" {
		t.Errorf("segment matching an enrolled person must be bound: %+v", resolved[1])
	}
	if resolved[2].IsUser || resolved[2].PersonID != "" {
		t.Errorf("segment with no embedding must be untouched: %+v", resolved[2])
	}
}

func TestMatchEmbeddingsLengthMismatch(t *testing.T) {
	r := NewResolver(newFakePersonRepo(), &fakeLLM{}, 0.5, zap.NewNop())
	segments := []entities.TranscriptSegment{
		entities.NewTranscriptSegment("One.", "SPEAKER_01", false, 0, 1, entities.STTProviderDeepgram),
	}
	if _, err := r.MatchEmbeddings(context.Background(), "user-1", segments, nil, nil); err == nil {
		t.Error("mismatched embedding count must error")
	}
}

func TestCosine(t *testing.T) {
	tests := []struct {
		name string
		a, b []float32
		want float64
	}{
		{"identical", []float32{1, 2, 3}, []float32{1, 2, 3}, 1},
		{"orthogonal", []float32{1, 0}, []float32{0, 1}, 0},
		{"opposite", []float32{1, 0}, []float32{-1, 0}, -1},
		{"length mismatch", []float32{1, 0}, []float32{1}, 0},
		{"zero vector", []float32{0, 0}, []float32{1, 1}, 0},
		{"empty", nil, nil, 0},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := Cosine(tt.a, tt.b); math.Abs(got-tt.want) > 1e-9 {
				t.Errorf("Cosine = %f, want %f", got, tt.want)
			}
		})
	}
}
