package usecase

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/sonara-ai/sonara/server/domain/entities"
	"github.com/sonara-ai/sonara/server/domain/repositories"
)

func newSession(uid string, source entities.ConversationSource) *entities.Session {
	return entities.NewSession(uid, source, "en-US", 16000, "opus")
}

func batchOf(texts ...string) []entities.TranscriptSegment {
	out := make([]entities.TranscriptSegment, 0, len(texts))
	for i, text := range texts {
		out = append(out, entities.NewTranscriptSegment(
			text, "SPEAKER_00", false, float64(i*10), float64(i*10+5), entities.STTProviderDeepgram))
	}
	return out
}

func TestSilenceTimeoutClampsClientRequest(t *testing.T) {
	env := newTestEnv()

	tests := []struct {
		source    entities.ConversationSource
		requested time.Duration
		want      time.Duration
	}{
		{entities.SourceDevice, 0, 120 * time.Second},
		{entities.SourceDevice, 30 * time.Second, 30 * time.Second},
		{entities.SourceDevice, 10 * time.Minute, 120 * time.Second},
		{entities.SourceDesktop, 0, 45 * time.Second},
		{entities.SourceDesktop, 2 * time.Minute, 45 * time.Second},
	}
	for _, tt := range tests {
		if got := env.service.SilenceTimeout(tt.source, tt.requested); got != tt.want {
			t.Errorf("SilenceTimeout(%s, %v) = %v, want %v", tt.source, tt.requested, got, tt.want)
		}
	}
}

func TestStartOrResumeConvergesOnOneConversation(t *testing.T) {
	env := newTestEnv()
	ctx := context.Background()

	first := newSession("user-1", entities.SourceDevice)
	conversation, err := env.service.StartOrResume(ctx, first, nil)
	if err != nil {
		t.Fatal(err)
	}
	if conversation.Status != entities.ConversationStatusInProgress {
		t.Errorf("unexpected status %q", conversation.Status)
	}
	if first.Conversation() != conversation.ID {
		t.Error("session must carry the conversation id")
	}

	second := newSession("user-1", entities.SourceDevice)
	resumed, err := env.service.StartOrResume(ctx, second, nil)
	if err != nil {
		t.Fatal(err)
	}
	if resumed.ID != conversation.ID {
		t.Errorf("second session must resume the open conversation, got %s and %s", resumed.ID, conversation.ID)
	}
}

func TestStartOrResumeRecoversFromStaleCache(t *testing.T) {
	env := newTestEnv()
	ctx := context.Background()

	// Cache points at a conversation that no longer exists.
	env.kv.CompareAndSet(ctx, "conversation:in-progress:user-1", "", "ghost")

	session := newSession("user-1", entities.SourceDevice)
	conversation, err := env.service.StartOrResume(ctx, session, nil)
	if err != nil {
		t.Fatal(err)
	}
	if conversation.ID == "ghost" {
		t.Error("stale id must not be resumed")
	}
	if id, ok, _ := env.kv.Get(ctx, "conversation:in-progress:user-1"); !ok || id != conversation.ID {
		t.Errorf("cache must point at the fresh stub, got (%q, %v)", id, ok)
	}
}

func TestOnTranscriptBatchMergesAndPublishes(t *testing.T) {
	env := newTestEnv()
	ctx := context.Background()
	session := newSession("user-1", entities.SourceDevice)
	conversation, err := env.service.StartOrResume(ctx, session, nil)
	if err != nil {
		t.Fatal(err)
	}

	batch := []entities.TranscriptSegment{
		entities.NewTranscriptSegment("Hello", "SPEAKER_00", false, 0, 1, entities.STTProviderDeepgram),
		entities.NewTranscriptSegment("world.", "SPEAKER_00", false, 1.1, 2, entities.STTProviderDeepgram),
	}
	if err := env.service.OnTranscriptBatch(ctx, session, batch); err != nil {
		t.Fatal(err)
	}

	stored := env.conversations.get(conversation.ID)
	if len(stored.TranscriptSegments) != 1 || stored.TranscriptSegments[0].Text != "Hello world." {
		t.Errorf("segments not merged: %+v", stored.TranscriptSegments)
	}
	if !env.publisher.has("transcript_segments") {
		t.Error("merged segments must be published")
	}
	if session.LastSegment().IsZero() {
		t.Error("session segment mark must be touched")
	}
}

func TestOnTranscriptBatchWithoutConversationIsNoop(t *testing.T) {
	env := newTestEnv()
	session := newSession("user-1", entities.SourceDevice)
	if err := env.service.OnTranscriptBatch(context.Background(), session, batchOf("Hello.")); err != nil {
		t.Fatal(err)
	}
	if len(env.publisher.names()) != 0 {
		t.Error("nothing must be published without a conversation")
	}
}

func TestFinalizePrunesEmptyConversation(t *testing.T) {
	env := newTestEnv()
	ctx := context.Background()
	session := newSession("user-1", entities.SourceDevice)
	conversation, err := env.service.StartOrResume(ctx, session, nil)
	if err != nil {
		t.Fatal(err)
	}

	if err := env.service.Finalize(ctx, "user-1", conversation.ID); err != nil {
		t.Fatal(err)
	}
	if env.conversations.get(conversation.ID) != nil {
		t.Error("empty conversation must be deleted on finalize")
	}
	if _, ok, _ := env.kv.Get(ctx, "conversation:in-progress:user-1"); ok {
		t.Error("in-progress cache must be cleared")
	}
}

func TestFinalizeProcessesConversation(t *testing.T) {
	env := newTestEnv()
	env.llm.structured = &entities.Structured{Title: "Coffee chat", Category: "social", Emoji: "☕"}
	env.llm.candidates = []repositories.MemoryCandidate{
		{Content: "Meets Jordan for coffee on Fridays", Category: "system"},
	}
	ctx := context.Background()
	session := newSession("user-1", entities.SourceDevice)
	conversation, err := env.service.StartOrResume(ctx, session, nil)
	if err != nil {
		t.Fatal(err)
	}
	if err := env.service.OnTranscriptBatch(ctx, session, batchOf("Let's grab coffee on Friday.")); err != nil {
		t.Fatal(err)
	}

	if err := env.service.Finalize(ctx, "user-1", conversation.ID); err != nil {
		t.Fatal(err)
	}

	stored := env.conversations.get(conversation.ID)
	if stored.Status != entities.ConversationStatusCompleted {
		t.Fatalf("unexpected status %q", stored.Status)
	}
	if stored.Structured == nil || stored.Structured.Title != "Coffee chat" {
		t.Errorf("structured summary missing: %+v", stored.Structured)
	}
	if stored.FinishedAt == nil {
		t.Error("FinishedAt must be set")
	}
	if !env.publisher.has("memory_processing_started") {
		t.Error("processing start must be published")
	}

	waitUntil(t, func() bool { return env.publisher.has("memory_created") },
		"memory extraction event not published")
	if env.memoryRepo.count() != 1 {
		t.Errorf("expected 1 memory, got %d", env.memoryRepo.count())
	}
}

func TestFinalizeIgnoresAlreadyProcessedConversation(t *testing.T) {
	env := newTestEnv()
	ctx := context.Background()
	session := newSession("user-1", entities.SourceDevice)
	conversation, err := env.service.StartOrResume(ctx, session, nil)
	if err != nil {
		t.Fatal(err)
	}
	if err := env.service.OnTranscriptBatch(ctx, session, batchOf("Hello there.")); err != nil {
		t.Fatal(err)
	}
	if err := env.service.Finalize(ctx, "user-1", conversation.ID); err != nil {
		t.Fatal(err)
	}

	// A second finalize (disconnect after silence timeout) must be a no-op.
	if err := env.service.Finalize(ctx, "user-1", conversation.ID); err != nil {
		t.Fatal(err)
	}
	if err := env.service.Finalize(ctx, "user-1", "never-existed"); err != nil {
		t.Errorf("finalizing a missing conversation must not error: %v", err)
	}
}

func TestProcessDiscardsOnStructuringFailure(t *testing.T) {
	env := newTestEnv()
	env.llm.structErr = errors.New("model unavailable")
	ctx := context.Background()
	session := newSession("user-1", entities.SourceDevice)
	conversation, err := env.service.StartOrResume(ctx, session, nil)
	if err != nil {
		t.Fatal(err)
	}
	if err := env.service.OnTranscriptBatch(ctx, session, batchOf("Some speech.")); err != nil {
		t.Fatal(err)
	}

	if err := env.service.Finalize(ctx, "user-1", conversation.ID); err != nil {
		t.Fatal(err)
	}

	stored := env.conversations.get(conversation.ID)
	if stored.Status != entities.ConversationStatusCompleted {
		t.Errorf("structuring failure must still complete the conversation, got %q", stored.Status)
	}
	if !stored.Discarded {
		t.Error("structuring failure must discard the conversation")
	}
	waitUntil(t, func() bool { return env.publisher.has("memory_created") },
		"extraction event not published")
	if env.memoryRepo.count() != 0 {
		t.Error("discarded conversations must produce no memories")
	}
}

func TestProcessKeepsLLMDiscardDecision(t *testing.T) {
	env := newTestEnv()
	env.llm.discarded = true
	ctx := context.Background()
	session := newSession("user-1", entities.SourceDevice)
	conversation, err := env.service.StartOrResume(ctx, session, nil)
	if err != nil {
		t.Fatal(err)
	}
	if err := env.service.OnTranscriptBatch(ctx, session, batchOf("Uh huh. Yeah.")); err != nil {
		t.Fatal(err)
	}
	if err := env.service.Finalize(ctx, "user-1", conversation.ID); err != nil {
		t.Fatal(err)
	}

	stored := env.conversations.get(conversation.ID)
	if !stored.Discarded || stored.Status != entities.ConversationStatusCompleted {
		t.Errorf("low-signal conversation must be completed and discarded: %+v", stored.Status)
	}
}

func TestEnrichLinksOverlappingCalendarEvent(t *testing.T) {
	env := newTestEnv()
	ctx := context.Background()
	session := newSession("user-1", entities.SourceDevice)
	geo := &entities.Geolocation{Latitude: 51.52, Longitude: -0.15}
	conversation, err := env.service.StartOrResume(ctx, session, geo)
	if err != nil {
		t.Fatal(err)
	}

	// Ten minutes of speech, fully inside the meeting.
	long := entities.NewTranscriptSegment("A long standup discussion about the quarter.", "SPEAKER_00", false, 0, 600, entities.STTProviderDeepgram)
	if err := env.service.OnTranscriptBatch(ctx, session, []entities.TranscriptSegment{long}); err != nil {
		t.Fatal(err)
	}

	env.calendar.events = []repositories.CalendarEvent{
		{
			ID:       "evt-1",
			UID:      "user-1",
			Title:    "Quarterly planning",
			StartsAt: conversation.StartedAt.Add(-5 * time.Minute),
			EndsAt:   conversation.StartedAt.Add(25 * time.Minute),
		},
		{
			ID:       "evt-2",
			UID:      "user-1",
			Title:    "Unrelated sync",
			StartsAt: conversation.StartedAt.Add(9 * time.Minute),
			EndsAt:   conversation.StartedAt.Add(9*time.Minute + 30*time.Second),
		},
	}

	if err := env.service.Finalize(ctx, "user-1", conversation.ID); err != nil {
		t.Fatal(err)
	}

	stored := env.conversations.get(conversation.ID)
	if stored.CalendarEventLink == nil {
		t.Fatal("overlapping event must be linked")
	}
	if stored.CalendarEventLink.EventID != "evt-1" {
		t.Errorf("best-overlap event must win, got %q", stored.CalendarEventLink.EventID)
	}
	if stored.Geolocation == nil || stored.Geolocation.Address != "221B Baker Street" {
		t.Errorf("address must be reverse geocoded: %+v", stored.Geolocation)
	}
}

func TestEnrichSkipsBriefOverlap(t *testing.T) {
	env := newTestEnv()
	ctx := context.Background()
	session := newSession("user-1", entities.SourceDevice)
	conversation, err := env.service.StartOrResume(ctx, session, nil)
	if err != nil {
		t.Fatal(err)
	}

	// Twenty minutes of speech brushing a twenty-minute meeting for one
	// minute: under the absolute floor and a sliver of the event.
	long := entities.NewTranscriptSegment("A very long conversation.", "SPEAKER_00", false, 0, 1200, entities.STTProviderDeepgram)
	if err := env.service.OnTranscriptBatch(ctx, session, []entities.TranscriptSegment{long}); err != nil {
		t.Fatal(err)
	}
	env.calendar.events = []repositories.CalendarEvent{{
		ID:       "evt-1",
		UID:      "user-1",
		Title:    "Brief brush",
		StartsAt: conversation.StartedAt.Add(19 * time.Minute),
		EndsAt:   conversation.StartedAt.Add(39 * time.Minute),
	}}

	if err := env.service.Finalize(ctx, "user-1", conversation.ID); err != nil {
		t.Fatal(err)
	}
	if stored := env.conversations.get(conversation.ID); stored.CalendarEventLink != nil {
		t.Errorf("one-minute brush must not link: %+v", stored.CalendarEventLink)
	}
}

func TestEnrichLinksShortEventFullyCovered(t *testing.T) {
	env := newTestEnv()
	ctx := context.Background()
	session := newSession("user-1", entities.SourceDevice)
	conversation, err := env.service.StartOrResume(ctx, session, nil)
	if err != nil {
		t.Fatal(err)
	}

	// A four-minute event inside ten minutes of speech: 240s of overlap is
	// under the absolute floor but covers the whole event.
	long := entities.NewTranscriptSegment("A long conversation around a short meeting.", "SPEAKER_00", false, 0, 600, entities.STTProviderDeepgram)
	if err := env.service.OnTranscriptBatch(ctx, session, []entities.TranscriptSegment{long}); err != nil {
		t.Fatal(err)
	}
	env.calendar.events = []repositories.CalendarEvent{{
		ID:       "evt-1",
		UID:      "user-1",
		Title:    "Quick check-in",
		StartsAt: conversation.StartedAt.Add(2 * time.Minute),
		EndsAt:   conversation.StartedAt.Add(6 * time.Minute),
	}}

	if err := env.service.Finalize(ctx, "user-1", conversation.ID); err != nil {
		t.Fatal(err)
	}
	stored := env.conversations.get(conversation.ID)
	if stored.CalendarEventLink == nil {
		t.Fatal("an event mostly covered by the conversation must link")
	}
	if stored.CalendarEventLink.EventID != "evt-1" || stored.CalendarEventLink.OverlapSeconds != 240 {
		t.Errorf("unexpected link: %+v", stored.CalendarEventLink)
	}
}

func TestAddPhotoBuffersIntoCurrentConversation(t *testing.T) {
	env := newTestEnv()
	ctx := context.Background()
	session := newSession("user-1", entities.SourceDevice)
	conversation, err := env.service.StartOrResume(ctx, session, nil)
	if err != nil {
		t.Fatal(err)
	}

	if err := env.service.AddPhoto(ctx, "user-1", "photos/p1.jpg"); err != nil {
		t.Fatal(err)
	}
	stored := env.conversations.get(conversation.ID)
	if len(stored.Photos) != 1 || stored.Photos[0].Path != "photos/p1.jpg" {
		t.Errorf("photo not attached: %+v", stored.Photos)
	}
	if !env.publisher.has("image_cleared") {
		t.Error("image_cleared must be published after the photo is stored")
	}
}

func TestStandalonePhotosTransferIntoNextConversation(t *testing.T) {
	env := newTestEnv()
	ctx := context.Background()

	// Photo arrives with no audio session: image-only stub.
	if err := env.service.AddPhoto(ctx, "user-1", "photos/p1.jpg"); err != nil {
		t.Fatal(err)
	}
	stubs, _ := env.conversations.ListByUID(ctx, "user-1", nil, 0)
	if len(stubs) != 1 || len(stubs[0].Photos) != 1 {
		t.Fatalf("expected one image-only stub, got %+v", stubs)
	}
	donorID := stubs[0].ID

	// Audio starts within the transfer window.
	session := newSession("user-1", entities.SourceDevice)
	conversation, err := env.service.StartOrResume(ctx, session, nil)
	if err != nil {
		t.Fatal(err)
	}
	if len(conversation.Photos) != 1 || conversation.Photos[0].Path != "photos/p1.jpg" {
		t.Errorf("photos not transferred: %+v", conversation.Photos)
	}

	donor := env.conversations.get(donorID)
	if !donor.Discarded || donor.Status != entities.ConversationStatusCompleted {
		t.Errorf("donor must be discarded and closed: status=%q discarded=%v", donor.Status, donor.Discarded)
	}
	if len(donor.Photos) != 0 {
		t.Errorf("donor must not keep the photos: %+v", donor.Photos)
	}
}
