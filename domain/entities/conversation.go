package entities

import (
	"errors"
	"strings"
	"time"
)

// ConversationStatus tracks the lifecycle state machine.
type ConversationStatus string

const (
	ConversationStatusInProgress ConversationStatus = "in_progress"
	ConversationStatusProcessing ConversationStatus = "processing"
	ConversationStatusCompleted  ConversationStatus = "completed"
	ConversationStatusFailed     ConversationStatus = "failed"
)

// ConversationSource identifies where the audio came from.
type ConversationSource string

const (
	SourceDevice   ConversationSource = "device"
	SourceDesktop  ConversationSource = "desktop"
	SourceWorkflow ConversationSource = "workflow"
	SourceExternal ConversationSource = "external"
)

// PostprocessingStatus tracks the optional re-transcription pass.
type PostprocessingStatus string

const (
	PostprocessingNotStarted PostprocessingStatus = "not_started"
	PostprocessingInProgress PostprocessingStatus = "in_progress"
	PostprocessingCompleted  PostprocessingStatus = "completed"
	PostprocessingCanceled   PostprocessingStatus = "canceled"
	PostprocessingFailed     PostprocessingStatus = "failed"
)

// ActionItem is a task the structuring model pulled out of the transcript.
type ActionItem struct {
	Description string `json:"description" bson:"description"`
	Completed   bool   `json:"completed" bson:"completed"`
}

// Event is a calendar-worthy occurrence mentioned in the conversation.
type Event struct {
	Title       string    `json:"title" bson:"title"`
	Description string    `json:"description,omitempty" bson:"description,omitempty"`
	StartsAt    time.Time `json:"starts_at" bson:"starts_at"`
	DurationMin int       `json:"duration_minutes" bson:"duration_minutes"`
	Created     bool      `json:"created" bson:"created"`
}

// Structured holds the LLM-derived summary fields.
type Structured struct {
	Title       string       `json:"title" bson:"title"`
	Overview    string       `json:"overview" bson:"overview"`
	Category    string       `json:"category" bson:"category"`
	Emoji       string       `json:"emoji" bson:"emoji"`
	ActionItems []ActionItem `json:"action_items" bson:"action_items"`
	Events      []Event      `json:"events" bson:"events"`
}

// Geolocation is an optional fix captured at conversation start.
type Geolocation struct {
	Latitude  float64 `json:"latitude" bson:"latitude"`
	Longitude float64 `json:"longitude" bson:"longitude"`
	Address   string  `json:"address,omitempty" bson:"address,omitempty"`
	LocLabel  string  `json:"location_label,omitempty" bson:"location_label,omitempty"`
}

// CalendarEventLink attaches a matched calendar event to the conversation.
type CalendarEventLink struct {
	EventID        string  `json:"event_id" bson:"event_id"`
	Title          string  `json:"title" bson:"title"`
	OverlapSeconds float64 `json:"overlap_seconds" bson:"overlap_seconds"`
}

// Photo is an image captured by the device, stored by blob path.
type Photo struct {
	Path       string    `json:"path" bson:"path"`
	CapturedAt time.Time `json:"captured_at" bson:"captured_at"`
}

// Conversation is a bounded session of transcribed speech plus derived artifacts.
// Segments are embedded by value; nothing points back at the conversation.
type Conversation struct {
	ID                   string               `json:"id" bson:"_id"`
	UID                  string               `json:"uid" bson:"uid"`
	Status               ConversationStatus   `json:"status" bson:"status"`
	Source               ConversationSource   `json:"source" bson:"source"`
	Language             string               `json:"language" bson:"language"`
	CreatedAt            time.Time            `json:"created_at" bson:"created_at"`
	StartedAt            time.Time            `json:"started_at" bson:"started_at"`
	FinishedAt           *time.Time           `json:"finished_at,omitempty" bson:"finished_at,omitempty"`
	TranscriptSegments   []TranscriptSegment  `json:"transcript_segments" bson:"transcript_segments"`
	Photos               []Photo              `json:"photos,omitempty" bson:"photos,omitempty"`
	Structured           *Structured          `json:"structured,omitempty" bson:"structured,omitempty"`
	Discarded            bool                 `json:"discarded" bson:"discarded"`
	Geolocation          *Geolocation         `json:"geolocation,omitempty" bson:"geolocation,omitempty"`
	CalendarEventLink    *CalendarEventLink   `json:"calendar_event_link,omitempty" bson:"calendar_event_link,omitempty"`
	PostprocessingStatus PostprocessingStatus `json:"postprocessing_status" bson:"postprocessing_status"`
	KGExtracted          bool                 `json:"kg_extracted" bson:"kg_extracted"`
}

// NewConversation creates the in-progress stub written when audio begins.
func NewConversation(id, uid string, source ConversationSource, language string) *Conversation {
	now := time.Now().UTC()
	return &Conversation{
		ID:                   id,
		UID:                  uid,
		Status:               ConversationStatusInProgress,
		Source:               source,
		Language:             language,
		CreatedAt:            now,
		StartedAt:            now,
		TranscriptSegments:   []TranscriptSegment{},
		PostprocessingStatus: PostprocessingNotStarted,
	}
}

// IsEmpty reports whether the conversation holds nothing worth keeping.
// Empty conversations are deleted on finalization, never persisted as completed.
func (c *Conversation) IsEmpty() bool {
	return len(c.TranscriptSegments) == 0 && len(c.Photos) == 0
}

// Transcript renders the segments as speaker-labelled lines for LLM prompts.
func (c *Conversation) Transcript(includeTimestamps bool) string {
	var b strings.Builder
	for _, s := range c.TranscriptSegments {
		label := s.Speaker
		if s.IsUser {
			label = "User"
		}
		b.WriteString(label)
		b.WriteString(": ")
		b.WriteString(s.Text)
		b.WriteString("\n")
	}
	return strings.TrimSpace(b.String())
}

// TranscriptChars counts the transcript length, used by the post-processing
// quality gate.
func (c *Conversation) TranscriptChars() int {
	n := 0
	for _, s := range c.TranscriptSegments {
		n += len(s.Text)
	}
	return n
}

// LastSegmentEnd returns the end offset of the final segment in seconds.
func (c *Conversation) LastSegmentEnd() float64 {
	if len(c.TranscriptSegments) == 0 {
		return 0
	}
	return c.TranscriptSegments[len(c.TranscriptSegments)-1].End
}

// MarkProcessing transitions the conversation into the processing state.
// Only in-progress conversations may start processing.
func (c *Conversation) MarkProcessing() error {
	if c.Status != ConversationStatusInProgress {
		return errors.New("conversation is not in progress")
	}
	c.Status = ConversationStatusProcessing
	finished := c.StartedAt.Add(time.Duration(c.LastSegmentEnd() * float64(time.Second)))
	c.FinishedAt = &finished
	return nil
}

// MarkCompleted transitions a processing conversation to completed.
func (c *Conversation) MarkCompleted() error {
	if c.Status != ConversationStatusProcessing {
		return errors.New("conversation is not processing")
	}
	c.Status = ConversationStatusCompleted
	return nil
}

// MarkFailed records an unrecoverable processing failure.
func (c *Conversation) MarkFailed() {
	c.Status = ConversationStatusFailed
}

// Validate checks the invariants enforced at every persistence boundary.
func (c *Conversation) Validate() error {
	if c.ID == "" {
		return errors.New("id is required")
	}
	if c.UID == "" {
		return errors.New("uid is required")
	}
	switch c.Status {
	case ConversationStatusInProgress, ConversationStatusProcessing,
		ConversationStatusCompleted, ConversationStatusFailed:
	default:
		return errors.New("invalid conversation status")
	}
	seen := make(map[string]bool, len(c.TranscriptSegments))
	for _, s := range c.TranscriptSegments {
		if s.End < s.Start {
			return errors.New("segment end precedes start")
		}
		if seen[s.ID] {
			return errors.New("duplicate segment id")
		}
		seen[s.ID] = true
	}
	return nil
}
