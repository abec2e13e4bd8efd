package entities

import (
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Session is the ephemeral state behind one ingress websocket connection.
// It is created on accept and destroyed on disconnect or silence timeout;
// nothing here is persisted. The conversation binding and the speech marks
// are touched from the audio, transcript, and silence-watch goroutines, so
// they live behind mu.
type Session struct {
	ID         string
	UID        string
	Source     ConversationSource
	Language   string
	SampleRate int
	Codec      string
	Provider   STTProvider
	StartedAt  time.Time

	mu             sync.Mutex
	conversationID string
	lastSegmentAt  time.Time
	lastSpeechAt   time.Time
}

// NewSession creates session state for a freshly accepted connection.
func NewSession(uid string, source ConversationSource, language string, sampleRate int, codec string) *Session {
	now := time.Now().UTC()
	return &Session{
		ID:         uuid.NewString(),
		UID:        uid,
		Source:     source,
		Language:   language,
		SampleRate: sampleRate,
		Codec:      codec,
		StartedAt:  now,
	}
}

// Conversation returns the bound conversation id, "" when none.
func (s *Session) Conversation() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.conversationID
}

// BindConversation attaches the session to a conversation.
func (s *Session) BindConversation(id string) {
	s.mu.Lock()
	s.conversationID = id
	s.mu.Unlock()
}

// ReleaseConversation clears the binding and returns the previous id, so that
// exactly one caller finalizes a conversation.
func (s *Session) ReleaseConversation() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	id := s.conversationID
	s.conversationID = ""
	return id
}

// TouchSegment records that transcript segments arrived.
func (s *Session) TouchSegment(now time.Time) {
	s.mu.Lock()
	s.lastSegmentAt = now
	s.lastSpeechAt = now
	s.mu.Unlock()
}

// TouchSpeech records that a speech frame passed the VAD gate.
func (s *Session) TouchSpeech(now time.Time) {
	s.mu.Lock()
	s.lastSpeechAt = now
	s.mu.Unlock()
}

// LastSegment returns when transcript segments last arrived; zero when none
// have.
func (s *Session) LastSegment() time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastSegmentAt
}

// SilenceExceeded reports whether the silence timer should fire. Sessions that
// never produced speech are measured from their start.
func (s *Session) SilenceExceeded(now time.Time, timeout time.Duration) bool {
	s.mu.Lock()
	ref := s.lastSpeechAt
	s.mu.Unlock()
	if ref.IsZero() {
		ref = s.StartedAt
	}
	return now.Sub(ref) >= timeout
}

// SegmentOffset converts a wall-clock instant into seconds from conversation
// start, the unit segment timestamps are expressed in.
func (s *Session) SegmentOffset(t time.Time) float64 {
	return t.Sub(s.StartedAt).Seconds()
}

// Validate checks the fields required before the session can ingest audio.
func (s *Session) Validate() error {
	if s.UID == "" {
		return errors.New("uid is required")
	}
	if s.SampleRate != 8000 && s.SampleRate != 16000 {
		return errors.New("sample rate must be 8000 or 16000")
	}
	switch s.Source {
	case SourceDevice, SourceDesktop, SourceWorkflow, SourceExternal:
	default:
		return errors.New("invalid source")
	}
	return nil
}
