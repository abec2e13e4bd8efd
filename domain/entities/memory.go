package entities

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"strings"
	"time"
)

// MemoryCategory is the canonical category set. Legacy values are collapsed by
// NormalizeCategory at every read and write boundary.
type MemoryCategory string

const (
	CategoryManual      MemoryCategory = "manual"
	CategorySystem      MemoryCategory = "system"
	CategoryInteresting MemoryCategory = "interesting"
)

// MemoryVisibility controls who can see a memory.
type MemoryVisibility string

const (
	VisibilityPrivate MemoryVisibility = "private"
	VisibilityShared  MemoryVisibility = "shared"
	VisibilityPublic  MemoryVisibility = "public"
)

// legacyCategories maps retired category values onto the canonical three.
// Kept as data so new legacy values are a table edit, not a redeploy.
var legacyCategories = map[string]MemoryCategory{
	"core":      CategorySystem,
	"hobbies":   CategorySystem,
	"lifestyle": CategorySystem,
	"interests": CategorySystem,
	"work":      CategorySystem,
	"skills":    CategorySystem,
	"habits":    CategorySystem,
	"other":     CategorySystem,
	"auto":      CategorySystem,
	"learnings": CategoryInteresting,
}

// NormalizeCategory collapses any stored category value to one of
// {manual, system, interesting}. Unrecognized values default to system.
func NormalizeCategory(raw string) MemoryCategory {
	switch MemoryCategory(raw) {
	case CategoryManual, CategorySystem, CategoryInteresting:
		return MemoryCategory(raw)
	}
	if mapped, ok := legacyCategories[strings.ToLower(strings.TrimSpace(raw))]; ok {
		return mapped
	}
	return CategorySystem
}

// categoryPriority orders memories: manual > interesting > system.
func categoryPriority(c MemoryCategory) int {
	switch c {
	case CategoryManual:
		return 100
	case CategoryInteresting:
		return 60
	default:
		return 50
	}
}

// MemoryScoring builds the lexicographic sort key "{priority:03d}_{ts:010d}".
// Higher priority sorts after lower; within a category newer sorts after older.
func MemoryScoring(category MemoryCategory, t time.Time) string {
	return fmt.Sprintf("%03d_%010d", categoryPriority(category), t.Unix())
}

// MemoryContentID derives the deterministic id for a memory from its content.
// Two candidates with identical content always collide, which makes extraction
// re-runs idempotent.
func MemoryContentID(uid, content string) string {
	sum := sha256.Sum256([]byte(uid + "|" + strings.ToLower(strings.TrimSpace(content))))
	return hex.EncodeToString(sum[:16])
}

// Memory is a single durable fact about the user or an external insight.
type Memory struct {
	ID             string           `json:"id" bson:"_id"`
	UID            string           `json:"uid" bson:"uid"`
	Content        string           `json:"content" bson:"content"`
	Category       MemoryCategory   `json:"category" bson:"category"`
	Tags           []string         `json:"tags,omitempty" bson:"tags,omitempty"`
	ConversationID string           `json:"conversation_id,omitempty" bson:"conversation_id,omitempty"`
	CreatedAt      time.Time        `json:"created_at" bson:"created_at"`
	UpdatedAt      time.Time        `json:"updated_at" bson:"updated_at"`
	Visibility     MemoryVisibility `json:"visibility" bson:"visibility"`
	ManuallyAdded  bool             `json:"manually_added" bson:"manually_added"`
	UserReview     *bool            `json:"user_review,omitempty" bson:"user_review,omitempty"`
	Scoring        string           `json:"scoring" bson:"scoring"`
}

// NewMemory builds a memory with its content-hash id and scoring key.
func NewMemory(uid, content string, category MemoryCategory, conversationID string) *Memory {
	now := time.Now().UTC()
	category = NormalizeCategory(string(category))
	return &Memory{
		ID:             MemoryContentID(uid, content),
		UID:            uid,
		Content:        content,
		Category:       category,
		ConversationID: conversationID,
		CreatedAt:      now,
		UpdatedAt:      now,
		Visibility:     VisibilityPrivate,
		ManuallyAdded:  category == CategoryManual,
		Scoring:        MemoryScoring(category, now),
	}
}

// Normalize enforces the category and scoring invariants on a memory read
// from storage, repairing records written by older schema versions.
func (m *Memory) Normalize() {
	m.Category = NormalizeCategory(string(m.Category))
	if m.Visibility == "" {
		m.Visibility = VisibilityPrivate
	}
	if m.Scoring == "" {
		ts := m.CreatedAt
		if ts.IsZero() {
			ts = time.Now().UTC()
		}
		m.Scoring = MemoryScoring(m.Category, ts)
	}
}

// Validate is applied before every persistence write.
func (m *Memory) Validate() error {
	if m.ID == "" {
		return fmt.Errorf("id is required")
	}
	if m.UID == "" {
		return fmt.Errorf("uid is required")
	}
	if strings.TrimSpace(m.Content) == "" {
		return fmt.Errorf("content is required")
	}
	return nil
}
