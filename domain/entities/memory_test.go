package entities

import (
	"testing"
	"time"
)

func TestNormalizeCategory(t *testing.T) {
	tests := []struct {
		raw  string
		want MemoryCategory
	}{
		{"manual", CategoryManual},
		{"system", CategorySystem},
		{"interesting", CategoryInteresting},
		{"core", CategorySystem},
		{"hobbies", CategorySystem},
		{"learnings", CategoryInteresting},
		{"  Work  ", CategorySystem},
		{"", CategorySystem},
		{"garbage", CategorySystem},
	}
	for _, tt := range tests {
		if got := NormalizeCategory(tt.raw); got != tt.want {
			t.Errorf("NormalizeCategory(%q) = %q, want %q", tt.raw, got, tt.want)
		}
	}
}

func TestMemoryScoringOrdersByCategoryThenTime(t *testing.T) {
	earlier := time.Unix(1700000000, 0)
	later := time.Unix(1700003600, 0)

	oldManual := MemoryScoring(CategoryManual, earlier)
	newManual := MemoryScoring(CategoryManual, later)
	newSystem := MemoryScoring(CategorySystem, later)
	newInteresting := MemoryScoring(CategoryInteresting, later)

	if !(newManual > oldManual) {
		t.Errorf("newer manual must sort after older: %q vs %q", newManual, oldManual)
	}
	if !(oldManual > newInteresting) {
		t.Errorf("manual must outrank interesting regardless of age: %q vs %q", oldManual, newInteresting)
	}
	if !(newInteresting > newSystem) {
		t.Errorf("interesting must outrank system: %q vs %q", newInteresting, newSystem)
	}
}

func TestMemoryContentIDIsDeterministic(t *testing.T) {
	a := MemoryContentID("user-1", "Likes hiking in the mountains")
	b := MemoryContentID("user-1", "  likes hiking in the mountains  ")
	c := MemoryContentID("user-1", "Prefers tea over coffee")
	d := MemoryContentID("user-2", "Likes hiking in the mountains")

	if a != b {
		t.Errorf("case and whitespace must not change the id: %q vs %q", a, b)
	}
	if a == c {
		t.Error("different content must produce different ids")
	}
	if a == d {
		t.Error("different uids must produce different ids")
	}
	if len(a) != 32 {
		t.Errorf("unexpected id length %d", len(a))
	}
}

func TestNewMemoryDefaults(t *testing.T) {
	m := NewMemory("user-1", "Enjoys rock climbing", CategoryManual, "conv-1")

	if m.ID != MemoryContentID("user-1", "Enjoys rock climbing") {
		t.Errorf("id is not the content hash: %q", m.ID)
	}
	if !m.ManuallyAdded {
		t.Error("manual memories must be flagged as manually added")
	}
	if m.Visibility != VisibilityPrivate {
		t.Errorf("default visibility must be private, got %q", m.Visibility)
	}
	if m.Scoring == "" {
		t.Error("scoring must be set at creation")
	}

	auto := NewMemory("user-1", "Works at a startup", CategorySystem, "")
	if auto.ManuallyAdded {
		t.Error("system memories must not be flagged as manually added")
	}
}

func TestMemoryNormalizeRepairsLegacyRecords(t *testing.T) {
	m := &Memory{
		ID:        "abc",
		UID:       "user-1",
		Content:   "Plays the guitar",
		Category:  "hobbies",
		CreatedAt: time.Unix(1700000000, 0),
	}
	m.Normalize()

	if m.Category != CategorySystem {
		t.Errorf("legacy category not collapsed: %q", m.Category)
	}
	if m.Visibility != VisibilityPrivate {
		t.Errorf("missing visibility not defaulted: %q", m.Visibility)
	}
	if m.Scoring != MemoryScoring(CategorySystem, m.CreatedAt) {
		t.Errorf("missing scoring not rebuilt: %q", m.Scoring)
	}
}

func TestMemoryValidate(t *testing.T) {
	valid := NewMemory("user-1", "Speaks three languages", CategorySystem, "")
	if err := valid.Validate(); err != nil {
		t.Errorf("valid memory rejected: %v", err)
	}

	tests := []struct {
		name   string
		mutate func(*Memory)
	}{
		{"missing id", func(m *Memory) { m.ID = "" }},
		{"missing uid", func(m *Memory) { m.UID = "" }},
		{"blank content", func(m *Memory) { m.Content = "   " }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			m := NewMemory("user-1", "Speaks three languages", CategorySystem, "")
			tt.mutate(m)
			if err := m.Validate(); err == nil {
				t.Error("expected validation error")
			}
		})
	}
}
