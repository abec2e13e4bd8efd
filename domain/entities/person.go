package entities

import (
	"errors"
	"time"
)

// Speech sample schema versions. v1 stored audio only; v2 stores a transcript
// alongside every sample.
const (
	SpeechSamplesV1 = 1
	SpeechSamplesV2 = 2
)

// Person is an enrolled non-self speaker with stored voice samples.
type Person struct {
	ID                      string    `json:"id" bson:"_id"`
	UID                     string    `json:"uid" bson:"uid"`
	Name                    string    `json:"name" bson:"name"`
	SpeechSamples           []string  `json:"speech_samples" bson:"speech_samples"`
	SpeechSampleTranscripts []string  `json:"speech_sample_transcripts" bson:"speech_sample_transcripts"`
	SpeechSamplesVersion    int       `json:"speech_samples_version" bson:"speech_samples_version"`
	SpeakerEmbedding        []float32 `json:"speaker_embedding,omitempty" bson:"speaker_embedding,omitempty"`
	CreatedAt               time.Time `json:"created_at" bson:"created_at"`
	UpdatedAt               time.Time `json:"updated_at" bson:"updated_at"`
}

// NewPerson enrolls a person at the current sample schema version.
func NewPerson(id, uid, name string) *Person {
	now := time.Now().UTC()
	return &Person{
		ID:                      id,
		UID:                     uid,
		Name:                    name,
		SpeechSamples:           []string{},
		SpeechSampleTranscripts: []string{},
		SpeechSamplesVersion:    SpeechSamplesV2,
		CreatedAt:               now,
		UpdatedAt:               now,
	}
}

// Validate enforces the v2 parallel-list invariant.
func (p *Person) Validate() error {
	if p.UID == "" {
		return errors.New("uid is required")
	}
	if p.Name == "" {
		return errors.New("name is required")
	}
	if p.SpeechSamplesVersion == SpeechSamplesV2 &&
		len(p.SpeechSamples) != len(p.SpeechSampleTranscripts) {
		return errors.New("speech samples and transcripts must be parallel")
	}
	return nil
}

// DropSample removes the sample at index i along with its transcript. When the
// last sample goes, the embedding is invalidated, forcing re-enrollment.
func (p *Person) DropSample(i int) {
	if i < 0 || i >= len(p.SpeechSamples) {
		return
	}
	p.SpeechSamples = append(p.SpeechSamples[:i], p.SpeechSamples[i+1:]...)
	if p.SpeechSamplesVersion == SpeechSamplesV2 && i < len(p.SpeechSampleTranscripts) {
		p.SpeechSampleTranscripts = append(p.SpeechSampleTranscripts[:i], p.SpeechSampleTranscripts[i+1:]...)
	}
	if len(p.SpeechSamples) == 0 {
		p.SpeakerEmbedding = nil
	}
	p.UpdatedAt = time.Now().UTC()
}
