package speaker

import (
	"context"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/sonara-ai/sonara/server/domain/entities"
	"github.com/sonara-ai/sonara/server/domain/repositories"
)

// ProfileManager maintains enrolled speech samples: quality gating on new
// samples and the v1 to v2 schema migration.
type ProfileManager struct {
	people repositories.PersonRepository
	stt    repositories.SpeechToText
	vad    repositories.VoiceActivityDetector
	voices repositories.VoiceEmbedder
	kv     repositories.KeyValue
	logger *zap.Logger
}

// NewProfileManager creates a profile manager. stt is the file-based
// transcription provider used for sample transcripts; voices may be nil when
// no embedding endpoint is configured.
func NewProfileManager(people repositories.PersonRepository, stt repositories.SpeechToText, vad repositories.VoiceActivityDetector, voices repositories.VoiceEmbedder, kv repositories.KeyValue, logger *zap.Logger) *ProfileManager {
	return &ProfileManager{people: people, stt: stt, vad: vad, voices: voices, kv: kv, logger: logger}
}

func sampleConfig(language string) repositories.AudioConfig {
	if language == "" {
		language = "en-US"
	}
	return repositories.AudioConfig{SampleRate: 16000, Channels: 1, Language: language}
}

// GateSamples drops enrolled samples that fail VAD or produce no transcript.
// Dropping the last sample invalidates the embedding, forcing re-enrollment.
func (m *ProfileManager) GateSamples(ctx context.Context, person *entities.Person, language string) error {
	dropped := 0
	for i := len(person.SpeechSamples) - 1; i >= 0; i-- {
		path := person.SpeechSamples[i]
		if !m.sampleUsable(ctx, path, language) {
			person.DropSample(i)
			dropped++
		}
	}
	if dropped == 0 {
		return nil
	}
	m.logger.Info("Dropped low-quality speech samples",
		zap.String("person_id", person.ID),
		zap.Int("dropped", dropped),
		zap.Int("remaining", len(person.SpeechSamples)))
	return m.people.Update(ctx, person)
}

func (m *ProfileManager) sampleUsable(ctx context.Context, path, language string) bool {
	intervals, err := m.vad.SpeechIntervals(ctx, path)
	if err != nil || len(intervals) == 0 {
		return false
	}
	segments, err := m.stt.TranscribeFile(ctx, path, sampleConfig(language))
	if err != nil {
		return false
	}
	for _, segment := range segments {
		if strings.TrimSpace(segment.Text) != "" {
			return true
		}
	}
	return false
}

// AddSample enrolls one voice sample. The sample must pass the quality gate;
// accepted samples refresh the person's speaker embedding when an embedding
// endpoint is configured.
func (m *ProfileManager) AddSample(ctx context.Context, person *entities.Person, wavPath, language string) error {
	if err := m.MigrateSamples(ctx, person, language); err != nil {
		return err
	}
	if !m.sampleUsable(ctx, wavPath, language) {
		return fmt.Errorf("sample rejected by quality gate")
	}

	segments, err := m.stt.TranscribeFile(ctx, wavPath, sampleConfig(language))
	if err != nil {
		return fmt.Errorf("failed to transcribe sample: %w", err)
	}
	var text strings.Builder
	for _, segment := range segments {
		if text.Len() > 0 {
			text.WriteByte(' ')
		}
		text.WriteString(segment.Text)
	}

	person.SpeechSamples = append(person.SpeechSamples, wavPath)
	person.SpeechSampleTranscripts = append(person.SpeechSampleTranscripts, text.String())

	if m.voices != nil {
		embedding, err := m.voices.EmbedProfile(ctx, person.SpeechSamples)
		if err != nil {
			m.logger.Warn("Failed to refresh speaker embedding",
				zap.String("person_id", person.ID),
				zap.Error(err))
		} else {
			person.SpeakerEmbedding = embedding
		}
	}
	return m.people.Update(ctx, person)
}

// MigrateSamples upgrades a person from the v1 sample schema (audio only) to
// v2 (audio plus transcript). The migration holds a per-(uid, person) lock so
// concurrent sessions cannot rewrite the lists; a transient transcription
// failure defers the migration without deleting blobs.
func (m *ProfileManager) MigrateSamples(ctx context.Context, person *entities.Person, language string) error {
	if person.SpeechSamplesVersion >= entities.SpeechSamplesV2 {
		return nil
	}

	lockKey := fmt.Sprintf("speech-profile:%s:%s", person.UID, person.ID)
	release, err := m.kv.AcquireLock(ctx, lockKey, 2*time.Minute)
	if err != nil {
		return fmt.Errorf("failed to lock speech profile migration: %w", err)
	}
	defer release()

	// Another holder may have migrated while we waited.
	current, err := m.people.GetByID(ctx, person.UID, person.ID)
	if err != nil {
		return fmt.Errorf("failed to reload person: %w", err)
	}
	if current.SpeechSamplesVersion >= entities.SpeechSamplesV2 {
		*person = *current
		return nil
	}

	transcripts := make([]string, 0, len(current.SpeechSamples))
	for _, path := range current.SpeechSamples {
		segments, err := m.stt.TranscribeFile(ctx, path, sampleConfig(language))
		if err != nil {
			m.logger.Warn("Deferring speech profile migration",
				zap.String("person_id", current.ID),
				zap.String("sample", path),
				zap.Error(err))
			return nil
		}
		var text strings.Builder
		for _, segment := range segments {
			if text.Len() > 0 {
				text.WriteByte(' ')
			}
			text.WriteString(segment.Text)
		}
		transcripts = append(transcripts, text.String())
	}

	current.SpeechSampleTranscripts = transcripts
	current.SpeechSamplesVersion = entities.SpeechSamplesV2
	if err := m.people.Update(ctx, current); err != nil {
		return fmt.Errorf("failed to persist migrated profile: %w", err)
	}
	*person = *current
	m.logger.Info("Migrated speech profile to v2",
		zap.String("person_id", current.ID),
		zap.Int("samples", len(current.SpeechSamples)))
	return nil
}
