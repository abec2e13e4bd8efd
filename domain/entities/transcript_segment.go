package entities

import (
	"sort"
	"strconv"
	"strings"
	"unicode"

	"github.com/google/uuid"
)

// STTProvider tags which backend produced a segment. Segments from different
// providers are never merged together.
type STTProvider string

const (
	STTProviderGoogle   STTProvider = "google"
	STTProviderDeepgram STTProvider = "deepgram"
	STTProviderOffline  STTProvider = "offline"
)

// TranscriptSegment is one contiguous run of transcribed speech attributed to a
// single speaker.
type TranscriptSegment struct {
	ID                     string      `json:"id" bson:"id"`
	Text                   string      `json:"text" bson:"text"`
	Speaker                string      `json:"speaker" bson:"speaker"`
	SpeakerID              int         `json:"speaker_id" bson:"speaker_id"`
	IsUser                 bool        `json:"is_user" bson:"is_user"`
	PersonID               string      `json:"person_id,omitempty" bson:"person_id,omitempty"`
	Start                  float64     `json:"start" bson:"start"`
	End                    float64     `json:"end" bson:"end"`
	Provider               STTProvider `json:"stt_provider" bson:"stt_provider"`
	SpeechProfileProcessed bool        `json:"speech_profile_processed" bson:"speech_profile_processed"`
}

// NewTranscriptSegment assigns a stable id at creation time. The id never
// changes afterwards, even when the segment's text is rewritten by merging.
func NewTranscriptSegment(text, speaker string, isUser bool, start, end float64, provider STTProvider) TranscriptSegment {
	return TranscriptSegment{
		ID:        uuid.NewString(),
		Text:      text,
		Speaker:   speaker,
		SpeakerID: ParseSpeakerID(speaker),
		IsUser:    isUser,
		Start:     start,
		End:       end,
		Provider:  provider,
	}
}

// ParseSpeakerID extracts the integer from a SPEAKER_NN label. 0 means
// diarization was inactive.
func ParseSpeakerID(speaker string) int {
	idx := strings.LastIndex(speaker, "_")
	if idx < 0 {
		return 0
	}
	n, err := strconv.Atoi(speaker[idx+1:])
	if err != nil || n < 0 {
		return 0
	}
	return n
}

// Duration returns the segment length in seconds.
func (s *TranscriptSegment) Duration() float64 {
	return s.End - s.Start
}

const (
	// Gap below which two same-speaker segments are considered one utterance.
	maxMergeGapSeconds = 3.0
	// Segments shorter than this keep merging even after a completed sentence.
	shortSegmentChars = 125
)

// CombineSegments stitches a batch of raw STT segments onto the persisted list
// and returns the new canonical list, the subset that must be (re)persisted,
// and the ids of previously persisted segments that were merged away.
//
// The canonical list is always sorted by start, contains no empty-text
// segments, and re-applying the same batch is a no-op.
func CombineSegments(existing []TranscriptSegment, batch []TranscriptSegment) (segments []TranscriptSegment, updated []TranscriptSegment, removedIDs []string) {
	persisted := make(map[string]bool, len(existing))
	for _, s := range existing {
		persisted[s.ID] = true
	}

	segments = make([]TranscriptSegment, len(existing))
	copy(segments, existing)

	seen := make(map[string]bool, len(segments))
	for _, s := range segments {
		seen[s.ID] = true
	}

	dirty := make(map[string]bool)
	removedIDs = []string{}

	batch = append([]TranscriptSegment(nil), batch...)
	sort.SliceStable(batch, func(i, j int) bool { return batch[i].Start < batch[j].Start })

	for _, b := range batch {
		if strings.TrimSpace(b.Text) == "" {
			continue
		}
		if seen[b.ID] {
			// Batch replay; this segment is already part of the canonical list.
			continue
		}
		seen[b.ID] = true

		if len(segments) == 0 {
			segments = append(segments, b)
			dirty[b.ID] = true
			continue
		}

		a := &segments[len(segments)-1]

		// A replayed segment may have been absorbed into the tail by an
		// earlier apply, losing its id. Recognize it by its text and span:
		// genuinely new speech always extends past the tail's end.
		if a.Provider == b.Provider && b.End <= a.End &&
			strings.HasSuffix(a.Text, normalizeTranscript(b.Text)) {
			continue
		}

		if a.Provider != b.Provider {
			segments = append(segments, b)
			dirty[b.ID] = true
			continue
		}

		sameSpeaker := a.Speaker == b.Speaker || (a.IsUser && b.IsUser)
		if sameSpeaker && a.SpeechProfileProcessed == b.SpeechProfileProcessed {
			gap := b.Start - a.End
			continuation := startsLowercase(b.Text) && !endsSentence(a.Text)
			if (gap < maxMergeGapSeconds && (len(a.Text) < shortSegmentChars || !endsSentence(a.Text))) || continuation {
				a.Text = a.Text + " " + b.Text
				a.End = b.End
				dirty[a.ID] = true
				continue
			}
		}

		if !sameSpeaker && !endsSentence(a.Text) {
			if merged := repairSentenceBoundary(a, &b, &segments, persisted, dirty, &removedIDs); merged {
				continue
			}
		}

		segments = append(segments, b)
		dirty[b.ID] = true
	}

	for i := range segments {
		cleaned := normalizeTranscript(segments[i].Text)
		if cleaned != segments[i].Text {
			segments[i].Text = cleaned
			dirty[segments[i].ID] = true
		}
	}

	kept := segments[:0]
	for _, s := range segments {
		if s.Text == "" {
			if persisted[s.ID] {
				removedIDs = append(removedIDs, s.ID)
			}
			continue
		}
		kept = append(kept, s)
	}
	segments = kept

	sort.SliceStable(segments, func(i, j int) bool { return segments[i].Start < segments[j].Start })

	updated = []TranscriptSegment{}
	for _, s := range segments {
		if dirty[s.ID] {
			updated = append(updated, s)
		}
	}
	return segments, updated, removedIDs
}

// repairSentenceBoundary handles the cross-speaker case where the tail segment
// ends mid-sentence. Streaming diarization often flips the speaker label right
// at a sentence boundary; the fragment belongs to whichever side completes it.
func repairSentenceBoundary(
	a *TranscriptSegment,
	b *TranscriptSegment,
	segments *[]TranscriptSegment,
	persisted map[string]bool,
	dirty map[string]bool,
	removedIDs *[]string,
) bool {
	fragment := trailingFragment(a.Text)
	if fragment == "" {
		return false
	}

	sentences := splitSentences(b.Text)
	if len(sentences) == 0 {
		return false
	}
	first := sentences[0]

	// Forward repair: the opening of b finishes a's sentence.
	if startsLowercase(first) && len(first) < len(fragment) {
		a.Text = a.Text + " " + first
		dirty[a.ID] = true
		rest := strings.TrimSpace(strings.TrimPrefix(b.Text, first))
		if rest == "" {
			a.End = b.End
			return true
		}
		b.Text = rest
		*segments = append(*segments, *b)
		dirty[b.ID] = true
		return true
	}

	// Backward repair: a's dangling fragment is the opening of b's sentence.
	if len(fragment) < len(b.Text) {
		prefix := strings.TrimSpace(strings.TrimSuffix(a.Text, fragment))
		b.Text = fragment + " " + b.Text
		dirty[b.ID] = true
		if prefix == "" {
			if persisted[a.ID] {
				*removedIDs = append(*removedIDs, a.ID)
			}
			(*segments)[len(*segments)-1] = *b
			return true
		}
		a.Text = prefix
		dirty[a.ID] = true
		*segments = append(*segments, *b)
		return true
	}

	return false
}

// trailingFragment returns the incomplete last sentence of text, or "" when
// the text ends with sentence-final punctuation.
func trailingFragment(text string) string {
	text = strings.TrimSpace(text)
	if text == "" || endsSentence(text) {
		return ""
	}
	last := strings.LastIndexAny(text, ".?!")
	if last < 0 {
		return text
	}
	return strings.TrimSpace(text[last+1:])
}

// splitSentences splits on sentence-final punctuation, keeping the punctuation
// attached. A trailing run without punctuation is returned as its own element.
func splitSentences(text string) []string {
	var out []string
	start := 0
	runes := []rune(text)
	for i, r := range runes {
		if r == '.' || r == '?' || r == '!' {
			s := strings.TrimSpace(string(runes[start : i+1]))
			if s != "" {
				out = append(out, s)
			}
			start = i + 1
		}
	}
	if tail := strings.TrimSpace(string(runes[start:])); tail != "" {
		out = append(out, tail)
	}
	return out
}

func endsSentence(text string) bool {
	text = strings.TrimSpace(text)
	if text == "" {
		return false
	}
	r := []rune(text)
	last := r[len(r)-1]
	return last == '.' || last == '?' || last == '!'
}

func startsLowercase(text string) bool {
	text = strings.TrimSpace(text)
	if text == "" {
		return false
	}
	return unicode.IsLower([]rune(text)[0])
}

var transcriptReplacer = strings.NewReplacer(
	"  ", " ",
	" ,", ",",
	" .", ".",
	" ?", "?",
	" !", "!",
	" '", "'",
)

// normalizeTranscript collapses the whitespace artifacts left behind by
// concatenating streaming partials.
func normalizeTranscript(text string) string {
	text = strings.TrimSpace(text)
	for {
		next := transcriptReplacer.Replace(text)
		if next == text {
			return text
		}
		text = next
	}
}
