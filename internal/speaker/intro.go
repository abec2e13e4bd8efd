package speaker

import (
	"regexp"
	"strings"
)

// IntroDetection is the result of the regex pass over one segment. Ambiguous
// means a pattern matched but a guard could not settle it, so the LLM
// arbitrates.
type IntroDetection struct {
	Name      string
	Ambiguous bool
}

// Introduction phrases across the languages the transcription providers
// support. The capture group requires a capitalized token so filler after
// "I am" ("i am so tired") never binds.
var introPatterns = []*regexp.Regexp{
	regexp.MustCompile(`\b(?i:my name is|call me)\s+([A-ZÀ-Þ][\p{L}'’-]+)`),
	regexp.MustCompile(`\b(?i:i am|i'm|i’m)\s+([A-ZÀ-Þ][\p{L}'’-]+)`),
	regexp.MustCompile(`\b(?i:me llamo|mi nombre es|yo soy)\s+([A-ZÀ-Þ][\p{L}'’-]+)`),
	regexp.MustCompile(`\b(?i:je m'appelle|je m’appelle|je suis|mon nom est)\s+([A-ZÀ-Þ][\p{L}'’-]+)`),
	regexp.MustCompile(`\b(?i:ich heiße|ich heisse|ich bin|mein name ist)\s+([A-ZÀ-Þ][\p{L}'’-]+)`),
	regexp.MustCompile(`\b(?i:meu nome é|me chamo|eu sou)\s+([A-ZÀ-Þ][\p{L}'’-]+)`),
}

// Capitalized words that follow an introduction phrase without being a name.
var introStopwords = map[string]struct{}{
	"not": {}, "so": {}, "just": {}, "really": {}, "very": {}, "sorry": {},
	"sure": {}, "okay": {}, "ok": {}, "good": {}, "fine": {}, "done": {},
	"here": {}, "there": {}, "going": {}, "trying": {}, "the": {}, "a": {},
	"an": {}, "back": {}, "home": {}, "late": {}, "happy": {}, "glad": {},
}

// Markers that make the match reported speech rather than a live
// introduction ("I told him my name is John").
var reportedSpeechMarkers = []string{
	"told ", "said ", "asked ", "that ", "if ", "whether ", "thought ",
}

// DetectIntro runs the regex pass over one segment's text.
func DetectIntro(text string) IntroDetection {
	for _, pattern := range introPatterns {
		loc := pattern.FindStringSubmatchIndex(text)
		if loc == nil {
			continue
		}
		name := text[loc[2]:loc[3]]
		if _, stop := introStopwords[strings.ToLower(name)]; stop {
			continue
		}
		prefix := strings.ToLower(text[:loc[0]])
		for _, marker := range reportedSpeechMarkers {
			if strings.Contains(prefix, marker) {
				return IntroDetection{Name: name, Ambiguous: true}
			}
		}
		return IntroDetection{Name: name}
	}
	return IntroDetection{}
}
