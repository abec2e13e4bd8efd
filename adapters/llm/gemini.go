package llm

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"
	"google.golang.org/genai"

	"github.com/sonara-ai/sonara/server/domain/entities"
	"github.com/sonara-ai/sonara/server/domain/repositories"
)

// GeminiLLM implements repositories.LargeLanguageModel and
// repositories.Embedder using Google's Gemini API.
type GeminiLLM struct {
	client         *genai.Client
	logger         *zap.Logger
	model          string
	embeddingModel string
	embeddingDims  int
}

// NewGeminiLLM creates a new Gemini client. Blank model names fall back to
// the defaults.
func NewGeminiLLM(ctx context.Context, apiKey, model, embeddingModel string, logger *zap.Logger) (*GeminiLLM, error) {
	if apiKey == "" {
		return nil, fmt.Errorf("gemini api key is required")
	}
	if model == "" {
		model = "gemini-2.0-flash"
	}
	if embeddingModel == "" {
		embeddingModel = "text-embedding-004"
	}
	client, err := genai.NewClient(ctx, &genai.ClientConfig{
		APIKey:  apiKey,
		Backend: genai.BackendGeminiAPI,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create Gemini client: %w", err)
	}
	return &GeminiLLM{
		client:         client,
		logger:         logger,
		model:          model,
		embeddingModel: embeddingModel,
		embeddingDims:  768,
	}, nil
}

type structuredResponse struct {
	Discarded   bool   `json:"discarded"`
	Title       string `json:"title"`
	Overview    string `json:"overview"`
	Category    string `json:"category"`
	Emoji       string `json:"emoji"`
	ActionItems []struct {
		Description string `json:"description"`
	} `json:"action_items"`
	Events []struct {
		Title       string `json:"title"`
		Description string `json:"description"`
		StartsAt    string `json:"starts_at"`
		DurationMin int    `json:"duration_minutes"`
	} `json:"events"`
}

const structurePrompt = `You are analyzing a transcript captured by a wearable recorder.
Produce a JSON object with keys: discarded (bool, true when the transcript is
noise, fillers, or too thin to summarize), title, overview, category (one of:
personal, work, health, finance, education, social, other), emoji (single
emoji), action_items (array of {description}), events (array of {title,
description, starts_at RFC3339, duration_minutes}).
Language of the transcript: %s.

Transcript:
%s`

// StructureConversation produces the summary fields, or discarded=true for
// low-signal conversations.
func (g *GeminiLLM) StructureConversation(ctx context.Context, transcript, language string) (*entities.Structured, bool, error) {
	prompt := fmt.Sprintf(structurePrompt, language, transcript)
	raw, err := g.generateJSON(ctx, prompt)
	if err != nil {
		return nil, false, err
	}

	var resp structuredResponse
	if err := json.Unmarshal([]byte(raw), &resp); err != nil {
		return nil, false, fmt.Errorf("failed to decode structuring response: %w", err)
	}
	if resp.Discarded {
		return nil, true, nil
	}

	structured := &entities.Structured{
		Title:       resp.Title,
		Overview:    resp.Overview,
		Category:    resp.Category,
		Emoji:       resp.Emoji,
		ActionItems: []entities.ActionItem{},
		Events:      []entities.Event{},
	}
	for _, item := range resp.ActionItems {
		if strings.TrimSpace(item.Description) == "" {
			continue
		}
		structured.ActionItems = append(structured.ActionItems, entities.ActionItem{Description: item.Description})
	}
	for _, ev := range resp.Events {
		parsed, ok := parseEventTime(ev.StartsAt)
		if !ok {
			g.logger.Warn("Skipping event with unparseable time", zap.String("starts_at", ev.StartsAt))
			continue
		}
		structured.Events = append(structured.Events, entities.Event{
			Title:       ev.Title,
			Description: ev.Description,
			StartsAt:    parsed,
			DurationMin: ev.DurationMin,
		})
	}
	return structured, false, nil
}

const extractPrompt = `You extract durable facts about the user from a conversation transcript.
Existing memories (do not repeat these):
%s

Return a JSON array of objects {content, category, tags} where category is
"system" for facts about the user's life and "interesting" for noteworthy
external insights. Only include facts worth remembering for months. Return []
when there is nothing new.

Transcript:
%s`

// ExtractMemories proposes new facts given the transcript and context.
func (g *GeminiLLM) ExtractMemories(ctx context.Context, transcript string, existing []string) ([]repositories.MemoryCandidate, error) {
	known := "(none)"
	if len(existing) > 0 {
		known = "- " + strings.Join(existing, "\n- ")
	}
	raw, err := g.generateJSON(ctx, fmt.Sprintf(extractPrompt, known, transcript))
	if err != nil {
		return nil, err
	}

	var candidates []repositories.MemoryCandidate
	if err := json.Unmarshal([]byte(raw), &candidates); err != nil {
		return nil, fmt.Errorf("failed to decode extraction response: %w", err)
	}
	out := candidates[:0]
	for _, c := range candidates {
		if strings.TrimSpace(c.Content) == "" {
			continue
		}
		out = append(out, c)
	}
	return out, nil
}

const conflictPrompt = `Two memories about the same user may be duplicates.
Existing: %q
Candidate: %q
Reply with a JSON object {"keep": "existing"} or {"keep": "new"} choosing the
better phrased, more complete one.`

// ResolveMemoryConflict picks between a near-duplicate pair.
func (g *GeminiLLM) ResolveMemoryConflict(ctx context.Context, existing, candidate string) (repositories.ConflictDecision, error) {
	raw, err := g.generateJSON(ctx, fmt.Sprintf(conflictPrompt, existing, candidate))
	if err != nil {
		return "", err
	}
	var resp struct {
		Keep string `json:"keep"`
	}
	if err := json.Unmarshal([]byte(raw), &resp); err != nil {
		return "", fmt.Errorf("failed to decode conflict response: %w", err)
	}
	if resp.Keep == "new" {
		return repositories.ConflictKeepNew, nil
	}
	return repositories.ConflictKeepExisting, nil
}

const introPrompt = `Does the speaker of this utterance introduce THEMSELVES by name?
Phrases like "I told Alice" or "Bob is here" are NOT self-introductions.
Reply with JSON {"name": "<name>"} or {"name": ""}.

Utterance: %q`

// DetectSelfIntroduction arbitrates ambiguous introduction phrases.
func (g *GeminiLLM) DetectSelfIntroduction(ctx context.Context, text string) (string, error) {
	raw, err := g.generateJSON(ctx, fmt.Sprintf(introPrompt, text))
	if err != nil {
		return "", err
	}
	var resp struct {
		Name string `json:"name"`
	}
	if err := json.Unmarshal([]byte(raw), &resp); err != nil {
		return "", fmt.Errorf("failed to decode introduction response: %w", err)
	}
	return strings.TrimSpace(resp.Name), nil
}

// Embed implements repositories.Embedder.
func (g *GeminiLLM) Embed(ctx context.Context, text string) ([]float32, error) {
	resp, err := g.client.Models.EmbedContent(ctx, g.embeddingModel, genai.Text(text), nil)
	if err != nil {
		return nil, fmt.Errorf("failed to embed content: %w", err)
	}
	if len(resp.Embeddings) == 0 || len(resp.Embeddings[0].Values) == 0 {
		return nil, fmt.Errorf("empty embedding response")
	}
	return resp.Embeddings[0].Values, nil
}

// Dims reports the embedding dimensionality.
func (g *GeminiLLM) Dims() int {
	return g.embeddingDims
}

func parseEventTime(raw string) (time.Time, bool) {
	for _, layout := range []string{time.RFC3339, "2006-01-02T15:04:05", "2006-01-02 15:04"} {
		if t, err := time.Parse(layout, raw); err == nil {
			return t, true
		}
	}
	return time.Time{}, false
}

func (g *GeminiLLM) generateJSON(ctx context.Context, prompt string) (string, error) {
	resp, err := g.client.Models.GenerateContent(ctx, g.model, genai.Text(prompt), &genai.GenerateContentConfig{
		ResponseMIMEType: "application/json",
	})
	if err != nil {
		return "", fmt.Errorf("gemini generate failed: %w", err)
	}
	text := resp.Text()
	if text == "" {
		return "", fmt.Errorf("empty gemini response")
	}
	return text, nil
}
