package llm

import (
	"context"
	"testing"

	"go.uber.org/zap"
)

func TestNewGeminiLLMUsesConfiguredModels(t *testing.T) {
	g, err := NewGeminiLLM(context.Background(), "test-key", "gemini-2.5-pro", "gemini-embedding-001", zap.NewNop())
	if err != nil {
		t.Fatal(err)
	}
	if g.model != "gemini-2.5-pro" {
		t.Errorf("model = %q, want the configured one", g.model)
	}
	if g.embeddingModel != "gemini-embedding-001" {
		t.Errorf("embeddingModel = %q, want the configured one", g.embeddingModel)
	}
}

func TestNewGeminiLLMDefaultsBlankModels(t *testing.T) {
	g, err := NewGeminiLLM(context.Background(), "test-key", "", "", zap.NewNop())
	if err != nil {
		t.Fatal(err)
	}
	if g.model != "gemini-2.0-flash" || g.embeddingModel != "text-embedding-004" {
		t.Errorf("unexpected defaults: %q / %q", g.model, g.embeddingModel)
	}
}

func TestNewGeminiLLMRequiresAPIKey(t *testing.T) {
	if _, err := NewGeminiLLM(context.Background(), "", "", "", zap.NewNop()); err == nil {
		t.Error("missing api key must be rejected")
	}
}
