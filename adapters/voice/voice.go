// Package voice wraps the hosted speaker-embedding endpoint.
package voice

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"go.uber.org/zap"
)

// Client implements repositories.VoiceEmbedder against the hosted embedding
// service. An empty endpoint disables the embedding pass; callers skip it
// when Enabled is false.
type Client struct {
	endpoint   string
	httpClient *http.Client
	logger     *zap.Logger
}

// New creates an embedding client.
func New(endpoint string, logger *zap.Logger) *Client {
	return &Client{
		endpoint:   endpoint,
		httpClient: &http.Client{Timeout: 120 * time.Second},
		logger:     logger,
	}
}

// Enabled reports whether an endpoint is configured.
func (c *Client) Enabled() bool {
	return c.endpoint != ""
}

type embedResponse struct {
	Embedding []float32 `json:"embedding"`
}

// EmbedSegment embeds the [start, end] span of a WAV file.
func (c *Client) EmbedSegment(ctx context.Context, wavPath string, start, end float64) ([]float32, error) {
	fields := map[string]string{
		"start": strconv.FormatFloat(start, 'f', 3, 64),
		"end":   strconv.FormatFloat(end, 'f', 3, 64),
	}
	return c.embed(ctx, []string{wavPath}, fields)
}

// EmbedProfile embeds enrollment samples into one profile vector.
func (c *Client) EmbedProfile(ctx context.Context, samplePaths []string) ([]float32, error) {
	return c.embed(ctx, samplePaths, nil)
}

func (c *Client) embed(ctx context.Context, paths []string, fields map[string]string) ([]float32, error) {
	if c.endpoint == "" {
		return nil, fmt.Errorf("voice embedding endpoint not configured")
	}

	var body bytes.Buffer
	writer := multipart.NewWriter(&body)
	for _, path := range paths {
		file, err := os.Open(path)
		if err != nil {
			return nil, fmt.Errorf("failed to open sample %s: %w", path, err)
		}
		part, err := writer.CreateFormFile("files", filepath.Base(path))
		if err != nil {
			file.Close()
			return nil, err
		}
		if _, err := io.Copy(part, file); err != nil {
			file.Close()
			return nil, fmt.Errorf("failed to buffer sample %s: %w", path, err)
		}
		file.Close()
	}
	for key, value := range fields {
		writer.WriteField(key, value)
	}
	writer.Close()

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.endpoint, &body)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", writer.FormDataContentType())

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("embedding request failed: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		b, _ := io.ReadAll(resp.Body)
		return nil, fmt.Errorf("embedding endpoint returned %d: %s", resp.StatusCode, string(b))
	}

	var decoded embedResponse
	if err := json.NewDecoder(resp.Body).Decode(&decoded); err != nil {
		return nil, fmt.Errorf("failed to decode embedding response: %w", err)
	}
	if len(decoded.Embedding) == 0 {
		return nil, fmt.Errorf("embedding endpoint returned empty vector")
	}
	return decoded.Embedding, nil
}
