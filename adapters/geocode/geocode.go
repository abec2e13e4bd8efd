package geocode

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"time"

	"go.uber.org/zap"
)

// Client resolves coordinates to a display address through a Google Maps
// compatible geocoding endpoint. Failures are reported to the caller, which
// treats the address as optional enrichment.
type Client struct {
	endpoint   string
	apiKey     string
	httpClient *http.Client
	logger     *zap.Logger
}

// New creates a reverse geocoding client. endpoint defaults to the Google
// Maps Geocoding API.
func New(endpoint, apiKey string, logger *zap.Logger) *Client {
	if endpoint == "" {
		endpoint = "https://maps.googleapis.com/maps/api/geocode/json"
	}
	return &Client{
		endpoint:   endpoint,
		apiKey:     apiKey,
		httpClient: &http.Client{Timeout: 10 * time.Second},
		logger:     logger,
	}
}

type geocodeResponse struct {
	Status  string `json:"status"`
	Results []struct {
		FormattedAddress string `json:"formatted_address"`
	} `json:"results"`
}

// ReverseGeocode returns the formatted address closest to (lat, lng).
func (c *Client) ReverseGeocode(ctx context.Context, lat, lng float64) (string, error) {
	query := url.Values{}
	query.Set("latlng", fmt.Sprintf("%f,%f", lat, lng))
	if c.apiKey != "" {
		query.Set("key", c.apiKey)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.endpoint+"?"+query.Encode(), nil)
	if err != nil {
		return "", fmt.Errorf("failed to build geocode request: %w", err)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return "", fmt.Errorf("geocode request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("geocode returned status %d", resp.StatusCode)
	}

	var body geocodeResponse
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return "", fmt.Errorf("failed to decode geocode response: %w", err)
	}
	if body.Status != "OK" || len(body.Results) == 0 {
		return "", fmt.Errorf("no geocode result for %f,%f (status %s)", lat, lng, body.Status)
	}
	return body.Results[0].FormattedAddress, nil
}
