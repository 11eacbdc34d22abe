package advisor

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/goccy/go-json"
)

// HTTPRecommender posts the metrics snapshot to a remote recommendation
// endpoint and expects a Recommendation back.
type HTTPRecommender struct {
	endpoint string
	client   *http.Client
	clock    func() time.Time
}

// NewHTTP constructs an HTTPRecommender for endpoint.
func NewHTTP(endpoint string, timeout time.Duration) (*HTTPRecommender, error) {
	endpoint = strings.TrimSpace(endpoint)
	if endpoint == "" {
		return nil, errors.New("advisor: endpoint required")
	}
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &HTTPRecommender{endpoint: endpoint, client: &http.Client{Timeout: timeout}, clock: time.Now}, nil
}

func (h *HTTPRecommender) Recommend(ctx context.Context, in Input) (Recommendation, error) {
	body, err := json.Marshal(in)
	if err != nil {
		return Recommendation{}, fmt.Errorf("advisor: encode input: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, h.endpoint, bytes.NewReader(body))
	if err != nil {
		return Recommendation{}, fmt.Errorf("advisor: build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := h.client.Do(req)
	if err != nil {
		return Recommendation{}, &ProviderError{Provider: "http", Message: err.Error()}
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 300 {
		var payload struct {
			Error struct {
				Type    string `json:"type"`
				Message string `json:"message"`
			} `json:"error"`
		}
		raw, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		perr := &ProviderError{Provider: "http", Status: resp.StatusCode, Message: strings.TrimSpace(string(raw))}
		if json.Unmarshal(raw, &payload) == nil && payload.Error.Message != "" {
			perr.Message = payload.Error.Message
			perr.Details = map[string]any{"type": payload.Error.Type}
		}
		return Recommendation{}, perr
	}

	var rec Recommendation
	if err := json.NewDecoder(resp.Body).Decode(&rec); err != nil {
		return Recommendation{}, &ProviderError{Provider: "http", Status: resp.StatusCode, Message: "decode response: " + err.Error()}
	}
	if rec.Provider == "" {
		rec.Provider = "http"
	}
	if rec.GeneratedAt.IsZero() {
		rec.GeneratedAt = h.clock().UTC()
	}
	return rec, nil
}
