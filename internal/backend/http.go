package backend

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/rs/zerolog"
)

const maxErrorBody = 4 * 1024

// HTTPBackend posts operations as JSON to a single endpoint.
type HTTPBackend struct {
	url    string
	client *http.Client
	logger zerolog.Logger
}

type sendRequest struct {
	Action  string          `json:"action"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

// NewHTTPBackend creates a backend client. timeout bounds each request;
// exceeding it classifies as a timeout failure upstream.
func NewHTTPBackend(url string, timeout time.Duration, logger zerolog.Logger) (*HTTPBackend, error) {
	url = strings.TrimSpace(url)
	if url == "" {
		return nil, errors.New("backend url is required")
	}
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &HTTPBackend{
		url:    url,
		client: &http.Client{Timeout: timeout},
		logger: logger.With().Str("service", "backend").Logger(),
	}, nil
}

func (b *HTTPBackend) Send(ctx context.Context, action string, payload json.RawMessage) (*Response, error) {
	body, err := json.Marshal(sendRequest{Action: action, Payload: payload})
	if err != nil {
		return nil, err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, b.url, bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := b.client.Do(req)
	if err != nil {
		return nil, err
	}
	defer func() {
		_ = resp.Body.Close()
	}()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		data, err := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
		if err != nil {
			return nil, err
		}
		return nil, &Error{Status: resp.StatusCode, Body: strings.TrimSpace(string(data))}
	}

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, err
	}
	var out Response
	if err := json.Unmarshal(data, &out); err != nil {
		return nil, fmt.Errorf("decode backend response: %w", err)
	}
	return &out, nil
}
