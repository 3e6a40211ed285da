// Package openai streams chat completions from OpenAI-compatible endpoints,
// including Gemini's OpenAI compatibility layer.
package openai

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"

	"github.com/nstogner/deskpilot/pkg/models"
)

// DefaultBaseURL is Gemini's OpenAI compatible endpoint.
const DefaultBaseURL = "https://generativelanguage.googleapis.com/v1beta/openai"

// maxErrorBody bounds how much of a failed response is read.
const maxErrorBody = 1 << 20

// Config configures a Client.
type Config struct {
	APIKey     string
	BaseURL    string
	HTTPClient *http.Client
	// Name labels log lines and dropped-content warnings.
	Name string
}

// Client implements models.ModelProvider over HTTP + SSE.
type Client struct {
	apiKey  string
	baseURL string
	http    *http.Client
	name    string
}

var _ models.ModelProvider = (*Client)(nil)

// New creates a Client.
func New(cfg Config) (*Client, error) {
	if cfg.APIKey == "" {
		return nil, fmt.Errorf("openai: api key is required")
	}
	if cfg.BaseURL == "" {
		cfg.BaseURL = DefaultBaseURL
	}
	if cfg.Name == "" {
		cfg.Name = "openai"
	}
	if cfg.HTTPClient == nil {
		cfg.HTTPClient = &http.Client{Transport: &models.LoggingTransport{Label: cfg.Name}}
	}
	return &Client{
		apiKey:  cfg.APIKey,
		baseURL: strings.TrimRight(cfg.BaseURL, "/"),
		http:    cfg.HTTPClient,
		name:    cfg.Name,
	}, nil
}

// List returns available models.
func (c *Client) List(ctx context.Context) ([]string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/models", nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Authorization", "Bearer "+c.apiKey)

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, &models.TransportError{Err: err}
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return nil, readAPIError(resp)
	}

	var body struct {
		Data []struct {
			ID string `json:"id"`
		} `json:"data"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return nil, &models.ProtocolError{Msg: fmt.Sprintf("decode model list: %v", err)}
	}

	names := make([]string, 0, len(body.Data))
	for _, m := range body.Data {
		slog.Debug("Found model", "provider", c.name, "name", m.ID)
		names = append(names, m.ID)
	}
	return names, nil
}

// Stream posts the conversation and returns the decoded event stream.
func (c *Client) Stream(ctx context.Context, req models.Request) (models.ModelStream, error) {
	slog.Debug("Stream: request parameters", "provider", c.name, "model", req.Model, "mode", req.Mode, "messageCount", len(req.Messages))

	payload, err := json.Marshal(encodeRequest(req, c.name))
	if err != nil {
		return nil, fmt.Errorf("encode request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/chat/completions", bytes.NewReader(payload))
	if err != nil {
		return nil, err
	}
	httpReq.Header.Set("Authorization", "Bearer "+c.apiKey)
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Accept", "text/event-stream")

	resp, err := c.http.Do(httpReq)
	if err != nil {
		return nil, &models.TransportError{Err: err}
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		defer resp.Body.Close()
		return nil, readAPIError(resp)
	}

	return newStream(resp.Body), nil
}

func readAPIError(resp *http.Response) error {
	body, err := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
	if err != nil {
		return &models.TransportError{Err: fmt.Errorf("read error body (status %d): %w", resp.StatusCode, err)}
	}
	return &models.APIError{StatusCode: resp.StatusCode, Message: strings.TrimSpace(string(body))}
}
