// Package gemini implements models.ModelProvider with the Google Gemini SDK.
package gemini

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"

	"github.com/google/generative-ai-go/genai"
	"github.com/google/uuid"
	"github.com/nstogner/deskpilot/pkg/models"
	"github.com/nstogner/deskpilot/pkg/store"
	"google.golang.org/api/googleapi"
	"google.golang.org/api/iterator"
	"google.golang.org/api/option"
)

var capabilities = models.Capabilities{
	store.RoleUser:      {store.ContentTypeText, store.ContentTypeImage},
	store.RoleAssistant: {store.ContentTypeText, store.ContentTypeToolUse},
	store.RoleTool:      {store.ContentTypeToolResult},
}

// GeminiModel implements models.ModelProvider using the Google Gemini API.
type GeminiModel struct {
	client *genai.Client
}

var _ models.ModelProvider = (*GeminiModel)(nil)

// New creates a new GeminiModel.
func New(ctx context.Context, apiKey string) (*GeminiModel, error) {
	httpClient := &http.Client{
		Transport: &keyTransport{
			base:   &models.LoggingTransport{Label: "gemini"},
			apiKey: apiKey,
		},
	}
	client, err := genai.NewClient(ctx, option.WithAPIKey(apiKey), option.WithHTTPClient(httpClient))
	if err != nil {
		return nil, fmt.Errorf("failed to create gemini client: %w", err)
	}
	return &GeminiModel{client: client}, nil
}

// keyTransport adds the API key, which a custom http.Client otherwise bypasses.
type keyTransport struct {
	base   http.RoundTripper
	apiKey string
}

func (t *keyTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	if t.apiKey != "" && req.Header.Get("x-goog-api-key") == "" && req.URL.Query().Get("key") == "" {
		req = req.Clone(req.Context())
		req.Header.Set("x-goog-api-key", t.apiKey)
	}
	return t.base.RoundTrip(req)
}

// Close releases resources.
func (m *GeminiModel) Close() error {
	return m.client.Close()
}

// List returns available models.
func (m *GeminiModel) List(ctx context.Context) ([]string, error) {
	iter := m.client.ListModels(ctx)
	var names []string
	for {
		model, err := iter.Next()
		if err == iterator.Done {
			break
		}
		if err != nil {
			return nil, classify(err)
		}
		slog.Debug("Found Gemini model", "name", model.Name)
		names = append(names, model.Name)
	}
	return names, nil
}

// Stream sends a context to the LLM and returns a stream.
func (m *GeminiModel) Stream(ctx context.Context, req models.Request) (models.ModelStream, error) {
	slog.Debug("Gemini.Stream: Request Parameters", "model", req.Model, "mode", req.Mode, "messageCount", len(req.Messages))

	history, err := toContents(capabilities.Filter("gemini", req.Messages))
	if err != nil {
		return nil, err
	}
	if len(history) == 0 {
		return nil, fmt.Errorf("gemini: no messages to send")
	}

	gm := m.client.GenerativeModel(req.Model)
	gm.SystemInstruction = genai.NewUserContent(genai.Text(models.SystemPrompt(req.Mode)))
	if req.MaxTokens > 0 {
		gm.SetMaxOutputTokens(int32(req.MaxTokens))
	}
	if len(req.Tools) > 0 {
		var decls []*genai.FunctionDeclaration
		for _, t := range req.Tools {
			decls = append(decls, &genai.FunctionDeclaration{
				Name:        t.Name,
				Description: t.Description,
				Parameters:  toSchema(t.Parameters),
			})
		}
		gm.Tools = []*genai.Tool{{FunctionDeclarations: decls}}
	}

	cs := gm.StartChat()
	cs.History = history[:len(history)-1]
	last := history[len(history)-1]

	iter := cs.SendMessageStream(ctx, last.Parts...)
	return &geminiStream{iter: iter}, nil
}

// toContents converts agent messages into SDK contents. Tool results are
// sent as user function responses named after the originating call.
func toContents(msgs []models.AgentMessage) ([]*genai.Content, error) {
	names := map[string]string{}
	var out []*genai.Content

	for _, msg := range msgs {
		var parts []genai.Part
		for _, c := range msg.Content {
			switch c.Type {
			case store.ContentTypeText:
				parts = append(parts, genai.Text(c.Text.Content))
			case store.ContentTypeImage:
				blob, err := toBlob(c.Image.Source)
				if err != nil {
					return nil, err
				}
				parts = append(parts, blob)
			case store.ContentTypeToolUse:
				names[c.ToolUse.ID] = c.ToolUse.Name
				parts = append(parts, genai.FunctionCall{
					Name: c.ToolUse.Name,
					Args: c.ToolUse.Input,
				})
			case store.ContentTypeToolResult:
				r := c.ToolResult
				resp := map[string]any{"result": r.Content}
				if r.Kind() == store.ToolResultError {
					resp = map[string]any{"error": r.Content}
				}
				parts = append(parts, genai.FunctionResponse{
					Name:     names[r.ToolUseID],
					Response: resp,
				})
				if r.Kind() == store.ToolResultImage {
					blob, err := toBlob(r.Image)
					if err != nil {
						return nil, err
					}
					parts = append(parts, blob)
				}
			}
		}

		role := "user"
		if msg.Role == store.RoleAssistant {
			role = "model"
		}
		if len(parts) > 0 {
			out = append(out, &genai.Content{Role: role, Parts: parts})
		}
	}
	return out, nil
}

func toBlob(src *store.ImageSource) (genai.Blob, error) {
	data, err := base64.StdEncoding.DecodeString(src.Data)
	if err != nil {
		return genai.Blob{}, fmt.Errorf("decode image: %w", err)
	}
	return genai.Blob{MIMEType: src.MediaType, Data: data}, nil
}

// toSchema converts a JSON schema object into the SDK schema type.
func toSchema(m map[string]any) *genai.Schema {
	if m == nil {
		return nil
	}
	s := &genai.Schema{}
	switch m["type"] {
	case "object":
		s.Type = genai.TypeObject
	case "array":
		s.Type = genai.TypeArray
	case "string":
		s.Type = genai.TypeString
	case "integer":
		s.Type = genai.TypeInteger
	case "number":
		s.Type = genai.TypeNumber
	case "boolean":
		s.Type = genai.TypeBoolean
	}
	if d, ok := m["description"].(string); ok {
		s.Description = d
	}
	for _, e := range anySlice(m["enum"]) {
		if str, ok := e.(string); ok {
			s.Enum = append(s.Enum, str)
		}
	}
	for _, r := range anySlice(m["required"]) {
		if str, ok := r.(string); ok {
			s.Required = append(s.Required, str)
		}
	}
	if items, ok := m["items"].(map[string]any); ok {
		s.Items = toSchema(items)
	}
	if props, ok := m["properties"].(map[string]any); ok {
		s.Properties = make(map[string]*genai.Schema, len(props))
		for name, p := range props {
			if pm, ok := p.(map[string]any); ok {
				s.Properties[name] = toSchema(pm)
			}
		}
	}
	return s
}

func anySlice(v any) []any {
	switch vv := v.(type) {
	case []any:
		return vv
	case []string:
		out := make([]any, len(vv))
		for i, s := range vv {
			out[i] = s
		}
		return out
	}
	return nil
}

// classify maps SDK errors onto the provider error taxonomy.
func classify(err error) error {
	var gerr *googleapi.Error
	if errors.As(err, &gerr) {
		msg := gerr.Body
		if msg == "" {
			msg = gerr.Message
		}
		return &models.APIError{StatusCode: gerr.Code, Message: msg}
	}
	var blocked *genai.BlockedError
	if errors.As(err, &blocked) {
		return &models.APIError{Message: blocked.Error()}
	}
	return &models.TransportError{Err: err}
}

// geminiStream adapts the SDK response iterator to a ModelStream. Each
// function call arrives whole, so it is emitted as start, delta and complete.
type geminiStream struct {
	iter    *genai.GenerateContentResponseIterator
	pending []models.StreamEvent
	text    strings.Builder
	calls   []store.Content
	usage   models.Usage
	turn    *models.Turn
	err     error
	done    bool
}

func (s *geminiStream) Recv() (models.StreamEvent, error) {
	for {
		if len(s.pending) > 0 {
			ev := s.pending[0]
			s.pending = s.pending[1:]
			return ev, nil
		}
		if s.err != nil {
			return models.StreamEvent{}, s.err
		}
		if s.done {
			return models.StreamEvent{}, io.EOF
		}

		resp, err := s.iter.Next()
		if err == iterator.Done {
			s.finish()
			continue
		}
		if err != nil {
			s.err = classify(err)
			s.pending = append(s.pending, models.ErrorEvent(s.err))
			continue
		}
		s.apply(resp)
	}
}

func (s *geminiStream) apply(resp *genai.GenerateContentResponse) {
	for _, cand := range resp.Candidates {
		if cand.Content == nil {
			continue
		}
		for _, part := range cand.Content.Parts {
			switch p := part.(type) {
			case genai.Text:
				if p == "" {
					continue
				}
				s.text.WriteString(string(p))
				s.pending = append(s.pending, models.TextDelta(string(p)))
			case genai.FunctionCall:
				id := "call-" + uuid.New().String()
				args := p.Args
				if args == nil {
					args = map[string]any{}
				}
				s.calls = append(s.calls, store.Content{
					Type:    store.ContentTypeToolUse,
					ToolUse: &store.ToolUseContent{ID: id, Name: p.Name, Input: args},
				})
				s.pending = append(s.pending,
					models.ToolUseStart(id, p.Name),
					models.ToolUseDelta(id, encodeArgs(args)),
					models.ToolUseComplete(id),
				)
			}
		}
	}
	if u := resp.UsageMetadata; u != nil {
		s.usage = models.Usage{
			InputTokens:          int(u.PromptTokenCount),
			OutputTokens:         int(u.CandidatesTokenCount),
			CacheReadInputTokens: int(u.CachedContentTokenCount),
		}
		s.pending = append(s.pending, models.UsageEvent(s.usage))
	}
}

func encodeArgs(args map[string]any) string {
	b, err := json.Marshal(args)
	if err != nil {
		return "{}"
	}
	return string(b)
}

func (s *geminiStream) finish() {
	content := []store.Content{}
	if s.text.Len() > 0 {
		content = append(content, store.NewText(s.text.String()))
	}
	content = append(content, s.calls...)
	s.turn = &models.Turn{
		Message: models.AgentMessage{Role: store.RoleAssistant, Content: content},
		Usage:   s.usage,
	}
	s.done = true
	s.pending = append(s.pending, models.Done())
}

func (s *geminiStream) Turn() (models.Turn, error) {
	if s.err != nil {
		return models.Turn{}, s.err
	}
	if s.turn == nil {
		return models.Turn{}, errors.New("stream not finished")
	}
	return *s.turn, nil
}

func (s *geminiStream) Close() error {
	return nil
}
