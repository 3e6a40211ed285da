package openai

import (
	"encoding/json"
	"fmt"
	"sort"
	"strings"

	"github.com/nstogner/deskpilot/pkg/models"
	"github.com/nstogner/deskpilot/pkg/store"
)

// chunk is one chat.completion.chunk frame.
type chunk struct {
	Choices []struct {
		Index int `json:"index"`
		Delta struct {
			Content   string          `json:"content"`
			ToolCalls []toolCallDelta `json:"tool_calls"`
		} `json:"delta"`
		FinishReason *string `json:"finish_reason"`
	} `json:"choices"`
	Usage *struct {
		PromptTokens        int `json:"prompt_tokens"`
		CompletionTokens    int `json:"completion_tokens"`
		PromptTokensDetails *struct {
			CachedTokens int `json:"cached_tokens"`
		} `json:"prompt_tokens_details"`
	} `json:"usage"`
	Error *struct {
		Code    any    `json:"code"`
		Message string `json:"message"`
	} `json:"error"`
}

type toolCallDelta struct {
	Index    int    `json:"index"`
	ID       string `json:"id"`
	Type     string `json:"type"`
	Function struct {
		Name      string `json:"name"`
		Arguments string `json:"arguments"`
	} `json:"function"`
}

type pendingCall struct {
	id      string
	name    string
	args    strings.Builder
	started bool
	seq     int
}

// aggregator folds chunks into stream events and the final turn. Tool call
// fragments are keyed by their stream index; only the first fragment of a
// call carries its id and name. A fragment with a new id at an occupied
// index starts another call, since some endpoints send whole calls without
// an index.
type aggregator struct {
	text      strings.Builder
	pending   map[int]*pendingCall
	slots     map[int]int
	extra     int
	seq       int
	completed []store.Content
	usage     models.Usage
}

func newAggregator() *aggregator {
	return &aggregator{pending: make(map[int]*pendingCall), slots: make(map[int]int)}
}

// apply folds one chunk. A returned error terminates the stream.
func (a *aggregator) apply(c *chunk) ([]models.StreamEvent, error) {
	if c.Error != nil {
		return nil, &models.APIError{Message: c.Error.Message}
	}

	var events []models.StreamEvent
	for _, choice := range c.Choices {
		if choice.Delta.Content != "" {
			a.text.WriteString(choice.Delta.Content)
			events = append(events, models.TextDelta(choice.Delta.Content))
		}

		for _, tc := range choice.Delta.ToolCalls {
			events = append(events, a.applyToolCall(tc)...)
		}

		if choice.FinishReason != nil && *choice.FinishReason != "" {
			done, err := a.completePending()
			events = append(events, done...)
			if err != nil {
				return events, err
			}
		}
	}

	if c.Usage != nil {
		a.usage = models.Usage{
			InputTokens:  c.Usage.PromptTokens,
			OutputTokens: c.Usage.CompletionTokens,
		}
		if c.Usage.PromptTokensDetails != nil {
			a.usage.CacheReadInputTokens = c.Usage.PromptTokensDetails.CachedTokens
		}
		events = append(events, models.UsageEvent(a.usage))
	}
	return events, nil
}

func (a *aggregator) applyToolCall(tc toolCallDelta) []models.StreamEvent {
	key, ok := a.slots[tc.Index]
	if !ok {
		key = tc.Index
	}
	p, ok := a.pending[key]
	if ok && tc.ID != "" && p.id != "" && tc.ID != p.id {
		// Negative keys never collide with stream indexes.
		a.extra--
		key = a.extra
		ok = false
	}
	if !ok {
		p = &pendingCall{seq: a.seq}
		a.seq++
		a.pending[key] = p
		a.slots[tc.Index] = key
	}
	if p.id == "" && tc.ID != "" {
		p.id = tc.ID
	}
	if p.name == "" && tc.Function.Name != "" {
		p.name = tc.Function.Name
	}
	p.args.WriteString(tc.Function.Arguments)

	var events []models.StreamEvent
	if !p.started && p.name != "" {
		if p.id == "" {
			// Some endpoints omit ids; the index is unique within a turn.
			p.id = fmt.Sprintf("call_%d", tc.Index)
		}
		p.started = true
		events = append(events, models.ToolUseStart(p.id, p.name))
		// Arguments that arrived before the name are flushed with the start.
		if p.args.Len() > 0 {
			events = append(events, models.ToolUseDelta(p.id, p.args.String()))
		}
		return events
	}
	if p.started && tc.Function.Arguments != "" {
		events = append(events, models.ToolUseDelta(p.id, tc.Function.Arguments))
	}
	return events
}

// completePending terminates every open tool call in the order the calls
// were opened.
func (a *aggregator) completePending() ([]models.StreamEvent, error) {
	keys := make([]int, 0, len(a.pending))
	for key := range a.pending {
		keys = append(keys, key)
	}
	sort.Slice(keys, func(i, j int) bool {
		return a.pending[keys[i]].seq < a.pending[keys[j]].seq
	})

	var events []models.StreamEvent
	for _, key := range keys {
		p := a.pending[key]
		if !p.started {
			return events, &models.ProtocolError{Msg: fmt.Sprintf("tool call %d finished without a name", p.seq)}
		}
		input := map[string]any{}
		if raw := strings.TrimSpace(p.args.String()); raw != "" {
			if err := json.Unmarshal([]byte(raw), &input); err != nil {
				return events, &models.ProtocolError{Msg: fmt.Sprintf("tool call %s has invalid arguments: %v", p.id, err)}
			}
		}
		a.completed = append(a.completed, store.Content{
			Type:    store.ContentTypeToolUse,
			ToolUse: &store.ToolUseContent{ID: p.id, Name: p.name, Input: input},
		})
		events = append(events, models.ToolUseComplete(p.id))
		delete(a.pending, key)
	}
	clear(a.slots)
	return events, nil
}

// finish is called on the done sentinel.
func (a *aggregator) finish() (models.Turn, error) {
	if len(a.pending) > 0 {
		var ids []string
		for idx, p := range a.pending {
			id := p.id
			if id == "" {
				id = fmt.Sprintf("index %d", idx)
			}
			ids = append(ids, id)
		}
		sort.Strings(ids)
		return models.Turn{}, &models.ProtocolError{Msg: "unterminated tool call: " + strings.Join(ids, ", ")}
	}

	content := []store.Content{}
	if a.text.Len() > 0 {
		content = append(content, store.NewText(a.text.String()))
	}
	content = append(content, a.completed...)

	return models.Turn{
		Message: models.AgentMessage{Role: store.RoleAssistant, Content: content},
		Usage:   a.usage,
	}, nil
}
