package runner

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"runtime/debug"
	"time"

	"github.com/nstogner/deskpilot/pkg/models"
	"github.com/nstogner/deskpilot/pkg/store"
)

// run is one execution of the turn loop.
type run struct {
	id       string
	r        *Runner
	req      RunRequest
	cfg      Config
	provider models.ModelProvider
	ctx      context.Context
	cancel   context.CancelFunc

	conv    store.Conversation
	history []store.Message
	usage   models.Usage
	turns   int
}

// execute runs the loop. The running flag is released on every exit path.
func (ru *run) execute() (res Result) {
	defer func() {
		if p := recover(); p != nil {
			slog.Error("Run panicked", "runID", ru.id, "panic", p, "stack", string(debug.Stack()))
			res = ru.result(StatusFailed, "", fmt.Errorf("panic: %v", p))
		}
		ru.finish(res)
	}()

	ru.r.lifecycle.Lock()
	ru.r.publish(Event{Type: EventRunStarted, RunID: ru.id, ConversationID: ru.req.ConversationID})
	ru.r.lifecycle.Unlock()

	if err := ru.openConversation(); err != nil {
		return ru.result(StatusFailed, "", err)
	}

	instruction := store.Message{Role: store.RoleUser, Content: []store.Content{store.NewText(ru.req.Instructions)}}
	if err := ru.commit(instruction); err != nil {
		return ru.result(StatusFailed, "", err)
	}

	for turn := 1; ; turn++ {
		if ru.r.state.CancelRequested() {
			return ru.result(StatusCancelled, "", nil)
		}
		if turn > ru.cfg.MaxTurns {
			return ru.result(StatusFailed, "", fmt.Errorf("%w: %d tool-use turns", ErrTurnLimit, ru.cfg.MaxTurns))
		}

		assistant, err := ru.streamTurn(turn)
		if err != nil {
			if ru.cancelled(err) {
				return ru.result(StatusCancelled, "", nil)
			}
			return ru.result(StatusFailed, "", err)
		}

		uses := assistant.ToolUses()
		if len(uses) == 0 {
			ru.turns = turn
			if err := ru.commit(assistant); err != nil {
				return ru.result(StatusFailed, "", err)
			}
			return ru.result(StatusCompleted, assistant.Text(), nil)
		}

		results := store.Message{Role: store.RoleTool}
		for _, use := range uses {
			if ru.r.state.CancelRequested() {
				return ru.result(StatusCancelled, "", nil)
			}
			res := ru.dispatch(turn, use)
			results.Content = append(results.Content, store.NewToolResult(res))
		}

		ru.turns = turn
		if err := ru.commit(assistant, results); err != nil {
			return ru.result(StatusFailed, "", err)
		}
	}
}

// streamTurn streams one model response. Partial content is discarded when
// the stream fails or the run is cancelled.
func (ru *run) streamTurn(turn int) (store.Message, error) {
	req := models.Request{
		Model:     ru.req.Model,
		Mode:      ru.req.Mode,
		Messages:  ru.outbound(turn),
		Tools:     ru.r.dispatcher.Registry().Specs(ru.req.Mode),
		MaxTokens: ru.cfg.MaxTokens,
	}

	slog.Debug("Streaming turn", "runID", ru.id, "turn", turn, "messages", len(req.Messages))
	stream, err := ru.provider.Stream(ru.ctx, req)
	if err != nil {
		return store.Message{}, err
	}
	defer stream.Close()

	t, err := models.Collect(stream, func(ev models.StreamEvent) bool {
		ru.r.publish(Event{Type: EventStream, RunID: ru.id, ConversationID: ru.conversationID(), Turn: turn, Stream: &ev})
		return !ru.r.state.CancelRequested()
	})
	if err != nil {
		return store.Message{}, err
	}

	ru.usage = ru.usage.Add(t.Usage)
	return store.Message{Role: store.RoleAssistant, Content: t.Message.Content, Model: ru.req.Model}, nil
}

// outbound builds the provider messages for a turn. The context screenshot
// rides along with the instruction on the first turn only.
func (ru *run) outbound(turn int) []models.AgentMessage {
	msgs := make([]models.AgentMessage, 0, len(ru.history))
	last := len(ru.history) - 1
	for i, m := range ru.history {
		content := m.Content
		if turn == 1 && i == last && ru.req.ContextScreenshot != nil {
			content = append(append([]store.Content{}, content...), store.Content{
				Type:  store.ContentTypeImage,
				Image: &store.ImageContent{Source: ru.req.ContextScreenshot},
			})
		}
		msgs = append(msgs, models.AgentMessage{Role: m.Role, Content: content})
	}
	return msgs
}

// dispatch runs a tool detached from the run's cancellation so an action in
// progress completes.
func (ru *run) dispatch(turn int, use *store.ToolUseContent) store.ToolResultContent {
	ru.r.publish(Event{Type: EventToolStarted, RunID: ru.id, ConversationID: ru.conversationID(), Turn: turn, ToolUse: use})

	slog.Info("Executing tool", "runID", ru.id, "tool", use.Name, "id", use.ID)
	res := ru.r.dispatcher.Execute(context.WithoutCancel(ru.ctx), ru.req.Mode, *use)

	ru.r.publish(Event{Type: EventToolResult, RunID: ru.id, ConversationID: ru.conversationID(), Turn: turn, ToolResult: &res})
	return res
}

// cancelled reports whether err is the consequence of a stop request.
func (ru *run) cancelled(err error) bool {
	if errors.Is(err, models.ErrStopped) || ru.ctx.Err() != nil {
		return true
	}
	return ru.r.state.CancelRequested()
}

// commit appends complete messages to the in-memory history and the store.
func (ru *run) commit(msgs ...store.Message) error {
	ru.history = append(ru.history, msgs...)
	if ru.conv == nil {
		return nil
	}
	if err := ru.conv.AppendMessages(msgs...); err != nil {
		return fmt.Errorf("failed to persist messages: %w", err)
	}
	return nil
}

func (ru *run) openConversation() error {
	ru.history = sanitizeHistory(ru.req.History)

	mgr := ru.r.conversations
	if mgr == nil {
		return nil
	}

	if id := ru.req.ConversationID; id != "" {
		conv, err := mgr.LoadConversation(id)
		if err == nil {
			ru.conv = conv
			ru.r.setActiveConversation(conv.ID())
			if len(ru.history) == 0 {
				stored, err := conv.Messages()
				if err != nil {
					return fmt.Errorf("failed to load history: %w", err)
				}
				ru.history = sanitizeHistory(stored)
			}
			return nil
		}
		if !errors.Is(err, store.ErrNotFound) {
			return fmt.Errorf("failed to load conversation: %w", err)
		}
	}

	conv, err := mgr.NewConversation(store.Header{
		ID:        ru.req.ConversationID,
		Title:     title(ru.req.Instructions),
		Mode:      string(ru.req.Mode),
		Model:     ru.req.Model,
		Voice:     ru.req.Voice,
		CreatedAt: time.Now(),
	})
	if err != nil {
		return fmt.Errorf("failed to create conversation: %w", err)
	}
	ru.conv = conv
	ru.r.setActiveConversation(conv.ID())
	return nil
}

func (ru *run) conversationID() string {
	if ru.conv != nil {
		return ru.conv.ID()
	}
	return ru.req.ConversationID
}

func (ru *run) result(status Status, final string, err error) Result {
	return Result{
		RunID:          ru.id,
		ConversationID: ru.conversationID(),
		Status:         status,
		Final:          final,
		Usage:          ru.usage,
		Turns:          ru.turns,
		Err:            err,
	}
}

// finish records the outcome, releases the running flag and then notifies
// observers, so a run_finished observer may start the next run. A run that
// starts in between waits on lifecycle before announcing itself.
func (ru *run) finish(res Result) {
	ru.r.lifecycle.Lock()
	defer ru.r.lifecycle.Unlock()

	func() {
		defer ru.r.state.Finish()
		defer ru.r.clearActive()
		defer ru.cancel()
		ru.record(res)
		if c, ok := ru.provider.(io.Closer); ok {
			c.Close()
		}
	}()

	ru.r.publish(Event{Type: EventRunFinished, RunID: ru.id, ConversationID: res.ConversationID, Result: res.Info()})
}

func (ru *run) record(res Result) {
	if ru.conv != nil {
		rec := store.RunRecord{
			RunID:        ru.id,
			Status:       string(res.Status),
			Turns:        res.Turns,
			InputTokens:  res.Usage.InputTokens,
			OutputTokens: res.Usage.OutputTokens,
		}
		if res.Err != nil {
			rec.Error = res.Err.Error()
		}
		if err := ru.conv.AppendRun(rec); err != nil {
			slog.Error("Failed to record run", "runID", ru.id, "error", err)
		}
		ru.conv.Close()
	}

	switch res.Status {
	case StatusFailed:
		slog.Error("Run failed", "runID", ru.id, "turns", res.Turns, "error", res.Err)
	default:
		slog.Info("Run finished", "runID", ru.id, "status", res.Status, "turns", res.Turns, "inputTokens", res.Usage.InputTokens, "outputTokens", res.Usage.OutputTokens)
	}

}

// sanitizeHistory drops tool results that do not answer a tool use in the
// immediately preceding assistant message.
func sanitizeHistory(msgs []store.Message) []store.Message {
	out := make([]store.Message, 0, len(msgs))
	for _, m := range msgs {
		if m.Role != store.RoleTool {
			out = append(out, m)
			continue
		}

		valid := map[string]bool{}
		if n := len(out); n > 0 && out[n-1].Role == store.RoleAssistant {
			for _, use := range out[n-1].ToolUses() {
				valid[use.ID] = true
			}
		}

		kept := store.Message{Role: m.Role, Model: m.Model}
		for _, c := range m.Content {
			if c.Type == store.ContentTypeToolResult && c.ToolResult != nil && valid[c.ToolResult.ToolUseID] {
				kept.Content = append(kept.Content, c)
				continue
			}
			slog.Warn("Dropping orphaned tool result", "type", c.Type)
		}
		if len(kept.Content) > 0 {
			out = append(out, kept)
		}
	}
	return out
}
