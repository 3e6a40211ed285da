package runner

import (
	"context"
	"errors"
	"io"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/nstogner/deskpilot/pkg/models"
	"github.com/nstogner/deskpilot/pkg/store"
	"github.com/nstogner/deskpilot/pkg/store/jsonl"
	"github.com/nstogner/deskpilot/pkg/tools"
)

// scripted is one canned model response.
type scripted struct {
	events []models.StreamEvent
	turn   models.Turn
	err    error
	// block makes Recv wait for cancellation after the events are sent.
	block bool
}

func textTurn(text string) scripted {
	return scripted{
		events: []models.StreamEvent{models.TextDelta(text), models.Done()},
		turn: models.Turn{
			Message: models.AgentMessage{Role: store.RoleAssistant, Content: []store.Content{store.NewText(text)}},
			Usage:   models.Usage{InputTokens: 10, OutputTokens: 2},
		},
	}
}

func toolTurn(uses ...store.ToolUseContent) scripted {
	s := scripted{turn: models.Turn{
		Message: models.AgentMessage{Role: store.RoleAssistant},
		Usage:   models.Usage{InputTokens: 5, OutputTokens: 1},
	}}
	for _, u := range uses {
		u := u
		s.events = append(s.events, models.ToolUseStart(u.ID, u.Name), models.ToolUseComplete(u.ID))
		s.turn.Message.Content = append(s.turn.Message.Content, store.Content{Type: store.ContentTypeToolUse, ToolUse: &u})
	}
	s.events = append(s.events, models.Done())
	return s
}

// MockProvider plays Script in order, repeating the last entry.
type MockProvider struct {
	mu       sync.Mutex
	Script   []scripted
	Requests []models.Request
	// Blocked receives a value when a blocking stream starts waiting.
	Blocked chan struct{}
}

func (p *MockProvider) List(ctx context.Context) ([]string, error) {
	return []string{"mock-model"}, nil
}

func (p *MockProvider) Stream(ctx context.Context, req models.Request) (models.ModelStream, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	i := len(p.Requests)
	p.Requests = append(p.Requests, req)
	if i >= len(p.Script) {
		i = len(p.Script) - 1
	}
	return &MockStream{ctx: ctx, s: p.Script[i], blocked: p.Blocked}, nil
}

func (p *MockProvider) requests() []models.Request {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]models.Request(nil), p.Requests...)
}

type MockStream struct {
	ctx     context.Context
	s       scripted
	i       int
	blocked chan struct{}
}

func (m *MockStream) Recv() (models.StreamEvent, error) {
	if m.i < len(m.s.events) {
		ev := m.s.events[m.i]
		m.i++
		return ev, nil
	}
	if m.s.block {
		if m.blocked != nil {
			select {
			case m.blocked <- struct{}{}:
			default:
			}
		}
		<-m.ctx.Done()
		return models.StreamEvent{}, &models.TransportError{Err: m.ctx.Err()}
	}
	if m.s.err != nil {
		return models.StreamEvent{}, m.s.err
	}
	return models.StreamEvent{}, io.EOF
}

func (m *MockStream) Turn() (models.Turn, error) { return m.s.turn, nil }
func (m *MockStream) Close() error               { return nil }

// MockTool counts calls and runs an optional hook.
type MockTool struct {
	name  string
	modes []models.Mode
	hook  func()

	mu    sync.Mutex
	calls int
}

func (m *MockTool) Name() string                { return m.name }
func (m *MockTool) Description() string         { return "mock tool" }
func (m *MockTool) InputSchema() map[string]any { return map[string]any{"type": "object"} }
func (m *MockTool) Modes() []models.Mode        { return m.modes }

func (m *MockTool) Execute(ctx context.Context, input map[string]any) (tools.Output, error) {
	m.mu.Lock()
	m.calls++
	m.mu.Unlock()
	if m.hook != nil {
		m.hook()
	}
	return tools.Output{Text: "ok"}, nil
}

func (m *MockTool) count() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.calls
}

func newTestRunner(t *testing.T, p *MockProvider, cfg Config, ts ...tools.Tool) (*Runner, *jsonl.Manager) {
	t.Helper()
	mgr, err := jsonl.NewManager(t.TempDir())
	if err != nil {
		t.Fatalf("failed to create manager: %v", err)
	}
	t.Cleanup(func() { mgr.Close() })

	reg := tools.NewRegistry()
	for _, tl := range ts {
		reg.Register(tl)
	}
	state := NewRunState()
	state.SetAPIKey("test-key")
	providers := func(ctx context.Context, key string) (models.ModelProvider, error) {
		if key != "test-key" {
			t.Errorf("unexpected key %q", key)
		}
		return p, nil
	}
	r := New(state, providers, tools.NewDispatcher(reg), WithConversations(mgr), WithConfig(cfg))
	return r, mgr
}

func storedMessages(t *testing.T, mgr *jsonl.Manager, id string) []store.Message {
	t.Helper()
	conv, err := mgr.LoadConversation(id)
	if err != nil {
		t.Fatalf("failed to load conversation: %v", err)
	}
	defer conv.Close()
	msgs, err := conv.Messages()
	if err != nil {
		t.Fatalf("failed to read messages: %v", err)
	}
	return msgs
}

func waitFinished(t *testing.T, ch <-chan Event) Event {
	t.Helper()
	timeout := time.After(5 * time.Second)
	for {
		select {
		case ev := <-ch:
			if ev.Type == EventRunFinished {
				return ev
			}
		case <-timeout:
			t.Fatal("timed out waiting for run_finished")
		}
	}
}

func TestRun_CompletesWithoutTools(t *testing.T) {
	p := &MockProvider{Script: []scripted{textTurn("All done")}}
	r, mgr := newTestRunner(t, p, Config{Model: "mock-model"})

	res, err := r.Run(context.Background(), RunRequest{Instructions: "Say hi"})
	if err != nil {
		t.Fatalf("Run failed: %v", err)
	}
	if res.Status != StatusCompleted || res.Final != "All done" || res.Turns != 1 {
		t.Fatalf("unexpected result: %+v", res)
	}
	if res.Usage.InputTokens != 10 {
		t.Errorf("expected usage to be summed, got %+v", res.Usage)
	}
	if r.RunState().IsRunning() {
		t.Error("expected running flag to be released")
	}

	msgs := storedMessages(t, mgr, res.ConversationID)
	if len(msgs) != 2 || msgs[0].Role != store.RoleUser || msgs[1].Role != store.RoleAssistant {
		t.Fatalf("unexpected history: %+v", msgs)
	}
	if msgs[1].Model != "mock-model" {
		t.Errorf("expected model to be recorded, got %q", msgs[1].Model)
	}

	reqs := p.requests()
	if len(reqs) != 1 || reqs[0].Mode != models.ModeComputer || reqs[0].MaxTokens != DefaultMaxTokens {
		t.Fatalf("unexpected requests: %+v", reqs)
	}
}

func TestRun_ToolTurnThenFinal(t *testing.T) {
	echo := &MockTool{name: "echo", modes: []models.Mode{models.ModeComputer}}
	p := &MockProvider{Script: []scripted{
		toolTurn(store.ToolUseContent{ID: "call_1", Name: "echo", Input: map[string]any{}}),
		textTurn("finished"),
	}}
	r, mgr := newTestRunner(t, p, Config{}, echo)
	events, unsubscribe := r.Events().Subscribe(64)
	defer unsubscribe()

	res, err := r.Run(context.Background(), RunRequest{Instructions: "Use the tool"})
	if err != nil {
		t.Fatalf("Run failed: %v", err)
	}
	if res.Status != StatusCompleted || res.Turns != 2 {
		t.Fatalf("unexpected result: %+v", res)
	}
	if echo.count() != 1 {
		t.Errorf("expected 1 tool call, got %d", echo.count())
	}

	msgs := storedMessages(t, mgr, res.ConversationID)
	roles := []store.MessageRole{store.RoleUser, store.RoleAssistant, store.RoleTool, store.RoleAssistant}
	if len(msgs) != len(roles) {
		t.Fatalf("expected %d messages, got %d", len(roles), len(msgs))
	}
	for i, role := range roles {
		if msgs[i].Role != role {
			t.Errorf("message %d: expected role %s, got %s", i, role, msgs[i].Role)
		}
	}
	result := msgs[2].Content[0].ToolResult
	if result == nil || result.ToolUseID != "call_1" || result.Content != "ok" || result.IsError {
		t.Errorf("unexpected tool result: %+v", result)
	}

	reqs := p.requests()
	if len(reqs) != 2 || len(reqs[1].Messages) != 3 {
		t.Fatalf("expected the second turn to carry 3 messages, got %+v", reqs)
	}
	if len(reqs[0].Tools) != 1 || reqs[0].Tools[0].Name != "echo" {
		t.Errorf("expected echo to be offered, got %+v", reqs[0].Tools)
	}

	var types []EventType
	for len(events) > 0 {
		types = append(types, (<-events).Type)
	}
	if len(types) < 4 || types[0] != EventRunStarted || types[len(types)-1] != EventRunFinished {
		t.Fatalf("unexpected event order: %v", types)
	}
	started, finished := -1, -1
	for i, typ := range types {
		switch typ {
		case EventToolStarted:
			started = i
		case EventToolResult:
			finished = i
		}
	}
	if started < 0 || finished < started {
		t.Errorf("expected tool_started before tool_result: %v", types)
	}
}

func TestRun_TurnLimit(t *testing.T) {
	echo := &MockTool{name: "echo", modes: []models.Mode{models.ModeComputer}}
	p := &MockProvider{Script: []scripted{
		toolTurn(store.ToolUseContent{ID: "call_1", Name: "echo", Input: map[string]any{}}),
	}}
	r, mgr := newTestRunner(t, p, Config{MaxTurns: 3}, echo)

	res, err := r.Run(context.Background(), RunRequest{Instructions: "Loop forever"})
	if err != nil {
		t.Fatalf("Run failed: %v", err)
	}
	if res.Status != StatusFailed || !errors.Is(res.Err, ErrTurnLimit) {
		t.Fatalf("expected turn limit failure, got %+v", res)
	}
	if n := len(p.requests()); n != 3 {
		t.Errorf("expected exactly 3 provider calls, got %d", n)
	}
	if res.Turns != 3 {
		t.Errorf("expected 3 completed turns, got %d", res.Turns)
	}
	if r.RunState().IsRunning() {
		t.Error("expected running flag to be released")
	}
	// Instruction plus three assistant/tool pairs.
	if msgs := storedMessages(t, mgr, res.ConversationID); len(msgs) != 7 {
		t.Errorf("expected 7 stored messages, got %d", len(msgs))
	}
}

func TestRun_ToolErrorsBecomeResults(t *testing.T) {
	tests := []struct {
		name string
		mode models.Mode
		tool string
		want string
	}{
		{name: "unknown tool", mode: models.ModeComputer, tool: "nope", want: `unknown tool "nope"`},
		{name: "tool outside mode", mode: models.ModeBrowser, tool: "echo", want: "not available in browser mode"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			echo := &MockTool{name: "echo", modes: []models.Mode{models.ModeComputer}}
			p := &MockProvider{Script: []scripted{
				toolTurn(store.ToolUseContent{ID: "call_1", Name: tt.tool, Input: map[string]any{}}),
				textTurn("recovered"),
			}}
			r, mgr := newTestRunner(t, p, Config{}, echo)

			res, err := r.Run(context.Background(), RunRequest{Instructions: "Try", Mode: tt.mode})
			if err != nil {
				t.Fatalf("Run failed: %v", err)
			}
			if res.Status != StatusCompleted {
				t.Fatalf("expected the run to continue, got %+v", res)
			}
			if echo.count() != 0 {
				t.Errorf("expected echo not to run, got %d calls", echo.count())
			}

			msgs := storedMessages(t, mgr, res.ConversationID)
			result := msgs[2].Content[0].ToolResult
			if result == nil || !result.IsError || !strings.Contains(result.Content, tt.want) {
				t.Errorf("expected error result containing %q, got %+v", tt.want, result)
			}
		})
	}
}

func TestRun_ProviderErrorFails(t *testing.T) {
	apiErr := &models.APIError{StatusCode: 429, Message: `{"error":"slow down"}`}
	p := &MockProvider{Script: []scripted{{
		events: []models.StreamEvent{models.TextDelta("partial")},
		err:    apiErr,
	}}}
	r, mgr := newTestRunner(t, p, Config{})

	res, err := r.Run(context.Background(), RunRequest{Instructions: "Fail"})
	if err != nil {
		t.Fatalf("Run failed: %v", err)
	}
	var got *models.APIError
	if res.Status != StatusFailed || !errors.As(res.Err, &got) || got.Message != apiErr.Message {
		t.Fatalf("expected api failure, got %+v", res)
	}
	if msgs := storedMessages(t, mgr, res.ConversationID); len(msgs) != 1 {
		t.Errorf("expected only the instruction to be stored, got %d messages", len(msgs))
	}
	if r.RunState().IsRunning() {
		t.Error("expected running flag to be released")
	}
}

func TestStart_CancelMidStream(t *testing.T) {
	p := &MockProvider{
		Script:  []scripted{{events: []models.StreamEvent{models.TextDelta("partial")}, block: true}},
		Blocked: make(chan struct{}, 1),
	}
	r, mgr := newTestRunner(t, p, Config{})
	events, unsubscribe := r.Events().Subscribe(64)
	defer unsubscribe()

	runID, err := r.Start(context.Background(), RunRequest{Instructions: "Wait"})
	if err != nil {
		t.Fatalf("Start failed: %v", err)
	}

	select {
	case <-p.Blocked:
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for stream")
	}

	st := r.State()
	if !st.Running || st.RunID != runID || st.ConversationID == "" {
		t.Errorf("unexpected state while running: %+v", st)
	}
	if _, err := r.Start(context.Background(), RunRequest{Instructions: "Again"}); !errors.Is(err, ErrAlreadyRunning) {
		t.Errorf("expected ErrAlreadyRunning, got %v", err)
	}

	r.Stop()
	ev := waitFinished(t, events)
	if ev.Result == nil || ev.Result.Status != StatusCancelled {
		t.Fatalf("expected cancelled result, got %+v", ev.Result)
	}
	if r.RunState().IsRunning() {
		t.Error("expected running flag to be released before run_finished")
	}
	if r.State().RunID != "" {
		t.Error("expected active run to be cleared")
	}

	msgs := storedMessages(t, mgr, ev.ConversationID)
	if len(msgs) != 1 || msgs[0].Role != store.RoleUser {
		t.Errorf("expected partial output to be discarded, got %+v", msgs)
	}
}

func TestRun_CancelBetweenTools(t *testing.T) {
	var r *Runner
	echo := &MockTool{name: "echo", modes: []models.Mode{models.ModeComputer}}
	echo.hook = func() { r.Stop() }
	p := &MockProvider{Script: []scripted{
		toolTurn(
			store.ToolUseContent{ID: "call_1", Name: "echo", Input: map[string]any{}},
			store.ToolUseContent{ID: "call_2", Name: "echo", Input: map[string]any{}},
		),
	}}
	r, mgr := newTestRunner(t, p, Config{}, echo)

	res, err := r.Run(context.Background(), RunRequest{Instructions: "Two tools"})
	if err != nil {
		t.Fatalf("Run failed: %v", err)
	}
	if res.Status != StatusCancelled {
		t.Fatalf("expected cancelled, got %+v", res)
	}
	if echo.count() != 1 {
		t.Errorf("expected the second tool to be skipped, got %d calls", echo.count())
	}
	if msgs := storedMessages(t, mgr, res.ConversationID); len(msgs) != 1 {
		t.Errorf("expected the incomplete turn to be discarded, got %d messages", len(msgs))
	}
}

func TestRun_ContextCancelled(t *testing.T) {
	p := &MockProvider{
		Script:  []scripted{{block: true}},
		Blocked: make(chan struct{}, 1),
	}
	r, _ := newTestRunner(t, p, Config{})

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		<-p.Blocked
		cancel()
	}()

	res, err := r.Run(ctx, RunRequest{Instructions: "Wait"})
	if err != nil {
		t.Fatalf("Run failed: %v", err)
	}
	if res.Status != StatusCancelled {
		t.Errorf("expected cancelled, got %+v", res)
	}
}

func TestStart_NoCredential(t *testing.T) {
	p := &MockProvider{Script: []scripted{textTurn("unused")}}
	r, _ := newTestRunner(t, p, Config{})
	r.RunState().SetAPIKey("")

	if r.HasAPIKey() {
		t.Error("expected no API key")
	}
	if _, err := r.Start(context.Background(), RunRequest{Instructions: "Hi"}); !errors.Is(err, ErrNoCredential) {
		t.Fatalf("expected ErrNoCredential, got %v", err)
	}
	if r.RunState().IsRunning() {
		t.Error("expected running flag to be released")
	}
	if len(p.requests()) != 0 {
		t.Error("expected no provider calls")
	}
}

func TestStart_Validation(t *testing.T) {
	p := &MockProvider{Script: []scripted{textTurn("unused")}}
	r, _ := newTestRunner(t, p, Config{})

	if _, err := r.Start(context.Background(), RunRequest{Instructions: "  "}); err == nil {
		t.Error("expected empty instructions to be rejected")
	}
	if _, err := r.Start(context.Background(), RunRequest{Instructions: "Hi", Mode: "phone"}); err == nil {
		t.Error("expected unknown mode to be rejected")
	}
	if _, err := r.Start(context.Background(), RunRequest{Instructions: "Hi", ConversationID: "../escaped"}); !errors.Is(err, store.ErrInvalidID) {
		t.Errorf("expected ErrInvalidID, got %v", err)
	}
	if r.RunState().IsRunning() {
		t.Error("expected state to stay idle")
	}
}

func TestStart_EventsDoNotInterleave(t *testing.T) {
	p := &MockProvider{Script: []scripted{textTurn("ok")}}
	r, _ := newTestRunner(t, p, Config{})
	events, unsubscribe := r.Events().Subscribe(1024)
	defer unsubscribe()

	const workers, runsEach = 4, 20
	var wg sync.WaitGroup
	for w := 0; w < workers; w++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for n := 0; n < runsEach; {
				_, err := r.Start(context.Background(), RunRequest{Instructions: "Hi"})
				if err == nil {
					n++
					continue
				}
				if !errors.Is(err, ErrAlreadyRunning) {
					t.Errorf("unexpected start error: %v", err)
					return
				}
				time.Sleep(time.Millisecond)
			}
		}()
	}
	wg.Wait()

	var active string
	for finished := 0; finished < workers*runsEach; {
		select {
		case ev := <-events:
			switch ev.Type {
			case EventRunStarted:
				if active != "" {
					t.Fatalf("run %s started before run %s finished", ev.RunID, active)
				}
				active = ev.RunID
			case EventRunFinished:
				if ev.RunID != active {
					t.Fatalf("run_finished for %s while %q is active", ev.RunID, active)
				}
				active = ""
				finished++
			}
		case <-time.After(5 * time.Second):
			t.Fatalf("timed out after %d finished runs", finished)
		}
	}
}

func TestRun_ScreenshotFirstTurnOnly(t *testing.T) {
	echo := &MockTool{name: "echo", modes: []models.Mode{models.ModeComputer}}
	p := &MockProvider{Script: []scripted{
		toolTurn(store.ToolUseContent{ID: "call_1", Name: "echo", Input: map[string]any{}}),
		textTurn("done"),
	}}
	r, mgr := newTestRunner(t, p, Config{}, echo)

	shot := &store.ImageSource{Type: "base64", MediaType: "image/jpeg", Data: "AAAA"}
	res, err := r.Run(context.Background(), RunRequest{Instructions: "Look", ContextScreenshot: shot})
	if err != nil {
		t.Fatalf("Run failed: %v", err)
	}

	countImages := func(req models.Request) int {
		n := 0
		for _, m := range req.Messages {
			for _, c := range m.Content {
				if c.Type == store.ContentTypeImage {
					n++
				}
			}
		}
		return n
	}
	reqs := p.requests()
	if len(reqs) != 2 {
		t.Fatalf("expected 2 requests, got %d", len(reqs))
	}
	if countImages(reqs[0]) != 1 {
		t.Errorf("expected the screenshot on the first turn")
	}
	if countImages(reqs[1]) != 0 {
		t.Errorf("expected no screenshot on later turns")
	}

	msgs := storedMessages(t, mgr, res.ConversationID)
	if len(msgs[0].Content) != 1 {
		t.Errorf("expected the screenshot not to be stored, got %+v", msgs[0].Content)
	}
}

func TestRun_ResumesConversation(t *testing.T) {
	p := &MockProvider{Script: []scripted{textTurn("first"), textTurn("second")}}
	r, mgr := newTestRunner(t, p, Config{})

	first, err := r.Run(context.Background(), RunRequest{Instructions: "One", ConversationID: "conv-1"})
	if err != nil {
		t.Fatalf("Run failed: %v", err)
	}
	if first.ConversationID != "conv-1" {
		t.Fatalf("expected conversation conv-1, got %q", first.ConversationID)
	}

	if _, err := r.Run(context.Background(), RunRequest{Instructions: "Two", ConversationID: "conv-1"}); err != nil {
		t.Fatalf("Run failed: %v", err)
	}

	reqs := p.requests()
	if len(reqs[1].Messages) != 3 {
		t.Errorf("expected stored history to be sent, got %d messages", len(reqs[1].Messages))
	}
	if msgs := storedMessages(t, mgr, "conv-1"); len(msgs) != 4 {
		t.Errorf("expected 4 stored messages, got %d", len(msgs))
	}

	conv, err := mgr.LoadConversation("conv-1")
	if err != nil {
		t.Fatalf("failed to load conversation: %v", err)
	}
	defer conv.Close()
	runs, err := conv.Runs()
	if err != nil {
		t.Fatalf("failed to read runs: %v", err)
	}
	if len(runs) != 2 || runs[0].Status != string(StatusCompleted) {
		t.Errorf("unexpected run records: %+v", runs)
	}
}

func TestSanitizeHistory(t *testing.T) {
	use := store.ToolUseContent{ID: "call_1", Name: "echo"}
	history := []store.Message{
		{Role: store.RoleTool, Content: []store.Content{store.NewToolResult(store.ToolResultContent{ToolUseID: "orphan"})}},
		{Role: store.RoleUser, Content: []store.Content{store.NewText("hi")}},
		{Role: store.RoleAssistant, Content: []store.Content{{Type: store.ContentTypeToolUse, ToolUse: &use}}},
		{Role: store.RoleTool, Content: []store.Content{
			store.NewToolResult(store.ToolResultContent{ToolUseID: "call_1", Content: "ok"}),
			store.NewToolResult(store.ToolResultContent{ToolUseID: "call_9", Content: "stale"}),
		}},
	}

	got := sanitizeHistory(history)
	if len(got) != 3 {
		t.Fatalf("expected 3 messages, got %d", len(got))
	}
	if got[0].Role != store.RoleUser {
		t.Errorf("expected the leading orphan to be dropped")
	}
	if len(got[2].Content) != 1 || got[2].Content[0].ToolResult.ToolUseID != "call_1" {
		t.Errorf("expected only the matching result to remain, got %+v", got[2].Content)
	}
}

func TestRunState(t *testing.T) {
	s := NewRunState()

	s.RequestCancel()
	if s.CancelRequested() {
		t.Error("expected cancel to be a no-op while idle")
	}

	if err := s.TryStart(); err != nil {
		t.Fatalf("TryStart failed: %v", err)
	}
	if err := s.TryStart(); !errors.Is(err, ErrAlreadyRunning) {
		t.Errorf("expected ErrAlreadyRunning, got %v", err)
	}

	s.RequestCancel()
	fired := false
	s.bind(func() { fired = true })
	if !fired {
		t.Error("expected an earlier cancel request to fire on bind")
	}

	s.Finish()
	s.Finish()
	if s.IsRunning() || s.CancelRequested() {
		t.Error("expected Finish to reset the state")
	}
	if err := s.TryStart(); err != nil {
		t.Errorf("expected a new run to start after Finish: %v", err)
	}
}

func TestBroadcaster(t *testing.T) {
	b := NewBroadcaster()
	fast, unsubFast := b.Subscribe(10)
	defer unsubFast()
	slow, unsubSlow := b.Subscribe(1)

	for i := 1; i <= 3; i++ {
		b.Publish(Event{Type: EventStream, Turn: i})
	}

	for i := 1; i <= 3; i++ {
		ev := <-fast
		if ev.Turn != i {
			t.Errorf("expected turn %d, got %d", i, ev.Turn)
		}
		if ev.Time.IsZero() {
			t.Error("expected publish to stamp the event")
		}
	}
	if ev := <-slow; ev.Turn != 1 {
		t.Errorf("expected the slow subscriber to keep the first event, got %d", ev.Turn)
	}
	select {
	case ev := <-slow:
		t.Errorf("expected later events to be dropped, got %+v", ev)
	default:
	}

	unsubSlow()
	unsubSlow()
	if _, ok := <-slow; ok {
		t.Error("expected channel to be closed")
	}
	b.Publish(Event{Type: EventStream})
}
