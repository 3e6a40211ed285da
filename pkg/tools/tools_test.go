package tools

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"image"
	"image/color"
	"image/png"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/nstogner/deskpilot/pkg/models"
	"github.com/nstogner/deskpilot/pkg/store"
)

// MockComputer records calls and serves a fixed screenshot.
type MockComputer struct {
	mu     sync.Mutex
	Calls  []string
	Width  int
	Height int
	Err    error
}

func (m *MockComputer) record(s string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.Calls = append(m.Calls, s)
	return m.Err
}

func (m *MockComputer) Screenshot(ctx context.Context) ([]byte, error) {
	if err := m.record("screenshot"); err != nil {
		return nil, err
	}
	return testPNG(m.Width, m.Height), nil
}

func (m *MockComputer) Click(ctx context.Context, x, y int, button string, count int) error {
	return m.record(fmtCall("click", x, y, button, count))
}

func (m *MockComputer) MoveMouse(ctx context.Context, x, y int) error {
	return m.record(fmtCall("move", x, y, "", 0))
}

func (m *MockComputer) Type(ctx context.Context, text string) error { return m.record("type:" + text) }
func (m *MockComputer) Key(ctx context.Context, key string) error   { return m.record("key:" + key) }

func (m *MockComputer) Scroll(ctx context.Context, x, y int, direction string, amount int) error {
	return m.record(fmtCall("scroll:"+direction, x, y, "", amount))
}

func fmtCall(name string, x, y int, button string, n int) string {
	s := fmt.Sprintf("%s %d,%d", name, x, y)
	if button != "" {
		s += " " + button
	}
	if n != 0 {
		s += fmt.Sprintf(" x%d", n)
	}
	return s
}

func testPNG(w, h int) []byte {
	img := image.NewRGBA(image.Rect(0, 0, w, h))
	for x := 0; x < w; x += 7 {
		for y := 0; y < h; y += 5 {
			img.Set(x, y, color.RGBA{R: uint8(x), G: uint8(y), B: 128, A: 255})
		}
	}
	var buf bytes.Buffer
	png.Encode(&buf, img)
	return buf.Bytes()
}

// MockTool runs a function for its Execute.
type MockTool struct {
	ToolName string
	ToolMode []models.Mode
	Fn       func(ctx context.Context, input map[string]any) (Output, error)
}

func (m *MockTool) Name() string                { return m.ToolName }
func (m *MockTool) Description() string         { return "mock" }
func (m *MockTool) InputSchema() map[string]any { return map[string]any{"type": "object"} }
func (m *MockTool) Modes() []models.Mode        { return m.ToolMode }
func (m *MockTool) Execute(ctx context.Context, input map[string]any) (Output, error) {
	return m.Fn(ctx, input)
}

func TestDispatcher_ErrorResults(t *testing.T) {
	reg := NewRegistry()
	reg.Register(&MockTool{ToolName: "ok", ToolMode: []models.Mode{models.ModeComputer}, Fn: func(ctx context.Context, input map[string]any) (Output, error) {
		return Output{Text: "done"}, nil
	}})
	reg.Register(&MockTool{ToolName: "fails", ToolMode: []models.Mode{models.ModeComputer}, Fn: func(ctx context.Context, input map[string]any) (Output, error) {
		return Output{}, errors.New("boom")
	}})
	reg.Register(&MockTool{ToolName: "panics", ToolMode: []models.Mode{models.ModeComputer}, Fn: func(ctx context.Context, input map[string]any) (Output, error) {
		panic("unexpected")
	}})
	reg.Register(&MockTool{ToolName: "browser_only", ToolMode: []models.Mode{models.ModeBrowser}, Fn: func(ctx context.Context, input map[string]any) (Output, error) {
		return Output{Text: "should not run"}, nil
	}})

	d := NewDispatcher(reg)

	tests := []struct {
		name    string
		tool    string
		wantErr bool
		want    string
	}{
		{"success", "ok", false, "done"},
		{"tool error", "fails", true, "boom"},
		{"panic", "panics", true, "panic"},
		{"unknown tool", "nope", true, "unknown tool"},
		{"out of mode", "browser_only", true, "not available"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			res := d.Execute(context.Background(), models.ModeComputer, store.ToolUseContent{ID: "id-" + tt.tool, Name: tt.tool})
			if res.ToolUseID != "id-"+tt.tool {
				t.Errorf("tool use id not propagated: %q", res.ToolUseID)
			}
			if res.IsError != tt.wantErr {
				t.Fatalf("IsError = %v, want %v (%q)", res.IsError, tt.wantErr, res.Content)
			}
			if tt.wantErr && res.Kind() != store.ToolResultError {
				t.Errorf("kind = %s", res.Kind())
			}
			if !strings.Contains(res.Content, tt.want) {
				t.Errorf("content %q does not contain %q", res.Content, tt.want)
			}
		})
	}
}

func TestDispatcher_RateLimitHonorsContext(t *testing.T) {
	reg := NewRegistry()
	reg.Register(&MockTool{ToolName: "ok", ToolMode: []models.Mode{models.ModeComputer}, Fn: func(ctx context.Context, input map[string]any) (Output, error) {
		return Output{Text: "done"}, nil
	}})
	d := NewDispatcher(reg, WithRateLimit(0.001, 1))

	// First call consumes the burst.
	if res := d.Execute(context.Background(), models.ModeComputer, store.ToolUseContent{ID: "1", Name: "ok"}); res.IsError {
		t.Fatalf("first call failed: %s", res.Content)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	res := d.Execute(ctx, models.ModeComputer, store.ToolUseContent{ID: "2", Name: "ok"})
	if !res.IsError || !strings.Contains(res.Content, "rate limit") {
		t.Errorf("expected rate limit error, got %+v", res)
	}
}

func TestDispatcher_Timeout(t *testing.T) {
	reg := NewRegistry()
	reg.Register(&MockTool{ToolName: "slow", ToolMode: []models.Mode{models.ModeBrowser}, Fn: func(ctx context.Context, input map[string]any) (Output, error) {
		<-ctx.Done()
		return Output{}, ctx.Err()
	}})
	d := NewDispatcher(reg, WithTimeout(20*time.Millisecond), WithWorkers(1))

	res := d.Execute(context.Background(), models.ModeBrowser, store.ToolUseContent{ID: "1", Name: "slow"})
	if !res.IsError || !strings.Contains(res.Content, "deadline") {
		t.Errorf("expected deadline error, got %+v", res)
	}
}

func TestRegistry_Specs(t *testing.T) {
	reg := NewRegistry()
	reg.Register(NewComputerTool(&MockComputer{}, ScreenshotEncoder{}))
	reg.Register(&MockTool{ToolName: "browser", ToolMode: []models.Mode{models.ModeBrowser}})

	specs := reg.Specs(models.ModeComputer)
	if len(specs) != 1 || specs[0].Name != ComputerToolName {
		t.Fatalf("unexpected computer specs: %+v", specs)
	}
	if specs[0].Parameters["type"] != "object" {
		t.Errorf("schema not passed through")
	}
	if specs := reg.Specs(models.ModeBrowser); len(specs) != 1 || specs[0].Name != "browser" {
		t.Errorf("unexpected browser specs: %+v", specs)
	}
}

func TestScreenshotEncoder(t *testing.T) {
	shot, err := ScreenshotEncoder{MaxSide: 640}.Encode(testPNG(1280, 800))
	if err != nil {
		t.Fatalf("Encode: %v", err)
	}
	if shot.Scale != 2 {
		t.Errorf("scale = %v, want 2", shot.Scale)
	}
	if shot.Source.MediaType != "image/jpeg" || shot.Source.Data == "" {
		t.Errorf("unexpected source: %+v", shot.Source.MediaType)
	}

	small, err := ScreenshotEncoder{MaxSide: 640}.Encode(testPNG(320, 200))
	if err != nil {
		t.Fatalf("Encode small: %v", err)
	}
	if small.Scale != 1 {
		t.Errorf("small image should not be scaled, got %v", small.Scale)
	}

	if _, err := (ScreenshotEncoder{}).Encode([]byte("not an image")); err == nil {
		t.Error("expected decode error")
	}
}

func TestComputerTool_ScalesCoordinates(t *testing.T) {
	mc := &MockComputer{Width: 2560, Height: 1600}
	tool := NewComputerTool(mc, ScreenshotEncoder{MaxSide: 1280})
	ctx := context.Background()

	out, err := tool.Execute(ctx, map[string]any{"action": "screenshot"})
	if err != nil || out.Image == nil {
		t.Fatalf("screenshot: %v %+v", err, out)
	}

	if _, err := tool.Execute(ctx, map[string]any{"action": "left_click", "coordinate": []any{100.0, 50.0}}); err != nil {
		t.Fatalf("click: %v", err)
	}
	if _, err := tool.Execute(ctx, map[string]any{"action": "double_click", "coordinate": []any{10.0, 10.0}}); err != nil {
		t.Fatalf("double click: %v", err)
	}

	want := []string{"screenshot", "click 200,100 left x1", "click 20,20 left x2"}
	if strings.Join(mc.Calls, "|") != strings.Join(want, "|") {
		t.Errorf("calls = %v, want %v", mc.Calls, want)
	}
}

func TestComputerTool_InvalidInput(t *testing.T) {
	tool := NewComputerTool(&MockComputer{}, ScreenshotEncoder{})
	ctx := context.Background()

	for _, input := range []map[string]any{
		{},
		{"action": "fly"},
		{"action": "left_click"},
		{"action": "left_click", "coordinate": []any{"a", 1.0}},
		{"action": "type"},
	} {
		if _, err := tool.Execute(ctx, input); err == nil {
			t.Errorf("expected error for %v", input)
		}
	}
}

func TestComputerTool_ControlError(t *testing.T) {
	mc := &MockComputer{Err: errors.New("xdotool missing")}
	tool := NewComputerTool(mc, ScreenshotEncoder{})
	_, err := tool.Execute(context.Background(), map[string]any{"action": "key", "text": "ctrl+c"})
	if err == nil || !strings.Contains(err.Error(), "xdotool missing") {
		t.Errorf("unexpected error: %v", err)
	}
}
