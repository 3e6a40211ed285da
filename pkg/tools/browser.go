package tools

import (
	"context"
	"fmt"
	"math"
	"sync"
	"unicode/utf8"

	"github.com/nstogner/deskpilot/pkg/models"
)

// BrowserControl drives the active page of an automated browser.
type BrowserControl interface {
	Navigate(ctx context.Context, url string) error
	// Screenshot returns PNG bytes of the visible viewport.
	Screenshot(ctx context.Context) ([]byte, error)
	Click(ctx context.Context, x, y int) error
	Type(ctx context.Context, text string) error
	Key(ctx context.Context, key string) error
	Scroll(ctx context.Context, x, y int, direction string, amount int) error
	Evaluate(ctx context.Context, js string) (string, error)
}

// BrowserToolName is the name the model calls in browser mode.
const BrowserToolName = "browser"

// maxEvalResult bounds the text returned from page scripts.
const maxEvalResult = 8000

// BrowserTool drives a BrowserControl.
type BrowserTool struct {
	control BrowserControl
	encoder ScreenshotEncoder

	mu    sync.Mutex
	scale float64
}

// NewBrowserTool creates the browser tool.
func NewBrowserTool(control BrowserControl, encoder ScreenshotEncoder) *BrowserTool {
	return &BrowserTool{control: control, encoder: encoder, scale: 1}
}

func (t *BrowserTool) Name() string { return BrowserToolName }

func (t *BrowserTool) Description() string {
	return "Control a web browser with a persistent profile: navigate, click, type, scroll, " +
		"run JavaScript and take screenshots of the page."
}

func (t *BrowserTool) Modes() []models.Mode { return []models.Mode{models.ModeBrowser} }

func (t *BrowserTool) InputSchema() map[string]any {
	return map[string]any{
		"type": "object",
		"properties": map[string]any{
			"action": map[string]any{
				"type": "string",
				"enum": []string{"navigate", "screenshot", "click", "type", "key", "scroll", "evaluate"},
			},
			"url":        map[string]any{"type": "string"},
			"coordinate": coordinateSchema,
			"text":       map[string]any{"type": "string", "description": "Text to type, key name, or JavaScript for evaluate."},
			"direction":  scrollSchema,
			"amount":     map[string]any{"type": "integer"},
		},
		"required": []string{"action"},
	}
}

func (t *BrowserTool) Execute(ctx context.Context, input map[string]any) (Output, error) {
	action, err := stringArg(input, "action")
	if err != nil {
		return Output{}, err
	}

	switch action {
	case "navigate":
		url, err := stringArg(input, "url")
		if err != nil {
			return Output{}, err
		}
		if err := t.control.Navigate(ctx, url); err != nil {
			return Output{}, fmt.Errorf("navigate: %w", err)
		}
		return Output{Text: "navigated to " + url}, nil

	case "screenshot":
		raw, err := t.control.Screenshot(ctx)
		if err != nil {
			return Output{}, fmt.Errorf("screenshot: %w", err)
		}
		shot, err := t.encoder.Encode(raw)
		if err != nil {
			return Output{}, err
		}
		t.mu.Lock()
		t.scale = shot.Scale
		t.mu.Unlock()
		return Output{Image: shot.Source}, nil

	case "click":
		x, y, err := t.point(input)
		if err != nil {
			return Output{}, err
		}
		if err := t.control.Click(ctx, x, y); err != nil {
			return Output{}, fmt.Errorf("click: %w", err)
		}
		return Output{Text: fmt.Sprintf("clicked at (%d, %d)", x, y)}, nil

	case "type":
		text, err := stringArg(input, "text")
		if err != nil {
			return Output{}, err
		}
		if err := t.control.Type(ctx, text); err != nil {
			return Output{}, fmt.Errorf("type: %w", err)
		}
		return Output{Text: fmt.Sprintf("typed %d characters", len([]rune(text)))}, nil

	case "key":
		key, err := stringArg(input, "text")
		if err != nil {
			return Output{}, err
		}
		if err := t.control.Key(ctx, key); err != nil {
			return Output{}, fmt.Errorf("key: %w", err)
		}
		return Output{Text: "pressed " + key}, nil

	case "scroll":
		x, y := 0, 0
		if _, ok := input["coordinate"]; ok {
			if x, y, err = t.point(input); err != nil {
				return Output{}, err
			}
		}
		dir := optionalString(input, "direction", "down")
		amount := optionalInt(input, "amount", 3)
		if err := t.control.Scroll(ctx, x, y, dir, amount); err != nil {
			return Output{}, fmt.Errorf("scroll: %w", err)
		}
		return Output{Text: fmt.Sprintf("scrolled %s by %d", dir, amount)}, nil

	case "evaluate":
		js, err := stringArg(input, "text")
		if err != nil {
			return Output{}, err
		}
		res, err := t.control.Evaluate(ctx, js)
		if err != nil {
			return Output{}, err
		}
		return Output{Text: truncate(res, maxEvalResult)}, nil
	}
	return Output{}, fmt.Errorf("unknown action %q", action)
}

// truncate cuts s to at most max bytes on a rune boundary.
func truncate(s string, max int) string {
	if len(s) <= max {
		return s
	}
	cut := max
	for cut > 0 && !utf8.RuneStart(s[cut]) {
		cut--
	}
	return s[:cut] + "... (truncated)"
}

func (t *BrowserTool) point(input map[string]any) (int, int, error) {
	x, y, err := coordinateArg(input)
	if err != nil {
		return 0, 0, err
	}
	t.mu.Lock()
	scale := t.scale
	t.mu.Unlock()
	return int(math.Round(x * scale)), int(math.Round(y * scale)), nil
}
