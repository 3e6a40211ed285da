package tools

import (
	"context"
	"fmt"
	"math"
	"sync"

	"github.com/nstogner/deskpilot/pkg/models"
)

// ComputerControl injects input into, and captures, a desktop.
type ComputerControl interface {
	// Screenshot returns PNG or JPEG bytes of the full screen.
	Screenshot(ctx context.Context) ([]byte, error)
	Click(ctx context.Context, x, y int, button string, count int) error
	MoveMouse(ctx context.Context, x, y int) error
	Type(ctx context.Context, text string) error
	// Key presses a key or combination such as "ctrl+c".
	Key(ctx context.Context, key string) error
	Scroll(ctx context.Context, x, y int, direction string, amount int) error
}

// ComputerToolName is the name the model calls in computer mode.
const ComputerToolName = "computer"

// ComputerTool drives a ComputerControl. Coordinates from the model refer to
// the last screenshot it saw and are scaled back to screen pixels.
type ComputerTool struct {
	control ComputerControl
	encoder ScreenshotEncoder

	mu    sync.Mutex
	scale float64
}

// NewComputerTool creates the computer tool.
func NewComputerTool(control ComputerControl, encoder ScreenshotEncoder) *ComputerTool {
	return &ComputerTool{control: control, encoder: encoder, scale: 1}
}

func (t *ComputerTool) Name() string { return ComputerToolName }

func (t *ComputerTool) Description() string {
	return "Control the computer's mouse and keyboard and take screenshots. " +
		"Coordinates are pixels on the most recent screenshot."
}

func (t *ComputerTool) Modes() []models.Mode { return []models.Mode{models.ModeComputer} }

func (t *ComputerTool) InputSchema() map[string]any {
	return map[string]any{
		"type": "object",
		"properties": map[string]any{
			"action": map[string]any{
				"type": "string",
				"enum": []string{"screenshot", "left_click", "right_click", "double_click", "mouse_move", "type", "key", "scroll"},
			},
			"coordinate": coordinateSchema,
			"text":       map[string]any{"type": "string", "description": "Text to type, or key combination such as 'ctrl+c'."},
			"direction":  scrollSchema,
			"amount":     map[string]any{"type": "integer", "description": "Scroll clicks (default 3)."},
		},
		"required": []string{"action"},
	}
}

// Capture takes and encodes a screenshot, remembering its scale.
func (t *ComputerTool) Capture(ctx context.Context) (Screenshot, error) {
	raw, err := t.control.Screenshot(ctx)
	if err != nil {
		return Screenshot{}, fmt.Errorf("screenshot: %w", err)
	}
	shot, err := t.encoder.Encode(raw)
	if err != nil {
		return Screenshot{}, err
	}
	t.mu.Lock()
	t.scale = shot.Scale
	t.mu.Unlock()
	return shot, nil
}

func (t *ComputerTool) Execute(ctx context.Context, input map[string]any) (Output, error) {
	action, err := stringArg(input, "action")
	if err != nil {
		return Output{}, err
	}

	switch action {
	case "screenshot":
		shot, err := t.Capture(ctx)
		if err != nil {
			return Output{}, err
		}
		return Output{Image: shot.Source}, nil

	case "left_click", "right_click", "double_click", "mouse_move":
		x, y, err := t.point(input)
		if err != nil {
			return Output{}, err
		}
		switch action {
		case "mouse_move":
			err = t.control.MoveMouse(ctx, x, y)
		case "right_click":
			err = t.control.Click(ctx, x, y, "right", 1)
		case "double_click":
			err = t.control.Click(ctx, x, y, "left", 2)
		default:
			err = t.control.Click(ctx, x, y, "left", 1)
		}
		if err != nil {
			return Output{}, fmt.Errorf("%s: %w", action, err)
		}
		return Output{Text: fmt.Sprintf("%s at (%d, %d)", action, x, y)}, nil

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
		x, y, err := t.point(input)
		if err != nil {
			return Output{}, err
		}
		dir := optionalString(input, "direction", "down")
		amount := optionalInt(input, "amount", 3)
		if err := t.control.Scroll(ctx, x, y, dir, amount); err != nil {
			return Output{}, fmt.Errorf("scroll: %w", err)
		}
		return Output{Text: fmt.Sprintf("scrolled %s by %d", dir, amount)}, nil
	}
	return Output{}, fmt.Errorf("unknown action %q", action)
}

func (t *ComputerTool) point(input map[string]any) (int, int, error) {
	x, y, err := coordinateArg(input)
	if err != nil {
		return 0, 0, err
	}
	t.mu.Lock()
	scale := t.scale
	t.mu.Unlock()
	return int(math.Round(x * scale)), int(math.Round(y * scale)), nil
}
