package browser

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/go-rod/rod/lib/input"
	"github.com/go-rod/rod/lib/proto"
)

// scrollStep is the pixel distance of one scroll click.
const scrollStep = 120

// Navigate navigates the active page to a URL.
func (m *Manager) Navigate(ctx context.Context, url string) error {
	page, err := m.activePage(ctx)
	if err != nil {
		return err
	}

	if err := page.Navigate(url); err != nil {
		return fmt.Errorf("navigate: %w", err)
	}
	if err := page.WaitStable(300 * time.Millisecond); err != nil {
		return fmt.Errorf("wait stable after navigate: %w", err)
	}
	return nil
}

// Screenshot captures the visible viewport as PNG bytes.
func (m *Manager) Screenshot(ctx context.Context) ([]byte, error) {
	page, err := m.activePage(ctx)
	if err != nil {
		return nil, err
	}
	return page.Screenshot(false, &proto.PageCaptureScreenshot{
		Format: proto.PageCaptureScreenshotFormatPng,
	})
}

// Click left-clicks at viewport coordinates.
func (m *Manager) Click(ctx context.Context, x, y int) error {
	page, err := m.activePage(ctx)
	if err != nil {
		return err
	}
	if err := page.Mouse.MoveTo(proto.Point{X: float64(x), Y: float64(y)}); err != nil {
		return fmt.Errorf("move mouse: %w", err)
	}
	return page.Mouse.Click(proto.InputMouseButtonLeft, 1)
}

// Type inserts text at the focused element.
func (m *Manager) Type(ctx context.Context, text string) error {
	page, err := m.activePage(ctx)
	if err != nil {
		return err
	}
	return page.InsertText(text)
}

// Key presses a key or a "+" joined combination such as "Control+a".
func (m *Manager) Key(ctx context.Context, key string) error {
	page, err := m.activePage(ctx)
	if err != nil {
		return err
	}

	parts := strings.Split(key, "+")
	if len(parts) == 1 {
		return page.Keyboard.Press(mapKey(key))
	}

	ka := page.KeyActions()
	for _, mod := range parts[:len(parts)-1] {
		ka = ka.Press(mapKey(mod))
	}
	return ka.Type(mapKey(parts[len(parts)-1])).Do()
}

// Scroll scrolls the page with the mouse wheel at the given position.
func (m *Manager) Scroll(ctx context.Context, x, y int, direction string, amount int) error {
	page, err := m.activePage(ctx)
	if err != nil {
		return err
	}
	dx, dy, err := scrollOffset(direction, amount)
	if err != nil {
		return err
	}
	if err := page.Mouse.MoveTo(proto.Point{X: float64(x), Y: float64(y)}); err != nil {
		return fmt.Errorf("move mouse: %w", err)
	}
	return page.Mouse.Scroll(dx, dy, amount)
}

// Evaluate runs JavaScript on the active page.
func (m *Manager) Evaluate(ctx context.Context, js string) (string, error) {
	page, err := m.activePage(ctx)
	if err != nil {
		return "", err
	}

	result, err := page.Eval(js)
	if err != nil {
		return "", fmt.Errorf("evaluate: %w", err)
	}

	return result.Value.String(), nil
}

func scrollOffset(direction string, amount int) (float64, float64, error) {
	if amount <= 0 {
		amount = 1
	}
	d := float64(amount * scrollStep)
	switch direction {
	case "up":
		return 0, -d, nil
	case "down":
		return 0, d, nil
	case "left":
		return -d, 0, nil
	case "right":
		return d, 0, nil
	}
	return 0, 0, fmt.Errorf("unknown scroll direction %q", direction)
}

// mapKey converts a key name string to a Rod keyboard key.
func mapKey(key string) input.Key {
	switch strings.ToLower(key) {
	case "enter", "return":
		return input.Enter
	case "tab":
		return input.Tab
	case "escape", "esc":
		return input.Escape
	case "backspace":
		return input.Backspace
	case "delete":
		return input.Delete
	case "arrowup", "up":
		return input.ArrowUp
	case "arrowdown", "down":
		return input.ArrowDown
	case "arrowleft", "left":
		return input.ArrowLeft
	case "arrowright", "right":
		return input.ArrowRight
	case "home":
		return input.Home
	case "end":
		return input.End
	case "pageup":
		return input.PageUp
	case "pagedown":
		return input.PageDown
	case "space":
		return input.Space
	case "control", "ctrl":
		return input.ControlLeft
	case "shift":
		return input.ShiftLeft
	case "alt":
		return input.AltLeft
	case "meta", "cmd", "super":
		return input.MetaLeft
	default:
		// Try single character
		if len(key) == 1 {
			return input.Key(key[0])
		}
		return input.Enter
	}
}
