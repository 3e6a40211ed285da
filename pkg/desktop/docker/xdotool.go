package docker

import (
	"fmt"
	"strconv"
	"strings"
)

func itoa(n int) string { return strconv.Itoa(n) }

func clickArgs(x, y int, button string, count int) []string {
	btn := "1"
	switch button {
	case "right":
		btn = "3"
	case "middle":
		btn = "2"
	}
	if count < 1 {
		count = 1
	}
	return []string{"xdotool", "mousemove", itoa(x), itoa(y), "click", "--repeat", itoa(count), btn}
}

func scrollArgs(x, y int, direction string, amount int) ([]string, error) {
	var btn string
	switch direction {
	case "up":
		btn = "4"
	case "down":
		btn = "5"
	case "left":
		btn = "6"
	case "right":
		btn = "7"
	default:
		return nil, fmt.Errorf("unknown scroll direction %q", direction)
	}
	if amount < 1 {
		amount = 1
	}
	return []string{"xdotool", "mousemove", itoa(x), itoa(y), "click", "--repeat", itoa(amount), btn}, nil
}

// keysyms maps common key names onto X keysym names.
var keysyms = map[string]string{
	"enter":     "Return",
	"return":    "Return",
	"esc":       "Escape",
	"escape":    "Escape",
	"tab":       "Tab",
	"backspace": "BackSpace",
	"delete":    "Delete",
	"space":     "space",
	"up":        "Up",
	"down":      "Down",
	"left":      "Left",
	"right":     "Right",
	"arrowup":   "Up",
	"arrowdown": "Down",
	"home":      "Home",
	"end":       "End",
	"pageup":    "Prior",
	"pagedown":  "Next",
	"cmd":       "super",
	"meta":      "super",
	"control":   "ctrl",
}

// keysym converts "Control+Enter" style combos into xdotool syntax.
func keysym(combo string) string {
	parts := strings.Split(combo, "+")
	for i, p := range parts {
		if k, ok := keysyms[strings.ToLower(strings.TrimSpace(p))]; ok {
			parts[i] = k
		}
	}
	return strings.Join(parts, "+")
}
