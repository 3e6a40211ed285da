package docker

import (
	"strings"
	"testing"
)

func TestClickArgs(t *testing.T) {
	got := strings.Join(clickArgs(10, 20, "right", 0), " ")
	want := "xdotool mousemove 10 20 click --repeat 1 3"
	if got != want {
		t.Errorf("got %q, want %q", got, want)
	}
	got = strings.Join(clickArgs(1, 2, "left", 2), " ")
	if !strings.HasSuffix(got, "--repeat 2 1") {
		t.Errorf("double click args: %q", got)
	}
}

func TestScrollArgs(t *testing.T) {
	args, err := scrollArgs(5, 6, "up", 3)
	if err != nil {
		t.Fatal(err)
	}
	if got := strings.Join(args, " "); got != "xdotool mousemove 5 6 click --repeat 3 4" {
		t.Errorf("got %q", got)
	}
	if _, err := scrollArgs(0, 0, "diagonal", 1); err == nil {
		t.Error("expected error")
	}
}

func TestKeysym(t *testing.T) {
	tests := map[string]string{
		"Enter":        "Return",
		"ctrl+c":       "ctrl+c",
		"Control+Tab":  "ctrl+Tab",
		"cmd+PageDown": "super+Next",
		"F5":           "F5",
	}
	for in, want := range tests {
		if got := keysym(in); got != want {
			t.Errorf("keysym(%q) = %q, want %q", in, got, want)
		}
	}
}
