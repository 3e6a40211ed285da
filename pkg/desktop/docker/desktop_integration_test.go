package docker_test

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/nstogner/deskpilot/pkg/desktop/docker"
)

func TestIntegration_Desktop(t *testing.T) {
	if os.Getenv("DOCKER_HOST") == "" {
		t.Skip("Skipping integration test: DOCKER_HOST not set")
	}

	d, err := docker.New(docker.Config{Name: "deskpilot-test-" + uuid.NewString()[:8]})
	if err != nil {
		t.Fatalf("Failed to create desktop: %v", err)
	}
	defer d.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Minute)
	defer cancel()

	defer func() {
		cleanupCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		d.Stop(cleanupCtx)
	}()

	png, err := d.Screenshot(ctx)
	if err != nil {
		t.Fatalf("Screenshot failed: %v", err)
	}
	if len(png) < 8 || string(png[1:4]) != "PNG" {
		t.Errorf("expected PNG output, got %d bytes", len(png))
	}

	if err := d.Click(ctx, 100, 100, "left", 1); err != nil {
		t.Errorf("Click failed: %v", err)
	}
	if err := d.Key(ctx, "Escape"); err != nil {
		t.Errorf("Key failed: %v", err)
	}
}
