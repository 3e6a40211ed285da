package gemini_test

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/nstogner/deskpilot/pkg/models"
	"github.com/nstogner/deskpilot/pkg/models/gemini"
	"github.com/nstogner/deskpilot/pkg/store"
)

func TestIntegration_Gemini(t *testing.T) {
	apiKey := os.Getenv("GEMINI_API_KEY")
	if apiKey == "" {
		t.Skip("Skipping Gemini integration test: GEMINI_API_KEY not set")
	}

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	// 1. Initialize
	model, err := gemini.New(ctx, apiKey)
	if err != nil {
		t.Fatalf("Failed to create model: %v", err)
	}
	defer model.Close()

	// 2. List Models
	modelsList, err := model.List(ctx)
	if err != nil {
		t.Fatalf("Failed to list models: %v", err)
	}
	if len(modelsList) == 0 {
		t.Fatal("No models found")
	}

	targetModel := os.Getenv("GEMINI_MODEL")
	if targetModel == "" {
		targetModel = "gemini-2.5-flash"
	}
	t.Logf("Attempting to use model: %s", targetModel)

	// 3. Stream Call
	stream, err := model.Stream(ctx, models.Request{
		Model: targetModel,
		Mode:  models.ModeComputer,
		Messages: []models.AgentMessage{
			{Role: store.RoleUser, Content: []store.Content{store.NewText("Hello, just verify you work.")}},
		},
		MaxTokens: 256,
	})
	if err != nil {
		t.Fatalf("Stream creation failed: %v", err)
	}
	defer stream.Close()

	var deltas int
	turn, err := models.Collect(stream, func(ev models.StreamEvent) bool {
		if ev.Type == models.EventTextDelta {
			deltas++
		}
		return true
	})
	if err != nil {
		t.Fatalf("Collect failed: %v", err)
	}
	t.Logf("Response (%d deltas): %q", deltas, store.Message{Content: turn.Message.Content}.Text())
}
