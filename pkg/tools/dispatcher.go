package tools

import (
	"context"
	"fmt"
	"log/slog"
	"runtime/debug"
	"time"

	"github.com/nstogner/deskpilot/pkg/models"
	"github.com/nstogner/deskpilot/pkg/store"
	"golang.org/x/time/rate"
)

// DispatchError is a failed tool call. It never leaves the Dispatcher; it is
// rendered into an error result for the model.
type DispatchError struct {
	Tool string
	Err  error
}

func (e *DispatchError) Error() string {
	if e.Tool == "" {
		return e.Err.Error()
	}
	return fmt.Sprintf("tool %s: %v", e.Tool, e.Err)
}

func (e *DispatchError) Unwrap() error { return e.Err }

// Dispatcher executes tool calls on a bounded pool of workers.
type Dispatcher struct {
	registry *Registry
	limiter  *rate.Limiter
	slots    chan struct{}
	timeout  time.Duration
}

// DispatcherOption configures a Dispatcher.
type DispatcherOption func(*Dispatcher)

// WithWorkers bounds how many tool calls may execute at once.
func WithWorkers(n int) DispatcherOption {
	return func(d *Dispatcher) {
		if n > 0 {
			d.slots = make(chan struct{}, n)
		}
	}
}

// WithRateLimit throttles side-effecting actions. perSecond <= 0 disables it.
func WithRateLimit(perSecond float64, burst int) DispatcherOption {
	return func(d *Dispatcher) {
		if perSecond <= 0 {
			d.limiter = nil
			return
		}
		if burst <= 0 {
			burst = 1
		}
		d.limiter = rate.NewLimiter(rate.Limit(perSecond), burst)
	}
}

// WithTimeout bounds a single tool call.
func WithTimeout(t time.Duration) DispatcherOption {
	return func(d *Dispatcher) { d.timeout = t }
}

// NewDispatcher creates a Dispatcher over the registry.
func NewDispatcher(registry *Registry, opts ...DispatcherOption) *Dispatcher {
	d := &Dispatcher{
		registry: registry,
		slots:    make(chan struct{}, 2),
		timeout:  2 * time.Minute,
	}
	for _, o := range opts {
		o(d)
	}
	return d
}

// Registry returns the tools the dispatcher can reach.
func (d *Dispatcher) Registry() *Registry {
	return d.registry
}

// Execute runs one tool call and always returns a result. Unknown and
// out-of-mode tools, failures and panics become error results.
func (d *Dispatcher) Execute(ctx context.Context, mode models.Mode, use store.ToolUseContent) store.ToolResultContent {
	start := time.Now()
	out, err := d.execute(ctx, mode, use)
	slog.Debug("Tool executed", "tool", use.Name, "id", use.ID, "mode", mode, "duration_ms", time.Since(start).Milliseconds(), "error", err)

	if err != nil {
		slog.Warn("Tool call failed", "tool", use.Name, "id", use.ID, "error", err)
		return store.ToolResultContent{ToolUseID: use.ID, IsError: true, Content: err.Error()}
	}
	return store.ToolResultContent{ToolUseID: use.ID, Content: out.Text, Image: out.Image}
}

func (d *Dispatcher) execute(ctx context.Context, mode models.Mode, use store.ToolUseContent) (Output, error) {
	tool, err := d.registry.Lookup(mode, use.Name)
	if err != nil {
		return Output{}, &DispatchError{Err: err}
	}

	if d.limiter != nil {
		if err := d.limiter.Wait(ctx); err != nil {
			return Output{}, &DispatchError{Tool: use.Name, Err: fmt.Errorf("rate limit: %w", err)}
		}
	}

	select {
	case d.slots <- struct{}{}:
	case <-ctx.Done():
		return Output{}, &DispatchError{Tool: use.Name, Err: ctx.Err()}
	}

	type result struct {
		out Output
		err error
	}
	done := make(chan result, 1)

	go func() {
		defer func() { <-d.slots }()
		defer func() {
			if r := recover(); r != nil {
				slog.Error("Tool panicked", "tool", use.Name, "panic", r, "stack", string(debug.Stack()))
				done <- result{err: fmt.Errorf("panic: %v", r)}
			}
		}()

		callCtx := ctx
		if d.timeout > 0 {
			var cancel context.CancelFunc
			callCtx, cancel = context.WithTimeout(ctx, d.timeout)
			defer cancel()
		}

		input := use.Input
		if input == nil {
			input = map[string]any{}
		}
		out, err := tool.Execute(callCtx, input)
		done <- result{out: out, err: err}
	}()

	r := <-done
	if r.err != nil {
		return Output{}, &DispatchError{Tool: use.Name, Err: r.err}
	}
	return r.out, nil
}
