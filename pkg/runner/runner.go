package runner

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"

	"github.com/google/uuid"
	"github.com/nstogner/deskpilot/pkg/credentials"
	"github.com/nstogner/deskpilot/pkg/models"
	"github.com/nstogner/deskpilot/pkg/store"
	"github.com/nstogner/deskpilot/pkg/tools"
)

const (
	DefaultMaxTurns  = 25
	DefaultMaxTokens = 4096
	titleLength      = 80
)

// ProviderFactory builds a provider for the resolved API key.
type ProviderFactory func(ctx context.Context, apiKey string) (models.ModelProvider, error)

// Config holds per-run defaults.
type Config struct {
	Model     string
	MaxTokens int
	MaxTurns  int
	// Service names the credential the provider needs.
	Service string
}

// RunRequest starts a run.
type RunRequest struct {
	Instructions string
	Model        string
	Mode         models.Mode
	Voice        bool
	// History seeds the conversation. When empty and ConversationID names a
	// stored conversation, its messages are used.
	History           []store.Message
	ContextScreenshot *store.ImageSource
	ConversationID    string
}

// Result describes how a run ended.
type Result struct {
	RunID          string
	ConversationID string
	Status         Status
	Final          string
	Usage          models.Usage
	Turns          int
	Err            error
}

// Info returns the serializable form of the result.
func (r Result) Info() *ResultInfo {
	info := &ResultInfo{Status: r.Status, Final: r.Final, Turns: r.Turns, Usage: r.Usage}
	if r.Err != nil {
		info.Error = r.Err.Error()
	}
	return info
}

// StateInfo is a snapshot of the controller.
type StateInfo struct {
	Running        bool   `json:"running"`
	RunID          string `json:"run_id,omitempty"`
	ConversationID string `json:"conversation_id,omitempty"`
	HasAPIKey      bool   `json:"has_api_key"`
}

// Runner drives the agent loop. At most one run is active at a time.
type Runner struct {
	state         *RunState
	providers     ProviderFactory
	dispatcher    *tools.Dispatcher
	keys          credentials.Store
	conversations store.Manager
	events        *Broadcaster

	mu     sync.RWMutex
	cfg    Config
	active activeRun

	// lifecycle keeps a run's run_started behind the previous run_finished.
	lifecycle sync.Mutex
}

type activeRun struct {
	runID          string
	conversationID string
}

// Option configures a Runner.
type Option func(*Runner)

// WithCredentials resolves API keys from a store when none is set in memory.
func WithCredentials(keys credentials.Store) Option {
	return func(r *Runner) { r.keys = keys }
}

// WithConversations persists runs.
func WithConversations(m store.Manager) Option {
	return func(r *Runner) { r.conversations = m }
}

// WithBroadcaster publishes events to b.
func WithBroadcaster(b *Broadcaster) Option {
	return func(r *Runner) { r.events = b }
}

// WithConfig sets run defaults.
func WithConfig(cfg Config) Option {
	return func(r *Runner) { r.cfg = cfg }
}

// New creates a Runner.
func New(state *RunState, providers ProviderFactory, dispatcher *tools.Dispatcher, opts ...Option) *Runner {
	r := &Runner{
		state:      state,
		providers:  providers,
		dispatcher: dispatcher,
		events:     NewBroadcaster(),
		cfg:        Config{MaxTurns: DefaultMaxTurns, MaxTokens: DefaultMaxTokens, Service: "gemini"},
	}
	for _, o := range opts {
		o(r)
	}
	if r.cfg.MaxTurns <= 0 {
		r.cfg.MaxTurns = DefaultMaxTurns
	}
	if r.cfg.MaxTokens <= 0 {
		r.cfg.MaxTokens = DefaultMaxTokens
	}
	return r
}

// Events returns the event broadcaster.
func (r *Runner) Events() *Broadcaster {
	return r.events
}

// RunState returns the shared state holder.
func (r *Runner) RunState() *RunState {
	return r.state
}

// SetMaxTurns changes the turn cap for runs started afterwards.
func (r *Runner) SetMaxTurns(n int) {
	if n <= 0 {
		return
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.cfg.MaxTurns = n
}

func (r *Runner) config() Config {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.cfg
}

// State reports whether a run is active.
func (r *Runner) State() StateInfo {
	info := StateInfo{Running: r.state.IsRunning(), HasAPIKey: r.HasAPIKey()}
	if info.Running {
		r.mu.RLock()
		info.RunID = r.active.runID
		info.ConversationID = r.active.conversationID
		r.mu.RUnlock()
	}
	return info
}

// HasAPIKey reports whether a run could obtain a credential.
func (r *Runner) HasAPIKey() bool {
	_, err := r.apiKey()
	return err == nil
}

func (r *Runner) apiKey() (string, error) {
	if k := r.state.APIKey(); k != "" {
		return k, nil
	}
	if r.keys != nil {
		k, err := r.keys.Get(r.config().Service)
		if err == nil && k != "" {
			return k, nil
		}
		if err != nil && !errors.Is(err, credentials.ErrNotFound) {
			slog.Warn("Failed to read API key", "service", r.config().Service, "error", err)
		}
	}
	return "", ErrNoCredential
}

// Provider builds a provider with the current credential, for calls made
// outside a run such as listing models.
func (r *Runner) Provider(ctx context.Context) (models.ModelProvider, error) {
	key, err := r.apiKey()
	if err != nil {
		return nil, err
	}
	return r.providers(ctx, key)
}

// Service names the credential runs use.
func (r *Runner) Service() string {
	return r.config().Service
}

// Stop requests cancellation of the active run and returns immediately.
func (r *Runner) Stop() {
	slog.Info("Stop requested")
	r.state.RequestCancel()
}

// Start validates the request and the controller state, then runs the loop
// in the background. The run outlives ctx; use Stop to end it.
func (r *Runner) Start(ctx context.Context, req RunRequest) (string, error) {
	run, err := r.begin(context.WithoutCancel(ctx), req)
	if err != nil {
		return "", err
	}
	go run.execute()
	return run.id, nil
}

// Run executes a run to completion. Cancelling ctx cancels the run.
func (r *Runner) Run(ctx context.Context, req RunRequest) (Result, error) {
	run, err := r.begin(ctx, req)
	if err != nil {
		return Result{}, err
	}
	return run.execute(), nil
}

func (r *Runner) begin(ctx context.Context, req RunRequest) (*run, error) {
	if strings.TrimSpace(req.Instructions) == "" {
		return nil, fmt.Errorf("instructions are required")
	}
	mode, err := models.ParseMode(string(req.Mode))
	if err != nil {
		return nil, err
	}
	req.Mode = mode
	if req.ConversationID != "" && !store.ValidID(req.ConversationID) {
		return nil, fmt.Errorf("%w: %q", store.ErrInvalidID, req.ConversationID)
	}

	if err := r.state.TryStart(); err != nil {
		return nil, err
	}

	cfg := r.config()
	if req.Model == "" {
		req.Model = cfg.Model
	}

	key, err := r.apiKey()
	if err != nil {
		r.state.Finish()
		return nil, err
	}
	provider, err := r.providers(ctx, key)
	if err != nil {
		r.state.Finish()
		return nil, fmt.Errorf("failed to create provider: %w", err)
	}

	runCtx, cancel := context.WithCancel(ctx)
	r.state.bind(cancel)

	ru := &run{
		id:       uuid.New().String(),
		r:        r,
		req:      req,
		cfg:      cfg,
		provider: provider,
		ctx:      runCtx,
		cancel:   cancel,
	}

	r.mu.Lock()
	r.active = activeRun{runID: ru.id, conversationID: req.ConversationID}
	r.mu.Unlock()

	slog.Info("Run starting", "runID", ru.id, "model", req.Model, "mode", req.Mode, "voice", req.Voice, "history", len(req.History), "screenshot", req.ContextScreenshot != nil)
	return ru, nil
}

func (r *Runner) setActiveConversation(id string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.active.conversationID = id
}

func (r *Runner) clearActive() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.active = activeRun{}
}

func (r *Runner) publish(ev Event) {
	if r.events != nil {
		r.events.Publish(ev)
	}
}

// title derives a conversation title from the first instruction.
func title(instructions string) string {
	s := strings.Join(strings.Fields(instructions), " ")
	runes := []rune(s)
	if len(runes) > titleLength {
		return string(runes[:titleLength])
	}
	return s
}
