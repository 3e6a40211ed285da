package main

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/charmbracelet/bubbles/textarea"
	"github.com/charmbracelet/bubbles/viewport"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/glamour"
	"github.com/charmbracelet/lipgloss"
	"github.com/spf13/cobra"

	"github.com/nstogner/deskpilot/pkg/models"
	"github.com/nstogner/deskpilot/pkg/runner"
	"github.com/nstogner/deskpilot/pkg/store"
)

var (
	titleStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("#FFFDF5")).
			Background(lipgloss.Color("#25A065")).
			Padding(0, 1)

	senderStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("5")).
			Bold(true)

	userStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("2")).
			Bold(true)

	toolStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("240"))

	cursorStyle       = lipgloss.NewStyle().Foreground(lipgloss.Color("205"))
	selectedItemStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("205")).Bold(true)
	errorStyle        = lipgloss.NewStyle().Foreground(lipgloss.Color("9")).Bold(true).Padding(0, 1)
	statusStyle       = lipgloss.NewStyle().Foreground(lipgloss.Color("240")).Italic(true)
)

func chatCmd() *cobra.Command {
	var (
		mode  string
		model string
	)
	cmd := &cobra.Command{
		Use:   "chat",
		Short: "Interactive terminal UI",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			m, err := models.ParseMode(mode)
			if err != nil {
				return err
			}
			a, err := newApp(cfg, appOptions{console: true})
			if err != nil {
				return err
			}
			defer a.Close()

			if model == "" {
				model = cfg.Model
			}
			events, unsubscribe := a.runner.Events().Subscribe(256)
			defer unsubscribe()

			p := tea.NewProgram(newChatModel(cmd.Context(), a, m, model, events), tea.WithAltScreen())
			if _, err := p.Run(); err != nil {
				return fmt.Errorf("terminal UI failed: %w", err)
			}
			waitIdle(a.runner, 5*time.Second)
			return nil
		},
	}
	cmd.Flags().StringVar(&mode, "mode", string(models.ModeComputer), "agent mode: computer or browser")
	cmd.Flags().StringVar(&model, "model", "", "model name (overrides config)")
	return cmd
}

// waitIdle stops an active run and waits for it to release the runner so
// the stores are not closed underneath it.
func waitIdle(r *runner.Runner, timeout time.Duration) {
	if !r.RunState().IsRunning() {
		return
	}
	r.Stop()
	deadline := time.Now().Add(timeout)
	for r.RunState().IsRunning() && time.Now().Before(deadline) {
		time.Sleep(50 * time.Millisecond)
	}
}

type state int

const (
	stateSelectingConversation state = iota
	stateChatting
)

type (
	errMsg        struct{ err error }
	runEventMsg   runner.Event
	transcriptMsg struct{ content string }
	runStartedMsg struct{ runID string }
)

type chatModel struct {
	ctx    context.Context
	app    *app
	events <-chan runner.Event

	mode           models.Mode
	modelName      string
	conversationID string

	state         state
	conversations []store.ConversationInfo
	cursor        int
	listOffset    int
	width         int
	height        int
	err           error

	running    bool
	runID      string
	transcript string
	live       strings.Builder

	viewport viewport.Model
	textarea textarea.Model
	renderer *glamour.TermRenderer
}

func newChatModel(ctx context.Context, a *app, mode models.Mode, modelName string, events <-chan runner.Event) *chatModel {
	ta := textarea.New()
	ta.Placeholder = "Tell the agent what to do..."
	ta.Focus()
	ta.Prompt = "┃ "
	ta.CharLimit = 2000
	ta.SetWidth(80)
	ta.SetHeight(3)
	ta.FocusedStyle.CursorLine = lipgloss.NewStyle()
	ta.ShowLineNumbers = false

	vp := viewport.New(80, 20)

	m := &chatModel{
		ctx:       ctx,
		app:       a,
		events:    events,
		mode:      mode,
		modelName: modelName,
		state:     stateChatting,
		viewport:  vp,
		textarea:  ta,
		renderer:  newRenderer(80),
	}

	convs, err := a.conversations.ListConversations(0, 0)
	if err != nil {
		m.err = err
	} else if len(convs) > 0 {
		m.conversations = convs
		m.state = stateSelectingConversation
	}
	return m
}

// newRenderer uses a fixed style; auto style queries the terminal and the
// reply leaks into the input.
func newRenderer(width int) *glamour.TermRenderer {
	if width < 20 {
		width = 20
	}
	r, err := glamour.NewTermRenderer(
		glamour.WithStandardStyle("light"),
		glamour.WithWordWrap(width),
	)
	if err != nil {
		slog.Warn("Markdown rendering disabled", "error", err)
		return nil
	}
	return r
}

func (m *chatModel) Init() tea.Cmd {
	return tea.Batch(textarea.Blink, waitForEvent(m.events))
}

func (m *chatModel) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	var cmds []tea.Cmd

	// Keys only reach the textarea while chatting so list navigation does
	// not type into it.
	var tiCmd, vpCmd tea.Cmd
	switch msg.(type) {
	case tea.KeyMsg:
		if m.state == stateChatting {
			m.textarea, tiCmd = m.textarea.Update(msg)
			cmds = append(cmds, tiCmd)
		}
	default:
		m.textarea, tiCmd = m.textarea.Update(msg)
		cmds = append(cmds, tiCmd)
	}
	m.viewport, vpCmd = m.viewport.Update(msg)
	cmds = append(cmds, vpCmd)

	switch msg := msg.(type) {
	case tea.WindowSizeMsg:
		m.width = msg.Width
		m.height = msg.Height
		m.viewport.Width = msg.Width
		m.textarea.SetWidth(msg.Width)
		m.viewport.Height = msg.Height - m.textarea.Height() - 4
		if m.viewport.Height < 0 {
			m.viewport.Height = 0
		}
		m.renderer = newRenderer(m.width - 4)
		m.clampList()
		m.refresh()

	case tea.KeyMsg:
		switch msg.Type {
		case tea.KeyCtrlC:
			m.app.runner.Stop()
			return m, tea.Quit
		case tea.KeyEsc:
			if m.running {
				m.app.runner.Stop()
				return m, nil
			}
			return m, tea.Quit
		case tea.KeyEnter:
			if m.state == stateSelectingConversation {
				return m, m.selectConversation()
			}
			m.err = nil
			return m, m.submit()
		case tea.KeyUp:
			if m.state == stateSelectingConversation && m.cursor > 0 {
				m.cursor--
				m.clampList()
			}
		case tea.KeyDown:
			if m.state == stateSelectingConversation && m.cursor < len(m.conversations) {
				m.cursor++
				m.clampList()
			}
		}

	case runStartedMsg:
		m.runID = msg.runID

	case runEventMsg:
		m.handleEvent(runner.Event(msg), &cmds)
		cmds = append(cmds, waitForEvent(m.events))

	case transcriptMsg:
		m.transcript = msg.content
		m.live.Reset()
		m.refresh()

	case errMsg:
		m.err = msg.err
		m.running = false
	}

	return m, tea.Batch(cmds...)
}

func (m *chatModel) handleEvent(ev runner.Event, cmds *[]tea.Cmd) {
	// A new conversation only gets its id once the run has opened it.
	if ev.ConversationID != "" {
		m.conversationID = ev.ConversationID
	}
	switch ev.Type {
	case runner.EventRunStarted:
		m.running = true
		m.runID = ev.RunID
	case runner.EventStream:
		if ev.Stream != nil && ev.Stream.Type == models.EventTextDelta {
			m.live.WriteString(ev.Stream.Text)
		}
	case runner.EventToolStarted:
		if ev.ToolUse != nil {
			m.live.WriteString("\n" + toolStyle.Render(toolLine(ev.ToolUse)) + "\n")
		}
	case runner.EventToolResult:
		if ev.ToolResult != nil && ev.ToolResult.IsError {
			m.live.WriteString(errorStyle.Render(ev.ToolResult.Content) + "\n")
		}
	case runner.EventRunFinished:
		m.running = false
		if ev.Result != nil && ev.Result.Status == runner.StatusFailed {
			m.err = fmt.Errorf("run failed: %s", ev.Result.Error)
		}
		if m.conversationID != "" {
			*cmds = append(*cmds, m.reloadTranscript())
		}
	}
	m.refresh()
}

func (m *chatModel) refresh() {
	content := m.transcript
	if m.live.Len() > 0 {
		content += senderStyle.Render("Agent: ") + "\n" + m.live.String()
	}
	if content == "" {
		content = statusStyle.Render("Enter an instruction. /mode computer|browser and /model <name> switch settings, /exit quits.")
	}
	m.viewport.SetContent(content)
	m.viewport.GotoBottom()
}

func (m *chatModel) clampList() {
	maxViewable := m.maxViewable()
	if m.cursor < m.listOffset {
		m.listOffset = m.cursor
	}
	if m.cursor >= m.listOffset+maxViewable {
		m.listOffset = m.cursor - maxViewable + 1
	}
	if m.listOffset < 0 {
		m.listOffset = 0
	}
}

func (m *chatModel) maxViewable() int {
	n := m.height - 7
	if n < 1 {
		n = 1
	}
	return n
}

// selectConversation enters the chat; row 0 starts a new conversation.
func (m *chatModel) selectConversation() tea.Cmd {
	m.state = stateChatting
	m.textarea.Focus()
	if m.cursor == 0 {
		m.refresh()
		return nil
	}
	info := m.conversations[m.cursor-1]
	m.conversationID = info.ID
	if mode, err := models.ParseMode(info.Mode); err == nil {
		m.mode = mode
	}
	if info.Model != "" {
		m.modelName = info.Model
	}
	return m.reloadTranscript()
}

func (m *chatModel) submit() tea.Cmd {
	v := strings.TrimSpace(m.textarea.Value())
	if v == "" {
		return nil
	}
	m.textarea.Reset()

	switch {
	case v == "/exit":
		m.app.runner.Stop()
		return tea.Quit
	case strings.HasPrefix(v, "/mode "):
		mode, err := models.ParseMode(strings.TrimSpace(strings.TrimPrefix(v, "/mode ")))
		if err != nil {
			m.err = err
			return nil
		}
		m.mode = mode
		return nil
	case strings.HasPrefix(v, "/model "):
		if name := strings.TrimSpace(strings.TrimPrefix(v, "/model ")); name != "" {
			m.modelName = name
		}
		return nil
	}

	if m.running {
		m.err = runner.ErrAlreadyRunning
		return nil
	}
	m.live.Reset()
	m.transcript += userStyle.Render("You: ") + "\n" + v + "\n\n"
	m.refresh()

	req := runner.RunRequest{
		Instructions:   v,
		Model:          m.modelName,
		Mode:           m.mode,
		ConversationID: m.conversationID,
	}
	a, ctx := m.app, m.ctx
	return func() tea.Msg {
		if req.Mode == models.ModeComputer && a.computer != nil {
			shot, err := a.computer.Capture(ctx)
			if err != nil {
				slog.Warn("Starting without a screenshot", "error", err)
			} else {
				req.ContextScreenshot = shot.Source
			}
		}
		id, err := a.runner.Start(ctx, req)
		if err != nil {
			return errMsg{err}
		}
		return runStartedMsg{runID: id}
	}
}

func (m *chatModel) reloadTranscript() tea.Cmd {
	mgr, id, r := m.app.conversations, m.conversationID, m.renderer
	return func() tea.Msg {
		conv, err := mgr.LoadConversation(id)
		if err != nil {
			return errMsg{err}
		}
		defer conv.Close()
		msgs, err := conv.Messages()
		if err != nil {
			return errMsg{err}
		}
		slog.Debug("Loaded conversation", "conversationID", id, "messages", len(msgs))
		return transcriptMsg{content: renderTranscript(msgs, r)}
	}
}

func (m *chatModel) View() string {
	var errorView string
	if m.err != nil {
		errorView = errorStyle.Width(m.width).Render(fmt.Sprintf("Error: %v", m.err))
	}

	if m.state == stateSelectingConversation {
		header := titleStyle.Render("Select Conversation")
		rows := append([]string{"New conversation"}, conversationRows(m.conversations)...)

		start := m.listOffset
		end := start + m.maxViewable()
		if end > len(rows) {
			end = len(rows)
		}
		var optionsView []string
		for i := start; i < end; i++ {
			cursor := " "
			line := rows[i]
			if m.cursor == i {
				cursor = ">"
				line = selectedItemStyle.Render(line)
			}
			optionsView = append(optionsView, fmt.Sprintf("%s %s", cursorStyle.Render(cursor), line))
		}
		list := lipgloss.JoinVertical(lipgloss.Left, optionsView...)
		footer := "Press Enter to select, Esc to quit."
		return lipgloss.JoinVertical(lipgloss.Left, header, "", list, "", footer, errorView)
	}

	status := fmt.Sprintf("%s mode, %s", m.mode, m.modelName)
	if m.running {
		status += ", running (Esc to stop)"
	}
	return lipgloss.JoinVertical(
		lipgloss.Left,
		titleStyle.Render("deskpilot")+" "+statusStyle.Render(status),
		"",
		m.viewport.View(),
		errorView,
		m.textarea.View(),
	)
}

func conversationRows(infos []store.ConversationInfo) []string {
	rows := make([]string, len(infos))
	for i, c := range infos {
		rows[i] = fmt.Sprintf("%s (%s, %s)", c.Title, c.Mode, c.Modified.Format(time.RFC822))
	}
	return rows
}

// renderTranscript formats stored messages for the terminal. Assistant text
// is rendered as markdown when r is set.
func renderTranscript(msgs []store.Message, r *glamour.TermRenderer) string {
	var sb strings.Builder
	for _, msg := range msgs {
		if len(msg.Content) == 0 {
			continue
		}
		switch msg.Role {
		case store.RoleUser:
			sb.WriteString(userStyle.Render("You: "))
		case store.RoleAssistant:
			sb.WriteString(senderStyle.Render("Agent: "))
		default:
			sb.WriteString(toolStyle.Render(string(msg.Role) + ": "))
		}
		sb.WriteString("\n")

		for _, c := range msg.Content {
			switch {
			case c.Text != nil:
				sb.WriteString(renderMarkdown(c.Text.Content, msg.Role, r))
			case c.Image != nil:
				sb.WriteString(toolStyle.Render("[screenshot]"))
			case c.ToolUse != nil:
				sb.WriteString(toolStyle.Render(toolLine(c.ToolUse)))
			case c.ToolResult != nil:
				sb.WriteString(toolResultLine(c.ToolResult))
			default:
				continue
			}
			sb.WriteString("\n")
		}
		sb.WriteString("\n")
	}
	return sb.String()
}

func renderMarkdown(text string, role store.MessageRole, r *glamour.TermRenderer) string {
	if r == nil || role != store.RoleAssistant {
		return text
	}
	out, err := r.Render(text)
	if err != nil {
		return text
	}
	return strings.TrimRight(out, "\n")
}

func toolLine(use *store.ToolUseContent) string {
	if action, ok := use.Input["action"].(string); ok {
		return fmt.Sprintf("[%s: %s]", use.Name, action)
	}
	return fmt.Sprintf("[%s]", use.Name)
}

func toolResultLine(res *store.ToolResultContent) string {
	switch res.Kind() {
	case store.ToolResultError:
		return errorStyle.Render("[error] " + res.Content)
	case store.ToolResultImage:
		return toolStyle.Render("[ok, screenshot] " + res.Content)
	default:
		return toolStyle.Render("[ok] " + res.Content)
	}
}

func waitForEvent(ch <-chan runner.Event) tea.Cmd {
	return func() tea.Msg {
		ev, ok := <-ch
		if !ok {
			return nil
		}
		return runEventMsg(ev)
	}
}
