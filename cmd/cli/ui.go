package main

import (
	"fmt"
	"slices"
	"strings"

	"github.com/charmbracelet/bubbles/textarea"
	"github.com/charmbracelet/bubbles/viewport"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/glamour"
	"github.com/charmbracelet/lipgloss"

	"github.com/nstogner/sandbox/pkg/domain"
	"github.com/nstogner/sandbox/pkg/mirror"
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

	toolStyle   = lipgloss.NewStyle().Foreground(lipgloss.Color("240"))
	statusStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("244"))

	cursorStyle       = lipgloss.NewStyle().Foreground(lipgloss.Color("205"))
	selectedItemStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("205")).Bold(true)
	errorStyle        = lipgloss.NewStyle().Foreground(lipgloss.Color("9")).Bold(true).Padding(0, 1)
)

// knownModels are offered by /model. The server accepts any id.
var knownModels = []string{
	"gemini-2.5-flash",
	"gemini-2.5-pro",
	"gemini-2.0-flash",
}

type state int

const (
	stateChatting state = iota
	stateSelectingModel
	stateSelectingBranch
)

type errMsg struct{ err error }
type mirrorChangedMsg struct{}

// sessionClient is the part of client.Client the UI drives.
type sessionClient interface {
	Mirror() *mirror.Mirror
	SendMessage(content string) error
	UpdateInstructions(instructions string) error
	UpdateContext(ids []string) error
	SelectModel(model string) error
	UpdateTools(tools []string) error
	ExecuteStep() error
	RetryStep() error
	CreateBranch(name string) error
	SwitchBranch(id string) error
}

type model struct {
	client    sessionClient
	mirror    *mirror.Mirror
	sessionID string

	// State
	state      state
	branches   []domain.Branch
	cursor     int
	listOffset int
	width      int
	height     int
	err        error

	// UI Components
	viewport viewport.Model
	textarea textarea.Model
	renderer *glamour.TermRenderer
}

func initialModel(c sessionClient, sessionID string) model {
	ta := textarea.New()
	ta.Placeholder = "Send a message, or /step to run..."
	ta.Focus()
	ta.Prompt = "┃ "
	ta.CharLimit = 4000

	ta.SetWidth(80)
	ta.SetHeight(3)

	ta.FocusedStyle.CursorLine = lipgloss.NewStyle()
	ta.ShowLineNumbers = false

	vp := viewport.New(80, 20)
	vp.SetContent("Connecting...")

	// "light" avoids terminal queries that leak into input.
	r, _ := glamour.NewTermRenderer(
		glamour.WithStandardStyle("light"),
		glamour.WithWordWrap(80),
	)

	return model{
		client:    c,
		mirror:    c.Mirror(),
		sessionID: sessionID,
		viewport:  vp,
		textarea:  ta,
		renderer:  r,
	}
}

func (m model) Init() tea.Cmd {
	return tea.Batch(textarea.Blink, waitForChange(m.mirror))
}

func waitForChange(mi *mirror.Mirror) tea.Cmd {
	return func() tea.Msg {
		<-mi.Changes()
		return mirrorChangedMsg{}
	}
}

func (m model) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	var cmds []tea.Cmd

	var tiCmd, vpCmd tea.Cmd
	// Keys drive the list selectors, so they only reach the textarea while chatting.
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
		m.viewport.Height = max(msg.Height-m.textarea.Height()-4, 0)
		m.viewport.YPosition = 2

		m.renderer, _ = glamour.NewTermRenderer(
			glamour.WithStandardStyle("light"),
			glamour.WithWordWrap(max(m.width-4, 20)),
		)
		m.viewport.SetContent(m.renderTranscript())

	case tea.KeyMsg:
		switch msg.Type {
		case tea.KeyCtrlC:
			return m, tea.Quit
		case tea.KeyEsc:
			if m.state != stateChatting {
				m.state = stateChatting
				return m, nil
			}
			return m, tea.Quit
		case tea.KeyEnter:
			switch m.state {
			case stateChatting:
				m.err = nil
				return m.submit()
			case stateSelectingModel:
				choice := knownModels[m.cursor]
				m.state = stateChatting
				return m, m.call(func() error { return m.client.SelectModel(choice) })
			case stateSelectingBranch:
				if m.cursor < len(m.branches) {
					id := m.branches[m.cursor].ID
					m.state = stateChatting
					return m, m.call(func() error { return m.client.SwitchBranch(id) })
				}
			}
		case tea.KeyUp:
			if m.cursor > 0 {
				m.cursor--
				if m.cursor < m.listOffset {
					m.listOffset = m.cursor
				}
			}
		case tea.KeyDown:
			if m.cursor < m.listLen()-1 {
				m.cursor++
				maxViewable := max(m.height-7, 1)
				if m.cursor >= m.listOffset+maxViewable {
					m.listOffset = m.cursor - maxViewable + 1
				}
			}
		}

	case mirrorChangedMsg:
		m.viewport.SetContent(m.renderTranscript())
		m.viewport.GotoBottom()
		cmds = append(cmds, waitForChange(m.mirror))

	case errMsg:
		m.err = msg.err
	}

	return m, tea.Batch(cmds...)
}

func (m model) listLen() int {
	switch m.state {
	case stateSelectingModel:
		return len(knownModels)
	case stateSelectingBranch:
		return len(m.branches)
	}
	return 0
}

// call runs a client send off the UI goroutine.
func (m model) call(fn func() error) tea.Cmd {
	return func() tea.Msg {
		if err := fn(); err != nil {
			return errMsg{err}
		}
		return nil
	}
}

func (m model) submit() (model, tea.Cmd) {
	v := strings.TrimSpace(m.textarea.Value())
	if v == "" {
		return m, nil
	}
	m.textarea.Reset()
	m.mirror.ClearError()

	cmd, err := parseCommand(v)
	if err != nil {
		m.err = err
		return m, nil
	}

	switch cmd.name {
	case "exit":
		return m, tea.Quit
	case "message":
		return m, m.call(func() error { return m.client.SendMessage(cmd.arg) })
	case "instructions":
		return m, m.call(func() error { return m.client.UpdateInstructions(cmd.arg) })
	case "step":
		return m, m.call(m.client.ExecuteStep)
	case "retry":
		return m, m.call(m.client.RetryStep)
	case "tools":
		tools := splitList(cmd.arg)
		return m, m.call(func() error { return m.client.UpdateTools(tools) })
	case "context":
		ids := []string{}
		if cmd.arg == "all" {
			if s := m.mirror.Snapshot(); s != nil {
				for _, msg := range s.Messages {
					ids = append(ids, msg.ID)
				}
			}
		}
		return m, m.call(func() error { return m.client.UpdateContext(ids) })
	case "branch":
		return m, m.call(func() error { return m.client.CreateBranch(cmd.arg) })
	case "model":
		m.state = stateSelectingModel
		m.cursor, m.listOffset = 0, 0
		if s := m.mirror.Snapshot(); s != nil {
			if i := slices.Index(knownModels, s.SelectedModel); i >= 0 {
				m.cursor = i
			}
		}
	case "branches":
		s := m.mirror.Snapshot()
		if s == nil {
			m.err = fmt.Errorf("session not loaded yet")
			return m, nil
		}
		m.branches = s.Branches
		m.state = stateSelectingBranch
		m.cursor, m.listOffset = 0, 0
	}
	return m, nil
}

type command struct {
	name string
	arg  string
}

// parseCommand turns an input line into a command. Lines that do not start
// with a slash are messages.
func parseCommand(line string) (command, error) {
	if !strings.HasPrefix(line, "/") {
		return command{name: "message", arg: line}, nil
	}
	name, arg, _ := strings.Cut(strings.TrimPrefix(line, "/"), " ")
	arg = strings.TrimSpace(arg)

	switch name {
	case "exit", "step", "retry", "model", "branches":
		return command{name: name}, nil
	case "instructions", "branch":
		if arg == "" {
			return command{}, fmt.Errorf("/%s needs an argument", name)
		}
		return command{name: name, arg: arg}, nil
	case "tools":
		return command{name: name, arg: arg}, nil
	case "context":
		if arg != "all" && arg != "none" {
			return command{}, fmt.Errorf("/context takes all or none")
		}
		return command{name: name, arg: arg}, nil
	}
	return command{}, fmt.Errorf("unknown command /%s", name)
}

func splitList(s string) []string {
	tools := []string{}
	for _, t := range strings.Split(s, ",") {
		if t = strings.TrimSpace(t); t != "" {
			tools = append(tools, t)
		}
	}
	return tools
}

// --- Rendering ---

func (m model) renderTranscript() string {
	s := m.mirror.Snapshot()
	if s == nil {
		return "Waiting for session state..."
	}

	inContext := make(map[string]bool, len(s.ContextIDs))
	for _, id := range s.ContextIDs {
		inContext[id] = true
	}

	var sb strings.Builder
	fmt.Fprintf(&sb, "%s\n\n", statusStyle.Render("Instructions: "+s.Instructions))
	for _, msg := range s.Messages {
		marker := "○"
		if inContext[msg.ID] {
			marker = "●"
		}
		switch msg.Type {
		case domain.RoleUser:
			sb.WriteString(userStyle.Render(marker + " User:"))
		case domain.RoleAssistant:
			sb.WriteString(senderStyle.Render(marker + " AI:"))
		default:
			sb.WriteString(toolStyle.Render(marker + " " + string(msg.Type) + ":"))
		}
		sb.WriteString("\n")
		sb.WriteString(m.renderContent(msg))
		sb.WriteString("\n")
	}

	if running, n := m.mirror.Executing(); running {
		fmt.Fprintf(&sb, "%s\n", senderStyle.Render(fmt.Sprintf("  Step %d running...", n)))
		sb.WriteString(chunkText(m.mirror.Chunks()))
	}
	return sb.String()
}

func (m model) renderContent(msg domain.StoredMessage) string {
	if msg.Type == domain.RoleToolCall || msg.Type == domain.RoleToolResult {
		return toolStyle.Render(msg.Content) + "\n"
	}
	if m.renderer == nil {
		return msg.Content + "\n"
	}
	out, err := m.renderer.Render(msg.Content)
	if err != nil {
		return msg.Content + "\n"
	}
	return out
}

// chunkText joins the text of streamed chunks that carry one.
func chunkText(chunks []any) string {
	var sb strings.Builder
	for _, c := range chunks {
		switch c := c.(type) {
		case string:
			sb.WriteString(c)
		case map[string]any:
			if t, ok := c["text"].(string); ok {
				sb.WriteString(t)
			}
		}
	}
	return sb.String()
}

func (m model) statusLine() string {
	parts := []string{string(m.mirror.Status())}
	if s := m.mirror.Snapshot(); s != nil {
		parts = append(parts,
			"model "+s.SelectedModel,
			"branch "+s.ActiveBranchID,
			fmt.Sprintf("step %d/%d", s.CurrentStepIndex, len(s.Steps)),
			fmt.Sprintf("%d in context", len(s.ContextIDs)),
		)
		if len(s.EnabledTools) > 0 {
			parts = append(parts, "tools "+strings.Join(s.EnabledTools, ","))
		}
	}
	return statusStyle.Render(strings.Join(parts, " · "))
}

func (m model) View() string {
	var errorView string
	if m.err != nil {
		errorView = errorStyle.Width(m.width).Render(fmt.Sprintf("Error: %v", m.err))
	} else if e := m.mirror.LastError(); e != "" {
		errorView = errorStyle.Width(m.width).Render("Error: " + e)
	}

	switch m.state {
	case stateSelectingModel:
		return m.listView("Select Model", knownModels, errorView)
	case stateSelectingBranch:
		names := make([]string, len(m.branches))
		for i, b := range m.branches {
			names[i] = fmt.Sprintf("%s (%s, fork at step %d)", b.Name, b.ID, b.ForkStepIndex)
		}
		return m.listView("Select Branch", names, errorView)
	}

	return lipgloss.JoinVertical(
		lipgloss.Left,
		titleStyle.Render("Session "+m.sessionID),
		"",
		m.viewport.View(),
		m.statusLine(),
		errorView,
		m.textarea.View(),
	)
}

func (m model) listView(title string, items []string, errorView string) string {
	maxViewable := max(m.height-7, 1)
	start := m.listOffset
	end := min(start+maxViewable, len(items))

	var optionsView []string
	for i := start; i < end; i++ {
		cursor := " "
		line := items[i]
		if m.cursor == i {
			cursor = ">"
			line = selectedItemStyle.Render(line)
		}
		optionsView = append(optionsView, fmt.Sprintf("%s %s", cursorStyle.Render(cursor), line))
	}

	list := lipgloss.JoinVertical(lipgloss.Left, optionsView...)
	footer := "Press Enter to select, Esc to go back."
	return lipgloss.JoinVertical(lipgloss.Left, titleStyle.Render(title), "", list, "", footer, errorView)
}
