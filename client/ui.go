package main

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/charmbracelet/bubbles/textinput"
	"github.com/charmbracelet/bubbles/viewport"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"

	"github.com/puyokura/relaychat/model"
)

// typingEvery throttles outgoing typing notices.
const typingEvery = time.Second

// refreshMsg is sent whenever the view changed.
type refreshMsg struct{ event string }

type disconnectedMsg struct{}

var (
	headerStyle = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("#7D56F4"))
	statusStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("#909090"))
	errorStyle  = lipgloss.NewStyle().Foreground(lipgloss.Color("#FF5F5F"))
	borderStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("#505050"))
)

type modelState struct {
	ctx       context.Context
	chat      *chat
	viewport  viewport.Model
	textInput textinput.Model
	status    string
	err       error
	ready     bool
	offline   bool
	lastTyped time.Time
}

func initialModel(ctx context.Context, c *chat) modelState {
	ti := textinput.New()
	ti.Placeholder = "Type a message or /help..."
	ti.Focus()
	ti.CharLimit = 2000
	ti.Width = 20

	return modelState{ctx: ctx, chat: c, textInput: ti}
}

func (m modelState) Init() tea.Cmd {
	return textinput.Blink
}

func (m modelState) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	var (
		tiCmd tea.Cmd
		vpCmd tea.Cmd
	)

	switch msg := msg.(type) {
	case tea.KeyMsg:
		switch msg.Type {
		case tea.KeyCtrlC, tea.KeyEsc:
			return m, tea.Quit
		case tea.KeyEnter:
			line := m.textInput.Value()
			m.textInput.SetValue("")
			status, quit, err := m.chat.run(m.ctx, line)
			if quit {
				return m, tea.Quit
			}
			m.status, m.err = status, err
			m.refresh()
			return m, nil
		case tea.KeyRunes, tea.KeySpace:
			m.typed(m.textInput.Value() + string(msg.Runes))
		}

	case refreshMsg:
		if msg.event == model.EventSearchResults {
			m.status = m.searchSummary()
		}
		m.refresh()
		return m, nil

	case disconnectedMsg:
		m.offline = true
		m.status = "Disconnected from server. Press Esc to quit."
		m.refresh()
		return m, nil

	case tea.WindowSizeMsg:
		headerHeight := 1
		footerHeight := 3
		verticalMarginHeight := headerHeight + footerHeight

		if !m.ready {
			m.viewport = viewport.New(msg.Width, msg.Height-verticalMarginHeight)
			m.viewport.YPosition = headerHeight
			m.ready = true
		} else {
			m.viewport.Width = msg.Width
			m.viewport.Height = msg.Height - verticalMarginHeight
		}
		m.textInput.Width = msg.Width
		m.refresh()
	}

	m.textInput, tiCmd = m.textInput.Update(msg)
	m.viewport, vpCmd = m.viewport.Update(msg)

	return m, tea.Batch(tiCmd, vpCmd)
}

// typed sends a typing notice for the current room, at most once per
// typingEvery, and never for commands.
func (m *modelState) typed(input string) {
	if m.offline || strings.HasPrefix(input, "/") {
		return
	}
	now := m.chat.sess.Clock().Now()
	if now.Sub(m.lastTyped) < typingEvery {
		return
	}
	m.lastTyped = now
	_ = m.chat.sess.Typing(m.ctx, m.chat.sess.Room())
}

// refresh redraws the current room from the view.
func (m *modelState) refresh() {
	if !m.ready {
		return
	}
	m.viewport.SetContent(m.renderRoom())
	m.viewport.GotoBottom()
}

func (m modelState) renderRoom() string {
	msgs := m.chat.view.Messages(m.chat.sess.Room())
	var b strings.Builder
	for _, msg := range msgs {
		b.WriteString(formatMessage(msg, m.viewport.Width))
	}
	return b.String()
}

func (m modelState) searchSummary() string {
	res, ok := m.chat.view.LastSearch()
	if !ok {
		return ""
	}
	lines := []string{fmt.Sprintf("%d result(s) for %q in %s", len(res.Results), res.Q, m.chat.roomLabel(res.RoomID))}
	for _, r := range res.Results {
		lines = append(lines, fmt.Sprintf("  %s %s: %s", shortRef(r.ID), r.From, r.Text))
	}
	return strings.Join(lines, "\n")
}

func (m modelState) header() string {
	room := m.chat.sess.Room()
	online := 0
	for _, u := range m.chat.view.OnlineUsers() {
		if u.Online {
			online++
		}
	}
	parts := []string{m.chat.roomLabel(room), fmt.Sprintf("%d online", online)}
	if n := len(m.chat.view.Pinned()); n > 0 {
		parts = append(parts, fmt.Sprintf("%d pinned", n))
	}
	if who := m.chat.view.Typing(room); who != "" && who != m.chat.sess.Username() {
		parts = append(parts, who+" is typing...")
	}
	return headerStyle.Render(strings.Join(parts, " │ "))
}

func (m modelState) View() string {
	if !m.ready {
		return "\n  Initializing..."
	}
	var status string
	switch {
	case m.status != "":
		status = statusStyle.Render(m.status)
	case m.err != nil:
		status = errorStyle.Render(m.err.Error())
	}
	out := fmt.Sprintf("%s\n%s\n%s\n%s",
		m.header(),
		m.viewport.View(),
		strings.Repeat("─", m.viewport.Width),
		m.textInput.View(),
	)
	if status != "" {
		out += "\n" + status
	}
	return out
}

// formatMessage renders one message as
// │ Time  │ Sender          │ Ref    │ Text
// with the text wrapped under its own column.
func formatMessage(msg model.Message, width int) string {
	if width < 50 {
		width = 80
	}

	timeStr := msg.Time.Local().Format("15:04")

	rawUser := msg.From
	if rawUser == "" {
		rawUser = "Unknown"
	}
	user := parseColorTags(rawUser)
	if msg.From == model.SystemSender {
		user = headerStyle.Render(rawUser)
	}
	userWidth := lipgloss.Width(user)
	if padding := 15 - userWidth; padding > 0 {
		user += strings.Repeat(" ", padding)
	}

	ref := fmt.Sprintf("%-6s", shortRef(msg.ID))

	vLine := borderStyle.Render("│")
	prefix := fmt.Sprintf("%s %s %s %s %s %s %s ", vLine, timeStr, vLine, user, vLine, ref, vLine)
	prefixWidth := lipgloss.Width(prefix)
	if prefixWidth <= 0 || prefixWidth > width {
		prefixWidth = 50
	}

	msgWidth := width - prefixWidth
	if msgWidth < 10 {
		msgWidth = 10
	}

	wrapped := lipgloss.NewStyle().Width(msgWidth).Render(parseColorTags(body(msg)))
	lines := strings.Split(wrapped, "\n")

	var result strings.Builder
	result.WriteString(prefix)
	if len(lines) > 0 {
		result.WriteString(lines[0])
	}
	result.WriteString("\n")

	userSpace := userWidth
	if userSpace < 15 {
		userSpace = 15
	}
	emptyPrefix := fmt.Sprintf("%s %s %s %s %s %s %s ",
		vLine, strings.Repeat(" ", 5),
		vLine, strings.Repeat(" ", userSpace),
		vLine, strings.Repeat(" ", 6),
		vLine)
	for i := 1; i < len(lines); i++ {
		result.WriteString(emptyPrefix)
		result.WriteString(lines[i])
		result.WriteString("\n")
	}
	return result.String()
}

// body is the displayed text of msg including its markers.
func body(msg model.Message) string {
	var text string
	switch msg.Type {
	case model.MessageAudio:
		text = "[audio] " + msg.AudioRef
	case model.MessageFile:
		text = "[file] " + msg.FileRef
	default:
		text = msg.Text
	}
	if msg.Edited {
		text += " (edited)"
	}
	if r := reactions(msg.Reactions); r != "" {
		text += "  " + r
	}
	return text
}

// reactions renders "👍 2  🎉 1" in emoji order.
func reactions(r map[string][]string) string {
	if len(r) == 0 {
		return ""
	}
	emojis := make([]string, 0, len(r))
	for e := range r {
		emojis = append(emojis, e)
	}
	sort.Strings(emojis)
	parts := make([]string, 0, len(emojis))
	for _, e := range emojis {
		parts = append(parts, fmt.Sprintf("%s %d", e, len(r[e])))
	}
	return strings.Join(parts, "  ")
}

// parseColorTags renders <#RRGGBB>text</> spans in that color.
func parseColorTags(input string) string {
	var output strings.Builder
	remaining := input

	for {
		start := strings.Index(remaining, "<#")
		if start == -1 {
			output.WriteString(remaining)
			break
		}

		output.WriteString(remaining[:start])
		remaining = remaining[start:]

		endTagStart := strings.Index(remaining, ">")
		if endTagStart == -1 {
			output.WriteString(remaining)
			break
		}

		colorCode := remaining[1:endTagStart]
		remaining = remaining[endTagStart+1:]

		endTag := strings.Index(remaining, "</>")
		if endTag == -1 {
			output.WriteString("<" + colorCode + ">" + remaining)
			break
		}

		content := remaining[:endTag]
		remaining = remaining[endTag+3:]
		output.WriteString(lipgloss.NewStyle().Foreground(lipgloss.Color(colorCode)).Render(content))
	}
	return output.String()
}
