package console

import (
	"context"
	"fmt"
	"strings"

	"astralune/pkg/bus"

	"github.com/charmbracelet/bubbles/spinner"
	"github.com/charmbracelet/bubbles/textinput"
	"github.com/charmbracelet/bubbles/viewport"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"
)

// Info is shown in the console header.
type Info struct {
	BotName  string
	Prefix   string
	Commands int
	Owner    bool
}

type entry struct {
	role    string
	content string
	note    string
}

type exchangeMsg struct {
	exchange Exchange
}

type model struct {
	ctx     context.Context
	session *Session
	info    Info

	theme     theme
	spinner   spinner.Model
	input     textinput.Model
	viewport  viewport.Model
	entries   []entry
	width     int
	height    int
	isReady   bool
	isLoading bool
	followLog bool
	sent      int
	faults    int
}

func newModel(ctx context.Context, session *Session, info Info) *model {
	spin := spinner.New()
	spin.Spinner = spinner.Dot
	spin.Style = lipgloss.NewStyle().Foreground(lipgloss.Color("214"))

	in := textinput.New()
	in.Prompt = ""
	in.Placeholder = fmt.Sprintf("Type a command, e.g. %smenu", info.Prefix)
	in.Focus()
	in.CharLimit = 0

	return &model{
		ctx:       ctx,
		session:   session,
		info:      info,
		theme:     defaultTheme(),
		spinner:   spin,
		input:     in,
		viewport:  viewport.New(80, 12),
		width:     100,
		height:    28,
		followLog: true,
	}
}

func (m *model) Init() tea.Cmd {
	return textinput.Blink
}

func (m *model) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	var cmd tea.Cmd

	switch typed := msg.(type) {
	case tea.WindowSizeMsg:
		m.width = typed.Width
		m.height = typed.Height
		m.resizeComponents()
		m.refreshViewport(false)
		m.isReady = true
		return m, nil
	case tea.KeyMsg:
		switch typed.String() {
		case "ctrl+c", "esc":
			return m, tea.Quit
		}

		if m.handleViewportKey(typed) {
			return m, nil
		}

		if typed.String() == "enter" {
			if m.isLoading {
				return m, nil
			}

			line := strings.TrimSpace(m.input.Value())
			if line == "" {
				return m, nil
			}
			if isExitCommand(line) {
				return m, tea.Quit
			}

			m.entries = append(m.entries, entry{role: "user", content: line})
			m.input.SetValue("")
			m.isLoading = true
			m.followLog = true
			m.sent++
			m.refreshViewport(true)
			return m, tea.Batch(m.spinner.Tick, sendLineCmd(m.ctx, m.session, line))
		}
	case spinner.TickMsg:
		if !m.isLoading {
			return m, nil
		}
		m.spinner, cmd = m.spinner.Update(typed)
		return m, cmd
	case exchangeMsg:
		m.isLoading = false
		m.record(typed.exchange)
		m.refreshViewport(false)
		return m, nil
	}

	m.input, cmd = m.input.Update(msg)
	return m, cmd
}

// record turns an exchange into transcript entries.
func (m *model) record(exchange Exchange) {
	for _, reply := range exchange.Replies {
		note := ""
		if reply.Deleted {
			note = "deleted"
		}
		m.entries = append(m.entries, entry{role: "bot", content: reply.Text, note: note})
	}

	switch exchange.Outcome {
	case bus.EventNotACommand:
		m.entries = append(m.entries, entry{role: "system", content: "not a command"})
	case bus.EventUnresolved:
		m.entries = append(m.entries, entry{role: "system", content: fmt.Sprintf("no module handles %q", exchange.Command)})
	case bus.EventFaulted, bus.EventErrorNoticeSent:
		m.faults++
		m.entries = append(m.entries, entry{role: "error", content: fmt.Sprintf("%s failed: %s", exchange.Plugin, exchange.Err)})
	}
}

func (m *model) View() string {
	if !m.isReady {
		m.resizeComponents()
		m.refreshViewport(false)
	}

	header := m.theme.header.Width(m.width - 2).Render(fmt.Sprintf("%s console", displayOrNA(m.info.BotName)))
	role := "member"
	if m.info.Owner {
		role = "owner"
	}
	meta := m.theme.headerMeta.Render(fmt.Sprintf(
		"prefix:%s · commands:%d · as:%s · sent:%d · faults:%d",
		displayOrNA(m.info.Prefix),
		m.info.Commands,
		role,
		m.sent,
		m.faults,
	))
	line := m.theme.divider.Width(m.width - 2).Render(strings.Repeat("═", max(8, m.width-2)))

	status := m.theme.status.Render("Enter send · PgUp/PgDn scroll · End jump latest · Ctrl+C/Esc quit")
	if m.isLoading {
		status = m.theme.statusBusy.Render(fmt.Sprintf("%s dispatching...", m.spinner.View()))
	}

	return lipgloss.JoinVertical(lipgloss.Left,
		header,
		meta,
		line,
		m.theme.viewport.Width(m.width-2).Render(m.viewport.View()),
		status,
		m.theme.inputLabel.Render("You")+" "+m.theme.hint.Render("(type exit, quit, or :q)"),
		m.theme.input.Width(m.width-2).Render(m.input.View()),
	)
}

func (m *model) resizeComponents() {
	m.viewport.Width = max(50, m.width-6)
	m.viewport.Height = max(8, m.height-10)
	m.input.Width = m.viewport.Width - 2
}

func (m *model) refreshViewport(forceBottom bool) {
	previousOffset := m.viewport.YOffset
	sections := make([]string, 0, len(m.entries))
	for _, item := range m.entries {
		switch item.role {
		case "user":
			sections = append(sections, lipgloss.JoinVertical(lipgloss.Left,
				m.theme.userTitle.Render("you"),
				m.theme.userBox.Width(m.viewport.Width).Render(strings.TrimSpace(item.content)),
			))
		case "bot":
			body := strings.TrimSpace(item.content)
			if item.note != "" {
				body += "\n" + m.theme.hint.Render("("+item.note+")")
			}
			sections = append(sections, lipgloss.JoinVertical(lipgloss.Left,
				m.theme.botTitle.Render(displayOrNA(m.info.BotName)),
				m.theme.botBox.Width(m.viewport.Width).Render(body),
			))
		case "error":
			sections = append(sections, lipgloss.JoinVertical(lipgloss.Left,
				m.theme.errorTitle.Render("fault"),
				m.theme.errorBox.Width(m.viewport.Width).Render(strings.TrimSpace(item.content)),
			))
		case "system":
			sections = append(sections, m.theme.systemLine.Render("· "+item.content))
		}
	}

	m.viewport.SetContent(strings.Join(sections, "\n\n"))
	if m.followLog || forceBottom {
		m.viewport.GotoBottom()
		m.followLog = true
		return
	}

	maxOffset := max(0, m.viewport.TotalLineCount()-m.viewport.Height)
	m.viewport.SetYOffset(min(previousOffset, maxOffset))
}

func (m *model) handleViewportKey(msg tea.KeyMsg) bool {
	switch msg.String() {
	case "pgup", "ctrl+b", "alt+up", "ctrl+up":
		m.viewport.PageUp()
		m.followLog = false
		return true
	case "pgdown", "ctrl+f", "alt+down", "ctrl+down":
		m.viewport.PageDown()
		if m.viewport.AtBottom() {
			m.followLog = true
		}
		return true
	case "home":
		m.viewport.GotoTop()
		m.followLog = false
		return true
	case "end":
		m.viewport.GotoBottom()
		m.followLog = true
		return true
	default:
		return false
	}
}

func sendLineCmd(ctx context.Context, session *Session, line string) tea.Cmd {
	return func() tea.Msg {
		return exchangeMsg{exchange: session.Send(ctx, line)}
	}
}

func displayOrNA(value string) string {
	trimmed := strings.TrimSpace(value)
	if trimmed == "" {
		return "n/a"
	}

	return trimmed
}

func isExitCommand(input string) bool {
	switch strings.ToLower(strings.TrimSpace(input)) {
	case "exit", "quit", ":q":
		return true
	default:
		return false
	}
}
