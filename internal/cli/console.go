package cli

import (
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/charmbracelet/bubbles/textinput"
	"github.com/charmbracelet/bubbles/viewport"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"
	"github.com/spf13/cobra"

	"github.com/nixinxxyyy/mobile-mesh-sentinel/internal/client"
)

func init() {
	nodeCmd.AddCommand(nodeConsoleCmd)
}

var nodeConsoleCmd = &cobra.Command{
	Use:   "console",
	Short: "Interactive mesh console",
	Long: `Open an interactive console on the running agent.

Live events stream into the feed; the command line accepts:

  /send <node-id> <text>   send a message
  /peers                   list known peers
  /refresh                 force a discovery round
  /history [n]             show recent messages
  /help                    show commands
  /quit                    leave the console`,
	RunE: runNodeConsole,
}

func runNodeConsole(cmd *cobra.Command, args []string) error {
	// Control connection for calls
	ctrl, err := client.ConnectAgent()
	if err != nil {
		return fmt.Errorf("agent not running. Start with: sentinel node run")
	}
	defer ctrl.Close()

	// Separate subscribed connection so events never interleave with
	// call responses
	events, err := client.ConnectAgent()
	if err != nil {
		return fmt.Errorf("connect event stream: %w", err)
	}
	defer events.Close()

	if err := events.Subscribe(); err != nil {
		return fmt.Errorf("subscribe: %w", err)
	}

	status, err := ctrl.Status()
	if err != nil {
		return fmt.Errorf("get status: %w", err)
	}

	eventCh := make(chan *client.Event, 16)
	go func() {
		defer close(eventCh)
		for {
			ev, err := events.ReadEvent()
			if err != nil {
				return
			}
			eventCh <- ev
		}
	}()

	p := tea.NewProgram(newConsoleModel(ctrl, status, eventCh), tea.WithAltScreen())
	_, err = p.Run()
	return err
}

// --- TUI Model ---

var (
	consoleTitleStyle = lipgloss.NewStyle().Bold(true)
	consoleDimStyle   = lipgloss.NewStyle().Foreground(lipgloss.Color("8"))
	consoleInfoStyle  = lipgloss.NewStyle().Foreground(lipgloss.Color("4"))
	consoleJoinStyle  = lipgloss.NewStyle().Foreground(lipgloss.Color("2"))
	consoleLeftStyle  = lipgloss.NewStyle().Foreground(lipgloss.Color("3"))
	consoleErrStyle   = lipgloss.NewStyle().Foreground(lipgloss.Color("1"))
	consolePeerStyle  = lipgloss.NewStyle().Foreground(lipgloss.Color("5"))
)

type consoleModel struct {
	ctrl   *client.Agent
	status *client.AgentStatus
	events <-chan *client.Event

	viewport viewport.Model
	input    textinput.Model
	lines    []string
	width    int
	height   int
	ready    bool
}

type consoleEventMsg struct{ ev *client.Event }
type consoleResultMsg struct{ lines []string }
type consoleStatusMsg struct{ status *client.AgentStatus }
type consoleTickMsg struct{}
type consoleDisconnectedMsg struct{}

func newConsoleModel(ctrl *client.Agent, status *client.AgentStatus, events <-chan *client.Event) consoleModel {
	ti := textinput.New()
	ti.Placeholder = "/send <node-id> <text>"
	ti.Prompt = "> "
	ti.Focus()

	return consoleModel{
		ctrl:   ctrl,
		status: status,
		events: events,
		input:  ti,
		lines: []string{
			consoleDimStyle.Render(fmt.Sprintf("Connected to %s. Type /help for commands.", status.NodeID)),
		},
	}
}

func (m consoleModel) Init() tea.Cmd {
	return tea.Batch(textinput.Blink, m.waitForEvent(), consoleTick())
}

func (m consoleModel) waitForEvent() tea.Cmd {
	events := m.events
	return func() tea.Msg {
		ev, ok := <-events
		if !ok {
			return consoleDisconnectedMsg{}
		}
		return consoleEventMsg{ev: ev}
	}
}

func consoleTick() tea.Cmd {
	return tea.Tick(5*time.Second, func(time.Time) tea.Msg {
		return consoleTickMsg{}
	})
}

func (m consoleModel) refreshStatus() tea.Msg {
	status, err := m.ctrl.Status()
	if err != nil {
		return consoleDisconnectedMsg{}
	}
	return consoleStatusMsg{status: status}
}

func (m consoleModel) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.WindowSizeMsg:
		m.width = msg.Width
		m.height = msg.Height
		headerHeight := 2
		footerHeight := 3
		m.viewport = viewport.New(msg.Width, msg.Height-headerHeight-footerHeight)
		m.refreshViewport()
		m.ready = true
		return m, nil

	case tea.KeyMsg:
		switch msg.String() {
		case "ctrl+c", "esc":
			return m, tea.Quit
		case "enter":
			line := m.input.Value()
			m.input.SetValue("")
			cmd := m.dispatch(line)
			return m, cmd
		case "pgup":
			m.viewport.ViewUp()
			return m, nil
		case "pgdown":
			m.viewport.ViewDown()
			return m, nil
		}

		var cmd tea.Cmd
		m.input, cmd = m.input.Update(msg)
		return m, cmd

	case consoleEventMsg:
		m.addLine(formatConsoleEvent(msg.ev))
		return m, m.waitForEvent()

	case consoleResultMsg:
		for _, line := range msg.lines {
			m.addLine(line)
		}
		return m, nil

	case consoleStatusMsg:
		m.status = msg.status
		return m, nil

	case consoleTickMsg:
		return m, tea.Batch(m.refreshStatus, consoleTick())

	case consoleDisconnectedMsg:
		m.addLine(consoleErrStyle.Render("agent connection lost"))
		return m, tea.Quit
	}

	var cmd tea.Cmd
	m.viewport, cmd = m.viewport.Update(msg)
	return m, cmd
}

func (m *consoleModel) addLine(line string) {
	m.lines = append(m.lines, line)
	m.refreshViewport()
}

func (m *consoleModel) refreshViewport() {
	if m.viewport.Width == 0 {
		return
	}
	m.viewport.SetContent(strings.Join(m.lines, "\n"))
	m.viewport.GotoBottom()
}

var consoleHelp = []string{
	"  /send <node-id> <text>   send a message",
	"  /peers                   list known peers",
	"  /refresh                 force a discovery round",
	"  /history [n]             show recent messages",
	"  /quit                    leave the console",
}

func (m *consoleModel) dispatch(line string) tea.Cmd {
	line = strings.TrimSpace(line)
	if line == "" {
		return nil
	}

	if !strings.HasPrefix(line, "/") {
		m.addLine(consoleErrStyle.Render("commands start with / (try /help)"))
		return nil
	}

	parts := strings.Fields(line)
	switch parts[0] {
	case "/quit", "/q":
		return tea.Quit

	case "/help":
		for _, h := range consoleHelp {
			m.addLine(consoleDimStyle.Render(h))
		}
		return nil

	case "/peers":
		return m.listPeers(false)

	case "/refresh":
		m.addLine(consoleDimStyle.Render("refreshing..."))
		return m.listPeers(true)

	case "/history":
		n := 10
		if len(parts) > 1 {
			if v, err := strconv.Atoi(parts[1]); err == nil && v > 0 {
				n = v
			}
		}
		return m.showHistory(n)

	case "/send":
		if len(parts) < 3 {
			m.addLine(consoleErrStyle.Render("usage: /send <node-id> <text>"))
			return nil
		}
		return m.sendMessage(parts[1], strings.Join(parts[2:], " "))

	default:
		m.addLine(consoleErrStyle.Render(fmt.Sprintf("unknown command %s (try /help)", parts[0])))
		return nil
	}
}

func (m *consoleModel) listPeers(refresh bool) tea.Cmd {
	ctrl := m.ctrl
	return func() tea.Msg {
		var (
			peers []client.Peer
			err   error
		)
		if refresh {
			peers, err = ctrl.RefreshPeers()
		} else {
			peers, err = ctrl.Peers()
		}
		if err != nil {
			return consoleResultMsg{lines: []string{consoleErrStyle.Render("peers: " + err.Error())}}
		}

		if len(peers) == 0 {
			return consoleResultMsg{lines: []string{consoleDimStyle.Render("no peers known")}}
		}

		lines := make([]string, 0, len(peers)+1)
		lines = append(lines, consoleDimStyle.Render(fmt.Sprintf("%d peer(s):", len(peers))))
		for _, p := range peers {
			lines = append(lines, fmt.Sprintf("  %s  %s  seen %s ago",
				consolePeerStyle.Render(p.NodeID),
				fmt.Sprintf("%s:%d", p.IPAddress, p.Port),
				time.Since(p.LastSeen).Round(time.Second)))
		}
		return consoleResultMsg{lines: lines}
	}
}

func (m *consoleModel) showHistory(n int) tea.Cmd {
	ctrl := m.ctrl
	return func() tea.Msg {
		messages, err := ctrl.History(n)
		if err != nil {
			return consoleResultMsg{lines: []string{consoleErrStyle.Render("history: " + err.Error())}}
		}

		if len(messages) == 0 {
			return consoleResultMsg{lines: []string{consoleDimStyle.Render("no messages yet")}}
		}

		lines := make([]string, 0, len(messages))
		for _, msg := range messages {
			dir := "→"
			if msg.Direction == "received" {
				dir = "←"
			}
			lines = append(lines, fmt.Sprintf("%s  %s %s  %s",
				consoleDimStyle.Render(msg.Timestamp.Local().Format("15:04:05")),
				dir,
				consolePeerStyle.Render(msg.Peer),
				msg.Payload))
		}
		return consoleResultMsg{lines: lines}
	}
}

func (m *consoleModel) sendMessage(to, text string) tea.Cmd {
	ctrl := m.ctrl
	return func() tea.Msg {
		ack, err := ctrl.SendMessage(to, "text", text)
		if err != nil {
			return consoleResultMsg{lines: []string{
				consoleErrStyle.Render(fmt.Sprintf("send to %s: %v", to, err)),
			}}
		}
		return consoleResultMsg{lines: []string{
			fmt.Sprintf("%s  %s  to=%s %s",
				consoleDimStyle.Render(time.Now().Format("15:04:05")),
				consoleJoinStyle.Render(fmt.Sprintf("%-9s", "sent("+ack.Status+")")),
				consolePeerStyle.Render(to),
				text),
		}}
	}
}

func (m consoleModel) View() string {
	if !m.ready {
		return "Loading..."
	}

	var b strings.Builder

	// Header
	header := consoleTitleStyle.Render("sentinel console") + "  "
	header += consolePeerStyle.Render(m.status.NodeID)
	header += consoleDimStyle.Render(fmt.Sprintf("  %d peers  up %s", m.status.PeerCount, m.status.Uptime))
	b.WriteString(header)
	b.WriteString("\n")

	sep := consoleDimStyle.Render(strings.Repeat("─", m.width))
	b.WriteString(sep)
	b.WriteString("\n")

	b.WriteString(m.viewport.View())
	b.WriteString("\n")

	b.WriteString(sep)
	b.WriteString("\n")

	b.WriteString(m.input.View())
	b.WriteString("\n")
	b.WriteString(consoleDimStyle.Render("[Enter] Run  [PgUp/PgDn] Scroll  [Esc] Quit"))

	return b.String()
}

func formatConsoleEvent(ev *client.Event) string {
	ts := consoleDimStyle.Render(time.Now().Format("15:04:05"))

	switch ev.Event {
	case "message.received":
		var msg struct {
			From    string `json:"from"`
			Type    string `json:"type"`
			Payload string `json:"payload"`
		}
		if err := json.Unmarshal(ev.Payload, &msg); err == nil {
			return fmt.Sprintf("%s  %s  from=%s %s",
				ts,
				consoleInfoStyle.Render(fmt.Sprintf("%-9s", msg.Type)),
				consolePeerStyle.Render(msg.From),
				msg.Payload)
		}

	case "peer.joined":
		var p struct {
			Peer string `json:"peer"`
		}
		if err := json.Unmarshal(ev.Payload, &p); err == nil {
			return fmt.Sprintf("%s  %s  %s",
				ts,
				consoleJoinStyle.Render(fmt.Sprintf("%-9s", "joined")),
				consolePeerStyle.Render(p.Peer))
		}

	case "peer.left":
		var p struct {
			Peer string `json:"peer"`
		}
		if err := json.Unmarshal(ev.Payload, &p); err == nil {
			return fmt.Sprintf("%s  %s  %s",
				ts,
				consoleLeftStyle.Render(fmt.Sprintf("%-9s", "left")),
				consolePeerStyle.Render(p.Peer))
		}
	}

	return fmt.Sprintf("%s  %s  %s", ts, ev.Event, string(ev.Payload))
}
