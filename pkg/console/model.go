// Package console is the operator terminal: it shows the flight state and
// camera feed health and maps keys to start and cancel requests.
package console

import (
	"context"
	"fmt"
	"strings"
	"time"

	tea "github.com/charmbracelet/bubbletea"

	"skytrack/pkg/protocol"
)

type Controller interface {
	StartAutonomous(mode string) (string, error)
	CancelAutonomous() bool
	IsAutonomousEnabled() bool
}

// eventMsg carries one hub event into the update loop.
type eventMsg protocol.Event

// closedMsg reports that the event subscription ended.
type closedMsg struct{}

type Model struct {
	ctrl   Controller
	events <-chan protocol.Event

	state      string
	runID      string
	mode       string
	frames     uint64
	lastFrame  time.Time
	signal     protocol.TrackingSignal
	hasSignal  bool
	lastCmd    protocol.CommandRecord
	hasCmd     bool
	notice     protocol.Notice
	hasNotice  bool
	autonomous bool
	quitting   bool
}

func NewModel(ctrl Controller, events <-chan protocol.Event) Model {
	return Model{ctrl: ctrl, events: events, state: "idle"}
}

func (m Model) Init() tea.Cmd {
	return waitForEvent(m.events)
}

func waitForEvent(events <-chan protocol.Event) tea.Cmd {
	if events == nil {
		return nil
	}
	return func() tea.Msg {
		ev, ok := <-events
		if !ok {
			return closedMsg{}
		}
		return eventMsg(ev)
	}
}

func (m Model) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.KeyMsg:
		return m.handleKey(msg)
	case eventMsg:
		m.apply(protocol.Event(msg))
		m.autonomous = m.ctrl.IsAutonomousEnabled()
		return m, waitForEvent(m.events)
	case closedMsg:
		m.events = nil
		return m, nil
	}
	return m, nil
}

func (m Model) handleKey(msg tea.KeyMsg) (tea.Model, tea.Cmd) {
	switch msg.String() {
	case "t":
		m.start("target")
	case "l":
		m.start("live")
	case "w":
		m.start("waypoint")
	case "c", " ":
		if m.ctrl.CancelAutonomous() {
			m.setNotice(protocol.NoticeInfo, "Cancel requested.")
		}
	case "q", "ctrl+c":
		m.ctrl.CancelAutonomous()
		m.quitting = true
		return m, tea.Quit
	}
	m.autonomous = m.ctrl.IsAutonomousEnabled()
	return m, nil
}

func (m *Model) start(mode string) {
	runID, err := m.ctrl.StartAutonomous(mode)
	if err != nil {
		m.setNotice(protocol.NoticeWarning, err.Error())
		return
	}
	m.runID = runID
	m.mode = mode
	m.setNotice(protocol.NoticeInfo, fmt.Sprintf("Started %s run.", mode))
}

func (m *Model) setNotice(level protocol.NoticeLevel, text string) {
	m.notice = protocol.Notice{Level: level, Text: text}
	m.hasNotice = true
}

func (m *Model) apply(ev protocol.Event) {
	switch data := ev.Data.(type) {
	case protocol.Frame:
		m.frames++
		m.lastFrame = data.Timestamp
	case protocol.TrackingSignal:
		m.signal = data
		m.hasSignal = true
	case protocol.StateChange:
		m.state = data.State
		m.runID = data.RunID
		m.mode = data.Mode
	case protocol.CommandRecord:
		m.lastCmd = data
		m.hasCmd = true
	case protocol.Notice:
		m.notice = data
		m.hasNotice = true
	}
}

func (m Model) View() string {
	if m.quitting {
		return "bye\n"
	}
	var b strings.Builder
	b.WriteString("skytrack\n\n")
	fmt.Fprintf(&b, "  state       %s\n", m.state)
	fmt.Fprintf(&b, "  autonomous  %t\n", m.autonomous)
	if m.runID != "" {
		fmt.Fprintf(&b, "  run         %s (%s)\n", m.runID, m.mode)
	}
	fmt.Fprintf(&b, "  frames      %d\n", m.frames)
	if m.hasSignal {
		if m.signal.Present {
			fmt.Fprintf(&b, "  target      error_x=%+.0f error_y=%+.0f\n", m.signal.ErrorX, m.signal.ErrorY)
		} else {
			b.WriteString("  target      none\n")
		}
	}
	if m.hasCmd {
		c := m.lastCmd.Command
		fmt.Fprintf(&b, "  command     roll=%.1f pitch=%.1f thrust=%d for %s\n", c.Roll, c.Pitch, c.Thrust, m.lastCmd.Duration)
	}
	if m.hasNotice {
		fmt.Fprintf(&b, "\n  [%s] %s\n", m.notice.Level, m.notice.Text)
	}
	b.WriteString("\n  t target  l live  w waypoint  c cancel  q quit\n")
	return b.String()
}

// Run drives the console until the operator quits or ctx ends.
func Run(ctx context.Context, ctrl Controller, events <-chan protocol.Event, opts ...tea.ProgramOption) error {
	opts = append([]tea.ProgramOption{tea.WithContext(ctx)}, opts...)
	p := tea.NewProgram(NewModel(ctrl, events), opts...)
	_, err := p.Run()
	if err != nil && ctx.Err() != nil {
		return nil
	}
	return err
}
