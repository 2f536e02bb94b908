package console

import (
	"errors"
	"testing"
	"time"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"skytrack/pkg/protocol"
)

type fakeController struct {
	started   []string
	cancelled int
	active    bool
	startErr  error
}

func (f *fakeController) StartAutonomous(mode string) (string, error) {
	if f.startErr != nil {
		return "", f.startErr
	}
	f.started = append(f.started, mode)
	f.active = true
	return "run-" + mode, nil
}

func (f *fakeController) CancelAutonomous() bool {
	f.cancelled++
	was := f.active
	f.active = false
	return was
}

func (f *fakeController) IsAutonomousEnabled() bool { return f.active }

func key(s string) tea.KeyMsg {
	if s == " " {
		return tea.KeyMsg{Type: tea.KeySpace, Runes: []rune{' '}}
	}
	return tea.KeyMsg{Type: tea.KeyRunes, Runes: []rune(s)}
}

func update(t *testing.T, m Model, msg tea.Msg) (Model, tea.Cmd) {
	t.Helper()
	next, cmd := m.Update(msg)
	out, ok := next.(Model)
	require.True(t, ok)
	return out, cmd
}

func TestKeysStartModes(t *testing.T) {
	ctrl := &fakeController{}
	m := NewModel(ctrl, nil)

	for _, k := range []string{"t", "l", "w"} {
		m, _ = update(t, m, key(k))
		ctrl.active = false
	}
	assert.Equal(t, []string{"target", "live", "waypoint"}, ctrl.started)
	assert.Equal(t, "run-waypoint", m.runID)
	assert.Contains(t, m.View(), "Started waypoint run.")
}

func TestStartErrorBecomesNotice(t *testing.T) {
	ctrl := &fakeController{startErr: errors.New("flight: autonomous run already in progress")}
	m, _ := update(t, NewModel(ctrl, nil), key("t"))
	assert.Equal(t, protocol.NoticeWarning, m.notice.Level)
	assert.Contains(t, m.View(), "already in progress")
}

func TestCancelKeys(t *testing.T) {
	ctrl := &fakeController{}
	m := NewModel(ctrl, nil)
	m, _ = update(t, m, key("t"))
	assert.True(t, m.autonomous)

	m, _ = update(t, m, key(" "))
	assert.False(t, m.autonomous)
	assert.Equal(t, "Cancel requested.", m.notice.Text)

	m, _ = update(t, m, key("c"))
	assert.Equal(t, 2, ctrl.cancelled)
}

func TestQuitCancelsFirst(t *testing.T) {
	ctrl := &fakeController{active: true}
	m, cmd := update(t, NewModel(ctrl, nil), key("q"))
	require.NotNil(t, cmd)
	assert.Equal(t, tea.Quit(), cmd())
	assert.Equal(t, 1, ctrl.cancelled)
	assert.True(t, m.quitting)
}

func TestEventsUpdateView(t *testing.T) {
	ctrl := &fakeController{active: true}
	events := make(chan protocol.Event, 8)
	m := NewModel(ctrl, events)

	now := time.Now()
	events <- protocol.FrameEvent(protocol.Frame{Seq: 1, Timestamp: now})
	events <- protocol.SignalEvent(protocol.TrackingSignal{Present: true, ErrorX: 60, ErrorY: -5})
	events <- protocol.Event{Kind: protocol.EventState, Data: protocol.StateChange{RunID: "r1", Mode: "live", From: "taking_off", State: "turning"}}
	events <- protocol.Event{Kind: protocol.EventCommand, Data: protocol.CommandRecord{
		Command:  protocol.Command{Roll: -4, Pitch: 0.5, Thrust: 45000},
		Duration: 185 * time.Millisecond,
	}}
	events <- protocol.NoticeEvent(protocol.NoticeError, "Lost connection with the camera.")
	close(events)

	cmd := m.Init()
	for cmd != nil {
		var msg tea.Msg = cmd()
		m, cmd = update(t, m, msg)
	}

	view := m.View()
	assert.Equal(t, uint64(1), m.frames)
	assert.Equal(t, "turning", m.state)
	assert.Contains(t, view, "state       turning")
	assert.Contains(t, view, "autonomous  true")
	assert.Contains(t, view, "error_x=+60")
	assert.Contains(t, view, "roll=-4.0 pitch=0.5 thrust=45000 for 185ms")
	assert.Contains(t, view, "[error] Lost connection with the camera.")
	assert.Nil(t, m.events)
}

func TestTargetLostShowsNone(t *testing.T) {
	m := NewModel(&fakeController{}, nil)
	m.apply(protocol.SignalEvent(protocol.TrackingSignal{Present: false}))
	assert.Contains(t, m.View(), "target      none")
}
