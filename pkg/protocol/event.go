package protocol

import (
	"time"
)

type EventKind uint8

const (
	EventFrame EventKind = iota + 1
	EventSignal
	EventState
	EventCommand
	EventNotice
)

func (k EventKind) String() string {
	switch k {
	case EventFrame:
		return "frame"
	case EventSignal:
		return "signal"
	case EventState:
		return "state"
	case EventCommand:
		return "command"
	case EventNotice:
		return "notice"
	default:
		return "unknown"
	}
}

// Event is the normalized record flowing through the hub. Data holds one of
// Frame, TrackingSignal, StateChange, CommandRecord or Notice.
type Event struct {
	Kind      EventKind
	Timestamp time.Time
	Data      any
}

type StateChange struct {
	RunID string `json:"run_id"`
	Mode  string `json:"mode"`
	From  string `json:"from"`
	State string `json:"state"`
}

type CommandRecord struct {
	RunID    string        `json:"run_id,omitempty"`
	Command  Command       `json:"command"`
	Duration time.Duration `json:"duration"`
}

type NoticeLevel uint8

const (
	NoticeInfo NoticeLevel = iota + 1
	NoticeWarning
	NoticeError
)

func (l NoticeLevel) String() string {
	switch l {
	case NoticeWarning:
		return "warning"
	case NoticeError:
		return "error"
	default:
		return "info"
	}
}

// Notice is an operator-facing message, shown as a toast by UIs.
type Notice struct {
	Level NoticeLevel `json:"level"`
	Text  string      `json:"text"`
}

func FrameEvent(f Frame) Event {
	return Event{Kind: EventFrame, Timestamp: f.Timestamp, Data: f}
}

func SignalEvent(s TrackingSignal) Event {
	return Event{Kind: EventSignal, Timestamp: s.Timestamp, Data: s}
}

func NoticeEvent(level NoticeLevel, text string) Event {
	return Event{Kind: EventNotice, Timestamp: time.Now(), Data: Notice{Level: level, Text: text}}
}
