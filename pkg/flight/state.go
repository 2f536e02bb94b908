package flight

import "fmt"

type State int32

const (
	Idle State = iota
	TakingOff
	Turning
	Advancing
	Landing
)

func (s State) String() string {
	switch s {
	case Idle:
		return "idle"
	case TakingOff:
		return "taking_off"
	case Turning:
		return "turning"
	case Advancing:
		return "advancing"
	case Landing:
		return "landing"
	default:
		return fmt.Sprintf("state(%d)", int32(s))
	}
}

// Mode is the sequencing policy of one autonomous run.
type Mode string

const (
	// ModeTarget takes off, makes one correction toward the target, advances and lands.
	ModeTarget Mode = "target"
	// ModeLive keeps re-tracking and correcting until cancelled or vision ends, then lands.
	ModeLive Mode = "live"
	// ModeWaypoint flies the scripted takeoff, advance, land sequence without vision.
	ModeWaypoint Mode = "waypoint"
)

func ParseMode(s string) (Mode, error) {
	switch Mode(s) {
	case ModeTarget, ModeLive, ModeWaypoint:
		return Mode(s), nil
	default:
		return "", fmt.Errorf("unknown flight mode %q", s)
	}
}
