package control

import (
	"fmt"
	"math"
	"time"

	"skytrack/pkg/protocol"
)

// Policy selects the target source. Both policies share the same law; they
// differ in the detector and in how far the vehicle advances afterwards.
type Policy string

const (
	PolicyFace   Policy = "face"
	PolicyCircle Policy = "circle"
)

func ParsePolicy(s string) (Policy, error) {
	switch Policy(s) {
	case PolicyFace, PolicyCircle:
		return Policy(s), nil
	default:
		return "", fmt.Errorf("unknown target policy %q", s)
	}
}

// Config holds the calibration of the bang-bang lateral law. TurnTime per
// TurnErrorPx is the measured turn rate for the deployed field size.
type Config struct {
	DeadbandPx  float64
	TurnRoll    float32
	TurnTime    time.Duration
	TurnErrorPx float64
	TurnPitch   float32
	TurnThrust  uint16
	MaxTurn     time.Duration
	Limits      protocol.Limits
}

func DefaultConfig() Config {
	return Config{
		DeadbandPx:  30,
		TurnRoll:    4,
		TurnTime:    500 * time.Millisecond,
		TurnErrorPx: 162,
		TurnPitch:   0.5,
		TurnThrust:  45000,
		Limits:      protocol.DefaultLimits(),
	}
}

func (c Config) Validate() error {
	finite := []struct {
		key string
		v   float64
	}{
		{"deadband_px", c.DeadbandPx},
		{"turn_error_px", c.TurnErrorPx},
		{"turn_roll", float64(c.TurnRoll)},
		{"turn_pitch", float64(c.TurnPitch)},
		{"attitude_min", float64(c.Limits.AttitudeMin)},
		{"attitude_max", float64(c.Limits.AttitudeMax)},
	}
	for _, f := range finite {
		if math.IsNaN(f.v) || math.IsInf(f.v, 0) {
			return fmt.Errorf("control: %s must be finite, got %v", f.key, f.v)
		}
	}
	if c.DeadbandPx < 0 {
		return fmt.Errorf("control: negative deadband %v", c.DeadbandPx)
	}
	if c.TurnErrorPx <= 0 {
		return fmt.Errorf("control: turn_error_px must be positive, got %v", c.TurnErrorPx)
	}
	if c.TurnTime <= 0 {
		return fmt.Errorf("control: turn_time must be positive, got %v", c.TurnTime)
	}
	if c.TurnRoll <= 0 {
		return fmt.Errorf("control: turn_roll must be positive, got %v", c.TurnRoll)
	}
	if c.MaxTurn < 0 {
		return fmt.Errorf("control: negative max_turn %v", c.MaxTurn)
	}
	if c.Limits.AttitudeMin > c.Limits.AttitudeMax || c.Limits.ThrustMin > c.Limits.ThrustMax {
		return fmt.Errorf("control: inverted limits %+v", c.Limits)
	}
	return nil
}

// LateralCommand is a timed turn: hold Roll for Duration.
type LateralCommand struct {
	Roll     float32       `json:"roll"`
	Duration time.Duration `json:"duration"`
}

type Law struct {
	cfg Config
}

func NewLaw(cfg Config) (*Law, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &Law{cfg: cfg}, nil
}

func (l *Law) Config() Config {
	return l.cfg
}

// Correction maps a tracking signal to a turn. It returns false when no
// target is present or the target is inside the deadband.
func (l *Law) Correction(sig protocol.TrackingSignal) (LateralCommand, bool) {
	e := sig.ErrorX
	if !sig.Present || math.IsNaN(e) || math.Abs(e) <= l.cfg.DeadbandPx {
		return LateralCommand{}, false
	}

	roll := -l.cfg.TurnRoll
	if e < 0 {
		roll = l.cfg.TurnRoll
	}
	roll = protocol.Clip(l.cfg.Limits.AttitudeMin, l.cfg.Limits.AttitudeMax, roll)

	return LateralCommand{Roll: roll, Duration: l.TurnDuration(e)}, true
}

// TurnDuration is TurnTime * |e| / TurnErrorPx, truncated to the millisecond.
func (l *Law) TurnDuration(e float64) time.Duration {
	ms := math.Floor(float64(l.cfg.TurnTime.Milliseconds()) * math.Abs(e) / l.cfg.TurnErrorPx)
	if math.IsInf(ms, 0) || ms > float64(math.MaxInt64/int64(time.Millisecond)) {
		ms = float64(math.MaxInt64 / int64(time.Millisecond))
	}
	d := time.Duration(ms) * time.Millisecond
	if l.cfg.MaxTurn > 0 && d > l.cfg.MaxTurn {
		d = l.cfg.MaxTurn
	}
	return d
}

// TurnCommand is the full setpoint held while turning, clipped to the limits.
func (l *Law) TurnCommand(lat LateralCommand) protocol.Command {
	return l.cfg.Limits.Clamp(protocol.Command{
		Roll:   lat.Roll,
		Pitch:  l.cfg.TurnPitch,
		Thrust: l.cfg.TurnThrust,
	})
}
