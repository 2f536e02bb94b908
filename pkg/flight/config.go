package flight

import (
	"fmt"
	"time"

	"skytrack/pkg/control"
	"skytrack/pkg/protocol"
)

// Step is one stage of a thrust ramp.
type Step struct {
	Thrust   uint16
	Duration time.Duration
}

type Config struct {
	Policy        control.Policy
	Takeoff       []Step
	Landing       []Step
	LandingPitch  float32
	RollTrim      float32
	HoverThrust   uint16
	AdvancePitch  float32
	AdvanceThrust uint16
	AdvanceFace   time.Duration
	AdvanceCircle time.Duration
	// PollInterval is the hover slice held while waiting for a fresh signal.
	PollInterval time.Duration
	// TargetWait bounds the wait for a signal in target mode.
	TargetWait time.Duration
	Limits     protocol.Limits
}

func DefaultConfig() Config {
	return Config{
		Policy: control.PolicyFace,
		Takeoff: []Step{
			{Thrust: 47000, Duration: 700 * time.Millisecond},
			{Thrust: 45000, Duration: 700 * time.Millisecond},
		},
		Landing: []Step{
			{Thrust: 45000, Duration: 400 * time.Millisecond},
			{Thrust: 30000, Duration: 800 * time.Millisecond},
			{Thrust: 15000, Duration: 800 * time.Millisecond},
			{Thrust: 5000, Duration: 400 * time.Millisecond},
		},
		LandingPitch:  0.5,
		HoverThrust:   45000,
		AdvancePitch:  5,
		AdvanceThrust: 45000,
		AdvanceFace:   600 * time.Millisecond,
		AdvanceCircle: 700 * time.Millisecond,
		PollInterval:  20 * time.Millisecond,
		TargetWait:    2 * time.Second,
		Limits:        protocol.DefaultLimits(),
	}
}

// Advance is the forward leg duration for the configured policy.
func (c Config) Advance() time.Duration {
	if c.Policy == control.PolicyCircle {
		return c.AdvanceCircle
	}
	return c.AdvanceFace
}

func (c Config) Validate() error {
	if len(c.Takeoff) == 0 {
		return fmt.Errorf("flight: empty takeoff ramp")
	}
	if len(c.Landing) == 0 {
		return fmt.Errorf("flight: empty landing ramp")
	}
	if c.PollInterval <= 0 {
		return fmt.Errorf("flight: poll_interval must be positive")
	}
	if c.TargetWait <= 0 {
		return fmt.Errorf("flight: target_wait must be positive")
	}
	for _, cmd := range c.commands() {
		if !c.Limits.Contains(cmd) {
			return fmt.Errorf("flight: command %+v outside limits", cmd)
		}
	}
	return nil
}

func (c Config) takeoffCommand(s Step) protocol.Command {
	return protocol.Command{Roll: c.RollTrim, Thrust: s.Thrust}
}

func (c Config) landingCommand(s Step) protocol.Command {
	return protocol.Command{Roll: c.RollTrim, Pitch: c.LandingPitch, Thrust: s.Thrust}
}

func (c Config) hoverCommand() protocol.Command {
	return protocol.Command{Thrust: c.HoverThrust}
}

func (c Config) advanceCommand() protocol.Command {
	return protocol.Command{Pitch: c.AdvancePitch, Thrust: c.AdvanceThrust}
}

func (c Config) commands() []protocol.Command {
	out := []protocol.Command{c.hoverCommand(), c.advanceCommand()}
	for _, s := range c.Takeoff {
		out = append(out, c.takeoffCommand(s))
	}
	for _, s := range c.Landing {
		out = append(out, c.landingCommand(s))
	}
	return out
}
