package protocol

import (
	"cmp"
	"time"
)

// Frame is one complete JPEG image cut out of the video stream, SOI through EOI.
type Frame struct {
	Seq       uint64
	Timestamp time.Time
	Data      []byte
}

// Detection is what a detector reports for the single target it found.
type Detection struct {
	CenterX float64 `json:"center_x"`
	CenterY float64 `json:"center_y"`
	Extent  float64 `json:"extent"`
}

// TrackingSignal is the offset between the frame center and the target center.
// Positive ErrorX means the target sits left of center.
type TrackingSignal struct {
	Present   bool      `json:"present"`
	ErrorX    float64   `json:"error_x"`
	ErrorY    float64   `json:"error_y"`
	Seq       uint64    `json:"seq"`
	Timestamp time.Time `json:"ts"`
	Width     int       `json:"width,omitempty"`
	Height    int       `json:"height,omitempty"`
	Target    Detection `json:"target"`
}

// Command is one attitude/thrust setpoint for the vehicle.
type Command struct {
	Roll   float32 `json:"roll"`
	Pitch  float32 `json:"pitch"`
	Yaw    float32 `json:"yaw"`
	Thrust uint16  `json:"thrust"`
}

// Neutral is the all-zero command.
var Neutral = Command{}

func (c Command) IsNeutral() bool {
	return c == Neutral
}

type Limits struct {
	ThrustMin   uint16  `toml:"thrust_min"`
	ThrustMax   uint16  `toml:"thrust_max"`
	AttitudeMin float32 `toml:"attitude_min"`
	AttitudeMax float32 `toml:"attitude_max"`
}

func DefaultLimits() Limits {
	return Limits{
		ThrustMin:   0,
		ThrustMax:   52000,
		AttitudeMin: -20,
		AttitudeMax: 20,
	}
}

// Contains reports whether every field of c lies inside the limits.
// NaN attitudes are never contained.
func (l Limits) Contains(c Command) bool {
	for _, v := range []float32{c.Roll, c.Pitch, c.Yaw} {
		if !(v >= l.AttitudeMin && v <= l.AttitudeMax) {
			return false
		}
	}
	return c.Thrust >= l.ThrustMin && c.Thrust <= l.ThrustMax
}

// Clamp clips every field of c into the limits.
func (l Limits) Clamp(c Command) Command {
	return Command{
		Roll:   Clip(l.AttitudeMin, l.AttitudeMax, c.Roll),
		Pitch:  Clip(l.AttitudeMin, l.AttitudeMax, c.Pitch),
		Yaw:    Clip(l.AttitudeMin, l.AttitudeMax, c.Yaw),
		Thrust: Clip(l.ThrustMin, l.ThrustMax, c.Thrust),
	}
}

// Clip bounds v to [lo, hi]. A NaN maps to the in-range value nearest zero.
func Clip[T cmp.Ordered](lo, hi, v T) T {
	if v != v {
		var zero T
		v = zero
	}
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}
