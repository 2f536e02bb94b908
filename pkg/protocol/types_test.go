package protocol_test

import (
	"math"
	"testing"

	"skytrack/pkg/protocol"
)

func TestClipIsIdempotent(t *testing.T) {
	values := []float64{-1e9, -20.5, -20, -3.25, 0, 4, 19.999, 20, 20.0001, 1e9, math.Inf(1), math.Inf(-1), math.NaN()}
	for _, v := range values {
		once := protocol.Clip(-20.0, 20.0, v)
		twice := protocol.Clip(-20.0, 20.0, once)
		if once != twice {
			t.Fatalf("clip not idempotent for %v: %v then %v", v, once, twice)
		}
		if once < -20 || once > 20 {
			t.Fatalf("clip(%v) = %v escapes bounds", v, once)
		}
	}

	for _, v := range []int{-5, 0, 7, 52000, 60000} {
		once := protocol.Clip(0, 52000, v)
		if protocol.Clip(0, 52000, once) != once {
			t.Fatalf("integer clip not idempotent for %d", v)
		}
	}
}

func TestClipNonFinite(t *testing.T) {
	nan := math.NaN()
	inf := math.Inf(1)
	cases := []struct {
		name   string
		lo, hi float64
		v      float64
		want   float64
	}{
		{name: "nan symmetric", lo: -20, hi: 20, v: nan, want: 0},
		{name: "nan positive range", lo: 5, hi: 20, v: nan, want: 5},
		{name: "nan negative range", lo: -20, hi: -5, v: nan, want: -5},
		{name: "plus inf", lo: -20, hi: 20, v: inf, want: 20},
		{name: "minus inf", lo: -20, hi: 20, v: -inf, want: -20},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if got := protocol.Clip(tc.lo, tc.hi, tc.v); got != tc.want {
				t.Fatalf("clip(%v, %v, %v) = %v, want %v", tc.lo, tc.hi, tc.v, got, tc.want)
			}
		})
	}

	limits := protocol.DefaultLimits()
	clamped := limits.Clamp(protocol.Command{Roll: float32(nan), Pitch: float32(nan)})
	if clamped.Roll != 0 || clamped.Pitch != 0 {
		t.Fatalf("nan attitude should clamp to zero: %+v", clamped)
	}
}

func TestLimitsClampAndContains(t *testing.T) {
	limits := protocol.DefaultLimits()
	cmd := protocol.Command{Roll: -40, Pitch: 25, Yaw: float32(math.NaN()), Thrust: 60000}
	if limits.Contains(cmd) {
		t.Fatalf("expected out-of-range command to be rejected")
	}

	clamped := limits.Clamp(cmd)
	if clamped.Roll != -20 || clamped.Pitch != 20 || clamped.Yaw != 0 || clamped.Thrust != 52000 {
		t.Fatalf("unexpected clamp: %+v", clamped)
	}
	if !limits.Contains(clamped) {
		t.Fatalf("clamped command should be contained: %+v", clamped)
	}
	if limits.Clamp(clamped) != clamped {
		t.Fatalf("clamp not idempotent")
	}
}

func TestNeutralCommand(t *testing.T) {
	if !protocol.Neutral.IsNeutral() {
		t.Fatalf("neutral command should report neutral")
	}
	if (protocol.Command{Thrust: 1}).IsNeutral() {
		t.Fatalf("non-zero thrust is not neutral")
	}
}
