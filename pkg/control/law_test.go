package control_test

import (
	"math"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"skytrack/pkg/control"
	"skytrack/pkg/protocol"
)

func newLaw(t *testing.T, mutate ...func(*control.Config)) *control.Law {
	t.Helper()
	cfg := control.DefaultConfig()
	for _, fn := range mutate {
		fn(&cfg)
	}
	law, err := control.NewLaw(cfg)
	require.NoError(t, err)
	return law
}

func present(e float64) protocol.TrackingSignal {
	return protocol.TrackingSignal{Present: true, ErrorX: e}
}

func TestCorrectionSixtyPixelsLeft(t *testing.T) {
	law := newLaw(t)
	lat, ok := law.Correction(present(60))
	require.True(t, ok)
	assert.Equal(t, float32(-4), lat.Roll)
	assert.Equal(t, 185*time.Millisecond, lat.Duration)

	cmd := law.TurnCommand(lat)
	assert.Equal(t, protocol.Command{Roll: -4, Pitch: 0.5, Thrust: 45000}, cmd)
}

func TestCorrectionSymmetry(t *testing.T) {
	law := newLaw(t)
	for _, e := range []float64{30.5, 31, 60, 81, 162, 400, 1e6} {
		pos, okPos := law.Correction(present(e))
		neg, okNeg := law.Correction(present(-e))
		require.True(t, okPos, "e=%v", e)
		require.True(t, okNeg, "e=%v", -e)
		assert.Equal(t, pos.Roll, -neg.Roll, "e=%v", e)
		assert.NotZero(t, pos.Roll)
		assert.Equal(t, pos.Duration, neg.Duration, "e=%v", e)
	}
}

func TestCorrectionDeadband(t *testing.T) {
	law := newLaw(t)
	for _, e := range []float64{0, 1, -1, 29.9, 30, -30} {
		_, ok := law.Correction(present(e))
		assert.False(t, ok, "e=%v", e)
	}
}

func TestCorrectionWithoutTarget(t *testing.T) {
	law := newLaw(t)
	_, ok := law.Correction(protocol.TrackingSignal{Present: false, ErrorX: 120})
	assert.False(t, ok)
	_, ok = law.Correction(present(math.NaN()))
	assert.False(t, ok)
}

func TestTurnDurationMonotonic(t *testing.T) {
	law := newLaw(t)
	prev := time.Duration(0)
	for e := 0.0; e <= 1000; e += 0.25 {
		d := law.TurnDuration(e)
		require.GreaterOrEqual(t, d, prev, "e=%v", e)
		prev = d
	}
}

func TestTurnDurationCapKeepsMonotonicity(t *testing.T) {
	law := newLaw(t, func(c *control.Config) { c.MaxTurn = 300 * time.Millisecond })
	assert.Equal(t, 185*time.Millisecond, law.TurnDuration(60))
	assert.Equal(t, 300*time.Millisecond, law.TurnDuration(500))
	assert.Equal(t, 300*time.Millisecond, law.TurnDuration(math.Inf(1)))
}

func TestCalibrationIsConfigurable(t *testing.T) {
	law := newLaw(t, func(c *control.Config) {
		c.TurnTime = time.Second
		c.TurnErrorPx = 100
		c.DeadbandPx = 10
		c.TurnRoll = 6
	})
	lat, ok := law.Correction(present(-50))
	require.True(t, ok)
	assert.Equal(t, float32(6), lat.Roll)
	assert.Equal(t, 500*time.Millisecond, lat.Duration)
}

func TestRollClippedToLimits(t *testing.T) {
	law := newLaw(t, func(c *control.Config) {
		c.TurnRoll = 50
	})
	lat, ok := law.Correction(present(90))
	require.True(t, ok)
	assert.Equal(t, float32(-20), lat.Roll)
}

func TestConfigValidate(t *testing.T) {
	cfg := control.DefaultConfig()
	cfg.TurnErrorPx = 0
	_, err := control.NewLaw(cfg)
	assert.Error(t, err)

	cfg = control.DefaultConfig()
	cfg.DeadbandPx = -1
	assert.Error(t, cfg.Validate())
}

func TestConfigValidateRejectsNonFinite(t *testing.T) {
	nan32 := float32(math.NaN())
	inf32 := float32(math.Inf(1))
	cases := map[string]func(*control.Config){
		"nan turn roll":     func(c *control.Config) { c.TurnRoll = nan32 },
		"inf turn roll":     func(c *control.Config) { c.TurnRoll = inf32 },
		"nan turn pitch":    func(c *control.Config) { c.TurnPitch = nan32 },
		"minus inf pitch":   func(c *control.Config) { c.TurnPitch = -inf32 },
		"nan deadband":      func(c *control.Config) { c.DeadbandPx = math.NaN() },
		"inf turn px":       func(c *control.Config) { c.TurnErrorPx = math.Inf(1) },
		"nan attitude min":  func(c *control.Config) { c.Limits.AttitudeMin = nan32 },
		"inf attitude max":  func(c *control.Config) { c.Limits.AttitudeMax = inf32 },
		"nan turn px":       func(c *control.Config) { c.TurnErrorPx = math.NaN() },
		"minus inf min att": func(c *control.Config) { c.Limits.AttitudeMin = -inf32 },
	}
	for name, mutate := range cases {
		t.Run(name, func(t *testing.T) {
			cfg := control.DefaultConfig()
			mutate(&cfg)
			assert.ErrorContains(t, cfg.Validate(), "must be finite")
		})
	}
}

func TestCorrectionStaysSymmetricAfterClamp(t *testing.T) {
	law := newLaw(t)
	left, ok := law.Correction(present(60))
	require.True(t, ok)
	right, ok := law.Correction(present(-60))
	require.True(t, ok)
	assert.Equal(t, -left.Roll, right.Roll)

	turn := law.TurnCommand(left)
	assert.True(t, law.Config().Limits.Contains(turn))
	assert.Equal(t, float32(0.5), turn.Pitch)
}

func TestParsePolicy(t *testing.T) {
	p, err := control.ParsePolicy("circle")
	require.NoError(t, err)
	assert.Equal(t, control.PolicyCircle, p)
	_, err = control.ParsePolicy("balloon")
	assert.Error(t, err)
}
