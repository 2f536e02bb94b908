package vision_test

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"skytrack/pkg/protocol"
	"skytrack/pkg/vision"
)

func TestSpotDetectorFindsDisk(t *testing.T) {
	frame, err := vision.SyntheticFrame(320, 240, 100, 120, 12)
	require.NoError(t, err)

	det, ok, err := vision.NewSpotDetector(200).Detect(frame)
	require.NoError(t, err)
	require.True(t, ok)
	assert.InDelta(t, 100, det.CenterX, 1)
	assert.InDelta(t, 120, det.CenterY, 1)
	assert.InDelta(t, 25, det.Extent, 3)
}

func TestSpotDetectorDarkFrame(t *testing.T) {
	frame, err := vision.SyntheticFrame(64, 48, -100, -100, 5)
	require.NoError(t, err)

	_, ok, err := vision.NewSpotDetector(200).Detect(frame)
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestSpotDetectorRejectsGarbage(t *testing.T) {
	_, _, err := vision.NewSpotDetector(200).Detect([]byte{0xFF, 0xD8, 0x00, 0xFF, 0xD9})
	assert.Error(t, err)
}

func TestTrackerWithSpotDetector(t *testing.T) {
	frame, err := vision.SyntheticFrame(320, 240, 100, 120, 12)
	require.NoError(t, err)

	sig := vision.NewTracker(vision.NewSpotDetector(200)).Track(protocol.Frame{Seq: 1, Data: frame})
	require.True(t, sig.Present)
	assert.InDelta(t, 60, sig.ErrorX, 1)
	assert.InDelta(t, 0, sig.ErrorY, 1)
}
