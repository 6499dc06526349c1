package transcoder

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseStats(t *testing.T) {
	s := ParseStats("frame=  120 fps= 29.97 q=23.0 size=     512kB time=00:00:04.00 bitrate= 2048.5kbits/s speed=1.02x")
	require.NotNil(t, s.Bitrate)
	require.NotNil(t, s.FPS)
	require.NotNil(t, s.Speed)
	assert.Equal(t, 2049, *s.Bitrate)
	assert.InDelta(t, 29.97, *s.FPS, 1e-9)
	assert.InDelta(t, 1.02, *s.Speed, 1e-9)
	assert.Empty(t, s.Resolution)
}

func TestParseStatsNoTokens(t *testing.T) {
	s := ParseStats("Press [q] to stop, [?] for help")
	assert.True(t, s.IsEmpty())
	assert.Nil(t, s.Bitrate)
	assert.Nil(t, s.FPS)
	assert.Nil(t, s.Speed)
}

func TestParseStatsZeroIsReported(t *testing.T) {
	s := ParseStats("fps=0.0 bitrate=   0.0kbits/s speed=0x")
	require.NotNil(t, s.FPS)
	require.NotNil(t, s.Bitrate)
	require.NotNil(t, s.Speed)
	assert.Zero(t, *s.FPS)
	assert.Zero(t, *s.Bitrate)
	assert.Zero(t, *s.Speed)
}

func TestParseStatsMalformed(t *testing.T) {
	assert.NotPanics(t, func() {
		s := ParseStats("bitrate=N/A fps=... speed=1.2.3.4x")
		assert.Nil(t, s.Bitrate)
		assert.Nil(t, s.FPS)
		assert.Nil(t, s.Speed)
	})
	assert.True(t, ParseStats("").IsEmpty())
}

func TestParseStatsResolution(t *testing.T) {
	s := ParseStats("  Stream #0:0: Video: h264 (High), yuv420p(progressive), 1920x1080 [SAR 1:1 DAR 16:9], 25 fps")
	assert.Equal(t, "1920x1080", s.Resolution)
	// Stream #0:0 不应被当作分辨率
	assert.Empty(t, ParseStats("Stream #0:1: Audio: aac, 48000 Hz").Resolution)
}

func TestStatsMerge(t *testing.T) {
	old := ParseStats("bitrate=1000kbits/s fps=25 speed=1x")
	newer := ParseStats("fps=30")
	merged := old.Merge(newer)
	assert.Equal(t, 1000, *merged.Bitrate)
	assert.InDelta(t, 30, *merged.FPS, 1e-9)
	assert.InDelta(t, 1, *merged.Speed, 1e-9)

	merged = merged.Merge(ParseStats("Video: hevc, 1280x720"))
	assert.Equal(t, "1280x720", merged.Resolution)
	assert.Equal(t, 1000, *merged.Bitrate)
}
