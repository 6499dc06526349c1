package supervisor

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hlskeeper/hlskeeper/src/streamstore"
)

func TestBuildHealthReport(t *testing.T) {
	stream := &streamstore.Stream{ID: "cam-1"}
	health := []*streamstore.HealthLog{
		{Status: streamstore.HealthHealthy, Bitrate: ptr(1000), FPS: ptr(25.0)},
		{Status: streamstore.HealthHealthy, Bitrate: ptr(2000)},
		{Status: streamstore.HealthDegraded},
	}
	r := buildHealthReport(stream, health, nil, 4)

	assert.Equal(t, 67, r.UptimePercentage)
	assert.Equal(t, 4, r.TotalErrors24h)
	require.NotNil(t, r.AverageBitrate)
	require.NotNil(t, r.AverageFPS)
	assert.InDelta(t, 1500.0, *r.AverageBitrate, 1e-9)
	assert.InDelta(t, 25.0, *r.AverageFPS, 1e-9)
	assert.Len(t, r.RecentHealth, 3)
	assert.NotNil(t, r.RecentErrors)
	assert.Empty(t, r.RecentErrors)
}

func TestBuildHealthReportEmpty(t *testing.T) {
	r := buildHealthReport(&streamstore.Stream{ID: "cam-1"}, nil, nil, 0)
	assert.Zero(t, r.UptimePercentage)
	assert.Nil(t, r.AverageBitrate)
	assert.Nil(t, r.AverageFPS)
	assert.Empty(t, r.RecentHealth)
}

func TestBuildHealthReportTruncatesRecent(t *testing.T) {
	health := make([]*streamstore.HealthLog, 30)
	for i := range health {
		health[i] = &streamstore.HealthLog{Status: streamstore.HealthHealthy, UptimeSeconds: int64(i)}
	}
	r := buildHealthReport(&streamstore.Stream{}, health, nil, 0)
	assert.Equal(t, 100, r.UptimePercentage)
	require.Len(t, r.RecentHealth, 10)
	assert.Equal(t, int64(0), r.RecentHealth[0].UptimeSeconds)
	// 窗口内的完整记录同样返回
	require.Len(t, r.HealthLogs, 30)
	assert.Equal(t, int64(29), r.HealthLogs[29].UptimeSeconds)
	assert.NotNil(t, r.ErrorLogs)
	assert.Empty(t, r.ErrorLogs)
}

func TestGetHealthReturnsWindowedLogs(t *testing.T) {
	env := newTestEnv(t, testOptions())
	env.createStream(t, "cam-1")
	ctx := context.Background()

	now := time.Now()
	for i := 0; i < 15; i++ {
		require.NoError(t, env.store.AppendHealthLog(ctx, &streamstore.HealthLog{
			StreamID: "cam-1", Timestamp: now.Add(-time.Duration(i) * time.Minute), Status: streamstore.HealthHealthy,
		}))
		require.NoError(t, env.store.AppendErrorLog(ctx, &streamstore.ErrorLog{
			StreamID: "cam-1", Timestamp: now.Add(-time.Duration(i) * time.Hour), Type: streamstore.ErrorCrash, Message: "exit code 1",
		}))
	}

	r, err := env.m.GetHealth(ctx, "cam-1")
	require.NoError(t, err)
	assert.Len(t, r.RecentHealth, 10)
	assert.Len(t, r.RecentErrors, 10)
	assert.Len(t, r.HealthLogs, 15)
	assert.Len(t, r.ErrorLogs, 15)
	assert.Equal(t, r.RecentHealth, r.HealthLogs[:10])
	assert.False(t, r.HealthLogs[0].Timestamp.Before(r.HealthLogs[14].Timestamp))
}

func TestGetHealth(t *testing.T) {
	env := newTestEnv(t, testOptions())
	env.createStream(t, "cam-1")
	ctx := context.Background()

	_, err := env.m.GetHealth(ctx, "missing")
	assert.ErrorIs(t, err, streamstore.ErrStreamNotFound)

	now := time.Now()
	for i, status := range []streamstore.HealthStatus{streamstore.HealthHealthy, streamstore.HealthHealthy, streamstore.HealthHealthy, streamstore.HealthDegraded} {
		require.NoError(t, env.store.AppendHealthLog(ctx, &streamstore.HealthLog{
			StreamID: "cam-1", Timestamp: now.Add(-time.Duration(i) * time.Minute), Status: status, Bitrate: ptr(800),
		}))
	}
	require.NoError(t, env.store.AppendErrorLog(ctx, &streamstore.ErrorLog{
		StreamID: "cam-1", Timestamp: now, Type: streamstore.ErrorCrash, Message: "exit code 1",
	}))
	require.NoError(t, env.store.AppendErrorLog(ctx, &streamstore.ErrorLog{
		StreamID: "cam-1", Timestamp: now.Add(-48 * time.Hour), Type: streamstore.ErrorCrash, Message: "exit code 1",
	}))

	r, err := env.m.GetHealth(ctx, "cam-1")
	require.NoError(t, err)
	assert.Equal(t, "cam-1", r.Stream.ID)
	assert.False(t, r.Running)
	assert.Nil(t, r.Process)
	assert.Equal(t, 75, r.UptimePercentage)
	assert.Equal(t, 1, r.TotalErrors24h)
	assert.Len(t, r.RecentErrors, 2)
	assert.Len(t, r.HealthLogs, 4)
	assert.Len(t, r.ErrorLogs, 2)
	require.NotNil(t, r.AverageBitrate)
	assert.InDelta(t, 800.0, *r.AverageBitrate, 1e-9)
	assert.Nil(t, r.AverageFPS)

	_, err = env.m.StartStream(ctx, "cam-1", "rtsp://10.0.0.2/cam-1")
	require.NoError(t, err)
	r, err = env.m.GetHealth(ctx, "cam-1")
	require.NoError(t, err)
	assert.True(t, r.Running)
	require.NotNil(t, r.Process)
	assert.Equal(t, "starting", r.Process.Phase)
}
