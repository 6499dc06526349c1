package streamstore

import (
	"context"
	"path/filepath"
	"sync"
	"testing"
	"time"

	uuid "github.com/satori/go.uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestStore(t *testing.T) *SQLiteStore {
	t.Helper()
	store, err := NewSQLiteStore(filepath.Join(t.TempDir(), "db", "streams.db"))
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })
	return store
}

func createStream(t *testing.T, store *SQLiteStore, name string) *Stream {
	t.Helper()
	lat, lon := 31.23, 121.47
	st := &Stream{
		ID:        uuid.Must(uuid.NewV4()).String(),
		Name:      name,
		RTSPURL:   "rtsp://cam.local/" + name,
		Latitude:  &lat,
		Longitude: &lon,
	}
	require.NoError(t, store.CreateStream(context.Background(), st))
	return st
}

func TestCreateAndGetStream(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()
	st := createStream(t, store, "gate")

	got, err := store.GetStream(ctx, st.ID)
	require.NoError(t, err)
	assert.Equal(t, "gate", got.Name)
	assert.Equal(t, "rtsp://cam.local/gate", got.RTSPURL)
	assert.Equal(t, StatusInactive, got.Status)
	require.NotNil(t, got.Latitude)
	assert.InDelta(t, 31.23, *got.Latitude, 1e-9)
	assert.Nil(t, got.Bitrate)
	assert.Nil(t, got.FPS)
	assert.False(t, got.CreatedAt.IsZero())

	err = store.CreateStream(ctx, &Stream{ID: st.ID, Name: "dup", RTSPURL: "rtsp://x"})
	assert.ErrorIs(t, err, ErrStreamExists)

	_, err = store.GetStream(ctx, "missing")
	assert.ErrorIs(t, err, ErrStreamNotFound)
}

func TestUpdateStream(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()
	st := createStream(t, store, "gate")

	url := "rtsp://cam.local/new"
	name := "front gate"
	got, err := store.UpdateStream(ctx, st.ID, StreamUpdate{RTSPURL: &url, Name: &name})
	require.NoError(t, err)
	assert.Equal(t, url, got.RTSPURL)
	assert.Equal(t, name, got.Name)
	require.NotNil(t, got.Longitude)
	assert.InDelta(t, 121.47, *got.Longitude, 1e-9)

	got, err = store.UpdateStream(ctx, st.ID, StreamUpdate{})
	require.NoError(t, err)
	assert.Equal(t, name, got.Name)

	_, err = store.UpdateStream(ctx, "missing", StreamUpdate{Name: &name})
	assert.ErrorIs(t, err, ErrStreamNotFound)
}

func TestDeleteStreamCascades(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()
	st := createStream(t, store, "gate")

	require.NoError(t, store.AppendHealthLog(ctx, &HealthLog{StreamID: st.ID, Status: HealthHealthy}))
	require.NoError(t, store.AppendErrorLog(ctx, &ErrorLog{StreamID: st.ID, Type: ErrorCrash, Message: "exit 1"}))

	require.NoError(t, store.DeleteStream(ctx, st.ID))
	assert.ErrorIs(t, store.DeleteStream(ctx, st.ID), ErrStreamNotFound)

	var n int
	require.NoError(t, store.db.QueryRow(`SELECT COUNT(*) FROM health_logs`).Scan(&n))
	assert.Zero(t, n)
	require.NoError(t, store.db.QueryRow(`SELECT COUNT(*) FROM error_logs`).Scan(&n))
	assert.Zero(t, n)
	require.NoError(t, store.db.QueryRow(`SELECT COUNT(*) FROM stream_runtime`).Scan(&n))
	assert.Zero(t, n)
}

func TestUpdateRuntimeOnlyWritesSetFields(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()
	st := createStream(t, store, "gate")

	active := StatusActive
	start := time.Now().Add(-time.Minute).Truncate(time.Second)
	pid := 4242
	msg := "boom"
	require.NoError(t, store.UpdateRuntime(ctx, st.ID, RuntimeUpdate{
		Status:           &active,
		StartTime:        &start,
		ProcessID:        &pid,
		ErrorMessage:     &msg,
		IncrRestartCount: true,
	}))

	bitrate := 2049
	fps := 29.97
	res := "1920x1080"
	uptime := int64(60)
	require.NoError(t, store.UpdateRuntime(ctx, st.ID, RuntimeUpdate{
		Bitrate:       &bitrate,
		FPS:           &fps,
		Resolution:    &res,
		UptimeSeconds: &uptime,
	}))

	got, err := store.GetStream(ctx, st.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusActive, got.Status)
	assert.Equal(t, start.Unix(), got.StartTime.Unix())
	assert.Equal(t, 4242, got.ProcessID)
	assert.Equal(t, "boom", got.ErrorMessage)
	assert.Equal(t, 1, got.RestartCount)
	assert.Equal(t, 0, got.ErrorCount)
	require.NotNil(t, got.Bitrate)
	assert.Equal(t, 2049, *got.Bitrate)
	assert.Equal(t, "1920x1080", got.Resolution)
	assert.Equal(t, int64(60), got.UptimeSeconds)

	missing := StatusError
	assert.ErrorIs(t, store.UpdateRuntime(ctx, "missing", RuntimeUpdate{Status: &missing}), ErrStreamNotFound)
}

func TestUpdateRuntimeConcurrentIncrements(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()
	st := createStream(t, store, "gate")

	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			assert.NoError(t, store.UpdateRuntime(ctx, st.ID, RuntimeUpdate{IncrErrorCount: true}))
		}()
	}
	wg.Wait()

	got, err := store.GetStream(ctx, st.ID)
	require.NoError(t, err)
	assert.Equal(t, 20, got.ErrorCount)
}

func TestListStreamsByStatus(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()
	a := createStream(t, store, "a")
	b := createStream(t, store, "b")
	createStream(t, store, "c")

	starting, active := StatusStarting, StatusActive
	require.NoError(t, store.UpdateRuntime(ctx, a.ID, RuntimeUpdate{Status: &starting}))
	require.NoError(t, store.UpdateRuntime(ctx, b.ID, RuntimeUpdate{Status: &active}))

	got, err := store.ListStreamsByStatus(ctx, StatusStarting, StatusActive)
	require.NoError(t, err)
	ids := []string{}
	for _, st := range got {
		ids = append(ids, st.ID)
	}
	assert.ElementsMatch(t, []string{a.ID, b.ID}, ids)

	all, err := store.ListStreams(ctx)
	require.NoError(t, err)
	assert.Len(t, all, 3)

	none, err := store.ListStreamsByStatus(ctx)
	require.NoError(t, err)
	assert.Empty(t, none)
}

func TestLogWindowsAndOrdering(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()
	st := createStream(t, store, "gate")
	now := time.Now()

	for i := 0; i < 5; i++ {
		rate := 1000 + i
		require.NoError(t, store.AppendHealthLog(ctx, &HealthLog{
			StreamID:  st.ID,
			Timestamp: now.Add(-time.Duration(i) * time.Minute),
			Status:    HealthHealthy,
			Bitrate:   &rate,
		}))
	}
	require.NoError(t, store.AppendHealthLog(ctx, &HealthLog{
		StreamID:  st.ID,
		Timestamp: now.Add(-48 * time.Hour),
		Status:    HealthDegraded,
	}))

	logs, err := store.ListHealthLogs(ctx, st.ID, now.Add(-24*time.Hour), 3)
	require.NoError(t, err)
	require.Len(t, logs, 3)
	assert.Equal(t, 1000, *logs[0].Bitrate)
	assert.Equal(t, 1001, *logs[1].Bitrate)
	assert.Nil(t, logs[0].FPS)

	logs, err = store.ListHealthLogs(ctx, st.ID, time.Time{}, 0)
	require.NoError(t, err)
	assert.Len(t, logs, 6)
	assert.Equal(t, HealthDegraded, logs[5].Status)

	require.NoError(t, store.AppendErrorLog(ctx, &ErrorLog{StreamID: st.ID, Timestamp: now.Add(-8 * 24 * time.Hour), Type: ErrorCrash, Message: "old"}))
	require.NoError(t, store.AppendErrorLog(ctx, &ErrorLog{StreamID: st.ID, Timestamp: now.Add(-time.Hour), Type: ErrorStartup, Message: "no manifest"}))
	require.NoError(t, store.AppendErrorLog(ctx, &ErrorLog{StreamID: st.ID, Timestamp: now, Type: ErrorCrash, Message: "exit 1", Trace: "tail"}))

	errs, err := store.ListErrorLogs(ctx, st.ID, now.Add(-7*24*time.Hour), 50)
	require.NoError(t, err)
	require.Len(t, errs, 2)
	assert.Equal(t, ErrorCrash, errs[0].Type)
	assert.Equal(t, "tail", errs[0].Trace)
	assert.Equal(t, ErrorStartup, errs[1].Type)

	n, err := store.CountErrorLogs(ctx, st.ID, now.Add(-24*time.Hour))
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	assert.ErrorIs(t, store.AppendErrorLog(ctx, &ErrorLog{StreamID: "missing", Type: ErrorCrash}), ErrStreamNotFound)
}

func TestMeta(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	_, err := store.GetMeta(ctx, "device_id")
	assert.ErrorIs(t, err, ErrMetaNotFound)

	require.NoError(t, store.SetMeta(ctx, "device_id", "abc"))
	require.NoError(t, store.SetMeta(ctx, "device_id", "def"))
	v, err := store.GetMeta(ctx, "device_id")
	require.NoError(t, err)
	assert.Equal(t, "def", v)

	_, err = store.GetMeta(ctx, "app_version")
	assert.NoError(t, err)
}

func TestReopenKeepsData(t *testing.T) {
	path := filepath.Join(t.TempDir(), "streams.db")
	store, err := NewSQLiteStore(path)
	require.NoError(t, err)
	require.NoError(t, store.CreateStream(context.Background(), &Stream{ID: "cam-1", Name: "cam", RTSPURL: "rtsp://x"}))
	require.NoError(t, store.Close())

	store, err = NewSQLiteStore(path)
	require.NoError(t, err)
	defer store.Close()
	got, err := store.GetStream(context.Background(), "cam-1")
	require.NoError(t, err)
	assert.Equal(t, "cam", got.Name)
}
