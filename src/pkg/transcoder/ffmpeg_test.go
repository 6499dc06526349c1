package transcoder

import (
	"context"
	"os"
	"path/filepath"
	"runtime"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBuildArgs(t *testing.T) {
	args := BuildArgs("rtsp://cam.local/live", "/data/stream_1", "/data/stream_1/stream.m3u8")
	assert.Equal(t, []string{
		"-hide_banner", "-nostdin",
		"-rtsp_transport", "tcp",
		"-i", "rtsp://cam.local/live",
		"-c:v", "libx264", "-preset", "ultrafast", "-tune", "zerolatency",
		"-c:a", "aac", "-b:a", "128k",
		"-f", "hls", "-hls_time", "2", "-hls_list_size", "5",
		"-hls_flags", "delete_segments+append_list",
		"-hls_segment_filename", filepath.Join("/data/stream_1", "segment_%03d.ts"),
		"/data/stream_1/stream.m3u8",
	}, args)

	assert.NotContains(t, BuildArgs("http://cam.local/live.flv", "/d", "/d/stream.m3u8"), "-rtsp_transport")
	assert.Contains(t, BuildArgs("RTSPS://cam.local/live", "/d", "/d/stream.m3u8"), "-rtsp_transport")
}

func TestExitStatusFailed(t *testing.T) {
	assert.False(t, ExitStatus{}.Failed())
	assert.True(t, ExitStatus{Code: 1}.Failed())
	assert.True(t, ExitStatus{Code: -1, Signaled: true, Signal: "killed"}.Failed())
	assert.Equal(t, "exit code 1", ExitStatus{Code: 1}.String())
}

func TestSplitCRLF(t *testing.T) {
	adv, tok, err := splitCRLF([]byte("frame=1\rframe=2"), false)
	require.NoError(t, err)
	assert.Equal(t, 8, adv)
	assert.Equal(t, "frame=1", string(tok))

	adv, tok, _ = splitCRLF([]byte("partial"), false)
	assert.Zero(t, adv)
	assert.Nil(t, tok)

	adv, tok, _ = splitCRLF([]byte("tail"), true)
	assert.Equal(t, 4, adv)
	assert.Equal(t, "tail", string(tok))
}

func skipWithoutShell(t *testing.T) {
	t.Helper()
	if runtime.GOOS == "windows" {
		t.Skip("需要 /bin/sh")
	}
	if _, err := os.Stat("/bin/sh"); err != nil {
		t.Skip("需要 /bin/sh")
	}
}

// scriptLauncher 用 shell 脚本代替 ffmpeg
func scriptLauncher(t *testing.T, script string) *Launcher {
	t.Helper()
	path := filepath.Join(t.TempDir(), "fake-ffmpeg.sh")
	require.NoError(t, os.WriteFile(path, []byte("#!/bin/sh\n"+script+"\n"), 0o755))
	return &Launcher{
		ffmpegPath: path,
		args:       func(string, string, string) []string { return nil },
		logger:     logrus.WithField("test", t.Name()),
	}
}

type collected struct {
	stdout []string
	stderr []string
	status ExitStatus
}

func collect(t *testing.T, p *Process, timeout time.Duration) collected {
	t.Helper()
	var c collected
	deadline := time.After(timeout)
	stdout, stderr := p.Stdout(), p.Stderr()
	for stdout != nil || stderr != nil {
		select {
		case line, ok := <-stdout:
			if !ok {
				stdout = nil
				continue
			}
			c.stdout = append(c.stdout, line)
		case line, ok := <-stderr:
			if !ok {
				stderr = nil
				continue
			}
			c.stderr = append(c.stderr, line)
		case <-deadline:
			t.Fatal("等待输出超时")
		}
	}
	select {
	case c.status = <-p.Exit():
	case <-deadline:
		t.Fatal("等待退出超时")
	}
	select {
	case <-p.Done():
	case <-deadline:
		t.Fatal("等待 Done 超时")
	}
	return c
}

func TestLaunchCollectsOutputAndExit(t *testing.T) {
	skipWithoutShell(t)
	l := scriptLauncher(t, `printf 'out1\nout2\n'
printf 'frame=1 fps=25\rframe=2 fps=26\rError opening input\n' >&2
exit 3`)
	dir := t.TempDir()
	p, err := l.Launch(context.Background(), "s1", "rtsp://x", dir)
	require.NoError(t, err)
	assert.Positive(t, p.PID())
	assert.Equal(t, filepath.Join(dir, "stream.m3u8"), p.ManifestPath())

	c := collect(t, p, 5*time.Second)
	assert.Equal(t, []string{"out1", "out2"}, c.stdout)
	assert.Equal(t, []string{"frame=1 fps=25", "frame=2 fps=26", "Error opening input"}, c.stderr)
	assert.Equal(t, 3, c.status.Code)
	assert.True(t, c.status.Failed())

	// 退出值只发送一次
	_, ok := <-p.Exit()
	assert.False(t, ok)
}

func TestLaunchCleanExit(t *testing.T) {
	skipWithoutShell(t)
	l := scriptLauncher(t, `exit 0`)
	p, err := l.Launch(context.Background(), "s1", "rtsp://x", t.TempDir())
	require.NoError(t, err)
	c := collect(t, p, 5*time.Second)
	assert.False(t, c.status.Failed())
	// 已退出的进程 Terminate 不报错
	assert.NoError(t, p.Terminate(100*time.Millisecond))
}

func TestLaunchSpawnError(t *testing.T) {
	l := NewLauncher(filepath.Join(t.TempDir(), "no-such-ffmpeg"))
	p, err := l.Launch(context.Background(), "s1", "rtsp://x", t.TempDir())
	require.Error(t, err)
	assert.Nil(t, p)
	var spawnErr *SpawnError
	require.ErrorAs(t, err, &spawnErr)
	assert.Equal(t, l.FFmpegPath(), spawnErr.Path)
}

func TestLaunchCancelledContext(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := NewLauncher("ffmpeg").Launch(ctx, "s1", "rtsp://x", t.TempDir())
	assert.ErrorIs(t, err, context.Canceled)
}

func TestTerminateGraceful(t *testing.T) {
	skipWithoutShell(t)
	l := scriptLauncher(t, `trap 'exit 0' TERM
echo ready
while true; do sleep 0.05; done`)
	p, err := l.Launch(context.Background(), "s1", "rtsp://x", t.TempDir())
	require.NoError(t, err)
	select {
	case line := <-p.Stdout():
		require.Equal(t, "ready", line)
	case <-time.After(5 * time.Second):
		t.Fatal("脚本未就绪")
	}

	require.NoError(t, p.Terminate(5*time.Second))
	c := collect(t, p, 5*time.Second)
	assert.Equal(t, 0, c.status.Code)
	assert.False(t, c.status.Signaled)
}

func TestTerminateEscalatesToKill(t *testing.T) {
	skipWithoutShell(t)
	l := scriptLauncher(t, `trap '' TERM
echo ready
while true; do sleep 0.05; done`)
	p, err := l.Launch(context.Background(), "s1", "rtsp://x", t.TempDir())
	require.NoError(t, err)
	select {
	case <-p.Stdout():
	case <-time.After(5 * time.Second):
		t.Fatal("脚本未就绪")
	}

	start := time.Now()
	require.NoError(t, p.Terminate(200*time.Millisecond))
	c := collect(t, p, 5*time.Second)
	assert.GreaterOrEqual(t, time.Since(start), 200*time.Millisecond)
	assert.True(t, c.status.Signaled)
	assert.True(t, c.status.Failed())
}
