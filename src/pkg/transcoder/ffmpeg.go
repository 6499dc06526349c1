package transcoder

import (
	"bufio"
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/hlskeeper/hlskeeper/src/consts"
	hksentry "github.com/hlskeeper/hlskeeper/src/pkg/sentry"
)

const (
	lineChanSize   = 256
	maxLineSize    = 1024 * 1024
	initialBufSize = 64 * 1024
)

// ArgsBuilder 根据源地址与输出目录生成 ffmpeg 参数
type ArgsBuilder func(sourceURI, dir, manifest string) []string

// SpawnError 进程未能启动（可执行文件不存在、无执行权限等）
type SpawnError struct {
	Path string
	Err  error
}

func (e *SpawnError) Error() string {
	return fmt.Sprintf("spawn %s: %v", e.Path, e.Err)
}

func (e *SpawnError) Unwrap() error {
	return e.Err
}

// ExitStatus 进程退出信息
type ExitStatus struct {
	Code     int    `json:"code"`
	Signaled bool   `json:"signaled"`
	Signal   string `json:"signal,omitempty"`
	Err      error  `json:"-"`
}

// Failed 非零退出码、被信号终止或等待出错都视为失败
func (s ExitStatus) Failed() bool {
	return s.Code != 0 || s.Signaled || s.Err != nil
}

func (s ExitStatus) String() string {
	switch {
	case s.Signaled:
		return fmt.Sprintf("signal %s", s.Signal)
	case s.Err != nil:
		return fmt.Sprintf("wait error: %v", s.Err)
	default:
		return fmt.Sprintf("exit code %d", s.Code)
	}
}

type Launcher struct {
	ffmpegPath string
	args       ArgsBuilder
	logger     *logrus.Entry
}

func NewLauncher(ffmpegPath string) *Launcher {
	if ffmpegPath == "" {
		ffmpegPath = "ffmpeg"
	}
	return &Launcher{
		ffmpegPath: ffmpegPath,
		args:       BuildArgs,
		logger:     logrus.WithField("component", "launcher"),
	}
}

func (l *Launcher) FFmpegPath() string {
	return l.ffmpegPath
}

// BuildArgs 生成 RTSP 转 HLS 的固定参数
func BuildArgs(sourceURI, dir, manifest string) []string {
	args := []string{"-hide_banner", "-nostdin"}
	lower := strings.ToLower(sourceURI)
	if strings.HasPrefix(lower, "rtsp://") || strings.HasPrefix(lower, "rtsps://") {
		args = append(args, "-rtsp_transport", "tcp")
	}
	args = append(args,
		"-i", sourceURI,
		"-c:v", "libx264",
		"-preset", "ultrafast",
		"-tune", "zerolatency",
		"-c:a", "aac",
		"-b:a", "128k",
		"-f", "hls",
		"-hls_time", "2",
		"-hls_list_size", "5",
		"-hls_flags", "delete_segments+append_list",
		"-hls_segment_filename", filepath.Join(dir, consts.SegmentPattern),
		manifest,
	)
	return args
}

// Launch 启动一个 ffmpeg 进程，输出写入 dir。
// ctx 只用于启动前的取消检查，进程的生命周期不跟随 ctx，需要调用 Terminate 停止。
func (l *Launcher) Launch(ctx context.Context, streamID, sourceURI, dir string) (*Process, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	manifest := filepath.Join(dir, consts.ManifestName)
	args := l.args(sourceURI, dir, manifest)

	cmd := exec.Command(l.ffmpegPath, args...)
	cmd.Dir = dir
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, &SpawnError{Path: l.ffmpegPath, Err: err}
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		return nil, &SpawnError{Path: l.ffmpegPath, Err: err}
	}

	logger := l.logger.WithField("stream_id", streamID)
	logger.WithField("args", hksentry.RedactCredentials(strings.Join(args, " "))).Debug("启动 ffmpeg")
	if err := cmd.Start(); err != nil {
		return nil, &SpawnError{Path: l.ffmpegPath, Err: err}
	}

	p := &Process{
		cmd:      cmd,
		manifest: manifest,
		stdout:   make(chan string, lineChanSize),
		stderr:   make(chan string, lineChanSize),
		exit:     make(chan ExitStatus, 1),
		done:     make(chan struct{}),
		logger:   logger.WithField("pid", cmd.Process.Pid),
	}

	var readers sync.WaitGroup
	readers.Add(2)
	hksentry.Go(func() {
		defer readers.Done()
		scanLines(stdout, p.stdout)
	})
	hksentry.Go(func() {
		defer readers.Done()
		scanLines(stderr, p.stderr)
	})
	hksentry.Go(func() {
		// Wait 会关闭管道，必须等两个 reader 读到 EOF 之后再调用
		readers.Wait()
		waitErr := cmd.Wait()
		status := exitStatusOf(cmd.ProcessState, waitErr)
		p.logger.WithField("exit", status.String()).Debug("ffmpeg 已退出")
		p.exit <- status
		close(p.exit)
		close(p.done)
	})
	return p, nil
}

// Process 一个运行中的 ffmpeg 进程。
// Stdout/Stderr 必须被持续消费直到关闭，否则进程会阻塞在写管道上。
type Process struct {
	cmd      *exec.Cmd
	manifest string

	stdout chan string
	stderr chan string
	exit   chan ExitStatus
	done   chan struct{}

	terminateOnce sync.Once
	logger        *logrus.Entry
}

func (p *Process) PID() int {
	return p.cmd.Process.Pid
}

func (p *Process) ManifestPath() string {
	return p.manifest
}

func (p *Process) Stdout() <-chan string {
	return p.stdout
}

func (p *Process) Stderr() <-chan string {
	return p.stderr
}

// Exit 只会收到一个值，随后关闭
func (p *Process) Exit() <-chan ExitStatus {
	return p.exit
}

func (p *Process) Done() <-chan struct{} {
	return p.done
}

func (p *Process) Signal(sig os.Signal) error {
	err := p.cmd.Process.Signal(sig)
	if err != nil && isProcessGone(err) {
		return nil
	}
	return err
}

// Terminate 先发送 SIGTERM，grace 之后仍未退出则强制杀掉。
// 进程已退出时不返回错误，重复调用只生效一次。
func (p *Process) Terminate(grace time.Duration) (err error) {
	p.terminateOnce.Do(func() {
		if err = p.Signal(syscall.SIGTERM); err != nil {
			// 不支持 SIGTERM 的平台直接 Kill
			p.kill()
			err = nil
			return
		}
		process := p.cmd.Process
		hksentry.Go(func() {
			timer := time.NewTimer(grace)
			defer timer.Stop()
			select {
			case <-p.done:
				return
			case <-timer.C:
			}
			p.logger.Warnf("ffmpeg 在 %s 内未退出，强制结束", grace)
			// 不读 ProcessState，避免与 Wait 产生数据竞争
			if killErr := process.Kill(); killErr != nil && !isProcessGone(killErr) {
				p.logger.WithError(killErr).Warn("强制结束 ffmpeg 失败")
			}
		})
	})
	return err
}

func (p *Process) kill() {
	if err := p.cmd.Process.Kill(); err != nil && !isProcessGone(err) {
		p.logger.WithError(err).Warn("强制结束 ffmpeg 失败")
	}
}

func isProcessGone(err error) bool {
	return errors.Is(err, os.ErrProcessDone) || errors.Is(err, syscall.ESRCH)
}

func exitStatusOf(state *os.ProcessState, waitErr error) ExitStatus {
	var status ExitStatus
	if state == nil {
		status.Code = -1
		status.Err = waitErr
		return status
	}
	if ws, ok := state.Sys().(syscall.WaitStatus); ok && ws.Signaled() {
		status.Code = -1
		status.Signaled = true
		status.Signal = ws.Signal().String()
	} else {
		status.Code = state.ExitCode()
	}
	var exitErr *exec.ExitError
	if waitErr != nil && !errors.As(waitErr, &exitErr) {
		status.Err = waitErr
	}
	return status
}

// scanLines 按 \n 或 \r 切分输出，ffmpeg 的进度行只以 \r 结尾
func scanLines(r io.Reader, out chan<- string) {
	defer close(out)
	sc := bufio.NewScanner(r)
	sc.Buffer(make([]byte, initialBufSize), maxLineSize)
	sc.Split(splitCRLF)
	for sc.Scan() {
		line := sc.Text()
		if line == "" {
			continue
		}
		out <- line
	}
	// 超长行等错误之后仍需读空管道
	_, _ = io.Copy(io.Discard, r)
}

func splitCRLF(data []byte, atEOF bool) (advance int, token []byte, err error) {
	if atEOF && len(data) == 0 {
		return 0, nil, nil
	}
	if i := bytes.IndexAny(data, "\r\n"); i >= 0 {
		return i + 1, data[:i], nil
	}
	if atEOF {
		return len(data), data, nil
	}
	return 0, nil, nil
}
