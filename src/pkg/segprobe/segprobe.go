// Package segprobe 从本地 HLS 输出中读取最新的 TS 分段，解析 SPS 得到实际分辨率与帧率
package segprobe

import (
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
)

// 只读取分段开头的这部分数据，足够覆盖首个关键帧前的 SPS
const maxProbeBytes = 512 * 1024

var (
	ErrNoSegment = errors.New("playlist has no segment")
	ErrNoVideo   = errors.New("no supported video stream")
	ErrNoSPS     = errors.New("sps not found")
)

// Info 从分段中解析出的流信息
type Info struct {
	VideoCodec string  `json:"videoCodec,omitempty"`
	AudioCodec string  `json:"audioCodec,omitempty"`
	Width      int     `json:"width"`
	Height     int     `json:"height"`
	FrameRate  float64 `json:"frameRate,omitempty"`
	Segment    string  `json:"segment,omitempty"`
}

// Resolution 形如 "1920x1080"，未知时为空
func (i *Info) Resolution() string {
	if i == nil || i.Width <= 0 || i.Height <= 0 {
		return ""
	}
	return fmt.Sprintf("%dx%d", i.Width, i.Height)
}

// Probe 读取播放列表，从最新的分段开始尝试，直到解析成功。
// ffmpeg 会随时删除旧分段，已消失的分段直接跳过。
func Probe(manifestPath string) (*Info, error) {
	content, err := os.ReadFile(manifestPath)
	if err != nil {
		return nil, err
	}
	segments := segmentsFromPlaylist(string(content))
	if len(segments) == 0 {
		return nil, ErrNoSegment
	}
	dir := filepath.Dir(manifestPath)
	var lastErr error = ErrNoSegment
	for i := len(segments) - 1; i >= 0; i-- {
		// 只接受播放列表所在目录下的分段
		path := filepath.Join(dir, filepath.Base(segments[i]))
		info, err := ProbeSegment(path)
		if err == nil {
			return info, nil
		}
		lastErr = err
		if !os.IsNotExist(err) && !errors.Is(err, ErrNoSPS) {
			break
		}
	}
	return nil, lastErr
}

// ProbeSegment 解析单个 TS 分段
func ProbeSegment(path string) (*Info, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	data, err := io.ReadAll(io.LimitReader(f, maxProbeBytes))
	if err != nil {
		return nil, err
	}
	info, err := ParseTS(data)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", filepath.Base(path), err)
	}
	info.Segment = filepath.Base(path)
	return info, nil
}

// segmentsFromPlaylist 按出现顺序返回播放列表中的分段 URI
func segmentsFromPlaylist(content string) []string {
	var segments []string
	for _, line := range strings.Split(content, "\n") {
		line = strings.TrimSpace(line)
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		segments = append(segments, line)
	}
	return segments
}
