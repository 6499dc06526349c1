package transcoder

import (
	"fmt"
	"math"
	"regexp"
	"strconv"
)

var (
	bitrateRe    = regexp.MustCompile(`bitrate=\s*([\d.]+)\s*kbits/s`)
	fpsRe        = regexp.MustCompile(`fps=\s*([\d.]+)`)
	speedRe      = regexp.MustCompile(`speed=\s*([\d.]+)x`)
	resolutionRe = regexp.MustCompile(`Video:.*?\b(\d{2,5})x(\d{2,5})\b`)
)

// Stats ffmpeg 进度输出中解析出的指标，未出现的字段为 nil
type Stats struct {
	Bitrate    *int     `json:"bitrate,omitempty"` // kbps
	FPS        *float64 `json:"fps,omitempty"`
	Speed      *float64 `json:"speed,omitempty"`
	Resolution string   `json:"resolution,omitempty"`
}

// ParseStats 从一段 ffmpeg 输出中提取码率、帧率、速度与分辨率
func ParseStats(chunk string) Stats {
	var s Stats
	if v, ok := matchFloat(bitrateRe, chunk); ok {
		rounded := int(math.Round(v))
		s.Bitrate = &rounded
	}
	if v, ok := matchFloat(fpsRe, chunk); ok {
		s.FPS = &v
	}
	if v, ok := matchFloat(speedRe, chunk); ok {
		s.Speed = &v
	}
	if m := resolutionRe.FindStringSubmatch(chunk); m != nil {
		s.Resolution = fmt.Sprintf("%sx%s", m[1], m[2])
	}
	return s
}

func matchFloat(re *regexp.Regexp, chunk string) (float64, bool) {
	m := re.FindStringSubmatch(chunk)
	if m == nil {
		return 0, false
	}
	v, err := strconv.ParseFloat(m[1], 64)
	if err != nil || math.IsNaN(v) || math.IsInf(v, 0) {
		return 0, false
	}
	return v, true
}

// Merge 用 newer 中出现的字段覆盖当前值
func (s Stats) Merge(newer Stats) Stats {
	if newer.Bitrate != nil {
		s.Bitrate = newer.Bitrate
	}
	if newer.FPS != nil {
		s.FPS = newer.FPS
	}
	if newer.Speed != nil {
		s.Speed = newer.Speed
	}
	if newer.Resolution != "" {
		s.Resolution = newer.Resolution
	}
	return s
}

func (s Stats) IsEmpty() bool {
	return s.Bitrate == nil && s.FPS == nil && s.Speed == nil && s.Resolution == ""
}
