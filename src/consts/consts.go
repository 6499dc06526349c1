package consts

import (
	"fmt"
	"os"
	"runtime"
)

const (
	AppName = "HLSKeeper"
)

const (
	// ManifestName 每个流目录下 ffmpeg 持续改写的播放列表文件名
	ManifestName = "stream.m3u8"
	// SegmentPattern ffmpeg 分段文件命名模式
	SegmentPattern = "segment_%03d.ts"
)

type Info struct {
	AppName    string `json:"app_name"`
	AppVersion string `json:"app_version"`
	BuildTime  string `json:"build_time"`
	GitHash    string `json:"git_hash"`
	Pid        int    `json:"pid"`
	Platform   string `json:"platform"`
	GoVersion  string `json:"go_version"`
	IsDocker   string `json:"is_docker"`
}

var (
	BuildTime  string
	AppVersion string
	GitHash    string
)

// GetAppInfo 返回应用信息
// AppVersion 等字段通过 -ldflags 在链接阶段注入，必须在运行时读取
func GetAppInfo() Info {
	return Info{
		AppName:    AppName,
		AppVersion: AppVersion,
		BuildTime:  BuildTime,
		GitHash:    GitHash,
		Pid:        os.Getpid(),
		Platform:   fmt.Sprintf("%s/%s", runtime.GOOS, runtime.GOARCH),
		GoVersion:  runtime.Version(),
		IsDocker:   os.Getenv("IS_DOCKER"),
	}
}
