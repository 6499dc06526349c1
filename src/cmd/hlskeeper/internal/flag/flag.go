package flag

import (
	"os"
	"strings"

	"github.com/alecthomas/kingpin"
	"github.com/joho/godotenv"

	"github.com/hlskeeper/hlskeeper/src/configs"
	"github.com/hlskeeper/hlskeeper/src/consts"
)

var (
	app = kingpin.New(strings.ToLower(consts.AppName), "Supervise ffmpeg processes that repackage RTSP cameras into HLS.")

	Conf        = app.Flag("config", "Config file.").Short('c').String()
	Debug       = app.Flag("debug", "Enable debug mode.").Default("false").Bool()
	Bind        = app.Flag("bind", "Address of the http api, for example :5000.").Envar("HLSKEEPER_BIND").String()
	StreamsPath = app.Flag("streams-path", "Directory holding the HLS output of every stream.").Default("./streams").String()
	FfmpegPath  = app.Flag("ffmpeg-path", "Path of the ffmpeg binary.").Default("ffmpeg").String()
)

func init() {
	// .env 需要在解析之前加载，Envar 才能读到其中的值
	_ = godotenv.Load()
	app.Version(consts.AppVersion)
	app.HelpFlag.Short('h')
	kingpin.MustParse(app.Parse(os.Args[1:]))
}

// GenConfigFromFlags 未指定配置文件时由命令行参数生成配置
func GenConfigFromFlags() *configs.Config {
	config := configs.NewConfig()
	config.Debug = *Debug
	config.StreamsPath = *StreamsPath
	config.AppDataPath = configs.DefaultAppDataPath(*StreamsPath)
	config.FfmpegPath = *FfmpegPath
	config.RPC.Bind = bindAddress()
	return config
}

// bindAddress 优先级: --bind / HLSKEEPER_BIND > PORT > 默认值
func bindAddress() string {
	if *Bind != "" {
		return *Bind
	}
	if port := strings.TrimSpace(os.Getenv("PORT")); port != "" {
		return ":" + port
	}
	return configs.NewConfig().RPC.Bind
}
