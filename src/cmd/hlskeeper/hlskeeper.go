package main

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/bluele/gcache"

	"github.com/hlskeeper/hlskeeper/src/cmd/hlskeeper/internal/flag"
	"github.com/hlskeeper/hlskeeper/src/configs"
	"github.com/hlskeeper/hlskeeper/src/consts"
	"github.com/hlskeeper/hlskeeper/src/instance"
	"github.com/hlskeeper/hlskeeper/src/log"
	"github.com/hlskeeper/hlskeeper/src/notify"
	"github.com/hlskeeper/hlskeeper/src/pkg/hlsdir"
	"github.com/hlskeeper/hlskeeper/src/pkg/memstats"
	hksentry "github.com/hlskeeper/hlskeeper/src/pkg/sentry"
	"github.com/hlskeeper/hlskeeper/src/pkg/streamlogger"
	"github.com/hlskeeper/hlskeeper/src/pkg/transcoder"
	"github.com/hlskeeper/hlskeeper/src/servers"
	"github.com/hlskeeper/hlskeeper/src/streamstore"
	"github.com/hlskeeper/hlskeeper/src/supervisor"
)

var (
	// SentryDSN 编译时注入: -ldflags="-X main.SentryDSN=your_dsn"，或设置环境变量 SENTRY_DSN
	SentryDSN = ""
	SentryEnv = "production"
)

func getConfig() (*configs.Config, error) {
	var config *configs.Config
	if *flag.Conf != "" {
		c, err := configs.NewConfigWithFile(*flag.Conf)
		if err != nil {
			return nil, err
		}
		config = c
	} else {
		config = flag.GenConfigFromFlags()
	}
	return config, config.Verify()
}

func initSentry(config *configs.Config, meta hksentry.MetaStore) {
	dsn := SentryDSN
	if dsn == "" {
		dsn = os.Getenv("SENTRY_DSN")
	}
	if config.Sentry.DSN != "" {
		dsn = config.Sentry.DSN
	}
	if !config.Sentry.Enable || dsn == "" {
		return
	}
	environment := SentryEnv
	if config.Sentry.Environment != "" {
		environment = config.Sentry.Environment
	}
	if config.Debug {
		environment = "development"
	}
	if err := hksentry.Init(dsn, environment, consts.AppVersion, meta); err != nil {
		fmt.Fprintf(os.Stderr, "警告: Sentry 初始化失败: %v\n", err)
	}
}

func main() {
	defer hksentry.Flush(2 * time.Second)
	defer hksentry.Recover()

	config, err := getConfig()
	if err != nil {
		fmt.Fprint(os.Stderr, err.Error())
		os.Exit(1)
	}
	configs.SetCurrentConfig(config)

	inst := new(instance.Instance)
	inst.Cache = gcache.New(1024).LRU().Build()

	rootCtx, rootCancel := context.WithCancel(context.Background())
	defer rootCancel()
	ctx := instance.WithInstance(rootCtx, inst)

	logger, err := log.New(ctx)
	if err != nil {
		fmt.Fprint(os.Stderr, err.Error())
		os.Exit(1)
	}
	logger.Infof("%s Version: %s Link Start", consts.AppName, consts.AppVersion)
	if config.File != "" {
		logger.Debugf("config path: %s.", config.File)
	} else {
		logger.Debugf("flag: %s used.", os.Args)
	}
	logger.Debugf("%+v", consts.GetAppInfo())

	store, err := streamstore.NewSQLiteStore(filepath.Join(config.AppDataPath, "db", "hlskeeper.db"))
	if err != nil {
		logger.WithError(err).Fatal("初始化数据库失败")
	}
	defer store.Close()
	inst.Store = store

	initSentry(config, store)

	dirs, err := hlsdir.NewPreparer(config.StreamsPath, config.Supervisor.DirNameTmpl)
	if err != nil {
		logger.WithError(err).Fatal("初始化输出目录失败")
	}
	launcher := transcoder.NewLauncher(config.FfmpegPath)
	if _, err := exec.LookPath(launcher.FFmpegPath()); err != nil {
		logger.WithError(err).Warnf("未找到 ffmpeg (%s)，流将无法启动", launcher.FFmpegPath())
	}

	sup := supervisor.NewManager(ctx, supervisor.Deps{
		Store:    store,
		Dirs:     dirs,
		Launcher: launcher,
		Prober:   memstats.NewProber(),
		Notifier: notify.New(),
		Loggers:  streamlogger.NewRegistry(streamlogger.DefaultBufferSize),
	}, supervisor.OptionsFromConfig(config.Supervisor))
	if err = sup.Start(ctx); err != nil {
		logger.Fatalf("failed to init supervisor, error: %s", err)
	}

	if config.RPC.Enable {
		if err = servers.NewServer(ctx).Start(ctx); err != nil {
			logger.WithError(err).Fatalf("failed to init server")
		}
	}

	c := make(chan os.Signal, 1)
	signal.Notify(c, os.Interrupt, syscall.SIGTERM)
	hksentry.Go(func() {
		<-c
		logger.Info("Received shutdown signal, closing...")
		rootCancel()
		if config.RPC.Enable {
			inst.Server.Close(ctx)
		}
		// 进程不能比服务活得更久
		sup.Close(ctx)
		logger.Info("Shutdown complete")
	})

	inst.WaitGroup.Wait()
	logger.Info("Bye~")
}
