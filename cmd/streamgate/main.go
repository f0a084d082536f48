package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"streamgate/internal/config"
	"streamgate/internal/logger"
	"streamgate/internal/sandbox"
	"streamgate/internal/sandbox/cdphost"
	"streamgate/internal/sandbox/rodhost"
	"streamgate/internal/server"
	"streamgate/internal/service"
	"streamgate/internal/storage"
	"streamgate/pkg/api"
	"streamgate/pkg/model"
)

func main() {
	configPath := flag.String("config", "", "path to streamgate.yaml (optional)")
	flag.Parse()

	if err := run(*configPath); err != nil {
		fmt.Fprintln(os.Stderr, "streamgate:", err)
		os.Exit(1)
	}
}

func run(configPath string) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}

	log := logger.New(logger.Options{
		Level:   cfg.Log.Level,
		Writers: cfg.Log.Writer,
		File: logger.FileOptions{
			Path:       cfg.Log.File.Path,
			MaxSizeMB:  cfg.Log.File.MaxSizeMB,
			MaxBackups: cfg.Log.File.MaxBackups,
			MaxAgeDays: cfg.Log.File.MaxAgeDays,
			Compress:   cfg.Log.File.Compress,
		},
	})
	log.Info("启动 streamgate", "version", cfg.Version, "driver", cfg.Sandbox.Driver)

	db, err := storage.Open(storage.Options{
		DSN:    cfg.Sqlite.Dsn,
		Prefix: cfg.Sqlite.Prefix,
		Debug:  cfg.Log.Level == "debug",
	}, log)
	if err != nil {
		return err
	}
	if sqlDB, err := db.DB(); err == nil {
		defer sqlDB.Close()
	}

	svc, err := api.NewService(service.Deps{
		Config:  cfg,
		Host:    newHost(cfg, log),
		History: storage.NewHistory(db),
		Logger:  log,
		OnDirect: func(id model.SessionID, mediaURL string) {
			log.Info("播放器可直连媒体地址", "sessionID", string(id), "url", mediaURL)
		},
	})
	if err != nil {
		return err
	}

	srv := server.New(cfg.Server.Addr, svc, log)
	errCh := make(chan error, 1)
	go func() { errCh <- srv.ListenAndServe() }()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	select {
	case err = <-errCh:
	case <-ctx.Done():
		log.Info("收到退出信号，开始关闭")
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if serr := srv.Shutdown(shutdownCtx); serr != nil && !errors.Is(serr, context.DeadlineExceeded) {
		log.Err(serr, "HTTP 服务关闭失败")
	}
	if cerr := svc.Close(); cerr != nil {
		log.Err(cerr, "关闭沙箱宿主失败")
	}
	log.Info("streamgate 已退出")
	return err
}

func newHost(cfg *config.Config, log logger.Logger) sandbox.Host {
	if cfg.Sandbox.Driver == config.DriverRod {
		return rodhost.New(rodhost.Options{
			ControlURL: cfg.Sandbox.DevToolsURL,
			Headless:   cfg.Sandbox.Headless,
			Stealth:    cfg.Sandbox.Stealth,
			Logger:     log,
		})
	}
	return cdphost.New(cdphost.Options{
		DevToolsURL:      cfg.Sandbox.DevToolsURL,
		Concurrency:      cfg.Sandbox.Concurrency,
		ProcessTimeoutMS: cfg.Sandbox.ProcessTimeoutMS,
		Logger:           log,
	})
}
