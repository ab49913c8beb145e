package main

import (
	"context"
	"flag"
	"log/slog"
	"os"
	"os/signal"

	log "github.com/sirupsen/logrus"
	"golang.org/x/sys/unix"

	"github.com/samsamfire/gometalogger/pkg/charts"
	"github.com/samsamfire/gometalogger/pkg/config"
	"github.com/samsamfire/gometalogger/pkg/masterconn"
	"github.com/samsamfire/gometalogger/pkg/runtime"
)

const defaultConfigPath = "/etc/mfsmetalogger.cfg"

func main() {
	cfgPath := flag.String("c", defaultConfigPath, "configuration file path")
	dataPath := flag.String("d", "", "working directory for replicated metadata (overrides DATA_PATH)")
	verbose := flag.Bool("v", false, "enable debug logging")
	flag.Parse()

	level := slog.LevelInfo
	log.SetLevel(log.InfoLevel)
	if *verbose {
		level = slog.LevelDebug
		log.SetLevel(log.DebugLevel)
	}
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level}))

	cfg, err := config.Load(*cfgPath)
	if err != nil {
		log.Errorf("could not load configuration %v : %v", *cfgPath, err)
		os.Exit(1)
	}
	if *dataPath != "" {
		cfg.DataPath = *dataPath
	}
	if err := os.Chdir(cfg.DataPath); err != nil {
		log.Errorf("could not enter data directory %v : %v", cfg.DataPath, err)
		os.Exit(1)
	}

	loop := runtime.NewLoop(logger)
	conn := masterconn.New(cfg, logger)
	conn.Register(loop)
	stats := charts.New(charts.DefaultFilename, conn.Stats, logger)
	stats.Register(loop)

	if err := conn.InitConnect(); err != nil {
		log.Warnf("initial connection to master failed, retrying every %vs : %v", cfg.ReconnectionDelay, err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, unix.SIGTERM)
	defer stop()
	log.Infof("metalogger started, master %v:%v", cfg.MasterHost, cfg.MasterPort)
	loop.Run(ctx)
	log.Info("metalogger stopped")
}
