package main

import (
	"context"
	"flag"
	"os"
	"os/signal"
	"syscall"

	"github.com/pingcap-incubator/tinycatalog/kv/config"
	"github.com/pingcap-incubator/tinycatalog/kv/engine"
	"github.com/pingcap-incubator/tinycatalog/kv/server"
	"github.com/pingcap/log"
	"go.uber.org/zap"
)

var (
	configPath = flag.String("config", "", "config file path")
	dbPath     = flag.String("path", "", "directory of the badger engine")
	statusAddr = flag.String("status", "", "status and metrics address")
	engineName = flag.String("engine", "", "storage engine, badger or memory")
)

func main() {
	flag.Parse()
	conf, warnings := loadConfig()
	if *dbPath != "" {
		conf.DBPath = *dbPath
	}
	if *statusAddr != "" {
		conf.StatusAddr = *statusAddr
	}
	if *engineName != "" {
		conf.Engine = *engineName
	}

	lg, props, err := log.InitLogger(&log.Config{
		Level: conf.LogLevel,
		File:  log.FileLogConfig{Filename: conf.LogFile},
	})
	if err != nil {
		log.Fatal("initialize logger error", zap.Error(err))
	}
	log.ReplaceGlobals(lg, props)
	defer log.Sync()
	for _, msg := range warnings {
		log.Warn(msg)
	}
	log.Info("starting tinycatalog", zap.Stringer("config", conf))

	e, err := engine.Open(conf)
	if err != nil {
		log.Fatal("open engine failed", zap.Error(err))
	}

	ctx, cancel := context.WithCancel(context.Background())
	sc := make(chan os.Signal, 1)
	signal.Notify(sc, syscall.SIGHUP, syscall.SIGINT, syscall.SIGTERM, syscall.SIGQUIT)
	go func() {
		sig := <-sc
		log.Info("got signal to exit", zap.String("signal", sig.String()))
		cancel()
	}()

	if err := server.NewServer(e).Run(ctx, conf.StatusAddr); err != nil {
		log.Error("status server failed", zap.Error(err))
	}
	if err := e.Close(); err != nil {
		log.Fatal("close engine failed", zap.Error(err))
	}
	log.Info("server stopped")
}

func loadConfig() (*config.Config, []string) {
	if *configPath == "" {
		return config.NewDefaultConfig(), nil
	}
	conf, warnings, err := config.LoadFile(*configPath)
	if err != nil {
		log.Fatal("load config failed", zap.Error(err))
	}
	return conf, warnings
}
