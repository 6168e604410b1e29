package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	log "github.com/sirupsen/logrus"

	"github.com/vladislavdragonenkov/adslots/internal/app"
	"github.com/vladislavdragonenkov/adslots/internal/version"
)

func main() {
	showVersion := flag.Bool("version", false, "print build information and exit")
	flag.Parse()

	build := version.Current()
	if *showVersion {
		fmt.Printf("%s %s (commit %s, built %s, %s)\n", version.Service, build.Short(), build.Commit, build.Date, build.GoVersion)
		return
	}

	cfg, err := app.LoadConfig()
	if err != nil {
		log.WithError(err).Fatal("некорректная конфигурация")
	}
	app.SetupLogging(cfg)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	log.WithFields(build.Fields()).WithFields(log.Fields{
		"storage":   cfg.StorageDriver,
		"ttl_state": ttlBackend(cfg),
		"notifier":  cfg.Notifier,
		"grpc":      cfg.GRPCAddr,
		"http":      cfg.HTTPAddr,
		"metrics":   cfg.MetricsAddr,
	}).Info("запускаем adslots")

	if err := app.Run(ctx, cfg); err != nil && !errors.Is(err, context.Canceled) {
		log.WithError(err).Fatal("приложение завершилось с ошибкой")
	}
	log.Info("adslots остановлен")
}

func ttlBackend(cfg app.Config) string {
	if cfg.RedisAddr == "" {
		return "memory"
	}
	return "redis"
}
