package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/jessevdk/go-flags"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/sirupsen/logrus"

	"net/http"

	"github.com/armon/bloomd/internal/config"
	"github.com/armon/bloomd/internal/filtmgr"
	"github.com/armon/bloomd/internal/metrics"
	"github.com/armon/bloomd/internal/server"
)

// Options are the command line flags accepted by the bloomd binary.
type Options struct {
	ConfigFile  string `long:"config" description:"path to a YAML config file" default:""`
	DataDir     string `long:"data-dir" description:"directory holding persisted filters"`
	ListenAddr  string `long:"listen" description:"address the ASCII protocol server listens on"`
	MetricsAddr string `long:"metrics-listen" description:"address the Prometheus /metrics endpoint listens on" default:"0.0.0.0:9191"`
	LogLevel    string `long:"log-level" description:"logrus level (debug, info, warn, error)" default:"info"`
}

func main() {
	log := logrus.WithField("app", "bloomd").Logger

	var opts Options
	if _, err := flags.Parse(&opts); err != nil {
		log.WithError(err).Fatal("failed to parse command line args")
	}

	if level, err := logrus.ParseLevel(opts.LogLevel); err != nil {
		log.WithError(err).Warn("unrecognized log level, keeping default")
	} else {
		log.SetLevel(level)
	}

	cfg, err := config.Load(opts.ConfigFile)
	if err != nil {
		log.WithError(err).Fatal("failed to load configuration")
	}
	if opts.DataDir != "" {
		cfg.DataDir = opts.DataDir
	}
	if opts.ListenAddr != "" {
		cfg.ListenAddr = opts.ListenAddr
	}

	reg := prometheus.NewRegistry()
	m := metrics.New(reg)

	mgr, err := filtmgr.New(cfg, log, m)
	if err != nil {
		log.WithError(err).Fatal("failed to initialize filter manager")
	}

	srv := server.New(cfg.ListenAddr, mgr, log, cfg.FilterDefaults())

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	metricsSrv := &http.Server{
		Addr:    opts.MetricsAddr,
		Handler: promhttp.HandlerFor(reg, promhttp.HandlerOpts{}),
	}
	go func() {
		log.WithField("addr", opts.MetricsAddr).Info("serving metrics")
		if err := metricsSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.WithError(err).Warn("metrics server exited")
		}
	}()

	serveErrCh := make(chan error, 1)
	go func() {
		serveErrCh <- srv.ListenAndServe(ctx)
	}()

	select {
	case <-ctx.Done():
		log.Info("shutdown signal received")
	case err := <-serveErrCh:
		if err != nil {
			log.WithError(err).Error("protocol server exited unexpectedly")
		}
		stop()
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	_ = metricsSrv.Shutdown(shutdownCtx)

	if err := mgr.Shutdown(shutdownCtx); err != nil {
		log.WithError(err).Error("filter manager shutdown did not complete cleanly")
		os.Exit(1)
	}

	log.Info("shutdown complete")
}
