package main

import (
	"context"
	"errors"
	"flag"
	"os"
	"os/signal"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/joho/godotenv"

	"venuesync/config"
	"venuesync/internal/cache"
	"venuesync/internal/dashboard"
	"venuesync/internal/feed"
	"venuesync/internal/metrics"
	"venuesync/internal/rest"
	"venuesync/internal/session"
	"venuesync/internal/store"
	"venuesync/logger"
)

func main() {
	log := logger.GetLogger()

	// Load environment variables from .env if present
	if err := godotenv.Load(); err != nil && !os.IsNotExist(err) {
		log.WithError(err).Warn("Error loading .env file")
	}

	configPath := flag.String("config", "config/config.yml", "Path to configuration file")
	flag.Parse()

	cfg, err := config.LoadConfig(config.ResolvePath(*configPath))
	if err != nil {
		log.WithError(err).Error("Failed to load configuration")
		os.Exit(1)
	}

	if err := log.Configure(cfg.Logging.Level, cfg.Logging.Format, cfg.Logging.Output, cfg.Logging.MaxAge); err != nil {
		log.WithError(err).Error("Failed to configure logger")
		os.Exit(1)
	}

	log.WithFields(logger.Fields{
		"service":     cfg.Venuesync.Name,
		"version":     cfg.Venuesync.Version,
		"environment": config.AppEnvironment(),
	}).Info("starting venuesync")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if strings.ToLower(cfg.Logging.Level) == "report" {
		logger.StartReport(ctx, log, cfg.Logging.ReportInterval)
	}

	var wg sync.WaitGroup

	var cwSink *metrics.CloudWatchSink
	if cfg.Metrics.CloudWatch.Enabled {
		cwSink, err = metrics.InitCloudWatch(ctx, cfg.Metrics.CloudWatch)
		if err != nil {
			log.WithError(err).Warn("CloudWatch metrics disabled")
		}
	}

	if cfg.Metrics.Prometheus.Enabled {
		promSink := metrics.NewPrometheusSink()
		promSink.Register()
		defer promSink.Unregister()

		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := promSink.Serve(ctx, cfg.Metrics.Prometheus.Address); err != nil {
				log.WithError(err).Warn("prometheus endpoint stopped")
			}
		}()
	}

	client := rest.New(cfg.Endpoints.RESTURL, rest.OptionsFromConfig(cfg))
	if status, err := client.Health(ctx); err != nil {
		log.WithError(err).Warn("REST health check failed, continuing")
	} else {
		log.WithField("message", status.Message).Info("REST endpoint healthy")
	}

	meta := cache.New()
	sess := session.New(session.OptionsFromConfig(cfg))
	st := store.New(store.OptionsFromConfig(cfg), meta, sess, client)

	wg.Add(1)
	go func() {
		defer wg.Done()
		if err := st.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
			log.WithError(err).Error("store stopped unexpectedly")
		}
	}()

	dash, err := dashboard.NewServer(cfg.Dashboard, log, st, sess)
	if err != nil {
		log.WithError(err).Warn("dashboard disabled")
	}
	if dash != nil {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := dash.Run(ctx); err != nil {
				log.WithError(err).Warn("dashboard stopped")
			}
		}()
	}

	publisher, err := feed.NewPublisher(cfg.Feed, st)
	if err != nil {
		log.WithError(err).Warn("kafka feed disabled")
	}
	if publisher != nil {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := publisher.Run(ctx); err != nil {
				log.WithError(err).Warn("kafka feed stopped")
			}
		}()
	}

	if err := sess.Start(ctx); err != nil {
		log.WithError(err).Error("failed to start session")
		os.Exit(1)
	}

	if err := st.LoadMetadata(); err != nil {
		log.WithError(err).Error("failed to request metadata")
	}
	if cfg.Store.UserAddress != "" {
		if err := st.SetUser(cfg.Store.UserAddress); err != nil {
			log.WithError(err).Error("failed to set user")
		}
	}
	if cfg.Store.DefaultMarket != "" {
		if err := st.SelectMarket(cfg.Store.DefaultMarket); err != nil {
			log.WithError(err).Error("failed to select default market")
		}
	}

	log.Info("all components started successfully")

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	sig := <-sigChan
	log.WithFields(logger.Fields{"signal": sig.String()}).Info("shutdown signal received")

	log.Info("starting graceful shutdown")
	st.Close()
	if err := sess.Close(); err != nil {
		log.WithError(err).Warn("session close failed")
	}
	cancel()

	done := make(chan struct{})
	go func() {
		wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		log.Info("all components stopped")
	case <-time.After(30 * time.Second):
		log.Warn("timeout waiting for components to stop")
	}

	if cwSink != nil {
		log.Info("flushing CloudWatch metrics")
		cwSink.Close()
	}

	stats := meta.Stats()
	log.WithFields(logger.Fields{
		"tokens":  stats.Tokens,
		"markets": stats.Markets,
	}).Info("shutdown complete")
}
