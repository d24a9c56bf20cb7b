package main

import (
	"context"
	"flag"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/joho/godotenv"

	"tickflow/config"
	"tickflow/internal/channel"
	"tickflow/internal/predict"
	"tickflow/limiter"
	"tickflow/logger"
	"tickflow/models"
	"tickflow/processor"
	"tickflow/reader/finnhub"
	"tickflow/router"
	"tickflow/writer"
)

func main() {
	log := logger.GetLogger()

	// Load environment variables from .env if present
	if err := godotenv.Load(); err != nil && !os.IsNotExist(err) {
		log.WithError(err).Warn("Error loading .env file")
	}

	configPath := flag.String("config", "config/config.yml", "Path to configuration file")
	flag.Parse()

	cfg, err := config.LoadConfig(*configPath)
	if err != nil {
		log.WithError(err).Error("Failed to load configuration")
		os.Exit(1)
	}

	if err := log.Configure(cfg.Logging.Level, cfg.Logging.Format, cfg.Logging.Output, cfg.Logging.MaxAge); err != nil {
		log.WithError(err).Error("Failed to configure logger")
		os.Exit(1)
	}

	log.WithFields(logger.Fields{
		"service": cfg.Tickflow.Name,
		"version": cfg.Tickflow.Version,
	}).Info("starting tickflow")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if cfg.Storage.S3.Enabled {
		logger.InitCloudWatch(cfg.Storage.S3.Region, cfg.Logging.DashboardName)
	}
	if strings.ToLower(cfg.Logging.Level) == "report" {
		logger.StartReport(ctx, log, 30*time.Second)
	}

	channels := channel.NewChannels(cfg.Channels.RawBuffer, cfg.Channels.NormBuffer)
	defer channels.Close()

	go channels.StartMetricsReporting(ctx)

	lim := limiter.New(cfg.Limiter.MinInterval, cfg.Limiter.QueueSize, cfg.Limiter.WriteTimeout)
	if err := lim.Start(ctx); err != nil {
		log.WithError(err).Error("failed to start limiter")
		os.Exit(1)
	}

	var sinks map[models.SymbolClass]router.Sink
	if cfg.Storage.S3.Enabled {
		sinks, err = writer.NewS3Sinks(cfg)
		if err != nil {
			log.WithError(err).Error("failed to create S3 sinks")
			os.Exit(1)
		}
	} else {
		log.WithComponent("main").Info("S3 storage disabled; using log sinks")
		sinks = writer.NewLogSinks()
	}

	var archiveWriter *writer.ArchiveWriter
	if cfg.Storage.Archive.Enabled {
		archiveWriter, err = writer.NewArchiveWriter(cfg, channels.Norm)
		if err != nil {
			log.WithError(err).Error("failed to create archive writer")
			os.Exit(1)
		}
	}

	normalizer, err := processor.NewNormalizer()
	if err != nil {
		log.WithError(err).Error("failed to create normalizer")
		os.Exit(1)
	}

	tickRouter := router.New(lim, sinks)
	pipeline := processor.NewPipeline(normalizer, channels, tickRouter, cfg.Storage.Archive.Enabled)
	if err := pipeline.Start(ctx); err != nil {
		log.WithError(err).Error("failed to start pipeline")
		os.Exit(1)
	}

	if archiveWriter != nil {
		if err := archiveWriter.Start(ctx); err != nil {
			log.WithError(err).Error("failed to start archive writer")
			os.Exit(1)
		}
	}

	session := finnhub.NewReader(cfg, channels)
	if err := session.Start(ctx); err != nil {
		log.WithError(err).Warn("session failed to start")
		if !cfg.Session.Supervise {
			os.Exit(1)
		}
	}

	if cfg.Session.Supervise {
		go session.Supervise(ctx)
	}

	predictServer := predict.NewServer(cfg.Predict, log)
	if predictServer != nil {
		go func() {
			if err := predictServer.Run(ctx); err != nil {
				log.WithError(err).Error("predict proxy failed")
			}
		}()
	}

	log.Info("all components started successfully")

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	sig := <-sigChan
	log.WithFields(logger.Fields{"signal": sig.String()}).Info("shutdown signal received")

	log.Info("starting graceful shutdown")
	cancel()

	log.Info("stopping session manager")
	session.Stop()

	log.Info("stopping pipeline")
	pipeline.Stop()

	if archiveWriter != nil {
		log.Info("stopping archive writer")
		archiveWriter.Stop()
	}

	log.Info("stopping limiter")
	lim.Stop()

	log.Info("tickflow stopped")
}
