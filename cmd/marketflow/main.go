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

	"marketflow/archive"
	appconfig "marketflow/config"
	"marketflow/dashboard"
	"marketflow/logger"
	"marketflow/models"
	"marketflow/questdb"
	"marketflow/reader/binance"
	"marketflow/reader/coinbase"
)

func main() {
	log := logger.GetLogger()

	// Load environment variables from .env if present
	if err := godotenv.Load(); err != nil && !os.IsNotExist(err) {
		log.WithError(err).Warn("Error loading .env file")
	}

	configPath := flag.String("config", "config/config.yml", "Path to configuration file")
	flag.Parse()

	cfg, err := appconfig.LoadConfig(*configPath)
	if err != nil {
		log.WithError(err).Error("Failed to load configuration")
		os.Exit(1)
	}

	if err := log.Configure(cfg.Logging.Level, cfg.Logging.Format, cfg.Logging.Output, cfg.Logging.MaxAge); err != nil {
		log.WithError(err).Error("Failed to configure logger")
		os.Exit(1)
	}

	log.WithFields(logger.Fields{
		"service": cfg.Marketflow.Name,
		"version": cfg.Marketflow.Version,
	}).Info("starting marketflow")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if cfg.Logging.CloudWatch {
		logger.InitCloudWatch(cfg.Archive.S3.Region, "MarketFlow")
	}
	if strings.ToLower(cfg.Logging.Level) == "report" {
		logger.StartReport(ctx, log, 30*time.Second)
	}

	session := questdb.NewSession(cfg.QuestDB)
	router := questdb.NewRouter(session)

	if err := questdb.WaitForReady(ctx, session); err != nil {
		log.WithError(err).Error("questdb did not become ready")
		os.Exit(1)
	}
	if err := questdb.EnsureTables(ctx, session); err != nil {
		log.WithError(err).Error("failed to initialize questdb schema")
		os.Exit(1)
	}

	var writer questdb.Writer
	var queued *questdb.QueuedWriter
	var archiveWriter *archive.Writer
	var mirror chan models.TradeBatch

	switch cfg.Writer.Mode {
	case "queued":
		queued = questdb.NewQueuedWriter(cfg.Writer, router)

		if cfg.Archive.Enabled {
			mirror = make(chan models.TradeBatch, cfg.Archive.Buffer)
			queued.SetMirror(mirror)

			archiveWriter, err = archive.NewWriter(cfg.Archive, cfg.Marketflow.Version, mirror)
			if err != nil {
				log.WithError(err).Error("failed to create archive writer")
				os.Exit(1)
			}
		}

		if err := queued.Start(ctx); err != nil {
			log.WithError(err).Error("failed to start queued writer")
			os.Exit(1)
		}
		writer = queued
	default:
		writer = questdb.NewSimpleWriter(router, cfg.Writer.MaxDepth)
		if cfg.Archive.Enabled {
			log.WithComponent("main").Warn("archive requires the queued writer, skipping")
		}
	}

	if archiveWriter != nil {
		if err := archiveWriter.Start(ctx); err != nil {
			log.WithError(err).Error("failed to start archive writer")
			os.Exit(1)
		}
	}

	var binanceReader *binance.Reader
	if cfg.Source.Binance.Enabled {
		binanceReader = binance.NewReader(cfg.Source.Binance, writer)
		if err := binanceReader.Start(ctx); err != nil {
			log.WithError(err).Warn("binance reader failed to start")
		}
	}

	var coinbaseReader *coinbase.Reader
	if cfg.Source.Coinbase.Enabled {
		coinbaseReader = coinbase.NewReader(cfg.Source.Coinbase, writer)
		if err := coinbaseReader.Start(ctx); err != nil {
			log.WithError(err).Warn("coinbase reader failed to start")
		}
	}

	dash := dashboard.NewServer(cfg.Dashboard, cfg.Marketflow.Name)
	if dash != nil {
		if queued != nil {
			dash.RegisterStats("queued", queued)
		}
		dash.SetConnectedProbe(session.Connected)
		go func() {
			if err := dash.Run(ctx); err != nil {
				log.WithError(err).Warn("dashboard server failed")
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

	// Producers stop first so the writer can drain a quiescent queue.
	if binanceReader != nil {
		log.Info("stopping binance reader")
		binanceReader.Stop()
	}
	if coinbaseReader != nil {
		log.Info("stopping coinbase reader")
		coinbaseReader.Stop()
	}

	if queued != nil {
		log.Info("stopping queued writer")
		queued.Stop()
	}

	if archiveWriter != nil {
		log.Info("stopping archive writer")
		archiveWriter.Stop()
	}

	if err := router.Close(); err != nil {
		log.WithError(err).Warn("failed to close questdb session")
	}

	log.Info("marketflow stopped")
}
