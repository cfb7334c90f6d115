// One-shot pipeline runner. Runs a single step or the full chain and exits,
// for manual backfills and debugging outside the daily schedule.
package main

import (
	"context"
	"flag"
	"log"

	"go.uber.org/zap"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"med-warehouse/config"
	"med-warehouse/lake"
	"med-warehouse/models"
	"med-warehouse/scraper"
	"med-warehouse/services"
)

func main() {
	step := flag.String("step", "all", "pipeline step to run: scrape|load|detect|transform|all")
	flag.Parse()

	logging, err := zap.NewProduction()
	if err != nil {
		log.Fatalf("can't initialize zap logger: %v", err)
	}
	defer logging.Sync()

	cfg, err := config.Load()
	if err != nil {
		logging.Fatal("Config load error", zap.Error(err))
	}

	db, err := gorm.Open(postgres.Open(cfg.DSN()), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	if err != nil {
		logging.Fatal("Failed to connect to warehouse database", zap.Error(err))
	}
	if err := db.AutoMigrate(&models.RawMessage{}, &models.RawImageDetection{}, &models.Channel{}); err != nil {
		logging.Fatal("Auto-migration failed", zap.Error(err))
	}

	lakeStore := lake.NewStore(cfg.MessagesDir, logging)
	fetcher := scraper.NewFetcher(cfg, lakeStore, logging)
	loader := services.NewLoader(db, lakeStore, logging)
	detector := services.NewDetector(cfg, db, logging)
	transformer := services.NewTransformer(db, logging)
	pipeline := services.NewPipeline(db, fetcher, loader, detector, transformer, logging)

	ctx := context.Background()
	switch *step {
	case "scrape":
		channels, err := pipeline.Channels(ctx)
		if err != nil {
			logging.Fatal("Reading channel registry failed", zap.Error(err))
		}
		if len(channels) == 0 {
			channels = cfg.ChannelList()
		}
		count, err := fetcher.ScrapeAll(ctx, channels)
		if err != nil {
			logging.Fatal("Scrape failed", zap.Error(err))
		}
		logging.Info("Scrape finished", zap.Int("new_messages", count))
	case "load":
		count, err := loader.Run(ctx)
		if err != nil {
			logging.Fatal("Load failed", zap.Error(err))
		}
		logging.Info("Load finished", zap.Int("inserted", count))
	case "detect":
		count, err := detector.Run(ctx)
		if err != nil {
			logging.Fatal("Detection failed", zap.Error(err))
		}
		logging.Info("Detection finished", zap.Int("processed", count))
	case "transform":
		if err := transformer.Run(ctx); err != nil {
			logging.Fatal("Transform failed", zap.Error(err))
		}
		logging.Info("Transform finished")
	case "all":
		stats, err := pipeline.Run(ctx)
		if err != nil {
			logging.Fatal("Pipeline failed", zap.Error(err))
		}
		logging.Info("Pipeline finished",
			zap.Int("scraped", stats.Scraped),
			zap.Int("loaded", stats.Loaded),
			zap.Int("images_processed", stats.Processed))
	default:
		logging.Fatal("Unknown step", zap.String("step", *step))
	}
}
