package services

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"
	"gorm.io/gorm"

	"med-warehouse/models"
	"med-warehouse/scraper"
)

// PipelineStats summarizes one pipeline run for logging and metrics.
type PipelineStats struct {
	Scraped   int
	Loaded    int
	Processed int
	Duration  time.Duration
}

// Pipeline sequences the four batch steps: scrape, load, detect, transform.
// Execution is linear and fail-fast; a failed run is simply retried wholesale
// on the next schedule, relying on idempotent upserts instead of checkpoints.
type Pipeline struct {
	DB          *gorm.DB
	Scraper     *scraper.Fetcher
	Loader      *Loader
	Detector    *Detector
	Transformer *Transformer
	Logger      *zap.Logger
}

// NewPipeline wires the pipeline steps together.
func NewPipeline(db *gorm.DB, fetcher *scraper.Fetcher, loader *Loader, detector *Detector, transformer *Transformer, logger *zap.Logger) *Pipeline {
	return &Pipeline{
		DB:          db,
		Scraper:     fetcher,
		Loader:      loader,
		Detector:    detector,
		Transformer: transformer,
		Logger:      logger,
	}
}

// Channels returns the enabled scrape targets from the registry.
func (p *Pipeline) Channels(ctx context.Context) ([]string, error) {
	var channels []models.Channel
	if err := p.DB.WithContext(ctx).Where("enabled = ?", true).Find(&channels).Error; err != nil {
		return nil, err
	}
	usernames := make([]string, 0, len(channels))
	for _, ch := range channels {
		usernames = append(usernames, ch.Username)
	}
	return usernames, nil
}

// Run executes the full pipeline once.
func (p *Pipeline) Run(ctx context.Context) (PipelineStats, error) {
	start := time.Now()
	var stats PipelineStats

	channels, err := p.Channels(ctx)
	if err != nil {
		return stats, fmt.Errorf("reading channel registry: %w", err)
	}

	p.Logger.Info("Pipeline step: scrape", zap.Strings("channels", channels))
	if stats.Scraped, err = p.Scraper.ScrapeAll(ctx, channels); err != nil {
		return stats, fmt.Errorf("scrape step: %w", err)
	}

	p.Logger.Info("Pipeline step: load")
	if stats.Loaded, err = p.Loader.Run(ctx); err != nil {
		return stats, fmt.Errorf("load step: %w", err)
	}

	p.Logger.Info("Pipeline step: detect")
	if stats.Processed, err = p.Detector.Run(ctx); err != nil {
		return stats, fmt.Errorf("detect step: %w", err)
	}

	p.Logger.Info("Pipeline step: transform")
	if err = p.Transformer.Run(ctx); err != nil {
		return stats, fmt.Errorf("transform step: %w", err)
	}

	stats.Duration = time.Since(start)
	p.Logger.Info("Pipeline run complete",
		zap.Int("scraped", stats.Scraped),
		zap.Int("loaded", stats.Loaded),
		zap.Int("images_processed", stats.Processed),
		zap.Duration("duration", stats.Duration))
	return stats, nil
}
