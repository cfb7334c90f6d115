package services

import (
	"context"
	"time"

	"go.uber.org/zap"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"med-warehouse/lake"
	"med-warehouse/models"
)

// Loader moves records from the data lake into the raw warehouse table.
// Loading is idempotent: the (message_id, channel_name) unique index plus
// ON CONFLICT DO NOTHING makes reruns on the same files a no-op.
type Loader struct {
	DB     *gorm.DB
	Lake   *lake.Store
	Logger *zap.Logger
}

// NewLoader creates a new raw loader.
func NewLoader(db *gorm.DB, store *lake.Store, logger *zap.Logger) *Loader {
	return &Loader{DB: db, Lake: store, Logger: logger}
}

// Run reads every lake partition and inserts new rows into
// raw_telegram_messages. Returns the number of newly inserted rows.
func (l *Loader) Run(ctx context.Context) (int, error) {
	records, err := l.Lake.ReadAll()
	if err != nil {
		return 0, err
	}
	if len(records) == 0 {
		l.Logger.Warn("No messages found in the data lake")
		return 0, nil
	}

	rows := make([]models.RawMessage, 0, len(records))
	skipped := 0
	for _, rec := range records {
		if rec.MessageID == 0 {
			skipped++
			continue
		}
		rows = append(rows, mapRecord(rec))
	}
	if skipped > 0 {
		l.Logger.Warn("Skipped records without message id", zap.Int("count", skipped))
	}

	res := l.DB.WithContext(ctx).
		Clauses(clause.OnConflict{DoNothing: true}).
		CreateInBatches(rows, 500)
	if res.Error != nil {
		return 0, res.Error
	}
	inserted := int(res.RowsAffected)

	l.logStats(ctx, inserted)
	return inserted, nil
}

// mapRecord converts a lake record to a raw table row. Missing optional
// fields collapse to their zero values.
func mapRecord(rec lake.MessageRecord) models.RawMessage {
	row := models.RawMessage{
		MessageID:   rec.MessageID,
		ChannelName: rec.ChannelName,
		MessageDate: rec.Date(),
		MessageText: rec.MessageText,
		HasMedia:    rec.HasMedia,
		IsReply:     rec.IsReply,
	}
	if rec.ImagePath != nil {
		row.ImagePath = *rec.ImagePath
	}
	if rec.Views != nil {
		row.Views = *rec.Views
	}
	if rec.Forwards != nil {
		row.Forwards = *rec.Forwards
	}
	if rec.ReplyToMsgID != nil {
		row.ReplyToMsgID = *rec.ReplyToMsgID
	}
	if t, err := time.Parse(time.RFC3339, rec.ScrapedAt); err == nil {
		row.ScrapedAt = t
	}
	return row
}

func (l *Loader) logStats(ctx context.Context, inserted int) {
	var stats struct {
		TotalMessages  int64
		UniqueChannels int64
		EarliestDate   *time.Time
		LatestDate     *time.Time
	}
	err := l.DB.WithContext(ctx).Raw(`
		SELECT COUNT(*)                     AS total_messages,
		       COUNT(DISTINCT channel_name) AS unique_channels,
		       MIN(message_date)            AS earliest_date,
		       MAX(message_date)            AS latest_date
		FROM raw_telegram_messages`).Scan(&stats).Error
	if err != nil {
		l.Logger.Warn("Could not read raw table stats", zap.Error(err))
		return
	}
	l.Logger.Info("Raw load complete",
		zap.Int("inserted", inserted),
		zap.Int64("total_messages", stats.TotalMessages),
		zap.Int64("unique_channels", stats.UniqueChannels),
		zap.Timep("earliest_date", stats.EarliestDate),
		zap.Timep("latest_date", stats.LatestDate))
}
