// Package lake reads and writes the raw data lake: one JSON file per channel
// per calendar day under telegram_messages/YYYY-MM-DD/, plus downloaded images
// under images/{channel}/{message_id}.jpg.
package lake

import (
	"encoding/json"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"time"

	"go.uber.org/zap"
)

// MessageRecord is the on-disk shape of a scraped message. The field names are
// the contract between scraper, loader and any external consumer of the lake.
type MessageRecord struct {
	MessageID    int64   `json:"message_id"`
	ChannelName  string  `json:"channel_name"`
	MessageDate  string  `json:"message_date"` // RFC 3339
	MessageText  string  `json:"message_text"`
	HasMedia     bool    `json:"has_media"`
	ImagePath    *string `json:"image_path"`
	Views        *int    `json:"views"`
	Forwards     *int    `json:"forwards"`
	IsReply      bool    `json:"is_reply"`
	ReplyToMsgID *int64  `json:"reply_to_msg_id"`
	ScrapedAt    string  `json:"scraped_at"`
}

// Date returns the parsed message date, or the zero time when missing/invalid.
func (r *MessageRecord) Date() time.Time {
	if r.MessageDate == "" {
		return time.Time{}
	}
	t, err := time.Parse(time.RFC3339, r.MessageDate)
	if err != nil {
		return time.Time{}
	}
	return t
}

// Store provides access to the partitioned message tree of the data lake.
type Store struct {
	MessagesDir string
	Logger      *zap.Logger
}

// NewStore creates a Store rooted at the given messages directory.
func NewStore(messagesDir string, logger *zap.Logger) *Store {
	return &Store{MessagesDir: messagesDir, Logger: logger}
}

// partitionPath returns the JSON file for a channel on a given day.
func (s *Store) partitionPath(date, channel string) string {
	safe := strings.NewReplacer(" ", "_", "/", "_").Replace(channel)
	return filepath.Join(s.MessagesDir, date, safe+".json")
}

// Write merges records into their date partitions. Records already present in
// a partition (same message_id) are kept as-is, so re-scrapes never duplicate.
// Returns the number of newly written records.
func (s *Store) Write(channel string, records []MessageRecord) (int, error) {
	byDate := make(map[string][]MessageRecord)
	for _, rec := range records {
		d := rec.Date()
		if d.IsZero() {
			continue
		}
		key := d.UTC().Format("2006-01-02")
		byDate[key] = append(byDate[key], rec)
	}

	written := 0
	for date, recs := range byDate {
		n, err := s.mergePartition(s.partitionPath(date, channel), recs)
		if err != nil {
			return written, err
		}
		written += n
	}
	return written, nil
}

func (s *Store) mergePartition(path string, records []MessageRecord) (int, error) {
	var existing []MessageRecord
	if data, err := os.ReadFile(path); err == nil {
		if err := json.Unmarshal(data, &existing); err != nil {
			s.Logger.Warn("Could not parse existing partition, rewriting it",
				zap.String("file", path), zap.Error(err))
			existing = nil
		}
	}

	seen := make(map[int64]struct{}, len(existing))
	for _, rec := range existing {
		seen[rec.MessageID] = struct{}{}
	}

	added := 0
	for _, rec := range records {
		if _, ok := seen[rec.MessageID]; ok {
			continue
		}
		seen[rec.MessageID] = struct{}{}
		existing = append(existing, rec)
		added++
	}
	if added == 0 {
		return 0, nil
	}

	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return 0, err
	}
	data, err := json.MarshalIndent(existing, "", "  ")
	if err != nil {
		return 0, err
	}
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return 0, fmt.Errorf("writing partition %s: %w", path, err)
	}
	return added, nil
}

// ReadAll walks the message tree and returns every record found. Malformed
// JSON files are skipped with a warning, never fatal to the batch.
func (s *Store) ReadAll() ([]MessageRecord, error) {
	if _, err := os.Stat(s.MessagesDir); os.IsNotExist(err) {
		s.Logger.Warn("Data lake directory does not exist yet",
			zap.String("dir", s.MessagesDir))
		return nil, nil
	}

	var records []MessageRecord
	files := 0

	err := filepath.WalkDir(s.MessagesDir, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() || !strings.HasSuffix(d.Name(), ".json") {
			return nil
		}
		files++

		data, err := os.ReadFile(path)
		if err != nil {
			s.Logger.Warn("Could not read lake file", zap.String("file", path), zap.Error(err))
			return nil
		}

		var batch []MessageRecord
		if err := json.Unmarshal(data, &batch); err != nil {
			// Single-object files occur when a partition was written by hand.
			var single MessageRecord
			if err2 := json.Unmarshal(data, &single); err2 != nil {
				s.Logger.Warn("Skipping malformed lake file", zap.String("file", path), zap.Error(err))
				return nil
			}
			batch = []MessageRecord{single}
		}
		records = append(records, batch...)
		return nil
	})
	if err != nil {
		return nil, err
	}

	s.Logger.Info("Read data lake partitions",
		zap.Int("files", files), zap.Int("records", len(records)))
	return records, nil
}
