// Package scraper collects messages and photos from public Telegram channels
// and lands them in the raw data lake. Protocol handling, session management
// and transport retries are delegated to the gotd MTProto client.
package scraper

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/gotd/td/session"
	"github.com/gotd/td/telegram"
	"github.com/gotd/td/telegram/auth"
	"github.com/gotd/td/telegram/downloader"
	"github.com/gotd/td/tg"
	"github.com/gotd/td/tgerr"
	"go.uber.org/zap"

	"med-warehouse/config"
	"med-warehouse/lake"
)

const historyBatchSize = 100

// Fetcher scrapes registered channels into the data lake.
type Fetcher struct {
	Config *config.Config
	Lake   *lake.Store
	Logger *zap.Logger
}

// NewFetcher creates a new channel scraper.
func NewFetcher(cfg *config.Config, store *lake.Store, logger *zap.Logger) *Fetcher {
	return &Fetcher{Config: cfg, Lake: store, Logger: logger}
}

// ScrapeAll connects to Telegram and scrapes every given channel username.
// Individual channel failures are logged and skipped; the run only fails when
// the client itself cannot connect or authorize. Returns the number of newly
// landed messages.
func (f *Fetcher) ScrapeAll(ctx context.Context, channels []string) (int, error) {
	if len(channels) == 0 {
		f.Logger.Warn("No channels registered, nothing to scrape")
		return 0, nil
	}

	client := telegram.NewClient(f.Config.TelegramAppID, f.Config.TelegramAppHash, telegram.Options{
		SessionStorage: &session.FileStorage{Path: f.Config.SessionFile},
	})

	total := 0
	err := client.Run(ctx, func(ctx context.Context) error {
		flow := auth.NewFlow(
			auth.Constant(f.Config.TelegramPhone, "", auth.CodeAuthenticatorFunc(askLoginCode)),
			auth.SendCodeOptions{},
		)
		if err := client.Auth().IfNecessary(ctx, flow); err != nil {
			return fmt.Errorf("telegram authorization: %w", err)
		}
		f.Logger.Info("Connected to Telegram")

		api := client.API()
		for _, username := range channels {
			records, err := f.scrapeChannel(ctx, api, username)
			if err != nil {
				f.Logger.Error("Failed to scrape channel",
					zap.String("channel", username), zap.Error(err))
				continue
			}
			if len(records) == 0 {
				f.Logger.Warn("No messages scraped", zap.String("channel", username))
				continue
			}
			written, err := f.Lake.Write(records[0].ChannelName, records)
			if err != nil {
				return fmt.Errorf("writing lake partitions for %s: %w", username, err)
			}
			total += written
			f.Logger.Info("Channel scraped",
				zap.String("channel", username),
				zap.Int("messages", len(records)),
				zap.Int("new", written))
		}
		return nil
	})
	if err != nil {
		return total, err
	}
	return total, nil
}

// scrapeChannel pages through the channel history, newest first, extracting
// one record per message and downloading attached photos.
func (f *Fetcher) scrapeChannel(ctx context.Context, api *tg.Client, username string) ([]lake.MessageRecord, error) {
	log := f.Logger.With(zap.String("channel", username))
	log.Info("Starting channel scrape")

	channel, err := f.resolveChannel(ctx, api, username)
	if err != nil {
		return nil, err
	}
	peer := &tg.InputPeerChannel{ChannelID: channel.ID, AccessHash: channel.AccessHash}
	log.Info("Resolved channel", zap.String("title", channel.Title))

	var records []lake.MessageRecord
	offsetID := 0
	for {
		if f.Config.ScrapeLimit > 0 && len(records) >= f.Config.ScrapeLimit {
			break
		}

		history, err := api.MessagesGetHistory(ctx, &tg.MessagesGetHistoryRequest{
			Peer:     peer,
			OffsetID: offsetID,
			Limit:    historyBatchSize,
		})
		if wait, ok := tgerr.AsFloodWait(err); ok {
			log.Warn("Rate limited, waiting", zap.Duration("wait", wait))
			select {
			case <-time.After(wait + time.Second):
				continue
			case <-ctx.Done():
				return records, ctx.Err()
			}
		}
		if err != nil {
			return records, fmt.Errorf("fetching history: %w", err)
		}

		modified, ok := history.AsModified()
		if !ok {
			break
		}
		batch := modified.GetMessages()
		if len(batch) == 0 {
			break
		}

		lastOffset := offsetID
		for _, mc := range batch {
			// Every message class carries an id; the offset must advance
			// even past service and empty messages or paging stalls.
			offsetID = mc.GetID()
			m, ok := mc.(*tg.Message)
			if !ok {
				continue // service messages carry no content
			}
			rec := extractRecord(m, username, time.Now().UTC())
			if path, err := f.downloadPhoto(ctx, api, m, username); err != nil {
				log.Error("Image download failed",
					zap.Int("message_id", m.ID), zap.Error(err))
			} else if path != "" {
				rec.ImagePath = &path
			}
			records = append(records, rec)

			if len(records)%50 == 0 {
				log.Info("Scraping progress", zap.Int("messages", len(records)))
			}
		}
		if offsetID == lastOffset {
			break
		}
	}

	log.Info("Channel history scraped", zap.Int("messages", len(records)))
	return records, nil
}

// resolveChannel resolves a public username to its channel entity.
func (f *Fetcher) resolveChannel(ctx context.Context, api *tg.Client, username string) (*tg.Channel, error) {
	res, err := api.ContactsResolveUsername(ctx, username)
	if err != nil {
		return nil, fmt.Errorf("resolving %q: %w", username, err)
	}
	for _, chat := range res.Chats {
		if ch, ok := chat.(*tg.Channel); ok {
			return ch, nil
		}
	}
	return nil, fmt.Errorf("%q is not a channel", username)
}

// downloadPhoto stores the message photo under images/{channel}/{id}.jpg and
// returns the relative path, or "" when the message carries no photo.
func (f *Fetcher) downloadPhoto(ctx context.Context, api *tg.Client, m *tg.Message, channel string) (string, error) {
	media, ok := m.GetMedia()
	if !ok {
		return "", nil
	}
	mp, ok := media.(*tg.MessageMediaPhoto)
	if !ok {
		return "", nil
	}
	pc, ok := mp.GetPhoto()
	if !ok {
		return "", nil
	}
	photo, ok := pc.(*tg.Photo)
	if !ok || len(photo.Sizes) == 0 {
		return "", nil
	}

	dir := filepath.Join(f.Config.ImagesDir, channel)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", err
	}
	path := filepath.Join(dir, fmt.Sprintf("%d.jpg", m.ID))
	if _, err := os.Stat(path); err == nil {
		f.Logger.Debug("Image already downloaded", zap.String("path", path))
		return path, nil
	}

	loc := &tg.InputPhotoFileLocation{
		ID:            photo.ID,
		AccessHash:    photo.AccessHash,
		FileReference: photo.FileReference,
		ThumbSize:     largestSizeType(photo.Sizes),
	}
	if _, err := downloader.NewDownloader().Download(api, loc).ToPath(ctx, path); err != nil {
		return "", err
	}
	f.Logger.Info("Downloaded image", zap.String("path", path))
	return path, nil
}

// askLoginCode prompts for the Telegram login code on first authorization.
func askLoginCode(ctx context.Context, sentCode *tg.AuthSentCode) (string, error) {
	fmt.Print("Telegram login code: ")
	code, err := bufio.NewReader(os.Stdin).ReadString('\n')
	if err != nil {
		return "", errors.New("could not read login code from stdin")
	}
	return strings.TrimSpace(code), nil
}
