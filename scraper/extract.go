package scraper

import (
	"time"

	"github.com/gotd/td/tg"

	"med-warehouse/lake"
)

// extractRecord maps a Telegram message to its data lake representation.
// Optional fields keep their absence (nil) so the loader can coalesce them.
func extractRecord(m *tg.Message, channel string, scrapedAt time.Time) lake.MessageRecord {
	rec := lake.MessageRecord{
		MessageID:   int64(m.ID),
		ChannelName: channel,
		MessageDate: time.Unix(int64(m.Date), 0).UTC().Format(time.RFC3339),
		MessageText: m.Message,
		ScrapedAt:   scrapedAt.Format(time.RFC3339),
	}

	if _, ok := m.GetMedia(); ok {
		rec.HasMedia = true
	}
	if v, ok := m.GetViews(); ok {
		views := v
		rec.Views = &views
	}
	if fw, ok := m.GetForwards(); ok {
		forwards := fw
		rec.Forwards = &forwards
	}
	if rt, ok := m.GetReplyTo(); ok {
		rec.IsReply = true
		if header, ok := rt.(*tg.MessageReplyHeader); ok {
			if id, ok := header.GetReplyToMsgID(); ok {
				replyTo := int64(id)
				rec.ReplyToMsgID = &replyTo
			}
		}
	}
	return rec
}

// largestSizeType picks the thumb size identifier of the largest photo size.
// Telegram orders sizes ascending, the last one is the original resolution.
func largestSizeType(sizes []tg.PhotoSizeClass) string {
	if len(sizes) == 0 {
		return ""
	}
	return sizes[len(sizes)-1].GetType()
}
