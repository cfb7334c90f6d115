package scraper

import (
	"testing"
	"time"

	"github.com/gotd/td/tg"
)

func TestExtractRecordFullMessage(t *testing.T) {
	posted := time.Date(2025, 7, 1, 10, 30, 0, 0, time.UTC)
	scraped := time.Date(2025, 7, 2, 2, 0, 0, 0, time.UTC)

	m := &tg.Message{
		ID:      1234,
		Date:    int(posted.Unix()),
		Message: "Paracetamol 500mg available",
	}
	m.SetViews(321)
	m.SetForwards(12)
	m.SetMedia(&tg.MessageMediaPhoto{})
	header := &tg.MessageReplyHeader{}
	header.SetReplyToMsgID(1200)
	m.SetReplyTo(header)

	rec := extractRecord(m, "tikvahpharma", scraped)

	if rec.MessageID != 1234 {
		t.Errorf("message_id = %d", rec.MessageID)
	}
	if rec.ChannelName != "tikvahpharma" {
		t.Errorf("channel_name = %s", rec.ChannelName)
	}
	if rec.MessageDate != "2025-07-01T10:30:00Z" {
		t.Errorf("message_date = %s", rec.MessageDate)
	}
	if rec.MessageText != "Paracetamol 500mg available" {
		t.Errorf("message_text = %s", rec.MessageText)
	}
	if !rec.HasMedia {
		t.Error("has_media should be true")
	}
	if rec.Views == nil || *rec.Views != 321 {
		t.Errorf("views = %v", rec.Views)
	}
	if rec.Forwards == nil || *rec.Forwards != 12 {
		t.Errorf("forwards = %v", rec.Forwards)
	}
	if !rec.IsReply {
		t.Error("is_reply should be true")
	}
	if rec.ReplyToMsgID == nil || *rec.ReplyToMsgID != 1200 {
		t.Errorf("reply_to_msg_id = %v", rec.ReplyToMsgID)
	}
	if rec.ScrapedAt != "2025-07-02T02:00:00Z" {
		t.Errorf("scraped_at = %s", rec.ScrapedAt)
	}
}

func TestExtractRecordBareMessage(t *testing.T) {
	m := &tg.Message{
		ID:      7,
		Date:    int(time.Date(2025, 7, 1, 8, 0, 0, 0, time.UTC).Unix()),
		Message: "plain text post",
	}

	rec := extractRecord(m, "chemed", time.Now().UTC())

	if rec.HasMedia {
		t.Error("has_media should be false without media")
	}
	if rec.Views != nil || rec.Forwards != nil {
		t.Error("absent counters must stay nil")
	}
	if rec.IsReply || rec.ReplyToMsgID != nil {
		t.Error("non-reply message must not carry reply fields")
	}
}

func TestLargestSizeType(t *testing.T) {
	sizes := []tg.PhotoSizeClass{
		&tg.PhotoSize{Type: "s"},
		&tg.PhotoSize{Type: "m"},
		&tg.PhotoSize{Type: "y"},
	}
	if got := largestSizeType(sizes); got != "y" {
		t.Errorf("largestSizeType = %s, want y", got)
	}
	if got := largestSizeType(nil); got != "" {
		t.Errorf("largestSizeType(nil) = %q, want empty", got)
	}
}
