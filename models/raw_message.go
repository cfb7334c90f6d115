package models

import (
	"time"
)

// RawMessage is one scraped Telegram message as landed from the data lake.
// Rows are immutable once loaded; reruns of the loader are deduplicated by
// the (message_id, channel_name) unique index.
type RawMessage struct {
	ID       uint      `json:"id" gorm:"primaryKey"`
	LoadedAt time.Time `json:"loaded_at" gorm:"autoCreateTime"`

	MessageID   int64     `json:"message_id" gorm:"uniqueIndex:idx_raw_message_channel;not null"`
	ChannelName string    `json:"channel_name" gorm:"uniqueIndex:idx_raw_message_channel;size:255;not null"`
	MessageDate time.Time `json:"message_date" gorm:"index"`
	MessageText string    `json:"message_text" gorm:"type:text"`

	HasMedia  bool   `json:"has_media"`
	ImagePath string `json:"image_path,omitempty" gorm:"size:500"`

	Views        int   `json:"views"`
	Forwards     int   `json:"forwards"`
	IsReply      bool  `json:"is_reply"`
	ReplyToMsgID int64 `json:"reply_to_msg_id,omitempty"`

	ScrapedAt time.Time `json:"scraped_at"`
}

// TableName pins the raw layer table name.
func (RawMessage) TableName() string {
	return "raw_telegram_messages"
}
