package models

// Channel is a Telegram channel registered for scraping.
type Channel struct {
	ID       uint   `json:"id" gorm:"primaryKey"`
	Username string `json:"username" gorm:"uniqueIndex;not null"` // e.g. "tikvahpharma", without @
	Enabled  bool   `json:"enabled" gorm:"default:true"`
}

// TableName sets the explicit table name for GORM.
func (Channel) TableName() string {
	return "channels"
}
