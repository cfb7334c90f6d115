package config

import (
	"fmt"
	"strings"

	"github.com/joho/godotenv"
	"github.com/kelseyhightower/envconfig"
)

// Config holds all configuration parameters read from environment variables.
type Config struct {
	DBHost     string `envconfig:"DB_HOST" required:"true"`
	DBPort     int    `envconfig:"DB_PORT" default:"5432"`
	DBUser     string `envconfig:"DB_USER" required:"true"`
	DBPassword string `envconfig:"DB_PASSWORD" required:"true"`
	DBName     string `envconfig:"DB_NAME" default:"medical_warehouse"`

	HTTPPort     string `envconfig:"HTTP_PORT" default:"8000"`
	APISecretKey string `envconfig:"API_SECRET_KEY"`

	// Telegram MTProto credentials, see https://my.telegram.org/apps
	TelegramAppID   int    `envconfig:"TELEGRAM_APP_ID" required:"true"`
	TelegramAppHash string `envconfig:"TELEGRAM_APP_HASH" required:"true"`
	TelegramPhone   string `envconfig:"TELEGRAM_PHONE" required:"true"`
	SessionFile     string `envconfig:"TELEGRAM_SESSION_FILE" default:"telegram.session"`

	// Default channel registry, comma separated usernames without @.
	Channels    string `envconfig:"TELEGRAM_CHANNELS" default:"lobelia4cosmetics,tikvahpharma"`
	ScrapeLimit int    `envconfig:"SCRAPE_LIMIT" default:"0"`

	DataDir     string `envconfig:"DATA_DIR" default:"data/raw"`
	MessagesDir string `envconfig:"MESSAGES_DIR" default:"data/raw/telegram_messages"`
	ImagesDir   string `envconfig:"IMAGES_DIR" default:"data/raw/images"`

	// Vision enrichment
	VisionCredentialsFile string  `envconfig:"VISION_CREDENTIALS_FILE"`
	VisionEnabled         bool    `envconfig:"VISION_ENABLED" default:"true"`
	ConfidenceThreshold   float64 `envconfig:"CONFIDENCE_THRESHOLD" default:"0.25"`

	CronSchedule string `envconfig:"CRON_SCHEDULE" default:"0 2 * * *"`

	BackupS3Key    string `envconfig:"BACKUP_S3_KEY"`
	BackupS3Secret string `envconfig:"BACKUP_S3_SECRET"`
	BackupS3URL    string `envconfig:"BACKUP_S3_URL"`
	BackupS3Region string `envconfig:"BACKUP_S3_REGION"`
	BackupS3Bucket string `envconfig:"BACKUP_S3_BUCKET"`
}

// DSN returns the data source name for the PostgreSQL connection.
func (c *Config) DSN() string {
	return fmt.Sprintf("host=%s user=%s password=%s dbname=%s port=%d sslmode=disable",
		c.DBHost, c.DBUser, c.DBPassword, c.DBName, c.DBPort)
}

// ChannelList splits the configured channel registry into usernames.
func (c *Config) ChannelList() []string {
	var out []string
	for _, ch := range strings.Split(c.Channels, ",") {
		ch = strings.TrimSpace(ch)
		if ch != "" {
			out = append(out, ch)
		}
	}
	return out
}

// Load reads the configuration from the environment.
func Load() (*Config, error) {
	_ = godotenv.Load()
	var c Config
	err := envconfig.Process("", &c)
	return &c, err
}
