package main

import (
	"context"
	"log"
	"net/http"
	"regexp"
	"sort"
	"strconv"
	"strings"
	"time"
	"unicode"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/robfig/cron/v3"
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

var (
	messagesScrapedCounter prometheus.Counter
	rowsLoadedCounter      prometheus.Counter
	imagesProcessedCounter prometheus.Counter
	pipelineRunsCounter    prometheus.Counter
	pipelineFailsCounter   prometheus.Counter
)

func init() {
	messagesScrapedCounter = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "telegram_messages_scraped_total",
		Help: "Total number of new messages landed in the data lake.",
	})
	rowsLoadedCounter = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "raw_rows_loaded_total",
		Help: "Total number of new rows loaded into the raw table.",
	})
	imagesProcessedCounter = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "images_processed_total",
		Help: "Total number of images run through object detection.",
	})
	pipelineRunsCounter = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "pipeline_runs_total",
		Help: "Total number of completed pipeline runs.",
	})
	pipelineFailsCounter = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "pipeline_failures_total",
		Help: "Total number of failed pipeline runs.",
	})
	prometheus.MustRegister(
		messagesScrapedCounter,
		rowsLoadedCounter,
		imagesProcessedCounter,
		pipelineRunsCounter,
		pipelineFailsCounter,
	)
}

func apiKeyAuthMiddleware(cfg *config.Config) gin.HandlerFunc {
	return func(c *gin.Context) {
		if cfg.APISecretKey == "" {
			c.Next()
			return
		}
		apiKey := c.GetHeader("X-API-KEY")
		if apiKey != cfg.APISecretKey {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "Unauthorized: Invalid API Key"})
			return
		}
		c.Next()
	}
}

func main() {
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
	logging.Info("Successfully connected to warehouse database.")

	logging.Info("Running database auto-migration...")
	if err := db.AutoMigrate(&models.RawMessage{}, &models.RawImageDetection{}, &models.Channel{}); err != nil {
		logging.Fatal("Auto-migration failed", zap.Error(err))
	}

	seedDefaultChannels(db, cfg, logging)

	// Setup Services
	lakeStore := lake.NewStore(cfg.MessagesDir, logging)
	fetcher := scraper.NewFetcher(cfg, lakeStore, logging)
	loader := services.NewLoader(db, lakeStore, logging)
	detector := services.NewDetector(cfg, db, logging)
	transformer := services.NewTransformer(db, logging)
	pipeline := services.NewPipeline(db, fetcher, loader, detector, transformer, logging)

	// Setup Router
	router := gin.Default()
	router.Use(gin.Recovery())
	router.Use(apiKeyAuthMiddleware(cfg))
	router.GET("/metrics", gin.WrapH(promhttp.Handler()))

	setupRootRoutes(router)
	setupHealthRoutes(router, db)
	setupReportRoutes(router, db, logging)
	setupChannelRoutes(router, db, logging)
	setupSearchRoutes(router, db, logging)

	// Setup Cron
	cronScheduler := cron.New()
	cronScheduler.AddFunc(cfg.CronSchedule, func() {
		logging.Info("Running scheduled pipeline...")
		stats, err := pipeline.Run(context.Background())
		if err != nil {
			logging.Error("Scheduled pipeline failed", zap.Error(err))
			pipelineFailsCounter.Inc()
			return
		}
		pipelineRunsCounter.Inc()
		messagesScrapedCounter.Add(float64(stats.Scraped))
		rowsLoadedCounter.Add(float64(stats.Loaded))
		imagesProcessedCounter.Add(float64(stats.Processed))
	})
	cronScheduler.Start()
	logging.Info("Pipeline schedule registered", zap.String("cron", cfg.CronSchedule))

	logging.Info("Starting server", zap.String("port", cfg.HTTPPort))
	srv := &http.Server{
		Addr:              ":" + cfg.HTTPPort,
		Handler:           router,
		ReadTimeout:       30 * time.Second,
		ReadHeaderTimeout: 15 * time.Second,
		WriteTimeout:      60 * time.Second,
		IdleTimeout:       120 * time.Second,
	}
	if err := srv.ListenAndServe(); err != nil {
		logging.Fatal("Failed to run server", zap.Error(err))
	}
}

// seedDefaultChannels registers the configured channels once.
func seedDefaultChannels(db *gorm.DB, cfg *config.Config, log *zap.Logger) {
	for _, username := range cfg.ChannelList() {
		var existing models.Channel
		if err := db.Where("username = ?", username).First(&existing).Error; err == nil {
			continue
		}
		if err := db.Create(&models.Channel{Username: username, Enabled: true}).Error; err != nil {
			log.Warn("Could not seed channel", zap.String("username", username), zap.Error(err))
			continue
		}
		log.Info("Seeded channel", zap.String("username", username))
	}
}

func setupRootRoutes(router *gin.Engine) {
	router.GET("/", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{
			"name":    "Medical Telegram Warehouse API",
			"version": "1.0.0",
			"endpoints": gin.H{
				"top_products":     "/api/reports/top-products",
				"channel_activity": "/api/channels/{channel_name}/activity",
				"search_messages":  "/api/search/messages",
				"visual_content":   "/api/reports/visual-content",
			},
		})
	})
}

func setupHealthRoutes(router *gin.Engine, db *gorm.DB) {
	router.GET("/health", func(c *gin.Context) {
		if err := db.Exec("SELECT 1").Error; err != nil {
			c.JSON(http.StatusServiceUnavailable, gin.H{
				"status":   "unhealthy",
				"database": "disconnected",
				"error":    err.Error(),
			})
			return
		}
		c.JSON(http.StatusOK, gin.H{"status": "healthy", "database": "connected"})
	})
}

func setupReportRoutes(router *gin.Engine, db *gorm.DB, log *zap.Logger) {
	rg := router.Group("/api/reports")

	rg.GET("/top-products", func(c *gin.Context) {
		limit, err := strconv.Atoi(c.DefaultQuery("limit", "10"))
		if err != nil || limit < 1 || limit > 100 {
			c.JSON(http.StatusBadRequest, gin.H{"error": "limit must be between 1 and 100"})
			return
		}

		var rows []struct {
			MessageText string
			ChannelName string
		}
		err = db.Raw(`
			SELECT message_text, channel_name
			FROM fct_messages
			WHERE message_text IS NOT NULL AND LENGTH(TRIM(message_text)) > 0`).
			Scan(&rows).Error
		if err != nil {
			log.Error("Top products query failed", zap.Error(err))
			c.JSON(http.StatusInternalServerError, gin.H{"error": "database error"})
			return
		}

		frequency := make(map[string]int)
		channels := make(map[string]map[string]struct{})
		for _, row := range rows {
			for _, term := range extractProductTerms(row.MessageText) {
				frequency[term]++
				if channels[term] == nil {
					channels[term] = make(map[string]struct{})
				}
				channels[term][row.ChannelName] = struct{}{}
			}
		}

		type productItem struct {
			Term      string   `json:"term"`
			Frequency int      `json:"frequency"`
			Channels  []string `json:"channels"`
		}
		products := make([]productItem, 0, len(frequency))
		for term, freq := range frequency {
			var chs []string
			for ch := range channels[term] {
				chs = append(chs, ch)
			}
			sort.Strings(chs)
			products = append(products, productItem{Term: term, Frequency: freq, Channels: chs})
		}
		sort.Slice(products, func(i, j int) bool {
			if products[i].Frequency != products[j].Frequency {
				return products[i].Frequency > products[j].Frequency
			}
			return products[i].Term < products[j].Term
		})
		if len(products) > limit {
			products = products[:limit]
		}

		c.JSON(http.StatusOK, gin.H{
			"limit":       limit,
			"total_terms": len(frequency),
			"products":    products,
		})
	})

	rg.GET("/visual-content", func(c *gin.Context) {
		if !db.Migrator().HasTable("fct_image_detections") {
			c.JSON(http.StatusOK, gin.H{
				"total_images": 0,
				"channels":     []gin.H{},
				"category_summary": gin.H{
					"promotional":     0,
					"product_display": 0,
					"lifestyle":       0,
					"other":           0,
				},
			})
			return
		}

		var rows []struct {
			ChannelName         string `json:"channel_name"`
			TotalImages         int    `json:"total_images"`
			PromotionalCount    int    `json:"promotional_count"`
			ProductDisplayCount int    `json:"product_display_count"`
			LifestyleCount      int    `json:"lifestyle_count"`
			OtherCount          int    `json:"other_count"`
		}
		err := db.Raw(`
			SELECT
				dc.channel_name                                                           AS channel_name,
				COUNT(fid.message_id)                                                     AS total_images,
				COUNT(CASE WHEN fid.image_category = 'promotional' THEN 1 END)            AS promotional_count,
				COUNT(CASE WHEN fid.image_category = 'product_display' THEN 1 END)        AS product_display_count,
				COUNT(CASE WHEN fid.image_category = 'lifestyle' THEN 1 END)              AS lifestyle_count,
				COUNT(CASE WHEN fid.image_category = 'other' THEN 1 END)                  AS other_count
			FROM fct_image_detections fid
			INNER JOIN dim_channels dc ON fid.channel_key = dc.channel_key
			GROUP BY dc.channel_name
			ORDER BY total_images DESC`).Scan(&rows).Error
		if err != nil {
			log.Error("Visual content query failed", zap.Error(err))
			c.JSON(http.StatusInternalServerError, gin.H{"error": "database error"})
			return
		}

		type channelStats struct {
			ChannelName              string  `json:"channel_name"`
			TotalImages              int     `json:"total_images"`
			PromotionalCount         int     `json:"promotional_count"`
			ProductDisplayCount      int     `json:"product_display_count"`
			LifestyleCount           int     `json:"lifestyle_count"`
			OtherCount               int     `json:"other_count"`
			PromotionalPercentage    float64 `json:"promotional_percentage"`
			ProductDisplayPercentage float64 `json:"product_display_percentage"`
		}
		totalImages := 0
		summary := map[string]int{"promotional": 0, "product_display": 0, "lifestyle": 0, "other": 0}
		channels := make([]channelStats, 0, len(rows))
		for _, row := range rows {
			totalImages += row.TotalImages
			summary["promotional"] += row.PromotionalCount
			summary["product_display"] += row.ProductDisplayCount
			summary["lifestyle"] += row.LifestyleCount
			summary["other"] += row.OtherCount

			stats := channelStats{
				ChannelName:         row.ChannelName,
				TotalImages:         row.TotalImages,
				PromotionalCount:    row.PromotionalCount,
				ProductDisplayCount: row.ProductDisplayCount,
				LifestyleCount:      row.LifestyleCount,
				OtherCount:          row.OtherCount,
			}
			if row.TotalImages > 0 {
				stats.PromotionalPercentage = round2(100 * float64(row.PromotionalCount) / float64(row.TotalImages))
				stats.ProductDisplayPercentage = round2(100 * float64(row.ProductDisplayCount) / float64(row.TotalImages))
			}
			channels = append(channels, stats)
		}

		c.JSON(http.StatusOK, gin.H{
			"total_images":     totalImages,
			"channels":         channels,
			"category_summary": summary,
		})
	})
}

func setupChannelRoutes(router *gin.Engine, db *gorm.DB, log *zap.Logger) {
	rg := router.Group("/api/channels")

	rg.GET("/:name/activity", func(c *gin.Context) {
		name := c.Param("name")

		var channel struct {
			ChannelName   string     `json:"channel_name"`
			ChannelType   string     `json:"channel_type"`
			TotalPosts    int        `json:"total_posts"`
			FirstPostDate *time.Time `json:"first_post_date"`
			LastPostDate  *time.Time `json:"last_post_date"`
			AvgViews      float64    `json:"avg_views"`
		}
		res := db.Raw(`
			SELECT channel_name, channel_type, total_posts,
			       first_post_date, last_post_date, avg_views
			FROM dim_channels
			WHERE channel_name = ?`, name).Scan(&channel)
		if res.Error != nil {
			log.Error("Channel lookup failed", zap.String("channel", name), zap.Error(res.Error))
			c.JSON(http.StatusInternalServerError, gin.H{"error": "database error"})
			return
		}
		if res.RowsAffected == 0 {
			c.JSON(http.StatusNotFound, gin.H{"error": "channel not found"})
			return
		}

		var daily []struct {
			Date          *time.Time `json:"date"`
			MessageCount  int        `json:"message_count"`
			TotalViews    int        `json:"total_views"`
			AvgViews      float64    `json:"avg_views"`
			TotalForwards int        `json:"total_forwards"`
		}
		err := db.Raw(`
			SELECT
				dd.full_date          AS date,
				COUNT(fm.message_id)  AS message_count,
				SUM(fm.view_count)    AS total_views,
				AVG(fm.view_count)    AS avg_views,
				SUM(fm.forward_count) AS total_forwards
			FROM fct_messages fm
			INNER JOIN dim_channels dc ON fm.channel_key = dc.channel_key
			INNER JOIN dim_dates dd ON fm.date_key = dd.date_key
			WHERE dc.channel_name = ?
			GROUP BY dd.full_date
			ORDER BY dd.full_date DESC`, name).Scan(&daily).Error
		if err != nil {
			log.Error("Channel activity query failed", zap.String("channel", name), zap.Error(err))
			c.JSON(http.StatusInternalServerError, gin.H{"error": "database error"})
			return
		}

		c.JSON(http.StatusOK, gin.H{
			"channel_name":    channel.ChannelName,
			"channel_type":    channel.ChannelType,
			"total_posts":     channel.TotalPosts,
			"first_post_date": channel.FirstPostDate,
			"last_post_date":  channel.LastPostDate,
			"avg_views":       channel.AvgViews,
			"daily_activity":  daily,
		})
	})

	// Registry management for scrape targets.
	rg.GET("/", func(c *gin.Context) {
		var channels []models.Channel
		if err := db.Find(&channels).Error; err != nil {
			log.Error("Database query for channels failed", zap.Error(err))
			c.JSON(http.StatusInternalServerError, gin.H{"error": "database error"})
			return
		}
		c.JSON(http.StatusOK, channels)
	})

	rg.POST("/", func(c *gin.Context) {
		var req struct {
			Username string `json:"username" binding:"required"`
		}
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid request body"})
			return
		}
		channel := models.Channel{Username: strings.TrimPrefix(req.Username, "@"), Enabled: true}
		if err := db.Create(&channel).Error; err != nil {
			c.JSON(http.StatusConflict, gin.H{"error": "channel already registered"})
			return
		}
		c.JSON(http.StatusCreated, channel)
	})

	rg.DELETE("/:name", func(c *gin.Context) {
		res := db.Where("username = ?", c.Param("name")).Delete(&models.Channel{})
		if res.Error != nil {
			log.Error("Channel delete failed", zap.Error(res.Error))
			c.JSON(http.StatusInternalServerError, gin.H{"error": "database error"})
			return
		}
		if res.RowsAffected == 0 {
			c.JSON(http.StatusNotFound, gin.H{"error": "channel not found"})
			return
		}
		c.JSON(http.StatusOK, gin.H{"deleted": c.Param("name")})
	})
}

func setupSearchRoutes(router *gin.Engine, db *gorm.DB, log *zap.Logger) {
	router.GET("/api/search/messages", func(c *gin.Context) {
		query := c.Query("query")
		if len(query) < 2 {
			c.JSON(http.StatusBadRequest, gin.H{"error": "query must be at least 2 characters"})
			return
		}
		limit, err := strconv.Atoi(c.DefaultQuery("limit", "20"))
		if err != nil || limit < 1 || limit > 100 {
			c.JSON(http.StatusBadRequest, gin.H{"error": "limit must be between 1 and 100"})
			return
		}
		pattern := "%" + strings.ToLower(query) + "%"

		var messages []struct {
			MessageID    int64      `json:"message_id"`
			ChannelName  string     `json:"channel_name"`
			MessageText  string     `json:"message_text"`
			MessageDate  *time.Time `json:"message_date"`
			ViewCount    int        `json:"view_count"`
			ForwardCount int        `json:"forward_count"`
			HasImage     bool       `json:"has_image"`
		}
		err = db.Raw(`
			SELECT message_id, channel_name, message_text, message_date,
			       view_count, forward_count, has_image
			FROM fct_messages
			WHERE LOWER(message_text) LIKE ?
			ORDER BY message_date DESC
			LIMIT ?`, pattern, limit).Scan(&messages).Error
		if err != nil {
			log.Error("Message search failed", zap.String("query", query), zap.Error(err))
			c.JSON(http.StatusInternalServerError, gin.H{"error": "database error"})
			return
		}

		var totalFound int64
		err = db.Raw(`
			SELECT COUNT(*) FROM fct_messages WHERE LOWER(message_text) LIKE ?`, pattern).
			Scan(&totalFound).Error
		if err != nil {
			log.Error("Message count failed", zap.String("query", query), zap.Error(err))
			c.JSON(http.StatusInternalServerError, gin.H{"error": "database error"})
			return
		}

		c.JSON(http.StatusOK, gin.H{
			"query":       query,
			"limit":       limit,
			"total_found": totalFound,
			"messages":    messages,
		})
	})
}

var wordPattern = regexp.MustCompile(`\w+`)

var stopWords = map[string]struct{}{
	"the": {}, "and": {}, "or": {}, "but": {}, "in": {}, "on": {}, "at": {},
	"to": {}, "for": {}, "of": {}, "with": {}, "from": {}, "by": {}, "is": {},
	"are": {}, "was": {}, "were": {}, "be": {}, "been": {}, "have": {},
	"has": {}, "had": {}, "do": {}, "does": {}, "did": {}, "will": {},
	"would": {}, "could": {}, "should": {}, "may": {}, "might": {}, "can": {},
	"this": {}, "that": {}, "these": {}, "those": {}, "a": {}, "an": {}, "as": {},
}

// extractProductTerms pulls candidate product terms out of a message: words in
// ALL CAPS, words carrying digits (dosages like "500mg") and longer
// capitalized words, with short words and stop words dropped.
func extractProductTerms(text string) []string {
	if text == "" {
		return nil
	}
	var terms []string
	for _, word := range wordPattern.FindAllString(text, -1) {
		if len(word) < 3 {
			continue
		}
		if _, ok := stopWords[strings.ToLower(word)]; ok {
			continue
		}
		switch {
		case isAllUpper(word):
			terms = append(terms, word)
		case strings.ContainsFunc(word, unicode.IsDigit):
			terms = append(terms, word)
		case len(word) > 4 && unicode.IsUpper([]rune(word)[0]):
			terms = append(terms, word)
		}
	}
	return terms
}

func isAllUpper(word string) bool {
	hasLetter := false
	for _, r := range word {
		if unicode.IsLetter(r) {
			hasLetter = true
			if !unicode.IsUpper(r) {
				return false
			}
		}
	}
	return hasLetter
}

func round2(v float64) float64 {
	return float64(int(v*100+0.5)) / 100
}
