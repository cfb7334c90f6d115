package main

import (
	"bytes"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"reflect"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"med-warehouse/config"
	"med-warehouse/models"
)

func init() {
	gin.SetMode(gin.TestMode)
}

func openTestDB(t *testing.T) *gorm.DB {
	t.Helper()
	db, err := gorm.Open(sqlite.Open(filepath.Join(t.TempDir(), "test.db")), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	if err != nil {
		t.Fatalf("opening test database: %v", err)
	}
	return db
}

// buildStarSchema creates the mart tables the read API queries. The column
// types matter: DATE and DATETIME columns scan back into time.Time.
func buildStarSchema(t *testing.T, db *gorm.DB) {
	t.Helper()
	ddl := []string{
		`CREATE TABLE dim_channels (
			channel_key     TEXT PRIMARY KEY,
			channel_name    TEXT,
			channel_type    TEXT,
			first_post_date DATE,
			last_post_date  DATE,
			total_posts     INTEGER,
			avg_views       REAL,
			image_percentage REAL
		)`,
		`CREATE TABLE dim_dates (
			date_key  INTEGER PRIMARY KEY,
			full_date DATE
		)`,
		`CREATE TABLE fct_messages (
			message_id    INTEGER,
			channel_key   TEXT,
			date_key      INTEGER,
			channel_name  TEXT,
			message_date  DATETIME,
			message_text  TEXT,
			view_count    INTEGER,
			forward_count INTEGER,
			has_image     BOOLEAN,
			message_length INTEGER
		)`,
	}
	for _, stmt := range ddl {
		if err := db.Exec(stmt).Error; err != nil {
			t.Fatalf("creating mart table: %v", err)
		}
	}
}

func seedStarSchema(t *testing.T, db *gorm.DB) {
	t.Helper()
	day1 := time.Date(2025, 7, 1, 0, 0, 0, 0, time.UTC)
	day2 := time.Date(2025, 7, 2, 0, 0, 0, 0, time.UTC)

	stmts := []struct {
		sql  string
		args []interface{}
	}{
		{`INSERT INTO dim_channels VALUES ('key-pharma', 'tikvahpharma', 'Pharmaceutical', ?, ?, 3, 150.0, 33.3)`,
			[]interface{}{day1, day2}},
		{`INSERT INTO dim_dates VALUES (20250701, ?)`, []interface{}{day1}},
		{`INSERT INTO dim_dates VALUES (20250702, ?)`, []interface{}{day2}},
		{`INSERT INTO fct_messages VALUES (1, 'key-pharma', 20250701, 'tikvahpharma', ?, 'Paracetamol 500mg available', 100, 5, 0, 27)`,
			[]interface{}{day1.Add(10 * time.Hour)}},
		{`INSERT INTO fct_messages VALUES (2, 'key-pharma', 20250701, 'tikvahpharma', ?, 'AMOXICILLIN in stock', 200, 2, 1, 20)`,
			[]interface{}{day1.Add(12 * time.Hour)}},
		{`INSERT INTO fct_messages VALUES (3, 'key-pharma', 20250702, 'tikvahpharma', ?, 'Paracetamol restocked today', 150, 1, 0, 27)`,
			[]interface{}{day2.Add(9 * time.Hour)}},
	}
	for _, s := range stmts {
		if err := db.Exec(s.sql, s.args...).Error; err != nil {
			t.Fatalf("seeding mart: %v", err)
		}
	}
}

func testRouter(db *gorm.DB) *gin.Engine {
	router := gin.New()
	log := zap.NewNop()
	setupRootRoutes(router)
	setupHealthRoutes(router, db)
	setupReportRoutes(router, db, log)
	setupChannelRoutes(router, db, log)
	setupSearchRoutes(router, db, log)
	return router
}

func doRequest(router *gin.Engine, method, path string) *httptest.ResponseRecorder {
	w := httptest.NewRecorder()
	req := httptest.NewRequest(method, path, nil)
	router.ServeHTTP(w, req)
	return w
}

func newJSONBody(t *testing.T, payload interface{}) io.Reader {
	t.Helper()
	data, err := json.Marshal(payload)
	if err != nil {
		t.Fatalf("encoding request body: %v", err)
	}
	return bytes.NewReader(data)
}

func decodeBody(t *testing.T, w *httptest.ResponseRecorder) map[string]interface{} {
	t.Helper()
	var body map[string]interface{}
	if err := json.Unmarshal(w.Body.Bytes(), &body); err != nil {
		t.Fatalf("decoding response: %v", err)
	}
	return body
}

func TestHealthEndpoint(t *testing.T) {
	db := openTestDB(t)
	router := testRouter(db)

	w := doRequest(router, http.MethodGet, "/health")
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", w.Code)
	}
	body := decodeBody(t, w)
	if body["status"] != "healthy" {
		t.Errorf("status = %v, want healthy", body["status"])
	}
}

func TestSearchMessages(t *testing.T) {
	db := openTestDB(t)
	buildStarSchema(t, db)
	seedStarSchema(t, db)
	router := testRouter(db)

	w := doRequest(router, http.MethodGet, "/api/search/messages?query=paracetamol")
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, body = %s", w.Code, w.Body.String())
	}
	body := decodeBody(t, w)
	if body["total_found"].(float64) != 2 {
		t.Errorf("total_found = %v, want 2", body["total_found"])
	}
	messages := body["messages"].([]interface{})
	if len(messages) != 2 {
		t.Fatalf("expected 2 messages, got %d", len(messages))
	}
	// Ordered newest first.
	first := messages[0].(map[string]interface{})
	if first["message_id"].(float64) != 3 {
		t.Errorf("first result message_id = %v, want 3", first["message_id"])
	}
}

func TestSearchMessagesValidation(t *testing.T) {
	db := openTestDB(t)
	router := testRouter(db)

	if w := doRequest(router, http.MethodGet, "/api/search/messages?query=x"); w.Code != http.StatusBadRequest {
		t.Errorf("short query: status = %d, want 400", w.Code)
	}
	if w := doRequest(router, http.MethodGet, "/api/search/messages?query=ok&limit=0"); w.Code != http.StatusBadRequest {
		t.Errorf("limit 0: status = %d, want 400", w.Code)
	}
	if w := doRequest(router, http.MethodGet, "/api/search/messages?query=ok&limit=500"); w.Code != http.StatusBadRequest {
		t.Errorf("limit 500: status = %d, want 400", w.Code)
	}
}

func TestChannelActivity(t *testing.T) {
	db := openTestDB(t)
	buildStarSchema(t, db)
	seedStarSchema(t, db)
	router := testRouter(db)

	w := doRequest(router, http.MethodGet, "/api/channels/tikvahpharma/activity")
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, body = %s", w.Code, w.Body.String())
	}
	body := decodeBody(t, w)
	if body["channel_type"] != "Pharmaceutical" {
		t.Errorf("channel_type = %v", body["channel_type"])
	}
	daily := body["daily_activity"].([]interface{})
	if len(daily) != 2 {
		t.Fatalf("expected 2 daily rows, got %d", len(daily))
	}
	// Newest day first.
	newest := daily[0].(map[string]interface{})
	if newest["message_count"].(float64) != 1 {
		t.Errorf("newest day message_count = %v, want 1", newest["message_count"])
	}
	older := daily[1].(map[string]interface{})
	if older["total_views"].(float64) != 300 {
		t.Errorf("older day total_views = %v, want 300", older["total_views"])
	}
}

func TestChannelActivityNotFound(t *testing.T) {
	db := openTestDB(t)
	buildStarSchema(t, db)
	router := testRouter(db)

	w := doRequest(router, http.MethodGet, "/api/channels/nosuchchannel/activity")
	if w.Code != http.StatusNotFound {
		t.Errorf("status = %d, want 404", w.Code)
	}
}

func TestTopProducts(t *testing.T) {
	db := openTestDB(t)
	buildStarSchema(t, db)
	seedStarSchema(t, db)
	router := testRouter(db)

	w := doRequest(router, http.MethodGet, "/api/reports/top-products?limit=5")
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, body = %s", w.Code, w.Body.String())
	}
	body := decodeBody(t, w)
	products := body["products"].([]interface{})
	if len(products) == 0 {
		t.Fatal("expected products, got none")
	}
	top := products[0].(map[string]interface{})
	if top["term"] != "Paracetamol" {
		t.Errorf("top term = %v, want Paracetamol", top["term"])
	}
	if top["frequency"].(float64) != 2 {
		t.Errorf("top frequency = %v, want 2", top["frequency"])
	}
}

func TestTopProductsLimitValidation(t *testing.T) {
	db := openTestDB(t)
	router := testRouter(db)

	if w := doRequest(router, http.MethodGet, "/api/reports/top-products?limit=0"); w.Code != http.StatusBadRequest {
		t.Errorf("limit 0: status = %d, want 400", w.Code)
	}
	if w := doRequest(router, http.MethodGet, "/api/reports/top-products?limit=abc"); w.Code != http.StatusBadRequest {
		t.Errorf("limit abc: status = %d, want 400", w.Code)
	}
}

func TestVisualContentBeforeFirstTransform(t *testing.T) {
	db := openTestDB(t)
	router := testRouter(db)

	// No fct_image_detections table yet: the report degrades to zeros
	// instead of erroring.
	w := doRequest(router, http.MethodGet, "/api/reports/visual-content")
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, body = %s", w.Code, w.Body.String())
	}
	body := decodeBody(t, w)
	if body["total_images"].(float64) != 0 {
		t.Errorf("total_images = %v, want 0", body["total_images"])
	}
}

func TestVisualContent(t *testing.T) {
	db := openTestDB(t)
	buildStarSchema(t, db)
	seedStarSchema(t, db)
	if err := db.Exec(`CREATE TABLE fct_image_detections (
		message_id     INTEGER,
		channel_key    TEXT,
		image_category TEXT
	)`).Error; err != nil {
		t.Fatalf("creating detections table: %v", err)
	}
	for _, category := range []string{"promotional", "promotional", "product_display", "other"} {
		if err := db.Exec(`INSERT INTO fct_image_detections VALUES (1, 'key-pharma', ?)`, category).Error; err != nil {
			t.Fatalf("seeding detections: %v", err)
		}
	}
	router := testRouter(db)

	w := doRequest(router, http.MethodGet, "/api/reports/visual-content")
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, body = %s", w.Code, w.Body.String())
	}
	body := decodeBody(t, w)
	if body["total_images"].(float64) != 4 {
		t.Errorf("total_images = %v, want 4", body["total_images"])
	}
	summary := body["category_summary"].(map[string]interface{})
	if summary["promotional"].(float64) != 2 {
		t.Errorf("promotional = %v, want 2", summary["promotional"])
	}
	channels := body["channels"].([]interface{})
	if len(channels) != 1 {
		t.Fatalf("expected 1 channel, got %d", len(channels))
	}
	ch := channels[0].(map[string]interface{})
	if ch["promotional_percentage"].(float64) != 50 {
		t.Errorf("promotional_percentage = %v, want 50", ch["promotional_percentage"])
	}
}

func TestChannelRegistry(t *testing.T) {
	db := openTestDB(t)
	if err := db.AutoMigrate(&models.Channel{}); err != nil {
		t.Fatalf("migrating: %v", err)
	}
	router := testRouter(db)

	w := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodPost, "/api/channels/", newJSONBody(t, map[string]string{"username": "@newchannel"}))
	req.Header.Set("Content-Type", "application/json")
	router.ServeHTTP(w, req)
	if w.Code != http.StatusCreated {
		t.Fatalf("create: status = %d, body = %s", w.Code, w.Body.String())
	}
	created := decodeBody(t, w)
	if created["username"] != "newchannel" {
		t.Errorf("leading @ must be stripped, got %v", created["username"])
	}

	// Duplicate registration conflicts.
	w = httptest.NewRecorder()
	req = httptest.NewRequest(http.MethodPost, "/api/channels/", newJSONBody(t, map[string]string{"username": "newchannel"}))
	req.Header.Set("Content-Type", "application/json")
	router.ServeHTTP(w, req)
	if w.Code != http.StatusConflict {
		t.Errorf("duplicate: status = %d, want 409", w.Code)
	}

	if w := doRequest(router, http.MethodGet, "/api/channels/"); w.Code != http.StatusOK {
		t.Errorf("list: status = %d, want 200", w.Code)
	}

	if w := doRequest(router, http.MethodDelete, "/api/channels/newchannel"); w.Code != http.StatusOK {
		t.Errorf("delete: status = %d, want 200", w.Code)
	}
	if w := doRequest(router, http.MethodDelete, "/api/channels/newchannel"); w.Code != http.StatusNotFound {
		t.Errorf("delete missing: status = %d, want 404", w.Code)
	}
}

func TestAPIKeyMiddleware(t *testing.T) {
	cfg := &config.Config{APISecretKey: "secret"}
	router := gin.New()
	router.Use(apiKeyAuthMiddleware(cfg))
	router.GET("/ping", func(c *gin.Context) { c.String(http.StatusOK, "pong") })

	w := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/ping", nil)
	router.ServeHTTP(w, req)
	if w.Code != http.StatusUnauthorized {
		t.Errorf("missing key: status = %d, want 401", w.Code)
	}

	w = httptest.NewRecorder()
	req = httptest.NewRequest(http.MethodGet, "/ping", nil)
	req.Header.Set("X-API-KEY", "secret")
	router.ServeHTTP(w, req)
	if w.Code != http.StatusOK {
		t.Errorf("valid key: status = %d, want 200", w.Code)
	}
}

func TestExtractProductTerms(t *testing.T) {
	cases := []struct {
		text string
		want []string
	}{
		{"Paracetamol 500mg available from the pharmacy", []string{"Paracetamol", "500mg"}},
		{"AMOXICILLIN in stock", []string{"AMOXICILLIN"}},
		{"the and of with", nil},
		{"", nil},
		{"buy it now", nil},
		{"New Vitamin D3 supplements", []string{"Vitamin"}},
	}
	for _, tc := range cases {
		got := extractProductTerms(tc.text)
		if !reflect.DeepEqual(got, tc.want) {
			t.Errorf("extractProductTerms(%q) = %v, want %v", tc.text, got, tc.want)
		}
	}
}

func TestIsAllUpper(t *testing.T) {
	cases := map[string]bool{
		"AMOXICILLIN": true,
		"D3":          true,
		"500mg":       false,
		"Para":        false,
		"123":         false,
	}
	for word, want := range cases {
		if got := isAllUpper(word); got != want {
			t.Errorf("isAllUpper(%q) = %v, want %v", word, got, want)
		}
	}
}

func TestRound2(t *testing.T) {
	if got := round2(33.333333); got != 33.33 {
		t.Errorf("round2(33.333333) = %v", got)
	}
	if got := round2(66.666666); got != 66.67 {
		t.Errorf("round2(66.666666) = %v", got)
	}
	if got := round2(50); got != 50 {
		t.Errorf("round2(50) = %v", got)
	}
}
