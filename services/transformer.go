package services

import (
	"context"
	"embed"
	"fmt"
	"strings"

	"go.uber.org/zap"
	"gorm.io/gorm"
)

//go:embed sql/*.sql
var modelFS embed.FS

// modelFiles are the declarative SQL models, executed in this order on every
// transform run. Dimensions and facts are rebuilt wholesale, the staging view
// is re-derived from raw data; raw tables stay the only durable truth.
var modelFiles = []string{
	"sql/01_stg_telegram_messages.sql",
	"sql/02_dim_channels.sql",
	"sql/03_dim_dates.sql",
	"sql/04_fct_messages.sql",
	"sql/05_fct_image_detections.sql",
}

// qualityCheck counts rows violating an expectation. Violations are logged as
// warnings, never fatal: a flagged run still serves, the next run rebuilds.
type qualityCheck struct {
	Name string
	SQL  string
}

var qualityChecks = []qualityCheck{
	{
		Name: "duplicate_date_keys",
		SQL: `SELECT COUNT(*) FROM (
			SELECT date_key FROM dim_dates GROUP BY date_key HAVING COUNT(*) > 1
		) AS dupes`,
	},
	{
		Name: "date_dimension_gaps",
		SQL: `SELECT COALESCE((MAX(full_date) - MIN(full_date) + 1) - COUNT(*), 0)
			FROM dim_dates`,
	},
	{
		Name: "orphaned_fact_rows",
		SQL: `SELECT COUNT(*)
			FROM fct_messages fm
			LEFT JOIN dim_channels dc ON fm.channel_key = dc.channel_key
			LEFT JOIN dim_dates dd ON fm.date_key = dd.date_key
			WHERE dc.channel_key IS NULL OR dd.date_key IS NULL`,
	},
	{
		Name: "negative_raw_view_counts",
		SQL:  `SELECT COUNT(*) FROM raw_telegram_messages WHERE views < 0`,
	},
	{
		Name: "future_dated_messages",
		SQL:  `SELECT COUNT(*) FROM stg_telegram_messages WHERE message_date > NOW()`,
	},
}

// Transformer rebuilds the dimensional star schema from the raw layer.
type Transformer struct {
	DB     *gorm.DB
	Logger *zap.Logger
}

// NewTransformer creates a new star schema transformer.
func NewTransformer(db *gorm.DB, logger *zap.Logger) *Transformer {
	return &Transformer{DB: db, Logger: logger}
}

// Run executes the SQL models in order, then the data-quality checks.
func (t *Transformer) Run(ctx context.Context) error {
	for _, name := range modelFiles {
		stmt, err := t.renderModel(name)
		if err != nil {
			return err
		}
		t.Logger.Info("Building model", zap.String("model", modelName(name)))
		if err := t.DB.WithContext(ctx).Exec(stmt).Error; err != nil {
			return fmt.Errorf("building %s: %w", modelName(name), err)
		}
	}
	t.runQualityChecks(ctx)
	t.Logger.Info("Star schema transform complete")
	return nil
}

// renderModel loads a model file and fills in generated fragments. The
// channel dimension gets its CASE expression from the Go rule table so both
// sides classify identically.
func (t *Transformer) renderModel(name string) (string, error) {
	data, err := modelFS.ReadFile(name)
	if err != nil {
		return "", fmt.Errorf("reading model %s: %w", name, err)
	}
	stmt := string(data)
	if strings.Contains(stmt, "%s") {
		stmt = fmt.Sprintf(stmt, channelTypeCaseSQL("channel_name"))
	}
	return stmt, nil
}

func (t *Transformer) runQualityChecks(ctx context.Context) {
	for _, check := range qualityChecks {
		var violations int64
		if err := t.DB.WithContext(ctx).Raw(check.SQL).Scan(&violations).Error; err != nil {
			t.Logger.Warn("Quality check failed to run",
				zap.String("check", check.Name), zap.Error(err))
			continue
		}
		if violations > 0 {
			t.Logger.Warn("Quality check flagged rows",
				zap.String("check", check.Name), zap.Int64("violations", violations))
		} else {
			t.Logger.Debug("Quality check passed", zap.String("check", check.Name))
		}
	}
}

func modelName(path string) string {
	base := strings.TrimSuffix(path, ".sql")
	if i := strings.LastIndex(base, "/"); i >= 0 {
		base = base[i+1:]
	}
	// strip the ordering prefix
	if i := strings.Index(base, "_"); i >= 0 {
		return base[i+1:]
	}
	return base
}
