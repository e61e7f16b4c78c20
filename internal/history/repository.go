package history

import (
	"context"
	"errors"
	"time"

	"go.uber.org/zap"
	"gorm.io/gorm"
)

// ErrNotFound is returned when no log exists for a product photo.
var ErrNotFound = errors.New("measurement log not found")

// MeasurementLog is one recorded measurement outcome.
type MeasurementLog struct {
	ID            uint      `gorm:"primaryKey" json:"-"`
	RequestID     string    `gorm:"column:request_id;index;size:64" json:"request_id"`
	ProductID     string    `gorm:"column:product_id;size:128;index:idx_product_sequence" json:"product_id"`
	SequenceID    int       `gorm:"column:sequence_id;index:idx_product_sequence" json:"sequence_id"`
	Success       bool      `gorm:"column:success" json:"success"`
	Inferred      bool      `gorm:"column:inferred" json:"inferred"`
	TotalLength   *float64  `gorm:"column:total_length" json:"total_length"`
	ChestWidth    *float64  `gorm:"column:chest_width" json:"chest_width"`
	ShoulderWidth *float64  `gorm:"column:shoulder_width" json:"shoulder_width"`
	Errors        []string  `gorm:"column:errors;serializer:json;type:text" json:"errors"`
	OriginalPath  string    `gorm:"column:original_path;size:512" json:"original_path"`
	AnalyzedPath  string    `gorm:"column:analyzed_path;size:512" json:"analyzed_path"`
	ImageSHA1     string    `gorm:"column:image_sha1;size:40;index" json:"image_sha1"`
	LatencyMs     int64     `gorm:"column:latency_ms" json:"latency_ms"`
	CreatedAt     time.Time `gorm:"column:created_at" json:"created_at"`
}

// TableName overrides the default table name.
func (MeasurementLog) TableName() string {
	return "measurement_logs"
}

// MetricsAggregation holds raw aggregates over all logs.
type MetricsAggregation struct {
	TotalCount       int64
	SuccessCount     int64
	PartialCount     int64
	AverageLatencyMs float64
}

// Repository provides persistence APIs for measurement logs.
type Repository struct {
	db     *gorm.DB
	logger *zap.Logger
	retry  retryPolicy
}

// NewRepository creates a new repository instance.
func NewRepository(db *gorm.DB, logger *zap.Logger) *Repository {
	return &Repository{
		db:     db,
		logger: logger.Named("history_repository"),
		retry:  defaultRetryPolicy(),
	}
}

// AutoMigrate ensures the schema is available.
func (r *Repository) AutoMigrate(ctx context.Context) error {
	return r.executeWithRetry(ctx, "history.auto_migrate", "", func() error {
		return r.db.WithContext(ctx).AutoMigrate(&MeasurementLog{})
	})
}

// SaveLog persists a measurement log entry.
func (r *Repository) SaveLog(ctx context.Context, log *MeasurementLog) error {
	return r.executeWithRetry(ctx, "history.save_log", log.RequestID, func() error {
		return r.db.WithContext(ctx).Create(log).Error
	})
}

// FindLatest returns the newest log for a product photo.
func (r *Repository) FindLatest(ctx context.Context, productID string, sequenceID int) (*MeasurementLog, error) {
	var log MeasurementLog
	err := r.executeWithRetry(ctx, "history.find_latest", "", func() error {
		return r.db.WithContext(ctx).
			Where("product_id = ? AND sequence_id = ?", productID, sequenceID).
			Order("created_at DESC, id DESC").
			First(&log).Error
	})
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &log, nil
}

// AggregateMetrics computes totals over all logs.
func (r *Repository) AggregateMetrics(ctx context.Context) (*MetricsAggregation, error) {
	var agg MetricsAggregation
	err := r.executeWithRetry(ctx, "history.aggregate_metrics", "", func() error {
		return r.db.WithContext(ctx).Model(&MeasurementLog{}).Select(
			"COUNT(*) AS total_count, " +
				"COALESCE(SUM(CASE WHEN success THEN 1 ELSE 0 END), 0) AS success_count, " +
				"COALESCE(SUM(CASE WHEN inferred AND NOT success THEN 1 ELSE 0 END), 0) AS partial_count, " +
				"COALESCE(AVG(latency_ms), 0) AS average_latency_ms",
		).Scan(&agg).Error
	})
	if err != nil {
		return nil, err
	}
	return &agg, nil
}

func (r *Repository) executeWithRetry(ctx context.Context, operation, requestID string, fn func() error) error {
	return withRetry(ctx, r.retry, r.logger, operation, requestID, fn)
}
