package repository

import (
	"context"
	"errors"
	"time"

	"go.uber.org/zap"
	"gorm.io/gorm"

	"github.com/example/stone-check/internal/logging"
	"github.com/example/stone-check/internal/retry"
)

// ErrNotFound is returned when no scan matches the request and owner.
var ErrNotFound = errors.New("scan not found")

// ScanLog represents a persisted prediction.
type ScanLog struct {
	ID                  uint      `gorm:"primaryKey" json:"-"`
	RequestID           string    `gorm:"column:request_id;uniqueIndex;size:64" json:"request_id"`
	UserID              string    `gorm:"column:user_id;index;size:64" json:"user_id"`
	Filename            string    `gorm:"column:filename;size:255" json:"filename"`
	ImageHash           string    `gorm:"column:image_hash;index;size:32" json:"image_hash"`
	Label               string    `gorm:"column:label;size:16" json:"prediction"`
	Confidence          float64   `gorm:"column:confidence" json:"confidence"`
	RawScore            float64   `gorm:"column:raw_score" json:"raw_score"`
	Mode                string    `gorm:"column:mode;size:16" json:"mode"`
	ProcessingLatencyMs float64   `gorm:"column:processing_latency_ms" json:"processing_latency_ms"`
	CreatedAt           time.Time `gorm:"column:created_at;index" json:"created_at"`
}

// TableName overrides the default table name.
func (ScanLog) TableName() string {
	return "scan_logs"
}

// MetricsAggregation is the raw result of the summary query.
type MetricsAggregation struct {
	TotalCount                 int64
	StoneCount                 int64
	AverageConfidence          float64
	AverageProcessingLatencyMs float64
}

// ScanRepository persists scan logs with gorm.
type ScanRepository struct {
	db             *gorm.DB
	logger         *zap.Logger
	retryAttempts  int
	initialBackoff time.Duration
	maxBackoff     time.Duration
}

// NewScanRepository creates a new repository instance.
func NewScanRepository(db *gorm.DB, logger *zap.Logger) *ScanRepository {
	return &ScanRepository{
		db:             db,
		logger:         logger.Named("scan_repository"),
		retryAttempts:  3,
		initialBackoff: 50 * time.Millisecond,
		maxBackoff:     time.Second,
	}
}

// AutoMigrate ensures the schema is available.
func (r *ScanRepository) AutoMigrate(ctx context.Context) error {
	return r.executeWithRetry(ctx, "repository.auto_migrate", "", func() error {
		return r.db.WithContext(ctx).AutoMigrate(&ScanLog{})
	})
}

// SaveLog persists a scan log entry.
func (r *ScanRepository) SaveLog(ctx context.Context, log *ScanLog) error {
	return r.executeWithRetry(ctx, "repository.save_log", log.RequestID, func() error {
		return r.db.WithContext(ctx).Create(log).Error
	})
}

// FindByRequestIDAndUser retrieves a scan log matching the request and owner.
func (r *ScanRepository) FindByRequestIDAndUser(ctx context.Context, requestID, userID string) (*ScanLog, error) {
	var log ScanLog
	err := r.executeWithRetry(ctx, "repository.find_log", requestID, func() error {
		err := r.db.WithContext(ctx).First(&log, "request_id = ? AND user_id = ?", requestID, userID).Error
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return ErrNotFound
		}
		return err
	})
	if err != nil {
		return nil, err
	}
	return &log, nil
}

// ListByUser returns the newest scans of userID first.
func (r *ScanRepository) ListByUser(ctx context.Context, userID string, limit int) ([]*ScanLog, error) {
	var logs []*ScanLog
	err := r.executeWithRetry(ctx, "repository.list_logs", "", func() error {
		logs = nil
		return r.db.WithContext(ctx).
			Where("user_id = ?", userID).
			Order("created_at DESC").
			Limit(limit).
			Find(&logs).Error
	})
	if err != nil {
		return nil, err
	}
	return logs, nil
}

// DeleteByRequestIDAndUser removes a scan; ErrNotFound when nothing matched.
func (r *ScanRepository) DeleteByRequestIDAndUser(ctx context.Context, requestID, userID string) error {
	return r.executeWithRetry(ctx, "repository.delete_log", requestID, func() error {
		res := r.db.WithContext(ctx).Where("request_id = ? AND user_id = ?", requestID, userID).Delete(&ScanLog{})
		if res.Error != nil {
			return res.Error
		}
		if res.RowsAffected == 0 {
			return ErrNotFound
		}
		return nil
	})
}

// AggregateMetrics computes counts and averages over the scans of userID.
func (r *ScanRepository) AggregateMetrics(ctx context.Context, userID string) (*MetricsAggregation, error) {
	var agg MetricsAggregation
	err := r.executeWithRetry(ctx, "repository.aggregate_metrics", "", func() error {
		return r.db.WithContext(ctx).Model(&ScanLog{}).
			Where("user_id = ?", userID).
			Select(`COUNT(*) AS total_count,
				COALESCE(SUM(CASE WHEN label = 'Stone' THEN 1 ELSE 0 END), 0) AS stone_count,
				COALESCE(AVG(confidence), 0) AS average_confidence,
				COALESCE(AVG(processing_latency_ms), 0) AS average_processing_latency_ms`).
			Scan(&agg).Error
	})
	if err != nil {
		return nil, err
	}
	return &agg, nil
}

func isNotFound(err error) bool {
	return errors.Is(err, ErrNotFound)
}

func (r *ScanRepository) executeWithRetry(ctx context.Context, operation, requestID string, fn func() error) error {
	policy := retry.Policy{
		Attempts:       r.retryAttempts,
		InitialBackoff: r.initialBackoff,
		MaxBackoff:     r.maxBackoff,
		Expected:       isNotFound,
	}
	err := policy.Do(ctx, logging.WithOperation(r.logger, operation, requestID), fn)
	if errors.Is(err, ErrNotFound) {
		return err
	}
	return logging.NewOperationError(operation, requestID, err)
}
