package repository

import (
	"context"
	"errors"
	"time"

	"go.uber.org/zap"
	"gorm.io/gorm"

	"github.com/example/bgremove/internal/logging"
)

// ErrNotFound is returned when no job matches the lookup.
var ErrNotFound = errors.New("job not found")

// JobLog is the persisted summary of one processing request. Image data is
// never stored.
type JobLog struct {
	ID            uint      `gorm:"primaryKey"`
	RequestID     string    `gorm:"column:request_id;uniqueIndex;size:64"`
	Mode          string    `gorm:"column:mode;size:16"`
	RequestedTier string    `gorm:"column:requested_tier;size:16"`
	EffectiveTier string    `gorm:"column:effective_tier;size:16"`
	Items         int       `gorm:"column:items"`
	Succeeded     int       `gorm:"column:succeeded"`
	Failed        int       `gorm:"column:failed"`
	LatencyMs     int64     `gorm:"column:latency_ms"`
	CreatedAt     time.Time `gorm:"column:created_at;index"`
}

// TableName overrides the default table name.
func (JobLog) TableName() string {
	return "job_logs"
}

// MetricsAggregation holds raw aggregates over all job logs.
type MetricsAggregation struct {
	TotalJobs        int64
	TotalItems       int64
	SucceededItems   int64
	FailedItems      int64
	FullTierJobs     int64
	AverageLatencyMs float64
}

// JobRepository provides persistence APIs for job logs.
type JobRepository struct {
	db             *gorm.DB
	logger         *zap.Logger
	retryAttempts  int
	initialBackoff time.Duration
	maxBackoff     time.Duration
}

// NewJobRepository creates a new repository instance.
func NewJobRepository(db *gorm.DB, logger *zap.Logger) *JobRepository {
	return &JobRepository{
		db:             db,
		logger:         logger.Named("job_repository"),
		retryAttempts:  3,
		initialBackoff: 50 * time.Millisecond,
		maxBackoff:     time.Second,
	}
}

// AutoMigrate ensures the schema is available.
func (r *JobRepository) AutoMigrate(ctx context.Context) error {
	return r.executeWithRetry(ctx, "repository.auto_migrate", "", func() error {
		return r.db.WithContext(ctx).AutoMigrate(&JobLog{})
	})
}

// SaveJob persists a job log entry.
func (r *JobRepository) SaveJob(ctx context.Context, job *JobLog) error {
	return r.executeWithRetry(ctx, "repository.save_job", job.RequestID, func() error {
		return r.db.WithContext(ctx).Create(job).Error
	})
}

// FindByRequestID retrieves the job log for requestID.
func (r *JobRepository) FindByRequestID(ctx context.Context, requestID string) (*JobLog, error) {
	var job JobLog
	err := r.executeWithRetry(ctx, "repository.find_job", requestID, func() error {
		return r.db.WithContext(ctx).First(&job, "request_id = ?", requestID).Error
	})
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &job, nil
}

// AggregateMetrics computes totals across every stored job.
func (r *JobRepository) AggregateMetrics(ctx context.Context) (*MetricsAggregation, error) {
	var row struct {
		TotalJobs        int64
		TotalItems       int64
		SucceededItems   int64
		FailedItems      int64
		FullTierJobs     int64
		AverageLatencyMs float64
	}
	err := r.executeWithRetry(ctx, "repository.aggregate_metrics", "", func() error {
		return r.db.WithContext(ctx).
			Model(&JobLog{}).
			Select(`COUNT(*) AS total_jobs,
				COALESCE(SUM(items), 0) AS total_items,
				COALESCE(SUM(succeeded), 0) AS succeeded_items,
				COALESCE(SUM(failed), 0) AS failed_items,
				COALESCE(SUM(CASE WHEN effective_tier = 'full' THEN 1 ELSE 0 END), 0) AS full_tier_jobs,
				COALESCE(AVG(latency_ms), 0) AS average_latency_ms`).
			Scan(&row).Error
	})
	if err != nil {
		return nil, err
	}
	return &MetricsAggregation{
		TotalJobs:        row.TotalJobs,
		TotalItems:       row.TotalItems,
		SucceededItems:   row.SucceededItems,
		FailedItems:      row.FailedItems,
		FullTierJobs:     row.FullTierJobs,
		AverageLatencyMs: row.AverageLatencyMs,
	}, nil
}

func (r *JobRepository) executeWithRetry(ctx context.Context, operation, requestID string, fn func() error) error {
	backoff := r.initialBackoff
	opLogger := logging.WithOperation(r.logger, operation, requestID)
	var err error
	for attempt := 0; attempt < max(1, r.retryAttempts); attempt++ {
		if attempt > 0 {
			select {
			case <-ctx.Done():
				return logging.NewOperationError(operation, requestID, ctx.Err())
			case <-time.After(backoff):
			}
			if next := backoff * 2; next <= r.maxBackoff {
				backoff = next
			}
		}

		err = fn()
		if err == nil {
			if attempt > 0 {
				opLogger.Info("database operation succeeded after retry", zap.Int("attempt", attempt+1))
			}
			return nil
		}

		if errors.Is(err, gorm.ErrRecordNotFound) {
			return err
		}

		if !isTransientError(err) || attempt == r.retryAttempts-1 {
			opLogger.Error("database operation failed", zap.Error(err), zap.Int("attempt", attempt+1))
			return logging.NewOperationError(operation, requestID, err)
		}

		opLogger.Warn("transient database error", zap.Error(err), zap.Int("attempt", attempt+1))
	}
	return logging.NewOperationError(operation, requestID, err)
}

func isTransientError(err error) bool {
	if err == nil {
		return false
	}

	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}

	var netErr interface{ Timeout() bool }
	if errors.As(err, &netErr) && netErr.Timeout() {
		return true
	}

	var temporary interface{ Temporary() bool }
	if errors.As(err, &temporary) && temporary.Temporary() {
		return true
	}

	return false
}

// NopJobRepository discards writes and finds nothing. It is used when no
// database is configured.
type NopJobRepository struct{}

func (NopJobRepository) SaveJob(context.Context, *JobLog) error { return nil }

func (NopJobRepository) FindByRequestID(context.Context, string) (*JobLog, error) {
	return nil, ErrNotFound
}

func (NopJobRepository) AggregateMetrics(context.Context) (*MetricsAggregation, error) {
	return &MetricsAggregation{}, nil
}
