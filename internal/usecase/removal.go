package usecase

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/example/bgremove/internal/identity"
	"github.com/example/bgremove/internal/logging"
	"github.com/example/bgremove/internal/pipeline"
	"github.com/example/bgremove/internal/repository"
	"github.com/example/bgremove/internal/tier"
)

const (
	ModeSingle = "single"
	ModeBatch  = "batch"
)

// ErrJobNotFound is returned by GetJob for unknown request ids.
var ErrJobNotFound = repository.ErrNotFound

// JobRepository defines the persistence operations needed by the use case.
type JobRepository interface {
	SaveJob(ctx context.Context, job *repository.JobLog) error
	FindByRequestID(ctx context.Context, requestID string) (*repository.JobLog, error)
	AggregateMetrics(ctx context.Context) (*repository.MetricsAggregation, error)
}

// TierResolver fixes the effective tier of a request.
type TierResolver interface {
	Resolve(ctx context.Context, authorization string, requested tier.Tier) tier.Tier
}

// Processor runs images through the background-removal pipeline.
type Processor interface {
	Process(ctx context.Context, name string, raw []byte, t tier.Tier) pipeline.Result
	ProcessBatch(ctx context.Context, items []pipeline.Item, t tier.Tier) []pipeline.Result
}

// TokenRefresher forwards token checks to the identity service.
type TokenRefresher interface {
	Refresh(ctx context.Context, token string) (*identity.User, error)
}

// Request carries the per-request inputs shared by single and batch processing.
type Request struct {
	RequestID     string
	Authorization string
	Requested     tier.Tier
}

// JobSummary describes a finished request without any image data.
type JobSummary struct {
	RequestID     string    `json:"request_id"`
	Mode          string    `json:"mode"`
	RequestedTier string    `json:"requested_tier"`
	EffectiveTier string    `json:"effective_tier"`
	Items         int       `json:"items"`
	Succeeded     int       `json:"succeeded"`
	Failed        int       `json:"failed"`
	LatencyMs     int64     `json:"latency_ms"`
	CreatedAt     time.Time `json:"created_at"`
}

// RemovalUseCase encapsulates the request flow: resolve the tier once, run
// the pipeline, then record a job summary.
type RemovalUseCase struct {
	resolver       TierResolver
	processor      Processor
	tokens         TokenRefresher
	repo           JobRepository
	cache          Cache
	logger         *zap.Logger
	jobTTL         time.Duration
	retryAttempts  int
	initialBackoff time.Duration
	maxBackoff     time.Duration
	now            func() time.Time
}

// NewRemovalUseCase constructs a new use case instance. repo and cache may be
// the Nop implementations when persistence is not configured.
func NewRemovalUseCase(resolver TierResolver, processor Processor, tokens TokenRefresher, repo JobRepository, cache Cache, jobTTL time.Duration, logger *zap.Logger) *RemovalUseCase {
	return &RemovalUseCase{
		resolver:       resolver,
		processor:      processor,
		tokens:         tokens,
		repo:           repo,
		cache:          cache,
		logger:         logger.Named("removal_usecase"),
		jobTTL:         jobTTL,
		retryAttempts:  3,
		initialBackoff: 50 * time.Millisecond,
		maxBackoff:     time.Second,
		now:            time.Now,
	}
}

// RemoveBackground processes a single image.
func (uc *RemovalUseCase) RemoveBackground(ctx context.Context, req Request, item pipeline.Item) pipeline.Result {
	req = uc.withRequestID(req)
	start := uc.now()
	opLogger := logging.WithOperation(uc.logger, "usecase.remove_background", req.RequestID)

	effective := uc.resolver.Resolve(ctx, req.Authorization, req.Requested)
	result := uc.processor.Process(ctx, item.Name, item.Data, effective)
	if result.Failed() {
		opLogger.Warn("image processing failed", zap.String("name", item.Name), zap.Error(result.Err))
	}

	uc.recordJob(ctx, req, ModeSingle, effective, []pipeline.Result{result}, start)
	return result
}

// ProcessBatch processes items in order and returns one result per named item.
func (uc *RemovalUseCase) ProcessBatch(ctx context.Context, req Request, items []pipeline.Item) []pipeline.Result {
	req = uc.withRequestID(req)
	start := uc.now()

	effective := uc.resolver.Resolve(ctx, req.Authorization, req.Requested)
	results := uc.processor.ProcessBatch(ctx, items, effective)

	uc.recordJob(ctx, req, ModeBatch, effective, results, start)
	return results
}

// ValidateToken checks token with the identity service.
func (uc *RemovalUseCase) ValidateToken(ctx context.Context, token string) (*identity.User, error) {
	if uc.tokens == nil {
		return nil, identity.ErrInvalidToken
	}
	return uc.tokens.Refresh(ctx, token)
}

// GetJob returns the summary of a finished request from the cache or the repository.
func (uc *RemovalUseCase) GetJob(ctx context.Context, requestID string) (*JobSummary, error) {
	cacheKey := jobCacheKey(requestID)
	if cached, err := uc.withRedisGet(ctx, requestID, "cache.get.job", cacheKey); err == nil {
		var summary JobSummary
		if err := json.Unmarshal([]byte(cached), &summary); err != nil {
			logging.WithOperation(uc.logger, "usecase.get_job", requestID).Warn("failed to decode cached job", zap.Error(err))
		} else {
			return &summary, nil
		}
	} else if !errors.Is(err, redis.Nil) {
		logging.WithOperation(uc.logger, "usecase.get_job", requestID).Warn("failed to read cache", zap.Error(err))
	}

	job, err := uc.repo.FindByRequestID(ctx, requestID)
	if err != nil {
		return nil, err
	}
	return summaryFromLog(job), nil
}

func (uc *RemovalUseCase) withRequestID(req Request) Request {
	if req.RequestID == "" {
		req.RequestID = uuid.NewString()
	}
	return req
}

// recordJob persists and caches the job summary. Failures are logged only:
// bookkeeping never changes what the caller receives.
func (uc *RemovalUseCase) recordJob(ctx context.Context, req Request, mode string, effective tier.Tier, results []pipeline.Result, start time.Time) {
	ctx = context.WithoutCancel(ctx)
	opLogger := logging.WithOperation(uc.logger, "usecase.record_job", req.RequestID)

	log := &repository.JobLog{
		RequestID:     req.RequestID,
		Mode:          mode,
		RequestedTier: req.Requested.String(),
		EffectiveTier: effective.String(),
		Items:         len(results),
		LatencyMs:     uc.now().Sub(start).Milliseconds(),
		CreatedAt:     start.UTC(),
	}
	for _, r := range results {
		if r.Failed() {
			log.Failed++
		} else {
			log.Succeeded++
		}
	}

	if err := uc.repo.SaveJob(ctx, log); err != nil {
		opLogger.Warn("failed to persist job log", logging.ErrorFields(err)...)
	}

	serialized, err := json.Marshal(summaryFromLog(log))
	if err != nil {
		opLogger.Warn("failed to serialize job summary", zap.Error(err))
		return
	}
	cacheKey := jobCacheKey(req.RequestID)
	if err := uc.withRedisRetry(ctx, req.RequestID, "cache.set.job", func() error {
		return uc.cache.Set(ctx, cacheKey, string(serialized), uc.jobTTL)
	}); err != nil {
		opLogger.Warn("failed to cache job summary", logging.ErrorFields(err)...)
	}

	opLogger.Info("job processed",
		zap.String("mode", mode),
		zap.String("effective_tier", log.EffectiveTier),
		zap.Int("items", log.Items),
		zap.Int("failed", log.Failed),
		zap.Int64("latency_ms", log.LatencyMs),
	)
}

func jobCacheKey(requestID string) string {
	return fmt.Sprintf("job:%s", requestID)
}

func summaryFromLog(log *repository.JobLog) *JobSummary {
	return &JobSummary{
		RequestID:     log.RequestID,
		Mode:          log.Mode,
		RequestedTier: log.RequestedTier,
		EffectiveTier: log.EffectiveTier,
		Items:         log.Items,
		Succeeded:     log.Succeeded,
		Failed:        log.Failed,
		LatencyMs:     log.LatencyMs,
		CreatedAt:     log.CreatedAt,
	}
}

func (uc *RemovalUseCase) withRedisRetry(ctx context.Context, requestID, operation string, fn func() error) error {
	if uc.retryAttempts <= 1 {
		err := fn()
		return logging.NewOperationError(operation, requestID, err)
	}

	backoff := uc.initialBackoff
	opLogger := logging.WithOperation(uc.logger, operation, requestID)
	var err error
	for attempt := 0; attempt < uc.retryAttempts; attempt++ {
		if attempt > 0 {
			select {
			case <-ctx.Done():
				return logging.NewOperationError(operation, requestID, ctx.Err())
			case <-time.After(backoff):
			}
			if next := backoff * 2; next <= uc.maxBackoff {
				backoff = next
			}
		}

		err = fn()
		if err == nil {
			if attempt > 0 {
				opLogger.Info("redis operation succeeded after retry", zap.Int("attempt", attempt+1))
			}
			return nil
		}

		if errors.Is(err, redis.Nil) {
			return err
		}

		if !isTransientError(err) || attempt == uc.retryAttempts-1 {
			opLogger.Error("redis operation failed", zap.Error(err), zap.Int("attempt", attempt+1))
			return logging.NewOperationError(operation, requestID, err)
		}

		opLogger.Warn("transient redis error", zap.Error(err), zap.Int("attempt", attempt+1))
	}
	return logging.NewOperationError(operation, requestID, err)
}

func (uc *RemovalUseCase) withRedisGet(ctx context.Context, requestID, operation, cacheKey string) (string, error) {
	var result string
	err := uc.withRedisRetry(ctx, requestID, operation, func() error {
		value, err := uc.cache.Get(ctx, cacheKey)
		if err != nil {
			return err
		}
		result = value
		return nil
	})
	if err != nil {
		return "", err
	}
	return result, nil
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
