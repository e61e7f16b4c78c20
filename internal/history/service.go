// Package history records measurement outcomes for later lookup and
// reporting. Recording never influences the response a client receives.
package history

import (
	"context"
	"crypto/sha1"
	"encoding/hex"
	"errors"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/example/garment-measure/internal/logging"
	"github.com/example/garment-measure/internal/measure"
)

// LogRepository defines the persistence operations needed by the service.
type LogRepository interface {
	SaveLog(ctx context.Context, log *MeasurementLog) error
	FindLatest(ctx context.Context, productID string, sequenceID int) (*MeasurementLog, error)
	AggregateMetrics(ctx context.Context) (*MetricsAggregation, error)
}

// Service records and reads measurement history.
type Service struct {
	repo          LogRepository
	cache         Cache
	logger        *zap.Logger
	ttl           time.Duration
	recordTimeout time.Duration
	retry         retryPolicy

	wg sync.WaitGroup
}

// NewService constructs a history service. cache may be nil.
func NewService(repo LogRepository, cache Cache, ttl time.Duration, logger *zap.Logger) *Service {
	return &Service{
		repo:          repo,
		cache:         cache,
		logger:        logger.Named("history_service"),
		ttl:           ttl,
		recordTimeout: 10 * time.Second,
		retry:         defaultRetryPolicy(),
	}
}

// NewLog builds the log entry for a shaped response.
func NewLog(req measure.Request, resp *measure.Response) *MeasurementLog {
	hash := sha1.Sum([]byte(req.Image))
	log := &MeasurementLog{
		RequestID:    resp.RequestID,
		ProductID:    req.ProductID,
		SequenceID:   req.SequenceID,
		Success:      resp.Success,
		Inferred:     resp.Measurements != nil,
		Errors:       append([]string{}, resp.Errors...),
		OriginalPath: resp.Paths.Original,
		AnalyzedPath: resp.Paths.Analyzed,
		ImageSHA1:    hex.EncodeToString(hash[:]),
		LatencyMs:    resp.Latency.Milliseconds(),
		CreatedAt:    time.Now().UTC(),
	}
	if m := resp.Measurements; m != nil {
		total, chest, shoulder := m.TotalLength, m.ChestWidth, m.ShoulderWidth
		log.TotalLength = &total
		log.ChestWidth = &chest
		log.ShoulderWidth = &shoulder
	}
	return log
}

// Record persists log and refreshes the cache. A cache failure is logged
// and does not fail the call.
func (s *Service) Record(ctx context.Context, log *MeasurementLog) error {
	opLogger := logging.WithOperation(s.logger, "history.record", log.RequestID)
	if err := s.repo.SaveLog(ctx, log); err != nil {
		wrapped := logging.NewOperationError("history.record", log.RequestID, err)
		opLogger.Error("failed to persist measurement log", zap.Error(wrapped))
		return wrapped
	}
	if s.cache == nil {
		return nil
	}
	if err := withRetry(ctx, s.retry, s.logger, "history.cache.put", log.RequestID, func() error {
		return s.cache.Put(ctx, log, s.ttl)
	}); err != nil {
		opLogger.Warn("failed to cache measurement log", zap.Error(err))
	}
	return nil
}

// RecordAsync records in the background, detached from ctx cancellation.
func (s *Service) RecordAsync(ctx context.Context, log *MeasurementLog) {
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		recordCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), s.recordTimeout)
		defer cancel()
		_ = s.Record(recordCtx, log)
	}()
}

// Close waits for pending asynchronous records until ctx is done.
func (s *Service) Close(ctx context.Context) error {
	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Latest returns the newest log for a product photo, from cache when possible.
func (s *Service) Latest(ctx context.Context, productID string, sequenceID int) (*MeasurementLog, error) {
	if s.cache != nil {
		var (
			cached *MeasurementLog
			miss   bool
		)
		err := withRetry(ctx, s.retry, s.logger, "history.cache.latest", "", func() error {
			log, err := s.cache.Latest(ctx, productID, sequenceID)
			if errors.Is(err, ErrCacheMiss) {
				miss = true
				return nil
			}
			cached = log
			return err
		})
		if err != nil {
			logging.WithOperation(s.logger, "history.latest", "").Warn("failed to read cache", zap.Error(err))
		} else if !miss {
			return cached, nil
		}
	}
	return s.repo.FindLatest(ctx, productID, sequenceID)
}
