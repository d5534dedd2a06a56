package usecase

import (
	"context"
	"encoding/json"
	"errors"

	"github.com/go-redis/redis/v8"
	"go.uber.org/zap"

	"github.com/example/stone-check/internal/logging"
	"github.com/example/stone-check/internal/repository"
)

const (
	DefaultHistoryLimit = 20
	MaxHistoryLimit     = 100
)

// GetResult retrieves a stored scan, from the cache when possible.
func (uc *InferenceUseCase) GetResult(ctx context.Context, userID, requestID string) (*repository.ScanLog, error) {
	if uc.repo == nil {
		return nil, ErrHistoryDisabled
	}

	if uc.cache != nil {
		cached, err := uc.cacheGet(ctx, requestID, "cache.get.scan", scanKey(requestID))
		switch {
		case err == nil:
			var scan repository.ScanLog
			if err := json.Unmarshal([]byte(cached), &scan); err != nil {
				logging.WithOperation(uc.logger, "usecase.get_result", requestID).Warn("failed to decode cached scan", zap.Error(err))
			} else if scan.UserID == userID {
				return &scan, nil
			}
		case !errors.Is(err, redis.Nil):
			logging.WithOperation(uc.logger, "usecase.get_result", requestID).Warn("failed to read cache", zap.Error(err))
		}
	}

	return uc.repo.FindByRequestIDAndUser(ctx, requestID, userID)
}

// ListHistory returns the caller's newest scans. Out-of-range limits fall back
// to DefaultHistoryLimit or are capped at MaxHistoryLimit.
func (uc *InferenceUseCase) ListHistory(ctx context.Context, userID string, limit int) ([]*repository.ScanLog, error) {
	if uc.repo == nil {
		return nil, ErrHistoryDisabled
	}
	switch {
	case limit <= 0:
		limit = DefaultHistoryLimit
	case limit > MaxHistoryLimit:
		limit = MaxHistoryLimit
	}
	return uc.repo.ListByUser(ctx, userID, limit)
}

// DeleteScan removes a scan and its cache entry.
func (uc *InferenceUseCase) DeleteScan(ctx context.Context, userID, requestID string) error {
	if uc.repo == nil {
		return ErrHistoryDisabled
	}
	if err := uc.repo.DeleteByRequestIDAndUser(ctx, requestID, userID); err != nil {
		return err
	}
	if uc.cache != nil {
		opLogger := logging.WithOperation(uc.logger, "cache.del.scan", requestID)
		if err := uc.cacheRetry.Do(ctx, opLogger, func() error {
			return uc.cache.Del(ctx, scanKey(requestID))
		}); err != nil {
			opLogger.Warn("failed to evict cached scan", zap.Error(err))
		}
	}
	return nil
}
