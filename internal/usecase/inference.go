package usecase

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/example/stone-check/internal/classifier"
	"github.com/example/stone-check/internal/heatmap"
	"github.com/example/stone-check/internal/logging"
	"github.com/example/stone-check/internal/repository"
	"github.com/example/stone-check/internal/retry"
)

// DemoNotice accompanies every result produced without a model.
const DemoNotice = "Demo mode: no model is loaded. The score is derived from a hash of the uploaded file and carries no diagnostic meaning."

// ErrHistoryDisabled is returned by history operations when no store is configured.
var ErrHistoryDisabled = errors.New("history storage disabled")

// ScanRepository defines the persistence operations needed by the use case.
type ScanRepository interface {
	SaveLog(ctx context.Context, log *repository.ScanLog) error
	FindByRequestIDAndUser(ctx context.Context, requestID, userID string) (*repository.ScanLog, error)
	ListByUser(ctx context.Context, userID string, limit int) ([]*repository.ScanLog, error)
	DeleteByRequestIDAndUser(ctx context.Context, requestID, userID string) error
	AggregateMetrics(ctx context.Context, userID string) (*repository.MetricsAggregation, error)
}

// InferenceUseCase is the application context shared by all handlers. It is
// built once at startup; repo and cache may be nil.
type InferenceUseCase struct {
	classifier *classifier.Classifier
	repo       ScanRepository
	cache      Cache
	cacheTTL   time.Duration
	logger     *zap.Logger
	cacheRetry retry.Policy
	now        func() time.Time
}

// PredictInput is one uploaded image.
type PredictInput struct {
	UserID   string
	Filename string
	Data     []byte
}

// PredictOutcome is a prediction tagged with the mode that produced it.
type PredictOutcome struct {
	RequestID string
	classifier.Prediction
	Mode   classifier.Mode
	Notice string
}

// Demo reports whether the outcome came from the hash-based fallback.
func (o *PredictOutcome) Demo() bool {
	return o.Mode == classifier.ModeDemoFallback
}

// Explanation is an overlay encoded as a PNG data URI.
type Explanation struct {
	Heatmap string
	Mode    classifier.Mode
}

// HealthStatus is the liveness report.
type HealthStatus struct {
	Status      string          `json:"status"`
	ModelLoaded bool            `json:"model_loaded"`
	Mode        classifier.Mode `json:"mode"`
}

// NewInferenceUseCase constructs a new use case instance.
func NewInferenceUseCase(c *classifier.Classifier, repo ScanRepository, cache Cache, cacheTTL time.Duration, logger *zap.Logger) *InferenceUseCase {
	return &InferenceUseCase{
		classifier: c,
		repo:       repo,
		cache:      cache,
		cacheTTL:   cacheTTL,
		logger:     logger.Named("inference_usecase"),
		cacheRetry: retry.Policy{Attempts: 3, InitialBackoff: 50 * time.Millisecond, MaxBackoff: time.Second},
		now:        time.Now,
	}
}

func (uc *InferenceUseCase) Mode() classifier.Mode {
	return uc.classifier.Mode()
}

// HistoryEnabled reports whether a store is configured.
func (uc *InferenceUseCase) HistoryEnabled() bool {
	return uc.repo != nil
}

// Health never fails.
func (uc *InferenceUseCase) Health() HealthStatus {
	return HealthStatus{
		Status:      "healthy",
		ModelLoaded: uc.classifier.ModelLoaded(),
		Mode:        uc.classifier.Mode(),
	}
}

// Predict classifies one upload, caching by content hash and recording the scan
// when a store is configured. Undecodable uploads fail with classifier.ErrInvalidImage.
func (uc *InferenceUseCase) Predict(ctx context.Context, in PredictInput) (*PredictOutcome, error) {
	requestID := uuid.NewString()
	opLogger := logging.WithOperation(uc.logger, "usecase.predict", requestID)
	start := uc.now()

	mode := uc.classifier.Mode()
	hash := classifier.ContentHash(in.Data)
	cacheKey := predictionKey(string(mode), uc.classifier.ModelFingerprint(), hash)

	prediction, hit := uc.cachedPrediction(ctx, requestID, cacheKey)
	if !hit {
		p, err := uc.classifier.Predict(ctx, in.Data)
		if err != nil {
			wrapped := logging.NewOperationError("usecase.predict", requestID, err)
			if errors.Is(err, classifier.ErrInvalidImage) {
				opLogger.Info("rejected upload", zap.Error(err), zap.String("filename", in.Filename))
			} else {
				opLogger.Error("prediction failed", zap.Error(wrapped))
			}
			return nil, wrapped
		}
		prediction = *p
		uc.storeCache(ctx, requestID, "cache.set.prediction", cacheKey, prediction)
	}

	outcome := &PredictOutcome{
		RequestID:  requestID,
		Prediction: prediction,
		Mode:       mode,
	}
	if outcome.Demo() {
		outcome.Notice = DemoNotice
	}

	latency := uc.now().Sub(start)
	opLogger.Info("prediction served",
		zap.String("label", prediction.Label),
		zap.Float64("confidence", prediction.Confidence),
		zap.String("mode", string(mode)),
		zap.Bool("cache_hit", hit),
		zap.Duration("latency", latency))

	if uc.repo == nil {
		return outcome, nil
	}

	scan := &repository.ScanLog{
		RequestID:           requestID,
		UserID:              in.UserID,
		Filename:            in.Filename,
		ImageHash:           hash,
		Label:               prediction.Label,
		Confidence:          prediction.Confidence,
		RawScore:            prediction.RawScore,
		Mode:                string(mode),
		ProcessingLatencyMs: float64(latency.Microseconds()) / 1000,
		CreatedAt:           start.UTC(),
	}
	if err := uc.repo.SaveLog(ctx, scan); err != nil {
		wrapped := logging.NewOperationError("usecase.save_log", requestID, err)
		opLogger.Error("failed to persist scan", zap.Error(wrapped))
		return nil, wrapped
	}
	uc.storeCache(ctx, requestID, "cache.set.scan", scanKey(requestID), scan)

	return outcome, nil
}

// Explain renders the saliency overlay for one upload.
func (uc *InferenceUseCase) Explain(ctx context.Context, data []byte) (*Explanation, error) {
	opLogger := logging.WithOperation(uc.logger, "usecase.explain", "")

	img, sal, err := uc.classifier.Explain(ctx, data)
	if err != nil {
		wrapped := logging.NewOperationError("usecase.explain", "", err)
		if !errors.Is(err, classifier.ErrInvalidImage) {
			opLogger.Error("saliency failed", zap.Error(wrapped))
		}
		return nil, wrapped
	}

	overlay, err := heatmap.Overlay(img, sal)
	if err != nil {
		wrapped := logging.NewOperationError("usecase.explain", "", err)
		opLogger.Error("overlay rendering failed", zap.Error(wrapped))
		return nil, wrapped
	}

	return &Explanation{Heatmap: heatmap.EncodeDataURI(overlay), Mode: uc.classifier.Mode()}, nil
}

func (uc *InferenceUseCase) cachedPrediction(ctx context.Context, requestID, key string) (classifier.Prediction, bool) {
	var p classifier.Prediction
	if uc.cache == nil {
		return p, false
	}

	raw, err := uc.cacheGet(ctx, requestID, "cache.get.prediction", key)
	if err != nil {
		if !errors.Is(err, redis.Nil) {
			logging.WithOperation(uc.logger, "cache.get.prediction", requestID).Warn("failed to read cache", zap.Error(err))
		}
		return p, false
	}
	if err := json.Unmarshal([]byte(raw), &p); err != nil {
		logging.WithOperation(uc.logger, "cache.get.prediction", requestID).Warn("failed to decode cached prediction", zap.Error(err))
		return p, false
	}
	return p, true
}

// storeCache is best effort; failures are logged.
func (uc *InferenceUseCase) storeCache(ctx context.Context, requestID, operation, key string, value any) {
	if uc.cache == nil {
		return
	}
	opLogger := logging.WithOperation(uc.logger, operation, requestID)

	serialized, err := json.Marshal(value)
	if err != nil {
		opLogger.Warn("failed to serialize cache entry", zap.Error(err))
		return
	}
	err = uc.cacheRetry.Do(ctx, opLogger, func() error {
		return uc.cache.Set(ctx, key, string(serialized), uc.cacheTTL)
	})
	if err != nil {
		opLogger.Warn("failed to write cache", zap.Error(err))
	}
}

func (uc *InferenceUseCase) cacheGet(ctx context.Context, requestID, operation, key string) (string, error) {
	var (
		result string
		miss   bool
	)
	err := uc.cacheRetry.Do(ctx, logging.WithOperation(uc.logger, operation, requestID), func() error {
		value, err := uc.cache.Get(ctx, key)
		if errors.Is(err, redis.Nil) {
			miss = true
			return nil
		}
		if err != nil {
			return err
		}
		result = value
		return nil
	})
	if err != nil {
		return "", err
	}
	if miss {
		return "", redis.Nil
	}
	return result, nil
}
