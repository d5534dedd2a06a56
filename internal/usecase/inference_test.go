package usecase

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"image"
	"image/color"
	"image/png"
	"strings"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/go-redis/redis/v8"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/example/stone-check/internal/classifier"
	"github.com/example/stone-check/internal/logging"
	"github.com/example/stone-check/internal/repository"
	"github.com/example/stone-check/internal/retry"
)

type stubRepository struct {
	savedLogs  []*repository.ScanLog
	saveErr    error
	findLog    *repository.ScanLog
	findErr    error
	findCalls  int
	listLimit  int
	deleteErr  error
	deletedIDs []string
	agg         *repository.MetricsAggregation
	metricsUser string
}

func (s *stubRepository) SaveLog(ctx context.Context, log *repository.ScanLog) error {
	s.savedLogs = append(s.savedLogs, log)
	return s.saveErr
}

func (s *stubRepository) FindByRequestIDAndUser(ctx context.Context, requestID, userID string) (*repository.ScanLog, error) {
	s.findCalls++
	if s.findErr != nil {
		return nil, s.findErr
	}
	if s.findLog != nil {
		return s.findLog, nil
	}
	return nil, repository.ErrNotFound
}

func (s *stubRepository) ListByUser(ctx context.Context, userID string, limit int) ([]*repository.ScanLog, error) {
	s.listLimit = limit
	return s.savedLogs, nil
}

func (s *stubRepository) DeleteByRequestIDAndUser(ctx context.Context, requestID, userID string) error {
	s.deletedIDs = append(s.deletedIDs, requestID)
	return s.deleteErr
}

func (s *stubRepository) AggregateMetrics(ctx context.Context, userID string) (*repository.MetricsAggregation, error) {
	s.metricsUser = userID
	if s.agg == nil {
		return &repository.MetricsAggregation{}, nil
	}
	return s.agg, nil
}

type stubCache struct {
	setErrs []error
	getErrs []error
	values  map[string]string
	setKeys []string
	getKeys []string
	delKeys []string
}

func (s *stubCache) Set(ctx context.Context, key string, value interface{}, expiration time.Duration) error {
	s.setKeys = append(s.setKeys, key)
	if len(s.setErrs) > 0 {
		err := s.setErrs[0]
		s.setErrs = s.setErrs[1:]
		if err != nil {
			return err
		}
	}
	if s.values == nil {
		s.values = map[string]string{}
	}
	s.values[key] = value.(string)
	return nil
}

func (s *stubCache) Get(ctx context.Context, key string) (string, error) {
	s.getKeys = append(s.getKeys, key)
	if len(s.getErrs) > 0 {
		err := s.getErrs[0]
		s.getErrs = s.getErrs[1:]
		if err != nil {
			return "", err
		}
	}
	v, ok := s.values[key]
	if !ok {
		return "", redis.Nil
	}
	return v, nil
}

func (s *stubCache) Del(ctx context.Context, key string) error {
	s.delKeys = append(s.delKeys, key)
	delete(s.values, key)
	return nil
}

type countingModel struct {
	score float64
	calls int
}

func (m *countingModel) Score(ctx context.Context, t *classifier.Tensor) (float64, error) {
	m.calls++
	return m.score, nil
}

type versionedModel struct {
	countingModel
	fingerprint string
}

func (m *versionedModel) Fingerprint() string {
	return m.fingerprint
}

type transientRedisError struct{}

func (transientRedisError) Error() string   { return "redis transient" }
func (transientRedisError) Timeout() bool   { return true }
func (transientRedisError) Temporary() bool { return true }

func pngBytes(t *testing.T, w, h int) []byte {
	t.Helper()
	img := image.NewRGBA(image.Rect(0, 0, w, h))
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			img.Set(x, y, color.RGBA{R: uint8(x), G: uint8(y), B: 128, A: 255})
		}
	}
	var buf bytes.Buffer
	require.NoError(t, png.Encode(&buf, img))
	return buf.Bytes()
}

func decodeOverlay(uri string) (image.Image, error) {
	const prefix = "data:image/png;base64,"
	if !strings.HasPrefix(uri, prefix) {
		return nil, errors.New("not a PNG data URI")
	}
	raw, err := base64.StdEncoding.DecodeString(strings.TrimPrefix(uri, prefix))
	if err != nil {
		return nil, err
	}
	return png.Decode(bytes.NewReader(raw))
}

func newTestUseCase(model classifier.Model, repo ScanRepository, cache Cache) *InferenceUseCase {
	c := classifier.New(model, classifier.Options{InputSize: 8, OcclusionGrid: 2})
	uc := NewInferenceUseCase(c, repo, cache, time.Minute, zap.NewNop())
	uc.cacheRetry = retry.Policy{Attempts: 3, InitialBackoff: time.Millisecond, MaxBackoff: 2 * time.Millisecond}
	return uc
}

func TestHealthReportsMode(t *testing.T) {
	demo := newTestUseCase(nil, nil, nil).Health()
	assert.Equal(t, HealthStatus{Status: "healthy", ModelLoaded: false, Mode: classifier.ModeDemoFallback}, demo)

	withModel := newTestUseCase(&countingModel{score: 0.7}, nil, nil).Health()
	assert.True(t, withModel.ModelLoaded)
	assert.Equal(t, classifier.ModeRealModel, withModel.Mode)
}

func TestPredictDemoIsIdempotentAndFlagged(t *testing.T) {
	uc := newTestUseCase(nil, nil, nil)
	data := pngBytes(t, 16, 16)

	first, err := uc.Predict(context.Background(), PredictInput{UserID: "anonymous", Data: data})
	require.NoError(t, err)
	second, err := uc.Predict(context.Background(), PredictInput{UserID: "anonymous", Data: data})
	require.NoError(t, err)

	assert.Equal(t, first.Prediction, second.Prediction)
	assert.NotEqual(t, first.RequestID, second.RequestID)
	assert.True(t, first.Demo())
	assert.Equal(t, DemoNotice, first.Notice)
	assert.Equal(t, classifier.DemoScore(data), first.RawScore)
}

func TestPredictRejectsInvalidImage(t *testing.T) {
	repo := &stubRepository{}
	uc := newTestUseCase(nil, repo, nil)

	_, err := uc.Predict(context.Background(), PredictInput{Data: []byte("not an image")})
	require.ErrorIs(t, err, classifier.ErrInvalidImage)

	var opErr *logging.OperationError
	require.ErrorAs(t, err, &opErr)
	assert.Equal(t, "usecase.predict", opErr.Operation)
	assert.Empty(t, repo.savedLogs)
}

func TestPredictPersistsScan(t *testing.T) {
	repo := &stubRepository{}
	cache := &stubCache{}
	uc := newTestUseCase(&countingModel{score: 0.9}, repo, cache)

	out, err := uc.Predict(context.Background(), PredictInput{UserID: "user-1", Filename: "scan.png", Data: pngBytes(t, 12, 12)})
	require.NoError(t, err)
	assert.False(t, out.Demo())
	assert.Empty(t, out.Notice)

	require.Len(t, repo.savedLogs, 1)
	saved := repo.savedLogs[0]
	assert.Equal(t, out.RequestID, saved.RequestID)
	assert.Equal(t, "user-1", saved.UserID)
	assert.Equal(t, "scan.png", saved.Filename)
	assert.Equal(t, classifier.LabelStone, saved.Label)
	assert.Equal(t, string(classifier.ModeRealModel), saved.Mode)
	assert.Contains(t, cache.values, scanKey(out.RequestID))
}

func TestPredictServesCachedPrediction(t *testing.T) {
	model := &countingModel{score: 0.3}
	cache := &stubCache{}
	uc := newTestUseCase(model, nil, cache)
	data := pngBytes(t, 10, 10)

	first, err := uc.Predict(context.Background(), PredictInput{Data: data})
	require.NoError(t, err)
	second, err := uc.Predict(context.Background(), PredictInput{Data: data})
	require.NoError(t, err)

	assert.Equal(t, 1, model.calls)
	assert.Equal(t, first.Prediction, second.Prediction)
	assert.Contains(t, cache.values, predictionKey("model", classifier.UnversionedModel, classifier.ContentHash(data)))
}

func TestPredictRetriesTransientCacheWrite(t *testing.T) {
	cache := &stubCache{setErrs: []error{transientRedisError{}}}
	uc := newTestUseCase(nil, nil, cache)

	_, err := uc.Predict(context.Background(), PredictInput{Data: pngBytes(t, 4, 4)})
	require.NoError(t, err)
	require.Len(t, cache.setKeys, 2)
	assert.Equal(t, cache.setKeys[0], cache.setKeys[1])
}

func TestPredictIgnoresCacheFailure(t *testing.T) {
	cache := &stubCache{getErrs: []error{errors.New("connection refused")}, setErrs: []error{errors.New("connection refused")}}
	uc := newTestUseCase(nil, nil, cache)

	out, err := uc.Predict(context.Background(), PredictInput{Data: pngBytes(t, 4, 4)})
	require.NoError(t, err)
	assert.NotEmpty(t, out.Label)
}

func TestPredictFailsWhenStoreFails(t *testing.T) {
	repo := &stubRepository{saveErr: errors.New("db down")}
	uc := newTestUseCase(nil, repo, nil)

	_, err := uc.Predict(context.Background(), PredictInput{Data: pngBytes(t, 4, 4)})
	require.Error(t, err)

	var opErr *logging.OperationError
	require.ErrorAs(t, err, &opErr)
	assert.Equal(t, "usecase.save_log", opErr.Operation)
}

func TestExplainDemoOverlayMatchesInputSize(t *testing.T) {
	uc := newTestUseCase(nil, nil, nil)

	exp, err := uc.Explain(context.Background(), pngBytes(t, 100, 100))
	require.NoError(t, err)
	assert.Equal(t, classifier.ModeDemoFallback, exp.Mode)

	img, err := decodeOverlay(exp.Heatmap)
	require.NoError(t, err)
	assert.Equal(t, image.Rect(0, 0, 100, 100), img.Bounds())
}

func TestExplainWithModelUsesOcclusion(t *testing.T) {
	model := &countingModel{score: 0.6}
	uc := newTestUseCase(model, nil, nil)

	exp, err := uc.Explain(context.Background(), pngBytes(t, 30, 20))
	require.NoError(t, err)
	assert.Equal(t, classifier.ModeRealModel, exp.Mode)
	assert.Equal(t, 5, model.calls)

	img, err := decodeOverlay(exp.Heatmap)
	require.NoError(t, err)
	assert.Equal(t, image.Rect(0, 0, 30, 20), img.Bounds())
}

func TestExplainRejectsInvalidImage(t *testing.T) {
	uc := newTestUseCase(nil, nil, nil)
	_, err := uc.Explain(context.Background(), []byte{0x00, 0x01})
	require.ErrorIs(t, err, classifier.ErrInvalidImage)
}

func TestHistoryDisabledWithoutStore(t *testing.T) {
	uc := newTestUseCase(nil, nil, nil)
	ctx := context.Background()

	_, err := uc.GetResult(ctx, "u", "r")
	assert.ErrorIs(t, err, ErrHistoryDisabled)
	_, err = uc.ListHistory(ctx, "u", 10)
	assert.ErrorIs(t, err, ErrHistoryDisabled)
	assert.ErrorIs(t, uc.DeleteScan(ctx, "u", "r"), ErrHistoryDisabled)
	_, err = uc.GetMetricsSummary(ctx, "u")
	assert.ErrorIs(t, err, ErrHistoryDisabled)
	assert.False(t, uc.HistoryEnabled())
}

func TestGetResultFallsBackToRepositoryWhenCacheMiss(t *testing.T) {
	cache := &stubCache{}
	expected := &repository.ScanLog{RequestID: "req", UserID: "user", Label: classifier.LabelNormal}
	repo := &stubRepository{findLog: expected}
	uc := newTestUseCase(nil, repo, cache)

	log, err := uc.GetResult(context.Background(), "user", "req")
	require.NoError(t, err)
	assert.Same(t, expected, log)
	assert.Equal(t, 1, repo.findCalls)
}

func TestGetResultUsesCacheForOwner(t *testing.T) {
	scan := repository.ScanLog{RequestID: "req", UserID: "user", Label: classifier.LabelStone, Confidence: 71}
	payload, err := json.Marshal(scan)
	require.NoError(t, err)
	cache := &stubCache{values: map[string]string{scanKey("req"): string(payload)}}
	repo := &stubRepository{}
	uc := newTestUseCase(nil, repo, cache)

	log, err := uc.GetResult(context.Background(), "user", "req")
	require.NoError(t, err)
	assert.Equal(t, 71.0, log.Confidence)
	assert.Equal(t, 0, repo.findCalls)

	_, err = uc.GetResult(context.Background(), "intruder", "req")
	assert.ErrorIs(t, err, repository.ErrNotFound)
	assert.Equal(t, 1, repo.findCalls)
}

func TestListHistoryClampsLimit(t *testing.T) {
	repo := &stubRepository{}
	uc := newTestUseCase(nil, repo, nil)

	_, err := uc.ListHistory(context.Background(), "u", 0)
	require.NoError(t, err)
	assert.Equal(t, DefaultHistoryLimit, repo.listLimit)

	_, err = uc.ListHistory(context.Background(), "u", 5000)
	require.NoError(t, err)
	assert.Equal(t, MaxHistoryLimit, repo.listLimit)
}

func TestDeleteScanEvictsCache(t *testing.T) {
	repo := &stubRepository{}
	cache := &stubCache{values: map[string]string{scanKey("req"): "{}"}}
	uc := newTestUseCase(nil, repo, cache)

	require.NoError(t, uc.DeleteScan(context.Background(), "u", "req"))
	assert.Equal(t, []string{"req"}, repo.deletedIDs)
	assert.Equal(t, []string{scanKey("req")}, cache.delKeys)

	repo.deleteErr = repository.ErrNotFound
	assert.ErrorIs(t, uc.DeleteScan(context.Background(), "u", "missing"), repository.ErrNotFound)
}

func TestGetMetricsSummary(t *testing.T) {
	repo := &stubRepository{agg: &repository.MetricsAggregation{
		TotalCount:                 4,
		StoneCount:                 1,
		AverageConfidence:          80,
		AverageProcessingLatencyMs: 12.5,
	}}
	uc := newTestUseCase(nil, repo, nil)

	summary, err := uc.GetMetricsSummary(context.Background(), "user-9")
	require.NoError(t, err)
	assert.Equal(t, int64(4), summary.TotalScans)
	assert.InDelta(t, 0.25, summary.StoneRate, 1e-9)
	assert.Equal(t, 12.5, summary.AverageProcessingLatencyMs)
	assert.Equal(t, "user-9", repo.metricsUser)
}

func TestRedisCacheRoundTrip(t *testing.T) {
	server := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: server.Addr()})
	t.Cleanup(func() { client.Close() })
	cache := NewRedisCache(client)
	ctx := context.Background()

	_, err := cache.Get(ctx, "missing")
	require.ErrorIs(t, err, redis.Nil)

	require.NoError(t, cache.Set(ctx, "k", "v", time.Minute))
	v, err := cache.Get(ctx, "k")
	require.NoError(t, err)
	assert.Equal(t, "v", v)

	server.FastForward(2 * time.Minute)
	_, err = cache.Get(ctx, "k")
	require.ErrorIs(t, err, redis.Nil)

	require.NoError(t, cache.Set(ctx, "k", "v", 0))
	require.NoError(t, cache.Del(ctx, "k"))
	assert.False(t, server.Exists("k"))
}

func TestPredictWithRedisCache(t *testing.T) {
	server := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: server.Addr()})
	t.Cleanup(func() { client.Close() })

	model := &countingModel{score: 0.95}
	uc := newTestUseCase(model, nil, NewRedisCache(client))
	data := pngBytes(t, 6, 6)

	for i := 0; i < 3; i++ {
		out, err := uc.Predict(context.Background(), PredictInput{Data: data})
		require.NoError(t, err)
		assert.Equal(t, classifier.LabelStone, out.Label)
	}
	assert.Equal(t, 1, model.calls)
	assert.True(t, server.Exists(predictionKey("model", classifier.UnversionedModel, classifier.ContentHash(data))))
}

func TestPredictCacheIsScopedToModelArtifact(t *testing.T) {
	server := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: server.Addr()})
	t.Cleanup(func() { client.Close() })
	data := pngBytes(t, 6, 6)

	previous := &versionedModel{countingModel: countingModel{score: 0.95}, fingerprint: "artifact-a"}
	out, err := newTestUseCase(previous, nil, NewRedisCache(client)).Predict(context.Background(), PredictInput{Data: data})
	require.NoError(t, err)
	require.Equal(t, classifier.LabelStone, out.Label)

	// A restart with a retrained artifact shares the same Redis.
	retrained := &versionedModel{countingModel: countingModel{score: 0.05}, fingerprint: "artifact-b"}
	out, err = newTestUseCase(retrained, nil, NewRedisCache(client)).Predict(context.Background(), PredictInput{Data: data})
	require.NoError(t, err)

	assert.Equal(t, 1, retrained.calls)
	assert.Equal(t, classifier.LabelNormal, out.Label)
	assert.InDelta(t, 0.05, out.RawScore, 1e-9)
	assert.True(t, server.Exists(predictionKey("model", "artifact-a", classifier.ContentHash(data))))
	assert.True(t, server.Exists(predictionKey("model", "artifact-b", classifier.ContentHash(data))))
}

func TestPredictDemoCacheKey(t *testing.T) {
	cache := &stubCache{}
	uc := newTestUseCase(nil, nil, cache)
	data := pngBytes(t, 5, 5)

	_, err := uc.Predict(context.Background(), PredictInput{Data: data})
	require.NoError(t, err)
	assert.Contains(t, cache.values, predictionKey("demo", "demo", classifier.ContentHash(data)))
}
