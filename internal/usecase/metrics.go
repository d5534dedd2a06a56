package usecase

import "context"

// MetricsSummary represents aggregated scan insights.
type MetricsSummary struct {
	TotalScans                 int64   `json:"total_scans"`
	StoneScans                 int64   `json:"stone_scans"`
	StoneRate                  float64 `json:"stone_rate"`
	AverageConfidence          float64 `json:"average_confidence"`
	AverageProcessingLatencyMs float64 `json:"average_processing_latency_ms"`
}

// GetMetricsSummary aggregates the persisted scans of userID, the same scope
// as ListHistory.
func (uc *InferenceUseCase) GetMetricsSummary(ctx context.Context, userID string) (*MetricsSummary, error) {
	if uc.repo == nil {
		return nil, ErrHistoryDisabled
	}

	aggregation, err := uc.repo.AggregateMetrics(ctx, userID)
	if err != nil {
		return nil, err
	}

	summary := &MetricsSummary{
		TotalScans:                 aggregation.TotalCount,
		StoneScans:                 aggregation.StoneCount,
		AverageConfidence:          aggregation.AverageConfidence,
		AverageProcessingLatencyMs: aggregation.AverageProcessingLatencyMs,
	}

	if aggregation.TotalCount > 0 {
		summary.StoneRate = float64(aggregation.StoneCount) / float64(aggregation.TotalCount)
	}

	return summary, nil
}
