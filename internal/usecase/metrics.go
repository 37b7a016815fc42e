package usecase

import "context"

// MetricsSummary represents aggregated processing insights.
type MetricsSummary struct {
	TotalJobs        int64   `json:"total_jobs"`
	TotalImages      int64   `json:"total_images"`
	SucceededImages  int64   `json:"succeeded_images"`
	FailedImages     int64   `json:"failed_images"`
	SuccessRate      float64 `json:"success_rate"`
	FullTierRate     float64 `json:"full_tier_rate"`
	AverageLatencyMs float64 `json:"average_latency_ms"`
}

// GetMetricsSummary aggregates processing metrics from persisted job logs.
func (uc *RemovalUseCase) GetMetricsSummary(ctx context.Context) (*MetricsSummary, error) {
	aggregation, err := uc.repo.AggregateMetrics(ctx)
	if err != nil {
		return nil, err
	}

	summary := &MetricsSummary{
		TotalJobs:        aggregation.TotalJobs,
		TotalImages:      aggregation.TotalItems,
		SucceededImages:  aggregation.SucceededItems,
		FailedImages:     aggregation.FailedItems,
		AverageLatencyMs: aggregation.AverageLatencyMs,
	}

	if aggregation.TotalItems > 0 {
		summary.SuccessRate = float64(aggregation.SucceededItems) / float64(aggregation.TotalItems)
	}
	if aggregation.TotalJobs > 0 {
		summary.FullTierRate = float64(aggregation.FullTierJobs) / float64(aggregation.TotalJobs)
	}

	return summary, nil
}
