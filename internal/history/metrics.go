package history

import "context"

// MetricsSummary represents aggregated measurement insights.
type MetricsSummary struct {
	TotalRequests              int64   `json:"total_requests"`
	SuccessfulRequests         int64   `json:"successful_requests"`
	PartialRequests            int64   `json:"partial_requests"`
	SuccessRate                float64 `json:"success_rate"`
	AverageProcessingLatencyMs float64 `json:"average_processing_latency_ms"`
}

// MetricsSummary aggregates measurement metrics from persisted logs.
// Partial requests are those that returned measurements but failed to
// store the original photo.
func (s *Service) MetricsSummary(ctx context.Context) (*MetricsSummary, error) {
	aggregation, err := s.repo.AggregateMetrics(ctx)
	if err != nil {
		return nil, err
	}

	summary := &MetricsSummary{
		TotalRequests:              aggregation.TotalCount,
		SuccessfulRequests:         aggregation.SuccessCount,
		PartialRequests:            aggregation.PartialCount,
		AverageProcessingLatencyMs: aggregation.AverageLatencyMs,
	}
	if aggregation.TotalCount > 0 {
		summary.SuccessRate = float64(aggregation.SuccessCount) / float64(aggregation.TotalCount)
	}
	return summary, nil
}
