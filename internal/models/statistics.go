package models

import "time"

// PlatformStatistics is the per-platform breakdown within MessageStatistics.
type PlatformStatistics struct {
	Attempts              int     `json:"attempts"`
	Successes             int     `json:"successes"`
	Failures              int     `json:"failures"`
	SuccessRate           float64 `json:"success_rate"`
	AverageResponseTimeMs float64 `json:"average_response_time_ms"`
}

// MessageStatistics summarises persisted responses within an optional range.
type MessageStatistics struct {
	From                    *time.Time                    `json:"from,omitempty"`
	To                      *time.Time                    `json:"to,omitempty"`
	TotalMessages           int                           `json:"total_messages"`
	SuccessfulMessages      int                           `json:"successful_messages"`
	PartialMessages         int                           `json:"partial_messages"`
	FailedMessages          int                           `json:"failed_messages"`
	PendingMessages         int                           `json:"pending_messages"`
	CancelledMessages       int                           `json:"cancelled_messages"`
	AverageProcessingTimeMs float64                       `json:"average_processing_time_ms"`
	AverageSuccessRate      float64                       `json:"average_success_rate"`
	Platforms               map[string]PlatformStatistics `json:"platforms"`
}

// ComputeStatistics folds responses into MessageStatistics. Pending and
// cancelled responses count toward the totals but not the averages.
func ComputeStatistics(responses []*MessageResponse, from, to *time.Time) MessageStatistics {
	stats := MessageStatistics{
		From:      from,
		To:        to,
		Platforms: make(map[string]PlatformStatistics),
	}

	var processingSum, rateSum float64
	var completed int
	responseTimeSums := make(map[string]int64)

	for _, r := range responses {
		stats.TotalMessages++
		switch r.Status {
		case MessageStatusSent:
			stats.SuccessfulMessages++
		case MessageStatusPartialSuccess:
			stats.PartialMessages++
		case MessageStatusFailed:
			stats.FailedMessages++
		case MessageStatusPending:
			stats.PendingMessages++
			continue
		case MessageStatusCancelled:
			stats.CancelledMessages++
			continue
		}

		completed++
		processingSum += float64(r.ProcessingTimeMs)
		rateSum += r.SuccessRate()

		for name, pr := range r.PlatformResults {
			ps := stats.Platforms[name]
			ps.Attempts++
			if pr.Success {
				ps.Successes++
			} else {
				ps.Failures++
			}
			responseTimeSums[name] += pr.ResponseTimeMs
			stats.Platforms[name] = ps
		}
	}

	if completed > 0 {
		stats.AverageProcessingTimeMs = processingSum / float64(completed)
		stats.AverageSuccessRate = rateSum / float64(completed)
	}
	for name, ps := range stats.Platforms {
		if ps.Attempts > 0 {
			ps.SuccessRate = float64(ps.Successes) / float64(ps.Attempts)
			ps.AverageResponseTimeMs = float64(responseTimeSums[name]) / float64(ps.Attempts)
		}
		stats.Platforms[name] = ps
	}
	return stats
}
