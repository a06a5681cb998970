package store

import (
	"context"
	"time"
)

type PromptTypeCount struct {
	PromptType string
	Count      int64
}

// Stats is the rolling-window aggregate shown by /stats and the ops API.
type Stats struct {
	Since          time.Time
	Total          int64
	ByStatus       map[JobStatus]int64
	TopPromptTypes []PromptTypeCount
	LastRun        *PipelineRun
}

var statusOrder = []JobStatus{
	StatusSubmitted, StatusProcessing, StatusSucceeded,
	StatusApproved, StatusRejected, StatusPublished, StatusFailed,
}

// Stats aggregates render-job counts per status, the top prompt types by
// approved count, and the most recent run, over jobs created since the
// window start.
func (r *Repo) Stats(ctx context.Context, window time.Duration) (*Stats, error) {
	since := time.Now().UTC().Add(-window)

	out := &Stats{
		Since:    since,
		ByStatus: make(map[JobStatus]int64, len(statusOrder)),
	}

	for _, status := range statusOrder {
		var n int64
		if err := r.db.WithContext(ctx).Model(&RenderJob{}).
			Where("status = ? AND created_at >= ?", status, since).
			Count(&n).Error; err != nil {
			return nil, err
		}
		out.ByStatus[status] = n
	}

	if err := r.db.WithContext(ctx).Model(&RenderJob{}).
		Where("created_at >= ?", since).
		Count(&out.Total).Error; err != nil {
		return nil, err
	}

	if err := r.db.WithContext(ctx).Model(&RenderJob{}).
		Select("prompt_type, COUNT(*) AS count").
		Where("status = ? AND created_at >= ?", StatusApproved, since).
		Group("prompt_type").
		Order("count DESC").
		Limit(3).
		Scan(&out.TopPromptTypes).Error; err != nil {
		return nil, err
	}

	last, err := r.LastRun(ctx)
	if err != nil {
		return nil, err
	}
	out.LastRun = last

	return out, nil
}
