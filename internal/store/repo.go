package store

import (
	"context"
	"errors"
	"time"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// ErrBadTransition is returned when a typed status update finds the job in a
// state it cannot legally move from.
var ErrBadTransition = errors.New("store: illegal status transition")

type Repo struct {
	db *gorm.DB
}

func NewRepo(db *gorm.DB) *Repo {
	return &Repo{db: db}
}

// Products

// UpsertProduct inserts the product or, when the catalog id already exists,
// overwrites its mutable fields in place. p.ID is set either way.
func (r *Repo) UpsertProduct(ctx context.Context, p *Product) error {
	err := r.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns: []clause.Column{{Name: "catalog_id"}},
		DoUpdates: clause.AssignmentColumns([]string{
			"name", "category", "image_url", "price", "vendor", "ai_score", "updated_at",
		}),
	}).Create(p).Error
	if err != nil {
		return err
	}
	if p.ID == 0 {
		var existing Product
		if err := r.db.WithContext(ctx).
			Where("catalog_id = ?", p.CatalogID).
			First(&existing).Error; err != nil {
			return err
		}
		p.ID = existing.ID
	}
	return nil
}

func (r *Repo) GetProductByCatalogID(ctx context.Context, catalogID string) (*Product, error) {
	var p Product
	if err := r.db.WithContext(ctx).
		Where("catalog_id = ?", catalogID).
		First(&p).Error; err != nil {
		return nil, err
	}
	return &p, nil
}

// Render jobs

func (r *Repo) CreateRenderJob(ctx context.Context, job *RenderJob) error {
	if job.ID == "" {
		job.ID = NewID()
	}
	if job.Status == "" {
		job.Status = StatusSubmitted
	}
	return r.db.WithContext(ctx).Create(job).Error
}

func (r *Repo) GetRenderJob(ctx context.Context, id string) (*RenderJob, error) {
	var j RenderJob
	if err := r.db.WithContext(ctx).First(&j, "id = ?", id).Error; err != nil {
		return nil, err
	}
	return &j, nil
}

// MarkProcessing records that the remote service has started work on the
// job. A job already past submitted is left untouched.
func (r *Repo) MarkProcessing(ctx context.Context, id string) error {
	return r.db.WithContext(ctx).Model(&RenderJob{}).
		Where("id = ? AND status = ?", id, StatusSubmitted).
		Update("status", StatusProcessing).Error
}

func (r *Repo) MarkSucceeded(ctx context.Context, id, videoURL, duration string) error {
	res := r.db.WithContext(ctx).Model(&RenderJob{}).
		Where("id = ? AND status IN ?", id, []JobStatus{StatusSubmitted, StatusProcessing}).
		Updates(map[string]any{
			"status":         StatusSucceeded,
			"video_url":      videoURL,
			"video_duration": duration,
			"fail_reason":    nil,
		})
	return transitionResult(res)
}

func (r *Repo) MarkFailed(ctx context.Context, id, reason string) error {
	res := r.db.WithContext(ctx).Model(&RenderJob{}).
		Where("id = ? AND status IN ?", id, []JobStatus{StatusSubmitted, StatusProcessing}).
		Updates(map[string]any{
			"status":      StatusFailed,
			"fail_reason": reason,
			"video_url":   nil,
		})
	return transitionResult(res)
}

// Approve moves a succeeded job to approved. Any other starting state is an
// ErrBadTransition: failed or still-rendering jobs cannot be approved.
func (r *Repo) Approve(ctx context.Context, id string) error {
	res := r.db.WithContext(ctx).Model(&RenderJob{}).
		Where("id = ? AND status = ?", id, StatusSucceeded).
		Update("status", StatusApproved)
	return transitionResult(res)
}

func (r *Repo) Reject(ctx context.Context, id string) error {
	res := r.db.WithContext(ctx).Model(&RenderJob{}).
		Where("id = ? AND status = ?", id, StatusSucceeded).
		Update("status", StatusRejected)
	return transitionResult(res)
}

func (r *Repo) Publish(ctx context.Context, id string) error {
	res := r.db.WithContext(ctx).Model(&RenderJob{}).
		Where("id = ? AND status = ?", id, StatusApproved).
		Update("status", StatusPublished)
	return transitionResult(res)
}

// MarkNotified records the approval-card delivery and its Telegram message
// handle.
func (r *Repo) MarkNotified(ctx context.Context, id string, messageID int) error {
	now := time.Now().UTC()
	return r.db.WithContext(ctx).Model(&RenderJob{}).
		Where("id = ?", id).
		Updates(map[string]any{
			"notified_at": now,
			"message_id":  messageID,
		}).Error
}

func transitionResult(res *gorm.DB) error {
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return ErrBadTransition
	}
	return nil
}

const jobWithProductSelect = `render_jobs.*,
products.name AS product_name,
products.catalog_id AS catalog_id,
products.category AS category,
products.vendor AS vendor,
products.price AS price,
products.image_url AS image_url,
products.ai_score AS ai_score`

// JobsAwaitingApproval returns succeeded jobs joined with product display
// fields, newest first.
func (r *Repo) JobsAwaitingApproval(ctx context.Context, limit, offset int) ([]JobWithProduct, error) {
	var rows []JobWithProduct
	err := r.db.WithContext(ctx).Model(&RenderJob{}).
		Select(jobWithProductSelect).
		Joins("JOIN products ON products.id = render_jobs.product_id").
		Where("render_jobs.status = ?", StatusSucceeded).
		Order("render_jobs.created_at DESC, render_jobs.id DESC").
		Limit(limit).
		Offset(offset).
		Scan(&rows).Error
	return rows, err
}

func (r *Repo) CountAwaitingApproval(ctx context.Context) (int64, error) {
	var n int64
	err := r.db.WithContext(ctx).Model(&RenderJob{}).
		Where("status = ?", StatusSucceeded).
		Count(&n).Error
	return n, err
}

func (r *Repo) JobWithProduct(ctx context.Context, id string) (*JobWithProduct, error) {
	var row JobWithProduct
	err := r.db.WithContext(ctx).Model(&RenderJob{}).
		Select(jobWithProductSelect).
		Joins("JOIN products ON products.id = render_jobs.product_id").
		Where("render_jobs.id = ?", id).
		Scan(&row).Error
	if err != nil {
		return nil, err
	}
	if row.ID == "" {
		return nil, gorm.ErrRecordNotFound
	}
	return &row, nil
}

// HasRenderJobToday reports whether the product already has a job created
// within the current business-calendar day.
func (r *Repo) HasRenderJobToday(ctx context.Context, productID uint64, now time.Time, tz *time.Location) (bool, error) {
	local := now.In(tz)
	dayStart := time.Date(local.Year(), local.Month(), local.Day(), 0, 0, 0, 0, tz)

	var n int64
	err := r.db.WithContext(ctx).Model(&RenderJob{}).
		Where("product_id = ? AND created_at >= ?", productID, dayStart.UTC()).
		Count(&n).Error
	return n > 0, err
}

// ClaimRenderSlot inserts the (product, day) claim and reports whether this
// caller won it. A lost claim means a sibling run already holds the product
// for the day.
func (r *Repo) ClaimRenderSlot(ctx context.Context, productID uint64, dayKey string) (bool, error) {
	claim := &RenderClaim{ProductID: productID, DayKey: dayKey}
	err := r.db.WithContext(ctx).Create(claim).Error
	if err == nil {
		return true, nil
	}

	var existing RenderClaim
	getErr := r.db.WithContext(ctx).
		Where("product_id = ? AND day_key = ?", productID, dayKey).
		First(&existing).Error
	if getErr == nil {
		return false, nil
	}
	if errors.Is(getErr, gorm.ErrRecordNotFound) {
		return false, err
	}
	return false, getErr
}

// ReleaseRenderSlot frees a claim whose product produced no submissions, so
// a later run the same day can try again.
func (r *Repo) ReleaseRenderSlot(ctx context.Context, productID uint64, dayKey string) error {
	return r.db.WithContext(ctx).
		Where("product_id = ? AND day_key = ?", productID, dayKey).
		Delete(&RenderClaim{}).Error
}

// Pipeline runs

func (r *Repo) CreateRun(ctx context.Context, trigger Trigger) (*PipelineRun, error) {
	run := &PipelineRun{
		ID:      NewID(),
		Trigger: trigger,
		Status:  RunRunning,
	}
	if err := r.db.WithContext(ctx).Create(run).Error; err != nil {
		return nil, err
	}
	return run, nil
}

func (r *Repo) SetRunFetched(ctx context.Context, id string, n int) error {
	return r.updateRun(ctx, id, map[string]any{"items_fetched": n})
}

func (r *Repo) SetRunSelected(ctx context.Context, id string, n int) error {
	return r.updateRun(ctx, id, map[string]any{"items_selected": n})
}

func (r *Repo) SetRunJobsCreated(ctx context.Context, id string, n int) error {
	return r.updateRun(ctx, id, map[string]any{"jobs_created": n})
}

func (r *Repo) FinishRun(ctx context.Context, id string, completed int, status RunStatus) error {
	return r.updateRun(ctx, id, map[string]any{
		"jobs_completed": completed,
		"status":         status,
	})
}

func (r *Repo) updateRun(ctx context.Context, id string, fields map[string]any) error {
	return r.db.WithContext(ctx).Model(&PipelineRun{}).
		Where("id = ?", id).
		Updates(fields).Error
}

func (r *Repo) GetRun(ctx context.Context, id string) (*PipelineRun, error) {
	var run PipelineRun
	if err := r.db.WithContext(ctx).First(&run, "id = ?", id).Error; err != nil {
		return nil, err
	}
	return &run, nil
}

func (r *Repo) LastRun(ctx context.Context) (*PipelineRun, error) {
	var run PipelineRun
	err := r.db.WithContext(ctx).
		Order("created_at DESC, id DESC").
		First(&run).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &run, nil
}
