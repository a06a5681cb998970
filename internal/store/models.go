package store

import (
	"time"

	"github.com/oklog/ulid/v2"
)

type JobStatus string

const (
	StatusSubmitted  JobStatus = "submitted"
	StatusProcessing JobStatus = "processing"
	StatusSucceeded  JobStatus = "succeeded"
	StatusFailed     JobStatus = "failed"
	StatusApproved   JobStatus = "approved"
	StatusRejected   JobStatus = "rejected"
	StatusPublished  JobStatus = "published"
)

type RunStatus string

const (
	RunRunning   RunStatus = "running"
	RunCompleted RunStatus = "completed"
	RunFailed    RunStatus = "failed"
)

type Trigger string

const (
	TriggerManual    Trigger = "manual"
	TriggerScheduled Trigger = "scheduled"
)

// Product is a catalog item candidate for content generation. CatalogID is
// the stable external id; repeat fetches upsert mutable fields in place.
type Product struct {
	ID        uint64  `gorm:"primaryKey;autoIncrement"`
	CatalogID string  `gorm:"type:varchar(64);uniqueIndex;not null"`
	Name      string  `gorm:"type:varchar(255);not null"`
	Category  string  `gorm:"type:varchar(128)"`
	ImageURL  string  `gorm:"type:text"`
	Price     float64 ``
	Vendor    string  `gorm:"type:varchar(128)"`
	AIScore   float64 ``
	CreatedAt time.Time
	UpdatedAt time.Time
}

func (Product) TableName() string { return "products" }

// RenderJob is one request to produce a video for a product. History is
// append-only: regeneration rejects the old job and creates a new one.
type RenderJob struct {
	ID         string    `gorm:"primaryKey;size:26"` // ULID
	ProductID  uint64    `gorm:"index;not null"`
	RemoteID   string    `gorm:"type:varchar(64);index"`
	Prompt     string    `gorm:"type:text;not null"`
	PromptType string    `gorm:"type:varchar(32);index"`
	Status     JobStatus `gorm:"type:varchar(16);index;not null"`

	// Filled when succeeded
	VideoURL      *string `gorm:"type:text"`
	VideoDuration *string `gorm:"type:varchar(16)"`

	// Filled when failed
	FailReason *string `gorm:"type:text"`

	// Set once the job has been handed to the approval gateway; suppresses
	// re-delivery after a restart.
	NotifiedAt *time.Time
	MessageID  *int

	CreatedAt time.Time
	UpdatedAt time.Time
}

func (RenderJob) TableName() string { return "render_jobs" }

// PipelineRun is one execution of the end-to-end pipeline. Rows are never
// deleted.
type PipelineRun struct {
	ID            string    `gorm:"primaryKey;size:26"` // ULID
	Trigger       Trigger   `gorm:"type:varchar(16);not null"`
	ItemsFetched  int       ``
	ItemsSelected int       ``
	JobsCreated   int       ``
	JobsCompleted int       ``
	Status        RunStatus `gorm:"type:varchar(16);index;not null"`
	CreatedAt     time.Time
	UpdatedAt     time.Time
}

func (PipelineRun) TableName() string { return "pipeline_runs" }

// RenderClaim is the atomic per-day idempotency gate: the unique
// (product_id, day_key) index makes the first insert win, so a manual and a
// scheduled run cannot both fan out jobs for the same product on the same
// business day.
type RenderClaim struct {
	ID        uint64 `gorm:"primaryKey;autoIncrement"`
	ProductID uint64 `gorm:"not null;index:uniq_claim_product_day,unique,priority:1"`
	DayKey    string `gorm:"type:varchar(10);not null;index:uniq_claim_product_day,unique,priority:2"`
	CreatedAt time.Time
}

func (RenderClaim) TableName() string { return "render_claims" }

// NewID returns a fresh ULID for RenderJob and PipelineRun primary keys.
func NewID() string {
	return ulid.Make().String()
}

// DayKey formats t as a calendar day in the business timezone.
func DayKey(t time.Time, tz *time.Location) string {
	return t.In(tz).Format("2006-01-02")
}

// JobWithProduct is a render job joined with its owning product's display
// fields, as shown on the approval card.
type JobWithProduct struct {
	ID         string
	ProductID  uint64
	RemoteID   string
	Prompt     string
	PromptType string
	Status     JobStatus
	VideoURL   *string
	FailReason *string
	NotifiedAt *time.Time
	MessageID  *int
	CreatedAt  time.Time

	ProductName string
	CatalogID   string
	Category    string
	Vendor      string
	Price       float64
	ImageURL    string
	AIScore     float64
}
