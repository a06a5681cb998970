// Package pipeline drives the end-to-end content generation run:
// fetch -> curate -> fan out render jobs -> poll to completion -> hand off
// for approval.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/wabrum/content-bot/internal/catalog"
	"github.com/wabrum/content-bot/internal/curator"
	"github.com/wabrum/content-bot/internal/render"
	"github.com/wabrum/content-bot/internal/store"
)

var (
	// ErrNoItems aborts a run whose catalog fetch produced nothing usable.
	ErrNoItems = errors.New("pipeline: no items to process")
	// ErrNoJobs marks a run where every submission failed or was skipped.
	ErrNoJobs = errors.New("pipeline: no render jobs created")
	// ErrRunActive is returned when the advisory run lock is already held.
	ErrRunActive = errors.New("pipeline: another run is already active")
)

type Catalog interface {
	FetchRecent(ctx context.Context, sinceDays, limit int) ([]catalog.Item, error)
	FetchPopular(ctx context.Context, limit int) ([]catalog.Item, error)
}

type Curator interface {
	ScoreAndSelect(ctx context.Context, items []curator.ItemSummary, topN int) ([]curator.Scored, error)
	GenerateInstructions(ctx context.Context, item curator.ItemSummary) ([]curator.Instruction, error)
}

type Renderer interface {
	Submit(ctx context.Context, imageURL, prompt string) (string, error)
	Poll(ctx context.Context, remoteID string) (render.PollResult, error)
}

// Notifier is the approval gateway boundary: it presents finished renders to
// operators and carries plain status commentary.
type Notifier interface {
	Notify(ctx context.Context, text string)
	SendForApproval(ctx context.Context, job *store.JobWithProduct) (messageID int, err error)
}

// RunLock serializes whole runs. Optional; the per-day render claim in the
// store remains the hard idempotency boundary either way.
type RunLock interface {
	TryLock(ctx context.Context) (release func(), ok bool, err error)
}

type Options struct {
	FetchRecentDays   int
	FetchRecentLimit  int
	FetchPopularLimit int
	SelectTopN        int
	PollInterval      time.Duration
	JobTimeout        time.Duration
	HandoffPause      time.Duration
	BusinessTZ        *time.Location
}

func (o *Options) withDefaults() {
	if o.FetchRecentDays <= 0 {
		o.FetchRecentDays = 7
	}
	if o.FetchRecentLimit <= 0 {
		o.FetchRecentLimit = 15
	}
	if o.FetchPopularLimit <= 0 {
		o.FetchPopularLimit = 10
	}
	if o.SelectTopN <= 0 {
		o.SelectTopN = 5
	}
	if o.PollInterval <= 0 {
		o.PollInterval = 30 * time.Second
	}
	if o.JobTimeout <= 0 {
		o.JobTimeout = 10 * time.Minute
	}
	if o.HandoffPause <= 0 {
		o.HandoffPause = 2 * time.Second
	}
	if o.BusinessTZ == nil {
		o.BusinessTZ = time.UTC
	}
}

type Orchestrator struct {
	repo     *store.Repo
	catalog  Catalog
	curator  Curator
	renderer Renderer
	notifier Notifier
	lock     RunLock
	opts     Options

	now func() time.Time
}

func New(repo *store.Repo, cat Catalog, cur Curator, ren Renderer, not Notifier, opts Options) *Orchestrator {
	opts.withDefaults()
	return &Orchestrator{
		repo:     repo,
		catalog:  cat,
		curator:  cur,
		renderer: ren,
		notifier: not,
		opts:     opts,
		now:      time.Now,
	}
}

// SetRunLock installs an optional run-level advisory lock.
func (o *Orchestrator) SetRunLock(l RunLock) { o.lock = l }

type RunSummary struct {
	RunID         string
	Trigger       store.Trigger
	ItemsFetched  int
	ItemsSelected int
	JobsCreated   int
	JobsCompleted int
	Status        store.RunStatus
}

// Run executes one full pipeline invocation. Stages run strictly in
// sequence; per-item failures inside fan-out and polling reduce the
// completed count without aborting siblings.
func (o *Orchestrator) Run(ctx context.Context, trigger store.Trigger) (*RunSummary, error) {
	if o.lock != nil {
		release, ok, err := o.lock.TryLock(ctx)
		if err != nil {
			log.Warn().Err(err).Msg("pipeline: run lock unavailable, proceeding without it")
		} else if !ok {
			return nil, ErrRunActive
		} else {
			defer release()
		}
	}

	run, err := o.repo.CreateRun(ctx, trigger)
	if err != nil {
		return nil, fmt.Errorf("pipeline: create run: %w", err)
	}
	summary := &RunSummary{RunID: run.ID, Trigger: trigger, Status: store.RunRunning}
	log.Info().Str("run_id", run.ID).Str("trigger", string(trigger)).Msg("pipeline: run started")

	// Stage 1: fetch
	items, err := o.fetchCandidates(ctx)
	if err != nil {
		return summary, o.failRun(ctx, summary, err)
	}
	summary.ItemsFetched = len(items)
	if len(items) == 0 {
		return summary, o.failRun(ctx, summary, ErrNoItems)
	}
	if err := o.repo.SetRunFetched(ctx, run.ID, len(items)); err != nil {
		return summary, o.failRun(ctx, summary, err)
	}
	o.notifier.Notify(ctx, fmt.Sprintf("Fetched %d products from the catalog.", len(items)))

	// Stage 2: curate
	summaries := make([]curator.ItemSummary, 0, len(items))
	for _, it := range items {
		summaries = append(summaries, toSummary(it))
	}
	scored, err := o.curator.ScoreAndSelect(ctx, summaries, o.opts.SelectTopN)
	if err != nil {
		return summary, o.failRun(ctx, summary, fmt.Errorf("curation: %w", err))
	}
	selected := selectedEntries(scored)
	if len(selected) == 0 {
		selected = topNByScore(scored, o.opts.SelectTopN)
	}
	summary.ItemsSelected = len(selected)
	if err := o.repo.SetRunSelected(ctx, run.ID, len(selected)); err != nil {
		return summary, o.failRun(ctx, summary, err)
	}
	o.notifier.Notify(ctx, fmt.Sprintf("Curator selected %d of %d products.", len(selected), len(items)))

	// Stage 3: persist scores for every scored item, selected or not
	byCatalogID := make(map[string]catalog.Item, len(items))
	for _, it := range items {
		byCatalogID[it.CatalogID] = it
	}
	productIDs := make(map[string]uint64, len(scored))
	for _, s := range scored {
		it, ok := byCatalogID[s.CatalogID]
		if !ok {
			continue
		}
		p := &store.Product{
			CatalogID: it.CatalogID,
			Name:      it.Name,
			Category:  it.Category,
			ImageURL:  it.ImageURL,
			Price:     it.Price,
			Vendor:    it.Vendor,
			AIScore:   s.Score,
		}
		if err := o.repo.UpsertProduct(ctx, p); err != nil {
			return summary, o.failRun(ctx, summary, fmt.Errorf("persist scores: %w", err))
		}
		productIDs[it.CatalogID] = p.ID
	}

	// Stages 4-5: idempotency gate + instruction fan-out
	jobIDs := o.fanOut(ctx, selected, byCatalogID, productIDs)
	summary.JobsCreated = len(jobIDs)
	if err := o.repo.SetRunJobsCreated(ctx, run.ID, len(jobIDs)); err != nil {
		return summary, o.failRun(ctx, summary, err)
	}
	if len(jobIDs) == 0 {
		return summary, o.failRun(ctx, summary, ErrNoJobs)
	}
	o.notifier.Notify(ctx, fmt.Sprintf("Submitted %d render jobs. Waiting for results...", len(jobIDs)))

	// Stages 6-7: poll to completion and hand off
	completed := o.AwaitJobs(ctx, jobIDs)
	summary.JobsCompleted = completed

	// Stage 8: finalize. Reaching the poll stage counts as a completed run
	// even when individual jobs failed.
	summary.Status = store.RunCompleted
	if err := o.repo.FinishRun(ctx, run.ID, completed, store.RunCompleted); err != nil {
		log.Error().Err(err).Str("run_id", run.ID).Msg("pipeline: finalize failed")
	}
	o.notifier.Notify(ctx, fmt.Sprintf("Generation finished: %d/%d videos ready for approval.", completed, len(jobIDs)))
	log.Info().Str("run_id", run.ID).Int("completed", completed).Int("total", len(jobIDs)).Msg("pipeline: run completed")
	return summary, nil
}

// fetchCandidates concatenates recent and popular products, dropping
// duplicate catalog ids while preserving first-seen order.
func (o *Orchestrator) fetchCandidates(ctx context.Context) ([]catalog.Item, error) {
	recent, err := o.catalog.FetchRecent(ctx, o.opts.FetchRecentDays, o.opts.FetchRecentLimit)
	if err != nil {
		return nil, fmt.Errorf("fetch recent: %w", err)
	}
	popular, err := o.catalog.FetchPopular(ctx, o.opts.FetchPopularLimit)
	if err != nil {
		return nil, fmt.Errorf("fetch popular: %w", err)
	}

	seen := make(map[string]struct{}, len(recent)+len(popular))
	out := make([]catalog.Item, 0, len(recent)+len(popular))
	for _, it := range append(recent, popular...) {
		if _, dup := seen[it.CatalogID]; dup {
			continue
		}
		seen[it.CatalogID] = struct{}{}
		out = append(out, it)
	}
	return out, nil
}

// fanOut claims the per-day slot for each selected item, generates its
// instruction batch, and submits render jobs. Failures are per-item: they
// are logged and skipped, never aborting siblings.
func (o *Orchestrator) fanOut(ctx context.Context, selected []curator.Scored, items map[string]catalog.Item, productIDs map[string]uint64) []string {
	dayKey := store.DayKey(o.now(), o.opts.BusinessTZ)
	var jobIDs []string

	for _, sel := range selected {
		item, ok := items[sel.CatalogID]
		if !ok {
			continue
		}
		productID, ok := productIDs[sel.CatalogID]
		if !ok {
			continue
		}

		claimed, err := o.repo.ClaimRenderSlot(ctx, productID, dayKey)
		if err != nil {
			log.Error().Err(err).Str("catalog_id", sel.CatalogID).Msg("pipeline: claim failed")
			continue
		}
		if !claimed {
			log.Info().Str("catalog_id", sel.CatalogID).Msg("pipeline: already rendered today, skipping")
			continue
		}

		instrs, err := o.curator.GenerateInstructions(ctx, toSummary(item))
		if err != nil {
			log.Error().Err(err).Str("catalog_id", sel.CatalogID).Msg("pipeline: instruction generation failed")
			o.releaseSlot(ctx, productID, dayKey)
			continue
		}

		created := 0
		for _, instr := range instrs {
			if instr.Text == "" {
				continue
			}
			remoteID, err := o.renderer.Submit(ctx, item.ImageURL, instr.Text)
			if err != nil {
				log.Error().Err(err).Str("catalog_id", sel.CatalogID).Str("category", instr.Category).Msg("pipeline: submission failed")
				continue
			}
			job := &store.RenderJob{
				ProductID:  productID,
				RemoteID:   remoteID,
				Prompt:     instr.Text,
				PromptType: instr.Category,
				Status:     store.StatusSubmitted,
			}
			if err := o.repo.CreateRenderJob(ctx, job); err != nil {
				log.Error().Err(err).Str("remote_id", remoteID).Msg("pipeline: persist job failed")
				continue
			}
			jobIDs = append(jobIDs, job.ID)
			created++
		}
		if created == 0 {
			o.releaseSlot(ctx, productID, dayKey)
		}
	}
	return jobIDs
}

func (o *Orchestrator) releaseSlot(ctx context.Context, productID uint64, dayKey string) {
	if err := o.repo.ReleaseRenderSlot(ctx, productID, dayKey); err != nil {
		log.Error().Err(err).Uint64("product_id", productID).Msg("pipeline: release slot failed")
	}
}

// AwaitJobs polls each job to a terminal state in creation order, one at a
// time, handing succeeded jobs to the approval gateway. It returns the
// number of jobs that succeeded. A fixed pause between jobs keeps outbound
// notifications under the transport's rate limits.
func (o *Orchestrator) AwaitJobs(ctx context.Context, jobIDs []string) int {
	completed := 0
	for i, id := range jobIDs {
		job, err := o.repo.GetRenderJob(ctx, id)
		if err != nil {
			log.Error().Err(err).Str("job_id", id).Msg("pipeline: load job failed")
			continue
		}
		if job.RemoteID == "" {
			continue
		}

		res := o.pollUntilDone(ctx, id, job.RemoteID)
		if res.Status == render.StatusSucceeded {
			if err := o.repo.MarkSucceeded(ctx, id, res.VideoURL, res.VideoDuration); err != nil {
				log.Error().Err(err).Str("job_id", id).Msg("pipeline: mark succeeded failed")
				continue
			}
			o.handOff(ctx, id)
			completed++
		} else {
			reason := res.ErrorDetail
			if reason == "" {
				reason = "unknown error"
			}
			if err := o.repo.MarkFailed(ctx, id, reason); err != nil {
				log.Error().Err(err).Str("job_id", id).Msg("pipeline: mark failed failed")
			}
			o.notifier.Notify(ctx, fmt.Sprintf("Render job %s failed: %s", id, truncate(reason, 200)))
		}

		if i < len(jobIDs)-1 {
			if err := sleepCtx(ctx, o.opts.HandoffPause); err != nil {
				return completed
			}
		}
	}
	return completed
}

// pollUntilDone queries the remote job on a fixed interval until it reports
// a terminal state or the per-job wait budget runs out. Transient poll
// errors are retried; they never terminate the loop early.
func (o *Orchestrator) pollUntilDone(ctx context.Context, jobID, remoteID string) render.PollResult {
	deadline := o.now().Add(o.opts.JobTimeout)
	for {
		res, err := o.renderer.Poll(ctx, remoteID)
		if err != nil {
			log.Warn().Err(err).Str("job_id", jobID).Msg("pipeline: transient poll error")
		} else {
			if res.Terminal() {
				return res
			}
			if res.Status == render.StatusProcessing {
				if err := o.repo.MarkProcessing(ctx, jobID); err != nil {
					log.Warn().Err(err).Str("job_id", jobID).Msg("pipeline: mark processing failed")
				}
			}
		}

		if !o.now().Add(o.opts.PollInterval).Before(deadline) {
			log.Warn().Str("job_id", jobID).Dur("timeout", o.opts.JobTimeout).Msg("pipeline: job timed out")
			return render.PollResult{RemoteID: remoteID, Status: render.StatusFailed, ErrorDetail: "timeout"}
		}
		if err := sleepCtx(ctx, o.opts.PollInterval); err != nil {
			return render.PollResult{RemoteID: remoteID, Status: render.StatusFailed, ErrorDetail: err.Error()}
		}
	}
}

// handOff forwards a succeeded job to the approval gateway unless it has
// already been delivered once (restart safety).
func (o *Orchestrator) handOff(ctx context.Context, jobID string) {
	row, err := o.repo.JobWithProduct(ctx, jobID)
	if err != nil {
		log.Error().Err(err).Str("job_id", jobID).Msg("pipeline: load job for handoff failed")
		return
	}
	if row.NotifiedAt != nil {
		log.Info().Str("job_id", jobID).Msg("pipeline: approval card already delivered, skipping")
		return
	}
	messageID, err := o.notifier.SendForApproval(ctx, row)
	if err != nil {
		log.Error().Err(err).Str("job_id", jobID).Msg("pipeline: handoff failed")
		return
	}
	if err := o.repo.MarkNotified(ctx, jobID, messageID); err != nil {
		log.Error().Err(err).Str("job_id", jobID).Msg("pipeline: mark notified failed")
	}
}

// Regenerate rejects the old job and creates a fresh render for the same
// product, preferring an instruction of the same category. The caller polls
// the returned job with AwaitJobs.
func (o *Orchestrator) Regenerate(ctx context.Context, jobID string) (*store.RenderJob, error) {
	row, err := o.repo.JobWithProduct(ctx, jobID)
	if err != nil {
		return nil, err
	}
	if err := o.repo.Reject(ctx, jobID); err != nil {
		return nil, err
	}

	item := curator.ItemSummary{
		CatalogID: row.CatalogID,
		Name:      row.ProductName,
		Category:  row.Category,
		Price:     row.Price,
		Vendor:    row.Vendor,
		ImageURL:  row.ImageURL,
	}
	instrs, err := o.curator.GenerateInstructions(ctx, item)
	if err != nil {
		return nil, fmt.Errorf("regenerate instructions: %w", err)
	}
	instr, ok := pickInstruction(instrs, row.PromptType)
	if !ok {
		return nil, errors.New("pipeline: curator produced no usable instruction")
	}

	remoteID, err := o.renderer.Submit(ctx, row.ImageURL, instr.Text)
	if err != nil {
		return nil, fmt.Errorf("regenerate submit: %w", err)
	}

	job := &store.RenderJob{
		ProductID:  row.ProductID,
		RemoteID:   remoteID,
		Prompt:     instr.Text,
		PromptType: instr.Category,
		Status:     store.StatusSubmitted,
	}
	if err := o.repo.CreateRenderJob(ctx, job); err != nil {
		return nil, err
	}
	log.Info().Str("old_job", jobID).Str("new_job", job.ID).Msg("pipeline: regeneration submitted")
	return job, nil
}

func (o *Orchestrator) failRun(ctx context.Context, summary *RunSummary, cause error) error {
	summary.Status = store.RunFailed
	if err := o.repo.FinishRun(ctx, summary.RunID, summary.JobsCompleted, store.RunFailed); err != nil {
		log.Error().Err(err).Str("run_id", summary.RunID).Msg("pipeline: mark run failed")
	}
	o.notifier.Notify(ctx, "Pipeline failed: "+truncate(cause.Error(), 300))
	log.Error().Err(cause).Str("run_id", summary.RunID).Msg("pipeline: run failed")
	return cause
}

func toSummary(it catalog.Item) curator.ItemSummary {
	return curator.ItemSummary{
		CatalogID: it.CatalogID,
		Name:      it.Name,
		Category:  it.Category,
		Price:     it.Price,
		Vendor:    it.Vendor,
		ImageURL:  it.ImageURL,
	}
}

func selectedEntries(scored []curator.Scored) []curator.Scored {
	var out []curator.Scored
	for _, s := range scored {
		if s.Selected {
			out = append(out, s)
		}
	}
	return out
}

// topNByScore is the deterministic fallback when the curator marked nothing
// selected: highest score first, ties keeping their original order.
func topNByScore(scored []curator.Scored, n int) []curator.Scored {
	out := make([]curator.Scored, len(scored))
	copy(out, scored)
	sort.SliceStable(out, func(i, j int) bool { return out[i].Score > out[j].Score })
	if len(out) > n {
		out = out[:n]
	}
	for i := range out {
		out[i].Selected = true
	}
	return out
}

func pickInstruction(instrs []curator.Instruction, category string) (curator.Instruction, bool) {
	for _, in := range instrs {
		if in.Category == category && in.Text != "" {
			return in, true
		}
	}
	for _, in := range instrs {
		if in.Text != "" {
			return in, true
		}
	}
	return curator.Instruction{}, false
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "…"
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
