package pipeline

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	gormsqlite "github.com/glebarez/sqlite"
	"gorm.io/gorm"

	"github.com/wabrum/content-bot/internal/catalog"
	"github.com/wabrum/content-bot/internal/curator"
	"github.com/wabrum/content-bot/internal/render"
	"github.com/wabrum/content-bot/internal/store"
)

func testRepo(t *testing.T) (*store.Repo, *gorm.DB) {
	t.Helper()
	dsn := fmt.Sprintf("file:%s?mode=memory&cache=shared", t.Name())
	db, err := gorm.Open(gormsqlite.Open(dsn), &gorm.Config{})
	if err != nil {
		t.Fatalf("open sqlite: %v", err)
	}
	if err := db.AutoMigrate(&store.Product{}, &store.RenderJob{}, &store.PipelineRun{}, &store.RenderClaim{}); err != nil {
		t.Fatalf("automigrate: %v", err)
	}
	return store.NewRepo(db), db
}

type fakeCatalog struct {
	recent  []catalog.Item
	popular []catalog.Item
	err     error
}

func (f *fakeCatalog) FetchRecent(ctx context.Context, sinceDays, limit int) ([]catalog.Item, error) {
	return f.recent, f.err
}

func (f *fakeCatalog) FetchPopular(ctx context.Context, limit int) ([]catalog.Item, error) {
	return f.popular, f.err
}

type fakeCurator struct {
	scoreFn func(items []curator.ItemSummary, topN int) ([]curator.Scored, error)
	instrFn func(item curator.ItemSummary) ([]curator.Instruction, error)
}

func (f *fakeCurator) ScoreAndSelect(ctx context.Context, items []curator.ItemSummary, topN int) ([]curator.Scored, error) {
	return f.scoreFn(items, topN)
}

func (f *fakeCurator) GenerateInstructions(ctx context.Context, item curator.ItemSummary) ([]curator.Instruction, error) {
	if f.instrFn != nil {
		return f.instrFn(item)
	}
	return []curator.Instruction{
		{Category: "detail", Text: "macro pan over " + item.Name},
		{Category: "lifestyle", Text: item.Name + " in use on a city street"},
	}, nil
}

type fakeRenderer struct {
	mu       sync.Mutex
	submits  int
	submitFn func(imageURL, prompt string) (string, error)
	pollFn   func(remoteID string) (render.PollResult, error)
}

func (f *fakeRenderer) Submit(ctx context.Context, imageURL, prompt string) (string, error) {
	f.mu.Lock()
	f.submits++
	n := f.submits
	f.mu.Unlock()
	if f.submitFn != nil {
		return f.submitFn(imageURL, prompt)
	}
	return fmt.Sprintf("rt-%d", n), nil
}

func (f *fakeRenderer) Poll(ctx context.Context, remoteID string) (render.PollResult, error) {
	if f.pollFn != nil {
		return f.pollFn(remoteID)
	}
	return render.PollResult{
		RemoteID:      remoteID,
		Status:        render.StatusSucceeded,
		VideoURL:      "https://cdn.example.com/" + remoteID + ".mp4",
		VideoDuration: "5",
	}, nil
}

type fakeNotifier struct {
	mu    sync.Mutex
	notes []string
	cards []string
}

func (f *fakeNotifier) Notify(ctx context.Context, text string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.notes = append(f.notes, text)
}

func (f *fakeNotifier) SendForApproval(ctx context.Context, job *store.JobWithProduct) (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.cards = append(f.cards, job.ID)
	return 1000 + len(f.cards), nil
}

func (f *fakeNotifier) hasNote(substr string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, n := range f.notes {
		if strings.Contains(n, substr) {
			return true
		}
	}
	return false
}

func item(id, name string) catalog.Item {
	return catalog.Item{
		CatalogID: id,
		Name:      name,
		Category:  "Accessories",
		ImageURL:  "https://shop.example.com/img/" + id + ".jpg",
		Price:     120,
		Vendor:    "Wabrum",
	}
}

func fastOpts() Options {
	return Options{
		SelectTopN:   5,
		PollInterval: time.Millisecond,
		JobTimeout:   50 * time.Millisecond,
		HandoffPause: time.Millisecond,
		BusinessTZ:   time.FixedZone("business", 5*3600),
	}
}

func selectAll(items []curator.ItemSummary, topN int) ([]curator.Scored, error) {
	out := make([]curator.Scored, 0, len(items))
	for i, it := range items {
		out = append(out, curator.Scored{
			CatalogID: it.CatalogID,
			Score:     9 - float64(i),
			Reasoning: "strong visual appeal",
			Selected:  i < topN,
		})
	}
	return out, nil
}

// Six candidates with one duplicate between the recent and popular feeds.
// Two of the five unique products already hold today's render slot, so the
// run submits for three products, two jobs each.
func TestRun_EndToEnd(t *testing.T) {
	ctx := context.Background()
	repo, _ := testRepo(t)
	opts := fastOpts()

	cat := &fakeCatalog{
		recent:  []catalog.Item{item("p1", "Handbag"), item("p2", "Scarf"), item("p3", "Belt")},
		popular: []catalog.Item{item("p2", "Scarf"), item("p4", "Wallet"), item("p5", "Hat")},
	}
	cur := &fakeCurator{scoreFn: selectAll}
	ren := &fakeRenderer{}
	not := &fakeNotifier{}

	// p4 and p5 already rendered today.
	dayKey := store.DayKey(time.Now(), opts.BusinessTZ)
	for _, id := range []string{"p4", "p5"} {
		p := &store.Product{CatalogID: id, Name: id}
		if err := repo.UpsertProduct(ctx, p); err != nil {
			t.Fatalf("seed product: %v", err)
		}
		if ok, err := repo.ClaimRenderSlot(ctx, p.ID, dayKey); err != nil || !ok {
			t.Fatalf("pre-claim %s: ok=%v err=%v", id, ok, err)
		}
	}

	o := New(repo, cat, cur, ren, not, opts)
	summary, err := o.Run(ctx, store.TriggerManual)
	if err != nil {
		t.Fatalf("run: %v", err)
	}

	if summary.ItemsFetched != 5 {
		t.Errorf("items fetched = %d, want 5 (duplicate dropped)", summary.ItemsFetched)
	}
	if summary.ItemsSelected != 5 {
		t.Errorf("items selected = %d, want 5", summary.ItemsSelected)
	}
	if summary.JobsCreated != 6 {
		t.Errorf("jobs created = %d, want 6 (3 products x 2 prompts)", summary.JobsCreated)
	}
	if summary.JobsCompleted != 6 {
		t.Errorf("jobs completed = %d, want 6", summary.JobsCompleted)
	}
	if summary.Status != store.RunCompleted {
		t.Errorf("status = %q, want completed", summary.Status)
	}

	run, err := repo.GetRun(ctx, summary.RunID)
	if err != nil {
		t.Fatalf("get run: %v", err)
	}
	if run.Status != store.RunCompleted || run.JobsCompleted != 6 {
		t.Errorf("persisted run = %+v, want completed with 6 jobs", run)
	}

	not.mu.Lock()
	cards := len(not.cards)
	not.mu.Unlock()
	if cards != 6 {
		t.Errorf("approval cards sent = %d, want 6", cards)
	}
	for _, id := range not.cards {
		row, err := repo.JobWithProduct(ctx, id)
		if err != nil {
			t.Fatalf("job %s: %v", id, err)
		}
		if row.Status != store.StatusSucceeded {
			t.Errorf("job %s status = %q, want succeeded", id, row.Status)
		}
		if row.NotifiedAt == nil || row.MessageID == nil {
			t.Errorf("job %s missing delivery marker", id)
		}
		if row.VideoURL == nil || *row.VideoURL == "" {
			t.Errorf("job %s missing video url", id)
		}
	}
}

func TestRun_FallbackSelectionWhenNothingMarked(t *testing.T) {
	ctx := context.Background()
	repo, _ := testRepo(t)
	opts := fastOpts()
	opts.SelectTopN = 2

	cat := &fakeCatalog{recent: []catalog.Item{item("a", "A"), item("b", "B"), item("c", "C")}}
	cur := &fakeCurator{scoreFn: func(items []curator.ItemSummary, topN int) ([]curator.Scored, error) {
		// Nothing marked selected; b outranks a and c ties with a.
		return []curator.Scored{
			{CatalogID: "a", Score: 5},
			{CatalogID: "b", Score: 8},
			{CatalogID: "c", Score: 5},
		}, nil
	}}
	ren := &fakeRenderer{}
	not := &fakeNotifier{}

	o := New(repo, cat, cur, ren, not, opts)
	summary, err := o.Run(ctx, store.TriggerManual)
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if summary.ItemsSelected != 2 {
		t.Fatalf("items selected = %d, want 2", summary.ItemsSelected)
	}
	// b wins outright, the a/c tie resolves to a by original order.
	for _, id := range []string{"b", "a"} {
		p, err := repo.GetProductByCatalogID(ctx, id)
		if err != nil {
			t.Fatalf("product %s: %v", id, err)
		}
		ok, err := repo.ClaimRenderSlot(ctx, p.ID, store.DayKey(time.Now(), opts.BusinessTZ))
		if err != nil {
			t.Fatalf("claim probe %s: %v", id, err)
		}
		if ok {
			t.Errorf("product %s was not selected by the fallback", id)
		}
	}
}

func TestTopNByScore(t *testing.T) {
	scored := []curator.Scored{
		{CatalogID: "a", Score: 5},
		{CatalogID: "b", Score: 8},
		{CatalogID: "c", Score: 5},
		{CatalogID: "d", Score: 1},
	}
	got := topNByScore(scored, 3)
	want := []string{"b", "a", "c"}
	if len(got) != len(want) {
		t.Fatalf("len = %d, want %d", len(got), len(want))
	}
	for i, id := range want {
		if got[i].CatalogID != id {
			t.Errorf("rank %d = %s, want %s", i, got[i].CatalogID, id)
		}
		if !got[i].Selected {
			t.Errorf("rank %d not marked selected", i)
		}
	}
}

func TestRun_SubmissionFailuresDoNotAbortSiblings(t *testing.T) {
	ctx := context.Background()
	repo, _ := testRepo(t)
	opts := fastOpts()

	cat := &fakeCatalog{recent: []catalog.Item{item("good", "Good"), item("bad", "Bad")}}
	cur := &fakeCurator{scoreFn: selectAll}
	ren := &fakeRenderer{submitFn: func(imageURL, prompt string) (string, error) {
		if strings.Contains(imageURL, "bad") {
			return "", fmt.Errorf("submit: %w", render.ErrRejected)
		}
		return "rt-" + prompt[:5], nil
	}}
	not := &fakeNotifier{}

	o := New(repo, cat, cur, ren, not, opts)
	summary, err := o.Run(ctx, store.TriggerScheduled)
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if summary.JobsCreated != 2 {
		t.Errorf("jobs created = %d, want 2 (only the good product)", summary.JobsCreated)
	}
	if summary.JobsCompleted != 2 {
		t.Errorf("jobs completed = %d, want 2", summary.JobsCompleted)
	}

	// The product whose every submission failed must release its day slot.
	p, err := repo.GetProductByCatalogID(ctx, "bad")
	if err != nil {
		t.Fatalf("product bad: %v", err)
	}
	ok, err := repo.ClaimRenderSlot(ctx, p.ID, store.DayKey(time.Now(), opts.BusinessTZ))
	if err != nil {
		t.Fatalf("reclaim: %v", err)
	}
	if !ok {
		t.Error("day slot was not released after total submission failure")
	}
}

func TestRun_PollTimeoutMarksJobFailed(t *testing.T) {
	ctx := context.Background()
	repo, db := testRepo(t)
	opts := fastOpts()
	opts.JobTimeout = 5 * time.Millisecond

	cat := &fakeCatalog{recent: []catalog.Item{item("p1", "Handbag")}}
	cur := &fakeCurator{
		scoreFn: selectAll,
		instrFn: func(it curator.ItemSummary) ([]curator.Instruction, error) {
			return []curator.Instruction{
				{Category: "detail", Text: "stuck render"},
				{Category: "lifestyle", Text: "quick render"},
			}, nil
		},
	}
	ren := &fakeRenderer{
		submitFn: func(imageURL, prompt string) (string, error) {
			if prompt == "stuck render" {
				return "rt-stuck", nil
			}
			return "rt-quick", nil
		},
		pollFn: func(remoteID string) (render.PollResult, error) {
			if remoteID == "rt-stuck" {
				return render.PollResult{RemoteID: remoteID, Status: render.StatusProcessing}, nil
			}
			return render.PollResult{RemoteID: remoteID, Status: render.StatusSucceeded, VideoURL: "https://cdn/v.mp4", VideoDuration: "5"}, nil
		},
	}
	not := &fakeNotifier{}

	o := New(repo, cat, cur, ren, not, opts)
	summary, err := o.Run(ctx, store.TriggerManual)
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if summary.JobsCreated != 2 || summary.JobsCompleted != 1 {
		t.Fatalf("created/completed = %d/%d, want 2/1", summary.JobsCreated, summary.JobsCompleted)
	}
	if summary.Status != store.RunCompleted {
		t.Errorf("status = %q, want completed despite the timed-out job", summary.Status)
	}

	var failed store.RenderJob
	if err := db.Where("remote_id = ?", "rt-stuck").First(&failed).Error; err != nil {
		t.Fatalf("load stuck job: %v", err)
	}
	if failed.Status != store.StatusFailed {
		t.Errorf("stuck job status = %q, want failed", failed.Status)
	}
	if failed.FailReason == nil || *failed.FailReason != "timeout" {
		t.Errorf("stuck job reason = %v, want timeout", failed.FailReason)
	}
	if !not.hasNote("failed") {
		t.Error("no failure commentary was sent")
	}
}

func TestRun_CuratorErrorFailsRun(t *testing.T) {
	ctx := context.Background()
	repo, _ := testRepo(t)

	cat := &fakeCatalog{recent: []catalog.Item{item("p1", "Handbag")}}
	cur := &fakeCurator{scoreFn: func([]curator.ItemSummary, int) ([]curator.Scored, error) {
		return nil, errors.New("model api returned 503")
	}}
	not := &fakeNotifier{}

	o := New(repo, cat, cur, &fakeRenderer{}, not, fastOpts())
	summary, err := o.Run(ctx, store.TriggerScheduled)
	if err == nil {
		t.Fatal("expected run error")
	}
	if summary.Status != store.RunFailed {
		t.Errorf("status = %q, want failed", summary.Status)
	}
	run, err := repo.GetRun(ctx, summary.RunID)
	if err != nil {
		t.Fatalf("get run: %v", err)
	}
	if run.Status != store.RunFailed {
		t.Errorf("persisted run status = %q, want failed", run.Status)
	}
	if !not.hasNote("Pipeline failed") {
		t.Error("no failure commentary was sent")
	}
}

func TestRun_NoItems(t *testing.T) {
	repo, _ := testRepo(t)
	o := New(repo, &fakeCatalog{}, &fakeCurator{scoreFn: selectAll}, &fakeRenderer{}, &fakeNotifier{}, fastOpts())
	summary, err := o.Run(context.Background(), store.TriggerManual)
	if !errors.Is(err, ErrNoItems) {
		t.Fatalf("err = %v, want ErrNoItems", err)
	}
	if summary.Status != store.RunFailed {
		t.Errorf("status = %q, want failed", summary.Status)
	}
}

type fakeLock struct {
	ok  bool
	err error
}

func (f *fakeLock) TryLock(ctx context.Context) (func(), bool, error) {
	return func() {}, f.ok, f.err
}

func TestRun_LockHeldElsewhere(t *testing.T) {
	repo, _ := testRepo(t)
	o := New(repo, &fakeCatalog{}, &fakeCurator{scoreFn: selectAll}, &fakeRenderer{}, &fakeNotifier{}, fastOpts())
	o.SetRunLock(&fakeLock{ok: false})
	if _, err := o.Run(context.Background(), store.TriggerManual); !errors.Is(err, ErrRunActive) {
		t.Fatalf("err = %v, want ErrRunActive", err)
	}
}

func TestRegenerate(t *testing.T) {
	ctx := context.Background()
	repo, _ := testRepo(t)

	p := &store.Product{CatalogID: "p9", Name: "Handbag", Category: "Accessories", ImageURL: "https://shop/img/p9.jpg"}
	if err := repo.UpsertProduct(ctx, p); err != nil {
		t.Fatalf("seed product: %v", err)
	}
	old := &store.RenderJob{ProductID: p.ID, RemoteID: "rt-old", Prompt: "old prompt", PromptType: "lifestyle", Status: store.StatusSubmitted}
	if err := repo.CreateRenderJob(ctx, old); err != nil {
		t.Fatalf("seed job: %v", err)
	}
	if err := repo.MarkSucceeded(ctx, old.ID, "https://cdn/old.mp4", "5"); err != nil {
		t.Fatalf("mark succeeded: %v", err)
	}

	cur := &fakeCurator{instrFn: func(it curator.ItemSummary) ([]curator.Instruction, error) {
		return []curator.Instruction{
			{Category: "detail", Text: "close-up"},
			{Category: "lifestyle", Text: "new lifestyle take"},
		}, nil
	}}
	ren := &fakeRenderer{submitFn: func(imageURL, prompt string) (string, error) { return "rt-new", nil }}

	o := New(repo, &fakeCatalog{}, cur, ren, &fakeNotifier{}, fastOpts())
	job, err := o.Regenerate(ctx, old.ID)
	if err != nil {
		t.Fatalf("regenerate: %v", err)
	}
	if job.PromptType != "lifestyle" {
		t.Errorf("new job category = %q, want the old job's lifestyle", job.PromptType)
	}
	if job.Prompt != "new lifestyle take" {
		t.Errorf("new job prompt = %q", job.Prompt)
	}

	oldRow, err := repo.GetRenderJob(ctx, old.ID)
	if err != nil {
		t.Fatalf("reload old job: %v", err)
	}
	if oldRow.Status != store.StatusRejected {
		t.Errorf("old job status = %q, want rejected", oldRow.Status)
	}

	// Regenerating a job that is no longer decidable must fail cleanly.
	if _, err := o.Regenerate(ctx, old.ID); !errors.Is(err, store.ErrBadTransition) {
		t.Errorf("second regenerate err = %v, want ErrBadTransition", err)
	}
}
