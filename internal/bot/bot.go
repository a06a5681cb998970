// Package bot is the Telegram transport: operator commands, approval cards
// with inline decision buttons, and run commentary.
package bot

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync/atomic"
	"time"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
	"github.com/rs/zerolog/log"

	"github.com/wabrum/content-bot/internal/pipeline"
	"github.com/wabrum/content-bot/internal/publish"
	"github.com/wabrum/content-bot/internal/store"
)

// API is the slice of tgbotapi.BotAPI the bot needs. Kept narrow so tests
// can substitute a recorder.
type API interface {
	Send(c tgbotapi.Chattable) (tgbotapi.Message, error)
	Request(c tgbotapi.Chattable) (*tgbotapi.APIResponse, error)
	GetUpdatesChan(config tgbotapi.UpdateConfig) tgbotapi.UpdatesChannel
	StopReceivingUpdates()
}

// Pipeline is the orchestrator surface the bot drives.
type Pipeline interface {
	Run(ctx context.Context, trigger store.Trigger) (*pipeline.RunSummary, error)
	Regenerate(ctx context.Context, jobID string) (*store.RenderJob, error)
	AwaitJobs(ctx context.Context, jobIDs []string) int
}

// Publisher enqueues approved videos for the posting worker. Optional.
type Publisher interface {
	PublishVideo(ctx context.Context, msg publish.VideoMessage) error
}

const (
	cbApprove    = "approve_"
	cbReject     = "reject_"
	cbRegenerate = "regenerate_"
	cbDetails    = "details_"
	cbPublish    = "publish_"
)

type Options struct {
	QueuePageSize int
	QueuePause    time.Duration
	StatsWindow   time.Duration
}

func (o *Options) withDefaults() {
	if o.QueuePageSize <= 0 {
		o.QueuePageSize = 10
	}
	if o.QueuePause <= 0 {
		o.QueuePause = time.Second
	}
	if o.StatsWindow <= 0 {
		o.StatsWindow = 7 * 24 * time.Hour
	}
}

type Bot struct {
	api    API
	repo   *store.Repo
	pipe   Pipeline
	pub    Publisher
	admins map[int64]bool
	opts   Options

	running atomic.Bool
}

func New(api API, repo *store.Repo, pipe Pipeline, adminIDs []int64, opts Options) *Bot {
	opts.withDefaults()
	admins := make(map[int64]bool, len(adminIDs))
	for _, id := range adminIDs {
		admins[id] = true
	}
	return &Bot{api: api, repo: repo, pipe: pipe, admins: admins, opts: opts}
}

// SetPublisher installs the optional publish queue.
func (b *Bot) SetPublisher(p Publisher) { b.pub = p }

// SetPipeline binds the orchestrator. The bot is constructed first because
// the orchestrator needs it as its notifier.
func (b *Bot) SetPipeline(p Pipeline) { b.pipe = p }

// Run consumes updates until the context is canceled.
func (b *Bot) Run(ctx context.Context) {
	cfg := tgbotapi.NewUpdate(0)
	cfg.Timeout = 30
	updates := b.api.GetUpdatesChan(cfg)
	for {
		select {
		case <-ctx.Done():
			b.api.StopReceivingUpdates()
			return
		case upd, ok := <-updates:
			if !ok {
				return
			}
			b.HandleUpdate(ctx, upd)
		}
	}
}

func (b *Bot) HandleUpdate(ctx context.Context, upd tgbotapi.Update) {
	switch {
	case upd.Message != nil && upd.Message.IsCommand():
		if !b.admins[upd.Message.From.ID] {
			log.Warn().Int64("user_id", upd.Message.From.ID).Msg("bot: command from non-admin ignored")
			return
		}
		b.handleCommand(ctx, upd.Message)
	case upd.CallbackQuery != nil:
		if !b.admins[upd.CallbackQuery.From.ID] {
			b.answer(upd.CallbackQuery.ID, "Access denied.")
			return
		}
		b.handleCallback(ctx, upd.CallbackQuery)
	}
}

const helpText = `Wabrum content bot.

/generate - start a content generation run now
/queue - show videos awaiting approval
/stats - production stats for the last 7 days
/help - this message`

func (b *Bot) handleCommand(ctx context.Context, msg *tgbotapi.Message) {
	chatID := msg.Chat.ID
	switch msg.Command() {
	case "start":
		b.cmdStart(ctx, chatID)
	case "help":
		b.send(tgbotapi.NewMessage(chatID, helpText))
	case "generate":
		b.cmdGenerate(ctx, chatID)
	case "queue":
		b.cmdQueue(ctx, chatID)
	case "stats":
		b.cmdStats(ctx, chatID)
	default:
		b.send(tgbotapi.NewMessage(chatID, "Unknown command. Try /help."))
	}
}

func (b *Bot) cmdStart(ctx context.Context, chatID int64) {
	text := "👋 " + helpText
	if s, err := b.repo.Stats(ctx, b.opts.StatsWindow); err == nil {
		text += "\n\n" + formatStats(s)
	}
	b.send(tgbotapi.NewMessage(chatID, text))
}

func (b *Bot) cmdGenerate(ctx context.Context, chatID int64) {
	if !b.running.CompareAndSwap(false, true) {
		b.send(tgbotapi.NewMessage(chatID, "A generation run is already in progress."))
		return
	}
	b.send(tgbotapi.NewMessage(chatID, "Starting content generation..."))
	go func() {
		defer b.running.Store(false)
		if _, err := b.pipe.Run(ctx, store.TriggerManual); err != nil {
			if errors.Is(err, pipeline.ErrRunActive) {
				b.send(tgbotapi.NewMessage(chatID, "Another run is already active elsewhere."))
				return
			}
			log.Error().Err(err).Msg("bot: manual run failed")
		}
	}()
}

func (b *Bot) cmdQueue(ctx context.Context, chatID int64) {
	total, err := b.repo.CountAwaitingApproval(ctx)
	if err != nil {
		b.send(tgbotapi.NewMessage(chatID, "Could not read the queue: "+err.Error()))
		return
	}
	if total == 0 {
		b.send(tgbotapi.NewMessage(chatID, "The approval queue is empty."))
		return
	}
	rows, err := b.repo.JobsAwaitingApproval(ctx, b.opts.QueuePageSize, 0)
	if err != nil {
		b.send(tgbotapi.NewMessage(chatID, "Could not read the queue: "+err.Error()))
		return
	}
	for i := range rows {
		b.sendApprovalCard(chatID, &rows[i])
		if i < len(rows)-1 {
			select {
			case <-ctx.Done():
				return
			case <-time.After(b.opts.QueuePause):
			}
		}
	}
	if rest := int(total) - len(rows); rest > 0 {
		b.send(tgbotapi.NewMessage(chatID, fmt.Sprintf("%d more awaiting approval. Run /queue again to see them.", rest)))
	}
}

func (b *Bot) cmdStats(ctx context.Context, chatID int64) {
	s, err := b.repo.Stats(ctx, b.opts.StatsWindow)
	if err != nil {
		b.send(tgbotapi.NewMessage(chatID, "Could not compute stats: "+err.Error()))
		return
	}
	b.send(tgbotapi.NewMessage(chatID, formatStats(s)))
}

func formatStats(s *store.Stats) string {
	var sb strings.Builder
	days := int(time.Since(s.Since).Hours()/24 + 0.5)
	fmt.Fprintf(&sb, "📊 Production stats, last %d days\n\n", days)
	fmt.Fprintf(&sb, "Render jobs: %d\n", s.Total)
	for _, st := range []store.JobStatus{
		store.StatusSubmitted, store.StatusProcessing, store.StatusSucceeded,
		store.StatusFailed, store.StatusApproved, store.StatusRejected, store.StatusPublished,
	} {
		if n := s.ByStatus[st]; n > 0 {
			fmt.Fprintf(&sb, "  %s: %d\n", st, n)
		}
	}
	if len(s.TopPromptTypes) > 0 {
		sb.WriteString("\nBest performing prompt types:\n")
		for _, pt := range s.TopPromptTypes {
			fmt.Fprintf(&sb, "  %s: %d approved\n", pt.PromptType, pt.Count)
		}
	}
	if s.LastRun != nil {
		fmt.Fprintf(&sb, "\nLast run: %s (%s), %d/%d videos done",
			s.LastRun.Status, s.LastRun.Trigger, s.LastRun.JobsCompleted, s.LastRun.JobsCreated)
	}
	return sb.String()
}

// Notify broadcasts plain commentary to every admin.
func (b *Bot) Notify(ctx context.Context, text string) {
	for id := range b.admins {
		b.send(tgbotapi.NewMessage(id, text))
	}
}

// SendForApproval delivers the approval card to the admins and returns the
// message id of the first successful delivery.
func (b *Bot) SendForApproval(ctx context.Context, row *store.JobWithProduct) (int, error) {
	messageID := 0
	var lastErr error
	for id := range b.admins {
		sent, err := b.sendApprovalCard(id, row)
		if err != nil {
			lastErr = err
			continue
		}
		if messageID == 0 {
			messageID = sent
		}
	}
	if messageID == 0 {
		if lastErr == nil {
			lastErr = errors.New("bot: no admins configured")
		}
		return 0, lastErr
	}
	return messageID, nil
}

// sendApprovalCard sends the video with caption and decision buttons,
// falling back to a text card when the transport refuses the video URL.
func (b *Bot) sendApprovalCard(chatID int64, row *store.JobWithProduct) (int, error) {
	kb := approvalKeyboard(row.ID)
	if row.VideoURL != nil && *row.VideoURL != "" {
		v := tgbotapi.NewVideo(chatID, tgbotapi.FileURL(*row.VideoURL))
		v.Caption = cardCaption(row)
		v.ReplyMarkup = kb
		if sent, err := b.api.Send(v); err == nil {
			return sent.MessageID, nil
		} else {
			log.Warn().Err(err).Str("job_id", row.ID).Msg("bot: video send failed, falling back to text")
		}
	}
	m := tgbotapi.NewMessage(chatID, cardCaption(row)+"\n\n"+videoURL(row))
	m.ReplyMarkup = kb
	sent, err := b.api.Send(m)
	if err != nil {
		return 0, err
	}
	return sent.MessageID, nil
}

func cardCaption(row *store.JobWithProduct) string {
	var sb strings.Builder
	fmt.Fprintf(&sb, "🎬 %s\n", row.ProductName)
	if row.Category != "" {
		fmt.Fprintf(&sb, "📂 %s\n", row.Category)
	}
	if row.Vendor != "" {
		fmt.Fprintf(&sb, "🏪 %s\n", row.Vendor)
	}
	if row.Price > 0 {
		fmt.Fprintf(&sb, "💰 %.2f TMT\n", row.Price)
	}
	fmt.Fprintf(&sb, "💡 %s", row.PromptType)
	if row.AIScore > 0 {
		fmt.Fprintf(&sb, "\n⭐ %.1f/10", row.AIScore)
	}
	if row.Prompt != "" {
		fmt.Fprintf(&sb, "\n\n📝 %s", excerpt(row.Prompt, 180))
	}
	return sb.String()
}

func excerpt(s string, n int) string {
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n]) + "..."
}

func videoURL(row *store.JobWithProduct) string {
	if row.VideoURL != nil {
		return *row.VideoURL
	}
	return ""
}

func approvalKeyboard(jobID string) tgbotapi.InlineKeyboardMarkup {
	return tgbotapi.NewInlineKeyboardMarkup(
		tgbotapi.NewInlineKeyboardRow(
			tgbotapi.NewInlineKeyboardButtonData("✅ Approve", cbApprove+jobID),
			tgbotapi.NewInlineKeyboardButtonData("❌ Reject", cbReject+jobID),
		),
		tgbotapi.NewInlineKeyboardRow(
			tgbotapi.NewInlineKeyboardButtonData("🔁 Regenerate", cbRegenerate+jobID),
			tgbotapi.NewInlineKeyboardButtonData("ℹ️ Details", cbDetails+jobID),
		),
	)
}

func publishKeyboard(jobID string) tgbotapi.InlineKeyboardMarkup {
	return tgbotapi.NewInlineKeyboardMarkup(
		tgbotapi.NewInlineKeyboardRow(
			tgbotapi.NewInlineKeyboardButtonData("📤 Publish", cbPublish+jobID),
		),
	)
}

func (b *Bot) handleCallback(ctx context.Context, q *tgbotapi.CallbackQuery) {
	data := q.Data
	switch {
	case strings.HasPrefix(data, cbApprove):
		b.onApprove(ctx, q, strings.TrimPrefix(data, cbApprove))
	case strings.HasPrefix(data, cbReject):
		b.onReject(ctx, q, strings.TrimPrefix(data, cbReject))
	case strings.HasPrefix(data, cbRegenerate):
		b.onRegenerate(ctx, q, strings.TrimPrefix(data, cbRegenerate))
	case strings.HasPrefix(data, cbDetails):
		b.onDetails(ctx, q, strings.TrimPrefix(data, cbDetails))
	case strings.HasPrefix(data, cbPublish):
		b.onPublish(ctx, q, strings.TrimPrefix(data, cbPublish))
	default:
		b.answer(q.ID, "")
	}
}

func (b *Bot) onApprove(ctx context.Context, q *tgbotapi.CallbackQuery, jobID string) {
	if err := b.repo.Approve(ctx, jobID); err != nil {
		b.answerDecisionErr(q.ID, err)
		return
	}
	b.answer(q.ID, "Approved")
	b.editCard(q, "✅ Approved", publishKeyboard(jobID))
}

func (b *Bot) onReject(ctx context.Context, q *tgbotapi.CallbackQuery, jobID string) {
	if err := b.repo.Reject(ctx, jobID); err != nil {
		b.answerDecisionErr(q.ID, err)
		return
	}
	b.answer(q.ID, "Rejected")
	b.editCard(q, "❌ Rejected", tgbotapi.InlineKeyboardMarkup{InlineKeyboard: [][]tgbotapi.InlineKeyboardButton{}})
}

func (b *Bot) onRegenerate(ctx context.Context, q *tgbotapi.CallbackQuery, jobID string) {
	job, err := b.pipe.Regenerate(ctx, jobID)
	if err != nil {
		b.answerDecisionErr(q.ID, err)
		return
	}
	b.answer(q.ID, "Regenerating")
	b.editCard(q, "🔁 Regenerating, a new video is on the way...", tgbotapi.InlineKeyboardMarkup{InlineKeyboard: [][]tgbotapi.InlineKeyboardButton{}})
	go b.pipe.AwaitJobs(ctx, []string{job.ID})
}

func (b *Bot) onDetails(ctx context.Context, q *tgbotapi.CallbackQuery, jobID string) {
	row, err := b.repo.JobWithProduct(ctx, jobID)
	if err != nil {
		b.answer(q.ID, "Job not found.")
		return
	}
	b.answer(q.ID, "")
	var sb strings.Builder
	fmt.Fprintf(&sb, "Job %s\n\n", row.ID)
	fmt.Fprintf(&sb, "Product: %s (#%s)\n", row.ProductName, row.CatalogID)
	fmt.Fprintf(&sb, "Status: %s\n", row.Status)
	fmt.Fprintf(&sb, "Prompt type: %s\n", row.PromptType)
	fmt.Fprintf(&sb, "Created: %s\n\n", row.CreatedAt.Format(time.RFC3339))
	fmt.Fprintf(&sb, "Prompt:\n%s", row.Prompt)
	if row.FailReason != nil {
		fmt.Fprintf(&sb, "\n\nFailure: %s", *row.FailReason)
	}
	// Telegram caps text messages at 4096 chars.
	b.send(tgbotapi.NewMessage(q.Message.Chat.ID, excerpt(sb.String(), 4000)))
}

func (b *Bot) onPublish(ctx context.Context, q *tgbotapi.CallbackQuery, jobID string) {
	row, err := b.repo.JobWithProduct(ctx, jobID)
	if err != nil {
		b.answer(q.ID, "Job not found.")
		return
	}
	if err := b.repo.Publish(ctx, jobID); err != nil {
		b.answerDecisionErr(q.ID, err)
		return
	}
	if b.pub != nil {
		msg := publish.VideoMessage{
			JobID:      row.ID,
			CatalogID:  row.CatalogID,
			Product:    row.ProductName,
			VideoURL:   videoURL(row),
			PromptType: row.PromptType,
			Price:      row.Price,
		}
		if err := b.pub.PublishVideo(ctx, msg); err != nil {
			log.Error().Err(err).Str("job_id", jobID).Msg("bot: enqueue for posting failed")
			b.answer(q.ID, "Marked published, but the posting queue is unavailable.")
			return
		}
	}
	b.answer(q.ID, "Added to the publish queue")
	b.editCard(q, "📤 Published", tgbotapi.InlineKeyboardMarkup{InlineKeyboard: [][]tgbotapi.InlineKeyboardButton{}})
}

func (b *Bot) answerDecisionErr(callbackID string, err error) {
	if errors.Is(err, store.ErrBadTransition) {
		b.answer(callbackID, "This video has already been decided.")
		return
	}
	b.answer(callbackID, "Operation failed: "+err.Error())
}

func (b *Bot) answer(callbackID, text string) {
	if _, err := b.api.Request(tgbotapi.NewCallback(callbackID, text)); err != nil {
		log.Warn().Err(err).Msg("bot: answer callback failed")
	}
}

// editCard prefixes the card caption with the verdict and swaps the keyboard.
func (b *Bot) editCard(q *tgbotapi.CallbackQuery, verdict string, kb tgbotapi.InlineKeyboardMarkup) {
	if q.Message == nil {
		return
	}
	chatID := q.Message.Chat.ID
	messageID := q.Message.MessageID
	if q.Message.Caption != "" {
		edit := tgbotapi.NewEditMessageCaption(chatID, messageID, verdict+"\n\n"+q.Message.Caption)
		edit.ReplyMarkup = &kb
		if _, err := b.api.Request(edit); err != nil {
			log.Warn().Err(err).Msg("bot: edit caption failed")
		}
		return
	}
	edit := tgbotapi.NewEditMessageText(chatID, messageID, verdict+"\n\n"+q.Message.Text)
	edit.ReplyMarkup = &kb
	if _, err := b.api.Request(edit); err != nil {
		log.Warn().Err(err).Msg("bot: edit message failed")
	}
}

func (b *Bot) send(c tgbotapi.Chattable) {
	if _, err := b.api.Send(c); err != nil {
		log.Warn().Err(err).Msg("bot: send failed")
	}
}
