package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
	"github.com/joho/godotenv"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/wabrum/content-bot/internal/bot"
	"github.com/wabrum/content-bot/internal/catalog"
	"github.com/wabrum/content-bot/internal/config"
	"github.com/wabrum/content-bot/internal/curator"
	"github.com/wabrum/content-bot/internal/db"
	"github.com/wabrum/content-bot/internal/httpapi"
	"github.com/wabrum/content-bot/internal/lock"
	"github.com/wabrum/content-bot/internal/pipeline"
	"github.com/wabrum/content-bot/internal/publish"
	"github.com/wabrum/content-bot/internal/render"
	"github.com/wabrum/content-bot/internal/sched"
	"github.com/wabrum/content-bot/internal/store"
)

func main() {
	_ = godotenv.Load()

	zerolog.TimeFieldFormat = time.RFC3339
	if lvl, err := zerolog.ParseLevel(os.Getenv("LOG_LEVEL")); err == nil && lvl != zerolog.NoLevel {
		zerolog.SetGlobalLevel(lvl)
	}

	cfg := config.Load()
	if cfg.BotToken == "" {
		log.Fatal().Msg("TELEGRAM_BOT_TOKEN is required")
	}
	if len(cfg.AdminIDs) == 0 {
		log.Fatal().Msg("TELEGRAM_ADMIN_IDS is required")
	}

	gdb, err := db.Open(cfg.DBPath)
	if err != nil {
		log.Fatal().Err(err).Str("path", cfg.DBPath).Msg("open database")
	}
	repo := store.NewRepo(gdb)

	cat := catalog.NewClient(cfg.CatalogBaseURL, cfg.CatalogEmail, cfg.CatalogAPIKey)
	cur := curator.NewClient(cfg.AnthropicBaseURL, cfg.AnthropicAPIKey, cfg.ClaudeModel)
	cur.NumPrompts = cfg.PromptsPerItem
	ren := render.NewClient(cfg.KlingBaseURL, cfg.KlingAPIKey, cfg.KlingMode, cfg.KlingAspectRatio, cfg.KlingDuration)

	api, err := tgbotapi.NewBotAPI(cfg.BotToken)
	if err != nil {
		log.Fatal().Err(err).Msg("telegram auth")
	}
	log.Info().Str("bot", api.Self.UserName).Msg("telegram connected")

	b := bot.New(api, repo, nil, cfg.AdminIDs, bot.Options{})

	orch := pipeline.New(repo, cat, cur, ren, b, pipeline.Options{
		FetchRecentDays:   cfg.FetchRecentDays,
		FetchRecentLimit:  cfg.FetchRecentLimit,
		FetchPopularLimit: cfg.FetchPopularLimit,
		SelectTopN:        cfg.SelectTopN,
		PollInterval:      cfg.PollInterval,
		JobTimeout:        cfg.JobTimeout,
		HandoffPause:      cfg.HandoffPause,
		BusinessTZ:        cfg.BusinessTZ(),
	})
	b.SetPipeline(orch)

	if cfg.RedisAddr != "" {
		rdb := redis.NewClient(&redis.Options{
			Addr:     cfg.RedisAddr,
			Password: cfg.RedisPassword,
			DB:       cfg.RedisDB,
		})
		orch.SetRunLock(lock.New(rdb, "", cfg.JobTimeout*2))
		log.Info().Str("addr", cfg.RedisAddr).Msg("redis run lock enabled")
	}

	if cfg.RabbitURL != "" {
		pub, err := publish.NewPublisher(cfg.RabbitURL, cfg.RabbitQueue)
		if err != nil {
			log.Warn().Err(err).Msg("publish queue unavailable, publishing disabled")
		} else {
			defer pub.Close()
			b.SetPublisher(pub)
			log.Info().Str("queue", cfg.RabbitQueue).Msg("publish queue connected")
		}
	}

	scheduler, err := sched.New(orch, cfg.DailyHour, cfg.DailyMinute, cfg.BusinessTZ())
	if err != nil {
		log.Fatal().Err(err).Msg("schedule setup")
	}
	scheduler.Start()
	defer scheduler.Stop()

	srv := &http.Server{Addr: cfg.HTTPAddr, Handler: httpapi.NewRouter(repo, 7*24*time.Hour)}
	go func() {
		log.Info().Str("addr", cfg.HTTPAddr).Msg("ops http listening")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Error().Err(err).Msg("ops http server")
		}
	}()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	log.Info().
		Int("admins", len(cfg.AdminIDs)).
		Int("daily_hour", cfg.DailyHour).
		Msg("bot started")
	b.Run(ctx)

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Warn().Err(err).Msg("ops http shutdown")
	}
	log.Info().Msg("bot stopped")
}
