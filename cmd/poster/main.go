// Poster consumes approved videos from the publish queue and posts them to
// the public Telegram channel. It runs separately from the bot so posting
// backpressure never stalls the generation pipeline.
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/signal"
	"strconv"
	"sync"
	"syscall"
	"time"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
	"github.com/joho/godotenv"
	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/rs/zerolog/log"

	"github.com/wabrum/content-bot/internal/config"
	"github.com/wabrum/content-bot/internal/publish"
)

func posterConcurrency() int {
	v := os.Getenv("POSTER_CONCURRENCY")
	if v == "" {
		return 2
	}
	n, err := strconv.Atoi(v)
	if err != nil || n <= 0 {
		return 2
	}
	if n > 10 {
		return 10
	}
	return n
}

func main() {
	_ = godotenv.Load()
	cfg := config.Load()

	channelID, err := strconv.ParseInt(os.Getenv("TELEGRAM_CHANNEL_ID"), 10, 64)
	if err != nil {
		log.Fatal().Msg("TELEGRAM_CHANNEL_ID is required")
	}
	if cfg.RabbitURL == "" {
		log.Fatal().Msg("RABBIT_URL is required")
	}

	api, err := tgbotapi.NewBotAPI(cfg.BotToken)
	if err != nil {
		log.Fatal().Err(err).Msg("telegram auth")
	}

	conn, err := amqp.Dial(cfg.RabbitURL)
	if err != nil {
		log.Fatal().Err(err).Msg("rabbit dial")
	}
	defer conn.Close()

	ch, err := conn.Channel()
	if err != nil {
		log.Fatal().Err(err).Msg("rabbit channel")
	}
	defer ch.Close()

	concurrency := posterConcurrency()
	if err := ch.Qos(concurrency, 0, false); err != nil {
		log.Fatal().Err(err).Msg("qos")
	}

	msgs, err := ch.Consume(cfg.RabbitQueue, "", false, false, false, false, nil)
	if err != nil {
		log.Fatal().Err(err).Msg("consume")
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	log.Info().Str("queue", cfg.RabbitQueue).Int("concurrency", concurrency).Msg("poster started")

	jobs := make(chan amqp.Delivery, concurrency*2)

	var wg sync.WaitGroup
	wg.Add(concurrency)
	for i := 0; i < concurrency; i++ {
		go func(workerID int) {
			defer wg.Done()
			for d := range jobs {
				var m publish.VideoMessage
				if err := json.Unmarshal(d.Body, &m); err != nil || m.VideoURL == "" {
					log.Error().Err(err).Int("worker", workerID).Msg("bad message")
					_ = d.Nack(false, false)
					continue
				}

				start := time.Now()
				if err := postVideo(api, channelID, m); err != nil {
					log.Error().Err(err).Int("worker", workerID).Str("job_id", m.JobID).
						Dur("cost", time.Since(start)).Msg("post failed")
					_ = d.Nack(false, false)
					continue
				}

				if err := d.Ack(false); err != nil {
					log.Error().Err(err).Int("worker", workerID).Str("job_id", m.JobID).Msg("ack failed")
				}
			}
		}(i)
	}

	for {
		select {
		case <-ctx.Done():
			log.Info().Msg("poster shutting down")
			close(jobs)
			wg.Wait()
			return

		case d, ok := <-msgs:
			if !ok {
				log.Warn().Msg("delivery channel closed")
				time.Sleep(time.Second)
				continue
			}
			jobs <- d
		}
	}
}

func postVideo(api *tgbotapi.BotAPI, channelID int64, m publish.VideoMessage) error {
	v := tgbotapi.NewVideo(channelID, tgbotapi.FileURL(m.VideoURL))
	v.Caption = channelCaption(m)
	if _, err := api.Send(v); err != nil {
		return fmt.Errorf("send video: %w", err)
	}
	return nil
}

func channelCaption(m publish.VideoMessage) string {
	caption := "🛍 " + m.Product
	if m.Price > 0 {
		caption += fmt.Sprintf("\n💰 %.2f TMT", m.Price)
	}
	if m.CatalogID != "" {
		caption += "\n🔎 #" + m.CatalogID
	}
	return caption
}
