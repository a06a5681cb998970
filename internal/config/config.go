package config

import (
	"os"
	"strconv"
	"strings"
	"time"
)

type Config struct {
	// Telegram
	BotToken string
	AdminIDs []int64

	// CS-Cart catalog API
	CatalogBaseURL string
	CatalogEmail   string
	CatalogAPIKey  string

	// Anthropic (curator)
	AnthropicAPIKey  string
	AnthropicBaseURL string
	ClaudeModel      string

	// KlingAI (render service)
	KlingBaseURL     string
	KlingAPIKey      string
	KlingMode        string
	KlingAspectRatio string
	KlingDuration    string

	// Pipeline tuning
	FetchRecentDays  int
	FetchRecentLimit int
	FetchPopularLimit int
	SelectTopN       int
	PromptsPerItem   int
	PollInterval     time.Duration
	JobTimeout       time.Duration
	HandoffPause     time.Duration

	// Daily schedule, in business-local time
	DailyHour      int
	DailyMinute    int
	BusinessUTCOffset int // hours east of UTC

	// Storage
	DBPath string

	// Ops HTTP API
	HTTPAddr string

	// Optional infra
	RedisAddr     string
	RedisPassword string
	RedisDB       int
	RabbitURL     string
	RabbitQueue   string
}

func Load() Config {
	adminIDs := []int64{}
	if raw := strings.TrimSpace(os.Getenv("TELEGRAM_ADMIN_IDS")); raw != "" {
		for _, part := range strings.Split(raw, ",") {
			part = strings.TrimSpace(part)
			if part == "" {
				continue
			}
			if id, err := strconv.ParseInt(part, 10, 64); err == nil {
				adminIDs = append(adminIDs, id)
			}
		}
	}

	return Config{
		BotToken: os.Getenv("TELEGRAM_BOT_TOKEN"),
		AdminIDs: adminIDs,

		CatalogBaseURL: os.Getenv("CSCART_API_URL"),
		CatalogEmail:   os.Getenv("CSCART_API_EMAIL"),
		CatalogAPIKey:  os.Getenv("CSCART_API_KEY"),

		AnthropicAPIKey:  os.Getenv("ANTHROPIC_API_KEY"),
		AnthropicBaseURL: envStr("ANTHROPIC_BASE_URL", "https://api.anthropic.com"),
		ClaudeModel:      envStr("CLAUDE_MODEL", "claude-sonnet-4-20250514"),

		KlingBaseURL:     envStr("KLINGAI_API_URL", "https://api-singapore.klingai.com"),
		KlingAPIKey:      os.Getenv("KLINGAI_API_KEY"),
		KlingMode:        envStr("KLINGAI_MODE", "pro"),
		KlingAspectRatio: envStr("KLINGAI_ASPECT_RATIO", "9:16"),
		KlingDuration:    envStr("KLINGAI_VIDEO_DURATION", "5"),

		FetchRecentDays:   envInt("FETCH_RECENT_DAYS", 7),
		FetchRecentLimit:  envInt("FETCH_RECENT_LIMIT", 15),
		FetchPopularLimit: envInt("FETCH_POPULAR_LIMIT", 10),
		SelectTopN:        envInt("PRODUCTS_TO_SELECT_DAILY", 5),
		PromptsPerItem:    envInt("VIDEO_VARIANTS_PER_PRODUCT", 2),
		PollInterval:      envSeconds("KLINGAI_POLLING_INTERVAL", 30),
		JobTimeout:        envSeconds("KLINGAI_TASK_TIMEOUT", 600),
		HandoffPause:      envSeconds("HANDOFF_PAUSE", 2),

		DailyHour:         envInt("DAILY_GENERATION_HOUR", 9),
		DailyMinute:       envInt("DAILY_GENERATION_MINUTE", 0),
		BusinessUTCOffset: envInt("BUSINESS_UTC_OFFSET", 5),

		DBPath: envStr("DATABASE_PATH", "wabrum_bot.db"),

		HTTPAddr: envStr("HTTP_ADDR", ":8080"),

		RedisAddr:     os.Getenv("REDIS_ADDR"),
		RedisPassword: os.Getenv("REDIS_PASSWORD"),
		RedisDB:       envInt("REDIS_DB", 0),
		RabbitURL:     os.Getenv("RABBIT_URL"),
		RabbitQueue:   envStr("RABBIT_QUEUE", "video_publish"),
	}
}

// BusinessTZ returns the fixed-offset business timezone. Day boundaries for
// the idempotency gate and the daily schedule are computed in this zone, not
// machine-local time.
func (c Config) BusinessTZ() *time.Location {
	return time.FixedZone("business", c.BusinessUTCOffset*3600)
}

func envStr(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func envInt(key string, def int) int {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return def
}

func envSeconds(key string, def int) time.Duration {
	return time.Duration(envInt(key, def)) * time.Second
}
