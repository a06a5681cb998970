package config

import (
	"testing"
	"time"
)

func TestLoadDefaults(t *testing.T) {
	cfg := Load()

	if cfg.SelectTopN != 5 {
		t.Fatalf("expected default top-N 5, got %d", cfg.SelectTopN)
	}
	if cfg.PromptsPerItem != 2 {
		t.Fatalf("expected 2 prompts per item, got %d", cfg.PromptsPerItem)
	}
	if cfg.PollInterval != 30*time.Second {
		t.Fatalf("unexpected poll interval: %s", cfg.PollInterval)
	}
	if cfg.JobTimeout != 600*time.Second {
		t.Fatalf("unexpected job timeout: %s", cfg.JobTimeout)
	}
}

func TestAdminIDsParsing(t *testing.T) {
	t.Setenv("TELEGRAM_ADMIN_IDS", " 100, 200 ,,bad,300")
	cfg := Load()

	want := []int64{100, 200, 300}
	if len(cfg.AdminIDs) != len(want) {
		t.Fatalf("expected %d admin ids, got %v", len(want), cfg.AdminIDs)
	}
	for i, id := range want {
		if cfg.AdminIDs[i] != id {
			t.Fatalf("admin id %d: expected %d, got %d", i, id, cfg.AdminIDs[i])
		}
	}
}

func TestBusinessTZ(t *testing.T) {
	t.Setenv("BUSINESS_UTC_OFFSET", "5")
	cfg := Load()

	noonUTC := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	if got := noonUTC.In(cfg.BusinessTZ()).Hour(); got != 17 {
		t.Fatalf("expected 17:00 business time, got %d:00", got)
	}
}
