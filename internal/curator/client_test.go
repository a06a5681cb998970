package curator

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
)

func anthropicStub(t *testing.T, replyText string) *Client {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/v1/messages" {
			t.Errorf("unexpected path %s", r.URL.Path)
		}
		if r.Header.Get("x-api-key") == "" {
			t.Errorf("missing api key header")
		}
		w.Header().Set("Content-Type", "application/json")
		resp := map[string]any{
			"content": []map[string]string{{"type": "text", "text": replyText}},
		}
		json.NewEncoder(w).Encode(resp)
	}))
	t.Cleanup(srv.Close)

	c := NewClient(srv.URL, "test-key", "claude-sonnet-4-20250514")
	c.HTTP = srv.Client()
	return c
}

func sampleItems(n int) []ItemSummary {
	items := make([]ItemSummary, 0, n)
	for i := 0; i < n; i++ {
		items = append(items, ItemSummary{
			CatalogID: fmt.Sprintf("cs-%d", i+1),
			Name:      fmt.Sprintf("Item %d", i+1),
			Category:  "Accessories",
			Price:     100,
			Vendor:    "Gunesh",
		})
	}
	return items
}

func TestScoreAndSelect_ParsesRanking(t *testing.T) {
	reply := `{"ranked_products": [
		{"catalog_id": "cs-2", "score": 9.1, "reasoning": "strong texture", "selected": true},
		{"catalog_id": "cs-1", "score": 4.0, "reasoning": "flat", "selected": false}
	]}`
	c := anthropicStub(t, reply)

	ranked, err := c.ScoreAndSelect(context.Background(), sampleItems(2), 1)
	if err != nil {
		t.Fatalf("score: %v", err)
	}
	if len(ranked) != 2 {
		t.Fatalf("expected 2 entries, got %d", len(ranked))
	}
	if ranked[0].CatalogID != "cs-2" || !ranked[0].Selected || ranked[0].Score != 9.1 {
		t.Fatalf("unexpected top entry: %+v", ranked[0])
	}
}

func TestScoreAndSelect_FencedJSON(t *testing.T) {
	reply := "```json\n{\"ranked_products\": [{\"catalog_id\": \"cs-1\", \"score\": 7, \"selected\": true}]}\n```"
	c := anthropicStub(t, reply)

	ranked, err := c.ScoreAndSelect(context.Background(), sampleItems(1), 1)
	if err != nil {
		t.Fatalf("score: %v", err)
	}
	if len(ranked) != 1 || ranked[0].CatalogID != "cs-1" {
		t.Fatalf("unexpected ranking: %+v", ranked)
	}
}

func TestScoreAndSelect_UnparseableFallsBack(t *testing.T) {
	c := anthropicStub(t, "I am sorry, I cannot respond in JSON today.")

	ranked, err := c.ScoreAndSelect(context.Background(), sampleItems(4), 2)
	if err != nil {
		t.Fatalf("expected fallback, got error: %v", err)
	}
	if len(ranked) != 4 {
		t.Fatalf("expected all 4 items in fallback ranking, got %d", len(ranked))
	}
	selected := 0
	for i, s := range ranked {
		if s.Score != 5.0 {
			t.Fatalf("expected flat default score, got %v", s.Score)
		}
		if s.Selected {
			selected++
			if i >= 2 {
				t.Fatalf("fallback selected an item outside the top-N prefix: index %d", i)
			}
		}
	}
	if selected != 2 {
		t.Fatalf("expected exactly 2 selected, got %d", selected)
	}
}

func TestScoreAndSelect_APIErrorPropagates(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, `{"type":"error","error":{"type":"overloaded_error","message":"overloaded"}}`, http.StatusServiceUnavailable)
	}))
	t.Cleanup(srv.Close)
	c := NewClient(srv.URL, "test-key", "m")
	c.HTTP = srv.Client()

	if _, err := c.ScoreAndSelect(context.Background(), sampleItems(1), 1); err == nil {
		t.Fatalf("expected API error to propagate")
	}
}

func TestGenerateInstructions_ParsesBatch(t *testing.T) {
	reply := `{"prompts": [
		{"type": "detail", "prompt": "macro shot of stitching"},
		{"type": "lifestyle", "prompt": "walking through a city street"}
	]}`
	c := anthropicStub(t, reply)

	instrs, err := c.GenerateInstructions(context.Background(), sampleItems(1)[0])
	if err != nil {
		t.Fatalf("generate: %v", err)
	}
	if len(instrs) != 2 {
		t.Fatalf("expected 2 instructions, got %d", len(instrs))
	}
	if instrs[0].Category != "detail" || instrs[1].Category != "lifestyle" {
		t.Fatalf("unexpected categories: %+v", instrs)
	}
}

func TestGenerateInstructions_UnparseableFallsBack(t *testing.T) {
	c := anthropicStub(t, "not json")

	instrs, err := c.GenerateInstructions(context.Background(), sampleItems(1)[0])
	if err != nil {
		t.Fatalf("expected fallback, got error: %v", err)
	}
	if len(instrs) != 2 {
		t.Fatalf("expected canned pair, got %d", len(instrs))
	}
	if instrs[0].Category != "detail" || instrs[1].Category != "lifestyle" {
		t.Fatalf("unexpected fallback categories: %+v", instrs)
	}
	if instrs[0].Text == "" || instrs[1].Text == "" {
		t.Fatalf("fallback instructions must not be empty")
	}
}

func TestStripFences(t *testing.T) {
	cases := map[string]string{
		"{\"a\":1}":                        "{\"a\":1}",
		"```json\n{\"a\":1}\n```":          "{\"a\":1}",
		"```\n{\"a\":1}\n```":              "{\"a\":1}",
		"  ```json\n{\"a\":1}\n```  ":      "{\"a\":1}",
	}
	for in, want := range cases {
		if got := stripFences(in); got != want {
			t.Fatalf("stripFences(%q) = %q, want %q", in, got, want)
		}
	}
}
