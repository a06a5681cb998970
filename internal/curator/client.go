// Package curator scores catalog items and authors render instructions via
// the Anthropic Messages API.
package curator

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/rs/zerolog/log"
)

// ItemSummary is the compact product view sent to the model.
type ItemSummary struct {
	CatalogID string  `json:"catalog_id"`
	Name      string  `json:"name"`
	Category  string  `json:"category"`
	Price     float64 `json:"price"`
	Vendor    string  `json:"vendor"`
	ImageURL  string  `json:"image_url,omitempty"`
}

// Scored is one entry of the model's ranking.
type Scored struct {
	CatalogID string  `json:"catalog_id"`
	Score     float64 `json:"score"`
	Reasoning string  `json:"reasoning"`
	Selected  bool    `json:"selected"`
}

// Instruction is one render instruction, tagged with its category
// (detail, lifestyle, flatlay, transformation, silhouette).
type Instruction struct {
	Category string `json:"type"`
	Text     string `json:"prompt"`
}

const anthropicVersion = "2023-06-01"

type Client struct {
	BaseURL string
	APIKey  string
	Model   string
	HTTP    *http.Client

	// NumPrompts is how many instructions to request per item.
	NumPrompts int
}

func NewClient(baseURL, apiKey, model string) *Client {
	if baseURL == "" {
		baseURL = "https://api.anthropic.com"
	}
	return &Client{
		BaseURL:    strings.TrimRight(baseURL, "/"),
		APIKey:     apiKey,
		Model:      model,
		HTTP:       &http.Client{Timeout: 90 * time.Second},
		NumPrompts: 2,
	}
}

// ScoreAndSelect ranks the items and marks the topN best suited for
// short-form video. A transport or API error propagates; a malformed model
// reply degrades to a deterministic default ranking instead.
func (c *Client) ScoreAndSelect(ctx context.Context, items []ItemSummary, topN int) ([]Scored, error) {
	payload, err := json.Marshal(map[string]any{
		"products":   items,
		"select_top": topN,
	})
	if err != nil {
		return nil, err
	}

	text, err := c.complete(ctx, scoringSystemPrompt, string(payload), 2000)
	if err != nil {
		return nil, err
	}

	var result struct {
		Ranked []Scored `json:"ranked_products"`
	}
	if err := json.Unmarshal([]byte(stripFences(text)), &result); err != nil {
		log.Warn().Err(err).Msg("curator: unparseable scoring reply, using fallback ranking")
		return fallbackRanking(items, topN), nil
	}
	return result.Ranked, nil
}

// GenerateInstructions asks for a small batch of render instructions for one
// item. A malformed reply degrades to the canned instruction pair.
func (c *Client) GenerateInstructions(ctx context.Context, item ItemSummary) ([]Instruction, error) {
	payload, err := json.Marshal(map[string]any{
		"product":     item,
		"num_prompts": c.NumPrompts,
	})
	if err != nil {
		return nil, err
	}

	text, err := c.complete(ctx, instructionSystemPrompt, string(payload), 1500)
	if err != nil {
		return nil, err
	}

	var result struct {
		Prompts []Instruction `json:"prompts"`
	}
	if err := json.Unmarshal([]byte(stripFences(text)), &result); err != nil {
		log.Warn().Err(err).Str("product", item.Name).Msg("curator: unparseable prompt reply, using fallback instructions")
		return fallbackInstructions(item), nil
	}
	return result.Prompts, nil
}

type messagesReq struct {
	Model     string       `json:"model"`
	MaxTokens int          `json:"max_tokens"`
	System    string       `json:"system"`
	Messages  []messageReq `json:"messages"`
}

type messageReq struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type messagesResp struct {
	Content []struct {
		Type string `json:"type"`
		Text string `json:"text"`
	} `json:"content"`
	Error *struct {
		Type    string `json:"type"`
		Message string `json:"message"`
	} `json:"error,omitempty"`
}

func (c *Client) complete(ctx context.Context, system, user string, maxTokens int) (string, error) {
	if c.HTTP == nil {
		return "", errors.New("curator: http client is nil")
	}
	if strings.TrimSpace(c.APIKey) == "" {
		return "", errors.New("curator: api key is required")
	}

	body, err := json.Marshal(messagesReq{
		Model:     c.Model,
		MaxTokens: maxTokens,
		System:    system,
		Messages:  []messageReq{{Role: "user", Content: user}},
	})
	if err != nil {
		return "", err
	}

	url := c.BaseURL + "/v1/messages"
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return "", err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("x-api-key", c.APIKey)
	req.Header.Set("anthropic-version", anthropicVersion)

	resp, err := c.HTTP.Do(req)
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		raw, _ := io.ReadAll(io.LimitReader(resp.Body, 4*1024))
		msg := strings.TrimSpace(string(raw))
		if msg == "" {
			msg = fmt.Sprintf("status %d", resp.StatusCode)
		}
		return "", fmt.Errorf("curator: %s", msg)
	}

	var decoded messagesResp
	if err := json.NewDecoder(resp.Body).Decode(&decoded); err != nil {
		return "", err
	}
	if decoded.Error != nil && decoded.Error.Message != "" {
		return "", fmt.Errorf("curator: %s", decoded.Error.Message)
	}
	if len(decoded.Content) == 0 {
		return "", errors.New("curator: empty response")
	}
	return strings.TrimSpace(decoded.Content[0].Text), nil
}

// stripFences removes a surrounding markdown code fence, which the model
// sometimes adds despite the JSON-only instruction.
func stripFences(text string) string {
	text = strings.TrimSpace(text)
	if !strings.HasPrefix(text, "```") {
		return text
	}
	if i := strings.IndexByte(text, '\n'); i >= 0 {
		text = text[i+1:]
	} else {
		text = text[3:]
	}
	text = strings.TrimSuffix(strings.TrimSpace(text), "```")
	return strings.TrimSpace(text)
}

// fallbackRanking assigns a flat default score and selects the first topN
// items in their original order.
func fallbackRanking(items []ItemSummary, topN int) []Scored {
	out := make([]Scored, 0, len(items))
	for i, it := range items {
		out = append(out, Scored{
			CatalogID: it.CatalogID,
			Score:     5.0,
			Reasoning: "fallback",
			Selected:  i < topN,
		})
	}
	return out
}

func fallbackInstructions(item ItemSummary) []Instruction {
	return []Instruction{
		{
			Category: "detail",
			Text: fmt.Sprintf(
				"Extreme close-up macro shot of a %s, showcasing the rich texture and fine craftsmanship. "+
					"Smooth camera movement reveals intricate details. Soft natural lighting on a clean background. "+
					"9:16 vertical format, 5 seconds, cinematic quality", item.Name),
		},
		{
			Category: "lifestyle",
			Text: fmt.Sprintf(
				"A stylish young person confidently walking through a modern city street, wearing a %s. "+
					"Natural sunlight creates soft shadows. The camera follows with a smooth tracking shot, "+
					"capturing the natural movement of fabric and confident stride. Aspirational and authentic. "+
					"9:16 vertical format, 5 seconds, cinematic quality", item.Name),
		},
	}
}
