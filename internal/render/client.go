// Package render submits video generation jobs to the KlingAI omni-video
// API and reports their status. The caller owns the polling loop.
package render

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

// ErrRejected marks a submission the service refused outright; retrying the
// same payload will not help.
var ErrRejected = errors.New("render: submission rejected")

type Status string

const (
	StatusSubmitted  Status = "submitted"
	StatusProcessing Status = "processing"
	StatusSucceeded  Status = "succeed"
	StatusFailed     Status = "failed"
)

// PollResult is one status snapshot of a remote job.
type PollResult struct {
	RemoteID      string
	Status        Status
	VideoURL      string
	VideoDuration string
	ErrorDetail   string
}

// Terminal reports whether the remote job has finished, one way or the
// other.
func (r PollResult) Terminal() bool {
	return r.Status == StatusSucceeded || r.Status == StatusFailed
}

const omniVideoEndpoint = "/v1/videos/omni-video"

type Client struct {
	BaseURL     string
	APIKey      string
	Mode        string
	AspectRatio string
	Duration    string
	HTTP        *http.Client

	// Submit retry tuning. Rate limits back off exponentially from
	// RateLimitBase; server errors wait the fixed ServerErrDelay.
	MaxRetries     int
	RateLimitBase  time.Duration
	ServerErrDelay time.Duration
	NetRetryDelay  time.Duration
}

func NewClient(baseURL, apiKey, mode, aspectRatio, duration string) *Client {
	return &Client{
		BaseURL:        strings.TrimRight(baseURL, "/"),
		APIKey:         apiKey,
		Mode:           mode,
		AspectRatio:    aspectRatio,
		Duration:       duration,
		HTTP:           &http.Client{Timeout: 30 * time.Second},
		MaxRetries:     3,
		RateLimitBase:  5 * time.Second,
		ServerErrDelay: 60 * time.Second,
		NetRetryDelay:  5 * time.Second,
	}
}

type submitReq struct {
	ModelName   string       `json:"model_name"`
	Prompt      string       `json:"prompt"`
	ImageList   []imageEntry `json:"image_list"`
	Mode        string       `json:"mode"`
	AspectRatio string       `json:"aspect_ratio"`
	Duration    string       `json:"duration"`
}

type imageEntry struct {
	ImageURL string `json:"image_url"`
	Type     string `json:"type"`
}

type apiResp struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
	Data    struct {
		TaskID        string `json:"task_id"`
		TaskStatus    string `json:"task_status"`
		TaskStatusMsg string `json:"task_status_msg"`
		TaskResult    struct {
			Videos []struct {
				ID       string `json:"id"`
				URL      string `json:"url"`
				Duration string `json:"duration"`
			} `json:"videos"`
		} `json:"task_result"`
	} `json:"data"`
}

// Submit creates a render job using imageURL as the first frame and returns
// the remote job handle. Rate limits and server errors are retried with
// backoff up to MaxRetries; a rejection (ErrRejected) is returned
// immediately.
func (c *Client) Submit(ctx context.Context, imageURL, prompt string) (string, error) {
	body, err := json.Marshal(submitReq{
		ModelName:   "kling-video-o1",
		Prompt:      prompt,
		ImageList:   []imageEntry{{ImageURL: imageURL, Type: "first_frame"}},
		Mode:        c.Mode,
		AspectRatio: c.AspectRatio,
		Duration:    c.Duration,
	})
	if err != nil {
		return "", err
	}

	url := c.BaseURL + omniVideoEndpoint

	var lastErr error
	for attempt := 0; attempt < c.MaxRetries; attempt++ {
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
		if err != nil {
			return "", err
		}
		c.setHeaders(req)

		resp, err := c.HTTP.Do(req)
		if err != nil {
			lastErr = err
			log.Warn().Err(err).Int("attempt", attempt+1).Msg("render: submit request error")
			if err := sleepCtx(ctx, c.NetRetryDelay); err != nil {
				return "", err
			}
			continue
		}

		switch {
		case resp.StatusCode == http.StatusTooManyRequests:
			drain(resp)
			wait := c.RateLimitBase << attempt
			lastErr = fmt.Errorf("render: rate limited (429)")
			log.Warn().Dur("wait", wait).Int("attempt", attempt+1).Msg("render: rate limited")
			if err := sleepCtx(ctx, wait); err != nil {
				return "", err
			}
			continue

		case resp.StatusCode >= 500:
			drain(resp)
			lastErr = fmt.Errorf("render: server error (%d)", resp.StatusCode)
			log.Warn().Int("status", resp.StatusCode).Int("attempt", attempt+1).Msg("render: server error")
			if err := sleepCtx(ctx, c.ServerErrDelay); err != nil {
				return "", err
			}
			continue

		case resp.StatusCode < 200 || resp.StatusCode >= 300:
			msg := readErr(resp)
			drain(resp)
			return "", fmt.Errorf("render: submit failed: %s", msg)
		}

		var decoded apiResp
		err = json.NewDecoder(resp.Body).Decode(&decoded)
		drain(resp)
		if err != nil {
			return "", fmt.Errorf("render: decode: %w", err)
		}
		if decoded.Code != 0 {
			return "", fmt.Errorf("%w: code=%d message=%s", ErrRejected, decoded.Code, decoded.Message)
		}
		log.Info().Str("remote_id", decoded.Data.TaskID).Msg("render: job submitted")
		return decoded.Data.TaskID, nil
	}

	return "", fmt.Errorf("render: submit retries exhausted: %w", lastErr)
}

// Poll returns the current status of a remote job. It never blocks beyond
// the single HTTP round trip; transport and server errors come back as
// plain errors the caller may treat as transient.
func (c *Client) Poll(ctx context.Context, remoteID string) (PollResult, error) {
	url := fmt.Sprintf("%s%s/%s", c.BaseURL, omniVideoEndpoint, remoteID)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return PollResult{}, err
	}
	c.setHeaders(req)

	resp, err := c.HTTP.Do(req)
	if err != nil {
		return PollResult{}, fmt.Errorf("render: poll: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return PollResult{}, fmt.Errorf("render: poll failed: %s", readErr(resp))
	}

	var decoded apiResp
	if err := json.NewDecoder(resp.Body).Decode(&decoded); err != nil {
		return PollResult{}, fmt.Errorf("render: poll decode: %w", err)
	}

	// a non-zero code on an existing job means the job is gone for good
	if decoded.Code != 0 {
		return PollResult{
			RemoteID:    remoteID,
			Status:      StatusFailed,
			ErrorDetail: decoded.Message,
		}, nil
	}

	result := PollResult{
		RemoteID: remoteID,
		Status:   Status(decoded.Data.TaskStatus),
	}
	switch result.Status {
	case StatusSucceeded:
		if vids := decoded.Data.TaskResult.Videos; len(vids) > 0 {
			result.VideoURL = vids[0].URL
			result.VideoDuration = vids[0].Duration
		}
	case StatusFailed:
		result.ErrorDetail = decoded.Data.TaskStatusMsg
		if result.ErrorDetail == "" {
			result.ErrorDetail = "generation failed"
		}
	}
	return result, nil
}

func (c *Client) setHeaders(req *http.Request) {
	req.Header.Set("Authorization", "Bearer "+c.APIKey)
	req.Header.Set("Content-Type", "application/json")
}

func readErr(resp *http.Response) string {
	raw, _ := io.ReadAll(io.LimitReader(resp.Body, 4*1024))
	msg := strings.TrimSpace(string(raw))
	if msg == "" {
		msg = fmt.Sprintf("status %d", resp.StatusCode)
	}
	return msg
}

func drain(resp *http.Response) {
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 4*1024))
	_ = resp.Body.Close()
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
