// Package ai talks to an OpenAI-compatible text-generation endpoint and turns
// its output into exactly three suggestions, falling back to deterministic
// ones derived from collected metrics.
package ai

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/valyala/fasthttp"
	"golang.org/x/time/rate"
)

// Generator produces text for a system instruction and a user prompt.
type Generator interface {
	Generate(ctx context.Context, system, user string) (string, error)
}

// ClientConfig configures Client.
type ClientConfig struct {
	BaseURL       string
	APIKey        string
	Model         string
	Timeout       time.Duration
	RatePerMinute int
}

// Client is a Generator backed by a /chat/completions endpoint.
type Client struct {
	cfg     ClientConfig
	limiter *rate.Limiter
	http    *fasthttp.Client
}

func NewClient(cfg ClientConfig) *Client {
	limit := rate.Inf
	if cfg.RatePerMinute > 0 {
		limit = rate.Every(time.Minute / time.Duration(cfg.RatePerMinute))
	}
	return &Client{
		cfg:     cfg,
		limiter: rate.NewLimiter(limit, 1),
		http: &fasthttp.Client{
			Name:                "queryinsight",
			MaxIdleConnDuration: time.Minute,
		},
	}
}

type chatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type chatRequest struct {
	Model       string        `json:"model"`
	Messages    []chatMessage `json:"messages"`
	Temperature float64       `json:"temperature"`
}

type chatResponse struct {
	Choices []struct {
		Message chatMessage `json:"message"`
	} `json:"choices"`
}

// maxErrorBody bounds the response body quoted in errors.
const maxErrorBody = 256

// Generate waits for the rate limiter, then performs one completion call.
// Transport failures, timeouts and non-2xx responses are returned as errors.
func (c *Client) Generate(ctx context.Context, system, user string) (string, error) {
	if err := c.limiter.Wait(ctx); err != nil {
		return "", fmt.Errorf("rate limit: %w", err)
	}

	body, err := json.Marshal(chatRequest{
		Model: c.cfg.Model,
		Messages: []chatMessage{
			{Role: "system", Content: system},
			{Role: "user", Content: user},
		},
		Temperature: 0.2,
	})
	if err != nil {
		return "", err
	}

	req := fasthttp.AcquireRequest()
	defer fasthttp.ReleaseRequest(req)
	resp := fasthttp.AcquireResponse()
	defer fasthttp.ReleaseResponse(resp)

	req.SetRequestURI(strings.TrimRight(c.cfg.BaseURL, "/") + "/chat/completions")
	req.Header.SetMethod(fasthttp.MethodPost)
	req.Header.SetContentType("application/json")
	if c.cfg.APIKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.cfg.APIKey)
	}
	req.SetBody(body)

	timeout := c.cfg.Timeout
	if deadline, ok := ctx.Deadline(); ok {
		if left := time.Until(deadline); left < timeout || timeout <= 0 {
			timeout = left
		}
	}
	if err := c.http.DoTimeout(req, resp, timeout); err != nil {
		return "", fmt.Errorf("chat completion: %w", err)
	}

	if code := resp.StatusCode(); code < 200 || code > 299 {
		snippet := resp.Body()
		if len(snippet) > maxErrorBody {
			snippet = snippet[:maxErrorBody]
		}
		return "", fmt.Errorf("chat completion: status %d: %s", code, snippet)
	}

	var out chatResponse
	if err := json.Unmarshal(resp.Body(), &out); err != nil {
		return "", fmt.Errorf("decode chat completion: %w", err)
	}
	if len(out.Choices) == 0 {
		return "", fmt.Errorf("chat completion: no choices")
	}
	return out.Choices[0].Message.Content, nil
}
