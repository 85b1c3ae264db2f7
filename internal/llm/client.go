// Package llm is a small client for OpenAI-compatible chat completion
// endpoints, shared by the LLM signal extractor and the LLM verbalizer.
package llm

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

	"golang.org/x/time/rate"
)

const (
	defaultModel       = "gpt-4o-mini"
	defaultTimeout     = 30 * time.Second
	defaultMaxRetries  = 2
	defaultBaseBackoff = 500 * time.Millisecond
	defaultRateLimit   = 2.0
	defaultBurst       = 2
)

// Config configures a Client.
type Config struct {
	Endpoint      string
	Model         string
	APIKey        string
	RatePerSecond float64
	Burst         int
	MaxRetries    int
	Timeout       time.Duration
	BaseBackoff   time.Duration
}

// Client calls a chat completion endpoint with rate limiting and retries.
type Client struct {
	endpoint    string
	model       string
	apiKey      string
	httpClient  *http.Client
	limiter     *rate.Limiter
	maxRetries  int
	baseBackoff time.Duration
}

type Message struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type chatRequest struct {
	Model          string         `json:"model"`
	Messages       []Message      `json:"messages"`
	Temperature    float64        `json:"temperature"`
	ResponseFormat map[string]any `json:"response_format,omitempty"`
}

type chatResponse struct {
	Choices []struct {
		Message Message `json:"message"`
	} `json:"choices"`
	Error *struct {
		Message string `json:"message"`
	} `json:"error,omitempty"`
}

// New validates cfg and returns a client.
func New(cfg Config) (*Client, error) {
	if strings.TrimSpace(cfg.Endpoint) == "" {
		return nil, errors.New("llm endpoint required")
	}
	model := cfg.Model
	if model == "" {
		model = defaultModel
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = defaultTimeout
	}
	limit := cfg.RatePerSecond
	if limit <= 0 {
		limit = defaultRateLimit
	}
	burst := cfg.Burst
	if burst <= 0 {
		burst = defaultBurst
	}
	retries := cfg.MaxRetries
	if retries < 0 {
		retries = 0
	} else if retries == 0 {
		retries = defaultMaxRetries
	}
	backoff := cfg.BaseBackoff
	if backoff <= 0 {
		backoff = defaultBaseBackoff
	}
	return &Client{
		endpoint:    strings.TrimRight(cfg.Endpoint, "/"),
		model:       model,
		apiKey:      cfg.APIKey,
		httpClient:  &http.Client{Timeout: timeout},
		limiter:     rate.NewLimiter(rate.Limit(limit), burst),
		maxRetries:  retries,
		baseBackoff: backoff,
	}, nil
}

// Complete sends the conversation and returns the first choice's content.
// When jsonMode is set the endpoint is asked for a JSON object.
func (c *Client) Complete(ctx context.Context, messages []Message, jsonMode bool) (string, error) {
	if err := c.limiter.Wait(ctx); err != nil {
		return "", fmt.Errorf("rate limiter: %w", err)
	}
	req := chatRequest{Model: c.model, Messages: messages}
	if jsonMode {
		req.ResponseFormat = map[string]any{"type": "json_object"}
	}
	var lastErr error
	for attempt := 0; attempt <= c.maxRetries; attempt++ {
		if attempt > 0 {
			backoff := c.baseBackoff * time.Duration(1<<(attempt-1))
			select {
			case <-time.After(backoff):
			case <-ctx.Done():
				return "", ctx.Err()
			}
		}
		out, err := c.do(ctx, req)
		if err == nil {
			return out, nil
		}
		lastErr = err
		if !IsRetryable(err) {
			return "", err
		}
	}
	return "", fmt.Errorf("max retries exceeded: %w", lastErr)
}

func (c *Client) do(ctx context.Context, req chatRequest) (string, error) {
	data, err := json.Marshal(req)
	if err != nil {
		return "", fmt.Errorf("marshal request: %w", err)
	}
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.endpoint+"/v1/chat/completions", bytes.NewReader(data))
	if err != nil {
		return "", fmt.Errorf("create request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	if c.apiKey != "" {
		httpReq.Header.Set("Authorization", "Bearer "+c.apiKey)
	}
	res, err := c.httpClient.Do(httpReq)
	if err != nil {
		if ctx.Err() != nil {
			return "", ctx.Err()
		}
		return "", &retryableError{err: fmt.Errorf("request failed: %w", err)}
	}
	defer res.Body.Close()
	body, err := io.ReadAll(io.LimitReader(res.Body, 1<<20))
	if err != nil {
		return "", fmt.Errorf("read response: %w", err)
	}
	if res.StatusCode == http.StatusTooManyRequests {
		return "", &retryableError{err: errors.New("rate limited (429)")}
	}
	if res.StatusCode >= 500 {
		return "", &retryableError{err: fmt.Errorf("server error (%d): %s", res.StatusCode, strings.TrimSpace(string(body)))}
	}
	var parsed chatResponse
	if err := json.Unmarshal(body, &parsed); err != nil {
		return "", fmt.Errorf("parse response: %w", err)
	}
	if res.StatusCode != http.StatusOK {
		if parsed.Error != nil {
			return "", fmt.Errorf("api error (%d): %s", res.StatusCode, parsed.Error.Message)
		}
		return "", fmt.Errorf("api error (%d)", res.StatusCode)
	}
	if len(parsed.Choices) == 0 {
		return "", errors.New("empty response")
	}
	return parsed.Choices[0].Message.Content, nil
}

type retryableError struct {
	err error
}

func (e *retryableError) Error() string { return e.err.Error() }
func (e *retryableError) Unwrap() error { return e.err }

// IsRetryable reports whether err came from a transient provider failure.
func IsRetryable(err error) bool {
	var re *retryableError
	return errors.As(err, &re)
}

// ExtractJSON returns the outermost JSON object in s, tolerating code fences.
func ExtractJSON(s string) string {
	start := strings.Index(s, "{")
	end := strings.LastIndex(s, "}")
	if start < 0 || end <= start {
		return ""
	}
	return s[start : end+1]
}
