package llm

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"ObituaryScanner/internal/config"
	"ObituaryScanner/internal/ports"
)

const maxErrorBody = 512

// ErrRateLimited is returned on HTTP 429. It is never retried here: callers
// stop their batch instead.
var ErrRateLimited = ports.ErrRateLimited

// APIError is any other non-2xx answer. Body is truncated.
type APIError struct {
	Status int
	Body   string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("llm error %d: %s", e.Status, e.Body)
}

// Retryable reports whether a later attempt may succeed.
func (e *APIError) Retryable() bool {
	return e.Status >= http.StatusInternalServerError
}

// ChatGPTClient implements ports.ChatClient backed by OpenAI-compatible APIs.
type ChatGPTClient struct {
	endpoint    string
	model       string
	apiKey      string
	temperature float64
	topP        float64
	maxTokens   int
	maxRetries  int
	backoff     time.Duration
	httpClient  *http.Client
	logger      *slog.Logger
}

var _ ports.ChatClient = (*ChatGPTClient)(nil)

// NewChatGPTClient builds a client from configuration.
func NewChatGPTClient(cfg config.LLMConfig, logger *slog.Logger) *ChatGPTClient {
	if logger == nil {
		logger = slog.Default()
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 60 * time.Second
	}
	return &ChatGPTClient{
		endpoint:    cfg.Endpoint,
		model:       cfg.Model,
		apiKey:      cfg.APIKey,
		temperature: cfg.Temperature,
		topP:        cfg.TopP,
		maxTokens:   cfg.MaxTokens,
		maxRetries:  max(cfg.MaxRetries, 0),
		backoff:     cfg.Backoff,
		httpClient:  &http.Client{Timeout: timeout},
		logger:      logger.With("component", "llm"),
	}
}

type chatRequest struct {
	Model       string              `json:"model"`
	Messages    []ports.ChatMessage `json:"messages"`
	Temperature float64             `json:"temperature"`
	MaxTokens   int                 `json:"max_tokens,omitempty"`
	TopP        float64             `json:"top_p,omitempty"`
}

type chatResponse struct {
	Choices []struct {
		Message struct {
			Content string `json:"content"`
		} `json:"message"`
	} `json:"choices"`
	Usage struct {
		TotalTokens int64 `json:"total_tokens"`
	} `json:"usage"`
}

// Complete sends one chat-completions request. 5xx and transport errors are
// retried with exponential backoff; 429 returns ErrRateLimited at once.
func (c *ChatGPTClient) Complete(ctx context.Context, req ports.CompletionRequest) (ports.Completion, error) {
	if c == nil {
		return ports.Completion{}, fmt.Errorf("chatgpt client is nil")
	}
	if c.apiKey == "" || c.endpoint == "" || (c.model == "" && req.Model == "") {
		return ports.Completion{}, fmt.Errorf("chatgpt client misconfigured")
	}

	body, err := json.Marshal(c.payload(req))
	if err != nil {
		return ports.Completion{}, fmt.Errorf("marshal chatgpt payload: %w", err)
	}

	var lastErr error
	for attempt := 0; attempt <= c.maxRetries; attempt++ {
		if attempt > 0 {
			wait := c.backoff * (1 << uint(attempt-1))
			c.logger.WarnContext(ctx, "retrying llm request",
				"attempt", attempt,
				"max_retries", c.maxRetries,
				"backoff_ms", wait.Milliseconds(),
				"err", lastErr)
			select {
			case <-ctx.Done():
				return ports.Completion{}, ctx.Err()
			case <-time.After(wait):
			}
		}

		out, err := c.send(ctx, body)
		if err == nil {
			return out, nil
		}
		lastErr = err

		var apiErr *APIError
		switch {
		case errors.Is(err, ErrRateLimited):
			return ports.Completion{}, err
		case errors.As(err, &apiErr) && !apiErr.Retryable():
			return ports.Completion{}, err
		case ctx.Err() != nil:
			return ports.Completion{}, err
		}
	}
	return ports.Completion{}, lastErr
}

func (c *ChatGPTClient) payload(req ports.CompletionRequest) chatRequest {
	out := chatRequest{
		Model:       req.Model,
		Messages:    req.Messages,
		Temperature: req.Temperature,
		MaxTokens:   req.MaxTokens,
		TopP:        req.TopP,
	}
	if out.Model == "" {
		out.Model = c.model
	}
	if out.Temperature == 0 {
		out.Temperature = c.temperature
	}
	if out.MaxTokens == 0 {
		out.MaxTokens = c.maxTokens
	}
	if out.TopP == 0 {
		out.TopP = c.topP
	}
	return out
}

func (c *ChatGPTClient) send(ctx context.Context, body []byte) (ports.Completion, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.endpoint, bytes.NewReader(body))
	if err != nil {
		return ports.Completion{}, fmt.Errorf("new request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+c.apiKey)
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return ports.Completion{}, fmt.Errorf("send completion: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusTooManyRequests {
		_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, maxErrorBody))
		return ports.Completion{}, ErrRateLimited
	}
	if resp.StatusCode >= http.StatusBadRequest {
		payload, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
		return ports.Completion{}, &APIError{Status: resp.StatusCode, Body: strings.TrimSpace(string(payload))}
	}

	var decoded chatResponse
	if err := json.NewDecoder(io.LimitReader(resp.Body, 4<<20)).Decode(&decoded); err != nil {
		return ports.Completion{}, fmt.Errorf("decode completion: %w", err)
	}
	if len(decoded.Choices) == 0 {
		return ports.Completion{}, &APIError{Status: resp.StatusCode, Body: "no choices in response"}
	}
	return ports.Completion{
		Content:     strings.TrimSpace(decoded.Choices[0].Message.Content),
		TotalTokens: decoded.Usage.TotalTokens,
	}, nil
}
