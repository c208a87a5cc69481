package usecase

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"unicode/utf8"

	"ObituaryScanner/internal/config"
	"ObituaryScanner/internal/domain"
	"ObituaryScanner/internal/ports"
	"ObituaryScanner/internal/ratelimit"
)

const maxQuestionLength = 500

// Chat errors callers map to user-facing answers.
var (
	ErrNotPublished    = errors.New("obituary is not published")
	ErrInvalidQuestion = errors.New("question must be 1 to 500 characters")
	ErrChatBusy        = errors.New("chat is busy, try again shortly")
)

// Chat answers questions about one published obituary under the chatbot pool.
type Chat struct {
	store  ports.ObituaryStore
	gate   llmGate
	logger *slog.Logger
	llm    config.LLMConfig
}

// NewChat constructs the chat consumer.
func NewChat(store ports.ObituaryStore, chat ports.ChatClient, limiter ports.TokenLimiter, llmCfg config.LLMConfig, logger *slog.Logger) *Chat {
	if logger == nil {
		logger = slog.Default()
	}
	return &Chat{
		store:  store,
		gate:   llmGate{chat: chat, limiter: limiter, consumer: ratelimit.ConsumerChatbot},
		logger: logger,
		llm:    llmCfg,
	}
}

// Ask returns the model's answer to question about obituary obitID.
func (c *Chat) Ask(ctx context.Context, obitID int64, question string) (string, error) {
	question = strings.TrimSpace(question)
	if question == "" || utf8.RuneCountInString(question) > maxQuestionLength {
		return "", ErrInvalidQuestion
	}

	rec, err := c.store.Get(ctx, obitID)
	if err != nil {
		return "", fmt.Errorf("load obituary %d: %w", obitID, err)
	}
	if rec.Status != domain.StatusPublished || rec.Suppressed() || rec.AIDescription == "" {
		return "", ErrNotPublished
	}

	maxTokens := c.llm.MaxTokens
	if maxTokens <= 0 || maxTokens > 400 {
		maxTokens = 400
	}
	out, err := c.gate.complete(ctx, ports.CompletionRequest{
		Model:       c.llm.Model,
		Messages:    chatMessages(rec, question),
		Temperature: c.llm.Temperature,
		MaxTokens:   maxTokens,
		TopP:        c.llm.TopP,
	})
	if isRateLimited(err) {
		c.logger.InfoContext(ctx, "chat deferred", "obit_id", obitID, "err", err)
		return "", ErrChatBusy
	}
	if err != nil {
		return "", fmt.Errorf("ask llm: %w", err)
	}
	return strings.TrimSpace(out.Content), nil
}
