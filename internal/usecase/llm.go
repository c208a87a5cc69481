package usecase

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"golang.org/x/time/rate"

	"ObituaryScanner/internal/domain"
	"ObituaryScanner/internal/ports"
)

var (
	// errBudgetExhausted means the shared token limiter refused the call.
	errBudgetExhausted  = errors.New("token budget exhausted")
	errLLMNotConfigured = errors.New("llm client is not configured")
)

// llmGate brackets every chat call with a limiter reservation: reserve the
// estimate, then settle it with the reported usage or release it on failure.
type llmGate struct {
	chat     ports.ChatClient
	limiter  ports.TokenLimiter
	consumer string
}

func (g llmGate) complete(ctx context.Context, req ports.CompletionRequest) (ports.Completion, error) {
	if g.chat == nil {
		return ports.Completion{}, errLLMNotConfigured
	}
	estimated := estimateTokens(req)
	var res ports.Reservation
	if g.limiter != nil {
		var ok bool
		if res, ok = g.limiter.MayProceed(ctx, estimated, g.consumer); !ok {
			return ports.Completion{}, errBudgetExhausted
		}
	}

	out, err := g.chat.Complete(ctx, req)
	if err != nil {
		if g.limiter != nil {
			g.limiter.ReleaseReservation(ctx, res)
		}
		return ports.Completion{}, err
	}

	if g.limiter != nil {
		actual := out.TotalTokens
		if actual <= 0 {
			actual = estimated
		}
		g.limiter.RecordUsage(ctx, res, actual)
	}
	return out, nil
}

// estimateTokens is prompt characters / 4 plus the completion allowance.
func estimateTokens(req ports.CompletionRequest) int64 {
	chars := 0
	for _, m := range req.Messages {
		chars += len(m.Content)
	}
	return int64(chars/4 + req.MaxTokens)
}

func isRateLimited(err error) bool {
	return errors.Is(err, errBudgetExhausted) || errors.Is(err, ports.ErrRateLimited)
}

// newPacer spaces LLM calls within one batch. The first call is immediate.
func newPacer(delay time.Duration) *rate.Limiter {
	if delay <= 0 {
		return rate.NewLimiter(rate.Inf, 1)
	}
	return rate.NewLimiter(rate.Every(delay), 1)
}

// sleepCtx waits d or until ctx is done.
func sleepCtx(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

const rewriteSystemPrompt = `You write obituary notices for a memorial website.
Rewrite the source notice using only the facts provided. Hard rules:
- Preserve every fact exactly: the full name, every date with its exact day, month and year, every place, the funeral home and the age.
- Never invent details that are not stated: no relatives, causes, hobbies or events that are not in the facts or the source text.
- The date of death, the age and the city listed in the facts are mandatory and must appear in the text.
- Write in the third person with a warm, compassionate and dignified tone.
- Write 2 to 4 short paragraphs of plain prose.
- No headings, no markdown, no lists, no quotation marks around the text, and no commentary about the task.
Reply with the obituary text only.`

const auditSystemPrompt = `You audit rewritten obituary notices against their facts and source text.
Flag any statement that is not supported by the facts or the source, any changed name, date, age or place, and any text that reads as an AI reply rather than an obituary.
Answer with a single JSON object and nothing else:
{"authentic": true|false, "flags": ["short_flag", ...], "reason": "one sentence"}`

const chatSystemPrompt = `You answer questions about one published obituary.
Use only the obituary below. If the answer is not in it, say that the notice does not mention it.
Be brief and respectful.`

func rewriteMessages(rec domain.Obituary) []ports.ChatMessage {
	var b strings.Builder
	b.WriteString("FACTS\n")
	b.WriteString(factBlock(rec))
	b.WriteString("\nSOURCE TEXT\n")
	b.WriteString(strings.TrimSpace(rec.Description))
	return []ports.ChatMessage{
		{Role: "system", Content: rewriteSystemPrompt},
		{Role: "user", Content: b.String()},
	}
}

func auditMessages(rec domain.Obituary) []ports.ChatMessage {
	var b strings.Builder
	b.WriteString("FACTS\n")
	b.WriteString(factBlock(rec))
	b.WriteString("\nSOURCE TEXT\n")
	b.WriteString(strings.TrimSpace(rec.Description))
	b.WriteString("\n\nREWRITTEN TEXT\n")
	b.WriteString(strings.TrimSpace(rec.AIDescription))
	return []ports.ChatMessage{
		{Role: "system", Content: auditSystemPrompt},
		{Role: "user", Content: b.String()},
	}
}

func chatMessages(rec domain.Obituary, question string) []ports.ChatMessage {
	var b strings.Builder
	b.WriteString("FACTS\n")
	b.WriteString(factBlock(rec))
	b.WriteString("\nOBITUARY\n")
	b.WriteString(strings.TrimSpace(rec.AIDescription))
	return []ports.ChatMessage{
		{Role: "system", Content: chatSystemPrompt + "\n\n" + b.String()},
		{Role: "user", Content: question},
	}
}

// factBlock lists the known facts one per line, dates spelled out next to
// their ISO form so the model keeps both the day and the year.
func factBlock(rec domain.Obituary) string {
	var b strings.Builder
	line := func(label, value string) {
		if value = strings.TrimSpace(value); value != "" {
			fmt.Fprintf(&b, "%s: %s\n", label, value)
		}
	}
	line("Full name", rec.Name)
	line("Date of birth", spellDate(rec.DateOfBirth))
	line("Date of death", spellDate(rec.DateOfDeath))
	if rec.Age > 0 {
		line("Age", strconv.Itoa(rec.Age))
	}
	line("City", rec.City())
	if rec.Location != "" && !strings.EqualFold(strings.TrimSpace(rec.Location), rec.City()) {
		line("Location", rec.Location)
	}
	line("Funeral home", rec.FuneralHome)
	return b.String()
}

func spellDate(iso string) string {
	if !domain.ValidDate(iso) {
		return ""
	}
	d, err := time.Parse("2006-01-02", strings.TrimSpace(iso))
	if err != nil {
		return iso
	}
	return fmt.Sprintf("%s (%s)", d.Format("January 2, 2006"), d.Format("2006-01-02"))
}

func truncateReason(s string) string {
	const limit = 300
	if r := []rune(s); len(r) > limit {
		return string(r[:limit])
	}
	return s
}
