package domain

import "time"

// Pool is a named sub-budget of the shared token quota.
type Pool string

const (
	PoolCron    Pool = "cron"
	PoolChatbot Pool = "chatbot"
)

// RateWindow is the single shared 60-second token budget window. Every write
// is a compare-and-swap on Version.
type RateWindow struct {
	Version       int64            `json:"v"`
	Expires       int64            `json:"expires"`
	CronTokens    int64            `json:"cron_tokens"`
	ChatbotTokens int64            `json:"chatbot_tokens"`
	Calls         map[string]int64 `json:"calls,omitempty"`
}

// Expired reports whether the window no longer covers now.
func (w RateWindow) Expired(now time.Time) bool {
	return now.Unix() >= w.Expires
}

// Used returns the tokens charged to pool.
func (w RateWindow) Used(pool Pool) int64 {
	if pool == PoolChatbot {
		return w.ChatbotTokens
	}
	return w.CronTokens
}

// Charge adds delta to pool, never going below zero.
func (w *RateWindow) Charge(pool Pool, delta int64) {
	switch pool {
	case PoolChatbot:
		w.ChatbotTokens = clampZero(w.ChatbotTokens + delta)
	default:
		w.CronTokens = clampZero(w.CronTokens + delta)
	}
}

// Clone returns a deep copy so callers can mutate without touching the loaded value.
func (w RateWindow) Clone() RateWindow {
	out := w
	out.Calls = make(map[string]int64, len(w.Calls))
	for k, v := range w.Calls {
		out.Calls[k] = v
	}
	return out
}

func clampZero(v int64) int64 {
	if v < 0 {
		return 0
	}
	return v
}
