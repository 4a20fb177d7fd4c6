package relay

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strings"

	"github.com/edgard/telegpt/internal/store"
)

// usageReportLimit caps how many chats a usage report lists.
const usageReportLimit = 30

// UsageRecord accumulates token usage for one bot identity: a global
// total plus a per-chat breakdown.
type UsageRecord struct {
	Total int            `json:"total"`
	Chats map[string]int `json:"chats"`
}

// addUsage folds a completion's token count into the bot's usage record.
// This is a plain read-modify-write: concurrent messages in one chat can
// lose an update, an accepted gap since human chat traffic is essentially
// serial. Accounting failures are logged, never fatal to the request.
func (p *Pipeline) addUsage(ctx context.Context, s *Session, tokens int) {
	if tokens <= 0 {
		return
	}

	record := UsageRecord{Chats: map[string]int{}}

	raw, err := p.store.Get(ctx, s.UsageKey)
	switch {
	case err == nil:
		if jsonErr := json.Unmarshal([]byte(raw), &record); jsonErr != nil {
			p.log.WarnContext(ctx, "Usage record is not valid JSON, restarting count",
				"key", s.UsageKey, "error", jsonErr)
			record = UsageRecord{Chats: map[string]int{}}
		}
		if record.Chats == nil {
			record.Chats = map[string]int{}
		}
	case errors.Is(err, store.ErrNotFound):
		// First completion for this bot.
	default:
		p.log.WarnContext(ctx, "Usage record read failed, skipping accounting",
			"key", s.UsageKey, "error", err)
		return
	}

	chatKey := fmt.Sprintf("%d", s.ChatID)
	record.Total += tokens
	record.Chats[chatKey] += tokens

	encoded, err := json.Marshal(record)
	if err != nil {
		p.log.ErrorContext(ctx, "Failed to serialize usage record", "key", s.UsageKey, "error", err)
		return
	}
	if err := p.store.Put(ctx, s.UsageKey, string(encoded)); err != nil {
		p.log.WarnContext(ctx, "Usage record write failed", "key", s.UsageKey, "error", err)
	}
}

// usageReport renders the bot's usage, chats sorted by descending token
// count, at most usageReportLimit entries with a truncation marker. A bot
// that never completed anything gets "No usage", distinct from a record
// holding an explicit zero.
func (p *Pipeline) usageReport(ctx context.Context, s *Session) (string, error) {
	var b strings.Builder
	b.WriteString("📊 Current usage:\n\nTokens:\n")

	raw, err := p.store.Get(ctx, s.UsageKey)
	if errors.Is(err, store.ErrNotFound) {
		b.WriteString("- No usage")
		return b.String(), nil
	}
	if err != nil {
		return "", fmt.Errorf("failed to read usage record: %w", err)
	}

	var record UsageRecord
	if err := json.Unmarshal([]byte(raw), &record); err != nil {
		return "", fmt.Errorf("failed to parse usage record: %w", err)
	}

	fmt.Fprintf(&b, "- Total usage: %d tokens\n- Usage for chats:", record.Total)

	type chatUsage struct {
		id     string
		tokens int
	}
	chats := make([]chatUsage, 0, len(record.Chats))
	for id, tokens := range record.Chats {
		chats = append(chats, chatUsage{id, tokens})
	}
	sort.Slice(chats, func(i, j int) bool {
		if chats[i].tokens != chats[j].tokens {
			return chats[i].tokens > chats[j].tokens
		}
		return chats[i].id < chats[j].id
	})

	if len(chats) == 0 {
		b.WriteString(" none")
		return b.String(), nil
	}
	for i, c := range chats {
		if i == usageReportLimit {
			b.WriteString("\n  ...")
			break
		}
		fmt.Fprintf(&b, "\n  - %s: %d tokens", c.id, c.tokens)
	}
	return b.String(), nil
}
