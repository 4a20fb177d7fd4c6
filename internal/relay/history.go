package relay

import (
	"context"
	"encoding/json"
	"unicode/utf8"

	"github.com/edgard/telegpt/internal/completion"
)

// HistoryEntry is one stored conversation turn. The persisted shape is
// identical to the completion service's message shape.
type HistoryEntry = completion.Message

// Normalize guarantees the first entry is a system turn carrying the
// currently configured init message: an empty history gets it inserted, a
// leading assistant or system turn is replaced, anything else gets it
// prepended. The model therefore always sees the live persona, even after
// configuration changes.
func Normalize(h []completion.Message, initMessage string) []completion.Message {
	init := completion.Message{Role: completion.RoleSystem, Content: initMessage}

	if len(h) == 0 {
		return []completion.Message{init}
	}
	switch h[0].Role {
	case completion.RoleAssistant, completion.RoleSystem:
		h[0] = init
		return h
	default:
		return append([]completion.Message{init}, h...)
	}
}

// TrimCount keeps the most recent max entries, dropping older ones.
func TrimCount(h []completion.Message, max int) []completion.Message {
	if max <= 0 || len(h) <= max {
		return h
	}
	return h[len(h)-max:]
}

// TrimBudget caps the history by a character-count proxy for the token
// budget. Scanning newest to oldest with the running total seeded by the
// init message's length, it keeps the longest suffix whose cumulative
// length stays within maxChars.
func TrimBudget(h []completion.Message, initLen, maxChars int) []completion.Message {
	if maxChars <= 0 {
		return h
	}
	total := initLen
	for i := len(h) - 1; i >= 0; i-- {
		total += utf8.RuneCountInString(h[i].Content)
		if total > maxChars {
			return h[i+1:]
		}
	}
	return h
}

// loadHistory reads, normalizes, and trims the conversation for the
// session. Any load failure degrades to an empty history; a broken store
// must not kill the conversation. Trimming operates on the turns after
// the pinned init entry, so the normalization invariant survives it.
func (p *Pipeline) loadHistory(ctx context.Context, s *Session) []completion.Message {
	var h []completion.Message

	raw, err := p.store.Get(ctx, s.HistoryKey)
	if err == nil {
		if jsonErr := json.Unmarshal([]byte(raw), &h); jsonErr != nil {
			p.log.WarnContext(ctx, "Stored history is not valid JSON, starting fresh",
				"key", s.HistoryKey, "error", jsonErr)
			h = nil
		}
	}

	h = Normalize(h, s.Config.SystemInitMessage)

	if p.cfg.History.AutoTrim && p.cfg.History.MaxEntries > 0 {
		tail := TrimCount(h[1:], p.cfg.History.MaxEntries)
		tail = TrimBudget(tail, utf8.RuneCountInString(h[0].Content), p.cfg.History.MaxChars)
		h = append(h[:1], tail...)
		h = Normalize(h, s.Config.SystemInitMessage)
	}

	return h
}

// persistTurn appends the exchanged user and assistant turns and writes
// the whole sequence back. Completion errors arrive here verbatim as the
// assistant turn, preserving conversational continuity.
func (p *Pipeline) persistTurn(ctx context.Context, s *Session, h []completion.Message, userText, assistantText string) {
	h = append(h,
		completion.Message{Role: completion.RoleUser, Content: userText},
		completion.Message{Role: completion.RoleAssistant, Content: assistantText},
	)

	encoded, err := json.Marshal(h)
	if err != nil {
		p.log.ErrorContext(ctx, "Failed to serialize history", "key", s.HistoryKey, "error", err)
		return
	}
	if err := p.store.Put(ctx, s.HistoryKey, string(encoded)); err != nil {
		p.log.ErrorContext(ctx, "Failed to persist history", "key", s.HistoryKey, "error", err)
	}
}
