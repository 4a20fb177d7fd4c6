package relay

import (
	"context"
	"strings"
	"unicode/utf16"

	"github.com/go-telegram/bot/models"
)

// GroupMention is the outcome of preprocessing a group message: whether
// the bot was addressed, the leading command (if any), and the remaining
// chat text with all bot references removed.
type GroupMention struct {
	Mentioned bool
	Command   string
	Text      string
}

// EffectiveText reassembles the text the rest of the pipeline should see:
// the command followed by the cleaned chat text.
func (g GroupMention) EffectiveText() string {
	switch {
	case g.Command == "":
		return g.Text
	case g.Text == "":
		return g.Command
	default:
		return g.Command + " " + g.Text
	}
}

// ExtractGroupMention scans the message entities once, in text order. The
// bot counts as addressed when the message replies to one of its own, or
// when a bot_command / mention / text_mention entity matches its name
// (exact or "@name"). Entity spans are consumed; the surrounding spans
// are trimmed and joined with single spaces. Entity offsets are UTF-16
// code unit positions, as delivered by the platform.
func ExtractGroupMention(msg *models.Message, botName string) GroupMention {
	var out GroupMention

	if msg.ReplyToMessage != nil && msg.ReplyToMessage.From != nil &&
		msg.ReplyToMessage.From.Username == botName {
		out.Mentioned = true
	}

	text := utf16.Encode([]rune(msg.Text))
	atName := "@" + botName

	var spans []string
	cursor := 0
	for _, e := range msg.Entities {
		start, end := e.Offset, e.Offset+e.Length
		if start < cursor || end > len(text) {
			continue
		}
		seg := string(utf16.Decode(text[start:end]))

		switch e.Type {
		case models.MessageEntityTypeBotCommand:
			if strings.HasSuffix(seg, atName) {
				out.Mentioned = true
			}
			if cmd := strings.TrimSpace(strings.ReplaceAll(seg, atName, "")); cmd != "" && out.Command == "" {
				out.Command = cmd
			}
		case models.MessageEntityTypeMention, models.MessageEntityTypeTextMention:
			if seg == botName || seg == atName {
				out.Mentioned = true
			}
		default:
			continue
		}

		spans = append(spans, string(utf16.Decode(text[cursor:start])))
		cursor = end
	}
	spans = append(spans, string(utf16.Decode(text[cursor:])))

	var parts []string
	for _, span := range spans {
		if trimmed := strings.TrimSpace(span); trimmed != "" {
			parts = append(parts, trimmed)
		}
	}
	out.Text = strings.Join(parts, " ")

	return out
}

// stageGroupMention gates group messages on the bot being addressed and
// rewrites the message text without the bot references. Disabled group
// support or a missing bot name short-circuits before any other check.
func (p *Pipeline) stageGroupMention(_ context.Context, s *Session, msg *models.Message) (*Result, error) {
	if !p.cfg.Telegram.GroupEnable {
		return &Result{Status: "group bot disabled"}, nil
	}
	if s.Bot.Name == "" {
		return &Result{Status: "bot name not configured"}, nil
	}
	if msg.Text == "" {
		return &Result{Status: "non-text group message"}, nil
	}

	mention := ExtractGroupMention(msg, s.Bot.Name)
	if !mention.Mentioned {
		return &Result{Status: "not mentioned"}, nil
	}

	msg.Text = mention.EffectiveText()
	return nil, nil
}
