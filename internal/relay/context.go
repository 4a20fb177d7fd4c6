package relay

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/go-telegram/bot/models"

	"github.com/edgard/telegpt/internal/store"
)

// ErrTokenNotFound is returned when an inbound request carries a token
// this process does not serve.
var ErrTokenNotFound = errors.New("relay: bot token not found")

// BotIdentity is one of the bot accounts multiplexed on this process.
type BotIdentity struct {
	Token string
	ID    int64
	Name  string
}

// Session is the per-request context: the resolved bot identity, chat
// metadata, and the derived storage keys. It is immutable after
// resolution; concurrent requests never share one.
type Session struct {
	Bot       BotIdentity
	ChatID    int64
	ChatType  models.ChatType
	ReplyToID int
	ParseMode string
	SpeakerID int64

	HistoryKey    string
	ConfigKey     string
	GroupAdminKey string
	UsageKey      string

	Config UserConfig
}

// IsGroup reports whether the session belongs to a group or supergroup
// chat.
func (s *Session) IsGroup() bool {
	return s.ChatType == models.ChatTypeGroup || s.ChatType == models.ChatTypeSupergroup
}

// resolveBot matches the inbound token against the configured tokens and
// builds the bot identity. The numeric id is the token prefix before ":".
func (p *Pipeline) resolveBot(token string) (BotIdentity, error) {
	for i, t := range p.cfg.Telegram.Tokens {
		if t == token {
			return BotIdentity{
				Token: token,
				ID:    botIDFromToken(token),
				Name:  p.cfg.Telegram.BotName(i),
			}, nil
		}
	}
	return BotIdentity{}, ErrTokenNotFound
}

func botIDFromToken(token string) int64 {
	prefix, _, _ := strings.Cut(token, ":")
	id, err := strconv.ParseInt(prefix, 10, 64)
	if err != nil {
		return 0
	}
	return id
}

// newSession derives the per-request context and loads the persisted user
// configuration. Key layout:
//
//	history:{chatID}[:{botID}][:{speakerID}]
//	user_config:{chatID}[:{botID}][:{speakerID}]
//	group_admin:{chatID}
//	usage:{botID}
//
// The speaker segment is appended only in group chats with share mode
// disabled, so every member gets a private conversation; with share mode
// enabled the whole group shares one context.
func (p *Pipeline) newSession(ctx context.Context, bot BotIdentity, msg *models.Message) (*Session, error) {
	chatID := msg.Chat.ID

	s := &Session{
		Bot:       bot,
		ChatID:    chatID,
		ChatType:  msg.Chat.Type,
		ParseMode: "Markdown",
		SpeakerID: chatID,
	}
	if msg.From != nil {
		s.SpeakerID = msg.From.ID
	}

	historyKey := fmt.Sprintf("history:%d", chatID)
	configKey := fmt.Sprintf("user_config:%d", chatID)
	if bot.ID != 0 {
		historyKey += fmt.Sprintf(":%d", bot.ID)
		configKey += fmt.Sprintf(":%d", bot.ID)
	}

	if s.IsGroup() {
		s.ReplyToID = msg.ID
		s.GroupAdminKey = fmt.Sprintf("group_admin:%d", chatID)
		if !p.cfg.Telegram.GroupShareMode && msg.From != nil {
			historyKey += fmt.Sprintf(":%d", msg.From.ID)
			configKey += fmt.Sprintf(":%d", msg.From.ID)
		}
	}

	s.HistoryKey = historyKey
	s.ConfigKey = configKey
	s.UsageKey = fmt.Sprintf("usage:%d", bot.ID)

	cfg, err := p.loadUserConfig(ctx, configKey)
	if err != nil {
		return nil, err
	}
	s.Config = cfg

	return s, nil
}

// loadUserConfig reads and merges the persisted user configuration.
// Transient store errors are retried up to three times at a fixed 500 ms
// backoff; a missing record is not an error and yields the defaults.
func (p *Pipeline) loadUserConfig(ctx context.Context, key string) (UserConfig, error) {
	defaults := p.defaultUserConfig()

	var lastErr error
	for attempt := 0; attempt < 3; attempt++ {
		if attempt > 0 {
			time.Sleep(p.configRetryDelay)
		}

		raw, err := p.store.Get(ctx, key)
		if errors.Is(err, store.ErrNotFound) {
			return defaults, nil
		}
		if err != nil {
			lastErr = err
			p.log.WarnContext(ctx, "User config load failed, retrying",
				"key", key, "attempt", attempt+1, "error", err)
			continue
		}
		return mergeUserConfig(defaults, raw), nil
	}
	return defaults, fmt.Errorf("failed to load user config after 3 attempts: %w", lastErr)
}
