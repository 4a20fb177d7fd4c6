// Package telegram implements the chat platform client for the relay.
// One process serves several bot identities; the client keeps one
// go-telegram/bot instance per configured token.
package telegram

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"github.com/go-telegram/bot"
	"github.com/go-telegram/bot/models"

	"github.com/edgard/telegpt/internal/relay"
)

// Client is a multi-tenant Telegram API client. It implements
// relay.Platform.
type Client struct {
	log  *slog.Logger
	bots map[string]*bot.Bot
}

// NewClient creates one bot instance per token. Instances are created
// without the initial getMe call so startup does not depend on the
// Telegram API being reachable.
func NewClient(logger *slog.Logger, tokens []string) (*Client, error) {
	if logger == nil {
		logger = slog.Default()
	}
	log := logger.With("component", "telegram_client")

	bots := make(map[string]*bot.Bot, len(tokens))
	for _, token := range tokens {
		if token == "" {
			return nil, fmt.Errorf("telegram bot token cannot be empty")
		}
		b, err := bot.New(token, bot.WithSkipGetMe())
		if err != nil {
			return nil, fmt.Errorf("failed to create telegram bot: %w", err)
		}
		bots[token] = b
	}

	log.Info("Telegram client initialized", "bot_count", len(bots))
	return &Client{log: log, bots: bots}, nil
}

func (c *Client) bot(token string) (*bot.Bot, error) {
	b, ok := c.bots[token]
	if !ok {
		return nil, fmt.Errorf("no bot registered for token")
	}
	return b, nil
}

// SendMessage delivers a text message. When the reply target has vanished
// the message is resent without the reply reference, and a Markdown parse
// rejection falls back to plain text.
func (c *Client) SendMessage(ctx context.Context, token string, out relay.Outgoing) error {
	b, err := c.bot(token)
	if err != nil {
		return err
	}

	params := &bot.SendMessageParams{
		ChatID: out.ChatID,
		Text:   out.Text,
	}
	if out.ParseMode != "" {
		params.ParseMode = models.ParseMode(out.ParseMode)
	}
	if out.ReplyToID != 0 {
		params.ReplyParameters = &models.ReplyParameters{MessageID: out.ReplyToID}
	}

	_, err = b.SendMessage(ctx, params)
	if err != nil && params.ReplyParameters != nil && strings.Contains(err.Error(), "not found") {
		c.log.DebugContext(ctx, "Reply target gone, resending without reply", "chat_id", out.ChatID)
		params.ReplyParameters = nil
		_, err = b.SendMessage(ctx, params)
	}
	if err != nil && params.ParseMode != "" && strings.Contains(err.Error(), "can't parse entities") {
		c.log.DebugContext(ctx, "Markdown rejected, resending as plain text", "chat_id", out.ChatID)
		params.ParseMode = ""
		_, err = b.SendMessage(ctx, params)
	}
	if err != nil {
		return fmt.Errorf("failed to send message: %w", err)
	}
	return nil
}

// SendTyping emits a best-effort typing chat action. Failures are logged
// and swallowed; the caller never depends on this call.
func (c *Client) SendTyping(ctx context.Context, token string, chatID int64) {
	b, err := c.bot(token)
	if err != nil {
		return
	}
	if _, err := b.SendChatAction(ctx, &bot.SendChatActionParams{
		ChatID: chatID,
		Action: models.ChatActionTyping,
	}); err != nil {
		c.log.DebugContext(ctx, "Typing action failed", "chat_id", chatID, "error", err)
	}
}

// ChatAdministrators fetches the admin roster of a group chat, reduced to
// the user id and status pairs the relay cares about.
func (c *Client) ChatAdministrators(ctx context.Context, token string, chatID int64) ([]relay.ChatMember, error) {
	b, err := c.bot(token)
	if err != nil {
		return nil, err
	}

	members, err := b.GetChatAdministrators(ctx, &bot.GetChatAdministratorsParams{ChatID: chatID})
	if err != nil {
		return nil, fmt.Errorf("failed to fetch chat administrators: %w", err)
	}
	return reduceRoster(members), nil
}

// reduceRoster flattens the API's chat member union to the id and status
// pairs the relay cares about. Owner carries its user as a pointer,
// Administrator as a value.
func reduceRoster(members []models.ChatMember) []relay.ChatMember {
	roster := make([]relay.ChatMember, 0, len(members))
	for _, m := range members {
		switch {
		case m.Owner != nil && m.Owner.User != nil:
			roster = append(roster, relay.ChatMember{UserID: m.Owner.User.ID, Status: relay.RoleCreator})
		case m.Administrator != nil:
			roster = append(roster, relay.ChatMember{UserID: m.Administrator.User.ID, Status: relay.RoleAdministrator})
		}
	}
	return roster
}

// Me returns the bot account behind a token.
func (c *Client) Me(ctx context.Context, token string) (*models.User, error) {
	b, err := c.bot(token)
	if err != nil {
		return nil, err
	}
	me, err := b.GetMe(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to get bot info: %w", err)
	}
	return me, nil
}
