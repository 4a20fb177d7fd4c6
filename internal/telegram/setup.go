package telegram

import (
	"context"
	"fmt"
	"strings"

	"github.com/go-telegram/bot"
	"github.com/go-telegram/bot/models"

	"github.com/edgard/telegpt/internal/relay"
)

// Command visibility scopes understood by the Telegram setMyCommands API.
const (
	ScopeAllPrivateChats       = "all_private_chats"
	ScopeAllGroupChats         = "all_group_chats"
	ScopeAllChatAdministrators = "all_chat_administrators"
)

func commandScope(name string) models.BotCommandScope {
	switch name {
	case ScopeAllPrivateChats:
		return &models.BotCommandScopeAllPrivateChats{}
	case ScopeAllGroupChats:
		return &models.BotCommandScopeAllGroupChats{}
	case ScopeAllChatAdministrators:
		return &models.BotCommandScopeAllChatAdministrators{}
	}
	return &models.BotCommandScopeDefault{}
}

// BindWebhook points a bot token at its webhook URL.
func (c *Client) BindWebhook(ctx context.Context, token, url string) error {
	b, err := c.bot(token)
	if err != nil {
		return err
	}
	if _, err := b.SetWebhook(ctx, &bot.SetWebhookParams{URL: url}); err != nil {
		return fmt.Errorf("failed to set webhook: %w", err)
	}
	return nil
}

// BindCommands registers the command menu for a bot, one setMyCommands
// call per visibility scope.
func (c *Client) BindCommands(ctx context.Context, token string, commands []relay.CommandInfo) error {
	b, err := c.bot(token)
	if err != nil {
		return err
	}

	byScope := make(map[string][]models.BotCommand)
	var scopes []string
	for _, cmd := range commands {
		for _, scope := range cmd.Scopes {
			if _, seen := byScope[scope]; !seen {
				scopes = append(scopes, scope)
			}
			// setMyCommands rejects the leading slash.
			byScope[scope] = append(byScope[scope], models.BotCommand{
				Command:     strings.TrimPrefix(cmd.Name, "/"),
				Description: cmd.Help,
			})
		}
	}

	for _, scope := range scopes {
		_, err := b.SetMyCommands(ctx, &bot.SetMyCommandsParams{
			Commands: byScope[scope],
			Scope:    commandScope(scope),
		})
		if err != nil {
			return fmt.Errorf("failed to register commands for scope %s: %w", scope, err)
		}
	}
	return nil
}
