package relay

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/go-telegram/bot/models"
)

// Command visibility scopes, mirroring the platform's command scope
// types.
const (
	scopeAllPrivateChats       = "all_private_chats"
	scopeAllGroupChats         = "all_group_chats"
	scopeAllChatAdministrators = "all_chat_administrators"
)

// buildCommands assembles the user-facing command table. Order matters:
// it is the order /help lists them in.
func (p *Pipeline) buildCommands() []Command {
	return []Command{
		{
			Name:    "/help",
			Help:    "Get help",
			Scopes:  []string{scopeAllPrivateChats, scopeAllChatAdministrators},
			Handler: p.helpCommand,
		},
		{
			Name:      "/new",
			Help:      "Start a new conversation",
			Scopes:    []string{scopeAllPrivateChats, scopeAllGroupChats, scopeAllChatAdministrators},
			Authorize: p.shareModeGroupAuth,
			Handler:   p.newCommand,
		},
		{
			Name:      "/start",
			Help:      "Get your id and start a new conversation",
			Scopes:    []string{scopeAllPrivateChats, scopeAllChatAdministrators},
			Authorize: p.groupAdminAuth,
			Handler:   p.newCommand,
		},
		{
			Name:      "/setenv",
			Help:      "Set user configuration, the command is /setenv KEY=VALUE",
			Scopes:    []string{},
			Authorize: p.shareModeGroupAuth,
			Handler:   p.setenvCommand,
		},
		{
			Name:      "/usage",
			Help:      "Get usage",
			Scopes:    []string{scopeAllPrivateChats, scopeAllChatAdministrators},
			Authorize: p.groupAdminAuth,
			Handler:   p.usageCommand,
		},
		{
			Name:      "/system",
			Help:      "Check system info",
			Scopes:    []string{scopeAllPrivateChats, scopeAllChatAdministrators},
			Authorize: p.groupAdminAuth,
			Handler:   p.systemCommand,
		},
	}
}

func (p *Pipeline) helpCommand(_ context.Context, _ *Session, _ *models.Message, _, _ string) (string, error) {
	var b strings.Builder
	b.WriteString("The following commands are supported:\n")
	for _, cmd := range p.commands {
		fmt.Fprintf(&b, "%s: %s\n", cmd.Name, cmd.Help)
	}
	return strings.TrimRight(b.String(), "\n"), nil
}

// newCommand serves both /new and /start. The stored history key is
// deleted outright rather than overwritten with an empty sequence, so
// "reset" and "never chatted" stay distinguishable in the store.
func (p *Pipeline) newCommand(ctx context.Context, s *Session, _ *models.Message, name, _ string) (string, error) {
	if err := p.store.Delete(ctx, s.HistoryKey); err != nil {
		return "", fmt.Errorf("failed to reset conversation: %w", err)
	}

	if name == "/new" {
		return "A new conversation has started", nil
	}
	if s.ChatType == models.ChatTypePrivate {
		return fmt.Sprintf("A new conversation has started, your id: (%d)", s.ChatID), nil
	}
	return fmt.Sprintf("A new conversation has started, group id: (%d)", s.ChatID), nil
}

func (p *Pipeline) setenvCommand(ctx context.Context, s *Session, _ *models.Message, _, args string) (string, error) {
	key, value, found := strings.Cut(args, "=")
	if !found {
		return "Configuration error: the format is /setenv KEY=VALUE", nil
	}

	updated := s.Config
	if err := updated.Apply(key, value); err != nil {
		return fmt.Sprintf("Configuration format error: %v", err), nil
	}

	encoded, err := json.Marshal(updated)
	if err != nil {
		return "", fmt.Errorf("failed to serialize configuration: %w", err)
	}
	if err := p.store.Put(ctx, s.ConfigKey, string(encoded)); err != nil {
		return "", fmt.Errorf("failed to persist configuration: %w", err)
	}

	return "Configuration updated", nil
}

func (p *Pipeline) usageCommand(ctx context.Context, s *Session, _ *models.Message, _, _ string) (string, error) {
	return p.usageReport(ctx, s)
}

func (p *Pipeline) systemCommand(_ context.Context, _ *Session, _ *models.Message, _, _ string) (string, error) {
	return fmt.Sprintf("System info:\nCurrent chat model: %s\nCompletion provider: %s",
		p.cfg.Completion.Model, p.cfg.Completion.Provider), nil
}
