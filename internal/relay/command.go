package relay

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/go-telegram/bot/models"

	"github.com/edgard/telegpt/internal/store"
)

// Command is one entry of the dispatch table. Authorize returns the role
// set required in the session's chat, or nil when no check applies.
type Command struct {
	Name      string
	Help      string
	Scopes    []string
	Authorize func(s *Session) []string
	Handler   func(ctx context.Context, s *Session, msg *models.Message, name, args string) (string, error)
}

// CommandInfo is the externally visible part of a command, used when
// registering the command menu with the platform.
type CommandInfo struct {
	Name   string
	Help   string
	Scopes []string
}

// dispatch matches the message against the command table. The second
// return value is false when no command matched and the caller should
// fall through to default chat handling.
func (p *Pipeline) dispatch(ctx context.Context, s *Session, msg *models.Message) (*Result, bool) {
	for _, cmd := range p.commands {
		if msg.Text != cmd.Name && !strings.HasPrefix(msg.Text, cmd.Name+" ") {
			continue
		}

		if cmd.Authorize != nil {
			if required := cmd.Authorize(s); len(required) > 0 {
				role, err := p.chatRole(ctx, s, s.SpeakerID)
				if err != nil {
					p.log.WarnContext(ctx, "Role resolution failed",
						"chat_id", s.ChatID, "command", cmd.Name, "error", err)
					return &Result{
						Status: "authentication failed",
						Reply:  "Authentication failed: unable to determine your role in this chat",
					}, true
				}
				if !contains(required, role) {
					return &Result{
						Status: "authorization denied",
						Reply: fmt.Sprintf("No access. %s required, current role: %s",
							strings.Join(required, ","), role),
					}, true
				}
			}
		}

		args := strings.TrimSpace(strings.TrimPrefix(msg.Text, cmd.Name))
		reply, err := cmd.Handler(ctx, s, msg, cmd.Name, args)
		if err != nil {
			return &Result{
				Status: "command error",
				Reply:  fmt.Sprintf("Command execution error: %v", err),
			}, true
		}
		return &Result{Status: "command " + cmd.Name, Reply: reply}, true
	}
	return nil, false
}

// chatRole resolves the speaker's role in the current chat through the
// TTL-cached admin roster. A roster that cannot be obtained at all is an
// error (authentication failure); a speaker absent from an obtained
// roster is a plain member.
func (p *Pipeline) chatRole(ctx context.Context, s *Session, userID int64) (string, error) {
	var roster []ChatMember

	raw, err := p.store.Get(ctx, s.GroupAdminKey)
	if err == nil {
		if jsonErr := json.Unmarshal([]byte(raw), &roster); jsonErr != nil {
			// Corrupted cache entries degrade to a refetch.
			roster = nil
		}
	} else if !errors.Is(err, store.ErrNotFound) {
		p.log.WarnContext(ctx, "Admin cache read failed, refetching",
			"key", s.GroupAdminKey, "error", err)
	}

	if len(roster) == 0 {
		roster, err = p.platform.ChatAdministrators(ctx, s.Bot.Token, s.ChatID)
		if err != nil {
			return "", fmt.Errorf("failed to fetch admin roster: %w", err)
		}

		if encoded, jsonErr := json.Marshal(roster); jsonErr == nil {
			if putErr := p.store.PutTTL(ctx, s.GroupAdminKey, string(encoded), p.cfg.Telegram.AdminCacheTTL); putErr != nil {
				p.log.WarnContext(ctx, "Admin cache write failed",
					"key", s.GroupAdminKey, "error", putErr)
			}
		}
	}

	for _, m := range roster {
		if m.UserID == userID {
			return m.Status, nil
		}
	}
	return RoleMember, nil
}

// groupAdminAuth requires an admin role for group chats and nothing
// elsewhere.
func (p *Pipeline) groupAdminAuth(s *Session) []string {
	if s.IsGroup() {
		return []string{RoleAdministrator, RoleCreator}
	}
	return nil
}

// shareModeGroupAuth requires an admin role in group chats only when the
// group shares one conversation; with per-member sessions everyone may
// manage their own.
func (p *Pipeline) shareModeGroupAuth(s *Session) []string {
	if s.IsGroup() && p.cfg.Telegram.GroupShareMode {
		return []string{RoleAdministrator, RoleCreator}
	}
	return nil
}
