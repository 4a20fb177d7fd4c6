// Package relay implements the message-processing pipeline between the
// chat platform and the completion service: per-request session
// resolution, group mention handling, command dispatch, conversation
// history management, and usage accounting.
package relay

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"time"

	"github.com/go-telegram/bot/models"

	"github.com/edgard/telegpt/internal/completion"
	"github.com/edgard/telegpt/internal/config"
	"github.com/edgard/telegpt/internal/store"
)

// Chat member roles as reported by the platform.
const (
	RoleMember        = "member"
	RoleAdministrator = "administrator"
	RoleCreator       = "creator"
)

// ChatMember is one entry of a group admin roster.
type ChatMember struct {
	UserID int64  `json:"user_id"`
	Status string `json:"status"`
}

// Outgoing is a message the relay wants delivered to a chat.
type Outgoing struct {
	ChatID    int64
	Text      string
	ReplyToID int
	ParseMode string
}

// Platform is the outbound chat platform client used by the pipeline.
type Platform interface {
	SendMessage(ctx context.Context, token string, out Outgoing) error
	SendTyping(ctx context.Context, token string, chatID int64)
	ChatAdministrators(ctx context.Context, token string, chatID int64) ([]ChatMember, error)
}

// Result is the outcome of a pipeline run. Status is a short diagnostic
// returned to the webhook caller; Reply, when non-empty, is the text the
// pipeline decided to send to the chat.
type Result struct {
	Status string
	Reply  string
}

// stage is one step of the pipeline. A nil Result means continue; a
// non-nil Result terminates the run.
type stage func(ctx context.Context, s *Session, msg *models.Message) (*Result, error)

// Pipeline wires the relay components together and processes one inbound
// message per call. It holds no per-request state; concurrent calls are
// independent.
type Pipeline struct {
	cfg        *config.Config
	store      store.Store
	platform   Platform
	completion completion.Client
	log        *slog.Logger
	commands   []Command

	// configRetryDelay is the fixed backoff between user-config load
	// attempts. Tests shrink it.
	configRetryDelay time.Duration
}

// New creates a Pipeline. The commands table is built here so help text
// and registration share one source of truth.
func New(cfg *config.Config, st store.Store, platform Platform, client completion.Client, logger *slog.Logger) *Pipeline {
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	p := &Pipeline{
		cfg:              cfg,
		store:            st,
		platform:         platform,
		completion:       client,
		log:              logger.With("component", "relay"),
		configRetryDelay: 500 * time.Millisecond,
	}
	p.commands = p.buildCommands()
	return p
}

// Commands exposes the user-facing command surface for registration with
// the platform.
func (p *Pipeline) Commands() []CommandInfo {
	infos := make([]CommandInfo, 0, len(p.commands))
	for _, c := range p.commands {
		infos = append(infos, CommandInfo{Name: c.Name, Help: c.Help, Scopes: c.Scopes})
	}
	return infos
}

// Handle runs the pipeline for one inbound update addressed to the bot
// behind token. It never panics and never returns a nil result; every
// failure is converted to a benign diagnostic.
func (p *Pipeline) Handle(ctx context.Context, token string, update *models.Update) (res *Result) {
	defer func() {
		if r := recover(); r != nil {
			p.log.ErrorContext(ctx, "Pipeline panic recovered", "panic", r)
			res = &Result{Status: "internal error", Reply: fmt.Sprintf("Error: internal failure (%v)", r)}
			p.deliver(ctx, token, update, res)
		}
	}()

	if update == nil || update.Message == nil {
		return &Result{Status: "ignored: no message"}
	}
	msg := update.Message

	bot, err := p.resolveBot(token)
	if err != nil {
		// No resolved identity means no way to answer in-chat.
		return &Result{Status: "token not found"}
	}

	s, err := p.newSession(ctx, bot, msg)
	if err != nil {
		res = &Result{Status: "session error", Reply: "Error: failed to load session configuration"}
		p.send(ctx, bot.Token, msg.Chat.ID, 0, "Markdown", res.Reply)
		return res
	}

	res = p.run(ctx, s, msg)
	if res.Reply != "" {
		p.send(ctx, s.Bot.Token, s.ChatID, s.ReplyToID, s.ParseMode, res.Reply)
	}
	return res
}

// run executes the ordered stage list for the session's chat type.
func (p *Pipeline) run(ctx context.Context, s *Session, msg *models.Message) *Result {
	stages := []stage{
		p.stageDebugSave,
		p.stageReadiness,
	}

	switch s.ChatType {
	case models.ChatTypePrivate:
		stages = append(stages, p.stageWhitelist, p.stageNonText, p.stageCommand)
	case models.ChatTypeGroup, models.ChatTypeSupergroup:
		stages = append(stages, p.stageGroupMention, p.stageWhitelist, p.stageCommand)
	default:
		return &Result{
			Status: "unsupported chat type",
			Reply:  fmt.Sprintf("The chat type (%s) is not supported", s.ChatType),
		}
	}
	stages = append(stages, p.stageChat)

	for _, st := range stages {
		res, err := st(ctx, s, msg)
		if err != nil {
			p.log.ErrorContext(ctx, "Pipeline stage failed",
				"chat_id", s.ChatID, "chat_type", s.ChatType, "error", err)
			return &Result{
				Status: "stage error",
				Reply:  fmt.Sprintf("Error happened when processing the message: %v", err),
			}
		}
		if res != nil {
			return res
		}
	}
	return &Result{Status: "handled"}
}

// stageDebugSave persists the raw inbound message next to the history key
// when debug mode is on.
func (p *Pipeline) stageDebugSave(ctx context.Context, s *Session, msg *models.Message) (*Result, error) {
	if !p.cfg.Debug {
		return nil, nil
	}
	raw, err := json.Marshal(msg)
	if err != nil {
		return nil, fmt.Errorf("failed to serialize message: %w", err)
	}
	if err := p.store.Put(ctx, "last_message:"+s.HistoryKey, string(raw)); err != nil {
		return nil, fmt.Errorf("failed to save raw message: %w", err)
	}
	return nil, nil
}

// stageReadiness verifies the completion credential and the store binding
// before any expensive work.
func (p *Pipeline) stageReadiness(ctx context.Context, s *Session, _ *models.Message) (*Result, error) {
	if p.cfg.Completion.APIKey == "" || p.completion == nil {
		return &Result{Status: "not ready", Reply: "Completion API key not set"}, nil
	}
	if p.store == nil {
		return &Result{Status: "not ready", Reply: "Persistence store not set"}, nil
	}
	if err := p.store.Ping(ctx); err != nil {
		return &Result{Status: "not ready", Reply: "Persistence store not reachable"}, nil
	}
	return nil, nil
}

// stageNonText rejects non-text messages in private chats.
func (p *Pipeline) stageNonText(_ context.Context, _ *Session, msg *models.Message) (*Result, error) {
	if msg.Text == "" {
		return &Result{Status: "non-text message", Reply: "Non-text messages are not supported."}, nil
	}
	return nil, nil
}

// stageWhitelist enforces the chat and group whitelists.
func (p *Pipeline) stageWhitelist(_ context.Context, s *Session, _ *models.Message) (*Result, error) {
	if p.cfg.Telegram.AllowAll {
		return nil, nil
	}

	chatID := fmt.Sprintf("%d", s.ChatID)
	if s.ChatType == models.ChatTypePrivate {
		if !contains(p.cfg.Telegram.ChatWhitelist, chatID) {
			return &Result{
				Status: "not whitelisted",
				Reply:  fmt.Sprintf("You have no access. Please add your id (%d) to the whitelist.", s.ChatID),
			}, nil
		}
		return nil, nil
	}

	if !contains(p.cfg.Telegram.GroupWhitelist, chatID) {
		return &Result{
			Status: "group not whitelisted",
			Reply:  fmt.Sprintf("This group has no access. Please add the group id (%d) to the whitelist.", s.ChatID),
		}, nil
	}
	return nil, nil
}

// stageCommand hands the message to the command dispatcher. A dispatcher
// "no action" falls through to the chat stage.
func (p *Pipeline) stageCommand(ctx context.Context, s *Session, msg *models.Message) (*Result, error) {
	res, handled := p.dispatch(ctx, s, msg)
	if !handled {
		return nil, nil
	}
	return res, nil
}

// stageChat is the terminal stage: it relays the message to the
// completion service and persists the exchanged turns. Upstream errors
// become the assistant answer rather than pipeline failures, keeping the
// conversation alive.
func (p *Pipeline) stageChat(ctx context.Context, s *Session, msg *models.Message) (*Result, error) {
	// Best-effort typing notification; must never block the main flow.
	typingCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 10*time.Second)
	go func() {
		defer cancel()
		p.platform.SendTyping(typingCtx, s.Bot.Token, s.ChatID)
	}()

	history := p.loadHistory(ctx, s)

	req := completion.Request{
		Model:  p.cfg.Completion.Model,
		Params: s.Config.ModelParams,
		Messages: append(append([]completion.Message{}, history...), completion.Message{
			Role:    completion.RoleUser,
			Content: msg.Text,
		}),
	}
	if m, ok := s.Config.ModelParams["model"].(string); ok && m != "" {
		req.Model = m
	}

	completeCtx := ctx
	if p.cfg.Completion.Timeout > 0 {
		var cancelComplete context.CancelFunc
		completeCtx, cancelComplete = context.WithTimeout(ctx, p.cfg.Completion.Timeout)
		defer cancelComplete()
	}

	var answer string
	resp, err := p.completion.Complete(completeCtx, req)
	switch {
	case err == nil:
		answer = resp.Content
		p.addUsage(ctx, s, resp.TotalTokens)
	default:
		if apiMsg, ok := completion.IsAPIError(err); ok {
			answer = fmt.Sprintf("Completion API error\n> %s", apiMsg)
		} else {
			answer = fmt.Sprintf("I have no idea how to answer\n> %v", err)
		}
		p.log.WarnContext(ctx, "Completion failed, storing error as assistant turn",
			"chat_id", s.ChatID, "error", err)
	}

	p.persistTurn(ctx, s, history, msg.Text, answer)

	return &Result{Status: "chat", Reply: answer}, nil
}

func (p *Pipeline) send(ctx context.Context, token string, chatID int64, replyTo int, parseMode, text string) {
	err := p.platform.SendMessage(ctx, token, Outgoing{
		ChatID:    chatID,
		Text:      text,
		ReplyToID: replyTo,
		ParseMode: parseMode,
	})
	if err != nil {
		p.log.ErrorContext(ctx, "Failed to deliver reply", "chat_id", chatID, "error", err)
	}
}

// deliver is the panic-path twin of the normal reply delivery.
func (p *Pipeline) deliver(ctx context.Context, token string, update *models.Update, res *Result) {
	if res.Reply == "" || update == nil || update.Message == nil {
		return
	}
	p.send(ctx, token, update.Message.Chat.ID, 0, "Markdown", res.Reply)
}

func contains(list []string, v string) bool {
	for _, item := range list {
		if item == v {
			return true
		}
	}
	return false
}
