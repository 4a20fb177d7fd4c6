package relay

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"testing"

	"github.com/go-telegram/bot/models"
)

func mentionedGroupUpdate(text string) *models.Update {
	// A bot_command entity plus a mention so the group gate passes and
	// the dispatcher sees the bare command.
	full := text + " @TestBot"
	cmdLen := len(text)
	if i := strings.IndexByte(text, ' '); i >= 0 {
		cmdLen = i
	}
	return groupUpdate(full,
		models.MessageEntity{Type: models.MessageEntityTypeBotCommand, Offset: 0, Length: cmdLen},
		models.MessageEntity{Type: models.MessageEntityTypeMention, Offset: len(full) - 8, Length: 8},
	)
}

func TestHelpCommand(t *testing.T) {
	p := newTestPipeline(t, nil, nil, nil, nil)

	res := p.Handle(context.Background(), testToken, privateUpdate("/help"))
	if res.Status != "command /help" {
		t.Fatalf("status = %q", res.Status)
	}
	for _, name := range []string{"/help", "/new", "/start", "/setenv", "/usage", "/system"} {
		if !strings.Contains(res.Reply, name) {
			t.Errorf("help output missing %s:\n%s", name, res.Reply)
		}
	}
}

func TestNewCommand(t *testing.T) {
	tests := []struct {
		name      string
		update    *models.Update
		wantReply string
	}{
		{
			name:      "new in private",
			update:    privateUpdate("/new"),
			wantReply: "A new conversation has started",
		},
		{
			name:      "start in private includes the id",
			update:    privateUpdate("/start"),
			wantReply: "A new conversation has started, your id: (42)",
		},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			st := newFakeStore()
			st.data["history:42:100"] = `[{"role":"user","content":"old"}]`
			p := newTestPipeline(t, nil, st, nil, nil)

			res := p.Handle(context.Background(), testToken, tc.update)
			if res.Reply != tc.wantReply {
				t.Errorf("reply = %q, want %q", res.Reply, tc.wantReply)
			}
			if _, ok := st.get("history:42:100"); ok {
				t.Error("history key must be deleted")
			}
		})
	}
}

func TestStartCommandGroup(t *testing.T) {
	platform := &fakePlatform{admins: []ChatMember{{UserID: 42, Status: RoleCreator}}}
	p := newTestPipeline(t, nil, nil, platform, nil)

	res := p.Handle(context.Background(), testToken, mentionedGroupUpdate("/start"))
	if res.Reply != "A new conversation has started, group id: (-500)" {
		t.Errorf("reply = %q", res.Reply)
	}
}

func TestCommandPrefixMatching(t *testing.T) {
	p := newTestPipeline(t, nil, nil, nil, nil)

	// "/newest" must not match /new; it falls through to chat.
	res := p.Handle(context.Background(), testToken, privateUpdate("/newest thing"))
	if res.Status != "chat" {
		t.Errorf("status = %q, want fall-through to chat", res.Status)
	}
}

func TestGroupCommandAuthorization(t *testing.T) {
	t.Run("member denied", func(t *testing.T) {
		platform := &fakePlatform{admins: []ChatMember{{UserID: 7, Status: RoleCreator}}}
		p := newTestPipeline(t, nil, nil, platform, nil)

		res := p.Handle(context.Background(), testToken, mentionedGroupUpdate("/usage"))
		want := "No access. administrator,creator required, current role: member"
		if res.Reply != want {
			t.Errorf("reply = %q, want %q", res.Reply, want)
		}
	})

	t.Run("administrator allowed", func(t *testing.T) {
		platform := &fakePlatform{admins: []ChatMember{{UserID: 42, Status: RoleAdministrator}}}
		p := newTestPipeline(t, nil, nil, platform, nil)

		res := p.Handle(context.Background(), testToken, mentionedGroupUpdate("/usage"))
		if !strings.HasPrefix(res.Reply, "📊 Current usage:") {
			t.Errorf("reply = %q", res.Reply)
		}
	})

	t.Run("roster fetch failure", func(t *testing.T) {
		platform := &fakePlatform{adminsErr: errors.New("api down")}
		p := newTestPipeline(t, nil, nil, platform, nil)

		res := p.Handle(context.Background(), testToken, mentionedGroupUpdate("/usage"))
		want := "Authentication failed: unable to determine your role in this chat"
		if res.Reply != want {
			t.Errorf("reply = %q, want %q", res.Reply, want)
		}
	})

	t.Run("share mode gates /new", func(t *testing.T) {
		cfg := testConfig()
		cfg.Telegram.GroupShareMode = true
		platform := &fakePlatform{admins: []ChatMember{{UserID: 7, Status: RoleCreator}}}
		p := newTestPipeline(t, cfg, nil, platform, nil)

		res := p.Handle(context.Background(), testToken, mentionedGroupUpdate("/new"))
		if res.Status != "authorization denied" {
			t.Errorf("status = %q", res.Status)
		}
	})

	t.Run("per-member mode allows /new for everyone", func(t *testing.T) {
		platform := &fakePlatform{adminsErr: errors.New("must not be called")}
		p := newTestPipeline(t, nil, nil, platform, nil)

		res := p.Handle(context.Background(), testToken, mentionedGroupUpdate("/new"))
		if res.Reply != "A new conversation has started" {
			t.Errorf("reply = %q", res.Reply)
		}
	})
}

func TestChatRoleCaching(t *testing.T) {
	st := newFakeStore()
	platform := &fakePlatform{admins: []ChatMember{{UserID: 42, Status: RoleCreator}}}
	p := newTestPipeline(t, nil, st, platform, nil)
	s := &Session{
		Bot:           BotIdentity{Token: testToken, ID: 100},
		ChatID:        -500,
		ChatType:      models.ChatTypeSupergroup,
		GroupAdminKey: "group_admin:-500",
	}

	role, err := p.chatRole(context.Background(), s, 42)
	if err != nil {
		t.Fatalf("chatRole() error = %v", err)
	}
	if role != RoleCreator {
		t.Errorf("role = %q, want creator", role)
	}
	if _, ok := st.get("group_admin:-500"); !ok {
		t.Fatal("roster was not cached")
	}

	// Second lookup answers from the cache even when the platform fails.
	platform.adminsErr = errors.New("api down")
	role, err = p.chatRole(context.Background(), s, 7)
	if err != nil {
		t.Fatalf("cached chatRole() error = %v", err)
	}
	if role != RoleMember {
		t.Errorf("role for absent user = %q, want member", role)
	}

	// A corrupt cache entry degrades to a refetch.
	st.data["group_admin:-500"] = "{corrupt"
	if _, err := p.chatRole(context.Background(), s, 42); err == nil {
		t.Error("corrupt cache plus failing platform must surface an error")
	}
}

func TestSetenvCommand(t *testing.T) {
	tests := []struct {
		name      string
		text      string
		wantReply string
		wantSaved bool
	}{
		{
			name:      "set init message",
			text:      "/setenv SYSTEM_INIT_MESSAGE=You are a pirate",
			wantReply: "Configuration updated",
			wantSaved: true,
		},
		{
			name:      "set extra params",
			text:      `/setenv OPENAI_API_EXTRA_PARAMS={"temperature":0.9}`,
			wantReply: "Configuration updated",
			wantSaved: true,
		},
		{
			name:      "missing equals sign",
			text:      "/setenv SYSTEM_INIT_MESSAGE",
			wantReply: "Configuration error: the format is /setenv KEY=VALUE",
		},
		{
			name:      "unknown key",
			text:      "/setenv NOT_A_KEY=1",
			wantReply: "Configuration format error: unsupported configuration item or data type error",
		},
		{
			name:      "extra params must be an object",
			text:      "/setenv OPENAI_API_EXTRA_PARAMS=[1,2]",
			wantReply: "Configuration format error: value for OPENAI_API_EXTRA_PARAMS must be a JSON object",
		},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			st := newFakeStore()
			p := newTestPipeline(t, nil, st, nil, nil)

			res := p.Handle(context.Background(), testToken, privateUpdate(tc.text))
			if res.Reply != tc.wantReply {
				t.Errorf("reply = %q, want %q", res.Reply, tc.wantReply)
			}

			_, saved := st.get("user_config:42:100")
			if saved != tc.wantSaved {
				t.Errorf("config saved = %v, want %v", saved, tc.wantSaved)
			}
		})
	}

	t.Run("value may contain equals signs", func(t *testing.T) {
		st := newFakeStore()
		p := newTestPipeline(t, nil, st, nil, nil)

		res := p.Handle(context.Background(), testToken,
			privateUpdate("/setenv SYSTEM_INIT_MESSAGE=a=b=c"))
		if res.Reply != "Configuration updated" {
			t.Fatalf("reply = %q", res.Reply)
		}

		raw, _ := st.get("user_config:42:100")
		var saved UserConfig
		if err := json.Unmarshal([]byte(raw), &saved); err != nil {
			t.Fatalf("stored config is not valid JSON: %v", err)
		}
		if saved.SystemInitMessage != "a=b=c" {
			t.Errorf("saved init message = %q, want %q", saved.SystemInitMessage, "a=b=c")
		}
	})
}

func TestCommandsExposed(t *testing.T) {
	p := newTestPipeline(t, nil, nil, nil, nil)

	infos := p.Commands()
	if len(infos) != 6 {
		t.Fatalf("command count = %d, want 6", len(infos))
	}
	if infos[0].Name != "/help" {
		t.Errorf("first command = %q, want /help", infos[0].Name)
	}
	for _, info := range infos {
		if info.Name == "/setenv" && len(info.Scopes) != 0 {
			t.Errorf("/setenv must not be advertised in any menu, scopes = %v", info.Scopes)
		}
	}
}
