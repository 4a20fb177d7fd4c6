package relay

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/go-telegram/bot/models"

	"github.com/edgard/telegpt/internal/completion"
	"github.com/edgard/telegpt/internal/config"
	"github.com/edgard/telegpt/internal/store"
)

// fakeStore is an in-memory store.Store for pipeline tests.
type fakeStore struct {
	mu      sync.Mutex
	data    map[string]string
	pingErr error
	getErr  error
	putErr  error
}

func newFakeStore() *fakeStore {
	return &fakeStore{data: map[string]string{}}
}

func (f *fakeStore) Ping(_ context.Context) error { return f.pingErr }

func (f *fakeStore) Get(_ context.Context, key string) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.getErr != nil {
		return "", f.getErr
	}
	v, ok := f.data[key]
	if !ok {
		return "", store.ErrNotFound
	}
	return v, nil
}

func (f *fakeStore) Put(_ context.Context, key, value string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.putErr != nil {
		return f.putErr
	}
	f.data[key] = value
	return nil
}

func (f *fakeStore) PutTTL(ctx context.Context, key, value string, _ time.Duration) error {
	return f.Put(ctx, key, value)
}

func (f *fakeStore) Delete(_ context.Context, key string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.data, key)
	return nil
}

func (f *fakeStore) Cleanup(_ context.Context) (int64, error) { return 0, nil }

func (f *fakeStore) get(key string) (string, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	v, ok := f.data[key]
	return v, ok
}

// fakePlatform records outbound traffic.
type fakePlatform struct {
	mu        sync.Mutex
	sent      []Outgoing
	admins    []ChatMember
	adminsErr error
}

func (f *fakePlatform) SendMessage(_ context.Context, _ string, out Outgoing) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sent = append(f.sent, out)
	return nil
}

func (f *fakePlatform) SendTyping(_ context.Context, _ string, _ int64) {}

func (f *fakePlatform) ChatAdministrators(_ context.Context, _ string, _ int64) ([]ChatMember, error) {
	if f.adminsErr != nil {
		return nil, f.adminsErr
	}
	return f.admins, nil
}

func (f *fakePlatform) lastSent() (Outgoing, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.sent) == 0 {
		return Outgoing{}, false
	}
	return f.sent[len(f.sent)-1], true
}

// fakeCompletion answers with a fixed response or error.
type fakeCompletion struct {
	resp *completion.Response
	err  error

	mu       sync.Mutex
	requests []completion.Request
}

func (f *fakeCompletion) Complete(_ context.Context, req completion.Request) (*completion.Response, error) {
	f.mu.Lock()
	f.requests = append(f.requests, req)
	f.mu.Unlock()
	if f.err != nil {
		return nil, f.err
	}
	return f.resp, nil
}

const testToken = "100:abc"

func testConfig() *config.Config {
	return &config.Config{
		Telegram: config.TelegramConfig{
			Tokens:        []string{testToken},
			BotNames:      []string{"TestBot"},
			GroupEnable:   true,
			AllowAll:      true,
			AdminCacheTTL: time.Minute,
		},
		Completion: config.CompletionConfig{
			Provider: "openai",
			APIKey:   "test-key",
			Model:    "gpt-3.5-turbo",
		},
		History: config.HistoryConfig{
			AutoTrim:    true,
			MaxEntries:  20,
			MaxChars:    2048,
			InitMessage: "You are a helpful assistant.",
		},
	}
}

func newTestPipeline(t *testing.T, cfg *config.Config, st store.Store, platform *fakePlatform, client completion.Client) *Pipeline {
	t.Helper()
	if cfg == nil {
		cfg = testConfig()
	}
	if st == nil {
		st = newFakeStore()
	}
	if platform == nil {
		platform = &fakePlatform{}
	}
	if client == nil {
		client = &fakeCompletion{resp: &completion.Response{Content: "ok"}}
	}
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	p := New(cfg, st, platform, client, logger)
	p.configRetryDelay = 0
	return p
}

func privateUpdate(text string) *models.Update {
	return &models.Update{
		Message: &models.Message{
			ID:   1,
			Text: text,
			Chat: models.Chat{ID: 42, Type: models.ChatTypePrivate},
			From: &models.User{ID: 42, Username: "alice"},
		},
	}
}

func TestHandleUnknownToken(t *testing.T) {
	platform := &fakePlatform{}
	p := newTestPipeline(t, nil, nil, platform, nil)

	res := p.Handle(context.Background(), "999:nope", privateUpdate("hi"))
	if res.Status != "token not found" {
		t.Errorf("status = %q, want %q", res.Status, "token not found")
	}
	if res.Reply != "" {
		t.Errorf("reply = %q, want empty", res.Reply)
	}
	if _, sent := platform.lastSent(); sent {
		t.Error("unknown token must not trigger an outbound message")
	}
}

func TestHandleNoMessage(t *testing.T) {
	p := newTestPipeline(t, nil, nil, nil, nil)

	for _, update := range []*models.Update{nil, {}} {
		res := p.Handle(context.Background(), testToken, update)
		if res.Status != "ignored: no message" {
			t.Errorf("status = %q, want %q", res.Status, "ignored: no message")
		}
	}
}

func TestHandlePrivateChat(t *testing.T) {
	st := newFakeStore()
	platform := &fakePlatform{}
	client := &fakeCompletion{resp: &completion.Response{Content: "hello back", TotalTokens: 12}}
	p := newTestPipeline(t, nil, st, platform, client)

	res := p.Handle(context.Background(), testToken, privateUpdate("hello"))
	if res.Status != "chat" {
		t.Fatalf("status = %q, want %q", res.Status, "chat")
	}
	if res.Reply != "hello back" {
		t.Errorf("reply = %q, want %q", res.Reply, "hello back")
	}

	out, sent := platform.lastSent()
	if !sent {
		t.Fatal("expected an outbound message")
	}
	if out.ChatID != 42 || out.Text != "hello back" {
		t.Errorf("outbound = %+v", out)
	}
	if out.ReplyToID != 0 {
		t.Errorf("private replies must not quote, got reply_to = %d", out.ReplyToID)
	}

	if _, ok := st.get("history:42:100"); !ok {
		t.Error("conversation turn was not persisted")
	}
	if _, ok := st.get("usage:100"); !ok {
		t.Error("usage was not recorded")
	}
}

func TestHandleCompletionRequest(t *testing.T) {
	client := &fakeCompletion{resp: &completion.Response{Content: "ok"}}
	p := newTestPipeline(t, nil, nil, nil, client)

	p.Handle(context.Background(), testToken, privateUpdate("question"))

	if len(client.requests) != 1 {
		t.Fatalf("completion calls = %d, want 1", len(client.requests))
	}
	req := client.requests[0]
	if req.Model != "gpt-3.5-turbo" {
		t.Errorf("model = %q", req.Model)
	}
	if len(req.Messages) != 2 {
		t.Fatalf("messages = %d, want system + user", len(req.Messages))
	}
	if req.Messages[0].Role != completion.RoleSystem {
		t.Errorf("first message role = %q, want system", req.Messages[0].Role)
	}
	if req.Messages[1].Content != "question" {
		t.Errorf("user message = %q", req.Messages[1].Content)
	}
}

func TestHandleCompletionErrors(t *testing.T) {
	tests := []struct {
		name       string
		err        error
		wantPrefix string
	}{
		{
			name:       "api error payload",
			err:        &completion.APIError{Message: "rate limited"},
			wantPrefix: "Completion API error\n> rate limited",
		},
		{
			name:       "transport error",
			err:        errors.New("connection refused"),
			wantPrefix: "I have no idea how to answer\n> connection refused",
		},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			st := newFakeStore()
			client := &fakeCompletion{err: tc.err}
			p := newTestPipeline(t, nil, st, nil, client)

			res := p.Handle(context.Background(), testToken, privateUpdate("hi"))
			if res.Status != "chat" {
				t.Fatalf("status = %q, want %q", res.Status, "chat")
			}
			if !strings.HasPrefix(res.Reply, tc.wantPrefix) {
				t.Errorf("reply = %q, want prefix %q", res.Reply, tc.wantPrefix)
			}

			// The failed turn is still persisted; usage is not.
			if _, ok := st.get("history:42:100"); !ok {
				t.Error("error turn was not persisted")
			}
			if _, ok := st.get("usage:100"); ok {
				t.Error("usage must not be recorded for failed completions")
			}
		})
	}
}

func TestHandleReadiness(t *testing.T) {
	t.Run("missing api key", func(t *testing.T) {
		cfg := testConfig()
		cfg.Completion.APIKey = ""
		p := newTestPipeline(t, cfg, nil, nil, nil)

		res := p.Handle(context.Background(), testToken, privateUpdate("hi"))
		if res.Reply != "Completion API key not set" {
			t.Errorf("reply = %q", res.Reply)
		}
	})

	t.Run("store unreachable", func(t *testing.T) {
		st := newFakeStore()
		st.pingErr = errors.New("locked")
		p := newTestPipeline(t, nil, st, nil, nil)

		res := p.Handle(context.Background(), testToken, privateUpdate("hi"))
		if res.Reply != "Persistence store not reachable" {
			t.Errorf("reply = %q", res.Reply)
		}
	})
}

func TestHandleWhitelist(t *testing.T) {
	cfg := testConfig()
	cfg.Telegram.AllowAll = false
	cfg.Telegram.ChatWhitelist = []string{"7"}

	p := newTestPipeline(t, cfg, nil, nil, nil)

	res := p.Handle(context.Background(), testToken, privateUpdate("hi"))
	if res.Status != "not whitelisted" {
		t.Errorf("status = %q, want %q", res.Status, "not whitelisted")
	}
	if !strings.Contains(res.Reply, "(42)") {
		t.Errorf("reply should include the chat id, got %q", res.Reply)
	}

	cfg.Telegram.ChatWhitelist = []string{"7", "42"}
	res = p.Handle(context.Background(), testToken, privateUpdate("hi"))
	if res.Status != "chat" {
		t.Errorf("whitelisted chat status = %q, want %q", res.Status, "chat")
	}
}

func TestHandleNonTextPrivate(t *testing.T) {
	p := newTestPipeline(t, nil, nil, nil, nil)

	res := p.Handle(context.Background(), testToken, privateUpdate(""))
	if res.Status != "non-text message" {
		t.Errorf("status = %q, want %q", res.Status, "non-text message")
	}
	if res.Reply != "Non-text messages are not supported." {
		t.Errorf("reply = %q", res.Reply)
	}
}

func TestHandleUnsupportedChatType(t *testing.T) {
	p := newTestPipeline(t, nil, nil, nil, nil)

	update := privateUpdate("hi")
	update.Message.Chat.Type = models.ChatTypeChannel

	res := p.Handle(context.Background(), testToken, update)
	if res.Status != "unsupported chat type" {
		t.Errorf("status = %q", res.Status)
	}
	if !strings.Contains(res.Reply, "channel") {
		t.Errorf("reply = %q, should name the chat type", res.Reply)
	}
}

func TestModelOverride(t *testing.T) {
	st := newFakeStore()
	st.data["user_config:42:100"] = `{"OPENAI_API_EXTRA_PARAMS":{"model":"gpt-4","temperature":0.2}}`

	client := &fakeCompletion{resp: &completion.Response{Content: "ok"}}
	p := newTestPipeline(t, nil, st, nil, client)

	p.Handle(context.Background(), testToken, privateUpdate("hi"))

	if len(client.requests) != 1 {
		t.Fatalf("completion calls = %d, want 1", len(client.requests))
	}
	if got := client.requests[0].Model; got != "gpt-4" {
		t.Errorf("model = %q, want override %q", got, "gpt-4")
	}
}

func TestStageErrorBecomesDiagnostic(t *testing.T) {
	cfg := testConfig()
	cfg.Debug = true
	st := newFakeStore()
	st.putErr = errors.New("disk full")
	p := newTestPipeline(t, cfg, st, nil, nil)

	res := p.Handle(context.Background(), testToken, privateUpdate("hi"))
	if res.Status != "stage error" {
		t.Errorf("status = %q, want %q", res.Status, "stage error")
	}
	if !strings.HasPrefix(res.Reply, "Error happened when processing the message:") {
		t.Errorf("reply = %q", res.Reply)
	}
}

type panickingCompletion struct{}

func (panickingCompletion) Complete(context.Context, completion.Request) (*completion.Response, error) {
	panic("boom")
}

func TestPanicRecovered(t *testing.T) {
	platform := &fakePlatform{}
	p := newTestPipeline(t, nil, nil, platform, panickingCompletion{})

	res := p.Handle(context.Background(), testToken, privateUpdate("hi"))
	if res.Status != "internal error" {
		t.Errorf("status = %q, want %q", res.Status, "internal error")
	}
	if !strings.Contains(res.Reply, "boom") {
		t.Errorf("reply = %q", res.Reply)
	}
	if _, sent := platform.lastSent(); !sent {
		t.Error("panic diagnostic was not delivered")
	}
}

func TestDebugSave(t *testing.T) {
	cfg := testConfig()
	cfg.Debug = true
	st := newFakeStore()
	p := newTestPipeline(t, cfg, st, nil, nil)

	p.Handle(context.Background(), testToken, privateUpdate("hi"))

	if _, ok := st.get("last_message:history:42:100"); !ok {
		t.Error("debug mode must persist the raw inbound message")
	}
}
