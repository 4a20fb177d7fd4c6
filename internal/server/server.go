// Package server exposes the relay over HTTP: the per-token webhook
// endpoints, the webhook/command binding page, and the read-only history
// view.
package server

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-telegram/bot/models"

	"github.com/edgard/telegpt/internal/config"
	"github.com/edgard/telegpt/internal/relay"
	"github.com/edgard/telegpt/internal/store"
	"github.com/edgard/telegpt/internal/telegram"
)

// historyPasswordKey is the singleton store key holding the secret that
// protects the read-only history view.
const historyPasswordKey = "chat_history_password"

// Server routes HTTP traffic into the relay pipeline.
type Server struct {
	cfg      *config.Config
	log      *slog.Logger
	store    store.Store
	client   *telegram.Client
	pipeline *relay.Pipeline

	httpServer *http.Server
}

// New builds the HTTP server with all routes registered.
func New(cfg *config.Config, st store.Store, client *telegram.Client, pipeline *relay.Pipeline, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}

	s := &Server{
		cfg:      cfg,
		log:      logger.With("component", "server"),
		store:    st,
		client:   client,
		pipeline: pipeline,
	}

	mux := http.NewServeMux()
	mux.HandleFunc("GET /{$}", s.handleIndex)
	mux.HandleFunc("GET /init", s.handleInit)
	mux.HandleFunc("POST /telegram/{token}/webhook", s.handleWebhook)
	mux.HandleFunc("GET /telegram/{key}/history", s.handleHistory)
	mux.HandleFunc("GET /telegram/{token}/bot", s.handleBotInfo)

	s.httpServer = &http.Server{
		Addr:              cfg.Server.Addr,
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
	}
	return s
}

// Run serves until ctx is cancelled, then shuts down gracefully.
func (s *Server) Run(ctx context.Context) error {
	errCh := make(chan error, 1)
	go func() {
		s.log.Info("HTTP server listening", "addr", s.cfg.Server.Addr)
		if err := s.httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case err := <-errCh:
		return fmt.Errorf("http server failed: %w", err)
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := s.httpServer.Shutdown(shutdownCtx); err != nil {
			return fmt.Errorf("http server shutdown failed: %w", err)
		}
		return nil
	}
}

// handleWebhook is the pipeline entry point: one platform update per
// delivery. The response status is always 200 so the platform never
// retries; the body carries the pipeline diagnostic.
func (s *Server) handleWebhook(w http.ResponseWriter, r *http.Request) {
	token := r.PathValue("token")

	var update models.Update
	if err := json.NewDecoder(r.Body).Decode(&update); err != nil {
		s.log.WarnContext(r.Context(), "Malformed webhook payload", "error", err)
		w.WriteHeader(http.StatusOK)
		fmt.Fprint(w, "malformed update")
		return
	}

	res := s.pipeline.Handle(r.Context(), token, &update)

	w.WriteHeader(http.StatusOK)
	fmt.Fprint(w, res.Status)
}

// handleInit binds every configured token to its webhook URL and
// registers the command menu.
func (s *Server) handleInit(w http.ResponseWriter, r *http.Request) {
	if s.cfg.Server.PublicURL == "" {
		http.Error(w, "server.public_url is not configured", http.StatusBadRequest)
		return
	}

	type bindResult struct {
		BotID   int64
		Webhook string
		Command string
	}
	var results []bindResult

	commands := s.pipeline.Commands()
	for _, token := range s.cfg.Telegram.Tokens {
		res := bindResult{BotID: botID(token), Webhook: "ok", Command: "ok"}

		url := fmt.Sprintf("%s/telegram/%s/webhook", s.cfg.Server.PublicURL, token)
		if err := s.client.BindWebhook(r.Context(), token, url); err != nil {
			res.Webhook = err.Error()
		}
		if err := s.client.BindCommands(r.Context(), token, commands); err != nil {
			res.Command = err.Error()
		}
		results = append(results, res)
	}

	s.render(w, initTmpl, map[string]any{"Results": results})
}

// handleHistory serves the password-protected read-only history view.
func (s *Server) handleHistory(w http.ResponseWriter, r *http.Request) {
	password, err := s.historyPassword(r.Context())
	if err != nil {
		http.Error(w, "history view unavailable", http.StatusInternalServerError)
		return
	}
	if r.URL.Query().Get("password") != password {
		http.Error(w, "Password Error", http.StatusUnauthorized)
		return
	}

	raw, err := s.store.Get(r.Context(), r.PathValue("key"))
	if err != nil {
		http.Error(w, "history not found", http.StatusNotFound)
		return
	}

	var history []relay.HistoryEntry
	if err := json.Unmarshal([]byte(raw), &history); err != nil {
		http.Error(w, "stored history is unreadable", http.StatusInternalServerError)
		return
	}

	s.render(w, historyTmpl, map[string]any{"Entries": history})
}

// handleBotInfo shows the live bot account details for one token.
func (s *Server) handleBotInfo(w http.ResponseWriter, r *http.Request) {
	token := r.PathValue("token")

	me, err := s.client.Me(r.Context(), token)
	data := map[string]any{
		"BotID":      botID(token),
		"GroupFlag":  s.cfg.Telegram.GroupEnable,
		"ShareMode":  s.cfg.Telegram.GroupShareMode,
		"Configured": s.cfg.Telegram.BotNames,
	}
	if err != nil {
		data["Error"] = err.Error()
	} else {
		data["Me"] = me
	}

	s.render(w, botInfoTmpl, data)
}

func (s *Server) handleIndex(w http.ResponseWriter, _ *http.Request) {
	s.render(w, indexTmpl, map[string]any{"Commands": s.pipeline.Commands()})
}

// historyPassword loads the singleton secret, generating and persisting
// it on first use.
func (s *Server) historyPassword(ctx context.Context) (string, error) {
	password, err := s.store.Get(ctx, historyPasswordKey)
	if err == nil {
		return password, nil
	}
	if !errors.Is(err, store.ErrNotFound) {
		return "", fmt.Errorf("failed to read history password: %w", err)
	}

	buf := make([]byte, 16)
	if _, err := rand.Read(buf); err != nil {
		return "", fmt.Errorf("failed to generate history password: %w", err)
	}
	password = hex.EncodeToString(buf)

	if err := s.store.Put(ctx, historyPasswordKey, password); err != nil {
		return "", fmt.Errorf("failed to persist history password: %w", err)
	}
	return password, nil
}
