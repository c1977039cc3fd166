package app

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"supportchat/internal/util"
	"supportchat/pkg/ai"
	"supportchat/pkg/domain"
	"supportchat/pkg/store"
)

// Config holds runtime configuration for the core application.
type Config struct {
	Store     store.Store
	Generator ai.StreamGenerator
	// Model is recorded as metadata on persisted assistant messages.
	Model           string
	HistoryWindow   int
	MaxMessageChars int
	Logger          *slog.Logger
}

// App wires storage and the LLM provider into the chat flow: session
// resolution, context assembly, stream relaying, history reads.
type App struct {
	store           store.Store
	generator       ai.StreamGenerator
	model           string
	historyWindow   int
	maxMessageChars int
	logger          *slog.Logger
}

// New constructs the application core.
func New(cfg Config) (*App, error) {
	if cfg.Store == nil {
		return nil, fmt.Errorf("store required")
	}
	if cfg.Generator == nil {
		return nil, fmt.Errorf("generator required")
	}
	historyWindow := cfg.HistoryWindow
	if historyWindow <= 0 {
		historyWindow = 20
	}
	maxMessageChars := cfg.MaxMessageChars
	if maxMessageChars <= 0 {
		maxMessageChars = 2000
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &App{
		store:           cfg.Store,
		generator:       cfg.Generator,
		model:           cfg.Model,
		historyWindow:   historyWindow,
		maxMessageChars: maxMessageChars,
		logger:          logger,
	}, nil
}

// ResolveSession returns the conversation for a session id. An empty id
// creates a fresh conversation; an unknown id is ErrSessionNotFound with no
// mutation. No expiry or ownership checks exist: the id is the capability.
func (a *App) ResolveSession(sessionID string) (domain.Conversation, error) {
	sessionID = strings.TrimSpace(sessionID)
	if sessionID != "" {
		conversation, ok, err := a.store.GetConversation(sessionID)
		if err != nil {
			return domain.Conversation{}, fmt.Errorf("load conversation: %w", err)
		}
		if !ok {
			return domain.Conversation{}, ErrSessionNotFound
		}
		return conversation, nil
	}

	conversation := domain.Conversation{
		ID:        util.NewID(),
		CreatedAt: time.Now().UTC(),
	}
	if err := a.store.CreateConversation(conversation); err != nil {
		return domain.Conversation{}, fmt.Errorf("create conversation: %w", err)
	}
	return conversation, nil
}

// StreamReply runs one exchange: persist the (truncated) user message, send
// the windowed history to the provider, forward each produced chunk through
// onDelta, and persist the accumulated assistant text once the stream ends.
//
// The user message is written before the provider call so it survives
// provider failures. A store failure after the stream completed is logged
// only; the caller has already received the reply.
func (a *App) StreamReply(ctx context.Context, conversationID, text string, onDelta func(delta string) error) error {
	text = truncate(strings.TrimSpace(text), a.maxMessageChars)
	if text == "" {
		return fmt.Errorf("message text required")
	}

	if err := a.store.AppendMessage(conversationID, domain.Message{
		ID:             util.NewID(),
		ConversationID: conversationID,
		Role:           domain.RoleUser,
		Content:        text,
		CreatedAt:      time.Now().UTC(),
	}); err != nil {
		return fmt.Errorf("save user message: %w", err)
	}

	history, err := a.store.ListRecentMessages(conversationID, a.historyWindow)
	if err != nil {
		return fmt.Errorf("load history: %w", err)
	}

	full, err := a.generator.StreamText(ctx, buildTurns(history), onDelta)
	if err != nil {
		return fmt.Errorf("stream completion: %w", err)
	}

	msg := domain.Message{
		ID:             util.NewID(),
		ConversationID: conversationID,
		Role:           domain.RoleAI,
		Content:        full,
		CreatedAt:      time.Now().UTC(),
	}
	if a.model != "" {
		msg.Metadata = map[string]string{"model": a.model}
	}
	if err := a.store.AppendMessage(conversationID, msg); err != nil {
		a.logger.Error("failed to save assistant message", "conversationId", conversationID, "err", err)
	}
	return nil
}

// History returns every message of a session in chronological order.
func (a *App) History(sessionID string) ([]domain.Message, error) {
	sessionID = strings.TrimSpace(sessionID)
	if sessionID == "" {
		return nil, fmt.Errorf("session id required")
	}
	_, ok, err := a.store.GetConversation(sessionID)
	if err != nil {
		return nil, fmt.Errorf("load conversation: %w", err)
	}
	if !ok {
		return nil, ErrSessionNotFound
	}
	msgs, err := a.store.ListMessages(sessionID)
	if err != nil {
		return nil, fmt.Errorf("list messages: %w", err)
	}
	return msgs, nil
}

func truncate(text string, max int) string {
	runes := []rune(text)
	if len(runes) <= max {
		return text
	}
	return string(runes[:max])
}
