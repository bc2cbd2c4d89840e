// Package conversation turns a user message into a persona-grounded reply
// using retrieved document context and the session's history.
package conversation

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/kalambet/chatbridge/internal/composer"
	"github.com/kalambet/chatbridge/internal/engine"
	"github.com/kalambet/chatbridge/internal/lockmap"
	"github.com/kalambet/chatbridge/internal/retrieval"
	"github.com/kalambet/chatbridge/internal/storage"
)

// ApologyMessage is returned to the user whenever a reply cannot be produced.
const ApologyMessage = "Apologies, I'm experiencing technical difficulties. Please try again later."

const defaultModelTimeout = 60 * time.Second

// ErrConversationFailure marks a failure that was turned into ApologyMessage.
var ErrConversationFailure = errors.New("conversation failure")

// State is a step of one Respond call, logged as it is reached.
type State string

const (
	StateReceived         State = "RECEIVED"
	StateContextRetrieved State = "CONTEXT_RETRIEVED"
	StatePromptBuilt      State = "PROMPT_BUILT"
	StateModelInvoked     State = "MODEL_INVOKED"
	StateHistoryAppended  State = "HISTORY_APPENDED"
	StateReturned         State = "RETURNED"
	StateFailed           State = "FAILED"
)

// HistoryStore persists conversation turns per session.
type HistoryStore interface {
	Turns(ctx context.Context, sessionID string) ([]storage.Turn, error)
	AppendTurns(ctx context.Context, sessionID string, turns ...storage.Turn) error
	DeleteSession(ctx context.Context, sessionID string) (int, error)
}

// ContextRetriever finds document chunks relevant to a query.
type ContextRetriever interface {
	Retrieve(ctx context.Context, query string, scope retrieval.Scope) ([]retrieval.ContextChunk, error)
}

// SessionID returns the history scope of one user's chat with one bot.
func SessionID(userID, botID string) string {
	return userID + ":" + botID
}

// Options configures an Engine.
type Options struct {
	DataDir          string
	ModelName        string
	ModelTimeout     time.Duration
	MaxContextTokens int // 0 keeps every retrieved chunk
}

// Engine answers user messages for bots. Turns of one session are handled
// one at a time so history is appended in the order messages arrive.
type Engine struct {
	model     engine.Engine
	retriever ContextRetriever
	history   HistoryStore
	composer  *composer.Composer
	opts      Options
	sessions  *lockmap.Map
	logger    *slog.Logger
	now       func() time.Time
}

// New creates an Engine.
func New(model engine.Engine, retriever ContextRetriever, history HistoryStore, opts Options) *Engine {
	if opts.ModelTimeout <= 0 {
		opts.ModelTimeout = defaultModelTimeout
	}
	return &Engine{
		model:     model,
		retriever: retriever,
		history:   history,
		composer:  composer.New(opts.MaxContextTokens),
		opts:      opts,
		sessions:  lockmap.New(),
		logger:    slog.Default(),
		now:       time.Now,
	}
}

// Respond returns the bot's reply to userInput within session sessionID.
// It never fails: any error is logged and ApologyMessage is returned. On
// success the user turn and the reply are appended to the session history.
func (e *Engine) Respond(ctx context.Context, bot storage.Bot, userInput, sessionID string) (reply string) {
	log := e.logger.With("bot_id", bot.ID, "session_id", sessionID)
	defer func() {
		if r := recover(); r != nil {
			log.Error("conversation panicked", "state", StateFailed, "panic", r)
			reply = ApologyMessage
		}
	}()

	unlock := e.sessions.Lock(sessionID)
	defer unlock()

	receivedAt := e.now()
	log.Debug("conversation state", "state", StateReceived)

	history, err := e.history.Turns(ctx, sessionID)
	if err != nil {
		log.Warn("reading history failed, continuing without it", "error", err)
		history = nil
	}

	scope := retrieval.Scope{
		BotDir: retrieval.BotDir(e.opts.DataDir, bot.UserID, bot.ID),
		BotID:  bot.ID,
		Files:  bot.Documents,
	}
	chunks, err := e.retriever.Retrieve(ctx, userInput, scope)
	if err != nil {
		log.Warn("retrieval failed, continuing without context", "error", err)
		chunks = nil
	}
	log.Debug("conversation state", "state", StateContextRetrieved, "chunks", len(chunks))

	prompt := e.composer.Compose(PersonaOf(bot), chunks)
	msgs := buildMessages(prompt, history, userInput)
	log.Debug("conversation state", "state", StatePromptBuilt, "prompt_tokens", composer.EstimateTokens(prompt))

	answer, err := e.invoke(ctx, msgs)
	if err != nil {
		log.Error("model invocation failed", "state", StateFailed, "error", err)
		return ApologyMessage
	}
	log.Debug("conversation state", "state", StateModelInvoked)

	turns := []storage.Turn{
		{SessionID: sessionID, Role: storage.RoleUser, Content: userInput, CreatedAt: receivedAt},
		{SessionID: sessionID, Role: storage.RoleAssistant, Content: answer, CreatedAt: e.now()},
	}
	if err := e.history.AppendTurns(ctx, sessionID, turns...); err != nil {
		log.Warn("appending history failed", "error", err)
	} else {
		log.Debug("conversation state", "state", StateHistoryAppended)
	}

	log.Info("conversation state", "state", StateReturned, "duration", e.now().Sub(receivedAt))
	return answer
}

func (e *Engine) invoke(ctx context.Context, msgs []engine.Message) (string, error) {
	ctx, cancel := context.WithTimeout(ctx, e.opts.ModelTimeout)
	defer cancel()

	answer, err := e.model.Chat(ctx, e.opts.ModelName, msgs)
	if err != nil {
		return "", fmt.Errorf("%w: %w", ErrConversationFailure, err)
	}
	if strings.TrimSpace(answer) == "" {
		return "", fmt.Errorf("%w: empty model reply", ErrConversationFailure)
	}
	return answer, nil
}

// PersonaOf extracts the prompt persona from a bot record.
func PersonaOf(bot storage.Bot) composer.Persona {
	return composer.Persona{
		BotName:     bot.Name,
		CompanyName: bot.CompanyName,
		Domain:      bot.Domain,
		Industry:    bot.Industry,
		Behavior:    bot.Behavior,
	}
}

func buildMessages(prompt string, history []storage.Turn, userInput string) []engine.Message {
	msgs := make([]engine.Message, 0, len(history)+2)
	msgs = append(msgs, engine.Message{Role: "system", Content: prompt})
	for _, t := range history {
		msgs = append(msgs, engine.Message{Role: t.Role, Content: t.Content})
	}
	return append(msgs, engine.Message{Role: storage.RoleUser, Content: userInput})
}
