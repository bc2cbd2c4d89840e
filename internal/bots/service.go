// Package bots manages the lifecycle of user bots: creation with document
// upload and ingestion, listing, statistics and cascading deletion.
package bots

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/kalambet/chatbridge/internal/conversation"
	"github.com/kalambet/chatbridge/internal/history"
	"github.com/kalambet/chatbridge/internal/ingest"
	"github.com/kalambet/chatbridge/internal/lockmap"
	"github.com/kalambet/chatbridge/internal/retrieval"
	"github.com/kalambet/chatbridge/internal/storage"
)

// DocumentsDirName is the directory under a bot directory holding uploads.
const DocumentsDirName = "documents"

// ErrInvalidBot is returned for manifests or uploads that cannot be accepted.
var ErrInvalidBot = errors.New("invalid bot")

// BotStore persists bot records.
type BotStore interface {
	CreateBot(ctx context.Context, b storage.Bot) error
	GetBot(ctx context.Context, userID, botID string) (storage.Bot, error)
	ListBots(ctx context.Context, userID string) ([]storage.Bot, error)
	UpdateBotDocuments(ctx context.Context, userID, botID string, docs []string) error
	DeleteBot(ctx context.Context, userID, botID string) error
}

// Ingester builds collections from files.
type Ingester interface {
	IngestFiles(ctx context.Context, scope retrieval.Scope, paths []string) (ingest.Report, error)
}

// Service coordinates bot records, their files, collections and history.
type Service struct {
	store    BotStore
	history  conversation.HistoryStore
	ingester Ingester
	locks    *lockmap.Map
	dataDir  string
	logger   *slog.Logger
	now      func() time.Time
}

// NewService creates a Service. locks must be the map the Ingester uses.
func NewService(store BotStore, hist conversation.HistoryStore, ingester Ingester, locks *lockmap.Map, dataDir string) *Service {
	return &Service{
		store:    store,
		history:  hist,
		ingester: ingester,
		locks:    locks,
		dataDir:  dataDir,
		logger:   slog.Default(),
		now:      time.Now,
	}
}

// ValidateUserID rejects user ids that cannot name a single directory under
// the bots root.
func ValidateUserID(userID string) error {
	switch {
	case userID == "":
		return fmt.Errorf("%w: missing user id", ErrInvalidBot)
	case userID == "." || userID == "..":
		return fmt.Errorf("%w: user id %q", ErrInvalidBot, userID)
	case strings.ContainsAny(userID, `/\`):
		return fmt.Errorf("%w: user id %q contains a path separator", ErrInvalidBot, userID)
	}
	return nil
}

// Scope returns the retrieval scope of a bot.
func (s *Service) Scope(b storage.Bot) retrieval.Scope {
	return retrieval.Scope{
		BotDir: retrieval.BotDir(s.dataDir, b.UserID, b.ID),
		BotID:  b.ID,
		Files:  b.Documents,
	}
}

// Create saves a new bot, stores its uploads and ingests them. The bot is
// created even if some documents fail to ingest; the report says which.
func (s *Service) Create(ctx context.Context, userID string, m Manifest, uploads []Upload) (storage.Bot, ingest.Report, error) {
	if err := ValidateUserID(userID); err != nil {
		return storage.Bot{}, ingest.Report{}, err
	}
	if err := m.Validate(); err != nil {
		return storage.Bot{}, ingest.Report{}, err
	}

	b := storage.Bot{
		ID:          uuid.New().String(),
		UserID:      userID,
		Name:        m.Name,
		CompanyName: m.CompanyName,
		Domain:      m.Domain,
		Industry:    m.Industry,
		Behavior:    m.Behavior,
		CreatedAt:   s.now().UTC(),
	}
	botDir := retrieval.BotDir(s.dataDir, userID, b.ID)

	paths, err := saveUploads(filepath.Join(botDir, DocumentsDirName), uploads)
	if err != nil {
		os.RemoveAll(botDir)
		return storage.Bot{}, ingest.Report{}, err
	}
	b.Documents = baseNames(paths)

	if err := s.store.CreateBot(ctx, b); err != nil {
		os.RemoveAll(botDir)
		return storage.Bot{}, ingest.Report{}, fmt.Errorf("creating bot: %w", err)
	}
	s.logger.Info("bot created", "user_id", userID, "bot_id", b.ID, "documents", len(paths))

	report, err := s.ingester.IngestFiles(ctx, s.Scope(b), paths)
	if err != nil {
		return b, report, fmt.Errorf("ingesting documents: %w", err)
	}
	return b, report, nil
}

// Get returns one bot of a user.
func (s *Service) Get(ctx context.Context, userID, botID string) (storage.Bot, error) {
	return s.store.GetBot(ctx, userID, botID)
}

// List returns a user's bots, oldest first.
func (s *Service) List(ctx context.Context, userID string) ([]storage.Bot, error) {
	return s.store.ListBots(ctx, userID)
}

// AddDocuments stores more uploads for an existing bot and ingests them.
// A name that already exists gets a numeric suffix.
func (s *Service) AddDocuments(ctx context.Context, userID, botID string, uploads []Upload) (storage.Bot, ingest.Report, error) {
	b, paths, err := s.addFiles(ctx, userID, botID, uploads)
	if err != nil {
		return storage.Bot{}, ingest.Report{}, err
	}
	report, err := s.ingester.IngestFiles(ctx, s.Scope(b), paths)
	if err != nil {
		return b, report, fmt.Errorf("ingesting documents: %w", err)
	}
	return b, report, nil
}

func (s *Service) addFiles(ctx context.Context, userID, botID string, uploads []Upload) (storage.Bot, []string, error) {
	botDir := retrieval.BotDir(s.dataDir, userID, botID)
	unlock := s.locks.Lock(botDir)
	defer unlock()

	b, err := s.store.GetBot(ctx, userID, botID)
	if err != nil {
		return storage.Bot{}, nil, err
	}
	paths, err := saveUploads(filepath.Join(botDir, DocumentsDirName), uploads)
	if err != nil {
		return storage.Bot{}, nil, err
	}
	b.Documents = append(b.Documents, baseNames(paths)...)
	if err := s.store.UpdateBotDocuments(ctx, userID, botID, b.Documents); err != nil {
		removeAll(paths)
		return storage.Bot{}, nil, fmt.Errorf("updating documents: %w", err)
	}
	return b, paths, nil
}

// Reingest rebuilds every collection of a bot from its stored documents.
func (s *Service) Reingest(ctx context.Context, userID, botID string) (ingest.Report, error) {
	b, err := s.store.GetBot(ctx, userID, botID)
	if err != nil {
		return ingest.Report{}, err
	}
	docsDir := filepath.Join(retrieval.BotDir(s.dataDir, userID, botID), DocumentsDirName)
	paths := make([]string, len(b.Documents))
	for i, name := range b.Documents {
		paths[i] = filepath.Join(docsDir, name)
	}
	return s.ingester.IngestFiles(ctx, s.Scope(b), paths)
}

// History returns the conversation turns between a user and a bot.
func (s *Service) History(ctx context.Context, userID, botID string) ([]storage.Turn, error) {
	if _, err := s.store.GetBot(ctx, userID, botID); err != nil {
		return nil, err
	}
	return s.history.Turns(ctx, conversation.SessionID(userID, botID))
}

// Delete removes a bot's history, then its directory with every collection,
// then its record. If a step fails the later ones are skipped so the record
// survives as long as anything it owns does.
func (s *Service) Delete(ctx context.Context, userID, botID string) error {
	botDir := retrieval.BotDir(s.dataDir, userID, botID)
	unlock := s.locks.Lock(botDir)
	defer unlock()

	if _, err := s.store.GetBot(ctx, userID, botID); err != nil {
		return err
	}

	n, err := s.history.DeleteSession(ctx, conversation.SessionID(userID, botID))
	if err != nil {
		return fmt.Errorf("deleting history: %w", err)
	}
	if err := os.RemoveAll(botDir); err != nil {
		return fmt.Errorf("removing bot directory: %w", err)
	}
	if err := s.store.DeleteBot(ctx, userID, botID); err != nil {
		return fmt.Errorf("deleting bot record: %w", err)
	}
	// Only succeeds when the user has no bots left.
	os.Remove(filepath.Dir(botDir))

	s.logger.Info("bot deleted", "user_id", userID, "bot_id", botID, "turns", n)
	return nil
}

// DeleteUser deletes every bot of a user and returns how many were removed.
func (s *Service) DeleteUser(ctx context.Context, userID string) (int, error) {
	if err := ValidateUserID(userID); err != nil {
		return 0, err
	}
	list, err := s.store.ListBots(ctx, userID)
	if err != nil {
		return 0, err
	}
	deleted := 0
	for _, b := range list {
		if err := s.Delete(ctx, userID, b.ID); err != nil {
			return deleted, fmt.Errorf("deleting bot %s: %w", b.ID, err)
		}
		deleted++
	}
	return deleted, nil
}

// DocumentStats describes one source document of a bot.
type DocumentStats struct {
	File     string `json:"file"`
	Chunks   int    `json:"chunks"`
	Ingested bool   `json:"ingested"`
}

// Stats summarizes a bot's documents and conversation.
type Stats struct {
	Bot          storage.Bot     `json:"-"`
	Documents    []DocumentStats `json:"documents"`
	Conversation history.Stats   `json:"conversation"`
}

// Stats reports per-document chunk counts and conversation metrics.
func (s *Service) Stats(ctx context.Context, userID, botID string) (Stats, error) {
	b, err := s.store.GetBot(ctx, userID, botID)
	if err != nil {
		return Stats{}, err
	}
	st := Stats{Bot: b, Documents: make([]DocumentStats, 0, len(b.Documents))}

	botDir := retrieval.BotDir(s.dataDir, userID, botID)
	for _, name := range b.Documents {
		ds := DocumentStats{File: name}
		if n, err := countChunks(ctx, retrieval.CollectionDir(botDir, botID, name)); err == nil {
			ds.Chunks, ds.Ingested = n, true
		} else if !errors.Is(err, retrieval.ErrCollectionNotFound) {
			s.logger.Warn("reading collection failed", "bot_id", botID, "file", name, "error", err)
		}
		st.Documents = append(st.Documents, ds)
	}

	turns, err := s.history.Turns(ctx, conversation.SessionID(userID, botID))
	if err != nil {
		return Stats{}, fmt.Errorf("reading history: %w", err)
	}
	st.Conversation = history.Summarize(turns)
	return st, nil
}

func countChunks(ctx context.Context, dir string) (int, error) {
	c, err := retrieval.Open(dir)
	if err != nil {
		return 0, err
	}
	defer c.Close()
	return c.Count(ctx)
}
