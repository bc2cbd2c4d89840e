package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/mark3labs/mcp-go/server"
	"github.com/spf13/cobra"

	"github.com/kalambet/chatbridge/internal/api"
	"github.com/kalambet/chatbridge/internal/bots"
	"github.com/kalambet/chatbridge/internal/config"
	"github.com/kalambet/chatbridge/internal/conversation"
	"github.com/kalambet/chatbridge/internal/engine"
	"github.com/kalambet/chatbridge/internal/history"
	"github.com/kalambet/chatbridge/internal/ingest"
	"github.com/kalambet/chatbridge/internal/lockmap"
	"github.com/kalambet/chatbridge/internal/ollama"
	"github.com/kalambet/chatbridge/internal/retrieval"
	"github.com/kalambet/chatbridge/internal/storage"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the chatbridge HTTP API (foreground)",
	RunE: func(cmd *cobra.Command, args []string) error {
		withMCP, _ := cmd.Flags().GetBool("mcp")
		skipCheck, _ := cmd.Flags().GetBool("skip-model-check")
		return runServer(cmd.Context(), withMCP, skipCheck)
	},
}

func init() {
	serveCmd.Flags().Bool("mcp", false, "also serve MCP tools over stdin/stdout")
	serveCmd.Flags().Bool("skip-model-check", false, "do not check or pull Ollama models on startup")
}

func setupLogging(level string) {
	var l slog.Level
	switch strings.ToLower(level) {
	case "debug":
		l = slog.LevelDebug
	case "warn", "warning":
		l = slog.LevelWarn
	case "error":
		l = slog.LevelError
	default:
		l = slog.LevelInfo
	}
	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: l})))
}

// app holds the wired services behind the HTTP and MCP surfaces.
type app struct {
	bots         *bots.Service
	conversation *conversation.Engine
	retriever    *retrieval.Retriever
	closers      []func() error
}

func (a *app) Close() {
	for i := len(a.closers) - 1; i >= 0; i-- {
		if err := a.closers[i](); err != nil {
			slog.Warn("closing resource failed", "error", err)
		}
	}
}

func buildApp(ctx context.Context, cfg config.Config) (*app, error) {
	embedEngine, err := engine.New(cfg.Embedding.Provider, cfg.Embedding.Endpoint, cfg.Embedding.APIKey)
	if err != nil {
		return nil, fmt.Errorf("embedding engine: %w", err)
	}
	modelEngine, err := engine.New(cfg.Model.Provider, cfg.Model.Endpoint, cfg.Model.APIKey)
	if err != nil {
		return nil, fmt.Errorf("model engine: %w", err)
	}

	store, err := storage.Open(cfg.Storage.DataDir)
	if err != nil {
		return nil, fmt.Errorf("opening storage: %w", err)
	}
	a := &app{closers: []func() error{store.Close}}

	hist, closeHist, err := openHistory(ctx, cfg.History.BackendURL, store)
	if err != nil {
		a.Close()
		return nil, err
	}
	if closeHist != nil {
		a.closers = append(a.closers, closeHist)
	}

	locks := lockmap.New()
	embedder := retrieval.NewEmbedder(embedEngine, cfg.Embedding.Model, retrieval.EmbedderOptions{
		BatchSize: cfg.Embedding.BatchSize,
		RateLimit: cfg.Embedding.RateLimit,
		Timeout:   cfg.Embedding.Timeout,
	})
	a.retriever = retrieval.NewRetriever(embedder, cfg.Retrieval.TopK)
	ingester := ingest.New(embedder, locks, cfg.Retrieval.MaxChunkChars)

	a.bots = bots.NewService(store, hist, ingester, locks, cfg.Storage.DataDir)
	a.conversation = conversation.New(modelEngine, a.retriever, hist, conversation.Options{
		DataDir:          cfg.Storage.DataDir,
		ModelName:        cfg.Model.Name,
		ModelTimeout:     cfg.Model.Timeout,
		MaxContextTokens: cfg.Retrieval.MaxContextTokens,
	})
	return a, nil
}

// openHistory returns the conversation history backend. An empty url keeps
// history in the SQLite store.
func openHistory(ctx context.Context, url string, store *storage.Store) (conversation.HistoryStore, func() error, error) {
	if url == "" {
		return store, nil, nil
	}
	if !strings.HasPrefix(url, "redis://") && !strings.HasPrefix(url, "rediss://") {
		return nil, nil, fmt.Errorf("unsupported history.backend_url %q (want redis:// or rediss://)", url)
	}
	rs, err := history.OpenRedis(ctx, url)
	if err != nil {
		return nil, nil, fmt.Errorf("opening history backend: %w", err)
	}
	slog.Info("conversation history in redis")
	return rs, rs.Close, nil
}

// ensureModels pulls and warms Ollama models. OpenAI-compatible backends
// are only probed.
func ensureModels(ctx context.Context, cfg config.Config, w io.Writer) error {
	chatModel, embedModel := "", ""
	if cfg.Model.Provider == config.ProviderOllama {
		chatModel = cfg.Model.Name
	}
	if cfg.Embedding.Provider == config.ProviderOllama {
		embedModel = cfg.Embedding.Model
	}

	if chatModel != "" && embedModel != "" && cfg.Model.Endpoint == cfg.Embedding.Endpoint {
		return ollama.EnsureReady(ctx, ollama.New(cfg.Model.Endpoint), chatModel, embedModel, w)
	}
	if chatModel != "" {
		if err := ollama.EnsureReady(ctx, ollama.New(cfg.Model.Endpoint), chatModel, "", w); err != nil {
			return err
		}
	} else if e, err := engine.New(cfg.Model.Provider, cfg.Model.Endpoint, cfg.Model.APIKey); err == nil && !e.IsRunning(ctx) {
		printWarning("model endpoint %s is not reachable", cfg.Model.Endpoint)
	}
	if embedModel != "" {
		if err := ollama.EnsureReady(ctx, ollama.New(cfg.Embedding.Endpoint), "", embedModel, w); err != nil {
			return err
		}
	} else if e, err := engine.New(cfg.Embedding.Provider, cfg.Embedding.Endpoint, cfg.Embedding.APIKey); err == nil && !e.IsRunning(ctx) {
		printWarning("embedding endpoint %s is not reachable", cfg.Embedding.Endpoint)
	}
	return nil
}

func runServer(ctx context.Context, withMCP, skipModelCheck bool) error {
	fmt.Fprintf(os.Stderr, "chatbridge version %s\n", version)

	cfg, err := config.Load()
	if err != nil {
		return err
	}
	setupLogging(cfg.Log.Level)

	if ctx == nil {
		ctx = context.Background()
	}
	ctx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if !skipModelCheck {
		if err := ensureModels(ctx, cfg, os.Stderr); err != nil {
			return err
		}
	}

	a, err := buildApp(ctx, cfg)
	if err != nil {
		return err
	}
	defer a.Close()

	if cfg.Server.APIToken == "" {
		printWarning("CHATBRIDGE_API_TOKEN is not set; the API accepts unauthenticated requests")
	}
	handler := api.NewAppHandler(api.AppDeps{
		Bots:         a.bots,
		Conversation: a.conversation,
		Token:        cfg.Server.APIToken,
	})

	if withMCP {
		mcpSrv := api.NewMCPServer(api.MCPDeps{
			Bots:         a.bots,
			Conversation: a.conversation,
			Retriever:    a.retriever,
		}, version)
		stdioSrv := server.NewStdioServer(mcpSrv)
		go func() {
			if err := stdioSrv.Listen(ctx, os.Stdin, os.Stdout); err != nil && !errors.Is(err, context.Canceled) {
				slog.Error("MCP stdio server error", "error", err)
			}
		}()
		slog.Info("MCP server started (stdio transport)")
	}

	addr := fmt.Sprintf("127.0.0.1:%d", cfg.Server.Port)
	srv := &http.Server{
		Addr:              addr,
		Handler:           handler,
		ReadHeaderTimeout: 10 * time.Second,
		BaseContext: func(_ net.Listener) context.Context {
			return ctx
		},
	}

	errCh := make(chan error, 1)
	go func() {
		fmt.Fprintf(os.Stderr, "chatbridge listening on %s\n", addr)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case <-ctx.Done():
		fmt.Fprintln(os.Stderr, "shutting down...")
	case err := <-errCh:
		if err != nil {
			return fmt.Errorf("server error: %w", err)
		}
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return srv.Shutdown(shutdownCtx)
}
