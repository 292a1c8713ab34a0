package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/mark3labs/mcp-go/server"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/twincast/twincast/internal/agent"
	"github.com/twincast/twincast/internal/api"
	"github.com/twincast/twincast/internal/config"
	"github.com/twincast/twincast/internal/convo"
	"github.com/twincast/twincast/internal/jobs"
	"github.com/twincast/twincast/internal/llm"
	"github.com/twincast/twincast/internal/lock"
	"github.com/twincast/twincast/internal/queue"
	"github.com/twincast/twincast/internal/rag"
	"github.com/twincast/twincast/internal/social"
	"github.com/twincast/twincast/internal/storage"
	"github.com/twincast/twincast/internal/webhook"
	"github.com/twincast/twincast/internal/worker"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the twincast server (foreground)",
	RunE: func(cmd *cobra.Command, args []string) error {
		return runServer()
	},
}

func runServer() error {
	fmt.Fprintf(os.Stderr, "twincast version %s\n", version)

	cfg, err := config.Load()
	if err != nil {
		return err
	}

	logLevel := slog.LevelInfo
	if strings.EqualFold(cfg.Log.Level, "debug") {
		logLevel = slog.LevelDebug
	}
	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: logLevel})))

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// Open storage. The job queue and vector index share the database.
	store, err := storage.Open(cfg.Storage.DataDir)
	if err != nil {
		return fmt.Errorf("opening storage: %w", err)
	}
	defer func() {
		if err := store.Close(); err != nil {
			fmt.Fprintf(os.Stderr, "warning: closing storage: %v\n", err)
		}
	}()

	q := queue.New(store.DB(), queue.Options{
		Retention: queue.Retention{
			CompletedKeep: cfg.Queue.CompletedKeep,
			CompletedAge:  cfg.Queue.CompletedAge,
			FailedKeep:    cfg.Queue.FailedKeep,
			FailedAge:     cfg.Queue.FailedAge,
		},
	})

	// Connect the distributed lock.
	locker, err := lock.Connect(ctx, cfg.Redis.URL, lock.Options{})
	if err != nil {
		return fmt.Errorf("connecting redis: %w", err)
	}
	defer locker.Close()

	// Build the domain services.
	llmClient := llm.NewClient(llm.Options{
		BaseURL:    cfg.LLM.BaseURL,
		APIKey:     cfg.LLM.APIKey,
		Model:      cfg.LLM.Model,
		EmbedModel: cfg.LLM.EmbedModel,
		EmbedDim:   cfg.LLM.EmbedDim,
	})
	socialClient := social.New(cfg.Social.BaseURL, cfg.Social.APIKey, cfg.Social.WebhookID)

	vectors := rag.NewStore(store.DB())
	indexer := rag.NewIndexer(llmClient, vectors)
	retriever := rag.NewRetriever(llmClient, vectors)

	manager := agent.NewManager(store, socialClient, indexer, llmClient)
	engine := convo.NewEngine(llmClient)

	// One worker pool per job type.
	initPool := worker.NewPool(q, queue.TypeAgentInit,
		jobs.NewInitHandler(manager, locker), worker.Options{})
	reinitPool := worker.NewPool(q, queue.TypeAgentReinit,
		jobs.NewReinitHandler(manager, locker), worker.Options{})
	webhookPool := worker.NewPool(q, queue.TypeWebhookEvent,
		jobs.NewWebhookHandler(store, retriever, engine, socialClient), worker.Options{
			Concurrency: cfg.Queue.WebhookConcurrency,
			RateLimit:   cfg.Queue.WebhookRateLimit,
			RateWindow:  cfg.Queue.WebhookRateWindow,
		})

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return initPool.Run(gctx) })
	g.Go(func() error { return reinitPool.Run(gctx) })
	g.Go(func() error { return webhookPool.Run(gctx) })

	// HTTP surface.
	handler := api.NewHandler(api.Deps{
		Store:     store,
		Jobs:      q,
		Retriever: retriever,
		Engine:    engine,
		Verifier:  webhook.NewVerifier(cfg.Auth.WebhookSecret),
		Secret:    cfg.Auth.APISecret,
	})
	addr := fmt.Sprintf(":%d", cfg.Server.Port)
	srv := &http.Server{
		Addr:    addr,
		Handler: handler,
	}

	// MCP server over stdio.
	mcpSrv := api.NewMCPServer(api.MCPDeps{
		Store:     store,
		Jobs:      q,
		Retriever: retriever,
		Engine:    engine,
	})
	stdioSrv := server.NewStdioServer(mcpSrv)
	go func() {
		if err := stdioSrv.Listen(ctx, os.Stdin, os.Stdout); err != nil && !errors.Is(err, context.Canceled) {
			slog.Error("MCP stdio server error", "error", err)
		}
	}()
	slog.Info("MCP server started (stdio transport)")

	errCh := make(chan error, 1)
	go func() {
		fmt.Fprintf(os.Stderr, "twincast listening on %s\n", addr)
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

	// Stop accepting requests, then wait for the worker pools to drain.
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return err
	}
	stop()
	return g.Wait()
}
