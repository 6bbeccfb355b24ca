package cli

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/charmbracelet/log"
	"github.com/spf13/cobra"

	"github.com/lazypower/persona/internal/embed"
	"github.com/lazypower/persona/internal/engine"
	"github.com/lazypower/persona/internal/index"
	"github.com/lazypower/persona/internal/index/chromemidx"
	"github.com/lazypower/persona/internal/index/pgstore"
	"github.com/lazypower/persona/internal/llm"
	"github.com/lazypower/persona/internal/model"
	"github.com/lazypower/persona/internal/server"
	"github.com/lazypower/persona/internal/store"
	"github.com/lazypower/persona/internal/strategy"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the HTTP API server",
	RunE:  runServe,
}

func runServe(cmd *cobra.Command, args []string) error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	idx, where, err := openIndex(ctx)
	if err != nil {
		return err
	}
	defer idx.Close()

	emb, err := embed.New(ctx, cfg.Embedder, func() []string { return corpus(ctx, idx) })
	if err != nil {
		return fmt.Errorf("embedder: %w", err)
	}

	llmClient, err := llm.NewClient(cfg.LLM)
	if err != nil {
		log.Warn("LLM not configured, using rule-based strategies", "err", err)
		llmClient = nil
	}
	strategies := strategy.ForClient(llmClient)
	if llmClient != nil {
		log.Info("llm strategies enabled", "provider", cfg.LLM.Provider, "model", cfg.LLM.Model)
	}

	signals := engine.NewBroadcaster()
	eng, err := engine.New(engine.Options{
		Config:     cfg,
		Index:      idx,
		Embedder:   emb,
		Strategies: strategies,
		Signals:    engine.MultiSink{engine.LogSink{Logger: log.WithPrefix("signal")}, signals},
		Logger:     log.Default(),
	})
	if err != nil {
		return err
	}
	eng.StartDecayTimer()

	srv := server.New(eng, signals, VersionString(), log.WithPrefix("http"))
	addr := cfg.ListenAddr()
	httpServer := &http.Server{
		Addr:              addr,
		Handler:           srv,
		ReadHeaderTimeout: 10 * time.Second,
	}

	errc := make(chan error, 1)
	go func() {
		log.Info("persona serving", "addr", addr, "index", where)
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errc <- err
		}
		close(errc)
	}()

	select {
	case err := <-errc:
		if err != nil {
			return fmt.Errorf("server: %w", err)
		}
	case <-ctx.Done():
		log.Info("shutting down")
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		log.Warn("http shutdown", "err", err)
	}
	return eng.Stop(shutdownCtx)
}

// openIndex opens the configured backend and returns it with a description
// for the startup log.
func openIndex(ctx context.Context) (index.Index, string, error) {
	switch cfg.Index.Backend {
	case "sqlite", "":
		path := cfg.Database.Path
		if path == "" {
			var err error
			if path, err = store.DefaultDBPath(); err != nil {
				return nil, "", fmt.Errorf("resolve db path: %w", err)
			}
		}
		db, err := store.Open(path)
		if err != nil {
			return nil, "", fmt.Errorf("open database: %w", err)
		}
		return db, "sqlite:" + path, nil
	case "chromem":
		log.Warn("chromem index is in-memory; memories will not survive a restart")
		return chromemidx.New(), "chromem", nil
	case "pgvector":
		if cfg.Index.PostgresURL == "" {
			return nil, "", errors.New("index.postgres_url is required for the pgvector backend")
		}
		s, err := pgstore.Open(ctx, cfg.Index.PostgresURL, cfg.Index.Dimensions)
		if err != nil {
			return nil, "", err
		}
		return s, "pgvector", nil
	default:
		return nil, "", fmt.Errorf("unknown index backend %q", cfg.Index.Backend)
	}
}

// corpus collects live summaries to seed the TF-IDF vocabulary.
func corpus(ctx context.Context, idx index.Index) []string {
	var docs []string
	err := idx.Walk(ctx, func(r model.Record) error {
		if r.Live() {
			docs = append(docs, r.Summary)
		}
		return nil
	})
	if err != nil {
		log.Warn("load tf-idf corpus", "err", err)
	}
	return docs
}
