package cli

import (
	"context"
	"fmt"

	"github.com/amitspk/blogwidget/artifacts"
	"github.com/amitspk/blogwidget/common"
	"github.com/amitspk/blogwidget/config"
	"github.com/amitspk/blogwidget/llm"
	"github.com/amitspk/blogwidget/publisher"
	"github.com/amitspk/blogwidget/queuestore"
	"github.com/amitspk/blogwidget/search"
	"github.com/amitspk/blogwidget/threshold"
)

// deps holds the shared store and service handles for one process.
type deps struct {
	cfg        *config.Config
	ledger     *publisher.Store
	queue      *queuestore.Store
	store      *artifacts.Store
	thresholds *threshold.Counter
	llm        *llm.Service
	search     *search.Service
}

// buildDeps connects to every backing store. The CouchDB constructors
// create databases and indexes on first contact, so a fresh environment
// comes up without a separate provisioning step.
func buildDeps(ctx context.Context, cfg *config.Config, withRedis bool) (*deps, error) {
	ledger, err := publisher.NewStore(cfg.Postgres.DSN, cfg.Postgres.MaxIdleConns,
		cfg.Postgres.MaxOpenConns, cfg.Postgres.ConnMaxLifetime)
	if err != nil {
		return nil, fmt.Errorf("connect postgres: %w", err)
	}

	couchURL := cfg.CouchDB.BuildURL()
	queue, err := queuestore.New(ctx, couchURL, cfg.CouchDB.QueueDB)
	if err != nil {
		return nil, fmt.Errorf("connect queue store: %w", err)
	}
	store, err := artifacts.New(ctx, couchURL, artifacts.Databases{
		Content:   cfg.CouchDB.ContentDB,
		Summaries: cfg.CouchDB.SummariesDB,
		Questions: cfg.CouchDB.QuestionsDB,
	})
	if err != nil {
		return nil, fmt.Errorf("connect artifact store: %w", err)
	}

	var thresholds *threshold.Counter
	if withRedis {
		thresholds, err = threshold.NewCounter(cfg.Redis.URL)
		if err != nil {
			return nil, fmt.Errorf("connect redis: %w", err)
		}
	}

	provider := llm.NewGeminiProvider(cfg.LLM.APIKey, cfg.LLM.BaseURL, cfg.LLM.RequestTimeout)
	llmService := llm.NewService(provider, cfg.LLM.EmbeddingModel, cfg.LLM.MaxParallelCalls)

	var vectors search.Vectors
	if cfg.Vector.Enabled {
		vs, err := search.NewVectorStore(cfg.Vector.Addr, cfg.Vector.Collection)
		if err != nil {
			return nil, fmt.Errorf("connect vector store: %w", err)
		}
		if err := vs.EnsureCollection(ctx, cfg.LLM.EmbeddingDims); err != nil {
			return nil, fmt.Errorf("ensure vector collection: %w", err)
		}
		vectors = vs
	} else {
		common.Logger.Info("vector search disabled, similarity uses cosine fallback")
	}
	searchService := search.NewService(vectors, store, llmService)

	return &deps{
		cfg:        cfg,
		ledger:     ledger,
		queue:      queue,
		store:      store,
		thresholds: thresholds,
		llm:        llmService,
		search:     searchService,
	}, nil
}

func (d *deps) close() {
	if d.queue != nil {
		if err := d.queue.Close(); err != nil {
			common.Logger.WithError(err).Warn("queue store close failed")
		}
	}
	if d.store != nil {
		if err := d.store.Close(); err != nil {
			common.Logger.WithError(err).Warn("artifact store close failed")
		}
	}
	if d.thresholds != nil {
		if err := d.thresholds.Close(); err != nil {
			common.Logger.WithError(err).Warn("redis close failed")
		}
	}
}
