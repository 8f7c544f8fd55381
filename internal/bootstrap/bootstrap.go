package bootstrap

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"

	"github.com/kirillkom/study-assistant/internal/config"
	"github.com/kirillkom/study-assistant/internal/core/domain"
	"github.com/kirillkom/study-assistant/internal/core/ports"
	"github.com/kirillkom/study-assistant/internal/core/usecase"
	"github.com/kirillkom/study-assistant/internal/infrastructure/cache"
	"github.com/kirillkom/study-assistant/internal/infrastructure/citation"
	"github.com/kirillkom/study-assistant/internal/infrastructure/llm/ollama"
	redismemory "github.com/kirillkom/study-assistant/internal/infrastructure/memory/redis"
	"github.com/kirillkom/study-assistant/internal/infrastructure/queue/nats"
	"github.com/kirillkom/study-assistant/internal/infrastructure/repository/postgres"
	"github.com/kirillkom/study-assistant/internal/infrastructure/rerank/httpreranker"
	"github.com/kirillkom/study-assistant/internal/infrastructure/resilience"
	"github.com/kirillkom/study-assistant/internal/infrastructure/vector/memory"
	"github.com/kirillkom/study-assistant/internal/infrastructure/vector/qdrant"
	"github.com/kirillkom/study-assistant/internal/infrastructure/websearch/duckduckgo"
)

type App struct {
	Config config.Config

	Chat       *usecase.ChatUseCase
	Retrieval  *usecase.RetrieveUseCase
	Summarizer *usecase.SummarizeUseCase
	Events     ports.TurnEventSubscriber

	closeFns []func()
}

// Options carries process-specific hooks. GatewayObserver receives provider
// budget metrics.
type Options struct {
	GatewayObserver resilience.GatewayObserver
}

func New(ctx context.Context, cfg config.Config, opts Options) (*App, error) {
	app := &App{Config: cfg}
	if err := app.build(ctx, cfg, opts); err != nil {
		app.Close()
		return nil, err
	}
	return app, nil
}

func (a *App) build(ctx context.Context, cfg config.Config, opts Options) error {
	providerExec := resilience.NewExecutor(resilienceConfig(cfg))
	infraExec := resilience.NewExecutor(resilienceConfig(cfg))
	gateway := resilience.NewGateway(resilience.GatewayConfig{
		RequestsPerMinute: cfg.ProviderRequestsPerMinute,
		Burst:             cfg.ProviderBurst,
		MaxInFlight:       int64(cfg.ProviderMaxInFlight),
		MaxWait:           cfg.ProviderMaxWait,
	}, providerExec, opts.GatewayObserver)

	ollamaClient := ollama.New(cfg.OllamaURL, cfg.OllamaGenModel, cfg.OllamaEmbedModel, gateway)
	generator := ollama.NewGenerator(ollamaClient)
	var embedder ports.Embedder = ollama.NewEmbedder(ollamaClient)
	if cfg.EmbeddingCacheTTL > 0 {
		embedder = cache.NewEmbedder(embedder, cfg.EmbeddingCacheTTL)
	}

	var db *sql.DB
	openDB := func() (*sql.DB, error) {
		if db != nil {
			return db, nil
		}
		opened, err := postgres.OpenDB(cfg.PostgresDSN)
		if err != nil {
			return nil, fmt.Errorf("open postgres: %w", err)
		}
		dim := 0
		if cfg.IndexBackend == "postgres" {
			dim = cfg.EmbeddingDim
		}
		if err := postgres.EnsureSchema(ctx, opened, dim); err != nil {
			_ = opened.Close()
			return nil, fmt.Errorf("ensure schema: %w", err)
		}
		db = opened
		a.closeFns = append(a.closeFns, func() { _ = opened.Close() })
		return db, nil
	}

	dense, sparse, err := a.buildIndex(ctx, cfg, infraExec, openDB)
	if err != nil {
		return err
	}

	var conversation ports.ConversationMemory
	var summaries ports.SessionSummaryStore
	switch cfg.MemoryBackend {
	case "postgres":
		conn, err := openDB()
		if err != nil {
			return err
		}
		repo := postgres.NewConversationRepository(conn)
		conversation, summaries = repo, repo
	case "redis":
		client, err := redismemory.Connect(ctx, cfg.RedisAddr, cfg.RedisPassword, cfg.RedisDB)
		if err != nil {
			return fmt.Errorf("connect redis: %w", err)
		}
		a.closeFns = append(a.closeFns, func() { _ = client.Close() })
		store := redismemory.NewStore(client, "", cfg.RedisSessionTTL)
		conversation, summaries = store, store
	default:
		slog.Warn("conversation_memory_disabled", "backend", cfg.MemoryBackend)
	}

	var reranker ports.RelevanceScorer = usecase.NewLexicalRelevanceScorer()
	if cfg.Reranker == "http" {
		reranker = httpreranker.New(cfg.RerankerURL, cfg.RerankerModel, cfg.RerankerAPIKey, gateway)
	}

	limits := domain.RetrievalLimits{
		TopKRetrieval:  cfg.TopKRetrieval,
		TopKRerank:     cfg.TopKRerank,
		RRFK:           cfg.RRFK,
		RerankHeadroom: cfg.RerankHeadroom,
		RerankTimeout:  cfg.RerankTimeout,
	}
	hybrid := usecase.NewHybridRetriever(embedder, dense, sparse, reranker, limits)
	corpus := usecase.NewCorpusEvidence(usecase.NewMultiHopRetriever(hybrid), limits)

	var decomposer ports.Decomposer = usecase.NewLLMDecomposer(generator, cfg.MaxSubQueries)
	if cfg.Decomposer == "rules" {
		decomposer = usecase.NewRuleDecomposer(cfg.MaxSubQueries)
	}

	var scorer ports.Scorer
	switch cfg.Scorer {
	case "groundedness":
		scorer = usecase.NewGroundednessScorer()
	case "blend":
		scorer = usecase.NewBlendScorer(usecase.NewLLMScorer(generator), usecase.NewGroundednessScorer(), cfg.ScorerBlendWeight)
	default:
		scorer = usecase.NewLLMScorer(generator)
	}

	loop := usecase.NewReflectionLoop(decomposer, generator, scorer, domain.ReflectionLimits{
		MaxIterations:       cfg.MaxReflectionIterations,
		ConfidenceThreshold: cfg.ConfidenceThreshold,
		MaxSubQueries:       cfg.MaxSubQueries,
		StepTimeout:         cfg.StepTimeout,
	})

	deps := usecase.ChatDeps{
		Router:    usecase.NewQueryRouter(usecase.NewLLMClassifier(generator)),
		Loop:      loop,
		Corpus:    corpus,
		Generator: generator,
		Memory:    conversation,
		Citations: citation.NewFormatter(),
	}
	if cfg.WebSearchEnabled {
		deps.Web = usecase.NewWebEvidence(duckduckgo.New(cfg.WebSearchURL, infraExec), cfg.WebSearchMaxResults)
	}
	if summaries != nil {
		deps.History = summaries
		a.Summarizer = usecase.NewSummarizeUseCase(summaries, conversation, generator, cfg.SummaryInterval)
	}

	if cfg.EventsEnabled {
		queue, err := nats.NewWithOptions(cfg.NATSURL, nats.Options{
			TurnSubject:        cfg.NATSTurnSubject,
			QuizSubject:        cfg.NATSQuizSubject,
			ResilienceExecutor: infraExec,
		})
		if err != nil {
			return fmt.Errorf("init message queue: %w", err)
		}
		a.closeFns = append(a.closeFns, queue.Close)
		deps.Events = queue
		deps.Quiz = queue
		a.Events = queue
	} else if a.Summarizer != nil {
		deps.Summarizer = a.Summarizer
	}

	a.Chat = usecase.NewChatUseCase(deps, cfg.MemoryWindow)
	a.Retrieval = usecase.NewRetrieveUseCase(hybrid)

	slog.Info("bootstrap_completed",
		"index_backend", cfg.IndexBackend,
		"memory_backend", cfg.MemoryBackend,
		"reranker", cfg.Reranker,
		"scorer", cfg.Scorer,
		"decomposer", cfg.Decomposer,
		"web_search", cfg.WebSearchEnabled,
		"events", cfg.EventsEnabled,
	)
	return nil
}

func (a *App) buildIndex(
	ctx context.Context,
	cfg config.Config,
	exec *resilience.Executor,
	openDB func() (*sql.DB, error),
) (ports.DenseIndex, ports.SparseIndex, error) {
	switch cfg.IndexBackend {
	case "postgres":
		conn, err := openDB()
		if err != nil {
			return nil, nil, err
		}
		index := postgres.NewChunkIndex(conn)
		return index.Dense(), index.Sparse(), nil
	case "memory":
		index := memory.NewIndex()
		if cfg.MemoryIndexFile != "" {
			n, err := index.LoadFile(cfg.MemoryIndexFile)
			if err != nil {
				return nil, nil, fmt.Errorf("load memory index: %w", err)
			}
			slog.Info("memory_index_loaded", "path", cfg.MemoryIndexFile, "chunks", n)
		}
		return index.Dense(), index.Sparse(), nil
	default:
		client := qdrant.New(cfg.QdrantURL, cfg.QdrantCollection, exec)
		if cfg.EmbeddingDim > 0 {
			if err := client.EnsureCollection(ctx, cfg.EmbeddingDim); err != nil {
				return nil, nil, fmt.Errorf("ensure qdrant collection: %w", err)
			}
		}
		return qdrant.NewDenseIndex(client), qdrant.NewSparseIndex(client), nil
	}
}

func resilienceConfig(cfg config.Config) resilience.Config {
	return resilience.Config{
		RetryMaxAttempts:        cfg.RetryMaxAttempts,
		RetryInitialBackoff:     cfg.RetryInitialBackoff,
		RetryMaxBackoff:         cfg.RetryMaxBackoff,
		RetryMultiplier:         cfg.RetryMultiplier,
		AttemptTimeout:          cfg.ProviderAttemptTimeout,
		BreakerEnabled:          cfg.BreakerEnabled,
		BreakerMinRequests:      uint32(max(cfg.BreakerMinRequests, 0)),
		BreakerFailureRatio:     cfg.BreakerFailureRatio,
		BreakerOpenTimeout:      cfg.BreakerOpenTimeout,
		BreakerHalfOpenMaxCalls: uint32(max(cfg.BreakerHalfOpenMaxCalls, 0)),
	}
}

// Close releases resources in reverse order of acquisition.
func (a *App) Close() {
	for i := len(a.closeFns) - 1; i >= 0; i-- {
		a.closeFns[i]()
	}
	a.closeFns = nil
}
