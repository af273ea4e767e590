package main

import (
	"context"
	"log/slog"
	"net/http"
	"os"

	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	awsdynamodb "github.com/aws/aws-sdk-go-v2/service/dynamodb"
	awsssm "github.com/aws/aws-sdk-go-v2/service/ssm"
	"github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"

	"welfare-agent/internal/cache/redis"
	"welfare-agent/internal/config"
	"welfare-agent/internal/domain"
	"welfare-agent/internal/httpapi"
	"welfare-agent/internal/index"
	"welfare-agent/internal/integrations/gemini"
	"welfare-agent/internal/integrations/govbackend"
	"welfare-agent/internal/integrations/ollama"
	"welfare-agent/internal/integrations/openai"
	"welfare-agent/internal/integrations/paramstore"
	"welfare-agent/internal/intent"
	"welfare-agent/internal/locks"
	"welfare-agent/internal/metrics"
	"welfare-agent/internal/ratelimit"
	"welfare-agent/internal/repository"
	"welfare-agent/internal/usecase"
	"welfare-agent/internal/usercontext"
)

type model interface {
	usecase.Generator
	usecase.Embedder
	Ping(ctx context.Context) error
}

type searchIndex interface {
	usecase.Index
	Ping(ctx context.Context) error
}

// app holds everything a subcommand needs, built once from config.
type app struct {
	cfg      config.Config
	log      *slog.Logger
	registry *prometheus.Registry
	recorder *metrics.Recorder
	store    repository.Store
	chat     *usecase.ChatService
	api      *httpapi.Server

	closers []func() error
}

func wireApp(ctx context.Context, cfg config.Config, log *slog.Logger) (_ *app, err error) {
	a := &app{cfg: cfg, log: log, registry: prometheus.NewRegistry()}
	defer func() {
		if err != nil {
			a.close()
		}
	}()
	a.registry.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	a.recorder = metrics.NewRecorder(a.registry)

	aws := &awsLoader{}

	a.store, err = openStore(ctx, cfg, aws)
	if err != nil {
		return nil, errors.WithMessage(err, "could not open store")
	}
	a.closers = append(a.closers, a.store.Close)

	var (
		contexts usercontext.Store = a.store
		cache    *redis.ContextStore
	)
	if cfg.Cache.RedisURL != "" {
		cache, err = redis.NewContextStore(cfg.Cache.RedisURL,
			redis.WithTTL(cfg.Cache.TTL),
			redis.WithFallback(a.store),
			redis.WithLogger(log),
		)
		if err != nil {
			return nil, errors.WithMessage(err, "could not connect to redis")
		}
		a.closers = append(a.closers, cache.Close)
		contexts = cache
	}

	llm, err := openModel(ctx, cfg, aws)
	if err != nil {
		return nil, errors.WithMessage(err, "could not create model client")
	}

	idx, err := openIndex(cfg)
	if err != nil {
		return nil, errors.WithMessage(err, "could not open scheme index")
	}
	if c, ok := idx.(interface{ Close() error }); ok {
		a.closers = append(a.closers, c.Close)
	}

	backend, err := openBackend(cfg)
	if err != nil {
		return nil, errors.WithMessage(err, "could not create backend client")
	}
	users, err := usercontext.NewService(contexts, backend,
		usercontext.WithLookupTimeout(cfg.Timeouts.Backend),
		usercontext.WithLogger(log),
		usercontext.WithRecorder(a.recorder),
	)
	if err != nil {
		return nil, errors.WithMessage(err, "could not create user context service")
	}

	keywords, err := intent.LoadKeywords(cfg.IntentKeywordsFile)
	if err != nil {
		return nil, errors.WithMessage(err, "could not load intent keywords")
	}
	classifier, err := intent.NewClassifier(keywords, llm,
		intent.WithTimeout(cfg.Timeouts.Classify),
		intent.WithLogger(log),
		intent.WithRecorder(a.recorder),
	)
	if err != nil {
		return nil, errors.WithMessage(err, "could not create intent classifier")
	}

	orchCfg := usecase.OrchestratorConfig{
		TopK:                 cfg.TopK,
		MinScore:             cfg.MinScore,
		AnonymousHistory:     cfg.AnonymousHistory,
		AuthenticatedHistory: cfg.AuthHistory,
		Sampling: domain.Sampling{
			Temperature:   cfg.Sampling.Temperature,
			TopP:          cfg.Sampling.TopP,
			TopK:          cfg.Sampling.TopK,
			RepeatPenalty: cfg.Sampling.RepeatPenalty,
			MaxTokens:     cfg.Sampling.MaxTokens,
		},
		GenerateTimeout: cfg.Timeouts.Generate,
		StreamTimeout:   cfg.Timeouts.Stream,
		MaxAnswerChars:  cfg.MaxAnswerChars,
	}
	orch, err := usecase.NewOrchestrator(classifier, llm, llm, idx, users, orchCfg, usecase.WithAnswerRecorder(a.recorder))
	if err != nil {
		return nil, errors.WithMessage(err, "could not create orchestrator")
	}

	lockMgr, err := locks.NewManager(cfg.LockMaxKeys)
	if err != nil {
		return nil, errors.WithMessage(err, "could not create lock manager")
	}
	a.chat, err = usecase.NewChatService(a.store, lockMgr, orch,
		usecase.WithLockRecorder(a.recorder),
		usecase.WithHistoryLimit(orchCfg.HistoryLimit()),
	)
	if err != nil {
		return nil, errors.WithMessage(err, "could not create chat service")
	}

	writeLimiter, err := ratelimit.New(ratelimit.Config{Window: cfg.RateLimit.Window, MaxRequests: cfg.RateLimit.WriteMax, MaxKeys: cfg.RateLimit.MaxKeys})
	if err != nil {
		return nil, errors.WithMessage(err, "could not create write limiter")
	}
	readLimiter, err := ratelimit.New(ratelimit.Config{Window: cfg.RateLimit.Window, MaxRequests: cfg.RateLimit.ReadMax, MaxKeys: cfg.RateLimit.MaxKeys})
	if err != nil {
		return nil, errors.WithMessage(err, "could not create read limiter")
	}

	opts := []httpapi.Option{
		httpapi.WithLimiters(writeLimiter, readLimiter),
		httpapi.WithRateRecorder(a.recorder),
		httpapi.WithMetrics(a.registry),
		httpapi.WithReadinessCheck("store", a.store),
		httpapi.WithReadinessCheck("index", idx),
		httpapi.WithReadinessCheck("model", llm),
	}
	if cache != nil {
		opts = append(opts, httpapi.WithReadinessCheck("cache", cache))
	}
	a.api, err = httpapi.NewServer(a.chat, httpapi.Config{
		PathPrefix: cfg.Server.PathPrefix,
		TrustProxy: cfg.RateLimit.TrustProxy,
		RetryAfter: cfg.RateLimit.Window,
	}, opts...)
	if err != nil {
		return nil, errors.WithMessage(err, "could not create http api")
	}
	return a, nil
}

func (a *app) close() {
	for i := len(a.closers) - 1; i >= 0; i-- {
		if err := a.closers[i](); err != nil {
			a.log.Warn("close failed", "err", err)
		}
	}
	a.closers = nil
}

// awsLoader loads the shared AWS config at most once, and only for the
// components that need it.
type awsLoader struct {
	clients *awsClients
	params  *paramstore.Client
}

type awsClients struct {
	dynamo *awsdynamodb.Client
	ssm    *awsssm.Client
}

func (l *awsLoader) load(ctx context.Context) (*awsClients, error) {
	if l.clients != nil {
		return l.clients, nil
	}
	cfg, err := awsconfig.LoadDefaultConfig(ctx)
	if err != nil {
		return nil, errors.WithMessage(err, "failed to load AWS config")
	}
	l.clients = &awsClients{
		dynamo: awsdynamodb.NewFromConfig(cfg),
		ssm:    awsssm.NewFromConfig(cfg),
	}
	return l.clients, nil
}

func (l *awsLoader) paramStore(ctx context.Context) (*paramstore.Client, error) {
	if l.params != nil {
		return l.params, nil
	}
	clients, err := l.load(ctx)
	if err != nil {
		return nil, err
	}
	l.params, err = paramstore.New(clients.ssm)
	if err != nil {
		return nil, errors.WithMessage(err, "failed to create SSM client")
	}
	return l.params, nil
}

func openStore(ctx context.Context, cfg config.Config, aws *awsLoader) (repository.Store, error) {
	switch cfg.Storage.Backend {
	case "dynamodb":
		clients, err := aws.load(ctx)
		if err != nil {
			return nil, err
		}
		ttl := cfg.Retention
		return repository.NewDynamoStore(clients.dynamo, cfg.Storage.DynamoTable,
			repository.WithTTL(days(ttl.MessageDays), days(ttl.CacheDays)))
	case "postgres":
		return repository.NewPostgresStore(cfg.Storage.PostgresDSN, cfg.Storage.PostgresDebug)
	case "badger":
		return repository.NewBadgerStore(cfg.Storage.BadgerPath)
	case "memory", "":
		return repository.NewMemoryStore(), nil
	default:
		return nil, errors.Errorf("unknown storage backend %q", cfg.Storage.Backend)
	}
}

func openModel(ctx context.Context, cfg config.Config, aws *awsLoader) (model, error) {
	httpClient := &http.Client{}
	switch cfg.LLM.Provider {
	case "openai":
		opts := []openai.Option{
			openai.WithBaseURL(cfg.LLM.BaseURL),
			openai.WithEmbedModel(cfg.LLM.EmbedModel),
			openai.WithHTTPClient(httpClient),
		}
		if cfg.LLM.APIKeyParam != "" {
			ps, err := aws.paramStore(ctx)
			if err != nil {
				return nil, err
			}
			opts = append(opts, openai.WithParamStore(ps, cfg.LLM.APIKeyParam))
		}
		return openai.NewClient(cfg.LLM.Model, opts...)
	case "gemini":
		key := os.Getenv("GEMINI_API_KEY")
		if cfg.LLM.APIKeyParam != "" {
			ps, err := aws.paramStore(ctx)
			if err != nil {
				return nil, err
			}
			key, err = paramstore.Token(ctx, ps, cfg.LLM.APIKeyParam)
			if err != nil {
				return nil, errors.WithMessage(err, "could not read gemini key")
			}
		}
		opts := []gemini.Option{gemini.WithEmbedModel(cfg.LLM.EmbedModel), gemini.WithHTTPClient(httpClient)}
		if cfg.LLM.BaseURL != "" {
			opts = append(opts, gemini.WithBaseURL(cfg.LLM.BaseURL))
		}
		return gemini.NewClient(ctx, key, cfg.LLM.Model, opts...)
	case "ollama", "":
		return ollama.NewClient(cfg.LLM.BaseURL, cfg.LLM.Model,
			ollama.WithHTTPClient(httpClient),
			ollama.WithEmbedModel(cfg.LLM.EmbedModel),
			ollama.WithMaxResponseBytes(cfg.MaxResponseBytes),
		)
	default:
		return nil, errors.Errorf("unknown llm provider %q", cfg.LLM.Provider)
	}
}

func openIndex(cfg config.Config) (searchIndex, error) {
	switch cfg.Index.Backend {
	case "qdrant":
		q := cfg.Index.Qdrant
		collection := q.Collection
		if collection == "" {
			collection = cfg.Index.Collection
		}
		return index.NewQdrantIndex(index.QdrantConfig{
			Host:       q.Host,
			Port:       q.Port,
			APIKey:     q.APIKey,
			UseTLS:     q.UseTLS,
			Collection: collection,
		})
	case "local", "":
		return index.NewLocalIndex(cfg.Index.LocalPath, cfg.Index.Collection)
	default:
		return nil, errors.Errorf("unknown index backend %q", cfg.Index.Backend)
	}
}

func openBackend(cfg config.Config) (usercontext.Backend, error) {
	if cfg.Backend.BaseURL == "" {
		return unconfiguredBackend{}, nil
	}
	return govbackend.NewClient(cfg.Backend.BaseURL,
		govbackend.WithHTTPClient(&http.Client{Timeout: cfg.Timeouts.Backend}),
		govbackend.WithBoardID(cfg.Backend.BoardID),
		govbackend.WithMaxResponseBytes(cfg.MaxResponseBytes),
	)
}

var errBackendNotConfigured = errors.New("welfare backend base url is not configured")

// unconfiguredBackend fails every lookup, so authenticated users still get
// answers, just without personal data.
type unconfiguredBackend struct{}

func (unconfiguredBackend) FetchSchemes(context.Context, string, string) ([]domain.SchemeApplication, error) {
	return nil, errBackendNotConfigured
}

func (unconfiguredBackend) FetchSchemeDetail(context.Context, string, domain.SchemeApplication) (domain.SchemeDetail, error) {
	return domain.SchemeDetail{}, errBackendNotConfigured
}

func (unconfiguredBackend) FetchRegistration(context.Context, string, string) (*domain.Registration, error) {
	return nil, errBackendNotConfigured
}

func (unconfiguredBackend) FetchRenewalDate(context.Context, string, string) (string, error) {
	return "", errBackendNotConfigured
}
