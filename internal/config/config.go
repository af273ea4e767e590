// Package config loads service settings from defaults, an optional config
// file, WELFARE_* environment variables and command-line flags, in that order
// of increasing precedence.
package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/pflag"
	"github.com/spf13/viper"
)

const EnvPrefix = "WELFARE"

type Server struct {
	Listen        string
	MetricsListen string
	PathPrefix    string
}

type RateLimit struct {
	Window     time.Duration
	WriteMax   int
	ReadMax    int
	MaxKeys    int
	TrustProxy bool
}

type Sampling struct {
	Temperature   float64
	TopP          float64
	TopK          int
	RepeatPenalty float64
	MaxTokens     int
}

type Timeouts struct {
	Generate time.Duration
	Stream   time.Duration
	Classify time.Duration
	Backend  time.Duration
}

type Storage struct {
	Backend       string
	DynamoTable   string
	PostgresDSN   string
	PostgresDebug bool
	BadgerPath    string
}

type Cache struct {
	RedisURL string
	TTL      time.Duration
}

type LLM struct {
	Provider    string
	BaseURL     string
	Model       string
	EmbedModel  string
	APIKeyParam string
}

type Qdrant struct {
	Host       string
	Port       int
	APIKey     string
	UseTLS     bool
	Collection string
}

type Index struct {
	Backend    string
	LocalPath  string
	Collection string
	Qdrant     Qdrant
}

type Backend struct {
	BaseURL string
	BoardID int
}

type Retention struct {
	MessageDays int
	CacheDays   int
	Interval    time.Duration
}

// Config is the resolved settings tree.
type Config struct {
	LogLevel           string
	Server             Server
	RateLimit          RateLimit
	LockMaxKeys        int
	TopK               int
	MinScore           float32
	AnonymousHistory   int
	AuthHistory        int
	Sampling           Sampling
	Timeouts           Timeouts
	MaxAnswerChars     int
	MaxResponseBytes   int64
	Storage            Storage
	Cache              Cache
	LLM                LLM
	Index              Index
	Backend            Backend
	Retention          Retention
	IntentKeywordsFile string
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("log.level", "info")

	v.SetDefault("server.listen", ":8080")
	v.SetDefault("server.metrics_listen", ":2112")
	v.SetDefault("server.path_prefix", "/api/chat")

	v.SetDefault("ratelimit.window", "60s")
	v.SetDefault("ratelimit.write_max", 30)
	v.SetDefault("ratelimit.read_max", 120)
	v.SetDefault("ratelimit.max_keys", 10000)
	v.SetDefault("ratelimit.trust_proxy", false)

	v.SetDefault("locks.max_keys", 10000)

	v.SetDefault("retrieval.top_k", 5)
	v.SetDefault("retrieval.min_score", 0.35)
	v.SetDefault("history.anonymous", 10)
	v.SetDefault("history.authenticated", 4)

	v.SetDefault("sampling.temperature", 0.3)
	v.SetDefault("sampling.top_p", 0.9)
	v.SetDefault("sampling.top_k", 40)
	v.SetDefault("sampling.repeat_penalty", 1.1)
	v.SetDefault("sampling.max_tokens", 1024)

	v.SetDefault("timeouts.generate", "120s")
	v.SetDefault("timeouts.stream", "300s")
	v.SetDefault("timeouts.classify", "15s")
	v.SetDefault("timeouts.backend", "10s")

	v.SetDefault("answer.max_chars", 4000)
	v.SetDefault("http.max_response_bytes", 1<<20)

	v.SetDefault("storage.backend", "memory")
	v.SetDefault("dynamodb.table", "")
	v.SetDefault("postgres.dsn", "")
	v.SetDefault("postgres.debug", false)
	v.SetDefault("badger.path", "data/badger")

	v.SetDefault("cache.redis_url", "")
	v.SetDefault("cache.ttl", "24h")

	v.SetDefault("llm.provider", "ollama")
	v.SetDefault("llm.base_url", "")
	v.SetDefault("llm.model", "llama3.1:8b")
	v.SetDefault("llm.embed_model", "")
	v.SetDefault("llm.api_key_param", "")

	v.SetDefault("index.backend", "local")
	v.SetDefault("index.local_path", "")
	v.SetDefault("index.collection", "welfare-schemes")
	v.SetDefault("qdrant.host", "localhost")
	v.SetDefault("qdrant.port", 6334)
	v.SetDefault("qdrant.api_key", "")
	v.SetDefault("qdrant.use_tls", false)

	v.SetDefault("backend.base_url", "")
	v.SetDefault("backend.board_id", 1)

	v.SetDefault("retention.message_days", 90)
	v.SetDefault("retention.cache_days", 7)
	v.SetDefault("retention.interval", "0s")

	v.SetDefault("intent.keywords_file", "")
}

// BindFlags registers the command-line overrides on fs.
func BindFlags(fs *pflag.FlagSet) {
	fs.String("config", "", "Path to a YAML or TOML config file")
	fs.String("listen", "", "HTTP listen address (server.listen)")
	fs.String("listen-metrics", "", "Metrics listen address (server.metrics_listen)")
	fs.String("log-level", "", "Log level: debug, info, warn, error (log.level)")
	fs.String("storage", "", "Storage backend: memory, dynamodb, postgres, badger (storage.backend)")
}

var flagKeys = map[string]string{
	"listen":         "server.listen",
	"listen-metrics": "server.metrics_listen",
	"log-level":      "log.level",
	"storage":        "storage.backend",
}

// Load resolves the configuration. fs may be nil.
func Load(v *viper.Viper, fs *pflag.FlagSet) (Config, error) {
	if v == nil {
		v = viper.New()
	}
	setDefaults(v)

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if fs != nil {
		for name, key := range flagKeys {
			if f := fs.Lookup(name); f != nil && f.Changed {
				if err := v.BindPFlag(key, f); err != nil {
					return Config{}, fmt.Errorf("config: bind flag %s: %w", name, err)
				}
			}
		}
		if f := fs.Lookup("config"); f != nil && f.Value.String() != "" {
			v.SetConfigFile(f.Value.String())
		}
	}
	if path := v.GetString("config_file"); path != "" && v.ConfigFileUsed() == "" {
		v.SetConfigFile(path)
	}

	if v.ConfigFileUsed() != "" {
		if err := v.ReadInConfig(); err != nil {
			return Config{}, fmt.Errorf("config: read %s: %w", v.ConfigFileUsed(), err)
		}
	}

	cfg := fromViper(v)
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func fromViper(v *viper.Viper) Config {
	return Config{
		LogLevel: v.GetString("log.level"),
		Server: Server{
			Listen:        v.GetString("server.listen"),
			MetricsListen: v.GetString("server.metrics_listen"),
			PathPrefix:    v.GetString("server.path_prefix"),
		},
		RateLimit: RateLimit{
			Window:     v.GetDuration("ratelimit.window"),
			WriteMax:   v.GetInt("ratelimit.write_max"),
			ReadMax:    v.GetInt("ratelimit.read_max"),
			MaxKeys:    v.GetInt("ratelimit.max_keys"),
			TrustProxy: v.GetBool("ratelimit.trust_proxy"),
		},
		LockMaxKeys:      v.GetInt("locks.max_keys"),
		TopK:             v.GetInt("retrieval.top_k"),
		MinScore:         float32(v.GetFloat64("retrieval.min_score")),
		AnonymousHistory: v.GetInt("history.anonymous"),
		AuthHistory:      v.GetInt("history.authenticated"),
		Sampling: Sampling{
			Temperature:   v.GetFloat64("sampling.temperature"),
			TopP:          v.GetFloat64("sampling.top_p"),
			TopK:          v.GetInt("sampling.top_k"),
			RepeatPenalty: v.GetFloat64("sampling.repeat_penalty"),
			MaxTokens:     v.GetInt("sampling.max_tokens"),
		},
		Timeouts: Timeouts{
			Generate: v.GetDuration("timeouts.generate"),
			Stream:   v.GetDuration("timeouts.stream"),
			Classify: v.GetDuration("timeouts.classify"),
			Backend:  v.GetDuration("timeouts.backend"),
		},
		MaxAnswerChars:   v.GetInt("answer.max_chars"),
		MaxResponseBytes: v.GetInt64("http.max_response_bytes"),
		Storage: Storage{
			Backend:       strings.ToLower(v.GetString("storage.backend")),
			DynamoTable:   v.GetString("dynamodb.table"),
			PostgresDSN:   v.GetString("postgres.dsn"),
			PostgresDebug: v.GetBool("postgres.debug"),
			BadgerPath:    v.GetString("badger.path"),
		},
		Cache: Cache{
			RedisURL: v.GetString("cache.redis_url"),
			TTL:      v.GetDuration("cache.ttl"),
		},
		LLM: LLM{
			Provider:    strings.ToLower(v.GetString("llm.provider")),
			BaseURL:     v.GetString("llm.base_url"),
			Model:       v.GetString("llm.model"),
			EmbedModel:  v.GetString("llm.embed_model"),
			APIKeyParam: v.GetString("llm.api_key_param"),
		},
		Index: Index{
			Backend:    strings.ToLower(v.GetString("index.backend")),
			LocalPath:  v.GetString("index.local_path"),
			Collection: v.GetString("index.collection"),
			Qdrant: Qdrant{
				Host:       v.GetString("qdrant.host"),
				Port:       v.GetInt("qdrant.port"),
				APIKey:     v.GetString("qdrant.api_key"),
				UseTLS:     v.GetBool("qdrant.use_tls"),
				Collection: v.GetString("index.collection"),
			},
		},
		Backend: Backend{
			BaseURL: v.GetString("backend.base_url"),
			BoardID: v.GetInt("backend.board_id"),
		},
		Retention: Retention{
			MessageDays: v.GetInt("retention.message_days"),
			CacheDays:   v.GetInt("retention.cache_days"),
			Interval:    v.GetDuration("retention.interval"),
		},
		IntentKeywordsFile: v.GetString("intent.keywords_file"),
	}
}

// Validate rejects settings the service cannot start with.
func (c Config) Validate() error {
	var errs []error
	switch c.Storage.Backend {
	case "memory", "badger":
	case "dynamodb":
		if c.Storage.DynamoTable == "" {
			errs = append(errs, errors.New("dynamodb.table is required for storage.backend=dynamodb"))
		}
	case "postgres":
		if c.Storage.PostgresDSN == "" {
			errs = append(errs, errors.New("postgres.dsn is required for storage.backend=postgres"))
		}
	default:
		errs = append(errs, fmt.Errorf("unknown storage.backend %q", c.Storage.Backend))
	}
	switch c.LLM.Provider {
	case "ollama", "openai", "gemini":
	default:
		errs = append(errs, fmt.Errorf("unknown llm.provider %q", c.LLM.Provider))
	}
	if strings.TrimSpace(c.LLM.Model) == "" {
		errs = append(errs, errors.New("llm.model must not be empty"))
	}
	switch c.Index.Backend {
	case "local", "qdrant":
	default:
		errs = append(errs, fmt.Errorf("unknown index.backend %q", c.Index.Backend))
	}
	if c.RateLimit.Window <= 0 || c.RateLimit.WriteMax <= 0 || c.RateLimit.ReadMax <= 0 || c.RateLimit.MaxKeys <= 0 {
		errs = append(errs, errors.New("ratelimit window, write_max, read_max and max_keys must be positive"))
	}
	if c.LockMaxKeys <= 0 {
		errs = append(errs, errors.New("locks.max_keys must be positive"))
	}
	if c.MinScore < 0 || c.MinScore > 1 {
		errs = append(errs, fmt.Errorf("retrieval.min_score %v out of range [0,1]", c.MinScore))
	}
	if c.Timeouts.Generate <= 0 || c.Timeouts.Stream <= 0 {
		errs = append(errs, errors.New("timeouts.generate and timeouts.stream must be positive"))
	}
	if c.Retention.MessageDays < 0 || c.Retention.CacheDays < 0 || c.Retention.Interval < 0 {
		errs = append(errs, errors.New("retention values must not be negative"))
	}
	if len(errs) > 0 {
		return fmt.Errorf("config: %w", errors.Join(errs...))
	}
	return nil
}

// RetentionCutoffs returns the sweep cutoffs relative to now. A zero day
// count yields a zero time, which disables that half of the sweep.
func (c Config) RetentionCutoffs(now time.Time) (turnsBefore, contextsBefore time.Time) {
	if c.Retention.MessageDays > 0 {
		turnsBefore = now.AddDate(0, 0, -c.Retention.MessageDays)
	}
	if c.Retention.CacheDays > 0 {
		contextsBefore = now.AddDate(0, 0, -c.Retention.CacheDays)
	}
	return turnsBefore, contextsBefore
}
