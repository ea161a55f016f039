// Package app assembles the engine for the binaries from environment
// configuration.
package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"strings"

	"github.com/WessleyAI/shopsearch/engine/advisor"
	"github.com/WessleyAI/shopsearch/engine/approval"
	"github.com/WessleyAI/shopsearch/engine/article"
	"github.com/WessleyAI/shopsearch/engine/backend"
	"github.com/WessleyAI/shopsearch/engine/catalog"
	"github.com/WessleyAI/shopsearch/engine/keywords"
	"github.com/WessleyAI/shopsearch/engine/orchestrator"
	"github.com/WessleyAI/shopsearch/engine/quality"
	"github.com/WessleyAI/shopsearch/engine/store"
	"github.com/WessleyAI/shopsearch/pkg/credentials"
	"github.com/WessleyAI/shopsearch/pkg/metrics"
	"github.com/WessleyAI/shopsearch/pkg/ollama"
	"github.com/joho/godotenv"
	"github.com/neo4j/neo4j-go-driver/v5/neo4j"
)

// Config holds all environment-based configuration.
type Config struct {
	Store      string
	SQLitePath string
	Neo4jURL   string
	Neo4jUser  string
	Neo4jPass  string

	NATSURL string

	OllamaURL  string
	ChatModel  string
	EmbedModel string

	// QdrantURL enables the product catalog when set.
	QdrantURL  string
	Collection string

	CredentialsFile string
	HostsFile       string
	CredentialID    string
	Describe        bool

	Workers     int
	MetricsAddr string
	Port        string
	CORSOrigin  string
}

// LoadConfig reads .env (when present) and the environment.
func LoadConfig() Config {
	_ = godotenv.Load()
	return Config{
		Store:           envOr("STORE", "sqlite"),
		SQLitePath:      envOr("SQLITE_PATH", "shopsearch.db"),
		Neo4jURL:        envOr("NEO4J_URL", "neo4j://localhost:7687"),
		Neo4jUser:       envOr("NEO4J_USER", "neo4j"),
		Neo4jPass:       envOr("NEO4J_PASS", "password"),
		NATSURL:         envOr("NATS_URL", "nats://localhost:4222"),
		OllamaURL:       envOr("OLLAMA_URL", "http://localhost:11434"),
		ChatModel:       envOr("OLLAMA_CHAT_MODEL", "llama3.1:8b"),
		EmbedModel:      envOr("OLLAMA_EMBED_MODEL", "nomic-embed-text"),
		QdrantURL:       os.Getenv("QDRANT_URL"),
		Collection:      envOr("QDRANT_COLLECTION", "products"),
		CredentialsFile: os.Getenv("CREDENTIALS_FILE"),
		HostsFile:       os.Getenv("HOSTS_FILE"),
		CredentialID:    envOr("CREDENTIAL_ID", "default"),
		Describe:        envBool("DESCRIBE_PRODUCTS", false),
		Workers:         envInt("WORKERS", 4),
		MetricsAddr:     envOr("METRICS_ADDR", ":9100"),
		Port:            envOr("PORT", "8080"),
		CORSOrigin:      envOr("CORS_ORIGIN", "*"),
	}
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func envInt(key string, fallback int) int {
	n, err := strconv.Atoi(os.Getenv(key))
	if err != nil || n <= 0 {
		return fallback
	}
	return n
}

func envBool(key string, fallback bool) bool {
	b, err := strconv.ParseBool(strings.TrimSpace(os.Getenv(key)))
	if err != nil {
		return fallback
	}
	return b
}

// OpenStore opens the store named by cfg.Store: sqlite, neo4j or memory.
func OpenStore(ctx context.Context, cfg Config, logger *slog.Logger) (store.Store, error) {
	switch cfg.Store {
	case "memory":
		return store.NewMemory(), nil
	case "sqlite":
		s, err := store.OpenSQLite(ctx, cfg.SQLitePath)
		if err != nil {
			return nil, fmt.Errorf("app: open sqlite: %w", err)
		}
		logger.Info("app: sqlite store open", "path", cfg.SQLitePath)
		return s, nil
	case "neo4j":
		driver, err := neo4j.NewDriverWithContext(cfg.Neo4jURL, neo4j.BasicAuth(cfg.Neo4jUser, cfg.Neo4jPass, ""))
		if err != nil {
			return nil, fmt.Errorf("app: neo4j driver: %w", err)
		}
		if err := driver.VerifyConnectivity(ctx); err != nil {
			driver.Close(ctx)
			return nil, fmt.Errorf("app: neo4j connect: %w", err)
		}
		s := store.NewNeo4j(driver)
		if err := s.EnsureSchema(ctx); err != nil {
			s.Close()
			return nil, fmt.Errorf("app: neo4j schema: %w", err)
		}
		logger.Info("app: neo4j store open", "url", cfg.Neo4jURL)
		return s, nil
	default:
		return nil, fmt.Errorf("app: unknown store %q", cfg.Store)
	}
}

// Engine is an assembled orchestrator with its collaborators.
type Engine struct {
	Store        store.Store
	Results      orchestrator.ResultStore
	Catalog      *catalog.Catalog
	Backends     *backend.Registry
	Model        *ollama.Client
	Orchestrator *orchestrator.Orchestrator
	Metrics      *metrics.Registry
}

// Build wires the engine around st. A nil channel logs proposals.
func Build(ctx context.Context, cfg Config, st store.Store, channel approval.Channel, logger *slog.Logger) (*Engine, error) {
	model := ollama.New(ollama.Options{
		BaseURL:    cfg.OllamaURL,
		ChatModel:  cfg.ChatModel,
		EmbedModel: cfg.EmbedModel,
		Logger:     logger,
	})

	creds := credentials.Default()
	if cfg.CredentialsFile != "" {
		if err := creds.LoadFile(cfg.CredentialsFile); err != nil {
			return nil, fmt.Errorf("app: credentials: %w", err)
		}
	}
	deps := backend.Deps{
		Model:       model,
		Quality:     quality.New(model, logger),
		Advisor:     advisor.New(model, logger),
		Credentials: creds,
		Logger:      logger,
	}
	registry := backend.NewRegistry(
		backend.NewMarketplace(deps, backend.MarketplaceOptions{}),
		backend.NewShopping(deps, backend.ShoppingOptions{}),
		backend.NewMerchandise(deps, backend.MerchandiseOptions{}),
	)
	if cfg.HostsFile != "" {
		if err := registry.LoadHostFile(cfg.HostsFile); err != nil {
			return nil, fmt.Errorf("app: hosts: %w", err)
		}
	}

	e := &Engine{Store: st, Results: st, Backends: registry, Model: model, Metrics: metrics.New()}
	if cfg.QdrantURL != "" {
		opts := catalog.DefaultOptions()
		opts.Collection = cfg.Collection
		opts.Logger = logger
		cat, err := catalog.New(cfg.QdrantURL, st, model, opts)
		if err != nil {
			return nil, fmt.Errorf("app: catalog: %w", err)
		}
		if err := cat.EnsureCollection(ctx); err != nil {
			cat.Close()
			return nil, fmt.Errorf("app: catalog: %w", err)
		}
		e.Catalog, e.Results = cat, cat
	}

	kopts := keywords.DefaultOptions()
	kopts.Logger = logger
	aopts := article.DefaultOptions()
	aopts.Logger = logger
	var describer orchestrator.Describer
	if cfg.Describe {
		describer = orchestrator.NewToneDescriber(model, logger)
	}
	e.Orchestrator = orchestrator.New(orchestrator.Deps{
		Store:     st,
		Results:   e.Results,
		Keywords:  keywords.New(model, kopts),
		Articles:  article.New(aopts),
		Backends:  registry,
		Approval:  channel,
		Describer: describer,
		Metrics:   e.Metrics,
		Logger:    logger,
	}, orchestrator.DefaultOptions())
	return e, nil
}

// Close releases the catalog and the store.
func (e *Engine) Close() error {
	var errs []error
	if e.Catalog != nil {
		errs = append(errs, e.Catalog.Close())
	}
	errs = append(errs, e.Store.Close())
	return errors.Join(errs...)
}
