// Command patterngraph runs the ingestion and pattern-mining pipeline and
// its maintenance tasks.
package main

import (
	"context"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/vthunder/patterngraph/internal/config"
	"github.com/vthunder/patterngraph/internal/embedding"
	"github.com/vthunder/patterngraph/internal/graph"
	"github.com/vthunder/patterngraph/internal/logging"
	"github.com/vthunder/patterngraph/internal/messagebus"
	"github.com/vthunder/patterngraph/internal/patterns"
	"github.com/vthunder/patterngraph/internal/pipeline"
	"github.com/vthunder/patterngraph/internal/queue"
)

var configPath string

func main() {
	rootCmd := &cobra.Command{
		Use:          "patterngraph",
		Short:        "Graph ingestion and pattern mining pipeline",
		SilenceUsage: true,
	}
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", os.Getenv("PATTERNGRAPH_CONFIG"), "YAML config file")

	rootCmd.AddCommand(newServeCommand())
	rootCmd.AddCommand(newConsumeCommand())
	rootCmd.AddCommand(newEnqueueCommand())
	rootCmd.AddCommand(newDetectCommand())
	rootCmd.AddCommand(newSweepCommand())
	rootCmd.AddCommand(newRequeueCommand())
	rootCmd.AddCommand(newCleanupCommand())
	rootCmd.AddCommand(newCancelCommand())
	rootCmd.AddCommand(newStatsCommand())
	rootCmd.AddCommand(newSimilarCommand())

	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

// app holds the opened backends for one command invocation
type app struct {
	cfg      *config.Config
	graph    graph.Store
	queue    queue.Store
	bus      *messagebus.Bus
	cache    *embedding.RedisCache
	resolver *embedding.Resolver
	pipeline *pipeline.Pipeline
}

// options controls which optional services a command needs
type options struct {
	provider bool // embedding and LLM provider
	bus      bool // NATS, when configured
}

func openApp(ctx context.Context, opts options) (*app, error) {
	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, err
	}
	if os.Getenv("DEBUG") != "true" {
		logging.SetLevel(cfg.LogLevel)
	}

	a := &app{cfg: cfg}
	if err := a.open(ctx, opts); err != nil {
		a.Close()
		return nil, err
	}
	return a, nil
}

func (a *app) open(ctx context.Context, opts options) error {
	cfg := a.cfg
	if err := os.MkdirAll(cfg.StatePath, 0755); err != nil {
		return fmt.Errorf("create state dir: %w", err)
	}

	switch cfg.Graph.Backend {
	case "neo4j":
		g, err := graph.OpenNeo4j(ctx, graph.Neo4jConfig{
			URI:      cfg.Graph.Neo4jURI,
			User:     cfg.Graph.Neo4jUser,
			Password: cfg.Graph.Neo4jPassword,
			Database: cfg.Graph.Neo4jDatabase,
		})
		if err != nil {
			return fmt.Errorf("open neo4j: %w", err)
		}
		a.graph = g
	default:
		g, err := graph.Open(cfg.StatePath)
		if err != nil {
			return fmt.Errorf("open graph: %w", err)
		}
		a.graph = g
	}

	q, err := queue.Open(cfg.Queue, cfg.StatePath)
	if err != nil {
		return fmt.Errorf("open queue: %w", err)
	}
	a.queue = q

	deps := pipeline.Deps{Graph: a.graph, Queue: a.queue}

	if opts.provider {
		provider, err := embedding.NewProvider(cfg.Provider)
		if err != nil {
			return err
		}
		resolverOpts := embedding.ResolverOptions{
			MaxInputChars: cfg.Provider.MaxInputChars,
			Timeout:       cfg.Provider.Timeout,
			RatePerSecond: cfg.Provider.RatePerSecond,
			Burst:         cfg.Provider.Burst,
		}
		if cfg.Cache.RedisURL != "" {
			cache, err := embedding.NewRedisCache(ctx, cfg.Cache.RedisURL, cfg.Cache.TTL)
			if err != nil {
				logging.Warn("main", "embedding cache disabled: %v", err)
			} else {
				a.cache = cache
				resolverOpts.Cache = cache
			}
		}
		a.resolver = embedding.NewResolver(provider, resolverOpts)
		deps.Resolver = a.resolver
		deps.Detector = patterns.NewDetector(a.graph, a.resolver.Limit(provider))
	}

	if opts.bus && cfg.NATS.URL != "" {
		bus, err := messagebus.Connect(messagebus.Config{
			URL:           cfg.NATS.URL,
			SubjectPrefix: cfg.NATS.SubjectPrefix,
		})
		if err != nil {
			logging.Warn("main", "NATS unavailable, detection falls back to polling: %v", err)
		} else {
			a.bus = bus
			deps.Bus = bus
		}
	}

	a.pipeline = pipeline.New(deps)
	return nil
}

// Close releases whatever open managed to open
func (a *app) Close() {
	if a.bus != nil {
		a.bus.Close()
	}
	if a.cache != nil {
		a.cache.Close()
	}
	if a.queue != nil {
		a.queue.Close()
	}
	if a.graph != nil {
		a.graph.Close()
	}
}
