// Command lexgraph runs the retrieval service: it connects the graph store,
// the embedding and LLM provider, and the domain registry, then serves the
// search API over HTTP.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/lexgraph/lexgraph/config"
	"github.com/lexgraph/lexgraph/coord"
	"github.com/lexgraph/lexgraph/domain"
	"github.com/lexgraph/lexgraph/engine"
	"github.com/lexgraph/lexgraph/expand"
	"github.com/lexgraph/lexgraph/gateway"
	"github.com/lexgraph/lexgraph/graph"
	"github.com/lexgraph/lexgraph/provider"
	"github.com/lexgraph/lexgraph/retrieve"
	"github.com/lexgraph/lexgraph/serve"
)

func main() {
	configPath := flag.String("config", "", "path to the YAML configuration file")
	flag.Parse()

	if err := run(*configPath); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func run(configPath string) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}

	log, err := buildLogger(cfg.Logging)
	if err != nil {
		return fmt.Errorf("logger: %w", err)
	}
	defer func() { _ = log.Sync() }()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	store, closeStore, err := buildStore(ctx, cfg, log)
	if err != nil {
		return err
	}
	defer closeStore()

	gem, err := provider.NewGemini(ctx, cfg.Provider)
	if err != nil {
		return err
	}
	defer func() { _ = gem.Close() }()

	var cache *redis.Client
	if cfg.Cache.Addr != "" {
		cache = redis.NewClient(&redis.Options{
			Addr:     cfg.Cache.Addr,
			Password: cfg.Cache.Password,
			DB:       cfg.Cache.DB,
		})
		defer func() { _ = cache.Close() }()
	}

	gw := gateway.New(gem, gem, gateway.Options{
		Cache:    cache,
		CacheTTL: cfg.Cache.TTL,
		Logger:   log.Named("gateway"),
	})

	registry := domain.NewRegistry(store, gw, domain.Config{
		MinDomainSize:          cfg.Domains.MinSize,
		MaxDomainSize:          cfg.Domains.MaxSize,
		JoinThreshold:          cfg.Domains.JoinThreshold,
		BootstrapMinProvisions: cfg.Domains.BootstrapMinProvisions,
	}, log.Named("domains"))
	if err := registry.Bootstrap(ctx); err != nil {
		return fmt.Errorf("bootstrap: %w", err)
	}
	log.Info("registry ready", zap.Int("domains", registry.Len()))

	locker, closeLocker, err := buildLocker(cfg.Coord)
	if err != nil {
		return err
	}
	defer closeLocker()
	rebalancer := coord.NewRebalancer(locker, cfg.Domains.RebalanceInterval,
		registry.Rebalance, log.Named("rebalance"))
	go rebalancer.Run(ctx)

	filter, err := retrieve.CompileFilter(cfg.Search.Filter)
	if err != nil {
		return fmt.Errorf("search filter: %w", err)
	}
	retriever := retrieve.New(store, retrieve.Config{
		RRFK:                  cfg.Search.RRFK,
		NodeSimFloor:          cfg.Search.NodeSimFloor,
		ContainerSearch:       true,
		ExcludedSectionTokens: cfg.Search.ExcludedSectionTokens,
		Filter:                filter,
	}, log.Named("retrieve"))
	expander := expand.New(store, expand.Config{
		SimilarityThreshold: cfg.Search.SimilarityThreshold,
		MaxExpanded:         cfg.Search.MaxExpanded,
	}, log.Named("expand"))

	eng := engine.New(store, gw, registry, retriever, expander, engine.Config{
		RouteCandidates: cfg.Search.RouteCandidates,
		PeerCandidates:  cfg.Search.PeerCandidates,
		MaxPeers:        cfg.Search.MaxPeers,
		LLMWeight:       cfg.Search.LLMWeight,
		QualityFloor:    cfg.Search.QualityFloor,
		MinResults:      cfg.Search.MinResults,
		SynthTopN:       cfg.Search.SynthTopN,
	}, log.Named("engine"))

	srv := &http.Server{
		Addr:         cfg.Server.Addr,
		Handler:      serve.New(eng, registry, log.Named("http")).Handler(),
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
	}

	errCh := make(chan error, 1)
	go func() {
		log.Info("listening", zap.String("addr", cfg.Server.Addr))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case err := <-errCh:
		return fmt.Errorf("serve: %w", err)
	case <-ctx.Done():
	}

	log.Info("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("shutdown: %w", err)
	}
	return nil
}

func buildLogger(cfg config.LoggingConfig) (*zap.Logger, error) {
	zc := zap.NewProductionConfig()
	if cfg.Encoding == "console" {
		zc = zap.NewDevelopmentConfig()
	}
	level, err := zap.ParseAtomicLevel(cfg.Level)
	if err != nil {
		return nil, err
	}
	zc.Level = level
	return zc.Build()
}

func buildStore(ctx context.Context, cfg *config.Config, log *zap.Logger) (graph.Store, func(), error) {
	switch cfg.Graph.Backend {
	case "neo4j":
		neo, err := graph.NewNeo4jStore(ctx, graph.Neo4jConfig{
			URI:      cfg.Graph.URI,
			Username: cfg.Graph.Username,
			Password: cfg.Graph.Password,
			Database: cfg.Graph.Database,
		}, log.Named("graph"))
		if err != nil {
			return nil, nil, fmt.Errorf("neo4j: %w", err)
		}
		policy := graph.DefaultRetryPolicy()
		policy.MaxRetries = cfg.Graph.RetryMax
		resilient := graph.NewResilient(neo, policy, log.Named("graph"))
		return resilient, func() { _ = neo.Close(context.Background()) }, nil
	default:
		return graph.NewMemoryStore(), func() {}, nil
	}
}

func buildLocker(cfg coord.Config) (coord.Locker, func(), error) {
	if len(cfg.Endpoints) == 0 {
		return &coord.LocalLocker{}, func() {}, nil
	}
	locker, err := coord.NewEtcdLocker(cfg, "rebalance")
	if err != nil {
		return nil, nil, fmt.Errorf("etcd: %w", err)
	}
	return locker, func() { _ = locker.Close() }, nil
}
