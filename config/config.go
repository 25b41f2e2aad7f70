// Package config loads the service configuration: a YAML file layered with
// environment overrides for the operational tunables, validated before use.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"

	"github.com/lexgraph/lexgraph/coord"
	"github.com/lexgraph/lexgraph/provider"
)

// Config is the full service configuration tree.
type Config struct {
	Server   ServerConfig    `yaml:"server"`
	Graph    GraphConfig     `yaml:"graph"`
	Cache    CacheConfig     `yaml:"cache"`
	Coord    coord.Config    `yaml:"coord"`
	Provider provider.Config `yaml:"provider"`
	Domains  DomainsConfig   `yaml:"domains"`
	Search   SearchConfig    `yaml:"search"`
	Logging  LoggingConfig   `yaml:"logging"`
}

// ServerConfig configures the HTTP listener.
type ServerConfig struct {
	Addr            string        `yaml:"addr"`
	ReadTimeout     time.Duration `yaml:"read_timeout"`
	WriteTimeout    time.Duration `yaml:"write_timeout"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`
}

// GraphConfig selects and configures the graph store backend.
type GraphConfig struct {
	// Backend is "memory" for the embedded store or "neo4j".
	Backend  string `yaml:"backend" validate:"oneof=memory neo4j"`
	URI      string `yaml:"uri"`
	Username string `yaml:"username"`
	Password string `yaml:"password"`
	Database string `yaml:"database"`

	// RetryMax bounds transient-failure retries per store call.
	RetryMax int `yaml:"retry_max" validate:"gte=0"`
}

// CacheConfig configures the optional Redis embedding cache.
type CacheConfig struct {
	// Addr empty disables caching.
	Addr     string        `yaml:"addr"`
	Password string        `yaml:"password"`
	DB       int           `yaml:"db"`
	TTL      time.Duration `yaml:"ttl"`
}

// DomainsConfig carries the registry tunables.
type DomainsConfig struct {
	MinSize                int           `yaml:"min_size" validate:"gt=0"`
	MaxSize                int           `yaml:"max_size" validate:"gt=0,gtefield=MinSize"`
	JoinThreshold          float64       `yaml:"join_threshold" validate:"gt=0,lte=1"`
	BootstrapMinProvisions int           `yaml:"bootstrap_min_provisions" validate:"gt=0"`
	RebalanceInterval      time.Duration `yaml:"rebalance_interval"`
}

// SearchConfig carries the retrieval, expansion, and orchestration tunables.
type SearchConfig struct {
	RRFK                  int      `yaml:"rrf_k" validate:"gt=0"`
	NodeSimFloor          float64  `yaml:"node_sim_floor" validate:"gte=0,lte=1"`
	SimilarityThreshold   float64  `yaml:"similarity_threshold" validate:"gte=0,lte=1"`
	MaxExpanded           int      `yaml:"max_expanded" validate:"gt=0"`
	RouteCandidates       int      `yaml:"route_candidates" validate:"gt=0"`
	PeerCandidates        int      `yaml:"peer_candidates" validate:"gte=0"`
	MaxPeers              int      `yaml:"max_peers" validate:"gt=0"`
	LLMWeight             float64  `yaml:"llm_weight" validate:"gte=0,lte=1"`
	QualityFloor          float64  `yaml:"quality_floor" validate:"gte=0,lte=1"`
	MinResults            int      `yaml:"min_results" validate:"gt=0"`
	SynthTopN             int      `yaml:"synth_topn" validate:"gt=0"`
	ExcludedSectionTokens []string `yaml:"excluded_section_tokens"`

	// Filter is an optional CEL predicate over fused results.
	Filter string `yaml:"filter"`
}

// LoggingConfig configures the zap logger.
type LoggingConfig struct {
	Level    string `yaml:"level" validate:"oneof=debug info warn error"`
	Encoding string `yaml:"encoding" validate:"oneof=json console"`
}

// Default returns the documented defaults.
func Default() *Config {
	return &Config{
		Server: ServerConfig{
			Addr:            ":8080",
			ReadTimeout:     30 * time.Second,
			WriteTimeout:    5 * time.Minute,
			ShutdownTimeout: 15 * time.Second,
		},
		Graph: GraphConfig{
			Backend:  "memory",
			Database: "neo4j",
			RetryMax: 3,
		},
		Cache: CacheConfig{
			TTL: 24 * time.Hour,
		},
		Domains: DomainsConfig{
			MinSize:                50,
			MaxSize:                500,
			JoinThreshold:          0.70,
			BootstrapMinProvisions: 100,
			RebalanceInterval:      10 * time.Minute,
		},
		Search: SearchConfig{
			RRFK:                  60,
			NodeSimFloor:          0.50,
			SimilarityThreshold:   0.75,
			MaxExpanded:           50,
			RouteCandidates:       5,
			PeerCandidates:        4,
			MaxPeers:              2,
			LLMWeight:             0.7,
			QualityFloor:          0.60,
			MinResults:            3,
			SynthTopN:             10,
			ExcludedSectionTokens: []string{"Transitional", "Supplementary", "Addenda"},
		},
		Logging: LoggingConfig{
			Level:    "info",
			Encoding: "json",
		},
	}
}

// Load builds the configuration: defaults, then the YAML file at path (if
// non-empty), then environment overrides, then validation.
func Load(path string) (*Config, error) {
	cfg := Default()
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("config: read %s: %w", path, err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("config: parse %s: %w", path, err)
		}
	}
	cfg.applyEnv(os.Getenv)
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks the tree's constraints.
func (c *Config) Validate() error {
	if err := validator.New().Struct(c); err != nil {
		return fmt.Errorf("config: %w", err)
	}
	return nil
}

// applyEnv layers the recognized bare-name environment overrides onto the
// configuration. Unset or unparseable values leave the field untouched.
func (c *Config) applyEnv(getenv func(string) string) {
	envInt(getenv, "MIN_DOMAIN_SIZE", &c.Domains.MinSize)
	envInt(getenv, "MAX_DOMAIN_SIZE", &c.Domains.MaxSize)
	envFloat(getenv, "SIMILARITY_JOIN_THRESHOLD", &c.Domains.JoinThreshold)
	envFloat(getenv, "SIMILARITY_THRESHOLD", &c.Search.SimilarityThreshold)
	envFloat(getenv, "NODE_SIM_FLOOR", &c.Search.NodeSimFloor)
	envInt(getenv, "RRF_K", &c.Search.RRFK)
	envInt(getenv, "ROUTE_CANDIDATES", &c.Search.RouteCandidates)
	envInt(getenv, "PEER_CANDIDATES", &c.Search.PeerCandidates)
	envInt(getenv, "MAX_PEERS", &c.Search.MaxPeers)
	envFloat(getenv, "LLM_WEIGHT", &c.Search.LLMWeight)
	envFloat(getenv, "QUALITY_FLOOR", &c.Search.QualityFloor)
	envInt(getenv, "SYNTH_TOPN", &c.Search.SynthTopN)
	envInt(getenv, "RETRY_MAX", &c.Graph.RetryMax)

	if v := getenv("GEMINI_API_KEY"); v != "" {
		c.Provider.APIKey = v
	}

	if v := getenv("EXCLUDED_SECTION_TOKENS"); v != "" {
		var tokens []string
		for _, tok := range strings.Split(v, ",") {
			if tok = strings.TrimSpace(tok); tok != "" {
				tokens = append(tokens, tok)
			}
		}
		c.Search.ExcludedSectionTokens = tokens
	}
}

func envInt(getenv func(string) string, name string, dst *int) {
	if v := getenv(name); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			*dst = n
		}
	}
}

func envFloat(getenv func(string) string, name string, dst *float64) {
	if v := getenv(name); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			*dst = f
		}
	}
}
