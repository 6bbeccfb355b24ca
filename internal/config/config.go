package config

import (
	"fmt"
	"time"
)

// Config holds all persona configuration. Every threshold the engine uses is
// tunable here; nothing in the engine is hard-coded.
type Config struct {
	Server    ServerConfig    `mapstructure:"server"`
	Database  DatabaseConfig  `mapstructure:"database"`
	Index     IndexConfig     `mapstructure:"index"`
	LLM       LLMConfig       `mapstructure:"llm"`
	Embedder  EmbedderConfig  `mapstructure:"embedder"`
	Log       LogConfig       `mapstructure:"log"`
	Scoring   ScoringConfig   `mapstructure:"scoring"`
	Dedup     DedupConfig     `mapstructure:"dedup"`
	Ingest    IngestConfig    `mapstructure:"ingest"`
	Decay     DecayConfig     `mapstructure:"decay"`
	Retrieval RetrievalConfig `mapstructure:"retrieval"`
	Workers   WorkerConfig    `mapstructure:"workers"`
}

type ServerConfig struct {
	Bind string `mapstructure:"bind"`
	Port int    `mapstructure:"port"`
	URL  string `mapstructure:"url"` // where CLI commands reach a running server
}

type DatabaseConfig struct {
	Path string `mapstructure:"path"`
}

type IndexConfig struct {
	Backend     string `mapstructure:"backend"` // "sqlite", "chromem", "pgvector"
	PostgresURL string `mapstructure:"postgres_url"`
	Dimensions  int    `mapstructure:"dimensions"` // pgvector column width, 0 = unconstrained
}

type LLMConfig struct {
	Provider     string        `mapstructure:"provider"` // "none", "anthropic", "ollama"
	Model        string        `mapstructure:"model"`
	AnthropicKey string        `mapstructure:"anthropic_key"`
	OllamaURL    string        `mapstructure:"ollama_url"`
	OllamaModel  string        `mapstructure:"ollama_model"`
	MaxTokens    int           `mapstructure:"max_tokens"`
	Timeout      time.Duration `mapstructure:"timeout"`
}

type EmbedderConfig struct {
	Provider     string        `mapstructure:"provider"` // "auto", "ollama", "openai", "tfidf", "hash"
	Model        string        `mapstructure:"model"`
	OllamaURL    string        `mapstructure:"ollama_url"`
	OpenAIKey    string        `mapstructure:"openai_key"`
	OpenAIURL    string        `mapstructure:"openai_url"`
	Dimensions   int           `mapstructure:"dimensions"`
	CacheEntries int64         `mapstructure:"cache_entries"`
	Timeout      time.Duration `mapstructure:"timeout"`
}

type LogConfig struct {
	Level string `mapstructure:"level"`
}

// ScoringConfig weights the importance formula. The five weights sum to 1.
type ScoringConfig struct {
	PinnedWeight     float64 `mapstructure:"pinned_weight"`
	TrustWeight      float64 `mapstructure:"trust_weight"`
	AccessWeight     float64 `mapstructure:"access_weight"`
	AffectWeight     float64 `mapstructure:"affect_weight"`
	ExplicitWeight   float64 `mapstructure:"explicit_weight"`
	NegativeDamping  float64 `mapstructure:"negative_damping"`
	AccessSaturation float64 `mapstructure:"access_saturation"` // access count at which the term saturates, minus one
}

// Thresholds route a neighbor similarity to update, classifier or create.
type Thresholds struct {
	Update   float64 `mapstructure:"update"`
	Classify float64 `mapstructure:"classify"`
}

type DedupConfig struct {
	Neighbors         int           `mapstructure:"neighbors"`
	Semantic          Thresholds    `mapstructure:"semantic"`
	Episodic          Thresholds    `mapstructure:"episodic"`
	Procedural        Thresholds    `mapstructure:"procedural"`
	EpisodicWindow    time.Duration `mapstructure:"episodic_window"`
	ClassifierTimeout time.Duration `mapstructure:"classifier_timeout"`
	IndexTimeout      time.Duration `mapstructure:"index_timeout"`
}

type IngestConfig struct {
	TriggerBudget time.Duration `mapstructure:"trigger_budget"`
	MinConfidence float64       `mapstructure:"min_confidence"`
	ContextTurns  int           `mapstructure:"context_turns"`
	InferredTrust float64       `mapstructure:"inferred_trust"`
	ExplicitTrust float64       `mapstructure:"explicit_trust"`
	RefineTimeout time.Duration `mapstructure:"refine_timeout"`
}

// HalfLifeBand applies to records whose importance is at least MinImportance.
type HalfLifeBand struct {
	MinImportance float64 `mapstructure:"min_importance"`
	Days          float64 `mapstructure:"days"`
}

type DecayConfig struct {
	Interval    time.Duration  `mapstructure:"interval"`
	Bands       []HalfLifeBand `mapstructure:"bands"`
	Floor       float64        `mapstructure:"floor"`
	MinIdleDays float64        `mapstructure:"min_idle_days"`
	Retention   time.Duration  `mapstructure:"retention"`
}

// KindBudget sizes one kind's share of a retrieval.
type KindBudget struct {
	Weight    float64 `mapstructure:"weight"`
	TokenCost int     `mapstructure:"token_cost"`
	Min       int     `mapstructure:"min"`
	Max       int     `mapstructure:"max"`
}

type RankWeights struct {
	Similarity float64 `mapstructure:"similarity"`
	Importance float64 `mapstructure:"importance"`
	Recency    float64 `mapstructure:"recency"`
	Scope      float64 `mapstructure:"scope"`
	Trust      float64 `mapstructure:"trust"`
}

type RetrievalConfig struct {
	Candidates    int           `mapstructure:"candidates"`
	Shortlist     int           `mapstructure:"shortlist"`
	Weights       RankWeights   `mapstructure:"weights"`
	Semantic      KindBudget    `mapstructure:"semantic"`
	Episodic      KindBudget    `mapstructure:"episodic"`
	Procedural    KindBudget    `mapstructure:"procedural"`
	RerankTimeout time.Duration `mapstructure:"rerank_timeout"`
}

type WorkerConfig struct {
	Count          int           `mapstructure:"count"`
	QueueSize      int           `mapstructure:"queue_size"`
	MaxRetries     int           `mapstructure:"max_retries"`
	InitialBackoff time.Duration `mapstructure:"initial_backoff"`
	MaxBackoff     time.Duration `mapstructure:"max_backoff"`
}

// Default returns a Config with sensible defaults.
func Default() Config {
	return Config{
		Server: ServerConfig{
			Bind: "127.0.0.1",
			Port: 37778,
			URL:  "http://127.0.0.1:37778",
		},
		Database: DatabaseConfig{
			Path: "", // resolved at runtime via store.DefaultDBPath()
		},
		Index: IndexConfig{
			Backend: "sqlite",
		},
		LLM: LLMConfig{
			Provider:  "none",
			MaxTokens: 512,
			Timeout:   30 * time.Second,
		},
		Embedder: EmbedderConfig{
			Provider:     "auto",
			Model:        "nomic-embed-text",
			OllamaURL:    "http://localhost:11434",
			Dimensions:   768,
			CacheEntries: 4096,
			Timeout:      5 * time.Second,
		},
		Log: LogConfig{Level: "info"},
		Scoring: ScoringConfig{
			PinnedWeight:     0.25,
			TrustWeight:      0.20,
			AccessWeight:     0.20,
			AffectWeight:     0.20,
			ExplicitWeight:   0.15,
			NegativeDamping:  0.8,
			AccessSaturation: 10,
		},
		Dedup: DedupConfig{
			Neighbors:         10,
			Semantic:          Thresholds{Update: 0.90, Classify: 0.80},
			Episodic:          Thresholds{Update: 0.92, Classify: 0.85},
			Procedural:        Thresholds{Update: 0.90, Classify: 0.80},
			EpisodicWindow:    72 * time.Hour,
			ClassifierTimeout: 2 * time.Second,
			IndexTimeout:      2 * time.Second,
		},
		Ingest: IngestConfig{
			TriggerBudget: 250 * time.Millisecond,
			MinConfidence: 0.6,
			ContextTurns:  2,
			InferredTrust: 0.6,
			ExplicitTrust: 0.9,
			RefineTimeout: 5 * time.Second,
		},
		Decay: DecayConfig{
			Interval: 24 * time.Hour,
			Bands: []HalfLifeBand{
				{MinImportance: 0.85, Days: 365},
				{MinImportance: 0.50, Days: 180},
				{MinImportance: 0.20, Days: 90},
				{MinImportance: 0, Days: 30},
			},
			Floor:       0.05,
			MinIdleDays: 30,
			Retention:   180 * 24 * time.Hour,
		},
		Retrieval: RetrievalConfig{
			Candidates: 50,
			Shortlist:  12,
			Weights: RankWeights{
				Similarity: 0.5,
				Importance: 0.25,
				Recency:    0.15,
				Scope:      0.05,
				Trust:      0.05,
			},
			Semantic:      KindBudget{Weight: 0.5, TokenCost: 60, Min: 1, Max: 10},
			Episodic:      KindBudget{Weight: 0.3, TokenCost: 90, Min: 1, Max: 5},
			Procedural:    KindBudget{Weight: 0.2, TokenCost: 80, Min: 1, Max: 3},
			RerankTimeout: 2 * time.Second,
		},
		Workers: WorkerConfig{
			Count:          4,
			QueueSize:      256,
			MaxRetries:     1,
			InitialBackoff: 200 * time.Millisecond,
			MaxBackoff:     2 * time.Second,
		},
	}
}

// ListenAddr returns the bind:port address string.
func (c *Config) ListenAddr() string {
	return fmt.Sprintf("%s:%d", c.Server.Bind, c.Server.Port)
}

// Validate rejects settings the engine cannot run with.
func (c *Config) Validate() error {
	for name, th := range map[string]Thresholds{
		"semantic":   c.Dedup.Semantic,
		"episodic":   c.Dedup.Episodic,
		"procedural": c.Dedup.Procedural,
	} {
		if th.Classify > th.Update || th.Update > 1 || th.Classify < 0 {
			return fmt.Errorf("dedup.%s: need 0 <= classify <= update <= 1, got %v/%v", name, th.Classify, th.Update)
		}
	}
	if c.Dedup.Neighbors <= 0 {
		return fmt.Errorf("dedup.neighbors must be positive")
	}
	if len(c.Decay.Bands) == 0 {
		return fmt.Errorf("decay.bands must not be empty")
	}
	for i, b := range c.Decay.Bands {
		if b.Days <= 0 {
			return fmt.Errorf("decay.bands[%d]: days must be positive", i)
		}
		if i > 0 && b.MinImportance > c.Decay.Bands[i-1].MinImportance {
			return fmt.Errorf("decay.bands must be ordered by descending min_importance")
		}
	}
	for name, kb := range map[string]KindBudget{
		"semantic":   c.Retrieval.Semantic,
		"episodic":   c.Retrieval.Episodic,
		"procedural": c.Retrieval.Procedural,
	} {
		if kb.Weight < 0 || kb.TokenCost <= 0 || kb.Min < 0 || kb.Max < kb.Min {
			return fmt.Errorf("retrieval.%s: invalid budget %+v", name, kb)
		}
	}
	if c.Workers.Count <= 0 || c.Workers.QueueSize <= 0 || c.Workers.MaxRetries < 0 {
		return fmt.Errorf("workers: count and queue_size must be positive")
	}
	return nil
}
