//
// Tencent is pleased to support the open source community by making trpc-agent-go available.
//
// Copyright (C) 2025 Tencent.  All rights reserved.
//
// trpc-agent-go is licensed under the Apache License Version 2.0.
//
//

// Package config loads the proxy configuration from a YAML file with an
// optional .env bootstrap. Secrets never live in the YAML: API keys resolve
// from the environment, with `${VAR}` references expanded in string values.
package config

import (
	"fmt"
	"os"
	"regexp"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"

	"trpc.group/trpc-go/trpc-recall-go/log"
)

// Defaults.
const (
	DefaultListenAddr          = ":8080"
	DefaultOpenAIBaseURL       = "https://api.openai.com/v1"
	DefaultChatModel           = "gpt-4o-mini"
	DefaultEmbeddingModel      = "text-embedding-3-small"
	DefaultTopK                = 5
	DefaultMaxEntries          = 200
	DefaultScoreThreshold      = 0.0
	DefaultMMRLambda           = 0.7
	DefaultTagBoost            = 0.1
	DefaultCompressThreshold   = 0.8
	DefaultRawRecentTokens     = 2048
	DefaultTargetContextTokens = 8192
	DefaultDedupThreshold      = 0.7
	DefaultSettleDelay         = 500 * time.Millisecond
)

// Upstream holds the OpenAI-compatible endpoint settings.
type Upstream struct {
	// BaseURL is the upstream endpoint, e.g. "https://api.openai.com/v1".
	BaseURL string `yaml:"openai_base_url"`
	// ChatAPIKey authenticates chat-completion calls.
	ChatAPIKey string `yaml:"chat_api_key"`
	// ChatModel is the model used by internal LLM agents.
	ChatModel string `yaml:"chat_model"`
	// EmbeddingAPIKey authenticates embedding calls; falls back to ChatAPIKey.
	EmbeddingAPIKey string `yaml:"embedding_api_key"`
	// EmbeddingModel is the embedding model name.
	EmbeddingModel string `yaml:"embedding_model"`
	// RerankURL is the optional cross-encoder endpoint; empty disables rerank.
	RerankURL string `yaml:"rerank_url"`
}

// Paths holds the filesystem roots.
type Paths struct {
	// MemoryRoot is the memory file tree root.
	MemoryRoot string `yaml:"memory_root"`
	// DocsFolder is the watched documents folder.
	DocsFolder string `yaml:"docs_folder"`
	// VectorPath is the Badger database directory; empty uses in-memory.
	VectorPath string `yaml:"vector_path"`
}

// Retrieval holds the retrieval engine tuning knobs.
type Retrieval struct {
	// DefaultTopK applies when a request carries no top_k extension.
	DefaultTopK int `yaml:"default_top_k"`
	// ScoreThreshold drops blended results below it.
	ScoreThreshold float64 `yaml:"score_threshold"`
	// MMRLambda balances relevance against redundancy.
	MMRLambda float64 `yaml:"mmr_lambda"`
	// TagBoost is the per-shared-tag score increment.
	TagBoost float64 `yaml:"tag_boost"`
}

// Memory holds the reconciler settings.
type Memory struct {
	// EnableSummarization toggles the rolling summaries.
	EnableSummarization bool `yaml:"enable_summarization"`
	// MaxEntries evicts oldest non-summary entries past this count.
	// Zero disables eviction.
	MaxEntries int `yaml:"max_entries"`
}

// Conversation holds the long-conversation engine settings.
type Conversation struct {
	// TargetContextTokens is the context size compression steers to.
	TargetContextTokens int `yaml:"target_context_tokens"`
	// CompressThreshold triggers compression at this fill ratio.
	CompressThreshold float64 `yaml:"compress_threshold"`
	// RawRecentTokens is the newest-token window never compressed.
	RawRecentTokens int `yaml:"raw_recent_tokens"`
	// DedupThreshold is the similarity at which repeated pastes become
	// reference segments.
	DedupThreshold float64 `yaml:"dedup_threshold"`
}

// Indexing holds the watched-folder settings.
type Indexing struct {
	// IncludePatterns restricts indexing to matching paths.
	IncludePatterns []string `yaml:"include_patterns"`
	// ExcludePatterns skips matching paths.
	ExcludePatterns []string `yaml:"exclude_patterns"`
	// SettleDelay is the wait after a write before re-reading a file.
	SettleDelay time.Duration `yaml:"settle_delay"`
}

// Config is the whole proxy configuration.
type Config struct {
	// ListenAddr is the gateway bind address.
	ListenAddr string `yaml:"listen_addr"`
	// LogLevel is debug, info, warn, error or fatal.
	LogLevel string `yaml:"log_level"`

	Upstream     Upstream     `yaml:"upstream"`
	Paths        Paths        `yaml:"paths"`
	Retrieval    Retrieval    `yaml:"retrieval"`
	Memory       Memory       `yaml:"memory"`
	Conversation Conversation `yaml:"conversation"`
	Indexing     Indexing     `yaml:"indexing"`
}

// Default returns the configuration with every default applied.
func Default() Config {
	return Config{
		ListenAddr: DefaultListenAddr,
		LogLevel:   "info",
		Upstream: Upstream{
			BaseURL:        DefaultOpenAIBaseURL,
			ChatModel:      DefaultChatModel,
			EmbeddingModel: DefaultEmbeddingModel,
		},
		Paths: Paths{
			MemoryRoot: "data/memory",
			DocsFolder: "data/docs",
		},
		Retrieval: Retrieval{
			DefaultTopK:    DefaultTopK,
			ScoreThreshold: DefaultScoreThreshold,
			MMRLambda:      DefaultMMRLambda,
			TagBoost:       DefaultTagBoost,
		},
		Memory: Memory{
			EnableSummarization: true,
			MaxEntries:          DefaultMaxEntries,
		},
		Conversation: Conversation{
			TargetContextTokens: DefaultTargetContextTokens,
			CompressThreshold:   DefaultCompressThreshold,
			RawRecentTokens:     DefaultRawRecentTokens,
			DedupThreshold:      DefaultDedupThreshold,
		},
		Indexing: Indexing{
			SettleDelay: DefaultSettleDelay,
		},
	}
}

// Load reads path, expands ${VAR} references, and fills environment-backed
// fields. A missing file returns the defaults; a malformed one is an error.
// A .env file beside the working directory is loaded first when present.
func Load(path string) (Config, error) {
	if err := godotenv.Load(); err != nil && !os.IsNotExist(err) {
		log.Warnf("config: load .env: %v", err)
	}

	cfg := Default()
	raw, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			log.Infof("config: %s not found, using defaults", path)
			cfg.fillFromEnv()
			return cfg, nil
		}
		return cfg, fmt.Errorf("read config %s: %w", path, err)
	}

	expanded := expandEnv(string(raw))
	if err := yaml.Unmarshal([]byte(expanded), &cfg); err != nil {
		return cfg, fmt.Errorf("parse config %s: %w", path, err)
	}
	cfg.fillFromEnv()
	if err := cfg.validate(); err != nil {
		return cfg, err
	}
	return cfg, nil
}

// fillFromEnv resolves the secret fields from the conventional variables
// when the YAML left them empty.
func (c *Config) fillFromEnv() {
	if c.Upstream.ChatAPIKey == "" {
		c.Upstream.ChatAPIKey = os.Getenv("OPENAI_API_KEY")
	}
	if c.Upstream.EmbeddingAPIKey == "" {
		c.Upstream.EmbeddingAPIKey = c.Upstream.ChatAPIKey
	}
	if v := os.Getenv("OPENAI_BASE_URL"); v != "" && c.Upstream.BaseURL == DefaultOpenAIBaseURL {
		c.Upstream.BaseURL = v
	}
}

func (c *Config) validate() error {
	if c.Upstream.BaseURL == "" {
		return fmt.Errorf("config: openai_base_url must not be empty")
	}
	if c.Retrieval.DefaultTopK < 0 {
		return fmt.Errorf("config: default_top_k must not be negative")
	}
	if c.Conversation.CompressThreshold <= 0 || c.Conversation.CompressThreshold > 1 {
		return fmt.Errorf("config: compress_threshold must be in (0, 1]")
	}
	if c.Retrieval.MMRLambda < 0 || c.Retrieval.MMRLambda > 1 {
		return fmt.Errorf("config: mmr_lambda must be in [0, 1]")
	}
	return nil
}

var envRef = regexp.MustCompile(`\$\{(\w+)\}`)

// expandEnv replaces ${VAR} with the environment value, leaving unset
// references empty.
func expandEnv(s string) string {
	return envRef.ReplaceAllStringFunc(s, func(ref string) string {
		return os.Getenv(envRef.FindStringSubmatch(ref)[1])
	})
}
