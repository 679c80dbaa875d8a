package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/m-mizutani/goerr/v2"
	"github.com/pelletier/go-toml/v2"
	"github.com/secmon-lab/onboarder/pkg/service/chunker"
	"github.com/secmon-lab/onboarder/pkg/service/extract"
	"github.com/secmon-lab/onboarder/pkg/utils/retry"
)

// Duration is a time.Duration written as a Go duration string in TOML
type Duration time.Duration

// UnmarshalText implements encoding.TextUnmarshaler
func (d *Duration) UnmarshalText(text []byte) error {
	v, err := time.ParseDuration(string(text))
	if err != nil {
		return goerr.Wrap(ErrInvalidConfig, "invalid duration", goerr.V("value", string(text)))
	}
	*d = Duration(v)
	return nil
}

// MarshalText implements encoding.TextMarshaler
func (d Duration) MarshalText() ([]byte, error) {
	return []byte(time.Duration(d).String()), nil
}

// Std returns the value as time.Duration
func (d Duration) Std() time.Duration {
	return time.Duration(d)
}

// ChunkerSection sizes chunks in whitespace tokens
type ChunkerSection struct {
	MaxTokens     int `toml:"max_tokens"`
	OverlapTokens int `toml:"overlap_tokens"`
}

// EmbedderSection controls calls to the embedding backend
type EmbedderSection struct {
	BatchSize      int `toml:"batch_size"`
	MaxInputTokens int `toml:"max_input_tokens"`
	Dimension      int `toml:"dimension"`
}

// RetrieverSection controls document search
type RetrieverSection struct {
	TopK            int      `toml:"top_k"`
	MinRelevance    float64  `toml:"min_relevance"`
	CandidateFactor int      `toml:"candidate_factor"`
	Timeout         Duration `toml:"timeout"`
}

// AgentSection controls the orchestrator and tool dispatch
type AgentSection struct {
	MaxToolRounds int      `toml:"max_tool_rounds"`
	Timezone      string   `toml:"timezone"`
	ToolTimeout   Duration `toml:"tool_timeout"`
	HistoryLimit  int      `toml:"history_limit"`
}

// RetrySection is the retry policy for external calls
type RetrySection struct {
	MaxAttempts    int      `toml:"max_attempts"`
	InitialBackoff Duration `toml:"initial_backoff"`
	MaxBackoff     Duration `toml:"max_backoff"`
	Multiplier     float64  `toml:"multiplier"`
}

// IngestSection controls uploads
type IngestSection struct {
	Concurrency       int      `toml:"concurrency"`
	AllowedExtensions []string `toml:"allowed_extensions"`
}

// Tuning holds the tunable parameters of the pipeline and the agent
type Tuning struct {
	Chunker   ChunkerSection   `toml:"chunker"`
	Embedder  EmbedderSection  `toml:"embedder"`
	Retriever RetrieverSection `toml:"retriever"`
	Agent     AgentSection     `toml:"agent"`
	Retry     RetrySection     `toml:"retry"`
	Ingest    IngestSection    `toml:"ingest"`
}

// DefaultTuning returns the values used when no tuning file is given
func DefaultTuning() *Tuning {
	ch := chunker.DefaultConfig()
	rp := retry.Default()
	return &Tuning{
		Chunker: ChunkerSection{
			MaxTokens:     ch.MaxTokens,
			OverlapTokens: ch.OverlapTokens,
		},
		Embedder: EmbedderSection{
			BatchSize:      32,
			MaxInputTokens: 2048,
			Dimension:      768,
		},
		Retriever: RetrieverSection{
			TopK:            6,
			MinRelevance:    0.3,
			CandidateFactor: 3,
			Timeout:         Duration(10 * time.Second),
		},
		Agent: AgentSection{
			MaxToolRounds: 4,
			Timezone:      "UTC",
			ToolTimeout:   Duration(30 * time.Second),
			HistoryLimit:  40,
		},
		Retry: RetrySection{
			MaxAttempts:    rp.MaxAttempts,
			InitialBackoff: Duration(rp.InitialBackoff),
			MaxBackoff:     Duration(rp.MaxBackoff),
			Multiplier:     rp.Multiplier,
		},
		Ingest: IngestSection{
			Concurrency:       4,
			AllowedExtensions: append([]string(nil), extract.DefaultExtensions...),
		},
	}
}

// LoadTuning reads a TOML tuning file over the defaults. An empty path
// returns the defaults.
func LoadTuning(path string) (*Tuning, error) {
	t := DefaultTuning()
	if path == "" {
		return t, nil
	}

	// #nosec G304 - path is expected to be provided by CLI argument
	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, goerr.Wrap(ErrConfigNotFound, "tuning file not found", goerr.V(ConfigPathKey, path))
		}
		return nil, goerr.Wrap(err, "failed to read tuning file", goerr.V(ConfigPathKey, path))
	}

	if err := toml.Unmarshal(data, t); err != nil {
		return nil, goerr.Wrap(errors.Join(ErrInvalidConfig, err), "failed to parse tuning file", goerr.V(ConfigPathKey, path))
	}

	if err := t.Validate(); err != nil {
		return nil, goerr.Wrap(err, "tuning validation failed", goerr.V(ConfigPathKey, path))
	}
	return t, nil
}

func invalid(section, field, msg string, value any) error {
	return goerr.Wrap(ErrInvalidConfig, msg,
		goerr.V(SectionKey, section),
		goerr.V(FieldKey, field),
		goerr.V("value", value))
}

// Validate checks every value and reports the first problem
func (t *Tuning) Validate() error {
	if err := t.ChunkerConfig().Validate(); err != nil {
		return goerr.Wrap(errors.Join(ErrInvalidConfig, err), "invalid chunker section", goerr.V(SectionKey, "chunker"))
	}

	switch {
	case t.Embedder.BatchSize < 1:
		return invalid("embedder", "batch_size", "batch_size must be positive", t.Embedder.BatchSize)
	case t.Embedder.MaxInputTokens < t.Chunker.MaxTokens:
		return invalid("embedder", "max_input_tokens", "max_input_tokens must hold a full chunk", t.Embedder.MaxInputTokens)
	case t.Embedder.Dimension < 1:
		return invalid("embedder", "dimension", "dimension must be positive", t.Embedder.Dimension)
	}

	switch {
	case t.Retriever.TopK < 1:
		return invalid("retriever", "top_k", "top_k must be at least 1", t.Retriever.TopK)
	case t.Retriever.MinRelevance < 0 || t.Retriever.MinRelevance > 1:
		return invalid("retriever", "min_relevance", "min_relevance must be within [0, 1]", t.Retriever.MinRelevance)
	case t.Retriever.CandidateFactor < 2:
		return invalid("retriever", "candidate_factor", "candidate_factor must be at least 2", t.Retriever.CandidateFactor)
	case t.Retriever.Timeout <= 0:
		return invalid("retriever", "timeout", "timeout must be positive", t.Retriever.Timeout.Std())
	}

	switch {
	case t.Agent.MaxToolRounds < 1:
		return invalid("agent", "max_tool_rounds", "max_tool_rounds must be at least 1", t.Agent.MaxToolRounds)
	case t.Agent.ToolTimeout <= 0:
		return invalid("agent", "tool_timeout", "tool_timeout must be positive", t.Agent.ToolTimeout.Std())
	case t.Agent.HistoryLimit < 0:
		return invalid("agent", "history_limit", "history_limit must not be negative", t.Agent.HistoryLimit)
	}
	if _, err := time.LoadLocation(t.Agent.Timezone); err != nil {
		return invalid("agent", "timezone", "unknown timezone", t.Agent.Timezone)
	}

	switch {
	case t.Retry.MaxAttempts < 1:
		return invalid("retry", "max_attempts", "max_attempts must be at least 1", t.Retry.MaxAttempts)
	case t.Retry.InitialBackoff < 0 || t.Retry.MaxBackoff < t.Retry.InitialBackoff:
		return invalid("retry", "max_backoff", "backoff must satisfy 0 <= initial_backoff <= max_backoff", t.Retry.MaxBackoff.Std())
	case t.Retry.Multiplier < 1:
		return invalid("retry", "multiplier", "multiplier must be at least 1", t.Retry.Multiplier)
	}

	if t.Ingest.Concurrency < 1 {
		return invalid("ingest", "concurrency", "concurrency must be at least 1", t.Ingest.Concurrency)
	}
	if len(t.Ingest.AllowedExtensions) == 0 {
		return invalid("ingest", "allowed_extensions", "at least one extension is required", t.Ingest.AllowedExtensions)
	}
	for _, ext := range t.Ingest.AllowedExtensions {
		if !strings.HasPrefix(ext, ".") || len(ext) < 2 {
			return invalid("ingest", "allowed_extensions", fmt.Sprintf("extension %q must start with a dot", ext), ext)
		}
	}

	return nil
}

// ChunkerConfig returns the chunker section as chunker.Config
func (t *Tuning) ChunkerConfig() chunker.Config {
	return chunker.Config{MaxTokens: t.Chunker.MaxTokens, OverlapTokens: t.Chunker.OverlapTokens}
}

// RetryPolicy returns the retry section as retry.Policy
func (t *Tuning) RetryPolicy() retry.Policy {
	return retry.Policy{
		MaxAttempts:    t.Retry.MaxAttempts,
		InitialBackoff: t.Retry.InitialBackoff.Std(),
		MaxBackoff:     t.Retry.MaxBackoff.Std(),
		Multiplier:     t.Retry.Multiplier,
	}
}

// Location returns the agent timezone. Validate guarantees it loads.
func (t *Tuning) Location() *time.Location {
	loc, err := time.LoadLocation(t.Agent.Timezone)
	if err != nil {
		return time.UTC
	}
	return loc
}
