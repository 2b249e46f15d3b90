// Package executor runs recognition on the lightweight or powerful tier.
// The local variant resolves models through a registry; the remote variant
// calls an HTTP inference endpoint per tier.
package executor

import (
	"context"
	"fmt"
	"strings"

	"go.uber.org/zap"

	"github.com/pario-ai/mathgate/pkg/fingerprint"
)

// Tier selects the inference path.
type Tier string

const (
	TierLightweight Tier = "lightweight"
	TierPowerful    Tier = "powerful"
)

// Input is one recognition request.
type Input struct {
	Tier        Tier
	Content     []byte
	Options     fingerprint.Options
	Fingerprint fingerprint.Fingerprint
}

// Output is a recognition result with the scores the router gates on.
type Output struct {
	Payload     []byte      `json:"payload"`
	Logits      [][]float32 `json:"logits,omitempty"`
	Embedding   []float32   `json:"embedding,omitempty"`
	Confidence  float32     `json:"confidence"`
	Uncertainty float32     `json:"uncertainty"`
}

// Executor runs a recognition on the requested tier.
type Executor interface {
	Execute(ctx context.Context, in Input) (Output, error)
}

// Embedder computes a similarity embedding without running recognition.
type Embedder interface {
	Embed(ctx context.Context, content []byte) ([]float32, error)
}

// Config selects and configures an executor variant.
type Config struct {
	Kind   string       `yaml:"kind"`
	Local  LocalConfig  `yaml:"local"`
	Remote RemoteConfig `yaml:"remote"`
	// EmbeddingCacheSize bounds the embedding LRU; zero disables it.
	EmbeddingCacheSize int `yaml:"embedding_cache_size"`
}

// New builds the executor named by cfg.Kind.
func New(cfg Config, log *zap.Logger) (Executor, error) {
	if log == nil {
		log = zap.NewNop()
	}
	switch strings.ToLower(cfg.Kind) {
	case "", "local":
		return NewLocal(cfg.Local, log)
	case "remote":
		return NewRemote(cfg.Remote, log)
	default:
		return nil, fmt.Errorf("unknown executor kind %q", cfg.Kind)
	}
}
