package executor

import (
	"context"
	"crypto/sha256"
	"errors"
	"fmt"
	"math/rand/v2"
	"sync/atomic"
	"time"

	"github.com/pario-ai/mathgate/pkg/fingerprint"
	"github.com/pario-ai/mathgate/pkg/registry"
)

// ErrInjected is returned by fake models when a configured failure fires.
var ErrInjected = errors.New("injected model failure")

// FakeModelConfig shapes a deterministic stand-in model.
type FakeModelConfig struct {
	Confidence  float32       `yaml:"confidence"`
	Uncertainty float32       `yaml:"uncertainty"`
	Latency     time.Duration `yaml:"latency"`
	FailureRate float64       `yaml:"failure_rate"`
	Dims        int           `yaml:"dims"`
}

// DefaultFakeModels returns a confident lightweight model and a near-certain
// powerful one.
func DefaultFakeModels() (lightweight, powerful FakeModelConfig) {
	return FakeModelConfig{Confidence: 0.9, Uncertainty: 0.1, Dims: 64},
		FakeModelConfig{Confidence: 0.99, Uncertainty: 0.01, Dims: 64}
}

// FakeModel produces payloads derived from the content hash and byte
// histogram embeddings, so similar inputs get similar vectors.
type FakeModel struct {
	name  string
	cfg   FakeModelConfig
	calls atomic.Int64
}

// NewFakeModel creates a FakeModel.
func NewFakeModel(name string, cfg FakeModelConfig) *FakeModel {
	if cfg.Dims <= 0 {
		cfg.Dims = 64
	}
	return &FakeModel{name: name, cfg: cfg}
}

// FakeLoader returns a registry loader serving a FakeModel per tier.
func FakeLoader(cfgs map[Tier]FakeModelConfig) registry.Loader[Model] {
	return func(ctx context.Context, key string) (Model, error) {
		cfg, ok := cfgs[Tier(key)]
		if !ok {
			return nil, fmt.Errorf("no fake model for tier %q", key)
		}
		return NewFakeModel(key, cfg), nil
	}
}

// Infer implements Model.
func (m *FakeModel) Infer(ctx context.Context, content []byte, opts fingerprint.Options) (Output, error) {
	m.calls.Add(1)
	if m.cfg.Latency > 0 {
		t := time.NewTimer(m.cfg.Latency)
		select {
		case <-ctx.Done():
			t.Stop()
			return Output{}, ctx.Err()
		case <-t.C:
		}
	}
	if m.cfg.FailureRate > 0 && rand.Float64() < m.cfg.FailureRate {
		return Output{}, fmt.Errorf("%s: %w", m.name, ErrInjected)
	}

	sum := sha256.Sum256(content)
	emb, _ := m.Embed(ctx, content)
	c := m.cfg.Confidence
	return Output{
		Payload:     []byte(fmt.Sprintf("%s:%s:%x", m.name, opts.NormalizedFormat(), sum[:8])),
		Logits:      [][]float32{{c, 1 - c}},
		Embedding:   emb,
		Confidence:  c,
		Uncertainty: m.cfg.Uncertainty,
	}, nil
}

// Embed implements Embedder.
func (m *FakeModel) Embed(_ context.Context, content []byte) ([]float32, error) {
	v := make([]float32, m.cfg.Dims)
	for _, b := range content {
		v[int(b)%m.cfg.Dims]++
	}
	return v, nil
}

// Calls returns how many times Infer ran.
func (m *FakeModel) Calls() int64 {
	return m.calls.Load()
}
