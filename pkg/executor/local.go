package executor

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"github.com/pario-ai/mathgate/pkg/fingerprint"
	"github.com/pario-ai/mathgate/pkg/registry"
)

// Model is a loaded recognizer for one tier.
type Model interface {
	Infer(ctx context.Context, content []byte, opts fingerprint.Options) (Output, error)
}

// LocalConfig configures in-process models.
type LocalConfig struct {
	// Loader names the model loader. Only "fake" ships with this package.
	Loader      string          `yaml:"loader"`
	Lightweight FakeModelConfig `yaml:"lightweight"`
	Powerful    FakeModelConfig `yaml:"powerful"`
}

// Local runs models resolved through a registry keyed by tier.
type Local struct {
	models *registry.Registry[Model]
}

// NewLocal builds a Local executor from cfg.
func NewLocal(cfg LocalConfig, log *zap.Logger) (*Local, error) {
	switch cfg.Loader {
	case "", "fake":
		loader := FakeLoader(map[Tier]FakeModelConfig{
			TierLightweight: cfg.Lightweight,
			TierPowerful:    cfg.Powerful,
		})
		return NewLocalWithLoader(loader, log), nil
	default:
		return nil, fmt.Errorf("unknown model loader %q", cfg.Loader)
	}
}

// NewLocalWithLoader builds a Local executor over an arbitrary loader.
func NewLocalWithLoader(loader registry.Loader[Model], log *zap.Logger) *Local {
	return &Local{models: registry.New(loader, log)}
}

// Execute implements Executor.
func (l *Local) Execute(ctx context.Context, in Input) (Output, error) {
	h, err := l.models.Acquire(ctx, string(in.Tier))
	if err != nil {
		return Output{}, fmt.Errorf("acquire %s model: %w", in.Tier, err)
	}
	defer h.Release()
	return h.Value().Infer(ctx, in.Content, in.Options)
}

// Embed implements Embedder with the lightweight model, if it can embed.
func (l *Local) Embed(ctx context.Context, content []byte) ([]float32, error) {
	h, err := l.models.Acquire(ctx, string(TierLightweight))
	if err != nil {
		return nil, fmt.Errorf("acquire embedding model: %w", err)
	}
	defer h.Release()
	if e, ok := h.Value().(Embedder); ok {
		return e.Embed(ctx, content)
	}
	return nil, nil
}

// Models exposes the registry, for inspection.
func (l *Local) Models() *registry.Registry[Model] {
	return l.models
}

// Close unloads every model.
func (l *Local) Close() error {
	return l.models.Close()
}
