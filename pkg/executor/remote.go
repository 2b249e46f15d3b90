package executor

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/goccy/go-json"
	"github.com/sony/gobreaker"
	"go.uber.org/zap"

	"github.com/pario-ai/mathgate/pkg/fingerprint"
)

// RemoteConfig points each tier at an HTTP inference endpoint.
type RemoteConfig struct {
	LightweightURL string        `yaml:"lightweight_url"`
	PowerfulURL    string        `yaml:"powerful_url"`
	EmbedURL       string        `yaml:"embed_url"`
	APIKey         string        `yaml:"api_key"`
	Timeout        time.Duration `yaml:"timeout"`
	MaxRetries     int           `yaml:"max_retries"`
	// BreakerFailures consecutive transport failures open an endpoint's breaker.
	BreakerFailures uint32        `yaml:"breaker_failures"`
	BreakerCooldown time.Duration `yaml:"breaker_cooldown"`
}

// Remote calls inference endpoints over HTTP. Each endpoint has its own
// transport breaker; retryable failures are retried with exponential backoff.
type Remote struct {
	cfg      RemoteConfig
	client   *http.Client
	urls     map[Tier]string
	breakers map[string]*gobreaker.CircuitBreaker
	log      *zap.Logger
}

type remoteRequest struct {
	Tier        Tier                `json:"tier"`
	Content     []byte              `json:"content"`
	Options     fingerprint.Options `json:"options"`
	Fingerprint string              `json:"fingerprint,omitempty"`
}

type remoteResponse struct {
	Payload     string      `json:"payload"`
	Logits      [][]float32 `json:"logits,omitempty"`
	Embedding   []float32   `json:"embedding,omitempty"`
	Confidence  float32     `json:"confidence"`
	Uncertainty float32     `json:"uncertainty"`
}

// statusError carries a non-2xx response.
type statusError struct {
	Code int
	Body string
}

func (e *statusError) Error() string {
	return fmt.Sprintf("inference endpoint returned %d: %s", e.Code, e.Body)
}

func (e *statusError) retryable() bool {
	return e.Code == http.StatusTooManyRequests || e.Code >= 500
}

// NewRemote creates a Remote executor.
func NewRemote(cfg RemoteConfig, log *zap.Logger) (*Remote, error) {
	if cfg.LightweightURL == "" || cfg.PowerfulURL == "" {
		return nil, errors.New("remote executor requires lightweight_url and powerful_url")
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 10 * time.Second
	}
	if cfg.MaxRetries < 0 {
		cfg.MaxRetries = 0
	}
	if cfg.BreakerFailures == 0 {
		cfg.BreakerFailures = 5
	}
	if cfg.BreakerCooldown <= 0 {
		cfg.BreakerCooldown = 30 * time.Second
	}
	if log == nil {
		log = zap.NewNop()
	}

	r := &Remote{
		cfg:    cfg,
		client: &http.Client{Timeout: cfg.Timeout},
		urls: map[Tier]string{
			TierLightweight: cfg.LightweightURL,
			TierPowerful:    cfg.PowerfulURL,
		},
		breakers: make(map[string]*gobreaker.CircuitBreaker),
		log:      log,
	}
	for _, u := range []string{cfg.LightweightURL, cfg.PowerfulURL, cfg.EmbedURL} {
		if u == "" || r.breakers[u] != nil {
			continue
		}
		r.breakers[u] = gobreaker.NewCircuitBreaker(gobreaker.Settings{
			Name:        u,
			MaxRequests: 1,
			Timeout:     cfg.BreakerCooldown,
			ReadyToTrip: func(counts gobreaker.Counts) bool {
				return counts.ConsecutiveFailures >= cfg.BreakerFailures
			},
			IsSuccessful: func(err error) bool {
				var se *statusError
				// Client errors say nothing about endpoint health.
				return err == nil || (errors.As(err, &se) && !se.retryable())
			},
			OnStateChange: func(name string, from, to gobreaker.State) {
				log.Warn("inference endpoint breaker state change",
					zap.String("endpoint", name), zap.String("from", from.String()), zap.String("to", to.String()))
			},
		})
	}
	return r, nil
}

// Execute implements Executor.
func (r *Remote) Execute(ctx context.Context, in Input) (Output, error) {
	url, ok := r.urls[in.Tier]
	if !ok {
		return Output{}, fmt.Errorf("unknown tier %q", in.Tier)
	}
	req := remoteRequest{Tier: in.Tier, Content: in.Content, Options: in.Options}
	if !in.Fingerprint.IsZero() {
		req.Fingerprint = in.Fingerprint.String()
	}
	var resp remoteResponse
	if err := r.call(ctx, url, req, &resp); err != nil {
		return Output{}, err
	}
	return Output{
		Payload:     []byte(resp.Payload),
		Logits:      resp.Logits,
		Embedding:   resp.Embedding,
		Confidence:  resp.Confidence,
		Uncertainty: resp.Uncertainty,
	}, nil
}

// Embed implements Embedder when an embedding endpoint is configured.
func (r *Remote) Embed(ctx context.Context, content []byte) ([]float32, error) {
	if r.cfg.EmbedURL == "" {
		return nil, nil
	}
	var resp struct {
		Embedding []float32 `json:"embedding"`
	}
	if err := r.call(ctx, r.cfg.EmbedURL, map[string][]byte{"content": content}, &resp); err != nil {
		return nil, err
	}
	return resp.Embedding, nil
}

func (r *Remote) call(ctx context.Context, url string, body, out any) error {
	data, err := json.Marshal(body)
	if err != nil {
		return fmt.Errorf("encode inference request: %w", err)
	}
	cb := r.breakers[url]

	b := backoff.WithContext(backoff.WithMaxRetries(newBackOff(), uint64(r.cfg.MaxRetries)), ctx)
	attempt := 0
	op := func() error {
		attempt++
		_, err := cb.Execute(func() (interface{}, error) {
			return nil, r.post(ctx, url, data, out)
		})
		if err == nil {
			return nil
		}
		if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
			return backoff.Permanent(err)
		}
		var se *statusError
		if errors.As(err, &se) && !se.retryable() {
			return backoff.Permanent(err)
		}
		if ctx.Err() != nil {
			return backoff.Permanent(ctx.Err())
		}
		r.log.Debug("inference call failed, retrying",
			zap.String("url", url), zap.Int("attempt", attempt), zap.Error(err))
		return err
	}
	if err := backoff.Retry(op, b); err != nil {
		return fmt.Errorf("inference %s: %w", url, err)
	}
	return nil
}

func (r *Remote) post(ctx context.Context, url string, data []byte, out any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(data))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	if r.cfg.APIKey != "" {
		req.Header.Set("Authorization", "Bearer "+r.cfg.APIKey)
	}

	resp, err := r.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return &statusError{Code: resp.StatusCode, Body: string(bytes.TrimSpace(msg))}
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return backoff.Permanent(fmt.Errorf("decode inference response: %w", err))
	}
	return nil
}

// BreakerState returns the transport breaker state for tier's endpoint.
func (r *Remote) BreakerState(tier Tier) gobreaker.State {
	return r.breakers[r.urls[tier]].State()
}

func newBackOff() backoff.BackOff {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = 50 * time.Millisecond
	b.MaxInterval = 2 * time.Second
	b.MaxElapsedTime = 0
	return b
}
