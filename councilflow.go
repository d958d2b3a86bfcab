// Package councilflow provides a top-level convenience entry point for
// embedding the deliberation engine as a library.
//
// Usage:
//
//	import "github.com/BaSui01/councilflow"
//
//	m, err := councilflow.New(
//		councilflow.WithOpenAICompatible("openai", apiKey, "https://api.openai.com"),
//	)
//	m, err := councilflow.New(councilflow.WithGenerator(myGenerator))
//
// This is a thin wrapper around [round.NewRunner] and [round.NewManager];
// the HTTP service in cmd/councilflow wires the same pieces explicitly.
package councilflow

import (
	"go.uber.org/zap"

	"github.com/BaSui01/councilflow/llm"
	"github.com/BaSui01/councilflow/quality"
	"github.com/BaSui01/councilflow/round"
	"github.com/BaSui01/councilflow/types"
	"github.com/BaSui01/councilflow/usage"
)

// Option configures the engine created by [New].
type Option func(*options)

type options struct {
	runner    round.RunnerOptions
	providers []llm.Config
}

// New creates a [round.Manager] with minimal configuration.
// At minimum, a generator must be specified via [WithGenerator] or
// [WithOpenAICompatible].
func New(opts ...Option) (*round.Manager, error) {
	var o options
	for _, opt := range opts {
		opt(&o)
	}
	if o.runner.Generator == nil && len(o.providers) > 0 {
		router := llm.NewRouter(o.runner.Logger)
		for _, cfg := range o.providers {
			router.Register(cfg.Provider, llm.NewClient(cfg, o.runner.Logger))
		}
		o.runner.Generator = router
	}
	if o.runner.Generator == nil {
		return nil, types.NewError(types.ErrInvalidRequest, "a generator is required")
	}

	runner, err := round.NewRunner(o.runner)
	if err != nil {
		return nil, err
	}
	return round.NewManager(runner, o.runner.Logger), nil
}

// WithGenerator sets a pre-built generation backend.
func WithGenerator(g round.Generator) Option {
	return func(o *options) { o.runner.Generator = g }
}

// WithOpenAICompatible registers an OpenAI 兼容 provider on the engine's
// router. May be repeated for additional providers.
func WithOpenAICompatible(provider, apiKey, baseURL string) Option {
	return func(o *options) {
		o.providers = append(o.providers, llm.Config{
			Provider: provider,
			APIKey:   apiKey,
			BaseURL:  baseURL,
		})
	}
}

// WithStore sets the reply persistence backend. Defaults to an in-memory store.
func WithStore(store round.ReplyStore) Option {
	return func(o *options) { o.runner.Store = store }
}

// WithQuality overrides the output normalization thresholds.
func WithQuality(config quality.Config) Option {
	return func(o *options) {
		o.runner.Normalizer = quality.NewNormalizer(config, o.runner.Logger)
	}
}

// WithRecorder sets the usage ingestion backend. Defaults to a no-op recorder.
func WithRecorder(recorder usage.Recorder) Option {
	return func(o *options) { o.runner.Recorder = recorder }
}

// WithCircuitTripper sets the sink for provider-level 5xx failure signals,
// typically a gate circuit breaker.
func WithCircuitTripper(tripper round.CircuitTripper) Option {
	return func(o *options) { o.runner.Tripper = tripper }
}

// WithEstimator sets the token estimator used when the provider omits usage.
func WithEstimator(estimator usage.Estimator) Option {
	return func(o *options) { o.runner.Estimator = estimator }
}

// WithLogger sets a custom zap logger.
func WithLogger(logger *zap.Logger) Option {
	return func(o *options) { o.runner.Logger = logger }
}
