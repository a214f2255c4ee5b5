// Package config holds the three option bundles of a MOFA2 model run
// (data, model, training) and turns them into a frozen, validated
// Configuration at a single Prepare step. A partially configured state can
// never reach the inference engine: the engine only accepts the frozen
// form.
package config

import "time"

// Likelihood selects the per-view noise model.
type Likelihood string

const (
	// Gaussian is the default likelihood for continuous views.
	Gaussian Likelihood = "gaussian"
	// Bernoulli handles binary {0,1} views via the Jaakkola bound.
	Bernoulli Likelihood = "bernoulli"
	// Poisson handles non-negative count views via a quadratic bound.
	Poisson Likelihood = "poisson"
)

// ConvergenceMode maps to an ELBO tolerance preset.
type ConvergenceMode string

const (
	// Fast stops at a relative ELBO change of 1e-3.
	Fast ConvergenceMode = "fast"
	// Medium stops at 1e-4.
	Medium ConvergenceMode = "medium"
	// Slow stops at 1e-5.
	Slow ConvergenceMode = "slow"
)

// Tolerance returns the relative ELBO-change tolerance of the mode, or -1
// for an unknown mode.
func (m ConvergenceMode) Tolerance() float64 {
	switch m {
	case Fast:
		return 1e-3
	case Medium:
		return 1e-4
	case Slow:
		return 1e-5
	}
	return -1
}

// DataOptions controls the normalization applied to the container at
// Prepare time.
type DataOptions struct {
	// CenterGroups subtracts the per-(view, group, feature) mean.
	// Only Gaussian views are centered; binary and count views keep
	// their raw values.
	CenterGroups bool `koanf:"center_groups"`
	// ScaleViews rescales each Gaussian view to unit total variance.
	ScaleViews bool `koanf:"scale_views"`
}

// ModelOptions controls the shape and priors of the factor model.
type ModelOptions struct {
	// NumFactors is the initial latent dimensionality. Required.
	NumFactors int `koanf:"num_factors"`
	// Likelihoods overrides the noise model per view; unnamed views are
	// Gaussian.
	Likelihoods map[string]Likelihood `koanf:"likelihoods"`
	// SparsityPrior enables the ARD prior on weights.
	SparsityPrior bool `koanf:"sparsity_prior"`
	// DropFactorThreshold is the variance-explained fraction below which
	// a factor is pruned. 0 disables pruning.
	DropFactorThreshold float64 `koanf:"drop_factor_threshold"`
	// StartDropFactor is the first iteration at which pruning may run.
	StartDropFactor int `koanf:"start_drop_factor"`
}

// TrainingOptions controls the optimization loop.
type TrainingOptions struct {
	ConvergenceMode ConvergenceMode `koanf:"convergence_mode"`
	MaxIterations   int             `koanf:"max_iterations"`
	// MaxTime caps wall-clock training time; 0 means no cap. Checked
	// between iterations, never mid-iteration.
	MaxTime  time.Duration `koanf:"max_time"`
	Seed     int64         `koanf:"seed"`
	Restarts int           `koanf:"restarts"`
	// ELBOFreq is the iteration interval between ELBO evaluations.
	ELBOFreq int  `koanf:"elbo_freq"`
	Verbose  bool `koanf:"verbose"`
}

// DefaultDataOptions returns the documented data-option defaults.
func DefaultDataOptions() DataOptions {
	return DataOptions{CenterGroups: true, ScaleViews: false}
}

// DefaultModelOptions returns the documented model-option defaults.
// NumFactors has no default and must be set.
func DefaultModelOptions() ModelOptions {
	return ModelOptions{
		SparsityPrior:       true,
		DropFactorThreshold: 0.01,
		StartDropFactor:     5,
	}
}

// DefaultTrainingOptions returns the documented training-option defaults.
func DefaultTrainingOptions() TrainingOptions {
	return TrainingOptions{
		ConvergenceMode: Medium,
		MaxIterations:   1000,
		Seed:            42,
		Restarts:        1,
		ELBOFreq:        1,
	}
}

// Builder accumulates the three option bundles before Prepare freezes
// them. Fields may be set directly or through With options. A builder is
// single-use: once Prepare has produced a frozen Config, further Prepare
// calls fail with ErrFrozenConfig.
type Builder struct {
	Data     DataOptions
	Model    ModelOptions
	Training TrainingOptions

	frozen bool
}

// Option mutates a Builder.
type Option func(*Builder)

// New returns a Builder seeded with defaults and the given options applied.
func New(opts ...Option) *Builder {
	b := &Builder{
		Data:     DefaultDataOptions(),
		Model:    DefaultModelOptions(),
		Training: DefaultTrainingOptions(),
	}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

// WithNumFactors sets the initial factor count.
func WithNumFactors(k int) Option {
	return func(b *Builder) { b.Model.NumFactors = k }
}

// WithLikelihood sets the noise model of one view.
func WithLikelihood(view string, lik Likelihood) Option {
	return func(b *Builder) {
		if b.Model.Likelihoods == nil {
			b.Model.Likelihoods = make(map[string]Likelihood)
		}
		b.Model.Likelihoods[view] = lik
	}
}

// WithSparsityPrior toggles the ARD prior on weights.
func WithSparsityPrior(on bool) Option {
	return func(b *Builder) { b.Model.SparsityPrior = on }
}

// WithDropFactorThreshold sets the pruning threshold.
func WithDropFactorThreshold(t float64) Option {
	return func(b *Builder) { b.Model.DropFactorThreshold = t }
}

// WithConvergenceMode sets the tolerance preset.
func WithConvergenceMode(m ConvergenceMode) Option {
	return func(b *Builder) { b.Training.ConvergenceMode = m }
}

// WithMaxIterations sets the iteration cap.
func WithMaxIterations(n int) Option {
	return func(b *Builder) { b.Training.MaxIterations = n }
}

// WithMaxTime sets the wall-clock cap.
func WithMaxTime(d time.Duration) Option {
	return func(b *Builder) { b.Training.MaxTime = d }
}

// WithSeed sets the random seed.
func WithSeed(seed int64) Option {
	return func(b *Builder) { b.Training.Seed = seed }
}

// WithRestarts sets the number of independent seeded restarts.
func WithRestarts(n int) Option {
	return func(b *Builder) { b.Training.Restarts = n }
}

// WithCenterGroups toggles per-group centering.
func WithCenterGroups(on bool) Option {
	return func(b *Builder) { b.Data.CenterGroups = on }
}

// WithScaleViews toggles per-view scaling.
func WithScaleViews(on bool) Option {
	return func(b *Builder) { b.Data.ScaleViews = on }
}

// WithVerbose toggles per-check progress logging.
func WithVerbose(on bool) Option {
	return func(b *Builder) { b.Training.Verbose = on }
}
