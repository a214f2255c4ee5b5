package config

import (
	"math"
	"time"

	"github.com/laurenctang/MOFA2/data"
	"github.com/laurenctang/MOFA2/pkg/errors"
)

// Config is the frozen configuration produced by Builder.Prepare. It is
// immutable: all state is behind accessors and nothing exposes a settable
// field. The inference engine only accepts this form.
type Config struct {
	dataOpts     DataOptions
	modelOpts    ModelOptions
	trainingOpts TrainingOptions

	// likelihoods aligned with the container's view order.
	likelihoods []Likelihood
	viewNames   []string
}

// Prepare cross-validates the builder against the container, applies the
// data options (centering, scaling) and returns the frozen Config.
// Violations surface as ConfigMismatchError; the container is only
// mutated when validation passes in full.
func (b *Builder) Prepare(c *data.Container) (*Config, error) {
	if b.frozen {
		return nil, errors.Wrap(errors.ErrFrozenConfig, "config: builder already produced a frozen configuration")
	}
	if c == nil {
		return nil, errors.NewConfigMismatchError("container", "no data container supplied", nil)
	}

	if b.Model.NumFactors < 1 {
		return nil, errors.NewConfigMismatchError("num_factors", "must be at least 1", b.Model.NumFactors)
	}
	if n := c.TotalSamples(); b.Model.NumFactors > n {
		return nil, errors.NewConfigMismatchError("num_factors", "exceeds total sample count", b.Model.NumFactors)
	}
	if t := b.Model.DropFactorThreshold; t < 0 || t >= 1 {
		return nil, errors.NewConfigMismatchError("drop_factor_threshold", "must be in [0, 1)", t)
	}
	if b.Model.StartDropFactor < 0 {
		return nil, errors.NewConfigMismatchError("start_drop_factor", "must be non-negative", b.Model.StartDropFactor)
	}
	if b.Training.ConvergenceMode.Tolerance() < 0 {
		return nil, errors.NewConfigMismatchError("convergence_mode", "unknown mode", b.Training.ConvergenceMode)
	}
	if b.Training.MaxIterations < 1 {
		return nil, errors.NewConfigMismatchError("max_iterations", "must be at least 1", b.Training.MaxIterations)
	}
	if b.Training.MaxTime < 0 {
		return nil, errors.NewConfigMismatchError("max_time", "must be non-negative", b.Training.MaxTime)
	}
	if b.Training.Restarts < 1 {
		return nil, errors.NewConfigMismatchError("restarts", "must be at least 1", b.Training.Restarts)
	}
	if b.Training.ELBOFreq < 1 {
		return nil, errors.NewConfigMismatchError("elbo_freq", "must be at least 1", b.Training.ELBOFreq)
	}

	viewNames := c.ViewNames()
	for view := range b.Model.Likelihoods {
		if _, ok := c.ViewIndex(view); !ok {
			return nil, errors.NewConfigMismatchError("likelihoods", "unknown view", view)
		}
	}

	liks := make([]Likelihood, len(viewNames))
	for v, name := range viewNames {
		lik := Gaussian
		if l, ok := b.Model.Likelihoods[name]; ok {
			lik = l
		}
		switch lik {
		case Gaussian, Bernoulli, Poisson:
		default:
			return nil, errors.NewConfigMismatchError("likelihoods", "unknown likelihood", lik)
		}
		if err := checkLikelihood(c, v, name, lik); err != nil {
			return nil, err
		}
		liks[v] = lik
	}

	cfg := &Config{
		dataOpts:     b.Data,
		modelOpts:    b.Model,
		trainingOpts: b.Training,
		likelihoods:  liks,
		viewNames:    viewNames,
	}
	// Deep-copy the likelihood map so later builder mutation cannot leak in.
	cfg.modelOpts.Likelihoods = make(map[string]Likelihood, len(liks))
	for v, name := range viewNames {
		cfg.modelOpts.Likelihoods[name] = liks[v]
	}

	// Normalization only makes sense for Gaussian views; centering a
	// binary or count view would break its likelihood's domain, so those
	// views are left untouched.
	gaussViews := make([]int, 0, len(viewNames))
	for v := range viewNames {
		if liks[v] == Gaussian {
			gaussViews = append(gaussViews, v)
		}
	}
	if b.Data.CenterGroups {
		c.CenterGroups(gaussViews)
	}
	if b.Data.ScaleViews {
		c.ScaleViews(gaussViews)
	}

	b.frozen = true
	return cfg, nil
}

// checkLikelihood verifies the observed value range of a view against the
// requested noise model.
func checkLikelihood(c *data.Container, v int, name string, lik Likelihood) error {
	if lik == Gaussian {
		return nil
	}
	for g := 0; g < c.NumGroups(); g++ {
		b := c.Block(v, g)
		r, d := b.Dims()
		for i := 0; i < r; i++ {
			for j := 0; j < d; j++ {
				x := b.At(i, j)
				if math.IsNaN(x) {
					continue
				}
				switch lik {
				case Bernoulli:
					if x != 0 && x != 1 {
						return errors.NewConfigMismatchError("likelihoods",
							"bernoulli view contains values outside {0,1}", name)
					}
				case Poisson:
					if x < 0 || x != math.Trunc(x) {
						return errors.NewConfigMismatchError("likelihoods",
							"poisson view contains negative or non-integer values", name)
					}
				}
			}
		}
	}
	return nil
}

// NumFactors returns the initial factor count.
func (c *Config) NumFactors() int { return c.modelOpts.NumFactors }

// Likelihood returns the noise model of the view at the container index.
func (c *Config) Likelihood(view int) Likelihood { return c.likelihoods[view] }

// Likelihoods returns the per-view noise models keyed by view name.
func (c *Config) Likelihoods() map[string]Likelihood {
	out := make(map[string]Likelihood, len(c.modelOpts.Likelihoods))
	for k, v := range c.modelOpts.Likelihoods {
		out[k] = v
	}
	return out
}

// SparsityPrior reports whether the ARD weight prior is enabled.
func (c *Config) SparsityPrior() bool { return c.modelOpts.SparsityPrior }

// DropFactorThreshold returns the pruning threshold (0 disables pruning).
func (c *Config) DropFactorThreshold() float64 { return c.modelOpts.DropFactorThreshold }

// StartDropFactor returns the first iteration at which pruning may run.
func (c *Config) StartDropFactor() int { return c.modelOpts.StartDropFactor }

// ConvergenceMode returns the tolerance preset name.
func (c *Config) ConvergenceMode() ConvergenceMode { return c.trainingOpts.ConvergenceMode }

// Tolerance returns the relative ELBO-change tolerance.
func (c *Config) Tolerance() float64 { return c.trainingOpts.ConvergenceMode.Tolerance() }

// MaxIterations returns the iteration cap.
func (c *Config) MaxIterations() int { return c.trainingOpts.MaxIterations }

// MaxTime returns the wall-clock cap (0 = none).
func (c *Config) MaxTime() time.Duration { return c.trainingOpts.MaxTime }

// Seed returns the random seed.
func (c *Config) Seed() int64 { return c.trainingOpts.Seed }

// Restarts returns the number of independent seeded restarts.
func (c *Config) Restarts() int { return c.trainingOpts.Restarts }

// ELBOFreq returns the iteration interval between ELBO evaluations.
func (c *Config) ELBOFreq() int { return c.trainingOpts.ELBOFreq }

// Verbose reports whether per-check progress logging is enabled.
func (c *Config) Verbose() bool { return c.trainingOpts.Verbose }

// CenterGroups reports whether per-group centering was applied.
func (c *Config) CenterGroups() bool { return c.dataOpts.CenterGroups }

// ScaleViews reports whether per-view scaling was applied.
func (c *Config) ScaleViews() bool { return c.dataOpts.ScaleViews }
