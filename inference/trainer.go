package inference

import (
	"log/slog"
	"math"
	"sync"
	"time"

	"github.com/google/uuid"
	"gonum.org/v1/gonum/mat"

	"github.com/laurenctang/MOFA2/artifact"
	"github.com/laurenctang/MOFA2/config"
	"github.com/laurenctang/MOFA2/core/model"
	"github.com/laurenctang/MOFA2/data"
	"github.com/laurenctang/MOFA2/pkg/errors"
	"github.com/laurenctang/MOFA2/pkg/log"
)

const (
	// restartSeedStride separates the derived seeds of independent restarts.
	restartSeedStride = 7919

	// divergenceSlack is the relative ELBO decrease tolerated before the
	// damped retry kicks in. Factor re-centering perturbs the bound by
	// amounts far below this.
	divergenceSlack = 1e-6

	// retryDamping blends the retried iteration's posterior with the
	// previous one.
	retryDamping = 0.5
)

// Trainer fits the latent factor model described by a frozen Config to a
// prepared data container. A Trainer is single-use per Fit call but safe
// to reuse sequentially.
type Trainer struct {
	model.BaseEstimator

	cfg       *config.Config
	container *data.Container
	fitted    *artifact.Model
}

// NewTrainer creates a trainer over a frozen configuration and its
// container.
func NewTrainer(cfg *config.Config, c *data.Container) *Trainer {
	return &Trainer{cfg: cfg, container: c}
}

// Model returns the artifact produced by the last successful Fit, or a
// NotFittedError before one exists.
func (t *Trainer) Model() (*artifact.Model, error) {
	if !t.IsFitted() {
		return nil, errors.NewNotFittedError("Trainer", "Model")
	}
	return t.fitted, nil
}

type runResult struct {
	state      *runState
	runID      string
	trace      []float64
	elbo       float64
	iterations int
	converged  bool
	elapsed    time.Duration
	err        error
}

// Fit runs the configured number of independent seeded restarts
// concurrently and wraps the highest-ELBO posterior into a fitted model.
// With a fixed seed, configuration and data, the returned factor and
// weight arrays are identical across calls. Non-convergence within the
// iteration or wall-clock cap is reported as a ConvergenceWarning and a
// diagnostics flag, never as an error.
func (t *Trainer) Fit() (*artifact.Model, error) {
	if t.cfg == nil || t.container == nil {
		return nil, errors.New("inference: trainer needs a frozen config and a data container")
	}

	restarts := t.cfg.Restarts()
	results := make([]runResult, restarts)

	var wg sync.WaitGroup
	for r := 0; r < restarts; r++ {
		wg.Add(1)
		go func(r int) {
			defer wg.Done()
			results[r] = t.runOne(r)
		}(r)
	}
	wg.Wait()

	// Highest ELBO wins; ties resolve to the lowest restart index so
	// multi-restart fits stay deterministic.
	best := -1
	for r := range results {
		if results[r].err != nil {
			slog.Default().Error("restart failed",
				"run_id", results[r].runID,
				"restart", r,
				log.ErrAttr(results[r].err),
			)
			continue
		}
		if best < 0 || results[r].elbo > results[best].elbo {
			best = r
		}
	}
	if best < 0 {
		return nil, results[0].err
	}
	res := results[best]

	if !res.converged {
		errors.Warn(errors.NewConvergenceWarning("MOFA2 variational inference", res.iterations, ""))
	}

	m, err := t.buildModel(res, best)
	if err != nil {
		return nil, err
	}
	t.fitted = m
	t.SetFitted()

	slog.Default().Info("training finished",
		"run_id", res.runID,
		"restart", best,
		"iterations", res.iterations,
		"converged", res.converged,
		"factors", res.state.k,
		"elbo", res.elbo,
		"elapsed", res.elapsed,
	)
	return m, nil
}

// runOne executes one seeded restart to completion. Panics inside the
// update sweeps surface as errors so one broken restart cannot take down
// its siblings.
func (t *Trainer) runOne(restart int) (res runResult) {
	defer errors.Recover(&res.err, "inference.runOne")

	cfg := t.cfg
	res.runID = uuid.NewString()
	res.elbo = math.Inf(-1)

	seed := cfg.Seed() + int64(restart)*restartSeedStride
	s := newRunState(cfg, t.container, seed)
	res.state = s

	logger := slog.Default().With("run_id", res.runID, "restart", restart)

	start := time.Now()
	var deadline time.Time
	if cfg.MaxTime() > 0 {
		deadline = start.Add(cfg.MaxTime())
	}

	tol := cfg.Tolerance()
	var (
		firstELBO       float64
		prevELBO        float64
		haveFirst       bool
		prunedSinceLast bool
		snapshot        *runState
	)

	for iter := 1; iter <= cfg.MaxIterations(); iter++ {
		if !deadline.IsZero() && time.Now().After(deadline) {
			logger.Debug("wall-clock cap reached", "iteration", iter)
			break
		}

		checkELBO := iter%cfg.ELBOFreq() == 0 || iter == cfg.MaxIterations()
		if checkELBO {
			snapshot = s.clone()
		}

		s.iterate()
		res.iterations = iter

		if checkELBO {
			e := s.elbo()
			scale := math.Max(math.Abs(firstELBO), 1.0)

			switch {
			case !haveFirst:
				firstELBO = e
				haveFirst = true
			case prunedSinceLast:
				// The bound is not comparable across factor counts;
				// re-baseline instead of judging this delta.
				prunedSinceLast = false
			case e < prevELBO-divergenceSlack*scale:
				var retryErr error
				e, retryErr = s.dampedRetry(snapshot, prevELBO, scale, res.runID, iter)
				if retryErr != nil {
					res.err = retryErr
					return res
				}
			case math.Abs(e-prevELBO) < tol*scale:
				res.trace = append(res.trace, e)
				prevELBO = e
				res.converged = true
				res.elbo = e
				res.elapsed = time.Since(start)
				if cfg.Verbose() {
					logger.Info("converged", "iteration", iter, "elbo", e, "factors", s.k)
				}
				return res
			}

			res.trace = append(res.trace, e)
			prevELBO = e
			res.elbo = e
			if cfg.Verbose() {
				logger.Info("elbo check", "iteration", iter, "elbo", e, "factors", s.k)
			}
		}

		if iter >= cfg.StartDropFactor() {
			before := s.k
			if err := s.pruneFactors(iter); err != nil {
				res.err = err
				return res
			}
			if s.k != before {
				prunedSinceLast = true
				logger.Debug("factors pruned", "iteration", iter, "remaining", s.k)
			}
		}
	}

	// A deadline can expire before the first scheduled ELBO check; the
	// diagnostics still need a finite bound for the posterior we return.
	if len(res.trace) == 0 {
		e := s.elbo()
		res.trace = append(res.trace, e)
		res.elbo = e
	}
	res.elapsed = time.Since(start)
	return res
}

// iterate runs one full coordinate-ascent sweep.
func (s *runState) iterate() {
	s.updatePseudoData()
	s.updateFactors()
	s.updateWeights()
	s.updateAlpha()
	s.updateTau()
	s.recenterFactors()
}

// dampedRetry rolls the posterior back to the last snapshot, repeats the
// iteration with blended updates and re-evaluates the bound. A decrease
// that survives the retry is a NumericalDivergenceError for exact
// (all-Gaussian) models; models using bound surrogates tolerate it, since
// their objective is itself approximate.
func (s *runState) dampedRetry(snapshot *runState, prevELBO, scale float64, runID string, iter int) (float64, error) {
	s.restoreFrom(snapshot)
	s.iterate()
	s.dampTowards(snapshot, retryDamping)
	// Re-derive the conjugate nodes from the blended means before scoring.
	s.updateAlpha()
	s.updateTau()

	e := s.elbo()
	if e >= prevELBO-divergenceSlack*scale {
		return e, nil
	}
	for v := 0; v < s.nViews; v++ {
		if s.cfg.Likelihood(v) != config.Gaussian {
			return e, nil
		}
	}
	return e, errors.NewNumericalDivergenceError(runID, iter, e-prevELBO)
}

// buildModel freezes the winning posterior into a read-only artifact.
func (t *Trainer) buildModel(res runResult, restart int) (*artifact.Model, error) {
	s := res.state
	s.orderFactors()
	s.recenterFactors()
	ve, totals := s.varianceTable()

	cfg := t.cfg
	c := t.container
	views := c.ViewNames()
	groups := c.GroupNames()

	featureNames := make([][]string, len(views))
	for v, name := range views {
		fn, err := c.FeatureNames(name)
		if err != nil {
			return nil, err
		}
		featureNames[v] = fn
	}
	sampleNames := make([][]string, len(groups))
	for g, name := range groups {
		sn, err := c.SampleNames(name)
		if err != nil {
			return nil, err
		}
		sampleNames[g] = sn
	}

	factors := make([]*mat.Dense, len(groups))
	for g := range groups {
		factors[g] = mat.DenseCopyOf(s.zMean[g])
	}
	weights := make([]*mat.Dense, len(views))
	for v := range views {
		weights[v] = mat.DenseCopyOf(s.wMean[v])
	}

	liks := make(map[string]string, len(views))
	for name, l := range cfg.Likelihoods() {
		liks[name] = string(l)
	}

	spec := artifact.Spec{
		ViewNames:         views,
		GroupNames:        groups,
		FeatureNames:      featureNames,
		SampleNames:       sampleNames,
		Factors:           factors,
		Weights:           weights,
		VarianceExplained: ve,
		TotalVariance:     totals,
		Options: artifact.Options{
			NumFactors:          cfg.NumFactors(),
			Likelihoods:         liks,
			SparsityPrior:       cfg.SparsityPrior(),
			DropFactorThreshold: cfg.DropFactorThreshold(),
			ConvergenceMode:     string(cfg.ConvergenceMode()),
			MaxIterations:       cfg.MaxIterations(),
			Seed:                cfg.Seed(),
			Restarts:            cfg.Restarts(),
			CenterGroups:        cfg.CenterGroups(),
			ScaleViews:          cfg.ScaleViews(),
		},
		Diagnostics: artifact.Diagnostics{
			RunID:      res.runID,
			Iterations: res.iterations,
			Converged:  res.converged,
			FinalELBO:  res.elbo,
			ELBOTrace:  res.trace,
			Elapsed:    res.elapsed,
			Restart:    restart,
		},
	}
	return artifact.New(spec)
}
