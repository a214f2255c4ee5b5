// Package inference fits the multi-group, multi-view latent factor model
// by mean-field coordinate-ascent variational inference.
//
// The model: for group g and view m, every observed entry of the block
// Y[g][m] is generated from the view's likelihood with mean Z_g W_mᵀ,
// where Z_g holds per-sample factor scores and W_m per-feature weights.
// Weights optionally carry an ARD sparsity prior (Gamma precision alpha
// per view and factor); Gaussian views carry a Gamma noise precision tau
// per group, view and feature. Missing cells are excluded from every
// sufficient statistic.
package inference

import (
	"math"
	"math/rand"

	"gonum.org/v1/gonum/mat"

	"github.com/laurenctang/MOFA2/config"
	"github.com/laurenctang/MOFA2/data"
)

// Gamma prior hyperparameters shared by the alpha and tau nodes.
const (
	priorA = 1e-3
	priorB = 1e-3
)

// fixed weight prior precision when the ARD prior is disabled
const plainWeightPrecision = 1.0

// runState owns one restart's complete variational posterior. Restarts
// never share state, so a multi-restart fit can run them concurrently.
type runState struct {
	cfg *config.Config
	c   *data.Container

	nGroups int
	nViews  int
	k       int

	// Gaussian posteriors: means and variances, per element.
	zMean []*mat.Dense // per group: samples × factors
	zVar  []*mat.Dense
	wMean []*mat.Dense // per view: features × factors
	wVar  []*mat.Dense

	// Gamma posterior over the ARD precision alpha, per view and factor.
	alphaA   [][]float64
	alphaB   [][]float64
	eAlpha   [][]float64
	eLnAlpha [][]float64

	// Gamma posterior over the noise precision tau, per group, view and
	// feature. Only Gaussian views use it.
	tauA   [][][]float64
	tauB   [][][]float64
	eTau   [][][]float64
	eLnTau [][][]float64

	// yObs[g][v] is the observed block, shared read-only with the
	// container. yPseudo is what the Gaussian updates actually see: the
	// observed block for Gaussian views, the bound's pseudo-data
	// otherwise. sitePrec[g][v] is the per-entry precision of
	// non-Gaussian views (nil for Gaussian ones).
	yObs     [][]*mat.Dense
	yPseudo  [][]*mat.Dense
	sitePrec [][]*mat.Dense

	// nObs[g][v][d] counts observed cells per feature.
	nObs [][][]int

	// poissonKappa[v][d] is the Poisson bound curvature, fixed at init.
	poissonKappa [][]float64
}

func newRunState(cfg *config.Config, c *data.Container, seed int64) *runState {
	s := &runState{
		cfg:     cfg,
		c:       c,
		nGroups: c.NumGroups(),
		nViews:  c.NumViews(),
		k:       cfg.NumFactors(),
	}
	rng := rand.New(rand.NewSource(seed))

	groups := c.GroupNames()
	views := c.ViewNames()

	s.zMean = make([]*mat.Dense, s.nGroups)
	s.zVar = make([]*mat.Dense, s.nGroups)
	for g := range groups {
		n, _, _ := c.Dims(views[0], groups[g])
		zm := mat.NewDense(n, s.k, nil)
		zv := mat.NewDense(n, s.k, nil)
		for i := 0; i < n; i++ {
			for kk := 0; kk < s.k; kk++ {
				zm.Set(i, kk, rng.NormFloat64())
				zv.Set(i, kk, 1.0)
			}
		}
		s.zMean[g] = zm
		s.zVar[g] = zv
	}

	s.wMean = make([]*mat.Dense, s.nViews)
	s.wVar = make([]*mat.Dense, s.nViews)
	s.alphaA = make([][]float64, s.nViews)
	s.alphaB = make([][]float64, s.nViews)
	s.eAlpha = make([][]float64, s.nViews)
	s.eLnAlpha = make([][]float64, s.nViews)
	for v := range views {
		_, d, _ := c.Dims(views[v], groups[0])
		wm := mat.NewDense(d, s.k, nil)
		wv := mat.NewDense(d, s.k, nil)
		for j := 0; j < d; j++ {
			for kk := 0; kk < s.k; kk++ {
				wm.Set(j, kk, 0.1*rng.NormFloat64())
				wv.Set(j, kk, 1.0)
			}
		}
		s.wMean[v] = wm
		s.wVar[v] = wv

		s.alphaA[v] = constSlice(s.k, priorA)
		s.alphaB[v] = constSlice(s.k, priorB)
		s.eAlpha[v] = constSlice(s.k, 1.0)
		s.eLnAlpha[v] = constSlice(s.k, 0.0)
	}

	s.yObs = make([][]*mat.Dense, s.nGroups)
	s.yPseudo = make([][]*mat.Dense, s.nGroups)
	s.sitePrec = make([][]*mat.Dense, s.nGroups)
	s.nObs = make([][][]int, s.nGroups)
	s.tauA = make([][][]float64, s.nGroups)
	s.tauB = make([][][]float64, s.nGroups)
	s.eTau = make([][][]float64, s.nGroups)
	s.eLnTau = make([][][]float64, s.nGroups)
	s.poissonKappa = make([][]float64, s.nViews)

	for g := range groups {
		s.yObs[g] = make([]*mat.Dense, s.nViews)
		s.yPseudo[g] = make([]*mat.Dense, s.nViews)
		s.sitePrec[g] = make([]*mat.Dense, s.nViews)
		s.nObs[g] = make([][]int, s.nViews)
		s.tauA[g] = make([][]float64, s.nViews)
		s.tauB[g] = make([][]float64, s.nViews)
		s.eTau[g] = make([][]float64, s.nViews)
		s.eLnTau[g] = make([][]float64, s.nViews)

		for v := range views {
			block := c.Block(v, g)
			n, d := block.Dims()
			s.yObs[g][v] = block
			s.nObs[g][v] = make([]int, d)
			for j := 0; j < d; j++ {
				for i := 0; i < n; i++ {
					if !math.IsNaN(block.At(i, j)) {
						s.nObs[g][v][j]++
					}
				}
			}

			switch cfg.Likelihood(v) {
			case config.Gaussian:
				s.yPseudo[g][v] = block
				s.tauA[g][v] = constSlice(d, priorA)
				s.tauB[g][v] = constSlice(d, priorB)
				s.eTau[g][v] = constSlice(d, 1.0)
				s.eLnTau[g][v] = constSlice(d, 0.0)
			default:
				s.yPseudo[g][v] = mat.NewDense(n, d, nil)
				s.sitePrec[g][v] = mat.NewDense(n, d, nil)
			}
		}
	}

	for v := range views {
		if cfg.Likelihood(v) != config.Poisson {
			continue
		}
		_, d, _ := c.Dims(views[v], groups[0])
		kappa := make([]float64, d)
		for j := 0; j < d; j++ {
			ymax := 0.0
			for g := range groups {
				block := c.Block(v, g)
				n, _ := block.Dims()
				for i := 0; i < n; i++ {
					if y := block.At(i, j); !math.IsNaN(y) && y > ymax {
						ymax = y
					}
				}
			}
			// Curvature of the quadratic bound on the softplus rate.
			kappa[j] = 0.25 + 0.17*ymax
		}
		s.poissonKappa[v] = kappa
	}

	return s
}

func constSlice(n int, v float64) []float64 {
	out := make([]float64, n)
	for i := range out {
		out[i] = v
	}
	return out
}

// prec returns the effective Gaussian precision of one observed cell:
// E[tau] of the feature for Gaussian views, the bound's site precision
// otherwise.
func (s *runState) prec(g, v, i, j int) float64 {
	if sp := s.sitePrec[g][v]; sp != nil {
		return sp.At(i, j)
	}
	return s.eTau[g][v][j]
}

// clone deep-copies the full posterior so an iteration can be rolled back
// for a damped retry.
func (s *runState) clone() *runState {
	cp := *s
	cp.zMean = copyDense(s.zMean)
	cp.zVar = copyDense(s.zVar)
	cp.wMean = copyDense(s.wMean)
	cp.wVar = copyDense(s.wVar)
	cp.alphaA = copyFloats2(s.alphaA)
	cp.alphaB = copyFloats2(s.alphaB)
	cp.eAlpha = copyFloats2(s.eAlpha)
	cp.eLnAlpha = copyFloats2(s.eLnAlpha)
	cp.tauA = copyFloats3(s.tauA)
	cp.tauB = copyFloats3(s.tauB)
	cp.eTau = copyFloats3(s.eTau)
	cp.eLnTau = copyFloats3(s.eLnTau)

	cp.yPseudo = make([][]*mat.Dense, s.nGroups)
	cp.sitePrec = make([][]*mat.Dense, s.nGroups)
	for g := 0; g < s.nGroups; g++ {
		cp.yPseudo[g] = make([]*mat.Dense, s.nViews)
		cp.sitePrec[g] = make([]*mat.Dense, s.nViews)
		for v := 0; v < s.nViews; v++ {
			if s.sitePrec[g][v] == nil {
				// Gaussian: pseudo-data is the observed block itself.
				cp.yPseudo[g][v] = s.yPseudo[g][v]
				continue
			}
			cp.yPseudo[g][v] = mat.DenseCopyOf(s.yPseudo[g][v])
			cp.sitePrec[g][v] = mat.DenseCopyOf(s.sitePrec[g][v])
		}
	}
	return &cp
}

// restoreFrom copies the posterior of old back into s.
func (s *runState) restoreFrom(old *runState) {
	s.zMean = copyDense(old.zMean)
	s.zVar = copyDense(old.zVar)
	s.wMean = copyDense(old.wMean)
	s.wVar = copyDense(old.wVar)
	s.alphaA = copyFloats2(old.alphaA)
	s.alphaB = copyFloats2(old.alphaB)
	s.eAlpha = copyFloats2(old.eAlpha)
	s.eLnAlpha = copyFloats2(old.eLnAlpha)
	s.tauA = copyFloats3(old.tauA)
	s.tauB = copyFloats3(old.tauB)
	s.eTau = copyFloats3(old.eTau)
	s.eLnTau = copyFloats3(old.eLnTau)
	s.k = old.k
	for g := 0; g < s.nGroups; g++ {
		for v := 0; v < s.nViews; v++ {
			if old.sitePrec[g][v] == nil {
				continue
			}
			s.yPseudo[g][v].Copy(old.yPseudo[g][v])
			s.sitePrec[g][v].Copy(old.sitePrec[g][v])
		}
	}
}

// dampTowards blends the current posterior means and variances with the
// previous iteration's: x <- damp*x + (1-damp)*old. Used for the single
// conservative retry after an ELBO decrease.
func (s *runState) dampTowards(old *runState, damp float64) {
	blend := func(cur, prev []*mat.Dense) {
		for i := range cur {
			r, c := cur[i].Dims()
			for a := 0; a < r; a++ {
				for b := 0; b < c; b++ {
					cur[i].Set(a, b, damp*cur[i].At(a, b)+(1-damp)*prev[i].At(a, b))
				}
			}
		}
	}
	blend(s.zMean, old.zMean)
	blend(s.zVar, old.zVar)
	blend(s.wMean, old.wMean)
	blend(s.wVar, old.wVar)
}

// dropFactors keeps only the listed factor columns in every posterior
// block, in the given order. Passing a permutation of all indices
// reorders the factors.
func (s *runState) dropFactors(keep []int) {
	strip := func(m *mat.Dense) *mat.Dense {
		r, _ := m.Dims()
		out := mat.NewDense(r, len(keep), nil)
		for i := 0; i < r; i++ {
			for j, col := range keep {
				out.Set(i, j, m.At(i, col))
			}
		}
		return out
	}
	for g := range s.zMean {
		s.zMean[g] = strip(s.zMean[g])
		s.zVar[g] = strip(s.zVar[g])
	}
	for v := range s.wMean {
		s.wMean[v] = strip(s.wMean[v])
		s.wVar[v] = strip(s.wVar[v])
		s.alphaA[v] = pick(s.alphaA[v], keep)
		s.alphaB[v] = pick(s.alphaB[v], keep)
		s.eAlpha[v] = pick(s.eAlpha[v], keep)
		s.eLnAlpha[v] = pick(s.eLnAlpha[v], keep)
	}
	s.k = len(keep)
}

func pick(xs []float64, idx []int) []float64 {
	out := make([]float64, len(idx))
	for i, j := range idx {
		out[i] = xs[j]
	}
	return out
}

func copyDense(ms []*mat.Dense) []*mat.Dense {
	out := make([]*mat.Dense, len(ms))
	for i, m := range ms {
		out[i] = mat.DenseCopyOf(m)
	}
	return out
}

func copyFloats2(xs [][]float64) [][]float64 {
	out := make([][]float64, len(xs))
	for i, x := range xs {
		out[i] = append([]float64(nil), x...)
	}
	return out
}

func copyFloats3(xs [][][]float64) [][][]float64 {
	out := make([][][]float64, len(xs))
	for i, x := range xs {
		out[i] = copyFloats2(x)
	}
	return out
}
