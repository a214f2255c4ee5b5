package inference

import (
	"math"

	"gonum.org/v1/gonum/mat"

	"github.com/laurenctang/MOFA2/config"
	"github.com/laurenctang/MOFA2/core/parallel"
)

// parallelThreshold is the row count below which an update runs
// sequentially instead of fanning out.
const parallelThreshold = 64

// residual returns yPseudo - Z Wᵀ for one (group, view) block, with zero
// at missing cells. Missing cells are identified through the observed
// block, never the pseudo-data.
func (s *runState) residual(g, v int) *mat.Dense {
	y := s.yPseudo[g][v]
	obs := s.yObs[g][v]
	z := s.zMean[g]
	w := s.wMean[v]
	n, d := y.Dims()
	out := mat.NewDense(n, d, nil)
	for i := 0; i < n; i++ {
		for j := 0; j < d; j++ {
			if math.IsNaN(obs.At(i, j)) {
				continue
			}
			pred := 0.0
			for kk := 0; kk < s.k; kk++ {
				pred += z.At(i, kk) * w.At(j, kk)
			}
			out.Set(i, j, y.At(i, j)-pred)
		}
	}
	return out
}

// addFactorContribution adds sign * z_k w_kᵀ to the residual block,
// restricted to observed cells.
func (s *runState) addFactorContribution(resid *mat.Dense, g, v, kk int, sign float64) {
	obs := s.yObs[g][v]
	z := s.zMean[g]
	w := s.wMean[v]
	n, d := resid.Dims()
	for i := 0; i < n; i++ {
		zik := z.At(i, kk)
		if zik == 0 {
			continue
		}
		for j := 0; j < d; j++ {
			if math.IsNaN(obs.At(i, j)) {
				continue
			}
			resid.Set(i, j, resid.At(i, j)+sign*zik*w.At(j, kk))
		}
	}
}

// updateFactors performs the q(Z) coordinate update, one factor at a time
// with all others held fixed. Samples are independent given the weights,
// so each factor's sweep fans out across samples.
func (s *runState) updateFactors() {
	for g := 0; g < s.nGroups; g++ {
		resid := make([]*mat.Dense, s.nViews)
		for v := range resid {
			resid[v] = s.residual(g, v)
		}
		n, _ := s.zMean[g].Dims()

		for kk := 0; kk < s.k; kk++ {
			for v := 0; v < s.nViews; v++ {
				s.addFactorContribution(resid[v], g, v, kk, +1)
			}

			parallel.ParallelizeWithThreshold(n, parallelThreshold, func(start, end int) {
				for i := start; i < end; i++ {
					// unit-normal prior on factor scores
					p := 1.0
					num := 0.0
					for v := 0; v < s.nViews; v++ {
						obs := s.yObs[g][v]
						w := s.wMean[v]
						wv := s.wVar[v]
						d, _ := w.Dims()
						for j := 0; j < d; j++ {
							if math.IsNaN(obs.At(i, j)) {
								continue
							}
							tau := s.prec(g, v, i, j)
							wm := w.At(j, kk)
							p += tau * (wm*wm + wv.At(j, kk))
							num += tau * wm * resid[v].At(i, j)
						}
					}
					s.zVar[g].Set(i, kk, 1.0/p)
					s.zMean[g].Set(i, kk, num/p)
				}
			})

			for v := 0; v < s.nViews; v++ {
				s.addFactorContribution(resid[v], g, v, kk, -1)
			}
		}
	}
}

// updateWeights performs the q(W) coordinate update. Features are
// independent given the factors, so each factor's sweep fans out across
// features.
func (s *runState) updateWeights() {
	for v := 0; v < s.nViews; v++ {
		resid := make([]*mat.Dense, s.nGroups)
		for g := range resid {
			resid[g] = s.residual(g, v)
		}
		d, _ := s.wMean[v].Dims()
		ard := s.cfg.SparsityPrior()

		for kk := 0; kk < s.k; kk++ {
			for g := 0; g < s.nGroups; g++ {
				s.addFactorContribution(resid[g], g, v, kk, +1)
			}

			prior := plainWeightPrecision
			if ard {
				prior = s.eAlpha[v][kk]
			}

			parallel.ParallelizeWithThreshold(d, parallelThreshold, func(start, end int) {
				for j := start; j < end; j++ {
					p := prior
					num := 0.0
					for g := 0; g < s.nGroups; g++ {
						obs := s.yObs[g][v]
						z := s.zMean[g]
						zv := s.zVar[g]
						n, _ := z.Dims()
						for i := 0; i < n; i++ {
							if math.IsNaN(obs.At(i, j)) {
								continue
							}
							tau := s.prec(g, v, i, j)
							zm := z.At(i, kk)
							p += tau * (zm*zm + zv.At(i, kk))
							num += tau * zm * resid[g].At(i, j)
						}
					}
					s.wVar[v].Set(j, kk, 1.0/p)
					s.wMean[v].Set(j, kk, num/p)
				}
			})

			for g := 0; g < s.nGroups; g++ {
				s.addFactorContribution(resid[g], g, v, kk, -1)
			}
		}
	}
}

// updateAlpha performs the q(alpha) Gamma update of the ARD precision:
// a' = a0 + D/2, b' = b0 + Σ_d E[w²]/2 per view and factor.
func (s *runState) updateAlpha() {
	if !s.cfg.SparsityPrior() {
		return
	}
	for v := 0; v < s.nViews; v++ {
		d, _ := s.wMean[v].Dims()
		for kk := 0; kk < s.k; kk++ {
			sumW2 := 0.0
			for j := 0; j < d; j++ {
				wm := s.wMean[v].At(j, kk)
				sumW2 += wm*wm + s.wVar[v].At(j, kk)
			}
			a := priorA + float64(d)/2.0
			b := priorB + sumW2/2.0
			s.alphaA[v][kk] = a
			s.alphaB[v][kk] = b
			s.eAlpha[v][kk] = a / b
			s.eLnAlpha[v][kk] = digamma(a) - math.Log(b)
		}
	}
}

// updateTau performs the q(tau) Gamma update of the per-feature noise
// precision for Gaussian views: a' = a0 + n_obs/2 and
// b' = b0 + E[(y - ZWᵀ)²]/2, where the expectation expands into the
// squared residual of the posterior means plus the per-cell second-moment
// correction over factors.
func (s *runState) updateTau() {
	for g := 0; g < s.nGroups; g++ {
		for v := 0; v < s.nViews; v++ {
			if s.cfg.Likelihood(v) != config.Gaussian {
				continue
			}
			resid := s.residual(g, v)
			obs := s.yObs[g][v]
			n, d := resid.Dims()
			for j := 0; j < d; j++ {
				ss := 0.0
				for i := 0; i < n; i++ {
					if math.IsNaN(obs.At(i, j)) {
						continue
					}
					r := resid.At(i, j)
					ss += r*r + s.momentCorrection(g, v, i, j)
				}
				a := priorA + float64(s.nObs[g][v][j])/2.0
				b := priorB + ss/2.0
				s.tauA[g][v][j] = a
				s.tauB[g][v][j] = b
				s.eTau[g][v][j] = a / b
				s.eLnTau[g][v][j] = digamma(a) - math.Log(b)
			}
		}
	}
}

// momentCorrection is Σ_k (E[z²]E[w²] - E[z]²E[w]²) for one cell: the gap
// between the second moment of the linear predictor and its squared mean.
func (s *runState) momentCorrection(g, v, i, j int) float64 {
	z := s.zMean[g]
	zv := s.zVar[g]
	w := s.wMean[v]
	wv := s.wVar[v]
	corr := 0.0
	for kk := 0; kk < s.k; kk++ {
		zm := z.At(i, kk)
		wm := w.At(j, kk)
		corr += (zm*zm+zv.At(i, kk))*(wm*wm+wv.At(j, kk)) - zm*zm*wm*wm
	}
	return corr
}

// updatePseudoData refreshes the pseudo-data and site precisions of
// non-Gaussian views from the current posterior. Gaussian views have
// nothing to refresh.
func (s *runState) updatePseudoData() {
	for g := 0; g < s.nGroups; g++ {
		for v := 0; v < s.nViews; v++ {
			switch s.cfg.Likelihood(v) {
			case config.Bernoulli:
				s.updateBernoulliPseudo(g, v)
			case config.Poisson:
				s.updatePoissonPseudo(g, v)
			}
		}
	}
}

// updateBernoulliPseudo applies the Jaakkola bound: with site parameter
// xi² = E[(zw)²], the bound is a Gaussian likelihood of precision
// 2·lambda(xi) on pseudo-observations (y - 1/2) / (2·lambda(xi)).
func (s *runState) updateBernoulliPseudo(g, v int) {
	obs := s.yObs[g][v]
	n, d := obs.Dims()
	for i := 0; i < n; i++ {
		for j := 0; j < d; j++ {
			y := obs.At(i, j)
			if math.IsNaN(y) {
				continue
			}
			eta := 0.0
			for kk := 0; kk < s.k; kk++ {
				eta += s.zMean[g].At(i, kk) * s.wMean[v].At(j, kk)
			}
			xi := math.Sqrt(eta*eta + s.momentCorrection(g, v, i, j))
			tau := 2.0 * jaakkolaLambda(xi)
			s.sitePrec[g][v].Set(i, j, tau)
			s.yPseudo[g][v].Set(i, j, (y-0.5)/tau)
		}
	}
}

// updatePoissonPseudo applies the quadratic bound on the softplus rate
// with fixed per-feature curvature kappa.
func (s *runState) updatePoissonPseudo(g, v int) {
	obs := s.yObs[g][v]
	n, d := obs.Dims()
	for i := 0; i < n; i++ {
		for j := 0; j < d; j++ {
			y := obs.At(i, j)
			if math.IsNaN(y) {
				continue
			}
			eta := 0.0
			for kk := 0; kk < s.k; kk++ {
				eta += s.zMean[g].At(i, kk) * s.wMean[v].At(j, kk)
			}
			kappa := s.poissonKappa[v][j]
			rate := softplus(eta)
			if rate < 1e-10 {
				rate = 1e-10
			}
			s.sitePrec[g][v].Set(i, j, kappa)
			s.yPseudo[g][v].Set(i, j, eta-(1.0-y/rate)*sigmoid(eta)/kappa)
		}
	}
}

// recenterFactors subtracts the per-group column mean from the factor
// scores. With centered data this is a vanishingly small correction that
// pins the zero-mean invariant exactly.
func (s *runState) recenterFactors() {
	for g := 0; g < s.nGroups; g++ {
		z := s.zMean[g]
		n, _ := z.Dims()
		if n == 0 {
			continue
		}
		for kk := 0; kk < s.k; kk++ {
			mean := 0.0
			for i := 0; i < n; i++ {
				mean += z.At(i, kk)
			}
			mean /= float64(n)
			for i := 0; i < n; i++ {
				z.Set(i, kk, z.At(i, kk)-mean)
			}
		}
	}
}

// jaakkolaLambda is the Jaakkola bound coefficient
// lambda(xi) = tanh(xi/2) / (4 xi), with its xi -> 0 limit of 1/8.
func jaakkolaLambda(xi float64) float64 {
	if xi < 1e-8 {
		return 0.125
	}
	return math.Tanh(xi/2.0) / (4.0 * xi)
}

func sigmoid(x float64) float64 {
	return 1.0 / (1.0 + math.Exp(-x))
}

func softplus(x float64) float64 {
	if x > 30 {
		return x
	}
	return math.Log1p(math.Exp(x))
}
