package inference

import (
	"math"

	"gonum.org/v1/gonum/mathext"

	"github.com/laurenctang/MOFA2/config"
)

const ln2Pi = 1.8378770664093453

func digamma(x float64) float64 {
	return mathext.Digamma(x)
}

func lgamma(x float64) float64 {
	v, _ := math.Lgamma(x)
	return v
}

// elbo evaluates the evidence lower bound of the current posterior:
// the expected log-likelihood plus the entropy-minus-cross-entropy terms
// of Z, W, alpha and tau. Non-Gaussian views contribute through their
// bound's Gaussian surrogate, so their value is itself a lower bound on
// the exact term.
func (s *runState) elbo() float64 {
	total := s.likelihoodTerm()
	total += s.factorTerm()
	total += s.weightTerm()
	if s.cfg.SparsityPrior() {
		total += s.alphaTerm()
	}
	total += s.tauTerm()
	return total
}

// likelihoodTerm is E[log p(Y | Z, W, tau)] over observed cells.
func (s *runState) likelihoodTerm() float64 {
	total := 0.0
	for g := 0; g < s.nGroups; g++ {
		for v := 0; v < s.nViews; v++ {
			gaussian := s.cfg.Likelihood(v) == config.Gaussian
			resid := s.residual(g, v)
			obs := s.yObs[g][v]
			n, d := resid.Dims()
			for j := 0; j < d; j++ {
				for i := 0; i < n; i++ {
					if math.IsNaN(obs.At(i, j)) {
						continue
					}
					var tau, lnTau float64
					if gaussian {
						tau = s.eTau[g][v][j]
						lnTau = s.eLnTau[g][v][j]
					} else {
						tau = s.sitePrec[g][v].At(i, j)
						lnTau = math.Log(tau)
					}
					r := resid.At(i, j)
					e2 := r*r + s.momentCorrection(g, v, i, j)
					total += 0.5*(lnTau-ln2Pi) - 0.5*tau*e2
				}
			}
		}
	}
	return total
}

// factorTerm is E[log p(Z)] - E[log q(Z)] under the unit-normal prior.
func (s *runState) factorTerm() float64 {
	total := 0.0
	for g := 0; g < s.nGroups; g++ {
		z := s.zMean[g]
		zv := s.zVar[g]
		n, _ := z.Dims()
		for i := 0; i < n; i++ {
			for kk := 0; kk < s.k; kk++ {
				m := z.At(i, kk)
				va := zv.At(i, kk)
				total += 0.5 * (1.0 + math.Log(va) - m*m - va)
			}
		}
	}
	return total
}

// weightTerm is E[log p(W | alpha)] - E[log q(W)]. Without the ARD prior
// the weight precision is the fixed plainWeightPrecision.
func (s *runState) weightTerm() float64 {
	ard := s.cfg.SparsityPrior()
	total := 0.0
	for v := 0; v < s.nViews; v++ {
		w := s.wMean[v]
		wv := s.wVar[v]
		d, _ := w.Dims()
		for j := 0; j < d; j++ {
			for kk := 0; kk < s.k; kk++ {
				m := w.At(j, kk)
				va := wv.At(j, kk)
				eA := plainWeightPrecision
				eLnA := math.Log(plainWeightPrecision)
				if ard {
					eA = s.eAlpha[v][kk]
					eLnA = s.eLnAlpha[v][kk]
				}
				total += 0.5 * (eLnA + math.Log(va) + 1.0 - eA*(m*m+va))
			}
		}
	}
	return total
}

// alphaTerm is the Gamma lb_p - lb_q contribution of the ARD precision.
func (s *runState) alphaTerm() float64 {
	total := 0.0
	for v := 0; v < s.nViews; v++ {
		for kk := 0; kk < s.k; kk++ {
			total += gammaELBO(s.alphaA[v][kk], s.alphaB[v][kk], s.eAlpha[v][kk], s.eLnAlpha[v][kk])
		}
	}
	return total
}

// tauTerm is the Gamma lb_p - lb_q contribution of the noise precision of
// Gaussian views.
func (s *runState) tauTerm() float64 {
	total := 0.0
	for g := 0; g < s.nGroups; g++ {
		for v := 0; v < s.nViews; v++ {
			if s.cfg.Likelihood(v) != config.Gaussian {
				continue
			}
			for j := range s.tauA[g][v] {
				total += gammaELBO(s.tauA[g][v][j], s.tauB[g][v][j], s.eTau[g][v][j], s.eLnTau[g][v][j])
			}
		}
	}
	return total
}

// gammaELBO is the lb_p - lb_q term of one Gamma(qa, qb) posterior under
// the Gamma(priorA, priorB) prior.
func gammaELBO(qa, qb, e, lnE float64) float64 {
	lbP := priorA*math.Log(priorB) - lgamma(priorA) + (priorA-1.0)*lnE - priorB*e
	lbQ := qa*math.Log(qb) - lgamma(qa) + (qa-1.0)*lnE - qb*e
	return lbP - lbQ
}
