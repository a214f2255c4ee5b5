package analysis

import (
	"math"

	"gonum.org/v1/gonum/mat"

	"github.com/laurenctang/MOFA2/artifact"
)

// VarianceRow is one (factor, group, view) cell of the variance
// decomposition, in percent of the observed variance of that block.
type VarianceRow struct {
	Factor  int
	Group   string
	View    string
	Percent float64
}

// VarianceTable returns the variance-explained decomposition restricted
// by the selector, ordered by factor, then group, then view.
func VarianceTable(m *artifact.Model, sel Selector) ([]VarianceRow, error) {
	groups, err := resolveNames(sel.Groups, m.GroupNames(), "group")
	if err != nil {
		return nil, err
	}
	views, err := resolveNames(sel.Views, m.ViewNames(), "view")
	if err != nil {
		return nil, err
	}
	factors, err := sel.factorIndices(m.NumFactors())
	if err != nil {
		return nil, err
	}

	rows := make([]VarianceRow, 0, len(factors)*len(groups)*len(views))
	for _, k := range factors {
		for _, group := range groups {
			for _, view := range views {
				pct, err := m.VarianceExplainedAt(k, group, view)
				if err != nil {
					return nil, err
				}
				rows = append(rows, VarianceRow{Factor: k, Group: group, View: view, Percent: pct})
			}
		}
	}
	return rows, nil
}

// GroupVariance aggregates variance explained over all factors for one
// (group, view) block.
type GroupVariance struct {
	Group   string
	View    string
	Percent float64
}

// TotalVariancePerGroup sums variance explained over factors for each
// (group, view) block. The plain sum overstates the joint fit when
// factors are correlated; with corrected set, the cross-covariance of the
// per-factor reconstructions is subtracted so the value matches the
// variance explained by the joint prediction. Results are clamped to
// [0, 100] and ordered by group, then view.
func TotalVariancePerGroup(m *artifact.Model, corrected bool) ([]GroupVariance, error) {
	groups := m.GroupNames()
	views := m.ViewNames()
	k := m.NumFactors()

	weights := make([]*mat.Dense, len(views))
	for v, view := range views {
		w, err := m.WeightMatrix(view)
		if err != nil {
			return nil, err
		}
		weights[v] = w
	}

	out := make([]GroupVariance, 0, len(groups)*len(views))
	for _, group := range groups {
		var scores *mat.Dense
		if corrected {
			var err error
			scores, err = m.FactorScores(group)
			if err != nil {
				return nil, err
			}
		}
		for v, view := range views {
			sum := 0.0
			for f := 0; f < k; f++ {
				pct, err := m.VarianceExplainedAt(f, group, view)
				if err != nil {
					return nil, err
				}
				sum += pct
			}
			if corrected {
				total, err := m.TotalVariance(group, view)
				if err != nil {
					return nil, err
				}
				if total > 0 {
					sum -= 100 * crossCovariance(scores, weights[v]) / total
				}
			}
			sum = math.Min(math.Max(sum, 0), 100)
			out = append(out, GroupVariance{Group: group, View: view, Percent: sum})
		}
	}
	return out, nil
}

// crossCovariance is the sum over factor pairs j≠k of
// (z_j · z_k)(w_j · w_k), the part of the joint reconstruction's sum of
// squares that the per-factor decomposition double counts.
func crossCovariance(scores, weights *mat.Dense) float64 {
	_, k := scores.Dims()
	cross := 0.0
	for j := 0; j < k; j++ {
		zj := scores.ColView(j)
		wj := weights.ColView(j)
		for l := j + 1; l < k; l++ {
			zz := mat.Dot(zj, scores.ColView(l))
			ww := mat.Dot(wj, weights.ColView(l))
			cross += 2 * zz * ww
		}
	}
	return cross
}
