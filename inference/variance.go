package inference

import (
	"math"
	"sort"

	"github.com/laurenctang/MOFA2/pkg/errors"
)

// blockNumerators returns, for one (group, view) block, the per-factor
// explained sum of squares Σ (2·y·ŷ_k - ŷ_k²) over observed cells, plus
// the block's total sum of squares. Both are computed on the data the
// Gaussian updates see, so non-Gaussian views contribute through their
// pseudo-data.
func (s *runState) blockNumerators(g, v int) (nums []float64, den float64) {
	y := s.yPseudo[g][v]
	obs := s.yObs[g][v]
	z := s.zMean[g]
	w := s.wMean[v]
	n, d := y.Dims()

	nums = make([]float64, s.k)
	for i := 0; i < n; i++ {
		for j := 0; j < d; j++ {
			if math.IsNaN(obs.At(i, j)) {
				continue
			}
			yv := y.At(i, j)
			den += yv * yv
			for kk := 0; kk < s.k; kk++ {
				pred := z.At(i, kk) * w.At(j, kk)
				nums[kk] += 2.0*yv*pred - pred*pred
			}
		}
	}
	return nums, den
}

// factorFractions returns each factor's total variance-explained fraction
// across all blocks, the pruning criterion of the ARD step.
func (s *runState) factorFractions() []float64 {
	nums := make([]float64, s.k)
	den := 0.0
	for g := 0; g < s.nGroups; g++ {
		for v := 0; v < s.nViews; v++ {
			bn, bd := s.blockNumerators(g, v)
			for kk := range bn {
				nums[kk] += bn[kk]
			}
			den += bd
		}
	}
	fractions := make([]float64, s.k)
	for kk := range fractions {
		if den > 0 {
			fractions[kk] = math.Max(0, nums[kk]/den)
		}
	}
	return fractions
}

// pruneFactors drops factors whose variance-explained fraction fell below
// the configured threshold. Dropping the last factor is an error, not a
// silent empty model.
func (s *runState) pruneFactors(iteration int) error {
	threshold := s.cfg.DropFactorThreshold()
	if threshold <= 0 || s.k == 0 {
		return nil
	}
	fractions := s.factorFractions()
	var keep []int
	for kk, f := range fractions {
		if f >= threshold {
			keep = append(keep, kk)
		}
	}
	if len(keep) == 0 {
		return errors.NewNoFactorsRemainingError(iteration, threshold)
	}
	if len(keep) < s.k {
		s.dropFactors(keep)
	}
	return nil
}

// varianceTable computes the final variance-explained table in percent,
// indexed [factor][group][view], together with the per-(group, view)
// total sums of squares. Per-block factor sums are rescaled down when
// correlated factors would otherwise claim more than the total.
func (s *runState) varianceTable() (ve [][][]float64, totals [][]float64) {
	ve = make([][][]float64, s.k)
	for kk := range ve {
		ve[kk] = make([][]float64, s.nGroups)
		for g := range ve[kk] {
			ve[kk][g] = make([]float64, s.nViews)
		}
	}
	totals = make([][]float64, s.nGroups)

	for g := 0; g < s.nGroups; g++ {
		totals[g] = make([]float64, s.nViews)
		for v := 0; v < s.nViews; v++ {
			nums, den := s.blockNumerators(g, v)
			totals[g][v] = den
			if den <= 0 {
				continue
			}
			sum := 0.0
			for kk := 0; kk < s.k; kk++ {
				pct := 100.0 * math.Min(1.0, math.Max(0.0, nums[kk]/den))
				ve[kk][g][v] = pct
				sum += pct
			}
			if sum > 100.0 {
				scale := 100.0 / sum
				for kk := 0; kk < s.k; kk++ {
					ve[kk][g][v] *= scale
				}
			}
		}
	}
	return ve, totals
}

// orderFactors permutes factors by descending total variance explained so
// factor 0 always carries the most signal. The permutation is stable, so
// ties keep their original order and the result stays deterministic.
func (s *runState) orderFactors() {
	if s.k < 2 {
		return
	}
	fractions := s.factorFractions()
	order := make([]int, s.k)
	for i := range order {
		order[i] = i
	}
	sort.SliceStable(order, func(a, b int) bool {
		return fractions[order[a]] > fractions[order[b]]
	})
	s.dropFactors(order)
}
