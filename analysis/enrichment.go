package analysis

import (
	"math"
	"sort"
	"strconv"

	"gonum.org/v1/gonum/stat/distuv"

	"github.com/laurenctang/MOFA2/artifact"
	"github.com/laurenctang/MOFA2/pkg/errors"
)

// GeneSet names a collection of feature identifiers.
type GeneSet struct {
	Name  string
	Genes []string
}

// EnrichmentResult scores one gene set against one factor. Score is the
// standardized rank-sum statistic of the absolute weights of in-set
// features against the rest of the view; positive scores mean the set
// carries systematically larger loadings. AdjPValue is the
// Benjamini-Hochberg adjusted p-value across all sets tested for the
// factor.
type EnrichmentResult struct {
	Set       string
	Size      int // features of the set present in the view
	Score     float64
	PValue    float64
	AdjPValue float64
}

// Enrichment runs a one-sided Mann-Whitney rank test of |weight| for each
// gene set against the remaining features of the view, for a single
// factor. Sets with no feature present in the view are omitted. Results
// are ordered by set name, and the output does not depend on the input
// order of the collection.
func Enrichment(m *artifact.Model, view string, factor int, sets []GeneSet) ([]EnrichmentResult, error) {
	if factor < 0 || factor >= m.NumFactors() {
		return nil, errors.NewNotFoundError("factor", strconv.Itoa(factor))
	}
	w, err := m.WeightMatrix(view)
	if err != nil {
		return nil, err
	}
	names, err := m.FeatureNames(view)
	if err != nil {
		return nil, err
	}

	loadings := make([]float64, len(names))
	for d := range names {
		loadings[d] = math.Abs(w.At(d, factor))
	}
	ranks, tieCorrection := averageRanks(loadings)

	index := make(map[string]int, len(names))
	for d, n := range names {
		index[n] = d
	}

	ordered := append([]GeneSet(nil), sets...)
	sort.SliceStable(ordered, func(i, j int) bool { return ordered[i].Name < ordered[j].Name })

	results := make([]EnrichmentResult, 0, len(ordered))
	seen := make(map[string]bool, len(ordered))
	for _, set := range ordered {
		if seen[set.Name] {
			return nil, errors.Newf("analysis: duplicate gene set %q", set.Name)
		}
		seen[set.Name] = true

		inSet := make(map[int]bool)
		for _, gene := range set.Genes {
			if d, ok := index[gene]; ok {
				inSet[d] = true
			}
		}
		if len(inSet) == 0 {
			continue
		}

		score, p := rankSumTest(ranks, inSet, tieCorrection)
		results = append(results, EnrichmentResult{
			Set:    set.Name,
			Size:   len(inSet),
			Score:  score,
			PValue: p,
		})
	}

	adjustBenjaminiHochberg(results)
	return results, nil
}

// averageRanks assigns ascending 1-based ranks with ties sharing their
// average rank, and returns the tie correction term sum(t^3 - t) used by
// the normal approximation's variance.
func averageRanks(values []float64) ([]float64, float64) {
	n := len(values)
	order := make([]int, n)
	for i := range order {
		order[i] = i
	}
	sort.SliceStable(order, func(a, b int) bool { return values[order[a]] < values[order[b]] })

	ranks := make([]float64, n)
	tieCorrection := 0.0
	for i := 0; i < n; {
		j := i
		for j < n && values[order[j]] == values[order[i]] {
			j++
		}
		avg := float64(i+j+1) / 2 // mean of ranks i+1..j
		for t := i; t < j; t++ {
			ranks[order[t]] = avg
		}
		if run := float64(j - i); run > 1 {
			tieCorrection += run*run*run - run
		}
		i = j
	}
	return ranks, tieCorrection
}

// rankSumTest computes the tie-corrected normal approximation of the
// one-sided Mann-Whitney U test for the in-set ranks being larger.
func rankSumTest(ranks []float64, inSet map[int]bool, tieCorrection float64) (score, pValue float64) {
	n := float64(len(ranks))
	n1 := float64(len(inSet))
	n2 := n - n1
	if n1 == 0 || n2 == 0 {
		return 0, 1
	}

	rankSum := 0.0
	for d := range inSet {
		rankSum += ranks[d]
	}
	u := rankSum - n1*(n1+1)/2

	mean := n1 * n2 / 2
	variance := n1 * n2 / 12 * ((n + 1) - tieCorrection/(n*(n-1)))
	if variance <= 0 {
		return 0, 1
	}

	// Continuity correction keeps p-values conservative for small sets.
	z := (u - mean - 0.5) / math.Sqrt(variance)
	normal := distuv.Normal{Mu: 0, Sigma: 1}
	return z, normal.Survival(z)
}

// adjustBenjaminiHochberg fills AdjPValue in place over all results of
// one factor, enforcing monotonicity of the step-up procedure.
func adjustBenjaminiHochberg(results []EnrichmentResult) {
	n := len(results)
	if n == 0 {
		return
	}
	order := make([]int, n)
	for i := range order {
		order[i] = i
	}
	sort.SliceStable(order, func(a, b int) bool {
		return results[order[a]].PValue < results[order[b]].PValue
	})

	minSoFar := 1.0
	for i := n - 1; i >= 0; i-- {
		idx := order[i]
		adj := results[idx].PValue * float64(n) / float64(i+1)
		if adj < minSoFar {
			minSoFar = adj
		}
		results[idx].AdjPValue = math.Min(minSoFar, 1)
	}
}
