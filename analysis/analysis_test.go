package analysis

import (
	"math/rand"
	"testing"

	"github.com/stretchr/testify/require"
	"gonum.org/v1/gonum/mat"

	"github.com/laurenctang/MOFA2/artifact"
	"github.com/laurenctang/MOFA2/pkg/errors"
)

func queryModel(t *testing.T) *artifact.Model {
	t.Helper()
	spec := artifact.Spec{
		ViewNames:  []string{"rna"},
		GroupNames: []string{"g1", "g2"},
		FeatureNames: [][]string{
			{"geneA", "geneB", "geneC", "geneD", "geneE"},
		},
		SampleNames: [][]string{
			{"s1", "s2", "s3"},
			{"s4", "s5"},
		},
		Factors: []*mat.Dense{
			mat.NewDense(3, 2, []float64{
				1, 0.5,
				-1, 0.5,
				1, -1,
			}),
			mat.NewDense(2, 2, []float64{
				2, 0,
				-2, 0,
			}),
		},
		Weights: []*mat.Dense{
			mat.NewDense(5, 2, []float64{
				0.8, 0.1,
				-0.4, 0.2,
				0.2, -0.9,
				-0.1, 0.3,
				0.05, 0.0,
			}),
		},
		VarianceExplained: [][][]float64{
			{{30}, {50}},
			{{10}, {5}},
		},
		TotalVariance: [][]float64{{120}, {80}},
		Options:       artifact.Options{NumFactors: 2},
		Diagnostics:   artifact.Diagnostics{RunID: "run-q", Converged: true},
	}
	m, err := artifact.New(spec)
	require.NoError(t, err)
	return m
}

func TestVarianceTable(t *testing.T) {
	m := queryModel(t)

	rows, err := VarianceTable(m, Selector{})
	require.NoError(t, err)
	require.Len(t, rows, 4) // 2 factors × 2 groups × 1 view
	require.Equal(t, VarianceRow{Factor: 0, Group: "g1", View: "rna", Percent: 30}, rows[0])
	require.Equal(t, VarianceRow{Factor: 1, Group: "g2", View: "rna", Percent: 5}, rows[3])

	rows, err = VarianceTable(m, Selector{Factors: []int{1}, Groups: []string{"g2"}})
	require.NoError(t, err)
	require.Len(t, rows, 1)
	require.Equal(t, 5.0, rows[0].Percent)

	_, err = VarianceTable(m, Selector{Groups: []string{"g9"}})
	var notFound *errors.NotFoundError
	require.ErrorAs(t, err, &notFound)
	_, err = VarianceTable(m, Selector{Factors: []int{7}})
	require.ErrorAs(t, err, &notFound)
}

func TestTotalVariancePerGroup(t *testing.T) {
	m := queryModel(t)

	plain, err := TotalVariancePerGroup(m, false)
	require.NoError(t, err)
	require.Len(t, plain, 2)
	require.Equal(t, GroupVariance{Group: "g1", View: "rna", Percent: 40}, plain[0])
	require.Equal(t, GroupVariance{Group: "g2", View: "rna", Percent: 55}, plain[1])

	corrected, err := TotalVariancePerGroup(m, true)
	require.NoError(t, err)
	require.Len(t, corrected, 2)
	for _, gv := range corrected {
		require.GreaterOrEqual(t, gv.Percent, 0.0)
		require.LessOrEqual(t, gv.Percent, 100.0)
	}
	// g1's factors are correlated (z1·z2 = -1, w1·w2 = -0.21):
	// 40 - 100·2·(-1)·(-0.21)/120 = 39.65.
	require.InDelta(t, 39.65, corrected[0].Percent, 1e-9)
	// g2's factor scores are orthogonal, so no correction applies.
	require.InDelta(t, plain[1].Percent, corrected[1].Percent, 1e-9)
}

func TestFactorsQuery(t *testing.T) {
	m := queryModel(t)

	tables, err := Factors(m, Selector{})
	require.NoError(t, err)
	require.Len(t, tables, 2)
	require.Equal(t, "g1", tables[0].Group)
	require.Equal(t, []string{"s1", "s2", "s3"}, tables[0].Samples)
	require.Equal(t, 1.0, tables[0].Scores.At(0, 0))

	tables, err = Factors(m, Selector{
		Groups:  []string{"g1"},
		Samples: []string{"s3", "s1"},
		Factors: []int{1},
	})
	require.NoError(t, err)
	require.Len(t, tables, 1)
	require.Equal(t, []string{"s3", "s1"}, tables[0].Samples)
	require.Equal(t, -1.0, tables[0].Scores.At(0, 0)) // s3, factor 1
	require.Equal(t, 0.5, tables[0].Scores.At(1, 0))  // s1, factor 1

	var notFound *errors.NotFoundError
	_, err = Factors(m, Selector{Groups: []string{"g1"}, Samples: []string{"s9"}})
	require.ErrorAs(t, err, &notFound)
}

func TestWeightsQuery(t *testing.T) {
	m := queryModel(t)

	tables, err := Weights(m, Selector{Features: []string{"geneC"}})
	require.NoError(t, err)
	require.Len(t, tables, 1)
	require.Equal(t, []string{"geneC"}, tables[0].Features)
	require.Equal(t, 0.2, tables[0].Weights.At(0, 0))
	require.Equal(t, -0.9, tables[0].Weights.At(0, 1))

	var notFound *errors.NotFoundError
	_, err = Weights(m, Selector{Views: []string{"proteomics"}})
	require.ErrorAs(t, err, &notFound)
}

func TestTopWeights(t *testing.T) {
	m := queryModel(t)

	top, err := TopWeights(m, "rna", 0, 2, false)
	require.NoError(t, err)
	require.Len(t, top, 2)
	require.Equal(t, WeightEntry{Feature: "geneA", Weight: 0.8}, top[0])
	require.Equal(t, WeightEntry{Feature: "geneB", Weight: -0.4}, top[1])

	// Rescaled: largest |weight| of the factor maps to magnitude 1.
	top, err = TopWeights(m, "rna", 0, 3, true)
	require.NoError(t, err)
	require.InDelta(t, 1.0, top[0].Weight, 1e-12)
	require.InDelta(t, -0.5, top[1].Weight, 1e-12)
	require.InDelta(t, 0.25, top[2].Weight, 1e-12)

	// n beyond the feature count returns everything.
	top, err = TopWeights(m, "rna", 1, 100, false)
	require.NoError(t, err)
	require.Len(t, top, 5)

	var notFound *errors.NotFoundError
	_, err = TopWeights(m, "rna", 9, 2, false)
	require.ErrorAs(t, err, &notFound)
	_, err = TopWeights(m, "proteomics", 0, 2, false)
	require.ErrorAs(t, err, &notFound)
}

func TestEnrichment(t *testing.T) {
	m := queryModel(t)

	sets := []GeneSet{
		{Name: "high", Genes: []string{"geneA", "geneB"}},        // large |w| on factor 0
		{Name: "low", Genes: []string{"geneD", "geneE"}},         // small |w|
		{Name: "absent", Genes: []string{"nope1", "nope2"}},      // no overlap, omitted
		{Name: "mixed", Genes: []string{"geneA", "unmatched42"}}, // partial overlap
	}

	results, err := Enrichment(m, "rna", 0, sets)
	require.NoError(t, err)
	require.Len(t, results, 3)

	byName := make(map[string]EnrichmentResult)
	for _, r := range results {
		byName[r.Set] = r
	}
	require.NotContains(t, byName, "absent")
	require.Equal(t, 2, byName["high"].Size)
	require.Equal(t, 1, byName["mixed"].Size) // only the matched gene counts

	// The high-loading set must outrank the low-loading one.
	require.Greater(t, byName["high"].Score, byName["low"].Score)
	require.Less(t, byName["high"].PValue, byName["low"].PValue)

	for _, r := range results {
		require.GreaterOrEqual(t, r.PValue, 0.0)
		require.LessOrEqual(t, r.PValue, 1.0)
		require.GreaterOrEqual(t, r.AdjPValue, r.PValue-1e-15)
		require.LessOrEqual(t, r.AdjPValue, 1.0)
	}
}

func TestEnrichmentOrderInvariant(t *testing.T) {
	m := queryModel(t)
	sets := []GeneSet{
		{Name: "s1", Genes: []string{"geneA", "geneC"}},
		{Name: "s2", Genes: []string{"geneB", "geneD"}},
		{Name: "s3", Genes: []string{"geneE"}},
	}

	want, err := Enrichment(m, "rna", 1, sets)
	require.NoError(t, err)

	rng := rand.New(rand.NewSource(1))
	for trial := 0; trial < 5; trial++ {
		shuffled := append([]GeneSet(nil), sets...)
		rng.Shuffle(len(shuffled), func(i, j int) { shuffled[i], shuffled[j] = shuffled[j], shuffled[i] })

		got, err := Enrichment(m, "rna", 1, shuffled)
		require.NoError(t, err)
		require.Equal(t, want, got)
	}
}

func TestEnrichmentErrors(t *testing.T) {
	m := queryModel(t)

	var notFound *errors.NotFoundError
	_, err := Enrichment(m, "proteomics", 0, nil)
	require.ErrorAs(t, err, &notFound)
	_, err = Enrichment(m, "rna", 5, nil)
	require.ErrorAs(t, err, &notFound)

	_, err = Enrichment(m, "rna", 0, []GeneSet{
		{Name: "dup", Genes: []string{"geneA"}},
		{Name: "dup", Genes: []string{"geneB"}},
	})
	require.Error(t, err)
}

func TestBenjaminiHochberg(t *testing.T) {
	results := []EnrichmentResult{
		{Set: "a", PValue: 0.01},
		{Set: "b", PValue: 0.04},
		{Set: "c", PValue: 0.03},
		{Set: "d", PValue: 0.50},
	}
	adjustBenjaminiHochberg(results)

	byName := make(map[string]float64)
	for _, r := range results {
		byName[r.Set] = r.AdjPValue
	}
	// Step-up: sorted p = .01,.03,.04,.50 → adj = .04,.04,.0533…,.50
	require.InDelta(t, 0.04, byName["a"], 1e-12)
	require.InDelta(t, 0.0533333333, byName["c"], 1e-9)
	require.InDelta(t, 0.0533333333, byName["b"], 1e-9)
	require.InDelta(t, 0.50, byName["d"], 1e-12)
}
