// Package analysis provides read-only queries over a fitted model:
// variance decomposition, factor and weight retrieval, and gene-set
// enrichment. Nothing in this package mutates the model.
package analysis

import (
	"sort"
	"strconv"

	"gonum.org/v1/gonum/mat"

	"github.com/laurenctang/MOFA2/artifact"
	"github.com/laurenctang/MOFA2/pkg/errors"
)

// Selector narrows a query to a subset of factors, groups, views, samples
// or features. A nil slice selects everything along that axis. Names and
// indices that do not exist in the model surface as NotFoundError, never
// as silent omission.
type Selector struct {
	Factors  []int
	Groups   []string
	Views    []string
	Samples  []string
	Features []string
}

func (s Selector) factorIndices(numFactors int) ([]int, error) {
	if s.Factors == nil {
		all := make([]int, numFactors)
		for k := range all {
			all[k] = k
		}
		return all, nil
	}
	out := make([]int, 0, len(s.Factors))
	for _, k := range s.Factors {
		if k < 0 || k >= numFactors {
			return nil, errors.NewNotFoundError("factor", strconv.Itoa(k))
		}
		out = append(out, k)
	}
	return out, nil
}

func resolveNames(requested, available []string, kind string) ([]string, error) {
	if requested == nil {
		return append([]string(nil), available...), nil
	}
	known := make(map[string]bool, len(available))
	for _, n := range available {
		known[n] = true
	}
	out := make([]string, 0, len(requested))
	for _, n := range requested {
		if !known[n] {
			return nil, errors.NewNotFoundError(kind, n)
		}
		out = append(out, n)
	}
	return out, nil
}

// FactorTable holds posterior-mean factor scores for one group, restricted
// to the selected samples and factors.
type FactorTable struct {
	Group   string
	Samples []string
	Factors []int
	Scores  *mat.Dense // len(Samples) × len(Factors)
}

// Factors returns the posterior-mean factor scores for the selected
// groups, one table per group in model group order.
func Factors(m *artifact.Model, sel Selector) ([]FactorTable, error) {
	groups, err := resolveNames(sel.Groups, m.GroupNames(), "group")
	if err != nil {
		return nil, err
	}
	factors, err := sel.factorIndices(m.NumFactors())
	if err != nil {
		return nil, err
	}

	tables := make([]FactorTable, 0, len(groups))
	for _, group := range groups {
		scores, err := m.FactorScores(group)
		if err != nil {
			return nil, err
		}
		names, err := m.SampleNames(group)
		if err != nil {
			return nil, err
		}
		rows, err := rowIndices(sel.Samples, names, "sample")
		if err != nil {
			return nil, err
		}

		sub := mat.NewDense(len(rows), len(factors), nil)
		picked := make([]string, len(rows))
		for i, r := range rows {
			picked[i] = names[r]
			for j, k := range factors {
				sub.Set(i, j, scores.At(r, k))
			}
		}
		tables = append(tables, FactorTable{
			Group:   group,
			Samples: picked,
			Factors: append([]int(nil), factors...),
			Scores:  sub,
		})
	}
	return tables, nil
}

// WeightTable holds posterior-mean weights for one view, restricted to
// the selected features and factors.
type WeightTable struct {
	View     string
	Features []string
	Factors  []int
	Weights  *mat.Dense // len(Features) × len(Factors)
}

// Weights returns the posterior-mean weights for the selected views, one
// table per view in model view order.
func Weights(m *artifact.Model, sel Selector) ([]WeightTable, error) {
	views, err := resolveNames(sel.Views, m.ViewNames(), "view")
	if err != nil {
		return nil, err
	}
	factors, err := sel.factorIndices(m.NumFactors())
	if err != nil {
		return nil, err
	}

	tables := make([]WeightTable, 0, len(views))
	for _, view := range views {
		w, err := m.WeightMatrix(view)
		if err != nil {
			return nil, err
		}
		names, err := m.FeatureNames(view)
		if err != nil {
			return nil, err
		}
		rows, err := rowIndices(sel.Features, names, "feature")
		if err != nil {
			return nil, err
		}

		sub := mat.NewDense(len(rows), len(factors), nil)
		picked := make([]string, len(rows))
		for i, r := range rows {
			picked[i] = names[r]
			for j, k := range factors {
				sub.Set(i, j, w.At(r, k))
			}
		}
		tables = append(tables, WeightTable{
			View:     view,
			Features: picked,
			Factors:  append([]int(nil), factors...),
			Weights:  sub,
		})
	}
	return tables, nil
}

// WeightEntry is one feature's loading on a factor.
type WeightEntry struct {
	Feature string
	Weight  float64
}

// TopWeights returns the n features of a view with the largest absolute
// loading on a factor, ordered by decreasing |weight|. Ties keep feature
// order. When rescale is set the weights are divided by the largest
// absolute loading of the whole factor, mapping them into [-1, 1] with
// sign preserved. n larger than the feature count returns all features.
func TopWeights(m *artifact.Model, view string, factor, n int, rescale bool) ([]WeightEntry, error) {
	if factor < 0 || factor >= m.NumFactors() {
		return nil, errors.NewNotFoundError("factor", strconv.Itoa(factor))
	}
	if n < 0 {
		return nil, errors.Newf("analysis: top-weight count must be non-negative, got %d", n)
	}
	w, err := m.WeightMatrix(view)
	if err != nil {
		return nil, err
	}
	names, err := m.FeatureNames(view)
	if err != nil {
		return nil, err
	}

	entries := make([]WeightEntry, len(names))
	maxAbs := 0.0
	for d, name := range names {
		v := w.At(d, factor)
		entries[d] = WeightEntry{Feature: name, Weight: v}
		if a := abs(v); a > maxAbs {
			maxAbs = a
		}
	}
	sort.SliceStable(entries, func(i, j int) bool {
		return abs(entries[i].Weight) > abs(entries[j].Weight)
	})
	if n < len(entries) {
		entries = entries[:n]
	}
	if rescale && maxAbs > 0 {
		for i := range entries {
			entries[i].Weight /= maxAbs
		}
	}
	return entries, nil
}

func rowIndices(requested, available []string, kind string) ([]int, error) {
	if requested == nil {
		all := make([]int, len(available))
		for i := range all {
			all[i] = i
		}
		return all, nil
	}
	index := make(map[string]int, len(available))
	for i, n := range available {
		index[n] = i
	}
	out := make([]int, 0, len(requested))
	for _, n := range requested {
		i, ok := index[n]
		if !ok {
			return nil, errors.NewNotFoundError(kind, n)
		}
		out = append(out, i)
	}
	return out, nil
}

func abs(x float64) float64 {
	if x < 0 {
		return -x
	}
	return x
}
