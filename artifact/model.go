// Package artifact wraps the inference engine's output into a stable,
// serializable fitted model. A Model is read-only after construction:
// every accessor returns a copy, and reloading a persisted artifact
// produces an equivalent instance, never a live one.
package artifact

import (
	"strconv"
	"time"

	"gonum.org/v1/gonum/mat"

	"github.com/laurenctang/MOFA2/pkg/errors"
)

// Options is the frozen configuration snapshot carried by a fitted model.
type Options struct {
	NumFactors          int               `json:"num_factors"`
	Likelihoods         map[string]string `json:"likelihoods"`
	SparsityPrior       bool              `json:"sparsity_prior"`
	DropFactorThreshold float64           `json:"drop_factor_threshold"`
	ConvergenceMode     string            `json:"convergence_mode"`
	MaxIterations       int               `json:"max_iterations"`
	Seed                int64             `json:"seed"`
	Restarts            int               `json:"restarts"`
	CenterGroups        bool              `json:"center_groups"`
	ScaleViews          bool              `json:"scale_views"`
}

// Diagnostics records how training went. Non-convergence lives here as a
// flag, not as an error.
type Diagnostics struct {
	RunID      string        `json:"run_id"`
	Iterations int           `json:"iterations"`
	Converged  bool          `json:"converged"`
	FinalELBO  float64       `json:"final_elbo"`
	ELBOTrace  []float64     `json:"elbo_trace"`
	Elapsed    time.Duration `json:"elapsed_ns"`
	Restart    int           `json:"restart"`
}

// Spec is the raw material a trainer hands to New. All slices are adopted,
// not copied; the trainer must not touch them afterwards.
type Spec struct {
	ViewNames    []string
	GroupNames   []string
	FeatureNames [][]string // per view
	SampleNames  [][]string // per group

	Factors []*mat.Dense // per group: samples × factors, posterior mean
	Weights []*mat.Dense // per view: features × factors, posterior mean

	// VarianceExplained is indexed [factor][group][view], in percent.
	VarianceExplained [][][]float64
	// TotalVariance is the observed sum of squares per [group][view].
	TotalVariance [][]float64

	Options     Options
	Diagnostics Diagnostics
}

// Model is the fitted artifact.
type Model struct {
	spec Spec

	numFactors int
	viewIndex  map[string]int
	groupIndex map[string]int
}

// New validates a Spec's internal consistency and wraps it into a Model.
func New(spec Spec) (*Model, error) {
	const op = "artifact.New"

	if len(spec.ViewNames) == 0 || len(spec.GroupNames) == 0 {
		return nil, errors.NewInvalidShapeError(op, "", "model needs at least one view and one group", nil, nil)
	}
	if len(spec.Weights) != len(spec.ViewNames) || len(spec.FeatureNames) != len(spec.ViewNames) {
		return nil, errors.NewInvalidShapeError(op, "", "weights not parallel to views",
			[]int{len(spec.ViewNames)}, []int{len(spec.Weights)})
	}
	if len(spec.Factors) != len(spec.GroupNames) || len(spec.SampleNames) != len(spec.GroupNames) {
		return nil, errors.NewInvalidShapeError(op, "", "factors not parallel to groups",
			[]int{len(spec.GroupNames)}, []int{len(spec.Factors)})
	}

	_, k := spec.Factors[0].Dims()
	for g, z := range spec.Factors {
		r, kk := z.Dims()
		if kk != k || r != len(spec.SampleNames[g]) {
			return nil, errors.NewInvalidShapeError(op, "", "factor matrix shape mismatch for group "+spec.GroupNames[g],
				[]int{len(spec.SampleNames[g]), k}, []int{r, kk})
		}
	}
	for v, w := range spec.Weights {
		d, kk := w.Dims()
		if kk != k || d != len(spec.FeatureNames[v]) {
			return nil, errors.NewInvalidShapeError(op, spec.ViewNames[v], "weight matrix shape mismatch",
				[]int{len(spec.FeatureNames[v]), k}, []int{d, kk})
		}
	}
	if len(spec.VarianceExplained) != k {
		return nil, errors.NewInvalidShapeError(op, "", "variance table not parallel to factors",
			[]int{k}, []int{len(spec.VarianceExplained)})
	}

	m := &Model{
		spec:       spec,
		numFactors: k,
		viewIndex:  make(map[string]int, len(spec.ViewNames)),
		groupIndex: make(map[string]int, len(spec.GroupNames)),
	}
	for i, name := range spec.ViewNames {
		m.viewIndex[name] = i
	}
	for i, name := range spec.GroupNames {
		m.groupIndex[name] = i
	}
	return m, nil
}

// NumFactors returns the number of factors retained by the fit.
func (m *Model) NumFactors() int { return m.numFactors }

// ViewNames returns the view names in model order.
func (m *Model) ViewNames() []string {
	return append([]string(nil), m.spec.ViewNames...)
}

// GroupNames returns the group names in model order.
func (m *Model) GroupNames() []string {
	return append([]string(nil), m.spec.GroupNames...)
}

// ViewIndex resolves a view name.
func (m *Model) ViewIndex(view string) (int, bool) {
	v, ok := m.viewIndex[view]
	return v, ok
}

// GroupIndex resolves a group name.
func (m *Model) GroupIndex(group string) (int, bool) {
	g, ok := m.groupIndex[group]
	return g, ok
}

// FeatureNames returns the feature names of a view.
func (m *Model) FeatureNames(view string) ([]string, error) {
	v, ok := m.viewIndex[view]
	if !ok {
		return nil, errors.NewNotFoundError("view", view)
	}
	return append([]string(nil), m.spec.FeatureNames[v]...), nil
}

// SampleNames returns the sample names of a group.
func (m *Model) SampleNames(group string) ([]string, error) {
	g, ok := m.groupIndex[group]
	if !ok {
		return nil, errors.NewNotFoundError("group", group)
	}
	return append([]string(nil), m.spec.SampleNames[g]...), nil
}

// FactorScores returns a copy of one group's samples × factors posterior
// mean matrix.
func (m *Model) FactorScores(group string) (*mat.Dense, error) {
	g, ok := m.groupIndex[group]
	if !ok {
		return nil, errors.NewNotFoundError("group", group)
	}
	return mat.DenseCopyOf(m.spec.Factors[g]), nil
}

// WeightMatrix returns a copy of one view's features × factors posterior
// mean matrix.
func (m *Model) WeightMatrix(view string) (*mat.Dense, error) {
	v, ok := m.viewIndex[view]
	if !ok {
		return nil, errors.NewNotFoundError("view", view)
	}
	return mat.DenseCopyOf(m.spec.Weights[v]), nil
}

// VarianceExplained returns a copy of the full variance-explained table,
// indexed [factor][group][view], in percent.
func (m *Model) VarianceExplained() [][][]float64 {
	out := make([][][]float64, len(m.spec.VarianceExplained))
	for k, byGroup := range m.spec.VarianceExplained {
		out[k] = make([][]float64, len(byGroup))
		for g, byView := range byGroup {
			out[k][g] = append([]float64(nil), byView...)
		}
	}
	return out
}

// VarianceExplainedAt returns the variance explained (percent) by one
// factor in one (group, view) block.
func (m *Model) VarianceExplainedAt(factor int, group, view string) (float64, error) {
	if factor < 0 || factor >= m.numFactors {
		return 0, errors.NewNotFoundError("factor", strconv.Itoa(factor))
	}
	g, ok := m.groupIndex[group]
	if !ok {
		return 0, errors.NewNotFoundError("group", group)
	}
	v, ok := m.viewIndex[view]
	if !ok {
		return 0, errors.NewNotFoundError("view", view)
	}
	return m.spec.VarianceExplained[factor][g][v], nil
}

// TotalVariance returns the observed total variance (sum of squares) of
// one (group, view) block.
func (m *Model) TotalVariance(group, view string) (float64, error) {
	g, ok := m.groupIndex[group]
	if !ok {
		return 0, errors.NewNotFoundError("group", group)
	}
	v, ok := m.viewIndex[view]
	if !ok {
		return 0, errors.NewNotFoundError("view", view)
	}
	return m.spec.TotalVariance[g][v], nil
}

// Options returns the frozen configuration snapshot.
func (m *Model) Options() Options {
	opts := m.spec.Options
	opts.Likelihoods = make(map[string]string, len(m.spec.Options.Likelihoods))
	for k, v := range m.spec.Options.Likelihoods {
		opts.Likelihoods[k] = v
	}
	return opts
}

// Diagnostics returns the training diagnostics.
func (m *Model) Diagnostics() Diagnostics {
	d := m.spec.Diagnostics
	d.ELBOTrace = append([]float64(nil), m.spec.Diagnostics.ELBOTrace...)
	return d
}
