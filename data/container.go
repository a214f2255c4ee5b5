// Package data implements the multi-view, multi-group data container that
// feeds the inference engine.
//
// A container holds one matrix per view (samples × features, NaN marking
// missing cells) and a group label per sample. Construction reconciles
// every view with the group assignment, orders samples group-major and
// resolves all names to stable integer indices once, so the training hot
// loops never touch a string. After construction the container is
// read-only except for the normalization applied at configuration freeze.
package data

import (
	"math"
	"sort"

	"gonum.org/v1/gonum/mat"

	"github.com/laurenctang/MOFA2/pkg/errors"
)

// ViewMatrix is one view's input: a samples × features matrix with its
// axis labels. NaN cells are treated as missing observations.
type ViewMatrix struct {
	Samples  []string
	Features []string
	Data     *mat.Dense
}

// MissingSummary reports the missing-cell count for one (view, group) block.
type MissingSummary struct {
	View     string
	Group    string
	Missing  int
	Total    int
	Fraction float64
}

// Container is the normalized multi-omics dataset. Views are stored as
// per-(view, group) blocks whose rows follow the per-group sample order
// fixed at construction.
type Container struct {
	viewNames  []string
	groupNames []string

	viewIndex  map[string]int
	groupIndex map[string]int

	featureNames [][]string       // per view
	featureIndex []map[string]int // per view

	sampleNames [][]string       // per group
	sampleIndex []map[string]int // per group

	// blocks[v][g] is samples(g) × features(v); a sample absent from a
	// view contributes an all-NaN row.
	blocks [][]*mat.Dense
}

// NewContainer builds a container from named views and one group label per
// sample. samples fixes the canonical sample order; groups must be
// parallel to it. Every sample referenced by a view must appear in
// samples, and every view matrix must agree with its axis labels.
func NewContainer(views map[string]ViewMatrix, samples, groups []string) (*Container, error) {
	const op = "data.NewContainer"

	if len(views) == 0 {
		return nil, errors.NewInvalidShapeError(op, "", "no views provided", nil, nil)
	}
	if len(samples) == 0 {
		return nil, errors.NewInvalidShapeError(op, "", "no samples provided", nil, nil)
	}
	if len(groups) != len(samples) {
		return nil, errors.NewInvalidShapeError(op, "", "group labels not parallel to samples",
			[]int{len(samples)}, []int{len(groups)})
	}

	c := &Container{
		viewIndex:  make(map[string]int),
		groupIndex: make(map[string]int),
	}

	// Views in sorted name order so construction is deterministic.
	for name := range views {
		c.viewNames = append(c.viewNames, name)
	}
	sort.Strings(c.viewNames)
	for i, name := range c.viewNames {
		c.viewIndex[name] = i
	}

	// Groups in order of first appearance, samples group-major within.
	sampleGroup := make(map[string]int, len(samples))
	for i, s := range samples {
		if _, dup := sampleGroup[s]; dup {
			return nil, errors.NewInvalidShapeError(op, "", "duplicate sample name "+s, nil, nil)
		}
		g, ok := c.groupIndex[groups[i]]
		if !ok {
			g = len(c.groupNames)
			c.groupIndex[groups[i]] = g
			c.groupNames = append(c.groupNames, groups[i])
			c.sampleNames = append(c.sampleNames, nil)
			c.sampleIndex = append(c.sampleIndex, make(map[string]int))
		}
		sampleGroup[s] = g
		c.sampleIndex[g][s] = len(c.sampleNames[g])
		c.sampleNames[g] = append(c.sampleNames[g], s)
	}

	c.featureNames = make([][]string, len(c.viewNames))
	c.featureIndex = make([]map[string]int, len(c.viewNames))
	c.blocks = make([][]*mat.Dense, len(c.viewNames))

	for v, name := range c.viewNames {
		vm := views[name]
		if err := c.addView(op, v, name, vm, sampleGroup); err != nil {
			return nil, err
		}
	}
	return c, nil
}

func (c *Container) addView(op string, v int, name string, vm ViewMatrix, sampleGroup map[string]int) error {
	if vm.Data == nil {
		return errors.NewInvalidShapeError(op, name, "nil data matrix", nil, nil)
	}
	r, d := vm.Data.Dims()
	if r == 0 || d == 0 {
		return errors.Wrapf(errors.ErrEmptyData, "%s: view %q", op, name)
	}
	if len(vm.Samples) != r || len(vm.Features) != d {
		return errors.NewInvalidShapeError(op, name, "axis labels do not match matrix dimensions",
			[]int{len(vm.Samples), len(vm.Features)}, []int{r, d})
	}

	c.featureNames[v] = append([]string(nil), vm.Features...)
	c.featureIndex[v] = make(map[string]int, d)
	for j, f := range vm.Features {
		if _, dup := c.featureIndex[v][f]; dup {
			return errors.NewInvalidShapeError(op, name, "duplicate feature name "+f, nil, nil)
		}
		c.featureIndex[v][f] = j
	}

	// Blocks start all-NaN; rows present in the view are filled in.
	c.blocks[v] = make([]*mat.Dense, len(c.groupNames))
	for g := range c.groupNames {
		b := mat.NewDense(len(c.sampleNames[g]), d, nil)
		for i := 0; i < len(c.sampleNames[g]); i++ {
			for j := 0; j < d; j++ {
				b.Set(i, j, math.NaN())
			}
		}
		c.blocks[v][g] = b
	}

	for i, s := range vm.Samples {
		g, ok := sampleGroup[s]
		if !ok {
			return errors.NewInvalidShapeError(op, name, "sample "+s+" has no group assignment", nil, nil)
		}
		row := c.sampleIndex[g][s]
		for j := 0; j < d; j++ {
			c.blocks[v][g].Set(row, j, vm.Data.At(i, j))
		}
	}
	return nil
}

// NumViews returns the number of views.
func (c *Container) NumViews() int { return len(c.viewNames) }

// NumGroups returns the number of groups.
func (c *Container) NumGroups() int { return len(c.groupNames) }

// TotalSamples returns the sample count summed over groups.
func (c *Container) TotalSamples() int {
	n := 0
	for _, s := range c.sampleNames {
		n += len(s)
	}
	return n
}

// ViewNames returns the view names in container order.
func (c *Container) ViewNames() []string {
	return append([]string(nil), c.viewNames...)
}

// GroupNames returns the group names in container order.
func (c *Container) GroupNames() []string {
	return append([]string(nil), c.groupNames...)
}

// FeatureNames returns the feature names of a view.
func (c *Container) FeatureNames(view string) ([]string, error) {
	v, ok := c.viewIndex[view]
	if !ok {
		return nil, errors.NewNotFoundError("view", view)
	}
	return append([]string(nil), c.featureNames[v]...), nil
}

// SampleNames returns the sample names of a group in block-row order.
func (c *Container) SampleNames(group string) ([]string, error) {
	g, ok := c.groupIndex[group]
	if !ok {
		return nil, errors.NewNotFoundError("group", group)
	}
	return append([]string(nil), c.sampleNames[g]...), nil
}

// Dims returns the (samples, features) dimensionality of one
// (view, group) block.
func (c *Container) Dims(view, group string) (samples, features int, err error) {
	v, ok := c.viewIndex[view]
	if !ok {
		return 0, 0, errors.NewNotFoundError("view", view)
	}
	g, ok := c.groupIndex[group]
	if !ok {
		return 0, 0, errors.NewNotFoundError("group", group)
	}
	r, d := c.blocks[v][g].Dims()
	return r, d, nil
}

// ViewIndex resolves a view name to its container index.
func (c *Container) ViewIndex(view string) (int, bool) {
	v, ok := c.viewIndex[view]
	return v, ok
}

// GroupIndex resolves a group name to its container index.
func (c *Container) GroupIndex(group string) (int, bool) {
	g, ok := c.groupIndex[group]
	return g, ok
}

// Block returns the (view, group) data block by index. The returned matrix
// is shared with the container; callers treat it as read-only.
func (c *Container) Block(view, group int) *mat.Dense {
	return c.blocks[view][group]
}

// Missingness summarizes NaN cells per (view, group) block, in container
// order.
func (c *Container) Missingness() []MissingSummary {
	var out []MissingSummary
	for v, vname := range c.viewNames {
		for g, gname := range c.groupNames {
			b := c.blocks[v][g]
			r, d := b.Dims()
			miss := 0
			for i := 0; i < r; i++ {
				for j := 0; j < d; j++ {
					if math.IsNaN(b.At(i, j)) {
						miss++
					}
				}
			}
			total := r * d
			out = append(out, MissingSummary{
				View:     vname,
				Group:    gname,
				Missing:  miss,
				Total:    total,
				Fraction: float64(miss) / float64(total),
			})
		}
	}
	return out
}
