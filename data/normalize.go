package data

import (
	"math"

	"github.com/laurenctang/MOFA2/pkg/errors"
)

// CenterGroups subtracts the per-(view, group, feature) mean from every
// observed cell of the listed views (nil means all), ignoring NaN. The
// factor model carries no intercept term, so centering is what makes
// zero-mean factor scores attainable. Part of configuration freeze; must
// not be called after training starts.
func (c *Container) CenterGroups(views []int) {
	for _, v := range c.viewSubset(views) {
		for g := range c.groupNames {
			b := c.blocks[v][g]
			r, d := b.Dims()
			for j := 0; j < d; j++ {
				sum, n := 0.0, 0
				for i := 0; i < r; i++ {
					if x := b.At(i, j); !math.IsNaN(x) {
						sum += x
						n++
					}
				}
				if n == 0 {
					continue
				}
				mean := sum / float64(n)
				for i := 0; i < r; i++ {
					if x := b.At(i, j); !math.IsNaN(x) {
						b.Set(i, j, x-mean)
					}
				}
			}
		}
	}
}

// ScaleViews rescales each listed view (nil means all) to unit total
// variance across all its groups, ignoring NaN. Views measured on wildly
// different scales would otherwise dominate the shared factors.
func (c *Container) ScaleViews(views []int) {
	for _, v := range c.viewSubset(views) {
		sumSq, n := 0.0, 0
		for g := range c.groupNames {
			b := c.blocks[v][g]
			r, d := b.Dims()
			for i := 0; i < r; i++ {
				for j := 0; j < d; j++ {
					if x := b.At(i, j); !math.IsNaN(x) {
						sumSq += x * x
						n++
					}
				}
			}
		}
		if n == 0 || sumSq == 0 {
			continue
		}
		sd := math.Sqrt(sumSq / float64(n))
		for g := range c.groupNames {
			b := c.blocks[v][g]
			r, d := b.Dims()
			for i := 0; i < r; i++ {
				for j := 0; j < d; j++ {
					if x := b.At(i, j); !math.IsNaN(x) {
						b.Set(i, j, x/sd)
					}
				}
			}
		}
	}
}

func (c *Container) viewSubset(views []int) []int {
	if views == nil {
		all := make([]int, len(c.viewNames))
		for v := range all {
			all[v] = v
		}
		return all
	}
	return views
}

// Metadata is a sample-level annotation table from which a group
// assignment can be drawn.
type Metadata struct {
	Samples []string
	Columns map[string][]string
}

// GroupsFromColumn returns the group label vector stored in the named
// metadata column, parallel to Samples.
func (m *Metadata) GroupsFromColumn(column string) ([]string, error) {
	col, ok := m.Columns[column]
	if !ok {
		return nil, errors.NewNotFoundError("metadata column", column)
	}
	if len(col) != len(m.Samples) {
		return nil, errors.NewInvalidShapeError("data.GroupsFromColumn", "",
			"metadata column not parallel to samples", []int{len(m.Samples)}, []int{len(col)})
	}
	return append([]string(nil), col...), nil
}

// NewContainerWithMetadata builds a container taking the group assignment
// from a sample-metadata column instead of a standalone vector.
func NewContainerWithMetadata(views map[string]ViewMatrix, meta *Metadata, column string) (*Container, error) {
	groups, err := meta.GroupsFromColumn(column)
	if err != nil {
		return nil, err
	}
	return NewContainer(views, meta.Samples, groups)
}
