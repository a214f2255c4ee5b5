package data

import (
	"math"
	"testing"

	"github.com/stretchr/testify/require"
	"gonum.org/v1/gonum/mat"

	"github.com/laurenctang/MOFA2/pkg/errors"
)

func testViews() map[string]ViewMatrix {
	return map[string]ViewMatrix{
		"rna": {
			Samples:  []string{"s1", "s2", "s3", "s4"},
			Features: []string{"g1", "g2", "g3"},
			Data: mat.NewDense(4, 3, []float64{
				1, 2, 3,
				4, math.NaN(), 6,
				7, 8, 9,
				10, 11, 12,
			}),
		},
		"atac": {
			Samples:  []string{"s1", "s2", "s3"},
			Features: []string{"p1", "p2"},
			Data: mat.NewDense(3, 2, []float64{
				0.1, 0.2,
				0.3, 0.4,
				0.5, 0.6,
			}),
		},
	}
}

func TestNewContainerOrdering(t *testing.T) {
	c, err := NewContainer(testViews(),
		[]string{"s1", "s2", "s3", "s4"},
		[]string{"gB", "gA", "gB", "gA"})
	require.NoError(t, err)

	// Views sort by name, groups keep first-appearance order.
	require.Equal(t, []string{"atac", "rna"}, c.ViewNames())
	require.Equal(t, []string{"gB", "gA"}, c.GroupNames())
	require.Equal(t, 2, c.NumViews())
	require.Equal(t, 2, c.NumGroups())
	require.Equal(t, 4, c.TotalSamples())

	names, err := c.SampleNames("gB")
	require.NoError(t, err)
	require.Equal(t, []string{"s1", "s3"}, names)
	names, err = c.SampleNames("gA")
	require.NoError(t, err)
	require.Equal(t, []string{"s2", "s4"}, names)

	feats, err := c.FeatureNames("rna")
	require.NoError(t, err)
	require.Equal(t, []string{"g1", "g2", "g3"}, feats)

	v, ok := c.ViewIndex("rna")
	require.True(t, ok)
	g, ok := c.GroupIndex("gB")
	require.True(t, ok)
	// Block rows follow the per-group sample order.
	require.Equal(t, 1.0, c.Block(v, g).At(0, 0)) // s1
	require.Equal(t, 7.0, c.Block(v, g).At(1, 0)) // s3
}

func TestNewContainerAbsentSampleRowsAreNaN(t *testing.T) {
	// s4 is missing from the atac view entirely.
	c, err := NewContainer(testViews(),
		[]string{"s1", "s2", "s3", "s4"},
		[]string{"g1", "g1", "g1", "g1"})
	require.NoError(t, err)

	v, _ := c.ViewIndex("atac")
	g, _ := c.GroupIndex("g1")
	b := c.Block(v, g)
	require.True(t, math.IsNaN(b.At(3, 0)))
	require.True(t, math.IsNaN(b.At(3, 1)))
	require.Equal(t, 0.1, b.At(0, 0))
}

func TestNewContainerErrors(t *testing.T) {
	samples := []string{"s1", "s2", "s3", "s4"}
	groups := []string{"g1", "g1", "g2", "g2"}

	tests := []struct {
		name    string
		views   func() map[string]ViewMatrix
		samples []string
		groups  []string
	}{
		{
			name:    "no views",
			views:   func() map[string]ViewMatrix { return nil },
			samples: samples,
			groups:  groups,
		},
		{
			name:    "no samples",
			views:   testViews,
			samples: nil,
			groups:  nil,
		},
		{
			name:    "groups not parallel",
			views:   testViews,
			samples: samples,
			groups:  []string{"g1"},
		},
		{
			name:    "duplicate sample",
			views:   testViews,
			samples: []string{"s1", "s1", "s3", "s4"},
			groups:  groups,
		},
		{
			name: "labels mismatch matrix",
			views: func() map[string]ViewMatrix {
				v := testViews()
				vm := v["rna"]
				vm.Features = []string{"g1"}
				v["rna"] = vm
				return v
			},
			samples: samples,
			groups:  groups,
		},
		{
			name: "duplicate feature",
			views: func() map[string]ViewMatrix {
				v := testViews()
				vm := v["rna"]
				vm.Features = []string{"g1", "g1", "g3"}
				v["rna"] = vm
				return v
			},
			samples: samples,
			groups:  groups,
		},
		{
			name: "unassigned sample",
			views: func() map[string]ViewMatrix {
				v := testViews()
				vm := v["rna"]
				vm.Samples = []string{"s1", "s2", "s3", "s9"}
				v["rna"] = vm
				return v
			},
			samples: samples,
			groups:  groups,
		},
		{
			name: "nil matrix",
			views: func() map[string]ViewMatrix {
				v := testViews()
				vm := v["rna"]
				vm.Data = nil
				v["rna"] = vm
				return v
			},
			samples: samples,
			groups:  groups,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := NewContainer(tt.views(), tt.samples, tt.groups)
			require.Error(t, err)
			var shapeErr *errors.InvalidShapeError
			if !errors.As(err, &shapeErr) {
				require.ErrorIs(t, err, errors.ErrEmptyData)
			}
		})
	}
}

func TestNewContainerEmptyMatrix(t *testing.T) {
	views := map[string]ViewMatrix{
		"rna": {Samples: nil, Features: nil, Data: &mat.Dense{}},
	}
	_, err := NewContainer(views, []string{"s1"}, []string{"g1"})
	require.Error(t, err)
}

func TestMissingness(t *testing.T) {
	c, err := NewContainer(testViews(),
		[]string{"s1", "s2", "s3", "s4"},
		[]string{"g1", "g1", "g1", "g1"})
	require.NoError(t, err)

	got := make(map[string]MissingSummary)
	for _, s := range c.Missingness() {
		got[s.View+"/"+s.Group] = s
	}

	// rna has one NaN cell, atac has the all-NaN s4 row.
	require.Equal(t, 1, got["rna/g1"].Missing)
	require.Equal(t, 12, got["rna/g1"].Total)
	require.Equal(t, 2, got["atac/g1"].Missing)
	require.Equal(t, 8, got["atac/g1"].Total)
	require.InDelta(t, 0.25, got["atac/g1"].Fraction, 1e-12)
}

func TestLookupErrors(t *testing.T) {
	c, err := NewContainer(testViews(),
		[]string{"s1", "s2", "s3", "s4"},
		[]string{"g1", "g1", "g1", "g1"})
	require.NoError(t, err)

	var notFound *errors.NotFoundError

	_, err = c.FeatureNames("proteomics")
	require.ErrorAs(t, err, &notFound)
	_, err = c.SampleNames("g9")
	require.ErrorAs(t, err, &notFound)
	_, _, err = c.Dims("rna", "g9")
	require.ErrorAs(t, err, &notFound)
}

func TestCenterGroups(t *testing.T) {
	c, err := NewContainer(testViews(),
		[]string{"s1", "s2", "s3", "s4"},
		[]string{"g1", "g1", "g2", "g2"})
	require.NoError(t, err)

	c.CenterGroups(nil)

	v, _ := c.ViewIndex("rna")
	for g := 0; g < c.NumGroups(); g++ {
		b := c.Block(v, g)
		r, d := b.Dims()
		for j := 0; j < d; j++ {
			sum, n := 0.0, 0
			for i := 0; i < r; i++ {
				if x := b.At(i, j); !math.IsNaN(x) {
					sum += x
					n++
				}
			}
			if n > 0 {
				require.InDelta(t, 0, sum/float64(n), 1e-12)
			}
		}
	}
}

func TestCenterGroupsIgnoresNaN(t *testing.T) {
	views := map[string]ViewMatrix{
		"v": {
			Samples:  []string{"s1", "s2", "s3"},
			Features: []string{"f1"},
			Data:     mat.NewDense(3, 1, []float64{1, math.NaN(), 3}),
		},
	}
	c, err := NewContainer(views, []string{"s1", "s2", "s3"}, []string{"g", "g", "g"})
	require.NoError(t, err)

	c.CenterGroups(nil)

	b := c.Block(0, 0)
	require.InDelta(t, -1, b.At(0, 0), 1e-12)
	require.True(t, math.IsNaN(b.At(1, 0)))
	require.InDelta(t, 1, b.At(2, 0), 1e-12)
}

func TestCenterGroupsViewSubset(t *testing.T) {
	c, err := NewContainer(testViews(),
		[]string{"s1", "s2", "s3", "s4"},
		[]string{"g1", "g1", "g2", "g2"})
	require.NoError(t, err)

	rna, _ := c.ViewIndex("rna")
	atac, _ := c.ViewIndex("atac")
	before := mat.DenseCopyOf(c.Block(atac, 0))

	c.CenterGroups([]int{rna})

	// Only the listed view is touched.
	require.True(t, mat.EqualApprox(before, c.Block(atac, 0), 0))
	b := c.Block(rna, 0)
	r, d := b.Dims()
	for j := 0; j < d; j++ {
		sum, n := 0.0, 0
		for i := 0; i < r; i++ {
			if x := b.At(i, j); !math.IsNaN(x) {
				sum += x
				n++
			}
		}
		if n > 0 {
			require.InDelta(t, 0, sum/float64(n), 1e-12)
		}
	}

	// An empty (non-nil) subset is a no-op, unlike nil.
	beforeRNA := mat.DenseCopyOf(c.Block(rna, 1))
	c.CenterGroups([]int{})
	require.True(t, mat.EqualApprox(beforeRNA, c.Block(rna, 1), 0))
}

func TestScaleViews(t *testing.T) {
	c, err := NewContainer(testViews(),
		[]string{"s1", "s2", "s3", "s4"},
		[]string{"g1", "g1", "g2", "g2"})
	require.NoError(t, err)

	c.ScaleViews(nil)

	for v := 0; v < c.NumViews(); v++ {
		sumSq, n := 0.0, 0
		for g := 0; g < c.NumGroups(); g++ {
			b := c.Block(v, g)
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
		require.InDelta(t, 1, sumSq/float64(n), 1e-12, "view %d not unit variance", v)
	}
}

func TestGroupsFromMetadata(t *testing.T) {
	meta := &Metadata{
		Samples: []string{"s1", "s2", "s3", "s4"},
		Columns: map[string][]string{
			"condition": {"ctrl", "ctrl", "treated", "treated"},
		},
	}

	groups, err := meta.GroupsFromColumn("condition")
	require.NoError(t, err)
	require.Equal(t, []string{"ctrl", "ctrl", "treated", "treated"}, groups)

	_, err = meta.GroupsFromColumn("missing")
	var notFound *errors.NotFoundError
	require.ErrorAs(t, err, &notFound)

	c, err := NewContainerWithMetadata(testViews(), meta, "condition")
	require.NoError(t, err)
	require.Equal(t, []string{"ctrl", "treated"}, c.GroupNames())
}
