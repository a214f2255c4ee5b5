package inference

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/laurenctang/MOFA2/config"
)

func newTestState(t *testing.T, k int) *runState {
	t.Helper()
	c := syntheticContainer(t, 15, 2, 17)
	cfg, err := config.New(
		config.WithNumFactors(k),
		config.WithSeed(42),
	).Prepare(c)
	require.NoError(t, err)
	return newRunState(cfg, c, cfg.Seed())
}

func TestNewRunStateShapes(t *testing.T) {
	s := newTestState(t, 4)

	require.Equal(t, 2, s.nGroups)
	require.Equal(t, 2, s.nViews)
	require.Equal(t, 4, s.k)

	for g := 0; g < s.nGroups; g++ {
		n, k := s.zMean[g].Dims()
		require.Equal(t, 15, n)
		require.Equal(t, 4, k)
	}
	for v := 0; v < s.nViews; v++ {
		d, k := s.wMean[v].Dims()
		require.Equal(t, 4, k)
		require.Len(t, s.eAlpha[v], 4)
		nd, vd := s.yObs[0][v].Dims()
		require.Equal(t, 15, nd)
		require.Equal(t, d, vd)
	}

	// Gaussian views share the observed block as pseudo-data.
	require.Same(t, s.yObs[0][0], s.yPseudo[0][0])
	require.Nil(t, s.sitePrec[0][0])
}

func TestSeededInitIsReproducible(t *testing.T) {
	a := newTestState(t, 3)
	b := newTestState(t, 3)
	requireBitEqual(t, a.zMean[0], b.zMean[0])
	requireBitEqual(t, a.wMean[1], b.wMean[1])
}

func TestDropFactors(t *testing.T) {
	s := newTestState(t, 4)

	want0 := s.zMean[0].At(0, 0)
	want3 := s.zMean[0].At(0, 3)

	s.dropFactors([]int{0, 3})

	require.Equal(t, 2, s.k)
	_, k := s.zMean[0].Dims()
	require.Equal(t, 2, k)
	_, k = s.wMean[1].Dims()
	require.Equal(t, 2, k)
	require.Len(t, s.eAlpha[0], 2)
	require.Equal(t, want0, s.zMean[0].At(0, 0))
	require.Equal(t, want3, s.zMean[0].At(0, 1))
}

func TestDropFactorsReorders(t *testing.T) {
	s := newTestState(t, 3)
	col := func(kk int) float64 { return s.zMean[0].At(0, kk) }
	c0, c1, c2 := col(0), col(1), col(2)

	s.dropFactors([]int{2, 0, 1})

	require.Equal(t, 3, s.k)
	require.Equal(t, c2, col(0))
	require.Equal(t, c0, col(1))
	require.Equal(t, c1, col(2))
}

func TestCloneAndRestoreAreIndependent(t *testing.T) {
	s := newTestState(t, 2)
	snap := s.clone()

	s.iterate()
	require.NotEqual(t, snap.zMean[0].At(0, 0), s.zMean[0].At(0, 0))

	s.restoreFrom(snap)
	requireBitEqual(t, snap.zMean[0], s.zMean[0])
	requireBitEqual(t, snap.wMean[0], s.wMean[0])
	require.Equal(t, snap.eTau[0][0], s.eTau[0][0])

	// Mutating the restored state must not reach the snapshot.
	s.zMean[0].Set(0, 0, 123)
	require.NotEqual(t, 123.0, snap.zMean[0].At(0, 0))
}

func TestELBOIncreasesOnGaussianData(t *testing.T) {
	s := newTestState(t, 3)

	s.iterate()
	prev := s.elbo()
	for i := 0; i < 10; i++ {
		s.iterate()
		cur := s.elbo()
		require.GreaterOrEqual(t, cur, prev-1e-6*maxAbs(prev), "iteration %d", i)
		prev = cur
	}
}

func maxAbs(x float64) float64 {
	if x < 0 {
		return -x
	}
	return x
}
