package catalog_test

import (
	"math/rand"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/myco-mesh/myco/pkg/catalog"
	"github.com/myco-mesh/myco/pkg/digest"
	"github.com/myco-mesh/myco/pkg/hlc"
)

func TestUpdate_InsertsNewID(t *testing.T) {
	t.Parallel()

	s := catalog.New(4, 16)

	ok, err := s.Update(1, hlc.Pack(100, 0))
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, 1, s.Count())
	require.Equal(t, hlc.Pack(100, 0), s.GetVersion(1))
}

func TestUpdate_RejectsStaleVersion(t *testing.T) {
	t.Parallel()

	s := catalog.New(4, 16)

	newer := hlc.Pack(100, 0)
	older := hlc.Pack(50, 0)

	ok, err := s.Update(1, newer)
	require.NoError(t, err)
	require.True(t, ok)

	ok, err = s.Update(1, older)
	require.NoError(t, err)
	require.False(t, ok)
	require.Equal(t, newer, s.GetVersion(1))
}

func TestUpdate_AcceptsNewerVersion(t *testing.T) {
	t.Parallel()

	s := catalog.New(4, 16)

	older := hlc.Pack(50, 0)
	newer := hlc.Pack(100, 0)

	_, err := s.Update(1, older)
	require.NoError(t, err)

	ok, err := s.Update(1, newer)
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, newer, s.GetVersion(1))
}

func TestUpdate_CapacityExhausted(t *testing.T) {
	t.Parallel()

	s := catalog.New(2, 16)

	_, err := s.Update(1, hlc.Pack(1, 0))
	require.NoError(t, err)
	_, err = s.Update(2, hlc.Pack(1, 0))
	require.NoError(t, err)

	ok, err := s.Update(3, hlc.Pack(1, 0))
	require.Error(t, err)
	require.False(t, ok)
	require.ErrorIs(t, err, catalog.ErrCapacityExhausted)
	require.Equal(t, 2, s.Count())
}

func TestGetVersion_AbsentIsZero(t *testing.T) {
	t.Parallel()

	s := catalog.New(4, 16)
	require.Equal(t, uint64(0), s.GetVersion(42))
}

func TestDrainDirty_PartialThenRemainder(t *testing.T) {
	t.Parallel()

	s := catalog.New(8, 16)

	_, err := s.Update(1, hlc.Pack(1, 0))
	require.NoError(t, err)
	_, err = s.Update(2, hlc.Pack(2, 0))
	require.NoError(t, err)
	_, err = s.Update(3, hlc.Pack(3, 0))
	require.NoError(t, err)

	out := make([]digest.Entry, 2)
	n := s.DrainDirty(out)
	require.Equal(t, 2, n)
	require.Equal(t, []digest.Entry{{ID: 1, Version: hlc.Pack(1, 0)}, {ID: 2, Version: hlc.Pack(2, 0)}}, out)
	require.Equal(t, 1, s.DirtyLen())

	out2 := make([]digest.Entry, 2)
	n2 := s.DrainDirty(out2)
	require.Equal(t, 1, n2)
	require.Equal(t, digest.Entry{ID: 3, Version: hlc.Pack(3, 0)}, out2[0])
	require.Equal(t, 0, s.DirtyLen())
}

func TestDirty_DropsOldestOnOverflow(t *testing.T) {
	t.Parallel()

	s := catalog.New(8, 2)

	_, err := s.Update(1, hlc.Pack(1, 0))
	require.NoError(t, err)
	_, err = s.Update(2, hlc.Pack(2, 0))
	require.NoError(t, err)
	_, err = s.Update(3, hlc.Pack(3, 0))
	require.NoError(t, err)

	out := make([]digest.Entry, 8)
	n := s.DrainDirty(out)
	require.Equal(t, 2, n)
	require.Equal(t, []digest.Entry{{ID: 2, Version: hlc.Pack(2, 0)}, {ID: 3, Version: hlc.Pack(3, 0)}}, out[:n])
}

func TestPopulateDigest_SmallerThanOutFillsAll(t *testing.T) {
	t.Parallel()

	s := catalog.New(8, 16)

	for id := uint64(1); id <= 3; id++ {
		_, err := s.Update(id, hlc.Pack(id, 0))
		require.NoError(t, err)
	}

	out := make([]digest.Entry, 5)
	n := s.PopulateDigest(out, rand.New(rand.NewSource(1)))
	require.Equal(t, 3, n)
}

func TestPopulateDigest_SamplesBoundedSubset(t *testing.T) {
	t.Parallel()

	s := catalog.New(100, 200)

	for id := uint64(1); id <= 50; id++ {
		_, err := s.Update(id, hlc.Pack(id, 0))
		require.NoError(t, err)
	}

	out := make([]digest.Entry, 10)
	n := s.PopulateDigest(out, rand.New(rand.NewSource(42)))
	require.Equal(t, 10, n)

	seen := make(map[uint64]bool)
	for _, e := range out {
		require.False(t, seen[e.ID], "reservoir sample must not contain duplicate ids")
		seen[e.ID] = true
		require.GreaterOrEqual(t, e.ID, uint64(1))
		require.LessOrEqual(t, e.ID, uint64(50))
	}
}

func TestPopulateDigest_Deterministic(t *testing.T) {
	t.Parallel()

	build := func() *catalog.Store {
		s := catalog.New(100, 200)
		for id := uint64(1); id <= 20; id++ {
			_, _ = s.Update(id, hlc.Pack(id, 0))
		}

		return s
	}

	out1 := make([]digest.Entry, 5)
	store := build()
	store.PopulateDigest(out1, rand.New(rand.NewSource(7)))

	out2 := make([]digest.Entry, 5)
	build().PopulateDigest(out2, rand.New(rand.NewSource(7)))

	require.Equal(t, out1, out2)
}
