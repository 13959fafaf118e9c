package kdtree

import (
	"testing"

	"github.com/forestrie/go-kdasm/kdword"
	"github.com/stretchr/testify/require"
	"gotest.tools/v3/assert"
)

func TestNewTreeStartsAsEmptyLeaf(t *testing.T) {
	tr, err := New(1)
	require.NoError(t, err)
	require.Equal(t, KindLeaf, tr.Node(tr.Root).Kind)
	require.Empty(t, tr.Node(tr.Root).LeafWords)
}

func TestSetInteriorRejectsBadAxis(t *testing.T) {
	tr, err := New(1)
	require.NoError(t, err)
	child := tr.NewNode()
	require.NoError(t, tr.SetLeaf(child, []uint16{1}))
	err = tr.SetInterior(tr.Root, kdword.AxisEscape, DistanceFromUint64(0), true, false, child, NoNode)
	require.ErrorIs(t, err, ErrAxisOutOfRange)
}

func TestSetInteriorRejectsDistanceOutOfRange(t *testing.T) {
	tr, err := New(2) // 5+16 = 21 bits
	require.NoError(t, err)
	child := tr.NewNode()
	require.NoError(t, tr.SetLeaf(child, []uint16{1}))
	err = tr.SetInterior(tr.Root, kdword.AxisX, DistanceFromUint64(1<<22), true, false, child, NoNode)
	require.ErrorIs(t, err, ErrDistanceOutOfRange)
}

func TestSetLeafRejectsOverflow(t *testing.T) {
	tr, err := New(1)
	require.NoError(t, err)
	err = tr.SetLeaf(tr.Root, make([]uint16, 0xFFFF))
	require.ErrorIs(t, err, ErrLeafCountOverflow)
}

func TestHasLeafDataDropsLeaflessSubtrees(t *testing.T) {
	tr, err := New(1)
	require.NoError(t, err)

	emptyChild := tr.NewNode() // stays an empty node
	dataChild := tr.NewNode()
	require.NoError(t, tr.SetLeaf(dataChild, []uint16{7, 8}))

	require.NoError(t, tr.SetInterior(tr.Root, kdword.AxisX, DistanceFromUint64(0), true, true, emptyChild, dataChild))

	hasData := tr.HasLeafData(tr.Root)
	assert.Assert(t, hasData)

	root := tr.Node(tr.Root)
	assert.Equal(t, root.Child0, NoNode)
	assert.Equal(t, root.Stop0, false)
	assert.Equal(t, root.Child1, dataChild)
	assert.Equal(t, root.Stop1, true)
}

func TestCanonicalizeDemotesFullyEmptyRootToLeaf(t *testing.T) {
	tr, err := New(1)
	require.NoError(t, err)
	c0 := tr.NewNode()
	c1 := tr.NewNode()
	require.NoError(t, tr.SetInterior(tr.Root, kdword.AxisY, DistanceFromUint64(0), true, true, c0, c1))

	tr.Canonicalize()

	require.Equal(t, KindLeaf, tr.Node(tr.Root).Kind)
	require.Empty(t, tr.Node(tr.Root).LeafWords)
}

func TestHasLeafDataIsIdempotent(t *testing.T) {
	tr, err := New(1)
	require.NoError(t, err)
	c0 := tr.NewNode()
	c1 := tr.NewNode()
	require.NoError(t, tr.SetLeaf(c1, []uint16{1}))
	require.NoError(t, tr.SetInterior(tr.Root, kdword.AxisY, DistanceFromUint64(0), true, true, c0, c1))

	first := tr.HasLeafData(tr.Root)
	second := tr.HasLeafData(tr.Root)
	require.Equal(t, first, second)
}

func TestEqualsReflexiveAndSymmetric(t *testing.T) {
	tr, err := New(1)
	require.NoError(t, err)
	require.NoError(t, tr.SetLeaf(tr.Root, []uint16{1, 2, 3}))

	other, err := New(1)
	require.NoError(t, err)
	require.NoError(t, other.SetLeaf(other.Root, []uint16{1, 2, 3}))

	require.True(t, tr.Equals(tr.Root, tr.Root, false))
	require.True(t, tr.Equals(tr.Root, tr.Root, false) == tr.Equals(tr.Root, tr.Root, false))

	// cross-tree comparison walks each tree's own arena via the same ids,
	// so build a directly comparable case on one tree instead.
	dup := tr.NewNode()
	require.NoError(t, tr.SetLeaf(dup, []uint16{1, 2, 3}))
	require.True(t, tr.Equals(tr.Root, dup, false))
	require.True(t, tr.Equals(dup, tr.Root, false))
}

func TestAssignCompareIDsMonotonicNonzero(t *testing.T) {
	tr, err := New(1)
	require.NoError(t, err)
	c0 := tr.NewNode()
	c1 := tr.NewNode()
	require.NoError(t, tr.SetLeaf(c0, []uint16{1}))
	require.NoError(t, tr.SetLeaf(c1, []uint16{2}))
	require.NoError(t, tr.SetInterior(tr.Root, kdword.AxisX, DistanceFromUint64(0), true, true, c0, c1))

	tr.AssignCompareIDs()

	require.Equal(t, uint32(1), tr.Node(tr.Root).CompareID)
	require.Equal(t, uint32(2), tr.Node(c0).CompareID)
	require.Equal(t, uint32(3), tr.Node(c1).CompareID)
}

func TestSetInteriorAcceptsMaxWidthDistanceAtEveryDistanceLength(t *testing.T) {
	for dl := uint8(1); dl <= 7; dl++ {
		tr, err := New(dl)
		require.NoError(t, err)
		child := tr.NewNode()
		require.NoError(t, tr.SetLeaf(child, []uint16{1}))

		bits := distanceBits(dl)
		var max Distance
		if bits >= 64 {
			max = Distance{Hi: (uint64(1) << (bits - 64)) - 1, Lo: ^uint64(0)}
		} else {
			max = DistanceFromUint64((uint64(1) << bits) - 1)
		}
		require.NoErrorf(t, tr.SetInterior(tr.Root, kdword.AxisX, max, true, false, child, NoNode),
			"distance_length=%d", dl)
		require.Equal(t, max, tr.Node(tr.Root).Distance)

		over := max
		if bits >= 64 {
			over.Hi |= uint64(1) << (bits - 64)
		} else {
			over = DistanceFromUint64(uint64(1) << bits)
		}
		other := tr.NewNode()
		require.NoError(t, tr.SetLeaf(other, []uint16{2}))
		err = tr.SetInterior(tr.Root, kdword.AxisX, over, true, false, other, NoNode)
		require.ErrorIsf(t, err, ErrDistanceOutOfRange, "distance_length=%d", dl)
	}
}

func TestDistanceFromWordsRoundTripsAcrossHiLoBoundary(t *testing.T) {
	// distance_length 7 gives a 5-bit prefix plus six 16-bit words (101 bits
	// total), which spans Distance's Hi/Lo boundary at bit 64.
	prefix := uint8(0x15)
	words := []uint16{0xFFFF, 0xAAAA, 0x1234, 0x5678, 0x9ABC, 0xDEF0}
	d := DistanceFromWords(prefix, words)

	require.True(t, d.FitsBits(101))
	require.False(t, d.FitsBits(100))

	for i, w := range words {
		shift := 16 * uint(len(words)-1-i)
		require.Equalf(t, w, d.Word16(shift), "word %d", i)
	}
	require.Equal(t, prefix&0x1F, d.Bits5(16*uint(len(words))))
}

func TestGenerateRandomProducesCanonicalTree(t *testing.T) {
	tr, err := GenerateRandom(RandomTreeSettings{
		MaxNodes:        2000,
		MaxLeaves:       8,
		DistanceLength:  1,
		PercentSubnodes: 70,
		PercentEmpty:    50,
		Seed:            0x7988,
	})
	require.NoError(t, err)
	require.NotNil(t, tr.Node(tr.Root))

	// Canonicalize is idempotent on an already-canonical tree.
	before := tr.Len()
	tr.Canonicalize()
	require.Equal(t, before, tr.Len())
}
