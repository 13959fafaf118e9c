package kdpack

import (
	"testing"

	"github.com/datatrails/go-datatrails-common/logger"
	"github.com/forestrie/go-kdasm/kdheader"
	"github.com/forestrie/go-kdasm/kdpage"
	"github.com/forestrie/go-kdasm/kdtree"
	"github.com/forestrie/go-kdasm/kdword"
	"github.com/stretchr/testify/require"
)

func TestMain(m *testing.M) {
	logger.New("TEST")
	defer logger.OnExit()
	m.Run()
}

// buildSmallTree makes root(axis X) -> {leaf[1,2,3], leaf[4]}, both children
// small enough to be reached via LEAVES.
func buildSmallTree(t *testing.T) (*kdtree.Tree, kdtree.NodeID, kdtree.NodeID) {
	t.Helper()
	tr, err := kdtree.New(1)
	require.NoError(t, err)
	c0 := tr.NewNode()
	c1 := tr.NewNode()
	require.NoError(t, tr.SetLeaf(c0, []uint16{1, 2, 3}))
	require.NoError(t, tr.SetLeaf(c1, []uint16{4}))
	require.NoError(t, tr.SetInterior(tr.Root, kdword.AxisX, kdtree.DistanceFromUint64(0x1230), true, true, c0, c1))
	return tr, c0, c1
}

func TestPackSingleInteriorWithTwoNearLeaves(t *testing.T) {
	tr, c0, c1 := buildSmallTree(t)

	alloc := kdpage.New(kdheader.PageBits64)
	scratch := NewScratch()
	pk := New(tr, alloc, scratch, logger.Sugar)

	page := alloc.Allocate(1)
	alloc.AssignNode(page, tr.Root)
	alloc.AssignNode(page, c0)
	alloc.AssignNode(page, c1)

	ok, err := pk.Pack(page, nil, true)
	require.NoError(t, err)
	require.True(t, ok)

	rootPos, ok := scratch.NodeLocalPos[tr.Root]
	require.True(t, ok)
	require.Equal(t, kdheader.HeaderWords, rootPos)

	rootWord := page.Image[rootPos]
	require.Equal(t, kdword.AxisX, kdword.GetAxis(rootWord))
	s0, s1 := kdword.GetStopBits(rootWord)
	require.True(t, s0)
	require.True(t, s1)

	child0Word := page.Image[rootPos+1]
	require.Equal(t, kdword.AxisEscape, kdword.GetAxis(child0Word))
	require.Equal(t, kdword.OpLeaves, kdword.GetOpcode(child0Word))
	require.Equal(t, uint8(3), kdword.GetLeavesCount(child0Word))

	child1Word := page.Image[rootPos+2]
	require.Equal(t, kdword.OpLeaves, kdword.GetOpcode(child1Word))
	require.Equal(t, uint8(1), kdword.GetLeavesCount(child1Word))
}

func TestPackOversizedLeafUsesLeavesFarAndCountWord(t *testing.T) {
	tr, err := kdtree.New(1)
	require.NoError(t, err)
	c0 := tr.NewNode()
	c1 := tr.NewNode()
	big := make([]uint16, 40)
	for i := range big {
		big[i] = uint16(i)
	}
	require.NoError(t, tr.SetLeaf(c0, big))
	require.NoError(t, tr.SetLeaf(c1, []uint16{7}))
	require.NoError(t, tr.SetInterior(tr.Root, kdword.AxisY, kdtree.DistanceFromUint64(0), true, true, c0, c1))

	alloc := kdpage.New(kdheader.PageBits128)
	scratch := NewScratch()
	pk := New(tr, alloc, scratch, logger.Sugar)

	page := alloc.Allocate(1)
	alloc.AssignNode(page, tr.Root)
	alloc.AssignNode(page, c0)
	alloc.AssignNode(page, c1)

	ok, err := pk.Pack(page, nil, true)
	require.NoError(t, err)
	require.True(t, ok)

	rootPos := scratch.NodeLocalPos[tr.Root]
	child0Word := page.Image[rootPos+1]
	require.Equal(t, kdword.OpLeavesFar, kdword.GetOpcode(child0Word))

	extraPos, ok := scratch.LeafExtraLocalPos[c0]
	require.True(t, ok)
	require.Equal(t, kdword.Word(40), page.Image[extraPos])
}

func TestPackFailsWhenNodeSetOverflowsPage(t *testing.T) {
	tr, err := kdtree.New(1)
	require.NoError(t, err)
	c0 := tr.NewNode()
	require.NoError(t, tr.SetLeaf(c0, make([]uint16, 200)))
	require.NoError(t, tr.SetInterior(tr.Root, kdword.AxisX, kdtree.DistanceFromUint64(0), true, false, c0, kdtree.NoNode))

	alloc := kdpage.New(kdheader.PageBits32)
	scratch := NewScratch()
	pk := New(tr, alloc, scratch, logger.Sugar)

	page := alloc.Allocate(1)
	alloc.AssignNode(page, tr.Root)
	alloc.AssignNode(page, c0)

	ok, err := pk.Pack(page, nil, true)
	require.Error(t, err)
	require.False(t, ok)
}

func TestPackDoesNotPolluteScratchOnDryRun(t *testing.T) {
	tr, c0, c1 := buildSmallTree(t)

	alloc := kdpage.New(kdheader.PageBits64)
	scratch := NewScratch()
	pk := New(tr, alloc, scratch, logger.Sugar)

	page := alloc.Allocate(1)
	alloc.AssignNode(page, tr.Root)
	alloc.AssignNode(page, c0)
	alloc.AssignNode(page, c1)

	ok, err := pk.Pack(page, nil, false)
	require.NoError(t, err)
	require.True(t, ok)
	require.Empty(t, scratch.NodeLocalPos)
	require.Empty(t, scratch.LeafExtraLocalPos)
	require.Nil(t, page.Image)
}
