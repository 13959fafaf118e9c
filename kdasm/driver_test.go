package kdasm

import (
	"fmt"
	"testing"

	"github.com/datatrails/go-datatrails-common/logger"
	"github.com/forestrie/go-kdasm/kddis"
	"github.com/forestrie/go-kdasm/kdheader"
	"github.com/forestrie/go-kdasm/kdtree"
	"github.com/forestrie/go-kdasm/kdword"
	"github.com/stretchr/testify/require"
)

func TestMain(m *testing.M) {
	logger.New("TEST")
	defer logger.OnExit()
	m.Run()
}

func buildSmallTree(t *testing.T) *kdtree.Tree {
	t.Helper()
	tr, err := kdtree.New(1)
	require.NoError(t, err)
	c0 := tr.NewNode()
	c1 := tr.NewNode()
	require.NoError(t, tr.SetLeaf(c0, []uint16{1, 2, 3}))
	require.NoError(t, tr.SetLeaf(c1, []uint16{4}))
	require.NoError(t, tr.SetInterior(tr.Root, kdword.AxisX, kdtree.DistanceFromUint64(0x1230), true, true, c0, c1))
	return tr
}

func TestAssembleThenDisassembleRoundTripsSmallTree(t *testing.T) {
	tr := buildSmallTree(t)
	expected := buildSmallTree(t)
	expected.AssignCompareIDs()

	image, err := Assemble(tr, kdheader.PageBits64)
	require.NoError(t, err)
	require.NotEmpty(t, image)

	_, failure, err := kddis.Disassemble(image, expected)
	require.NoError(t, err)
	require.Nil(t, failure)
}

func TestAssembleLeavesAtRootEmptyRoundTrips(t *testing.T) {
	tr, err := kdtree.New(1)
	require.NoError(t, err)
	expected, err := kdtree.New(1)
	require.NoError(t, err)
	expected.AssignCompareIDs()

	image, err := Assemble(tr, kdheader.PageBits32)
	require.NoError(t, err)

	hdr, err := kdheader.Decode(image)
	require.NoError(t, err)
	require.True(t, hdr.LeavesAtRoot)

	_, failure, err := kddis.Disassemble(image, expected)
	require.NoError(t, err)
	require.Nil(t, failure)
}

func TestAssembleLeavesAtRootNonEmptyRoundTrips(t *testing.T) {
	tr, err := kdtree.New(1)
	require.NoError(t, err)
	require.NoError(t, tr.SetLeaf(tr.Root, []uint16{9, 8, 7}))

	expected, err := kdtree.New(1)
	require.NoError(t, err)
	require.NoError(t, expected.SetLeaf(expected.Root, []uint16{9, 8, 7}))
	expected.AssignCompareIDs()

	image, err := Assemble(tr, kdheader.PageBits32)
	require.NoError(t, err)

	_, failure, err := kddis.Disassemble(image, expected)
	require.NoError(t, err)
	require.Nil(t, failure)
}

// TestAssembleRandomTreeRoundTrips drives distribution, subpage merging, and
// bin-packing across many pages by generating a tree large enough that a
// single page (32 words) cannot hold it, then verifies the disassembler
// reconstructs exactly the tree that was canonicalised going in.
func TestAssembleRandomTreeRoundTrips(t *testing.T) {
	tr, err := kdtree.GenerateRandom(kdtree.RandomTreeSettings{
		MaxNodes:        400,
		MaxLeaves:       6,
		DistanceLength:  1,
		PercentSubnodes: 65,
		PercentEmpty:    40,
		Seed:            0x1357,
	})
	require.NoError(t, err)

	expected, err := kdtree.GenerateRandom(kdtree.RandomTreeSettings{
		MaxNodes:        400,
		MaxLeaves:       6,
		DistanceLength:  1,
		PercentSubnodes: 65,
		PercentEmpty:    40,
		Seed:            0x1357,
	})
	require.NoError(t, err)

	image, err := Assemble(tr, kdheader.PageBits32)
	require.NoError(t, err)
	require.NotEmpty(t, image)

	_, failure, err := kddis.Disassemble(image, expected)
	require.NoError(t, err)
	require.Nil(t, failure, "expected no divergence, got reason=%v expected_compare_id=%v",
		failureReason(failure), failureCompareID(failure))
}

// TestAssembleRandomTreeRoundTripsAcrossDistanceLengths exercises every
// distance_length the format allows (1..7, spec §3), including the
// distance_length 5-7 range that spills past 64 bits of precision and
// needs kdtree.Distance's Hi word, both through the packer's extra-data
// path and the disassembler's decode path.
func TestAssembleRandomTreeRoundTripsAcrossDistanceLengths(t *testing.T) {
	for dl := uint8(2); dl <= 7; dl++ {
		dl := dl
		t.Run(fmt.Sprintf("distance_length=%d", dl), func(t *testing.T) {
			settings := kdtree.RandomTreeSettings{
				MaxNodes:        200,
				MaxLeaves:       6,
				DistanceLength:  dl,
				PercentSubnodes: 65,
				PercentEmpty:    40,
				Seed:            0x2468 + uint16(dl),
			}
			tr, err := kdtree.GenerateRandom(settings)
			require.NoError(t, err)
			expected, err := kdtree.GenerateRandom(settings)
			require.NoError(t, err)

			image, err := Assemble(tr, kdheader.PageBits32)
			require.NoError(t, err)
			require.NotEmpty(t, image)

			_, failure, err := kddis.Disassemble(image, expected)
			require.NoError(t, err)
			require.Nil(t, failure, "distance_length=%d: expected no divergence, got reason=%v expected_compare_id=%v",
				dl, failureReason(failure), failureCompareID(failure))
		})
	}
}

// TestAssembleDisassembleAssembleIsIdempotent covers spec §8's "Idempotence"
// property in the direction the rest of the suite doesn't:
// assemble(disassemble(I), pb) yields an image that disassembles to the same
// tree as I, not just disassemble(assemble(T)) == T.
func TestAssembleDisassembleAssembleIsIdempotent(t *testing.T) {
	tr, err := kdtree.GenerateRandom(kdtree.RandomTreeSettings{
		MaxNodes:        300,
		MaxLeaves:       6,
		DistanceLength:  1,
		PercentSubnodes: 65,
		PercentEmpty:    40,
		Seed:            0x9e37,
	})
	require.NoError(t, err)

	first, err := Assemble(tr, kdheader.PageBits32)
	require.NoError(t, err)

	decoded, failure, err := kddis.Disassemble(first, nil)
	require.NoError(t, err)
	require.Nil(t, failure)

	second, err := Assemble(decoded, kdheader.PageBits32)
	require.NoError(t, err)

	roundTripped, failure, err := kddis.Disassemble(second, decoded)
	require.NoError(t, err)
	require.Nil(t, failure, "reassembly diverged from first-decoded tree: reason=%v expected_compare_id=%v",
		failureReason(failure), failureCompareID(failure))
	roundTripped.AssignCompareIDs()
	_, failure, err = kddis.Disassemble(first, roundTripped)
	require.NoError(t, err)
	require.Nil(t, failure, "first image diverged from the reassembled tree: reason=%v expected_compare_id=%v",
		failureReason(failure), failureCompareID(failure))
}

func TestAssembleActivityCallbackReportsDistributePhase(t *testing.T) {
	tr := buildSmallTree(t)

	var phases []Phase
	_, err := Assemble(tr, kdheader.PageBits64, WithActivityCallback(func(ev ActivityEvent) {
		phases = append(phases, ev.Phase)
	}))
	require.NoError(t, err)
	require.NotEmpty(t, phases)

	sawDistribute := false
	for _, p := range phases {
		if p == PhaseDistribute {
			sawDistribute = true
		}
	}
	require.True(t, sawDistribute)
}

func TestAssembleWithLoggerOptionDoesNotPanic(t *testing.T) {
	tr := buildSmallTree(t)
	_, err := Assemble(tr, kdheader.PageBits64, WithLogger(logger.Sugar))
	require.NoError(t, err)
}

func TestPhaseStringNames(t *testing.T) {
	require.Equal(t, "distribute", PhaseDistribute.String())
	require.Equal(t, "merge", PhaseMerge.String())
	require.Equal(t, "binpack", PhaseBinPack.String())
	require.Equal(t, "emit", PhaseEmit.String())
}

func failureReason(f *kdtree.CompareFailure) string {
	if f == nil {
		return ""
	}
	return f.Reason
}

func failureCompareID(f *kdtree.CompareFailure) uint32 {
	if f == nil {
		return 0
	}
	return f.ExpectedCompareID
}
