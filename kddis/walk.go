package kddis

import (
	"errors"
	"fmt"

	"github.com/forestrie/go-kdasm/kdtree"
	"github.com/forestrie/go-kdasm/kdword"
)

// errCompareDiverged unwinds the recursive walk as soon as a compare_to
// mismatch is recorded; it is never returned to a caller of Disassemble
// (the divergence is reported through the *kdtree.CompareFailure return
// value instead, per spec §4.7).
var errCompareDiverged = errors.New("kddis: compare_to diverged")

// walkCtx carries the state one decode pass threads through its recursion:
// the source image, the tree being built, and (in compare_to mode) the
// expected tree plus the first divergence found.
type walkCtx struct {
	img       []kdword.Word
	dl        uint8
	tree      *kdtree.Tree
	compareTo *kdtree.Tree
	failure   *kdtree.CompareFailure
}

func (c *walkCtx) recordFailure(compareID uint32, reason string) {
	if c.failure != nil {
		return // first divergence wins
	}
	c.failure = &kdtree.CompareFailure{ExpectedCompareID: compareID, Reason: reason}
}

// decode reads the node (or opcode chain) starting at pos with the given
// heap tree_index, appending it to c.tree, and -- when c.compareTo is set --
// checking it against the node at `expected` in that tree. JUMP and
// JUMP_FAR are followed transparently: the caller never sees them, only the
// real interior/leaf node they ultimately resolve to.
func (c *walkCtx) decode(pos, treeIndex int, expected kdtree.NodeID) (kdtree.NodeID, error) {
	for {
		if pos < 0 || pos >= len(c.img) {
			return kdtree.NoNode, fmt.Errorf("kddis: word index %d out of range", pos)
		}
		w := c.img[pos]
		if kdword.IsPadding(w) {
			c.recordFailure(c.expectedCompareID(expected), "padding_reached")
			return kdtree.NoNode, errCompareDiverged
		}

		axis := kdword.GetAxis(w)
		if axis != kdword.AxisEscape {
			return c.decodeInterior(pos, treeIndex, expected, w, axis)
		}

		switch kdword.GetOpcode(w) {
		case kdword.OpLeaves:
			offset := kdword.GetLeavesOffset(w)
			count := kdword.GetLeavesCount(w)
			return c.decodeLeafAt(pos+int(offset), int(count), expected)

		case kdword.OpLeavesFar:
			target, err := c.resolveFar(pos, w)
			if err != nil {
				return kdtree.NoNode, err
			}
			if target < 0 || target >= len(c.img) {
				return kdtree.NoNode, fmt.Errorf("kddis: LEAVES_FAR target %d out of range", target)
			}
			count := int(uint16(c.img[target]))
			return c.decodeLeafAt(target+1, count, expected)

		case kdword.OpJump:
			offset := kdword.GetJumpOffset(w)
			pos = pos + int(offset)
			treeIndex = int(kdword.GetJumpTargetIndex(w))
			continue

		case kdword.OpJumpFar:
			target, err := c.resolveFar(pos, w)
			if err != nil {
				return kdtree.NoNode, err
			}
			pos = target
			treeIndex = 0
			continue
		}
		return kdtree.NoNode, fmt.Errorf("kddis: unreachable opcode at word %d", pos)
	}
}

func (c *walkCtx) decodeInterior(pos, treeIndex int, expected kdtree.NodeID, w kdword.Word, axis kdword.Axis) (kdtree.NodeID, error) {
	s0, s1 := kdword.GetStopBits(w)
	distance, err := c.decodeDistance(pos, w)
	if err != nil {
		return kdtree.NoNode, err
	}

	if c.compareTo != nil {
		if !c.checkInterior(expected, axis, distance, s0, s1) {
			return kdtree.NoNode, errCompareDiverged
		}
	}

	expected0, expected1 := kdtree.NoNode, kdtree.NoNode
	if c.compareTo != nil && expected != kdtree.NoNode {
		en := c.compareTo.Node(expected)
		expected0, expected1 = en.Child0, en.Child1
	}

	var child0, child1 kdtree.NodeID = kdtree.NoNode, kdtree.NoNode
	if s0 {
		child0, err = c.decode(pos+treeIndex+1, 2*treeIndex+1, expected0)
		if err != nil {
			return kdtree.NoNode, err
		}
	}
	if s1 {
		child1, err = c.decode(pos+treeIndex+2, 2*treeIndex+2, expected1)
		if err != nil {
			return kdtree.NoNode, err
		}
	}

	id := c.tree.NewNode()
	if err := c.tree.SetInterior(id, axis, distance, s0, s1, child0, child1); err != nil {
		return kdtree.NoNode, fmt.Errorf("kddis: decoded interior node at word %d: %w", pos, err)
	}
	return id, nil
}

func (c *walkCtx) decodeDistance(pos int, w kdword.Word) (kdtree.Distance, error) {
	if c.dl == 1 {
		return kdtree.DistanceFromUint64(uint64(kdword.GetDistanceImmediate(w)) << 4), nil
	}
	prefix := kdword.GetDistancePrefix(w)
	offset := kdword.GetDistanceOffset(w)
	extra := pos + int(offset)
	count := int(c.dl) - 1
	if extra < 0 || extra+count > len(c.img) {
		return kdtree.Distance{}, fmt.Errorf("kddis: distance extra data at word %d out of range", extra)
	}
	words := make([]uint16, count)
	for i := range words {
		words[i] = uint16(c.img[extra+i])
	}
	return kdtree.DistanceFromWords(prefix, words), nil
}

func (c *walkCtx) decodeLeafAt(start, count int, expected kdtree.NodeID) (kdtree.NodeID, error) {
	if start < 0 || start+count > len(c.img) {
		return kdtree.NoNode, fmt.Errorf("kddis: leaf payload at word %d (count %d) out of range", start, count)
	}
	words := make([]uint16, count)
	for i := range words {
		words[i] = uint16(c.img[start+i])
	}
	if c.compareTo != nil {
		if !c.checkLeaf(expected, words) {
			return kdtree.NoNode, errCompareDiverged
		}
	}
	id := c.tree.NewNode()
	if err := c.tree.SetLeaf(id, words); err != nil {
		return kdtree.NoNode, fmt.Errorf("kddis: decoded leaf at word %d: %w", start, err)
	}
	return id, nil
}

// resolveFar computes the absolute word index a LEAVES_FAR/JUMP_FAR word at
// pos points to.
func (c *walkCtx) resolveFar(pos int, w kdword.Word) (int, error) {
	if kdword.GetIsImmediate(w) {
		return pos + int(kdword.GetImmediateOffset(w)), nil
	}
	count := int(kdword.GetExtraWordCount(w))
	off := int(kdword.GetExtraOffset(w))
	extra := pos + off
	if count < 1 || extra < 0 || extra+count > len(c.img) {
		return 0, fmt.Errorf("kddis: far-reference extra data at word %d out of range", extra)
	}
	delta := decodeSignedMultiWord(c.img[extra : extra+count])
	return pos + int(delta), nil
}

// decodeSignedMultiWord reconstructs the big-endian, two's-complement,
// count*16-bit signed value kdpack's farWord would have written had it ever
// needed the extra-word far-offset form (spec §4.1's distance-extra-data
// encoding uses the same high-order-word-first convention).
func decodeSignedMultiWord(words []kdword.Word) int64 {
	var v uint64
	for _, w := range words {
		v = v<<16 | uint64(uint16(w))
	}
	bits := uint(16 * len(words))
	if bits == 0 || bits > 64 {
		return int64(v)
	}
	sign := uint64(1) << (bits - 1)
	return int64(v ^ sign) - int64(sign)
}

func (c *walkCtx) expectedCompareID(expected kdtree.NodeID) uint32 {
	if c.compareTo == nil || expected == kdtree.NoNode {
		return 0
	}
	return c.compareTo.Node(expected).CompareID
}

func (c *walkCtx) checkInterior(expected kdtree.NodeID, axis kdword.Axis, distance kdtree.Distance, s0, s1 bool) bool {
	if expected == kdtree.NoNode {
		c.recordFailure(0, "unexpected_node")
		return false
	}
	en := c.compareTo.Node(expected)
	switch {
	case en.Kind != kdtree.KindInterior:
		c.recordFailure(en.CompareID, "kind")
	case en.Axis != axis:
		c.recordFailure(en.CompareID, "axis")
	case en.Distance != distance:
		c.recordFailure(en.CompareID, "distance")
	case en.Stop0 != s0 || en.Stop1 != s1:
		c.recordFailure(en.CompareID, "stop_bits")
	default:
		return true
	}
	return false
}

func (c *walkCtx) checkLeaf(expected kdtree.NodeID, words []uint16) bool {
	if expected == kdtree.NoNode {
		c.recordFailure(0, "unexpected_node")
		return false
	}
	en := c.compareTo.Node(expected)
	if en.Kind != kdtree.KindLeaf {
		c.recordFailure(en.CompareID, "kind")
		return false
	}
	if !u16SliceEqual(en.LeafWords, words) {
		c.recordFailure(en.CompareID, "leaf_words")
		return false
	}
	return true
}

func u16SliceEqual(a, b []uint16) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}
