package kdtree

import "github.com/forestrie/go-kdasm/kdword"

// Tree is a caller-owned arena of Nodes. DistanceLength is fixed for the
// whole tree (spec §3), stored once here the way a massif's header stores
// its own fixed geometry once for every entry it holds.
type Tree struct {
	nodes          []Node
	Root           NodeID
	DistanceLength uint8
}

// New creates an empty tree whose single node is an empty leaf at Root.
func New(distanceLength uint8) (*Tree, error) {
	if distanceLength < 1 || distanceLength > kdword.MaxDistanceLength {
		return nil, ErrDistanceLengthRange
	}
	t := &Tree{DistanceLength: distanceLength}
	t.Root = t.NewNode()
	t.nodes[t.Root].Kind = KindLeaf
	return t, nil
}

// NewNode allocates a fresh empty node and returns its id.
func (t *Tree) NewNode() NodeID {
	t.nodes = append(t.nodes, Node{Child0: NoNode, Child1: NoNode})
	return NodeID(len(t.nodes) - 1)
}

// Node returns a pointer to the node record for id. The pointer is only
// valid until the next NewNode call (append may reallocate the backing array).
func (t *Tree) Node(id NodeID) *Node {
	if id == NoNode {
		return nil
	}
	return &t.nodes[id]
}

// Len returns the number of node slots in the arena (including any that have
// been unlinked by HasLeafData but not physically compacted out).
func (t *Tree) Len() int { return len(t.nodes) }

// Clear resets id to an empty node, discarding any prior interior or leaf
// content (spec §4.3).
func (t *Tree) Clear(id NodeID) {
	clearNode(&t.nodes[id])
}

// SetInterior populates id as an interior cutting-plane node, discarding any
// previous content first.
func (t *Tree) SetInterior(id NodeID, axis kdword.Axis, distance Distance, stop0, stop1 bool, child0, child1 NodeID) error {
	if axis > kdword.AxisZ {
		return ErrAxisOutOfRange
	}
	if !distance.FitsBits(distanceBits(t.DistanceLength)) {
		return ErrDistanceOutOfRange
	}
	if !stop0 {
		child0 = NoNode
	}
	if !stop1 {
		child1 = NoNode
	}
	if child0 == NoNode && child1 == NoNode {
		return ErrNoChildren
	}
	clearNode(&t.nodes[id])
	n := &t.nodes[id]
	n.Kind = KindInterior
	n.Axis = axis
	n.Distance = distance
	n.Stop0, n.Stop1 = stop0, stop1
	n.Child0, n.Child1 = child0, child1
	return nil
}

// SetLeaf populates id as a leaf node holding a copy of words, discarding any
// previous content first. Disassembly's decoded copies never alias the
// caller's slice, matching the ownership rule in spec §9.
func (t *Tree) SetLeaf(id NodeID, words []uint16) error {
	if len(words) > MaxLeafCount {
		return ErrLeafCountOverflow
	}
	clearNode(&t.nodes[id])
	n := &t.nodes[id]
	n.Kind = KindLeaf
	if len(words) > 0 {
		n.LeafWords = append([]uint16(nil), words...)
	}
	return nil
}

// Equals performs a structural comparison of the subtrees rooted at a and b.
// When ignoreChildren is true, only the node's own fields are compared, not
// its descendants; this is reflexive and symmetric by construction.
func (t *Tree) Equals(a, b NodeID, ignoreChildren bool) bool {
	if a == NoNode || b == NoNode {
		return a == b
	}
	na, nb := &t.nodes[a], &t.nodes[b]
	if na.Kind != nb.Kind {
		return false
	}
	switch na.Kind {
	case KindLeaf:
		return u16SliceEqual(na.LeafWords, nb.LeafWords)
	case KindInterior:
		if na.Axis != nb.Axis || na.Distance != nb.Distance {
			return false
		}
		if na.Stop0 != nb.Stop0 || na.Stop1 != nb.Stop1 {
			return false
		}
		if ignoreChildren {
			return true
		}
		return t.Equals(na.Child0, nb.Child0, false) && t.Equals(na.Child1, nb.Child1, false)
	default:
		return true
	}
}

// HasLeafData removes (unlinks) any child subtree of id that carries no leaf
// data, and reports whether id's own subtree carries leaf data. This is
// spec.md §4.3's trim_empty operation; it is named for the boolean it
// returns rather than the unlinking it performs as a side effect, since
// spec.md §4.3 defines trim_empty's return value as "true iff the subtree
// contains no leaves" -- the opposite polarity of what's returned here.
// Idempotent: calling it again after a prior call is a no-op that returns
// the same answer, since every empty child has already been unlinked.
func (t *Tree) HasLeafData(id NodeID) bool {
	if id == NoNode {
		return false
	}
	n := &t.nodes[id]
	switch n.Kind {
	case KindLeaf:
		return len(n.LeafWords) > 0
	case KindInterior:
		keep0 := t.HasLeafData(n.Child0)
		if !keep0 {
			n.Child0 = NoNode
		}
		keep1 := t.HasLeafData(n.Child1)
		if !keep1 {
			n.Child1 = NoNode
		}
		n.Stop0 = n.Child0 != NoNode
		n.Stop1 = n.Child1 != NoNode
		return keep0 || keep1
	default:
		return false
	}
}

// Canonicalize trims the whole tree from Root and, if the root itself ends
// up carrying no leaf data anywhere, demotes it to an empty leaf so the
// "interior node has >=1 child" invariant is never violated at the root
// (spec.md §8 scenario 1: an all-empty tree still round-trips as a single
// empty leaf, not a headerless nothing).
func (t *Tree) Canonicalize() {
	if t.Root == NoNode {
		return
	}
	if !t.HasLeafData(t.Root) {
		_ = t.SetLeaf(t.Root, nil)
	}
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
