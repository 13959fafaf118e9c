// Package kdpack implements the page packer (spec §4.5): given one virtual
// page plus zero or more tentative additional nodes, decide whether the
// assigned nodes fit the page's physical word budget, and if so where each
// node's encoding word and extra data live.
//
// The packer's own state is scratch only (spec §3's "per-node scratch data"
// and §9's ownership note): a side table keyed by kdtree.NodeID, not a
// pointer embedded on Node, mirroring urkle.Builder's FrontierStateV1 rather
// than mutating node records mid-traversal.
package kdpack

import "github.com/forestrie/go-kdasm/kdtree"

// Scratch holds the cross-page-call state a Packer needs to remember for the
// lifetime of one assembly: where each node's encoding word (interior) or
// extra-data block (leaf) currently lives within its own page, plus the
// force-far-addressing flag spec §4.5 step 1 assigns to the tree root and to
// oversized leaves. It is owned by the driver and torn down at the end of
// Assemble (spec §5).
type Scratch struct {
	// NodeLocalPos is the local word offset, within its own page, of an
	// interior node's encoding word. Absent for leaves (they have none).
	NodeLocalPos map[kdtree.NodeID]int

	// LeafExtraLocalPos is the local word offset, within its own page, where
	// a leaf's extra data (its count-prefix word if page-rooted, then its
	// payload) begins.
	LeafExtraLocalPos map[kdtree.NodeID]int

	// ForceFarAddressing holds the nodes explicitly marked by MarkForceFar;
	// the driver marks the tree root (spec §4.6 step 2, so it always owns its
	// own word rather than piggy-backing a parent's heap slot). A leaf whose
	// word count doesn't fit the 5-bit LEAVES length field is force-far
	// through IsForceFar without an entry here.
	ForceFarAddressing map[kdtree.NodeID]bool
}

// NewScratch creates an empty scratch side table.
func NewScratch() *Scratch {
	return &Scratch{
		NodeLocalPos:       make(map[kdtree.NodeID]int),
		LeafExtraLocalPos:  make(map[kdtree.NodeID]int),
		ForceFarAddressing: make(map[kdtree.NodeID]bool),
	}
}

// MarkForceFar sets the force-far-addressing flag for node.
func (s *Scratch) MarkForceFar(node kdtree.NodeID) { s.ForceFarAddressing[node] = true }

// IsForceFar reports the flag set by MarkForceFar, plus the leaf-overflow
// rule computed on demand: any leaf whose word count exceeds the 5-bit
// LEAVES length field is force-far regardless of whether it was explicitly
// marked.
func (s *Scratch) IsForceFar(tree *kdtree.Tree, node kdtree.NodeID) bool {
	if s.ForceFarAddressing[node] {
		return true
	}
	n := tree.Node(node)
	return n.Kind == kdtree.KindLeaf && len(n.LeafWords) > 31
}

// Forget drops every recorded position for node, used when a node is evicted
// from a page during a failed or reverted packing attempt.
func (s *Scratch) Forget(node kdtree.NodeID) {
	delete(s.NodeLocalPos, node)
	delete(s.LeafExtraLocalPos, node)
}
