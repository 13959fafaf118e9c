package kdpack

import (
	"errors"

	"github.com/datatrails/go-datatrails-common/logger"
	"github.com/forestrie/go-kdasm/kdheader"
	"github.com/forestrie/go-kdasm/kdpage"
	"github.com/forestrie/go-kdasm/kdtree"
	"github.com/forestrie/go-kdasm/kdword"
)

// ErrDoesNotFit is returned by Pack when the candidate node set cannot be
// made to fit the page's physical word budget under any placement this
// packer is willing to try (spec §4.5: "Pack ... reports failure rather than
// silently overflowing").
var ErrDoesNotFit = errors.New("kdpack: node set does not fit the page")

// externalRefKind distinguishes the shapes a referencing word can take once
// its target isn't reachable by plain heap arithmetic.
type externalRefKind int

const (
	refLeaves externalRefKind = iota
	refLeavesFar
	refJump
	refJumpFar
)

// pendingRef is one word slot this page owes a value once its target's final
// position is known: any leaf child, or an interior child on another page,
// or an interior child cut loose during heap placement.
type pendingRef struct {
	localPos int
	kind     externalRefKind
	target   kdtree.NodeID
}

// Packer decides, for one virtual page at a time, where each assigned node's
// encoding word or extra data lives. It is scratch-only and reusable across
// every page of one assembly, mirroring urkle.Builder's role of folding
// frontier frames one at a time rather than owning tree storage itself.
type Packer struct {
	tree    *kdtree.Tree
	alloc   *kdpage.Allocator
	scratch *Scratch
	log     logger.Logger

	parent []kdtree.NodeID
}

// New creates a Packer bound to tree and alloc, sharing scratch across every
// page packed for the lifetime of one assembly.
func New(tree *kdtree.Tree, alloc *kdpage.Allocator, scratch *Scratch, log logger.Logger) *Packer {
	return &Packer{tree: tree, alloc: alloc, scratch: scratch, log: log, parent: tree.ParentIndex()}
}

// packState is the working memory of one Pack call. Positions computed here
// for on-page nodes are kept local until a successful, save=true call
// commits them into the shared Scratch tables -- a speculative bin-pack
// trial (save=false) must never leave traces behind for a later trial to
// stumble over.
type packState struct {
	pageStart int // 2 on page 0 (after the header), 0 elsewhere
	buf          []kdword.Word
	occupied     []bool
	tail         int // next free position counting down from len(buf)

	leafExtra     map[kdtree.NodeID]int
	distanceExtra map[kdtree.NodeID]int
	placed        map[kdtree.NodeID]int // interior node -> local word position

	refs []pendingRef
}

// Pack attempts to lay out page.Nodes plus additional (candidate nodes not
// yet committed to the page) within page's current PhysicalCount, per spec
// §4.5's five-step algorithm: reserve extra data from the tail, place every
// subtree root and recursively heap-place its on-page interior descendants,
// cutting loose any child whose heap slot doesn't fit, then resolve every
// leaf/external/jump reference now that every target has a position.
//
// save controls whether a successful placement is committed into
// page.EncodingSize/page.Image and the shared Scratch tables, or just
// probed -- the driver's speculative bin-pack trials (spec §4.6) use
// save=false.
func (pk *Packer) Pack(page *kdpage.VirtualPage, additional []kdtree.NodeID, save bool) (bool, error) {
	st, nodes, err := pk.tryPack(page, additional)
	if err != nil {
		return false, err
	}

	if save {
		for n, pos := range st.placed {
			pk.scratch.NodeLocalPos[n] = pos
		}
		for n, pos := range st.leafExtra {
			pk.scratch.LeafExtraLocalPos[n] = pos
		}
		page.EncodingSize = countOccupied(st.occupied)
		page.Nodes = nodes
		page.Image = st.buf
	}

	return true, nil
}

// PeekEncodingSize runs the same placement Pack would, without committing
// anything, and reports how many words the result would occupy. The driver
// uses this to keep a pad word of headroom during page distribution (spec
// §4.6 step 3) without a speculative Pack/commit/revert round trip.
func (pk *Packer) PeekEncodingSize(page *kdpage.VirtualPage, additional []kdtree.NodeID) (int, bool, error) {
	st, _, err := pk.tryPack(page, additional)
	if err != nil {
		if err == ErrDoesNotFit {
			return 0, false, nil
		}
		return 0, false, err
	}
	return countOccupied(st.occupied), true, nil
}

// tryPack lays out page.Nodes plus additional within page's current
// PhysicalCount per spec §4.5's five-step algorithm, without touching page
// or Scratch; Pack and PeekEncodingSize both build on it.
func (pk *Packer) tryPack(page *kdpage.VirtualPage, additional []kdtree.NodeID) (*packState, []kdtree.NodeID, error) {
	wordsPerPage := pk.alloc.PageBits().WordsPerPage()
	total := wordsPerPage * page.PhysicalCount

	pageStart := 0
	if page.PhysicalStart == 0 {
		pageStart = kdheader.HeaderWords
	}

	st := &packState{
		pageStart:     pageStart,
		buf:           make([]kdword.Word, total),
		occupied:      make([]bool, total),
		tail:          total,
		leafExtra:     make(map[kdtree.NodeID]int),
		distanceExtra: make(map[kdtree.NodeID]int),
		placed:        make(map[kdtree.NodeID]int),
	}
	for i := range st.buf {
		st.buf[i] = kdword.Padding
	}

	nodes := make([]kdtree.NodeID, 0, len(page.Nodes)+len(additional))
	nodes = append(nodes, page.Nodes...)
	nodes = append(nodes, additional...)
	onThisPage := make(map[kdtree.NodeID]bool, len(nodes))
	for _, n := range nodes {
		onThisPage[n] = true
	}

	var interiorRoots []kdtree.NodeID
	for _, n := range nodes {
		node := pk.tree.Node(n)
		switch node.Kind {
		case kdtree.KindLeaf:
			if !pk.reserveLeafExtra(st, n, node, onThisPage) {
				return nil, nil, ErrDoesNotFit
			}
		case kdtree.KindInterior:
			if !pk.reserveDistanceExtra(st, n, node) {
				return nil, nil, ErrDoesNotFit
			}
			if pk.isSubtreeRoot(n, onThisPage) {
				interiorRoots = append(interiorRoots, n)
			}
		}
	}

	// The whole-tree root, if present, always leads: it alone has a forced
	// position (pageStart), so placing it first avoids some other root
	// claiming that slot first.
	pending := make([]kdtree.NodeID, 0, len(interiorRoots))
	for _, r := range interiorRoots {
		if r == pk.tree.Root {
			pending = append([]kdtree.NodeID{r}, pending...)
		} else {
			pending = append(pending, r)
		}
	}

	for len(pending) > 0 {
		root := pending[0]
		pending = pending[1:]
		if _, already := st.placed[root]; already {
			continue
		}
		forcedPos := -1
		if root == pk.tree.Root {
			forcedPos = st.pageStart
		}
		cuts, ok := pk.placeSubtree(st, root, forcedPos, onThisPage)
		if !ok {
			return nil, nil, ErrDoesNotFit
		}
		pending = append(pending, cuts...)
	}

	for _, ref := range st.refs {
		w, ok := pk.resolveRef(page, ref, st)
		if !ok {
			return nil, nil, ErrDoesNotFit
		}
		st.buf[ref.localPos] = w
	}

	return st, nodes, nil
}

func countOccupied(occupied []bool) int {
	n := 0
	for _, v := range occupied {
		if v {
			n++
		}
	}
	return n
}

// isSubtreeRoot implements spec §4.5 step 1's definition: an on-page interior
// node whose supernode lies on another page (or has none: the whole tree
// root), or whose force_far_addressing flag is set.
func (pk *Packer) isSubtreeRoot(n kdtree.NodeID, onThisPage map[kdtree.NodeID]bool) bool {
	if n == pk.tree.Root {
		return true
	}
	if pk.scratch.IsForceFar(pk.tree, n) {
		return true
	}
	if int(n) >= len(pk.parent) {
		return true
	}
	parent := pk.parent[n]
	if parent == kdtree.NoNode {
		return true
	}
	return !onThisPage[parent]
}

// reserveLeafExtra allocates node's extra data at the tail of the page: just
// the payload for a normally-referenced leaf (LEAVES carries the count
// inline), or a count-prefix word plus the payload for a page-rooted or
// oversized leaf (LEAVES_FAR has nowhere else to put the count).
func (pk *Packer) reserveLeafExtra(st *packState, n kdtree.NodeID, node *kdtree.Node, onThisPage map[kdtree.NodeID]bool) bool {
	needsCountWord := pk.scratch.IsForceFar(pk.tree, n)
	if int(n) < len(pk.parent) && pk.parent[n] != kdtree.NoNode && !onThisPage[pk.parent[n]] {
		needsCountWord = true
	}
	size := len(node.LeafWords)
	if needsCountWord {
		size++
	}
	if size == 0 {
		return true
	}
	start := st.tail - size
	if start < st.pageStart {
		return false
	}
	st.tail = start
	pos := start
	if needsCountWord {
		st.buf[pos] = kdword.Word(uint16(len(node.LeafWords)))
		st.occupied[pos] = true
		pos++
	}
	for _, v := range node.LeafWords {
		st.buf[pos] = kdword.Word(v)
		st.occupied[pos] = true
		pos++
	}
	st.leafExtra[n] = start
	return true
}

// reserveDistanceExtra allocates the (distance_length-1) high-order distance
// words an interior node needs when the tree's distance_length exceeds 1
// (spec §4.1): the top 5 bits stay in the node's own word as a prefix, the
// remaining 16*(distance_length-1) bits are written high-order word first.
func (pk *Packer) reserveDistanceExtra(st *packState, n kdtree.NodeID, node *kdtree.Node) bool {
	dl := pk.tree.DistanceLength
	if dl <= 1 {
		return true
	}
	count := int(dl) - 1
	start := st.tail - count
	if start < st.pageStart {
		return false
	}
	st.tail = start
	for i := 0; i < count; i++ {
		shift := 16 * uint(count-1-i)
		st.buf[start+i] = kdword.Word(node.Distance.Word16(shift))
		st.occupied[start+i] = true
	}
	st.distanceExtra[n] = start
	return true
}

// interiorWord builds the encoding word for an interior node once its own
// position (needed for the distance-extra-data offset, when present) is
// known.
func (pk *Packer) interiorWord(st *packState, n kdtree.NodeID, pos int) (kdword.Word, bool) {
	node := pk.tree.Node(n)
	w := kdword.SetAxis(0, node.Axis)
	w = kdword.SetStopBits(w, node.Stop0, node.Stop1)

	if pk.tree.DistanceLength == 1 {
		w = kdword.SetDistanceImmediate(w, node.Distance.Uint16()>>4)
		return w, true
	}

	extraPos, ok := st.distanceExtra[n]
	if !ok {
		return 0, false
	}
	count := int(pk.tree.DistanceLength) - 1
	prefix := node.Distance.Bits5(16 * uint(count))
	offset := extraPos - pos
	if offset < -kdword.MaxNearOffset-1 || offset > kdword.MaxNearOffset {
		return 0, false
	}
	w = kdword.SetDistancePrefix(w, prefix)
	w = kdword.SetDistanceOffset(w, int32(offset))
	return w, true
}

// placeSubtree lays out the interior subtree rooted at root, trying
// candidate positions in ascending order (or the single forced position, for
// the whole-tree root) until one placement succeeds whole.
func (pk *Packer) placeSubtree(st *packState, root kdtree.NodeID, forcedPos int, onThisPage map[kdtree.NodeID]bool) ([]kdtree.NodeID, bool) {
	if forcedPos >= 0 {
		return pk.tryPlaceAt(st, root, forcedPos, 0, onThisPage)
	}
	for pos := st.pageStart; pos < st.tail; pos++ {
		if st.occupied[pos] {
			continue
		}
		refsBefore := len(st.refs)
		cuts, ok := pk.tryPlaceAt(st, root, pos, 0, onThisPage)
		if ok {
			return cuts, true
		}
		st.refs = st.refs[:refsBefore]
	}
	return nil, false
}

// tryPlaceAt places a single interior node at (pos, treeIndex) and recurses
// into any on-page interior children via heap arithmetic
// (child_pos = pos + tree_index + 1 + slot, child_tree_index =
// 2*tree_index + 1 + slot). Whenever an on-page interior child cannot be
// heap-placed at its computed slot -- its own subtree does not fit from
// there, or the 5-bit tree-index field would overflow -- that child is cut:
// it's returned to the caller to be placed independently later, and an
// internal-jump reference is queued for the slot instead. If the slot itself
// is out of range or already occupied, this placement fails. Every subtree root, cut or not, starts at tree_index 0;
// any of the 32 legal indices is spec-conformant, and fixing one turns
// "search for a good tree index" into "search for a good position," a much
// smaller search (documented in DESIGN.md).
func (pk *Packer) tryPlaceAt(st *packState, n kdtree.NodeID, pos, treeIndex int, onThisPage map[kdtree.NodeID]bool) ([]kdtree.NodeID, bool) {
	if pos < st.pageStart || pos >= st.tail || st.occupied[pos] {
		return nil, false
	}
	st.occupied[pos] = true
	st.placed[n] = pos
	reserved := []int{pos}

	node := pk.tree.Node(n)
	var cuts []kdtree.NodeID
	children := [2]struct {
		id   kdtree.NodeID
		stop bool
	}{{node.Child0, node.Stop0}, {node.Child1, node.Stop1}}

	for slot := 0; slot < 2; slot++ {
		if !children[slot].stop || children[slot].id == kdtree.NoNode {
			continue
		}
		child := children[slot].id
		childTreeIndex := 2*treeIndex + 1 + slot
		childPos := pos + treeIndex + 1 + slot

		childNode := pk.tree.Node(child)
		if childNode.Kind == kdtree.KindInterior && onThisPage[child] && childTreeIndex <= kdword.MaxTreeIndexField {
			childCuts, ok := pk.tryPlaceAt(st, child, childPos, childTreeIndex, onThisPage)
			if ok {
				cuts = append(cuts, childCuts...)
				continue
			}
			if childPos < st.pageStart || childPos >= st.tail || st.occupied[childPos] {
				pk.unwind(st, reserved)
				return nil, false
			}
			st.occupied[childPos] = true
			reserved = append(reserved, childPos)
			st.refs = append(st.refs, pendingRef{localPos: childPos, kind: refJump, target: child})
			cuts = append(cuts, child)
			continue
		}

		if childPos < st.pageStart || childPos >= st.tail || st.occupied[childPos] {
			pk.unwind(st, reserved)
			return nil, false
		}
		st.occupied[childPos] = true
		reserved = append(reserved, childPos)

		kind := refJumpFar
		if childNode.Kind == kdtree.KindLeaf {
			kind = refLeavesFar
			if onThisPage[child] && !pk.scratch.IsForceFar(pk.tree, child) {
				kind = refLeaves
			}
		} else if onThisPage[child] {
			kind = refJump
			cuts = append(cuts, child)
		}
		st.refs = append(st.refs, pendingRef{localPos: childPos, kind: kind, target: child})
	}

	w, ok := pk.interiorWord(st, n, pos)
	if !ok {
		pk.unwind(st, reserved)
		return nil, false
	}
	st.buf[pos] = w

	return cuts, true
}

// unwind releases positions reserved during a failed placement attempt so a
// different candidate position can be tried cleanly.
func (pk *Packer) unwind(st *packState, positions []int) {
	for _, p := range positions {
		st.occupied[p] = false
		for n, pos := range st.placed {
			if pos == p {
				delete(st.placed, n)
			}
		}
	}
}

// resolveRef writes the final word value for a pending reference, now that
// every on-page target has a final local position and every cross-page
// target can be looked up in Scratch (populated when an earlier Pack(save)
// call placed it) and the allocator's current physical layout.
func (pk *Packer) resolveRef(page *kdpage.VirtualPage, ref pendingRef, st *packState) (kdword.Word, bool) {
	switch ref.kind {
	case refLeaves:
		localExtra, ok := st.leafExtra[ref.target]
		if !ok {
			return 0, false
		}
		node := pk.tree.Node(ref.target)
		offset := localExtra - ref.localPos
		if offset < -kdword.MaxNearOffset-1 || offset > kdword.MaxNearOffset {
			return 0, false
		}
		return kdword.SetLeaves(int32(offset), uint8(len(node.LeafWords))), true

	case refJump:
		localTarget, ok := st.placed[ref.target]
		if !ok {
			localTarget, ok = pk.scratch.NodeLocalPos[ref.target]
		}
		if !ok {
			return 0, false
		}
		offset := localTarget - ref.localPos
		if offset < -kdword.MaxNearOffset-1 || offset > kdword.MaxNearOffset {
			return pk.farWord(ref, kdword.OpJumpFar, offset)
		}
		return kdword.SetJump(int32(offset), 0), true

	case refLeavesFar:
		return pk.farExternalWord(page, ref, kdword.OpLeavesFar, st)

	case refJumpFar:
		return pk.farExternalWord(page, ref, kdword.OpJumpFar, st)
	}
	return 0, false
}

// farExternalWord resolves a reference whose target's home page may differ
// from the referring page, computing a signed word delta from the
// allocator's current physical layout. A target not yet packed on its own
// page is assumed to land at that page's own pageStart; this is a documented
// simplification (see DESIGN.md) that the driver's final
// re-pack-then-emit pass (run after compaction settles every page's
// PhysicalStart for good) makes exact.
func (pk *Packer) farExternalWord(page *kdpage.VirtualPage, ref pendingRef, op kdword.Opcode, st *packState) (kdword.Word, bool) {
	node := pk.tree.Node(ref.target)

	// Same-page far reference (an oversized leaf, or a jump target cut loose
	// with an out-of-near-range offset): resolve locally first.
	if node.Kind == kdtree.KindLeaf {
		if localExtra, ok := st.leafExtra[ref.target]; ok {
			return pk.farWord(ref, op, localExtra-ref.localPos)
		}
	} else if localPos, ok := st.placed[ref.target]; ok {
		return pk.farWord(ref, op, localPos-ref.localPos)
	}

	targetPageID, ok := pk.alloc.PageOf(ref.target)
	if !ok {
		return 0, false
	}
	targetPage := pk.alloc.Page(targetPageID)
	if targetPage == nil {
		return 0, false
	}
	wordsPerPage := pk.alloc.PageBits().WordsPerPage()

	targetLocal := pk.targetLocalPos(ref.target, targetPage)
	referrerGlobal := page.PhysicalStart*wordsPerPage + ref.localPos
	targetGlobal := targetPage.PhysicalStart*wordsPerPage + targetLocal
	return pk.farWord(ref, op, targetGlobal-referrerGlobal)
}

// targetLocalPos finds where ref.target's own data already lives on its
// page, if Scratch already recorded it, else assumes it will land at that
// page's own pageStart (see farExternalWord's doc comment).
func (pk *Packer) targetLocalPos(target kdtree.NodeID, targetPage *kdpage.VirtualPage) int {
	node := pk.tree.Node(target)
	if node.Kind == kdtree.KindLeaf {
		if pos, ok := pk.scratch.LeafExtraLocalPos[target]; ok {
			return pos
		}
	} else if pos, ok := pk.scratch.NodeLocalPos[target]; ok {
		return pos
	}
	if targetPage.PhysicalStart == 0 {
		return kdheader.HeaderWords
	}
	return 0
}

// farWord chooses between the immediate-offset and extra-data-word forms of
// a LEAVES_FAR/JUMP_FAR word. Extra-word far offsets would need extra data
// reserved from the referring page's tail before any reference is resolved;
// this packer reserves only what step 2 already accounts for (leaf payloads
// and distance overflow), so an offset too wide for the 11-bit immediate
// form fails the page rather than growing extra data after the fact --
// spec §4.4's compaction trigger keeps far deltas well under that range by
// design, so this path is only ever exercised by pathological page-size
// choices.
func (pk *Packer) farWord(ref pendingRef, op kdword.Opcode, offset int) (kdword.Word, bool) {
	if offset >= -kdword.MaxImmediateOffset-1 && offset <= kdword.MaxImmediateOffset {
		return kdword.SetFarImmediate(op, int32(offset)), true
	}
	return 0, false
}
