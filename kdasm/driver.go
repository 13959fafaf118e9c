package kdasm

import (
	"fmt"
	"sort"

	"github.com/forestrie/go-kdasm/kdheader"
	"github.com/forestrie/go-kdasm/kdpack"
	"github.com/forestrie/go-kdasm/kdpage"
	"github.com/forestrie/go-kdasm/kdtree"
	"github.com/forestrie/go-kdasm/kdword"
	"github.com/google/uuid"
)

// Assemble encodes tree into a flat kdasm image at the given page size (spec
// §4.6). tree is canonicalised and compare-ID-stamped in place before
// encoding (spec §4.3's one-pass preparation), the same way a caller-owned,
// mutable IR is expected to be prepared once and reused.
func Assemble(tree *kdtree.Tree, pageBits kdheader.PageBits, opts ...AssembleOption) ([]kdword.Word, error) {
	o := newOptions(opts...)

	tree.Canonicalize()
	tree.AssignCompareIDs()

	if tree.Node(tree.Root).Kind == kdtree.KindLeaf {
		return assembleLeafAtRoot(tree, pageBits)
	}

	a := &assembler{
		tree:       tree,
		alloc:      kdpage.New(pageBits),
		scratch:    kdpack.NewScratch(),
		opts:       o,
		assemblyID: uuid.New(),
	}
	a.packer = kdpack.New(tree, a.alloc, a.scratch, o.log)

	if err := a.distribute(); err != nil {
		return nil, fmt.Errorf("kdasm: distribute: %w", err)
	}
	a.mergeSubpages()
	a.binPack()
	a.alloc.CompactPhysicalPages()
	if err := a.recommitAll(); err != nil {
		return nil, fmt.Errorf("kdasm: final commit: %w", err)
	}

	return a.emit(pageBits)
}

// assembler owns everything one Assemble call needs: the allocator, the
// packer's scratch tables, and the shared Packer, all scoped to this one
// call's lifetime (spec §3's "for the duration of one assembly").
type assembler struct {
	tree    *kdtree.Tree
	alloc   *kdpage.Allocator
	scratch *kdpack.Scratch
	packer  *kdpack.Packer

	opts       AssembleOptions
	assemblyID uuid.UUID
	processed  int
}

func (a *assembler) tick(phase Phase) {
	a.processed++
	if a.opts.activityCallback == nil {
		return
	}
	a.opts.activityCallback(ActivityEvent{
		AssemblyID:     a.assemblyID,
		Phase:          phase,
		NodesProcessed: a.processed,
		PagesLive:      len(a.alloc.Pages()),
	})
}

// distribute implements spec §4.6 step 1: a breadth-first walk from the
// root, greedily filling the page currently being written and starting a
// fresh page whenever a node doesn't fit.
func (a *assembler) distribute() error {
	root := a.tree.Root
	a.scratch.MarkForceFar(root)

	rootPage := a.alloc.Allocate(kdpage.PhysicalPagesRequired(a.alloc.PageBits(), true, a.tree.Node(root)))
	a.alloc.AssignNode(rootPage, root)
	if ok, err := a.packer.Pack(rootPage, nil, true); err != nil || !ok {
		return fmt.Errorf("root page: %w", firstErr(err, kdpack.ErrDoesNotFit))
	}
	a.opts.log.Debugf("kdasm: assembly %s root page allocated, %d words", a.assemblyID, rootPage.EncodingSize)

	current := rootPage
	queue := []kdtree.NodeID{root}
	for len(queue) > 0 {
		n := queue[0]
		queue = queue[1:]
		node := a.tree.Node(n)
		if node.Kind != kdtree.KindInterior {
			a.tick(PhaseDistribute)
			continue
		}
		for _, child := range [2]kdtree.NodeID{node.Child0, node.Child1} {
			if child == kdtree.NoNode {
				continue
			}
			next, err := a.place(child, current)
			if err != nil {
				return err
			}
			current = next
			queue = append(queue, child)
		}
		a.tick(PhaseDistribute)
	}
	return nil
}

// place assigns node to current if it fits there with one pad word of
// headroom to spare, otherwise carves a fresh page for it and returns that
// page as the new "currently filling" page. The pad word (spec.md:136) is
// reserved so the later bin-pack pass always has at least one word of slack
// to try folding a neighbour's leftovers into.
func (a *assembler) place(node kdtree.NodeID, current *kdpage.VirtualPage) (*kdpage.VirtualPage, error) {
	if a.fitsWithPadWord(current, node) {
		a.alloc.AssignNode(current, node)
		if _, err := a.packer.Pack(current, nil, true); err != nil {
			return nil, fmt.Errorf("commit onto current page: %w", err)
		}
		return current, nil
	}

	needed := kdpage.PhysicalPagesRequired(a.alloc.PageBits(), false, a.tree.Node(node))
	p := a.alloc.Allocate(needed)
	a.alloc.AssignNode(p, node)
	if _, err := a.packer.Pack(p, nil, true); err != nil {
		return nil, fmt.Errorf("new page for node: %w", err)
	}
	return p, nil
}

// fitsWithPadWord reports whether node can join current's page while
// leaving at least one word of the page's physical capacity unused.
func (a *assembler) fitsWithPadWord(current *kdpage.VirtualPage, node kdtree.NodeID) bool {
	size, ok, err := a.packer.PeekEncodingSize(current, []kdtree.NodeID{node})
	if err != nil || !ok {
		return false
	}
	capacity := a.alloc.PageBits().WordsPerPage() * current.PhysicalCount
	return size < capacity
}

// mergeSubpages implements spec §4.6 step 2: for every live page, try to
// fold in each of its subpages (pages holding a child of a node already on
// this page) wholesale, freeing the subpage on success. This is the
// cheapest win because subpage/superpage nodes are already known to
// reference each other.
func (a *assembler) mergeSubpages() {
	for _, p := range a.alloc.Pages() {
		if p.IsEmpty() {
			continue
		}
		for _, subID := range a.alloc.Subpages(a.tree, p.ID()) {
			sub := a.alloc.Page(subID)
			if sub == nil || sub.IsEmpty() {
				continue
			}
			if a.tryMerge(p, sub) {
				a.tick(PhaseMerge)
			}
		}
	}
}

// binPack implements spec §4.6 step 6, grounded on the reference
// implementation's BinPack/BuildPagesBySize/FindClosestPhysicalPage/
// TryBinPack (original_source/kdasm_assembler.cpp:1495-1708): bucket live
// pages by their current encoding size, and from the largest bucket down to
// the smallest, try to fold each bin's physically-adjacent neighbours
// (within the configured scan distance, in each direction) into it. The
// scan distance and the bucket-by-size ordering are the fixed, observable
// knobs (spec.md:231); the exact tie-breaking the reference uses to pick
// among equally-good candidates within a bucket is explicitly left to the
// implementer, so this scans by physical adjacency directly rather than
// reproducing the reference's pivot/ping-pong index walk. Optimal packing
// is still out of scope (spec.md §1's Non-goals exempt the *result* from
// being provably minimal, not this procedure from running).
func (a *assembler) binPack() {
	pages := append([]*kdpage.VirtualPage(nil), a.alloc.Pages()...)
	sort.SliceStable(pages, func(i, j int) bool {
		return pages[i].PhysicalStart < pages[j].PhysicalStart
	})
	if len(pages) <= 2 {
		return
	}
	rootPageID, _ := a.alloc.PageOf(a.tree.Root)
	parent := a.tree.ParentIndex()

	bins := make([]*kdpage.VirtualPage, 0, len(pages))
	for _, p := range pages {
		if p.IsEmpty() || p.ID() == rootPageID {
			continue
		}
		bins = append(bins, p)
	}
	sort.SliceStable(bins, func(i, j int) bool {
		return bins[i].EncodingSize > bins[j].EncodingSize
	})

	for _, bin := range bins {
		if bin.IsEmpty() {
			continue
		}
		idx := pageIndex(pages, bin.ID())
		if idx < 0 {
			continue
		}
		for _, j := range scanIndices(idx, len(pages), a.opts.binPackScanDistance) {
			other := pages[j]
			if other.IsEmpty() || other.ID() == bin.ID() || other.ID() == rootPageID {
				continue
			}
			if a.tryBinPack(bin, other, parent) {
				a.tick(PhaseBinPack)
			}
		}
	}
}

// pageIndex finds id's position in pages, or -1.
func pageIndex(pages []*kdpage.VirtualPage, id kdpage.ID) int {
	for i, p := range pages {
		if p.ID() == id {
			return i
		}
	}
	return -1
}

// scanIndices lists indices within distance of idx, nearest first and
// alternating direction, matching spec.md:139's "adjacent-in-physical-
// address pages... up to a configured scan distance, in each direction."
func scanIndices(idx, n, distance int) []int {
	var out []int
	for d := 1; d <= distance; d++ {
		if idx-d >= 0 {
			out = append(out, idx-d)
		}
		if idx+d < n {
			out = append(out, idx+d)
		}
	}
	return out
}

// tryMerge attempts to fold src's nodes into dst, freeing src on success.
// Used for the cheap subpage-merge pass (mergeSubpages), which needs no
// superpage feasibility check: a page and its subpage already reference
// each other directly, so folding the subpage's nodes in can only shorten
// existing references, never grow one past a page it already crosses.
func (a *assembler) tryMerge(dst, src *kdpage.VirtualPage) bool {
	ok, err := a.packer.Pack(dst, src.Nodes, false)
	if err != nil || !ok {
		return false
	}
	nodes := append([]kdtree.NodeID(nil), src.Nodes...)
	for _, n := range nodes {
		a.alloc.AssignNode(dst, n)
	}
	if _, err := a.packer.Pack(dst, nil, true); err != nil {
		return false
	}
	a.alloc.Free(src.ID())
	return true
}

// tryBinPack attempts to fold other's nodes into bin, per spec.md:139: the
// merge only survives if bin and every one of its superpages still pack
// afterward, except that one failing superpage may be repaired by moving
// into bin whichever of its nodes is the parent of something bin now holds
// -- the node actually responsible for the reference the superpage can no
// longer afford. A merge that can't be made to work this way reverts every
// tentative move (spec.md §7).
func (a *assembler) tryBinPack(bin, other *kdpage.VirtualPage, parent []kdtree.NodeID) bool {
	if bin.ID() == other.ID() || other.IsEmpty() {
		return false
	}
	if _, ok, err := a.packer.PeekEncodingSize(bin, other.Nodes); err != nil || !ok {
		return false
	}

	originalBin := append([]kdtree.NodeID(nil), bin.Nodes...)
	originalOther := append([]kdtree.NodeID(nil), other.Nodes...)

	for _, n := range originalOther {
		a.alloc.AssignNode(bin, n)
	}
	if ok, err := a.packer.Pack(bin, nil, true); err != nil || !ok {
		a.restoreBinPack(bin, other, originalBin, originalOther)
		return false
	}

	failures := 0
	var repairedSuper *kdpage.VirtualPage
	repairedBranch := kdtree.NoNode
	for _, superID := range a.alloc.Superpages(a.tree, parent, bin.ID()) {
		super := a.alloc.Page(superID)
		if super == nil || super.IsEmpty() {
			continue
		}
		if ok, err := a.packer.Pack(super, nil, true); err == nil && ok {
			continue
		}

		failures++
		if failures > 1 {
			a.restoreBinPack(bin, other, originalBin, originalOther)
			if repairedSuper != nil {
				a.alloc.AssignNode(repairedSuper, repairedBranch)
				a.packer.Pack(repairedSuper, nil, true)
			}
			return false
		}
		repairedSuper, repairedBranch = super, branchNodeOnto(a.tree, super, bin.ID(), a.alloc)
		if !a.repairSuperpage(bin, super) {
			a.restoreBinPack(bin, other, originalBin, originalOther)
			return false
		}
	}

	a.alloc.Free(other.ID())
	return true
}

// repairSuperpage moves super's branch node into bin -- the node on super
// whose child now lives on bin, the one super's own Pack just failed to
// keep a reference to -- and recommits both pages. On failure it restores
// the branch node to super and leaves both pages exactly as found.
func (a *assembler) repairSuperpage(bin, super *kdpage.VirtualPage) bool {
	branch := branchNodeOnto(a.tree, super, bin.ID(), a.alloc)
	if branch == kdtree.NoNode {
		return false
	}

	a.alloc.UnassignNode(branch)
	a.alloc.AssignNode(bin, branch)
	binOK, binErr := a.packer.Pack(bin, nil, true)
	superOK := false
	if binErr == nil && binOK {
		superOK, _ = a.packer.Pack(super, nil, true)
	}
	if binErr != nil || !binOK || !superOK {
		a.alloc.UnassignNode(branch)
		a.alloc.AssignNode(super, branch)
		a.packer.Pack(super, nil, true)
		a.packer.Pack(bin, nil, true)
		return false
	}
	return true
}

// branchNodeOnto finds the interior node on super whose child now lives on
// target's page.
func branchNodeOnto(tree *kdtree.Tree, super *kdpage.VirtualPage, target kdpage.ID, alloc *kdpage.Allocator) kdtree.NodeID {
	for _, n := range super.Nodes {
		node := tree.Node(n)
		if node.Kind != kdtree.KindInterior {
			continue
		}
		for _, child := range [2]kdtree.NodeID{node.Child0, node.Child1} {
			if child == kdtree.NoNode {
				continue
			}
			if childPage, ok := alloc.PageOf(child); ok && childPage == target {
				return n
			}
		}
	}
	return kdtree.NoNode
}

// restoreBinPack re-establishes bin and other's known-good committed
// memberships after a merge attempt fails partway through (spec.md §7: "a
// failed bin-pack merge reverts all tentative moves"). Both memberships
// packed successfully before this call began, and neither page's contents
// affect any page other than each other and bin's superpages (already left
// untouched by any failure path that reaches here), so recommitting the
// original membership is guaranteed to reproduce the prior state.
func (a *assembler) restoreBinPack(bin, other *kdpage.VirtualPage, originalBin, originalOther []kdtree.NodeID) {
	for _, n := range append([]kdtree.NodeID(nil), bin.Nodes...) {
		a.alloc.UnassignNode(n)
	}
	for _, n := range originalBin {
		a.alloc.AssignNode(bin, n)
	}
	for _, n := range originalOther {
		a.alloc.AssignNode(other, n)
	}
	a.packer.Pack(bin, nil, true)
	a.packer.Pack(other, nil, true)
}

// recommitAll re-packs every live page after final compaction (spec §4.6
// step 4), so every cross-page reference resolves against each page's
// permanent PhysicalStart before emission.
func (a *assembler) recommitAll() error {
	for _, p := range a.alloc.Pages() {
		if p.IsEmpty() {
			continue
		}
		if ok, err := a.packer.Pack(p, nil, true); err != nil || !ok {
			return fmt.Errorf("page %d: %w", p.ID(), firstErr(err, kdpack.ErrDoesNotFit))
		}
		a.tick(PhaseEmit)
	}
	return nil
}

// emit implements spec §4.6 step 5: concatenate the header with every live
// page's committed image, in physical order.
func (a *assembler) emit(pageBits kdheader.PageBits) ([]kdword.Word, error) {
	wordsPerPage := pageBits.WordsPerPage()
	out := make([]kdword.Word, a.alloc.TotalPhysicalPages()*wordsPerPage)
	for i := range out {
		out[i] = kdword.Padding
	}
	for _, p := range a.alloc.Pages() {
		if p.PhysicalStart < 0 || p.Image == nil {
			continue
		}
		copy(out[p.PhysicalStart*wordsPerPage:], p.Image)
	}
	if err := kdheader.Encode(out[:kdheader.HeaderWords], kdheader.Header{
		DistanceLength: a.tree.DistanceLength,
		LeavesAtRoot:   false,
		PageBits:       pageBits,
	}); err != nil {
		return nil, err
	}
	return out, nil
}

// assembleLeafAtRoot handles the degenerate whole-tree-is-one-leaf case
// (spec §4.7's "if leaves_at_root, decode a single leaf beginning at word
// 2"): no page machinery, no encoding word at all, just the header followed
// directly by the count and payload, padded out to a whole number of
// physical pages.
func assembleLeafAtRoot(tree *kdtree.Tree, pageBits kdheader.PageBits) ([]kdword.Word, error) {
	root := tree.Node(tree.Root)
	wordsPerPage := pageBits.WordsPerPage()
	payload := 1 + len(root.LeafWords) // count prefix + words
	total := kdheader.HeaderWords + payload
	pages := (total + wordsPerPage - 1) / wordsPerPage
	if pages < 1 {
		pages = 1
	}

	out := make([]kdword.Word, pages*wordsPerPage)
	for i := range out {
		out[i] = kdword.Padding
	}
	if err := kdheader.Encode(out[:kdheader.HeaderWords], kdheader.Header{
		DistanceLength: tree.DistanceLength,
		LeavesAtRoot:   true,
		PageBits:       pageBits,
	}); err != nil {
		return nil, err
	}
	out[kdheader.HeaderWords] = kdword.Word(uint16(len(root.LeafWords)))
	for i, v := range root.LeafWords {
		out[kdheader.HeaderWords+1+i] = kdword.Word(v)
	}
	return out, nil
}

func firstErr(err error, fallback error) error {
	if err != nil {
		return err
	}
	return fallback
}
