package kdpage

import (
	"sort"

	"github.com/forestrie/go-kdasm/kdheader"
	"github.com/forestrie/go-kdasm/kdtree"
	"github.com/forestrie/go-kdasm/kdword"
)

// CompactionWasteThreshold is spec §4.4's trigger for compact_physical_pages:
// roughly half the signed-11-bit immediate offset range, in pages, since
// that's the budget external far references have before they need
// extra-data words at all.
const CompactionWasteThreshold = (kdword.MaxImmediateOffset + 1) / 2

// Allocator hands out virtual pages, recycles empty ones through a free
// list, and periodically compacts the physical address space back to dense.
type Allocator struct {
	pageBits kdheader.PageBits

	pages    []*VirtualPage
	freeList []ID

	frontier   int
	wastePages int

	nodePage map[kdtree.NodeID]ID
}

// New creates an allocator for the given page size.
func New(pageBits kdheader.PageBits) *Allocator {
	return &Allocator{pageBits: pageBits, nodePage: make(map[kdtree.NodeID]ID)}
}

// AssignNode records node as living on page, updating the node->page index
// used by PageOf, Superpages, and Subpages.
func (a *Allocator) AssignNode(page *VirtualPage, node kdtree.NodeID) {
	page.InsertNode(node)
	a.nodePage[node] = page.id
}

// UnassignNode removes node from whichever page currently holds it.
func (a *Allocator) UnassignNode(node kdtree.NodeID) {
	if id, ok := a.nodePage[node]; ok {
		if p := a.Page(id); p != nil {
			p.RemoveNode(node)
		}
		delete(a.nodePage, node)
	}
}

// PageOf reports which virtual page currently holds node.
func (a *Allocator) PageOf(node kdtree.NodeID) (ID, bool) {
	id, ok := a.nodePage[node]
	return id, ok
}

// Subpages enumerates the distinct pages holding a child of some node on
// page (spec §4.4).
func (a *Allocator) Subpages(tree *kdtree.Tree, page ID) []ID {
	p := a.Page(page)
	if p == nil {
		return nil
	}
	seen := map[ID]bool{}
	var out []ID
	for _, nodeID := range p.Nodes {
		n := tree.Node(nodeID)
		if n.Kind != kdtree.KindInterior {
			continue
		}
		for _, child := range [2]kdtree.NodeID{n.Child0, n.Child1} {
			if child == kdtree.NoNode {
				continue
			}
			childPage, ok := a.PageOf(child)
			if !ok || childPage == page || seen[childPage] {
				continue
			}
			seen[childPage] = true
			out = append(out, childPage)
		}
	}
	return out
}

// Superpages enumerates the distinct pages holding a node whose child lies
// on page (spec §4.4), given a precomputed parent index (see
// kdtree.Tree.ParentIndex).
func (a *Allocator) Superpages(tree *kdtree.Tree, parent []kdtree.NodeID, page ID) []ID {
	p := a.Page(page)
	if p == nil {
		return nil
	}
	seen := map[ID]bool{}
	var out []ID
	for _, nodeID := range p.Nodes {
		if int(nodeID) >= len(parent) {
			continue
		}
		parentID := parent[nodeID]
		if parentID == kdtree.NoNode {
			continue
		}
		parentPage, ok := a.PageOf(parentID)
		if !ok || parentPage == page || seen[parentPage] {
			continue
		}
		seen[parentPage] = true
		out = append(out, parentPage)
	}
	return out
}

// PageBits reports the allocator's fixed page size.
func (a *Allocator) PageBits() kdheader.PageBits { return a.pageBits }

// PhysicalPagesRequired computes how many physical pages a node needs on its
// own, per spec §4.4: 1 for an interior node, 1 for a leaf whose count
// prefix (and, at the root, the two header words) still fit a page, rounding
// up for oversized leaves.
func PhysicalPagesRequired(pageBits kdheader.PageBits, isRoot bool, node *kdtree.Node) int {
	if node.Kind != kdtree.KindLeaf {
		return 1
	}
	needed := 1 + len(node.LeafWords) // count prefix + payload
	if isRoot {
		needed += kdheader.HeaderWords
	}
	wordsPerPage := pageBits.WordsPerPage()
	pages := (needed + wordsPerPage - 1) / wordsPerPage
	if pages < 1 {
		pages = 1
	}
	return pages
}

// Allocate hands out a virtual page able to hold physicalCount physical
// pages. A free-list entry of the exact same size is reused in place
// (spec §4.4); otherwise a fresh page is carved from the frontier.
func (a *Allocator) Allocate(physicalCount int) *VirtualPage {
	for i, id := range a.freeList {
		p := a.pages[id]
		if p.PhysicalCount != physicalCount {
			continue
		}
		a.freeList = append(a.freeList[:i], a.freeList[i+1:]...)
		if p.PhysicalStart < 0 {
			// Compaction marked this page unused; it no longer owns real
			// space, so it re-enters like a fresh allocation.
			p.PhysicalStart = a.frontier
			a.frontier += physicalCount
		}
		p.Nodes = nil
		p.EncodingSize = 0
		return p
	}

	p := &VirtualPage{
		id:            ID(len(a.pages)),
		PhysicalStart: a.frontier,
		PhysicalCount: physicalCount,
	}
	a.pages = append(a.pages, p)
	a.frontier += physicalCount
	return p
}

// Page returns the virtual page for id.
func (a *Allocator) Page(id ID) *VirtualPage {
	if id < 0 || int(id) >= len(a.pages) {
		return nil
	}
	return a.pages[id]
}

// Pages returns every live virtual page, in allocation order.
func (a *Allocator) Pages() []*VirtualPage { return a.pages }

// Free empties a page's node membership and returns it to the free list.
// Its physical range stays reserved (and is counted as waste) until the
// next compaction pass.
func (a *Allocator) Free(id ID) {
	p := a.Page(id)
	if p == nil {
		return
	}
	a.wastePages += p.PhysicalCount
	p.Nodes = nil
	p.EncodingSize = 0
	a.freeList = append(a.freeList, id)
	if a.wastePages > CompactionWasteThreshold {
		a.CompactPhysicalPages()
	}
}

// CompactPhysicalPages implements spec §4.4's compaction: empty pages are
// marked unused (PhysicalStart = -1), the remaining pages are sorted by
// physical start (unused pages, being -1, sort last under an unsigned
// comparison), and physical indices are reassigned densely in that order.
// This is what keeps external far references within the extra-data word
// budget already reserved for them.
func (a *Allocator) CompactPhysicalPages() {
	for _, p := range a.pages {
		if len(p.Nodes) == 0 {
			p.PhysicalStart = -1
		}
	}

	ordered := append([]*VirtualPage(nil), a.pages...)
	sort.SliceStable(ordered, func(i, j int) bool {
		return uint32(ordered[i].PhysicalStart) < uint32(ordered[j].PhysicalStart)
	})

	frontier := 0
	for _, p := range ordered {
		if p.PhysicalStart < 0 {
			continue
		}
		p.PhysicalStart = frontier
		frontier += p.PhysicalCount
	}
	a.frontier = frontier
	a.wastePages = 0
}

// TotalPhysicalPages reports the current physical frontier, i.e. the number
// of pages the final image will occupy if emitted right now.
func (a *Allocator) TotalPhysicalPages() int { return a.frontier }
