// Package kdpage implements the virtual-page container (spec §3, §4.4): a
// set of tree nodes bound to a not-yet-fixed physical page range, plus the
// allocator that hands virtual pages out, recycles them, and compacts the
// physical address space back to dense.
//
// The fixed-page-of-words shape mirrors massifs/logformat.go's fixed
// ValueBytes-width layout; the free-list-plus-compaction allocation policy
// mirrors the peak-stack bookkeeping in mmr/peakstack.go and mmr/spurs.go,
// which likewise keep a compact, densely-addressed run of live entries.
package kdpage

import (
	"github.com/forestrie/go-kdasm/kdtree"
	"github.com/forestrie/go-kdasm/kdword"
)

// ID identifies a virtual page. It never changes identity across a
// compaction pass; only VirtualPage.PhysicalStart moves.
type ID int32

const NoPage ID = -1

// VirtualPage binds an ordered set of tree nodes to a physical page range
// that the allocator may still relocate.
type VirtualPage struct {
	id            ID
	Nodes         []kdtree.NodeID
	PhysicalStart int // page index, in units of pages; -1 when unused/free
	PhysicalCount int // >=1; >1 only when a single oversized leaf spans pages
	EncodingSize  int // words actually occupied as of the last successful Pack
	Image         []kdword.Word // this page's own words, as of the last successful Pack(save=true)
}

// ID returns the page's stable virtual identity.
func (p *VirtualPage) ID() ID { return p.id }

// InsertNode appends node to the page's membership.
func (p *VirtualPage) InsertNode(node kdtree.NodeID) {
	p.Nodes = append(p.Nodes, node)
}

// RemoveNode drops node from the page's membership, if present.
func (p *VirtualPage) RemoveNode(node kdtree.NodeID) {
	for i, n := range p.Nodes {
		if n == node {
			p.Nodes = append(p.Nodes[:i], p.Nodes[i+1:]...)
			return
		}
	}
}

// NodeCount reports how many nodes are currently assigned to the page.
func (p *VirtualPage) NodeCount() int { return len(p.Nodes) }

// IsEmpty reports whether the page currently carries no nodes.
func (p *VirtualPage) IsEmpty() bool { return len(p.Nodes) == 0 }

// HasNode reports whether node is a member of the page.
func (p *VirtualPage) HasNode(node kdtree.NodeID) bool {
	for _, n := range p.Nodes {
		if n == node {
			return true
		}
	}
	return false
}
