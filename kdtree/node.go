// Package kdtree implements the in-memory k-d tree intermediate
// representation: a caller-owned, mutable tree of interior (cutting-plane)
// and leaf (payload) nodes, canonicalisation, and structural comparison.
//
// Nodes live in a flat arena (Tree.nodes) addressed by NodeID rather than by
// pointer, per spec.md §9's design note on cyclic parent/child pointers:
// "represent this as an index-based lookup ... do not introduce owning
// cycles." This mirrors urkle's Ref-indexed nodeStore (urkle/noderecord.go)
// more than a classic pointer tree.
package kdtree

import (
	"errors"

	"github.com/forestrie/go-kdasm/kdword"
)

// NodeID indexes into a Tree's node arena. NoNode is the absent-child /
// absent-node sentinel.
type NodeID int32

const NoNode NodeID = -1

// Kind tags which shape a Node currently holds. A node is never
// simultaneously an interior node and a leaf; SetInterior/SetLeaf/Clear are
// the only ways to change Kind, and each starts by discarding prior content.
type Kind uint8

const (
	KindEmpty Kind = iota
	KindInterior
	KindLeaf
)

// MaxLeafCount is the largest legal leaf word count (spec §3: "0 <=
// leaf_count < 0xFFFF").
const MaxLeafCount = 0xFFFF - 1

var (
	ErrAxisOutOfRange      = errors.New("kdtree: axis must be 0, 1, or 2")
	ErrDistanceOutOfRange  = errors.New("kdtree: distance does not fit distance_length")
	ErrLeafCountOverflow   = errors.New("kdtree: leaf word count at or beyond 0xFFFF")
	ErrNoChildren          = errors.New("kdtree: interior node needs at least one child")
	ErrDistanceLengthRange = errors.New("kdtree: distance_length must be in [1,7]")
)

// Node is either an interior cutting-plane node or a leaf payload bucket.
type Node struct {
	Kind Kind

	// Interior fields.
	Axis           kdword.Axis
	Distance       Distance // raw scalar; 16 bits at distance_length 1, distance_length*16-11 bits above (see distanceBits)
	Stop0, Stop1   bool
	Child0, Child1 NodeID

	// Leaf fields.
	LeafWords []uint16

	// CompareID is assigned by Tree.AssignCompareIDs; zero means "unassigned"
	// and is also the disassembler's "no failure" sentinel (spec §4.3).
	CompareID uint32
}

// Distance holds up to 128 bits of unsigned scalar precision -- wide enough
// for the widest value distance_length allows (5 + 16*6 = 101 bits at
// distance_length 7, spec §3). Hi holds bits 64-127, Lo holds bits 0-63; a
// plain uint64 undercounts distance_length 5-7's range by up to 37 bits, so
// this is a fixed two-word value rather than a single scalar.
type Distance struct {
	Hi, Lo uint64
}

// DistanceFromUint64 wraps a value known to fit in 64 bits (every
// distance_length up to 4, and the low word of any wider one).
func DistanceFromUint64(v uint64) Distance { return Distance{Lo: v} }

// DistanceFromWords reconstructs a value from its wire layout when
// distance_length > 1: a 5-bit prefix followed by len(words) 16-bit words,
// most-significant word first -- the same layout reserveDistanceExtra
// writes and decodeDistance reads.
func DistanceFromWords(prefix uint8, words []uint16) Distance {
	d := Distance{}.orBits(uint64(prefix&0x1F), 16*uint(len(words)))
	for i, w := range words {
		d = d.orBits(uint64(w), 16*uint(len(words)-1-i))
	}
	return d
}

func (d Distance) orBits(v uint64, shift uint) Distance {
	switch {
	case shift == 0:
		d.Lo |= v
	case shift < 64:
		d.Lo |= v << shift
		d.Hi |= v >> (64 - shift)
	default:
		d.Hi |= v << (shift - 64)
	}
	return d
}

// bitsAt returns the width-bit field of d starting at bit offset shift (bit
// 0 = least significant).
func (d Distance) bitsAt(shift, width uint) uint64 {
	if shift >= 128 {
		return 0
	}
	var v uint64
	if shift < 64 {
		v = d.Lo >> shift
		if shift > 0 {
			v |= d.Hi << (64 - shift)
		}
	} else {
		v = d.Hi >> (shift - 64)
	}
	if width >= 64 {
		return v
	}
	return v & (1<<width - 1)
}

// Word16 reads the 16-bit field of d starting at bit offset shift.
func (d Distance) Word16(shift uint) uint16 { return uint16(d.bitsAt(shift, 16)) }

// Bits5 reads the 5-bit field of d starting at bit offset shift.
func (d Distance) Bits5(shift uint) uint8 { return uint8(d.bitsAt(shift, 5)) }

// Uint16 returns d's low 16 bits, the whole of a distance_length-1 value.
func (d Distance) Uint16() uint16 { return uint16(d.Lo) }

// FitsBits reports whether d has no bits set at or above position bits.
func (d Distance) FitsBits(bits uint) bool {
	if bits >= 128 {
		return true
	}
	if bits >= 64 {
		return d.Hi>>(bits-64) == 0
	}
	return d.Hi == 0 && d.Lo>>bits == 0
}

// distanceBits returns the bit width available to a scalar distance for a
// tree whose header carries the given distance_length, per spec §3: 1 bit
// dl==1 uses the 12-bit immediate (effectively a 16-bit value with the low 4
// bits always zero); dl>1 uses a 5-bit prefix plus (dl-1) 16-bit extra words.
func distanceBits(distanceLength uint8) uint {
	if distanceLength == 1 {
		return 16
	}
	return 5 + 16*uint(distanceLength-1)
}

// clearNode discards whatever content n currently holds.
func clearNode(n *Node) {
	*n = Node{Child0: NoNode, Child1: NoNode}
}
