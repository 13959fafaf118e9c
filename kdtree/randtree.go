package kdtree

import "github.com/forestrie/go-kdasm/kdword"

// lcgRand is the exact 16-bit linear congruential generator the original
// kdasm test harness used ("Gerhard's generator" in kdasm_assembler_test.cpp):
// seed = (seed*32719 + 3) % 32749. Kept bit-for-bit so a given seed produces
// a reproducible tree shape, matching spec.md §8 scenario 6's
// (percent_subnodes, percent_empty, seed) triple.
type lcgRand struct{ seed uint16 }

func newLCGRand(seed uint16) *lcgRand { return &lcgRand{seed: seed} }

func (r *lcgRand) next16() uint16 {
	r.seed = uint16((uint32(r.seed)*32719 + 3) % 32749)
	return r.seed
}

func (r *lcgRand) boolPercent(percentChance int) bool {
	return int(uint32(r.next16())%100) < percentChance
}

// next64 draws a full-width pseudo-random 64-bit value.
func (r *lcgRand) next64() uint64 {
	x := uint64(r.next16())
	for shifted := uint(16); shifted < 64; shifted += 16 {
		x <<= 16
		x |= uint64(r.next16())
	}
	return x
}

// intn draws a pseudo-random value in [0, max). max==0 always yields 0.
func (r *lcgRand) intn(max uint64) uint64 {
	if max == 0 {
		return 0
	}
	return r.next64() % max
}

// RandomTreeSettings mirrors KdasmTestRandomSettings from the original
// harness (original_source/kdasm_assembler_test.cpp).
type RandomTreeSettings struct {
	MaxNodes        int
	MaxLeaves       int
	DistanceLength  uint8
	PercentSubnodes int // 0..100 chance, drawn separately for each child slot, that a candidate gets that child
	PercentEmpty    int // 0..100 chance a leaf-shaped node ends up with zero leaves
	Seed            uint16
}

// GenerateRandom builds a random tree the same way the reference test
// harness does: a worklist of "active" (not yet decided) nodes, each
// resolved either into an interior node with 1-2 fresh active children or
// into a leaf, until the node budget is exhausted; anything left active is
// then forced into a leaf so the tree stays canonical (spec.md §8 scenario 6
// and the supplemented tree generator in SPEC_FULL.md §7).
func GenerateRandom(settings RandomTreeSettings) (*Tree, error) {
	t, err := New(settings.DistanceLength)
	if err != nil {
		return nil, err
	}
	rnd := newLCGRand(settings.Seed)

	remaining := settings.MaxNodes
	active := []NodeID{t.Root}

	for len(active) > 0 {
		idx := int(rnd.intn(uint64(len(active))))
		current := active[idx]
		active[idx] = active[len(active)-1]
		active = active[:len(active)-1]

		wantLess := rnd.boolPercent(settings.PercentSubnodes)
		wantGreater := rnd.boolPercent(settings.PercentSubnodes)

		if wantLess || wantGreater {
			axis := kdword.Axis(rnd.next16() % 3)
			distance := randomDistance(rnd, settings.DistanceLength)

			var child0, child1 NodeID = NoNode, NoNode
			if wantLess {
				child0 = t.NewNode()
			}
			if wantGreater {
				child1 = t.NewNode()
			}
			if err := t.SetInterior(current, axis, distance, wantLess, wantGreater, child0, child1); err != nil {
				return nil, err
			}
			if wantLess {
				remaining--
				active = append(active, child0)
			}
			if wantGreater {
				remaining--
				active = append(active, child1)
			}
			if remaining < 2 {
				break
			}
			continue
		}

		if !rnd.boolPercent(settings.PercentEmpty) {
			numLeaves := int(rnd.intn(uint64(settings.MaxLeaves + 1)))
			if err := t.SetLeaf(current, randomLeafWords(rnd, numLeaves)); err != nil {
				return nil, err
			}
		}
	}

	// Anything left on the worklist never got resolved; force it into a
	// nonempty leaf so canonicalisation has no dangling interior stub.
	for len(active) > 0 {
		current := active[len(active)-1]
		active = active[:len(active)-1]

		numLeaves := int(rnd.intn(uint64(maxInt(settings.MaxLeaves-1, 1)))) + 1
		if err := t.SetLeaf(current, randomLeafWords(rnd, numLeaves)); err != nil {
			return nil, err
		}
	}

	t.Canonicalize()
	t.AssignCompareIDs()
	return t, nil
}

// randomDistance draws a value spanning the full width distanceLength
// allows, up to 101 bits at distance_length 7 -- wider than a single next64
// draw, so distance_length >= 5 splits the high bits (Hi) from a fully
// random low word (Lo) rather than clamping the range like a uint64-backed
// draw would have to.
func randomDistance(rnd *lcgRand, distanceLength uint8) Distance {
	if distanceLength == 1 {
		immediate := uint16(rnd.intn(1 << 12))
		return DistanceFromUint64(uint64(immediate) << 4)
	}
	bits := 5 + 16*uint(distanceLength-1)
	if bits <= 64 {
		return DistanceFromUint64(rnd.intn(uint64(1) << bits))
	}
	return Distance{Hi: rnd.intn(uint64(1) << (bits - 64)), Lo: rnd.next64()}
}

func randomLeafWords(rnd *lcgRand, count int) []uint16 {
	if count <= 0 {
		return nil
	}
	words := make([]uint16, count)
	for i := range words {
		words[i] = rnd.next16()
	}
	return words
}

func maxInt(a, b int) int {
	if a > b {
		return a
	}
	return b
}
