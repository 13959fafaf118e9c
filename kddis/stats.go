package kddis

import (
	"errors"
	"fmt"

	"github.com/forestrie/go-kdasm/kdheader"
	"github.com/forestrie/go-kdasm/kdword"
	"github.com/fxamacker/cbor/v2"
)

// EncodingStats is the standalone statistics pass's output (spec §4.8): a
// per-category word count plus a running cache-miss-depth total, produced by
// walking an image the same way Disassemble does -- following JUMP/JUMP_FAR
// chains, resolving LEAVES/LEAVES_FAR payloads -- but tallying counts
// instead of building a tree. The cbor tags mirror kdtree.CompareFailure's
// role: letting the (out-of-scope) statistics reporter's consumer
// deserialize a snapshot without this package doing any file I/O itself.
type EncodingStats struct {
	TotalWords int               `cbor:"total_words"`
	PageCount  int               `cbor:"page_count"`
	PageBits   kdheader.PageBits `cbor:"page_bits"`

	HeaderWords  int `cbor:"header_words"`
	PaddingWords int `cbor:"padding_words"`

	InteriorWords      int `cbor:"interior_words"`       // cutting-plane node count
	InteriorExtraWords int `cbor:"interior_extra_words"` // ...and its extra data

	LeavesWords       int `cbor:"leaves_words"`        // leaf node count (LEAVES)
	LeavesHeaderWords int `cbor:"leaves_header_words"` // leaf header count (count prefix words)
	LeavesDataWords   int `cbor:"leaves_data_words"`   // leaf-block data

	LeavesFarWords      int `cbor:"leaves_far_words"`
	LeavesFarExtraWords int `cbor:"leaves_far_extra_words"` // leaf-far count and extra data

	JumpWords int `cbor:"jump_words"`

	JumpFarWords      int `cbor:"jump_far_words"`
	JumpFarExtraWords int `cbor:"jump_far_extra_words"` // jump-far count and extra data

	// CacheMissDepthSum is the running total of cache misses attributed to
	// each leaf visit (spec §4.8): a far reference that lands on a
	// different physical page than its referrer counts as one cache miss
	// for every leaf reached beneath it, for as long as the walk stays past
	// that crossing (a leaf reached through two nested page crossings
	// counts twice).
	CacheMissDepthSum int `cbor:"cache_miss_depth_sum"`

	// SizeHistogram buckets, per page, how many of its words are actually
	// occupied (not trailing padding) -- the original C++ reference's
	// bin-packer uses this to pick bucket boundaries; spec.md §4.8's
	// distillation only names the global sums, so this is a supplemented
	// field (see SPEC_FULL.md §7).
	SizeHistogram map[int]int `cbor:"size_histogram"`
}

// Stats walks image the same way Disassemble does but tallies per-category
// word counts and cache-miss depth instead of building a tree (spec §4.8).
func Stats(image []kdword.Word) (EncodingStats, error) {
	hdr, err := kdheader.Decode(image)
	if err != nil {
		if errors.Is(err, kdheader.ErrBadMagic) {
			// spec §4.7/§7: a version/magic mismatch is fatal for normal
			// disassembly, but statistics mode degrades gracefully instead --
			// the whole image is unreadable, so it is all padding.
			return EncodingStats{
				TotalWords:    len(image),
				PaddingWords:  len(image),
				SizeHistogram: make(map[int]int),
			}, nil
		}
		return EncodingStats{}, fmt.Errorf("kddis: %w", err)
	}

	wordsPerPage := hdr.PageBits.WordsPerPage()
	if wordsPerPage <= 0 {
		return EncodingStats{}, fmt.Errorf("kddis: invalid page_bits %d", hdr.PageBits)
	}

	stats := EncodingStats{
		TotalWords:    len(image),
		PageBits:      hdr.PageBits,
		HeaderWords:   kdheader.HeaderWords,
		SizeHistogram: make(map[int]int),
	}
	stats.PageCount = (len(image) + wordsPerPage - 1) / wordsPerPage

	if hdr.LeavesAtRoot {
		body := image[kdheader.HeaderWords:]
		occupied := 0
		if len(body) > 0 {
			count := int(uint16(body[0]))
			stats.LeavesHeaderWords = 1
			stats.LeavesDataWords = count
			occupied = 1 + count
		}
		stats.SizeHistogram[occupied]++
		stats.PaddingWords = len(body) - occupied
		return stats, nil
	}

	w := &statsWalk{
		img:          image,
		dl:           hdr.DistanceLength,
		wordsPerPage: wordsPerPage,
		visited:      make([]bool, len(image)),
		stats:        &stats,
	}
	if err := w.visit(kdheader.HeaderWords, 0, 0, 0); err != nil {
		return EncodingStats{}, err
	}

	for page := 0; page*wordsPerPage < len(image); page++ {
		start := page * wordsPerPage
		end := start + wordsPerPage
		if end > len(image) {
			end = len(image)
		}
		occupied := 0
		for i := start; i < end; i++ {
			if w.visited[i] {
				occupied++
			} else if i >= kdheader.HeaderWords {
				stats.PaddingWords++
			}
		}
		stats.SizeHistogram[occupied]++
	}

	return stats, nil
}

// MarshalStats encodes stats as CBOR, so a caller can hand a snapshot to a
// reporting consumer without this package doing any file I/O of its own
// (spec §4.8's stats pass stays a pure computation over an image).
func MarshalStats(stats EncodingStats) ([]byte, error) {
	return cbor.Marshal(stats)
}

// statsWalk mirrors walkCtx's traversal (see walk.go) but tallies per-
// category word counts and a running cache-miss depth instead of building a
// tree.
type statsWalk struct {
	img          []kdword.Word
	dl           uint8
	wordsPerPage int
	visited      []bool
	stats        *EncodingStats
}

func (w *statsWalk) mark(pos int) {
	if pos >= 0 && pos < len(w.visited) {
		w.visited[pos] = true
	}
}

func (w *statsWalk) markRange(start, count int) {
	for i := 0; i < count; i++ {
		w.mark(start + i)
	}
}

// visit decodes the node (or opcode chain) at pos, tallying it into
// w.stats. page is the physical page pos currently lives on; depth is the
// number of page-crossing far references followed to reach here from the
// root. JUMP never leaves its page (spec §4.1), so only LEAVES_FAR/JUMP_FAR
// can change page/depth.
func (w *statsWalk) visit(pos, treeIndex, page, depth int) error {
	for {
		if pos < 0 || pos >= len(w.img) {
			return fmt.Errorf("kddis: word index %d out of range", pos)
		}
		ww := w.img[pos]
		w.mark(pos)

		axis := kdword.GetAxis(ww)
		if axis != kdword.AxisEscape {
			return w.visitInterior(pos, treeIndex, page, depth, ww)
		}

		switch kdword.GetOpcode(ww) {
		case kdword.OpLeaves:
			offset := int(kdword.GetLeavesOffset(ww))
			count := int(kdword.GetLeavesCount(ww))
			w.stats.LeavesWords++
			w.markRange(pos+offset, count)
			w.stats.LeavesDataWords += count
			w.stats.CacheMissDepthSum += depth
			return nil

		case kdword.OpLeavesFar:
			target, extra, err := w.resolveFar(pos, ww)
			if err != nil {
				return err
			}
			if target < 0 || target >= len(w.img) {
				return fmt.Errorf("kddis: LEAVES_FAR target %d out of range", target)
			}
			w.stats.LeavesFarWords++
			w.stats.LeavesFarExtraWords += extra
			newDepth := depth
			if target/w.wordsPerPage != page {
				newDepth++
			}
			count := int(uint16(w.img[target]))
			w.mark(target)
			w.stats.LeavesHeaderWords++
			w.markRange(target+1, count)
			w.stats.LeavesDataWords += count
			w.stats.CacheMissDepthSum += newDepth
			return nil

		case kdword.OpJump:
			offset := kdword.GetJumpOffset(ww)
			w.stats.JumpWords++
			pos = pos + int(offset)
			treeIndex = int(kdword.GetJumpTargetIndex(ww))
			continue

		case kdword.OpJumpFar:
			target, extra, err := w.resolveFar(pos, ww)
			if err != nil {
				return err
			}
			w.stats.JumpFarWords++
			w.stats.JumpFarExtraWords += extra
			if targetPage := target / w.wordsPerPage; targetPage != page {
				depth++
				page = targetPage
			}
			pos = target
			treeIndex = 0
			continue
		}
		return fmt.Errorf("kddis: unreachable opcode at word %d", pos)
	}
}

func (w *statsWalk) visitInterior(pos, treeIndex, page, depth int, ww kdword.Word) error {
	w.stats.InteriorWords++
	if w.dl > 1 {
		off := int(kdword.GetDistanceOffset(ww))
		count := int(w.dl) - 1
		w.markRange(pos+off, count)
		w.stats.InteriorExtraWords += count
	}
	s0, s1 := kdword.GetStopBits(ww)
	if s0 {
		if err := w.visit(pos+treeIndex+1, 2*treeIndex+1, page, depth); err != nil {
			return err
		}
	}
	if s1 {
		if err := w.visit(pos+treeIndex+2, 2*treeIndex+2, page, depth); err != nil {
			return err
		}
	}
	return nil
}

// resolveFar mirrors walkCtx.resolveFar (see walk.go), additionally marking
// any extra offset words it consumes and reporting how many of them there
// were, so the caller can attribute them to the right category.
func (w *statsWalk) resolveFar(pos int, ww kdword.Word) (target, extraWords int, err error) {
	if kdword.GetIsImmediate(ww) {
		return pos + int(kdword.GetImmediateOffset(ww)), 0, nil
	}
	count := int(kdword.GetExtraWordCount(ww))
	off := int(kdword.GetExtraOffset(ww))
	extra := pos + off
	if count < 1 || extra < 0 || extra+count > len(w.img) {
		return 0, 0, fmt.Errorf("kddis: far-reference extra data at word %d out of range", extra)
	}
	w.markRange(extra, count)
	delta := decodeSignedMultiWord(w.img[extra : extra+count])
	return pos + int(delta), count, nil
}
