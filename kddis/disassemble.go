package kddis

import (
	"fmt"

	"github.com/forestrie/go-kdasm/kdheader"
	"github.com/forestrie/go-kdasm/kdtree"
	"github.com/forestrie/go-kdasm/kdword"
)

// Disassemble decodes image into a fresh kdtree.Tree (spec §4.7). When
// compareTo is non-nil, decoding also checks each node against the
// corresponding node of compareTo (matched by the same preorder walk
// kdtree.AssignCompareIDs uses) and stops at the first structural
// divergence, returning it as a *kdtree.CompareFailure rather than an error
// -- a mismatch is a caller-facing comparison result, not a decode failure.
func Disassemble(image []kdword.Word, compareTo *kdtree.Tree, opts ...DisassembleOption) (*kdtree.Tree, *kdtree.CompareFailure, error) {
	o := newOptions(opts...)

	hdr, err := kdheader.Decode(image)
	if err != nil {
		return nil, nil, fmt.Errorf("kddis: %w", err)
	}
	tree, err := kdtree.New(hdr.DistanceLength)
	if err != nil {
		return nil, nil, err
	}

	if hdr.LeavesAtRoot {
		return disassembleLeafAtRoot(image, tree, compareTo)
	}

	ctx := &walkCtx{img: image, dl: hdr.DistanceLength, tree: tree, compareTo: compareTo}
	expectedRoot := kdtree.NoNode
	if compareTo != nil {
		expectedRoot = compareTo.Root
	}

	rootID, err := ctx.decode(kdheader.HeaderWords, 0, expectedRoot)
	if err != nil && err != errCompareDiverged {
		return nil, nil, err
	}
	if err == nil {
		tree.Root = rootID
	}

	if ctx.failure != nil {
		o.log.Debugf("kddis: compare_to diverged at expected_compare_id=%d reason=%s", ctx.failure.ExpectedCompareID, ctx.failure.Reason)
	}
	return tree, ctx.failure, nil
}

// disassembleLeafAtRoot handles spec §4.7's "if leaves_at_root, decode a
// single leaf beginning at word 2": no opcode word, the count and payload
// sit directly after the header.
func disassembleLeafAtRoot(image []kdword.Word, tree *kdtree.Tree, compareTo *kdtree.Tree) (*kdtree.Tree, *kdtree.CompareFailure, error) {
	if len(image) < kdheader.HeaderWords+1 {
		return nil, nil, fmt.Errorf("kddis: truncated leaves_at_root image")
	}
	count := int(uint16(image[kdheader.HeaderWords]))
	start := kdheader.HeaderWords + 1
	if start+count > len(image) {
		return nil, nil, fmt.Errorf("kddis: leaves_at_root payload out of range")
	}
	words := make([]uint16, count)
	for i := range words {
		words[i] = uint16(image[start+i])
	}
	if err := tree.SetLeaf(tree.Root, words); err != nil {
		return nil, nil, err
	}

	if compareTo == nil {
		return tree, nil, nil
	}
	if compareTo.Node(compareTo.Root).Kind != kdtree.KindLeaf || !u16SliceEqual(compareTo.Node(compareTo.Root).LeafWords, words) {
		return tree, &kdtree.CompareFailure{
			ExpectedCompareID: compareTo.Node(compareTo.Root).CompareID,
			Reason:            "leaf_words",
		}, nil
	}
	return tree, nil, nil
}
