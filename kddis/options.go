// Package kddis implements the disassembler (spec §4.7) and the standalone
// statistics pass (spec §4.8): decode a flat kdasm image back into a
// kdtree.Tree, optionally comparing it node-by-node against an expected
// tree, and separately compute per-image encoding metrics without building
// a tree at all.
//
// The traversal shape -- follow encoding words, chase JUMP/JUMP_FAR chains
// transparently, stop at the first structural divergence -- mirrors
// massifs/massifcontext.go's mc.get index walk and mmr/verify.go's
// compare-and-report style more than a typical decoder loop.
package kddis

import "github.com/datatrails/go-datatrails-common/logger"

// DisassembleOptions configures one Disassemble call.
type DisassembleOptions struct {
	log logger.Logger
}

// DisassembleOption follows the same functional-option shape as
// kdasm.AssembleOption.
type DisassembleOption func(*DisassembleOptions)

// WithLogger overrides the package-level default logger.Sugar.
func WithLogger(log logger.Logger) DisassembleOption {
	return func(o *DisassembleOptions) { o.log = log }
}

func newOptions(opts ...DisassembleOption) DisassembleOptions {
	o := DisassembleOptions{log: logger.Sugar}
	for _, opt := range opts {
		opt(&o)
	}
	return o
}
