package winalloc

import (
	"fmt"

	"github.com/raymyers/pdcpu-cc/pkg/mir"
)

// EntryLabel is the label of the shared entry block holding hoisted
// constants and plain inputs
const EntryLabel mir.Label = "consts"

// hoistable reports whether in belongs in the shared entry block: every
// li, and every in whose key is not persistent state.
func (a *Allocator) hoistable(in mir.Instr) bool {
	switch in.Op {
	case mir.OpLoadConst:
		return true
	case mir.OpReadInput:
		k, ok := in.SymKey()
		return ok && !a.layout.IsState(k)
	}
	return false
}

// hoist moves hoistable instructions, in program order, into a new entry
// block prepended to fn. It returns nil when nothing was moved.
func (a *Allocator) hoist(fn *mir.Function) *mir.Block {
	var moved []mir.Instr
	for _, b := range fn.Blocks {
		kept := b.Instrs[:0]
		for _, in := range b.Instrs {
			if a.hoistable(in) {
				moved = append(moved, in)
				continue
			}
			kept = append(kept, in)
		}
		b.Instrs = kept
	}
	if len(moved) == 0 {
		return nil
	}

	// the value is now read from many blocks
	for _, in := range moved {
		if d, ok := in.Dest(); ok {
			fn.ClearKillFlags(d)
		}
	}

	entry := &mir.Block{
		Label:    entryLabel(fn),
		Instrs:   moved,
		MustEmit: true,
	}
	fn.Blocks = append([]*mir.Block{entry}, fn.Blocks...)
	a.stats.Hoisted = len(moved)
	return entry
}

func entryLabel(fn *mir.Function) mir.Label {
	l := EntryLabel
	for i := 1; fn.Block(l) != nil; i++ {
		l = mir.Label(fmt.Sprintf("%s.%d", EntryLabel, i))
	}
	return l
}

// dropDuplicates removes entry definitions identical to an earlier one.
// Allocation maps equal keys to one register, so these are pure repeats.
func dropDuplicates(entry *mir.Block) int {
	type def struct {
		op  mir.Opcode
		reg mir.Reg
	}
	seen := make(map[def]bool, len(entry.Instrs))
	kept := entry.Instrs[:0]
	dropped := 0
	for _, in := range entry.Instrs {
		d, _ := in.Dest()
		k := def{in.Op, d}
		if seen[k] {
			dropped++
			continue
		}
		seen[k] = true
		kept = append(kept, in)
	}
	entry.Instrs = kept
	return dropped
}
