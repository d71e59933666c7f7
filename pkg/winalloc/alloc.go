// Package winalloc assigns physical registers to the window
// pseudo-operations of a function: li (constant window), in (input or
// state window) and out (output or state window).
//
// Constants and plain inputs are hoisted into a shared entry block first,
// so each distinct value is materialized once and is live-in everywhere
// else. Equal keys always share one register.
package winalloc

import (
	"math"

	"github.com/raymyers/pdcpu-cc/pkg/mir"
	"github.com/raymyers/pdcpu-cc/pkg/target"
	"tlog.app/go/errors"
	"tlog.app/go/tlog"
)

// ErrWindowExhausted reports more distinct keys than a window has registers
var ErrWindowExhausted = errors.New("register window exhausted")

// Allocator holds the allocation state of one function. It must not be
// shared between functions or goroutines.
type Allocator struct {
	layout *target.Layout

	constants map[uint32]mir.Reg
	inputs    map[mir.Key]mir.Reg
	outputs   map[mir.Key]mir.Reg
	states    map[mir.Key]mir.Reg

	next  map[target.Class]int
	stats Stats
}

// Stats counts what the allocator did
type Stats struct {
	Constants int // distinct constant registers
	Inputs    int
	Outputs   int
	States    int
	Reused    int // pseudo-operations resolved to an existing register
	Hoisted   int // instructions moved to the entry block
	Dropped   int // duplicate entry definitions removed
}

// Result holds the outcome of allocating one function
type Result struct {
	// Constants maps the bit pattern of each constant to its register
	Constants map[uint32]mir.Reg
	Inputs    map[mir.Key]mir.Reg
	Outputs   map[mir.Key]mir.Reg
	States    map[mir.Key]mir.Reg

	// Entry is the shared entry block, nil if nothing was hoisted
	Entry *mir.Block

	Stats Stats
}

// New creates an allocator for one function. A nil layout means the
// default PD-CPU register file.
func New(layout *target.Layout) *Allocator {
	if layout == nil {
		layout = target.Default()
	}
	return &Allocator{
		layout:    layout,
		constants: make(map[uint32]mir.Reg),
		inputs:    make(map[mir.Key]mir.Reg),
		outputs:   make(map[mir.Key]mir.Reg),
		states:    make(map[mir.Key]mir.Reg),
		next:      make(map[target.Class]int),
	}
}

// Run hoists and allocates fn in place
func (a *Allocator) Run(fn *mir.Function) (*Result, error) {
	if err := a.check(fn); err != nil {
		return nil, err
	}

	entry := a.hoist(fn)

	for _, b := range fn.Blocks {
		for i := range b.Instrs {
			in := b.Instrs[i]
			if !in.Op.IsWindowPseudo() {
				continue
			}
			if err := a.assign(fn, entry, in); err != nil {
				return nil, errors.Wrap(err, "%s: %s: instr %d", fn.Name, b.Label, i)
			}
		}
	}

	if entry != nil {
		a.stats.Dropped = dropDuplicates(entry)
	}

	tlog.V("winalloc").Printw("allocated function", "func", fn.Name,
		"constants", a.stats.Constants, "inputs", a.stats.Inputs,
		"outputs", a.stats.Outputs, "states", a.stats.States,
		"hoisted", a.stats.Hoisted, "reused", a.stats.Reused)

	return &Result{
		Constants: a.constants,
		Inputs:    a.inputs,
		Outputs:   a.outputs,
		States:    a.states,
		Entry:     entry,
		Stats:     a.stats,
	}, nil
}

// check rejects malformed window pseudo-operations before anything moves.
// A placeholder must have exactly one definition: replacing it rewrites
// every occurrence in the function.
func (a *Allocator) check(fn *mir.Function) error {
	defs := make(map[mir.Reg]int)
	for _, b := range fn.Blocks {
		for _, in := range b.Instrs {
			for _, r := range in.Defs() {
				defs[r]++
			}
		}
	}

	for _, b := range fn.Blocks {
		for i, in := range b.Instrs {
			if !in.Op.IsWindowPseudo() {
				continue
			}
			if err := in.Verify(); err != nil {
				return errors.Wrap(err, "%s: %s: instr %d", fn.Name, b.Label, i)
			}
			d, _ := in.Dest()
			if !d.IsVirtual() {
				return errors.Wrap(mir.ErrMalformed, "%s: %s: instr %d: %v defines physical %v", fn.Name, b.Label, i, in.Op, d)
			}
			if defs[d] > 1 {
				return errors.Wrap(mir.ErrMalformed, "%s: %s: instr %d: %v defined %d times", fn.Name, b.Label, i, d, defs[d])
			}
		}
	}
	return nil
}

// assign resolves the placeholder defined by in
func (a *Allocator) assign(fn *mir.Function, entry *mir.Block, in mir.Instr) error {
	placeholder, _ := in.Dest()
	if !placeholder.IsVirtual() {
		return errors.Wrap(mir.ErrMalformed, "internal: %v already resolved to %v", in.Op, placeholder)
	}

	class, reg, fresh, err := a.lookup(in)
	if err != nil {
		return err
	}

	if fresh && (class == target.ClassConstant || class == target.ClassInput) {
		for _, b := range fn.Blocks {
			if b != entry {
				b.AddLiveIn(reg)
			}
		}
	}

	n := fn.ReplaceReg(placeholder, reg)
	tlog.V("winalloc").Printw("assign", "op", in.Op, "class", class, "from", placeholder, "to", reg, "fresh", fresh, "rewrites", n)
	return nil
}

// lookup finds or allocates the register for the key of in
func (a *Allocator) lookup(in mir.Instr) (target.Class, mir.Reg, bool, error) {
	if in.Op == mir.OpLoadConst {
		bits := in.Operands[1].(mir.ImmOp).Bits()
		if r, ok := a.constants[bits]; ok {
			a.stats.Reused++
			return target.ClassConstant, r, false, nil
		}
		r, err := a.allocate(target.ClassConstant)
		if err != nil {
			return target.ClassConstant, mir.NoReg, false, errors.Wrap(err, "constant %v", math.Float32frombits(bits))
		}
		a.constants[bits] = r
		a.stats.Constants++
		return target.ClassConstant, r, true, nil
	}

	key, _ := in.SymKey()
	class, m := a.window(in.Op, key)
	if r, ok := m[key]; ok {
		a.stats.Reused++
		return class, r, false, nil
	}
	r, err := a.allocate(class)
	if err != nil {
		return class, mir.NoReg, false, errors.Wrap(err, "%v %v", in.Op, key)
	}
	m[key] = r

	switch class {
	case target.ClassInput:
		a.stats.Inputs++
	case target.ClassOutput:
		a.stats.Outputs++
	case target.ClassState:
		a.stats.States++
	}
	return class, r, true, nil
}

// window routes an in/out key to its class and dedup map. State keys
// share one map for reads and writes.
func (a *Allocator) window(op mir.Opcode, key mir.Key) (target.Class, map[mir.Key]mir.Reg) {
	if a.layout.IsState(key) {
		return target.ClassState, a.states
	}
	if op == mir.OpReadInput {
		return target.ClassInput, a.inputs
	}
	return target.ClassOutput, a.outputs
}

// allocate takes the next free register of a window
func (a *Allocator) allocate(c target.Class) (mir.Reg, error) {
	w := a.layout.Window(c)
	i := a.next[c]
	if i >= int(w.Size) {
		return mir.NoReg, errors.Wrap(ErrWindowExhausted, "%v window holds %d registers", c, w.Size)
	}
	a.next[c] = i + 1
	return w.Reg(i), nil
}
