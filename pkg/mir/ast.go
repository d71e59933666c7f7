// Package mir defines the machine IR consumed and produced by the PD-CPU
// machine layer. It sits after instruction selection: every instruction is
// either a native PD-CPU instruction or a pseudo-operation that one of the
// machine passes (condition lowering, window allocation) still has to
// resolve.
package mir

import (
	"fmt"
	"math"

	"tlog.app/go/errors"
)

// ErrMalformed reports an instruction whose operands do not have the shape
// its opcode requires. It always indicates a bug in the producer.
var ErrMalformed = errors.New("malformed instruction")

// Reg is a register number. Virtual registers carry VirtualBit; they are
// placeholders that a machine pass replaces with a physical register.
type Reg uint32

// VirtualBit tags a virtual register
const VirtualBit Reg = 1 << 31

// NoReg is the zero register value (never allocated)
const NoReg Reg = 0

// VReg returns the n-th virtual register
func VReg(n int) Reg {
	return VirtualBit | Reg(n)
}

// IsVirtual reports whether r is a placeholder register
func (r Reg) IsVirtual() bool {
	return r&VirtualBit != 0
}

// Index returns the register number without the virtual tag
func (r Reg) Index() int {
	return int(r &^ VirtualBit)
}

func (r Reg) String() string {
	if r.IsVirtual() {
		return fmt.Sprintf("%%%d", r.Index())
	}
	return fmt.Sprintf("f%d", uint32(r))
}

// Key identifies an external memory-mapped location: a global identifier
// plus a byte offset.
type Key struct {
	Name   string
	Offset int64
}

func (k Key) String() string {
	if k.Offset < 0 {
		return fmt.Sprintf("%s%d", k.Name, k.Offset)
	}
	return fmt.Sprintf("%s+%d", k.Name, k.Offset)
}

// Label names a basic block
type Label string

// --- Operands ---

// Operand is one operand of an instruction
type Operand interface {
	implOperand()
}

// RegOp is a register operand. Def marks a definition; Kill marks the
// last use of the register on this path.
type RegOp struct {
	Reg  Reg
	Def  bool
	Kill bool
}

// ImmOp is a floating-point immediate
type ImmOp struct {
	Value float32
}

// Bits returns the bit-exact encoding of the immediate
func (o ImmOp) Bits() uint32 {
	return math.Float32bits(o.Value)
}

// SymOp references an external location
type SymOp struct {
	Key Key
}

// BlockOp references a basic block
type BlockOp struct {
	Label Label
}

func (RegOp) implOperand()   {}
func (ImmOp) implOperand()   {}
func (SymOp) implOperand()   {}
func (BlockOp) implOperand() {}

// Def returns a definition operand for r
func Def(r Reg) RegOp { return RegOp{Reg: r, Def: true} }

// Use returns a use operand for r
func Use(r Reg) RegOp { return RegOp{Reg: r} }

// Imm returns an immediate operand
func Imm(v float32) ImmOp { return ImmOp{Value: v} }

// Sym returns a symbol operand
func Sym(name string, offset int64) SymOp {
	return SymOp{Key: Key{Name: name, Offset: offset}}
}

// To returns a block operand
func To(l Label) BlockOp { return BlockOp{Label: l} }

// --- Condition Codes ---

// CondCode is the relational operator of a compare-based instruction.
// The o/u prefixed variants are the ordered and unordered floating-point
// forms.
type CondCode int

const (
	CondNone CondCode = iota
	CondGT
	CondOGT
	CondUGT
	CondGE
	CondOGE
	CondUGE
	CondLT
	CondOLT
	CondULT
	CondLE
	CondOLE
	CondULE
	CondEQ
	CondOEQ
	CondUEQ
	CondNE
	CondONE
	CondUNE
	CondO
	CondUO
	CondTrue
	CondFalse
)

var condNames = [...]string{
	CondNone:  "",
	CondGT:    "gt",
	CondOGT:   "ogt",
	CondUGT:   "ugt",
	CondGE:    "ge",
	CondOGE:   "oge",
	CondUGE:   "uge",
	CondLT:    "lt",
	CondOLT:   "olt",
	CondULT:   "ult",
	CondLE:    "le",
	CondOLE:   "ole",
	CondULE:   "ule",
	CondEQ:    "eq",
	CondOEQ:   "oeq",
	CondUEQ:   "ueq",
	CondNE:    "ne",
	CondONE:   "one",
	CondUNE:   "une",
	CondO:     "o",
	CondUO:    "uo",
	CondTrue:  "true",
	CondFalse: "false",
}

func (c CondCode) String() string {
	if c >= 0 && int(c) < len(condNames) {
		return condNames[c]
	}
	return fmt.Sprintf("cc%d", int(c))
}

// ParseCondCode returns the condition code with the given name
func ParseCondCode(s string) (CondCode, bool) {
	for i, n := range condNames {
		if n != "" && n == s {
			return CondCode(i), true
		}
	}
	return CondNone, false
}

// Holds reports whether the relation c holds for a and b. The ordered
// variants are false when either side is NaN, the unordered ones true.
func (c CondCode) Holds(a, b float32) bool {
	unordered := math.IsNaN(float64(a)) || math.IsNaN(float64(b))
	switch c {
	case CondGT, CondOGT:
		return a > b
	case CondUGT:
		return unordered || a > b
	case CondGE, CondOGE:
		return a >= b
	case CondUGE:
		return unordered || a >= b
	case CondLT, CondOLT:
		return a < b
	case CondULT:
		return unordered || a < b
	case CondLE, CondOLE:
		return a <= b
	case CondULE:
		return unordered || a <= b
	case CondEQ, CondOEQ:
		return a == b
	case CondUEQ:
		return unordered || a == b
	case CondNE, CondUNE:
		return a != b
	case CondONE:
		return !unordered && a != b
	case CondO:
		return !unordered
	case CondUO:
		return unordered
	case CondTrue:
		return true
	}
	return false
}

// --- Opcodes ---

// Opcode identifies an instruction kind
type Opcode int

const (
	OpInvalid Opcode = iota

	// Pseudo-operations produced by instruction selection
	OpSelect // d = cc(lhs, rhs) ? t : f
	OpBranch // if cc(lhs, rhs) goto ifso else goto ifnot
	OpFAbs   // d = |s|
	OpLoadConst
	OpReadInput
	OpWriteOutput

	// Native PD-CPU instructions
	OpSelectGT // d = lhs > rhs ? t : f
	OpBranchGT // if lhs > rhs goto ifso else goto ifnot

	// Ordinary instructions
	OpMov
	OpAdd
	OpSub
	OpMul
	OpDiv
	OpSqrt
	OpSin
	OpCos
	OpJump
	OpRet
)

var opNames = [...]string{
	OpInvalid:     "invalid",
	OpSelect:      "select",
	OpBranch:      "br",
	OpFAbs:        "fabs",
	OpLoadConst:   "li",
	OpReadInput:   "in",
	OpWriteOutput: "out",
	OpSelectGT:    "selgt",
	OpBranchGT:    "brgt",
	OpMov:         "mov",
	OpAdd:         "add",
	OpSub:         "sub",
	OpMul:         "mul",
	OpDiv:         "div",
	OpSqrt:        "sqrt",
	OpSin:         "sin",
	OpCos:         "cos",
	OpJump:        "jmp",
	OpRet:         "ret",
}

func (op Opcode) String() string {
	if op >= 0 && int(op) < len(opNames) {
		return opNames[op]
	}
	return fmt.Sprintf("op%d", int(op))
}

// ParseOpcode returns the opcode with the given mnemonic
func ParseOpcode(s string) (Opcode, bool) {
	for i, n := range opNames {
		if i != int(OpInvalid) && n == s {
			return Opcode(i), true
		}
	}
	return OpInvalid, false
}

// HasCond reports whether instructions with this opcode carry a condition code
func (op Opcode) HasCond() bool {
	return op == OpSelect || op == OpBranch
}

// IsWindowPseudo reports whether op is resolved by the window allocator
func (op Opcode) IsWindowPseudo() bool {
	return op == OpLoadConst || op == OpReadInput || op == OpWriteOutput
}

// IsTerminator reports whether op ends a basic block
func (op Opcode) IsTerminator() bool {
	switch op {
	case OpBranch, OpBranchGT, OpJump, OpRet:
		return true
	}
	return false
}

// --- Instructions ---

// Instr is a single machine instruction.
//
// Operand shapes by opcode:
//
//	select  d, lhs, rhs, t, f        (Cond set)
//	selgt   d, lhs, rhs, t, f
//	br      lhs, rhs, ^ifso, ^ifnot  (Cond set)
//	brgt    lhs, rhs, ^ifso, ^ifnot
//	fabs    d, s
//	li      d, #imm
//	in      d, @key
//	out     d, s, @key
//	mov     d, s
//	add/sub/mul/div  d, a, b
//	sqrt/sin/cos     d, a
//	jmp     ^target
//	ret     [s]
//
// Register sources of selects and arithmetic may also be immediates.
type Instr struct {
	Op       Opcode
	Cond     CondCode
	Operands []Operand
}

// Clone returns a copy of the instruction with its own operand slice
func (in Instr) Clone() Instr {
	ops := make([]Operand, len(in.Operands))
	copy(ops, in.Operands)
	in.Operands = ops
	return in
}

// Defs returns the registers defined by the instruction
func (in Instr) Defs() []Reg {
	var regs []Reg
	for _, o := range in.Operands {
		if r, ok := o.(RegOp); ok && r.Def {
			regs = append(regs, r.Reg)
		}
	}
	return regs
}

// Uses returns the registers read by the instruction
func (in Instr) Uses() []Reg {
	var regs []Reg
	for _, o := range in.Operands {
		if r, ok := o.(RegOp); ok && !r.Def {
			regs = append(regs, r.Reg)
		}
	}
	return regs
}

// Dest returns the register defined by operand 0
func (in Instr) Dest() (Reg, bool) {
	if len(in.Operands) == 0 {
		return NoReg, false
	}
	r, ok := in.Operands[0].(RegOp)
	if !ok || !r.Def {
		return NoReg, false
	}
	return r.Reg, true
}

// SymKey returns the key of the first symbol operand
func (in Instr) SymKey() (Key, bool) {
	for _, o := range in.Operands {
		if s, ok := o.(SymOp); ok {
			return s.Key, true
		}
	}
	return Key{}, false
}

// Targets returns the block labels the instruction may transfer control to
func (in Instr) Targets() []Label {
	var labels []Label
	for _, o := range in.Operands {
		if b, ok := o.(BlockOp); ok {
			labels = append(labels, b.Label)
		}
	}
	return labels
}

type shape []byte

// Operand kinds used in shapes: d def, r register, v register or
// immediate, i immediate, s symbol, b block.
var shapes = map[Opcode]shape{
	OpSelect:      shape("dvvvv"),
	OpSelectGT:    shape("dvvvv"),
	OpBranch:      shape("vvbb"),
	OpBranchGT:    shape("vvbb"),
	OpFAbs:        shape("dv"),
	OpLoadConst:   shape("di"),
	OpReadInput:   shape("ds"),
	OpWriteOutput: shape("dvs"),
	OpMov:         shape("dv"),
	OpAdd:         shape("dvv"),
	OpSub:         shape("dvv"),
	OpMul:         shape("dvv"),
	OpDiv:         shape("dvv"),
	OpSqrt:        shape("dv"),
	OpSin:         shape("dv"),
	OpCos:         shape("dv"),
	OpJump:        shape("b"),
}

// Verify checks that the operands match the opcode's shape
func (in Instr) Verify() error {
	if in.Op == OpRet {
		switch len(in.Operands) {
		case 0:
			return nil
		case 1:
			if r, ok := in.Operands[0].(RegOp); ok && !r.Def {
				return nil
			}
		}
		return errors.Wrap(ErrMalformed, "%v: bad return operand", in.Op)
	}

	sh, ok := shapes[in.Op]
	if !ok {
		return errors.Wrap(ErrMalformed, "unknown opcode %v", in.Op)
	}
	if len(in.Operands) != len(sh) {
		return errors.Wrap(ErrMalformed, "%v: want %d operands, got %d", in.Op, len(sh), len(in.Operands))
	}
	if in.Op.HasCond() {
		if in.Cond == CondNone {
			return errors.Wrap(ErrMalformed, "%v: missing condition code", in.Op)
		}
	} else if in.Cond != CondNone {
		return errors.Wrap(ErrMalformed, "%v: unexpected condition code %v", in.Op, in.Cond)
	}

	for i, k := range sh {
		o := in.Operands[i]
		var good bool
		switch k {
		case 'd':
			r, isReg := o.(RegOp)
			good = isReg && r.Def
		case 'r':
			r, isReg := o.(RegOp)
			good = isReg && !r.Def
		case 'v':
			switch v := o.(type) {
			case RegOp:
				good = !v.Def
			case ImmOp:
				good = true
			}
		case 'i':
			_, good = o.(ImmOp)
		case 's':
			_, good = o.(SymOp)
		case 'b':
			_, good = o.(BlockOp)
		}
		if !good {
			return errors.Wrap(ErrMalformed, "%v: operand %d has wrong kind %T", in.Op, i, o)
		}
	}
	return nil
}

// --- Blocks, Functions, Programs ---

// Block is a basic block. LiveIns lists physical registers whose value is
// valid on entry without a local definition. MustEmit asks the emitter to
// keep the block even if it looks unreachable or empty.
type Block struct {
	Label    Label
	Instrs   []Instr
	LiveIns  []Reg
	MustEmit bool
}

// AddLiveIn records r as live on entry; duplicates are ignored
func (b *Block) AddLiveIn(r Reg) {
	for _, l := range b.LiveIns {
		if l == r {
			return
		}
	}
	b.LiveIns = append(b.LiveIns, r)
}

// IsLiveIn reports whether r is live on entry to the block
func (b *Block) IsLiveIn(r Reg) bool {
	for _, l := range b.LiveIns {
		if l == r {
			return true
		}
	}
	return false
}

// Function is a machine function: an ordered list of blocks. Blocks[0]
// is the entry; a block without a terminator falls through to the next.
type Function struct {
	Name   string
	Blocks []*Block

	nextVReg int
}

// NewFunction creates an empty function
func NewFunction(name string) *Function {
	return &Function{Name: name}
}

// AddBlock appends a new empty block
func (f *Function) AddBlock(label Label) *Block {
	b := &Block{Label: label}
	f.Blocks = append(f.Blocks, b)
	return b
}

// Block returns the block with the given label, or nil
func (f *Function) Block(label Label) *Block {
	for _, b := range f.Blocks {
		if b.Label == label {
			return b
		}
	}
	return nil
}

// Entry returns the entry block, or nil for an empty function
func (f *Function) Entry() *Block {
	if len(f.Blocks) == 0 {
		return nil
	}
	return f.Blocks[0]
}

// NewVReg returns a virtual register not used anywhere in the function
func (f *Function) NewVReg() Reg {
	if f.nextVReg == 0 {
		for _, b := range f.Blocks {
			for _, in := range b.Instrs {
				for _, o := range in.Operands {
					if r, ok := o.(RegOp); ok && r.Reg.IsVirtual() && r.Reg.Index() > f.nextVReg {
						f.nextVReg = r.Reg.Index()
					}
				}
			}
		}
	}
	f.nextVReg++
	return VReg(f.nextVReg)
}

// ReplaceReg rewrites every definition and use of from into to
func (f *Function) ReplaceReg(from, to Reg) int {
	n := 0
	for _, b := range f.Blocks {
		for i := range b.Instrs {
			ops := b.Instrs[i].Operands
			for j, o := range ops {
				if r, ok := o.(RegOp); ok && r.Reg == from {
					r.Reg = to
					ops[j] = r
					n++
				}
			}
		}
	}
	return n
}

// ClearKillFlags drops every last-use marker on r
func (f *Function) ClearKillFlags(r Reg) {
	for _, b := range f.Blocks {
		for i := range b.Instrs {
			ops := b.Instrs[i].Operands
			for j, o := range ops {
				if ro, ok := o.(RegOp); ok && ro.Reg == r && ro.Kill {
					ro.Kill = false
					ops[j] = ro
				}
			}
		}
	}
}

// Verify checks every instruction and that branch targets exist
func (f *Function) Verify() error {
	labels := make(map[Label]bool, len(f.Blocks))
	for _, b := range f.Blocks {
		if labels[b.Label] {
			return errors.Wrap(ErrMalformed, "%s: duplicate block %q", f.Name, b.Label)
		}
		labels[b.Label] = true
	}
	for _, b := range f.Blocks {
		for i, in := range b.Instrs {
			if err := in.Verify(); err != nil {
				return errors.Wrap(err, "%s: %s: instr %d", f.Name, b.Label, i)
			}
			for _, t := range in.Targets() {
				if !labels[t] {
					return errors.Wrap(ErrMalformed, "%s: %s: instr %d: unknown block %q", f.Name, b.Label, i, t)
				}
			}
		}
	}
	return nil
}

// Program is a list of machine functions
type Program struct {
	Functions []*Function
}

// Verify checks that function names are unique and every function is
// well formed
func (p *Program) Verify() error {
	names := make(map[string]bool, len(p.Functions))
	for _, fn := range p.Functions {
		if names[fn.Name] {
			return errors.Wrap(ErrMalformed, "duplicate function %q", fn.Name)
		}
		names[fn.Name] = true
		if err := fn.Verify(); err != nil {
			return err
		}
	}
	return nil
}
