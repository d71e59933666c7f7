// Package interp executes MIR functions. It gives every pseudo-operation
// its intended meaning, so a function can be run before and after a
// machine pass and the results compared.
package interp

import (
	"math"

	"github.com/raymyers/pdcpu-cc/pkg/mir"
	"tlog.app/go/errors"
)

var (
	// ErrUndefined reports a read of a register that holds no value
	ErrUndefined = errors.New("read of undefined register")

	// ErrStepLimit reports a run that did not return in time
	ErrStepLimit = errors.New("step limit exceeded")
)

// DefaultStepLimit bounds the number of executed instructions
const DefaultStepLimit = 100000

// State is the machine state after a run
type State struct {
	Regs   map[mir.Reg]float32
	Memory map[mir.Key]float32
	Result *float32
	Steps  int
}

// Machine runs functions against a memory image
type Machine struct {
	StepLimit int
}

// Run executes fn with a copy of memory and returns the final state
func Run(fn *mir.Function, memory map[mir.Key]float32) (*State, error) {
	m := Machine{StepLimit: DefaultStepLimit}
	return m.Run(fn, memory)
}

// Run executes fn starting at Blocks[0]
func (m *Machine) Run(fn *mir.Function, memory map[mir.Key]float32) (*State, error) {
	st := &State{
		Regs:   make(map[mir.Reg]float32),
		Memory: make(map[mir.Key]float32, len(memory)),
	}
	for k, v := range memory {
		st.Memory[k] = v
	}
	if len(fn.Blocks) == 0 {
		return st, nil
	}

	index := make(map[mir.Label]int, len(fn.Blocks))
	for i, b := range fn.Blocks {
		index[b.Label] = i
	}

	limit := m.StepLimit
	if limit <= 0 {
		limit = DefaultStepLimit
	}

	bi := 0
	for bi < len(fn.Blocks) {
		b := fn.Blocks[bi]
		next := bi + 1
		for ii, in := range b.Instrs {
			st.Steps++
			if st.Steps > limit {
				return st, errors.Wrap(ErrStepLimit, "%s", fn.Name)
			}
			target, done, err := st.exec(in)
			if err != nil {
				return st, errors.Wrap(err, "%s: %s: instr %d", fn.Name, b.Label, ii)
			}
			if done {
				return st, nil
			}
			if target != "" {
				i, ok := index[target]
				if !ok {
					return st, errors.Wrap(mir.ErrMalformed, "%s: unknown block %q", fn.Name, target)
				}
				next = i
				break
			}
		}
		bi = next
	}
	return st, nil
}

func (st *State) value(o mir.Operand) (float32, error) {
	switch v := o.(type) {
	case mir.RegOp:
		x, ok := st.Regs[v.Reg]
		if !ok {
			return 0, errors.Wrap(ErrUndefined, "%v", v.Reg)
		}
		return x, nil
	case mir.ImmOp:
		return v.Value, nil
	}
	return 0, errors.Wrap(mir.ErrMalformed, "operand %T has no value", o)
}

func (st *State) values(ops []mir.Operand) ([]float32, error) {
	vals := make([]float32, len(ops))
	for i, o := range ops {
		v, err := st.value(o)
		if err != nil {
			return nil, err
		}
		vals[i] = v
	}
	return vals, nil
}

func dest(in mir.Instr) mir.Reg {
	d, _ := in.Dest()
	return d
}

func label(o mir.Operand) mir.Label {
	if b, ok := o.(mir.BlockOp); ok {
		return b.Label
	}
	return ""
}

// exec runs one instruction. It returns a jump target, or done on return.
func (st *State) exec(in mir.Instr) (mir.Label, bool, error) {
	if err := in.Verify(); err != nil {
		return "", false, err
	}

	switch in.Op {
	case mir.OpSelect, mir.OpSelectGT:
		v, err := st.values(in.Operands[1:])
		if err != nil {
			return "", false, err
		}
		cc := in.Cond
		if in.Op == mir.OpSelectGT {
			cc = mir.CondGT
		}
		if cc.Holds(v[0], v[1]) {
			st.Regs[dest(in)] = v[2]
		} else {
			st.Regs[dest(in)] = v[3]
		}

	case mir.OpBranch, mir.OpBranchGT:
		v, err := st.values(in.Operands[:2])
		if err != nil {
			return "", false, err
		}
		cc := in.Cond
		if in.Op == mir.OpBranchGT {
			cc = mir.CondGT
		}
		if cc.Holds(v[0], v[1]) {
			return label(in.Operands[2]), false, nil
		}
		return label(in.Operands[3]), false, nil

	case mir.OpJump:
		return label(in.Operands[0]), false, nil

	case mir.OpRet:
		if len(in.Operands) == 1 {
			v, err := st.value(in.Operands[0])
			if err != nil {
				return "", false, err
			}
			st.Result = &v
		}
		return "", true, nil

	case mir.OpLoadConst:
		st.Regs[dest(in)] = in.Operands[1].(mir.ImmOp).Value

	case mir.OpReadInput:
		st.Regs[dest(in)] = st.Memory[in.Operands[1].(mir.SymOp).Key]

	case mir.OpWriteOutput:
		v, err := st.value(in.Operands[1])
		if err != nil {
			return "", false, err
		}
		st.Regs[dest(in)] = v
		st.Memory[in.Operands[2].(mir.SymOp).Key] = v

	default:
		v, err := st.values(in.Operands[1:])
		if err != nil {
			return "", false, err
		}
		st.Regs[dest(in)] = arith(in.Op, v)
	}
	return "", false, nil
}

func arith(op mir.Opcode, v []float32) float32 {
	switch op {
	case mir.OpMov:
		return v[0]
	case mir.OpFAbs:
		return float32(math.Abs(float64(v[0])))
	case mir.OpAdd:
		return v[0] + v[1]
	case mir.OpSub:
		return v[0] - v[1]
	case mir.OpMul:
		return v[0] * v[1]
	case mir.OpDiv:
		return v[0] / v[1]
	case mir.OpSqrt:
		return float32(math.Sqrt(float64(v[0])))
	case mir.OpSin:
		return float32(math.Sin(float64(v[0])))
	case mir.OpCos:
		return float32(math.Cos(float64(v[0])))
	}
	return 0
}
