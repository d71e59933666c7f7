package lower

import (
	"github.com/raymyers/pdcpu-cc/pkg/mir"
	"tlog.app/go/errors"
)

// LowerFAbs expands "d = fabs s" into
//
//	zero = li #0
//	m1   = li #-1
//	neg  = mul m1, s
//	d    = selgt s, zero, s, neg
//
// The constants go through li so the window allocator shares them with
// every other use of 0 and -1.
func LowerFAbs(fn *mir.Function, in mir.Instr) ([]mir.Instr, error) {
	if in.Op != mir.OpFAbs {
		return nil, errors.Wrap(mir.ErrMalformed, "not fabs: %v", in.Op)
	}
	if err := in.Verify(); err != nil {
		return nil, err
	}

	dst, src := in.Operands[0], in.Operands[1]
	zero := fn.NewVReg()
	minus1 := fn.NewVReg()
	neg := fn.NewVReg()

	return []mir.Instr{
		{Op: mir.OpLoadConst, Operands: []mir.Operand{mir.Def(zero), mir.Imm(0)}},
		{Op: mir.OpLoadConst, Operands: []mir.Operand{mir.Def(minus1), mir.Imm(-1)}},
		{Op: mir.OpMul, Operands: []mir.Operand{mir.Def(neg), killed(minus1), live(src)}},
		selgt(dst, live(src), killed(zero), src, killed(neg)),
	}, nil
}
