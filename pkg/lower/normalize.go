// Package lower rewrites compare-based pseudo-operations into the single
// comparison the PD-CPU implements: "greater than", as a select (selgt)
// or as a conditional branch (brgt).
package lower

import (
	"github.com/raymyers/pdcpu-cc/pkg/mir"
	"tlog.app/go/errors"
	"tlog.app/go/tlog"
)

var (
	// ErrUnsupportedCond reports a condition code with no greater-than form
	ErrUnsupportedCond = errors.New("unsupported condition code")

	// ErrUnsupportedBranchEquality reports an eq/ne branch. No two-step
	// decomposition for branches has been verified against the hardware.
	ErrUnsupportedBranchEquality = errors.New("unsupported equality branch")
)

// rewrite is how one condition code maps onto greater-than
type rewrite int

const (
	keep        rewrite = iota // gt
	swapValues                 // le: a <= b  ->  !(a > b)
	swapBoth                   // ge: a >= b  ->  !(b > a)
	swapOperands               // lt: a < b   ->  b > a
	decompose                  // eq, ne
	unsupported
)

func classify(cc mir.CondCode) rewrite {
	switch cc {
	case mir.CondGT, mir.CondOGT, mir.CondUGT:
		return keep
	case mir.CondLE, mir.CondOLE, mir.CondULE:
		return swapValues
	case mir.CondGE, mir.CondOGE, mir.CondUGE:
		return swapBoth
	case mir.CondLT, mir.CondOLT, mir.CondULT:
		return swapOperands
	case mir.CondEQ, mir.CondOEQ, mir.CondUEQ, mir.CondNE, mir.CondONE, mir.CondUNE:
		return decompose
	}
	return unsupported
}

func isNotEqual(cc mir.CondCode) bool {
	return cc == mir.CondNE || cc == mir.CondONE || cc == mir.CondUNE
}

// NormalizeSelect rewrites "d = select cc lhs, rhs, t, f" into one or two
// selgt instructions. Equality needs a fresh register for the inner
// select, taken from fn.
func NormalizeSelect(fn *mir.Function, in mir.Instr) ([]mir.Instr, error) {
	if in.Op == mir.OpSelectGT {
		return []mir.Instr{in}, nil
	}
	if in.Op != mir.OpSelect {
		return nil, errors.Wrap(mir.ErrMalformed, "not a select: %v", in.Op)
	}
	if err := in.Verify(); err != nil {
		return nil, err
	}

	dst := in.Operands[0]
	lhs, rhs := in.Operands[1], in.Operands[2]
	t, f := in.Operands[3], in.Operands[4]

	switch classify(in.Cond) {
	case keep:
	case swapValues:
		t, f = f, t
	case swapBoth:
		lhs, rhs = rhs, lhs
		t, f = f, t
	case swapOperands:
		lhs, rhs = rhs, lhs
	case decompose:
		if isNotEqual(in.Cond) {
			t, f = f, t
		}
		// t survives both selects only when neither side is above the other
		inner := fn.NewVReg()
		tlog.V("lower").Printw("decompose equality select", "cc", in.Cond, "inner", inner)
		return []mir.Instr{
			selgt(mir.Def(inner), live(rhs), live(lhs), live(f), t),
			selgt(dst, lhs, rhs, f, killed(inner)),
		}, nil
	default:
		return nil, errors.Wrap(ErrUnsupportedCond, "select %v", in.Cond)
	}

	return []mir.Instr{selgt(dst, lhs, rhs, t, f)}, nil
}

// NormalizeBranch rewrites "br cc lhs, rhs, ^ifso, ^ifnot" into brgt by
// swapping operands and/or edges.
func NormalizeBranch(in mir.Instr) (mir.Instr, error) {
	if in.Op == mir.OpBranchGT {
		return in, nil
	}
	if in.Op != mir.OpBranch {
		return mir.Instr{}, errors.Wrap(mir.ErrMalformed, "not a branch: %v", in.Op)
	}
	if err := in.Verify(); err != nil {
		return mir.Instr{}, err
	}

	lhs, rhs := in.Operands[0], in.Operands[1]
	ifso, ifnot := in.Operands[2], in.Operands[3]

	switch classify(in.Cond) {
	case keep:
	case swapValues:
		ifso, ifnot = ifnot, ifso
	case swapBoth:
		lhs, rhs = rhs, lhs
		ifso, ifnot = ifnot, ifso
	case swapOperands:
		lhs, rhs = rhs, lhs
	case decompose:
		return mir.Instr{}, errors.Wrap(ErrUnsupportedBranchEquality, "branch %v", in.Cond)
	default:
		return mir.Instr{}, errors.Wrap(ErrUnsupportedCond, "branch %v", in.Cond)
	}

	return mir.Instr{
		Op:       mir.OpBranchGT,
		Operands: []mir.Operand{lhs, rhs, ifso, ifnot},
	}, nil
}

func selgt(dst, lhs, rhs, t, f mir.Operand) mir.Instr {
	return mir.Instr{
		Op:       mir.OpSelectGT,
		Operands: []mir.Operand{dst, lhs, rhs, t, f},
	}
}

// live drops a last-use marker from operands that are read again later
func live(o mir.Operand) mir.Operand {
	if r, ok := o.(mir.RegOp); ok {
		r.Kill = false
		return r
	}
	return o
}

func killed(r mir.Reg) mir.RegOp {
	return mir.RegOp{Reg: r, Kill: true}
}
