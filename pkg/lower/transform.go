package lower

import (
	"github.com/raymyers/pdcpu-cc/pkg/mir"
	"tlog.app/go/errors"
	"tlog.app/go/tlog"
)

// TransformFunction rewrites every select, br and fabs pseudo-operation of
// fn in place. Native and ordinary instructions pass through untouched,
// so running it twice is a no-op. On error no block is changed.
func TransformFunction(fn *mir.Function) error {
	var selects, branches, fabs int

	rewritten := make([][]mir.Instr, len(fn.Blocks))
	for bi, b := range fn.Blocks {
		out := make([]mir.Instr, 0, len(b.Instrs))
		for i, in := range b.Instrs {
			switch in.Op {
			case mir.OpSelect:
				seq, err := NormalizeSelect(fn, in)
				if err != nil {
					return errors.Wrap(err, "%s: %s: instr %d", fn.Name, b.Label, i)
				}
				out = append(out, seq...)
				selects++

			case mir.OpBranch:
				br, err := NormalizeBranch(in)
				if err != nil {
					return errors.Wrap(err, "%s: %s: instr %d", fn.Name, b.Label, i)
				}
				out = append(out, br)
				branches++

			case mir.OpFAbs:
				seq, err := LowerFAbs(fn, in)
				if err != nil {
					return errors.Wrap(err, "%s: %s: instr %d", fn.Name, b.Label, i)
				}
				out = append(out, seq...)
				fabs++

			default:
				out = append(out, in)
			}
		}
		rewritten[bi] = out
	}
	for bi, b := range fn.Blocks {
		b.Instrs = rewritten[bi]
	}

	if selects+branches+fabs > 0 {
		tlog.V("lower").Printw("lowered function", "func", fn.Name, "selects", selects, "branches", branches, "fabs", fabs)
	}
	return nil
}

// TransformProgram lowers every function, stopping at the first error
func TransformProgram(prog *mir.Program) error {
	for _, fn := range prog.Functions {
		if err := TransformFunction(fn); err != nil {
			return err
		}
	}
	return nil
}
