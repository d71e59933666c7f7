package mir

import (
	"fmt"
	"io"
	"strconv"
	"strings"
)

// Printer outputs MIR in the same text syntax mirfile reads
type Printer struct {
	w io.Writer
}

// NewPrinter creates a new MIR printer
func NewPrinter(w io.Writer) *Printer {
	return &Printer{w: w}
}

// PrintProgram prints every function, separated by blank lines
func (p *Printer) PrintProgram(prog *Program) {
	for i, fn := range prog.Functions {
		p.PrintFunction(fn)
		if i < len(prog.Functions)-1 {
			fmt.Fprintln(p.w)
		}
	}
}

// PrintFunction prints a function with its blocks in layout order
func (p *Printer) PrintFunction(fn *Function) {
	fmt.Fprintf(p.w, "%s() {\n", fn.Name)
	for _, b := range fn.Blocks {
		p.printBlockHeader(b)
		for _, in := range b.Instrs {
			fmt.Fprintf(p.w, "  %s\n", FormatInstr(in))
		}
	}
	fmt.Fprintln(p.w, "}")
}

func (p *Printer) printBlockHeader(b *Block) {
	fmt.Fprintf(p.w, "%s:", b.Label)
	var notes []string
	if b.MustEmit {
		notes = append(notes, "must-emit")
	}
	if len(b.LiveIns) > 0 {
		regs := make([]string, len(b.LiveIns))
		for i, r := range b.LiveIns {
			regs[i] = r.String()
		}
		notes = append(notes, "live-in: "+strings.Join(regs, ", "))
	}
	if len(notes) > 0 {
		fmt.Fprintf(p.w, "  ; %s", strings.Join(notes, "; "))
	}
	fmt.Fprintln(p.w)
}

// FormatInstr renders one instruction, e.g. "%3 = select olt %1, %2, #0, #1"
func FormatInstr(in Instr) string {
	var sb strings.Builder
	ops := in.Operands
	if len(ops) > 0 {
		if r, ok := ops[0].(RegOp); ok && r.Def {
			sb.WriteString(r.Reg.String())
			sb.WriteString(" = ")
			ops = ops[1:]
		}
	}
	sb.WriteString(in.Op.String())
	if in.Cond != CondNone {
		sb.WriteByte(' ')
		sb.WriteString(in.Cond.String())
	}
	for i, o := range ops {
		if i == 0 {
			sb.WriteByte(' ')
		} else {
			sb.WriteString(", ")
		}
		sb.WriteString(FormatOperand(o))
	}
	return sb.String()
}

// FormatOperand renders a single operand
func FormatOperand(o Operand) string {
	switch v := o.(type) {
	case RegOp:
		if v.Kill {
			return v.Reg.String() + "!kill"
		}
		return v.Reg.String()
	case ImmOp:
		return "#" + strconv.FormatFloat(float64(v.Value), 'g', -1, 32)
	case SymOp:
		return "@" + v.Key.String()
	case BlockOp:
		return "^" + string(v.Label)
	}
	return "???"
}
