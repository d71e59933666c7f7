// Package mirfile reads MIR programs from YAML. Each function is a list of
// blocks, each block a list of instructions in the text syntax the mir
// printer writes:
//
//	functions:
//	  - name: step
//	    blocks:
//	      - label: entry
//	        instrs:
//	          - "%1 = in @rtU_U+0"
//	          - "%2 = select olt %1, #0, #0, %1"
//	          - "%3 = out %2, @rtY_Y+0"
//	          - "ret"
package mirfile

import (
	"io"
	"os"
	"strconv"
	"strings"

	"github.com/raymyers/pdcpu-cc/pkg/mir"
	"gopkg.in/yaml.v3"
	"tlog.app/go/errors"
)

// ErrSyntax reports unparsable instruction text
var ErrSyntax = errors.New("syntax error")

// File is the YAML document layout
type File struct {
	Functions []FunctionSpec `yaml:"functions"`
}

// FunctionSpec describes one function
type FunctionSpec struct {
	Name   string      `yaml:"name"`
	Blocks []BlockSpec `yaml:"blocks"`
}

// BlockSpec describes one basic block
type BlockSpec struct {
	Label   string   `yaml:"label"`
	LiveIns []string `yaml:"live_ins,omitempty"`
	Instrs  []string `yaml:"instrs"`
}

// Decode reads a YAML program from r
func Decode(r io.Reader) (*mir.Program, error) {
	data, err := io.ReadAll(r)
	if err != nil {
		return nil, errors.Wrap(err, "read program")
	}
	return Parse(data)
}

// ReadFile reads a YAML program from disk
func ReadFile(path string) (*mir.Program, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, errors.Wrap(err, "read program")
	}
	prog, err := Parse(data)
	if err != nil {
		return nil, errors.Wrap(err, "%s", path)
	}
	return prog, nil
}

// Parse decodes and verifies a YAML program
func Parse(data []byte) (*mir.Program, error) {
	var f File
	if err := yaml.Unmarshal(data, &f); err != nil {
		return nil, errors.Wrap(err, "decode program")
	}

	prog := &mir.Program{}
	for _, fs := range f.Functions {
		fn, err := BuildFunction(fs)
		if err != nil {
			return nil, err
		}
		prog.Functions = append(prog.Functions, fn)
	}
	if err := prog.Verify(); err != nil {
		return nil, err
	}
	return prog, nil
}

// BuildFunction converts a function description into MIR
func BuildFunction(fs FunctionSpec) (*mir.Function, error) {
	if fs.Name == "" {
		return nil, errors.Wrap(ErrSyntax, "function without name")
	}
	fn := mir.NewFunction(fs.Name)
	for bi, bs := range fs.Blocks {
		if bs.Label == "" {
			return nil, errors.Wrap(ErrSyntax, "%s: block %d without label", fs.Name, bi)
		}
		b := fn.AddBlock(mir.Label(bs.Label))
		for _, s := range bs.LiveIns {
			r, err := parseReg(s)
			if err != nil {
				return nil, errors.Wrap(err, "%s: %s: live-in", fs.Name, bs.Label)
			}
			b.AddLiveIn(r)
		}
		for ii, text := range bs.Instrs {
			in, err := ParseInstr(text)
			if err != nil {
				return nil, errors.Wrap(err, "%s: %s: instr %d", fs.Name, bs.Label, ii)
			}
			b.Instrs = append(b.Instrs, in)
		}
	}
	if err := fn.Verify(); err != nil {
		return nil, err
	}
	return fn, nil
}

// ParseInstr parses one instruction, e.g. "%3 = select olt %1, %2, #0, #1"
func ParseInstr(text string) (mir.Instr, error) {
	var in mir.Instr
	rest := strings.TrimSpace(text)

	var ops []mir.Operand
	if lhs, rhs, ok := strings.Cut(rest, "="); ok {
		r, err := parseReg(strings.TrimSpace(lhs))
		if err != nil {
			return in, errors.Wrap(err, "%q", text)
		}
		ops = append(ops, mir.Def(r))
		rest = strings.TrimSpace(rhs)
	}

	mnemonic, rest, _ := strings.Cut(rest, " ")
	mnemonic, ccName, dotted := strings.Cut(mnemonic, ".")
	op, ok := mir.ParseOpcode(mnemonic)
	if !ok {
		return in, errors.Wrap(ErrSyntax, "%q: unknown opcode %q", text, mnemonic)
	}
	in.Op = op
	rest = strings.TrimSpace(rest)

	if op.HasCond() {
		if !dotted {
			ccName, rest, _ = strings.Cut(rest, " ")
			rest = strings.TrimSpace(rest)
		}
		cc, ok := mir.ParseCondCode(ccName)
		if !ok {
			return in, errors.Wrap(ErrSyntax, "%q: unknown condition code %q", text, ccName)
		}
		in.Cond = cc
	} else if dotted {
		return in, errors.Wrap(ErrSyntax, "%q: %v takes no condition code", text, op)
	}

	if rest != "" {
		for _, field := range strings.Split(rest, ",") {
			o, err := ParseOperand(strings.TrimSpace(field))
			if err != nil {
				return in, errors.Wrap(err, "%q", text)
			}
			ops = append(ops, o)
		}
	}
	in.Operands = ops
	return in, nil
}

// ParseOperand parses a single operand: %N, fN, #float, @name+off, ^label.
// A register may carry a "!kill" suffix.
func ParseOperand(s string) (mir.Operand, error) {
	if s == "" {
		return nil, errors.Wrap(ErrSyntax, "empty operand")
	}
	switch s[0] {
	case '#':
		v, err := strconv.ParseFloat(s[1:], 32)
		if err != nil {
			return nil, errors.Wrap(ErrSyntax, "bad immediate %q", s)
		}
		return mir.Imm(float32(v)), nil
	case '@':
		k, err := parseKey(s[1:])
		if err != nil {
			return nil, err
		}
		return mir.SymOp{Key: k}, nil
	case '^':
		if len(s) == 1 {
			return nil, errors.Wrap(ErrSyntax, "empty block label")
		}
		return mir.To(mir.Label(s[1:])), nil
	}

	name, kill := strings.CutSuffix(s, "!kill")
	r, err := parseReg(name)
	if err != nil {
		return nil, err
	}
	return mir.RegOp{Reg: r, Kill: kill}, nil
}

func parseReg(s string) (mir.Reg, error) {
	if len(s) < 2 {
		return mir.NoReg, errors.Wrap(ErrSyntax, "bad register %q", s)
	}
	n, err := strconv.ParseUint(s[1:], 10, 31)
	if err != nil {
		return mir.NoReg, errors.Wrap(ErrSyntax, "bad register %q", s)
	}
	switch s[0] {
	case '%':
		return mir.VReg(int(n)), nil
	case 'f':
		return mir.Reg(n), nil
	}
	return mir.NoReg, errors.Wrap(ErrSyntax, "bad register %q", s)
}

// parseKey splits name+off. A trailing sign is an offset only when an
// integer follows it; otherwise it is part of the name.
func parseKey(s string) (mir.Key, error) {
	if s == "" {
		return mir.Key{}, errors.Wrap(ErrSyntax, "empty symbol")
	}
	i := strings.LastIndexAny(s, "+-")
	if i <= 0 {
		return mir.Key{Name: s}, nil
	}
	off, err := strconv.ParseInt(s[i:], 10, 64)
	if err != nil {
		return mir.Key{Name: s}, nil
	}
	return mir.Key{Name: s[:i], Offset: off}, nil
}
