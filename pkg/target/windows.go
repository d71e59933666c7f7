// Package target describes the PD-CPU register file: the disjoint register
// windows, and the naming convention that tells plain inputs and outputs
// apart from persistent state.
package target

import (
	"sort"
	"strings"

	"github.com/raymyers/pdcpu-cc/pkg/mir"
	"tlog.app/go/errors"
)

// ErrBadLayout reports an inconsistent window layout
var ErrBadLayout = errors.New("bad register layout")

// Class is the semantic category of a register window
type Class int

const (
	ClassGeneral Class = iota
	ClassConstant
	ClassInput
	ClassOutput
	ClassState
)

func (c Class) String() string {
	switch c {
	case ClassGeneral:
		return "general"
	case ClassConstant:
		return "constant"
	case ClassInput:
		return "input"
	case ClassOutput:
		return "output"
	case ClassState:
		return "state"
	}
	return "?"
}

// Window is the half-open physical register range [Base, Base+Size)
type Window struct {
	Base uint32 `yaml:"base"`
	Size uint32 `yaml:"size"`
}

// End returns the first register past the window
func (w Window) End() uint32 {
	return w.Base + w.Size
}

// Contains reports whether r lies inside the window
func (w Window) Contains(r mir.Reg) bool {
	return !r.IsVirtual() && uint32(r) >= w.Base && uint32(r) < w.End()
}

// Reg returns the i-th register of the window
func (w Window) Reg(i int) mir.Reg {
	return mir.Reg(w.Base + uint32(i))
}

// Layout assigns a window to every register class
type Layout struct {
	General  Window `yaml:"general"`
	Constant Window `yaml:"constant"`
	Input    Window `yaml:"input"`
	Output   Window `yaml:"output"`
	State    Window `yaml:"state"`

	// PlainSuffixes lists identifier suffixes of plain (non-state) inputs
	// and outputs. Every other identifier is persistent state.
	PlainSuffixes []string `yaml:"plain_suffixes"`
}

// Default returns the PD-CPU register file
func Default() *Layout {
	return &Layout{
		Constant:      Window{Base: 1, Size: 64},
		General:       Window{Base: 65, Size: 192},
		Input:         Window{Base: 257, Size: 64},
		Output:        Window{Base: 321, Size: 128},
		State:         Window{Base: 450, Size: 61},
		PlainSuffixes: []string{"_U", "_Y"},
	}
}

// Window returns the window of class c
func (l *Layout) Window(c Class) Window {
	switch c {
	case ClassConstant:
		return l.Constant
	case ClassInput:
		return l.Input
	case ClassOutput:
		return l.Output
	case ClassState:
		return l.State
	}
	return l.General
}

// Classes lists the window classes in a fixed order
func Classes() []Class {
	return []Class{ClassGeneral, ClassConstant, ClassInput, ClassOutput, ClassState}
}

// Validate checks that windows are non-empty, start above register 0 and
// never overlap.
func (l *Layout) Validate() error {
	type span struct {
		c Class
		w Window
	}
	spans := make([]span, 0, 5)
	for _, c := range Classes() {
		w := l.Window(c)
		if w.Size == 0 {
			return errors.Wrap(ErrBadLayout, "%v window is empty", c)
		}
		if w.Base == 0 {
			return errors.Wrap(ErrBadLayout, "%v window starts at reserved register f0", c)
		}
		if w.End() < w.Base || w.End() > uint32(mir.VirtualBit) {
			return errors.Wrap(ErrBadLayout, "%v window [%d, %d) out of range", c, w.Base, w.End())
		}
		spans = append(spans, span{c, w})
	}

	sort.Slice(spans, func(i, j int) bool {
		return spans[i].w.Base < spans[j].w.Base
	})
	for i := 1; i < len(spans); i++ {
		prev, cur := spans[i-1], spans[i]
		if cur.w.Base < prev.w.End() {
			return errors.Wrap(ErrBadLayout, "%v window [%d, %d) overlaps %v window [%d, %d)",
				cur.c, cur.w.Base, cur.w.End(), prev.c, prev.w.Base, prev.w.End())
		}
	}
	return nil
}

// WindowOf classifies a physical register
func (l *Layout) WindowOf(r mir.Reg) (Class, bool) {
	for _, c := range Classes() {
		if l.Window(c).Contains(r) {
			return c, true
		}
	}
	return ClassGeneral, false
}

// IsState reports whether a location needs a state register: its
// identifier carries none of the plain suffixes.
func (l *Layout) IsState(k mir.Key) bool {
	for _, s := range l.PlainSuffixes {
		if strings.HasSuffix(k.Name, s) {
			return false
		}
	}
	return true
}
