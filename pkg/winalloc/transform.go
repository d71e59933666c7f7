package winalloc

import (
	"github.com/raymyers/pdcpu-cc/pkg/mir"
	"github.com/raymyers/pdcpu-cc/pkg/target"
)

// TransformFunction allocates one function with a fresh allocator
func TransformFunction(fn *mir.Function, layout *target.Layout) (*Result, error) {
	return New(layout).Run(fn)
}

// TransformProgram allocates every function independently. Register
// windows are not shared between functions. Results are keyed by
// function name, so names must be unique.
func TransformProgram(prog *mir.Program, layout *target.Layout) (map[string]*Result, error) {
	if err := prog.Verify(); err != nil {
		return nil, err
	}
	results := make(map[string]*Result, len(prog.Functions))
	for _, fn := range prog.Functions {
		res, err := TransformFunction(fn, layout)
		if err != nil {
			return nil, err
		}
		results[fn.Name] = res
	}
	return results, nil
}
