package main

import (
	"fmt"
	"io"
	"os"
	"sort"
	"strconv"
	"strings"

	"github.com/davecgh/go-spew/spew"
	"github.com/raymyers/pdcpu-cc/pkg/interp"
	"github.com/raymyers/pdcpu-cc/pkg/lower"
	"github.com/raymyers/pdcpu-cc/pkg/mir"
	"github.com/raymyers/pdcpu-cc/pkg/mirfile"
	"github.com/raymyers/pdcpu-cc/pkg/target"
	"github.com/raymyers/pdcpu-cc/pkg/winalloc"
	"github.com/spf13/cobra"
	"github.com/xyproto/env/v2"
	"tlog.app/go/errors"
	"tlog.app/go/tlog"
)

var version = "0.1.0"

// EnvDebug names the environment variable with default debug topics
const EnvDebug = "PDCPU_DEBUG"

// Dump flags, one per stage
var (
	dMIR      bool
	dLower    bool
	dWinalloc bool
	dSpew     bool
)

// Driver options
var (
	targetFile string
	debugOnly  string
	showStats  bool
	evalRun    bool
	setValues  []string
)

// ErrBadSet reports a malformed --set argument
var ErrBadSet = errors.New("bad --set value")

func main() {
	os.Exit(run())
}

func run() int {
	rootCmd := newRootCmd(os.Stdout, os.Stderr)
	rootCmd.SetArgs(normalizeFlags(os.Args[1:]))
	if err := rootCmd.Execute(); err != nil {
		return 1
	}
	return 0
}

// dumpFlagNames lists the dump flags that also accept a single dash
var dumpFlagNames = []string{"dmir", "dlower", "dwinalloc", "dspew"}

// normalizeFlags converts single-dash dump flags like -dlower to --dlower
func normalizeFlags(args []string) []string {
	result := make([]string, len(args))
	for i, arg := range args {
		for _, name := range dumpFlagNames {
			if arg == "-"+name {
				result[i] = "--" + name
				break
			}
		}
		if result[i] == "" {
			result[i] = arg
		}
	}
	return result
}

func newRootCmd(out, errOut io.Writer) *cobra.Command {
	rootCmd := &cobra.Command{
		Use:   "pdcpu-cc [file]",
		Short: "pdcpu-cc runs the PD-CPU machine passes over a MIR program",
		Long: `pdcpu-cc reads a selected MIR program (YAML), rewrites every
comparison to the PD-CPU greater-than primitive and assigns the
constant, input, output and state register windows.`,
		Version:       version,
		Args:          cobra.MaximumNArgs(1),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			if len(args) == 0 {
				cmd.Help()
				return nil
			}
			tlog.SetVerbosity(debugOnly)
			return compile(args[0], out, errOut)
		},
	}
	rootCmd.SetOut(out)
	rootCmd.SetErr(errOut)

	rootCmd.Flags().BoolVarP(&dMIR, "dmir", "", false, "Dump the input MIR")
	rootCmd.Flags().BoolVarP(&dLower, "dlower", "", false, "Dump after condition lowering")
	rootCmd.Flags().BoolVarP(&dWinalloc, "dwinalloc", "", false, "Dump after window allocation (default)")
	rootCmd.Flags().BoolVarP(&dSpew, "dspew", "", false, "Dump raw structures instead of MIR text")

	rootCmd.Flags().StringVar(&targetFile, "target", "", "Register layout YAML file (default $"+target.EnvTarget+")")
	rootCmd.Flags().StringVar(&debugOnly, "debug-only", env.Str(EnvDebug), "Debug log topics (lower,winalloc)")
	rootCmd.Flags().BoolVar(&showStats, "stats", false, "Print allocation statistics")
	rootCmd.Flags().BoolVar(&evalRun, "eval", false, "Run the result and print memory")
	rootCmd.Flags().StringArrayVar(&setValues, "set", nil, "Initial memory for --eval (name+off=value)")

	return rootCmd
}

// compile runs the pipeline up to the requested dump
func compile(filename string, out, errOut io.Writer) error {
	prog, err := readProgram(filename)
	if err != nil {
		fmt.Fprintf(errOut, "pdcpu-cc: %v\n", err)
		return err
	}

	layout, err := loadLayout()
	if err != nil {
		fmt.Fprintf(errOut, "pdcpu-cc: %v\n", err)
		return err
	}

	if dMIR {
		return dump(out, prog)
	}

	if err := lower.TransformProgram(prog); err != nil {
		fmt.Fprintf(errOut, "pdcpu-cc: %s: %v\n", filename, err)
		return err
	}
	if dLower {
		return dump(out, prog)
	}

	results, err := winalloc.TransformProgram(prog, layout)
	if err != nil {
		fmt.Fprintf(errOut, "pdcpu-cc: %s: %v\n", filename, err)
		return err
	}
	if showStats {
		printStats(errOut, prog, results)
	}

	if !evalRun || dWinalloc {
		if err := dump(out, prog); err != nil {
			return err
		}
	}
	if evalRun {
		return evaluate(out, errOut, prog)
	}
	return nil
}

func readProgram(filename string) (*mir.Program, error) {
	if filename == "-" {
		return mirfile.Decode(os.Stdin)
	}
	return mirfile.ReadFile(filename)
}

func loadLayout() (*target.Layout, error) {
	if targetFile == "" {
		return target.FromEnv()
	}
	return target.LoadLayout(targetFile)
}

func dump(out io.Writer, prog *mir.Program) error {
	if dSpew {
		cfg := spew.ConfigState{Indent: "  ", DisablePointerAddresses: true, SortKeys: true}
		cfg.Fdump(out, prog)
		return nil
	}
	mir.NewPrinter(out).PrintProgram(prog)
	return nil
}

func printStats(w io.Writer, prog *mir.Program, results map[string]*winalloc.Result) {
	for _, fn := range prog.Functions {
		s := results[fn.Name].Stats
		fmt.Fprintf(w, "%s: constants=%d inputs=%d outputs=%d states=%d reused=%d hoisted=%d dropped=%d\n",
			fn.Name, s.Constants, s.Inputs, s.Outputs, s.States, s.Reused, s.Hoisted, s.Dropped)
	}
}

// evaluate runs every function against the --set memory and prints the
// memory each one leaves behind
func evaluate(out, errOut io.Writer, prog *mir.Program) error {
	memory, err := parseSets(setValues)
	if err != nil {
		fmt.Fprintf(errOut, "pdcpu-cc: %v\n", err)
		return err
	}

	for _, fn := range prog.Functions {
		st, err := interp.Run(fn, memory)
		if err != nil {
			fmt.Fprintf(errOut, "pdcpu-cc: %v\n", err)
			return err
		}

		keys := make([]mir.Key, 0, len(st.Memory))
		for k := range st.Memory {
			keys = append(keys, k)
		}
		sort.Slice(keys, func(i, j int) bool {
			if keys[i].Name != keys[j].Name {
				return keys[i].Name < keys[j].Name
			}
			return keys[i].Offset < keys[j].Offset
		})

		fmt.Fprintf(out, "%s:\n", fn.Name)
		for _, k := range keys {
			fmt.Fprintf(out, "  %v = %s\n", k, strconv.FormatFloat(float64(st.Memory[k]), 'g', -1, 32))
		}
		if st.Result != nil {
			fmt.Fprintf(out, "  ret = %s\n", strconv.FormatFloat(float64(*st.Result), 'g', -1, 32))
		}
	}
	return nil
}

// parseSets parses name+off=value pairs; the offset is optional
func parseSets(sets []string) (map[mir.Key]float32, error) {
	memory := make(map[mir.Key]float32, len(sets))
	for _, s := range sets {
		loc, val, ok := strings.Cut(s, "=")
		if !ok {
			return nil, errors.Wrap(ErrBadSet, "%q", s)
		}
		op, err := mirfile.ParseOperand("@" + strings.TrimSpace(loc))
		if err != nil {
			return nil, errors.Wrap(ErrBadSet, "%q: %v", s, err)
		}
		v, err := strconv.ParseFloat(strings.TrimSpace(val), 32)
		if err != nil {
			return nil, errors.Wrap(ErrBadSet, "%q: %v", s, err)
		}
		memory[op.(mir.SymOp).Key] = float32(v)
	}
	return memory, nil
}
