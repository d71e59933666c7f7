package main

import (
	"bytes"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"reflect"
	"strings"
	"testing"

	"github.com/raymyers/pdcpu-cc/pkg/lower"
	"github.com/raymyers/pdcpu-cc/pkg/mir"
	"github.com/raymyers/pdcpu-cc/pkg/winalloc"
)

const clampProgram = `
functions:
  - name: clamp
    blocks:
      - label: entry
        instrs:
          - "%1 = in @x_U+0"
          - "%2 = li #1"
          - "%3 = select olt %1, %2, %2, %1"
          - "%4 = out %3, @y_Y+0"
          - "ret"
`

func resetFlags() {
	dMIR = false
	dLower = false
	dWinalloc = false
	dSpew = false
	targetFile = ""
	debugOnly = ""
	showStats = false
	evalRun = false
	setValues = nil
}

func writeFile(t *testing.T, name, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	if err := os.WriteFile(path, []byte(content), 0644); err != nil {
		t.Fatalf("failed to write %s: %v", name, err)
	}
	return path
}

func execute(t *testing.T, args ...string) (string, string, error) {
	t.Helper()
	resetFlags()
	var out, errOut bytes.Buffer
	cmd := newRootCmd(&out, &errOut)
	cmd.SetArgs(args)
	err := cmd.Execute()
	return out.String(), errOut.String(), err
}

func TestVersion(t *testing.T) {
	if version == "" {
		t.Error("version should not be empty")
	}
}

func TestDumpFlagsExist(t *testing.T) {
	cmd := newRootCmd(&bytes.Buffer{}, &bytes.Buffer{})
	for _, name := range append(dumpFlagNames, "target", "debug-only", "stats", "eval", "set") {
		if cmd.Flags().Lookup(name) == nil {
			t.Errorf("expected flag --%s to exist", name)
		}
	}
}

func TestNoArgsPrintsHelp(t *testing.T) {
	out, _, err := execute(t)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !strings.Contains(out, "pdcpu-cc") {
		t.Errorf("expected help output, got %q", out)
	}
}

func TestStages(t *testing.T) {
	file := writeFile(t, "clamp.yaml", clampProgram)

	tests := []struct {
		flag    string
		want    []string
		wantNot []string
	}{
		{"--dmir", []string{"%3 = select olt %1, %2, %2, %1"}, []string{"selgt", "consts:"}},
		{"--dlower", []string{"%3 = selgt %2, %1, %2, %1"}, []string{"select olt", "consts:"}},
		{"--dwinalloc", []string{"consts:", "f257 = in @x_U+0", "f1 = li #1", "%3 = selgt f1, f257, f1, f257", "f321 = out %3, @y_Y+0"}, []string{"%1", "%2 ="}},
	}
	for _, tt := range tests {
		t.Run(tt.flag, func(t *testing.T) {
			out, errOut, err := execute(t, tt.flag, file)
			if err != nil {
				t.Fatalf("unexpected error: %v\nstderr: %s", err, errOut)
			}
			for _, w := range tt.want {
				if !strings.Contains(out, w) {
					t.Errorf("expected output to contain %q, got:\n%s", w, out)
				}
			}
			for _, w := range tt.wantNot {
				if strings.Contains(out, w) {
					t.Errorf("expected output not to contain %q, got:\n%s", w, out)
				}
			}
		})
	}
}

func TestDefaultIsWinalloc(t *testing.T) {
	file := writeFile(t, "clamp.yaml", clampProgram)
	def, _, err := execute(t, file)
	if err != nil {
		t.Fatal(err)
	}
	explicit, _, err := execute(t, "--dwinalloc", file)
	if err != nil {
		t.Fatal(err)
	}
	if def != explicit {
		t.Errorf("default output differs from --dwinalloc:\n%s\nvs\n%s", def, explicit)
	}
}

func TestStats(t *testing.T) {
	file := writeFile(t, "clamp.yaml", clampProgram)
	_, errOut, err := execute(t, "--stats", file)
	if err != nil {
		t.Fatal(err)
	}
	want := "clamp: constants=1 inputs=1 outputs=1 states=0 reused=0 hoisted=2 dropped=0"
	if !strings.Contains(errOut, want) {
		t.Errorf("expected %q, got %q", want, errOut)
	}
}

func TestEval(t *testing.T) {
	file := writeFile(t, "clamp.yaml", clampProgram)
	tests := []struct {
		x    string
		want string
	}{
		{"-3", "y_Y+0 = 1"},
		{"0.5", "y_Y+0 = 1"},
		{"4", "y_Y+0 = 4"},
	}
	for _, tt := range tests {
		out, errOut, err := execute(t, "--eval", "--set", "x_U+0="+tt.x, file)
		if err != nil {
			t.Fatalf("x=%s: %v\nstderr: %s", tt.x, err, errOut)
		}
		if !strings.Contains(out, tt.want) {
			t.Errorf("x=%s: expected %q, got:\n%s", tt.x, tt.want, out)
		}
		if strings.Contains(out, "consts:") {
			t.Errorf("--eval alone should not dump code:\n%s", out)
		}
	}
}

func TestBadSet(t *testing.T) {
	file := writeFile(t, "clamp.yaml", clampProgram)
	for _, s := range []string{"x_U+0", "x_U+0=abc", "=1"} {
		_, _, err := execute(t, "--eval", "--set", s, file)
		if !errors.Is(err, ErrBadSet) {
			t.Errorf("--set %q: err = %v, want ErrBadSet", s, err)
		}
	}
}

func TestSpewDump(t *testing.T) {
	file := writeFile(t, "clamp.yaml", clampProgram)
	out, _, err := execute(t, "--dspew", "--dlower", file)
	if err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(out, "Functions") || !strings.Contains(out, "mir.Opcode") {
		t.Errorf("unexpected spew output:\n%s", out)
	}
}

func TestTargetFlag(t *testing.T) {
	file := writeFile(t, "clamp.yaml", clampProgram)
	layout := writeFile(t, "layout.yaml", "constant: {base: 600, size: 4}\n")

	out, _, err := execute(t, "--target", layout, file)
	if err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(out, "f600 = li #1") {
		t.Errorf("expected constant in f600, got:\n%s", out)
	}

	bad := writeFile(t, "bad.yaml", "constant: {base: 300, size: 4}\n")
	if _, errOut, err := execute(t, "--target", bad, file); err == nil {
		t.Error("expected overlap error")
	} else if !strings.Contains(errOut, "overlaps") {
		t.Errorf("expected overlap diagnostic, got %q", errOut)
	}
}

func TestTargetFromEnv(t *testing.T) {
	layout := writeFile(t, "layout.yaml", "output: {base: 700, size: 2}\n")
	t.Setenv("PDCPU_TARGET", layout)

	file := writeFile(t, "clamp.yaml", clampProgram)
	resetFlags()
	var out, errOut bytes.Buffer
	cmd := newRootCmd(&out, &errOut)
	cmd.SetArgs([]string{file})
	if err := cmd.Execute(); err != nil {
		t.Fatalf("unexpected error: %v\nstderr: %s", err, errOut.String())
	}
	if !strings.Contains(out.String(), "f700 = out") {
		t.Errorf("expected output in f700, got:\n%s", out.String())
	}
}

func TestErrorsAreReported(t *testing.T) {
	tests := []struct {
		name    string
		program string
		want    error
		msg     string
	}{
		{
			"unsupported condition",
			"functions:\n  - name: f\n    blocks:\n      - label: b\n        instrs: [\"%1 = select uo #1, #2, #3, #4\"]\n",
			lower.ErrUnsupportedCond,
			"uo",
		},
		{
			"branch equality",
			"functions:\n  - name: f\n    blocks:\n      - label: b\n        instrs: [\"br eq #1, #2, ^b, ^b\"]\n",
			lower.ErrUnsupportedBranchEquality,
			"eq",
		},
		{
			"malformed",
			"functions:\n  - name: f\n    blocks:\n      - label: b\n        instrs: [\"%1 = in #3\"]\n",
			mir.ErrMalformed,
			"f: b: instr 0",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			file := writeFile(t, "p.yaml", tt.program)
			_, errOut, err := execute(t, file)
			if !errors.Is(err, tt.want) {
				t.Fatalf("err = %v, want %v", err, tt.want)
			}
			if !strings.HasPrefix(errOut, "pdcpu-cc: ") || !strings.Contains(errOut, tt.msg) {
				t.Errorf("unexpected diagnostic %q", errOut)
			}
		})
	}
}

func TestWindowExhaustedIsReported(t *testing.T) {
	var sb strings.Builder
	sb.WriteString("functions:\n  - name: f\n    blocks:\n      - label: b\n        instrs:\n")
	for i := 0; i < 3; i++ {
		fmt.Fprintf(&sb, "          - \"%%%d = li #%d\"\n", i+1, i+1)
	}
	file := writeFile(t, "p.yaml", sb.String())
	layout := writeFile(t, "layout.yaml", "constant: {base: 1, size: 2}\n")

	_, errOut, err := execute(t, "--target", layout, file)
	if !errors.Is(err, winalloc.ErrWindowExhausted) {
		t.Fatalf("err = %v, want ErrWindowExhausted", err)
	}
	if !strings.Contains(errOut, "constant window holds 2 registers") {
		t.Errorf("unexpected diagnostic %q", errOut)
	}
}

func TestMissingFile(t *testing.T) {
	_, errOut, err := execute(t, filepath.Join(t.TempDir(), "missing.yaml"))
	if err == nil {
		t.Fatal("expected error")
	}
	if !strings.Contains(errOut, "pdcpu-cc:") {
		t.Errorf("expected diagnostic, got %q", errOut)
	}
}

func TestParseSets(t *testing.T) {
	got, err := parseSets([]string{"a_U+4=1.5", "state=2", "b-8 = -1"})
	if err != nil {
		t.Fatal(err)
	}
	want := map[mir.Key]float32{
		{Name: "a_U", Offset: 4}: 1.5,
		{Name: "state"}:          2,
		{Name: "b", Offset: -8}:  -1,
	}
	if !reflect.DeepEqual(got, want) {
		t.Errorf("got %v, want %v", got, want)
	}
}

func TestNormalizeFlags(t *testing.T) {
	tests := []struct {
		name     string
		input    []string
		expected []string
	}{
		{"single-dash dlower", []string{"-dlower", "p.yaml"}, []string{"--dlower", "p.yaml"}},
		{"double-dash unchanged", []string{"--dmir", "p.yaml"}, []string{"--dmir", "p.yaml"}},
		{"mixed", []string{"-dwinalloc", "--stats", "-dspew", "p.yaml"}, []string{"--dwinalloc", "--stats", "--dspew", "p.yaml"}},
		{"unrelated single dash", []string{"-h"}, []string{"-h"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := normalizeFlags(tt.input)
			if !reflect.DeepEqual(got, tt.expected) {
				t.Errorf("normalizeFlags(%v) = %v, want %v", tt.input, got, tt.expected)
			}
		})
	}
}
