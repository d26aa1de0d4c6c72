package executor

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/me/cubesched/internal/logging"
	"github.com/me/cubesched/pkg/model"
)

func newInvocation(t *testing.T, argv ...string) *Invocation {
	t.Helper()
	sc, err := NewScratch(t.TempDir(), "run_test", "image-ch0000")
	if err != nil {
		t.Fatal(err)
	}
	return &Invocation{
		RunID:        "run_test",
		UnitID:       "image-ch0000",
		InvocationID: sc.InvocationID,
		Attempt:      1,
		Argv:         argv,
		ScratchDir:   sc.Dir,
	}
}

func TestLocalExecutor_Type(t *testing.T) {
	if got := NewLocalExecutor(logging.Discard()).Type(); got != TypeLocal {
		t.Fatalf("Type() = %q, want %q", got, TypeLocal)
	}
}

func TestLocalExecutor_Success(t *testing.T) {
	e := NewLocalExecutor(logging.Discard())
	inv := newInvocation(t, "sh", "-c", `echo "$TMPDIR"; pwd; echo "$CUBESCHED_UNIT_ID"`)
	res, err := e.Run(context.Background(), inv)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if res.ExitCode != 0 {
		t.Errorf("ExitCode = %d", res.ExitCode)
	}
	lines := strings.Split(strings.TrimSpace(res.Stdout), "\n")
	if len(lines) != 3 {
		t.Fatalf("stdout = %q", res.Stdout)
	}
	if lines[0] != inv.ScratchDir {
		t.Errorf("TMPDIR = %q, want %q", lines[0], inv.ScratchDir)
	}
	wantDir, _ := filepath.EvalSymlinks(inv.ScratchDir)
	gotDir, _ := filepath.EvalSymlinks(lines[1])
	if gotDir != wantDir {
		t.Errorf("working dir = %q, want %q", gotDir, wantDir)
	}
	if lines[2] != "image-ch0000" {
		t.Errorf("CUBESCHED_UNIT_ID = %q", lines[2])
	}
}

func TestLocalExecutor_Outcomes(t *testing.T) {
	tests := []struct {
		name string
		argv []string
		want model.FailureCategory
	}{
		{"non-zero exit", []string{"sh", "-c", "echo diverged >&2; exit 3"}, model.CategoryExecutable},
		{"killed", []string{"sh", "-c", "kill -9 $$"}, model.CategoryTransient},
		{"exit 137", []string{"sh", "-c", "exit 137"}, model.CategoryTransient},
		{"missing binary", []string{"/nonexistent/wsclean", "-version"}, model.CategoryConfiguration},
	}
	e := NewLocalExecutor(logging.Discard())
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := e.Run(context.Background(), newInvocation(t, tt.argv...))
			if err == nil {
				t.Fatal("expected error")
			}
			if got := model.Classify(err); got != tt.want {
				t.Errorf("Classify(%v) = %q, want %q", err, got, tt.want)
			}
		})
	}
}

func TestLocalExecutor_ExecutableErrorDetail(t *testing.T) {
	e := NewLocalExecutor(logging.Discard())
	_, err := e.Run(context.Background(), newInvocation(t, "sh", "-c", "echo diverged >&2; exit 3"))
	var ee *model.ExecutableError
	if !errors.As(err, &ee) {
		t.Fatalf("err = %v, want ExecutableError", err)
	}
	if ee.ExitCode != 3 || ee.Stderr != "diverged" || ee.Command != "sh" {
		t.Errorf("ExecutableError = %+v", ee)
	}
}

func TestLocalExecutor_Timeout(t *testing.T) {
	e := NewLocalExecutor(logging.Discard())
	inv := newInvocation(t, "sh", "-c", "sleep 30 & sleep 30; wait")
	inv.Timeout = 200 * time.Millisecond
	ctx, cancel := context.WithTimeout(context.Background(), inv.Timeout)
	defer cancel()

	start := time.Now()
	_, err := e.Run(ctx, inv)
	if elapsed := time.Since(start); elapsed > 15*time.Second {
		t.Fatalf("Run took %s; process group was not killed", elapsed)
	}
	var te *model.TimeoutError
	if !errors.As(err, &te) || te.Limit != inv.Timeout {
		t.Fatalf("err = %v, want TimeoutError{%s}", err, inv.Timeout)
	}
}

func TestLocalExecutor_Cancel(t *testing.T) {
	e := NewLocalExecutor(logging.Discard())
	ctx, cancel := context.WithCancel(context.Background())
	time.AfterFunc(100*time.Millisecond, cancel)
	_, err := e.Run(ctx, newInvocation(t, "sleep", "30"))
	if model.Classify(err) != model.CategoryCancelled {
		t.Fatalf("err = %v, want cancelled", err)
	}
}

func TestLocalExecutor_EmptyArgv(t *testing.T) {
	_, err := NewLocalExecutor(logging.Discard()).Run(context.Background(), &Invocation{UnitID: "u"})
	if model.Classify(err) != model.CategoryConfiguration {
		t.Errorf("err = %v, want configuration", err)
	}
}

func TestTailBuffer(t *testing.T) {
	b := newTailBuffer(8)
	b.Write([]byte("0123"))
	b.Write([]byte("456789"))
	if got := b.String(); got != "...23456789" {
		t.Errorf("String() = %q", got)
	}
	b = newTailBuffer(4)
	n, _ := b.Write([]byte("abcdefgh"))
	if n != 8 || b.String() != "...efgh" {
		t.Errorf("Write = %d, String() = %q", n, b.String())
	}
}

func TestScratch_UniquePerInvocation(t *testing.T) {
	root := t.TempDir()
	a, err := NewScratch(root, "run_1", "image-ch0001")
	if err != nil {
		t.Fatal(err)
	}
	b, err := NewScratch(root, "run_1", "image-ch0001")
	if err != nil {
		t.Fatal(err)
	}
	if a.Dir == b.Dir || a.InvocationID == b.InvocationID {
		t.Fatalf("two invocations share scratch %s", a.Dir)
	}
	if filepath.Dir(a.Dir) != filepath.Join(root, "run_1", "image-ch0001") {
		t.Errorf("scratch dir %s not namespaced by run and unit", a.Dir)
	}
	if err := os.WriteFile(filepath.Join(a.Dir, "tmp.dat"), []byte("x"), 0o644); err != nil {
		t.Fatal(err)
	}
	if err := a.Remove(); err != nil {
		t.Fatal(err)
	}
	if _, err := os.Stat(a.Dir); !os.IsNotExist(err) {
		t.Errorf("scratch dir still exists: %v", err)
	}
	if _, err := os.Stat(b.Dir); err != nil {
		t.Errorf("sibling scratch dir removed: %v", err)
	}
}
