package report

import (
	"bytes"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/me/cubesched/pkg/model"
)

func sampleReport() *model.RunReport {
	return &model.RunReport{
		RunID:     "run_test",
		State:     model.RunStateIncomplete,
		Expected:  4,
		Succeeded: 3,
		Failed:    1,
		Failures: []model.ChannelFailure{{
			ChannelIndex: 2,
			UnitID:       "image-ch0002",
			Kind:         model.KindImage,
			Category:     model.CategoryExecutable,
			Detail:       "wsclean exited with status 1: diverged\nstack trace",
			Attempts:     1,
		}},
		Missing:  []int{2},
		Duration: 90 * time.Second,
	}
}

func TestWriteText(t *testing.T) {
	var buf bytes.Buffer
	if err := WriteText(&buf, sampleReport()); err != nil {
		t.Fatal(err)
	}
	out := buf.String()
	for _, want := range []string{"run_test", "INCOMPLETE", "4 expected, 3 succeeded, 1 failed", "missing", "image", "executable", "diverged"} {
		if !strings.Contains(out, want) {
			t.Errorf("output missing %q:\n%s", want, out)
		}
	}
	if strings.Contains(out, "stack trace") {
		t.Error("detail should be truncated to its first line")
	}
}

func TestWriteText_Cube(t *testing.T) {
	r := &model.RunReport{
		RunID: "run_ok", State: model.RunStateCompleted, Expected: 2, Succeeded: 2,
		Cube: &model.Cube{Path: "/out/x.image.cube.fits", WeightPath: "/out/x.weight.cube.fits", Planes: 2, Width: 10, Height: 8, Bitpix: -32},
	}
	var buf bytes.Buffer
	WriteText(&buf, r)
	if !strings.Contains(buf.String(), "10 x 8 x 2") || !strings.Contains(buf.String(), "x.weight.cube.fits") {
		t.Errorf("cube not described:\n%s", buf.String())
	}
}

func TestSaveLoad(t *testing.T) {
	path := filepath.Join(t.TempDir(), "sub", "run.report.json")
	if err := Save(path, sampleReport()); err != nil {
		t.Fatal(err)
	}
	got, err := Load(path)
	if err != nil {
		t.Fatal(err)
	}
	if got.RunID != "run_test" || len(got.Failures) != 1 || got.Failures[0].Category != model.CategoryExecutable {
		t.Errorf("Load() = %+v", got)
	}
}

func TestFormatIndices(t *testing.T) {
	tests := []struct {
		in   []int
		want string
	}{
		{nil, ""},
		{[]int{2}, "2"},
		{[]int{0, 1, 2, 3}, "0-3"},
		{[]int{0, 1, 2, 3, 7, 9, 10}, "0-3,7,9-10"},
	}
	for _, tt := range tests {
		if got := FormatIndices(tt.in); got != tt.want {
			t.Errorf("FormatIndices(%v) = %q, want %q", tt.in, got, tt.want)
		}
	}
}
