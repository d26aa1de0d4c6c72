package logging

import (
	"bytes"
	"log/slog"
	"strings"
	"testing"

	"github.com/me/cubesched/pkg/model"
)

func TestNewWithWriter_Formats(t *testing.T) {
	tests := []struct {
		format string
		want   []string
	}{
		{"text", []string{"msg=dispatched", "worker=node-0"}},
		{"json", []string{`"msg":"dispatched"`, `"worker":"node-0"`}},
		{"JSON", []string{`"msg":"dispatched"`}},
	}
	for _, tt := range tests {
		t.Run(tt.format, func(t *testing.T) {
			var buf bytes.Buffer
			NewWithWriter(slog.LevelInfo, tt.format, &buf).Info("dispatched", "worker", "node-0")
			for _, w := range tt.want {
				if !strings.Contains(buf.String(), w) {
					t.Errorf("output %q missing %q", buf.String(), w)
				}
			}
		})
	}
}

func TestNewWithWriter_LevelFiltering(t *testing.T) {
	var buf bytes.Buffer
	logger := NewWithWriter(slog.LevelWarn, "text", &buf)
	logger.Info("hidden")
	logger.Warn("shown")
	if strings.Contains(buf.String(), "hidden") {
		t.Errorf("info message leaked at warn level: %s", buf.String())
	}
	if !strings.Contains(buf.String(), "shown") {
		t.Errorf("warn message missing: %s", buf.String())
	}
}

func TestComponentAndUnit(t *testing.T) {
	var buf bytes.Buffer
	logger := Component(NewWithWriter(slog.LevelInfo, "text", &buf), "scheduler")
	u, err := model.NewWorkUnit(model.WorkUnitSpec{
		ID: "image-ch0002", Kind: model.KindImage, ChannelIndex: 2,
		CommandTemplate: []string{"wsclean"}, OutputPath: "/out/ch2.fits",
	})
	if err != nil {
		t.Fatal(err)
	}
	Unit(logger, u).Info("attempt")
	out := buf.String()
	for _, w := range []string{"component=scheduler", "unit_id=image-ch0002", "kind=image", "channel=2"} {
		if !strings.Contains(out, w) {
			t.Errorf("output %q missing %q", out, w)
		}
	}
}

func TestParseLevel(t *testing.T) {
	tests := []struct {
		input string
		want  slog.Level
	}{
		{"debug", slog.LevelDebug},
		{" DEBUG ", slog.LevelDebug},
		{"info", slog.LevelInfo},
		{"warning", slog.LevelWarn},
		{"error", slog.LevelError},
		{"verbose", slog.LevelInfo},
		{"", slog.LevelInfo},
	}
	for _, tt := range tests {
		if got := ParseLevel(tt.input); got != tt.want {
			t.Errorf("ParseLevel(%q) = %v, want %v", tt.input, got, tt.want)
		}
	}
}
