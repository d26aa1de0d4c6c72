// Package report renders run reports for operators.
package report

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/charmbracelet/lipgloss"

	"github.com/me/cubesched/pkg/model"
)

var (
	titleStyle     = lipgloss.NewStyle().Bold(true)
	completeStyle  = lipgloss.NewStyle().Foreground(lipgloss.Color("#4CAF50")).Bold(true)
	failedStyle    = lipgloss.NewStyle().Foreground(lipgloss.Color("#FF6B6B")).Bold(true)
	runningStyle   = lipgloss.NewStyle().Foreground(lipgloss.Color("#5B8DEF")).Bold(true)
	cancelledStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("#F7B801")).Bold(true)
	detailStyle    = lipgloss.NewStyle().Foreground(lipgloss.Color("#A0AEC0"))
	labelStyle     = lipgloss.NewStyle().Width(11)
)

func stateStyle(s model.RunState) lipgloss.Style {
	switch s {
	case model.RunStateCompleted:
		return completeStyle
	case model.RunStateIncomplete:
		return failedStyle
	case model.RunStateCancelled:
		return cancelledStyle
	default:
		return runningStyle
	}
}

// WriteText writes a human-readable summary of r.
func WriteText(w io.Writer, r *model.RunReport) error {
	var b strings.Builder
	line := func(label, value string) {
		b.WriteString(labelStyle.Render(label))
		b.WriteString(value)
		b.WriteByte('\n')
	}

	b.WriteString(titleStyle.Render("Run "+r.RunID) + "  " + stateStyle(r.State).Render(string(r.State)) + "\n")
	line("channels", fmt.Sprintf("%d expected, %d succeeded, %d failed, %d cancelled",
		r.Expected, r.Succeeded, r.Failed, r.Cancelled))
	if r.Duration > 0 {
		line("duration", r.Duration.Round(time.Second).String())
	}
	if len(r.Missing) > 0 {
		line("missing", FormatIndices(r.Missing))
	}
	if r.Cube != nil {
		line("cube", r.Cube.Path)
		if r.Cube.WeightPath != "" {
			line("weights", r.Cube.WeightPath)
		}
		line("shape", fmt.Sprintf("%d x %d x %d (BITPIX %d)", r.Cube.Width, r.Cube.Height, r.Cube.Planes, r.Cube.Bitpix))
	}
	if r.Error != "" {
		line("error", failedStyle.Render(r.Error))
	}
	if len(r.Failures) > 0 {
		b.WriteString("\n" + titleStyle.Render("Failures") + "\n")
		for _, f := range r.Failures {
			fmt.Fprintf(&b, "  ch %-5d %-8s %-14s attempts=%d\n", f.ChannelIndex, f.Kind, f.Category, f.Attempts)
			if d := firstLine(f.Detail); d != "" {
				b.WriteString("           " + detailStyle.Render(d) + "\n")
			}
		}
	}
	_, err := io.WriteString(w, b.String())
	return err
}

// WriteJSON writes r as indented JSON.
func WriteJSON(w io.Writer, r *model.RunReport) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(r)
}

// Save writes r as JSON to path, replacing any earlier report.
func Save(path string, r *model.RunReport) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("create report dir: %w", err)
	}
	tmp := path + ".tmp"
	f, err := os.Create(tmp)
	if err != nil {
		return fmt.Errorf("create report: %w", err)
	}
	if err := WriteJSON(f, r); err != nil {
		f.Close()
		os.Remove(tmp)
		return fmt.Errorf("write report: %w", err)
	}
	if err := f.Close(); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("close report: %w", err)
	}
	return os.Rename(tmp, path)
}

// Load reads a report written by Save.
func Load(path string) (*model.RunReport, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read report: %w", err)
	}
	var r model.RunReport
	if err := json.Unmarshal(data, &r); err != nil {
		return nil, fmt.Errorf("parse report %s: %w", path, err)
	}
	return &r, nil
}

// FormatIndices collapses sorted channel indices into ranges: 0-3,7,9-10.
func FormatIndices(idx []int) string {
	var parts []string
	for i := 0; i < len(idx); {
		j := i
		for j+1 < len(idx) && idx[j+1] == idx[j]+1 {
			j++
		}
		if j == i {
			parts = append(parts, strconv.Itoa(idx[i]))
		} else {
			parts = append(parts, strconv.Itoa(idx[i])+"-"+strconv.Itoa(idx[j]))
		}
		i = j + 1
	}
	return strings.Join(parts, ",")
}

func firstLine(s string) string {
	s = strings.TrimSpace(s)
	if i := strings.IndexByte(s, '\n'); i >= 0 {
		return s[:i]
	}
	return s
}
