package main

import (
	"encoding/json"
	"fmt"
	"io"
	"path/filepath"
	"strings"
	"time"

	"github.com/charmbracelet/lipgloss"

	"github.com/loykin/svcmon"
	"github.com/loykin/svcmon/pkg/client"
)

// ANSI palette indices for the colour names severities carry.
var colorNames = map[string]lipgloss.Color{
	"white":  lipgloss.Color("7"),
	"yellow": lipgloss.Color("3"),
	"red":    lipgloss.Color("1"),
	"green":  lipgloss.Color("2"),
	"gray":   lipgloss.Color("8"),
}

// styles renders against one writer, so piping to a file drops colour.
type styles struct {
	header lipgloss.Style
	dim    lipgloss.Style
	r      *lipgloss.Renderer
}

func newStyles(w io.Writer) styles {
	r := lipgloss.NewRenderer(w)
	return styles{
		header: r.NewStyle().Bold(true),
		dim:    r.NewStyle().Foreground(colorNames["gray"]),
		r:      r,
	}
}

func (s styles) severity(name string) lipgloss.Style {
	c := svcmon.ParseSeverity(name).Color()
	return s.r.NewStyle().Foreground(colorNames[c])
}

func (s styles) state(st client.SlotStatus) lipgloss.Style {
	switch {
	case !st.Valid:
		return s.r.NewStyle().Foreground(colorNames["red"])
	case st.Running:
		return s.r.NewStyle().Foreground(colorNames["green"])
	default:
		return s.dim
	}
}

func printJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func shortID(id string) string {
	if len(id) > 8 {
		return id[:8]
	}
	return id
}

// renderSlots prints the slot list as an aligned table.
func renderSlots(w io.Writer, slots []client.SlotStatus) {
	s := newStyles(w)
	if len(slots) == 0 {
		_, _ = fmt.Fprintln(w, s.dim.Render("no slots"))
		return
	}
	rows := [][]string{{"#", "ID", "STATE", "PID", "LOGS", "PROGRAM", "ARGS"}}
	for _, st := range slots {
		pid := "-"
		if st.PID > 0 {
			pid = fmt.Sprint(st.PID)
		}
		rows = append(rows, []string{
			fmt.Sprint(st.Index), shortID(st.ID), stateLabel(st), pid,
			fmt.Sprint(st.LogCount), filepath.Base(st.FileName), st.Args,
		})
	}
	widths := make([]int, len(rows[0]))
	for _, row := range rows {
		for i, cell := range row {
			widths[i] = max(widths[i], len(cell))
		}
	}
	for n, row := range rows {
		cells := make([]string, len(row))
		for i, cell := range row {
			padded := cell + strings.Repeat(" ", widths[i]-len(cell))
			switch {
			case n == 0:
				padded = s.header.Render(padded)
			case i == 2:
				padded = s.state(slots[n-1]).Render(padded)
			}
			cells[i] = padded
		}
		_, _ = fmt.Fprintln(w, strings.TrimRight(strings.Join(cells, "  "), " "))
	}
}

func stateLabel(st client.SlotStatus) string {
	label := st.State
	if label == "" {
		label = "idle"
	}
	if st.ManualControl {
		label += " (manual)"
	}
	return label
}

// renderLog prints entries as "HH:MM:SS.mmm severity text", coloured by
// severity. offset is the log index of the first entry.
func renderLog(w io.Writer, entries []client.LogEntry, offset int) {
	s := newStyles(w)
	for i, e := range entries {
		ts := e.Time.Local().Format("15:04:05.000")
		_, _ = fmt.Fprintf(w, "%s %s %s %s\n",
			s.dim.Render(fmt.Sprintf("%5d", offset+i)),
			s.dim.Render(ts),
			s.severity(e.Severity).Render(fmt.Sprintf("%-6s", e.Severity)),
			s.severity(e.Severity).Render(e.Text))
	}
}

func humanBytes(n uint64) string {
	const unit = 1024
	if n < unit {
		return fmt.Sprintf("%d B", n)
	}
	div, exp := uint64(unit), 0
	for v := n / unit; v >= unit; v /= unit {
		div *= unit
		exp++
	}
	return fmt.Sprintf("%.1f %ciB", float64(n)/float64(div), "KMGTPE"[exp])
}

func renderResources(w io.Writer, res client.Resources) {
	s := newStyles(w)
	if res.Latest == nil {
		_, _ = fmt.Fprintln(w, s.dim.Render("no samples (slot not running or sampling disabled)"))
		return
	}
	u := res.Latest
	_, _ = fmt.Fprintf(w, "%s %d\n", s.header.Render("pid:    "), u.PID)
	_, _ = fmt.Fprintf(w, "%s %.1f%%\n", s.header.Render("cpu:    "), u.CPUPercent)
	_, _ = fmt.Fprintf(w, "%s %s rss, %s vms\n", s.header.Render("memory: "), humanBytes(u.MemoryRSS), humanBytes(u.MemoryVMS))
	_, _ = fmt.Fprintf(w, "%s %d\n", s.header.Render("threads:"), u.NumThreads)
	_, _ = fmt.Fprintf(w, "%s %d samples since %s\n", s.header.Render("history:"),
		len(res.History), firstSample(res).Format("15:04:05"))
}

func firstSample(res client.Resources) time.Time {
	if len(res.History) > 0 {
		return res.History[0].Timestamp
	}
	return res.Latest.Timestamp
}
