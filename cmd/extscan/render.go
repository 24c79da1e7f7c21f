package main

import (
	"fmt"
	"io"
	"sort"

	"github.com/fatih/color"

	"github.com/extension-analysis/extension-analysis-go/internal/classifier"
	"github.com/extension-analysis/extension-analysis-go/internal/engine"
)

// renderer 终端文本输出
type renderer struct {
	w       io.Writer
	title   *color.Color
	faint   *color.Color
	warn    *color.Color
	byLevel map[classifier.Level]*color.Color
}

func newRenderer(w io.Writer, disableColor bool) *renderer {
	r := &renderer{
		w:     w,
		title: color.New(color.FgCyan, color.Bold),
		faint: color.New(color.Faint),
		warn:  color.New(color.FgYellow),
		byLevel: map[classifier.Level]*color.Color{
			classifier.LevelSafe:     color.New(color.FgGreen, color.Bold),
			classifier.LevelLow:      color.New(color.FgGreen),
			classifier.LevelMedium:   color.New(color.FgYellow, color.Bold),
			classifier.LevelHigh:     color.New(color.FgRed, color.Bold),
			classifier.LevelCritical: color.New(color.FgHiWhite, color.BgRed, color.Bold),
		},
	}
	if disableColor {
		for _, c := range append([]*color.Color{r.title, r.faint, r.warn}, r.levelColors()...) {
			c.DisableColor()
		}
	}
	return r
}

func (r *renderer) levelColors() []*color.Color {
	out := make([]*color.Color, 0, len(r.byLevel))
	for _, c := range r.byLevel {
		out = append(out, c)
	}
	return out
}

func (r *renderer) levelColor(l classifier.Level) *color.Color {
	if c, ok := r.byLevel[l]; ok {
		return c
	}
	return r.faint
}

// Report 输出单个报告
func (r *renderer) Report(report *engine.Report) {
	cls := report.Classification

	_, _ = r.title.Fprintf(r.w, "══ %s ", report.ArtifactID)
	_, _ = r.levelColor(cls.Level).Fprintf(r.w, " %s ", cls.Level)
	fmt.Fprintf(r.w, " score %d/100", cls.OverallScore)
	if report.Cached {
		_, _ = r.faint.Fprint(r.w, " (cached)")
	}
	fmt.Fprintln(r.w)

	if cls.Summary != "" {
		fmt.Fprintf(r.w, "  %s\n", cls.Summary)
	}

	if len(cls.ComponentScores) > 0 {
		names := make([]string, 0, len(cls.ComponentScores))
		for name := range cls.ComponentScores {
			names = append(names, name)
		}
		sort.Strings(names)
		_, _ = r.faint.Fprint(r.w, "  components:")
		for _, name := range names {
			_, _ = r.faint.Fprintf(r.w, " %s=%d", name, cls.ComponentScores[name])
		}
		fmt.Fprintln(r.w)
	}

	if len(cls.Categories) > 0 {
		fmt.Fprintln(r.w, "  Threat categories:")
		for _, c := range cls.Categories {
			fmt.Fprintf(r.w, "    - %-26s %-8s evidence %d\n", c.Name, c.Severity, c.Evidence)
		}
	}

	if report.Heuristic != nil && len(report.Heuristic.DetectedHeuristics) > 0 {
		fmt.Fprintf(r.w, "  Heuristics (score %d):\n", report.Heuristic.HeuristicScore)
		for _, d := range report.Heuristic.DetectedHeuristics {
			fmt.Fprintf(r.w, "    - %-32s +%d\n", d.Name, d.Score)
		}
	}

	if len(cls.Recommendations) > 0 {
		fmt.Fprintln(r.w, "  Recommendations:")
		for _, rec := range cls.Recommendations {
			fmt.Fprintf(r.w, "    [%s] %s\n", rec.Priority, rec.Text)
		}
	}

	for _, e := range report.Errors {
		_, _ = r.warn.Fprintf(r.w, "  ! %s\n", e)
	}
	fmt.Fprintln(r.w)
}
