package main

import (
	"fmt"
	"os"
	"sort"
	"strings"
	"time"

	"PcapSentry/internal/alerter"
	"PcapSentry/internal/engine/manager"
	"PcapSentry/internal/model"

	"github.com/charmbracelet/lipgloss"
	"golang.org/x/term"
)

func useColor(mode string) bool {
	switch strings.ToLower(strings.TrimSpace(mode)) {
	case "always":
		return true
	case "never":
		return false
	default:
		return term.IsTerminal(int(os.Stdout.Fd()))
	}
}

type palette struct {
	color                        bool
	title, label, warn, crit, ok lipgloss.Style
}

func newPalette(color bool) palette {
	return palette{
		color: color,
		title: lipgloss.NewStyle().Bold(true).Underline(true),
		label: lipgloss.NewStyle().Foreground(lipgloss.Color("244")),
		warn:  lipgloss.NewStyle().Foreground(lipgloss.Color("214")),
		crit:  lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("196")),
		ok:    lipgloss.NewStyle().Foreground(lipgloss.Color("42")),
	}
}

func (p palette) paint(style lipgloss.Style, text string) string {
	if !p.color {
		return text
	}
	return style.Render(text)
}

func (p palette) severity(sev int) lipgloss.Style {
	switch {
	case sev >= 10:
		return p.crit
	case sev >= 7:
		return p.warn
	default:
		return p.label
	}
}

var outcomeOrder = []alerter.Outcome{
	alerter.Acknowledged, alerter.Rejected, alerter.Unreachable, alerter.Disabled, alerter.Undelivered,
}

// renderSummary formats the console report of a finished run.
func renderSummary(res *manager.Result, color bool) string {
	p := newPalette(color)
	var b strings.Builder
	row := func(label string, value any) {
		fmt.Fprintf(&b, "  %s %v\n", p.paint(p.label, fmt.Sprintf("%-14s", label)), value)
	}

	fmt.Fprintln(&b, p.paint(p.title, "Analysis complete"))
	row("capture", res.Capture)
	row("format", res.Format)
	row("run dir", res.RunDir)
	row("duration", res.Duration.Round(time.Millisecond))
	row("frames", res.Frames)
	if n := res.TotalDecodeErrors(); n > 0 {
		row("decode errors", p.paint(p.warn, fmt.Sprint(n)))
	} else {
		row("decode errors", 0)
	}
	row("connections", len(res.Connections))
	row("dns", len(res.DNS))

	if len(res.Alerts) == 0 {
		row("alerts", p.paint(p.ok, "none"))
		return b.String()
	}
	row("alerts", len(res.Alerts))

	byType := make(map[model.AlertType]int)
	maxSev := make(map[model.AlertType]int)
	for _, a := range res.Alerts {
		byType[a.Type]++
		maxSev[a.Type] = max(maxSev[a.Type], a.Severity)
	}
	types := make([]model.AlertType, 0, len(byType))
	for t := range byType {
		types = append(types, t)
	}
	sort.Slice(types, func(i, j int) bool { return types[i] < types[j] })
	for _, t := range types {
		line := fmt.Sprintf("%-16s %4d  max severity %d", t, byType[t], maxSev[t])
		fmt.Fprintf(&b, "    %s\n", p.paint(p.severity(maxSev[t]), line))
	}

	var parts []string
	for _, o := range outcomeOrder {
		if n := res.Deliveries[o]; n > 0 {
			parts = append(parts, fmt.Sprintf("%s=%d", o, n))
		}
	}
	if len(parts) > 0 {
		delivery := strings.Join(parts, " ")
		if res.Deliveries[alerter.Undelivered] > 0 {
			delivery = p.paint(p.crit, delivery)
		}
		row("delivery", delivery)
	}
	return b.String()
}
