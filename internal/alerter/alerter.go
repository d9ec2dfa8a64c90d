package alerter

import (
	"fmt"
	"sort"
	"strings"

	"PcapSentry/internal/model"

	"github.com/gomarkdown/markdown"
	"go.uber.org/zap"
)

// RunSummary is what a finished analysis reports by mail.
type RunSummary struct {
	Capture     string
	ScanDir     string
	Frames      int
	Connections int
	DNS         int
	Alerts      []model.Alert
}

// maxListedAlerts bounds the alert table in a summary mail.
const maxListedAlerts = 50

// Markdown renders the summary as a markdown document.
func (s RunSummary) Markdown() string {
	var b strings.Builder
	fmt.Fprintf(&b, "# PCAP analysis: %s\n\n", s.Capture)
	fmt.Fprintf(&b, "- Frames: %d\n- Connections: %d\n- DNS transactions: %d\n- Alerts: %d\n- Results: `%s`\n\n",
		s.Frames, s.Connections, s.DNS, len(s.Alerts), s.ScanDir)

	if len(s.Alerts) == 0 {
		b.WriteString("No alerts were raised.\n")
		return b.String()
	}

	byType := make(map[model.AlertType]int)
	for _, a := range s.Alerts {
		byType[a.Type]++
	}
	types := make([]string, 0, len(byType))
	for t := range byType {
		types = append(types, string(t))
	}
	sort.Strings(types)
	b.WriteString("## Alerts by type\n\n")
	for _, t := range types {
		fmt.Fprintf(&b, "- %s: %d\n", t, byType[model.AlertType(t)])
	}

	listed := append([]model.Alert(nil), s.Alerts...)
	sort.SliceStable(listed, func(i, j int) bool { return listed[i].Severity > listed[j].Severity })
	if len(listed) > maxListedAlerts {
		listed = listed[:maxListedAlerts]
	}
	b.WriteString("\n## Highest severity\n\n| Time | Type | Source | Destination | Severity | Details |\n|---|---|---|---|---|---|\n")
	for _, a := range listed {
		fmt.Fprintf(&b, "| %s | %s | %s | %s | %d | %s |\n",
			a.Timestamp.UTC().Format(TimestampLayout), a.Type,
			model.AddrString(a.SrcIP), model.AddrString(a.DstIP), a.Severity,
			strings.ReplaceAll(a.Details, "|", "\\|"))
	}
	return b.String()
}

// Subject is the mail subject line.
func (s RunSummary) Subject() string {
	return fmt.Sprintf("PCAP Analyzer: %s (%d alerts)", s.Capture, len(s.Alerts))
}

// Notify renders the summary to HTML and sends it. A nil notifier is a no-op.
func Notify(notifier model.Notifier, s RunSummary, logger *zap.Logger) error {
	if notifier == nil {
		return nil
	}
	body := markdown.ToHTML([]byte(s.Markdown()), nil, nil)
	if err := notifier.Send(s.Subject(), string(body)); err != nil {
		return fmt.Errorf("failed to send run summary: %w", err)
	}
	if logger != nil {
		logger.Info("run summary sent", zap.Int("alerts", len(s.Alerts)))
	}
	return nil
}
