package main

import (
	"net/netip"
	"strings"
	"testing"
	"time"

	"PcapSentry/internal/alerter"
	"PcapSentry/internal/engine/manager"
	"PcapSentry/internal/model"
)

func TestRenderSummary(t *testing.T) {
	src := netip.MustParseAddr("10.0.0.66")
	res := &manager.Result{
		Capture:      "scan.pcap",
		Format:       "pcap",
		RunDir:       "logs/scan_20240301_120000",
		Frames:       42,
		DecodeErrors: map[string]int{"malformed": 2},
		Connections:  make([]model.Connection, 20),
		Alerts: []model.Alert{
			{Type: model.AlertPortScan, SrcIP: src, Severity: 9},
			{Type: model.AlertBeaconing, SrcIP: src, Severity: 11},
			{Type: model.AlertPortScan, SrcIP: src, Severity: 12},
		},
		Deliveries: map[alerter.Outcome]int{alerter.Disabled: 3},
		Duration:   1500 * time.Millisecond,
	}

	out := renderSummary(res, false)
	for _, want := range []string{
		"Analysis complete",
		"frames         42",
		"decode errors  2",
		"connections    20",
		"PORT_SCAN           2  max severity 12",
		"delivery       disabled=3",
	} {
		if !strings.Contains(out, want) {
			t.Errorf("summary missing %q:\n%s", want, out)
		}
	}
	if strings.Index(out, "BEACONING") > strings.Index(out, "PORT_SCAN") {
		t.Errorf("alert types should be sorted:\n%s", out)
	}
	if strings.Contains(out, "\x1b[") {
		t.Errorf("plain summary contains escape codes:\n%s", out)
	}

	quiet := renderSummary(&manager.Result{Capture: "clean.pcap"}, false)
	if !strings.Contains(quiet, "none") || strings.Contains(quiet, "delivery") {
		t.Errorf("unexpected summary for a clean run:\n%s", quiet)
	}
}

func TestSampleAlert(t *testing.T) {
	a := sampleAlert(time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC))
	if a.Type != model.AlertTest || a.Severity != 8 || a.SrcIP.String() != "192.168.1.100" || a.DstIP.String() != "10.0.0.1" {
		t.Errorf("unexpected sample alert %+v", a)
	}
}
