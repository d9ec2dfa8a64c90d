package writer

import (
	"encoding/csv"
	"encoding/json"
	"net/netip"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"PcapSentry/internal/alerter"
	"PcapSentry/internal/config"
	"PcapSentry/internal/factory"
	"PcapSentry/internal/model"

	"github.com/google/go-cmp/cmp"
)

var (
	t0     = time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)
	client = netip.MustParseAddrPort("10.0.0.5:40000")
	server = netip.MustParseAddrPort("93.184.216.34:80")
	dnsSrv = netip.MustParseAddrPort("10.0.0.1:53")
)

func sampleRecords() ([]model.Connection, []model.DNSTransaction, []model.Alert) {
	conns := []model.Connection{{
		Orig: client, Resp: server, Protocol: model.ProtoTCP,
		Start: t0, End: t0.Add(1500 * time.Millisecond),
		OrigBytes: 120, RespBytes: 3400, OrigPkts: 5, RespPkts: 4,
		State: model.StateClosed,
	}}
	dns := []model.DNSTransaction{
		{ID: 7, Client: client, Resolver: dnsSrv, Query: "example.com", QType: "A", Timestamp: t0,
			Answered: true, RCode: "NOERROR", Answers: []string{"93.184.216.34", "93.184.216.35"}, Latency: 20 * time.Millisecond},
		{ID: 8, Client: client, Resolver: dnsSrv, Query: "lost.example", QType: "AAAA", Timestamp: t0.Add(time.Second)},
	}
	alerts := []model.Alert{
		{Timestamp: t0, Type: model.AlertBlocklist, SrcIP: client.Addr(), DstIP: server.Addr(), Severity: 12, Details: "listed, with a comma"},
		{Timestamp: t0.Add(time.Second), Type: model.AlertPortScan, SrcIP: client.Addr(), Severity: 8, Details: "scan"},
	}
	return conns, dns, alerts
}

func readCSV(t *testing.T, path string) [][]string {
	t.Helper()
	f, err := os.Open(path)
	if err != nil {
		t.Fatalf("open %s: %v", path, err)
	}
	defer f.Close()
	rows, err := csv.NewReader(f).ReadAll()
	if err != nil {
		t.Fatalf("parse %s: %v", path, err)
	}
	return rows
}

func TestCSVWriter(t *testing.T) {
	dir := t.TempDir()
	conns, dns, alerts := sampleRecords()
	if err := NewCSVWriter(dir, nil).Write(conns, dns, alerts); err != nil {
		t.Fatalf("Write: %v", err)
	}

	connRows := readCSV(t, filepath.Join(dir, ConnLogFile))
	want := []string{"2024-03-01T12:00:00.000000Z", "2024-03-01T12:00:01.500000Z", "1.500000", "tcp",
		"10.0.0.5", "40000", "93.184.216.34", "80", "120", "3400", "5", "4", "closed"}
	if diff := cmp.Diff([][]string{connHeader, want}, connRows); diff != "" {
		t.Errorf("conn_log mismatch (-want +got):\n%s", diff)
	}

	dnsRows := readCSV(t, filepath.Join(dir, DNSLogFile))
	if len(dnsRows) != 3 {
		t.Fatalf("expected header and 2 rows, got %d", len(dnsRows))
	}
	if got := dnsRows[1][8:]; !cmp.Equal(got, []string{"NOERROR", "93.184.216.34;93.184.216.35", "20.000"}) {
		t.Errorf("unexpected answered row %v", dnsRows[1])
	}
	if got := dnsRows[2][8:]; !cmp.Equal(got, []string{"-", "-", "-"}) {
		t.Errorf("unanswered row should carry '-', got %v", dnsRows[2])
	}

	alertRows := readCSV(t, filepath.Join(dir, AlertsCSVFile))
	if len(alertRows) != 3 || alertRows[1][5] != "listed, with a comma" || alertRows[2][3] != "-" {
		t.Errorf("unexpected alerts.csv %v", alertRows)
	}
}

func TestCSVWriter_EmptyRun(t *testing.T) {
	dir := t.TempDir()
	if err := NewCSVWriter(dir, nil).Write(nil, nil, nil); err != nil {
		t.Fatalf("Write: %v", err)
	}
	for _, name := range []string{ConnLogFile, DNSLogFile, AlertsCSVFile} {
		if rows := readCSV(t, filepath.Join(dir, name)); len(rows) != 1 {
			t.Errorf("%s: expected only the header, got %d rows", name, len(rows))
		}
	}
}

func TestJSONWriter(t *testing.T) {
	dir := t.TempDir()
	_, _, alerts := sampleRecords()
	cfg := config.Defaults().Sink
	if err := NewJSONWriter(dir, cfg).Write(nil, nil, alerts); err != nil {
		t.Fatalf("Write: %v", err)
	}
	data, err := os.ReadFile(filepath.Join(dir, AlertsJSONFile))
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	var envs []alerter.Envelope
	if err := json.Unmarshal(data, &envs); err != nil {
		t.Fatalf("alerts.json is not an envelope array: %v", err)
	}
	want := []alerter.Envelope{alerter.NewEnvelope(alerts[0], cfg), alerter.NewEnvelope(alerts[1], cfg)}
	if diff := cmp.Diff(want, envs); diff != "" {
		t.Errorf("envelope mismatch (-want +got):\n%s", diff)
	}

	if err := NewJSONWriter(dir, cfg).Write(nil, nil, nil); err != nil {
		t.Fatalf("Write: %v", err)
	}
	data, _ = os.ReadFile(filepath.Join(dir, AlertsJSONFile))
	if strings.TrimSpace(string(data)) != "[]" {
		t.Errorf("an empty run should write an empty array, got %s", data)
	}
}

func TestScanInfoAndMetadata(t *testing.T) {
	dir := t.TempDir()
	_, _, alerts := sampleRecords()
	alerts = append(alerts, alerts[1])
	err := WriteScanInfo(dir, ScanInfo{
		Capture: "capture.pcap", AnalyzedAt: t0, Frames: 10, DecodeErrors: 1,
		Connections: 3, DNSQueries: 2, Alerts: alerts,
	})
	if err != nil {
		t.Fatalf("WriteScanInfo: %v", err)
	}
	data, _ := os.ReadFile(filepath.Join(dir, ScanInfoFile))
	for _, want := range []string{"Total connections: 3\n", "Total DNS queries: 2\n", "Detected threats: 3\n",
		"- BLOCKLIST_MATCH: 1\n- PORT_SCAN: 2\n"} {
		if !strings.Contains(string(data), want) {
			t.Errorf("scan_info.txt missing %q:\n%s", want, data)
		}
	}

	if _, err := ReadMetadata(dir); err == nil {
		t.Fatal("expected an error before the marker exists")
	}
	meta := ScanMetadata{ScanID: "capture_20240301_120000", Filename: "capture.pcap", Connections: 3, Status: StatusCompleted}
	if err := WriteMetadata(dir, meta); err != nil {
		t.Fatalf("WriteMetadata: %v", err)
	}
	got, err := ReadMetadata(dir)
	if err != nil {
		t.Fatalf("ReadMetadata: %v", err)
	}
	if diff := cmp.Diff(meta, got); diff != "" {
		t.Errorf("metadata mismatch (-want +got):\n%s", diff)
	}
	entries, _ := os.ReadDir(dir)
	for _, e := range entries {
		if strings.HasPrefix(e.Name(), ".scan_metadata") {
			t.Errorf("temporary file left behind: %s", e.Name())
		}
	}
}

func TestRunDirName(t *testing.T) {
	started := time.Date(2024, 3, 1, 9, 5, 7, 0, time.Local)
	if got := RunDirName("/data/captures/office.pcapng", started); got != "office_20240301_090507" {
		t.Errorf("unexpected run dir %q", got)
	}
	if got := ScanID("/logs/office_20240301_090507/"); got != "office_20240301_090507" {
		t.Errorf("unexpected scan id %q", got)
	}
}

func TestClickHouseValues(t *testing.T) {
	conns, dns, alerts := sampleRecords()
	if v := connValues("s1", conns[0]); len(v) != 13 || v[4] != "10.0.0.5" || v[12] != "closed" {
		t.Errorf("unexpected connection values %v", v)
	}

	answered := dnsValues("s1", dns[0])
	if rcode := answered[10].(*string); rcode == nil || *rcode != "NOERROR" {
		t.Errorf("answered query should carry its rcode, got %v", answered[10])
	}
	if l := answered[12].(*int64); l == nil || *l != 20000 {
		t.Errorf("unexpected latency %v", answered[12])
	}
	unanswered := dnsValues("s1", dns[1])
	if unanswered[10].(*string) != nil || unanswered[12].(*int64) != nil {
		t.Errorf("unanswered query should have null response columns: %v", unanswered)
	}
	if a, ok := unanswered[11].([]string); !ok || a == nil {
		t.Errorf("answers must be a non-nil array, got %#v", unanswered[11])
	}

	if dst := alertValues("s1", alerts[1])[4].(*string); dst != nil {
		t.Errorf("alert without destination should be null, got %q", *dst)
	}
}

func TestFactoryCreatesRegisteredWriters(t *testing.T) {
	cfg := config.Defaults()
	writers, err := factory.Create(&cfg, t.TempDir(), nil)
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	var names []string
	for _, w := range writers {
		names = append(names, w.Name())
	}
	if diff := cmp.Diff([]string{"csv", "json"}, names); diff != "" {
		t.Errorf("unexpected writers (-want +got):\n%s", diff)
	}
}
