package manager

import (
	"context"
	"encoding/csv"
	"errors"
	"net/netip"
	"os"
	"path/filepath"
	"testing"
	"time"

	"PcapSentry/internal/alerter"
	"PcapSentry/internal/config"
	"PcapSentry/internal/model"
	"PcapSentry/internal/pcapgen"
	"PcapSentry/internal/writer"
	"PcapSentry/pkg/pcap"

	"github.com/miekg/dns"
)

var (
	t0       = time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)
	runClock = func() time.Time { return time.Date(2024, 3, 2, 8, 30, 0, 0, time.Local) }
	client   = netip.MustParseAddrPort("10.0.0.5:51000")
	server   = netip.MustParseAddrPort("93.184.216.34:443")
	dnsPort  = netip.MustParseAddrPort("10.0.0.5:40000")
	resolver = netip.MustParseAddrPort("10.0.0.1:53")
)

// testConfig keeps every artifact of a test inside dir.
func testConfig(dir string) *config.Config {
	cfg := config.Defaults()
	cfg.Logging.Console = false
	cfg.Output.Dir = filepath.Join(dir, "logs")
	cfg.Sink.FallbackFile = filepath.Join(dir, "logs", "alerts.json")
	return &cfg
}

func writeCapture(t *testing.T, c *pcapgen.Capture, name string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	if err := c.WriteFile(path); err != nil {
		t.Fatalf("write capture: %v", err)
	}
	return path
}

func run(t *testing.T, cfg *config.Config, opts Options) *Result {
	t.Helper()
	m, err := NewManager(cfg)
	if err != nil {
		t.Fatalf("NewManager: %v", err)
	}
	if opts.Now == nil {
		opts.Now = runClock
	}
	res, err := m.Run(context.Background(), opts)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	return res
}

func readRows(t *testing.T, path string) [][]string {
	t.Helper()
	f, err := os.Open(path)
	if err != nil {
		t.Fatalf("open %s: %v", path, err)
	}
	defer f.Close()
	rows, err := csv.NewReader(f).ReadAll()
	if err != nil {
		t.Fatalf("read %s: %v", path, err)
	}
	return rows
}

func TestRun_HandshakeAndDNS(t *testing.T) {
	c := pcapgen.New(t0).
		DNSQuery(dnsPort, resolver, 0x1234, "example.com").
		Advance(15*time.Millisecond).
		DNSResponse(dnsPort, resolver, 0x1234, "example.com", dns.RcodeSuccess, server.Addr()).
		Advance(5*time.Millisecond).
		Handshake(client, server, []byte("GET / HTTP/1.1\r\n\r\n"), []byte("HTTP/1.1 200 OK\r\n\r\n"), 10*time.Millisecond)
	capture := writeCapture(t, c, "web.pcap")

	dir := t.TempDir()
	res := run(t, testConfig(dir), Options{Capture: capture, NoBackend: true})

	if res.Frames != 11 || res.Decoded != 11 || res.TotalDecodeErrors() != 0 {
		t.Fatalf("unexpected frame counts: %d frames, %d decoded, %v errors", res.Frames, res.Decoded, res.DecodeErrors)
	}

	// The DNS exchange is its own stateless UDP row ahead of the TCP one.
	if len(res.Connections) != 2 {
		t.Fatalf("expected two connections, got %+v", res.Connections)
	}
	udp, tcp := res.Connections[0], res.Connections[1]
	if udp.Protocol != model.ProtoUDP || udp.State != model.StateStateless || udp.Orig != dnsPort || udp.Resp != resolver {
		t.Errorf("unexpected dns connection %+v", udp)
	}
	if udp.OrigPkts != 1 || udp.RespPkts != 1 {
		t.Errorf("unexpected dns packet split %d/%d", udp.OrigPkts, udp.RespPkts)
	}
	if tcp.Protocol != model.ProtoTCP || tcp.State != model.StateClosed || tcp.Orig != client || tcp.Resp != server {
		t.Errorf("unexpected connection %+v", tcp)
	}
	if tcp.OrigPkts != 5 || tcp.RespPkts != 4 {
		t.Errorf("unexpected packet split %d/%d", tcp.OrigPkts, tcp.RespPkts)
	}

	if len(res.DNS) != 1 {
		t.Fatalf("expected one dns transaction, got %+v", res.DNS)
	}
	tx := res.DNS[0]
	if !tx.Answered || tx.RCode != "NOERROR" || tx.Query != "example.com" || len(tx.Answers) != 1 || tx.Latency != 15*time.Millisecond {
		t.Errorf("unexpected transaction %+v", tx)
	}
	if len(res.Alerts) != 0 {
		t.Errorf("benign traffic raised alerts: %+v", res.Alerts)
	}

	if res.ScanID != "web_20240302_083000" {
		t.Errorf("unexpected scan id %q", res.ScanID)
	}
	for _, name := range []string{
		writer.ConnLogFile, writer.DNSLogFile, writer.AlertsCSVFile, writer.AlertsJSONFile,
		writer.ScanInfoFile, writer.ScanMetadataFile, MetricsFile, "analyzer.log",
	} {
		if _, err := os.Stat(filepath.Join(res.RunDir, name)); err != nil {
			t.Errorf("missing artifact %s: %v", name, err)
		}
	}
	rows := readRows(t, filepath.Join(res.RunDir, writer.ConnLogFile))
	if len(rows) != 3 {
		t.Fatalf("expected header and two rows in %s, got %v", writer.ConnLogFile, rows)
	}
	if got := rows[1][3] + "/" + rows[1][7] + "/" + rows[1][12]; got != "udp/53/stateless" {
		t.Errorf("unexpected dns row %v", rows[1])
	}
	if got := rows[2][3] + "/" + rows[2][7] + "/" + rows[2][12]; got != "tcp/443/closed" {
		t.Errorf("unexpected tcp row %v", rows[2])
	}

	meta, err := writer.ReadMetadata(res.RunDir)
	if err != nil {
		t.Fatalf("ReadMetadata: %v", err)
	}
	if meta.Status != writer.StatusCompleted || meta.Connections != len(res.Connections) || meta.DNSQueries != 1 {
		t.Errorf("unexpected metadata %+v", meta)
	}
}

func TestRun_FrameAccounting(t *testing.T) {
	arp := make([]byte, 42)
	copy(arp[12:], []byte{0x08, 0x06})

	c := pcapgen.New(t0).
		Handshake(client, server, []byte("hi"), []byte("ho"), time.Millisecond).
		Raw([]byte{1, 2, 3, 4, 5}).
		Raw(arp).
		ICMPEcho(client.Addr(), server.Addr(), false).
		Advance(time.Millisecond).
		ICMPEcho(server.Addr(), client.Addr(), true).
		PortScan(netip.MustParseAddrPort("10.0.0.66:44444"), server.Addr(), []uint16{21, 22, 23, 25}, time.Millisecond).
		DNSQuery(dnsPort, resolver, 1, "nothing.example")
	capture := writeCapture(t, c, "mixed.pcapng")

	res := run(t, testConfig(t.TempDir()), Options{Capture: capture, NoBackend: true})

	if res.Frames != c.Len() {
		t.Fatalf("expected %d frames, got %d", c.Len(), res.Frames)
	}
	if res.Frames != res.Decoded+res.TotalDecodeErrors() {
		t.Errorf("frames %d != decoded %d + errors %d", res.Frames, res.Decoded, res.TotalDecodeErrors())
	}
	if res.DecodeErrors["malformed"] != 1 || res.DecodeErrors["no_ip_layer"] != 1 {
		t.Errorf("unexpected decode errors %v", res.DecodeErrors)
	}

	var packets uint64
	for _, conn := range res.Connections {
		packets += conn.Packets()
	}
	if packets != uint64(res.Decoded) {
		t.Errorf("connections hold %d packets, %d were decoded", packets, res.Decoded)
	}
	if len(res.DNS) != 1 || res.DNS[0].Answered {
		t.Errorf("expected one unanswered query, got %+v", res.DNS)
	}
}

func TestRun_TruncatedCapture(t *testing.T) {
	c := pcapgen.New(t0).Handshake(client, server, nil, nil, time.Millisecond)
	capture := writeCapture(t, c, "cut.pcap")
	data, err := os.ReadFile(capture)
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	if err := os.WriteFile(capture, data[:len(data)-10], 0o644); err != nil {
		t.Fatalf("truncate: %v", err)
	}

	res := run(t, testConfig(t.TempDir()), Options{Capture: capture, NoBackend: true})
	if res.Frames != c.Len() || res.DecodeErrors[ReasonTruncated] != 1 {
		t.Fatalf("expected %d frames with one truncated, got %d frames, %v", c.Len(), res.Frames, res.DecodeErrors)
	}
	if res.Decoded != c.Len()-1 {
		t.Errorf("expected %d decoded frames, got %d", c.Len()-1, res.Decoded)
	}
}

func TestRun_FallbackAcrossRuns(t *testing.T) {
	ports := make([]uint16, 20)
	for i := range ports {
		ports[i] = uint16(1000 + i)
	}
	c := pcapgen.New(t0).PortScan(netip.MustParseAddrPort("10.0.0.66:44444"), server.Addr(), ports, 100*time.Millisecond)
	capture := writeCapture(t, c, "scan.pcap")

	dir := t.TempDir()
	cfg := testConfig(dir)
	seen := make(map[string]bool)
	for i := 1; i <= 3; i++ {
		res := run(t, cfg, Options{Capture: capture, NoBackend: true})
		if len(res.Alerts) != 1 || res.Alerts[0].Type != model.AlertPortScan {
			t.Fatalf("run %d: expected one port scan alert, got %+v", i, res.Alerts)
		}
		if res.Deliveries[alerter.Disabled] != 1 {
			t.Errorf("run %d: expected the alert in the fallback store, got %v", i, res.Deliveries)
		}
		if seen[res.RunDir] {
			t.Fatalf("run %d reused directory %s", i, res.RunDir)
		}
		seen[res.RunDir] = true

		envs, invalid, err := alerter.ReadFallback(cfg.Sink.FallbackFile)
		if err != nil || invalid != 0 {
			t.Fatalf("run %d: read fallback: %v (%d invalid)", i, err, invalid)
		}
		if len(envs) != i {
			t.Fatalf("run %d: expected %d envelopes, got %d", i, i, len(envs))
		}
		if envs[i-1].Data.AlertType != string(model.AlertPortScan) || envs[i-1].Data.SrcIP != "10.0.0.66" {
			t.Errorf("run %d: unexpected envelope %+v", i, envs[i-1])
		}
	}
}

func TestRun_FatalErrors(t *testing.T) {
	dir := t.TempDir()
	bad := filepath.Join(dir, "bad.pcap")
	if err := os.WriteFile(bad, []byte("definitely not a capture"), 0o644); err != nil {
		t.Fatalf("write: %v", err)
	}
	cfg := testConfig(dir)
	m, err := NewManager(cfg)
	if err != nil {
		t.Fatalf("NewManager: %v", err)
	}

	_, err = m.Run(context.Background(), Options{Capture: bad})
	var fe *pcap.FormatError
	if !errors.As(err, &fe) {
		t.Errorf("expected a FormatError, got %v", err)
	}
	if _, err := m.Run(context.Background(), Options{Capture: filepath.Join(dir, "missing.pcap")}); !errors.Is(err, os.ErrNotExist) {
		t.Errorf("expected ErrNotExist, got %v", err)
	}
	if _, err := os.Stat(cfg.Output.Dir); !errors.Is(err, os.ErrNotExist) {
		t.Errorf("a failed run must not create output, stat: %v", err)
	}

	capture := writeCapture(t, pcapgen.New(t0).Handshake(client, server, nil, nil, time.Millisecond), "ok.pcap")
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if _, err := m.Run(ctx, Options{Capture: capture}); !errors.Is(err, context.Canceled) {
		t.Errorf("expected context.Canceled, got %v", err)
	}
	entries, _ := os.ReadDir(cfg.Output.Dir)
	for _, e := range entries {
		if _, err := writer.ReadMetadata(filepath.Join(cfg.Output.Dir, e.Name())); err == nil {
			t.Errorf("cancelled run %s has a completion marker", e.Name())
		}
	}

	invalid := testConfig(dir)
	invalid.Detection.PortScan.Window = 0
	var ve *config.ValidationError
	if _, err := NewManager(invalid); !errors.As(err, &ve) {
		t.Errorf("expected a ValidationError, got %v", err)
	}
}
