package detector

import (
	"net/netip"
	"os"
	"path/filepath"
	"testing"
	"time"

	"PcapSentry/internal/config"
	"PcapSentry/internal/engine/protocol"
	"PcapSentry/internal/engine/tracker"
	"PcapSentry/internal/model"
	"PcapSentry/internal/pcapgen"

	"github.com/google/go-cmp/cmp"
	"github.com/miekg/dns"
)

var (
	t0       = time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)
	scanner  = netip.MustParseAddrPort("10.0.0.66:44444")
	target   = netip.MustParseAddr("10.0.0.10")
	resolver = netip.MustParseAddrPort("10.0.0.1:53")

	addrComparer = cmp.Comparer(func(a, b netip.Addr) bool { return a == b })
)

// onlyRules disables every rule except the ones set by enable.
func onlyRules(enable func(*config.DetectionConfig)) config.DetectionConfig {
	cfg := config.Defaults().Detection
	cfg.PortScan.Enabled = false
	cfg.DNSTunneling.Enabled = false
	cfg.NXDomain.Enabled = false
	cfg.Blocklist.Enabled = false
	cfg.Beaconing.Enabled = false
	cfg.Exfiltration.Enabled = false
	enable(&cfg)
	return cfg
}

func reconstruct(t *testing.T, c *pcapgen.Capture) ([]model.Connection, []model.DNSTransaction) {
	t.Helper()
	frames, err := c.Frames()
	if err != nil {
		t.Fatalf("build capture: %v", err)
	}
	tr := tracker.New(config.Defaults().Flow, nil)
	p := protocol.NewParser()
	for _, f := range frames {
		info, err := p.Parse(f)
		if err != nil {
			t.Fatalf("frame %d: %v", f.Index, err)
		}
		tr.Process(info)
	}
	return tr.Finish()
}

func ports(n int) []uint16 {
	out := make([]uint16, n)
	for i := range out {
		out[i] = uint16(1000 + i)
	}
	return out
}

func TestPortScan_Window(t *testing.T) {
	cfg := onlyRules(func(d *config.DetectionConfig) {
		d.PortScan.Enabled = true
		d.PortScan.Window = time.Minute
		d.PortScan.PortThreshold = 15
	})
	det, err := New(cfg, nil)
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	tests := []struct {
		name    string
		n       int
		spacing time.Duration
		want    int
	}{
		{"at threshold inside window", 15, time.Second, 1},
		{"above threshold inside window", 40, 100 * time.Millisecond, 1},
		{"below threshold", 14, time.Second, 0},
		{"spread beyond window", 15, 5 * time.Second, 0},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := pcapgen.New(t0).PortScan(scanner, target, ports(tt.n), tt.spacing)
			conns, txs := reconstruct(t, c)
			if len(conns) != tt.n {
				t.Fatalf("expected %d connections, got %d", tt.n, len(conns))
			}
			alerts := det.Evaluate(conns, txs)
			if len(alerts) != tt.want {
				t.Fatalf("expected %d alerts, got %d: %+v", tt.want, len(alerts), alerts)
			}
			if tt.want == 0 {
				return
			}
			a := alerts[0]
			if a.Type != model.AlertPortScan || a.SrcIP != scanner.Addr() || a.DstIP != target {
				t.Errorf("unexpected alert %+v", a)
			}
			if !a.Timestamp.Equal(t0) {
				t.Errorf("alert should carry the window start, got %s", a.Timestamp)
			}
		})
	}
}

func TestPortScan_HostThreshold(t *testing.T) {
	cfg := onlyRules(func(d *config.DetectionConfig) {
		d.PortScan.Enabled = true
		d.PortScan.HostThreshold = 5
	})
	det, err := New(cfg, nil)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	c := pcapgen.New(t0)
	for i := 0; i < 6; i++ {
		host := netip.AddrFrom4([4]byte{10, 0, 1, byte(i + 1)})
		c.TCP(scanner, netip.AddrPortFrom(host, 22), pcapgen.SYN, nil).Advance(time.Second)
	}
	conns, txs := reconstruct(t, c)
	alerts := det.Evaluate(conns, txs)
	if len(alerts) != 1 {
		t.Fatalf("expected one sweep alert, got %+v", alerts)
	}
	if alerts[0].DstIP.IsValid() {
		t.Errorf("a multi-host sweep has no single destination, got %s", alerts[0].DstIP)
	}
}

func TestSeverity(t *testing.T) {
	tests := []struct {
		base                int
		observed, threshold float64
		want                int
	}{
		{8, 15, 15, 8},
		{8, 29, 15, 8},
		{8, 30, 15, 9},
		{8, 60, 15, 10},
		{8, 1e12, 1, 15},
		{0, 1, 1, 1},
		{20, 1, 1, 15},
	}
	for _, tt := range tests {
		if got := Severity(tt.base, tt.observed, tt.threshold); got != tt.want {
			t.Errorf("Severity(%d, %v, %v) = %d, want %d", tt.base, tt.observed, tt.threshold, got, tt.want)
		}
	}

	prev := 0
	for observed := 1.0; observed < 1e6; observed *= 1.5 {
		s := Severity(5, observed, 10)
		if s < prev || s < model.MinSeverity || s > model.MaxSeverity {
			t.Fatalf("severity not monotonic or out of scale at %v: %d after %d", observed, s, prev)
		}
		prev = s
	}
}

func dnsTx(client netip.AddrPort, name, rcode string, at time.Time) model.DNSTransaction {
	return model.DNSTransaction{
		ID:        1,
		Client:    client,
		Resolver:  resolver,
		Query:     name,
		QType:     "A",
		Timestamp: at,
		Answered:  rcode != "",
		RCode:     rcode,
	}
}

func TestDNSTunneling(t *testing.T) {
	cfg := onlyRules(func(d *config.DetectionConfig) { d.DNSTunneling.Enabled = true })
	det, err := New(cfg, nil)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	client := netip.MustParseAddrPort("10.0.0.5:40000")
	longLabel := "a123456789b123456789c123456789d123456789e123456789f123456789.example.com"
	encoded := "x7kq9v2mzp4lw8r1t6yb3nc5hd0jfgse.tunnel.example.com"

	txs := []model.DNSTransaction{
		dnsTx(client, "www.example.com", "NOERROR", t0),
		dnsTx(client, encoded, "NOERROR", t0.Add(time.Second)),
		dnsTx(client, encoded, "NOERROR", t0.Add(2*time.Second)),
		dnsTx(client, longLabel, "", t0.Add(3*time.Second)),
	}
	alerts := det.Evaluate(nil, txs)
	if len(alerts) != 2 {
		t.Fatalf("expected 2 alerts (one per client and name), got %+v", alerts)
	}
	for _, a := range alerts {
		if a.Type != model.AlertDNSTunneling || a.SrcIP != client.Addr() || a.DstIP != resolver.Addr() {
			t.Errorf("unexpected alert %+v", a)
		}
	}
}

func TestShannonEntropy(t *testing.T) {
	if e := ShannonEntropy("aaaa"); e != 0 {
		t.Errorf("expected 0, got %v", e)
	}
	if e := ShannonEntropy("abcd"); e != 2 {
		t.Errorf("expected 2, got %v", e)
	}
	if e := ShannonEntropy(""); e != 0 {
		t.Errorf("expected 0 for empty input, got %v", e)
	}
}

func TestNXDomain(t *testing.T) {
	cfg := onlyRules(func(d *config.DetectionConfig) { d.NXDomain.Enabled = true })
	det, err := New(cfg, nil)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	noisy := netip.MustParseAddrPort("10.0.0.7:40000")
	quiet := netip.MustParseAddrPort("10.0.0.8:40000")

	var txs []model.DNSTransaction
	for i := 0; i < 10; i++ {
		rcode := "NXDOMAIN"
		if i%5 == 0 {
			rcode = "NOERROR"
		}
		txs = append(txs, dnsTx(noisy, "host.example", rcode, t0.Add(time.Duration(i)*time.Second)))
	}
	for i := 0; i < 5; i++ {
		txs = append(txs, dnsTx(quiet, "gone.example", "NXDOMAIN", t0.Add(time.Duration(i)*time.Second)))
	}
	// Unanswered lookups do not count.
	for i := 0; i < 10; i++ {
		txs = append(txs, dnsTx(quiet, "lost.example", "", t0.Add(time.Duration(i)*time.Second)))
	}

	alerts := det.Evaluate(nil, txs)
	if len(alerts) != 1 {
		t.Fatalf("expected one alert, got %+v", alerts)
	}
	if alerts[0].Type != model.AlertNXDomain || alerts[0].SrcIP != noisy.Addr() {
		t.Errorf("unexpected alert %+v", alerts[0])
	}
}

func TestBlocklist(t *testing.T) {
	dir := t.TempDir()
	listFile := filepath.Join(dir, "feed.txt")
	if err := os.WriteFile(listFile, []byte("# feed\n\n192.0.2.77\nbad-cdn.example\n"), 0o644); err != nil {
		t.Fatalf("write list: %v", err)
	}
	cfg := onlyRules(func(d *config.DetectionConfig) {
		d.Blocklist.Enabled = true
		d.Blocklist.Lists = []config.BlocklistDef{
			{Name: "c2", Severity: 12, Entries: []string{"198.51.100.0/24", "malware-c2.example"}},
			{Name: "feed", Severity: 6, File: listFile, Entries: []string{"198.51.100.9"}},
		}
	})
	det, err := New(cfg, nil)
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	src := netip.MustParseAddrPort("10.0.0.5:50000")
	conn := func(dst string, at time.Time) model.Connection {
		d := netip.MustParseAddrPort(dst)
		return model.Connection{
			Key:      model.NewFlowKey(model.FiveTuple{SrcIP: src.Addr(), DstIP: d.Addr(), SrcPort: src.Port(), DstPort: d.Port(), Protocol: model.ProtoTCP}),
			Orig:     src,
			Resp:     d,
			Protocol: model.ProtoTCP,
			Start:    at,
			End:      at,
		}
	}
	conns := []model.Connection{
		conn("198.51.100.9:443", t0),
		conn("192.0.2.77:80", t0.Add(time.Second)),
		conn("203.0.113.5:443", t0.Add(2*time.Second)),
	}
	txs := []model.DNSTransaction{
		dnsTx(src, "a.b.malware-c2.example", "NOERROR", t0.Add(3*time.Second)),
		dnsTx(src, "notmalware-c2.example", "NOERROR", t0.Add(4*time.Second)),
		dnsTx(src, "bad-cdn.example", "", t0.Add(5*time.Second)),
	}

	alerts := det.Evaluate(conns, txs)
	want := []struct {
		dst      string
		severity int
	}{
		{"198.51.100.9", 12},
		{"192.0.2.77", 6},
		{"10.0.0.1", 12},
		{"10.0.0.1", 6},
	}
	if len(alerts) != len(want) {
		t.Fatalf("expected %d alerts, got %+v", len(want), alerts)
	}
	for i, w := range want {
		if alerts[i].DstIP.String() != w.dst || alerts[i].Severity != w.severity {
			t.Errorf("alert %d: expected %s/%d, got %s/%d (%s)", i, w.dst, w.severity,
				alerts[i].DstIP, alerts[i].Severity, alerts[i].Details)
		}
	}
}

func TestBlocklist_MissingFile(t *testing.T) {
	cfg := onlyRules(func(d *config.DetectionConfig) {
		d.Blocklist.Enabled = true
		d.Blocklist.Lists = []config.BlocklistDef{{Name: "x", Severity: 5, File: filepath.Join(t.TempDir(), "nope")}}
	})
	if _, err := New(cfg, nil); err == nil {
		t.Fatal("expected an error for a missing list file")
	}
}

func TestBeaconing(t *testing.T) {
	cfg := onlyRules(func(d *config.DetectionConfig) { d.Beaconing.Enabled = true })
	det, err := New(cfg, nil)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	implant := netip.MustParseAddr("10.0.0.9")
	c2 := netip.MustParseAddrPort("203.0.113.50:443")
	cdn := netip.MustParseAddrPort("203.0.113.60:443")

	c := pcapgen.New(t0).Beacon(implant, c2, 6, time.Minute)
	conns, _ := reconstruct(t, c)

	// Irregular traffic to a second host.
	irregular := pcapgen.New(t0)
	for i, gap := range []time.Duration{10 * time.Second, 200 * time.Second, 30 * time.Second, 90 * time.Second} {
		irregular.Handshake(netip.AddrPortFrom(implant, uint16(50000+i)), cdn, nil, nil, time.Millisecond)
		irregular.Advance(gap)
	}
	more, _ := reconstruct(t, irregular)
	conns = append(conns, more...)

	// Too few connections to a third host.
	few := pcapgen.New(t0).Beacon(implant, netip.MustParseAddrPort("203.0.113.70:443"), 3, time.Minute)
	fewConns, _ := reconstruct(t, few)
	conns = append(conns, fewConns...)

	alerts := det.Evaluate(conns, nil)
	if len(alerts) != 1 {
		t.Fatalf("expected one beaconing alert, got %+v", alerts)
	}
	a := alerts[0]
	if a.Type != model.AlertBeaconing || a.SrcIP != implant || a.DstIP != c2.Addr() {
		t.Errorf("unexpected alert %+v", a)
	}
}

func TestIntervalStats(t *testing.T) {
	ts := []time.Time{t0, t0.Add(10 * time.Second), t0.Add(20 * time.Second), t0.Add(30 * time.Second)}
	mean, stddev := intervalStats(ts)
	if mean != 10*time.Second || stddev != 0 {
		t.Errorf("expected 10s/0, got %s/%s", mean, stddev)
	}
}

func TestExfiltration(t *testing.T) {
	cfg := onlyRules(func(d *config.DetectionConfig) {
		d.Exfiltration.Enabled = true
		d.Exfiltration.Window = time.Minute
		d.Exfiltration.ByteThreshold = 1000
	})
	det, err := New(cfg, nil)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	src := netip.MustParseAddrPort("10.0.0.5:50000")
	dst := netip.MustParseAddrPort("203.0.113.9:443")
	mk := func(at time.Time, bytes uint64) model.Connection {
		return model.Connection{Orig: src, Resp: dst, Protocol: model.ProtoTCP, Start: at, End: at, OrigBytes: bytes}
	}
	conns := []model.Connection{
		mk(t0, 400),
		mk(t0.Add(10*time.Second), 400),
		mk(t0.Add(20*time.Second), 400),
		mk(t0.Add(30*time.Second), 400),
		mk(t0.Add(10*time.Minute), 900), // alone in its window
	}
	alerts := det.Evaluate(conns, nil)
	if len(alerts) != 1 {
		t.Fatalf("expected one alert, got %+v", alerts)
	}
	if alerts[0].DstIP != dst.Addr() || !alerts[0].Timestamp.Equal(t0) {
		t.Errorf("unexpected alert %+v", alerts[0])
	}
}

func TestDetector_Deterministic(t *testing.T) {
	cfg := config.Defaults().Detection
	cfg.PortScan.PortThreshold = 10
	cfg.Blocklist.Lists = []config.BlocklistDef{{Name: "c2", Severity: 12, Entries: []string{"203.0.113.50"}}}

	client := netip.MustParseAddrPort("10.0.0.5:40000")
	c := pcapgen.New(t0).
		PortScan(scanner, target, ports(30), 50*time.Millisecond).
		DNSQuery(client, resolver, 1, "x7kq9v2mzp4lw8r1t6yb3nc5hd0jfgse.tunnel.example.com").
		DNSResponse(client, resolver, 1, "x7kq9v2mzp4lw8r1t6yb3nc5hd0jfgse.tunnel.example.com", dns.RcodeNameError).
		Beacon(netip.MustParseAddr("10.0.0.9"), netip.MustParseAddrPort("203.0.113.50:443"), 5, 30*time.Second)
	conns, txs := reconstruct(t, c)

	det, err := New(cfg, nil)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	first := det.Evaluate(conns, txs)
	second := det.Evaluate(conns, txs)
	if len(first) == 0 {
		t.Fatal("expected alerts from the mixed capture")
	}
	if diff := cmp.Diff(first, second, addrComparer); diff != "" {
		t.Errorf("alert sets differ (-first +second):\n%s", diff)
	}

	det2, err := New(cfg, nil)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if diff := cmp.Diff(first, det2.Evaluate(conns, txs), addrComparer); diff != "" {
		t.Errorf("fresh detector differs (-first +fresh):\n%s", diff)
	}

	for i := 1; i < len(first); i++ {
		if first[i].Timestamp.Before(first[i-1].Timestamp) {
			t.Fatalf("alerts not sorted at %d", i)
		}
	}
	for _, a := range first {
		if a.Severity < model.MinSeverity || a.Severity > model.MaxSeverity {
			t.Errorf("severity out of scale: %+v", a)
		}
	}
}

func TestDetector_Rules(t *testing.T) {
	det, err := New(config.Defaults().Detection, nil)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	want := []string{"port_scan", "dns_tunneling", "nxdomain", "blocklist", "beaconing", "exfiltration"}
	if diff := cmp.Diff(want, det.Rules()); diff != "" {
		t.Errorf("unexpected rule order (-want +got):\n%s", diff)
	}
}
