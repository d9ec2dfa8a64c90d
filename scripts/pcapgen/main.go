package main

import (
	"fmt"
	"log"
	"math/rand"
	"net/netip"
	"os"
	"strings"
	"time"

	"PcapSentry/internal/pcapgen"

	"github.com/miekg/dns"
	"github.com/spf13/pflag"
)

var (
	client   = netip.MustParseAddr("10.0.0.5")
	scanner  = netip.MustParseAddrPort("10.0.0.66:44444")
	target   = netip.MustParseAddr("10.0.0.10")
	resolver = netip.MustParseAddrPort("10.0.0.1:53")
	c2       = netip.MustParseAddrPort("198.51.100.23:443")
	web      = netip.MustParseAddrPort("93.184.216.34:80")
)

type scenario func(c *pcapgen.Capture, rng *rand.Rand, count int)

var scenarios = map[string]scenario{
	"handshake": handshakes,
	"dns":       lookups,
	"portscan":  portScan,
	"beacon":    beacon,
	"tunnel":    tunnel,
	"nxdomain":  nxdomain,
}

func main() {
	outputFile := pflag.StringP("output", "o", "test.pcap", "Output capture path (.pcapng selects pcapng)")
	names := pflag.StringP("scenario", "s", "mixed", "Comma-separated scenarios: mixed, handshake, dns, portscan, beacon, tunnel, nxdomain")
	count := pflag.IntP("count", "c", 20, "Repetitions for the handshake and dns scenarios")
	seed := pflag.Int64("seed", 1, "Random seed")
	pflag.Parse()

	list := strings.Split(*names, ",")
	if *names == "mixed" {
		list = []string{"handshake", "dns", "portscan", "beacon", "tunnel", "nxdomain"}
	}

	rng := rand.New(rand.NewSource(*seed))
	c := pcapgen.New(time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC))
	for _, name := range list {
		fn, ok := scenarios[strings.TrimSpace(name)]
		if !ok {
			log.Fatalf("Unknown scenario %q", name)
		}
		fn(c, rng, *count)
		c.Advance(time.Second)
	}

	if err := c.WriteFile(*outputFile); err != nil {
		log.Fatalf("Failed to write capture: %v", err)
	}
	log.Printf("Wrote %d packets to %s", c.Len(), *outputFile)
	if fi, err := os.Stat(*outputFile); err == nil {
		log.Printf("File size: %d bytes", fi.Size())
	}
}

func ephemeral(rng *rand.Rand) uint16 {
	return uint16(32768 + rng.Intn(28000))
}

func handshakes(c *pcapgen.Capture, rng *rand.Rand, count int) {
	for i := 0; i < count; i++ {
		src := netip.AddrPortFrom(client, ephemeral(rng))
		req := []byte(fmt.Sprintf("GET /page/%d HTTP/1.1\r\nHost: example.com\r\n\r\n", i))
		resp := make([]byte, 200+rng.Intn(1200))
		c.Handshake(src, web, req, resp, time.Duration(1+rng.Intn(20))*time.Millisecond)
		c.Advance(time.Duration(rng.Intn(3000)) * time.Millisecond)
	}
}

func lookups(c *pcapgen.Capture, rng *rand.Rand, count int) {
	names := []string{"example.com", "golang.org", "wikipedia.org", "github.com"}
	for i := 0; i < count; i++ {
		src := netip.AddrPortFrom(client, ephemeral(rng))
		name := names[i%len(names)]
		id := uint16(rng.Intn(1 << 16))
		c.DNSQuery(src, resolver, id, name)
		c.Advance(time.Duration(5+rng.Intn(40)) * time.Millisecond)
		c.DNSResponse(src, resolver, id, name, dns.RcodeSuccess, web.Addr())
		c.Advance(time.Duration(rng.Intn(500)) * time.Millisecond)
	}
}

func portScan(c *pcapgen.Capture, _ *rand.Rand, _ int) {
	ports := make([]uint16, 0, 30)
	for p := uint16(20); len(ports) < cap(ports); p++ {
		ports = append(ports, p)
	}
	c.PortScan(scanner, target, ports, 20*time.Millisecond)
}

func beacon(c *pcapgen.Capture, _ *rand.Rand, _ int) {
	c.Beacon(client, c2, 6, 30*time.Second)
}

func tunnel(c *pcapgen.Capture, rng *rand.Rand, _ int) {
	const alphabet = "abcdefghijklmnopqrstuvwxyz0123456789"
	for i := 0; i < 3; i++ {
		label := make([]byte, 48)
		for j := range label {
			label[j] = alphabet[rng.Intn(len(alphabet))]
		}
		name := string(label) + ".t.exfil.example"
		src := netip.AddrPortFrom(client, ephemeral(rng))
		id := uint16(rng.Intn(1 << 16))
		c.DNSQuery(src, resolver, id, name)
		c.Advance(10 * time.Millisecond)
		c.DNSResponse(src, resolver, id, name, dns.RcodeSuccess)
		c.Advance(200 * time.Millisecond)
	}
}

func nxdomain(c *pcapgen.Capture, rng *rand.Rand, _ int) {
	for i := 0; i < 12; i++ {
		src := netip.AddrPortFrom(client, ephemeral(rng))
		name := fmt.Sprintf("q%x.dga.example", rng.Uint32())
		id := uint16(rng.Intn(1 << 16))
		c.DNSQuery(src, resolver, id, name)
		c.Advance(8 * time.Millisecond)
		c.DNSResponse(src, resolver, id, name, dns.RcodeNameError)
		c.Advance(100 * time.Millisecond)
	}
}
