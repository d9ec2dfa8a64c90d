// Package pcapgen builds synthetic captures for tests and demos.
package pcapgen

import (
	"errors"
	"fmt"
	"io"
	"net"
	"net/netip"
	"os"
	"path/filepath"
	"strings"
	"time"

	"PcapSentry/pkg/pcap"

	"github.com/google/gopacket"
	"github.com/google/gopacket/layers"
	"github.com/google/gopacket/pcapgo"
	"github.com/miekg/dns"
)

const snaplen = 65536

var (
	srcMAC = net.HardwareAddr{0x00, 0x11, 0x22, 0x33, 0x44, 0x55}
	dstMAC = net.HardwareAddr{0x00, 0x66, 0x77, 0x88, 0x99, 0xaa}
)

// Flags selects the TCP control bits of a generated segment.
type Flags struct {
	SYN, ACK, FIN, RST, PSH bool
}

var (
	SYN    = Flags{SYN: true}
	SYNACK = Flags{SYN: true, ACK: true}
	ACK    = Flags{ACK: true}
	PSHACK = Flags{PSH: true, ACK: true}
	FINACK = Flags{FIN: true, ACK: true}
	RST    = Flags{RST: true}
	RSTACK = Flags{RST: true, ACK: true}
)

type packet struct {
	ts   time.Time
	data []byte
}

// Capture accumulates Ethernet frames on a virtual clock. The first
// serialization error is kept and reported by Err and the write methods.
type Capture struct {
	now     time.Time
	packets []packet
	err     error
}

// New starts an empty capture whose clock is at start.
func New(start time.Time) *Capture {
	return &Capture{now: start}
}

// Now returns the current virtual time.
func (c *Capture) Now() time.Time { return c.now }

// Advance moves the virtual clock forward.
func (c *Capture) Advance(d time.Duration) *Capture {
	c.now = c.now.Add(d)
	return c
}

// At sets the virtual clock.
func (c *Capture) At(t time.Time) *Capture {
	c.now = t
	return c
}

// Len returns the number of frames generated so far.
func (c *Capture) Len() int { return len(c.packets) }

// Err returns the first error met while generating frames.
func (c *Capture) Err() error { return c.err }

// Raw appends an arbitrary frame, e.g. a deliberately broken one.
func (c *Capture) Raw(data []byte) *Capture {
	c.packets = append(c.packets, packet{ts: c.now, data: append([]byte(nil), data...)})
	return c
}

func (c *Capture) add(transport gopacket.SerializableLayer, src, dst netip.Addr, proto layers.IPProtocol, payload []byte) {
	if c.err != nil {
		return
	}
	if src.Is4() != dst.Is4() {
		c.err = fmt.Errorf("address family mismatch: %s -> %s", src, dst)
		return
	}

	eth := &layers.Ethernet{SrcMAC: srcMAC, DstMAC: dstMAC}
	var network gopacket.NetworkLayer
	var ipLayer gopacket.SerializableLayer
	if src.Is4() {
		eth.EthernetType = layers.EthernetTypeIPv4
		ip := &layers.IPv4{
			Version:  4,
			TTL:      64,
			Protocol: proto,
			SrcIP:    net.IP(src.AsSlice()),
			DstIP:    net.IP(dst.AsSlice()),
		}
		network, ipLayer = ip, ip
	} else {
		eth.EthernetType = layers.EthernetTypeIPv6
		ip := &layers.IPv6{
			Version:    6,
			HopLimit:   64,
			NextHeader: proto,
			SrcIP:      net.IP(src.AsSlice()),
			DstIP:      net.IP(dst.AsSlice()),
		}
		network, ipLayer = ip, ip
	}

	stack := []gopacket.SerializableLayer{eth, ipLayer}
	if transport != nil {
		if cs, ok := transport.(interface {
			SetNetworkLayerForChecksum(gopacket.NetworkLayer) error
		}); ok {
			if err := cs.SetNetworkLayerForChecksum(network); err != nil {
				c.err = err
				return
			}
		}
		stack = append(stack, transport)
	}
	stack = append(stack, gopacket.Payload(payload))

	buf := gopacket.NewSerializeBuffer()
	opts := gopacket.SerializeOptions{ComputeChecksums: true, FixLengths: true}
	if err := gopacket.SerializeLayers(buf, opts, stack...); err != nil {
		c.err = fmt.Errorf("serialize layers: %w", err)
		return
	}
	c.packets = append(c.packets, packet{ts: c.now, data: append([]byte(nil), buf.Bytes()...)})
}

// TCP appends one TCP segment.
func (c *Capture) TCP(src, dst netip.AddrPort, f Flags, payload []byte) *Capture {
	tcp := &layers.TCP{
		SrcPort: layers.TCPPort(src.Port()),
		DstPort: layers.TCPPort(dst.Port()),
		Seq:     uint32(len(c.packets)) * 1000,
		SYN:     f.SYN,
		ACK:     f.ACK,
		FIN:     f.FIN,
		RST:     f.RST,
		PSH:     f.PSH,
		Window:  14600,
	}
	c.add(tcp, src.Addr(), dst.Addr(), layers.IPProtocolTCP, payload)
	return c
}

// UDP appends one UDP datagram.
func (c *Capture) UDP(src, dst netip.AddrPort, payload []byte) *Capture {
	udp := &layers.UDP{
		SrcPort: layers.UDPPort(src.Port()),
		DstPort: layers.UDPPort(dst.Port()),
	}
	c.add(udp, src.Addr(), dst.Addr(), layers.IPProtocolUDP, payload)
	return c
}

// ICMPEcho appends an echo request (or reply) between two hosts.
func (c *Capture) ICMPEcho(src, dst netip.Addr, reply bool) *Capture {
	if src.Is4() {
		typ := uint8(layers.ICMPv4TypeEchoRequest)
		if reply {
			typ = layers.ICMPv4TypeEchoReply
		}
		icmp := &layers.ICMPv4{TypeCode: layers.CreateICMPv4TypeCode(typ, 0), Id: 1, Seq: uint16(len(c.packets))}
		c.add(icmp, src, dst, layers.IPProtocolICMPv4, []byte("ping"))
		return c
	}
	typ := uint8(layers.ICMPv6TypeEchoRequest)
	if reply {
		typ = layers.ICMPv6TypeEchoReply
	}
	icmp := &layers.ICMPv6{TypeCode: layers.CreateICMPv6TypeCode(typ, 0)}
	c.add(icmp, src, dst, layers.IPProtocolICMPv6, []byte{0, 1, 0, 1})
	return c
}

// Handshake appends a complete TCP conversation: three-way handshake, one
// request and one response, and a FIN teardown from both sides, each step
// step apart.
func (c *Capture) Handshake(client, server netip.AddrPort, request, response []byte, step time.Duration) *Capture {
	c.TCP(client, server, SYN, nil).Advance(step)
	c.TCP(server, client, SYNACK, nil).Advance(step)
	c.TCP(client, server, ACK, nil).Advance(step)
	if len(request) > 0 {
		c.TCP(client, server, PSHACK, request).Advance(step)
	}
	if len(response) > 0 {
		c.TCP(server, client, PSHACK, response).Advance(step)
	}
	c.TCP(client, server, FINACK, nil).Advance(step)
	c.TCP(server, client, ACK, nil).Advance(step)
	c.TCP(server, client, FINACK, nil).Advance(step)
	c.TCP(client, server, ACK, nil)
	return c
}

// Query builds a packed DNS query.
func Query(id uint16, name string, qtype uint16) ([]byte, error) {
	m := new(dns.Msg)
	m.SetQuestion(dns.Fqdn(name), qtype)
	m.Id = id
	return m.Pack()
}

// Answer builds a packed DNS response with one A/AAAA record per address.
func Answer(id uint16, name string, qtype uint16, rcode int, addrs ...netip.Addr) ([]byte, error) {
	q := new(dns.Msg)
	q.SetQuestion(dns.Fqdn(name), qtype)
	q.Id = id

	m := new(dns.Msg)
	m.SetRcode(q, rcode)
	for _, a := range addrs {
		hdr := dns.RR_Header{Name: dns.Fqdn(name), Class: dns.ClassINET, Ttl: 300}
		if a.Is4() {
			hdr.Rrtype = dns.TypeA
			m.Answer = append(m.Answer, &dns.A{Hdr: hdr, A: net.IP(a.AsSlice())})
		} else {
			hdr.Rrtype = dns.TypeAAAA
			m.Answer = append(m.Answer, &dns.AAAA{Hdr: hdr, AAAA: net.IP(a.AsSlice())})
		}
	}
	return m.Pack()
}

// DNSQuery appends a UDP DNS query for an A record.
func (c *Capture) DNSQuery(client, resolver netip.AddrPort, id uint16, name string) *Capture {
	payload, err := Query(id, name, dns.TypeA)
	if err != nil {
		c.setErr(err)
		return c
	}
	return c.UDP(client, resolver, payload)
}

// DNSResponse appends the UDP response to a query made with DNSQuery.
func (c *Capture) DNSResponse(client, resolver netip.AddrPort, id uint16, name string, rcode int, addrs ...netip.Addr) *Capture {
	payload, err := Answer(id, name, dns.TypeA, rcode, addrs...)
	if err != nil {
		c.setErr(err)
		return c
	}
	return c.UDP(resolver, client, payload)
}

func (c *Capture) setErr(err error) {
	if c.err == nil {
		c.err = err
	}
}

// PortScan appends one SYN per port from src to dst, spacing apart.
func (c *Capture) PortScan(src netip.AddrPort, dst netip.Addr, ports []uint16, spacing time.Duration) *Capture {
	for i, p := range ports {
		if i > 0 {
			c.Advance(spacing)
		}
		c.TCP(src, netip.AddrPortFrom(dst, p), SYN, nil)
	}
	return c
}

// Beacon appends count short TCP conversations from src to dst, interval
// apart, each on a new ephemeral source port.
func (c *Capture) Beacon(src netip.Addr, dst netip.AddrPort, count int, interval time.Duration) *Capture {
	for i := 0; i < count; i++ {
		start := c.now
		client := netip.AddrPortFrom(src, uint16(40000+i))
		c.Handshake(client, dst, []byte("GET /beacon"), []byte("200 OK"), time.Millisecond)
		c.At(start.Add(interval))
	}
	return c
}

// Frames returns the capture as reader frames with Ethernet link type.
func (c *Capture) Frames() ([]pcap.Frame, error) {
	if c.err != nil {
		return nil, c.err
	}
	frames := make([]pcap.Frame, len(c.packets))
	for i, p := range c.packets {
		frames[i] = pcap.Frame{
			Index:     i,
			Timestamp: p.ts,
			Data:      p.data,
			Length:    len(p.data),
			LinkType:  layers.LinkTypeEthernet,
		}
	}
	return frames, nil
}

// WritePcap writes the capture in the legacy pcap format.
func (c *Capture) WritePcap(w io.Writer) error {
	if c.err != nil {
		return c.err
	}
	pw := pcapgo.NewWriter(w)
	if err := pw.WriteFileHeader(snaplen, layers.LinkTypeEthernet); err != nil {
		return fmt.Errorf("write pcap header: %w", err)
	}
	for _, p := range c.packets {
		if err := pw.WritePacket(captureInfo(p), p.data); err != nil {
			return fmt.Errorf("write packet: %w", err)
		}
	}
	return nil
}

// WritePcapNG writes the capture in the pcapng format.
func (c *Capture) WritePcapNG(w io.Writer) error {
	if c.err != nil {
		return c.err
	}
	nw, err := pcapgo.NewNgWriter(w, layers.LinkTypeEthernet)
	if err != nil {
		return fmt.Errorf("write pcapng header: %w", err)
	}
	for _, p := range c.packets {
		if err := nw.WritePacket(captureInfo(p), p.data); err != nil {
			return fmt.Errorf("write packet: %w", err)
		}
	}
	return nw.Flush()
}

// WriteFile writes the capture to path, as pcapng when the name ends in
// .pcapng and as legacy pcap otherwise.
func (c *Capture) WriteFile(path string) (err error) {
	if dir := filepath.Dir(path); dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("failed to create output directory: %w", err)
		}
	}
	f, err := os.Create(path)
	if err != nil {
		return err
	}
	defer func() {
		err = errors.Join(err, f.Close())
	}()

	if strings.HasSuffix(strings.ToLower(path), ".pcapng") {
		return c.WritePcapNG(f)
	}
	return c.WritePcap(f)
}

func captureInfo(p packet) gopacket.CaptureInfo {
	return gopacket.CaptureInfo{
		Timestamp:     p.ts,
		CaptureLength: len(p.data),
		Length:        len(p.data),
	}
}
