package model

import (
	"fmt"
	"net/netip"
	"time"
)

// FiveTuple represents the raw, unnormalized 5-tuple of a packet.
type FiveTuple struct {
	SrcIP    netip.Addr
	DstIP    netip.Addr
	SrcPort  uint16
	DstPort  uint16
	Protocol uint8 // IANA protocol number, e.g. 6 for TCP
}

// Src returns the sending endpoint.
func (ft FiveTuple) Src() netip.AddrPort {
	return netip.AddrPortFrom(ft.SrcIP, ft.SrcPort)
}

// Dst returns the receiving endpoint.
func (ft FiveTuple) Dst() netip.AddrPort {
	return netip.AddrPortFrom(ft.DstIP, ft.DstPort)
}

// TCPFlags holds the control bits of a TCP segment.
type TCPFlags struct {
	SYN bool
	ACK bool
	FIN bool
	RST bool
}

// PacketInfo holds the metadata extracted from a single frame.
type PacketInfo struct {
	Timestamp time.Time
	FiveTuple FiveTuple
	Length    int // original wire length of the frame
	Payload   int // transport payload length
	Flags     TCPFlags
	// DNS holds the transport payload for port-53 traffic, nil otherwise.
	DNS []byte
}

// IsDNS reports whether the packet is addressed to or from port 53.
func (p *PacketInfo) IsDNS() bool {
	ft := p.FiveTuple
	if ft.Protocol != ProtoTCP && ft.Protocol != ProtoUDP {
		return false
	}
	return ft.SrcPort == DNSPort || ft.DstPort == DNSPort
}

const (
	ProtoICMP   uint8 = 1
	ProtoTCP    uint8 = 6
	ProtoUDP    uint8 = 17
	ProtoICMPv6 uint8 = 58

	DNSPort uint16 = 53
)

// ProtocolName returns the lowercase name used in the logs.
func ProtocolName(proto uint8) string {
	switch proto {
	case ProtoTCP:
		return "tcp"
	case ProtoUDP:
		return "udp"
	case ProtoICMP:
		return "icmp"
	case ProtoICMPv6:
		return "icmp6"
	default:
		return fmt.Sprintf("ip-%d", proto)
	}
}

// FlowKey identifies a flow independently of packet direction.
// A is always the lower endpoint, so both orderings of a 5-tuple map to one key.
type FlowKey struct {
	Protocol uint8
	A        netip.AddrPort
	B        netip.AddrPort
}

// NewFlowKey normalizes a 5-tuple into a FlowKey.
func NewFlowKey(ft FiveTuple) FlowKey {
	src, dst := ft.Src(), ft.Dst()
	if src.Compare(dst) > 0 {
		src, dst = dst, src
	}
	return FlowKey{Protocol: ft.Protocol, A: src, B: dst}
}

func (k FlowKey) String() string {
	return fmt.Sprintf("%s %s<->%s", ProtocolName(k.Protocol), k.A, k.B)
}

// ConnState is the inferred final state of a connection.
type ConnState string

const (
	StateAttempted    ConnState = "attempted"    // SYN without any reply
	StateRejected     ConnState = "rejected"     // SYN answered by RST
	StateEstablished  ConnState = "established"  // handshake completed, never torn down
	StateHalfClosed   ConnState = "half_closed"  // FIN from one side only
	StateClosed       ConnState = "closed"       // FIN from both sides
	StateReset        ConnState = "reset"        // RST after the handshake
	StateUnterminated ConnState = "unterminated" // mid-stream TCP, no handshake or teardown seen
	StateStateless    ConnState = "stateless"    // UDP, ICMP and opaque protocols
)

// Connection is a finalized flow. Immutable once produced.
type Connection struct {
	Key       FlowKey
	Orig      netip.AddrPort
	Resp      netip.AddrPort
	Protocol  uint8
	Start     time.Time
	End       time.Time
	OrigBytes uint64
	RespBytes uint64
	OrigPkts  uint64
	RespPkts  uint64
	State     ConnState
}

// Duration returns the time between the first and the last packet.
func (c *Connection) Duration() time.Duration {
	return c.End.Sub(c.Start)
}

// Packets returns the packet count over both directions.
func (c *Connection) Packets() uint64 {
	return c.OrigPkts + c.RespPkts
}

// DNSTransaction is one finalized DNS query with its response, if any.
type DNSTransaction struct {
	ID        uint16
	Client    netip.AddrPort
	Resolver  netip.AddrPort
	Query     string
	QType     string
	Timestamp time.Time // request time
	Answered  bool
	RCode     string
	Answers   []string
	Latency   time.Duration
}

// AlertType is the enumerated tag of an alert.
type AlertType string

const (
	AlertPortScan     AlertType = "PORT_SCAN"
	AlertDNSTunneling AlertType = "DNS_TUNNELING"
	AlertNXDomain     AlertType = "DNS_NXDOMAIN"
	AlertBlocklist    AlertType = "BLOCKLIST_MATCH"
	AlertBeaconing    AlertType = "BEACONING"
	AlertExfiltration AlertType = "EXFILTRATION"
	AlertTest         AlertType = "TEST_ALERT"
)

const (
	MinSeverity = 1
	MaxSeverity = 15
)

// ClampSeverity bounds s to the declared scale.
func ClampSeverity(s int) int {
	if s < MinSeverity {
		return MinSeverity
	}
	if s > MaxSeverity {
		return MaxSeverity
	}
	return s
}

// Alert is a single finding. Never mutated after creation.
type Alert struct {
	Timestamp time.Time
	Type      AlertType
	SrcIP     netip.Addr
	DstIP     netip.Addr
	Severity  int
	Details   string
}

// AddrString renders an address for logs, "-" when it is unset.
func AddrString(a netip.Addr) string {
	if !a.IsValid() {
		return "-"
	}
	return a.String()
}
