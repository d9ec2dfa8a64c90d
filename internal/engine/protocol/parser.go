package protocol

import (
	"fmt"
	"net/netip"

	"PcapSentry/internal/model"
	"PcapSentry/pkg/pcap"

	"github.com/google/gopacket"
	"github.com/google/gopacket/layers"
)

// Decode failure reasons, also used as metric labels.
const (
	ReasonMalformed   = "malformed"
	ReasonNoIP        = "no_ip_layer"
	ReasonUnsupported = "unsupported_link"
)

// DecodeError reports a frame that could not be turned into a packet.
// It is never fatal: the caller skips the frame and counts it.
type DecodeError struct {
	Frame  int
	Reason string
	Err    error
}

func (e *DecodeError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("frame %d: %s: %v", e.Frame, e.Reason, e.Err)
	}
	return fmt.Sprintf("frame %d: %s", e.Frame, e.Reason)
}

func (e *DecodeError) Unwrap() error { return e.Err }

// Parser decodes frames into PacketInfo. It reuses its layer buffers between
// calls and is not safe for concurrent use.
type Parser struct {
	eth     layers.Ethernet
	dot1q   layers.Dot1Q
	loop    layers.Loopback
	sll     layers.LinuxSLL
	ip4     layers.IPv4
	ip6     layers.IPv6
	tcp     layers.TCP
	udp     layers.UDP
	icmp4   layers.ICMPv4
	icmp6   layers.ICMPv6
	payload gopacket.Payload

	parsers map[gopacket.LayerType]*gopacket.DecodingLayerParser
	decoded []gopacket.LayerType
}

// NewParser creates a Parser.
func NewParser() *Parser {
	return &Parser{
		parsers: make(map[gopacket.LayerType]*gopacket.DecodingLayerParser),
		decoded: make([]gopacket.LayerType, 0, 8),
	}
}

func (p *Parser) parserFor(first gopacket.LayerType) *gopacket.DecodingLayerParser {
	if dlp, ok := p.parsers[first]; ok {
		return dlp
	}
	dlp := gopacket.NewDecodingLayerParser(first,
		&p.eth, &p.dot1q, &p.loop, &p.sll,
		&p.ip4, &p.ip6,
		&p.tcp, &p.udp, &p.icmp4, &p.icmp6,
		&p.payload,
	)
	// Anything above the transport layer (DNS included) is handled separately.
	dlp.IgnoreUnsupported = true
	p.parsers[first] = dlp
	return dlp
}

// firstLayer maps the link type of a frame to the first layer to decode.
func firstLayer(linkType layers.LinkType, data []byte) (gopacket.LayerType, bool) {
	switch linkType {
	case layers.LinkTypeEthernet:
		return layers.LayerTypeEthernet, true
	case layers.LinkTypeNull, layers.LinkTypeLoop:
		return layers.LayerTypeLoopback, true
	case layers.LinkTypeLinuxSLL:
		return layers.LayerTypeLinuxSLL, true
	case layers.LinkTypeIPv4:
		return layers.LayerTypeIPv4, true
	case layers.LinkTypeIPv6:
		return layers.LayerTypeIPv6, true
	case layers.LinkTypeRaw, 12:
		if len(data) == 0 {
			return 0, false
		}
		switch data[0] >> 4 {
		case 4:
			return layers.LayerTypeIPv4, true
		case 6:
			return layers.LayerTypeIPv6, true
		}
	}
	return 0, false
}

// Parse decodes one frame.
func (p *Parser) Parse(frame pcap.Frame) (*model.PacketInfo, error) {
	first, ok := firstLayer(frame.LinkType, frame.Data)
	if !ok {
		return nil, &DecodeError{Frame: frame.Index, Reason: ReasonUnsupported,
			Err: fmt.Errorf("link type %s", frame.LinkType)}
	}

	dlp := p.parserFor(first)
	p.decoded = p.decoded[:0]
	err := dlp.DecodeLayers(frame.Data, &p.decoded)

	info := &model.PacketInfo{
		Timestamp: frame.Timestamp,
		Length:    frame.Length,
	}
	if info.Length == 0 {
		info.Length = len(frame.Data)
	}

	var (
		haveIP    bool
		transport []byte
	)
	for _, lt := range p.decoded {
		switch lt {
		case layers.LayerTypeIPv4:
			haveIP = true
			info.FiveTuple.SrcIP = addrFrom(p.ip4.SrcIP)
			info.FiveTuple.DstIP = addrFrom(p.ip4.DstIP)
			info.FiveTuple.Protocol = uint8(p.ip4.Protocol)
			transport = p.ip4.Payload
		case layers.LayerTypeIPv6:
			haveIP = true
			info.FiveTuple.SrcIP = addrFrom(p.ip6.SrcIP)
			info.FiveTuple.DstIP = addrFrom(p.ip6.DstIP)
			info.FiveTuple.Protocol = uint8(p.ip6.NextHeader)
			if p.ip6.HopByHop != nil {
				info.FiveTuple.Protocol = uint8(p.ip6.HopByHop.NextHeader)
			}
			transport = p.ip6.Payload
		case layers.LayerTypeTCP:
			info.FiveTuple.SrcPort = uint16(p.tcp.SrcPort)
			info.FiveTuple.DstPort = uint16(p.tcp.DstPort)
			info.Flags = model.TCPFlags{SYN: p.tcp.SYN, ACK: p.tcp.ACK, FIN: p.tcp.FIN, RST: p.tcp.RST}
			transport = p.tcp.Payload
		case layers.LayerTypeUDP:
			info.FiveTuple.SrcPort = uint16(p.udp.SrcPort)
			info.FiveTuple.DstPort = uint16(p.udp.DstPort)
			transport = p.udp.Payload
		case layers.LayerTypeICMPv4:
			transport = p.icmp4.Payload
		case layers.LayerTypeICMPv6:
			transport = p.icmp6.Payload
		}
	}

	if err != nil {
		return nil, &DecodeError{Frame: frame.Index, Reason: ReasonMalformed, Err: err}
	}
	if !haveIP || !info.FiveTuple.SrcIP.IsValid() || !info.FiveTuple.DstIP.IsValid() {
		return nil, &DecodeError{Frame: frame.Index, Reason: ReasonNoIP}
	}

	info.Payload = len(transport)
	if info.IsDNS() && len(transport) > 0 {
		dnsPayload := transport
		if info.FiveTuple.Protocol == model.ProtoTCP {
			dnsPayload = stripTCPLength(transport)
		}
		// The layer buffers are reused on the next call.
		info.DNS = append([]byte(nil), dnsPayload...)
	}
	return info, nil
}

// ParsePacket decodes a single frame with a throwaway Parser.
func ParsePacket(frame pcap.Frame) (*model.PacketInfo, error) {
	return NewParser().Parse(frame)
}

func addrFrom(ip []byte) netip.Addr {
	addr, ok := netip.AddrFromSlice(ip)
	if !ok {
		return netip.Addr{}
	}
	return addr.Unmap()
}

// stripTCPLength removes the two-byte length prefix DNS uses over TCP.
func stripTCPLength(b []byte) []byte {
	if len(b) < 2 {
		return nil
	}
	n := int(b[0])<<8 | int(b[1])
	b = b[2:]
	if n < len(b) {
		b = b[:n]
	}
	return b
}
