package protocol

import (
	"errors"
	"fmt"
	"strings"

	"github.com/miekg/dns"
)

// ErrNoQuestion is returned for DNS messages that carry no question section.
var ErrNoQuestion = errors.New("dns message has no question")

// DNSMessage is the part of a DNS message the flow tracker needs.
type DNSMessage struct {
	ID       uint16
	Response bool
	Name     string // lowercase, without the trailing dot
	QType    string
	RCode    string
	Answers  []string
}

// ParseDNS decodes a DNS message from a UDP payload, or a TCP payload whose
// length prefix has already been removed.
func ParseDNS(payload []byte) (*DNSMessage, error) {
	msg := new(dns.Msg)
	if err := msg.Unpack(payload); err != nil {
		return nil, fmt.Errorf("unpack dns message: %w", err)
	}
	if len(msg.Question) == 0 {
		return nil, ErrNoQuestion
	}

	q := msg.Question[0]
	out := &DNSMessage{
		ID:       msg.Id,
		Response: msg.Response,
		Name:     NormalizeName(q.Name),
		QType:    dns.Type(q.Qtype).String(),
	}
	if !msg.Response {
		return out, nil
	}

	out.RCode = dns.RcodeToString[msg.Rcode]
	if out.RCode == "" {
		out.RCode = fmt.Sprintf("RCODE%d", msg.Rcode)
	}
	for _, rr := range msg.Answer {
		out.Answers = append(out.Answers, answerData(rr))
	}
	return out, nil
}

// NormalizeName lowercases a domain name and drops the root label.
func NormalizeName(name string) string {
	return strings.TrimSuffix(strings.ToLower(name), ".")
}

// answerData renders the data part of a resource record, e.g. the address of
// an A record or the target of a CNAME.
func answerData(rr dns.RR) string {
	switch v := rr.(type) {
	case *dns.A:
		return v.A.String()
	case *dns.AAAA:
		return v.AAAA.String()
	case *dns.CNAME:
		return NormalizeName(v.Target)
	case *dns.PTR:
		return NormalizeName(v.Ptr)
	case *dns.NS:
		return NormalizeName(v.Ns)
	case *dns.MX:
		return NormalizeName(v.Mx)
	case *dns.TXT:
		return strings.Join(v.Txt, "")
	}
	return strings.TrimSpace(strings.TrimPrefix(rr.String(), rr.Header().String()))
}
