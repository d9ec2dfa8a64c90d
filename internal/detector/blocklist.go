package detector

import (
	"bufio"
	"fmt"
	"net"
	"net/netip"
	"os"
	"strings"

	"PcapSentry/internal/config"
	"PcapSentry/internal/model"

	"github.com/yl2chen/cidranger"
)

type listRef struct {
	name     string
	severity int
	order    int
}

// better reports whether l should win over other when both match.
func (l *listRef) better(other *listRef) bool {
	if other == nil {
		return true
	}
	if l.severity != other.severity {
		return l.severity > other.severity
	}
	return l.order < other.order
}

type networkEntry struct {
	network net.IPNet
	list    *listRef
}

func (e *networkEntry) Network() net.IPNet { return e.network }

// Blocklist matches destination addresses against CIDR ranges and queried
// names against denied domains and their subdomains.
type Blocklist struct {
	ranger  cidranger.Ranger
	domains map[string]*listRef
}

// NewBlocklist builds the lookup tables from inline entries and list files.
func NewBlocklist(cfg config.BlocklistConfig) (*Blocklist, error) {
	b := &Blocklist{
		ranger:  cidranger.NewPCTrieRanger(),
		domains: make(map[string]*listRef),
	}
	for i, def := range cfg.Lists {
		ref := &listRef{name: def.Name, severity: def.Severity, order: i}
		entries := def.Entries
		if def.File != "" {
			fromFile, err := readListFile(def.File)
			if err != nil {
				return nil, fmt.Errorf("list %q: %w", def.Name, err)
			}
			entries = append(append([]string(nil), entries...), fromFile...)
		}
		for _, entry := range entries {
			if err := b.add(entry, ref); err != nil {
				return nil, fmt.Errorf("list %q: %w", def.Name, err)
			}
		}
	}
	return b, nil
}

func readListFile(path string) ([]string, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	var entries []string
	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		entries = append(entries, line)
	}
	return entries, scanner.Err()
}

func (b *Blocklist) add(entry string, ref *listRef) error {
	entry = strings.TrimSpace(entry)
	var prefix netip.Prefix
	if p, err := netip.ParsePrefix(entry); err == nil {
		prefix = p.Masked()
	} else if a, err := netip.ParseAddr(entry); err == nil {
		prefix = netip.PrefixFrom(a, a.BitLen())
	} else {
		domain := strings.TrimSuffix(strings.ToLower(entry), ".")
		if domain == "" {
			return fmt.Errorf("empty entry")
		}
		if ref.better(b.domains[domain]) {
			b.domains[domain] = ref
		}
		return nil
	}

	addr := prefix.Addr().Unmap()
	bits := prefix.Bits()
	if prefix.Addr().Is4In6() {
		bits -= 96
	}
	network := net.IPNet{
		IP:   net.IP(addr.AsSlice()),
		Mask: net.CIDRMask(bits, addr.BitLen()),
	}
	return b.ranger.Insert(&networkEntry{network: network, list: ref})
}

// matchAddr returns the best list containing addr.
func (b *Blocklist) matchAddr(addr netip.Addr) (*listRef, bool) {
	if !addr.IsValid() {
		return nil, false
	}
	entries, err := b.ranger.ContainingNetworks(net.IP(addr.Unmap().AsSlice()))
	if err != nil || len(entries) == 0 {
		return nil, false
	}
	var best *listRef
	for _, e := range entries {
		if ref := e.(*networkEntry).list; ref.better(best) {
			best = ref
		}
	}
	return best, true
}

// matchDomain returns the best list naming domain or one of its parents.
func (b *Blocklist) matchDomain(domain string) (*listRef, string, bool) {
	domain = strings.TrimSuffix(strings.ToLower(domain), ".")
	var (
		best    *listRef
		matched string
	)
	for name := domain; name != ""; {
		if ref, ok := b.domains[name]; ok && ref.better(best) {
			best, matched = ref, name
		}
		i := strings.IndexByte(name, '.')
		if i < 0 {
			break
		}
		name = name[i+1:]
	}
	return best, matched, best != nil
}

func (b *Blocklist) Name() string { return "blocklist" }

func (b *Blocklist) Evaluate(conns []model.Connection, dns []model.DNSTransaction) []model.Alert {
	var alerts []model.Alert
	for _, c := range conns {
		ref, ok := b.matchAddr(c.Resp.Addr())
		if !ok {
			continue
		}
		alerts = append(alerts, model.Alert{
			Timestamp: c.Start,
			Type:      model.AlertBlocklist,
			SrcIP:     c.Orig.Addr(),
			DstIP:     c.Resp.Addr(),
			Severity:  model.ClampSeverity(ref.severity),
			Details: fmt.Sprintf("Connection from %s to %s (%s) on blocklist %q",
				c.Orig, c.Resp, model.ProtocolName(c.Protocol), ref.name),
		})
	}
	for _, tx := range dns {
		ref, matched, ok := b.matchDomain(tx.Query)
		if !ok {
			continue
		}
		alerts = append(alerts, model.Alert{
			Timestamp: tx.Timestamp,
			Type:      model.AlertBlocklist,
			SrcIP:     tx.Client.Addr(),
			DstIP:     tx.Resolver.Addr(),
			Severity:  model.ClampSeverity(ref.severity),
			Details:   fmt.Sprintf("DNS query for %s matches %s on blocklist %q", tx.Query, matched, ref.name),
		})
	}
	return alerts
}
