package detector

import (
	"fmt"
	"math"
	"net/netip"
	"strings"
	"time"

	"PcapSentry/internal/config"
	"PcapSentry/internal/model"
)

// DNSTunneling flags query names that are too long or look encoded.
type DNSTunneling struct {
	cfg config.DNSTunnelingConfig
}

func (r *DNSTunneling) Name() string { return "dns_tunneling" }

func (r *DNSTunneling) Evaluate(_ []model.Connection, dns []model.DNSTransaction) []model.Alert {
	type seenKey struct {
		client netip.Addr
		name   string
	}
	seen := make(map[seenKey]bool)

	var alerts []model.Alert
	for _, tx := range dns {
		key := seenKey{client: tx.Client.Addr(), name: tx.Query}
		if tx.Query == "" || seen[key] {
			continue
		}
		seen[key] = true

		reasons, ratio := r.inspect(tx.Query)
		if len(reasons) == 0 {
			continue
		}
		alerts = append(alerts, model.Alert{
			Timestamp: tx.Timestamp,
			Type:      model.AlertDNSTunneling,
			SrcIP:     tx.Client.Addr(),
			DstIP:     tx.Resolver.Addr(),
			Severity:  Severity(r.cfg.BaseSeverity, ratio, 1),
			Details:   fmt.Sprintf("Possible DNS tunneling via %s: %s", tx.Query, strings.Join(reasons, ", ")),
		})
	}
	return alerts
}

// inspect returns the tests a name fails and the largest observed/threshold
// ratio among them.
func (r *DNSTunneling) inspect(name string) ([]string, float64) {
	var (
		reasons []string
		ratio   float64
	)
	hit := func(reason string, observed, threshold float64) {
		reasons = append(reasons, reason)
		ratio = math.Max(ratio, observed/threshold)
	}

	if n := len(name); n > r.cfg.MaxNameLength {
		hit(fmt.Sprintf("name length %d > %d", n, r.cfg.MaxNameLength), float64(n), float64(r.cfg.MaxNameLength))
	}
	longest := 0
	for _, label := range strings.Split(name, ".") {
		longest = max(longest, len(label))
	}
	if longest > r.cfg.MaxLabelLength {
		hit(fmt.Sprintf("label length %d > %d", longest, r.cfg.MaxLabelLength), float64(longest), float64(r.cfg.MaxLabelLength))
	}
	if sub := strings.ReplaceAll(subdomain(name), ".", ""); len(sub) >= r.cfg.MinEntropyLength {
		if e := ShannonEntropy(sub); e > r.cfg.EntropyThreshold {
			hit(fmt.Sprintf("entropy %.2f > %.2f", e, r.cfg.EntropyThreshold), e, r.cfg.EntropyThreshold)
		}
	}
	return reasons, ratio
}

// subdomain strips the last two labels, which approximate the registered
// domain.
func subdomain(name string) string {
	labels := strings.Split(name, ".")
	if len(labels) <= 2 {
		return ""
	}
	return strings.Join(labels[:len(labels)-2], ".")
}

// ShannonEntropy returns the entropy of s in bits per byte.
func ShannonEntropy(s string) float64 {
	if len(s) == 0 {
		return 0
	}
	var freq [256]int
	for i := 0; i < len(s); i++ {
		freq[s[i]]++
	}
	var entropy float64
	n := float64(len(s))
	for _, count := range freq {
		if count == 0 {
			continue
		}
		p := float64(count) / n
		entropy -= p * math.Log2(p)
	}
	return entropy
}

// NXDomain flags a client whose lookups mostly fail within one window.
type NXDomain struct {
	cfg config.NXDomainConfig
}

func (r *NXDomain) Name() string { return "nxdomain" }

type nxAcc struct {
	txs   []model.DNSTransaction
	total int
	nx    int
}

func (a *nxAcc) add(i int) {
	a.total++
	if a.txs[i].RCode == "NXDOMAIN" {
		a.nx++
	}
}

func (a *nxAcc) remove(i int) {
	a.total--
	if a.txs[i].RCode == "NXDOMAIN" {
		a.nx--
	}
}

func (a *nxAcc) reset() { a.total, a.nx = 0, 0 }

func (r *NXDomain) Evaluate(_ []model.Connection, dns []model.DNSTransaction) []model.Alert {
	var answered []model.DNSTransaction
	for _, tx := range dns {
		if tx.Answered {
			answered = append(answered, tx)
		}
	}
	clients, byClient := groupBy(answered, func(tx model.DNSTransaction) netip.Addr { return tx.Client.Addr() })

	var alerts []model.Alert
	for _, client := range clients {
		group := byClient[client]
		sortByTime(group, func(tx model.DNSTransaction) time.Time { return tx.Timestamp })

		acc := &nxAcc{txs: group}
		at := func(i int) time.Time { return group[i].Timestamp }
		scanWindows(len(group), at, r.cfg.Window, acc, func(lo, hi int) bool {
			if acc.total < r.cfg.MinQueries {
				return false
			}
			rate := float64(acc.nx) / float64(acc.total)
			if rate <= r.cfg.RateThreshold {
				return false
			}
			alerts = append(alerts, model.Alert{
				Timestamp: group[lo].Timestamp,
				Type:      model.AlertNXDomain,
				SrcIP:     client,
				DstIP:     group[lo].Resolver.Addr(),
				Severity:  Severity(r.cfg.BaseSeverity, rate, r.cfg.RateThreshold),
				Details: fmt.Sprintf("High NXDOMAIN rate from %s: %d of %d lookups failed (%.0f%%) within %s",
					client, acc.nx, acc.total, rate*100, at(hi-1).Sub(at(lo))),
			})
			return true
		})
	}
	return alerts
}
