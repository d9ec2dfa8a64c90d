package detector

import (
	"fmt"
	"net/netip"
	"time"

	"PcapSentry/internal/config"
	"PcapSentry/internal/model"
)

// Exfiltration flags a source that sends more than a byte budget within
// one window.
type Exfiltration struct {
	cfg config.ExfiltrationConfig
}

func (r *Exfiltration) Name() string { return "exfiltration" }

type volumeAcc struct {
	conns []model.Connection
	bytes uint64
	hosts multiset[netip.Addr]
}

func (a *volumeAcc) add(i int) {
	a.bytes += a.conns[i].OrigBytes
	a.hosts.add(a.conns[i].Resp.Addr())
}

func (a *volumeAcc) remove(i int) {
	a.bytes -= a.conns[i].OrigBytes
	a.hosts.remove(a.conns[i].Resp.Addr())
}

func (a *volumeAcc) reset() {
	a.bytes = 0
	clear(a.hosts)
}

func (r *Exfiltration) Evaluate(conns []model.Connection, _ []model.DNSTransaction) []model.Alert {
	sources, bySource := groupBy(conns, func(c model.Connection) netip.Addr { return c.Orig.Addr() })

	var alerts []model.Alert
	for _, src := range sources {
		group := bySource[src]
		sortByTime(group, func(c model.Connection) time.Time { return c.Start })

		acc := &volumeAcc{conns: group, hosts: multiset[netip.Addr]{}}
		at := func(i int) time.Time { return group[i].Start }
		scanWindows(len(group), at, r.cfg.Window, acc, func(lo, hi int) bool {
			if acc.bytes <= r.cfg.ByteThreshold {
				return false
			}
			var dst netip.Addr
			if len(acc.hosts) == 1 {
				dst = group[lo].Resp.Addr()
			}
			alerts = append(alerts, model.Alert{
				Timestamp: group[lo].Start,
				Type:      model.AlertExfiltration,
				SrcIP:     src,
				DstIP:     dst,
				Severity:  Severity(r.cfg.BaseSeverity, float64(acc.bytes), float64(r.cfg.ByteThreshold)),
				Details: fmt.Sprintf("Large outbound volume from %s: %d bytes to %d hosts within %s",
					src, acc.bytes, len(acc.hosts), at(hi-1).Sub(at(lo))),
			})
			return true
		})
	}
	return alerts
}
