package detector

import (
	"fmt"
	"net/netip"
	"time"

	"PcapSentry/internal/config"
	"PcapSentry/internal/model"
)

// PortScan flags a source that reaches many destination ports, or many
// destination hosts, within one window.
type PortScan struct {
	cfg config.PortScanConfig
}

func (r *PortScan) Name() string { return "port_scan" }

type portScanAcc struct {
	conns []model.Connection
	ports multiset[uint16]
	hosts multiset[netip.Addr]
}

func (a *portScanAcc) add(i int) {
	a.ports.add(a.conns[i].Resp.Port())
	a.hosts.add(a.conns[i].Resp.Addr())
}

func (a *portScanAcc) remove(i int) {
	a.ports.remove(a.conns[i].Resp.Port())
	a.hosts.remove(a.conns[i].Resp.Addr())
}

func (a *portScanAcc) reset() {
	clear(a.ports)
	clear(a.hosts)
}

func (r *PortScan) Evaluate(conns []model.Connection, _ []model.DNSTransaction) []model.Alert {
	var candidates []model.Connection
	for _, c := range conns {
		if c.Protocol == model.ProtoTCP || c.Protocol == model.ProtoUDP {
			candidates = append(candidates, c)
		}
	}
	sources, bySource := groupBy(candidates, func(c model.Connection) netip.Addr { return c.Orig.Addr() })

	var alerts []model.Alert
	for _, src := range sources {
		group := bySource[src]
		sortByTime(group, func(c model.Connection) time.Time { return c.Start })

		acc := &portScanAcc{conns: group, ports: multiset[uint16]{}, hosts: multiset[netip.Addr]{}}
		at := func(i int) time.Time { return group[i].Start }
		scanWindows(len(group), at, r.cfg.Window, acc, func(lo, hi int) bool {
			ports, hosts := len(acc.ports), len(acc.hosts)
			portHit := ports >= r.cfg.PortThreshold
			hostHit := r.cfg.HostThreshold > 0 && hosts >= r.cfg.HostThreshold
			if !portHit && !hostHit {
				return false
			}

			severity := 0
			if portHit {
				severity = Severity(r.cfg.BaseSeverity, float64(ports), float64(r.cfg.PortThreshold))
			}
			if hostHit {
				severity = max(severity, Severity(r.cfg.BaseSeverity, float64(hosts), float64(r.cfg.HostThreshold)))
			}

			var dst netip.Addr
			if hosts == 1 {
				dst = group[lo].Resp.Addr()
			}
			alerts = append(alerts, model.Alert{
				Timestamp: group[lo].Start,
				Type:      model.AlertPortScan,
				SrcIP:     src,
				DstIP:     dst,
				Severity:  severity,
				Details: fmt.Sprintf("Port scan from %s: %d distinct ports on %d hosts within %s",
					src, ports, hosts, at(hi-1).Sub(at(lo))),
			})
			return true
		})
	}
	return alerts
}
