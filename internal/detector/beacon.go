package detector

import (
	"fmt"
	"math"
	"net/netip"
	"time"

	"PcapSentry/internal/config"
	"PcapSentry/internal/model"
)

// Beaconing flags near-periodic connections from one host to another.
type Beaconing struct {
	cfg config.BeaconingConfig
}

func (r *Beaconing) Name() string { return "beaconing" }

type hostPair struct {
	src, dst netip.Addr
}

func (r *Beaconing) Evaluate(conns []model.Connection, _ []model.DNSTransaction) []model.Alert {
	var order []hostPair
	starts := make(map[hostPair][]time.Time)
	for _, c := range conns {
		if c.Protocol != model.ProtoTCP && c.Protocol != model.ProtoUDP {
			continue
		}
		p := hostPair{src: c.Orig.Addr(), dst: c.Resp.Addr()}
		if _, ok := starts[p]; !ok {
			order = append(order, p)
		}
		starts[p] = append(starts[p], c.Start)
	}

	var alerts []model.Alert
	for _, p := range order {
		ts := starts[p]
		if len(ts) < r.cfg.MinConnections {
			continue
		}
		sortByTime(ts, func(t time.Time) time.Time { return t })

		mean, stddev := intervalStats(ts)
		if mean < r.cfg.MinInterval || stddev > r.cfg.MaxJitter {
			continue
		}
		alerts = append(alerts, model.Alert{
			Timestamp: ts[0],
			Type:      model.AlertBeaconing,
			SrcIP:     p.src,
			DstIP:     p.dst,
			Severity:  Severity(r.cfg.BaseSeverity, float64(len(ts)), float64(r.cfg.MinConnections)),
			Details: fmt.Sprintf("Beaconing from %s to %s: %d connections every %s (jitter %s)",
				p.src, p.dst, len(ts), mean.Round(time.Millisecond), stddev.Round(time.Millisecond)),
		})
	}
	return alerts
}

// intervalStats returns the mean and population standard deviation of the
// gaps between consecutive timestamps.
func intervalStats(ts []time.Time) (mean, stddev time.Duration) {
	n := len(ts) - 1
	if n < 1 {
		return 0, 0
	}
	var sum float64
	for i := 1; i < len(ts); i++ {
		sum += float64(ts[i].Sub(ts[i-1]))
	}
	m := sum / float64(n)

	var sq float64
	for i := 1; i < len(ts); i++ {
		d := float64(ts[i].Sub(ts[i-1])) - m
		sq += d * d
	}
	return time.Duration(m), time.Duration(math.Sqrt(sq / float64(n)))
}
