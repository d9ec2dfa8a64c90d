// Package tracker reconstructs connections and DNS transactions from a
// stream of decoded packets.
package tracker

import (
	"sort"
	"time"

	"PcapSentry/internal/config"
	"PcapSentry/internal/model"

	"go.uber.org/zap"
)

// Stats counts what the tracker saw and recovered from.
type Stats struct {
	Packets              uint64
	DNSMessages          uint64
	DNSErrors            uint64
	OrphanResponses      uint64
	RetransmittedQueries uint64
	Unanswered           uint64
	DroppedTransactions  uint64 // queries whose response could not be decoded
	Restarts             uint64 // flows split by a new SYN on the same key
	Sweeps               uint64
	PeakOpenFlows        int
	PeakPendingDNS       int
}

type sequenced[T any] struct {
	seq uint64
	rec T
}

// Tracker holds the open-flow and pending-DNS tables. It is driven by a
// single goroutine.
type Tracker struct {
	cfg    config.FlowConfig
	logger *zap.Logger

	flows   map[model.FlowKey]*flow
	pending map[dnsKey]*pendingQuery

	conns []sequenced[model.Connection]
	dns   []sequenced[model.DNSTransaction]

	seq       uint64
	clock     time.Time
	lastSweep time.Time
	stats     Stats
	finished  bool
}

// New creates a Tracker. A nil logger discards log output.
func New(cfg config.FlowConfig, logger *zap.Logger) *Tracker {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Tracker{
		cfg:     cfg,
		logger:  logger,
		flows:   make(map[model.FlowKey]*flow),
		pending: make(map[dnsKey]*pendingQuery),
	}
}

// Process attributes one packet to its flow and, for port-53 traffic, to
// its DNS transaction.
func (t *Tracker) Process(info *model.PacketInfo) {
	if t.finished {
		return
	}
	t.stats.Packets++
	t.advance(info.Timestamp)

	key := model.NewFlowKey(info.FiveTuple)
	f, ok := t.flows[key]
	if ok && (f.expired(info.Timestamp, t.cfg) || f.restartedBy(info)) {
		if !f.expired(info.Timestamp, t.cfg) {
			t.stats.Restarts++
		}
		t.finalizeFlow(f)
		ok = false
	}
	if !ok {
		t.seq++
		f = newFlow(t.seq, key, info)
		t.flows[key] = f
		if n := len(t.flows); n > t.stats.PeakOpenFlows {
			t.stats.PeakOpenFlows = n
		}
	}
	f.update(info)

	if info.DNS != nil {
		t.handleDNS(info)
	}
}

// advance moves the capture clock and runs the eviction sweep when due.
func (t *Tracker) advance(ts time.Time) {
	if ts.After(t.clock) {
		t.clock = ts
	}
	if t.lastSweep.IsZero() {
		t.lastSweep = t.clock
		return
	}
	if t.clock.Sub(t.lastSweep) >= t.cfg.SweepInterval {
		t.sweep(t.clock)
		t.lastSweep = t.clock
	}
}

// sweep finalizes every flow and query that has expired at now.
func (t *Tracker) sweep(now time.Time) {
	t.stats.Sweeps++
	for _, f := range t.flows {
		if f.expired(now, t.cfg) {
			t.finalizeFlow(f)
		}
	}
	for _, q := range t.pending {
		if now.Sub(q.at) > t.cfg.DNSTimeout {
			t.finalizeQuery(q, nil, time.Time{})
		}
	}
}

func (t *Tracker) finalizeFlow(f *flow) {
	delete(t.flows, f.key)
	t.conns = append(t.conns, sequenced[model.Connection]{seq: f.seq, rec: f.connection()})
}

// OpenFlows returns the number of flows not yet finalized.
func (t *Tracker) OpenFlows() int { return len(t.flows) }

// PendingQueries returns the number of DNS queries still waiting for a response.
func (t *Tracker) PendingQueries() int { return len(t.pending) }

// Stats returns a copy of the counters.
func (t *Tracker) Stats() Stats { return t.stats }

// Finish flushes all remaining state and returns the connection records
// ordered by first-seen time and the DNS records ordered by request time.
// Ties keep creation order. Further calls return the same records.
func (t *Tracker) Finish() ([]model.Connection, []model.DNSTransaction) {
	if !t.finished {
		t.finished = true
		for _, f := range t.flows {
			t.finalizeFlow(f)
		}
		for _, q := range t.pending {
			t.finalizeQuery(q, nil, time.Time{})
		}
		sort.Slice(t.conns, func(i, j int) bool {
			a, b := t.conns[i], t.conns[j]
			if !a.rec.Start.Equal(b.rec.Start) {
				return a.rec.Start.Before(b.rec.Start)
			}
			return a.seq < b.seq
		})
		sort.Slice(t.dns, func(i, j int) bool {
			a, b := t.dns[i], t.dns[j]
			if !a.rec.Timestamp.Equal(b.rec.Timestamp) {
				return a.rec.Timestamp.Before(b.rec.Timestamp)
			}
			return a.seq < b.seq
		})
		t.logger.Info("reconstruction finished",
			zap.Int("connections", len(t.conns)),
			zap.Int("dns_transactions", len(t.dns)),
			zap.Uint64("dns_errors", t.stats.DNSErrors),
			zap.Uint64("orphan_responses", t.stats.OrphanResponses),
			zap.Uint64("unanswered", t.stats.Unanswered),
			zap.Uint64("dropped_transactions", t.stats.DroppedTransactions),
			zap.Int("peak_open_flows", t.stats.PeakOpenFlows),
		)
	}

	conns := make([]model.Connection, len(t.conns))
	for i, c := range t.conns {
		conns[i] = c.rec
	}
	txs := make([]model.DNSTransaction, len(t.dns))
	for i, d := range t.dns {
		txs[i] = d.rec
	}
	return conns, txs
}
