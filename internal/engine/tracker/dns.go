package tracker

import (
	"encoding/binary"
	"net/netip"
	"time"

	"PcapSentry/internal/engine/protocol"
	"PcapSentry/internal/model"
)

// dnsKey matches a response to its query.
type dnsKey struct {
	id       uint16
	client   netip.AddrPort
	resolver netip.AddrPort
}

type pendingQuery struct {
	seq   uint64
	key   dnsKey
	name  string
	qtype string
	at    time.Time
}

func (q *pendingQuery) unanswered() model.DNSTransaction {
	return model.DNSTransaction{
		ID:        q.key.id,
		Client:    q.key.client,
		Resolver:  q.key.resolver,
		Query:     q.name,
		QType:     q.qtype,
		Timestamp: q.at,
	}
}

func (q *pendingQuery) answered(msg *protocol.DNSMessage, at time.Time) model.DNSTransaction {
	tx := q.unanswered()
	tx.Answered = true
	tx.RCode = msg.RCode
	tx.Answers = msg.Answers
	if latency := at.Sub(q.at); latency > 0 {
		tx.Latency = latency
	}
	return tx
}

// handleDNS decodes the DNS payload of a port-53 packet and updates the
// pending transactions. Failures only affect the DNS record.
func (t *Tracker) handleDNS(info *model.PacketInfo) {
	msg, err := protocol.ParseDNS(info.DNS)
	if err != nil {
		t.stats.DNSErrors++
		t.logger.Debug("dropping undecodable DNS message")
		t.dropAnsweredBy(info)
		return
	}
	t.stats.DNSMessages++

	ft := info.FiveTuple
	if !msg.Response {
		key := dnsKey{id: msg.ID, client: ft.Src(), resolver: ft.Dst()}
		if q, ok := t.pending[key]; ok {
			switch {
			case info.Timestamp.Sub(q.at) > t.cfg.DNSTimeout:
				t.finalizeQuery(q, nil, time.Time{})
			case q.name == msg.Name:
				t.stats.RetransmittedQueries++
				return
			default:
				t.finalizeQuery(q, nil, time.Time{})
			}
		}
		t.seq++
		t.pending[key] = &pendingQuery{
			seq:   t.seq,
			key:   key,
			name:  msg.Name,
			qtype: msg.QType,
			at:    info.Timestamp,
		}
		if n := len(t.pending); n > t.stats.PeakPendingDNS {
			t.stats.PeakPendingDNS = n
		}
		return
	}

	key := dnsKey{id: msg.ID, client: ft.Dst(), resolver: ft.Src()}
	q, ok := t.pending[key]
	if ok && info.Timestamp.Sub(q.at) > t.cfg.DNSTimeout {
		t.finalizeQuery(q, nil, time.Time{})
		ok = false
	}
	if !ok {
		t.stats.OrphanResponses++
		return
	}
	t.finalizeQuery(q, msg, info.Timestamp)
}

// dropAnsweredBy discards the pending query an undecodable response belongs
// to. The header alone identifies it; the transaction gets no record.
func (t *Tracker) dropAnsweredBy(info *model.PacketInfo) {
	if len(info.DNS) < 12 || info.DNS[2]&0x80 == 0 {
		return
	}
	ft := info.FiveTuple
	key := dnsKey{id: binary.BigEndian.Uint16(info.DNS[:2]), client: ft.Dst(), resolver: ft.Src()}
	if _, ok := t.pending[key]; ok {
		delete(t.pending, key)
		t.stats.DroppedTransactions++
	}
}

// finalizeQuery turns a pending query into a record. A nil msg records it
// as unanswered.
func (t *Tracker) finalizeQuery(q *pendingQuery, msg *protocol.DNSMessage, at time.Time) {
	delete(t.pending, q.key)
	tx := q.unanswered()
	if msg != nil {
		tx = q.answered(msg, at)
	} else {
		t.stats.Unanswered++
	}
	t.dns = append(t.dns, sequenced[model.DNSTransaction]{seq: q.seq, rec: tx})
}
