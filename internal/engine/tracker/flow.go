package tracker

import (
	"net/netip"
	"time"

	"PcapSentry/internal/config"
	"PcapSentry/internal/model"
)

// flow is the mutable state of one open flow.
type flow struct {
	seq  uint64
	key  model.FlowKey
	orig netip.AddrPort
	resp netip.AddrPort

	start time.Time
	last  time.Time

	origBytes, respBytes uint64
	origPkts, respPkts   uint64

	origSYN bool // SYN without ACK from the originator
	respSYN bool // SYN+ACK from the responder
	origFIN bool
	respFIN bool
	rst     bool

	closing   bool
	closingAt time.Time
}

func newFlow(seq uint64, key model.FlowKey, info *model.PacketInfo) *flow {
	return &flow{
		seq:     seq,
		key:     key,
		orig:    info.FiveTuple.Src(),
		resp:    info.FiveTuple.Dst(),
		start: info.Timestamp,
		last:  info.Timestamp,
	}
}

func isBareSYN(f model.TCPFlags) bool {
	return f.SYN && !f.ACK && !f.RST && !f.FIN
}

// update attributes a packet to the flow.
func (f *flow) update(info *model.PacketInfo) {
	fromOrig := info.FiveTuple.Src() == f.orig
	size := uint64(info.Length)
	if fromOrig {
		f.origBytes += size
		f.origPkts++
	} else {
		f.respBytes += size
		f.respPkts++
	}

	if info.Timestamp.Before(f.start) {
		f.start = info.Timestamp
	}
	if info.Timestamp.After(f.last) {
		f.last = info.Timestamp
	}

	if f.key.Protocol != model.ProtoTCP {
		return
	}

	flags := info.Flags
	switch {
	case flags.SYN && !flags.ACK && fromOrig:
		f.origSYN = true
	case flags.SYN && flags.ACK && !fromOrig:
		f.respSYN = true
	}
	if flags.FIN {
		if fromOrig {
			f.origFIN = true
		} else {
			f.respFIN = true
		}
	}
	if flags.RST {
		f.rst = true
	}

	if !f.closing && (f.rst || (f.origFIN && f.respFIN)) {
		f.closing = true
		f.closingAt = info.Timestamp
	}
}

// expired reports whether the flow should be finalized at time now.
func (f *flow) expired(now time.Time, cfg config.FlowConfig) bool {
	if f.closing && now.Sub(f.closingAt) > cfg.CloseLinger {
		return true
	}
	return now.Sub(f.last) > cfg.IdleTimeout(f.key.Protocol)
}

// restartedBy reports whether a packet starts a new connection on the same
// key. Only a flow that is already closing can be restarted; any other bare
// SYN is a retransmission of the open.
func (f *flow) restartedBy(info *model.PacketInfo) bool {
	return f.key.Protocol == model.ProtoTCP && f.closing && isBareSYN(info.Flags)
}

func (f *flow) state() model.ConnState {
	if f.key.Protocol != model.ProtoTCP {
		return model.StateStateless
	}
	switch {
	case f.rst && f.origSYN && !f.respSYN:
		return model.StateRejected
	case f.rst:
		return model.StateReset
	case f.origFIN && f.respFIN:
		return model.StateClosed
	case f.origFIN || f.respFIN:
		return model.StateHalfClosed
	case f.respSYN:
		return model.StateEstablished
	case f.origSYN:
		return model.StateAttempted
	default:
		return model.StateUnterminated
	}
}

func (f *flow) connection() model.Connection {
	return model.Connection{
		Key:       f.key,
		Orig:      f.orig,
		Resp:      f.resp,
		Protocol:  f.key.Protocol,
		Start:     f.start,
		End:       f.last,
		OrigBytes: f.origBytes,
		RespBytes: f.respBytes,
		OrigPkts:  f.origPkts,
		RespPkts:  f.respPkts,
		State:     f.state(),
	}
}
