package pcap

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"
)

const (
	ngBlockSHB       = 0x0a0d0d0a
	ngBlockIDB       = 1
	ngBlockSPB       = 3
	ngBlockEPB       = 6
	ngByteOrderMagic = 0x1a2b3c4d
	ngMaxBlock       = 64 << 20
)

// ErrDamagedBlock marks a pcapng packet block that was skipped because its
// contents contradict its own length or the section's interfaces.
var ErrDamagedBlock = errors.New("damaged pcapng packet block")

// errFramingLost means the block lengths are inconsistent and the next block
// boundary cannot be located.
var errFramingLost = errors.New("pcapng block framing lost")

// ngFramer hands pcapgo one whole, well-formed block at a time. Packet
// blocks whose framing is intact but whose contents are unreadable are
// dropped here and queued as errors, keeping the stream aligned.
type ngFramer struct {
	src      io.Reader
	order    binary.ByteOrder
	snaplens []uint32 // per interface of the current section
	pending  []byte
	skipped  []error
	hdr      [12]byte
}

// Read returns bytes of at most one block per call, so blocks are only
// framed once the pcapng reader asks for them.
func (f *ngFramer) Read(p []byte) (int, error) {
	for len(f.pending) == 0 {
		if err := f.nextBlock(); err != nil {
			return 0, err
		}
	}
	n := copy(p, f.pending)
	f.pending = f.pending[n:]
	return n, nil
}

// drain returns and clears the errors of the blocks skipped so far.
func (f *ngFramer) drain() []error {
	out := f.skipped
	f.skipped = nil
	return out
}

func (f *ngFramer) nextBlock() error {
	if _, err := io.ReadFull(f.src, f.hdr[:8]); err != nil {
		return err
	}

	head := 8
	typ := binary.LittleEndian.Uint32(f.hdr[:4]) // the SHB type reads the same in both orders
	if typ == ngBlockSHB {
		if _, err := io.ReadFull(f.src, f.hdr[8:12]); err != nil {
			return midBlock(err)
		}
		switch {
		case binary.BigEndian.Uint32(f.hdr[8:12]) == ngByteOrderMagic:
			f.order = binary.BigEndian
		case binary.LittleEndian.Uint32(f.hdr[8:12]) == ngByteOrderMagic:
			f.order = binary.LittleEndian
		default:
			return fmt.Errorf("%w: bad byte-order magic", errFramingLost)
		}
		f.snaplens = f.snaplens[:0]
		head = 12
	} else if f.order == nil {
		return fmt.Errorf("%w: block before section header", errFramingLost)
	} else {
		typ = f.order.Uint32(f.hdr[:4])
	}

	total := f.order.Uint32(f.hdr[4:8])
	if total < 12 || total%4 != 0 || total > ngMaxBlock {
		return fmt.Errorf("%w: block length %d", errFramingLost, total)
	}
	block := make([]byte, total)
	copy(block, f.hdr[:head])
	if _, err := io.ReadFull(f.src, block[head:]); err != nil {
		return midBlock(err)
	}
	if trailer := f.order.Uint32(block[total-4:]); trailer != total {
		return fmt.Errorf("%w: block length %d, trailer %d", errFramingLost, total, trailer)
	}

	switch typ {
	case ngBlockIDB:
		var snaplen uint32
		if total >= 20 {
			snaplen = f.order.Uint32(block[12:16])
		}
		f.snaplens = append(f.snaplens, snaplen)
	case ngBlockEPB, ngBlockSPB:
		if err := f.checkPacket(typ, block); err != nil {
			f.skipped = append(f.skipped, err)
			return nil
		}
	}
	f.pending = block
	return nil
}

func (f *ngFramer) checkPacket(typ uint32, block []byte) error {
	total := uint32(len(block))
	if typ == ngBlockSPB {
		if len(f.snaplens) == 0 {
			return fmt.Errorf("%w: simple packet without an interface", ErrDamagedBlock)
		}
		if total < 16 {
			return fmt.Errorf("%w: simple packet block of %d bytes", ErrDamagedBlock, total)
		}
		caplen := f.order.Uint32(block[8:12])
		if snap := f.snaplens[0]; snap != 0 && caplen > snap {
			caplen = snap
		}
		if caplen > total-16 {
			return fmt.Errorf("%w: captured length %d exceeds block", ErrDamagedBlock, caplen)
		}
		return nil
	}

	if total < 32 {
		return fmt.Errorf("%w: enhanced packet block of %d bytes", ErrDamagedBlock, total)
	}
	if iface := f.order.Uint32(block[8:12]); iface >= uint32(len(f.snaplens)) {
		return fmt.Errorf("%w: unknown interface %d", ErrDamagedBlock, iface)
	}
	if caplen := f.order.Uint32(block[20:24]); caplen > total-32 {
		return fmt.Errorf("%w: captured length %d exceeds block", ErrDamagedBlock, caplen)
	}
	return nil
}

func midBlock(err error) error {
	if errors.Is(err, io.EOF) {
		return io.ErrUnexpectedEOF
	}
	return err
}
