package pcap

import (
	"bufio"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/google/gopacket/layers"
	"github.com/google/gopacket/pcapgo"
)

// Format identifies the capture container.
type Format int

const (
	FormatPcap Format = iota + 1
	FormatPcapNG
)

func (f Format) String() string {
	switch f {
	case FormatPcap:
		return "pcap"
	case FormatPcapNG:
		return "pcapng"
	default:
		return "unknown"
	}
}

const (
	magicMicros     = 0xa1b2c3d4
	magicNanos      = 0xa1b23c4d
	magicPcapNGSHB  = 0x0a0d0d0a
	magicGzip       = 0x1f8b
	headerMagicSize = 4
)

var ngOptions = pcapgo.NgReaderOptions{
	WantMixedLinkType:  true,
	SkipUnknownVersion: true,
}

// FormatError reports a capture whose container header is unrecognized or
// truncated. It is fatal for the whole run.
type FormatError struct {
	Path   string
	Reason string
	Err    error
}

func (e *FormatError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("invalid capture %q: %s: %v", e.Path, e.Reason, e.Err)
	}
	return fmt.Sprintf("invalid capture %q: %s", e.Path, e.Reason)
}

func (e *FormatError) Unwrap() error { return e.Err }

// Frame is one captured record. Immutable once produced.
type Frame struct {
	Index     int
	Timestamp time.Time
	Data      []byte
	Length    int // original length on the wire
	LinkType  layers.LinkType
}

type result struct {
	frame Frame
	err   error
}

// Reader reads frames from a pcap or pcapng file in a single pass.
type Reader struct {
	file     *os.File
	format   Format
	legacy   *pcapgo.Reader
	ng       *pcapgo.NgReader
	framer   *ngFramer
	linkType layers.LinkType
	frames   int
	queue    []result
	done     bool
}

// NewReader opens the capture at filePath and validates its container header.
// Legacy pcap (either byte order, micro or nanosecond resolution, optionally
// gzip-compressed) and pcapng are accepted.
func NewReader(filePath string) (*Reader, error) {
	file, err := os.Open(filePath)
	if err != nil {
		return nil, err
	}

	r, err := newReader(file, filePath)
	if err != nil {
		file.Close()
		return nil, err
	}
	r.file = file
	return r, nil
}

func newReader(src io.Reader, name string) (*Reader, error) {
	buffered := bufio.NewReaderSize(src, 1<<16)
	head, err := buffered.Peek(headerMagicSize)
	if err != nil {
		return nil, &FormatError{Path: name, Reason: "truncated header", Err: err}
	}

	r := &Reader{}
	switch {
	case isLegacyMagic(head), binary.BigEndian.Uint16(head) == magicGzip:
		legacy, err := pcapgo.NewReader(buffered)
		if err != nil {
			return nil, &FormatError{Path: name, Reason: "bad pcap header", Err: err}
		}
		r.format = FormatPcap
		r.legacy = legacy
		r.linkType = legacy.LinkType()
	case binary.BigEndian.Uint32(head) == magicPcapNGSHB:
		framer := &ngFramer{src: buffered}
		ng, err := pcapgo.NewNgReader(framer, ngOptions)
		if err != nil {
			return nil, &FormatError{Path: name, Reason: "bad pcapng section header", Err: err}
		}
		r.format = FormatPcapNG
		r.ng = ng
		r.framer = framer
		r.linkType = ng.LinkType()
	default:
		return nil, &FormatError{Path: name, Reason: fmt.Sprintf("unrecognized magic %#x", head)}
	}
	return r, nil
}

func isLegacyMagic(head []byte) bool {
	for _, order := range []binary.ByteOrder{binary.BigEndian, binary.LittleEndian} {
		switch order.Uint32(head) {
		case magicMicros, magicNanos:
			return true
		}
	}
	return false
}

// Close closes the underlying file.
func (r *Reader) Close() error {
	if r.file == nil {
		return nil
	}
	return r.file.Close()
}

// Format returns the detected container format.
func (r *Reader) Format() Format { return r.format }

// LinkType returns the link type of the capture. For pcapng it is known once
// the first frame has been read.
func (r *Reader) LinkType() layers.LinkType { return r.linkType }

// Frames returns the number of records read so far, including the broken ones.
func (r *Reader) Frames() int { return r.frames }

// Next returns the next frame, or io.EOF once the capture is exhausted.
// A damaged record yields a non-EOF error. In pcapng a damaged packet block
// is skipped and reading resumes at the next block; otherwise record
// boundaries are lost and the following call returns io.EOF.
func (r *Reader) Next() (Frame, error) {
	if len(r.queue) == 0 && !r.done {
		r.fill()
	}
	if len(r.queue) == 0 {
		return Frame{}, io.EOF
	}
	res := r.queue[0]
	r.queue = r.queue[1:]

	res.frame.Index = r.frames
	r.frames++
	if res.err != nil {
		return res.frame, fmt.Errorf("frame %d: %w", res.frame.Index, res.err)
	}
	return res.frame, nil
}

// fill reads one record and queues it behind any blocks skipped on the way.
func (r *Reader) fill() {
	var (
		frame Frame
		err   error
	)
	switch r.format {
	case FormatPcap:
		frame, err = r.nextLegacy()
	case FormatPcapNG:
		frame, err = r.nextNg()
	default:
		err = io.EOF
	}

	if r.framer != nil {
		for _, skipped := range r.framer.drain() {
			r.queue = append(r.queue, result{err: skipped})
		}
	}
	switch {
	case err == nil:
		r.queue = append(r.queue, result{frame: frame})
	case errors.Is(err, io.EOF):
		r.done = true
	default:
		r.done = true
		r.queue = append(r.queue, result{err: err})
	}
}

func (r *Reader) nextLegacy() (Frame, error) {
	data, ci, err := r.legacy.ReadPacketData()
	if err != nil {
		return Frame{}, err
	}
	return Frame{
		Timestamp: ci.Timestamp,
		Data:      data,
		Length:    ci.Length,
		LinkType:  r.linkType,
	}, nil
}

func (r *Reader) nextNg() (Frame, error) {
	data, ci, err := r.ng.ReadPacketData()
	if err != nil {
		return Frame{}, err
	}
	linkType := r.linkType
	if len(ci.AncillaryData) > 0 {
		if lt, ok := ci.AncillaryData[0].(layers.LinkType); ok {
			linkType = lt
		}
	} else if iface, ierr := r.ng.Interface(ci.InterfaceIndex); ierr == nil {
		linkType = iface.LinkType
	}
	if r.frames == 0 {
		r.linkType = linkType
	}
	return Frame{
		Timestamp: ci.Timestamp,
		Data:      data,
		Length:    ci.Length,
		LinkType:  linkType,
	}, nil
}
