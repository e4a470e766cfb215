package pia

import (
	"bytes"

	"firestige.xyz/dpd/internal/core"
	"firestige.xyz/dpd/internal/metrics"
)

// State is the accumulation state of a Buffer.
type State int

const (
	// Init: no data yet.
	Init State = iota
	// Buffering: chunks are retained for replay and offered to the matcher.
	Buffering
	// MatchingOnly: chunks are offered to the matcher. After an activation
	// they are still retained up to the limit, so a later candidate gets the
	// full history; after an overflow nothing more is retained.
	MatchingOnly
	// Skipping: neither buffering nor matching. Terminal.
	Skipping
)

func (s State) String() string {
	switch s {
	case Init:
		return "init"
	case Buffering:
		return "buffering"
	case MatchingOnly:
		return "matching_only"
	case Skipping:
		return "skipping"
	default:
		return "unknown"
	}
}

// DataBlock is one captured chunk. A block with Gap set records a content
// gap of Len bytes instead of data.
type DataBlock struct {
	Data   []byte
	IsOrig bool
	Len    int
	Seq    uint64
	HasSeq bool
	Gap    bool
	Header *core.PacketHeader
	CapLen int
}

// Buffer is an append-only run of DataBlocks captured before a decision was
// made, plus its state. The blocks live in one growable slice; they are
// released together by Clear.
type Buffer struct {
	name   string
	limit  int
	blocks []DataBlock
	size   int
	state  State
	// lossy is set once a chunk was offered but not retained, which means
	// the retained blocks no longer equal the full history.
	lossy bool
	// retain keeps appending in MatchingOnly. Set by Freeze.
	retain bool
	// onState is called on every state change.
	onState func(b *Buffer, from, to State)
}

func newBuffer(name string, limit int, onState func(b *Buffer, from, to State)) *Buffer {
	return &Buffer{name: name, limit: limit, onState: onState}
}

// Name returns "packet" or "stream".
func (b *Buffer) Name() string { return b.name }

// State returns the current state.
func (b *Buffer) State() State { return b.state }

// Size returns the number of data bytes retained.
func (b *Buffer) Size() int { return b.size }

// Len returns the number of retained blocks.
func (b *Buffer) Len() int { return len(b.blocks) }

// Limit returns the configured cap in bytes.
func (b *Buffer) Limit() int { return b.limit }

// Blocks returns the retained blocks in capture order. The slice must not be
// modified.
func (b *Buffer) Blocks() []DataBlock { return b.blocks }

// Complete reports whether the retained blocks still hold every chunk that
// was offered to the buffer.
func (b *Buffer) Complete() bool { return !b.lossy }

func (b *Buffer) setState(s State) {
	if b.state == s || b.state == Skipping {
		return
	}
	from := b.state
	b.state = s
	if b.onState != nil {
		b.onState(b, from, s)
	}
}

// Add appends a copy of data as a new block and reports whether it was
// retained. Zero-length data is ignored. The first chunk moves the buffer
// from Init to Buffering. A chunk that would push Size past the limit moves
// the buffer to MatchingOnly instead of being stored, and ends retention of
// a frozen buffer.
func (b *Buffer) Add(data []byte, isOrig bool, seq uint64, hasSeq bool, hdr *core.PacketHeader) bool {
	return b.add(DataBlock{
		Data:   data,
		IsOrig: isOrig,
		Len:    len(data),
		Seq:    seq,
		HasSeq: hasSeq,
		Header: hdr,
		CapLen: len(data),
	})
}

func (b *Buffer) add(blk DataBlock) bool {
	if len(blk.Data) == 0 {
		return false
	}
	if b.state == Init {
		b.setState(Buffering)
	}
	if !b.retaining() {
		b.lossy = true
		return false
	}
	if b.size+len(blk.Data) > b.limit {
		b.lossy = true
		b.retain = false
		b.setState(MatchingOnly)
		return false
	}

	blk.Data = bytes.Clone(blk.Data)
	blk.Len = len(blk.Data)
	b.blocks = append(b.blocks, blk)
	b.size += blk.Len
	metrics.PIABufferedBytes.WithLabelValues(b.name).Add(float64(blk.Len))
	return true
}

// AddGap records a content gap of length bytes starting at seq. Gaps do not
// count towards Size. A buffer that no longer retains only marks itself
// lossy.
func (b *Buffer) AddGap(seq uint64, length int, isOrig bool) {
	if length <= 0 {
		return
	}
	if b.state == Init {
		b.setState(Buffering)
	}
	if !b.retaining() {
		b.lossy = true
		return
	}
	b.blocks = append(b.blocks, DataBlock{
		IsOrig: isOrig,
		Len:    length,
		Seq:    seq,
		HasSeq: true,
		Gap:    true,
	})
}

// Freeze marks a decision: the buffer moves to MatchingOnly but keeps its
// blocks and goes on retaining chunks up to the limit, so analyzers
// activated later in the connection can still be replayed the full history.
// Freezing a buffer that already overflowed changes nothing.
func (b *Buffer) Freeze() {
	if b.state == Init || b.state == Buffering {
		b.retain = !b.lossy
		b.setState(MatchingOnly)
	}
}

func (b *Buffer) retaining() bool {
	return b.state == Buffering || (b.state == MatchingOnly && b.retain)
}

// Skip moves the buffer to the terminal Skipping state and releases its
// blocks.
func (b *Buffer) Skip() {
	if len(b.blocks) > 0 {
		b.lossy = true
	}
	b.release()
	b.retain = false
	b.setState(Skipping)
}

// Clear releases every block and resets size and state. Idempotent. A
// Skipping buffer stays Skipping.
func (b *Buffer) Clear() {
	b.release()
	b.retain = false
	if b.state != Skipping {
		b.lossy = false
		from := b.state
		b.state = Init
		if from != Init && b.onState != nil {
			b.onState(b, from, Init)
		}
	}
}

func (b *Buffer) release() {
	if b.size > 0 {
		metrics.PIABufferedBytes.WithLabelValues(b.name).Sub(float64(b.size))
	}
	b.blocks = nil
	b.size = 0
}
