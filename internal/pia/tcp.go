package pia

import (
	"firestige.xyz/dpd/internal/analyzer"
	"firestige.xyz/dpd/internal/core"
	"firestige.xyz/dpd/internal/signature"
)

// TCP is the PIA for stream transports. It keeps a packet buffer for
// per-packet signatures and a stream buffer for signatures over the
// reassembled payload; the two run independently.
type TCP struct {
	analyzer.Base
	pia          *PIA
	streamBuffer *Buffer

	firstPacket  [2]bool
	pendingClear [2]bool
	// streamSeq is the relative stream offset of the next chunk.
	streamSeq [2]uint64
}

// NewTCP creates the PIA root for a TCP connection. A nil matcher disables
// detection for the connection.
func NewTCP(conn *analyzer.Conn, registry *analyzer.Registry, matcher signature.Matcher, opts Options) *TCP {
	t := &TCP{Base: analyzer.NewBase(TagTCP, conn)}
	t.pia = newPIA(&t.Base, "tcp", t, registry, matcher, opts)
	t.streamBuffer = t.pia.newBuffer("stream")
	t.pia.start()
	return t
}

// PIA returns the shared buffering and matching state.
func (t *TCP) PIA() *PIA {
	return t.pia
}

// StreamBuffer returns the reassembled-payload buffer.
func (t *TCP) StreamBuffer() *Buffer {
	return t.streamBuffer
}

func dir(isOrig bool) int {
	if isOrig {
		return 0
	}
	return 1
}

// FirstPacket hands the header of the first packet of a direction to the
// matcher, before any reassembled payload exists. Fires once per direction.
func (t *TCP) FirstPacket(isOrig bool, hdr *core.PacketHeader) {
	d := dir(isOrig)
	if t.firstPacket[d] {
		return
	}
	t.firstPacket[d] = true
	if m := t.pia.Matching(); m != nil {
		m.InitEndpoint(isOrig, hdr)
	}
}

// DeliverPacket forwards the segment payload to the children, then buffers
// and matches it against packet signatures. Matcher state is kept across
// segments of a direction.
func (t *TCP) DeliverPacket(data []byte, isOrig bool, seq uint64, hdr *core.PacketHeader, capLen int) {
	t.FirstPacket(isOrig, hdr)
	t.ForwardPacket(data, isOrig, seq, hdr, capLen)
	t.pia.deliverPacket(data, isOrig, seq, true, hdr, capLen, false)
}

// DeliverStream forwards reassembled payload to the children, then buffers
// and matches it against stream signatures. The first chunk after a gap
// resets the matcher for that direction.
func (t *TCP) DeliverStream(data []byte, isOrig bool) {
	t.ForwardStream(data, isOrig)
	if len(data) == 0 {
		return
	}

	d := dir(isOrig)
	seq := t.streamSeq[d]
	t.streamSeq[d] += uint64(len(data))

	if t.streamBuffer.State() == Skipping {
		return
	}
	t.pia.addToBuffer(t.streamBuffer, DataBlock{
		Data:   data,
		IsOrig: isOrig,
		Len:    len(data),
		Seq:    seq,
		HasSeq: true,
		CapLen: len(data),
	})
	if t.streamBuffer.State() == Skipping {
		return
	}

	clearState := t.pendingClear[d]
	t.pendingClear[d] = false
	t.pia.doMatch(signature.PatternStream, data, isOrig, true, false, clearState)
}

// Undelivered records a reassembly gap. The next stream Match for the
// direction is issued with clearState set.
func (t *TCP) Undelivered(seq uint64, length int, isOrig bool) {
	t.ForwardUndelivered(seq, length, isOrig)
	if length <= 0 {
		return
	}

	d := dir(isOrig)
	t.pendingClear[d] = true
	t.streamSeq[d] = seq + uint64(length)
	if t.streamBuffer.State() != Skipping {
		t.streamBuffer.AddGap(seq, length, isOrig)
	}
}

// PendingClear reports whether the next stream Match for the direction will
// reset the matcher state.
func (t *TCP) PendingClear(isOrig bool) bool {
	return t.pendingClear[dir(isOrig)]
}

// ActivateAnalyzer attaches the analyzer for tag and replays the stream
// buffer into it, or the packet buffer if packet replay is configured or
// the analyzer is packet oriented.
func (t *TCP) ActivateAnalyzer(tag core.Tag, rule *signature.Rule) {
	buf := t.streamBuffer
	if t.wantsPackets(tag) {
		buf = t.pia.pktBuffer
	}

	a := t.pia.instantiate(tag, rule, buf)
	if a == nil {
		return
	}
	if buf == t.pia.pktBuffer {
		t.pia.ReplayPacketBuffer(a)
	} else {
		t.ReplayStreamBuffer(a)
	}
	t.pia.pktBuffer.Freeze()
	t.streamBuffer.Freeze()
}

func (t *TCP) wantsPackets(tag core.Tag) bool {
	if t.pia.opts.ReplayPackets {
		return true
	}
	return t.pia.registry != nil && t.pia.registry.PacketOriented(tag)
}

// DeactivateAnalyzer detaches the analyzer for tag.
func (t *TCP) DeactivateAnalyzer(tag core.Tag) {
	t.pia.deactivate(tag)
}

// ReplayStreamBuffer delivers the stream buffer to a, gaps included.
func (t *TCP) ReplayStreamBuffer(a analyzer.Analyzer) {
	replay(t.streamBuffer, a, func(blk DataBlock) {
		a.DeliverStream(blk.Data, blk.IsOrig)
	})
}

// Done releases both buffers and finishes the children.
func (t *TCP) Done() {
	if t.Finished() {
		return
	}
	t.pia.done()
	t.Base.Done()
}
