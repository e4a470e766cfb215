// Package pia implements protocol identification and activation: it
// buffers the first bytes of a connection while offering them to the
// signature engine, and when a signature names the protocol it attaches the
// matching analyzer and replays everything buffered so far into it.
//
// All methods run on the goroutine that owns the connection. Nothing here is
// safe for concurrent use and nothing needs to be: no state is shared between
// connections.
package pia

import (
	"log/slog"

	"firestige.xyz/dpd/internal/analyzer"
	"firestige.xyz/dpd/internal/core"
	"firestige.xyz/dpd/internal/metrics"
	"firestige.xyz/dpd/internal/signature"
)

// Analyzer tags of the PIA roots themselves.
const (
	TagUDP core.Tag = "PIA_UDP"
	TagTCP core.Tag = "PIA_TCP"
)

// DefaultMaxBufferSize is the per-buffer cap used when Options gives a
// negative one.
const DefaultMaxBufferSize = 1024 * 1024

// Options configures a PIA.
type Options struct {
	// MaxBufferSize caps the bytes retained per buffer. 0 never buffers:
	// analyzers are still activated but get no replay.
	MaxBufferSize int
	// DPDEnabled false puts every buffer in Skipping right away.
	DPDEnabled bool
	// MatchOnlyBeginning moves an overflowing buffer to Skipping instead of
	// MatchingOnly, so only the first MaxBufferSize bytes are ever matched.
	MatchOnlyBeginning bool
	// SkipWhenExhausted moves every buffer to Skipping once the signature
	// engine reports that no rule can fire anymore.
	SkipWhenExhausted bool
	// ReplayPackets makes PIA_TCP replay the packet buffer instead of the
	// stream buffer to every newly activated child.
	ReplayPackets bool
}

// DefaultOptions returns the options used when no configuration is given.
func DefaultOptions() Options {
	return Options{
		MaxBufferSize:     DefaultMaxBufferSize,
		DPDEnabled:        true,
		SkipWhenExhausted: true,
	}
}

// PIA is the transport-agnostic part shared by UDP and TCP. The transport
// types embed an analyzer.Base to take part in the analyzer tree and hold a
// *PIA for buffering and matching.
type PIA struct {
	tree      *analyzer.Base
	transport string
	registry  *analyzer.Registry
	opts      Options
	matching  signature.Matching

	pktBuffer *Buffer
	buffers   []*Buffer

	current    DataBlock
	hasCurrent bool
}

func newPIA(tree *analyzer.Base, transport string, self signature.Activator,
	registry *analyzer.Registry, matcher signature.Matcher, opts Options) *PIA {
	if opts.MaxBufferSize < 0 {
		opts.MaxBufferSize = DefaultMaxBufferSize
	}

	p := &PIA{
		tree:      tree,
		transport: transport,
		registry:  registry,
		opts:      opts,
	}
	p.pktBuffer = p.newBuffer("packet")

	if matcher != nil && opts.DPDEnabled {
		p.matching = matcher.NewMatching(tree.Conn().ID, self)
	}
	return p
}

func (p *PIA) newBuffer(name string) *Buffer {
	b := newBuffer(name, p.opts.MaxBufferSize, p.stateChanged)
	p.buffers = append(p.buffers, b)
	return b
}

// start applies the DPD policy once all buffers exist.
func (p *PIA) start() {
	if p.matching == nil {
		p.Skip("dpd disabled")
	}
}

func (p *PIA) stateChanged(b *Buffer, from, to State) {
	metrics.PIAStateTransitionsTotal.WithLabelValues(p.transport, b.Name(), to.String()).Inc()
	slog.Debug("pia buffer state changed",
		"conn", p.tree.Conn().UID,
		"transport", p.transport,
		"buffer", b.Name(),
		"from", from.String(),
		"to", to.String())
}

// PacketBuffer returns the packet-granularity buffer.
func (p *PIA) PacketBuffer() *Buffer {
	return p.pktBuffer
}

// Matching returns the per-connection signature matching state, or nil when
// detection is disabled.
func (p *PIA) Matching() signature.Matching {
	return p.matching
}

// Skip moves every buffer to Skipping. Used when the engine has nothing left
// to decide or detection was turned off for the connection.
func (p *PIA) Skip(reason string) {
	skipped := false
	for _, b := range p.buffers {
		if b.State() != Skipping {
			b.Skip()
			skipped = true
		}
	}
	if skipped {
		slog.Debug("pia skipping", "conn", p.tree.Conn().UID, "transport", p.transport, "reason", reason)
	}
}

// Match submits one chunk to the signature engine. The call chain is
// re-entrant: a matching rule calls ActivateAnalyzer synchronously, which
// instantiates the analyzer and replays buffered data into it, all before
// Match returns.
func (p *PIA) Match(pt signature.PatternType, data []byte, isOrig, bol, eol, clearState bool) {
	if p.matching == nil {
		return
	}
	var hdr *core.PacketHeader
	if p.hasCurrent {
		hdr = p.current.Header
	}
	p.matching.InitEndpoint(isOrig, hdr)
	p.matching.Match(pt, data, isOrig, bol, eol, clearState)
}

// doMatch matches and then applies the exhaustion policy.
func (p *PIA) doMatch(pt signature.PatternType, data []byte, isOrig, bol, eol, clearState bool) {
	p.Match(pt, data, isOrig, bol, eol, clearState)
	if p.opts.SkipWhenExhausted && p.matching != nil && p.matching.Exhausted() {
		p.Skip("signatures exhausted")
	}
}

// CurrentPacket returns the packet being delivered, if any.
func (p *PIA) CurrentPacket() (DataBlock, bool) {
	return p.current, p.hasCurrent
}

// deliverPacket is the shared packet path: buffer while undecided, match,
// and enforce the size policy. Forwarding to children is left to the caller.
func (p *PIA) deliverPacket(data []byte, isOrig bool, seq uint64, hasSeq bool,
	hdr *core.PacketHeader, capLen int, clearState bool) {
	if len(data) == 0 || p.pktBuffer.State() == Skipping {
		return
	}

	p.current = DataBlock{
		Data:   data,
		IsOrig: isOrig,
		Len:    len(data),
		Seq:    seq,
		HasSeq: hasSeq,
		Header: hdr,
		CapLen: capLen,
	}
	p.hasCurrent = true
	defer func() {
		p.current = DataBlock{}
		p.hasCurrent = false
	}()

	p.addToBuffer(p.pktBuffer, p.current)
	if p.pktBuffer.State() == Skipping {
		return
	}
	p.doMatch(signature.PatternPacket, data, isOrig, true, false, clearState)
}

// addToBuffer appends blk and applies the overflow policy.
func (p *PIA) addToBuffer(b *Buffer, blk DataBlock) {
	was := b.State()
	if b.add(blk) {
		return
	}
	if was == Buffering || was == Init {
		if b.State() == MatchingOnly {
			slog.Debug("pia buffer limit reached",
				"conn", p.tree.Conn().UID,
				"buffer", b.Name(),
				"size", b.Size(),
				"limit", b.Limit())
			if p.opts.MatchOnlyBeginning {
				b.Skip()
			}
		}
	}
}

// instantiate creates the analyzer for tag if b can still give it the full
// history, or if b never buffers at all. A refused activation is not an
// error: the connection simply does not get that analyzer.
func (p *PIA) instantiate(tag core.Tag, rule *signature.Rule, b *Buffer) analyzer.Analyzer {
	conn := p.tree.Conn()

	if p.tree.HasChild(tag) {
		return nil
	}
	if !b.Complete() && b.Limit() > 0 {
		metrics.PIALateMatchesTotal.WithLabelValues(p.transport, tag.String()).Inc()
		slog.Info("analyzer matched after buffered data was discarded",
			"conn", conn.UID,
			"analyzer", tag.String(),
			"rule", ruleID(rule),
			"buffer", b.Name())
		return nil
	}

	a, err := p.registry.Instantiate(tag, conn)
	if err != nil {
		slog.Warn("cannot activate analyzer", "conn", conn.UID, "analyzer", tag.String(), "error", err)
		return nil
	}
	if !p.tree.AddChild(a) {
		return nil
	}

	metrics.PIAActivationsTotal.WithLabelValues(p.transport, tag.String()).Inc()
	slog.Info("analyzer activated",
		"conn", conn.UID,
		"id", conn.ID.String(),
		"analyzer", tag.String(),
		"rule", ruleID(rule))
	return a
}

// deactivate detaches the child with tag, leaving other children alone.
func (p *PIA) deactivate(tag core.Tag) {
	if p.tree.RemoveChild(tag) == nil {
		return
	}
	metrics.PIADeactivationsTotal.WithLabelValues(p.transport, tag.String()).Inc()
	slog.Info("analyzer deactivated", "conn", p.tree.Conn().UID, "analyzer", tag.String())
}

// ReplayPacketBuffer delivers the packet buffer to a, head to tail, with the
// original direction, sequence number and header of every block.
func (p *PIA) ReplayPacketBuffer(a analyzer.Analyzer) {
	replay(p.pktBuffer, a, func(blk DataBlock) {
		a.DeliverPacket(blk.Data, blk.IsOrig, blk.Seq, blk.Header, blk.CapLen)
	})
}

// replay walks b and hands data blocks to deliver and gaps to
// a.Undelivered.
func replay(b *Buffer, a analyzer.Analyzer, deliver func(DataBlock)) {
	n := 0
	for _, blk := range b.Blocks() {
		if blk.Gap {
			a.Undelivered(blk.Seq, blk.Len, blk.IsOrig)
			continue
		}
		deliver(blk)
		n += blk.Len
	}
	if n > 0 {
		metrics.PIAReplayedBytesTotal.WithLabelValues(b.Name()).Add(float64(n))
	}
}

// done releases every buffer. Called on connection teardown.
func (p *PIA) done() {
	for _, b := range p.buffers {
		b.Clear()
	}
}

func ruleID(r *signature.Rule) string {
	if r == nil {
		return ""
	}
	return r.ID
}
