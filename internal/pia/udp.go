package pia

import (
	"firestige.xyz/dpd/internal/analyzer"
	"firestige.xyz/dpd/internal/core"
	"firestige.xyz/dpd/internal/signature"
)

// UDP is the PIA for datagram transports: one packet buffer, one decision
// point per datagram.
type UDP struct {
	analyzer.Base
	pia *PIA
}

// NewUDP creates the PIA root for a UDP connection. A nil matcher disables
// detection for the connection.
func NewUDP(conn *analyzer.Conn, registry *analyzer.Registry, matcher signature.Matcher, opts Options) *UDP {
	u := &UDP{Base: analyzer.NewBase(TagUDP, conn)}
	u.pia = newPIA(&u.Base, "udp", u, registry, matcher, opts)
	u.pia.start()
	return u
}

// PIA returns the shared buffering and matching state.
func (u *UDP) PIA() *PIA {
	return u.pia
}

// DeliverPacket forwards the datagram to the attached children, then buffers
// and matches it. Forwarding first means a child activated by this very
// datagram receives it once, through replay.
func (u *UDP) DeliverPacket(data []byte, isOrig bool, seq uint64, hdr *core.PacketHeader, capLen int) {
	u.ForwardPacket(data, isOrig, seq, hdr, capLen)
	u.pia.deliverPacket(data, isOrig, seq, false, hdr, capLen, true)
}

// ActivateAnalyzer attaches the analyzer for tag and replays the packet
// buffer into it.
func (u *UDP) ActivateAnalyzer(tag core.Tag, rule *signature.Rule) {
	a := u.pia.instantiate(tag, rule, u.pia.pktBuffer)
	if a == nil {
		return
	}
	u.pia.ReplayPacketBuffer(a)
	u.pia.pktBuffer.Freeze()
}

// DeactivateAnalyzer detaches the analyzer for tag.
func (u *UDP) DeactivateAnalyzer(tag core.Tag) {
	u.pia.deactivate(tag)
}

// Done releases the buffer and finishes the children.
func (u *UDP) Done() {
	if u.Finished() {
		return
	}
	u.pia.done()
	u.Base.Done()
}
