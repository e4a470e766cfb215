package session

import (
	"encoding/binary"
	"fmt"
	"net/netip"
	"strconv"
	"time"

	"github.com/google/gopacket"

	"firestige.xyz/dpd/internal/analyzer"
	"firestige.xyz/dpd/internal/core"
	"firestige.xyz/dpd/internal/pia"
)

// connKey is direction independent: both directions of a connection map to
// the same key.
func connKey(proto uint8, src, dst netip.AddrPort) string {
	if src.Compare(dst) > 0 {
		src, dst = dst, src
	}
	return strconv.Itoa(int(proto)) + "|" + src.String() + "|" + dst.String()
}

// endpointConn addresses one direction of one tracked connection in the
// reassembler: 8 bytes of connection generation plus a direction byte.
var endpointConn = gopacket.RegisterEndpointType(1000, gopacket.EndpointTypeMetadata{
	Name: "conn",
	Formatter: func(b []byte) string {
		if len(b) != 9 {
			return fmt.Sprintf("%x", b)
		}
		return fmt.Sprintf("%d/%d", binary.BigEndian.Uint64(b), b[8])
	},
})

// conn is one entry of the connection table.
type conn struct {
	key  string
	gen  uint64
	info *analyzer.Conn
	root analyzer.Analyzer
	tcp  *pia.TCP
	udp  *pia.UDP

	packets [2]uint64
	bytes   [2]uint64
	isn     [2]uint32
	seenDir [2]bool
	fin     [2]bool
	rst     bool
	done    bool
}

func dirIndex(isOrig bool) int {
	if isOrig {
		return 0
	}
	return 1
}

// newConnID orients a connection: the sender of the first packet is the
// originator, unless that packet is a SYN-ACK.
func newConnID(hdr *core.PacketHeader) core.ConnID {
	id := core.ConnID{
		OrigIP:   hdr.IP.SrcIP,
		RespIP:   hdr.IP.DstIP,
		OrigPort: hdr.Transport.SrcPort,
		RespPort: hdr.Transport.DstPort,
		Proto:    hdr.Transport.Protocol,
	}
	if id.Proto == core.ProtoTCP && hdr.Transport.TCPFlags&(flagSYN|flagACK) == flagSYN|flagACK {
		id = id.Reverse()
	}
	return id
}

// flow is the reassembler key of one direction. Keying by generation
// rather than by address keeps half-streams of an evicted connection away
// from a later connection reusing its 5-tuple.
func (c *conn) flow(isOrig bool) gopacket.Flow {
	var src, dst [9]byte
	binary.BigEndian.PutUint64(src[:], c.gen)
	binary.BigEndian.PutUint64(dst[:], c.gen)
	if isOrig {
		dst[8] = 1
	} else {
		src[8] = 1
	}
	return gopacket.NewFlow(endpointConn, src[:], dst[:])
}

// isOrig reports whether hdr travels from originator to responder.
func (c *conn) isOrig(hdr *core.PacketHeader) bool {
	id := c.info.ID
	return hdr.IP.SrcIP == id.OrigIP && hdr.Transport.SrcPort == id.OrigPort
}

// relSeq converts an absolute TCP sequence number to an offset from the
// first sequence number seen in the direction.
func (c *conn) relSeq(isOrig bool, hdr *core.PacketHeader) uint64 {
	d := dirIndex(isOrig)
	seq := hdr.Transport.SeqNum
	if !c.seenDir[d] {
		c.seenDir[d] = true
		c.isn[d] = seq
		if hdr.Transport.TCPFlags&flagSYN != 0 {
			c.isn[d]++
		}
	}
	return uint64(seq - c.isn[d])
}

// closed reports whether the TCP connection saw a reset or both FINs.
func (c *conn) closed() bool {
	return c.rst || (c.fin[0] && c.fin[1])
}

// reusedBy reports whether hdr opens a new connection on the 5-tuple of a
// closed one.
func (c *conn) reusedBy(hdr *core.PacketHeader) bool {
	return c.tcp != nil && c.closed() &&
		hdr.Transport.TCPFlags&(flagSYN|flagACK) == flagSYN
}

func (c *conn) idleFor(now time.Time) time.Duration {
	return now.Sub(c.info.LastSeen)
}
