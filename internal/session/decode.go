package session

import (
	"fmt"
	"net"
	"net/netip"
	"time"

	"github.com/google/gopacket"
	"github.com/google/gopacket/ip4defrag"
	"github.com/google/gopacket/layers"

	"firestige.xyz/dpd/internal/core"
	"firestige.xyz/dpd/internal/metrics"
)

// packet is one decoded frame, ready for dispatch. The transport layer and
// payload point into decoder state and are valid until the next decode.
type packet struct {
	hdr     *core.PacketHeader
	tcp     *layers.TCP // nil for UDP
	payload []byte
}

// decoder turns link-layer frames into packets. Tunnels (GRE, VXLAN, IP in
// IP) are decapsulated by the layer chain: the innermost IP and transport
// layers win. IPv4 fragments are reassembled.
type decoder struct {
	first   gopacket.LayerType
	parsers map[gopacket.LayerType]*gopacket.DecodingLayerParser

	eth     layers.Ethernet
	sll     layers.LinuxSLL
	lo      layers.Loopback
	gre     layers.GRE
	vxlan   layers.VXLAN
	ip4     layers.IPv4
	ip6     layers.IPv6
	tcp     layers.TCP
	udp     layers.UDP
	payload gopacket.Payload

	decoded []gopacket.LayerType

	defrag  *ip4defrag.IPv4Defragmenter
	limiter *fragmentRateLimiter
}

func newDecoder(linkType layers.LinkType, maxFragsPerIP int) (*decoder, error) {
	d := &decoder{
		parsers: make(map[gopacket.LayerType]*gopacket.DecodingLayerParser),
		defrag:  ip4defrag.NewIPv4Defragmenter(),
		limiter: newFragmentRateLimiter(maxFragsPerIP, 10*time.Second),
	}

	switch linkType {
	case layers.LinkTypeEthernet:
		d.first = layers.LayerTypeEthernet
	case layers.LinkTypeLinuxSLL:
		d.first = layers.LayerTypeLinuxSLL
	case layers.LinkTypeNull, layers.LinkTypeLoop:
		d.first = layers.LayerTypeLoopback
	case layers.LinkTypeRaw, 12, 228, 229:
		// Raw IP: the version nibble picks the first layer per frame.
		d.first = gopacket.LayerTypeZero
	default:
		return nil, fmt.Errorf("%w: %s", core.ErrUnsupportedLinkType, linkType)
	}
	return d, nil
}

func (d *decoder) parser(first gopacket.LayerType) *gopacket.DecodingLayerParser {
	p, ok := d.parsers[first]
	if !ok {
		p = gopacket.NewDecodingLayerParser(first,
			&d.eth, &d.sll, &d.lo, &d.gre, &d.vxlan,
			&d.ip4, &d.ip6, &d.tcp, &d.udp, &d.payload)
		p.IgnoreUnsupported = true
		d.parsers[first] = p
	}
	return p
}

// decode returns the packet carried by data, or nil with a drop reason.
func (d *decoder) decode(data []byte, ci gopacket.CaptureInfo) (*packet, string) {
	first := d.first
	if first == gopacket.LayerTypeZero {
		if len(data) == 0 {
			return nil, "truncated"
		}
		switch data[0] >> 4 {
		case 4:
			first = layers.LayerTypeIPv4
		case 6:
			first = layers.LayerTypeIPv6
		default:
			return nil, "not_ip"
		}
	}

	d.decoded = d.decoded[:0]
	if err := d.parser(first).DecodeLayers(data, &d.decoded); err != nil {
		return nil, "decode_error"
	}

	var (
		network   gopacket.LayerType
		transport gopacket.LayerType
	)
	for _, lt := range d.decoded {
		switch lt {
		case layers.LayerTypeIPv4, layers.LayerTypeIPv6:
			network = lt
			transport = gopacket.LayerTypeZero
		case layers.LayerTypeTCP, layers.LayerTypeUDP:
			transport = lt
		}
	}

	hdr := &core.PacketHeader{
		Timestamp:  ci.Timestamp,
		CaptureLen: uint32(ci.CaptureLength),
		OrigLen:    uint32(ci.Length),
	}
	pkt := &packet{hdr: hdr}

	switch network {
	case layers.LayerTypeIPv4:
		ip := &d.ip4
		if ip.Flags&layers.IPv4MoreFragments != 0 || ip.FragOffset != 0 {
			whole, reason := d.reassemble(ci.Timestamp)
			if whole == nil {
				return nil, reason
			}
			ip = whole
			if transport = d.decodeTransport(ip.Protocol, ip.Payload); transport == gopacket.LayerTypeZero {
				return nil, "unsupported_transport"
			}
		}
		hdr.IP = core.IPHeader{
			Version:  4,
			SrcIP:    addr(ip.SrcIP),
			DstIP:    addr(ip.DstIP),
			Protocol: uint8(ip.Protocol),
			TTL:      ip.TTL,
			TotalLen: ip.Length,
		}
	case layers.LayerTypeIPv6:
		hdr.IP = core.IPHeader{
			Version:  6,
			SrcIP:    addr(d.ip6.SrcIP),
			DstIP:    addr(d.ip6.DstIP),
			Protocol: uint8(d.ip6.NextHeader),
			TTL:      d.ip6.HopLimit,
			TotalLen: d.ip6.Length,
		}
	default:
		return nil, "not_ip"
	}

	switch transport {
	case layers.LayerTypeTCP:
		hdr.IP.Protocol = core.ProtoTCP
		hdr.Transport = core.TransportHeader{
			SrcPort:  uint16(d.tcp.SrcPort),
			DstPort:  uint16(d.tcp.DstPort),
			Protocol: core.ProtoTCP,
			TCPFlags: tcpFlags(&d.tcp),
			SeqNum:   d.tcp.Seq,
			AckNum:   d.tcp.Ack,
		}
		pkt.tcp = &d.tcp
		pkt.payload = d.tcp.Payload
	case layers.LayerTypeUDP:
		hdr.IP.Protocol = core.ProtoUDP
		hdr.Transport = core.TransportHeader{
			SrcPort:  uint16(d.udp.SrcPort),
			DstPort:  uint16(d.udp.DstPort),
			Protocol: core.ProtoUDP,
		}
		pkt.payload = d.udp.Payload
	default:
		return nil, "unsupported_transport"
	}
	return pkt, ""
}

// reassemble feeds the current IPv4 fragment to the defragmenter. It returns
// the reassembled datagram once complete.
func (d *decoder) reassemble(ts time.Time) (*layers.IPv4, string) {
	src := addr(d.ip4.SrcIP)
	if !d.limiter.Allow(src, ts) {
		return nil, "fragment_rate_limited"
	}

	// The defragmenter keeps fragments; hand it a copy of the reused layer.
	frag := d.ip4
	frag.Payload = append([]byte(nil), d.ip4.Payload...)
	whole, err := d.defrag.DefragIPv4WithTimestamp(&frag, ts)
	if err != nil {
		return nil, "fragment_error"
	}
	if whole == nil {
		return nil, "fragment_pending"
	}
	return whole, ""
}

func (d *decoder) decodeTransport(proto layers.IPProtocol, payload []byte) gopacket.LayerType {
	switch proto {
	case layers.IPProtocolTCP:
		if d.tcp.DecodeFromBytes(payload, gopacket.NilDecodeFeedback) == nil {
			return layers.LayerTypeTCP
		}
	case layers.IPProtocolUDP:
		if d.udp.DecodeFromBytes(payload, gopacket.NilDecodeFeedback) == nil {
			return layers.LayerTypeUDP
		}
	}
	return gopacket.LayerTypeZero
}

// flushFragments discards fragments older than t.
func (d *decoder) flushFragments(t time.Time) {
	if n := d.defrag.DiscardOlderThan(t); n > 0 {
		metrics.SessionDropsTotal.WithLabelValues("fragment_timeout").Add(float64(n))
	}
}

func addr(ip net.IP) netip.Addr {
	a, _ := netip.AddrFromSlice(ip)
	return a.Unmap()
}

func tcpFlags(t *layers.TCP) uint8 {
	var f uint8
	for i, set := range []bool{t.FIN, t.SYN, t.RST, t.PSH, t.ACK, t.URG, t.ECE, t.CWR} {
		if set {
			f |= 1 << i
		}
	}
	return f
}

// TCP flag bits as stored in core.TransportHeader.TCPFlags.
const (
	flagFIN uint8 = 1 << iota
	flagSYN
	flagRST
	flagPSH
	flagACK
)
