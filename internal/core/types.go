// Package core defines core types with zero external dependencies.
package core

import (
	"fmt"
	"net/netip"
	"time"
)

// Tag names an analyzer kind, e.g. "LOGIN", "SIP", "DNS".
type Tag string

// String returns the tag name.
func (t Tag) String() string {
	return string(t)
}

// IP protocol numbers used by the engine.
const (
	ProtoTCP uint8 = 6
	ProtoUDP uint8 = 17
)

// IPHeader represents L3 IP header (IPv4/IPv6).
type IPHeader struct {
	Version  uint8
	SrcIP    netip.Addr // Go stdlib value type, zero allocation
	DstIP    netip.Addr
	Protocol uint8 // TCP=6, UDP=17, SCTP=132
	TTL      uint8
	TotalLen uint16
}

// TransportHeader represents L4 transport layer header (TCP/UDP).
type TransportHeader struct {
	SrcPort  uint16
	DstPort  uint16
	Protocol uint8 // Redundant storage for convenience
	// TCP-specific fields (only populated for TCP)
	TCPFlags uint8
	SeqNum   uint32
	AckNum   uint32
}

// PacketHeader is the per-packet header metadata produced upstream by the
// decoder. DataBlocks keep a reference to it so replayed packets carry the
// same context as live ones.
type PacketHeader struct {
	Timestamp  time.Time
	IP         IPHeader
	Transport  TransportHeader
	CaptureLen uint32
	OrigLen    uint32
}

// ConnID identifies a connection by its originator/responder 5-tuple.
// The originator is the endpoint that sent the first packet seen.
type ConnID struct {
	OrigIP   netip.Addr
	RespIP   netip.Addr
	OrigPort uint16
	RespPort uint16
	Proto    uint8
}

// Reverse returns the ConnID with originator and responder swapped.
func (c ConnID) Reverse() ConnID {
	return ConnID{
		OrigIP:   c.RespIP,
		RespIP:   c.OrigIP,
		OrigPort: c.RespPort,
		RespPort: c.OrigPort,
		Proto:    c.Proto,
	}
}

// Transport returns "tcp", "udp" or the protocol number.
func (c ConnID) Transport() string {
	switch c.Proto {
	case ProtoTCP:
		return "tcp"
	case ProtoUDP:
		return "udp"
	default:
		return fmt.Sprintf("proto-%d", c.Proto)
	}
}

func (c ConnID) String() string {
	return fmt.Sprintf("%s %s -> %s",
		c.Transport(),
		netip.AddrPortFrom(c.OrigIP, c.OrigPort),
		netip.AddrPortFrom(c.RespIP, c.RespPort))
}
