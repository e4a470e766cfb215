// Package dns implements a DNS analyzer over datagrams and TCP streams.
package dns

import (
	"encoding/binary"
	"log/slog"
	"strconv"

	"github.com/google/gopacket"
	"github.com/google/gopacket/layers"

	"firestige.xyz/dpd/internal/analyzer"
	"firestige.xyz/dpd/internal/core"
)

// Tag is the analyzer tag.
const Tag core.Tag = "DNS"

// maxStreamBuffer bounds a partial length-prefixed message on TCP.
const maxStreamBuffer = 64 * 1024

// Analyzer decodes DNS messages with gopacket's DNS layer: one message per
// datagram on UDP, two-byte length-prefixed messages on a TCP stream.
type Analyzer struct {
	analyzer.Base

	layer  layers.DNS
	stream [2][]byte

	query     string
	queryType string
	rcode     string
	answers   int
	messages  int
	errors    int
}

// New creates a DNS analyzer.
func New(conn *analyzer.Conn) analyzer.Analyzer {
	return &Analyzer{Base: analyzer.NewBase(Tag, conn)}
}

func idx(isOrig bool) int {
	if isOrig {
		return 0
	}
	return 1
}

func (a *Analyzer) DeliverPacket(data []byte, isOrig bool, seq uint64, hdr *core.PacketHeader, capLen int) {
	a.ForwardPacket(data, isOrig, seq, hdr, capLen)
	if a.Conn().ID.Proto != core.ProtoUDP || len(data) == 0 {
		return
	}
	a.decode(data, isOrig)
}

func (a *Analyzer) DeliverStream(data []byte, isOrig bool) {
	a.ForwardStream(data, isOrig)

	d := idx(isOrig)
	buf := append(a.stream[d], data...)
	for len(buf) >= 2 {
		n := int(binary.BigEndian.Uint16(buf))
		if len(buf) < 2+n {
			break
		}
		a.decode(buf[2:2+n], isOrig)
		buf = buf[2+n:]
	}
	if len(buf) > maxStreamBuffer {
		buf = nil
	}
	a.stream[d] = append(a.stream[d][:0], buf...)
}

func (a *Analyzer) Undelivered(seq uint64, length int, isOrig bool) {
	a.stream[idx(isOrig)] = nil
	a.ForwardUndelivered(seq, length, isOrig)
}

func (a *Analyzer) decode(msg []byte, isOrig bool) {
	if err := a.layer.DecodeFromBytes(msg, gopacket.NilDecodeFeedback); err != nil {
		a.errors++
		slog.Debug("dns decode failed", "conn", a.Conn().UID, "is_orig", isOrig, "error", err)
		return
	}

	a.messages++
	if a.query == "" && len(a.layer.Questions) > 0 {
		q := a.layer.Questions[0]
		a.query = string(q.Name)
		a.queryType = q.Type.String()
	}
	if a.layer.QR {
		a.rcode = a.layer.ResponseCode.String()
		a.answers += len(a.layer.Answers)
	}
}

// Messages returns the number of messages decoded.
func (a *Analyzer) Messages() int {
	return a.messages
}

// Errors returns the number of messages that failed to decode.
func (a *Analyzer) Errors() int {
	return a.errors
}

func (a *Analyzer) Labels() core.Labels {
	labels := core.Labels{
		core.LabelDNSMessages: strconv.Itoa(a.messages),
		core.LabelDNSAnswers:  strconv.Itoa(a.answers),
	}
	if a.query != "" {
		labels[core.LabelDNSQuery] = a.query
		labels[core.LabelDNSQueryType] = a.queryType
	}
	if a.rcode != "" {
		labels[core.LabelDNSRcode] = a.rcode
	}
	return labels
}
