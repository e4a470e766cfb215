package session

import (
	"github.com/google/gopacket"
	"github.com/google/gopacket/tcpassembly"

	"firestige.xyz/dpd/internal/metrics"
)

// streamFactory binds every new half-connection of the assembler to the
// connection the engine is dispatching. The assembler calls New from inside
// AssembleWithTimestamp, after the engine has set its current connection.
type streamFactory struct {
	e *Engine
}

func (f *streamFactory) New(_, _ gopacket.Flow) tcpassembly.Stream {
	return &tcpStream{
		c:      f.e.cur,
		isOrig: f.e.curIsOrig,
	}
}

// tcpStream feeds one direction of reassembled payload into the PIA.
type tcpStream struct {
	c      *conn
	isOrig bool
	seq    uint64
}

func (s *tcpStream) Reassembled(rs []tcpassembly.Reassembly) {
	if s.c == nil || s.c.done {
		return
	}
	for _, r := range rs {
		// Skip < 0 means the stream was picked up mid-flight; there is no
		// known gap length to report.
		if r.Skip > 0 {
			s.c.root.Undelivered(s.seq, r.Skip, s.isOrig)
			s.seq += uint64(r.Skip)
			metrics.SessionGapBytesTotal.Add(float64(r.Skip))
		}
		if len(r.Bytes) == 0 {
			continue
		}
		s.c.root.DeliverStream(r.Bytes, s.isOrig)
		s.seq += uint64(len(r.Bytes))
	}
}

func (s *tcpStream) ReassemblyComplete() {
	if s.c == nil || s.c.done {
		return
	}
	s.c.root.EndpointEOF(s.isOrig)
}
