// Package analyzertest provides a recording analyzer for tests.
package analyzertest

import (
	"bytes"

	"firestige.xyz/dpd/internal/analyzer"
	"firestige.xyz/dpd/internal/core"
)

// Kind distinguishes recorded calls.
type Kind int

const (
	KindPacket Kind = iota
	KindStream
	KindUndelivered
	KindEOF
)

// Event is one recorded call.
type Event struct {
	Kind   Kind
	Data   []byte
	IsOrig bool
	Seq    uint64
	Len    int
	Header *core.PacketHeader
}

// Recorder records everything delivered to it.
type Recorder struct {
	analyzer.Base
	Events []Event
	IsDone bool
}

// New creates a recorder with the given tag.
func New(tag core.Tag, conn *analyzer.Conn) *Recorder {
	return &Recorder{Base: analyzer.NewBase(tag, conn)}
}

// Factory returns an analyzer.Factory producing recorders, and remembers
// every instance in *out.
func Factory(tag core.Tag, out *[]*Recorder) analyzer.Factory {
	return func(conn *analyzer.Conn) analyzer.Analyzer {
		r := New(tag, conn)
		if out != nil {
			*out = append(*out, r)
		}
		return r
	}
}

func (r *Recorder) DeliverPacket(data []byte, isOrig bool, seq uint64, hdr *core.PacketHeader, capLen int) {
	r.Events = append(r.Events, Event{Kind: KindPacket, Data: bytes.Clone(data), IsOrig: isOrig, Seq: seq, Len: len(data), Header: hdr})
}

func (r *Recorder) DeliverStream(data []byte, isOrig bool) {
	r.Events = append(r.Events, Event{Kind: KindStream, Data: bytes.Clone(data), IsOrig: isOrig, Len: len(data)})
}

func (r *Recorder) Undelivered(seq uint64, length int, isOrig bool) {
	r.Events = append(r.Events, Event{Kind: KindUndelivered, IsOrig: isOrig, Seq: seq, Len: length})
}

func (r *Recorder) EndpointEOF(isOrig bool) {
	r.Events = append(r.Events, Event{Kind: KindEOF, IsOrig: isOrig})
}

func (r *Recorder) Done() {
	r.IsDone = true
	r.Base.Done()
}

// Bytes concatenates the data of the recorded events of kind k in direction
// isOrig.
func (r *Recorder) Bytes(k Kind, isOrig bool) []byte {
	var out []byte
	for _, e := range r.Events {
		if e.Kind == k && e.IsOrig == isOrig {
			out = append(out, e.Data...)
		}
	}
	return out
}

// Count returns the number of recorded events of kind k.
func (r *Recorder) Count(k Kind) int {
	n := 0
	for _, e := range r.Events {
		if e.Kind == k {
			n++
		}
	}
	return n
}
