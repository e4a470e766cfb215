// Package analyzer implements the analyzer tree: every connection has a root
// analyzer, and analyzers may carry children which receive whatever their
// parent forwards.
package analyzer

import (
	"sync/atomic"
	"time"

	"firestige.xyz/dpd/internal/core"
)

// Analyzer consumes the bytes of one connection.
//
// Packet-oriented input arrives through DeliverPacket, reassembled stream
// input through DeliverStream. Undelivered reports a content gap. All methods
// are called from the goroutine owning the connection.
type Analyzer interface {
	Tag() core.Tag
	ID() uint64
	Conn() *Conn

	DeliverPacket(data []byte, isOrig bool, seq uint64, hdr *core.PacketHeader, capLen int)
	DeliverStream(data []byte, isOrig bool)
	Undelivered(seq uint64, length int, isOrig bool)
	EndpointEOF(isOrig bool)
	Done()

	Children() []Analyzer
	Labels() core.Labels
}

// Conn is the connection an analyzer tree is attached to.
type Conn struct {
	ID        core.ConnID
	UID       string
	StartTime time.Time
	LastSeen  time.Time
}

// NewConn creates a connection record.
func NewConn(id core.ConnID, uid string, start time.Time) *Conn {
	return &Conn{
		ID:        id,
		UID:       uid,
		StartTime: start,
		LastSeen:  start,
	}
}

var nextID atomic.Uint64

// Base carries the tree bookkeeping shared by every analyzer. Its Deliver*
// methods forward to the children, so an analyzer that embeds Base and does
// not override them acts as a pass-through node.
type Base struct {
	tag      core.Tag
	id       uint64
	conn     *Conn
	children []Analyzer
	finished bool
}

// NewBase initializes the tree bookkeeping for an analyzer.
func NewBase(tag core.Tag, conn *Conn) Base {
	return Base{
		tag:  tag,
		id:   nextID.Add(1),
		conn: conn,
	}
}

func (b *Base) Tag() core.Tag {
	return b.tag
}

func (b *Base) ID() uint64 {
	return b.id
}

func (b *Base) Conn() *Conn {
	return b.conn
}

// Finished reports whether Done has been called.
func (b *Base) Finished() bool {
	return b.finished
}

// Children returns the attached children in attach order.
func (b *Base) Children() []Analyzer {
	return b.children
}

// Labels returns nil; analyzers with something to report override it.
func (b *Base) Labels() core.Labels {
	return nil
}

// AddChild attaches a child. Returns false if a child with the same tag is
// already attached.
func (b *Base) AddChild(child Analyzer) bool {
	if b.HasChild(child.Tag()) {
		return false
	}
	b.children = append(b.children, child)
	return true
}

// HasChild reports whether a child with the tag is attached.
func (b *Base) HasChild(tag core.Tag) bool {
	return b.Child(tag) != nil
}

// Child returns the child with the tag, or nil.
func (b *Base) Child(tag core.Tag) Analyzer {
	for _, c := range b.children {
		if c.Tag() == tag {
			return c
		}
	}
	return nil
}

// RemoveChild detaches the child with the tag and finishes it. Other
// children are left untouched. Returns the removed child, or nil.
func (b *Base) RemoveChild(tag core.Tag) Analyzer {
	for i, c := range b.children {
		if c.Tag() != tag {
			continue
		}
		b.children = append(b.children[:i:i], b.children[i+1:]...)
		c.Done()
		return c
	}
	return nil
}

// ForwardPacket hands a packet to every child.
func (b *Base) ForwardPacket(data []byte, isOrig bool, seq uint64, hdr *core.PacketHeader, capLen int) {
	for _, c := range b.children {
		c.DeliverPacket(data, isOrig, seq, hdr, capLen)
	}
}

// ForwardStream hands a stream chunk to every child.
func (b *Base) ForwardStream(data []byte, isOrig bool) {
	for _, c := range b.children {
		c.DeliverStream(data, isOrig)
	}
}

// ForwardUndelivered reports a content gap to every child.
func (b *Base) ForwardUndelivered(seq uint64, length int, isOrig bool) {
	for _, c := range b.children {
		c.Undelivered(seq, length, isOrig)
	}
}

// ForwardEndpointEOF reports the end of one direction to every child.
func (b *Base) ForwardEndpointEOF(isOrig bool) {
	for _, c := range b.children {
		c.EndpointEOF(isOrig)
	}
}

func (b *Base) DeliverPacket(data []byte, isOrig bool, seq uint64, hdr *core.PacketHeader, capLen int) {
	b.ForwardPacket(data, isOrig, seq, hdr, capLen)
}

func (b *Base) DeliverStream(data []byte, isOrig bool) {
	b.ForwardStream(data, isOrig)
}

func (b *Base) Undelivered(seq uint64, length int, isOrig bool) {
	b.ForwardUndelivered(seq, length, isOrig)
}

func (b *Base) EndpointEOF(isOrig bool) {
	b.ForwardEndpointEOF(isOrig)
}

// Done finishes the children and marks the analyzer finished. Idempotent.
func (b *Base) Done() {
	if b.finished {
		return
	}
	b.finished = true
	for _, c := range b.children {
		c.Done()
	}
}

// Walk visits the analyzer and all descendants depth-first.
func Walk(a Analyzer, fn func(Analyzer)) {
	fn(a)
	for _, c := range a.Children() {
		Walk(c, fn)
	}
}
