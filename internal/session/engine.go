// Package session drives offline analysis: it decodes captured frames,
// tracks connections, reassembles TCP and hands every connection's traffic
// to a PIA root analyzer.
package session

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/netip"
	"sort"
	"time"

	"github.com/google/gopacket"
	"github.com/google/gopacket/layers"
	"github.com/google/gopacket/tcpassembly"
	"github.com/patrickmn/go-cache"

	"firestige.xyz/dpd/internal/analyzer"
	"firestige.xyz/dpd/internal/core"
	"firestige.xyz/dpd/internal/metrics"
	"firestige.xyz/dpd/internal/pia"
	"firestige.xyz/dpd/internal/signature"
)

// Config controls connection tracking.
type Config struct {
	PIA pia.Options

	// TCPTimeout and UDPTimeout evict connections idle for that long, in
	// capture time.
	TCPTimeout time.Duration
	UDPTimeout time.Duration
	// ClosedTimeout evicts a TCP connection that saw a reset or both FINs.
	ClosedTimeout time.Duration
	// SweepInterval is how often, in capture time, idle connections are
	// looked for.
	SweepInterval time.Duration
	// MaxConnections bounds the table; new connections beyond it are
	// dropped. 0 means unbounded.
	MaxConnections int
	// MaxFragmentsPerIP bounds IPv4 fragments accepted per source within
	// ten seconds of capture time. 0 disables the limit.
	MaxFragmentsPerIP int
	// MaxBufferedPages bounds out-of-order TCP data held by the assembler.
	MaxBufferedPages        int
	MaxBufferedPagesPerConn int
}

// DefaultConfig returns the defaults used for unset fields.
func DefaultConfig() Config {
	return Config{
		PIA:                     pia.DefaultOptions(),
		TCPTimeout:              5 * time.Minute,
		UDPTimeout:              time.Minute,
		ClosedTimeout:           5 * time.Second,
		SweepInterval:           10 * time.Second,
		MaxConnections:          100000,
		MaxFragmentsPerIP:       1000,
		MaxBufferedPages:        100000,
		MaxBufferedPagesPerConn: 256,
	}
}

// Engine analyzes one capture. It is not safe for concurrent use; run one
// Engine per capture. The registry and matcher may be shared.
type Engine struct {
	cfg      Config
	registry *analyzer.Registry
	matcher  signature.Matcher

	dec       *decoder
	conns     *cache.Cache
	assembler *tcpassembly.Assembler

	// Connection being dispatched, read by streamFactory.
	cur       *conn
	curIsOrig bool

	now       time.Time
	lastSweep time.Time
	nextUID   uint64

	report   Report
	onClosed func(ConnSummary)
	closed   bool
}

// NewEngine creates an engine. A nil matcher disables protocol detection:
// every connection gets a PIA root that skips right away.
func NewEngine(cfg Config, registry *analyzer.Registry, matcher signature.Matcher) *Engine {
	def := DefaultConfig()
	if cfg.TCPTimeout <= 0 {
		cfg.TCPTimeout = def.TCPTimeout
	}
	if cfg.UDPTimeout <= 0 {
		cfg.UDPTimeout = def.UDPTimeout
	}
	if cfg.ClosedTimeout <= 0 {
		cfg.ClosedTimeout = def.ClosedTimeout
	}
	if cfg.SweepInterval <= 0 {
		cfg.SweepInterval = def.SweepInterval
	}
	if cfg.PIA.MaxBufferSize < 0 {
		cfg.PIA.MaxBufferSize = pia.DefaultMaxBufferSize
	}

	e := &Engine{
		cfg:      cfg,
		registry: registry,
		matcher:  matcher,
		conns:    cache.New(cache.NoExpiration, 0),
		report:   Report{Drops: make(map[string]uint64)},
	}
	e.conns.OnEvicted(e.evicted)

	pool := tcpassembly.NewStreamPool(&streamFactory{e: e})
	e.assembler = tcpassembly.NewAssembler(pool)
	e.assembler.MaxBufferedPagesTotal = cfg.MaxBufferedPages
	e.assembler.MaxBufferedPagesPerConnection = cfg.MaxBufferedPagesPerConn
	return e
}

// OnConnClosed registers fn to be called with the summary of every
// connection as it leaves the table.
func (e *Engine) OnConnClosed(fn func(ConnSummary)) {
	e.onClosed = fn
}

// SetLinkType prepares the decoder for frames of the given link type. It
// must be called before Process.
func (e *Engine) SetLinkType(lt layers.LinkType) error {
	dec, err := newDecoder(lt, e.cfg.MaxFragmentsPerIP)
	if err != nil {
		return err
	}
	e.dec = dec
	e.report.LinkType = lt.String()
	return nil
}

// Source yields captured frames.
type Source interface {
	ReadPacket() ([]byte, gopacket.CaptureInfo, error)
	LinkType() layers.LinkType
}

// Run processes every frame of src, then closes the engine and returns its
// report. It stops early with ctx's error when ctx is canceled.
func (e *Engine) Run(ctx context.Context, src Source) (*Report, error) {
	if err := e.SetLinkType(src.LinkType()); err != nil {
		return nil, err
	}
	for n := 0; ; n++ {
		if n%1024 == 0 {
			if err := ctx.Err(); err != nil {
				e.Close()
				return nil, err
			}
		}
		data, ci, err := src.ReadPacket()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			e.Close()
			return nil, err
		}
		e.Process(data, ci)
	}
	return e.Close(), nil
}

// Process handles one captured frame.
func (e *Engine) Process(data []byte, ci gopacket.CaptureInfo) {
	if e.closed {
		return
	}
	if e.dec == nil {
		e.drop("no_link_type")
		return
	}
	e.report.Packets++
	e.report.Bytes += uint64(len(data))
	e.advance(ci.Timestamp)

	pkt, reason := e.dec.decode(data, ci)
	if pkt == nil {
		if reason != "fragment_pending" {
			e.drop(reason)
		}
		return
	}

	start := time.Now()
	c := e.lookup(pkt.hdr)
	if c == nil {
		return
	}
	isOrig := c.isOrig(pkt.hdr)
	d := dirIndex(isOrig)
	c.packets[d]++
	c.bytes[d] += uint64(len(pkt.payload))
	c.info.LastSeen = pkt.hdr.Timestamp

	transport := c.info.ID.Transport()
	metrics.SessionPacketsTotal.WithLabelValues(transport).Inc()

	if c.tcp != nil {
		flags := pkt.hdr.Transport.TCPFlags
		if flags&flagRST != 0 {
			c.rst = true
		}
		if flags&flagFIN != 0 {
			c.fin[d] = true
		}
		seq := c.relSeq(isOrig, pkt.hdr)
		c.tcp.DeliverPacket(pkt.payload, isOrig, seq, pkt.hdr, len(pkt.payload))

		e.cur, e.curIsOrig = c, isOrig
		e.assembler.AssembleWithTimestamp(c.flow(isOrig), pkt.tcp, pkt.hdr.Timestamp)
		e.cur = nil
	} else {
		c.udp.DeliverPacket(pkt.payload, isOrig, 0, pkt.hdr, len(pkt.payload))
	}

	metrics.SessionPacketLatencySeconds.WithLabelValues(transport).Observe(time.Since(start).Seconds())
}

func (e *Engine) drop(reason string) {
	e.report.Drops[reason]++
	metrics.SessionDropsTotal.WithLabelValues(reason).Inc()
}

// lookup finds or creates the connection of hdr.
func (e *Engine) lookup(hdr *core.PacketHeader) *conn {
	src := netip.AddrPortFrom(hdr.IP.SrcIP, hdr.Transport.SrcPort)
	dst := netip.AddrPortFrom(hdr.IP.DstIP, hdr.Transport.DstPort)
	key := connKey(hdr.Transport.Protocol, src, dst)

	if v, ok := e.conns.Get(key); ok {
		c := v.(*conn)
		if !c.reusedBy(hdr) {
			return c
		}
		slog.Debug("connection reused", "uid", c.info.UID, "conn", c.info.ID.String())
		e.conns.Delete(key)
	}

	if e.cfg.MaxConnections > 0 && e.conns.ItemCount() >= e.cfg.MaxConnections {
		e.drop("table_full")
		return nil
	}

	e.nextUID++
	id := newConnID(hdr)
	info := analyzer.NewConn(id, fmt.Sprintf("C%d", e.nextUID), hdr.Timestamp)
	c := &conn{key: key, gen: e.nextUID, info: info}

	switch id.Proto {
	case core.ProtoTCP:
		c.tcp = pia.NewTCP(info, e.registry, e.matcher, e.cfg.PIA)
		c.root = c.tcp
	case core.ProtoUDP:
		c.udp = pia.NewUDP(info, e.registry, e.matcher, e.cfg.PIA)
		c.root = c.udp
	}

	e.conns.Set(key, c, cache.NoExpiration)
	e.report.Connections++
	metrics.SessionConnectionsActive.WithLabelValues(id.Transport()).Inc()
	slog.Debug("new connection", "uid", info.UID, "conn", id.String())
	return c
}

// advance moves capture time forward and sweeps idle state when due.
func (e *Engine) advance(ts time.Time) {
	if ts.After(e.now) {
		e.now = ts
	}
	if e.lastSweep.IsZero() {
		e.lastSweep = e.now
		return
	}
	if e.now.Sub(e.lastSweep) < e.cfg.SweepInterval {
		return
	}
	e.lastSweep = e.now
	e.sweep()
}

// sweep flushes stale reassembly state and evicts idle connections.
func (e *Engine) sweep() {
	e.assembler.FlushOlderThan(e.now.Add(-e.cfg.TCPTimeout))
	if e.dec != nil {
		e.dec.flushFragments(e.now.Add(-30 * time.Second))
	}

	for key, item := range e.conns.Items() {
		c := item.Object.(*conn)
		var limit time.Duration
		switch {
		case c.udp != nil:
			limit = e.cfg.UDPTimeout
		case c.closed():
			limit = e.cfg.ClosedTimeout
		default:
			limit = e.cfg.TCPTimeout
		}
		if c.idleFor(e.now) >= limit {
			e.conns.Delete(key)
		}
	}
}

// evicted finishes a connection leaving the table.
func (e *Engine) evicted(_ string, v interface{}) {
	c := v.(*conn)
	if c.done {
		return
	}
	s := e.summarize(c)
	c.done = true
	c.root.Done()
	s.Labels = collectLabels(c.root)

	metrics.SessionConnectionsActive.WithLabelValues(c.info.ID.Transport()).Dec()
	slog.Debug("connection closed", "uid", s.UID, "conn", s.Conn, "analyzers", s.Analyzers)

	e.report.Closed = append(e.report.Closed, s)
	if e.onClosed != nil {
		e.onClosed(s)
	}
}

// Close flushes the assembler, finishes every remaining connection and
// returns the report. Further calls return the same report.
func (e *Engine) Close() *Report {
	if e.closed {
		return &e.report
	}
	e.assembler.FlushAll()

	items := e.conns.Items()
	conns := make([]*conn, 0, len(items))
	for _, item := range items {
		conns = append(conns, item.Object.(*conn))
	}
	sort.Slice(conns, func(i, j int) bool {
		return conns[i].info.StartTime.Before(conns[j].info.StartTime) ||
			conns[i].info.StartTime.Equal(conns[j].info.StartTime) && conns[i].info.UID < conns[j].info.UID
	})
	for _, c := range conns {
		e.conns.Delete(c.key)
	}
	e.closed = true

	if e.dec != nil {
		e.report.FragmentsRateLimited = uint64(e.dec.limiter.Rejected())
	}
	return &e.report
}

// Active returns the number of connections in the table.
func (e *Engine) Active() int {
	return e.conns.ItemCount()
}
