package session

import (
	"maps"
	"time"

	"firestige.xyz/dpd/internal/analyzer"
	"firestige.xyz/dpd/internal/core"
)

// Report summarizes one analyzed capture.
type Report struct {
	Source               string            `json:"source,omitempty" yaml:"source,omitempty"`
	LinkType             string            `json:"link_type" yaml:"link_type"`
	Packets              uint64            `json:"packets" yaml:"packets"`
	Bytes                uint64            `json:"bytes" yaml:"bytes"`
	Connections          uint64            `json:"connections" yaml:"connections"`
	Drops                map[string]uint64 `json:"drops,omitempty" yaml:"drops,omitempty"`
	FragmentsRateLimited uint64            `json:"fragments_rate_limited,omitempty" yaml:"fragments_rate_limited,omitempty"`
	Closed               []ConnSummary     `json:"conns" yaml:"conns"`
}

// ConnSummary is what is left of a connection once it is finished.
type ConnSummary struct {
	UID          string        `json:"uid" yaml:"uid"`
	Conn         string        `json:"conn" yaml:"conn"`
	Transport    string        `json:"transport" yaml:"transport"`
	Start        time.Time     `json:"start" yaml:"start"`
	Duration     time.Duration `json:"duration" yaml:"duration"`
	OrigPackets  uint64        `json:"orig_packets" yaml:"orig_packets"`
	RespPackets  uint64        `json:"resp_packets" yaml:"resp_packets"`
	OrigBytes    uint64        `json:"orig_bytes" yaml:"orig_bytes"`
	RespBytes    uint64        `json:"resp_bytes" yaml:"resp_bytes"`
	Analyzers    []core.Tag    `json:"analyzers" yaml:"analyzers"`
	PacketBuffer string        `json:"packet_buffer" yaml:"packet_buffer"`
	StreamBuffer string        `json:"stream_buffer,omitempty" yaml:"stream_buffer,omitempty"`
	Labels       core.Labels   `json:"labels,omitempty" yaml:"labels,omitempty"`
}

// Activated reports whether an analyzer with tag was attached below the
// PIA root.
func (s ConnSummary) Activated(tag core.Tag) bool {
	for _, t := range s.Analyzers[1:] {
		if t == tag {
			return true
		}
	}
	return false
}

// Find returns the summary with the given originator/responder rendering.
func (r *Report) Find(conn string) (ConnSummary, bool) {
	for _, s := range r.Closed {
		if s.Conn == conn {
			return s, true
		}
	}
	return ConnSummary{}, false
}

// summarize captures the buffer states before the tree is finished.
func (e *Engine) summarize(c *conn) ConnSummary {
	s := ConnSummary{
		UID:         c.info.UID,
		Conn:        c.info.ID.String(),
		Transport:   c.info.ID.Transport(),
		Start:       c.info.StartTime,
		Duration:    c.info.LastSeen.Sub(c.info.StartTime),
		OrigPackets: c.packets[0],
		RespPackets: c.packets[1],
		OrigBytes:   c.bytes[0],
		RespBytes:   c.bytes[1],
	}
	analyzer.Walk(c.root, func(a analyzer.Analyzer) {
		s.Analyzers = append(s.Analyzers, a.Tag())
	})
	switch {
	case c.tcp != nil:
		s.PacketBuffer = c.tcp.PIA().PacketBuffer().State().String()
		s.StreamBuffer = c.tcp.StreamBuffer().State().String()
	case c.udp != nil:
		s.PacketBuffer = c.udp.PIA().PacketBuffer().State().String()
	}
	return s
}

// collectLabels merges the labels of the whole tree. Deeper analyzers win
// on conflicting keys.
func collectLabels(root analyzer.Analyzer) core.Labels {
	var out core.Labels
	analyzer.Walk(root, func(a analyzer.Analyzer) {
		l := a.Labels()
		if len(l) == 0 {
			return
		}
		if out == nil {
			out = make(core.Labels, len(l))
		}
		maps.Copy(out, l)
	})
	return out
}
