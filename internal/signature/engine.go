package signature

import (
	"fmt"
	"log/slog"

	"github.com/expr-lang/expr"

	"firestige.xyz/dpd/internal/core"
	"firestige.xyz/dpd/internal/metrics"
)

// Activator is called back by the engine when a rule fires. The call is
// synchronous: it happens inside Match, before Match returns.
type Activator interface {
	ActivateAnalyzer(tag core.Tag, rule *Rule)
	DeactivateAnalyzer(tag core.Tag)
}

// Matcher creates per-connection matching state.
type Matcher interface {
	NewMatching(conn core.ConnID, act Activator) Matching
}

// Matching is the matching state of one connection, owned by exactly one
// PIA. It is not safe for concurrent use.
type Matching interface {
	// InitEndpoint records the header of the first packet of a direction.
	InitEndpoint(isOrig bool, hdr *core.PacketHeader)
	// Match submits one chunk for the pattern class pt.
	Match(pt PatternType, data []byte, isOrig, bol, eol, clearState bool)
	// Exhausted reports whether no rule can fire anymore.
	Exhausted() bool
}

// ConnEnv is the environment rule conditions are evaluated in.
type ConnEnv struct {
	OrigIP   string `expr:"orig_ip"`
	RespIP   string `expr:"resp_ip"`
	OrigPort int    `expr:"orig_port"`
	RespPort int    `expr:"resp_port"`
	Proto    string `expr:"ip_proto"`
	// Aliases matching the usual src/dst wording.
	SrcPort int `expr:"src_port"`
	DstPort int `expr:"dst_port"`
}

func newConnEnv(c core.ConnID) ConnEnv {
	return ConnEnv{
		OrigIP:   c.OrigIP.String(),
		RespIP:   c.RespIP.String(),
		OrigPort: int(c.OrigPort),
		RespPort: int(c.RespPort),
		Proto:    c.Transport(),
		SrcPort:  int(c.OrigPort),
		DstPort:  int(c.RespPort),
	}
}

// Engine holds compiled rules. It is immutable after construction and may be
// shared by any number of connections and goroutines.
type Engine struct {
	rules    []*Rule
	maxDepth [numPatternTypes]int
}

// NewEngine builds an engine over rules.
func NewEngine(rules []*Rule) (*Engine, error) {
	e := &Engine{rules: rules}
	ids := make(map[string]bool, len(rules))
	for _, r := range rules {
		if ids[r.ID] {
			return nil, fmt.Errorf("%w: %s", core.ErrSignatureDuplicate, r.ID)
		}
		ids[r.ID] = true
		if r.Depth > e.maxDepth[r.PatternType] {
			e.maxDepth[r.PatternType] = r.Depth
		}
	}
	return e, nil
}

// Rules returns the compiled rules.
func (e *Engine) Rules() []*Rule {
	return e.rules
}

// NewMatching implements Matcher. Rules whose transport or condition rule
// them out for conn are discarded up front.
func (e *Engine) NewMatching(conn core.ConnID, act Activator) Matching {
	env := newConnEnv(conn)
	s := &State{
		engine:  e,
		conn:    conn,
		act:     act,
		matched: [2]map[string]bool{{}, {}},
	}

	for _, r := range e.rules {
		if r.Transport != 0 && r.Transport != conn.Proto {
			continue
		}
		if r.condition != nil {
			out, err := expr.Run(r.condition, env)
			if err != nil {
				slog.Debug("signature condition failed", "rule", r.ID, "conn", conn.String(), "error", err)
				continue
			}
			if ok, _ := out.(bool); !ok {
				continue
			}
		}
		s.candidates = append(s.candidates, r)
	}
	return s
}

// endpoint is the per-direction matching state.
type endpoint struct {
	hdr  *core.PacketHeader
	init bool
	// window holds the bytes since the last clear, up to the engine's
	// maximum depth for the pattern type.
	window [numPatternTypes][]byte
	// bol records whether the window starts at a line beginning.
	bol [numPatternTypes]bool
	// seen counts the bytes submitted. For stream patterns it restarts
	// with the window on a clear, since matching starts over after a gap;
	// packet patterns clear on every datagram and keep counting.
	seen [numPatternTypes]int
}

// State is the Matching implementation of Engine.
type State struct {
	engine     *Engine
	conn       core.ConnID
	act        Activator
	candidates []*Rule
	endpoints  [2]endpoint
	matched    [2]map[string]bool // per direction: rule id -> matched
}

func dirIndex(isOrig bool) int {
	if isOrig {
		return 0
	}
	return 1
}

// InitEndpoint implements Matching.
func (s *State) InitEndpoint(isOrig bool, hdr *core.PacketHeader) {
	ep := &s.endpoints[dirIndex(isOrig)]
	if ep.init {
		return
	}
	ep.init = true
	ep.hdr = hdr
}

// Initialized reports whether InitEndpoint ran for the direction.
func (s *State) Initialized(isOrig bool) bool {
	return s.endpoints[dirIndex(isOrig)].init
}

// Matched reports whether rule id fired in any direction.
func (s *State) Matched(id string) bool {
	return s.matched[0][id] || s.matched[1][id]
}

// Match implements Matching. A firing rule calls Activator.ActivateAnalyzer
// before Match returns; the activator may replay buffered data into a new
// analyzer from within that call.
func (s *State) Match(pt PatternType, data []byte, isOrig, bol, eol, clearState bool) {
	ep := &s.endpoints[dirIndex(isOrig)]

	if clearState || len(ep.window[pt]) == 0 {
		ep.window[pt] = ep.window[pt][:0]
		ep.bol[pt] = bol
		if clearState && pt == PatternStream {
			ep.seen[pt] = 0
		}
	}
	if len(data) == 0 {
		return
	}

	ep.seen[pt] += len(data)
	if room := s.engine.maxDepth[pt] - len(ep.window[pt]); room > 0 {
		if len(data) > room {
			data = data[:room]
		}
		ep.window[pt] = append(ep.window[pt], data...)
	}

	for _, r := range s.candidates {
		if r.PatternType != pt || !r.appliesTo(isOrig) || s.Matched(r.ID) {
			continue
		}
		if !s.requirementsMet(r, isOrig) {
			continue
		}
		if r.anchored && !ep.bol[pt] {
			continue
		}

		window := ep.window[pt]
		if len(window) > r.Depth {
			window = window[:r.Depth]
		}
		if !r.payload.Match(window) {
			continue
		}

		s.matched[dirIndex(isOrig)][r.ID] = true
		metrics.SignatureMatchesTotal.WithLabelValues(r.ID).Inc()
		slog.Debug("signature matched",
			"rule", r.ID,
			"analyzer", r.Enable.String(),
			"conn", s.conn.String(),
			"is_orig", isOrig,
			"eol", eol)

		if s.act != nil {
			s.act.ActivateAnalyzer(r.Enable, r)
		}
	}
}

func (s *State) requirementsMet(r *Rule, isOrig bool) bool {
	for _, id := range r.Requires {
		if !s.Matched(id) {
			return false
		}
	}
	rev := s.matched[dirIndex(!isOrig)]
	for _, id := range r.RequiresReverse {
		if !rev[id] {
			return false
		}
	}
	return true
}

// Exhausted implements Matching. A rule is finished once it matched, or once
// every direction it applies to has submitted at least Depth bytes of its
// pattern class without a match. Stream bytes count from the last clear.
func (s *State) Exhausted() bool {
	for _, r := range s.candidates {
		if s.Matched(r.ID) {
			continue
		}
		for _, isOrig := range []bool{true, false} {
			if !r.appliesTo(isOrig) {
				continue
			}
			if s.endpoints[dirIndex(isOrig)].seen[r.PatternType] < r.Depth {
				return false
			}
		}
	}
	return true
}
