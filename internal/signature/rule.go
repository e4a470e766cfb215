// Package signature implements the signature engine used for dynamic
// protocol detection. Rules are loaded from YAML, payload patterns are Go
// regular expressions, and optional conditions over connection metadata are
// expr-lang expressions.
package signature

import (
	"fmt"
	"os"
	"regexp"
	"strings"

	"github.com/expr-lang/expr"
	"github.com/expr-lang/expr/vm"
	"gopkg.in/yaml.v3"

	"firestige.xyz/dpd/internal/core"
)

// PatternType is the class of input a rule is evaluated against.
type PatternType int

const (
	// PatternPacket rules see raw per-packet payload.
	PatternPacket PatternType = iota
	// PatternStream rules see reassembled, gap-free payload.
	PatternStream

	numPatternTypes
)

func (p PatternType) String() string {
	switch p {
	case PatternPacket:
		return "packet"
	case PatternStream:
		return "stream"
	default:
		return "unknown"
	}
}

// Direction restricts a rule to one side of the connection.
type Direction int

const (
	DirAny Direction = iota
	DirOrig
	DirResp
)

// DefaultDepth is the number of bytes per direction a rule examines when its
// definition does not say otherwise.
const DefaultDepth = 1024

// RuleSpec is the YAML form of a rule.
type RuleSpec struct {
	ID              string   `yaml:"id"`
	Transport       string   `yaml:"transport"`    // tcp | udp | any
	PatternType     string   `yaml:"pattern_type"` // packet | stream
	Direction       string   `yaml:"direction"`    // orig | resp | any
	Payload         string   `yaml:"payload"`
	Depth           int      `yaml:"depth"`
	Condition       string   `yaml:"condition"`
	Enable          string   `yaml:"enable"`
	Requires        []string `yaml:"requires"`
	RequiresReverse []string `yaml:"requires_reverse"`
}

// File is the top-level YAML document.
type File struct {
	Signatures []RuleSpec `yaml:"signatures"`
}

// Rule is a compiled rule.
type Rule struct {
	ID              string
	Transport       uint8 // 0 = any
	PatternType     PatternType
	Direction       Direction
	Depth           int
	Enable          core.Tag
	Requires        []string
	RequiresReverse []string

	payload   *regexp.Regexp
	anchored  bool
	condition *vm.Program
	source    string
}

func (r *Rule) String() string {
	return r.ID
}

// Source returns the payload expression the rule was compiled from.
func (r *Rule) Source() string {
	return r.source
}

// appliesTo reports whether the rule inspects direction isOrig.
func (r *Rule) appliesTo(isOrig bool) bool {
	switch r.Direction {
	case DirOrig:
		return isOrig
	case DirResp:
		return !isOrig
	default:
		return true
	}
}

// Compile validates a RuleSpec and compiles its payload and condition.
func Compile(spec RuleSpec) (*Rule, error) {
	if spec.ID == "" {
		return nil, fmt.Errorf("%w: missing id", core.ErrSignatureInvalid)
	}
	if spec.Enable == "" {
		return nil, fmt.Errorf("%w: %s: missing enable", core.ErrSignatureInvalid, spec.ID)
	}
	if spec.Payload == "" {
		return nil, fmt.Errorf("%w: %s: missing payload", core.ErrSignatureInvalid, spec.ID)
	}

	r := &Rule{
		ID:              spec.ID,
		Depth:           spec.Depth,
		Enable:          core.Tag(spec.Enable),
		Requires:        spec.Requires,
		RequiresReverse: spec.RequiresReverse,
		source:          spec.Payload,
	}
	if r.Depth <= 0 {
		r.Depth = DefaultDepth
	}

	switch strings.ToLower(spec.Transport) {
	case "", "any":
	case "tcp":
		r.Transport = core.ProtoTCP
	case "udp":
		r.Transport = core.ProtoUDP
	default:
		return nil, fmt.Errorf("%w: %s: unknown transport %q", core.ErrSignatureInvalid, spec.ID, spec.Transport)
	}

	switch strings.ToLower(spec.PatternType) {
	case "", "stream":
		r.PatternType = PatternStream
	case "packet":
		r.PatternType = PatternPacket
	default:
		return nil, fmt.Errorf("%w: %s: unknown pattern_type %q", core.ErrSignatureInvalid, spec.ID, spec.PatternType)
	}

	switch strings.ToLower(spec.Direction) {
	case "", "any":
		r.Direction = DirAny
	case "orig":
		r.Direction = DirOrig
	case "resp":
		r.Direction = DirResp
	default:
		return nil, fmt.Errorf("%w: %s: unknown direction %q", core.ErrSignatureInvalid, spec.ID, spec.Direction)
	}

	re, err := regexp.Compile(spec.Payload)
	if err != nil {
		return nil, fmt.Errorf("%w: %s: payload: %v", core.ErrSignatureInvalid, spec.ID, err)
	}
	r.payload = re
	r.anchored = strings.HasPrefix(spec.Payload, "^")

	if spec.Condition != "" {
		prog, err := expr.Compile(spec.Condition, expr.Env(ConnEnv{}), expr.AsBool())
		if err != nil {
			return nil, fmt.Errorf("%w: %s: condition: %v", core.ErrSignatureInvalid, spec.ID, err)
		}
		r.condition = prog
	}

	return r, nil
}

// Parse compiles every rule of a YAML document.
func Parse(data []byte) ([]*Rule, error) {
	var f File
	if err := yaml.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("parse signatures: %w", err)
	}

	seen := make(map[string]bool, len(f.Signatures))
	rules := make([]*Rule, 0, len(f.Signatures))
	for _, spec := range f.Signatures {
		if seen[spec.ID] {
			return nil, fmt.Errorf("%w: %s", core.ErrSignatureDuplicate, spec.ID)
		}
		seen[spec.ID] = true

		r, err := Compile(spec)
		if err != nil {
			return nil, err
		}
		rules = append(rules, r)
	}

	for _, r := range rules {
		for _, dep := range append(append([]string(nil), r.Requires...), r.RequiresReverse...) {
			if !seen[dep] {
				return nil, fmt.Errorf("%w: %s: requires unknown signature %q", core.ErrSignatureInvalid, r.ID, dep)
			}
		}
	}
	return rules, nil
}

// LoadFiles reads and compiles every file in order.
func LoadFiles(paths ...string) ([]*Rule, error) {
	var all []*Rule
	for _, p := range paths {
		data, err := os.ReadFile(p)
		if err != nil {
			return nil, fmt.Errorf("read signature file %s: %w", p, err)
		}
		rules, err := Parse(data)
		if err != nil {
			return nil, fmt.Errorf("signature file %s: %w", p, err)
		}
		all = append(all, rules...)
	}
	return all, nil
}
