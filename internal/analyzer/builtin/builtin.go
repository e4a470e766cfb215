// Package builtin registers all built-in analyzers.
package builtin

import (
	"firestige.xyz/dpd/internal/analyzer"
	"firestige.xyz/dpd/internal/analyzer/dns"
	"firestige.xyz/dpd/internal/analyzer/line"
	"firestige.xyz/dpd/internal/analyzer/sip"
	"firestige.xyz/dpd/internal/core"
)

var analyzers = []struct {
	tag     core.Tag
	factory analyzer.Factory
}{
	{line.TagLogin, line.NewLogin},
	{line.TagLine, line.New},
	{sip.Tag, sip.New},
	{dns.Tag, dns.New},
}

// Register adds every built-in analyzer to r.
func Register(r *analyzer.Registry) error {
	for _, a := range analyzers {
		if err := r.Register(a.tag, a.factory); err != nil {
			return err
		}
	}
	return nil
}

// NewRegistry returns a registry holding the built-in analyzers.
func NewRegistry() *analyzer.Registry {
	r := analyzer.NewRegistry()
	if err := Register(r); err != nil {
		// Tags above are distinct constants.
		panic(err)
	}
	return r
}
