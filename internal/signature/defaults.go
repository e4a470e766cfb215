package signature

import (
	_ "embed"
	"fmt"
)

//go:embed signatures.yml
var defaultSignatures []byte

// Defaults compiles the built-in signatures.
func Defaults() ([]*Rule, error) {
	rules, err := Parse(defaultSignatures)
	if err != nil {
		return nil, fmt.Errorf("built-in signatures: %w", err)
	}
	return rules, nil
}

// DefaultsYAML returns the built-in signature document.
func DefaultsYAML() []byte {
	return append([]byte(nil), defaultSignatures...)
}
