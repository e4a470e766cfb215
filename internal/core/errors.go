// Package core defines sentinel errors.
package core

import "errors"

// Sentinel errors, wrapped with context by callers and matched with errors.Is.
var (
	// Packet decoding errors
	ErrPacketTooShort   = errors.New("dpd: packet too short")
	ErrUnsupportedProto = errors.New("dpd: unsupported protocol")

	// Analyzer tree errors
	ErrAnalyzerNotFound   = errors.New("dpd: analyzer not found")
	ErrAnalyzerRegistered = errors.New("dpd: analyzer already registered")

	// Signature errors
	ErrSignatureInvalid   = errors.New("dpd: invalid signature")
	ErrSignatureDuplicate = errors.New("dpd: duplicate signature id")

	// Capture input errors
	ErrUnsupportedLinkType = errors.New("dpd: unsupported link type")

	// Configuration errors
	ErrConfigInvalid = errors.New("dpd: invalid configuration")
)
