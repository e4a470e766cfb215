// Package line implements line-oriented analyzers over reassembled TCP
// streams: a generic line counter and a login-dialog tracker for telnet and
// rlogin style sessions.
package line

import (
	"strconv"

	"firestige.xyz/dpd/internal/analyzer"
	"firestige.xyz/dpd/internal/core"
)

const (
	TagLine  core.Tag = "LINE"
	TagLogin core.Tag = "LOGIN"
)

// KeepLines is the number of lines per direction a Line analyzer retains.
const KeepLines = 32

// Line splits both directions into lines and counts them.
type Line struct {
	analyzer.Base
	split [2]splitter
	count [2]int
	lines [2][]string
	gaps  int
}

// New creates a Line analyzer.
func New(conn *analyzer.Conn) analyzer.Analyzer {
	return &Line{Base: analyzer.NewBase(TagLine, conn)}
}

func idx(isOrig bool) int {
	if isOrig {
		return 0
	}
	return 1
}

func (l *Line) DeliverStream(data []byte, isOrig bool) {
	d := idx(isOrig)
	l.split[d].feed(data, func(b []byte) { l.newLine(d, b) })
	l.ForwardStream(data, isOrig)
}

func (l *Line) newLine(d int, b []byte) {
	l.count[d]++
	if len(l.lines[d]) < KeepLines {
		l.lines[d] = append(l.lines[d], string(stripTelnet(b)))
	}
}

// Undelivered drops the partial line of the direction; the bytes after the
// gap start a new line.
func (l *Line) Undelivered(seq uint64, length int, isOrig bool) {
	l.gaps++
	l.split[idx(isOrig)].reset()
	l.ForwardUndelivered(seq, length, isOrig)
}

func (l *Line) EndpointEOF(isOrig bool) {
	d := idx(isOrig)
	l.split[d].flush(func(b []byte) { l.newLine(d, b) })
	l.ForwardEndpointEOF(isOrig)
}

// Lines returns the first KeepLines lines seen in a direction.
func (l *Line) Lines(isOrig bool) []string {
	return l.lines[idx(isOrig)]
}

// Count returns the number of lines seen in a direction.
func (l *Line) Count(isOrig bool) int {
	return l.count[idx(isOrig)]
}

func (l *Line) Labels() core.Labels {
	return core.Labels{
		core.LabelLineOrig: strconv.Itoa(l.count[0]),
		core.LabelLineResp: strconv.Itoa(l.count[1]),
		core.LabelLineGaps: strconv.Itoa(l.gaps),
	}
}
