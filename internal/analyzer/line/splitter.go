package line

import "bytes"

// MaxLineLength bounds a buffered partial line. Longer lines are cut and
// delivered in pieces.
const MaxLineLength = 4096

// splitter turns one direction of a byte stream into lines. Line endings
// (LF, optionally preceded by CR) are stripped.
type splitter struct {
	partial []byte
}

// feed appends data and calls emit for every complete line.
func (s *splitter) feed(data []byte, emit func(line []byte)) {
	for len(data) > 0 {
		i := bytes.IndexByte(data, '\n')
		if i < 0 {
			s.partial = append(s.partial, data...)
			for len(s.partial) >= MaxLineLength {
				emit(s.partial[:MaxLineLength])
				s.partial = append(s.partial[:0], s.partial[MaxLineLength:]...)
			}
			return
		}

		var line []byte
		if len(s.partial) > 0 {
			line = append(s.partial, data[:i]...)
		} else {
			line = data[:i]
		}
		emit(bytes.TrimSuffix(line, []byte{'\r'}))
		s.partial = s.partial[:0]
		data = data[i+1:]
	}
}

// pending returns the buffered partial line.
func (s *splitter) pending() []byte {
	return s.partial
}

// flush emits the partial line, if any.
func (s *splitter) flush(emit func(line []byte)) {
	if len(s.partial) == 0 {
		return
	}
	emit(bytes.TrimSuffix(s.partial, []byte{'\r'}))
	s.partial = s.partial[:0]
}

// reset drops the partial line.
func (s *splitter) reset() {
	s.partial = s.partial[:0]
}

// stripTelnet removes telnet IAC command sequences and NUL bytes.
func stripTelnet(line []byte) []byte {
	if bytes.IndexByte(line, 0xff) < 0 && bytes.IndexByte(line, 0) < 0 {
		return line
	}
	out := make([]byte, 0, len(line))
	for i := 0; i < len(line); i++ {
		c := line[i]
		switch {
		case c == 0:
		case c == 0xff && i+1 < len(line):
			cmd := line[i+1]
			switch {
			case cmd == 0xff:
				out = append(out, 0xff)
				i++
			case cmd >= 251 && cmd <= 254: // WILL, WONT, DO, DONT
				i += 2
			default:
				i++
			}
		case c == 0xff:
		default:
			out = append(out, c)
		}
	}
	return out
}
