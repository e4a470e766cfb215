package sip

import (
	"bytes"
	"fmt"
	"strconv"
	"strings"
)

var sipMethods = [][]byte{
	[]byte("INVITE"),
	[]byte("ACK"),
	[]byte("BYE"),
	[]byte("CANCEL"),
	[]byte("REGISTER"),
	[]byte("OPTIONS"),
	[]byte("PRACK"),
	[]byte("SUBSCRIBE"),
	[]byte("NOTIFY"),
	[]byte("PUBLISH"),
	[]byte("INFO"),
	[]byte("REFER"),
	[]byte("MESSAGE"),
	[]byte("UPDATE"),
}

var sipVersion = []byte("SIP/2.0")

// Detect reports whether data starts like a SIP request or response.
func Detect(data []byte) bool {
	if bytes.HasPrefix(data, sipVersion) {
		return true
	}
	for _, method := range sipMethods {
		if bytes.HasPrefix(data, method) && len(data) > len(method) && data[len(method)] == ' ' {
			return true
		}
	}
	return false
}

// message is a parsed SIP message.
type message struct {
	method        string // empty for responses
	statusCode    int    // 0 for requests
	callID        string
	fromURI       string
	toURI         string
	cseq          string
	contentLength int
	media         []string // type/port of each SDP m= line
}

// headerEnd returns the offset of the first body byte, or -1 if the header
// block is incomplete.
func headerEnd(data []byte) int {
	if i := bytes.Index(data, []byte("\r\n\r\n")); i >= 0 {
		return i + 4
	}
	if i := bytes.Index(data, []byte("\n\n")); i >= 0 {
		return i + 2
	}
	return -1
}

// parseMessage parses the header block and, for application/sdp bodies,
// the media lines. A message without a blank line is parsed as headers only.
func parseMessage(payload []byte) (*message, error) {
	if len(payload) < 8 {
		return nil, fmt.Errorf("payload too short")
	}
	if !Detect(payload) {
		return nil, fmt.Errorf("not a SIP message")
	}

	msg := &message{contentLength: -1}

	end := headerEnd(payload)
	headerData := payload
	if end >= 0 {
		headerData = payload[:end]
	}
	lines := bytes.Split(bytes.TrimRight(headerData, "\r\n"), []byte("\n"))

	firstLine := string(bytes.TrimSpace(lines[0]))
	parts := strings.SplitN(firstLine, " ", 3)
	if strings.HasPrefix(firstLine, "SIP/2.0 ") {
		if len(parts) >= 2 {
			msg.statusCode, _ = strconv.Atoi(parts[1])
		}
	} else {
		msg.method = parts[0]
	}

	isSDP := false
	for i := 1; i < len(lines); i++ {
		line := bytes.TrimSpace(lines[i])
		if len(line) == 0 {
			continue
		}

		// Folded header continuation lines start with whitespace.
		for i+1 < len(lines) && len(lines[i+1]) > 0 && (lines[i+1][0] == ' ' || lines[i+1][0] == '\t') {
			i++
			line = append(append(line[:len(line):len(line)], ' '), bytes.TrimSpace(lines[i])...)
		}

		colon := bytes.IndexByte(line, ':')
		if colon == -1 {
			continue
		}
		name := string(bytes.TrimSpace(line[:colon]))
		value := string(bytes.TrimSpace(line[colon+1:]))

		switch strings.ToLower(name) {
		case "call-id", "i":
			msg.callID = value
		case "from", "f":
			msg.fromURI = extractURI(value)
		case "to", "t":
			msg.toURI = extractURI(value)
		case "cseq":
			msg.cseq = value
		case "content-length", "l":
			if n, err := strconv.Atoi(value); err == nil && n >= 0 {
				msg.contentLength = n
			}
		case "content-type", "c":
			isSDP = strings.Contains(strings.ToLower(value), "application/sdp")
		}
	}

	if isSDP && end >= 0 && end < len(payload) {
		msg.media = parseSDPMedia(payload[end:])
	}
	return msg, nil
}

// extractURI extracts the URI from a From/To header value.
// "Alice" <sip:alice@example.com>;tag=1234 → sip:alice@example.com
func extractURI(value string) string {
	start := strings.IndexByte(value, '<')
	if start == -1 {
		parts := strings.Fields(value)
		if len(parts) == 0 {
			return ""
		}
		uri := parts[0]
		if semi := strings.IndexByte(uri, ';'); semi != -1 {
			uri = uri[:semi]
		}
		return uri
	}

	end := strings.IndexByte(value[start:], '>')
	if end == -1 {
		return ""
	}
	return value[start+1 : start+end]
}

// parseSDPMedia returns "type/port" for every m= line of an SDP body.
func parseSDPMedia(body []byte) []string {
	var media []string
	for _, line := range bytes.Split(body, []byte("\n")) {
		line = bytes.TrimSpace(line)
		if len(line) < 2 || line[0] != 'm' || line[1] != '=' {
			continue
		}
		// m=audio 49170 RTP/AVP 0 8
		parts := strings.Fields(string(line[2:]))
		if len(parts) < 3 {
			continue
		}
		if _, err := strconv.ParseUint(parts[1], 10, 16); err != nil {
			continue
		}
		media = append(media, parts[0]+"/"+parts[1])
	}
	return media
}
