package sip

import (
	"net/netip"
	"testing"
	"time"

	"firestige.xyz/dpd/internal/analyzer"
	"firestige.xyz/dpd/internal/core"
)

const invite = "INVITE sip:bob@biloxi.com SIP/2.0\r\n" +
	"Via: SIP/2.0/UDP 192.168.1.100:5060;branch=z9hG4bK776asdhds\r\n" +
	"Call-ID: a84b4c76e66710@pc33.atlanta.com\r\n" +
	"From: Alice <sip:alice@atlanta.com>;tag=1928301774\r\n" +
	"To: Bob <sip:bob@biloxi.com>\r\n" +
	"CSeq: 314159 INVITE\r\n" +
	"Content-Type: application/sdp\r\n" +
	"Content-Length: 68\r\n" +
	"\r\n" +
	"v=0\r\n" +
	"c=IN IP4 192.168.1.100\r\n" +
	"m=audio 49170 RTP/AVP 0 8\r\n" +
	"a=sendrecv\r\n"

const ok200 = "SIP/2.0 200 OK\r\n" +
	"Call-ID: a84b4c76e66710@pc33.atlanta.com\r\n" +
	"CSeq: 314159 INVITE\r\n" +
	"Content-Length: 0\r\n" +
	"\r\n"

const bye = "BYE sip:alice@atlanta.com SIP/2.0\r\n" +
	"Call-ID: a84b4c76e66710@pc33.atlanta.com\r\n" +
	"CSeq: 231 BYE\r\n" +
	"Content-Length: 0\r\n" +
	"\r\n"

func newConn(proto uint8) *analyzer.Conn {
	id := core.ConnID{
		OrigIP:   netip.MustParseAddr("192.168.1.100"),
		RespIP:   netip.MustParseAddr("192.168.1.200"),
		OrigPort: 5060,
		RespPort: 5060,
		Proto:    proto,
	}
	return analyzer.NewConn(id, "CS1", time.Unix(0, 0))
}

func TestDetect(t *testing.T) {
	tests := []struct {
		name     string
		payload  string
		expected bool
	}{
		{"INVITE", "INVITE sip:bob@example.com SIP/2.0\r\n", true},
		{"response", "SIP/2.0 200 OK\r\n", true},
		{"REGISTER", "REGISTER sip:example.com SIP/2.0\r\n", true},
		{"method without space", "INVITEX", false},
		{"HTTP", "HTTP/1.1 200 OK\r\n", false},
		{"empty", "", false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := Detect([]byte(tt.payload)); got != tt.expected {
				t.Errorf("Detect() = %v, expected %v", got, tt.expected)
			}
		})
	}
}

func TestExtractURI(t *testing.T) {
	tests := []struct {
		value    string
		expected string
	}{
		{`"Alice" <sip:alice@example.com>;tag=1234`, "sip:alice@example.com"},
		{"<sip:bob@192.168.1.1:5060>", "sip:bob@192.168.1.1:5060"},
		{"sip:carol@example.com", "sip:carol@example.com"},
		{"sip:dave@example.com;transport=udp", "sip:dave@example.com"},
		{"<>", ""},
		{"", ""},
	}

	for _, tt := range tests {
		t.Run(tt.value, func(t *testing.T) {
			if got := extractURI(tt.value); got != tt.expected {
				t.Errorf("extractURI(%q) = %q, expected %q", tt.value, got, tt.expected)
			}
		})
	}
}

func TestParseMessage(t *testing.T) {
	t.Run("INVITE with SDP", func(t *testing.T) {
		msg, err := parseMessage([]byte(invite))
		if err != nil {
			t.Fatalf("parseMessage failed: %v", err)
		}
		if msg.method != "INVITE" {
			t.Errorf("method = %q, expected INVITE", msg.method)
		}
		if msg.callID != "a84b4c76e66710@pc33.atlanta.com" {
			t.Errorf("callID = %q", msg.callID)
		}
		if msg.fromURI != "sip:alice@atlanta.com" {
			t.Errorf("fromURI = %q", msg.fromURI)
		}
		if msg.toURI != "sip:bob@biloxi.com" {
			t.Errorf("toURI = %q", msg.toURI)
		}
		if msg.contentLength != 68 {
			t.Errorf("contentLength = %d, expected 68", msg.contentLength)
		}
		if len(msg.media) != 1 || msg.media[0] != "audio/49170" {
			t.Errorf("media = %v", msg.media)
		}
	})

	t.Run("response", func(t *testing.T) {
		msg, err := parseMessage([]byte(ok200))
		if err != nil {
			t.Fatalf("parseMessage failed: %v", err)
		}
		if msg.statusCode != 200 || msg.method != "" {
			t.Errorf("statusCode = %d, method = %q", msg.statusCode, msg.method)
		}
	})

	t.Run("compact headers and folding", func(t *testing.T) {
		payload := "OPTIONS sip:x SIP/2.0\r\n" +
			"i: compact-id\r\n" +
			"f: <sip:a@b>\r\n" +
			"t:\r\n <sip:c@d>\r\n" +
			"\r\n"
		msg, err := parseMessage([]byte(payload))
		if err != nil {
			t.Fatalf("parseMessage failed: %v", err)
		}
		if msg.callID != "compact-id" || msg.fromURI != "sip:a@b" || msg.toURI != "sip:c@d" {
			t.Errorf("got callID=%q from=%q to=%q", msg.callID, msg.fromURI, msg.toURI)
		}
	})

	t.Run("not SIP", func(t *testing.T) {
		if _, err := parseMessage([]byte("GET / HTTP/1.1\r\n\r\n")); err == nil {
			t.Error("expected error for HTTP payload")
		}
		if _, err := parseMessage([]byte("SIP")); err == nil {
			t.Error("expected error for short payload")
		}
	})
}

func TestAnalyzer_Datagrams(t *testing.T) {
	a := New(newConn(core.ProtoUDP)).(*Analyzer)

	a.DeliverPacket([]byte(invite), true, 0, nil, len(invite))
	a.DeliverPacket([]byte(ok200), false, 0, nil, len(ok200))
	if got := a.ActiveDialogs(); got != 1 {
		t.Errorf("ActiveDialogs() = %d, expected 1", got)
	}
	a.DeliverPacket([]byte(bye), true, 0, nil, len(bye))
	a.DeliverPacket([]byte("\x80\x00garbage-rtp"), true, 0, nil, 13)

	if got := a.Messages(); got != 3 {
		t.Errorf("Messages() = %d, expected 3", got)
	}
	if got := a.Errors(); got != 1 {
		t.Errorf("Errors() = %d, expected 1", got)
	}
	if got := a.ActiveDialogs(); got != 0 {
		t.Errorf("ActiveDialogs() = %d after BYE, expected 0", got)
	}

	labels := a.Labels()
	expected := core.Labels{
		core.LabelSIPMethod:     "INVITE",
		core.LabelSIPCallID:     "a84b4c76e66710@pc33.atlanta.com",
		core.LabelSIPFromURI:    "sip:alice@atlanta.com",
		core.LabelSIPToURI:      "sip:bob@biloxi.com",
		core.LabelSIPStatusCode: "200",
		core.LabelSIPMessages:   "3",
		core.LabelSIPDialogs:    "1",
		core.LabelSIPMedia:      "audio/49170",
	}
	for k, v := range expected {
		if labels[k] != v {
			t.Errorf("labels[%q] = %q, expected %q", k, labels[k], v)
		}
	}
}

func TestAnalyzer_StreamFraming(t *testing.T) {
	a := New(newConn(core.ProtoTCP)).(*Analyzer)

	// Packets are ignored on stream transports.
	a.DeliverPacket([]byte(invite), true, 0, nil, len(invite))

	stream := invite + "\r\n" + ok200
	for i := 0; i < len(stream); i += 17 {
		end := i + 17
		if end > len(stream) {
			end = len(stream)
		}
		a.DeliverStream([]byte(stream[i:end]), true)
	}

	if got := a.Messages(); got != 2 {
		t.Fatalf("Messages() = %d, expected 2", got)
	}
	if len(a.stream[0]) != 0 {
		t.Errorf("leftover stream bytes: %q", a.stream[0])
	}
	if got := a.Labels()[core.LabelSIPMedia]; got != "audio/49170" {
		t.Errorf("media = %q", got)
	}
}

func TestAnalyzer_StreamGapDropsPartial(t *testing.T) {
	a := New(newConn(core.ProtoTCP)).(*Analyzer)

	a.DeliverStream([]byte(invite[:40]), true)
	a.Undelivered(40, 30, true)
	a.DeliverStream([]byte(ok200), true)

	if got := a.Messages(); got != 1 {
		t.Errorf("Messages() = %d, expected 1", got)
	}
	if got := a.Labels()[core.LabelSIPStatusCode]; got != "200" {
		t.Errorf("status = %q", got)
	}
}

func TestAnalyzer_Done(t *testing.T) {
	a := New(newConn(core.ProtoUDP)).(*Analyzer)
	a.DeliverPacket([]byte(invite), true, 0, nil, len(invite))
	a.Done()
	a.Done()

	if !a.Finished() {
		t.Error("expected analyzer to be finished")
	}
	if got := a.ActiveDialogs(); got != 0 {
		t.Errorf("ActiveDialogs() = %d after Done, expected 0", got)
	}
}
