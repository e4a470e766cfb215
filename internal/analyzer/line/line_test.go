package line

import (
	"net/netip"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"firestige.xyz/dpd/internal/analyzer"
	"firestige.xyz/dpd/internal/core"
)

func testConn() *analyzer.Conn {
	id := core.ConnID{
		OrigIP:   netip.MustParseAddr("192.168.1.10"),
		RespIP:   netip.MustParseAddr("192.168.1.1"),
		OrigPort: 51000,
		RespPort: 23,
		Proto:    core.ProtoTCP,
	}
	return analyzer.NewConn(id, "CL1", time.Unix(0, 0))
}

func TestSplitter(t *testing.T) {
	tests := []struct {
		name   string
		chunks []string
		want   []string
		rest   string
	}{
		{"single", []string{"hello\n"}, []string{"hello"}, ""},
		{"crlf", []string{"a\r\nb\r\n"}, []string{"a", "b"}, ""},
		{"split across chunks", []string{"he", "llo\nwor", "ld\n"}, []string{"hello", "world"}, ""},
		{"partial", []string{"login: "}, nil, "login: "},
		{"empty lines", []string{"\n\n"}, []string{"", ""}, ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var s splitter
			var got []string
			for _, c := range tt.chunks {
				s.feed([]byte(c), func(b []byte) { got = append(got, string(b)) })
			}
			assert.Equal(t, tt.want, got)
			assert.Equal(t, tt.rest, string(s.pending()))
		})
	}
}

func TestSplitter_LongLine(t *testing.T) {
	var s splitter
	var got []int
	long := make([]byte, MaxLineLength*2+10)
	for i := range long {
		long[i] = 'x'
	}
	s.feed(long, func(b []byte) { got = append(got, len(b)) })
	assert.Equal(t, []int{MaxLineLength, MaxLineLength}, got)
	assert.Len(t, s.pending(), 10)
}

func TestStripTelnet(t *testing.T) {
	in := []byte("\xff\xfb\x18\xff\xfd\x01root\x00\xff\xff")
	assert.Equal(t, "root\xff", string(stripTelnet(in)))
	assert.Equal(t, "plain", string(stripTelnet([]byte("plain"))))
}

func TestLine_CountsAndGaps(t *testing.T) {
	a := New(testConn()).(*Line)

	a.DeliverStream([]byte("GET / HTTP/1.0\r\nHost: x\r\n\r\n"), true)
	a.DeliverStream([]byte("HTTP/1.0 200 OK\r\n"), false)
	a.Undelivered(100, 20, false)
	a.DeliverStream([]byte("tail"), false)
	a.EndpointEOF(false)

	assert.Equal(t, 3, a.Count(true))
	assert.Equal(t, 2, a.Count(false))
	assert.Equal(t, []string{"HTTP/1.0 200 OK", "tail"}, a.Lines(false))
	assert.Equal(t, core.Labels{
		core.LabelLineOrig: "3",
		core.LabelLineResp: "2",
		core.LabelLineGaps: "1",
	}, a.Labels())
}

type session struct {
	t *testing.T
	l *Login
}

func (s session) server(text string) session {
	s.l.DeliverStream([]byte(text), false)
	return s
}

func (s session) client(text string) session {
	s.l.DeliverStream([]byte(text), true)
	return s
}

func newSession(t *testing.T) session {
	return session{t: t, l: NewLogin(testConn()).(*Login)}
}

func TestLogin_Success(t *testing.T) {
	s := newSession(t).
		server("\xff\xfd\x18\xff\xfd\x20Ubuntu 22.04 LTS\r\nlogin: ").
		client("\xff\xfb\x18root\r\n").
		server("Password: ").
		client("secret\r\n").
		server("Last login: Mon Oct 12 10:00:00 from 10.0.0.5\r\n")

	assert.Equal(t, StateLoggedIn, s.l.State())
	assert.Equal(t, "root", s.l.User())
	labels := s.l.Labels()
	assert.Equal(t, "logged_in", labels[core.LabelLoginState])
	assert.Equal(t, "root", labels[core.LabelLoginUser])
	assert.Equal(t, "0", labels[core.LabelLoginFailures])
}

func TestLogin_FailureThenShellPrompt(t *testing.T) {
	s := newSession(t).
		server("login: ").client("admin\r\n").
		server("Password: ").client("wrong\r\n").
		server("Login incorrect\r\n").
		server("login: ").client("alice\r\n").
		server("Password: ").client("right\r\n").
		server("alice@host:~$ ")

	assert.Equal(t, StateLoggedIn, s.l.State())
	assert.Equal(t, "alice", s.l.User())
	assert.Equal(t, 1, s.l.Failures())
}

func TestLogin_Typeahead(t *testing.T) {
	s := newSession(t).
		client("bob\r\n").
		client("hunter2\r\n").
		server("login: ").
		server("Password: ").
		server("Last login: yesterday\r\n")

	assert.Equal(t, StateLoggedIn, s.l.State())
	assert.Equal(t, "bob", s.l.User())
}

func TestLogin_ExcessiveTypeahead(t *testing.T) {
	s := newSession(t)
	for i := 0; i <= MaxUserText; i++ {
		s.client("x\r\n")
	}
	assert.Equal(t, StateConfused, s.l.State())
	assert.Equal(t, "excessive typeahead", s.l.ConfusedReason())
}

func TestLogin_NoDecision(t *testing.T) {
	s := newSession(t)
	for i := 0; i <= MaxAuthenticateLines; i++ {
		s.server("motd line\r\n")
	}
	assert.Equal(t, StateConfused, s.l.State())
}

func TestLogin_GapConfuses(t *testing.T) {
	s := newSession(t).server("login: ")
	s.l.Undelivered(7, 100, false)

	assert.Equal(t, StateConfused, s.l.State())
	assert.Equal(t, "content gap", s.l.ConfusedReason())

	// Nothing is interpreted afterwards.
	s.client("root\r\n").server("Last login: now\r\n")
	assert.Equal(t, StateConfused, s.l.State())
	assert.Empty(t, s.l.User())
}

func TestLogin_Skip(t *testing.T) {
	s := newSession(t).server("WELCOME TO THE BERKELEY PUBLIC LIBRARY\r\n")
	assert.Equal(t, StateSkip, s.l.State())
	assert.Equal(t, "skip", s.l.Labels()[core.LabelLoginState])
}

func TestLogin_FailureDuringLookahead(t *testing.T) {
	s := newSession(t).
		server("login: ").client("eve\r\n").
		server("Password: ").client("guess\r\n").
		server("Last login: never\r\n").
		server("Access denied\r\n")

	assert.Equal(t, StateAuthenticate, s.l.State())
	assert.Equal(t, 1, s.l.Failures())
}

func TestLogin_ForwardsToChildren(t *testing.T) {
	l := NewLogin(testConn()).(*Login)
	child := New(l.Conn()).(*Line)
	require.True(t, l.AddChild(child))

	l.DeliverStream([]byte("login: root\n"), false)
	l.EndpointEOF(false)
	assert.Equal(t, 1, child.Count(false))
}
