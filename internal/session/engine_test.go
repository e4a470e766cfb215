package session

import (
	"context"
	"fmt"
	"strings"
	"testing"
	"time"

	"github.com/google/gopacket"
	"github.com/google/gopacket/layers"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"firestige.xyz/dpd/internal/analyzer"
	"firestige.xyz/dpd/internal/analyzer/analyzertest"
	"firestige.xyz/dpd/internal/analyzer/builtin"
	"firestige.xyz/dpd/internal/core"
	"firestige.xyz/dpd/internal/metrics"
	"firestige.xyz/dpd/internal/signature"
)

func defaultEngine(t *testing.T, cfg Config) *Engine {
	t.Helper()
	rules, err := signature.Defaults()
	require.NoError(t, err)
	sigs, err := signature.NewEngine(rules)
	require.NoError(t, err)
	return NewEngine(cfg, builtin.NewRegistry(), sigs)
}

func run(t *testing.T, e *Engine, c *capture) *Report {
	t.Helper()
	rep, err := e.Run(context.Background(), c.source())
	require.NoError(t, err)
	return rep
}

func TestEngine_TelnetLoginOnOddPort(t *testing.T) {
	c := newCapture(t)
	s := c.handshake(ep("10.0.0.1", 40000), ep("10.0.0.2", 2323))
	s.reply("Welcome to host\r\nlogin: ")
	s.send("alice\r\n")
	s.reply("Password: ")
	s.send("secret\r\n")
	s.reply("Last login: Fri Mar  1 11:00:00 2024\r\n$ ")
	s.close()

	rep := run(t, defaultEngine(t, DefaultConfig()), c)

	require.Len(t, rep.Closed, 1)
	sum := rep.Closed[0]
	assert.Equal(t, "tcp 10.0.0.1:40000 -> 10.0.0.2:2323", sum.Conn)
	assert.Equal(t, []core.Tag{"PIA_TCP", "LOGIN"}, sum.Analyzers)
	assert.True(t, sum.Activated("LOGIN"))
	assert.Equal(t, "logged_in", sum.Labels[core.LabelLoginState])
	assert.Equal(t, "alice", sum.Labels[core.LabelLoginUser])
	assert.Equal(t, "matching_only", sum.StreamBuffer)
	assert.Equal(t, uint64(1), rep.Connections)
}

func TestEngine_PortReuseAfterReset(t *testing.T) {
	for _, idle := range []time.Duration{40 * time.Second, time.Millisecond} {
		t.Run(idle.String(), func(t *testing.T) {
			client, server := ep("10.0.0.1", 40000), ep("10.0.0.2", 2323)
			c := newCapture(t)
			first := c.handshake(client, server)
			first.send("ping\r\n")
			first.reset()

			c.after(idle)
			second := c.handshakeISN(client, server, 7000, 9000)
			second.reply("Welcome\r\nlogin: ")
			second.send("alice\r\n")
			second.close()

			rep := run(t, defaultEngine(t, DefaultConfig()), c)

			require.Len(t, rep.Closed, 2)
			assert.Equal(t, uint64(2), rep.Connections)
			old, reused := rep.Closed[0], rep.Closed[1]
			assert.Equal(t, "C1", old.UID)
			assert.False(t, old.Activated("LOGIN"))
			assert.Equal(t, "C2", reused.UID)
			assert.Equal(t, "tcp 10.0.0.1:40000 -> 10.0.0.2:2323", reused.Conn)
			assert.Equal(t, []core.Tag{"PIA_TCP", "LOGIN"}, reused.Analyzers)
			assert.Equal(t, "alice", reused.Labels[core.LabelLoginUser])
			assert.Equal(t, "matching_only", reused.StreamBuffer)
		})
	}
}

func TestEngine_ZeroBufferSizeStillActivates(t *testing.T) {
	c := newCapture(t)
	s := c.handshake(ep("10.0.0.1", 40000), ep("10.0.0.2", 2323))
	s.reply("login: ")
	s.send("alice\r\n")
	s.close()

	cfg := DefaultConfig()
	cfg.PIA.MaxBufferSize = 0
	rep := run(t, defaultEngine(t, cfg), c)

	require.Len(t, rep.Closed, 1)
	sum := rep.Closed[0]
	assert.True(t, sum.Activated("LOGIN"))
	assert.Equal(t, "matching_only", sum.StreamBuffer)
}

func TestEngine_SynAckFirstOrientsConnection(t *testing.T) {
	c := newCapture(t)
	client, server := ep("10.0.0.1", 40001), ep("10.0.0.2", 23)
	c.tcp(server, client, 5000, 1001, synAck, "")
	c.tcp(client, server, 1001, 5001, ack, "")

	rep := run(t, defaultEngine(t, DefaultConfig()), c)
	require.Len(t, rep.Closed, 1)
	assert.Equal(t, "tcp 10.0.0.1:40001 -> 10.0.0.2:23", rep.Closed[0].Conn)
	assert.Equal(t, uint64(1), rep.Closed[0].OrigPackets)
	assert.Equal(t, uint64(1), rep.Closed[0].RespPackets)
}

const invite = "INVITE sip:bob@example.com SIP/2.0\r\n" +
	"Via: SIP/2.0/UDP 10.0.0.1:5062\r\n" +
	"From: <sip:alice@example.com>;tag=1\r\n" +
	"To: <sip:bob@example.com>\r\n" +
	"Call-ID: call-1@10.0.0.1\r\n" +
	"CSeq: 1 INVITE\r\n" +
	"Content-Length: 0\r\n\r\n"

const ok200 = "SIP/2.0 200 OK\r\n" +
	"Via: SIP/2.0/UDP 10.0.0.1:5062\r\n" +
	"From: <sip:alice@example.com>;tag=1\r\n" +
	"To: <sip:bob@example.com>;tag=2\r\n" +
	"Call-ID: call-1@10.0.0.1\r\n" +
	"CSeq: 1 INVITE\r\n" +
	"Content-Length: 0\r\n\r\n"

func TestEngine_SIPOverUDP(t *testing.T) {
	c := newCapture(t)
	client, server := ep("10.0.0.1", 5062), ep("10.0.0.2", 15060)
	c.udp(client, server, []byte(invite))
	c.udp(server, client, []byte(ok200))

	rep := run(t, defaultEngine(t, DefaultConfig()), c)

	require.Len(t, rep.Closed, 1)
	sum := rep.Closed[0]
	assert.Equal(t, "udp", sum.Transport)
	assert.Equal(t, []core.Tag{"PIA_UDP", "SIP"}, sum.Analyzers)
	assert.Equal(t, "INVITE", sum.Labels[core.LabelSIPMethod])
	assert.Equal(t, "call-1@10.0.0.1", sum.Labels[core.LabelSIPCallID])
	assert.Equal(t, "200", sum.Labels[core.LabelSIPStatusCode])
	assert.Equal(t, "2", sum.Labels[core.LabelSIPMessages])
	assert.Empty(t, sum.StreamBuffer)
}

func TestEngine_SIPOverTCPSplitAcrossSegments(t *testing.T) {
	c := newCapture(t)
	s := c.handshake(ep("10.0.0.1", 40100), ep("10.0.0.2", 5060))
	s.send(invite[:20])
	s.send(invite[20:])
	s.reply(ok200)
	s.close()

	rep := run(t, defaultEngine(t, DefaultConfig()), c)

	require.Len(t, rep.Closed, 1)
	sum := rep.Closed[0]
	assert.True(t, sum.Activated("SIP"))
	assert.Equal(t, "2", sum.Labels[core.LabelSIPMessages])
	assert.Equal(t, "200", sum.Labels[core.LabelSIPStatusCode])
}

func dnsMessage(t *testing.T, response bool) []byte {
	t.Helper()
	msg := &layers.DNS{
		ID:      0x1234,
		QR:      response,
		RD:      true,
		OpCode:  layers.DNSOpCodeQuery,
		QDCount: 1,
		Questions: []layers.DNSQuestion{{
			Name:  []byte("example.com"),
			Type:  layers.DNSTypeA,
			Class: layers.DNSClassIN,
		}},
	}
	if response {
		msg.ANCount = 1
		msg.Answers = []layers.DNSResourceRecord{{
			Name:  []byte("example.com"),
			Type:  layers.DNSTypeA,
			Class: layers.DNSClassIN,
			TTL:   60,
			IP:    []byte{93, 184, 216, 34},
		}}
	}
	return serialize(t, msg)
}

func TestEngine_DNSOverUDP(t *testing.T) {
	c := newCapture(t)
	client, server := ep("10.0.0.1", 53000), ep("8.8.8.8", 53)
	c.udp(client, server, dnsMessage(t, false))
	c.udp(server, client, dnsMessage(t, true))

	rep := run(t, defaultEngine(t, DefaultConfig()), c)

	require.Len(t, rep.Closed, 1)
	sum := rep.Closed[0]
	assert.True(t, sum.Activated("DNS"))
	assert.Equal(t, "example.com", sum.Labels[core.LabelDNSQuery])
	assert.Equal(t, "1", sum.Labels[core.LabelDNSAnswers])
	assert.Equal(t, "2", sum.Labels[core.LabelDNSMessages])
}

func TestEngine_UnknownProtocolSkips(t *testing.T) {
	c := newCapture(t)
	s := c.handshake(ep("10.0.0.1", 40200), ep("10.0.0.2", 9000))
	s.send(strings.Repeat("z", 2048))
	s.reply(strings.Repeat("y", 2048))
	s.close()

	rep := run(t, defaultEngine(t, DefaultConfig()), c)

	require.Len(t, rep.Closed, 1)
	sum := rep.Closed[0]
	assert.Equal(t, []core.Tag{"PIA_TCP"}, sum.Analyzers)
	assert.Equal(t, "skipping", sum.StreamBuffer)
	assert.Equal(t, "skipping", sum.PacketBuffer)
}

// echoEngine activates a recorder on the first "AAAA" sent by the client.
func echoEngine(t *testing.T, cfg Config, out *[]*analyzertest.Recorder) *Engine {
	t.Helper()
	rules, err := signature.Parse([]byte(`
signatures:
  - {id: echo, transport: tcp, direction: orig, payload: "AAAA", enable: ECHO}
`))
	require.NoError(t, err)
	sigs, err := signature.NewEngine(rules)
	require.NoError(t, err)

	reg := analyzer.NewRegistry()
	require.NoError(t, reg.Register("ECHO", analyzertest.Factory("ECHO", out)))
	return NewEngine(cfg, reg, sigs)
}

func TestEngine_GapReportedToActiveAnalyzer(t *testing.T) {
	var recs []*analyzertest.Recorder
	e := echoEngine(t, DefaultConfig(), &recs)

	c := newCapture(t)
	s := c.handshake(ep("10.0.0.1", 40300), ep("10.0.0.2", 7))
	s.send("AAAA")
	s.cseq += 4 // lost segment
	s.send("CCCC")

	gapsBefore := testutil.ToFloat64(metrics.SessionGapBytesTotal)
	rep := run(t, e, c)

	require.Len(t, recs, 1)
	rec := recs[0]
	assert.Equal(t, "AAAACCCC", string(rec.Bytes(analyzertest.KindStream, true)))

	var gaps []analyzertest.Event
	for _, ev := range rec.Events {
		if ev.Kind == analyzertest.KindUndelivered {
			gaps = append(gaps, ev)
		}
	}
	require.Len(t, gaps, 1)
	assert.Equal(t, uint64(4), gaps[0].Seq)
	assert.Equal(t, 4, gaps[0].Len)
	assert.True(t, gaps[0].IsOrig)
	assert.Equal(t, float64(4), testutil.ToFloat64(metrics.SessionGapBytesTotal)-gapsBefore)

	assert.True(t, rec.IsDone)
	assert.Positive(t, rec.Count(analyzertest.KindEOF))
	require.Len(t, rep.Closed, 1)
}

func TestEngine_GapBeforeActivationIsReplayed(t *testing.T) {
	var recs []*analyzertest.Recorder
	e := echoEngine(t, DefaultConfig(), &recs)

	c := newCapture(t)
	s := c.handshake(ep("10.0.0.1", 40301), ep("10.0.0.2", 7))
	s.send("xx")
	s.cseq += 4
	s.send("AAAA")

	run(t, e, c)

	require.Len(t, recs, 1)
	var kinds []analyzertest.Kind
	for _, ev := range recs[0].Events {
		if ev.Kind == analyzertest.KindStream || ev.Kind == analyzertest.KindUndelivered {
			kinds = append(kinds, ev.Kind)
		}
	}
	assert.Equal(t, []analyzertest.Kind{
		analyzertest.KindStream,
		analyzertest.KindUndelivered,
		analyzertest.KindStream,
	}, kinds)
	assert.Equal(t, "xxAAAA", string(recs[0].Bytes(analyzertest.KindStream, true)))
}

func TestEngine_IdleConnectionsExpire(t *testing.T) {
	cfg := DefaultConfig()
	cfg.UDPTimeout = time.Minute
	cfg.SweepInterval = 10 * time.Second
	e := defaultEngine(t, cfg)

	var closed []string
	e.OnConnClosed(func(s ConnSummary) { closed = append(closed, s.Conn) })
	require.NoError(t, e.SetLinkType(layers.LinkTypeEthernet))

	c := newCapture(t)
	c.udp(ep("10.0.0.1", 1000), ep("10.0.0.2", 2000), []byte("first"))
	c.after(2 * time.Minute)
	c.udp(ep("10.0.0.3", 1000), ep("10.0.0.4", 2000), []byte("second"))

	src := c.source()
	for {
		data, ci, err := src.ReadPacket()
		if err != nil {
			break
		}
		e.Process(data, ci)
	}

	assert.Equal(t, []string{"udp 10.0.0.1:1000 -> 10.0.0.2:2000"}, closed)
	assert.Equal(t, 1, e.Active())

	rep := e.Close()
	assert.Len(t, closed, 2)
	assert.Len(t, rep.Closed, 2)
	assert.Equal(t, 0, e.Active())
	assert.Same(t, rep, e.Close())
}

func TestEngine_TableFull(t *testing.T) {
	cfg := DefaultConfig()
	cfg.MaxConnections = 1
	e := defaultEngine(t, cfg)

	c := newCapture(t)
	c.udp(ep("10.0.0.1", 1000), ep("10.0.0.2", 2000), []byte("a"))
	c.udp(ep("10.0.0.1", 1001), ep("10.0.0.2", 2000), []byte("b"))
	c.udp(ep("10.0.0.2", 2000), ep("10.0.0.1", 1000), []byte("c"))

	rep := run(t, e, c)
	assert.Equal(t, uint64(1), rep.Drops["table_full"])
	require.Len(t, rep.Closed, 1)
	assert.Equal(t, uint64(1), rep.Closed[0].RespPackets)
}

func TestEngine_DropsUndecodable(t *testing.T) {
	c := newCapture(t)
	c.write(&layers.Ethernet{SrcMAC: clientMAC, DstMAC: serverMAC, EthernetType: layers.EthernetTypeARP},
		&layers.ARP{
			AddrType: layers.LinkTypeEthernet, Protocol: layers.EthernetTypeIPv4,
			HwAddressSize: 6, ProtAddressSize: 4, Operation: layers.ARPRequest,
			SourceHwAddress: clientMAC, SourceProtAddress: []byte{10, 0, 0, 1},
			DstHwAddress: make([]byte, 6), DstProtAddress: []byte{10, 0, 0, 2},
		})

	rep := run(t, defaultEngine(t, DefaultConfig()), c)
	assert.Equal(t, uint64(1), rep.Packets)
	assert.Equal(t, uint64(1), rep.Drops["not_ip"])
	assert.Empty(t, rep.Closed)
}

func TestEngine_DPDDisabled(t *testing.T) {
	cfg := DefaultConfig()
	cfg.PIA.DPDEnabled = false

	c := newCapture(t)
	c.udp(ep("10.0.0.1", 5062), ep("10.0.0.2", 5060), []byte(invite))

	rep := run(t, defaultEngine(t, cfg), c)
	require.Len(t, rep.Closed, 1)
	assert.Equal(t, []core.Tag{"PIA_UDP"}, rep.Closed[0].Analyzers)
	assert.Equal(t, "skipping", rep.Closed[0].PacketBuffer)
}

func TestEngine_NilMatcher(t *testing.T) {
	c := newCapture(t)
	c.udp(ep("10.0.0.1", 5062), ep("10.0.0.2", 5060), []byte(invite))

	rep := run(t, NewEngine(DefaultConfig(), builtin.NewRegistry(), nil), c)
	require.Len(t, rep.Closed, 1)
	assert.Equal(t, "skipping", rep.Closed[0].PacketBuffer)
}

func TestEngine_RunCanceled(t *testing.T) {
	c := newCapture(t)
	c.udp(ep("10.0.0.1", 1), ep("10.0.0.2", 2), []byte("x"))

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := defaultEngine(t, DefaultConfig()).Run(ctx, c.source())
	assert.ErrorIs(t, err, context.Canceled)
}

func TestEngine_ProcessWithoutLinkType(t *testing.T) {
	e := defaultEngine(t, DefaultConfig())
	e.Process([]byte{1, 2, 3}, gopacket.CaptureInfo{Timestamp: epoch})
	assert.Equal(t, uint64(1), e.Close().Drops["no_link_type"])
}

func TestEngine_ManyConnections(t *testing.T) {
	c := newCapture(t)
	for i := 0; i < 20; i++ {
		c.udp(ep("10.0.1.1", uint16(20000+i)), ep("10.0.0.53", 53), dnsMessage(t, false))
	}

	rep := run(t, defaultEngine(t, DefaultConfig()), c)
	require.Len(t, rep.Closed, 20)
	for i, s := range rep.Closed {
		assert.Equal(t, fmt.Sprintf("udp 10.0.1.1:%d -> 10.0.0.53:53", 20000+i), s.Conn)
		assert.True(t, s.Activated("DNS"))
	}
}
