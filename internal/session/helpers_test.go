package session

import (
	"bytes"
	"net"
	"testing"
	"time"

	"github.com/google/gopacket"
	"github.com/google/gopacket/layers"
	"github.com/google/gopacket/pcapgo"
	"github.com/stretchr/testify/require"
)

var (
	clientMAC = net.HardwareAddr{0x02, 0, 0, 0, 0, 1}
	serverMAC = net.HardwareAddr{0x02, 0, 0, 0, 0, 2}
	epoch     = time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)
)

type endpoint struct {
	ip   net.IP
	port uint16
}

func ep(ip string, port uint16) endpoint {
	return endpoint{ip: net.ParseIP(ip).To4(), port: port}
}

// capture builds an Ethernet pcap in memory.
type capture struct {
	t    *testing.T
	buf  bytes.Buffer
	w    *pcapgo.Writer
	ts   time.Time
	link layers.LinkType
}

func newCapture(t *testing.T) *capture {
	return newCaptureLink(t, layers.LinkTypeEthernet)
}

func newCaptureLink(t *testing.T, lt layers.LinkType) *capture {
	t.Helper()
	c := &capture{t: t, ts: epoch, link: lt}
	c.w = pcapgo.NewWriter(&c.buf)
	require.NoError(t, c.w.WriteFileHeader(65536, lt))
	return c
}

// after moves the capture clock forward.
func (c *capture) after(d time.Duration) *capture {
	c.ts = c.ts.Add(d)
	return c
}

func serialize(t *testing.T, ls ...gopacket.SerializableLayer) []byte {
	t.Helper()
	buf := gopacket.NewSerializeBuffer()
	opts := gopacket.SerializeOptions{FixLengths: true, ComputeChecksums: true}
	require.NoError(t, gopacket.SerializeLayers(buf, opts, ls...))
	return append([]byte(nil), buf.Bytes()...)
}

func (c *capture) frame(data []byte) {
	c.t.Helper()
	ci := gopacket.CaptureInfo{Timestamp: c.ts, CaptureLength: len(data), Length: len(data)}
	require.NoError(c.t, c.w.WritePacket(ci, data))
	c.ts = c.ts.Add(time.Millisecond)
}

func (c *capture) write(ls ...gopacket.SerializableLayer) {
	c.t.Helper()
	c.frame(serialize(c.t, ls...))
}

func eth() *layers.Ethernet {
	return &layers.Ethernet{SrcMAC: clientMAC, DstMAC: serverMAC, EthernetType: layers.EthernetTypeIPv4}
}

func ipv4(src, dst endpoint, proto layers.IPProtocol) *layers.IPv4 {
	return &layers.IPv4{Version: 4, IHL: 5, TTL: 64, Protocol: proto, SrcIP: src.ip, DstIP: dst.ip}
}

type flags struct{ syn, ack, fin, rst bool }

var (
	syn    = flags{syn: true}
	synAck = flags{syn: true, ack: true}
	ack    = flags{ack: true}
	finAck = flags{fin: true, ack: true}
)

func (c *capture) tcp(src, dst endpoint, seq, ackNum uint32, f flags, payload string) {
	c.t.Helper()
	ip := ipv4(src, dst, layers.IPProtocolTCP)
	tcp := &layers.TCP{
		SrcPort: layers.TCPPort(src.port),
		DstPort: layers.TCPPort(dst.port),
		Seq:     seq,
		Ack:     ackNum,
		SYN:     f.syn,
		ACK:     f.ack,
		FIN:     f.fin,
		RST:     f.rst,
		PSH:     payload != "",
		Window:  65535,
	}
	require.NoError(c.t, tcp.SetNetworkLayerForChecksum(ip))
	c.write(eth(), ip, tcp, gopacket.Payload(payload))
}

func (c *capture) udp(src, dst endpoint, payload []byte) {
	c.t.Helper()
	ip := ipv4(src, dst, layers.IPProtocolUDP)
	udp := &layers.UDP{SrcPort: layers.UDPPort(src.port), DstPort: layers.UDPPort(dst.port)}
	require.NoError(c.t, udp.SetNetworkLayerForChecksum(ip))
	c.write(eth(), ip, udp, gopacket.Payload(payload))
}

// tcpSession tracks sequence numbers for a well-formed TCP exchange.
type tcpSession struct {
	c              *capture
	client, server endpoint
	cseq, sseq     uint32
}

func (c *capture) handshake(client, server endpoint) *tcpSession {
	return c.handshakeISN(client, server, 1000, 5000)
}

func (c *capture) handshakeISN(client, server endpoint, cisn, sisn uint32) *tcpSession {
	s := &tcpSession{c: c, client: client, server: server, cseq: cisn, sseq: sisn}
	c.tcp(client, server, s.cseq, 0, syn, "")
	c.tcp(server, client, s.sseq, s.cseq+1, synAck, "")
	s.cseq++
	s.sseq++
	c.tcp(client, server, s.cseq, s.sseq, ack, "")
	return s
}

func (s *tcpSession) send(payload string) {
	s.c.tcp(s.client, s.server, s.cseq, s.sseq, ack, payload)
	s.cseq += uint32(len(payload))
}

func (s *tcpSession) reply(payload string) {
	s.c.tcp(s.server, s.client, s.sseq, s.cseq, ack, payload)
	s.sseq += uint32(len(payload))
}

func (s *tcpSession) close() {
	s.c.tcp(s.client, s.server, s.cseq, s.sseq, finAck, "")
	s.cseq++
	s.c.tcp(s.server, s.client, s.sseq, s.cseq, finAck, "")
	s.sseq++
	s.c.tcp(s.client, s.server, s.cseq, s.sseq, ack, "")
}

// reset aborts the session from the client side.
func (s *tcpSession) reset() {
	s.c.tcp(s.client, s.server, s.cseq, s.sseq, flags{rst: true, ack: true}, "")
}

func (c *capture) source() *FileSource {
	c.t.Helper()
	src, err := NewSource(bytes.NewReader(c.buf.Bytes()))
	require.NoError(c.t, err)
	return src
}
