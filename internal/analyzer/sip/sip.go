// Package sip implements a SIP analyzer.
// Parses SIP signaling messages from datagrams or a reassembled stream and
// summarizes the dialogs seen on the connection.
package sip

import (
	"log/slog"
	"strconv"
	"strings"
	"time"

	"github.com/patrickmn/go-cache"

	"firestige.xyz/dpd/internal/analyzer"
	"firestige.xyz/dpd/internal/core"
)

// Tag is the analyzer tag.
const Tag core.Tag = "SIP"

const (
	defaultDialogTTL = 1 * time.Hour
	// maxStreamBuffer bounds an incomplete message on a stream.
	maxStreamBuffer = 64 * 1024
)

// dialog tracks one Call-ID.
type dialog struct {
	method     string // initial request method
	lastStatus int
	messages   int
}

// Analyzer parses SIP messages.
type Analyzer struct {
	analyzer.Base

	stream [2][]byte

	// dialogs maps Call-ID → *dialog. Ended dialogs (BYE, CANCEL) are
	// removed; the rest expire after defaultDialogTTL.
	dialogs     *cache.Cache
	dialogsSeen int

	first    *message
	status   int
	messages int
	errors   int
	media    []string
}

// New creates a SIP analyzer.
func New(conn *analyzer.Conn) analyzer.Analyzer {
	return &Analyzer{
		Base: analyzer.NewBase(Tag, conn),
		// No janitor: expiry is checked lazily on access.
		dialogs: cache.New(defaultDialogTTL, 0),
	}
}

func idx(isOrig bool) int {
	if isOrig {
		return 0
	}
	return 1
}

// DeliverPacket parses one datagram. On stream transports the payload is
// parsed through DeliverStream instead.
func (a *Analyzer) DeliverPacket(data []byte, isOrig bool, seq uint64, hdr *core.PacketHeader, capLen int) {
	a.ForwardPacket(data, isOrig, seq, hdr, capLen)
	if a.Conn().ID.Proto != core.ProtoUDP || len(data) == 0 {
		return
	}
	a.handle(data, isOrig)
}

// DeliverStream frames messages by header end and Content-Length.
func (a *Analyzer) DeliverStream(data []byte, isOrig bool) {
	a.ForwardStream(data, isOrig)

	d := idx(isOrig)
	buf := append(a.stream[d], data...)
	for {
		// Keep-alive CRLFs between messages.
		for len(buf) > 0 && (buf[0] == '\r' || buf[0] == '\n') {
			buf = buf[1:]
		}

		end := headerEnd(buf)
		if end < 0 {
			break
		}
		msg, err := parseMessage(buf[:end])
		if err != nil {
			a.errors++
			buf = buf[end:]
			continue
		}
		total := end
		if msg.contentLength > 0 {
			total += msg.contentLength
		}
		if total > len(buf) {
			break
		}
		a.handle(buf[:total], isOrig)
		buf = buf[total:]
	}

	if len(buf) > maxStreamBuffer {
		slog.Debug("sip stream buffer overflow", "conn", a.Conn().UID, "size", len(buf))
		a.errors++
		buf = nil
	}
	a.stream[d] = append(a.stream[d][:0], buf...)
}

// Undelivered drops the partial message of the direction.
func (a *Analyzer) Undelivered(seq uint64, length int, isOrig bool) {
	a.stream[idx(isOrig)] = nil
	a.ForwardUndelivered(seq, length, isOrig)
}

func (a *Analyzer) handle(payload []byte, isOrig bool) {
	msg, err := parseMessage(payload)
	if err != nil {
		a.errors++
		slog.Debug("sip parse failed", "conn", a.Conn().UID, "is_orig", isOrig, "error", err)
		return
	}

	a.messages++
	if a.first == nil {
		a.first = msg
	}
	if msg.statusCode != 0 {
		a.status = msg.statusCode
	}
	if len(msg.media) > 0 {
		a.media = append(a.media, msg.media...)
	}
	a.trackDialog(msg)
}

func (a *Analyzer) trackDialog(msg *message) {
	if msg.callID == "" {
		return
	}

	if v, found := a.dialogs.Get(msg.callID); found {
		dlg := v.(*dialog)
		dlg.messages++
		if msg.statusCode != 0 {
			dlg.lastStatus = msg.statusCode
		}
	} else if msg.method != "" {
		if err := a.dialogs.Add(msg.callID, &dialog{method: msg.method, messages: 1}, cache.DefaultExpiration); err == nil {
			a.dialogsSeen++
		}
	}

	if msg.method == "BYE" || msg.method == "CANCEL" {
		a.dialogs.Delete(msg.callID)
	}
}

// ActiveDialogs returns the number of dialogs not yet ended.
func (a *Analyzer) ActiveDialogs() int {
	return a.dialogs.ItemCount()
}

// Messages returns the number of messages parsed.
func (a *Analyzer) Messages() int {
	return a.messages
}

// Errors returns the number of payloads that failed to parse.
func (a *Analyzer) Errors() int {
	return a.errors
}

func (a *Analyzer) Done() {
	if a.Finished() {
		return
	}
	a.dialogs.Flush()
	a.Base.Done()
}

func (a *Analyzer) Labels() core.Labels {
	labels := core.Labels{
		core.LabelSIPMessages: strconv.Itoa(a.messages),
		core.LabelSIPDialogs:  strconv.Itoa(a.dialogsSeen),
	}
	if m := a.first; m != nil {
		if m.method != "" {
			labels[core.LabelSIPMethod] = m.method
		}
		if m.callID != "" {
			labels[core.LabelSIPCallID] = m.callID
		}
		if m.fromURI != "" {
			labels[core.LabelSIPFromURI] = m.fromURI
		}
		if m.toURI != "" {
			labels[core.LabelSIPToURI] = m.toURI
		}
	}
	if a.status != 0 {
		labels[core.LabelSIPStatusCode] = strconv.Itoa(a.status)
	}
	if len(a.media) > 0 {
		labels[core.LabelSIPMedia] = strings.Join(a.media, ",")
	}
	return labels
}
