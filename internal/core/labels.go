// Package core defines core types.
package core

// Labels represents key-value metadata attached by analyzers to a connection.
type Labels map[string]string

// Label naming constants following {protocol}.{field} convention.
const (
	LabelLoginState    = "login.state"     // authenticate | logged_in | failed | confused | skip
	LabelLoginUser     = "login.user"      // last username seen after a login prompt
	LabelLoginLines    = "login.lines"     // lines scanned (decimal)
	LabelLoginFailures = "login.failures"  // failure messages seen (decimal)
	LabelLineOrig      = "line.orig_lines" // originator lines (decimal)
	LabelLineResp      = "line.resp_lines" // responder lines (decimal)
	LabelLineGaps      = "line.gaps"       // content gaps reported (decimal)

	LabelSIPMethod     = "sip.method"
	LabelSIPCallID     = "sip.call_id"
	LabelSIPFromURI    = "sip.from_uri"
	LabelSIPToURI      = "sip.to_uri"
	LabelSIPStatusCode = "sip.status_code"
	LabelSIPMessages   = "sip.messages" // messages parsed (decimal)
	LabelSIPDialogs    = "sip.dialogs"  // distinct Call-IDs (decimal)
	LabelSIPMedia      = "sip.media"    // SDP media as type/port, comma separated

	LabelDNSQuery     = "dns.query"    // first question name
	LabelDNSQueryType = "dns.qtype"    // first question type
	LabelDNSRcode     = "dns.rcode"    // last response code
	LabelDNSAnswers   = "dns.answers"  // answer records seen (decimal)
	LabelDNSMessages  = "dns.messages" // messages decoded (decimal)
)
