package line

import (
	"bytes"
	"log/slog"
	"strconv"
	"strings"

	"firestige.xyz/dpd/internal/analyzer"
	"firestige.xyz/dpd/internal/core"
)

// LoginState is the progress of a login dialog.
type LoginState int

const (
	StateAuthenticate LoginState = iota
	StateLoggedIn
	StateSkip
	StateConfused
)

func (s LoginState) String() string {
	switch s {
	case StateAuthenticate:
		return "authenticate"
	case StateLoggedIn:
		return "logged_in"
	case StateSkip:
		return "skip"
	case StateConfused:
		return "confused"
	default:
		return "unknown"
	}
}

const (
	// MaxAuthenticateLines is the number of server lines after which a
	// dialog without a decision is considered confused.
	MaxAuthenticateLines = 50
	// MaxLoginLookahead is the number of server lines after a login during
	// which a failure message still revokes it.
	MaxLoginLookahead = 10
	// MaxUserText bounds typed-ahead user lines awaiting a prompt.
	MaxUserText = 12
)

// Dialog markers. Matching is by substring, case-sensitive.
var (
	LoginPrompts = []string{"Login:", "login:", "Name:", "Username:", "User:", "Member Name",
		"User Access Verification", "Cisco Systems Console"}
	PasswordPrompts = []string{"Password:", "password:", "Passcode:"}
	FailureMsgs     = []string{"invalid", "Invalid", "incorrect", "Incorrect", "failure", "Failure",
		"Access denied", "Login failed", "Sorry"}
	NonFailureMsgs = []string{"Failures", "failures", "failure since", "failures since",
		"Last successful login", "Last   successful login", "unsuccessful login attempts"}
	SuccessMsgs = []string{"Last login", "Last successful login", "Last   successful login",
		"checking for disk quotas", "unsuccessful login attempts",
		"failure since last successful login", "failures since last successful login"}
	TimeoutMsgs = []string{"timeout", "timed out", "Timeout", "Timed out",
		"Error reading command input"}
	SkipAuthentication = []string{"WELCOME TO THE BERKELEY PUBLIC LIBRARY"}
	ShellPrompts       = []string{"$ ", "# ", "% ", "> "}
)

func containsAny(s string, subs []string) bool {
	for _, sub := range subs {
		if strings.Contains(s, sub) {
			return true
		}
	}
	return false
}

// Login follows the authentication dialog of an interactive session: the
// server prompts for a name and a password and then either greets the user
// or complains. The originator is the client.
type Login struct {
	analyzer.Base
	split [2]splitter

	state           LoginState
	user            string
	userText        []string
	awaitingUser    bool
	awaitingPass    bool
	sawPassword     bool
	linesScanned    int
	loginLine       int
	failures        int
	confusedBecause string
}

// NewLogin creates a Login analyzer.
func NewLogin(conn *analyzer.Conn) analyzer.Analyzer {
	return &Login{Base: analyzer.NewBase(TagLogin, conn)}
}

// State returns the dialog state.
func (l *Login) State() LoginState {
	return l.state
}

// User returns the last username seen after a login prompt.
func (l *Login) User() string {
	return l.user
}

// ConfusedReason explains a StateConfused dialog.
func (l *Login) ConfusedReason() string {
	return l.confusedBecause
}

// Failures returns the number of failure messages seen.
func (l *Login) Failures() int {
	return l.failures
}

func (l *Login) DeliverStream(data []byte, isOrig bool) {
	l.ForwardStream(data, isOrig)
	if l.done() {
		return
	}

	d := idx(isOrig)
	l.split[d].feed(data, func(b []byte) { l.newLine(isOrig, b) })

	// Prompts usually come without a line ending.
	if !isOrig && !l.done() {
		if p := l.split[d].pending(); len(p) > 0 && l.isPrompt(string(stripTelnet(p))) {
			l.split[d].flush(func(b []byte) { l.newLine(false, b) })
		}
	}
}

func (l *Login) isPrompt(s string) bool {
	if containsAny(s, LoginPrompts) || containsAny(s, PasswordPrompts) {
		return true
	}
	return l.sawPassword && isShellPrompt(s)
}

func isShellPrompt(s string) bool {
	for _, p := range ShellPrompts {
		if strings.HasSuffix(s, p) {
			return true
		}
	}
	return false
}

func (l *Login) done() bool {
	return l.state == StateSkip || l.state == StateConfused
}

func (l *Login) newLine(isOrig bool, b []byte) {
	line := string(bytes.TrimRight(stripTelnet(b), " \t"))
	if isOrig {
		l.clientLine(line)
		return
	}
	l.serverLine(string(stripTelnet(b)))
}

func (l *Login) clientLine(line string) {
	switch {
	case l.awaitingPass:
		l.awaitingPass = false
		l.sawPassword = true
	case l.awaitingUser:
		l.awaitingUser = false
		l.user = line
	case l.state == StateAuthenticate:
		if len(l.userText) >= MaxUserText {
			l.confused("excessive typeahead", line)
			return
		}
		l.userText = append(l.userText, line)
	}
}

func (l *Login) serverLine(line string) {
	switch l.state {
	case StateLoggedIn:
		l.linesScanned++
		if l.linesScanned-l.loginLine <= MaxLoginLookahead &&
			containsAny(line, FailureMsgs) && !containsAny(line, NonFailureMsgs) {
			l.failure(line)
		}
		return
	case StateAuthenticate:
	default:
		return
	}

	l.linesScanned++
	if strings.TrimSpace(line) == "" {
		return
	}

	switch {
	case containsAny(line, SkipAuthentication):
		l.setState(StateSkip)
	case containsAny(line, SuccessMsgs):
		l.loggedIn()
	case containsAny(line, FailureMsgs) && !containsAny(line, NonFailureMsgs):
		l.failure(line)
	case containsAny(line, TimeoutMsgs):
		l.failure(line)
	case containsAny(line, PasswordPrompts):
		l.awaitingPass = true
		if len(l.userText) > 0 {
			l.userText = l.userText[1:]
			l.awaitingPass = false
			l.sawPassword = true
		}
	case containsAny(line, LoginPrompts):
		l.sawPassword = false
		if len(l.userText) > 0 {
			l.user = l.userText[0]
			l.userText = l.userText[1:]
		} else {
			l.awaitingUser = true
		}
	case l.sawPassword && isShellPrompt(line):
		l.loggedIn()
	}

	if l.state == StateAuthenticate && l.linesScanned > MaxAuthenticateLines {
		l.confused("no login decision", line)
	}
}

func (l *Login) loggedIn() {
	l.loginLine = l.linesScanned
	l.awaitingUser = false
	l.awaitingPass = false
	l.setState(StateLoggedIn)
	slog.Debug("login succeeded", "conn", l.Conn().UID, "user", l.user)
}

func (l *Login) failure(line string) {
	l.failures++
	l.sawPassword = false
	l.setState(StateAuthenticate)
	slog.Debug("login failed", "conn", l.Conn().UID, "user", l.user, "line", line)
}

func (l *Login) confused(msg, line string) {
	l.confusedBecause = msg
	l.setState(StateConfused)
	slog.Debug("login dialog confused", "conn", l.Conn().UID, "reason", msg, "line", line)
}

func (l *Login) setState(s LoginState) {
	l.state = s
}

// Undelivered gives up on the dialog: text after a gap cannot be attributed.
func (l *Login) Undelivered(seq uint64, length int, isOrig bool) {
	l.split[idx(isOrig)].reset()
	if !l.done() && l.state != StateLoggedIn {
		l.confused("content gap", "")
	}
	l.ForwardUndelivered(seq, length, isOrig)
}

func (l *Login) EndpointEOF(isOrig bool) {
	if !l.done() {
		l.split[idx(isOrig)].flush(func(b []byte) { l.newLine(isOrig, b) })
	}
	l.ForwardEndpointEOF(isOrig)
}

func (l *Login) Labels() core.Labels {
	labels := core.Labels{
		core.LabelLoginState:    l.state.String(),
		core.LabelLoginLines:    strconv.Itoa(l.linesScanned),
		core.LabelLoginFailures: strconv.Itoa(l.failures),
	}
	if l.user != "" {
		labels[core.LabelLoginUser] = l.user
	}
	return labels
}
