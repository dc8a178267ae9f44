package smtp

import "fmt"

// State is the position of a session in the SMTP command grammar.
type State int

// Session states. RcptTo accumulates: further RCPT commands stay in
// RcptTo. Closing accepts no commands at all.
const (
	// StateGreeting is the initial state before EHLO/HELO.
	StateGreeting State = iota

	// StateReady follows a successful EHLO/HELO (or RSET/STARTTLS reset).
	StateReady

	// StateMailFrom follows an accepted MAIL FROM.
	StateMailFrom

	// StateRcptTo follows at least one accepted RCPT TO.
	StateRcptTo

	// StateData is active while the DATA payload is being collected.
	StateData

	// StateClosing follows QUIT or a timeout; the connection is torn down.
	StateClosing
)

// String returns the state name for logging.
func (s State) String() string {
	switch s {
	case StateGreeting:
		return "GREETING"
	case StateReady:
		return "READY"
	case StateMailFrom:
		return "MAIL_FROM"
	case StateRcptTo:
		return "RCPT_TO"
	case StateData:
		return "DATA"
	case StateClosing:
		return "CLOSING"
	default:
		return "UNKNOWN"
	}
}

// Reply is one SMTP response line.
type Reply struct {
	Code int
	Text string
}

func (r Reply) String() string {
	return fmt.Sprintf("%d %s", r.Code, r.Text)
}

// OK reports whether the reply is a success (2xx) or intermediate (3xx)
// code, meaning the transition it accompanies should be committed.
func (r Reply) OK() bool {
	return r.Code >= 200 && r.Code < 400
}

// Transition is the pure state machine: given the current state and a
// command verb it yields the next state and the canonical reply. Illegal
// sequencing yields a 503 reply and leaves the state unchanged. The
// session layer applies syntax and policy checks on top and may veto a
// legal transition (replying 501/530/550/552) without committing it.
func Transition(st State, verb string) (State, Reply) {
	if st == StateClosing {
		return st, Reply{421, "closing connection"}
	}

	switch verb {
	case "EHLO", "HELO":
		// Greeting is always allowed and resets any open transaction.
		return StateReady, Reply{250, "OK"}

	case "NOOP":
		return st, Reply{250, "OK"}

	case "RSET":
		if st == StateGreeting {
			return StateGreeting, Reply{250, "OK"}
		}
		return StateReady, Reply{250, "OK"}

	case "QUIT":
		return StateClosing, Reply{221, "Bye"}

	case "STARTTLS":
		if st != StateReady {
			return st, Reply{503, "STARTTLS only valid after EHLO"}
		}
		// TLS negotiation discards all prior knowledge of the client.
		return StateGreeting, Reply{220, "Ready to start TLS"}

	case "AUTH":
		if st != StateReady {
			return st, Reply{503, "AUTH only valid after EHLO and outside a transaction"}
		}
		return StateReady, Reply{235, "Authentication successful"}

	case "MAIL":
		if st != StateReady {
			return st, Reply{503, "Send EHLO/HELO first"}
		}
		return StateMailFrom, Reply{250, "OK"}

	case "RCPT":
		if st != StateMailFrom && st != StateRcptTo {
			return st, Reply{503, "Send MAIL FROM first"}
		}
		return StateRcptTo, Reply{250, "OK"}

	case "DATA":
		if st != StateRcptTo {
			return st, Reply{503, "Send RCPT TO first"}
		}
		return StateData, Reply{354, "Start mail input; end with <CRLF>.<CRLF>"}

	default:
		return st, Reply{500, "Unrecognized command"}
	}
}
