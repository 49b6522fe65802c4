// Package dul implements the DICOM upper layer connection state machine.
// A Machine owns one transport connection. A single loop goroutine owns the
// state, the timers and the reassembly buffer; callers talk to it through
// requests and a bounded message channel.
package dul

import (
	"fmt"

	"github.com/caio-sobreiro/dicomul/message"
	"github.com/caio-sobreiro/dicomul/pdu"
)

// State is a state of the upper layer protocol machine.
type State int32

const (
	StateIdle State = iota
	StateAwaitingTransport
	StateAwaitingAssociateRequest
	StateAwaitingAssociateResponse
	StateAwaitingAssociateAck
	StateEstablished
	StateAwaitingReleaseResponse
	StateAwaitingReleaseRequest
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "IDLE"
	case StateAwaitingTransport:
		return "AWAITING_TRANSPORT"
	case StateAwaitingAssociateRequest:
		return "AWAITING_ASSOCIATE_REQUEST"
	case StateAwaitingAssociateResponse:
		return "AWAITING_ASSOCIATE_RESPONSE"
	case StateAwaitingAssociateAck:
		return "AWAITING_ASSOCIATE_ACK"
	case StateEstablished:
		return "ESTABLISHED"
	case StateAwaitingReleaseResponse:
		return "AWAITING_RELEASE_RESPONSE"
	case StateAwaitingReleaseRequest:
		return "AWAITING_RELEASE_REQUEST"
	case StateClosed:
		return "CLOSED"
	default:
		return fmt.Sprintf("State(%d)", int32(s))
	}
}

// acseTimed reports whether the ACSE timer governs s.
func (s State) acseTimed() bool {
	switch s {
	case StateIdle, StateEstablished, StateClosed:
		return false
	default:
		return true
	}
}

// Role is the side of the association a Machine plays.
type Role int

const (
	RoleRequestor Role = iota
	RoleAcceptor
)

func (r Role) String() string {
	if r == RoleAcceptor {
		return "acceptor"
	}
	return "requestor"
}

// EventKind classifies an Event.
type EventKind int

const (
	EventStateChanged EventKind = iota
	EventPDUSent
	EventPDUReceived
	EventMessageReceived
)

func (k EventKind) String() string {
	switch k {
	case EventStateChanged:
		return "state-changed"
	case EventPDUSent:
		return "pdu-sent"
	case EventPDUReceived:
		return "pdu-received"
	case EventMessageReceived:
		return "message-received"
	default:
		return fmt.Sprintf("EventKind(%d)", int(k))
	}
}

// Event is delivered to Config.Observer on the loop goroutine. Err is the
// terminal error when State is StateClosed.
type Event struct {
	Kind     EventKind
	State    State
	Previous State
	PDU      pdu.PDU
	Message  *message.Message
	Err      error
}
