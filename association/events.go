package association

import (
	"errors"
	"fmt"

	"github.com/caio-sobreiro/dicomul/dul"
	dicomerrors "github.com/caio-sobreiro/dicomul/errors"
	"github.com/caio-sobreiro/dicomul/message"
	"github.com/caio-sobreiro/dicomul/pdu"
	"github.com/google/uuid"
)

// EventKind classifies an Event.
type EventKind int

const (
	EventEstablished EventKind = iota
	EventRejected
	EventAborted
	EventReleased
	EventMessageReceived
	EventPDUSent
	EventPDUReceived
)

func (k EventKind) String() string {
	switch k {
	case EventEstablished:
		return "established"
	case EventRejected:
		return "rejected"
	case EventAborted:
		return "aborted"
	case EventReleased:
		return "released"
	case EventMessageReceived:
		return "message-received"
	case EventPDUSent:
		return "pdu-sent"
	case EventPDUReceived:
		return "pdu-received"
	default:
		return fmt.Sprintf("EventKind(%d)", int(k))
	}
}

// Event reports something that happened on an association.
type Event struct {
	Kind          EventKind
	AssociationID uuid.UUID
	Role          dul.Role
	PDU           pdu.PDU
	Message       *message.Message
	// Err is set on EventRejected and EventAborted.
	Err error
}

func (a *Association) observe(ev dul.Event) {
	if a.cfg.Events == nil {
		return
	}
	out := Event{AssociationID: a.id, Role: a.m.Role(), PDU: ev.PDU, Message: ev.Message}
	switch ev.Kind {
	case dul.EventPDUSent:
		out.Kind = EventPDUSent
	case dul.EventPDUReceived:
		out.Kind = EventPDUReceived
	case dul.EventMessageReceived:
		out.Kind = EventMessageReceived
	case dul.EventStateChanged:
		switch ev.State {
		case dul.StateEstablished:
			out.Kind = EventEstablished
		case dul.StateClosed:
			out.Kind, out.Err = closedKind(ev.Err), ev.Err
		default:
			return
		}
	default:
		return
	}
	a.cfg.Events(out)
}

func closedKind(err error) EventKind {
	var rejected *dicomerrors.AssociationError
	switch {
	case err == nil:
		return EventReleased
	case errors.As(err, &rejected):
		return EventRejected
	default:
		return EventAborted
	}
}
