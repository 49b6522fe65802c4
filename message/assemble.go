package message

import (
	dicomerrors "github.com/caio-sobreiro/dicomul/errors"
	"github.com/caio-sobreiro/dicomul/pdu"
)

// PayloadProbe inspects a complete command set and reports whether a
// payload follows it. An error means the command could not be interpreted;
// the Assembler then completes the message when the next command starts or
// on Flush.
type PayloadProbe func(command []byte) (bool, error)

type expectation int

const (
	expectUnknown expectation = iota
	expectPayload
	expectNone
)

type partial struct {
	contextID   byte
	command     []byte
	commandDone bool
	payload     []byte
	expect      expectation
}

func (p *partial) size() int {
	return len(p.command) + len(p.payload)
}

func (p *partial) message() Message {
	return Message{ContextID: p.contextID, Command: p.command, Payload: p.payload}
}

// Assembler reassembles PDVs into messages. It is not safe for concurrent
// use; the connection state machine owns it.
type Assembler struct {
	accepted map[byte]bool
	probe    PayloadProbe
	cur      *partial
}

// NewAssembler creates an Assembler that accepts PDVs on the given context
// IDs. probe may be nil.
func NewAssembler(accepted []byte, probe PayloadProbe) *Assembler {
	a := &Assembler{accepted: make(map[byte]bool, len(accepted)), probe: probe}
	for _, id := range accepted {
		a.accepted[id] = true
	}
	return a
}

// Add consumes one PDV and returns the messages it completed, oldest first.
// A PDV that breaks the framing rules yields a ProtocolViolationError and
// leaves the Assembler unusable.
func (a *Assembler) Add(pdv pdu.PDV) ([]Message, error) {
	if !a.accepted[pdv.ContextID] {
		return nil, dicomerrors.NewProtocolViolation("PDV for presentation context %d which was not accepted", pdv.ContextID)
	}

	var done []Message
	if a.cur != nil && pdv.Command && a.cur.commandDone && a.cur.payload == nil && a.cur.expect == expectUnknown {
		// A new command ends a message whose payload never started.
		done = append(done, a.cur.message())
		a.cur = nil
	}

	if a.cur == nil {
		if !pdv.Command {
			return nil, dicomerrors.NewProtocolViolation("data fragment on context %d outside a message", pdv.ContextID)
		}
		a.cur = &partial{contextID: pdv.ContextID}
	}
	cur := a.cur

	if pdv.ContextID != cur.contextID {
		return nil, dicomerrors.NewProtocolViolation("PDV for context %d inside a message on context %d", pdv.ContextID, cur.contextID)
	}

	if pdv.Command {
		if cur.commandDone {
			return nil, dicomerrors.NewProtocolViolation("command fragment on context %d while a payload is outstanding", pdv.ContextID)
		}
		cur.command = append(cur.command, pdv.Data...)
		if !pdv.Last {
			return done, nil
		}
		cur.commandDone = true
		if cur.command == nil {
			cur.command = []byte{}
		}
		if a.probe != nil {
			if has, err := a.probe(cur.command); err == nil {
				cur.expect = expectNone
				if has {
					cur.expect = expectPayload
				}
			}
		}
		if cur.expect == expectNone {
			done = append(done, cur.message())
			a.cur = nil
		}
		return done, nil
	}

	if !cur.commandDone {
		return nil, dicomerrors.NewProtocolViolation("data fragment on context %d before the command ended", pdv.ContextID)
	}
	if cur.expect == expectNone {
		return nil, dicomerrors.NewProtocolViolation("data fragment on context %d for a command without payload", pdv.ContextID)
	}
	if cur.payload == nil {
		cur.payload = make([]byte, 0, len(pdv.Data))
	}
	cur.payload = append(cur.payload, pdv.Data...)
	if pdv.Last {
		done = append(done, cur.message())
		a.cur = nil
	}
	return done, nil
}

// Flush completes a message whose command ended and whose payload never
// started. It is called when the peer requests release. Any other partial
// message is discarded and its size returned.
func (a *Assembler) Flush() (*Message, int) {
	cur := a.cur
	a.cur = nil
	if cur == nil {
		return nil, 0
	}
	if cur.commandDone && cur.payload == nil && cur.expect != expectPayload {
		m := cur.message()
		return &m, 0
	}
	return nil, cur.size()
}

// Buffered returns the bytes held by the incomplete message.
func (a *Assembler) Buffered() int {
	if a.cur == nil {
		return 0
	}
	return a.cur.size()
}

// Pending reports whether a message is partially assembled.
func (a *Assembler) Pending() bool {
	return a.cur != nil
}
