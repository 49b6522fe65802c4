package dul

import (
	"errors"
	"fmt"
	"net"
	"time"

	dicomerrors "github.com/caio-sobreiro/dicomul/errors"
	"github.com/caio-sobreiro/dicomul/message"
	"github.com/caio-sobreiro/dicomul/pdu"
)

type reqKind int

const (
	reqConnecting reqKind = iota
	reqFail
	reqAttach
	reqAssociate
	reqRespond
	reqData
	reqRelease
	reqAbort
)

type request struct {
	kind     reqKind
	pdu      pdu.PDU
	conn     net.Conn
	err      error
	accepted []byte
	resolve  ResolveFunc
	reply    chan response
}

func (r *request) respond(p pdu.PDU, err error) {
	r.reply <- response{pdu: p, err: err}
}

type readResult struct {
	pdu pdu.PDU
	err error
}

// loop holds everything owned by the loop goroutine.
type loop struct {
	m     *Machine
	state State
	conn  net.Conn

	readToken chan struct{}
	reading   bool

	// writes feeds the writer goroutine; written returns each result.
	writes  chan []byte
	written chan error

	asm          *message.Assembler
	accepted     map[byte]bool
	backlog      []message.Message
	backlogBytes int

	acse      *time.Timer
	idle      *time.Timer
	idleArmed bool

	pendingAssociate *request
	pendingRelease   []*request
	released         bool
	err              error
}

func newLoop(m *Machine) *loop {
	l := &loop{
		m:         m,
		readToken: make(chan struct{}, 1),
		writes:    make(chan []byte),
		written:   make(chan error, 1),
		acse:      time.NewTimer(time.Hour),
		idle:      time.NewTimer(time.Hour),
	}
	l.acse.Stop()
	l.idle.Stop()
	return l
}

func (l *loop) run() {
	defer l.finish()
	for l.state != StateClosed {
		var (
			out  chan<- message.Message
			next message.Message
		)
		if len(l.backlog) > 0 {
			out = l.m.msgs
			next = l.backlog[0]
		}

		select {
		case req := <-l.m.requests:
			l.handleRequest(req)
		case res := <-l.m.incoming:
			l.handleRead(res)
		case out <- next:
			l.backlog[0] = message.Message{}
			l.backlog = l.backlog[1:]
			l.backlogBytes -= messageSize(next)
		case <-l.acse.C:
			l.onACSETimeout()
		case <-l.idle.C:
			l.onIdleTimeout()
		}
		l.pump()
	}
}

func (l *loop) finish() {
	l.acse.Stop()
	l.idle.Stop()
	if l.conn != nil {
		l.conn.Close()
	}

	closedErr := l.err
	if closedErr == nil {
		closedErr = dicomerrors.ErrConnectionClosed
	}
	if l.pendingAssociate != nil {
		l.pendingAssociate.respond(nil, closedErr)
		l.pendingAssociate = nil
	}
	for _, req := range l.pendingRelease {
		if l.released {
			req.respond(nil, nil)
		} else {
			req.respond(nil, closedErr)
		}
	}
	l.pendingRelease = nil

	l.m.leftMu.Lock()
	l.m.leftover = l.backlog
	l.m.leftMu.Unlock()
	l.backlog = nil

	l.m.err = l.err
	close(l.m.done)
}

// pump grants the reader a token and pauses the idle timer while reads are
// throttled.
func (l *loop) pump() {
	if l.state == StateClosed {
		return
	}
	throttled := l.throttled()
	if l.conn != nil && !l.reading && !throttled {
		l.reading = true
		l.readToken <- struct{}{}
	}
	if l.state == StateEstablished && l.m.cfg.IdleTimeout > 0 {
		switch {
		case throttled && l.idleArmed:
			l.idle.Stop()
			l.idleArmed = false
		case !throttled && !l.idleArmed:
			l.idle.Reset(l.m.cfg.IdleTimeout)
			l.idleArmed = true
		}
	}
}

func (l *loop) throttled() bool {
	if len(l.backlog) == 0 {
		return false
	}
	if len(l.backlog) >= l.m.cfg.MessageQueueSize {
		return true
	}
	buffered := l.backlogBytes
	if l.asm != nil {
		buffered += l.asm.Buffered()
	}
	return buffered > l.m.cfg.MaxBufferedBytes
}

// startIO starts the reader and writer goroutines for l.conn.
func (l *loop) startIO() {
	l.startReader()
	l.startWriter()
}

func (l *loop) startReader() {
	conn, token, m := l.conn, l.readToken, l.m
	go func() {
		for {
			select {
			case <-token:
			case <-m.done:
				return
			}
			p, err := pdu.Read(conn, m.cfg.MaxReceivePDULength)
			select {
			case m.incoming <- readResult{pdu: p, err: err}:
			case <-m.done:
				return
			}
			if err != nil {
				return
			}
		}
	}()
}

// startWriter performs socket writes off the loop goroutine so that a peer
// that stops reading cannot stall the timers or Abort.
func (l *loop) startWriter() {
	conn, writes, written, done := l.conn, l.writes, l.written, l.m.done
	go func() {
		for {
			select {
			case b := <-writes:
				_, err := conn.Write(b)
				written <- err
			case <-done:
				return
			}
		}
	}()
}

func (l *loop) setState(s State) {
	prev := l.state
	if prev == s {
		return
	}
	l.state = s
	l.m.state.Store(int32(s))

	l.acse.Stop()
	if s.acseTimed() {
		l.acse.Reset(l.m.cfg.ACSETimeout)
	}
	if s != StateEstablished && l.idleArmed {
		l.idle.Stop()
		l.idleArmed = false
	}

	l.m.logger.Debug("State transition", "from", prev.String(), "to", s.String())
	ev := Event{Kind: EventStateChanged, State: s, Previous: prev}
	if s == StateClosed {
		ev.Err = l.err
	}
	l.emit(ev)
}

// activity restarts the idle timer after a PDU in either direction.
func (l *loop) activity() {
	if l.idleArmed {
		l.idle.Reset(l.m.cfg.IdleTimeout)
	}
}

func (l *loop) emit(ev Event) {
	if l.m.cfg.Observer != nil {
		l.m.cfg.Observer(ev)
	}
}

func (l *loop) close(err error) {
	if l.state == StateClosed {
		return
	}
	if err != nil && l.err == nil {
		l.err = err
	}
	if l.conn != nil {
		l.conn.Close()
	}
	l.setState(StateClosed)
}

// write sends p. An encoding or transport failure aborts the machine.
func (l *loop) write(p pdu.PDU) error {
	if l.conn == nil {
		return dicomerrors.ErrConnectionClosed
	}
	b, err := pdu.Encode(p)
	if err != nil {
		l.m.logger.Error("Cannot encode PDU, aborting", "pdu_type", p.Type().String(), "error", err)
		l.sendAbort(dicomerrors.AbortSourceServiceUser, dicomerrors.AbortReasonNotSpecified)
		l.close(&dicomerrors.AbortError{
			Source: dicomerrors.AbortSourceServiceUser,
			Local:  true,
			Err:    err,
		})
		return l.err
	}
	if err := l.writeBytes(p, b); err != nil {
		l.close(&dicomerrors.AbortError{
			Source: dicomerrors.AbortSourceUnknown,
			Local:  true,
			Err:    dicomerrors.NewNetworkError("write", err),
		})
		return l.err
	}
	return nil
}

// abortWriteTimeout bounds the A-ABORT write when no WriteTimeout is shorter.
const abortWriteTimeout = time.Second

func (l *loop) writeBytes(p pdu.PDU, b []byte) error {
	if l.state == StateClosed {
		if l.err != nil {
			return l.err
		}
		return dicomerrors.ErrConnectionClosed
	}
	isAbort := p.Type() == pdu.TypeAbort
	d := l.m.cfg.WriteTimeout
	if isAbort && (d <= 0 || d > abortWriteTimeout) {
		d = abortWriteTimeout
	}
	if d > 0 {
		l.conn.SetWriteDeadline(time.Now().Add(d))
	}

	l.writes <- b
	if err := l.awaitWrite(isAbort); err != nil {
		return err
	}
	l.m.logger.Debug("Sent PDU", "pdu_type", p.Type().String(), "length", len(b)-pdu.HeaderLength)
	l.activity()
	l.emit(Event{Kind: EventPDUSent, State: l.state, PDU: p})
	return nil
}

// awaitWrite waits for the writer goroutine while still serving Abort and
// the timers. An A-ABORT write is bounded by its deadline instead of Abort.
func (l *loop) awaitWrite(isAbort bool) error {
	abort := l.m.abortReq
	if isAbort {
		abort = nil
	}
	for {
		select {
		case err := <-l.written:
			return err
		case <-abort:
			return l.interrupt(&dicomerrors.AbortError{Source: dicomerrors.AbortSourceServiceUser, Local: true})
		case <-l.acse.C:
			if l.state.acseTimed() {
				return l.interrupt(dicomerrors.NewTimeoutError("ACSE in "+l.state.String(), l.m.cfg.ACSETimeout.String()))
			}
		case <-l.idle.C:
			if l.idleArmed && l.state == StateEstablished {
				l.idleArmed = false
				return l.interrupt(dicomerrors.NewTimeoutError("network idle", l.m.cfg.IdleTimeout.String()))
			}
		}
	}
}

// interrupt closes the machine under a blocked write. Closing the transport
// makes the writer return.
func (l *loop) interrupt(err error) error {
	l.m.logger.Warn("Abandoning blocked write", "state", l.state.String(), "error", err)
	l.close(err)
	<-l.written
	return l.err
}

// sendAbort writes A-ABORT on a best effort basis.
func (l *loop) sendAbort(source dicomerrors.AbortSource, reason dicomerrors.AbortReason) {
	if l.conn == nil {
		return
	}
	p := &pdu.Abort{Source: source, Reason: reason}
	b, err := pdu.Encode(p)
	if err != nil {
		return
	}
	if err := l.writeBytes(p, b); err != nil {
		l.m.logger.Debug("Failed to send A-ABORT", "error", err)
	}
}

// protocolAbort aborts as service provider because of err.
func (l *loop) protocolAbort(reason dicomerrors.AbortReason, err error) {
	l.m.logger.Warn("Aborting association", "state", l.state.String(), "reason", reason.String(), "error", err)
	l.sendAbort(dicomerrors.AbortSourceServiceProvider, reason)
	l.close(&dicomerrors.AbortError{
		Source: dicomerrors.AbortSourceServiceProvider,
		Reason: reason,
		Local:  true,
		Err:    err,
	})
}

func (l *loop) invalidState(op string) error {
	return fmt.Errorf("%s: %w: state %s", op, dicomerrors.ErrInvalidState, l.state)
}

func (l *loop) handleRequest(req *request) {
	switch req.kind {
	case reqConnecting:
		if l.state != StateIdle {
			req.respond(nil, l.invalidState("connect"))
			return
		}
		l.setState(StateAwaitingTransport)
		req.respond(nil, nil)

	case reqFail:
		l.close(req.err)
		req.respond(nil, nil)

	case reqAttach:
		want := StateIdle
		if l.m.role == RoleRequestor {
			want = StateAwaitingTransport
		}
		if l.state != want || l.conn != nil {
			req.respond(nil, l.invalidState("attach"))
			return
		}
		l.conn = req.conn
		l.startIO()
		if l.m.role == RoleAcceptor {
			l.setState(StateAwaitingAssociateRequest)
		}
		req.respond(nil, nil)

	case reqAssociate:
		if l.m.role != RoleRequestor || l.state != StateAwaitingTransport || l.conn == nil {
			req.respond(nil, l.invalidState("associate"))
			return
		}
		if err := l.write(req.pdu); err != nil {
			req.respond(nil, err)
			return
		}
		l.pendingAssociate = req
		l.setState(StateAwaitingAssociateResponse)

	case reqRespond:
		if l.m.role != RoleAcceptor || l.state != StateAwaitingAssociateAck {
			req.respond(nil, l.invalidState("respond"))
			return
		}
		if err := l.write(req.pdu); err != nil {
			req.respond(nil, err)
			return
		}
		switch p := req.pdu.(type) {
		case *pdu.AssociateAC:
			l.startData(req.accepted)
			l.setState(StateEstablished)
			l.m.logger.Info("Association established", "accepted_contexts", len(req.accepted))
		case *pdu.AssociateRJ:
			l.close(&dicomerrors.AssociationError{
				Result: p.Result,
				Source: p.Source,
				Reason: p.Reason,
				Msg:    "association rejected locally",
			})
		}
		req.respond(nil, nil)

	case reqData:
		if l.state != StateEstablished {
			req.respond(nil, l.invalidState("send"))
			return
		}
		tf := req.pdu.(*pdu.DataTF)
		for _, pdv := range tf.Items {
			if !l.accepted[pdv.ContextID] {
				req.respond(nil, fmt.Errorf("send on context %d: %w", pdv.ContextID, dicomerrors.ErrNoPresentationCtx))
				return
			}
		}
		req.respond(nil, l.write(tf))

	case reqRelease:
		switch l.state {
		case StateEstablished:
			if err := l.write(&pdu.ReleaseRQ{}); err != nil {
				req.respond(nil, err)
				return
			}
			l.pendingRelease = append(l.pendingRelease, req)
			l.setState(StateAwaitingReleaseResponse)
		case StateAwaitingReleaseResponse, StateAwaitingReleaseRequest:
			l.pendingRelease = append(l.pendingRelease, req)
		default:
			req.respond(nil, l.invalidState("release"))
		}

	case reqAbort:
		l.sendAbort(dicomerrors.AbortSourceServiceUser, dicomerrors.AbortReasonNotSpecified)
		l.close(&dicomerrors.AbortError{Source: dicomerrors.AbortSourceServiceUser, Local: true})
		req.respond(nil, nil)
	}
}

func (l *loop) handleRead(res readResult) {
	l.reading = false
	if l.state == StateClosed {
		return
	}
	if res.err != nil {
		l.onReadError(res.err)
		return
	}

	p := res.pdu
	l.m.logger.Debug("Received PDU", "pdu_type", p.Type().String(), "state", l.state.String())
	l.activity()
	l.emit(Event{Kind: EventPDUReceived, State: l.state, PDU: p})

	if ab, ok := p.(*pdu.Abort); ok {
		l.m.logger.Warn("Association aborted by peer", "source", ab.Source.String(), "reason", ab.Reason.String())
		l.close(dicomerrors.NewAbortError(byte(ab.Source), byte(ab.Reason)))
		return
	}

	h, ok := transitions[l.m.role][l.state][p.Type()]
	if !ok {
		l.protocolAbort(dicomerrors.AbortReasonUnexpectedPDU, &dicomerrors.ProtocolViolationError{
			State:   l.state.String(),
			PDUType: byte(p.Type()),
			Msg:     "unexpected " + p.Type().String(),
		})
		return
	}
	h(l, p)
}

func (l *loop) onReadError(err error) {
	var malformed *dicomerrors.MalformedPDUError
	if errors.As(err, &malformed) {
		reason := dicomerrors.AbortReasonInvalidPDUParameterValue
		if !pdu.Type(malformed.PDUType).Known() {
			reason = dicomerrors.AbortReasonUnrecognizedPDU
		}
		l.protocolAbort(reason, err)
		return
	}
	l.m.logger.Warn("Transport lost", "state", l.state.String(), "error", err)
	l.close(&dicomerrors.AbortError{
		Source: dicomerrors.AbortSourceUnknown,
		Err:    dicomerrors.NewNetworkError("read", err),
	})
}

func (l *loop) onACSETimeout() {
	if !l.state.acseTimed() {
		return
	}
	l.timeout("ACSE in "+l.state.String(), l.m.cfg.ACSETimeout)
}

func (l *loop) onIdleTimeout() {
	if !l.idleArmed || l.state != StateEstablished {
		return
	}
	l.idleArmed = false
	l.timeout("network idle", l.m.cfg.IdleTimeout)
}

func (l *loop) timeout(op string, d time.Duration) {
	l.m.logger.Warn("Timer expired", "operation", op, "timeout", d.String())
	l.sendAbort(dicomerrors.AbortSourceServiceProvider, dicomerrors.AbortReasonNotSpecified)
	l.close(dicomerrors.NewTimeoutError(op, d.String()))
}

func (l *loop) startData(accepted []byte) {
	l.accepted = make(map[byte]bool, len(accepted))
	for _, id := range accepted {
		l.accepted[id] = true
	}
	l.asm = message.NewAssembler(accepted, l.m.cfg.PayloadProbe)
}

func (l *loop) deliver(msg message.Message) {
	l.emit(Event{Kind: EventMessageReceived, State: l.state, Message: &msg})
	if len(l.backlog) == 0 {
		select {
		case l.m.msgs <- msg:
			return
		default:
		}
	}
	l.backlog = append(l.backlog, msg)
	l.backlogBytes += messageSize(msg)
}

// flush hands over a message waiting for its end when the peer releases.
func (l *loop) flush() {
	if l.asm == nil {
		return
	}
	msg, dropped := l.asm.Flush()
	if msg != nil {
		l.deliver(*msg)
	}
	if dropped > 0 {
		l.m.logger.Warn("Discarding incomplete message at release", "bytes", dropped)
	}
}

func messageSize(msg message.Message) int {
	return len(msg.Command) + len(msg.Payload)
}
