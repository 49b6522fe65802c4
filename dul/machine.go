package dul

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"sync"
	"sync/atomic"

	dicomerrors "github.com/caio-sobreiro/dicomul/errors"
	"github.com/caio-sobreiro/dicomul/message"
	"github.com/caio-sobreiro/dicomul/pdu"
)

// DialFunc opens the transport for a requestor.
type DialFunc func(ctx context.Context) (net.Conn, error)

// ResolveFunc runs on the loop goroutine when an A-ASSOCIATE-AC arrives and
// returns the context IDs that may carry data. An error aborts the
// association; a *errors.AssociationError is returned to the caller as is.
type ResolveFunc func(ac *pdu.AssociateAC) ([]byte, error)

// Machine is the upper layer state machine for one connection.
type Machine struct {
	role   Role
	cfg    Config
	logger *slog.Logger

	requests chan *request
	incoming chan readResult
	msgs     chan message.Message
	done     chan struct{}

	state   atomic.Int32
	peerMax atomic.Uint32

	// sendMu keeps the PDUs of one message contiguous on the wire.
	sendMu sync.Mutex

	leftMu   sync.Mutex
	leftover []message.Message

	// abortReq is closed by Abort and interrupts a blocked write.
	abortReq  chan struct{}
	abortOnce sync.Once

	// associateRQ hands the peer's request to WaitRequest.
	associateRQ chan *pdu.AssociateRQ

	// err is written by the loop before done is closed.
	err error

	loop *loop
}

// New creates a Machine in StateIdle and starts its loop.
func New(role Role, cfg Config) *Machine {
	cfg = cfg.withDefaults()
	m := &Machine{
		role:        role,
		cfg:         cfg,
		logger:      cfg.Logger.With("role", role.String()),
		requests:    make(chan *request),
		incoming:    make(chan readResult),
		msgs:        make(chan message.Message, cfg.MessageQueueSize),
		done:        make(chan struct{}),
		abortReq:    make(chan struct{}),
		associateRQ: make(chan *pdu.AssociateRQ, 1),
	}
	m.loop = newLoop(m)
	go m.loop.run()
	return m
}

// Role returns the role of the machine.
func (m *Machine) Role() Role {
	return m.role
}

// State returns the current state.
func (m *Machine) State() State {
	return State(m.state.Load())
}

// PeerMaxPDULength returns the maximum P-DATA-TF body the peer accepts; zero
// means unlimited.
func (m *Machine) PeerMaxPDULength() uint32 {
	return m.peerMax.Load()
}

// Done is closed once the machine reaches StateClosed.
func (m *Machine) Done() <-chan struct{} {
	return m.done
}

// Err returns the terminal error after Done is closed. It is nil after an
// orderly release and while the machine is running.
func (m *Machine) Err() error {
	select {
	case <-m.done:
		return m.err
	default:
		return nil
	}
}

func (m *Machine) closedErr() error {
	if m.err != nil {
		return m.err
	}
	return dicomerrors.ErrConnectionClosed
}

// Connect opens the transport for a requestor. The ACSE timer runs while
// dialing.
func (m *Machine) Connect(ctx context.Context, dial DialFunc) error {
	if m.role != RoleRequestor {
		return fmt.Errorf("connect: %w: role %s", dicomerrors.ErrInvalidState, m.role)
	}
	if _, err := m.do(ctx, &request{kind: reqConnecting}); err != nil {
		return err
	}
	conn, err := dial(ctx)
	if err != nil {
		netErr := dicomerrors.NewNetworkError("dial", err)
		m.do(context.Background(), &request{kind: reqFail, err: netErr})
		return netErr
	}
	if _, err := m.do(context.Background(), &request{kind: reqAttach, conn: conn}); err != nil {
		conn.Close()
		return err
	}
	return nil
}

// Attach hands an accepted transport connection to an acceptor machine,
// which then waits for the A-ASSOCIATE-RQ.
func (m *Machine) Attach(conn net.Conn) error {
	if m.role != RoleAcceptor {
		return fmt.Errorf("attach: %w: role %s", dicomerrors.ErrInvalidState, m.role)
	}
	if _, err := m.do(context.Background(), &request{kind: reqAttach, conn: conn}); err != nil {
		conn.Close()
		return err
	}
	return nil
}

// Associate sends rq and waits for the acceptor's answer. On A-ASSOCIATE-AC
// resolve decides the usable contexts and the machine becomes ESTABLISHED.
// A rejection is returned as *errors.AssociationError.
func (m *Machine) Associate(ctx context.Context, rq *pdu.AssociateRQ, resolve ResolveFunc) (*pdu.AssociateAC, error) {
	res, err := m.do(ctx, &request{kind: reqAssociate, pdu: rq, resolve: resolve})
	if err != nil {
		if ctx.Err() != nil {
			m.Abort()
		}
		return nil, err
	}
	return res.pdu.(*pdu.AssociateAC), nil
}

// WaitRequest waits for the peer's A-ASSOCIATE-RQ on an acceptor.
func (m *Machine) WaitRequest(ctx context.Context) (*pdu.AssociateRQ, error) {
	select {
	case rq := <-m.associateRQ:
		return rq, nil
	case <-m.done:
		return nil, m.closedErr()
	case <-ctx.Done():
		m.Abort()
		return nil, ctx.Err()
	}
}

// Accept answers the pending request with ac. accepted lists the context
// IDs that may carry data.
func (m *Machine) Accept(ctx context.Context, ac *pdu.AssociateAC, accepted []byte) error {
	_, err := m.do(ctx, &request{kind: reqRespond, pdu: ac, accepted: accepted})
	return err
}

// Reject answers the pending request with rj and closes the transport.
func (m *Machine) Reject(ctx context.Context, rj *pdu.AssociateRJ) error {
	_, err := m.do(ctx, &request{kind: reqRespond, pdu: rj})
	return err
}

// Send fragments a message onto contextID. The peer's maximum PDU length
// bounds every P-DATA-TF. A failure after part of the message was written,
// or a cancellation while a write may be in flight, aborts the association.
func (m *Machine) Send(ctx context.Context, contextID byte, command []byte, payload io.Reader) error {
	m.sendMu.Lock()
	defer m.sendMu.Unlock()

	sent := false
	f := message.Fragmenter{MaxPDULength: m.peerMax.Load()}
	err := f.Fragment(contextID, command, payload, func(tf *pdu.DataTF) error {
		if _, err := m.do(ctx, &request{kind: reqData, pdu: tf}); err != nil {
			return err
		}
		sent = true
		return nil
	})
	// A cancelled request may have left a write in flight.
	if err != nil && (sent || ctx.Err() != nil) {
		m.logger.Warn("Aborting after partial message", "context_id", contextID, "error", err)
		m.Abort()
	}
	return err
}

// Receive returns the next reassembled message. Messages completed before
// the machine closed are still returned; after that Receive returns the
// terminal error, or errors.ErrConnectionClosed after an orderly release.
func (m *Machine) Receive(ctx context.Context) (message.Message, error) {
	select {
	case msg := <-m.msgs:
		return msg, nil
	case <-m.done:
		select {
		case msg := <-m.msgs:
			return msg, nil
		default:
		}
		if msg, ok := m.popLeftover(); ok {
			return msg, nil
		}
		return message.Message{}, m.closedErr()
	case <-ctx.Done():
		return message.Message{}, ctx.Err()
	}
}

func (m *Machine) popLeftover() (message.Message, bool) {
	m.leftMu.Lock()
	defer m.leftMu.Unlock()
	if len(m.leftover) == 0 {
		return message.Message{}, false
	}
	msg := m.leftover[0]
	m.leftover = m.leftover[1:]
	return msg, true
}

// Release performs the release handshake and waits until the machine is
// closed. It returns nil when both sides released in order.
func (m *Machine) Release(ctx context.Context) error {
	_, err := m.do(ctx, &request{kind: reqRelease})
	if err == nil {
		return nil
	}
	if ctx.Err() != nil {
		m.Abort()
		return err
	}
	// The peer may have completed a release first.
	if errors.Is(err, dicomerrors.ErrConnectionClosed) && m.Err() == nil {
		select {
		case <-m.done:
			return nil
		default:
		}
	}
	return err
}

// Abort sends A-ABORT when the transport is open and closes the machine.
// A write blocked on a peer that stopped reading is abandoned. Calling it on
// a closed machine does nothing.
func (m *Machine) Abort() {
	m.abortOnce.Do(func() { close(m.abortReq) })
	m.do(context.Background(), &request{kind: reqAbort})
}

type response struct {
	pdu pdu.PDU
	err error
}

// do hands req to the loop and waits for its reply.
func (m *Machine) do(ctx context.Context, req *request) (response, error) {
	req.reply = make(chan response, 1)
	select {
	case m.requests <- req:
	case <-m.done:
		return response{}, m.closedErr()
	case <-ctx.Done():
		return response{}, ctx.Err()
	}

	select {
	case res := <-req.reply:
		return res, res.err
	case <-m.done:
		select {
		case res := <-req.reply:
			return res, res.err
		default:
			return response{}, m.closedErr()
		}
	case <-ctx.Done():
		return response{}, ctx.Err()
	}
}
