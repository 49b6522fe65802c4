package dul

import (
	"bytes"
	"context"
	"errors"
	"io"
	"net"
	"sync"
	"testing"
	"time"

	dicomerrors "github.com/caio-sobreiro/dicomul/errors"
	"github.com/caio-sobreiro/dicomul/message"
	"github.com/caio-sobreiro/dicomul/pdu"
	"github.com/caio-sobreiro/dicomul/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const testWait = 2 * time.Second

func testRQ() *pdu.AssociateRQ {
	return &pdu.AssociateRQ{
		ProtocolVersion:    pdu.ProtocolVersion,
		CalledAETitle:      "ANY-SCP",
		CallingAETitle:     "ECHOSCU",
		ApplicationContext: types.ApplicationContextUID,
		PresentationContexts: []pdu.PresentationContext{
			{ID: 1, AbstractSyntax: types.VerificationSOPClass, TransferSyntaxes: []string{types.ImplicitVRLittleEndian}},
		},
		UserInformation: pdu.UserInformation{MaxLength: 16384, ImplementationClassUID: "1.2.3"},
	}
}

func testAC() *pdu.AssociateAC {
	return &pdu.AssociateAC{
		ProtocolVersion:    pdu.ProtocolVersion,
		CalledAETitle:      "ANY-SCP",
		CallingAETitle:     "ECHOSCU",
		ApplicationContext: types.ApplicationContextUID,
		PresentationContexts: []pdu.PresentationContext{
			{ID: 1, Result: pdu.ResultAcceptance, TransferSyntaxes: []string{types.ImplicitVRLittleEndian}},
		},
		UserInformation: pdu.UserInformation{MaxLength: 16384, ImplementationClassUID: "1.2.3"},
	}
}

func testContext(t *testing.T) context.Context {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), testWait)
	t.Cleanup(cancel)
	return ctx
}

func noPayload([]byte) (bool, error) { return false, nil }

// drain reads PDUs from conn until it fails.
func drain(conn net.Conn) <-chan pdu.PDU {
	ch := make(chan pdu.PDU, 16)
	go func() {
		defer close(ch)
		for {
			p, err := pdu.Read(conn, 0)
			if err != nil {
				return
			}
			ch <- p
		}
	}()
	return ch
}

func readPDU(t *testing.T, conn net.Conn) pdu.PDU {
	t.Helper()
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(testWait)))
	p, err := pdu.Read(conn, 0)
	require.NoError(t, err)
	return p
}

func waitDone(t *testing.T, m *Machine) {
	t.Helper()
	select {
	case <-m.Done():
	case <-time.After(testWait):
		t.Fatalf("machine did not close, state %s", m.State())
	}
}

type recorder struct {
	mu     sync.Mutex
	events []Event
}

func (r *recorder) observe(ev Event) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, ev)
}

func (r *recorder) states() []State {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []State
	for _, ev := range r.events {
		if ev.Kind == EventStateChanged {
			out = append(out, ev.State)
		}
	}
	return out
}

// establishRequestor returns an ESTABLISHED requestor and the raw peer end.
func establishRequestor(t *testing.T, cfg Config) (*Machine, net.Conn) {
	t.Helper()
	client, server := net.Pipe()
	ctx := testContext(t)

	// Cleanups run last-in first-out: the peer goes away before the abort.
	m := New(RoleRequestor, cfg)
	t.Cleanup(m.Abort)
	t.Cleanup(func() { server.Close() })
	require.NoError(t, m.Connect(ctx, func(context.Context) (net.Conn, error) { return client, nil }))

	errCh := make(chan error, 1)
	go func() {
		_, err := m.Associate(ctx, testRQ(), nil)
		errCh <- err
	}()

	assert.IsType(t, &pdu.AssociateRQ{}, readPDU(t, server))
	require.NoError(t, pdu.Write(server, testAC()))
	require.NoError(t, <-errCh)
	require.Equal(t, StateEstablished, m.State())
	return m, server
}

// establishAcceptor returns an ESTABLISHED acceptor and the raw peer end.
func establishAcceptor(t *testing.T, cfg Config) (*Machine, net.Conn) {
	t.Helper()
	client, server := net.Pipe()
	ctx := testContext(t)

	m := New(RoleAcceptor, cfg)
	t.Cleanup(m.Abort)
	t.Cleanup(func() { client.Close() })
	require.NoError(t, m.Attach(server))
	require.NoError(t, pdu.Write(client, testRQ()))

	rq, err := m.WaitRequest(ctx)
	require.NoError(t, err)
	assert.Equal(t, "ECHOSCU", rq.CallingAETitle)
	assert.Equal(t, StateAwaitingAssociateAck, m.State())

	errCh := make(chan error, 1)
	go func() { errCh <- m.Accept(ctx, testAC(), []byte{1}) }()
	assert.IsType(t, &pdu.AssociateAC{}, readPDU(t, client))
	require.NoError(t, <-errCh)
	require.Equal(t, StateEstablished, m.State())
	return m, client
}

func TestRequestorStateSequence(t *testing.T) {
	rec := &recorder{}
	m, peer := establishRequestor(t, Config{Observer: rec.observe})

	errCh := make(chan error, 1)
	go func() { errCh <- m.Release(testContext(t)) }()
	assert.IsType(t, &pdu.ReleaseRQ{}, readPDU(t, peer))
	require.NoError(t, pdu.Write(peer, &pdu.ReleaseRP{}))
	require.NoError(t, <-errCh)

	waitDone(t, m)
	assert.NoError(t, m.Err())
	assert.Equal(t, []State{
		StateAwaitingTransport,
		StateAwaitingAssociateResponse,
		StateEstablished,
		StateAwaitingReleaseResponse,
		StateClosed,
	}, rec.states())
}

func TestUnexpectedAssociateRequestAborts(t *testing.T) {
	m, peer := establishAcceptor(t, Config{})

	require.NoError(t, pdu.Write(peer, testRQ()))
	p := readPDU(t, peer)

	abort, ok := p.(*pdu.Abort)
	require.True(t, ok, "expected A-ABORT, got %s", p)
	assert.Equal(t, dicomerrors.AbortSourceServiceProvider, abort.Source)
	assert.Equal(t, dicomerrors.AbortReasonUnexpectedPDU, abort.Reason)

	waitDone(t, m)
	assert.Equal(t, StateClosed, m.State())

	var abortErr *dicomerrors.AbortError
	require.True(t, errors.As(m.Err(), &abortErr))
	assert.True(t, abortErr.Local)
	assert.True(t, errors.Is(m.Err(), dicomerrors.ErrProtocolViolation))
}

func TestACSETimeout(t *testing.T) {
	client, server := net.Pipe()
	defer server.Close()
	peer := drain(server)

	m := New(RoleRequestor, Config{ACSETimeout: 100 * time.Millisecond})
	require.NoError(t, m.Connect(testContext(t), func(context.Context) (net.Conn, error) { return client, nil }))

	start := time.Now()
	_, err := m.Associate(testContext(t), testRQ(), nil)
	require.Error(t, err)

	var timeout *dicomerrors.TimeoutError
	require.True(t, errors.As(err, &timeout), "got %v", err)
	assert.True(t, dicomerrors.IsTimeout(err))
	assert.Less(t, time.Since(start), testWait)
	waitDone(t, m)
	assert.Equal(t, StateClosed, m.State())

	var got []pdu.Type
	for p := range peer {
		got = append(got, p.Type())
	}
	assert.Equal(t, []pdu.Type{pdu.TypeAssociateRQ, pdu.TypeAbort}, got)
}

func TestAcceptorACSETimeoutWaitingForRequest(t *testing.T) {
	client, server := net.Pipe()
	defer client.Close()
	peer := drain(client)

	m := New(RoleAcceptor, Config{ACSETimeout: 50 * time.Millisecond})
	require.NoError(t, m.Attach(server))

	_, err := m.WaitRequest(testContext(t))
	assert.True(t, dicomerrors.IsTimeout(err))
	waitDone(t, m)
	for range peer {
	}
}

func TestAssociateRejected(t *testing.T) {
	client, server := net.Pipe()
	defer server.Close()

	m := New(RoleRequestor, Config{})
	require.NoError(t, m.Connect(testContext(t), func(context.Context) (net.Conn, error) { return client, nil }))

	errCh := make(chan error, 1)
	go func() {
		_, err := m.Associate(testContext(t), testRQ(), nil)
		errCh <- err
	}()
	readPDU(t, server)
	require.NoError(t, pdu.Write(server, &pdu.AssociateRJ{
		Result: dicomerrors.RejectResultPermanent,
		Source: dicomerrors.RejectSourceServiceUser,
		Reason: dicomerrors.RejectReasonCalledAETitleNotRecognized,
	}))

	err := <-errCh
	var rejected *dicomerrors.AssociationError
	require.True(t, errors.As(err, &rejected))
	assert.Equal(t, dicomerrors.RejectReasonCalledAETitleNotRecognized, rejected.Reason)
	waitDone(t, m)
}

func TestResolveFailureAborts(t *testing.T) {
	client, server := net.Pipe()
	defer server.Close()
	peer := drain(server)

	m := New(RoleRequestor, Config{})
	require.NoError(t, m.Connect(testContext(t), func(context.Context) (net.Conn, error) { return client, nil }))

	errCh := make(chan error, 1)
	go func() {
		_, err := m.Associate(testContext(t), testRQ(), func(*pdu.AssociateAC) ([]byte, error) {
			return nil, dicomerrors.NewAssociationError(dicomerrors.RejectSourceServiceUser, dicomerrors.RejectReasonNoReasonGiven, "no context accepted")
		})
		errCh <- err
	}()

	assert.IsType(t, &pdu.AssociateRQ{}, <-peer)
	require.NoError(t, pdu.Write(server, testAC()))

	err := <-errCh
	assert.True(t, errors.Is(err, dicomerrors.ErrAssociationRejected))
	abort := (<-peer).(*pdu.Abort)
	assert.Equal(t, dicomerrors.AbortSourceServiceUser, abort.Source)
	waitDone(t, m)
}

func TestPeerAbort(t *testing.T) {
	m, peer := establishRequestor(t, Config{})

	require.NoError(t, pdu.Write(peer, &pdu.Abort{Source: dicomerrors.AbortSourceServiceUser}))
	waitDone(t, m)

	var abortErr *dicomerrors.AbortError
	require.True(t, errors.As(m.Err(), &abortErr))
	assert.False(t, abortErr.Local)
	assert.Equal(t, dicomerrors.AbortSourceServiceUser, abortErr.Source)

	_, err := m.Receive(testContext(t))
	assert.ErrorAs(t, err, &abortErr)
}

func TestTransportLoss(t *testing.T) {
	m, peer := establishAcceptor(t, Config{})

	require.NoError(t, peer.Close())
	waitDone(t, m)

	var abortErr *dicomerrors.AbortError
	require.True(t, errors.As(m.Err(), &abortErr))
	assert.Equal(t, dicomerrors.AbortSourceUnknown, abortErr.Source)
	var netErr *dicomerrors.NetworkError
	assert.True(t, errors.As(m.Err(), &netErr))
}

func TestMalformedPDUAborts(t *testing.T) {
	m, peer := establishAcceptor(t, Config{})

	_, err := peer.Write([]byte{0x09, 0, 0, 0, 0, 0})
	require.NoError(t, err)

	abort, ok := readPDU(t, peer).(*pdu.Abort)
	require.True(t, ok)
	assert.Equal(t, dicomerrors.AbortReasonUnrecognizedPDU, abort.Reason)
	waitDone(t, m)
	assert.True(t, errors.Is(m.Err(), dicomerrors.ErrInvalidPDU))
}

func TestSendAndReceive(t *testing.T) {
	m, peer := establishAcceptor(t, Config{PayloadProbe: noPayload})
	ctx := testContext(t)

	errCh := make(chan error, 1)
	go func() { errCh <- m.Send(ctx, 1, []byte("response"), nil) }()
	tf := readPDU(t, peer).(*pdu.DataTF)
	require.NoError(t, <-errCh)
	assert.Equal(t, []pdu.PDV{{ContextID: 1, Command: true, Last: true, Data: []byte("response")}}, tf.Items)

	require.NoError(t, pdu.Write(peer, &pdu.DataTF{Items: []pdu.PDV{{ContextID: 1, Command: true, Last: true, Data: []byte("request")}}}))
	msg, err := m.Receive(ctx)
	require.NoError(t, err)
	assert.Equal(t, message.Message{ContextID: 1, Command: []byte("request")}, msg)

	err = m.Send(ctx, 3, []byte("x"), nil)
	assert.ErrorIs(t, err, dicomerrors.ErrNoPresentationCtx)
	assert.Equal(t, StateEstablished, m.State())
}

func TestPDVOnUnknownContextAborts(t *testing.T) {
	m, peer := establishAcceptor(t, Config{})

	require.NoError(t, pdu.Write(peer, &pdu.DataTF{Items: []pdu.PDV{{ContextID: 5, Command: true, Last: true, Data: []byte{1}}}}))
	abort := readPDU(t, peer).(*pdu.Abort)
	assert.Equal(t, dicomerrors.AbortSourceServiceProvider, abort.Source)
	waitDone(t, m)
	assert.True(t, errors.Is(m.Err(), dicomerrors.ErrProtocolViolation))
}

func TestReleaseFlushesPendingMessage(t *testing.T) {
	m, peer := establishAcceptor(t, Config{})

	require.NoError(t, pdu.Write(peer, &pdu.DataTF{Items: []pdu.PDV{{ContextID: 1, Command: true, Last: true, Data: []byte("0123456789")}}}))
	require.NoError(t, pdu.Write(peer, &pdu.ReleaseRQ{}))
	assert.IsType(t, &pdu.ReleaseRP{}, readPDU(t, peer))
	waitDone(t, m)
	assert.NoError(t, m.Err())

	msg, err := m.Receive(testContext(t))
	require.NoError(t, err)
	assert.Equal(t, []byte("0123456789"), msg.Command)

	_, err = m.Receive(testContext(t))
	assert.ErrorIs(t, err, dicomerrors.ErrConnectionClosed)
	assert.NoError(t, m.Release(testContext(t)))
}

func TestReleaseCollisionRequestor(t *testing.T) {
	m, peer := establishRequestor(t, Config{})

	errCh := make(chan error, 1)
	go func() { errCh <- m.Release(testContext(t)) }()

	assert.IsType(t, &pdu.ReleaseRQ{}, readPDU(t, peer))
	require.NoError(t, pdu.Write(peer, &pdu.ReleaseRQ{}))
	// The requestor answers the crossing request at once.
	assert.IsType(t, &pdu.ReleaseRP{}, readPDU(t, peer))
	assert.Equal(t, StateAwaitingReleaseRequest, m.State())
	require.NoError(t, pdu.Write(peer, &pdu.ReleaseRP{}))

	require.NoError(t, <-errCh)
	waitDone(t, m)
	assert.NoError(t, m.Err())
}

func TestReleaseCollisionAcceptor(t *testing.T) {
	m, peer := establishAcceptor(t, Config{})

	errCh := make(chan error, 1)
	go func() { errCh <- m.Release(testContext(t)) }()

	assert.IsType(t, &pdu.ReleaseRQ{}, readPDU(t, peer))
	require.NoError(t, pdu.Write(peer, &pdu.ReleaseRQ{}))
	// The acceptor waits for the requestor's response before answering.
	require.NoError(t, pdu.Write(peer, &pdu.ReleaseRP{}))
	assert.IsType(t, &pdu.ReleaseRP{}, readPDU(t, peer))

	require.NoError(t, <-errCh)
	waitDone(t, m)
	assert.NoError(t, m.Err())
}

func TestReleaseCollisionBetweenMachines(t *testing.T) {
	client, server := net.Pipe()
	ctx := testContext(t)

	acceptor := New(RoleAcceptor, Config{})
	requestor := New(RoleRequestor, Config{})
	require.NoError(t, acceptor.Attach(server))
	require.NoError(t, requestor.Connect(ctx, func(context.Context) (net.Conn, error) { return client, nil }))

	go func() {
		rq, err := acceptor.WaitRequest(ctx)
		if err != nil {
			return
		}
		_ = rq
		acceptor.Accept(ctx, testAC(), []byte{1})
	}()
	_, err := requestor.Associate(ctx, testRQ(), nil)
	require.NoError(t, err)
	require.Eventually(t, func() bool { return acceptor.State() == StateEstablished }, testWait, 10*time.Millisecond)

	var wg sync.WaitGroup
	errs := make([]error, 2)
	for i, m := range []*Machine{requestor, acceptor} {
		wg.Add(1)
		go func() {
			defer wg.Done()
			errs[i] = m.Release(ctx)
		}()
	}
	wg.Wait()

	assert.NoError(t, errs[0])
	assert.NoError(t, errs[1])
	waitDone(t, requestor)
	waitDone(t, acceptor)
}

func TestIdleTimeout(t *testing.T) {
	m, peer := establishAcceptor(t, Config{IdleTimeout: 100 * time.Millisecond})
	pdus := drain(peer)

	waitDone(t, m)
	assert.True(t, dicomerrors.IsTimeout(m.Err()))
	p, ok := <-pdus
	require.True(t, ok)
	assert.IsType(t, &pdu.Abort{}, p)
}

// stalledSend starts a message far larger than the pipe absorbs and returns
// once its first PDU is partly read, leaving the write blocked.
func stalledSend(t *testing.T, m *Machine, peer net.Conn) <-chan error {
	t.Helper()
	errCh := make(chan error, 1)
	go func() {
		errCh <- m.Send(context.Background(), 1, []byte("command"), bytes.NewReader(make([]byte, 1<<20)))
	}()
	require.NoError(t, peer.SetReadDeadline(time.Now().Add(testWait)))
	header := make([]byte, pdu.HeaderLength)
	_, err := io.ReadFull(peer, header)
	require.NoError(t, err)
	return errCh
}

func waitErr(t *testing.T, errCh <-chan error) error {
	t.Helper()
	select {
	case err := <-errCh:
		return err
	case <-time.After(testWait):
		t.Fatal("send still blocked")
		return nil
	}
}

func TestIdleTimeoutInterruptsBlockedWrite(t *testing.T) {
	m, peer := establishAcceptor(t, Config{IdleTimeout: 200 * time.Millisecond})
	errCh := stalledSend(t, m, peer)

	waitDone(t, m)
	assert.True(t, dicomerrors.IsTimeout(m.Err()), "got %v", m.Err())
	assert.Error(t, waitErr(t, errCh))
}

func TestAbortInterruptsBlockedWrite(t *testing.T) {
	m, peer := establishRequestor(t, Config{})
	errCh := stalledSend(t, m, peer)

	aborted := make(chan struct{})
	go func() {
		m.Abort()
		close(aborted)
	}()
	select {
	case <-aborted:
	case <-time.After(testWait):
		t.Fatalf("Abort blocked, state %s", m.State())
	}

	waitDone(t, m)
	var abortErr *dicomerrors.AbortError
	require.True(t, errors.As(m.Err(), &abortErr), "got %v", m.Err())
	assert.True(t, abortErr.Local)
	assert.Equal(t, dicomerrors.AbortSourceServiceUser, abortErr.Source)
	assert.Error(t, waitErr(t, errCh))
}

func TestACSETimeoutInterruptsBlockedWrite(t *testing.T) {
	client, server := net.Pipe()
	defer server.Close()

	m := New(RoleRequestor, Config{ACSETimeout: 100 * time.Millisecond})
	require.NoError(t, m.Connect(testContext(t), func(context.Context) (net.Conn, error) { return client, nil }))

	// Nobody reads the request.
	_, err := m.Associate(testContext(t), testRQ(), nil)
	assert.True(t, dicomerrors.IsTimeout(err), "got %v", err)
	waitDone(t, m)
}

func TestEncodeFailureAborts(t *testing.T) {
	client, server := net.Pipe()
	defer server.Close()
	peer := drain(server)

	m := New(RoleRequestor, Config{})
	require.NoError(t, m.Connect(testContext(t), func(context.Context) (net.Conn, error) { return client, nil }))

	rq := testRQ()
	rq.CallingAETitle = "THIS-TITLE-IS-TOO-LONG"
	_, err := m.Associate(testContext(t), rq, nil)

	var abortErr *dicomerrors.AbortError
	require.True(t, errors.As(err, &abortErr), "got %v", err)
	assert.True(t, abortErr.Local)
	assert.True(t, errors.Is(err, dicomerrors.ErrInvalidPDU))
	waitDone(t, m)

	p, ok := <-peer
	require.True(t, ok)
	assert.IsType(t, &pdu.Abort{}, p)
}

func TestBackPressureSuspendsReads(t *testing.T) {
	m, peer := establishAcceptor(t, Config{MessageQueueSize: 1, PayloadProbe: noPayload})
	ctx := testContext(t)

	send := func(b byte) error {
		return pdu.Write(peer, &pdu.DataTF{Items: []pdu.PDV{{ContextID: 1, Command: true, Last: true, Data: []byte{b}}}})
	}
	require.NoError(t, send(1))
	require.NoError(t, send(2))

	third := make(chan error, 1)
	go func() { third <- send(3) }()

	select {
	case <-third:
		t.Fatal("third message was read while the consumer was behind")
	case <-time.After(150 * time.Millisecond):
	}

	for want := byte(1); want <= 3; want++ {
		msg, err := m.Receive(ctx)
		require.NoError(t, err)
		assert.Equal(t, []byte{want}, msg.Command)
	}
	require.NoError(t, <-third)
}

func TestAbortIsIdempotent(t *testing.T) {
	m, peer := establishRequestor(t, Config{})
	pdus := drain(peer)

	m.Abort()
	m.Abort()
	waitDone(t, m)

	var abortErr *dicomerrors.AbortError
	require.True(t, errors.As(m.Err(), &abortErr))
	assert.Equal(t, dicomerrors.AbortSourceServiceUser, abortErr.Source)
	assert.True(t, abortErr.Local)

	var got []pdu.PDU
	for p := range pdus {
		got = append(got, p)
	}
	require.Len(t, got, 1)
	assert.IsType(t, &pdu.Abort{}, got[0])
}

func TestConnectFailure(t *testing.T) {
	m := New(RoleRequestor, Config{})
	err := m.Connect(testContext(t), func(context.Context) (net.Conn, error) { return nil, io.ErrClosedPipe })

	var netErr *dicomerrors.NetworkError
	require.True(t, errors.As(err, &netErr))
	waitDone(t, m)
	assert.Equal(t, StateClosed, m.State())
}

func TestInvalidRoleOperations(t *testing.T) {
	requestor := New(RoleRequestor, Config{})
	defer requestor.Abort()
	acceptor := New(RoleAcceptor, Config{})
	defer acceptor.Abort()

	c1, c2 := net.Pipe()
	defer c2.Close()
	assert.ErrorIs(t, requestor.Attach(c1), dicomerrors.ErrInvalidState)
	assert.ErrorIs(t, acceptor.Connect(testContext(t), nil), dicomerrors.ErrInvalidState)
	assert.ErrorIs(t, requestor.Send(testContext(t), 1, []byte{1}, nil), dicomerrors.ErrInvalidState)
	assert.ErrorIs(t, requestor.Release(testContext(t)), dicomerrors.ErrInvalidState)
}

func TestStateString(t *testing.T) {
	assert.Equal(t, "ESTABLISHED", StateEstablished.String())
	assert.Equal(t, "AWAITING_RELEASE_REQUEST", StateAwaitingReleaseRequest.String())
	assert.Equal(t, "requestor", RoleRequestor.String())
	assert.Equal(t, "pdu-sent", EventPDUSent.String())
}
