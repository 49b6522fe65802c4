// Package association is the application facing side of the upper layer. An
// Association owns one dul.Machine, which owns one transport connection.
package association

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"sync"
	"time"

	"github.com/caio-sobreiro/dicomul/dul"
	dicomerrors "github.com/caio-sobreiro/dicomul/errors"
	"github.com/caio-sobreiro/dicomul/message"
	"github.com/caio-sobreiro/dicomul/negotiation"
	"github.com/caio-sobreiro/dicomul/pdu"
	"github.com/caio-sobreiro/dicomul/types"
	"github.com/google/uuid"
	"github.com/hashicorp/go-multierror"
)

// Association is one negotiated session with a peer.
type Association struct {
	id     uuid.UUID
	cfg    Config
	logger *slog.Logger
	m      *dul.Machine

	callingAETitle string
	calledAETitle  string
	remoteAddr     string
	outcomes       []negotiation.Outcome
	roles          []pdu.RoleSelection
	peerMax        uint32

	// requestMu pairs each Request with its reply.
	requestMu sync.Mutex
}

func newAssociation(cfg Config, role dul.Role) *Association {
	a := &Association{
		id:  uuid.New(),
		cfg: cfg,
	}
	a.logger = cfg.Logger.With("association_id", a.id.String())
	a.m = dul.New(role, cfg.machineConfig(a.observe, a.logger))
	return a
}

// Open connects to address and negotiates an association as requestor.
func Open(ctx context.Context, address string, cfg Config) (_ *Association, err error) {
	cfg = cfg.withDefaults()
	if err := cfg.validate(dul.RoleRequestor); err != nil {
		return nil, err
	}
	proposed, err := negotiation.Propose(cfg.Syntaxes)
	if err != nil {
		return nil, err
	}

	a := newAssociation(cfg, dul.RoleRequestor)
	a.remoteAddr = address
	a.callingAETitle = cfg.AETitle
	a.calledAETitle = cfg.PeerAETitle
	defer func() {
		if err != nil {
			a.m.Abort()
		}
	}()

	dialer := &net.Dialer{Timeout: cfg.ConnectTimeout}
	err = a.m.Connect(ctx, func(ctx context.Context) (net.Conn, error) {
		return dialer.DialContext(ctx, "tcp", address)
	})
	if err != nil {
		return nil, fmt.Errorf("connect to %s: %w", address, err)
	}

	ui := cfg.userInformation()
	ui.RoleSelections = cfg.Roles
	rq := &pdu.AssociateRQ{
		ProtocolVersion:      pdu.ProtocolVersion,
		CalledAETitle:        cfg.PeerAETitle,
		CallingAETitle:       cfg.AETitle,
		ApplicationContext:   types.ApplicationContextUID,
		PresentationContexts: negotiation.RequestItems(proposed),
		UserInformation:      ui,
	}

	a.logger.Debug("Requesting association",
		"remote_addr", address,
		"calling_ae", cfg.AETitle,
		"called_ae", cfg.PeerAETitle,
		"contexts", len(proposed))

	// resolve runs on the machine's loop before Associate returns.
	resolve := func(ac *pdu.AssociateAC) ([]byte, error) {
		outcomes, err := negotiation.Resolve(proposed, ac.PresentationContexts)
		if err != nil {
			return nil, err
		}
		a.outcomes = outcomes
		a.roles = ac.UserInformation.RoleSelections
		if !negotiation.AnyAccepted(outcomes) {
			return nil, dicomerrors.NewAssociationError(dicomerrors.RejectSourceServiceUser,
				dicomerrors.RejectReasonNoReasonGiven, "no presentation context accepted")
		}
		return acceptedIDs(outcomes), nil
	}

	ac, err := a.m.Associate(ctx, rq, resolve)
	if err != nil {
		return nil, err
	}
	a.peerMax = ac.UserInformation.MaxLength
	a.logAccepted()
	return a, nil
}

// Accept negotiates an association as acceptor on an accepted transport
// connection. A request that is rejected is answered with
// A-ASSOCIATE-RJ and reported as *errors.AssociationError.
func Accept(ctx context.Context, conn net.Conn, cfg Config) (_ *Association, err error) {
	cfg = cfg.withDefaults()
	if err := cfg.validate(dul.RoleAcceptor); err != nil {
		conn.Close()
		return nil, err
	}
	a := newAssociation(cfg, dul.RoleAcceptor)
	defer func() {
		if err != nil {
			a.m.Abort()
		}
	}()
	a.remoteAddr = conn.RemoteAddr().String()

	if err := a.m.Attach(conn); err != nil {
		return nil, err
	}
	rq, err := a.m.WaitRequest(ctx)
	if err != nil {
		return nil, err
	}
	a.callingAETitle = rq.CallingAETitle
	a.calledAETitle = rq.CalledAETitle
	a.peerMax = rq.UserInformation.MaxLength

	a.logger.Info("Association requested",
		"remote_addr", a.remoteAddr,
		"calling_ae", rq.CallingAETitle,
		"called_ae", rq.CalledAETitle,
		"contexts", len(rq.PresentationContexts))

	if d := a.check(rq); d.Rejected() {
		return nil, a.reject(ctx, d.reject, "association request refused")
	}

	n := negotiation.New(cfg.Syntaxes,
		negotiation.WithNames(cfg.Names),
		negotiation.WithRoles(cfg.Roles),
		negotiation.WithLogger(a.logger))
	outcomes, roles := n.Negotiate(rq)
	a.outcomes = outcomes
	a.roles = roles

	if cfg.Decider != nil {
		if d := cfg.Decider(ctx, rq, outcomes); d.Rejected() {
			return nil, a.reject(ctx, d.reject, "association refused by decider")
		}
	}
	if !negotiation.AnyAccepted(outcomes) {
		rj := &pdu.AssociateRJ{
			Result: dicomerrors.RejectResultPermanent,
			Source: dicomerrors.RejectSourceServiceUser,
			Reason: dicomerrors.RejectReasonNoReasonGiven,
		}
		return nil, a.reject(ctx, rj, "no presentation context accepted")
	}

	ui := cfg.userInformation()
	ui.RoleSelections = roles
	if rq.UserInformation.AsyncOperationsWindow != nil {
		// Operations are not overlapped on one association.
		ui.AsyncOperationsWindow = &pdu.AsyncOperationsWindow{MaxInvoked: 1, MaxPerformed: 1}
	}
	ac := &pdu.AssociateAC{
		ProtocolVersion:      pdu.ProtocolVersion,
		CalledAETitle:        rq.CalledAETitle,
		CallingAETitle:       rq.CallingAETitle,
		ApplicationContext:   types.ApplicationContextUID,
		PresentationContexts: negotiation.AcceptItems(outcomes),
		UserInformation:      ui,
	}
	if err := a.m.Accept(ctx, ac, acceptedIDs(outcomes)); err != nil {
		return nil, err
	}
	a.logAccepted()
	return a, nil
}

// check applies the ACSE level checks to an incoming request.
func (a *Association) check(rq *pdu.AssociateRQ) Decision {
	switch {
	case rq.ProtocolVersion&pdu.ProtocolVersion == 0:
		return Reject(dicomerrors.RejectResultPermanent, dicomerrors.RejectSourceServiceProviderACSE,
			dicomerrors.RejectReasonProtocolVersionNotSupported)
	case rq.ApplicationContext != types.ApplicationContextUID:
		return Reject(dicomerrors.RejectResultPermanent, dicomerrors.RejectSourceServiceUser,
			dicomerrors.RejectReasonApplicationContextNotSupported)
	case a.cfg.AETitle != "" && rq.CalledAETitle != a.cfg.AETitle:
		return Reject(dicomerrors.RejectResultPermanent, dicomerrors.RejectSourceServiceUser,
			dicomerrors.RejectReasonCalledAETitleNotRecognized)
	case a.cfg.PeerAETitle != "" && rq.CallingAETitle != a.cfg.PeerAETitle:
		return Reject(dicomerrors.RejectResultPermanent, dicomerrors.RejectSourceServiceUser,
			dicomerrors.RejectReasonCallingAETitleNotRecognized)
	}
	return Proceed()
}

func (a *Association) reject(ctx context.Context, rj *pdu.AssociateRJ, msg string) error {
	a.logger.Info("Rejecting association",
		"result", rj.Result.String(),
		"source", rj.Source.String(),
		"reason", rj.Reason.Describe(rj.Source),
		"message", msg)
	if err := a.m.Reject(ctx, rj); err != nil {
		return err
	}
	return &dicomerrors.AssociationError{Result: rj.Result, Source: rj.Source, Reason: rj.Reason, Msg: msg}
}

func (a *Association) logAccepted() {
	accepted := 0
	for _, o := range a.outcomes {
		if !o.Accepted() {
			continue
		}
		accepted++
		a.logger.Debug("Presentation context accepted",
			"context_id", o.ID,
			"abstract_syntax", a.cfg.Names.Describe(o.AbstractSyntax),
			"transfer_syntax", a.cfg.Names.Name(o.TransferSyntax))
	}
	a.logger.Info("Association established",
		"role", a.m.Role().String(),
		"remote_addr", a.remoteAddr,
		"calling_ae", a.callingAETitle,
		"called_ae", a.calledAETitle,
		"accepted_contexts", accepted,
		"peer_max_pdu", a.peerMax)
}

func acceptedIDs(outcomes []negotiation.Outcome) []byte {
	var ids []byte
	for _, o := range outcomes {
		if o.Accepted() {
			ids = append(ids, o.ID)
		}
	}
	return ids
}

// ID identifies the association in logs and events.
func (a *Association) ID() uuid.UUID { return a.id }

// Role returns whether this side requested or accepted the association.
func (a *Association) Role() dul.Role { return a.m.Role() }

// CallingAETitle returns the requestor's title.
func (a *Association) CallingAETitle() string { return a.callingAETitle }

// CalledAETitle returns the acceptor's title as requested.
func (a *Association) CalledAETitle() string { return a.calledAETitle }

// RemoteAddr returns the peer address.
func (a *Association) RemoteAddr() string { return a.remoteAddr }

// MaxPDULength returns the largest P-DATA-TF this side accepts.
func (a *Association) MaxPDULength() uint32 { return a.cfg.MaxPDULength }

// PeerMaxPDULength returns the largest P-DATA-TF the peer accepts; zero
// means unlimited.
func (a *Association) PeerMaxPDULength() uint32 { return a.peerMax }

// Outcomes returns the result of every presentation context.
func (a *Association) Outcomes() []negotiation.Outcome { return a.outcomes }

// Roles returns the negotiated role selections.
func (a *Association) Roles() []pdu.RoleSelection { return a.roles }

// State returns the state of the underlying machine.
func (a *Association) State() dul.State { return a.m.State() }

// Done is closed when the association has ended.
func (a *Association) Done() <-chan struct{} { return a.m.Done() }

// Err returns why the association ended; nil after an orderly release.
func (a *Association) Err() error { return a.m.Err() }

// ContextID returns the first accepted context for abstractSyntax,
// preferring transferSyntax when it is not empty.
func (a *Association) ContextID(abstractSyntax, transferSyntax string) (byte, error) {
	var (
		id    byte
		found bool
	)
	for _, o := range a.outcomes {
		if !o.Accepted() || o.AbstractSyntax != abstractSyntax {
			continue
		}
		if transferSyntax == "" || o.TransferSyntax == transferSyntax {
			return o.ID, nil
		}
		if !found {
			id, found = o.ID, true
		}
	}
	if found {
		return id, nil
	}
	return 0, fmt.Errorf("%w for %s", dicomerrors.ErrNoPresentationCtx, a.cfg.Names.Describe(abstractSyntax))
}

// TransferSyntax returns the transfer syntax negotiated for contextID.
func (a *Association) TransferSyntax(contextID byte) (string, bool) {
	for _, o := range a.outcomes {
		if o.ID == contextID && o.Accepted() {
			return o.TransferSyntax, true
		}
	}
	return "", false
}

// Send transmits a command and optional payload on contextID.
func (a *Association) Send(ctx context.Context, contextID byte, command []byte, payload io.Reader) error {
	return a.m.Send(ctx, contextID, command, payload)
}

// Receive returns the next complete message from the peer.
func (a *Association) Receive(ctx context.Context) (message.Message, error) {
	return a.m.Receive(ctx)
}

// Request sends a message and waits for the next message from the peer,
// bounded by the DIMSE timeout. A timeout aborts the association.
func (a *Association) Request(ctx context.Context, contextID byte, command []byte, payload io.Reader) (message.Message, error) {
	a.requestMu.Lock()
	defer a.requestMu.Unlock()

	if err := a.Send(ctx, contextID, command, payload); err != nil {
		return message.Message{}, err
	}

	wait := ctx
	if d := a.cfg.DIMSETimeout; d > 0 {
		var cancel context.CancelFunc
		wait, cancel = context.WithTimeout(ctx, d)
		defer cancel()
	}
	msg, err := a.Receive(wait)
	if err != nil && ctx.Err() == nil && errors.Is(err, context.DeadlineExceeded) {
		a.logger.Warn("DIMSE timeout, aborting association", "context_id", contextID, "timeout", a.cfg.DIMSETimeout)
		a.Abort()
		return message.Message{}, dicomerrors.NewTimeoutError("dimse response", a.cfg.DIMSETimeout.String())
	}
	return msg, err
}

// Release performs the release handshake.
func (a *Association) Release(ctx context.Context) error {
	return a.m.Release(ctx)
}

// Abort ends the association at once. It may be called more than once.
func (a *Association) Abort() {
	a.m.Abort()
}

// Close releases the association and falls back to Abort when the release
// does not complete within timeout.
func (a *Association) Close(timeout time.Duration) error {
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	var result *multierror.Error
	if err := a.Release(ctx); err != nil {
		result = multierror.Append(result, fmt.Errorf("release: %w", err))
		a.Abort()
	}
	<-a.Done()
	if err := a.Err(); err != nil && (result == nil || !errors.Is(result, err)) {
		result = multierror.Append(result, err)
	}
	return result.ErrorOrNil()
}
