package dul

import (
	"errors"

	dicomerrors "github.com/caio-sobreiro/dicomul/errors"
	"github.com/caio-sobreiro/dicomul/pdu"
)

type handler func(l *loop, p pdu.PDU)

// transitions lists, per role and state, the PDUs a peer may send. A-ABORT
// is accepted everywhere and handled before the lookup; anything missing
// here is a protocol violation.
var transitions = map[Role]map[State]map[pdu.Type]handler{
	RoleRequestor: {
		StateAwaitingAssociateResponse: {
			pdu.TypeAssociateAC: (*loop).onAssociateAC,
			pdu.TypeAssociateRJ: (*loop).onAssociateRJ,
		},
		StateEstablished: {
			pdu.TypePDataTF:   (*loop).onData,
			pdu.TypeReleaseRQ: (*loop).onReleaseRQ,
		},
		StateAwaitingReleaseResponse: {
			pdu.TypePDataTF:   (*loop).onData,
			pdu.TypeReleaseRP: (*loop).onReleaseRP,
			pdu.TypeReleaseRQ: (*loop).onReleaseCollision,
		},
		StateAwaitingReleaseRequest: {
			pdu.TypeReleaseRP: (*loop).onCollisionRP,
		},
	},
	RoleAcceptor: {
		StateAwaitingAssociateRequest: {
			pdu.TypeAssociateRQ: (*loop).onAssociateRQ,
		},
		StateEstablished: {
			pdu.TypePDataTF:   (*loop).onData,
			pdu.TypeReleaseRQ: (*loop).onReleaseRQ,
		},
		StateAwaitingReleaseResponse: {
			pdu.TypePDataTF:   (*loop).onData,
			pdu.TypeReleaseRP: (*loop).onReleaseRP,
			pdu.TypeReleaseRQ: (*loop).onReleaseCollision,
		},
		StateAwaitingReleaseRequest: {
			pdu.TypeReleaseRP: (*loop).onCollisionRP,
		},
	},
}

func (l *loop) onAssociateRQ(p pdu.PDU) {
	rq := p.(*pdu.AssociateRQ)
	l.m.peerMax.Store(rq.UserInformation.MaxLength)
	l.m.associateRQ <- rq
	l.setState(StateAwaitingAssociateAck)
}

func (l *loop) onAssociateAC(p pdu.PDU) {
	ac := p.(*pdu.AssociateAC)
	req := l.pendingAssociate
	l.pendingAssociate = nil

	accepted, err := resolveAccepted(req.resolve, ac)
	if err != nil {
		var rejected *dicomerrors.AssociationError
		if errors.As(err, &rejected) {
			l.m.logger.Warn("No presentation context accepted, aborting", "error", err)
			l.sendAbort(dicomerrors.AbortSourceServiceUser, dicomerrors.AbortReasonNotSpecified)
			l.close(err)
		} else {
			l.protocolAbort(dicomerrors.AbortReasonInvalidPDUParameterValue, err)
			err = l.err
		}
		req.respond(nil, err)
		return
	}

	l.m.peerMax.Store(ac.UserInformation.MaxLength)
	l.startData(accepted)
	l.setState(StateEstablished)
	l.m.logger.Info("Association established",
		"called_ae", ac.CalledAETitle,
		"accepted_contexts", len(accepted),
		"peer_max_pdu", ac.UserInformation.MaxLength)
	req.respond(ac, nil)
}

func resolveAccepted(resolve ResolveFunc, ac *pdu.AssociateAC) ([]byte, error) {
	if resolve != nil {
		return resolve(ac)
	}
	var ids []byte
	for _, pc := range ac.PresentationContexts {
		if pc.Result == pdu.ResultAcceptance {
			ids = append(ids, pc.ID)
		}
	}
	return ids, nil
}

func (l *loop) onAssociateRJ(p pdu.PDU) {
	rj := p.(*pdu.AssociateRJ)
	err := &dicomerrors.AssociationError{
		Result: rj.Result,
		Source: rj.Source,
		Reason: rj.Reason,
		Msg:    "rejected by peer",
	}
	l.m.logger.Info("Association rejected", "result", rj.Result.String(), "source", rj.Source.String(),
		"reason", rj.Reason.Describe(rj.Source))
	req := l.pendingAssociate
	l.pendingAssociate = nil
	l.close(err)
	req.respond(rj, err)
}

func (l *loop) onData(p pdu.PDU) {
	tf := p.(*pdu.DataTF)
	for _, pdv := range tf.Items {
		msgs, err := l.asm.Add(pdv)
		if err != nil {
			l.protocolAbort(dicomerrors.AbortReasonUnexpectedPDUParameter, err)
			return
		}
		for _, msg := range msgs {
			l.deliver(msg)
		}
	}
}

func (l *loop) onReleaseRQ(pdu.PDU) {
	l.flush()
	if err := l.write(&pdu.ReleaseRP{}); err != nil {
		return
	}
	l.released = true
	l.m.logger.Info("Association released by peer")
	l.close(nil)
}

func (l *loop) onReleaseRP(pdu.PDU) {
	l.released = true
	l.m.logger.Info("Association released")
	l.close(nil)
}

// onReleaseCollision handles a release request crossing ours. The
// acceptor's request is answered first: the requestor replies at once and
// the acceptor replies after the requestor's response arrives.
func (l *loop) onReleaseCollision(pdu.PDU) {
	l.m.logger.Debug("Release collision")
	l.flush()
	if l.m.role == RoleRequestor {
		if err := l.write(&pdu.ReleaseRP{}); err != nil {
			return
		}
	}
	l.setState(StateAwaitingReleaseRequest)
}

func (l *loop) onCollisionRP(pdu.PDU) {
	if l.m.role == RoleAcceptor {
		if err := l.write(&pdu.ReleaseRP{}); err != nil {
			return
		}
	}
	l.released = true
	l.m.logger.Info("Association released after collision")
	l.close(nil)
}
