// Package services provides reusable DICOM service implementations.
//
// The services here depend only on the dimse package and carry no backend.
// They exercise the upper layer end to end: the echo service answers
// verification requests and Echo sends one.
package services

import (
	"context"
	"fmt"
	"io"
	"log/slog"

	"github.com/caio-sobreiro/dicomul/dimse"
	"github.com/caio-sobreiro/dicomul/message"
	"github.com/caio-sobreiro/dicomul/types"
)

// EchoService handles C-ECHO verification requests.
//
// C-ECHO is used to verify connectivity between two application entities.
// It carries no data set and always succeeds while the service is running.
type EchoService struct {
	logger *slog.Logger
}

// NewEchoService creates a new C-ECHO service instance.
func NewEchoService(logger *slog.Logger) *EchoService {
	if logger == nil {
		logger = slog.Default()
	}
	return &EchoService{logger: logger}
}

// HandleDIMSE answers a C-ECHO-RQ with success.
func (s *EchoService) HandleDIMSE(ctx context.Context, req *dimse.Request, _ dimse.ResponseSender) dimse.Result {
	if req.Command.CommandField != dimse.CEchoRQ {
		return dimse.Failed(dimse.FailureUnrecognizedOperation, dimse.CommandName(req.Command.CommandField))
	}
	if sop := req.Command.AffectedSOPClassUID; sop != "" && sop != types.VerificationSOPClass {
		return dimse.Failed(dimse.FailureNoSuchSOPClass, sop)
	}

	s.logger.InfoContext(ctx, "C-ECHO request successful",
		"message_id", req.Command.MessageID,
		"context_id", req.ContextID)
	return dimse.Success(nil)
}

// Requester is the requestor side of an established association.
type Requester interface {
	ContextID(abstractSyntax, transferSyntax string) (byte, error)
	Request(ctx context.Context, contextID byte, command []byte, payload io.Reader) (message.Message, error)
}

// Echo performs a C-ECHO and returns the response status.
func Echo(ctx context.Context, r Requester, messageID uint16) (uint16, error) {
	if messageID == 0 {
		messageID = 1
	}
	contextID, err := r.ContextID(types.VerificationSOPClass, "")
	if err != nil {
		return 0, err
	}

	command := dimse.Encode(&dimse.Command{
		CommandField:        dimse.CEchoRQ,
		MessageID:           messageID,
		AffectedSOPClassUID: types.VerificationSOPClass,
		CommandDataSetType:  dimse.NoDataSet,
	})
	reply, err := r.Request(ctx, contextID, command, nil)
	if err != nil {
		return 0, fmt.Errorf("C-ECHO: %w", err)
	}

	rsp, err := dimse.Decode(reply.Command)
	if err != nil {
		return 0, fmt.Errorf("C-ECHO: %w", err)
	}
	if rsp.CommandField != dimse.CEchoRSP {
		return 0, fmt.Errorf("unexpected command: %s (expected C-ECHO-RSP)", dimse.CommandName(rsp.CommandField))
	}
	if rsp.MessageIDBeingRespondedTo != messageID {
		return 0, fmt.Errorf("C-ECHO-RSP answers message %d, sent %d", rsp.MessageIDBeingRespondedTo, messageID)
	}
	return rsp.Status, nil
}
