package dimse

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"

	dicomerrors "github.com/caio-sobreiro/dicomul/errors"
	"github.com/caio-sobreiro/dicomul/message"
)

// Conn is the message surface of an established association.
type Conn interface {
	Receive(ctx context.Context) (message.Message, error)
	Send(ctx context.Context, contextID byte, command []byte, payload io.Reader) error
}

// FailureStatus is a DIMSE failure status code.
type FailureStatus uint16

const (
	FailureProcessing            FailureStatus = 0x0110
	FailureNoSuchSOPClass        FailureStatus = 0x0118
	FailureSOPClassNotSupported  FailureStatus = 0x0122
	FailureUnrecognizedOperation FailureStatus = 0x0211
	FailureOutOfResources        FailureStatus = 0xA700
	FailureCannotUnderstand      FailureStatus = 0xC000
)

// Result is the outcome of one request. It is either a success carrying an
// optional payload or a structured failure, built with Success or Failed.
type Result struct {
	payload []byte
	failure *Failure
}

// Failure describes a failed request.
type Failure struct {
	Status  FailureStatus
	Comment string
}

func (f *Failure) Error() string {
	if f.Comment == "" {
		return fmt.Sprintf("dimse failure 0x%04x", uint16(f.Status))
	}
	return fmt.Sprintf("dimse failure 0x%04x: %s", uint16(f.Status), f.Comment)
}

// Success returns a successful result. payload, when non-nil, is sent as the
// data set of the final response.
func Success(payload []byte) Result {
	return Result{payload: payload}
}

// Failed returns a failed result.
func Failed(status FailureStatus, comment string) Result {
	return Result{failure: &Failure{Status: status, Comment: comment}}
}

// Failure returns the failure of r, or nil on success.
func (r Result) Failure() *Failure {
	return r.failure
}

// Status returns the wire status code of r.
func (r Result) Status() uint16 {
	if r.failure != nil {
		return uint16(r.failure.Status)
	}
	return StatusSuccess
}

// Request is one received DIMSE request.
type Request struct {
	ContextID byte
	Command   *Command
	Payload   []byte
}

// ResponseSender sends intermediate responses of a multi-response operation.
type ResponseSender interface {
	SendPending(ctx context.Context, payload []byte) error
}

// Handler handles DIMSE requests.
type Handler interface {
	HandleDIMSE(ctx context.Context, req *Request, rs ResponseSender) Result
}

// HandlerFunc adapts a function to Handler.
type HandlerFunc func(ctx context.Context, req *Request, rs ResponseSender) Result

func (f HandlerFunc) HandleDIMSE(ctx context.Context, req *Request, rs ResponseSender) Result {
	return f(ctx, req, rs)
}

// Service reads requests from an association and answers them through a
// Handler until the association ends.
type Service struct {
	handler Handler
	logger  *slog.Logger
}

// NewService creates a new DIMSE service with a handler
func NewService(handler Handler, logger *slog.Logger) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{
		handler: handler,
		logger:  logger,
	}
}

// Serve handles requests until conn is closed. It returns nil when the
// association was released.
func (s *Service) Serve(ctx context.Context, conn Conn) error {
	for {
		msg, err := conn.Receive(ctx)
		if err != nil {
			if errors.Is(err, dicomerrors.ErrConnectionClosed) {
				return nil
			}
			return err
		}
		if err := s.handle(ctx, conn, msg); err != nil {
			return err
		}
	}
}

func (s *Service) handle(ctx context.Context, conn Conn, msg message.Message) error {
	cmd, err := Decode(msg.Command)
	if err != nil {
		return fmt.Errorf("decode command on context %d: %w", msg.ContextID, err)
	}

	s.logger.DebugContext(ctx, "Processing DIMSE message",
		"context_id", msg.ContextID,
		"command", CommandName(cmd.CommandField),
		"message_id", cmd.MessageID,
		"dataset_size", len(msg.Payload))

	if cmd.IsResponse() {
		s.logger.WarnContext(ctx, "Ignoring unsolicited DIMSE response", "command", cmd.String())
		return nil
	}
	if cmd.CommandField == CCancelRQ {
		s.logger.DebugContext(ctx, "Ignoring C-CANCEL-RQ", "message_id", cmd.MessageIDBeingRespondedTo)
		return nil
	}

	req := &Request{ContextID: msg.ContextID, Command: cmd, Payload: msg.Payload}
	rs := &pendingSender{conn: conn, req: req}
	result := s.handler.HandleDIMSE(ctx, req, rs)

	if f := result.Failure(); f != nil {
		s.logger.WarnContext(ctx, "DIMSE request failed", "command", cmd.String(), "status", fmt.Sprintf("0x%04x", uint16(f.Status)), "comment", f.Comment)
	}
	rsp := responseTo(cmd, result.Status(), result.payload != nil)
	if f := result.Failure(); f != nil {
		rsp.ErrorComment = truncateComment(f.Comment)
	}
	return send(ctx, conn, req.ContextID, rsp, result.payload)
}

// responseTo builds the response command set for req.
func responseTo(req *Command, status uint16, hasDataSet bool) *Command {
	rsp := &Command{
		CommandField:              ResponseFor(req.CommandField),
		MessageIDBeingRespondedTo: req.MessageID,
		AffectedSOPClassUID:       req.AffectedSOPClassUID,
		AffectedSOPInstanceUID:    req.AffectedSOPInstanceUID,
		CommandDataSetType:        NoDataSet,
		Status:                    status,
	}
	if hasDataSet {
		rsp.CommandDataSetType = 0x0000
	}
	return rsp
}

// Error comments are limited to one LO value.
func truncateComment(s string) string {
	if len(s) > 64 {
		return s[:64]
	}
	return s
}

func send(ctx context.Context, conn Conn, contextID byte, cmd *Command, payload []byte) error {
	var r io.Reader
	if payload != nil {
		r = bytes.NewReader(payload)
	}
	return conn.Send(ctx, contextID, Encode(cmd), r)
}

type pendingSender struct {
	conn Conn
	req  *Request
}

func (p *pendingSender) SendPending(ctx context.Context, payload []byte) error {
	rsp := responseTo(p.req.Command, StatusPending, payload != nil)
	return send(ctx, p.conn, p.req.ContextID, rsp, payload)
}
