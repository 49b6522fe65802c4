// Package errors provides DICOM upper layer error types for better error handling
package errors

import (
	"errors"
	"fmt"
)

// Common errors
var (
	ErrConnectionClosed    = errors.New("dicom: connection closed")
	ErrAssociationRejected = errors.New("dicom: association rejected")
	ErrInvalidPDU          = errors.New("dicom: invalid PDU")
	ErrProtocolViolation   = errors.New("dicom: protocol violation")
	ErrNoPresentationCtx   = errors.New("dicom: no suitable presentation context")
	ErrInvalidState        = errors.New("dicom: operation not permitted in current state")
	ErrOperationCanceled   = errors.New("dicom: operation canceled")
	ErrInvalidConfig       = errors.New("dicom: invalid configuration")
)

// AssociationRejectResult is the result field of an A-ASSOCIATE-RJ.
type AssociationRejectResult byte

const (
	RejectResultPermanent AssociationRejectResult = 0x01
	RejectResultTransient AssociationRejectResult = 0x02
)

func (r AssociationRejectResult) String() string {
	switch r {
	case RejectResultPermanent:
		return "rejected-permanent"
	case RejectResultTransient:
		return "rejected-transient"
	default:
		return "unknown"
	}
}

// AssociationRejectReason represents why an association was rejected.
// Its meaning depends on the source.
type AssociationRejectReason byte

const (
	RejectReasonUnknown                        AssociationRejectReason = 0x00
	RejectReasonNoReasonGiven                  AssociationRejectReason = 0x01
	RejectReasonApplicationContextNotSupported AssociationRejectReason = 0x02
	RejectReasonCallingAETitleNotRecognized    AssociationRejectReason = 0x03
	RejectReasonCalledAETitleNotRecognized     AssociationRejectReason = 0x07

	// Reasons used with RejectSourceServiceProviderACSE.
	RejectReasonProtocolVersionNotSupported AssociationRejectReason = 0x02

	// Reasons used with RejectSourceServiceProviderPresentation.
	RejectReasonTemporaryCongestion AssociationRejectReason = 0x01
	RejectReasonLocalLimitExceeded  AssociationRejectReason = 0x02
)

// Describe returns the reason text for the given source.
func (r AssociationRejectReason) Describe(source AssociationRejectSource) string {
	switch source {
	case RejectSourceServiceProviderACSE:
		switch r {
		case 0x01:
			return "no-reason-given"
		case 0x02:
			return "protocol-version-not-supported"
		}
	case RejectSourceServiceProviderPresentation:
		switch r {
		case 0x01:
			return "temporary-congestion"
		case 0x02:
			return "local-limit-exceeded"
		}
	}
	return r.String()
}

func (r AssociationRejectReason) String() string {
	switch r {
	case RejectReasonNoReasonGiven:
		return "no-reason-given"
	case RejectReasonApplicationContextNotSupported:
		return "application-context-not-supported"
	case RejectReasonCallingAETitleNotRecognized:
		return "calling-ae-title-not-recognized"
	case RejectReasonCalledAETitleNotRecognized:
		return "called-ae-title-not-recognized"
	default:
		return "unknown"
	}
}

// AssociationRejectSource represents who rejected the association
type AssociationRejectSource byte

const (
	RejectSourceUnknown                     AssociationRejectSource = 0x00
	RejectSourceServiceUser                 AssociationRejectSource = 0x01
	RejectSourceServiceProviderACSE         AssociationRejectSource = 0x02
	RejectSourceServiceProviderPresentation AssociationRejectSource = 0x03

	// RejectSourceServiceProvider is kept as an alias of the ACSE provider source.
	RejectSourceServiceProvider = RejectSourceServiceProviderACSE
)

func (s AssociationRejectSource) String() string {
	switch s {
	case RejectSourceServiceUser:
		return "service-user"
	case RejectSourceServiceProviderACSE:
		return "service-provider-acse"
	case RejectSourceServiceProviderPresentation:
		return "service-provider-presentation"
	default:
		return "unknown"
	}
}

// AssociationError represents a structured association rejection. It is
// returned to the requestor when the acceptor sent A-ASSOCIATE-RJ or when no
// presentation context was accepted.
type AssociationError struct {
	Result AssociationRejectResult
	Reason AssociationRejectReason
	Source AssociationRejectSource
	Msg    string
}

func (e *AssociationError) Error() string {
	return fmt.Sprintf("association rejected: %s (result: %s, source: %s, reason: %s)",
		e.Msg, e.Result, e.Source, e.Reason.Describe(e.Source))
}

// Is reports whether target is ErrAssociationRejected.
func (e *AssociationError) Is(target error) bool {
	return target == ErrAssociationRejected
}

// NewAssociationError creates a new association error
func NewAssociationError(source AssociationRejectSource, reason AssociationRejectReason, msg string) *AssociationError {
	return &AssociationError{
		Result: RejectResultPermanent,
		Source: source,
		Reason: reason,
		Msg:    msg,
	}
}

// TimeoutError represents a timeout error
type TimeoutError struct {
	Operation string
	Duration  string
}

func (e *TimeoutError) Error() string {
	return fmt.Sprintf("timeout: %s exceeded %s", e.Operation, e.Duration)
}

func (e *TimeoutError) Timeout() bool {
	return true
}

// NewTimeoutError creates a new timeout error
func NewTimeoutError(operation, duration string) *TimeoutError {
	return &TimeoutError{
		Operation: operation,
		Duration:  duration,
	}
}

// NetworkError represents a network-level error
type NetworkError struct {
	Op  string
	Err error
}

func (e *NetworkError) Error() string {
	return fmt.Sprintf("network error during %s: %v", e.Op, e.Err)
}

func (e *NetworkError) Unwrap() error {
	return e.Err
}

// NewNetworkError creates a new network error
func NewNetworkError(op string, err error) *NetworkError {
	return &NetworkError{
		Op:  op,
		Err: err,
	}
}

// MalformedPDUError is a structural violation detected by the PDU codec.
type MalformedPDUError struct {
	PDUType byte
	Msg     string
	Err     error
}

func (e *MalformedPDUError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("malformed PDU (type: 0x%02X): %s: %v", e.PDUType, e.Msg, e.Err)
	}
	return fmt.Sprintf("malformed PDU (type: 0x%02X): %s", e.PDUType, e.Msg)
}

func (e *MalformedPDUError) Unwrap() error {
	return e.Err
}

// Is reports whether target is ErrInvalidPDU.
func (e *MalformedPDUError) Is(target error) bool {
	return target == ErrInvalidPDU
}

// NewMalformedPDUError creates a new malformed PDU error
func NewMalformedPDUError(pduType byte, format string, args ...any) *MalformedPDUError {
	return &MalformedPDUError{
		PDUType: pduType,
		Msg:     fmt.Sprintf(format, args...),
	}
}

// ProtocolViolationError is a well-formed PDU or PDV that is not permitted
// where it arrived.
type ProtocolViolationError struct {
	State   string
	PDUType byte
	Msg     string
}

func (e *ProtocolViolationError) Error() string {
	if e.State == "" {
		return fmt.Sprintf("protocol violation: %s", e.Msg)
	}
	return fmt.Sprintf("protocol violation in state %s (PDU type: 0x%02X): %s", e.State, e.PDUType, e.Msg)
}

// Is reports whether target is ErrProtocolViolation.
func (e *ProtocolViolationError) Is(target error) bool {
	return target == ErrProtocolViolation
}

// NewProtocolViolation creates a protocol violation that is not tied to a
// particular state, e.g. one found by the message reassembler.
func NewProtocolViolation(format string, args ...any) *ProtocolViolationError {
	return &ProtocolViolationError{Msg: fmt.Sprintf(format, args...)}
}

// AbortSource identifies who initiated an A-ABORT.
type AbortSource byte

const (
	AbortSourceServiceUser     AbortSource = 0x00
	AbortSourceReserved        AbortSource = 0x01
	AbortSourceServiceProvider AbortSource = 0x02

	// AbortSourceUnknown is never sent on the wire. It marks aborts caused by
	// transport loss.
	AbortSourceUnknown AbortSource = 0xFF
)

func (s AbortSource) String() string {
	switch s {
	case AbortSourceServiceUser:
		return "service-user"
	case AbortSourceServiceProvider:
		return "service-provider"
	default:
		return "unknown"
	}
}

// AbortReason is the provider reason of an A-ABORT.
type AbortReason byte

const (
	AbortReasonNotSpecified             AbortReason = 0x00
	AbortReasonUnrecognizedPDU          AbortReason = 0x01
	AbortReasonUnexpectedPDU            AbortReason = 0x02
	AbortReasonUnrecognizedPDUParameter AbortReason = 0x04
	AbortReasonUnexpectedPDUParameter   AbortReason = 0x05
	AbortReasonInvalidPDUParameterValue AbortReason = 0x06
)

func (r AbortReason) String() string {
	switch r {
	case AbortReasonNotSpecified:
		return "reason-not-specified"
	case AbortReasonUnrecognizedPDU:
		return "unrecognized-pdu"
	case AbortReasonUnexpectedPDU:
		return "unexpected-pdu"
	case AbortReasonUnrecognizedPDUParameter:
		return "unrecognized-pdu-parameter"
	case AbortReasonUnexpectedPDUParameter:
		return "unexpected-pdu-parameter"
	case AbortReasonInvalidPDUParameterValue:
		return "invalid-pdu-parameter-value"
	default:
		return fmt.Sprintf("0x%02X", byte(r))
	}
}

// AbortError represents an aborted association. Local is set when this side
// decided to abort; Err then carries the cause.
type AbortError struct {
	Source AbortSource
	Reason AbortReason
	Local  bool
	Err    error
}

func (e *AbortError) Error() string {
	who := "peer"
	if e.Local {
		who = "local"
	}
	msg := fmt.Sprintf("association aborted (%s, source: %s, reason: %s)", who, e.Source, e.Reason)
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *AbortError) Unwrap() error {
	return e.Err
}

// NewAbortError creates a new abort error for an A-ABORT received from the peer
func NewAbortError(source, reason byte) *AbortError {
	return &AbortError{
		Source: AbortSource(source),
		Reason: AbortReason(reason),
	}
}

// IsTimeout reports whether err is, or wraps, a timeout.
func IsTimeout(err error) bool {
	var t interface{ Timeout() bool }
	return errors.As(err, &t) && t.Timeout()
}
