package errors

import (
	"errors"
	"fmt"
	"io"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestAssociationError(t *testing.T) {
	err := NewAssociationError(
		RejectSourceServiceUser,
		RejectReasonCalledAETitleNotRecognized,
		"AE title mismatch",
	)

	assert.Equal(t, RejectSourceServiceUser, err.Source)
	assert.Equal(t, RejectReasonCalledAETitleNotRecognized, err.Reason)
	assert.Equal(t, RejectResultPermanent, err.Result)
	assert.Contains(t, err.Error(), "called-ae-title-not-recognized")
	assert.True(t, errors.Is(err, ErrAssociationRejected))

	wrapped := fmt.Errorf("open: %w", err)
	var assocErr *AssociationError
	require.True(t, errors.As(wrapped, &assocErr))
	assert.Equal(t, "AE title mismatch", assocErr.Msg)
}

func TestAssociationRejectReasonDescribe(t *testing.T) {
	tests := []struct {
		reason   AssociationRejectReason
		source   AssociationRejectSource
		expected string
	}{
		{RejectReasonLocalLimitExceeded, RejectSourceServiceProviderPresentation, "local-limit-exceeded"},
		{RejectReasonTemporaryCongestion, RejectSourceServiceProviderPresentation, "temporary-congestion"},
		{RejectReasonProtocolVersionNotSupported, RejectSourceServiceProviderACSE, "protocol-version-not-supported"},
		{RejectReasonCallingAETitleNotRecognized, RejectSourceServiceUser, "calling-ae-title-not-recognized"},
	}

	for _, tt := range tests {
		t.Run(tt.expected, func(t *testing.T) {
			assert.Equal(t, tt.expected, tt.reason.Describe(tt.source))
		})
	}
}

func TestTimeoutError(t *testing.T) {
	err := NewTimeoutError("A-ASSOCIATE", "30s")

	assert.Equal(t, "A-ASSOCIATE", err.Operation)
	assert.True(t, err.Timeout())
	assert.NotEmpty(t, err.Error())
	assert.True(t, IsTimeout(fmt.Errorf("wrapped: %w", err)))
	assert.False(t, IsTimeout(io.EOF))
}

func TestNetworkError(t *testing.T) {
	innerErr := errors.New("connection refused")
	err := NewNetworkError("dial", innerErr)

	assert.Equal(t, "dial", err.Op)
	assert.True(t, errors.Is(err, innerErr))
}

func TestMalformedPDUError(t *testing.T) {
	err := NewMalformedPDUError(0x04, "PDV length %d too short", 1)

	assert.Equal(t, byte(0x04), err.PDUType)
	assert.Contains(t, err.Error(), "PDV length 1 too short")
	assert.True(t, errors.Is(err, ErrInvalidPDU))

	err.Err = io.ErrUnexpectedEOF
	assert.True(t, errors.Is(err, io.ErrUnexpectedEOF))
}

func TestProtocolViolationError(t *testing.T) {
	err := &ProtocolViolationError{State: "ESTABLISHED", PDUType: 0x01, Msg: "unexpected A-ASSOCIATE-RQ"}

	assert.Contains(t, err.Error(), "ESTABLISHED")
	assert.True(t, errors.Is(err, ErrProtocolViolation))

	free := NewProtocolViolation("PDV for context %d", 9)
	assert.Equal(t, "protocol violation: PDV for context 9", free.Error())
}

func TestAbortError(t *testing.T) {
	tests := []struct {
		name       string
		err        *AbortError
		wantSource string
		wantLocal  bool
	}{
		{"peer user abort", NewAbortError(0x00, 0x00), "service-user", false},
		{"peer provider abort", NewAbortError(0x02, 0x02), "service-provider", false},
		{"transport loss", &AbortError{Source: AbortSourceUnknown, Local: true, Err: io.EOF}, "unknown", true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.wantSource, tt.err.Source.String())
			assert.Equal(t, tt.wantLocal, tt.err.Local)
			assert.Contains(t, tt.err.Error(), tt.wantSource)
		})
	}

	cause := NewMalformedPDUError(0x09, "unknown PDU type")
	abort := &AbortError{Source: AbortSourceServiceProvider, Reason: AbortReasonUnrecognizedPDU, Local: true, Err: cause}
	var malformed *MalformedPDUError
	require.True(t, errors.As(abort, &malformed))
	assert.Equal(t, byte(0x09), malformed.PDUType)
}

func TestAssociationRejectReasonString(t *testing.T) {
	tests := []struct {
		reason   AssociationRejectReason
		expected string
	}{
		{RejectReasonNoReasonGiven, "no-reason-given"},
		{RejectReasonApplicationContextNotSupported, "application-context-not-supported"},
		{RejectReasonCallingAETitleNotRecognized, "calling-ae-title-not-recognized"},
		{RejectReasonCalledAETitleNotRecognized, "called-ae-title-not-recognized"},
		{AssociationRejectReason(0xFF), "unknown"},
	}

	for _, tt := range tests {
		t.Run(tt.expected, func(t *testing.T) {
			assert.Equal(t, tt.expected, tt.reason.String())
		})
	}
}

func TestAssociationRejectSourceString(t *testing.T) {
	tests := []struct {
		source   AssociationRejectSource
		expected string
	}{
		{RejectSourceServiceUser, "service-user"},
		{RejectSourceServiceProvider, "service-provider-acse"},
		{RejectSourceServiceProviderPresentation, "service-provider-presentation"},
		{AssociationRejectSource(0xFF), "unknown"},
	}

	for _, tt := range tests {
		t.Run(tt.expected, func(t *testing.T) {
			assert.Equal(t, tt.expected, tt.source.String())
		})
	}
}
