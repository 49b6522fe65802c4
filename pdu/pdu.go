// Package pdu encodes and decodes the protocol data units of the DICOM upper
// layer (PS3.8 section 9.3). It works on in-memory buffers; Read and Write
// frame whole PDUs on a stream.
package pdu

import (
	"fmt"
	"strings"

	dicomerrors "github.com/caio-sobreiro/dicomul/errors"
)

// Type is the leading byte of every PDU.
type Type byte

// PDU types
const (
	TypeAssociateRQ Type = 0x01
	TypeAssociateAC Type = 0x02
	TypeAssociateRJ Type = 0x03
	TypePDataTF     Type = 0x04
	TypeReleaseRQ   Type = 0x05
	TypeReleaseRP   Type = 0x06
	TypeAbort       Type = 0x07
)

func (t Type) String() string {
	switch t {
	case TypeAssociateRQ:
		return "A-ASSOCIATE-RQ"
	case TypeAssociateAC:
		return "A-ASSOCIATE-AC"
	case TypeAssociateRJ:
		return "A-ASSOCIATE-RJ"
	case TypePDataTF:
		return "P-DATA-TF"
	case TypeReleaseRQ:
		return "A-RELEASE-RQ"
	case TypeReleaseRP:
		return "A-RELEASE-RP"
	case TypeAbort:
		return "A-ABORT"
	default:
		return fmt.Sprintf("0x%02X", byte(t))
	}
}

const (
	// HeaderLength is the size of the type, reserved and length fields.
	HeaderLength = 6

	// PDVHeaderLength is the size of a PDV item's length, context ID and
	// message control header.
	PDVHeaderLength = 6

	// ProtocolVersion is the only version defined by PS3.8.
	ProtocolVersion uint16 = 0x0001

	// MaxTitleLength bounds AE titles.
	MaxTitleLength = 16

	// DefaultMaxPDULength is advertised when a caller configures none.
	DefaultMaxPDULength uint32 = 16384
)

// PDU is one of *AssociateRQ, *AssociateAC, *AssociateRJ, *DataTF,
// *ReleaseRQ, *ReleaseRP or *Abort.
type PDU interface {
	Type() Type
	String() string
	sealed()
}

// Result is the per-context outcome carried in an A-ASSOCIATE-AC.
type Result byte

// Presentation context results (PS3.8 table 9-18)
const (
	ResultAcceptance                   Result = 0x00
	ResultUserRejection                Result = 0x01
	ResultNoReason                     Result = 0x02
	ResultAbstractSyntaxNotSupported   Result = 0x03
	ResultTransferSyntaxesNotSupported Result = 0x04
)

func (r Result) String() string {
	switch r {
	case ResultAcceptance:
		return "acceptance"
	case ResultUserRejection:
		return "user-rejection"
	case ResultNoReason:
		return "no-reason"
	case ResultAbstractSyntaxNotSupported:
		return "abstract-syntax-not-supported"
	case ResultTransferSyntaxesNotSupported:
		return "transfer-syntaxes-not-supported"
	default:
		return fmt.Sprintf("0x%02X", byte(r))
	}
}

// PresentationContext is a presentation context item. In a request it
// carries AbstractSyntax and the proposed TransferSyntaxes; in an accept it
// carries Result and, when accepted, exactly one transfer syntax.
type PresentationContext struct {
	ID               byte
	Result           Result
	AbstractSyntax   string
	TransferSyntaxes []string
}

// RoleSelection is the SCP/SCU role selection sub-item.
type RoleSelection struct {
	SOPClassUID string
	SCU         bool
	SCP         bool
}

// AsyncOperationsWindow is the asynchronous operations window sub-item.
type AsyncOperationsWindow struct {
	MaxInvoked   uint16
	MaxPerformed uint16
}

// ExtendedNegotiation is the SOP class extended negotiation sub-item.
type ExtendedNegotiation struct {
	SOPClassUID string
	Info        []byte
}

// UserInformation is the user information item. MaxLength of zero means the
// sender imposes no limit.
type UserInformation struct {
	MaxLength                 uint32
	ImplementationClassUID    string
	ImplementationVersionName string
	AsyncOperationsWindow     *AsyncOperationsWindow
	RoleSelections            []RoleSelection
	ExtendedNegotiations      []ExtendedNegotiation
}

// AssociateRQ is an A-ASSOCIATE-RQ.
type AssociateRQ struct {
	ProtocolVersion      uint16
	CalledAETitle        string
	CallingAETitle       string
	ApplicationContext   string
	PresentationContexts []PresentationContext
	UserInformation      UserInformation
}

// AssociateAC is an A-ASSOCIATE-AC. The title fields echo the request.
type AssociateAC struct {
	ProtocolVersion      uint16
	CalledAETitle        string
	CallingAETitle       string
	ApplicationContext   string
	PresentationContexts []PresentationContext
	UserInformation      UserInformation
}

// AssociateRJ is an A-ASSOCIATE-RJ.
type AssociateRJ struct {
	Result dicomerrors.AssociationRejectResult
	Source dicomerrors.AssociationRejectSource
	Reason dicomerrors.AssociationRejectReason
}

// PDV is one presentation data value item.
type PDV struct {
	ContextID byte
	Command   bool
	Last      bool
	Data      []byte
}

// DataTF is a P-DATA-TF carrying one or more PDVs.
type DataTF struct {
	Items []PDV
}

// ReleaseRQ is an A-RELEASE-RQ.
type ReleaseRQ struct{}

// ReleaseRP is an A-RELEASE-RP.
type ReleaseRP struct{}

// Abort is an A-ABORT.
type Abort struct {
	Source dicomerrors.AbortSource
	Reason dicomerrors.AbortReason
}

func (*AssociateRQ) Type() Type { return TypeAssociateRQ }
func (*AssociateAC) Type() Type { return TypeAssociateAC }
func (*AssociateRJ) Type() Type { return TypeAssociateRJ }
func (*DataTF) Type() Type      { return TypePDataTF }
func (*ReleaseRQ) Type() Type   { return TypeReleaseRQ }
func (*ReleaseRP) Type() Type   { return TypeReleaseRP }
func (*Abort) Type() Type       { return TypeAbort }

func (*AssociateRQ) sealed() {}
func (*AssociateAC) sealed() {}
func (*AssociateRJ) sealed() {}
func (*DataTF) sealed()      {}
func (*ReleaseRQ) sealed()   {}
func (*ReleaseRP) sealed()   {}
func (*Abort) sealed()       {}

func (p *AssociateRQ) String() string {
	return fmt.Sprintf("A-ASSOCIATE-RQ{called: %q, calling: %q, contexts: %s, max_length: %d}",
		p.CalledAETitle, p.CallingAETitle, contextsString(p.PresentationContexts, false), p.UserInformation.MaxLength)
}

func (p *AssociateAC) String() string {
	return fmt.Sprintf("A-ASSOCIATE-AC{called: %q, calling: %q, contexts: %s, max_length: %d}",
		p.CalledAETitle, p.CallingAETitle, contextsString(p.PresentationContexts, true), p.UserInformation.MaxLength)
}

func (p *AssociateRJ) String() string {
	return fmt.Sprintf("A-ASSOCIATE-RJ{result: %s, source: %s, reason: %s}",
		p.Result, p.Source, p.Reason.Describe(p.Source))
}

func (p *DataTF) String() string {
	var b strings.Builder
	b.WriteString("P-DATA-TF{")
	for i, pdv := range p.Items {
		if i > 0 {
			b.WriteString(", ")
		}
		kind := "data"
		if pdv.Command {
			kind = "command"
		}
		fmt.Fprintf(&b, "[ctx %d %s %d bytes", pdv.ContextID, kind, len(pdv.Data))
		if pdv.Last {
			b.WriteString(" last")
		}
		b.WriteString("]")
	}
	b.WriteString("}")
	return b.String()
}

func (*ReleaseRQ) String() string { return "A-RELEASE-RQ" }
func (*ReleaseRP) String() string { return "A-RELEASE-RP" }

func (p *Abort) String() string {
	return fmt.Sprintf("A-ABORT{source: %s, reason: %s}", p.Source, p.Reason)
}

func contextsString(pcs []PresentationContext, ac bool) string {
	parts := make([]string, 0, len(pcs))
	for _, pc := range pcs {
		if ac {
			parts = append(parts, fmt.Sprintf("%d:%s:%s", pc.ID, pc.Result, strings.Join(pc.TransferSyntaxes, "|")))
		} else {
			parts = append(parts, fmt.Sprintf("%d:%s:%s", pc.ID, pc.AbstractSyntax, strings.Join(pc.TransferSyntaxes, "|")))
		}
	}
	return "[" + strings.Join(parts, " ") + "]"
}
