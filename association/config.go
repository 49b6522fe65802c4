package association

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/big"
	"strings"
	"time"

	"github.com/caio-sobreiro/dicomul/dimse"
	"github.com/caio-sobreiro/dicomul/dul"
	dicomerrors "github.com/caio-sobreiro/dicomul/errors"
	"github.com/caio-sobreiro/dicomul/message"
	"github.com/caio-sobreiro/dicomul/negotiation"
	"github.com/caio-sobreiro/dicomul/pdu"
	"github.com/caio-sobreiro/dicomul/types"
	"github.com/google/uuid"
	"github.com/hashicorp/go-multierror"
)

// ImplementationVersionName is advertised when Config leaves it empty.
const ImplementationVersionName = "DICOMUL_010"

// ImplementationClassUID is advertised when Config leaves it empty. It is a
// 2.25 UID derived from the module path.
var ImplementationClassUID = uuidUID(uuid.NewSHA1(uuid.NameSpaceOID, []byte("github.com/caio-sobreiro/dicomul")))

func uuidUID(u uuid.UUID) string {
	return "2.25." + new(big.Int).SetBytes(u[:]).String()
}

const maxUIDLength = 64

// Defaults applied to zero Config fields.
const (
	DefaultConnectTimeout = 30 * time.Second
	DefaultDIMSETimeout   = 60 * time.Second
)

// Config holds the settings of one association. The same struct configures
// both roles.
type Config struct {
	// AETitle is the local application entity title. An acceptor with an
	// empty AETitle answers to any called title.
	AETitle string

	// PeerAETitle is the remote title. A requestor sends it as the called
	// title; an acceptor with a non-empty PeerAETitle rejects other callers.
	PeerAETitle string

	// Syntaxes are proposed by a requestor, in order, and supported by an
	// acceptor.
	Syntaxes []negotiation.Syntax

	// Roles are the SCU/SCP role selections proposed by a requestor or
	// granted by an acceptor.
	Roles []pdu.RoleSelection

	// MaxPDULength is the largest P-DATA-TF this side accepts and advertises.
	// Zero selects pdu.DefaultMaxPDULength.
	MaxPDULength uint32

	ImplementationClassUID    string
	ImplementationVersionName string

	ConnectTimeout time.Duration
	ACSETimeout    time.Duration
	// DIMSETimeout bounds the wait for the reply to Request. Negative
	// disables it.
	DIMSETimeout time.Duration
	IdleTimeout  time.Duration
	WriteTimeout time.Duration

	MessageQueueSize int
	MaxBufferedBytes int

	// PayloadProbe defaults to dimse.CommandHasDataSet.
	PayloadProbe message.PayloadProbe

	// Names labels UIDs in log output. Nil selects types.DefaultNames.
	Names types.Names

	// Decider, on an acceptor, may reject an association after the
	// presentation contexts were negotiated.
	Decider Decider

	// Events receives association events. It runs on the connection's loop
	// goroutine and must not block.
	Events func(Event)

	Logger *slog.Logger
}

func (c Config) withDefaults() Config {
	if c.MaxPDULength == 0 {
		c.MaxPDULength = pdu.DefaultMaxPDULength
	}
	if c.ImplementationClassUID == "" {
		c.ImplementationClassUID = ImplementationClassUID
	}
	if c.ImplementationVersionName == "" {
		c.ImplementationVersionName = ImplementationVersionName
	}
	if c.ConnectTimeout <= 0 {
		c.ConnectTimeout = DefaultConnectTimeout
	}
	if c.ACSETimeout <= 0 {
		c.ACSETimeout = dul.DefaultACSETimeout
	}
	if c.DIMSETimeout == 0 {
		c.DIMSETimeout = DefaultDIMSETimeout
	}
	if c.PayloadProbe == nil {
		c.PayloadProbe = dimse.CommandHasDataSet
	}
	if c.Names == nil {
		c.Names = types.DefaultNames()
	}
	if c.Logger == nil {
		c.Logger = slog.Default()
	}
	return c
}

// validate checks the fields that go on the wire before any transport is
// opened. A requestor needs both titles; an acceptor may leave them empty.
func (c Config) validate(role dul.Role) error {
	var result *multierror.Error
	titles := []struct{ field, value string }{
		{"AETitle", c.AETitle},
		{"PeerAETitle", c.PeerAETitle},
	}
	for _, title := range titles {
		switch {
		case len(title.value) > pdu.MaxTitleLength:
			result = multierror.Append(result, fmt.Errorf("%s %q longer than %d bytes", title.field, title.value, pdu.MaxTitleLength))
		case role == dul.RoleRequestor && strings.TrimSpace(title.value) == "":
			result = multierror.Append(result, fmt.Errorf("%s is required", title.field))
		}
	}
	if len(c.ImplementationVersionName) > pdu.MaxTitleLength {
		result = multierror.Append(result, fmt.Errorf("ImplementationVersionName %q longer than %d bytes",
			c.ImplementationVersionName, pdu.MaxTitleLength))
	}
	if len(c.ImplementationClassUID) > maxUIDLength {
		result = multierror.Append(result, fmt.Errorf("ImplementationClassUID longer than %d bytes", maxUIDLength))
	}
	if len(c.Syntaxes) == 0 {
		result = multierror.Append(result, errors.New("no syntaxes"))
	}
	if err := result.ErrorOrNil(); err != nil {
		return fmt.Errorf("%w: %w", dicomerrors.ErrInvalidConfig, err)
	}
	return nil
}

func (c Config) machineConfig(observer func(dul.Event), logger *slog.Logger) dul.Config {
	return dul.Config{
		ACSETimeout:         c.ACSETimeout,
		IdleTimeout:         c.IdleTimeout,
		WriteTimeout:        c.WriteTimeout,
		MaxReceivePDULength: c.MaxPDULength,
		MessageQueueSize:    c.MessageQueueSize,
		MaxBufferedBytes:    c.MaxBufferedBytes,
		PayloadProbe:        c.PayloadProbe,
		Observer:            observer,
		Logger:              logger,
	}
}

func (c Config) userInformation() pdu.UserInformation {
	return pdu.UserInformation{
		MaxLength:                 c.MaxPDULength,
		ImplementationClassUID:    c.ImplementationClassUID,
		ImplementationVersionName: c.ImplementationVersionName,
	}
}

// Decision is the answer of a Decider: either Proceed or a Reject.
type Decision struct {
	reject *pdu.AssociateRJ
}

// Proceed lets the association proceed.
func Proceed() Decision {
	return Decision{}
}

// Reject answers the request with A-ASSOCIATE-RJ.
func Reject(result dicomerrors.AssociationRejectResult, source dicomerrors.AssociationRejectSource, reason dicomerrors.AssociationRejectReason) Decision {
	return Decision{reject: &pdu.AssociateRJ{Result: result, Source: source, Reason: reason}}
}

// Rejected reports whether d rejects the association.
func (d Decision) Rejected() bool {
	return d.reject != nil
}

// Decider inspects an incoming request and the negotiated outcomes.
type Decider func(ctx context.Context, rq *pdu.AssociateRQ, outcomes []negotiation.Outcome) Decision
