// Package negotiation decides presentation contexts. Negotiate is pure; the
// Negotiator wraps it with logging and role selection for an acceptor.
package negotiation

import (
	"fmt"
	"log/slog"

	dicomerrors "github.com/caio-sobreiro/dicomul/errors"
	"github.com/caio-sobreiro/dicomul/pdu"
	"github.com/caio-sobreiro/dicomul/types"
)

// MaxContexts is the number of odd IDs available in one association.
const MaxContexts = 127

// Syntax is an abstract syntax with the transfer syntaxes one side is
// willing to use for it, in preference order.
type Syntax struct {
	AbstractSyntax   string
	TransferSyntaxes []string
}

// Context is a proposed presentation context.
type Context struct {
	ID               byte
	AbstractSyntax   string
	TransferSyntaxes []string
}

// Outcome is the terminal state of one presentation context.
type Outcome struct {
	ID             byte
	AbstractSyntax string
	Result         pdu.Result
	TransferSyntax string
}

// Accepted reports whether the context may carry messages.
func (o Outcome) Accepted() bool {
	return o.Result == pdu.ResultAcceptance && o.TransferSyntax != ""
}

// Negotiate decides every proposed context in order. For an abstract syntax
// listed in supported, the first transfer syntax in the proposer's list that
// is also supported wins.
func Negotiate(proposed []Context, supported []Syntax) []Outcome {
	outcomes := make([]Outcome, 0, len(proposed))
	for _, pc := range proposed {
		out := Outcome{ID: pc.ID, AbstractSyntax: pc.AbstractSyntax}

		entry, ok := lookup(supported, pc.AbstractSyntax)
		if !ok {
			out.Result = pdu.ResultAbstractSyntaxNotSupported
			outcomes = append(outcomes, out)
			continue
		}

		out.Result = pdu.ResultTransferSyntaxesNotSupported
		for _, ts := range pc.TransferSyntaxes {
			if contains(entry.TransferSyntaxes, ts) {
				out.Result = pdu.ResultAcceptance
				out.TransferSyntax = ts
				break
			}
		}
		outcomes = append(outcomes, out)
	}
	return outcomes
}

func lookup(supported []Syntax, abstract string) (Syntax, bool) {
	for _, s := range supported {
		if s.AbstractSyntax == abstract {
			return s, true
		}
	}
	return Syntax{}, false
}

func contains(list []string, v string) bool {
	for _, s := range list {
		if s == v {
			return true
		}
	}
	return false
}

// Cross pairs every abstract syntax with the same transfer syntax list.
func Cross(abstractSyntaxes, transferSyntaxes []string) []Syntax {
	out := make([]Syntax, 0, len(abstractSyntaxes))
	for _, as := range abstractSyntaxes {
		ts := make([]string, len(transferSyntaxes))
		copy(ts, transferSyntaxes)
		out = append(out, Syntax{AbstractSyntax: as, TransferSyntaxes: ts})
	}
	return out
}

// Propose assigns context IDs 1, 3, 5, ... to syntaxes.
func Propose(syntaxes []Syntax) ([]Context, error) {
	if len(syntaxes) == 0 {
		return nil, fmt.Errorf("negotiation: no abstract syntax to propose")
	}
	if len(syntaxes) > MaxContexts {
		return nil, fmt.Errorf("negotiation: %d abstract syntaxes exceed the limit of %d contexts", len(syntaxes), MaxContexts)
	}
	contexts := make([]Context, 0, len(syntaxes))
	for i, s := range syntaxes {
		if s.AbstractSyntax == "" {
			return nil, fmt.Errorf("negotiation: syntax %d has no abstract syntax", i)
		}
		if len(s.TransferSyntaxes) == 0 {
			return nil, fmt.Errorf("negotiation: abstract syntax %s has no transfer syntax", s.AbstractSyntax)
		}
		contexts = append(contexts, Context{
			ID:               byte(2*i + 1),
			AbstractSyntax:   s.AbstractSyntax,
			TransferSyntaxes: s.TransferSyntaxes,
		})
	}
	return contexts, nil
}

// RequestItems converts proposed contexts to A-ASSOCIATE-RQ items.
func RequestItems(contexts []Context) []pdu.PresentationContext {
	items := make([]pdu.PresentationContext, 0, len(contexts))
	for _, c := range contexts {
		items = append(items, pdu.PresentationContext{
			ID:               c.ID,
			AbstractSyntax:   c.AbstractSyntax,
			TransferSyntaxes: c.TransferSyntaxes,
		})
	}
	return items
}

// FromRequest converts A-ASSOCIATE-RQ items to proposed contexts.
func FromRequest(items []pdu.PresentationContext) []Context {
	contexts := make([]Context, 0, len(items))
	for _, it := range items {
		contexts = append(contexts, Context{
			ID:               it.ID,
			AbstractSyntax:   it.AbstractSyntax,
			TransferSyntaxes: it.TransferSyntaxes,
		})
	}
	return contexts
}

// AcceptItems converts outcomes to A-ASSOCIATE-AC items.
func AcceptItems(outcomes []Outcome) []pdu.PresentationContext {
	items := make([]pdu.PresentationContext, 0, len(outcomes))
	for _, o := range outcomes {
		item := pdu.PresentationContext{ID: o.ID, Result: o.Result}
		if o.Accepted() {
			item.TransferSyntaxes = []string{o.TransferSyntax}
		}
		items = append(items, item)
	}
	return items
}

// Resolve maps the items of an A-ASSOCIATE-AC back onto what was proposed.
// Outcomes follow the proposal order; a context the acceptor did not answer
// is reported as rejected without reason.
func Resolve(proposed []Context, ac []pdu.PresentationContext) ([]Outcome, error) {
	answers := make(map[byte]pdu.PresentationContext, len(ac))
	for _, it := range ac {
		answers[it.ID] = it
	}

	outcomes := make([]Outcome, 0, len(proposed))
	known := make(map[byte]bool, len(proposed))
	for _, pc := range proposed {
		known[pc.ID] = true
		out := Outcome{ID: pc.ID, AbstractSyntax: pc.AbstractSyntax, Result: pdu.ResultNoReason}
		if it, ok := answers[pc.ID]; ok {
			out.Result = it.Result
			if it.Result == pdu.ResultAcceptance {
				var ts string
				if len(it.TransferSyntaxes) == 1 {
					ts = it.TransferSyntaxes[0]
				}
				if !contains(pc.TransferSyntaxes, ts) {
					return nil, &dicomerrors.ProtocolViolationError{
						PDUType: byte(pdu.TypeAssociateAC),
						Msg:     fmt.Sprintf("context %d accepted with transfer syntax %s that was not proposed", pc.ID, ts),
					}
				}
				out.TransferSyntax = ts
			}
		}
		outcomes = append(outcomes, out)
	}

	for _, it := range ac {
		if !known[it.ID] {
			return nil, &dicomerrors.ProtocolViolationError{
				PDUType: byte(pdu.TypeAssociateAC),
				Msg:     fmt.Sprintf("answer for presentation context %d that was not proposed", it.ID),
			}
		}
	}
	return outcomes, nil
}

// NegotiateRoles answers role selection proposals. Each role is granted only
// when both the proposer asks for it and allowed grants it; SOP classes
// missing from allowed are not answered, which leaves the default roles.
func NegotiateRoles(proposed, allowed []pdu.RoleSelection) []pdu.RoleSelection {
	var out []pdu.RoleSelection
	for _, p := range proposed {
		for _, a := range allowed {
			if a.SOPClassUID != p.SOPClassUID {
				continue
			}
			out = append(out, pdu.RoleSelection{
				SOPClassUID: p.SOPClassUID,
				SCU:         p.SCU && a.SCU,
				SCP:         p.SCP && a.SCP,
			})
			break
		}
	}
	return out
}

// AnyAccepted reports whether at least one outcome was accepted.
func AnyAccepted(outcomes []Outcome) bool {
	for _, o := range outcomes {
		if o.Accepted() {
			return true
		}
	}
	return false
}

// Negotiator holds what an acceptor supports. It is read-only once built
// and may be shared between associations.
type Negotiator struct {
	supported []Syntax
	roles     []pdu.RoleSelection
	names     types.Names
	logger    *slog.Logger
}

// Option configures a Negotiator.
type Option func(*Negotiator)

// WithNames sets the table used to name UIDs in log output.
func WithNames(names types.Names) Option {
	return func(n *Negotiator) {
		n.names = names
	}
}

// WithRoles sets the SCP/SCU roles this side will grant.
func WithRoles(roles []pdu.RoleSelection) Option {
	return func(n *Negotiator) {
		n.roles = roles
	}
}

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(n *Negotiator) {
		n.logger = logger
	}
}

// New creates a Negotiator for the supported syntaxes.
func New(supported []Syntax, opts ...Option) *Negotiator {
	n := &Negotiator{supported: supported}
	for _, opt := range opts {
		opt(n)
	}
	if n.logger == nil {
		n.logger = slog.Default()
	}
	if n.names == nil {
		n.names = types.Names{}
	}
	return n
}

// Supported returns the supported syntaxes.
func (n *Negotiator) Supported() []Syntax {
	return n.supported
}

// Negotiate decides the contexts of an A-ASSOCIATE-RQ and answers its role
// selection sub-items.
func (n *Negotiator) Negotiate(rq *pdu.AssociateRQ) ([]Outcome, []pdu.RoleSelection) {
	outcomes := Negotiate(FromRequest(rq.PresentationContexts), n.supported)
	for _, o := range outcomes {
		n.logger.Debug("Presentation context negotiation result",
			"context_id", o.ID,
			"abstract_syntax", n.names.Describe(o.AbstractSyntax),
			"selected_transfer_syntax", n.names.Name(o.TransferSyntax),
			"result", o.Result.String())
	}
	return outcomes, NegotiateRoles(rq.UserInformation.RoleSelections, n.roles)
}
