// Package server accepts associations on a listener and serves DIMSE
// requests on each of them.
package server

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"sync"
	"time"

	"github.com/caio-sobreiro/dicomul/association"
	"github.com/caio-sobreiro/dicomul/dimse"
	dicomerrors "github.com/caio-sobreiro/dicomul/errors"
	"github.com/caio-sobreiro/dicomul/negotiation"
	"github.com/caio-sobreiro/dicomul/pdu"
	"github.com/hashicorp/go-multierror"
	"golang.org/x/sync/semaphore"
)

// Defaults applied to zero Server fields.
const (
	DefaultMaxAssociations = 32
	DefaultReleaseTimeout  = 5 * time.Second
)

// Option configures a Server instance.
type Option func(*Server)

// WithLogger overrides the logger used by the server.
func WithLogger(logger *slog.Logger) Option {
	return func(s *Server) {
		s.Logger = logger
	}
}

// WithMaxAssociations sets how many associations may be open at once.
func WithMaxAssociations(n int) Option {
	return func(s *Server) {
		s.MaxAssociations = n
	}
}

// WithAssociationConfig sets the template used for every accepted
// association. AETitle is taken from the server.
func WithAssociationConfig(cfg association.Config) Option {
	return func(s *Server) {
		s.Association = cfg
	}
}

// WithEvents installs an association event handler.
func WithEvents(fn func(association.Event)) Option {
	return func(s *Server) {
		s.Association.Events = fn
	}
}

// WithReleaseTimeout sets how long live associations get to release at
// shutdown before they are aborted.
func WithReleaseTimeout(timeout time.Duration) Option {
	return func(s *Server) {
		s.ReleaseTimeout = timeout
	}
}

// Server exposes a reusable DICOM listener that wires associations to a
// DIMSE handler.
type Server struct {
	AETitle         string
	Handler         dimse.Handler
	Association     association.Config
	MaxAssociations int
	ReleaseTimeout  time.Duration
	Logger          *slog.Logger

	mu   sync.Mutex
	live map[*association.Association]struct{}
}

// New builds a Server with the provided AE title, supported syntaxes and
// handler.
func New(aeTitle string, syntaxes []negotiation.Syntax, handler dimse.Handler, opts ...Option) *Server {
	srv := &Server{AETitle: aeTitle, Handler: handler}
	srv.Association.Syntaxes = syntaxes
	for _, opt := range opts {
		opt(srv)
	}
	return srv
}

// ListenAndServe listens on address and serves until ctx is done.
func (s *Server) ListenAndServe(ctx context.Context, address string) error {
	listener, err := net.Listen("tcp", address)
	if err != nil {
		return dicomerrors.NewNetworkError("listen", err)
	}
	return s.Serve(ctx, listener)
}

// Serve accepts connections from listener until ctx is cancelled or an
// unrecoverable error occurs. Live associations are released, or aborted
// after ReleaseTimeout, before Serve returns.
func (s *Server) Serve(ctx context.Context, listener net.Listener) error {
	if listener == nil {
		return errors.New("dicomserver: listener is required")
	}
	if s.Handler == nil {
		return errors.New("dicomserver: handler is required")
	}
	if s.AETitle == "" {
		return errors.New("dicomserver: AE title is required")
	}
	if len(s.Association.Syntaxes) == 0 {
		return errors.New("dicomserver: no supported syntaxes")
	}

	logger := s.logger()
	limit := s.MaxAssociations
	if limit <= 0 {
		limit = DefaultMaxAssociations
	}
	sem := semaphore.NewWeighted(int64(limit))

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	go func() {
		<-ctx.Done()
		_ = listener.Close()
	}()

	logger.Info("DICOM server listening",
		"address", listener.Addr().String(),
		"ae_title", s.AETitle,
		"max_associations", limit)

	var (
		wg     sync.WaitGroup
		result *multierror.Error
	)

	for {
		conn, err := listener.Accept()
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, net.ErrClosed) {
				break
			}
			var netErr net.Error
			if errors.As(err, &netErr) && netErr.Timeout() {
				logger.Warn("Accept timeout", "error", err)
				continue
			}
			result = multierror.Append(result, dicomerrors.NewNetworkError("accept", err))
			break
		}

		wg.Add(1)
		if !sem.TryAcquire(1) {
			go func(c net.Conn) {
				defer wg.Done()
				s.refuse(ctx, c, logger)
			}(conn)
			continue
		}
		go func(c net.Conn) {
			defer wg.Done()
			defer sem.Release(1)
			s.handleConnection(ctx, c, logger)
		}(conn)
	}

	cancel()
	result = multierror.Append(result, s.shutdown(logger))
	wg.Wait()

	if err := listener.Close(); err != nil && !errors.Is(err, net.ErrClosed) {
		result = multierror.Append(result, err)
	}
	return result.ErrorOrNil()
}

func (s *Server) associationConfig(logger *slog.Logger) association.Config {
	cfg := s.Association
	cfg.AETitle = s.AETitle
	if cfg.Logger == nil {
		cfg.Logger = logger
	}
	return cfg
}

func (s *Server) handleConnection(ctx context.Context, conn net.Conn, logger *slog.Logger) {
	logger.Info("Accepted DICOM connection", "remote_addr", conn.RemoteAddr())

	assoc, err := association.Accept(ctx, conn, s.associationConfig(logger))
	if err != nil {
		logger.Warn("Association not established", "remote_addr", conn.RemoteAddr(), "error", err)
		return
	}
	s.track(assoc, true)
	defer s.track(assoc, false)
	defer assoc.Abort()

	// Shutdown started after the live set was collected.
	if ctx.Err() != nil {
		assoc.Close(s.releaseTimeout())
		return
	}

	// Requests keep being served until shutdown releases the association.
	svc := dimse.NewService(s.Handler, logger.With("association_id", assoc.ID().String()))
	if err := svc.Serve(context.WithoutCancel(ctx), assoc); err != nil {
		logger.Warn("DIMSE connection ended",
			"error", err,
			"remote_addr", conn.RemoteAddr())
		return
	}
	logger.Info("DIMSE connection closed", "remote_addr", conn.RemoteAddr())
}

func (s *Server) releaseTimeout() time.Duration {
	if s.ReleaseTimeout <= 0 {
		return DefaultReleaseTimeout
	}
	return s.ReleaseTimeout
}

// refuse reads the request of a connection beyond the limit and rejects it
// as transient.
func (s *Server) refuse(ctx context.Context, conn net.Conn, logger *slog.Logger) {
	cfg := s.associationConfig(logger)
	cfg.AETitle = ""
	cfg.PeerAETitle = ""
	cfg.Decider = func(context.Context, *pdu.AssociateRQ, []negotiation.Outcome) association.Decision {
		return association.Reject(dicomerrors.RejectResultTransient,
			dicomerrors.RejectSourceServiceProviderPresentation,
			dicomerrors.RejectReasonLocalLimitExceeded)
	}
	logger.Warn("Association limit reached, refusing", "remote_addr", conn.RemoteAddr())
	if assoc, err := association.Accept(ctx, conn, cfg); err == nil {
		assoc.Abort()
	}
}

func (s *Server) track(a *association.Association, add bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.live == nil {
		s.live = make(map[*association.Association]struct{})
	}
	if add {
		s.live[a] = struct{}{}
	} else {
		delete(s.live, a)
	}
}

// shutdown releases every live association concurrently.
func (s *Server) shutdown(logger *slog.Logger) error {
	s.mu.Lock()
	live := make([]*association.Association, 0, len(s.live))
	for a := range s.live {
		live = append(live, a)
	}
	s.mu.Unlock()
	if len(live) == 0 {
		return nil
	}

	timeout := s.releaseTimeout()
	logger.Info("Shutting down associations", "count", len(live), "timeout", timeout)

	var (
		wg     sync.WaitGroup
		mu     sync.Mutex
		result *multierror.Error
	)
	for _, a := range live {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := a.Close(timeout); err != nil {
				mu.Lock()
				result = multierror.Append(result, fmt.Errorf("association %s: %w", a.ID(), err))
				mu.Unlock()
			}
		}()
	}
	wg.Wait()
	return result.ErrorOrNil()
}

func (s *Server) logger() *slog.Logger {
	if s.Logger != nil {
		return s.Logger
	}
	return slog.Default()
}
