package services

import (
	"context"
	"log/slog"
	"slices"
	"sync"

	"github.com/caio-sobreiro/dicomul/dimse"
)

// Registry routes DIMSE requests to handlers by command field.
//
// Example usage:
//
//	registry := services.NewRegistry(logger)
//	registry.RegisterHandler(dimse.CEchoRQ, services.NewEchoService(logger))
//	srv := server.New("ANY-SCP", syntaxes, registry)
type Registry struct {
	mu       sync.RWMutex
	handlers map[uint16]dimse.Handler
	logger   *slog.Logger
}

// NewRegistry creates a new, empty service registry.
func NewRegistry(logger *slog.Logger) *Registry {
	if logger == nil {
		logger = slog.Default()
	}
	return &Registry{
		handlers: make(map[uint16]dimse.Handler),
		logger:   logger,
	}
}

// RegisterHandler registers a handler for a request command field,
// replacing any previous one.
func (r *Registry) RegisterHandler(commandField uint16, handler dimse.Handler) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.handlers[commandField] = handler
}

// UnregisterHandler removes the handler for a command field.
func (r *Registry) UnregisterHandler(commandField uint16) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.handlers, commandField)
}

// HandleDIMSE routes req to its handler. An unregistered command is
// answered with an unrecognized operation failure.
func (r *Registry) HandleDIMSE(ctx context.Context, req *dimse.Request, rs dimse.ResponseSender) dimse.Result {
	field := req.Command.CommandField
	r.logger.DebugContext(ctx, "Routing DIMSE message",
		"command", dimse.CommandName(field),
		"message_id", req.Command.MessageID)

	r.mu.RLock()
	handler, ok := r.handlers[field]
	r.mu.RUnlock()
	if !ok {
		r.logger.WarnContext(ctx, "No handler registered for DIMSE command", "command", dimse.CommandName(field))
		return dimse.Failed(dimse.FailureUnrecognizedOperation, "unsupported "+dimse.CommandName(field))
	}
	return handler.HandleDIMSE(ctx, req, rs)
}

// HasHandler returns true if a handler is registered for the command field.
func (r *Registry) HasHandler(commandField uint16) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.handlers[commandField]
	return ok
}

// RegisteredCommands returns the registered command fields in ascending order.
func (r *Registry) RegisteredCommands() []uint16 {
	r.mu.RLock()
	defer r.mu.RUnlock()
	commands := make([]uint16, 0, len(r.handlers))
	for cmd := range r.handlers {
		commands = append(commands, cmd)
	}
	slices.Sort(commands)
	return commands
}
