package services

import (
	"context"
	"testing"

	"github.com/caio-sobreiro/dicomul/dimse"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRegistry_RegisterAndRoute(t *testing.T) {
	registry := NewRegistry(nil)
	registry.RegisterHandler(dimse.CEchoRQ, NewEchoService(nil))

	assert.True(t, registry.HasHandler(dimse.CEchoRQ))
	assert.False(t, registry.HasHandler(dimse.CFindRQ))

	result := registry.HandleDIMSE(context.Background(), echoRequest(1), nil)
	assert.Nil(t, result.Failure())
}

func TestRegistry_UnregisteredCommand(t *testing.T) {
	registry := NewRegistry(nil)

	req := echoRequest(1)
	req.Command.CommandField = dimse.CStoreRQ
	result := registry.HandleDIMSE(context.Background(), req, nil)
	require.NotNil(t, result.Failure())
	assert.Equal(t, dimse.FailureUnrecognizedOperation, result.Failure().Status)
	assert.Contains(t, result.Failure().Comment, "C-STORE-RQ")
}

func TestRegistry_Unregister(t *testing.T) {
	registry := NewRegistry(nil)
	registry.RegisterHandler(dimse.CEchoRQ, NewEchoService(nil))
	registry.UnregisterHandler(dimse.CEchoRQ)

	assert.False(t, registry.HasHandler(dimse.CEchoRQ))
	assert.Empty(t, registry.RegisteredCommands())
}

func TestRegistry_RegisteredCommandsSorted(t *testing.T) {
	registry := NewRegistry(nil)
	noop := dimse.HandlerFunc(func(context.Context, *dimse.Request, dimse.ResponseSender) dimse.Result {
		return dimse.Success(nil)
	})
	registry.RegisterHandler(dimse.CFindRQ, noop)
	registry.RegisterHandler(dimse.CEchoRQ, noop)
	registry.RegisterHandler(dimse.CStoreRQ, noop)

	assert.Equal(t, []uint16{dimse.CStoreRQ, dimse.CFindRQ, dimse.CEchoRQ}, registry.RegisteredCommands())
}

func TestRegistry_ReplacesHandler(t *testing.T) {
	registry := NewRegistry(nil)
	registry.RegisterHandler(dimse.CEchoRQ, dimse.HandlerFunc(func(context.Context, *dimse.Request, dimse.ResponseSender) dimse.Result {
		return dimse.Failed(dimse.FailureProcessing, "first")
	}))
	registry.RegisterHandler(dimse.CEchoRQ, NewEchoService(nil))

	result := registry.HandleDIMSE(context.Background(), echoRequest(1), nil)
	assert.Nil(t, result.Failure())
}
