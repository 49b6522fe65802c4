package main

import (
	"bytes"
	"context"
	"net"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/caio-sobreiro/dicomul/config"
	"github.com/caio-sobreiro/dicomul/dimse"
	"github.com/caio-sobreiro/dicomul/negotiation"
	"github.com/caio-sobreiro/dicomul/server"
	"github.com/caio-sobreiro/dicomul/services"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewLogger(t *testing.T) {
	var buf bytes.Buffer
	logger, closer, err := newLogger(config.Logging{Level: "warn", Format: "json"}, &buf)
	require.NoError(t, err)
	defer closer()

	logger.Info("hidden")
	logger.Warn("shown", "key", "value")
	assert.NotContains(t, buf.String(), "hidden")
	assert.Contains(t, buf.String(), `"msg":"shown"`)
	assert.Contains(t, buf.String(), `"key":"value"`)
}

func TestNewLoggerRejectsBadSettings(t *testing.T) {
	_, _, err := newLogger(config.Logging{Level: "chatty"}, &bytes.Buffer{})
	assert.Error(t, err)

	_, _, err = newLogger(config.Logging{Format: "xml"}, &bytes.Buffer{})
	assert.Error(t, err)
}

func TestNewLoggerWritesFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "dicomul.log")
	logger, closer, err := newLogger(config.Logging{File: path}, &bytes.Buffer{})
	require.NoError(t, err)

	logger.Info("to file")
	require.NoError(t, closer())

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Contains(t, string(data), "to file")
}

func TestSetupAppliesFlagOverrides(t *testing.T) {
	path := filepath.Join(t.TempDir(), "dicomul.toml")
	require.NoError(t, os.WriteFile(path, []byte("[local]\nae-title = \"FROM-FILE\"\n"), 0o600))

	a := &app{configPath: path, logFormat: "json"}
	require.NoError(t, a.setup())
	defer a.close()
	assert.Equal(t, "FROM-FILE", a.cfg.Local.AETitle)
	assert.Equal(t, "json", a.cfg.Logging.Format)
	assert.NotNil(t, a.logger)
}

func TestRunEcho(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	srv := server.New("ANY-SCP", []negotiation.Syntax{verificationSyntax()}, services.NewEchoService(nil))

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- srv.Serve(ctx, ln) }()
	defer func() {
		cancel()
		<-done
	}()

	a := &app{cfg: config.Default()}
	a.cfg.Local.AETitle = "ECHOSCU"
	a.cfg.Timeouts.Release = config.Duration(time.Second)
	var out bytes.Buffer
	opts := &echoOptions{calledTitle: "ANY-SCP", count: 2}

	echoCtx, echoCancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer echoCancel()
	require.NoError(t, runEcho(echoCtx, a, ln.Addr().String(), opts, &out))
	assert.Contains(t, out.String(), "C-ECHO 1 to ANY-SCP@")
	assert.Contains(t, out.String(), "C-ECHO 2 to ANY-SCP@")
	assert.Contains(t, out.String(), "status 0x0000")
}

func TestRunEchoWrongTitle(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	srv := server.New("ANY-SCP", []negotiation.Syntax{verificationSyntax()}, dimse.HandlerFunc(
		func(context.Context, *dimse.Request, dimse.ResponseSender) dimse.Result { return dimse.Success(nil) }))

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- srv.Serve(ctx, ln) }()
	defer func() {
		cancel()
		<-done
	}()

	a := &app{cfg: config.Default()}
	echoCtx, echoCancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer echoCancel()
	err = runEcho(echoCtx, a, ln.Addr().String(), &echoOptions{calledTitle: "OTHER", count: 1}, &bytes.Buffer{})
	assert.Error(t, err)
}
