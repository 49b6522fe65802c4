package dul

import (
	"log/slog"
	"time"

	"github.com/caio-sobreiro/dicomul/message"
)

// Defaults applied to zero Config fields.
const (
	DefaultACSETimeout      = 30 * time.Second
	DefaultMessageQueueSize = 16
	DefaultMaxBufferedBytes = 8 << 20
)

// Config holds the settings of one Machine.
type Config struct {
	// ACSETimeout bounds every state except IDLE, ESTABLISHED and CLOSED.
	ACSETimeout time.Duration

	// IdleTimeout bounds inactivity while ESTABLISHED. Zero disables it.
	IdleTimeout time.Duration

	// WriteTimeout is applied as a deadline to each PDU write. Zero disables it.
	WriteTimeout time.Duration

	// MaxReceivePDULength is the largest P-DATA-TF body accepted from the
	// peer. Zero accepts any size.
	MaxReceivePDULength uint32

	// MessageQueueSize is the capacity of the channel of reassembled messages.
	MessageQueueSize int

	// MaxBufferedBytes bounds undelivered plus incomplete message bytes
	// before reads from the transport are suspended.
	MaxBufferedBytes int

	// PayloadProbe tells the reassembler whether a command carries a payload.
	PayloadProbe message.PayloadProbe

	// Observer receives events on the loop goroutine. It must not block.
	Observer func(Event)

	Logger *slog.Logger
}

func (c Config) withDefaults() Config {
	if c.ACSETimeout <= 0 {
		c.ACSETimeout = DefaultACSETimeout
	}
	if c.MessageQueueSize <= 0 {
		c.MessageQueueSize = DefaultMessageQueueSize
	}
	if c.MaxBufferedBytes <= 0 {
		c.MaxBufferedBytes = DefaultMaxBufferedBytes
	}
	if c.Logger == nil {
		c.Logger = slog.Default()
	}
	return c
}
