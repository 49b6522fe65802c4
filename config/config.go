// Package config loads endpoint settings from a TOML file.
//
// A minimal file for an echo SCP:
//
//	[local]
//	ae-title = "ANY-SCP"
//	listen = ":11112"
//
//	[[contexts]]
//	abstract-syntax = "1.2.840.10008.1.1"
//	transfer-syntaxes = ["1.2.840.10008.1.2"]
//
// Storage SOP classes listed in the top-level storage-classes key, ahead of
// any table, are each offered with the common transfer syntaxes:
//
//	storage-classes = ["1.2.840.10008.5.1.4.1.1.2", "1.2.840.10008.5.1.4.1.1.4"]
package config

import (
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/caio-sobreiro/dicomul/association"
	"github.com/caio-sobreiro/dicomul/negotiation"
	"github.com/caio-sobreiro/dicomul/types"
	"github.com/hashicorp/go-multierror"
)

// maxAETitleLength is the size of the AE title fields of A-ASSOCIATE-RQ.
const maxAETitleLength = 16

// Config is the TOML configuration of a dicomul endpoint.
type Config struct {
	Local    Local
	Peer     Peer
	Timeouts Timeouts
	Limits   Limits
	Logging  Logging
	Metrics  Metrics
	Contexts []Context

	StorageClasses []string `toml:"storage-classes"`
}

// Local describes this application entity.
type Local struct {
	AETitle                   string `toml:"ae-title"`
	Listen                    string
	ImplementationClassUID    string `toml:"implementation-class-uid"`
	ImplementationVersionName string `toml:"implementation-version-name"`
}

// Peer describes the remote application entity. On an SCP a non-empty
// AETitle restricts the accepted calling title.
type Peer struct {
	AETitle string `toml:"ae-title"`
	Address string
}

// Timeouts are written as Go durations, e.g. "30s". Zero keeps the library
// default.
type Timeouts struct {
	Connect Duration
	ACSE    Duration `toml:"acse"`
	DIMSE   Duration `toml:"dimse"`
	Idle    Duration
	Write   Duration
	Release Duration
}

// Limits bound resource use.
type Limits struct {
	MaxPDULength     uint32 `toml:"max-pdu-length"`
	MaxAssociations  int    `toml:"max-associations"`
	MessageQueueSize int    `toml:"message-queue-size"`
	MaxBufferedBytes int    `toml:"max-buffered-bytes"`
}

// Logging configures the log output. An empty File logs to stderr.
type Logging struct {
	Level      string
	Format     string
	File       string
	MaxSizeMB  int `toml:"max-size-mb"`
	MaxBackups int `toml:"max-backups"`
	MaxAgeDays int `toml:"max-age-days"`
}

// Metrics configures the Prometheus endpoint. An empty Listen disables it.
type Metrics struct {
	Listen string
	Path   string
}

// Context is one abstract syntax with its transfer syntaxes, in order of
// preference.
type Context struct {
	AbstractSyntax   string   `toml:"abstract-syntax"`
	TransferSyntaxes []string `toml:"transfer-syntaxes"`
}

// Duration is a time.Duration read from a TOML string.
type Duration time.Duration

// UnmarshalText parses a Go duration string.
func (d *Duration) UnmarshalText(text []byte) error {
	v, err := time.ParseDuration(string(text))
	if err != nil {
		return err
	}
	*d = Duration(v)
	return nil
}

func (d Duration) MarshalText() ([]byte, error) {
	return []byte(time.Duration(d).String()), nil
}

// Default returns the configuration used when no file is given: a
// verification endpoint with the library defaults.
func Default() Config {
	return Config{
		Local:   Local{AETitle: "DICOMUL", Listen: ":11112"},
		Logging: Logging{Level: "info", Format: "text"},
		Metrics: Metrics{Path: "/metrics"},
		Contexts: []Context{{
			AbstractSyntax:   types.VerificationSOPClass,
			TransferSyntaxes: types.DefaultTransferSyntaxes(),
		}},
	}
}

// Load reads path over Default and validates the result. A file without
// contexts keeps the default verification context.
func Load(path string) (Config, error) {
	cfg := Default()
	defaultContexts := cfg.Contexts
	cfg.Contexts = nil
	md, err := toml.DecodeFile(path, &cfg)
	if err != nil {
		return Config{}, fmt.Errorf("config %s: %w", path, err)
	}
	if undecoded := md.Undecoded(); len(undecoded) > 0 {
		keys := make([]string, len(undecoded))
		for i, k := range undecoded {
			keys[i] = k.String()
		}
		return Config{}, fmt.Errorf("config %s: unknown keys %s", path, strings.Join(keys, ", "))
	}
	if len(cfg.Contexts) == 0 {
		cfg.Contexts = defaultContexts
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, fmt.Errorf("config %s: %w", path, err)
	}
	return cfg, nil
}

// Validate reports every invalid setting.
func (c Config) Validate() error {
	var result *multierror.Error

	if err := checkAETitle("local.ae-title", c.Local.AETitle); err != nil {
		result = multierror.Append(result, err)
	}
	if c.Peer.AETitle != "" {
		if err := checkAETitle("peer.ae-title", c.Peer.AETitle); err != nil {
			result = multierror.Append(result, err)
		}
	}
	if uid := c.Local.ImplementationClassUID; uid != "" && !validUID(uid) {
		result = multierror.Append(result, fmt.Errorf("local.implementation-class-uid: invalid UID %q", uid))
	}
	if len(c.Local.ImplementationVersionName) > maxAETitleLength {
		result = multierror.Append(result, errors.New("local.implementation-version-name: longer than 16 characters"))
	}

	for name, d := range map[string]Duration{
		"connect": c.Timeouts.Connect,
		"acse":    c.Timeouts.ACSE,
		"idle":    c.Timeouts.Idle,
		"write":   c.Timeouts.Write,
		"release": c.Timeouts.Release,
	} {
		if d < 0 {
			result = multierror.Append(result, fmt.Errorf("timeouts.%s: negative duration", name))
		}
	}

	if c.Limits.MaxAssociations < 0 {
		result = multierror.Append(result, errors.New("limits.max-associations: negative"))
	}
	if c.Limits.MessageQueueSize < 0 {
		result = multierror.Append(result, errors.New("limits.message-queue-size: negative"))
	}
	if c.Limits.MaxBufferedBytes < 0 {
		result = multierror.Append(result, errors.New("limits.max-buffered-bytes: negative"))
	}

	var level slog.Level
	if c.Logging.Level != "" {
		if err := level.UnmarshalText([]byte(c.Logging.Level)); err != nil {
			result = multierror.Append(result, fmt.Errorf("logging.level: %w", err))
		}
	}
	switch c.Logging.Format {
	case "", "text", "json":
	default:
		result = multierror.Append(result, fmt.Errorf("logging.format: unknown format %q", c.Logging.Format))
	}

	if len(c.Contexts) == 0 && len(c.StorageClasses) == 0 {
		result = multierror.Append(result, errors.New("contexts: at least one presentation context is required"))
	}
	for i, ctx := range c.Contexts {
		if !validUID(ctx.AbstractSyntax) {
			result = multierror.Append(result, fmt.Errorf("contexts[%d].abstract-syntax: invalid UID %q", i, ctx.AbstractSyntax))
		}
		if len(ctx.TransferSyntaxes) == 0 {
			result = multierror.Append(result, fmt.Errorf("contexts[%d].transfer-syntaxes: empty", i))
		}
		for _, ts := range ctx.TransferSyntaxes {
			if !validUID(ts) {
				result = multierror.Append(result, fmt.Errorf("contexts[%d].transfer-syntaxes: invalid UID %q", i, ts))
			}
		}
	}

	for _, uid := range c.StorageClasses {
		if !types.IsStorageSOPClass(uid) || !validUID(uid) {
			result = multierror.Append(result, fmt.Errorf("storage-classes: %q is not a storage SOP class", uid))
		}
	}

	return result.ErrorOrNil()
}

// Syntaxes converts the configured contexts, followed by one context per
// storage class.
func (c Config) Syntaxes() []negotiation.Syntax {
	syntaxes := make([]negotiation.Syntax, len(c.Contexts))
	for i, ctx := range c.Contexts {
		syntaxes[i] = negotiation.Syntax{
			AbstractSyntax:   ctx.AbstractSyntax,
			TransferSyntaxes: append([]string(nil), ctx.TransferSyntaxes...),
		}
	}
	return append(syntaxes, negotiation.Cross(c.StorageClasses, types.GetCommonTransferSyntaxes())...)
}

// AssociationConfig converts c into an association configuration. Events,
// Decider and Logger are left for the caller.
func (c Config) AssociationConfig() association.Config {
	return association.Config{
		AETitle:                   c.Local.AETitle,
		PeerAETitle:               c.Peer.AETitle,
		Syntaxes:                  c.Syntaxes(),
		MaxPDULength:              c.Limits.MaxPDULength,
		ImplementationClassUID:    c.Local.ImplementationClassUID,
		ImplementationVersionName: c.Local.ImplementationVersionName,
		ConnectTimeout:            time.Duration(c.Timeouts.Connect),
		ACSETimeout:               time.Duration(c.Timeouts.ACSE),
		DIMSETimeout:              time.Duration(c.Timeouts.DIMSE),
		IdleTimeout:               time.Duration(c.Timeouts.Idle),
		WriteTimeout:              time.Duration(c.Timeouts.Write),
		MessageQueueSize:          c.Limits.MessageQueueSize,
		MaxBufferedBytes:          c.Limits.MaxBufferedBytes,
	}
}

func checkAETitle(field, title string) error {
	trimmed := strings.TrimSpace(title)
	switch {
	case trimmed == "":
		return fmt.Errorf("%s: empty AE title", field)
	case len(title) > maxAETitleLength:
		return fmt.Errorf("%s: %q is longer than 16 characters", field, title)
	case strings.ContainsAny(title, "\\") || strings.IndexFunc(title, func(r rune) bool { return r < 0x20 || r > 0x7e }) >= 0:
		return fmt.Errorf("%s: %q contains invalid characters", field, title)
	}
	return nil
}

// validUID checks the UID syntax of PS3.5 9.1: up to 64 characters of
// dot-separated numeric components without leading zeros.
func validUID(uid string) bool {
	if uid == "" || len(uid) > 64 {
		return false
	}
	for _, part := range strings.Split(uid, ".") {
		if part == "" || (len(part) > 1 && part[0] == '0') {
			return false
		}
		for _, r := range part {
			if r < '0' || r > '9' {
				return false
			}
		}
	}
	return true
}
