package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/caio-sobreiro/dicomul/association"
	"github.com/caio-sobreiro/dicomul/dimse"
	"github.com/caio-sobreiro/dicomul/services"
	"github.com/caio-sobreiro/dicomul/types"
	"github.com/spf13/cobra"
)

type echoOptions struct {
	callingTitle string
	calledTitle  string
	count        int
	interval     time.Duration
}

func newEchoCmd(a *app) *cobra.Command {
	opts := &echoOptions{}
	cmd := &cobra.Command{
		Use:   "echo [host:port]",
		Short: "Send C-ECHO requests to a peer",
		Long: `Open an association with a peer, send one or more C-ECHO requests and
release the association. The address defaults to peer.address from the
configuration.`,
		Args: cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			address := a.cfg.Peer.Address
			if len(args) == 1 {
				address = args[0]
			}
			if address == "" {
				return errors.New("no peer address given")
			}
			return runEcho(cmd.Context(), a, address, opts, cmd.OutOrStdout())
		},
	}
	cmd.Flags().StringVar(&opts.callingTitle, "calling", "", "calling AE title (overrides local.ae-title)")
	cmd.Flags().StringVarP(&opts.calledTitle, "called", "c", "", "called AE title (overrides peer.ae-title)")
	cmd.Flags().IntVarP(&opts.count, "count", "n", 1, "number of C-ECHO requests")
	cmd.Flags().DurationVar(&opts.interval, "interval", 0, "pause between requests")
	return cmd
}

func runEcho(ctx context.Context, a *app, address string, opts *echoOptions, out io.Writer) error {
	cfg := a.cfg.AssociationConfig()
	cfg.Logger = a.logger
	if opts.callingTitle != "" {
		cfg.AETitle = opts.callingTitle
	}
	if opts.calledTitle != "" {
		cfg.PeerAETitle = opts.calledTitle
	}
	if cfg.PeerAETitle == "" {
		cfg.PeerAETitle = "ANY-SCP"
	}
	if !hasVerification(cfg) {
		cfg.Syntaxes = append(cfg.Syntaxes, verificationSyntax())
	}

	assoc, err := association.Open(ctx, address, cfg)
	if err != nil {
		return err
	}
	defer assoc.Abort()
	for _, role := range assoc.Roles() {
		a.logger.Debug("Role selection",
			"sop_class", role.SOPClassUID,
			"scu", role.SCU,
			"scp", role.SCP)
	}

	for i := 1; i <= opts.count; i++ {
		start := time.Now()
		status, err := services.Echo(ctx, assoc, uint16(i))
		if err != nil {
			return err
		}
		fmt.Fprintf(out, "C-ECHO %d to %s@%s: status 0x%04x (%s)\n",
			i, cfg.PeerAETitle, address, status, time.Since(start).Round(time.Microsecond))
		if status != dimse.StatusSuccess {
			return fmt.Errorf("C-ECHO failed with status 0x%04x", status)
		}
		if opts.interval > 0 && i < opts.count {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(opts.interval):
			}
		}
	}
	return assoc.Close(releaseTimeout(a))
}

func hasVerification(cfg association.Config) bool {
	for _, s := range cfg.Syntaxes {
		if s.AbstractSyntax == types.VerificationSOPClass {
			return true
		}
	}
	return false
}

func releaseTimeout(a *app) time.Duration {
	if d := time.Duration(a.cfg.Timeouts.Release); d > 0 {
		return d
	}
	return 5 * time.Second
}
