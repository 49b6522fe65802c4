package main

import (
	"context"
	"errors"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/caio-sobreiro/dicomul/dimse"
	"github.com/caio-sobreiro/dicomul/metrics"
	"github.com/caio-sobreiro/dicomul/negotiation"
	"github.com/caio-sobreiro/dicomul/server"
	"github.com/caio-sobreiro/dicomul/services"
	"github.com/caio-sobreiro/dicomul/types"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"
)

type serveOptions struct {
	listen        string
	aeTitle       string
	metricsListen string
}

func newServeCmd(a *app) *cobra.Command {
	opts := &serveOptions{}
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run a verification SCP",
		Long: `Accept associations and answer C-ECHO requests until interrupted.
Live associations are released on shutdown.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()
			return runServe(ctx, a, opts)
		},
	}
	cmd.Flags().StringVarP(&opts.listen, "listen", "l", "", "listen address (overrides local.listen)")
	cmd.Flags().StringVar(&opts.aeTitle, "ae-title", "", "AE title (overrides local.ae-title)")
	cmd.Flags().StringVar(&opts.metricsListen, "metrics-listen", "", "Prometheus listen address (overrides metrics.listen)")
	return cmd
}

func runServe(ctx context.Context, a *app, opts *serveOptions) error {
	logger := a.logger
	address := a.cfg.Local.Listen
	if opts.listen != "" {
		address = opts.listen
	}

	assocCfg := a.cfg.AssociationConfig()
	if opts.aeTitle != "" {
		assocCfg.AETitle = opts.aeTitle
	}
	if !hasVerification(assocCfg) {
		assocCfg.Syntaxes = append(assocCfg.Syntaxes, verificationSyntax())
	}

	registry := services.NewRegistry(logger)
	registry.RegisterHandler(dimse.CEchoRQ, services.NewEchoService(logger))

	serverOpts := []server.Option{
		server.WithLogger(logger),
		server.WithAssociationConfig(assocCfg),
		server.WithMaxAssociations(a.cfg.Limits.MaxAssociations),
		server.WithReleaseTimeout(time.Duration(a.cfg.Timeouts.Release)),
	}

	metricsAddr := a.cfg.Metrics.Listen
	if opts.metricsListen != "" {
		metricsAddr = opts.metricsListen
	}
	if metricsAddr != "" {
		reg := prometheus.NewRegistry()
		reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
		collector, err := metrics.NewCollector(reg)
		if err != nil {
			return err
		}
		serverOpts = append(serverOpts, server.WithEvents(collector.Observe))

		path := a.cfg.Metrics.Path
		if path == "" {
			path = "/metrics"
		}
		mux := http.NewServeMux()
		mux.Handle(path, promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))
		httpServer := &http.Server{Addr: metricsAddr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}
		go func() {
			logger.Info("Metrics endpoint listening", "address", metricsAddr, "path", path)
			if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				logger.Error("Metrics endpoint failed", "error", err)
			}
		}()
		defer func() {
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			_ = httpServer.Shutdown(shutdownCtx)
		}()
	}

	srv := server.New(assocCfg.AETitle, assocCfg.Syntaxes, registry, serverOpts...)
	err := srv.ListenAndServe(ctx, address)
	switch {
	case err == nil:
		logger.Info("DICOM server shutdown complete")
		return nil
	case errors.Is(err, context.Canceled):
		logger.Info("DICOM server stopped", "reason", err.Error())
		return nil
	default:
		return err
	}
}

func verificationSyntax() negotiation.Syntax {
	return negotiation.Syntax{
		AbstractSyntax:   types.VerificationSOPClass,
		TransferSyntaxes: []string{types.ImplicitVRLittleEndian},
	}
}
