package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/KevoDB/sysparam/pkg/grpc/service"
	"github.com/KevoDB/sysparam/pkg/grpc/transport"
	"github.com/spf13/cobra"
)

func newServeCmd(c *cli) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Serve the parameter store over gRPC",
		Long: WrapString("Serve the parameter store over gRPC until interrupted. On SIGINT or " +
			"SIGTERM in-flight requests get shutdown_timeout to finish."),
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			b, err := c.openLocal(cmd.Context(), true)
			if err != nil {
				return err
			}
			defer b.Close()

			srv, err := service.NewServer(b.Store, service.ServerOptions{
				Address: c.cfg.ListenAddr,
				TLS: transport.TLSConfig{
					Enabled:  c.cfg.TLSEnabled,
					CertFile: c.cfg.TLSCertFile,
					KeyFile:  c.cfg.TLSKeyFile,
					CAFile:   c.cfg.TLSCAFile,
				},
				MaxStreams: uint32(c.cfg.MaxConnections),
				Logger:     c.logger,
				Telemetry:  b.tel,
			})
			if err != nil {
				return err
			}
			if err := srv.Start(); err != nil {
				return err
			}
			c.logger.Info("Serving parameter area at 0x%08x from %s", c.cfg.AreaBase, c.cfg.ImagePath)

			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			<-ctx.Done()

			c.logger.Info("Shutting down server...")
			shutdownCtx, cancel := context.WithTimeout(context.Background(), c.cfg.ShutdownTimeout)
			defer cancel()
			return srv.Stop(shutdownCtx)
		},
	}

	flags := cmd.Flags()
	flags.String("listen", "", "address to listen on (default localhost:50051)")
	flags.Bool("tls", false, "serve over TLS")
	flags.String("tls-cert", "", "server certificate file")
	flags.String("tls-key", "", "server key file")
	flags.String("tls-ca", "", "CA file; when set clients must present a certificate")
	return cmd
}
