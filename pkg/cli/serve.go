package cli

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/m-mizutani/goerr/v2"
	"github.com/m-mizutani/hearken/pkg/server"
	"github.com/m-mizutani/hearken/pkg/utils/logging"
	"github.com/m-mizutani/hearken/pkg/utils/scheduler"
	"github.com/urfave/cli/v3"
)

func serveCommand() *cli.Command {
	var (
		cfg             config
		addr            string
		origins         []string
		shutdownTimeout time.Duration
	)

	flags := []cli.Flag{
		&cli.StringFlag{
			Name:        "addr",
			Aliases:     []string{"a"},
			Usage:       "Listen address",
			Value:       ":8080",
			Sources:     cli.EnvVars("HEARKEN_ADDR"),
			Destination: &addr,
		},
		&cli.StringSliceFlag{
			Name:        "allowed-origin",
			Usage:       "Origin accepted for WebSocket connections (repeatable, any when unset)",
			Sources:     cli.EnvVars("HEARKEN_ALLOWED_ORIGINS"),
			Destination: &origins,
		},
		&cli.DurationFlag{
			Name:        "shutdown-timeout",
			Usage:       "Time allowed for open streams to finish on shutdown",
			Value:       30 * time.Second,
			Sources:     cli.EnvVars("HEARKEN_SHUTDOWN_TIMEOUT"),
			Destination: &shutdownTimeout,
		},
	}
	flags = append(flags, globalFlags(&cfg)...)
	flags = append(flags, repositoryFlags(&cfg)...)
	flags = append(flags, llmFlags(&cfg)...)
	flags = append(flags, sessionFlags(&cfg)...)

	return &cli.Command{
		Name:  "serve",
		Usage: "Run the HTTP and WebSocket server",
		Flags: flags,
		Action: func(ctx context.Context, c *cli.Command) error {
			ctx = cfg.setupLogger(ctx)
			logger := logging.From(ctx)

			sched := scheduler.NewPool()
			a, err := cfg.newApp(ctx, sched, nil)
			if err != nil {
				return err
			}

			srv := server.New(a.sessions, a.streams, server.WithAllowedOrigins(origins...))
			httpServer := &http.Server{
				Addr:              addr,
				Handler:           srv,
				ReadHeaderTimeout: 10 * time.Second,
			}

			ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
			defer stop()

			errCh := make(chan error, 1)
			go func() {
				logger.Info("server started", "addr", addr, "repository", cfg.repository)
				errCh <- httpServer.ListenAndServe()
			}()

			var serveErr error
			select {
			case err := <-errCh:
				if !errors.Is(err, http.ErrServerClosed) {
					serveErr = goerr.Wrap(err, "server stopped", goerr.V("addr", addr))
				}
			case <-ctx.Done():
				logger.Info("shutting down")
			}

			shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), shutdownTimeout)
			defer cancel()

			if err := httpServer.Shutdown(shutdownCtx); err != nil {
				logger.Warn("failed to stop listener", "error", err)
			}
			srv.Shutdown(shutdownCtx)
			a.close(shutdownCtx)
			if err := sched.Shutdown(shutdownCtx); err != nil {
				logger.Warn("scheduled tasks did not finish", "error", err)
			}

			logger.Info("server stopped")
			return serveErr
		},
	}
}
