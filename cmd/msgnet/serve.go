package main

import (
	"context"
	"crypto/rand"
	"fmt"
	"net"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/cyberinferno/go-msgnet/admin"
	"github.com/cyberinferno/go-msgnet/connection"
	"github.com/cyberinferno/go-msgnet/logger"
	"github.com/cyberinferno/go-msgnet/message"
	"github.com/cyberinferno/go-msgnet/metrics"
	"github.com/cyberinferno/go-msgnet/server"
)

type serveOptions struct {
	listen            []string
	admin             string
	broadcastInterval time.Duration
	broadcastSize     int
	maxBodySize       uint32
	workers           int
	reusePort         bool
	shutdownTimeout   time.Duration
}

var _ admin.RegistryStats = (*server.Server)(nil)

func serveCmd(logOpts *logOptions) *cobra.Command {
	var opts serveOptions

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run a msgnet server",
		Long: `Run a msgnet server that echoes SendText frames back to their sender.

With --broadcast-interval set, a MessageAll frame of --broadcast-size random
bytes is sent to every session on each tick. With --admin set, /healthz,
/sessions and /metrics are served on that address.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			log, err := logOpts.newLogger("server")
			if err != nil {
				return err
			}
			defer log.Close()

			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			return runServe(ctx, opts, log)
		},
	}

	cmd.Flags().StringSliceVarP(&opts.listen, "listen", "l", []string{"127.0.0.1:9000"}, "Addresses to accept sessions on")
	cmd.Flags().StringVar(&opts.admin, "admin", "", "Address for the admin HTTP endpoints (disabled when empty)")
	cmd.Flags().DurationVar(&opts.broadcastInterval, "broadcast-interval", 0, "Interval between broadcasts (disabled when 0)")
	cmd.Flags().IntVar(&opts.broadcastSize, "broadcast-size", 1024, "Body size of each broadcast")
	cmd.Flags().Uint32Var(&opts.maxBodySize, "max-body", connection.DefaultMaxBodySize, "Largest accepted frame body")
	cmd.Flags().IntVar(&opts.workers, "workers", 0, "Executor workers (0 means one per CPU)")
	cmd.Flags().BoolVar(&opts.reusePort, "reuse-port", false, "Set SO_REUSEPORT so several processes can share the listen addresses (Linux)")
	cmd.Flags().DurationVar(&opts.shutdownTimeout, "shutdown-timeout", 5*time.Second, "How long to wait for sessions on shutdown")

	return cmd
}

// echo sends SendText frames back to their sender.
func echo(c *connection.Connection, msg *message.Message) error {
	if msg.Header.ID != message.SendText {
		return nil
	}

	return c.Send(msg)
}

func runServe(ctx context.Context, opts serveOptions, log logger.Logger) error {
	m := metrics.New()

	config := server.DefaultConfig()
	config.Connection.MaxBodySize = opts.maxBodySize
	config.Workers = opts.workers
	config.Listener.ReusePort = opts.reusePort
	config.ShutdownTimeout = opts.shutdownTimeout
	config.Logger = log
	config.Metrics = m

	srv := server.New(server.HandlerFuncs{
		HandlerFuncs: connection.HandlerFuncs{Message: echo},
	}, config)

	if err := srv.Start(ctx, opts.listen...); err != nil {
		return err
	}

	g, ctx := errgroup.WithContext(ctx)

	if opts.admin != "" {
		ln, err := net.Listen("tcp", opts.admin)
		if err != nil {
			_ = srv.Stop()
			return fmt.Errorf("admin listen: %w", err)
		}

		router := admin.NewRouter(srv, admin.Config{Gatherer: m.Gatherer(), Logger: log})
		g.Go(func() error {
			return admin.Serve(ctx, ln, router, log)
		})
	}

	if opts.broadcastInterval > 0 {
		g.Go(func() error {
			broadcastLoop(ctx, srv, opts.broadcastInterval, opts.broadcastSize, log)
			return nil
		})
	}

	g.Go(func() error {
		<-ctx.Done()
		return srv.Stop()
	})

	return g.Wait()
}

func broadcastLoop(ctx context.Context, srv *server.Server, interval time.Duration, size int, log logger.Logger) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}

		msg := message.New(message.MessageAll)
		body := make([]byte, size)
		_, _ = rand.Read(body)
		msg.SetBody(body)

		if err := srv.Broadcast(msg); err != nil {
			log.Warn("broadcast failed", logger.Err(err))
			return
		}

		log.Debug("broadcast", logger.F("bytes", size), logger.F("sessions", srv.Count()))
	}
}
