package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"
	"sync"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/patrickmn/go-cache"
	"github.com/redis/go-redis/v9"
	"github.com/spf13/cobra"

	"github.com/cyberinferno/go-msgnet/cacher"
	"github.com/cyberinferno/go-msgnet/client"
	"github.com/cyberinferno/go-msgnet/connection"
	"github.com/cyberinferno/go-msgnet/logger"
	"github.com/cyberinferno/go-msgnet/message"
	"github.com/cyberinferno/go-msgnet/metrics"
	"github.com/cyberinferno/go-msgnet/resolver"
	"github.com/cyberinferno/go-msgnet/strand"
)

type connectOptions struct {
	host         string
	port         int
	clients      int
	messages     int
	size         int
	resolveCache string
	timeout      time.Duration
}

func connectCmd(logOpts *logOptions) *cobra.Command {
	var opts connectOptions

	cmd := &cobra.Command{
		Use:   "connect",
		Short: "Drive clients against a msgnet server",
		Long: `Connect --clients sessions to a server. Each sends --messages SendText
frames of --size bytes once connected and waits for them to be echoed back.

--resolve-cache selects how host names are cached: "memory", a redis:// URL
shared between processes, or empty to resolve on every attempt.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			log, err := logOpts.newLogger("client")
			if err != nil {
				return err
			}
			defer log.Close()

			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			report, err := runConnect(ctx, opts, log)
			if err != nil {
				return err
			}

			report.print(cmd.OutOrStdout())
			return nil
		},
	}

	cmd.Flags().StringVarP(&opts.host, "host", "H", "127.0.0.1", "Server host")
	cmd.Flags().IntVarP(&opts.port, "port", "p", 9000, "Server port")
	cmd.Flags().IntVarP(&opts.clients, "clients", "c", 1, "Number of concurrent sessions")
	cmd.Flags().IntVarP(&opts.messages, "messages", "n", 10, "SendText frames per session")
	cmd.Flags().IntVar(&opts.size, "size", 64, "Bytes of text per frame")
	cmd.Flags().StringVar(&opts.resolveCache, "resolve-cache", "", `Resolution cache: "memory" or a redis:// URL`)
	cmd.Flags().DurationVar(&opts.timeout, "timeout", 30*time.Second, "Overall deadline")

	return cmd
}

// newResolver builds the resolver selected by --resolve-cache. The returned
// closer releases the Redis client, if any.
func newResolver(source string) (resolver.Resolver, io.Closer, error) {
	switch {
	case source == "":
		return resolver.Default(), io.NopCloser(nil), nil
	case source == "memory":
		c := cacher.NewMemoryCacher[[]string](cache.NoExpiration, time.Minute)
		return resolver.NewCachingResolver(nil, c, resolver.DefaultTTL), io.NopCloser(nil), nil
	case strings.HasPrefix(source, "redis://"), strings.HasPrefix(source, "rediss://"):
		opt, err := redis.ParseURL(source)
		if err != nil {
			return nil, nil, fmt.Errorf("parse resolve cache url: %w", err)
		}

		rdb := redis.NewClient(opt)
		c := cacher.NewRedisCacher[[]string](rdb, "msgnet:resolve")
		return resolver.NewCachingResolver(nil, c, resolver.DefaultTTL), rdb, nil
	default:
		return nil, nil, fmt.Errorf("unknown resolve cache %q", source)
	}
}

// loadReport summarises a connect run.
type loadReport struct {
	connected int64
	failed    int64
	sent      int64
	echoed    int64
	elapsed   time.Duration
}

func (r *loadReport) print(w io.Writer) {
	fmt.Fprintf(w, "Sessions:  %d connected, %d failed\n", atomic.LoadInt64(&r.connected), atomic.LoadInt64(&r.failed))
	fmt.Fprintf(w, "Frames:    %d sent, %d echoed\n", atomic.LoadInt64(&r.sent), atomic.LoadInt64(&r.echoed))
	fmt.Fprintf(w, "Elapsed:   %s\n", r.elapsed.Round(time.Millisecond))
}

// loadSession is the handler of one load client.
type loadSession struct {
	opts    connectOptions
	payload string
	report  *loadReport
	wg      *sync.WaitGroup
	once    sync.Once
	echoed  atomic.Int64
}

func (s *loadSession) finish() {
	s.once.Do(s.wg.Done)
}

func (s *loadSession) OnConnect(c *connection.Connection) {
	atomic.AddInt64(&s.report.connected, 1)

	for i := 0; i < s.opts.messages; i++ {
		if err := c.Send(message.NewText(message.SendText, s.payload)); err != nil {
			break
		}
		atomic.AddInt64(&s.report.sent, 1)
	}

	if s.opts.messages == 0 {
		s.finish()
	}
}

func (s *loadSession) OnConnectError(_ *client.Client, _ error) {
	atomic.AddInt64(&s.report.failed, 1)
	s.finish()
}

func (s *loadSession) OnMessage(_ *connection.Connection, msg *message.Message) error {
	if msg.Header.ID != message.SendText {
		return nil
	}

	atomic.AddInt64(&s.report.echoed, 1)
	if s.echoed.Add(1) == int64(s.opts.messages) {
		s.finish()
	}

	return nil
}

func (s *loadSession) OnMessageSent(*connection.Connection, *message.Message) {}

func (s *loadSession) OnDisconnect(*connection.Connection) {
	s.finish()
}

func runConnect(ctx context.Context, opts connectOptions, log logger.Logger) (*loadReport, error) {
	if opts.clients <= 0 {
		return nil, errors.New("--clients must be positive")
	}

	res, closer, err := newResolver(opts.resolveCache)
	if err != nil {
		return nil, err
	}
	defer closer.Close()

	ctx, cancel := context.WithTimeout(ctx, opts.timeout)
	defer cancel()

	exec := strand.NewExecutor(0)
	defer exec.Close()

	config := client.DefaultConfig()
	config.Resolver = res
	config.Executor = exec
	config.Logger = log
	config.Metrics = metrics.New()

	report := &loadReport{}
	payload := strings.Repeat("x", opts.size)
	start := time.Now()

	var wg sync.WaitGroup
	clients := make([]*client.Client, 0, opts.clients)
	for i := 0; i < opts.clients; i++ {
		wg.Add(1)
		h := &loadSession{opts: opts, payload: payload, report: report, wg: &wg}
		c := client.New(h, config)
		clients = append(clients, c)

		if err := c.Connect(ctx, opts.host, opts.port); err != nil {
			h.finish()
			log.Warn("connect rejected", logger.Err(err))
		}
	}

	done := make(chan struct{})
	go func() {
		wg.Wait()
		close(done)
	}()

	select {
	case <-done:
	case <-ctx.Done():
		log.Warn("deadline reached before every session finished", logger.Err(ctx.Err()))
	}

	for _, c := range clients {
		_ = c.Close()
	}

	report.elapsed = time.Since(start)
	return report, nil
}
