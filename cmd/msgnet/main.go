package main

import (
	"fmt"
	"os"

	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"github.com/cyberinferno/go-msgnet/logger"
)

// Version information set at build time.
var (
	version = "dev"
	commit  = "none"
	date    = "unknown"
)

func main() {
	if err := rootCmd().Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %s\n", err)
		os.Exit(1)
	}
}

func rootCmd() *cobra.Command {
	var opts logOptions

	root := &cobra.Command{
		Use:   "msgnet",
		Short: "Framed TCP messaging server and load client",
		Long: `msgnet runs a framed TCP messaging server or drives clients against one.

Examples:
  msgnet serve --listen 127.0.0.1:9000 --admin 127.0.0.1:9100
  msgnet connect --host 127.0.0.1 --port 9000 --clients 50 --messages 100`,
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	root.PersistentFlags().StringVar(&opts.level, "log-level", "info", "Log level (trace, debug, info, warn, error)")
	root.PersistentFlags().StringVar(&opts.format, "log-format", "console", "Log format (console or json)")

	root.AddCommand(
		serveCmd(&opts),
		connectCmd(&opts),
		versionCmd(),
	)

	return root
}

type logOptions struct {
	level  string
	format string
}

// newLogger builds the process logger from the persistent flags.
func (o *logOptions) newLogger(component string) (logger.Logger, error) {
	level, err := logger.ParseLevel(o.level)
	if err != nil {
		return nil, err
	}

	switch o.format {
	case "", "console":
		return logger.NewConsoleLogger(os.Stderr, component, level), nil
	case "json":
		return logger.NewZerologLogger(zerolog.New(os.Stdout), component, level), nil
	default:
		return nil, fmt.Errorf("unknown log format %q", o.format)
	}
}
