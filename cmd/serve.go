package cmd

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"os"

	"anthropic-relay/internal/backend"
	"anthropic-relay/internal/config"
	"anthropic-relay/internal/logging"
	"anthropic-relay/internal/server"
)

const serveUsage = `Usage:
  anthropic-relay serve [--config <path>] [--port <port>]

Flags:
  --config string   Path to YAML configuration file (optional; environment
                    variables are used when omitted)
  --port   int      Override server port from configuration`

func serve(ctx context.Context, args []string) error {
	fs := flag.NewFlagSet("serve", flag.ContinueOnError)
	fs.Usage = func() {
		fmt.Fprintln(os.Stderr, serveUsage)
	}

	var cfgPath string
	var overridePort int
	fs.StringVar(&cfgPath, "config", "", "path to configuration file")
	fs.IntVar(&overridePort, "port", 0, "override server port")

	if err := fs.Parse(args); err != nil {
		if errors.Is(err, flag.ErrHelp) {
			return nil
		}
		return fmt.Errorf("parse serve flags: %w", err)
	}

	cfg, err := config.Load(cfgPath)
	if err != nil {
		return err
	}

	if overridePort != 0 {
		if overridePort <= 0 || overridePort > 65535 {
			return fmt.Errorf("port override %d must be a valid TCP port", overridePort)
		}
		cfg.Server.Port = overridePort
	}

	if err := logging.Setup(cfg.Logging); err != nil {
		return err
	}

	dispatcher := backend.New(cfg.Backend)

	srv, err := server.New(cfg, dispatcher)
	if err != nil {
		return err
	}

	return srv.Run(ctx)
}
