package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/bdobrica/Kioku/common/observability"
	"github.com/bdobrica/Kioku/common/version"
	"github.com/bdobrica/Kioku/internal/shoko/app"
	"github.com/bdobrica/Kioku/internal/shoko/config"
)

func main() {
	os.Exit(run())
}

func run() int {
	var (
		configPath    = flag.String("config", "", "path to config.yaml")
		addr          = flag.String("addr", "", "SSE listen address (overrides config)")
		stdio         = flag.Bool("stdio", false, "serve MCP over stdin/stdout instead of HTTP")
		skipConfigGen = flag.Bool("skip-config-gen", false, "do not write the MCP client config on startup")
		logLevel      = flag.String("log-level", "", "log level: debug, info, warn, error")
		logFormat     = flag.String("log-format", "", "log format: text or json")
		showVersion   = flag.Bool("version", false, "print version and exit")
	)
	flag.Parse()

	if *showVersion {
		fmt.Printf("shoko %s (%s, %s)\n", version.Version, version.GitCommit, version.BuildTime)
		return 0
	}

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "shoko: %v\n", err)
		if errors.Is(err, config.ErrConfig) {
			return 1
		}
		return 2
	}

	if *addr != "" {
		cfg.Addr = *addr
	}
	if *stdio {
		cfg.Stdio = true
	}
	if *skipConfigGen {
		cfg.SkipConfigGen = true
	}
	if *logLevel != "" {
		cfg.LogLevel = *logLevel
	}
	if *logFormat != "" {
		cfg.LogFormat = *logFormat
	}

	// Over stdio the protocol owns stdout, so logs move to stderr.
	if cfg.Stdio {
		observability.SetupStderr(cfg.LogLevel, cfg.LogFormat)
	} else {
		observability.Setup(cfg.LogLevel, cfg.LogFormat)
	}

	a, err := app.New(cfg)
	if err != nil {
		fmt.Fprintf(os.Stderr, "shoko: %v\n", err)
		return 2
	}
	defer a.Close()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := a.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
		fmt.Fprintf(os.Stderr, "shoko: %v\n", err)
		return 2
	}
	return 0
}
