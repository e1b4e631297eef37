// Command auditd runs the website audit service: an HTTP API that crawls a
// site, evaluates its pages against the check catalogue, and scores the
// results, one resumable batch at a time.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"

	"github.com/agencykit/siteaudit/internal/config"
	"github.com/agencykit/siteaudit/internal/server"
)

func main() {
	cfgPath := flag.String("config", "", "Path to config file")
	flag.Parse()

	cfg, err := config.Load(*cfgPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "load config failed: %v\n", err)
		os.Exit(1)
	}

	ctx := context.Background()
	app, err := server.Build(ctx, cfg)
	if err != nil {
		fmt.Fprintf(os.Stderr, "build application failed: %v\n", err)
		os.Exit(1)
	}

	if err := app.Run(ctx); err != nil {
		fmt.Fprintf(os.Stderr, "run failed: %v\n", err)
		os.Exit(1)
	}
}
