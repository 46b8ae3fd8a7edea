package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"shellq/internal/daemon"
)

func main() {
	var cfgPath string
	flag.StringVar(&cfgPath, "config", "./shellq.yaml", "path to config file (yaml or json)")
	flag.Parse()

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	app, err := daemon.NewApp(cfgPath)
	if err != nil {
		fmt.Fprintln(os.Stderr, "fatal:", err)
		os.Exit(1)
	}

	if err := app.Start(ctx); err != nil {
		fmt.Fprintln(os.Stderr, "fatal start:", err)
		os.Exit(1)
	}

	// A SIGINT/SIGTERM, a protocol shutdown request, or a fatal component
	// error all end the run context.
	select {
	case <-ctx.Done():
	case <-app.Done():
	}

	_ = app.Stop(context.Background())
	if err := app.Err(); err != nil {
		fmt.Fprintln(os.Stderr, "fatal:", err)
		os.Exit(1)
	}
}
