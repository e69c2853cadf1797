package main

import (
	"context"
	"flag"
	"fmt"
	"os/signal"
	"syscall"

	"github.com/todoki/todoki/internal/logging"
	"github.com/todoki/todoki/internal/server/config"
	"github.com/todoki/todoki/server"
)

func runServer(args []string) error {
	fs := flag.NewFlagSet("server", flag.ExitOnError)
	cfg := config.DefineFlags(fs)
	showVersion := fs.Bool("version", false, "print version and exit")
	logLevel := fs.String("log-level", "info", "log level (debug, info, warn, error)")
	_ = fs.Parse(args)

	if *showVersion {
		fmt.Println(version)
		return nil
	}
	if err := setLogLevel(*logLevel); err != nil {
		return err
	}

	logging.PrintBanner("server", version, cfg.Addr)

	srv, err := server.New(cfg)
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	return srv.Serve(ctx)
}

func setLogLevel(level string) error {
	parsed, err := logging.ParseLevel(level)
	if err != nil {
		return err
	}
	logging.SetLevel(parsed)
	return nil
}
