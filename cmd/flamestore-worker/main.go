package main

import (
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/mdorier/flamestore/internal/config"
	"github.com/mdorier/flamestore/internal/server"
)

func main() {
	configPath := flag.String("config", "", "path to the configuration file")
	listen := flag.String("listen", "", "override the listen address")
	workspace := flag.String("workspace", "", "override the workspace directory")
	storagePath := flag.String("storage-path", "", "override the region store root")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
	if *listen != "" {
		cfg.Listen = *listen
	}
	if *workspace != "" {
		cfg.Workspace = *workspace
	}
	if *storagePath != "" {
		cfg.Backend.Config["storage-path"] = *storagePath
	}
	log := cfg.NewLogger()

	worker, err := server.NewWorker(cfg, log, server.MembershipOptions{})
	if err != nil {
		log.WithError(err).Fatal("starting worker failed")
	}

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		sig := <-sigCh
		log.WithField("signal", sig).Info("received shutdown signal")
		worker.Finalize()
	}()

	worker.WaitForFinalize()
	log.Info("worker has shut down")
}
