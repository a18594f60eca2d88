package main

import (
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/mdorier/flamestore/internal/config"
	"github.com/mdorier/flamestore/internal/server"

	_ "github.com/mdorier/flamestore/internal/backend/distributed"
	_ "github.com/mdorier/flamestore/internal/backend/memory"
)

func main() {
	configPath := flag.String("config", "", "path to the configuration file")
	listen := flag.String("listen", "", "override the listen address")
	workspace := flag.String("workspace", "", "override the workspace directory")
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
	log := cfg.NewLogger()

	master, err := server.NewMaster(cfg, log, server.MembershipOptions{})
	if err != nil {
		log.WithError(err).Fatal("starting master failed")
	}

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		sig := <-sigCh
		log.WithField("signal", sig).Info("received shutdown signal")
		master.Finalize()
	}()

	master.WaitForFinalize()
	log.Info("master has shut down")
}
