// Package main provides the fieldsim binary: simulated field controllers
// publishing sensor samples for every equipment on the roster. Used in
// development and e2e setups in place of real building hardware.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/atriumbms/atrium/internal/config"
	"github.com/atriumbms/atrium/internal/fieldsim"
	"github.com/atriumbms/atrium/internal/roster"
)

func main() {
	cfg, err := config.FromEnv()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error loading configuration: %v\n", err)
		os.Exit(1)
	}

	influxURL := flag.String("influx-url", cfg.InfluxURL, "Time-series store URL")
	database := flag.String("database", cfg.InfluxDatabase, "Time-series database name")
	rosterPath := flag.String("roster", cfg.RosterPath, "Equipment roster file")
	interval := flag.Duration("interval", fieldsim.DefaultInterval, "Publish interval")
	flag.Parse()

	fleet, err := roster.Load(*rosterPath, nil)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error loading roster %s: %v\n", *rosterPath, err)
		os.Exit(1)
	}

	sim, err := fieldsim.New(*influxURL, *database, fleet.All())
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error creating simulator: %v\n", err)
		os.Exit(1)
	}
	sim.SetInterval(*interval)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if err := sim.Start(ctx); err != nil {
		fmt.Fprintf(os.Stderr, "Error starting simulator: %v\n", err)
		os.Exit(1)
	}

	fmt.Printf("Field simulator publishing %d equipment to %s every %s\n",
		fleet.Size(), *influxURL, *interval)
	fmt.Println("Press Ctrl+C to stop")

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	<-sigChan

	fmt.Println("\nShutting down...")
	stopCtx, stopCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer stopCancel()
	sim.Stop(stopCtx)
	sim.Close()
	fmt.Println("Field simulator stopped")
}
