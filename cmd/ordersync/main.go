// Package main starts the order synchronization client and handles
// termination.
//
// The process keeps a local, always-current view of restaurant orders for
// one device and role, reconciling the snapshot API with the realtime
// order event stream.
package main

import (
	"context"
	"flag"
	"log"
	"os"
	"os/signal"
	"syscall"

	ordersynccmd "github.com/smartrestaurant/ordersync/internal/cmd/ordersync"
	"github.com/smartrestaurant/ordersync/internal/platform/config"
)

func main() {
	cfg, err := ordersynccmd.ParseConfig(flag.CommandLine, os.Args[1:])
	if err != nil {
		config.Exitf("parse flags: %v", err)
	}
	log.SetPrefix("[ORDERSYNC] ")

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := ordersynccmd.Run(ctx, cfg); err != nil {
		log.Fatalf("failed to sync: %v", err)
	}
}
