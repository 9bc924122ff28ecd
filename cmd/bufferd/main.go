// Command bufferd runs the buffertable server: a sharded in-memory
// write buffer in front of a configured destination table, exposed over
// an HTTP API.
package main

import (
	"context"
	"flag"
	"log"

	"github.com/arkilian/buffertable/internal/app"
	"github.com/arkilian/buffertable/internal/config"
)

func main() {
	configPath := flag.String("config", "", "path to config file (.json, .yaml)")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Fatalf("bufferd: %v", err)
	}

	a, err := app.New(context.Background(), cfg)
	if err != nil {
		log.Fatalf("bufferd: failed to initialize: %v", err)
	}

	if err := a.Run(); err != nil {
		log.Fatalf("bufferd: %v", err)
	}
}
