package main

import (
	"context"
	"log"
	"os/signal"
	"syscall"

	fidasuplink "github.com/citiesair/fidas-uplink"
)

func main() {
	cfg, err := fidasuplink.LoadConfig("../../data/config.yaml")
	if err != nil {
		log.Fatalf("load config: %v", err)
	}

	rt, err := fidasuplink.NewRuntime(cfg)
	if err != nil {
		log.Fatalf("build runtime: %v", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := rt.Run(ctx); err != nil && err != context.Canceled {
		log.Fatalf("uplink runtime exited: %v", err)
	}
}
