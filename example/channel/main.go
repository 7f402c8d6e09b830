package main

import (
	"context"
	"fmt"
	"log"
	"time"

	fidasuplink "github.com/citiesair/fidas-uplink"
)

func main() {
	cfg, err := fidasuplink.LoadConfig("../../data/config.yaml")
	if err != nil {
		log.Fatalf("load config: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	uploader, batches, closeBatches := fidasuplink.NewChannelUploader("fanout", 32)
	defer closeBatches()

	go fanoutWorker("ingest", batches)

	rt, err := fidasuplink.NewRuntime(cfg, fidasuplink.WithUploader(uploader))
	if err != nil {
		log.Fatalf("build runtime: %v", err)
	}

	if err := rt.Run(ctx); err != nil && err != context.Canceled {
		log.Fatalf("uplink runtime exited: %v", err)
	}
}

func fanoutWorker(name string, batches <-chan []fidasuplink.Measurement) {
	for batch := range batches {
		fmt.Printf("[%s] forwarding %d measurements at %s\n", name, len(batch), time.Now().Format(time.RFC3339))
	}
}
