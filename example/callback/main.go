package main

import (
	"context"
	"fmt"
	"log"
	"time"

	"github.com/citiesair/fidas-uplink/pkg/uplink"
)

// Publishes a few synthetic measurements through the durable pipeline and
// prints the batches the pump delivers.
func main() {
	sink := func(batch []uplink.Measurement) error {
		for _, m := range batch {
			fmt.Printf("%s sensor=%s seq=%d values=%v\n",
				m.Timestamp.Format(time.RFC3339),
				m.SensorID,
				m.Seq,
				m.Values,
			)
		}
		return nil
	}

	pub, err := uplink.NewPublisher(&uplink.PublisherConfig{StoreDir: "./data/example-publisher"}, sink)
	if err != nil {
		log.Fatalf("new publisher: %v", err)
	}

	for i := 0; i < 5; i++ {
		m := uplink.Measurement{
			SensorID:  "demo",
			Timestamp: time.Now(),
			Values:    map[string]float64{"PM2.5": 12.5 + float64(i)},
		}
		if err := pub.Publish(m); err != nil {
			log.Fatalf("publish: %v", err)
		}
		time.Sleep(100 * time.Millisecond)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := pub.Close(ctx); err != nil {
		log.Fatalf("close publisher: %v", err)
	}
}
