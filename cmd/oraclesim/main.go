// Command oraclesim publishes synthetic oracle readings to the ingest
// exchange. Useful for exercising a running ledgerd end to end.
package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"log"
	"math/rand"
	"time"

	"github.com/google/uuid"
	"github.com/joho/godotenv"
	amqp "github.com/rabbitmq/amqp091-go"

	"github.com/voltmark/energy-claim-ledger/internal/config"
	"github.com/voltmark/energy-claim-ledger/internal/service"
)

func main() {
	var (
		oracleID = flag.String("oracle", "oracle-1", "oracle identity to submit as")
		meterID  = flag.String("meter", "meter-001", "target meter id")
		count    = flag.Int("count", 10, "number of readings to publish")
		interval = flag.Duration("interval", time.Second, "delay between readings")
		maxDelta = flag.Uint64("max-delta", 5000, "upper bound on each generation delta")
	)
	flag.Parse()

	_ = godotenv.Load()
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("failed to load config: %v", err)
	}
	if cfg.RabbitMQ.URL == "" {
		log.Fatal("RABBITMQ_URL is required")
	}

	conn, err := amqp.Dial(cfg.RabbitMQ.URL)
	if err != nil {
		log.Fatalf("failed to connect to RabbitMQ: %v", err)
	}
	defer conn.Close()

	ch, err := conn.Channel()
	if err != nil {
		log.Fatalf("failed to open channel: %v", err)
	}
	defer ch.Close()

	if err := ch.ExchangeDeclare(cfg.RabbitMQ.IngestExchange, "topic", true, false, false, false, nil); err != nil {
		log.Fatalf("failed to declare exchange: %v", err)
	}

	ctx := context.Background()
	readingAt := time.Now().UTC()

	for i := 0; i < *count; i++ {
		readingAt = readingAt.Add(*interval)
		msg := service.ReadingMessage{
			RequestID:        uuid.New().String(),
			OracleID:         *oracleID,
			MeterID:          *meterID,
			GenerationDelta:  rand.Uint64() % (*maxDelta + 1),
			ConsumptionDelta: rand.Uint64() % (*maxDelta/4 + 1),
			ReadingTimestamp: readingAt.Format(time.RFC3339),
			ReceivedAt:       time.Now().UTC(),
		}
		body, err := json.Marshal(msg)
		if err != nil {
			log.Fatalf("failed to marshal reading: %v", err)
		}

		err = ch.PublishWithContext(ctx,
			cfg.RabbitMQ.IngestExchange,
			cfg.RabbitMQ.IngestRoutingKey,
			false, false,
			amqp.Publishing{
				ContentType:  "application/json",
				Body:         body,
				DeliveryMode: amqp.Persistent,
			},
		)
		if err != nil {
			log.Fatalf("failed to publish reading: %v", err)
		}
		fmt.Printf("published reading %d/%d meter=%s gen=%d cons=%d\n",
			i+1, *count, msg.MeterID, msg.GenerationDelta, msg.ConsumptionDelta)

		time.Sleep(*interval)
	}
}
