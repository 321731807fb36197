package main

import (
	"context"
	"flag"
	"log"
	"os"
	"strings"
	"time"

	"github.com/hibiken/asynq"
	"github.com/joho/godotenv"

	"github.com/noah-isme/paygate/internal/reconcile"
)

// Enqueues reconciliation checks by hand, for example after a processor outage.
func main() {
	var (
		redisURL = flag.String("redis-url", "", "redis url; defaults to REDIS_URL")
		gateway  = flag.String("gateway", "", "gateway that owns the transactions")
		ids      = flag.String("ids", "", "comma separated processor transaction ids")
		delay    = flag.Duration("delay", 0, "delay before the checks run")
	)
	flag.Parse()
	_ = godotenv.Load()

	url := strings.TrimSpace(*redisURL)
	if url == "" {
		url = strings.TrimSpace(os.Getenv("REDIS_URL"))
	}
	if url == "" {
		log.Fatal("REDIS_URL is required")
	}
	if strings.TrimSpace(*gateway) == "" || strings.TrimSpace(*ids) == "" {
		log.Fatal("-gateway and -ids are required")
	}

	opt, err := asynq.ParseRedisURI(url)
	if err != nil {
		log.Fatalf("parse redis url: %v", err)
	}
	client := asynq.NewClient(opt)
	defer func() { _ = client.Close() }()

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	enqueuer := reconcile.Enqueuer{Client: client, Delay: *delay}
	count := 0
	for _, id := range strings.Split(*ids, ",") {
		id = strings.TrimSpace(id)
		if id == "" {
			continue
		}
		if err := enqueuer.Enqueue(ctx, *gateway, id); err != nil {
			log.Fatalf("enqueue %s: %v", id, err)
		}
		count++
	}
	log.Printf("enqueued %d reconcile checks for %s", count, *gateway)
}
