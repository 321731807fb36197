package main

import (
	"errors"
	"flag"
	"log"
	"os"
	"strings"

	migrate "github.com/golang-migrate/migrate/v4"
	"github.com/joho/godotenv"

	"github.com/noah-isme/paygate/internal/app"
	"github.com/noah-isme/paygate/internal/ledger"
)

func main() {
	var (
		databaseURL = flag.String("database-url", "", "database url; defaults to DATABASE_URL")
		direction   = flag.String("direction", "up", "up, down or version")
		steps       = flag.Int("steps", 0, "number of migrations to apply; 0 applies all (down requires steps)")
	)
	flag.Parse()
	_ = godotenv.Load()

	url := strings.TrimSpace(*databaseURL)
	if url == "" {
		url = strings.TrimSpace(os.Getenv("DATABASE_URL"))
	}
	if url == "" {
		log.Fatal("DATABASE_URL is required")
	}

	m, err := ledger.NewMigrator(url)
	if err != nil {
		log.Fatalf("open migrator: %v", err)
	}
	defer func() { _, _ = m.Close() }()

	switch *direction {
	case "up":
		if *steps > 0 {
			err = m.Steps(*steps)
		} else {
			err = app.RunMigrations(m)
		}
	case "down":
		if *steps <= 0 {
			log.Fatal("down requires -steps")
		}
		err = m.Steps(-*steps)
	case "version":
	default:
		log.Fatalf("unknown direction %q", *direction)
	}
	if err != nil && !errors.Is(err, migrate.ErrNoChange) {
		log.Fatalf("migrate %s: %v", *direction, err)
	}

	version, dirty, err := m.Version()
	if err != nil && !errors.Is(err, migrate.ErrNilVersion) {
		log.Fatalf("read version: %v", err)
	}
	log.Printf("ledger schema at version %d (dirty=%t)", version, dirty)
}
