package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"strings"
	"time"

	"parkd/internal/config"
	"parkd/internal/db"
	"parkd/internal/models"
	"parkd/internal/repo"

	"gopkg.in/guregu/null.v4"
)

func main() {
	id := flag.String("id", "SPOT-1", "spot id")
	owner := flag.String("owner", "", "owner id")
	title := flag.String("title", "", "display title")
	serial := flag.String("lock", "", "lock device serial; empty for a spot without a lock")
	rate := flag.Float64("rate", 10, "hourly rate in whole currency units")
	migrate := flag.Bool("migrate", true, "apply pending migrations first")
	flag.Parse()

	if *rate < 0 {
		log.Fatal("rate must not be negative")
	}

	cfg := config.Load()

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	d, err := db.Connect(ctx, cfg.DatabaseURL)
	if err != nil {
		log.Fatal(err)
	}
	defer d.Close()

	if *migrate {
		if _, err := d.Migrate(ctx); err != nil {
			log.Fatal(err)
		}
	}

	lock := strings.TrimSpace(*serial)
	err = repo.NewSpotsRepo(d.Pool).Upsert(ctx, models.ParkingSpot{
		SpotId:     *id,
		OwnerId:    *owner,
		Title:      *title,
		LockSerial: null.NewString(lock, lock != ""),
		HourlyRate: *rate,
	})
	if err != nil {
		log.Fatal(err)
	}
	fmt.Println("Seeded spot:", *id, "lock=", lock, "rate=", *rate)
}
