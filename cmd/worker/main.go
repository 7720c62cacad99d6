package main

import (
	"context"
	"log"
	"os"
	"os/signal"
	"syscall"

	"clubcheck/internal/attendance"
	"clubcheck/internal/config"
	"clubcheck/internal/queue"
	"clubcheck/internal/store"
)

// Worker consumes mark messages and maintains running per-student attendance
// counters in redis for cheap dashboard reads.
func main() {
	cfg := config.Load()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-sigCh
		log.Println("shutdown signal received")
		cancel()
	}()

	db, err := store.NewDB(cfg.DatabaseURL)
	if err != nil {
		log.Fatalf("db connect failed: %v", err)
	}
	defer db.Close()

	redisClient := store.NewRedis(cfg.RedisAddr)

	var q queue.Queue
	if cfg.QueueBackend == "memory" {
		q = queue.NewInMemory(64)
	} else {
		q = queue.NewRedisQueue(redisClient.Client, "clubcheck:marks")
	}

	records := attendance.NewRepository(db.Client)

	messages, err := q.Consume(ctx)
	if err != nil {
		log.Fatalf("queue consume init failed: %v", err)
	}

	log.Println("worker started, waiting for messages...")
	for msg := range messages {
		if msg.Type != "mark" {
			continue
		}

		rec, err := records.Get(ctx, msg.RecordID)
		if err != nil {
			log.Printf("fetch record %s failed: %v", msg.RecordID, err)
			continue
		}

		total, err := redisClient.IncrAttendanceCount(ctx, rec.StudentID, rec.SectionID)
		if err != nil {
			log.Printf("counter update failed for record %s: %v", rec.ID, err)
			continue
		}
		log.Printf("record %s: student %d section %d method %s, running total %d",
			rec.ID, rec.StudentID, rec.SectionID, msg.Method, total)
	}

	log.Println("worker stopped")
}
