package main

import (
	"context"
	"errors"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"presenca/internal/config"
	"presenca/internal/face"
	"presenca/internal/queue"
	"presenca/internal/record"
	"presenca/internal/store"
)

// Worker consumes queued record ids and re-checks the evidence snapshot
// against the face service, marking each record processed or failed.
func main() {
	cfg := config.Load()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Graceful shutdown
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-sigCh
		log.Println("shutdown signal received")
		cancel()
	}()

	db, err := store.NewDB(ctx, cfg.DatabaseURL)
	if err != nil {
		log.Fatalf("db connect failed: %v", err)
	}
	defer db.Close()

	redisClient := store.NewRedis(cfg.RedisAddr)

	var q queue.Queue
	if cfg.QueueBackend == "memory" {
		q = queue.NewInMemory(64)
	} else {
		q = queue.NewRedisQueue(redisClient.Client, "presenca:records")
	}

	repo := record.NewRepository(db.Client)
	recognizer := face.NewClient(cfg.FaceServiceURL, cfg.FaceSkip)

	if !cfg.FaceSkip {
		if err := recognizer.Health(ctx); err != nil {
			log.Printf("WARNING: face service not available: %v", err)
			log.Println("worker will retry face processing when records arrive")
		} else {
			log.Println("face service connected")
		}
	}

	messages, err := q.Consume(ctx)
	if err != nil {
		log.Fatalf("queue consume init failed: %v", err)
	}

	// Reference descriptor used to score evidence snapshots, computed once.
	var reference []float32
	if cfg.ReferenceImage != "" {
		reference, err = recognizer.DescriptorFromURL(ctx, cfg.ReferenceImage)
		if err != nil {
			log.Printf("WARNING: reference descriptor unavailable: %v", err)
		}
	}

	log.Println("worker started, waiting for messages...")
	for msg := range messages {
		if msg.Type != "record" {
			continue
		}

		id := msg.Body
		log.Printf("processing record %s", id)

		rec, err := repo.Get(ctx, id)
		if err != nil {
			log.Printf("fetch record %s failed: %v", id, err)
			continue
		}

		// Records without an evidence snapshot were verified on-device only;
		// nothing further to check.
		if rec.ImageURL == "" {
			_ = repo.UpdateStatus(ctx, id, "processed", nil)
			log.Printf("record %s processed (no evidence image)", id)
			continue
		}

		descriptor, err := recognizer.DescriptorFromURL(ctx, rec.ImageURL)
		if err != nil {
			if errors.Is(err, face.ErrNoFace) {
				log.Printf("record %s: no face in evidence image", id)
				_ = repo.UpdateStatus(ctx, id, "failed", nil)
				continue
			}
			log.Printf("face embed failed for %s: %v", id, err)
			_ = repo.UpdateStatus(ctx, id, "failed", nil)
			continue
		}

		if reference != nil {
			distance, derr := face.EuclideanDistance(reference, descriptor)
			if derr != nil {
				log.Printf("record %s: distance failed: %v", id, derr)
				_ = repo.UpdateStatus(ctx, id, "failed", nil)
				continue
			}
			log.Printf("record %s: evidence distance %.3f", id, distance)
			_ = repo.UpdateStatus(ctx, id, "processed", &distance)
		} else {
			_ = repo.UpdateStatus(ctx, id, "processed", nil)
		}
		log.Printf("record %s processed successfully", id)

		time.Sleep(10 * time.Millisecond) // Small delay between processing
	}

	log.Println("worker stopped")
}
