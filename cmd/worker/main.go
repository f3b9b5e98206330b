package main

import (
	"context"
	"encoding/json"
	"os"
	"os/signal"
	"strings"
	"sync"
	"syscall"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
	"go.uber.org/zap"

	"github.com/suPer8Hu/chat-relay/internal/ai"
	"github.com/suPer8Hu/chat-relay/internal/chat"
	"github.com/suPer8Hu/chat-relay/internal/config"
	"github.com/suPer8Hu/chat-relay/internal/db"
	"github.com/suPer8Hu/chat-relay/internal/logger"
	"github.com/suPer8Hu/chat-relay/internal/store/rabbitmq"
)

const (
	maxAttempts = 3
	retryDelay  = 10 * time.Second
)

func main() {
	cfg := config.Load()

	log := logger.New(cfg.LogFilePath, cfg.IsProduction()).Named("worker")
	defer func() { _ = log.Sync() }()

	gdb := db.MustConnect(cfg.DBDriver, cfg.DBDSN, log)

	svc := chat.NewService(
		chat.NewRepo(gdb),
		chat.NewEphemeralStore(cfg.EphemeralMaxMessages, cfg.EphemeralMaxSessions, cfg.EphemeralTTL),
		cfg.ChatContextWindowSize,
		log,
	).WithTitles(ai.NewClient(cfg.AIServerURL, cfg.AISetupTimeout), nil)

	retries, err := rabbitmq.NewPublisher(cfg.RabbitURL, cfg.RabbitQueue)
	if err != nil {
		log.Fatal("rabbit publisher", zap.Error(err))
	}
	defer retries.Close()

	conn, err := amqp.Dial(cfg.RabbitURL)
	if err != nil {
		log.Fatal("rabbit dial", zap.Error(err))
	}
	defer conn.Close()

	ch, err := conn.Channel()
	if err != nil {
		log.Fatal("rabbit channel", zap.Error(err))
	}
	defer ch.Close()

	if err := rabbitmq.DeclareTopology(ch, cfg.RabbitQueue); err != nil {
		log.Fatal("queue declare", zap.Error(err))
	}

	//  strict concurrency control
	concurrency := cfg.WorkerConcurrency
	if err := ch.Qos(concurrency, 0, false); err != nil {
		log.Fatal("qos", zap.Error(err))
	}

	msgs, err := ch.Consume(cfg.RabbitQueue, "", false, false, false, false, nil)
	if err != nil {
		log.Fatal("consume", zap.Error(err))
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	log.Info("worker started", zap.String("queue", cfg.RabbitQueue), zap.Int("concurrency", concurrency))

	// worker pool
	jobs := make(chan amqp.Delivery, concurrency*2)

	var wg sync.WaitGroup
	wg.Add(concurrency)
	for i := 0; i < concurrency; i++ {
		go func(workerID int) {
			defer wg.Done()
			wlog := log.With(zap.Int("worker", workerID))
			for d := range jobs {
				handleDelivery(ctx, wlog, svc, retries, d)
			}
		}(i)
	}

	// dispatcher
	for {
		select {
		case <-ctx.Done():
			log.Info("worker shutting down")
			close(jobs)
			wg.Wait()
			return

		case d, ok := <-msgs:
			if !ok {
				log.Error("delivery channel closed")
				close(jobs)
				wg.Wait()
				return
			}
			jobs <- d
		}
	}
}

// handleDelivery acks on success, parks failed jobs on the retry queue, and
// dead-letters malformed or exhausted ones.
func handleDelivery(ctx context.Context, log *zap.Logger, svc *chat.Service, retries *rabbitmq.Publisher, d amqp.Delivery) {
	var job rabbitmq.TitleJob
	if err := json.Unmarshal(d.Body, &job); err != nil || strings.TrimSpace(job.SessionID) == "" {
		log.Warn("bad title job", zap.Error(err), zap.ByteString("body", d.Body))
		_ = d.Nack(false, false)
		return
	}
	log = log.With(zap.String("session_id", job.SessionID), zap.Int("attempt", job.Attempt))

	start := time.Now()
	jobCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 60*time.Second)
	err := svc.GenerateTitle(jobCtx, job.SessionID, job.Message)
	cancel()

	if err == nil {
		if err := d.Ack(false); err != nil {
			log.Warn("ack failed", zap.Error(err))
		}
		log.Debug("title stored", zap.Duration("cost", time.Since(start)))
		return
	}

	if job.Attempt+1 < maxAttempts {
		rerr := retries.Retry(ctx, job, retryDelay)
		if rerr == nil {
			log.Warn("title job failed, retry scheduled", zap.Error(err))
			_ = d.Ack(false)
			return
		}
		log.Error("retry publish failed", zap.Error(rerr))
	}
	log.Error("title job dead-lettered", zap.Error(err), zap.Duration("cost", time.Since(start)))
	_ = d.Nack(false, false)
}
