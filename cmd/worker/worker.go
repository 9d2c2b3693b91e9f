package worker

import (
	"context"
	"fmt"
	"math"
	"runtime"
	"sync"
	"time"

	appkafka "example.com/timelinesync/internal/broker"
	"example.com/timelinesync/internal/logger"
	"example.com/timelinesync/internal/models"
	"example.com/timelinesync/internal/timeline"
	"go.uber.org/zap"
)

var logg = logger.New()

// Syncer runs sync cycles. *timeline.Orchestrator implements it.
type Syncer interface {
	LoadLatest(ctx context.Context, key models.FeedKey) (timeline.Outcome, error)
	LoadOldest(ctx context.Context, key models.FeedKey) (timeline.Outcome, error)
	LoadMore(ctx context.Context, key models.FeedKey, anchor string) (timeline.Outcome, error)
}

// Worker consumes sync commands from Kafka and runs them concurrently.
type Worker struct {
	syncer       Syncer
	reader       appkafka.KafkaReader
	workerCount  int
	jobQueueSize int
}

// New creates a new concurrent Worker using pre-initialized dependencies.
func New(syncer Syncer, reader appkafka.KafkaReader, workerCount, jobQueueSize int) *Worker {
	if workerCount <= 0 {
		workerCount = runtime.NumCPU()
	}
	if jobQueueSize <= 0 {
		jobQueueSize = workerCount * 10
	}
	return &Worker{
		syncer:       syncer,
		reader:       reader,
		workerCount:  workerCount,
		jobQueueSize: jobQueueSize,
	}
}

// Run starts message reading and concurrent processing.
func (w *Worker) Run(ctx context.Context) {
	if w.workerCount <= 0 {
		w.workerCount = 1
	}
	if w.jobQueueSize <= 0 {
		w.jobQueueSize = 10
	}

	logg.Info("worker", "Starting "+fmt.Sprint(w.workerCount)+" workers with queue size "+fmt.Sprint(w.jobQueueSize))

	jobs := make(chan []byte, w.jobQueueSize)
	var wg sync.WaitGroup

	for i := 0; i < w.workerCount; i++ {
		wg.Add(1)
		go func(id int) {
			defer wg.Done()
			w.processLoop(ctx, jobs)
		}(i)
	}

	w.readLoop(ctx, jobs)

	close(jobs)
	wg.Wait()
	logg.Info("worker", "All workers stopped gracefully")
}

// readLoop reads Kafka messages and pushes them into a job queue.
func (w *Worker) readLoop(ctx context.Context, jobs chan<- []byte) {
	var retry int
	for {
		select {
		case <-ctx.Done():
			return
		default:
			msg, err := w.reader.ReadMessage(ctx)
			if err != nil {
				if ctx.Err() != nil {
					return
				}
				logg.Error("worker", "Kafka read error, backing off", err)
				if !waitWithContext(ctx, backoff(retry)) {
					return
				}
				retry++
				continue
			}
			retry = 0

			if len(msg.Value) == 0 {
				if !waitWithContext(ctx, 50*time.Millisecond) {
					return
				}
				continue
			}

			select {
			case jobs <- msg.Value:
			case <-ctx.Done():
				return
			case <-time.After(100 * time.Millisecond):
				logg.Info("worker", "Queue full, waiting to enqueue Kafka message")
				select {
				case jobs <- msg.Value:
				case <-ctx.Done():
					return
				}
			}
		}
	}
}

// processLoop decodes commands and runs them one at a time.
func (w *Worker) processLoop(ctx context.Context, jobs <-chan []byte) {
	for {
		select {
		case <-ctx.Done():
			return
		case data, ok := <-jobs:
			if !ok {
				return
			}
			if err := w.handle(ctx, data); err != nil {
				logg.Error("worker", "Sync command failed", err)
			}
		}
	}
}

// handle runs one encoded sync command. A failed cycle is reported and not
// retried; the feed's state machine records the failure.
func (w *Worker) handle(ctx context.Context, data []byte) error {
	cmd, key, err := appkafka.DecodeSyncCommand(data)
	if err != nil {
		return err
	}

	out, err := w.run(ctx, key, cmd)
	if err != nil {
		return fmt.Errorf("command %s (%s %s): %w", cmd.ID, cmd.Op, key.Kind, err)
	}
	logg.Info("worker", "Sync command done",
		zap.String("command", cmd.ID),
		zap.String("account", logger.Anonymize(cmd.Account)),
		zap.String("op", string(cmd.Op)),
		zap.Int("inserted", out.Inserted),
		zap.Int("updated", out.Updated))
	return nil
}

func (w *Worker) run(ctx context.Context, key models.FeedKey, cmd models.SyncCommand) (timeline.Outcome, error) {
	switch cmd.Op {
	case models.OpOldest:
		return w.syncer.LoadOldest(ctx, key)
	case models.OpMore:
		return w.syncer.LoadMore(ctx, key, cmd.Anchor)
	default:
		return w.syncer.LoadLatest(ctx, key)
	}
}

// backoff grows exponentially up to one second.
func backoff(retry int) time.Duration {
	return time.Duration(math.Min(1000, math.Pow(2, float64(retry)))) * time.Millisecond
}

// waitWithContext waits for duration or context cancellation.
func waitWithContext(ctx context.Context, d time.Duration) bool {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-timer.C:
		return true
	}
}

// Close shuts down the Kafka reader.
func (w *Worker) Close() error {
	logg.Info("worker", "Closing Kafka reader")
	if err := w.reader.Close(); err != nil {
		logg.Error("worker", "Error closing Kafka reader", err)
		return err
	}
	return nil
}
