package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gocql/gocql"
	"github.com/segmentio/kafka-go"
)

// SyncCommand mirrors the message the server queues for the workers
type SyncCommand struct {
	ID      string `json:"id"`
	Account string `json:"account"`
	Kind    string `json:"kind"`
	Op      string `json:"op"`
}

func main() {
	var broker, topic, accounts, kinds string
	var total, batchSize, numWorkers int

	flag.StringVar(&broker, "broker", "localhost:29092", "Kafka broker")
	flag.StringVar(&topic, "topic", "sync-commands", "sync command topic")
	flag.StringVar(&accounts, "accounts", "", "comma-separated user@domain accounts known to the workers")
	flag.StringVar(&kinds, "kinds", "home,local,public", "comma-separated timeline kinds")
	flag.IntVar(&total, "n", 10000, "total number of commands to send")
	flag.IntVar(&batchSize, "batch", 100, "batch size for sending messages")
	flag.IntVar(&numWorkers, "workers", 4, "number of parallel goroutines")
	flag.Parse()

	if accounts == "" {
		fmt.Println("-accounts is required")
		return
	}
	accountList := strings.Split(accounts, ",")
	kindList := strings.Split(kinds, ",")

	// Kafka writer with asynchronous sending enabled
	w := kafka.NewWriter(kafka.WriterConfig{
		Brokers: []string{broker},
		Topic:   topic,
		Async:   true,
	})
	defer w.Close()

	start := time.Now()
	var successCount, failCount uint64

	jobs := make(chan int, total)
	var wg sync.WaitGroup

	// --- Start worker goroutines ---
	for wID := 0; wID < numWorkers; wID++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			batch := make([]kafka.Message, 0, batchSize)

			flush := func() {
				if len(batch) == 0 {
					return
				}
				if err := w.WriteMessages(context.Background(), batch...); err != nil {
					atomic.AddUint64(&failCount, uint64(len(batch)))
					fmt.Printf("write error: %v\n", err)
				} else {
					atomic.AddUint64(&successCount, uint64(len(batch)))
				}
				batch = batch[:0]
			}

			for i := range jobs {
				// time-based IDs keep commands ordered by creation in logs
				cmd := SyncCommand{
					ID:      gocql.TimeUUID().String(),
					Account: accountList[i%len(accountList)],
					Kind:    kindList[(i/len(accountList))%len(kindList)],
					Op:      "latest",
				}
				v, err := json.Marshal(cmd)
				if err != nil {
					atomic.AddUint64(&failCount, 1)
					continue
				}

				// keyed by feed so one feed's commands stay on one partition
				batch = append(batch, kafka.Message{
					Key:   []byte(cmd.Account + "/" + cmd.Kind),
					Value: v,
				})
				if len(batch) >= batchSize {
					flush()
				}
			}
			flush()
		}()
	}

	for i := 0; i < total; i++ {
		jobs <- i
	}
	close(jobs)
	wg.Wait()

	// --- Benchmark results ---
	elapsed := time.Since(start)
	fmt.Printf("Total commands: %d\n", total)
	fmt.Printf("Successful: %d, Failed: %d\n", successCount, failCount)
	fmt.Printf("Elapsed time: %s\n", elapsed)
	fmt.Printf("Throughput: %.2f msg/s\n", float64(successCount)/elapsed.Seconds())
}
