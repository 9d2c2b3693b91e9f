package main

import (
	"bytes"
	"context"
	"crypto/tls"
	"encoding/json"
	"flag"
	"fmt"
	"net/http"
	"os"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/segmentio/kafka-go"
)

// FeedChanged is the subset of the feed-changed event the bench reads
type FeedChanged struct {
	Account   string    `json:"account"`
	Kind      string    `json:"kind"`
	Op        string    `json:"op"`
	Inserted  int       `json:"inserted"`
	Committed time.Time `json:"committed"`
}

// e2e_bench measures the time from queueing a sync command over HTTP until the
// worker's feed-changed event for that feed shows up on Kafka.
func main() {
	var serverAddr, broker, eventsTopic, accounts, kind string
	var rounds, pollTimeout int
	var insecure bool

	flag.StringVar(&serverAddr, "server", "http://localhost:8080", "server base URL")
	flag.StringVar(&broker, "broker", "localhost:29092", "Kafka broker")
	flag.StringVar(&eventsTopic, "events", "feed-changed", "feed-changed topic")
	flag.StringVar(&accounts, "accounts", "", "comma-separated user@domain=access_token pairs")
	flag.StringVar(&kind, "kind", "home", "timeline kind to sync")
	flag.IntVar(&rounds, "rounds", 20, "sync commands per account")
	flag.IntVar(&pollTimeout, "timeout", 30, "seconds to wait for each event")
	flag.BoolVar(&insecure, "insecure", false, "skip TLS verification")
	flag.Parse()

	if accounts == "" {
		fmt.Println("-accounts is required")
		os.Exit(2)
	}
	ctx := context.Background()
	client := &http.Client{
		Transport: &http.Transport{TLSClientConfig: &tls.Config{InsecureSkipVerify: insecure}},
		Timeout:   10 * time.Second,
	}

	// --- 1) Sign in ---
	tokens := make(map[string]string)
	for _, pair := range strings.Split(accounts, ",") {
		account, accessToken, _ := strings.Cut(strings.TrimSpace(pair), "=")
		b, _ := json.Marshal(map[string]string{"account": account, "access_token": accessToken})
		resp, err := client.Post(serverAddr+"/accounts", "application/json", bytes.NewReader(b))
		if err != nil {
			fmt.Printf("sign-in error: %v\n", err)
			os.Exit(1)
		}
		var ar struct {
			Account string `json:"account"`
			Token   string `json:"token"`
		}
		err = json.NewDecoder(resp.Body).Decode(&ar)
		resp.Body.Close()
		if err != nil || ar.Token == "" {
			fmt.Printf("sign-in failed for %s: %v\n", account, err)
			os.Exit(1)
		}
		tokens[ar.Account] = ar.Token
	}

	// --- 2) Follow the events topic from its end ---
	reader := kafka.NewReader(kafka.ReaderConfig{
		Brokers:     []string{broker},
		Topic:       eventsTopic,
		StartOffset: kafka.LastOffset,
		MaxWait:     100 * time.Millisecond,
	})
	defer reader.Close()

	var mu sync.Mutex
	waiting := make(map[string]chan time.Time) // feed key -> waiter
	go func() {
		for {
			msg, err := reader.ReadMessage(ctx)
			if err != nil {
				return
			}
			var ev FeedChanged
			if json.Unmarshal(msg.Value, &ev) != nil {
				continue
			}
			mu.Lock()
			if ch, ok := waiting[ev.Account+"/"+ev.Kind]; ok {
				select {
				case ch <- time.Now():
				default:
				}
			}
			mu.Unlock()
		}
	}()

	// --- 3) Queue commands per account and wait for their events ---
	var latencies []float64
	var failCount int
	var wg sync.WaitGroup
	var latMu sync.Mutex

	for account, token := range tokens {
		key := account + "/" + kind
		ch := make(chan time.Time, 1)
		mu.Lock()
		waiting[key] = ch
		mu.Unlock()

		wg.Add(1)
		go func(token string, ch chan time.Time) {
			defer wg.Done()
			for i := 0; i < rounds; i++ {
				req, _ := http.NewRequestWithContext(ctx, http.MethodPost, serverAddr+"/timelines/"+kind+"/latest?async=true", nil)
				req.Header.Set("Authorization", "Bearer "+token)
				sent := time.Now()
				resp, err := client.Do(req)
				if err != nil || resp.StatusCode != http.StatusAccepted {
					if resp != nil {
						resp.Body.Close()
					}
					latMu.Lock()
					failCount++
					latMu.Unlock()
					continue
				}
				resp.Body.Close()

				select {
				case at := <-ch:
					latMu.Lock()
					latencies = append(latencies, at.Sub(sent).Seconds()*1000)
					latMu.Unlock()
				case <-time.After(time.Duration(pollTimeout) * time.Second):
					latMu.Lock()
					failCount++
					latMu.Unlock()
				}
			}
		}(token, ch)
	}
	wg.Wait()

	// --- 4) Report ---
	if len(latencies) == 0 {
		fmt.Printf("No completed syncs recorded (fails=%d).\n", failCount)
		return
	}
	sort.Float64s(latencies)
	var sum float64
	for _, v := range latencies {
		sum += v
	}
	fmt.Printf("Sync stats (ms): count=%d mean=%.2f p50=%.2f p90=%.2f p99=%.2f fails=%d\n",
		len(latencies), sum/float64(len(latencies)),
		latencies[len(latencies)*50/100], latencies[len(latencies)*90/100], latencies[len(latencies)*99/100], failCount)
}
