package main

import (
	"bytes"
	"crypto/tls"
	"encoding/csv"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"net/http"
	"os"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"
)

// AccountResp represents the server's response to a sign-in
type AccountResp struct {
	Account string `json:"account"`
	Token   string `json:"token"`
}

func main() {
	// --- Command-line flags ---
	var server, accounts, kind, mode, csvFile string
	var duration, concurrency int
	var trimPercent float64
	var insecure bool

	flag.StringVar(&server, "server", "http://localhost:8080", "server base URL")
	flag.StringVar(&accounts, "accounts", "", "comma-separated user@domain=access_token pairs")
	flag.StringVar(&kind, "kind", "home", "timeline kind to hit")
	flag.StringVar(&mode, "mode", "read", "read (GET the stored feed) or latest (run a top load per request)")
	flag.IntVar(&duration, "duration", 30, "duration in seconds")
	flag.IntVar(&concurrency, "c", 50, "number of concurrent goroutines")
	flag.StringVar(&csvFile, "csv", "latencies.csv", "CSV file to save latencies")
	flag.Float64Var(&trimPercent, "trim", 1.0, "percent of latency to trim from top and bottom for trimmed mean")
	flag.BoolVar(&insecure, "insecure", false, "skip TLS verification for self-signed certificates")
	flag.Parse()

	if accounts == "" {
		fmt.Println("-accounts is required")
		os.Exit(2)
	}

	client := &http.Client{
		Transport: &http.Transport{TLSClientConfig: &tls.Config{InsecureSkipVerify: insecure}},
		Timeout:   30 * time.Second,
	}

	// --- Sign in every account once ---
	var tokens []string
	for _, pair := range strings.Split(accounts, ",") {
		account, accessToken, _ := strings.Cut(strings.TrimSpace(pair), "=")
		b, _ := json.Marshal(map[string]string{"account": account, "access_token": accessToken})
		resp, err := client.Post(server+"/accounts", "application/json", bytes.NewReader(b))
		if err != nil {
			panic(fmt.Sprintf("failed to sign in %s: %v", account, err))
		}
		var ar AccountResp
		if err := json.NewDecoder(resp.Body).Decode(&ar); err != nil || ar.Token == "" {
			resp.Body.Close()
			panic(fmt.Sprintf("failed to decode sign-in response for %s: %v", account, err))
		}
		resp.Body.Close()
		tokens = append(tokens, ar.Token)
	}
	fmt.Printf("Signed in %d accounts.\n", len(tokens))

	method, path := http.MethodGet, "/timelines/"+kind+"?limit=40"
	if mode == "latest" {
		method, path = http.MethodPost, "/timelines/"+kind+"/latest"
	}

	// --- Load phase ---
	stopTime := time.Now().Add(time.Duration(duration) * time.Second)
	var wg sync.WaitGroup

	// Atomic counters for thread-safe tracking
	var requests, successes, errors4xx, errors5xx int64
	latencySlices := make([][]float64, concurrency)

	for i := 0; i < concurrency; i++ {
		wg.Add(1)
		go func(idx int) {
			defer wg.Done()
			token := tokens[idx%len(tokens)]
			var local []float64

			for time.Now().Before(stopTime) {
				req, _ := http.NewRequest(method, server+path, nil)
				req.Header.Set("Authorization", "Bearer "+token)

				start := time.Now()
				resp, err := client.Do(req)
				local = append(local, time.Since(start).Seconds()*1000)
				atomic.AddInt64(&requests, 1)
				if err != nil {
					fmt.Printf("Request error: %v\n", err)
					continue
				}

				switch {
				case resp.StatusCode >= 200 && resp.StatusCode < 300:
					atomic.AddInt64(&successes, 1)
				case resp.StatusCode >= 500:
					atomic.AddInt64(&errors5xx, 1)
				case resp.StatusCode >= 400:
					// 409 is expected when top loads of one feed overlap
					atomic.AddInt64(&errors4xx, 1)
				}
				io.Copy(io.Discard, resp.Body)
				resp.Body.Close()
			}
			latencySlices[idx] = local
		}(i)
	}
	wg.Wait()

	// --- Merge all latencies ---
	var all []float64
	for _, s := range latencySlices {
		all = append(all, s...)
	}
	sort.Float64s(all)

	fmt.Printf("Requests: %d  Successes: %d  4xx: %d  5xx: %d\n", requests, successes, errors4xx, errors5xx)
	fmt.Printf("Latency (ms): trimmed_mean=%.2f p50=%.2f p90=%.2f p99=%.2f\n",
		trimmedMean(all, trimPercent), percentile(all, 50), percentile(all, 90), percentile(all, 99))

	if err := writeCSV(csvFile, all); err != nil {
		fmt.Printf("Failed to write CSV file: %v\n", err)
		return
	}
	fmt.Printf("Saved latencies to %s\n", csvFile)
}

func writeCSV(path string, latencies []float64) error {
	f, err := os.Create(path)
	if err != nil {
		return err
	}
	defer f.Close()

	w := csv.NewWriter(f)
	w.Write([]string{"latency_ms"})
	for _, d := range latencies {
		w.Write([]string{fmt.Sprintf("%.3f", d)})
	}
	w.Flush()
	return w.Error()
}

// trimmedMean averages sorted data after dropping trimPercent from each end
func trimmedMean(sorted []float64, trimPercent float64) float64 {
	if len(sorted) == 0 {
		return 0
	}
	trim := int(float64(len(sorted)) * trimPercent / 100.0)
	if trim*2 >= len(sorted) {
		trim = len(sorted) / 2
	}
	kept := sorted[trim : len(sorted)-trim]
	if len(kept) == 0 {
		return sorted[len(sorted)/2]
	}
	var sum float64
	for _, v := range kept {
		sum += v
	}
	return sum / float64(len(kept))
}

// percentile interpolates the p-th percentile of sorted data
func percentile(sorted []float64, p float64) float64 {
	if len(sorted) == 0 {
		return 0
	}
	k := (p / 100.0) * float64(len(sorted)-1)
	f := int(k)
	if f+1 >= len(sorted) {
		return sorted[len(sorted)-1]
	}
	return sorted[f]*(float64(f+1)-k) + sorted[f+1]*(k-float64(f))
}
