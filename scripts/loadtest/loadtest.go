// Loadtest is a concurrent HTTP client for proxy testing. It measures
// throughput and latency percentiles, verifies that every response carries
// the correlation token its request was sent with, and reports how requests
// were distributed across backends via the X-Backend-Id response header.
//
// Usage:
//
//	go run ./scripts/loadtest -url http://localhost:9000/ -concurrency 10 -requests 1000
package main

import (
	"flag"
	"fmt"
	"io"
	"net/http"
	"os"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
)

type result struct {
	latency time.Duration
	status  int
	backend string
	tokenOK bool
}

func main() {
	url := flag.String("url", "http://localhost:9000/", "target URL")
	concurrency := flag.Int("concurrency", 10, "concurrent workers")
	requests := flag.Int("requests", 1000, "total requests")
	flag.Parse()

	client := &http.Client{Timeout: 30 * time.Second}
	results := make([]result, *requests)
	var next int64 = -1

	start := time.Now()
	var wg sync.WaitGroup
	for w := 0; w < *concurrency; w++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for {
				i := atomic.AddInt64(&next, 1)
				if i >= int64(*requests) {
					return
				}
				results[i] = doRequest(client, *url)
			}
		}()
	}
	wg.Wait()
	elapsed := time.Since(start)

	report(results, elapsed)
}

func doRequest(client *http.Client, url string) result {
	token := uuid.NewString()

	req, err := http.NewRequest(http.MethodGet, url, nil)
	if err != nil {
		return result{status: -1}
	}
	req.Header.Set("X-Request-Id", token)

	t0 := time.Now()
	resp, err := client.Do(req)
	if err != nil {
		return result{status: -1, latency: time.Since(t0)}
	}
	io.Copy(io.Discard, resp.Body)
	resp.Body.Close()

	return result{
		latency: time.Since(t0),
		status:  resp.StatusCode,
		backend: resp.Header.Get("X-Backend-Id"),
		tokenOK: resp.Header.Get("X-Request-Id") == token,
	}
}

func report(results []result, elapsed time.Duration) {
	var latencies []time.Duration
	statuses := map[int]int{}
	backends := map[string]int{}
	tokenMismatches := 0

	for _, r := range results {
		statuses[r.status]++
		if r.status <= 0 {
			continue
		}
		latencies = append(latencies, r.latency)
		if r.backend != "" {
			backends[r.backend]++
		}
		if !r.tokenOK {
			tokenMismatches++
		}
	}

	if len(latencies) == 0 {
		fmt.Fprintln(os.Stderr, "no successful requests")
		os.Exit(1)
	}
	sort.Slice(latencies, func(i, j int) bool { return latencies[i] < latencies[j] })

	fmt.Printf("requests:  %d in %s (%.1f req/s)\n",
		len(results), elapsed.Round(time.Millisecond),
		float64(len(results))/elapsed.Seconds())
	fmt.Printf("latency:   p50=%s p90=%s p95=%s p99=%s\n",
		pct(latencies, 0.50), pct(latencies, 0.90),
		pct(latencies, 0.95), pct(latencies, 0.99))

	fmt.Println("statuses:")
	for code, n := range statuses {
		fmt.Printf("  %d: %d\n", code, n)
	}
	fmt.Println("backends:")
	for id, n := range backends {
		fmt.Printf("  %s: %d\n", id, n)
	}
	if tokenMismatches > 0 {
		fmt.Printf("WARNING: %d responses carried the wrong correlation token\n", tokenMismatches)
	}
}

func pct(sorted []time.Duration, p float64) time.Duration {
	idx := int(p * float64(len(sorted)-1))
	return sorted[idx].Round(time.Millisecond)
}
