// Retry storm against a running gateway: every mutation is sent several times
// concurrently, the way flaky mobile clients retry. The run fails when two
// responses for one mutation name different jobs.
// Usage: go run ./scripts/retrystorm -players 200 -retries 5
// The gateway must run with REQUIRE_AUTH=false.
package main

import (
	"bytes"
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"log"
	"net/http"
	"os"
	"sort"
	"sync"
	"time"
)

type attackRequest struct {
	TargetID string `json:"target_id"`
	Units    int    `json:"units"`
}

type submitResponse struct {
	JobID string `json:"job_id"`
}

type outcome struct {
	status int
	cached bool
	jobID  string
}

func main() {
	players := flag.Int("players", 200, "Number of distinct players")
	perPlayer := flag.Int("mutations", 3, "Mutations per player")
	retries := flag.Int("retries", 5, "Concurrent copies of each mutation")
	apiURL := flag.String("api", "http://localhost:8080", "Gateway URL")
	concurrency := flag.Int("concurrency", 100, "Concurrent HTTP requests")
	flag.Parse()

	total := *players * *perPlayer

	fmt.Println("==============================================")
	fmt.Println("  Idempotency Retry Storm")
	fmt.Println("==============================================")
	fmt.Printf("  Players: %d\n", *players)
	fmt.Printf("  Mutations: %d (x%d copies)\n", total, *retries)
	fmt.Printf("  Concurrency: %d\n", *concurrency)
	fmt.Println("==============================================")
	fmt.Println()

	client := &http.Client{
		Timeout: 30 * time.Second,
		Transport: &http.Transport{
			MaxIdleConns:        *concurrency * 2,
			MaxIdleConnsPerHost: *concurrency * 2,
			IdleConnTimeout:     90 * time.Second,
		},
	}

	fmt.Print("[1/2] Checking API health... ")
	resp, err := client.Get(*apiURL + "/health")
	if err != nil {
		log.Fatalf("API not reachable: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		log.Fatalf("API unhealthy: %d", resp.StatusCode)
	}
	fmt.Println("OK")

	fmt.Printf("[2/2] Sending %d requests... ", total**retries)
	start := time.Now()
	results := storm(client, *apiURL, *players, *perPlayer, *retries, *concurrency)
	duration := time.Since(start)
	fmt.Printf("done (%.2fs, %.0f req/s)\n", duration.Seconds(), float64(total**retries)/duration.Seconds())

	statuses := make(map[int]int)
	cached := 0
	conflicting := 0
	for _, outcomes := range results {
		jobs := make(map[string]struct{})
		for _, o := range outcomes {
			statuses[o.status]++
			if o.cached {
				cached++
			}
			if o.jobID != "" {
				jobs[o.jobID] = struct{}{}
			}
		}
		if len(jobs) > 1 {
			conflicting++
		}
	}

	codes := make([]int, 0, len(statuses))
	for code := range statuses {
		codes = append(codes, code)
	}
	sort.Ints(codes)

	fmt.Println()
	fmt.Println("==============================================")
	fmt.Println("  RESULTS")
	fmt.Println("==============================================")
	for _, code := range codes {
		fmt.Printf("    HTTP %d: %d\n", code, statuses[code])
	}
	fmt.Printf("    Replayed from cache: %d\n", cached)
	fmt.Printf("    Mutations with conflicting job ids: %d\n", conflicting)
	fmt.Println("==============================================")

	if conflicting > 0 {
		os.Exit(1)
	}
}

func storm(client *http.Client, apiURL string, players, perPlayer, retries, concurrency int) map[string][]outcome {
	var wg sync.WaitGroup
	var mu sync.Mutex
	sem := make(chan struct{}, concurrency)
	results := make(map[string][]outcome)

	for p := 1; p <= players; p++ {
		for m := 1; m <= perPlayer; m++ {
			for r := 0; r < retries; r++ {
				wg.Add(1)
				sem <- struct{}{}

				go func(p, m int) {
					defer wg.Done()
					defer func() { <-sem }()

					player := fmt.Sprintf("storm-player-%d", p)
					o := send(client, apiURL, player, attackRequest{
						TargetID: fmt.Sprintf("storm-target-%d", m),
						Units:    m,
					})

					mu.Lock()
					key := fmt.Sprintf("%s/%d", player, m)
					results[key] = append(results[key], o)
					mu.Unlock()
				}(p, m)
			}
		}
	}

	wg.Wait()
	return results
}

func send(client *http.Client, apiURL, player string, attack attackRequest) outcome {
	body, _ := json.Marshal(attack)
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	req, _ := http.NewRequestWithContext(ctx, http.MethodPost, apiURL+"/v1/attacks", bytes.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Anonymous-Id", player)

	resp, err := client.Do(req)
	if err != nil {
		return outcome{}
	}
	defer resp.Body.Close()

	o := outcome{
		status: resp.StatusCode,
		cached: resp.Header.Get("X-Idempotency-Status") == "cached",
	}
	if resp.StatusCode == http.StatusOK {
		var sr submitResponse
		if err := json.NewDecoder(resp.Body).Decode(&sr); err == nil {
			o.jobID = sr.JobID
		}
	}
	_, _ = io.Copy(io.Discard, resp.Body)
	return o
}
