package main

import (
	"bytes"
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"log"
	"math/rand"
	"net/http"
	"os"
	"strconv"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"
)

// Config holds the benchmark settings
var (
	targetURL   string
	concurrency int
	duration    time.Duration
	workload    string
	lotteryID   int64
	sellerID    int64
	hotNumbers  int
)

// Metrics
var (
	totalRequests uint64
	created201    uint64 // Ticket sold
	fail409       uint64 // Number taken or lottery closed
	failOther     uint64
)

func init() {
	flag.StringVar(&targetURL, "url", "http://localhost:8080", "API Base URL")
	flag.IntVar(&concurrency, "workers", 10, "Number of concurrent workers")
	flag.DurationVar(&duration, "duration", 30*time.Second, "Test duration")
	flag.StringVar(&workload, "workload", "hotspot", "Workload type: hotspot | auto")
	flag.Int64Var(&lotteryID, "lottery", 1, "Lottery to sell from")
	flag.Int64Var(&sellerID, "seller", 2, "Agent account that sells")
	flag.IntVar(&hotNumbers, "hot", 5, "Ticket numbers contended in the hotspot workload")
}

func main() {
	flag.Parse()
	log.Printf("Starting Benchmark: %s | Workers: %d | Duration: %s", workload, concurrency, duration)

	ctx, cancel := context.WithTimeout(context.Background(), duration)
	defer cancel()

	start := time.Now()
	var g errgroup.Group
	for i := 0; i < concurrency; i++ {
		g.Go(func() error {
			worker(ctx, i)
			return nil
		})
	}
	_ = g.Wait()
	printResults(time.Since(start))
}

func worker(ctx context.Context, n int) {
	client := &http.Client{Timeout: 5 * time.Second}
	rnd := rand.New(rand.NewSource(time.Now().UnixNano() + int64(n)))

	for ctx.Err() == nil {
		payload := map[string]any{
			"buyer_name":  fmt.Sprintf("bench buyer %d", n),
			"buyer_phone": fmt.Sprintf("07%08d", n),
		}
		// Hotspot: every worker fights over the same few numbers.
		if workload == "hotspot" {
			payload["ticket_number"] = rnd.Intn(hotNumbers) + 1
		}
		body, _ := json.Marshal(payload)

		url := fmt.Sprintf("%s/api/v1/lotteries/%d/tickets", targetURL, lotteryID)
		req, _ := http.NewRequestWithContext(ctx, "POST", url, bytes.NewBuffer(body))
		req.Header.Set("Content-Type", "application/json")
		req.Header.Set("X-User-ID", strconv.FormatInt(sellerID, 10))
		req.Header.Set("X-User-Role", "agent")

		resp, err := client.Do(req)
		if err != nil {
			if ctx.Err() == nil {
				atomic.AddUint64(&failOther, 1)
			}
			continue
		}

		atomic.AddUint64(&totalRequests, 1)
		switch resp.StatusCode {
		case http.StatusCreated:
			atomic.AddUint64(&created201, 1)
		case http.StatusConflict:
			atomic.AddUint64(&fail409, 1)
		default:
			atomic.AddUint64(&failOther, 1)
		}
		resp.Body.Close()
	}
}

func printResults(d time.Duration) {
	total := atomic.LoadUint64(&totalRequests)
	s201 := atomic.LoadUint64(&created201)
	f409 := atomic.LoadUint64(&fail409)
	fErr := atomic.LoadUint64(&failOther)

	var conflictRate float64
	if total > 0 {
		conflictRate = float64(f409) / float64(total) * 100
	}

	results := map[string]any{
		"workload":          workload,
		"duration_sec":      d.Seconds(),
		"total_requests":    total,
		"throughput_rps":    float64(total) / d.Seconds(),
		"tickets_sold":      s201, // at most -hot in the hotspot workload
		"refused_conflict":  f409,
		"conflict_rate_pct": conflictRate,
		"errors":            fErr,
	}

	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	_ = enc.Encode(results)

	filename := fmt.Sprintf("results_%s.json", workload)
	file, err := os.Create(filename)
	if err != nil {
		log.Printf("save results: %v", err)
		return
	}
	defer file.Close()
	_ = json.NewEncoder(file).Encode(results)
}
