package main

import (
	"bytes"
	"encoding/json"
	"flag"
	"fmt"
	"log"
	"math/rand"
	"net/http"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"github.com/emvios/depositgate/internal/sign"
)

// Config holds the benchmark settings
var (
	targetURL   string
	concurrency int
	duration    time.Duration
	workload    string
	appID       string
	appSecret   string
)

// Metrics
var (
	totalRequests uint64
	acked200      uint64 // acknowledged (credited, duplicate, deferred, ...)
	rejected401   uint64 // authentication rejections
	failed500     uint64 // retryable failures
	failOther     uint64
)

func init() {
	flag.StringVar(&targetURL, "url", "http://localhost:8080", "API Base URL")
	flag.IntVar(&concurrency, "workers", 10, "Number of concurrent workers")
	flag.DurationVar(&duration, "duration", 30*time.Second, "Test duration")
	flag.StringVar(&workload, "workload", "unique", "Workload type: unique | replay")
	flag.StringVar(&appID, "appid", os.Getenv("CCPAYMENT_APP_ID"), "Provider app id")
	flag.StringVar(&appSecret, "secret", os.Getenv("CCPAYMENT_APP_SECRET"), "Provider app secret")
}

func main() {
	flag.Parse()
	if appID == "" || appSecret == "" {
		log.Fatal("appid and secret are required (flags or CCPAYMENT_APP_ID / CCPAYMENT_APP_SECRET)")
	}

	log.Printf("Starting Benchmark: %s | Workers: %d | Duration: %s", workload, concurrency, duration)

	signer := sign.New(appID, appSecret)

	start := time.Now()
	var wg sync.WaitGroup
	wg.Add(concurrency)

	for i := 0; i < concurrency; i++ {
		go worker(&wg, signer, start)
	}

	wg.Wait()
	printResults(time.Since(start))
}

func worker(wg *sync.WaitGroup, signer *sign.Signer, start time.Time) {
	defer wg.Done()
	client := &http.Client{Timeout: 5 * time.Second}

	for time.Since(start) < duration {
		recordID := generateRecordID()
		userID := rand.Intn(1000) + 1

		payload := map[string]interface{}{
			"type": "DirectDeposit",
			"msg": map[string]interface{}{
				"recordId":    recordID,
				"referenceId": fmt.Sprintf("%d", userID),
				"coinSymbol":  "USDT",
				"status":      "Success",
			},
		}
		body, _ := json.Marshal(payload)

		timestamp := time.Now().Unix()
		req, _ := http.NewRequest("POST", targetURL+"/api/webhooks/ccpayment", bytes.NewBuffer(body))
		req.Header.Set("Content-Type", "application/json")
		req.Header.Set("Appid", appID)
		req.Header.Set("Timestamp", fmt.Sprintf("%d", timestamp))
		req.Header.Set("Sign", signer.Sign(timestamp, body))

		resp, err := client.Do(req)
		if err != nil {
			atomic.AddUint64(&failOther, 1)
			continue
		}

		atomic.AddUint64(&totalRequests, 1)
		switch resp.StatusCode {
		case 200:
			atomic.AddUint64(&acked200, 1)
		case 400, 401:
			atomic.AddUint64(&rejected401, 1)
		case 500:
			atomic.AddUint64(&failed500, 1)
		default:
			atomic.AddUint64(&failOther, 1)
		}
		resp.Body.Close()
	}
}

func generateRecordID() string {
	if workload == "replay" {
		// Fixed pool of record ids: nearly every delivery after the
		// first is an idempotent duplicate.
		return fmt.Sprintf("bench-replay-%d", rand.Intn(100))
	}
	return fmt.Sprintf("bench-%d-%d", time.Now().UnixNano(), rand.Intn(1<<20))
}

func printResults(d time.Duration) {
	total := atomic.LoadUint64(&totalRequests)
	acked := atomic.LoadUint64(&acked200)
	rejected := atomic.LoadUint64(&rejected401)
	retryable := atomic.LoadUint64(&failed500)
	fErr := atomic.LoadUint64(&failOther)

	tps := float64(total) / d.Seconds()

	results := map[string]interface{}{
		"workload":       workload,
		"duration_sec":   d.Seconds(),
		"total_requests": total,
		"throughput_tps": tps,
		"acknowledged":   acked,
		"rejected_auth":  rejected,
		"retryable_5xx":  retryable,
		"errors":         fErr,
	}

	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	enc.Encode(results)

	filename := fmt.Sprintf("results_%s.json", workload)
	file, _ := os.Create(filename)
	defer file.Close()
	json.NewEncoder(file).Encode(results)
}
