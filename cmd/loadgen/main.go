package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"slices"
	"strings"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"
)

type BenchmarkResult struct {
	TotalOps      int
	SuccessfulOps int
	FailedOps     int
	Duration      time.Duration
	OpsPerSec     float64
	AvgLatency    time.Duration
	P99Latency    time.Duration
	MinLatency    time.Duration
	MaxLatency    time.Duration
}

// recorder собирает латентности и счётчики из нескольких горутин
type recorder struct {
	mu        sync.Mutex
	ok        int
	failed    int
	latencies []time.Duration
}

func (r *recorder) observe(latency time.Duration, err error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if err == nil {
		r.ok++
	} else {
		r.failed++
	}
	r.latencies = append(r.latencies, latency)
}

func (r *recorder) result(total int, duration time.Duration) BenchmarkResult {
	res := BenchmarkResult{
		TotalOps:      total,
		SuccessfulOps: r.ok,
		FailedOps:     r.failed,
		Duration:      duration,
		OpsPerSec:     float64(r.ok) / duration.Seconds(),
	}
	if len(r.latencies) == 0 {
		return res
	}

	slices.Sort(r.latencies)
	var sum time.Duration
	for _, l := range r.latencies {
		sum += l
	}
	res.AvgLatency = sum / time.Duration(len(r.latencies))
	res.MinLatency = r.latencies[0]
	res.MaxLatency = r.latencies[len(r.latencies)-1]
	res.P99Latency = r.latencies[len(r.latencies)*99/100]
	return res
}

var client = &http.Client{Timeout: 30 * time.Second}

func main() {
	var (
		baseURL     = flag.String("target", "http://localhost:8080", "node base URL")
		ops         = flag.Int("ops", 100, "operations per test")
		concurrency = flag.Int("concurrency", 10, "concurrent clients")
		payload     = flag.Int("payload", 128, "raw replicate payload size in bytes")
	)
	flag.Parse()

	fmt.Println("=== raftcore load test ===")
	fmt.Printf("Target: %s\n\n", *baseURL)

	// Проверка доступности
	if !checkHealth(*baseURL) {
		fmt.Printf("ERROR: Node %s is not available\n", *baseURL)
		os.Exit(1)
	}

	ctx := context.Background()

	fmt.Printf("Test 1: Sequential replicated writes (%d operations)\n", *ops)
	printResult(run(ctx, *ops, 1, func(g, j int) error {
		return putKey(*baseURL, fmt.Sprintf("bench_key_%d_%d", g, j), fmt.Sprintf("v_%d", time.Now().UnixNano()))
	}))

	fmt.Printf("\nTest 2: Concurrent replicated writes (%d operations, %d clients)\n", *ops, *concurrency)
	printResult(run(ctx, *ops, *concurrency, func(g, j int) error {
		return putKey(*baseURL, fmt.Sprintf("bench_key_%d_%d", g, j), fmt.Sprintf("v_%d", time.Now().UnixNano()))
	}))

	fmt.Printf("\nTest 3: Concurrent raw replication, untracked (%d operations, %d bytes)\n", *ops, *payload)
	body := []byte(`{"op":"put","key":"raw","value":"` + strings.Repeat("x", max(*payload-32, 1)) + `"}`)
	printResult(run(ctx, *ops, *concurrency, func(int, int) error {
		return replicateRaw(*baseURL, body)
	}))

	fmt.Printf("\nTest 4: Concurrent local reads (%d operations)\n", *ops)
	printResult(run(ctx, *ops, *concurrency, func(g, j int) error {
		_, found, err := getKey(*baseURL, fmt.Sprintf("bench_key_%d_%d", g, j))
		if err == nil && !found {
			err = fmt.Errorf("key not found")
		}
		return err
	}))

	if snap, err := fetchMetrics(*baseURL); err == nil {
		fmt.Println("\nServer counters:")
		for k, v := range snap.Counters {
			fmt.Printf("  %s = %.0f\n", k, v)
		}
	}

	fmt.Println("\n=== Load test complete ===")
}

// run splits total operations across concurrency clients; op receives the client and its
// sequence number.
func run(ctx context.Context, total, concurrency int, op func(g, j int) error) BenchmarkResult {
	var rec recorder
	perClient := total / concurrency
	remainder := total % concurrency

	start := time.Now()
	g, _ := errgroup.WithContext(ctx)
	for i := 0; i < concurrency; i++ {
		i := i
		n := perClient
		if i < remainder {
			n++
		}
		g.Go(func() error {
			for j := 0; j < n; j++ {
				opStart := time.Now()
				err := op(i, j)
				rec.observe(time.Since(opStart), err)
			}
			return nil
		})
	}
	_ = g.Wait()
	return rec.result(total, time.Since(start))
}

func checkHealth(baseURL string) bool {
	resp, err := client.Get(baseURL + "/health")
	if err != nil {
		return false
	}
	defer resp.Body.Close()
	return resp.StatusCode == http.StatusOK
}

func putKey(baseURL, key, value string) error {
	data := url.Values{}
	data.Set("key", key)
	data.Set("value", value)

	req, err := http.NewRequest(http.MethodPut, baseURL+"/api/string", strings.NewReader(data.Encode()))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	return do(req)
}

func replicateRaw(baseURL string, body []byte) error {
	req, err := http.NewRequest(http.MethodPost, baseURL+"/api/replicate?track=false", strings.NewReader(string(body)))
	if err != nil {
		return err
	}
	return do(req)
}

func do(req *http.Request) error {
	resp, err := client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	// Читаем тело ответа для очистки
	_, _ = io.Copy(io.Discard, resp.Body)

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("unexpected status: %d", resp.StatusCode)
	}
	return nil
}

func getKey(baseURL, key string) (string, bool, error) {
	resp, err := client.Get(baseURL + "/api/string?key=" + url.QueryEscape(key))
	if err != nil {
		return "", false, err
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusNotFound {
		return "", false, nil
	}
	if resp.StatusCode != http.StatusOK {
		return "", false, fmt.Errorf("unexpected status: %d", resp.StatusCode)
	}

	var result struct {
		Status string `json:"status"`
		Value  string `json:"value"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return "", false, err
	}
	return result.Value, true, nil
}

func fetchMetrics(baseURL string) (struct{ Counters map[string]float64 }, error) {
	var snap struct{ Counters map[string]float64 }
	resp, err := client.Get(baseURL + "/api/metrics")
	if err != nil {
		return snap, err
	}
	defer resp.Body.Close()
	err = json.NewDecoder(resp.Body).Decode(&snap)
	return snap, err
}

func printResult(result BenchmarkResult) {
	fmt.Printf("  Total Operations: %d\n", result.TotalOps)
	fmt.Printf("  Successful: %d\n", result.SuccessfulOps)
	fmt.Printf("  Failed: %d\n", result.FailedOps)
	fmt.Printf("  Duration: %v\n", result.Duration)
	fmt.Printf("  Operations/sec: %.2f\n", result.OpsPerSec)
	fmt.Printf("  Avg Latency: %v\n", result.AvgLatency)
	fmt.Printf("  P99 Latency: %v\n", result.P99Latency)
	fmt.Printf("  Min Latency: %v\n", result.MinLatency)
	fmt.Printf("  Max Latency: %v\n", result.MaxLatency)
}
