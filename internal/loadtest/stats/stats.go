// Package stats aggregates load test measurements from many concurrent
// clients and prints a summary with percentile distributions.
package stats

import (
	"fmt"
	"math"
	"sort"
	"sync"
	"time"
)

// Collector aggregates metrics from load test clients. All methods are
// goroutine-safe.
type Collector struct {
	mu               sync.Mutex
	connectLatencies []time.Duration
	latencies        []time.Duration
	actions          map[string]int
	rateLimited      int
	errors           int
	connections      int
	startTime        time.Time
	scraper          *Scraper
}

// NewCollector creates a Collector with the start time set to now.
func NewCollector() *Collector {
	return &Collector{
		startTime: time.Now(),
		actions:   make(map[string]int),
	}
}

// SetScraper attaches a server metrics scraper whose data is included in
// Report.
func (c *Collector) SetScraper(s *Scraper) {
	c.mu.Lock()
	c.scraper = s
	c.mu.Unlock()
}

// AddConnect records a successful connection with its connect latency.
func (c *Collector) AddConnect(d time.Duration) {
	c.mu.Lock()
	c.connectLatencies = append(c.connectLatencies, d)
	c.connections++
	c.mu.Unlock()
}

// AddResult records one moderation round trip and the action it produced.
func (c *Collector) AddResult(action string, d time.Duration) {
	c.mu.Lock()
	c.latencies = append(c.latencies, d)
	c.actions[action]++
	c.mu.Unlock()
}

// AddRateLimited counts a request rejected by the server's rate limiter.
func (c *Collector) AddRateLimited() {
	c.mu.Lock()
	c.rateLimited++
	c.mu.Unlock()
}

// AddError increments the error counter.
func (c *Collector) AddError() {
	c.mu.Lock()
	c.errors++
	c.mu.Unlock()
}

// ConnectionCount returns the number of recorded connections.
func (c *Collector) ConnectionCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.connections
}

// ResultCount returns the number of recorded moderation results.
func (c *Collector) ResultCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.latencies)
}

// ErrorCount returns the number of recorded errors.
func (c *Collector) ErrorCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.errors
}

// Report prints a summary of the collected metrics to stdout.
func (c *Collector) Report() {
	c.mu.Lock()
	defer c.mu.Unlock()

	elapsed := time.Since(c.startTime)

	fmt.Println("\n=== Load Test Results ===")
	fmt.Printf("Duration:     %s\n", elapsed.Round(time.Millisecond))
	fmt.Printf("Connections:  %d\n", c.connections)
	fmt.Printf("Results:      %d\n", len(c.latencies))
	fmt.Printf("Rate limited: %d\n", c.rateLimited)
	fmt.Printf("Errors:       %d\n", c.errors)

	if elapsed > 0 && len(c.latencies) > 0 {
		fmt.Printf("Throughput:   %.1f msg/s\n", float64(len(c.latencies))/elapsed.Seconds())
	}

	if len(c.actions) > 0 {
		fmt.Println("\n--- Actions ---")
		names := make([]string, 0, len(c.actions))
		for name := range c.actions {
			names = append(names, name)
		}
		sort.Strings(names)
		for _, name := range names {
			fmt.Printf("  %-10s %d\n", name, c.actions[name])
		}
	}

	if len(c.connectLatencies) > 0 {
		fmt.Println("\n--- Connect Latency ---")
		printPercentiles(c.connectLatencies)
	}

	if len(c.latencies) > 0 {
		fmt.Println("\n--- Moderation Latency ---")
		printPercentiles(c.latencies)
	}

	if c.scraper != nil {
		c.scraper.Report()
	}

	fmt.Println()
}

// Summary holds a percentile distribution.
type Summary struct {
	N                       int
	Avg, P50, P95, P99, Max time.Duration
}

// Summarize sorts durations in place and computes their distribution.
func Summarize(durations []time.Duration) Summary {
	n := len(durations)
	if n == 0 {
		return Summary{}
	}
	sort.Slice(durations, func(i, j int) bool { return durations[i] < durations[j] })

	var sum time.Duration
	for _, d := range durations {
		sum += d
	}
	return Summary{
		N:   n,
		Avg: sum / time.Duration(n),
		P50: durations[n/2],
		P95: durations[int(math.Ceil(float64(n)*0.95))-1],
		P99: durations[int(math.Ceil(float64(n)*0.99))-1],
		Max: durations[n-1],
	}
}

func printPercentiles(durations []time.Duration) {
	s := Summarize(durations)
	fmt.Printf("  avg: %v  p50: %v  p95: %v  p99: %v  max: %v  (n=%d)\n",
		s.Avg.Round(time.Microsecond),
		s.P50.Round(time.Microsecond),
		s.P95.Round(time.Microsecond),
		s.P99.Round(time.Microsecond),
		s.Max.Round(time.Microsecond),
		s.N,
	)
}
