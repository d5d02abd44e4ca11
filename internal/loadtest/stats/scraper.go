package stats

import (
	"bufio"
	"context"
	"fmt"
	"math"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"
)

// snapshot holds the tracked server metrics at a point in time.
type snapshot struct {
	timestamp       time.Time
	connections     float64
	requests        float64
	decisions       float64
	classifierCalls float64
	cacheHits       float64
	cacheMisses     float64
	batchSum        float64
	batchCount      float64
	latencySum      float64
	latencyCount    float64
}

// Scraper periodically fetches the server's Prometheus endpoint during a
// load test and keeps snapshots for the final report.
type Scraper struct {
	metricsURL string
	interval   time.Duration

	mu        sync.Mutex
	snapshots []snapshot

	cancel context.CancelFunc
	done   chan struct{}
	client *http.Client
}

// NewScraper creates a Scraper for metricsURL.
func NewScraper(metricsURL string, interval time.Duration) *Scraper {
	return &Scraper{
		metricsURL: metricsURL,
		interval:   interval,
		client:     &http.Client{Timeout: 5 * time.Second},
		done:       make(chan struct{}),
	}
}

// Start takes an initial snapshot and keeps scraping in the background
// until ctx ends or Stop is called.
func (s *Scraper) Start(ctx context.Context) {
	ctx, s.cancel = context.WithCancel(ctx)
	s.scrapeOnce()

	go func() {
		defer close(s.done)
		ticker := time.NewTicker(s.interval)
		defer ticker.Stop()

		for {
			select {
			case <-ctx.Done():
				s.scrapeOnce()
				return
			case <-ticker.C:
				s.scrapeOnce()
			}
		}
	}()
}

// Stop stops the background scraper and waits for it to finish.
func (s *Scraper) Stop() {
	if s.cancel != nil {
		s.cancel()
		<-s.done
	}
}

func (s *Scraper) scrapeOnce() {
	resp, err := s.client.Get(s.metricsURL)
	if err != nil {
		// The server may not be up yet.
		return
	}
	defer resp.Body.Close()

	snap, err := parseSnapshot(bufio.NewScanner(resp.Body))
	if err != nil {
		return
	}
	snap.timestamp = time.Now()

	s.mu.Lock()
	s.snapshots = append(s.snapshots, snap)
	s.mu.Unlock()
}

func parseSnapshot(scanner *bufio.Scanner) (snapshot, error) {
	var snap snapshot
	for scanner.Scan() {
		line := scanner.Text()
		if len(line) == 0 || line[0] == '#' {
			continue
		}

		name, labels, value, ok := parseMetricLine(line)
		if !ok {
			continue
		}

		// Labelled counters appear once per label set and are summed.
		switch name {
		case "moderation_ws_connections":
			snap.connections = value
		case "moderation_requests_total":
			snap.requests += value
		case "moderation_decisions_total":
			snap.decisions += value
		case "moderation_classifier_calls_total":
			snap.classifierCalls += value
		case "moderation_cache_lookups_total":
			if strings.Contains(labels, `result="hit"`) {
				snap.cacheHits += value
			} else {
				snap.cacheMisses += value
			}
		case "moderation_coalesced_batch_size_sum":
			snap.batchSum = value
		case "moderation_coalesced_batch_size_count":
			snap.batchCount = value
		case "moderation_classifier_latency_seconds_sum":
			snap.latencySum += value
		case "moderation_classifier_latency_seconds_count":
			snap.latencyCount += value
		}
	}
	return snap, scanner.Err()
}

// parseMetricLine splits a Prometheus text exposition line into the metric
// name, its raw label block and its value.
func parseMetricLine(line string) (name, labels string, value float64, ok bool) {
	raw := line
	if idx := strings.IndexByte(raw, '{'); idx != -1 {
		closing := strings.IndexByte(raw[idx:], '}')
		if closing == -1 {
			return "", "", 0, false
		}
		name = raw[:idx]
		labels = raw[idx+1 : idx+closing]
		raw = name + raw[idx+closing+1:]
	}

	fields := strings.Fields(raw)
	if len(fields) < 2 {
		return "", "", 0, false
	}
	if name == "" {
		name = fields[0]
	}

	v, err := strconv.ParseFloat(fields[1], 64)
	if err != nil {
		return "", "", 0, false
	}
	return name, labels, v, true
}

// Report prints the initial, final, delta and peak of each tracked metric.
func (s *Scraper) Report() {
	s.mu.Lock()
	snaps := make([]snapshot, len(s.snapshots))
	copy(snaps, s.snapshots)
	s.mu.Unlock()

	if len(snaps) == 0 {
		fmt.Println("\n--- Server Metrics (no data collected) ---")
		return
	}

	first := snaps[0]
	last := snaps[len(snaps)-1]

	fmt.Println("\n--- Server Metrics (Prometheus) ---")
	fmt.Printf("  Scrape count:  %d snapshots over %s\n",
		len(snaps), last.timestamp.Sub(first.timestamp).Round(time.Second))

	type row struct {
		label          string
		initial, final float64
		peak           float64
	}
	rows := []row{
		{"WS Connections", first.connections, last.connections,
			peakValue(snaps, func(s snapshot) float64 { return s.connections })},
		{"Requests", first.requests, last.requests, last.requests},
		{"Decisions", first.decisions, last.decisions, last.decisions},
		{"Classifier Calls", first.classifierCalls, last.classifierCalls, last.classifierCalls},
		{"Cache Hits", first.cacheHits, last.cacheHits, last.cacheHits},
		{"Cache Misses", first.cacheMisses, last.cacheMisses, last.cacheMisses},
	}

	fmt.Println()
	fmt.Printf("  %-16s %10s %10s %10s %10s\n", "Metric", "Initial", "Final", "Delta", "Peak")
	fmt.Printf("  %-16s %10s %10s %10s %10s\n", "------", "-------", "-----", "-----", "----")
	for _, r := range rows {
		fmt.Printf("  %-16s %10.0f %10.0f %10.0f %10.0f\n",
			r.label, r.initial, r.final, r.final-r.initial, r.peak)
	}

	fmt.Println()
	printHistogramAvg("Batch Size", "", first.batchSum, first.batchCount, last.batchSum, last.batchCount)
	printHistogramAvg("Classifier", "s", first.latencySum, first.latencyCount, last.latencySum, last.latencyCount)
}

// printHistogramAvg prints the average from histogram _sum/_count deltas.
func printHistogramAvg(label, unit string, sumFirst, countFirst, sumLast, countLast float64) {
	deltaCount := countLast - countFirst
	if deltaCount <= 0 {
		fmt.Printf("  %-16s avg: N/A  (no observations)\n", label)
		return
	}
	avg := (sumLast - sumFirst) / deltaCount
	fmt.Printf("  %-16s avg: %.4f%s  (%.0f observations)\n", label, avg, unit, deltaCount)
}

func peakValue(snaps []snapshot, extract func(snapshot) float64) float64 {
	peak := math.Inf(-1)
	for _, s := range snaps {
		if v := extract(s); v > peak {
			peak = v
		}
	}
	return peak
}
