package main

import (
	"bytes"
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"net/http"
	"os/signal"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/whisper/moderation/internal/loadtest/stats"
	"github.com/whisper/moderation/internal/policy"
)

type moderateItem struct {
	Text   string `json:"text"`
	UserID int    `json:"user_id"`
	ChatID int    `json:"chat_id"`
}

// runHTTP fires requests at the HTTP API from a fixed number of workers.
func runHTTP(args []string) {
	fs := flag.NewFlagSet("http", flag.ExitOnError)
	baseURL := fs.String("url", "http://localhost:8000", "Service base URL")
	apiKey := fs.String("api-key", "", "X-API-Key to send")
	total := fs.Int("requests", 1000, "Total requests")
	concurrency := fs.Int("concurrency", 20, "Concurrent workers")
	batch := fs.Int("batch", 0, "Items per request; 0 uses /moderate, >0 uses /moderate/batch")
	fs.Parse(args)

	base := strings.TrimRight(*baseURL, "/")
	fmt.Printf("HTTP test: %d requests to %s (concurrency=%d, batch=%d)\n", *total, base, *concurrency, *batch)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	collector := stats.NewCollector()
	httpClient := &http.Client{Timeout: 30 * time.Second}

	jobs := make(chan int)
	var wg sync.WaitGroup
	for w := 0; w < *concurrency; w++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := range jobs {
				fire(ctx, httpClient, base, *apiKey, i, *batch, collector)
			}
		}()
	}

feed:
	for i := 0; i < *total; i++ {
		select {
		case jobs <- i:
		case <-ctx.Done():
			break feed
		}
	}
	close(jobs)
	wg.Wait()

	collector.Report()
}

func fire(ctx context.Context, httpClient *http.Client, base, apiKey string, i, batch int, collector *stats.Collector) {
	var (
		path string
		body any
	)
	if batch > 0 {
		items := make([]moderateItem, batch)
		for j := range items {
			items[j] = moderateItem{Text: sampleText(i*batch + j), UserID: i, ChatID: 1}
		}
		path, body = "/moderate/batch", map[string]any{"items": items}
	} else {
		path, body = "/moderate", moderateItem{Text: sampleText(i), UserID: i, ChatID: 1}
	}

	data, err := json.Marshal(body)
	if err != nil {
		collector.AddError()
		return
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, base+path, bytes.NewReader(data))
	if err != nil {
		collector.AddError()
		return
	}
	req.Header.Set("Content-Type", "application/json")
	if apiKey != "" {
		req.Header.Set("X-API-Key", apiKey)
	}

	start := time.Now()
	resp, err := httpClient.Do(req)
	if err != nil {
		collector.AddError()
		return
	}
	defer resp.Body.Close()
	latency := time.Since(start)

	switch {
	case resp.StatusCode == http.StatusTooManyRequests:
		collector.AddRateLimited()
		return
	case resp.StatusCode != http.StatusOK:
		collector.AddError()
		return
	}

	if batch > 0 {
		var out struct {
			Results []policy.Decision `json:"results"`
		}
		if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
			collector.AddError()
			return
		}
		for _, d := range out.Results {
			collector.AddResult(string(d.Action), latency)
		}
		return
	}

	var d policy.Decision
	if err := json.NewDecoder(resp.Body).Decode(&d); err != nil {
		collector.AddError()
		return
	}
	collector.AddResult(string(d.Action), latency)
}
