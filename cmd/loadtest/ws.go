package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"os/signal"
	"strconv"
	"sync"
	"syscall"
	"time"

	"github.com/whisper/moderation/internal/loadtest/client"
	"github.com/whisper/moderation/internal/loadtest/stats"
	"github.com/whisper/moderation/internal/protocol"
)

// runWS opens the requested connections, ramping up over a configurable
// duration, then has each one stream messages at a fixed interval and waits
// for every answer.
func runWS(args []string) {
	fs := flag.NewFlagSet("ws", flag.ExitOnError)
	url := fs.String("url", "ws://localhost:8000/ws/moderation", "WebSocket endpoint")
	apiKey := fs.String("api-key", "", "X-API-Key to send")
	connections := fs.Int("connections", 50, "Number of connections")
	messages := fs.Int("messages", 100, "Messages per connection")
	interval := fs.Duration("interval", 5*time.Millisecond, "Delay between messages on one connection")
	rampUp := fs.Duration("ramp", 2*time.Second, "Ramp-up duration")
	drain := fs.Duration("drain", 30*time.Second, "Max time to wait for outstanding results")
	metricsURL := fs.String("metrics", "http://localhost:8000/metrics", "Prometheus endpoint to scrape (empty to disable)")
	fs.Parse(args)

	fmt.Printf("WS test: %d connections x %d messages to %s (interval=%s, ramp=%s)\n",
		*connections, *messages, *url, *interval, *rampUp)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	collector := stats.NewCollector()
	var scraper *stats.Scraper
	if *metricsURL != "" {
		scraper = stats.NewScraper(*metricsURL, time.Second)
		scraper.Start(ctx)
		collector.SetScraper(scraper)
	}

	step := *rampUp / time.Duration(max(*connections, 1))
	var wg sync.WaitGroup
	for i := 0; i < *connections; i++ {
		select {
		case <-ctx.Done():
		case <-time.After(step):
		}
		if ctx.Err() != nil {
			break
		}

		wg.Add(1)
		go func(n int) {
			defer wg.Done()
			runConnection(ctx, n, *url, *apiKey, *messages, *interval, *drain, collector)
		}(i)
	}

	wg.Wait()
	if scraper != nil {
		scraper.Stop()
	}
	collector.Report()
}

func runConnection(ctx context.Context, n int, url, apiKey string, messages int, interval, drain time.Duration, collector *stats.Collector) {
	dialCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	c, err := client.New(dialCtx, url, apiKey)
	cancel()
	if err != nil {
		collector.AddError()
		return
	}
	defer c.Close()
	collector.AddConnect(c.GetMetrics().ConnectLatency)

	answered := make(chan struct{}, messages)
	c.On(protocol.TypeModerationResult, func(f client.Frame) {
		var msg struct {
			Action string `json:"action"`
		}
		if err := json.Unmarshal(f.Raw, &msg); err != nil {
			collector.AddError()
		} else {
			collector.AddResult(msg.Action, f.Latency)
		}
		markAnswered(answered)
	})
	c.On(protocol.TypeRateLimited, func(client.Frame) {
		collector.AddRateLimited()
		markAnswered(answered)
	})
	c.On(protocol.TypeError, func(client.Frame) {
		collector.AddError()
		markAnswered(answered)
	})

	userID := "loadtest-" + strconv.Itoa(n)
	sent := 0
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for sent < messages {
		select {
		case <-ctx.Done():
			return
		case <-c.Done():
			collector.AddError()
			return
		case <-ticker.C:
		}
		if _, err := c.Moderate(sampleText(n*messages+sent), userID, "loadtest"); err != nil {
			collector.AddError()
			return
		}
		sent++
	}

	deadline := time.After(drain)
	for received := 0; received < sent; received++ {
		select {
		case <-answered:
		case <-deadline:
			fmt.Printf("conn %d: %d results still outstanding\n", n, c.Pending())
			return
		case <-ctx.Done():
			return
		}
	}
}

func markAnswered(answered chan<- struct{}) {
	select {
	case answered <- struct{}{}:
	default:
	}
}
