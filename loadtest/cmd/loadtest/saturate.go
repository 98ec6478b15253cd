package main

import (
	"context"
	"flag"
	"fmt"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/meetline/messenger/loadtest/client"
	"github.com/meetline/messenger/loadtest/stats"
)

// runSaturate implements the connection saturation test: open as many
// connections as configured, hold them with periodic pings, then close them
// all. It measures connect latency under load and how the server behaves at
// (and past) its connection cap. Users are paired off the same way the
// converse scenario pairs them so every connection targets a valid thread.
func runSaturate(args []string) {
	fs := flag.NewFlagSet("saturate", flag.ExitOnError)
	url := fs.String("url", "ws://localhost:8080/ws", "WebSocket server URL")
	prefix := fs.String("user-prefix", "load", "Username prefix of the pre-provisioned accounts")
	count := fs.Int("connections", 1000, "Number of connections to open (rounded down to even)")
	rampUp := fs.Duration("ramp", 30*time.Second, "Ramp-up duration")
	holdFor := fs.Duration("hold", 30*time.Second, "How long to hold connections open")
	pingInterval := fs.Duration("ping-interval", 10*time.Second, "Keepalive ping interval per connection")
	concurrency := fs.Int("concurrency", 100, "Maximum simultaneous connection attempts")
	metricsURL := fs.String("metrics-url", "http://localhost:8080/metrics", "Prometheus metrics endpoint URL")
	scrapeInterval := fs.Duration("scrape-interval", 2*time.Second, "Interval between metrics scrapes")
	fs.Parse(args)

	total := *count - *count%2

	fmt.Printf("Saturate test: %d connections to %s (ramp=%s, hold=%s, concurrency=%d)\n",
		total, *url, *rampUp, *holdFor, *concurrency)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	collector := stats.NewCollector()
	scraper := stats.NewScraper(*metricsURL, *scrapeInterval)
	collector.SetScraper(scraper)
	scraper.Start(ctx)

	var mu sync.Mutex
	clients := make([]*client.Client, 0, total)

	interval := *rampUp / time.Duration(total)
	if interval <= 0 {
		interval = time.Millisecond
	}

	sem := make(chan struct{}, *concurrency)
	var wg sync.WaitGroup

	fmt.Println("\n--- Phase 1: Ramp up ---")

	rampTicker := time.NewTicker(interval)
	launched := 0
	interrupted := false
	for launched < total && !interrupted {
		select {
		case <-ctx.Done():
			fmt.Println("\nInterrupted during ramp-up.")
			interrupted = true
		case <-rampTicker.C:
			slot := launched
			launched++
			wg.Add(1)
			sem <- struct{}{}

			go func() {
				defer wg.Done()
				defer func() { <-sem }()

				// Same 1-based pairing as the converse scenario.
				self := fmt.Sprintf("%s%d", *prefix, slot+1)
				var other string
				if slot%2 == 0 {
					other = fmt.Sprintf("%s%d", *prefix, slot+2)
				} else {
					other = fmt.Sprintf("%s%d", *prefix, slot)
				}

				connCtx, connCancel := context.WithTimeout(ctx, 10*time.Second)
				defer connCancel()

				c, err := client.New(connCtx, *url, self, other)
				if err != nil {
					collector.AddError()
					return
				}

				m := c.GetMetrics()
				collector.AddConnect(m.ConnectLatency)

				mu.Lock()
				clients = append(clients, c)
				mu.Unlock()
			}()
		}
	}
	rampTicker.Stop()
	wg.Wait()

	mu.Lock()
	open := len(clients)
	mu.Unlock()
	fmt.Printf("\nPhase 1 complete: %d/%d connections open (%d errors)\n",
		open, total, collector.ErrorCount())

	if !interrupted {
		// -------------------------------------------------------------------
		// Phase 2 — Hold with keepalive pings
		// -------------------------------------------------------------------
		fmt.Printf("\n--- Phase 2: Holding for %s ---\n", *holdFor)

		holdCtx, holdCancel := context.WithTimeout(ctx, *holdFor)
		var holdWg sync.WaitGroup
		mu.Lock()
		for _, c := range clients {
			holdWg.Add(1)
			go func(c *client.Client) {
				defer holdWg.Done()
				ticker := time.NewTicker(*pingInterval)
				defer ticker.Stop()
				for {
					select {
					case <-holdCtx.Done():
						return
					case <-ticker.C:
						if err := c.Send(map[string]string{"type": client.TypePing}); err != nil {
							collector.AddError()
							return
						}
					}
				}
			}(c)
		}
		mu.Unlock()
		holdWg.Wait()
		holdCancel()
	}

	fmt.Println("\n--- Phase 3: Closing connections ---")
	mu.Lock()
	for _, c := range clients {
		c.Close()
	}
	mu.Unlock()

	scraper.Stop()
	collector.Report()
}
