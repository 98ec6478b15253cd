package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"os/signal"
	"sync"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/meetline/messenger/loadtest/client"
	"github.com/meetline/messenger/loadtest/stats"
)

// conversePeer is one side of a simulated conversation: the connected client
// plus the queue of send timestamps used to measure round-trip latency.
type conversePeer struct {
	c     *client.Client
	mu    sync.Mutex
	sends []time.Time
}

// runConverse implements the conversation lifecycle load test. Each simulated
// pair opens both sides of one thread: user A connects viewing B and B
// connects viewing A, so every message is delivered with a synchronous read
// receipt. The pairs then exchange messages for the configured duration while
// the test measures send -> new_message round-trip latency.
func runConverse(args []string) {
	fs := flag.NewFlagSet("converse", flag.ExitOnError)
	url := fs.String("url", "ws://localhost:8080/ws", "WebSocket server URL")
	prefix := fs.String("user-prefix", "load", "Username prefix of the pre-provisioned accounts")
	pairs := fs.Int("pairs", 100, "Number of conversation pairs")
	rampUp := fs.Duration("ramp", 10*time.Second, "Ramp-up duration for connection creation")
	chatDuration := fs.Duration("chat-duration", 30*time.Second, "How long each pair chats")
	msgInterval := fs.Duration("msg-interval", 2*time.Second, "Interval between messages per user")
	concurrency := fs.Int("concurrency", 50, "Maximum simultaneous connection attempts during ramp-up")
	metricsURL := fs.String("metrics-url", "http://localhost:8080/metrics", "Prometheus metrics endpoint URL")
	scrapeInterval := fs.Duration("scrape-interval", 2*time.Second, "Interval between metrics scrapes")
	fs.Parse(args)

	totalClients := *pairs * 2

	fmt.Printf("Converse test: %d pairs (%d clients) to %s (ramp=%s, chat=%s, interval=%s, concurrency=%d)\n",
		*pairs, totalClients, *url, *rampUp, *chatDuration, *msgInterval, *concurrency)

	// Set up signal handling for graceful shutdown.
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	collector := stats.NewCollector()

	// Set up metrics scraper.
	scraper := stats.NewScraper(*metricsURL, *scrapeInterval)
	collector.SetScraper(scraper)
	scraper.Start(ctx)

	// peers[2*i] and peers[2*i+1] form pair i; nil slots are failed connects.
	peers := make([]*conversePeer, totalClients)
	var peersMu sync.Mutex

	// -----------------------------------------------------------------------
	// Phase 1 — Connect both sides of every pair
	// -----------------------------------------------------------------------
	fmt.Println("\n--- Phase 1: Connect all users ---")

	interval := *rampUp / time.Duration(totalClients)
	if interval <= 0 {
		interval = time.Millisecond
	}

	// Semaphore to bound concurrent connection attempts.
	sem := make(chan struct{}, *concurrency)
	var wg sync.WaitGroup

	rampStart := time.Now()
	rampTicker := time.NewTicker(interval)
	interrupted := false

	launched := 0
	for launched < totalClients && !interrupted {
		select {
		case <-ctx.Done():
			fmt.Println("\nInterrupted during connection phase.")
			interrupted = true
		case <-rampTicker.C:
			slot := launched
			launched++
			wg.Add(1)
			sem <- struct{}{} // Acquire semaphore slot.

			go func() {
				defer wg.Done()
				defer func() { <-sem }() // Release semaphore slot.

				pair := slot / 2
				// Account numbering is 1-based: pair i is users 2i+1 and 2i+2.
				self := fmt.Sprintf("%s%d", *prefix, slot+1)
				var other string
				if slot%2 == 0 {
					other = fmt.Sprintf("%s%d", *prefix, 2*pair+2)
				} else {
					other = fmt.Sprintf("%s%d", *prefix, 2*pair+1)
				}

				connCtx, connCancel := context.WithTimeout(ctx, 10*time.Second)
				defer connCancel()

				c, err := client.New(connCtx, *url, self, other)
				if err != nil {
					collector.AddError()
					return
				}
				if err := c.WaitForThread(connCtx); err != nil {
					collector.AddError()
					c.Close()
					return
				}

				m := c.GetMetrics()
				collector.AddConnect(m.ConnectLatency)

				p := &conversePeer{c: c}
				registerHandlers(p, collector)

				peersMu.Lock()
				peers[slot] = p
				peersMu.Unlock()
			}()
		}
	}

	rampTicker.Stop()
	wg.Wait()

	fmt.Printf("\nPhase 1 complete: %d/%d connections in %s (%d errors)\n",
		collector.ConnectionCount(), totalClients,
		time.Since(rampStart).Round(time.Millisecond), collector.ErrorCount())

	if interrupted {
		fmt.Println("Interrupted — skipping chat phase.")
		cleanupPeers(peers)
		scraper.Stop()
		collector.Report()
		return
	}

	// Only pairs with both sides connected take part in the chat phase.
	var ready []*conversePeer
	for i := 0; i < totalClients; i += 2 {
		if peers[i] != nil && peers[i+1] != nil {
			ready = append(ready, peers[i], peers[i+1])
		}
	}
	if len(ready) == 0 {
		fmt.Println("No complete pairs — nothing to chat.")
		cleanupPeers(peers)
		scraper.Stop()
		collector.Report()
		return
	}

	// -----------------------------------------------------------------------
	// Phase 2 — Exchange messages
	// -----------------------------------------------------------------------
	fmt.Printf("\n--- Phase 2: Chatting with %d pairs for %s ---\n", len(ready)/2, *chatDuration)

	chatCtx, chatCancel := context.WithTimeout(ctx, *chatDuration)
	defer chatCancel()

	var sent atomic.Int64
	var chatWg sync.WaitGroup
	for _, p := range ready {
		chatWg.Add(1)
		go func(p *conversePeer) {
			defer chatWg.Done()
			ticker := time.NewTicker(*msgInterval)
			defer ticker.Stop()
			seq := 0
			for {
				select {
				case <-chatCtx.Done():
					return
				case <-ticker.C:
					seq++
					p.mu.Lock()
					p.sends = append(p.sends, time.Now())
					p.mu.Unlock()
					if err := p.c.SendMessage(fmt.Sprintf("load message %d", seq)); err != nil {
						collector.AddError()
						return
					}
					sent.Add(1)
				}
			}
		}(p)
	}

	// Progress reporting while the chat phase runs.
	progressTicker := time.NewTicker(5 * time.Second)
	progressDone := make(chan struct{})
	go func() {
		for {
			select {
			case <-progressTicker.C:
				fmt.Printf("  [chat] messages sent: %d  errors: %d\n", sent.Load(), collector.ErrorCount())
			case <-progressDone:
				return
			}
		}
	}()

	chatWg.Wait()
	progressTicker.Stop()
	close(progressDone)

	fmt.Printf("\nPhase 2 complete: %d messages sent\n", sent.Load())

	// Give in-flight broadcasts a moment to drain before closing.
	time.Sleep(time.Second)

	cleanupPeers(peers)
	scraper.Stop()
	collector.Report()
}

// registerHandlers wires the latency and outcome tracking for one peer. The
// round trip is measured on the sender's own connection: the group broadcast
// echoes every persisted message back to the connection that sent it.
func registerHandlers(p *conversePeer, collector *stats.Collector) {
	p.c.On(client.TypeNewMessage, func(raw json.RawMessage) {
		var msg struct {
			Message struct {
				SenderUsername string     `json:"sender_username"`
				ReadAt         *time.Time `json:"read_at"`
			} `json:"message"`
		}
		if err := json.Unmarshal(raw, &msg); err != nil {
			return
		}
		if msg.Message.SenderUsername != p.c.Username() {
			return
		}

		p.mu.Lock()
		if len(p.sends) > 0 {
			collector.AddMsgLatency(time.Since(p.sends[0]))
			p.sends = p.sends[1:]
		}
		p.mu.Unlock()

		if msg.Message.ReadAt != nil {
			collector.AddReadReceipt()
		}
	})
	p.c.On(client.TypeNewMessageReceived, func(json.RawMessage) {
		collector.AddNotification()
	})
	p.c.On(client.TypeRateLimited, func(json.RawMessage) {
		collector.AddError()
	})
	p.c.On(client.TypeError, func(json.RawMessage) {
		collector.AddError()
	})
}

// cleanupPeers closes every connected peer.
func cleanupPeers(peers []*conversePeer) {
	for _, p := range peers {
		if p != nil {
			p.c.Close()
		}
	}
}
