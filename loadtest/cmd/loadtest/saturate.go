package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/sillycats/presence/loadtest/client"
	"github.com/sillycats/presence/loadtest/stats"
)

// runSaturate opens connections at a steady rate, joins each one to one of
// a few rooms, then holds them while reporting how many are still open. It
// finds the point where the relay starts refusing or dropping channels.
func runSaturate(args []string) {
	fs := flag.NewFlagSet("saturate", flag.ExitOnError)
	url := fs.String("url", "ws://localhost:8000/ws", "relay WebSocket URL")
	connections := fs.Int("connections", 1000, "number of members to join")
	rooms := fs.Int("rooms", 10, "number of rooms to spread members over")
	rampUp := fs.Duration("ramp", 10*time.Second, "ramp-up duration")
	hold := fs.Duration("hold", 30*time.Second, "hold duration after all members joined")
	concurrency := fs.Int("concurrency", 50, "maximum simultaneous join attempts")
	fs.Parse(args)

	if *rooms < 1 {
		*rooms = 1
	}

	fmt.Printf("Saturate test: %d members in %d rooms at %s (ramp=%s, hold=%s, concurrency=%d)\n",
		*connections, *rooms, *url, *rampUp, *hold, *concurrency)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	collector := stats.NewCollector()

	var mu sync.Mutex
	clients := make([]*client.Client, 0, *connections)
	interrupted := false

	// --- Ramp-up phase ---
	fmt.Println("\n--- Ramp-up phase ---")

	interval := *rampUp / time.Duration(max(*connections, 1))
	if interval <= 0 {
		interval = time.Millisecond
	}

	sem := make(chan struct{}, max(*concurrency, 1))
	var wg sync.WaitGroup

	progressStop := make(chan struct{})
	var progressWg sync.WaitGroup
	progressWg.Add(1)
	go func() {
		defer progressWg.Done()
		ticker := time.NewTicker(time.Second)
		defer ticker.Stop()
		lastCount, lastTime := 0, time.Now()
		for {
			select {
			case now := <-ticker.C:
				n := collector.ConnectionCount()
				rate := float64(n-lastCount) / now.Sub(lastTime).Seconds()
				fmt.Printf("  [ramp] members: %d/%d  errors: %d  rate: %.1f/s\n",
					n, *connections, collector.ErrorCount(), rate)
				lastCount, lastTime = n, now
			case <-progressStop:
				return
			}
		}
	}()

	rampStart := time.Now()
	rampTicker := time.NewTicker(interval)

ramp:
	for i := 0; i < *connections; i++ {
		select {
		case <-ctx.Done():
			fmt.Println("\nInterrupted during ramp-up.")
			interrupted = true
			break ramp
		case <-rampTicker.C:
		}

		wg.Add(1)
		sem <- struct{}{}
		go func(i int) {
			defer wg.Done()
			defer func() { <-sem }()

			joinCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
			defer cancel()

			user := fmt.Sprintf("sat-%d", i)
			room := fmt.Sprintf("load-%d", i%*rooms)
			c, err := joinMember(joinCtx, *url, user, room, collector, nil)
			if err != nil {
				collector.AddError()
				return
			}
			mu.Lock()
			clients = append(clients, c)
			mu.Unlock()
		}(i)
	}

	rampTicker.Stop()
	wg.Wait()
	close(progressStop)
	progressWg.Wait()

	fmt.Printf("\nRamp-up complete: %d/%d members in %s (%d errors)\n",
		collector.ConnectionCount(), *connections,
		time.Since(rampStart).Round(time.Millisecond), collector.ErrorCount())

	// --- Hold phase ---
	dropped := 0
	if !interrupted {
		fmt.Println("\n--- Hold phase ---")

		mu.Lock()
		initial := len(clients)
		mu.Unlock()
		fmt.Printf("Holding %d members for %s...\n", initial, *hold)

		holdTimer := time.NewTimer(*hold)
		statusTicker := time.NewTicker(5 * time.Second)

	holdLoop:
		for {
			select {
			case <-ctx.Done():
				fmt.Println("\nInterrupted during hold phase.")
				break holdLoop
			case <-holdTimer.C:
				fmt.Println("\nHold period complete.")
				break holdLoop
			case <-statusTicker.C:
				alive := countAlive(&mu, clients)
				dropped = initial - alive
				fmt.Printf("  [hold] alive: %d/%d  dropped: %d\n", alive, initial, dropped)
			}
		}
		holdTimer.Stop()
		statusTicker.Stop()
	}

	// --- Cleanup ---
	fmt.Println("\n--- Cleanup ---")
	mu.Lock()
	fmt.Printf("Closing %d connections...\n", len(clients))
	for _, c := range clients {
		c.Close()
	}
	mu.Unlock()

	if dropped > 0 {
		fmt.Printf("\nMembers dropped during hold: %d\n", dropped)
	}
	collector.Report(os.Stdout)
}

func countAlive(mu *sync.Mutex, clients []*client.Client) int {
	mu.Lock()
	defer mu.Unlock()
	alive := 0
	for _, c := range clients {
		select {
		case <-c.Done():
		default:
			alive++
		}
	}
	return alive
}
