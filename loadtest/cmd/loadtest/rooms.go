package main

import (
	"context"
	"flag"
	"fmt"
	"math"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/sillycats/presence/internal/protocol"
	"github.com/sillycats/presence/loadtest/client"
	"github.com/sillycats/presence/loadtest/stats"
)

// runRooms fills rooms with members that each stream pos samples at the
// client emission rate, and measures how long the relay takes to fan a sample
// out to the rest of the room. Samples carry their send time, so latency is
// only meaningful when the load generator and relay share a clock.
func runRooms(args []string) {
	fs := flag.NewFlagSet("rooms", flag.ExitOnError)
	url := fs.String("url", "ws://localhost:8000/ws", "relay WebSocket URL")
	rooms := fs.Int("rooms", 5, "number of rooms")
	members := fs.Int("members", 8, "members per room")
	interval := fs.Duration("interval", 150*time.Millisecond, "pos emission interval per member")
	duration := fs.Duration("duration", 30*time.Second, "streaming duration")
	fs.Parse(args)

	total := *rooms * *members
	fmt.Printf("Rooms test: %d rooms x %d members at %s (interval=%s, duration=%s)\n",
		*rooms, *members, *url, *interval, *duration)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	collector := stats.NewCollector()
	onPos := func(msg interface{}) {
		if m, ok := msg.(protocol.PosMsg); ok && m.Time > 0 {
			collector.AddFanout(time.Duration(protocol.Now()-m.Time) * time.Millisecond)
		}
	}

	// --- Join phase ---
	fmt.Println("\n--- Join phase ---")
	type member struct {
		c    *client.Client
		room string
	}
	var (
		mu     sync.Mutex
		joined []member
		wg     sync.WaitGroup
	)
	for r := 0; r < *rooms; r++ {
		for m := 0; m < *members; m++ {
			wg.Add(1)
			go func(r, m int) {
				defer wg.Done()
				joinCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
				defer cancel()

				room := fmt.Sprintf("fanout-%d", r)
				user := fmt.Sprintf("cat-%d-%d", r, m)
				c, err := joinMember(joinCtx, *url, user, room, collector,
					map[string]func(interface{}){protocol.TypePos: onPos})
				if err != nil {
					collector.AddError()
					return
				}
				mu.Lock()
				joined = append(joined, member{c: c, room: room})
				mu.Unlock()
			}(r, m)
		}
	}
	wg.Wait()
	fmt.Printf("Joined %d/%d members (%d errors)\n", len(joined), total, collector.ErrorCount())

	// --- Streaming phase ---
	fmt.Println("\n--- Streaming phase ---")
	streamCtx, cancel := context.WithTimeout(ctx, *duration)
	defer cancel()

	for i, m := range joined {
		wg.Add(1)
		go func(i int, m member) {
			defer wg.Done()
			// Stagger members so emissions do not arrive in lockstep.
			offset := time.Duration(i) * *interval / time.Duration(max(len(joined), 1))
			select {
			case <-time.After(offset):
			case <-streamCtx.Done():
				return
			}

			ticker := time.NewTicker(*interval)
			defer ticker.Stop()
			angle := float64(i)
			for {
				select {
				case <-streamCtx.Done():
					return
				case <-m.c.Done():
					collector.AddError()
					return
				case <-ticker.C:
					angle += 0.1
					if err := m.c.Pos(m.room, 3*math.Cos(angle), 3*math.Sin(angle), angle); err != nil {
						collector.AddError()
						return
					}
					collector.AddSent()
				}
			}
		}(i, m)
	}
	wg.Wait()

	// --- Cleanup ---
	fmt.Println("\n--- Cleanup ---")
	for _, m := range joined {
		m.c.Close()
	}
	if *members > 1 {
		fmt.Printf("Expected deliveries per sample: %d\n", *members-1)
	}
	collector.Report(os.Stdout)
}
