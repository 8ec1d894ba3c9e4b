// Package lobby mirrors the relay's room listing into Redis so that other
// processes can read room member counts without joining the relay.
package lobby

import (
	"context"
	"fmt"
	"log"
	"sort"
	"strconv"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/sillycats/presence/internal/protocol"
	"github.com/sillycats/presence/internal/relay"
)

const (
	// RoomsKey is the Redis hash holding room id -> member count.
	RoomsKey = "lobby:rooms"

	// RoomsTTL bounds how long a listing survives a relay that stopped
	// updating it.
	RoomsTTL = 10 * time.Minute

	queueSize = 1024
	opTimeout = 3 * time.Second
)

// Config holds mirror settings.
type Config struct {
	Key string
	TTL time.Duration
}

// DefaultConfig returns the production key and TTL.
func DefaultConfig() Config {
	return Config{Key: RoomsKey, TTL: RoomsTTL}
}

// Connect opens a Redis client and verifies it with PING.
func Connect(addr string) (*redis.Client, error) {
	client := redis.NewClient(&redis.Options{Addr: addr})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("lobby: redis connection failed: %w", err)
	}
	return client, nil
}

// Mirror applies room events to the Redis listing from a background worker.
// It implements relay.Observer.
type Mirror struct {
	client *redis.Client
	config Config

	mu     sync.RWMutex // guards closed against sends on events
	closed bool
	events chan relay.RoomEvent
	wg     sync.WaitGroup
}

// NewMirror starts a mirror writing through client.
func NewMirror(client *redis.Client, config Config) *Mirror {
	m := &Mirror{
		client: client,
		config: config,
		events: make(chan relay.RoomEvent, queueSize),
	}
	m.wg.Add(1)
	go m.run()
	return m
}

// ObserveRoom queues ev for the worker. Events are dropped, with a log line,
// if Redis falls too far behind.
func (m *Mirror) ObserveRoom(ev relay.RoomEvent) {
	if ev.Kind == relay.EventStarted {
		return
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.closed {
		return
	}
	select {
	case m.events <- ev:
	default:
		log.Printf("[lobby] queue full, dropping %s event for room %s", ev.Kind, ev.Room)
	}
}

func (m *Mirror) run() {
	defer m.wg.Done()
	for ev := range m.events {
		ctx, cancel := context.WithTimeout(context.Background(), opTimeout)
		if err := m.apply(ctx, ev); err != nil {
			log.Printf("[lobby] apply %s for room %s: %v", ev.Kind, ev.Room, err)
		}
		cancel()
	}
}

// apply writes one event: an emptied room is removed, anything else
// records the current member count.
func (m *Mirror) apply(ctx context.Context, ev relay.RoomEvent) error {
	if ev.Kind == relay.EventEmptied || ev.Members <= 0 {
		return m.client.HDel(ctx, m.config.Key, ev.Room).Err()
	}

	pipe := m.client.Pipeline()
	pipe.HSet(ctx, m.config.Key, ev.Room, ev.Members)
	pipe.Expire(ctx, m.config.Key, m.config.TTL)
	_, err := pipe.Exec(ctx)
	return err
}

// Rooms reads the mirrored listing, ordered by descending member count then
// id.
func (m *Mirror) Rooms(ctx context.Context) ([]protocol.RoomInfo, error) {
	raw, err := m.client.HGetAll(ctx, m.config.Key).Result()
	if err != nil {
		return nil, fmt.Errorf("lobby: read rooms: %w", err)
	}

	rooms := make([]protocol.RoomInfo, 0, len(raw))
	for id, v := range raw {
		n, err := strconv.Atoi(v)
		if err != nil {
			log.Printf("[lobby] bad member count %q for room %s", v, id)
			continue
		}
		rooms = append(rooms, protocol.RoomInfo{ID: id, Members: n})
	}
	sort.Slice(rooms, func(i, j int) bool {
		if rooms[i].Members != rooms[j].Members {
			return rooms[i].Members > rooms[j].Members
		}
		return rooms[i].ID < rooms[j].ID
	})
	return rooms, nil
}

// Clear removes the whole listing.
func (m *Mirror) Clear(ctx context.Context) error {
	return m.client.Del(ctx, m.config.Key).Err()
}

// Close applies any queued events and stops the worker. Later events are
// ignored.
func (m *Mirror) Close() {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return
	}
	m.closed = true
	close(m.events)
	m.mu.Unlock()

	m.wg.Wait()
}
