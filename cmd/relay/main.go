package main

import (
	"context"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/joho/godotenv"

	"github.com/sillycats/presence/internal/lobby"
	"github.com/sillycats/presence/internal/messaging"
	"github.com/sillycats/presence/internal/relay"
	"github.com/sillycats/presence/internal/room"
	"github.com/sillycats/presence/internal/ws"
)

// config is read from RELAY_* environment variables.
type config struct {
	ListenAddr        string        `env:"LISTEN_ADDR" envDefault:":8000"`
	WorkerPoolSize    int           `env:"WORKER_POOL_SIZE" envDefault:"256"`
	MaxConnections    int           `env:"MAX_CONNECTIONS" envDefault:"1000"`
	ReadTimeout       time.Duration `env:"READ_TIMEOUT" envDefault:"10s"`
	WriteTimeout      time.Duration `env:"WRITE_TIMEOUT" envDefault:"10s"`
	SendQueue         int           `env:"SEND_QUEUE" envDefault:"64"`
	MaxDrops          int           `env:"MAX_DROPS" envDefault:"256"`
	HeartbeatInterval time.Duration `env:"HEARTBEAT_INTERVAL" envDefault:"30s"`
	HeartbeatTimeout  time.Duration `env:"HEARTBEAT_TIMEOUT" envDefault:"10s"`
	NATSURL           string        `env:"NATS_URL"`
	RedisAddr         string        `env:"REDIS_ADDR"`
	ShutdownTimeout   time.Duration `env:"SHUTDOWN_TIMEOUT" envDefault:"10s"`
}

func (c config) server() ws.ServerConfig {
	sc := ws.DefaultServerConfig()
	sc.ListenAddr = c.ListenAddr
	if c.WorkerPoolSize > 0 {
		sc.WorkerPoolSize = c.WorkerPoolSize
	}
	if c.MaxConnections > 0 {
		sc.MaxConnections = c.MaxConnections
	}
	sc.ReadTimeout = c.ReadTimeout
	sc.WriteTimeout = c.WriteTimeout
	if c.SendQueue > 0 {
		sc.SendQueue = c.SendQueue
	}
	if c.MaxDrops > 0 {
		sc.MaxDrops = c.MaxDrops
	}
	sc.Heartbeat = ws.HeartbeatConfig{
		Interval: c.HeartbeatInterval,
		Timeout:  c.HeartbeatTimeout,
	}
	return sc
}

func main() {
	// A missing .env is normal outside development.
	_ = godotenv.Load()

	var cfg config
	if err := env.ParseWithOptions(&cfg, env.Options{Prefix: "RELAY_"}); err != nil {
		log.Fatalf("parse config: %v", err)
	}

	var observers []relay.Observer

	// --- NATS ---
	var natsClient *messaging.NATSClient
	if cfg.NATSURL != "" {
		natsConfig := messaging.DefaultNATSConfig()
		natsConfig.URL = cfg.NATSURL
		var err error
		natsClient, err = messaging.NewNATSClient(natsConfig)
		if err != nil {
			log.Fatalf("failed to connect to NATS: %v", err)
		}
		observers = append(observers, natsClient)
	}

	// --- Redis ---
	var mirror *lobby.Mirror
	if cfg.RedisAddr != "" {
		client, err := lobby.Connect(cfg.RedisAddr)
		if err != nil {
			log.Fatalf("failed to connect to Redis: %v", err)
		}
		mirror = lobby.NewMirror(client, lobby.DefaultConfig())
		// Rooms never outlive the relay process, so a listing left by a
		// previous run is stale.
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		if err := mirror.Clear(ctx); err != nil {
			log.Printf("[lobby] clear stale listing: %v", err)
		}
		cancel()
		observers = append(observers, mirror)
	}

	serverConfig := cfg.server()

	log.Printf("presence relay starting")
	log.Printf("  listen_addr:     %s", serverConfig.ListenAddr)
	log.Printf("  worker_pool:     %d", serverConfig.WorkerPoolSize)
	log.Printf("  max_connections: %d", serverConfig.MaxConnections)
	log.Printf("  read_timeout:    %s", serverConfig.ReadTimeout)
	log.Printf("  write_timeout:   %s", serverConfig.WriteTimeout)
	log.Printf("  send_queue:      %d", serverConfig.SendQueue)
	log.Printf("  max_drops:       %d", serverConfig.MaxDrops)
	log.Printf("  heartbeat:       %s (+%s)", serverConfig.Heartbeat.Interval, serverConfig.Heartbeat.Timeout)
	log.Printf("  nats_url:        %s", orDisabled(cfg.NATSURL))
	log.Printf("  redis_addr:      %s", orDisabled(cfg.RedisAddr))

	hub := relay.NewHub(room.NewRegistry(), observers...)
	server := ws.NewServer(serverConfig, hub)

	// Graceful shutdown.
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	go func() {
		sig := <-sigCh
		log.Printf("received signal %v, initiating graceful shutdown...", sig)

		ctx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
		defer cancel()
		if err := server.Shutdown(ctx); err != nil {
			log.Printf("shutdown error: %v", err)
		}
		// Observers go last so the leave events from shutdown reach them.
		if mirror != nil {
			mirror.Close()
		}
		if natsClient != nil {
			if err := natsClient.Flush(); err != nil {
				log.Printf("[nats] flush: %v", err)
			}
			natsClient.Close()
		}
		os.Exit(0)
	}()

	if err := server.Start(); err != nil {
		log.Fatalf("server error: %v", err)
	}
	// Start returns once Shutdown stops the HTTP server; wait for the
	// signal goroutine to finish closing observers and exit.
	select {}
}

func orDisabled(s string) string {
	if s == "" {
		return "(disabled)"
	}
	return s
}
