// Command catbot is a headless presence client. It joins a room, wanders its
// avatar around and logs what the relay reports, which makes it useful for
// populating a room during development.
package main

import (
	"context"
	"log"
	"math"
	"math/rand"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/joho/godotenv"

	"github.com/sillycats/presence/internal/motion"
	"github.com/sillycats/presence/internal/prefs"
	"github.com/sillycats/presence/internal/presence"
	"github.com/sillycats/presence/internal/session"
)

// emoteCount matches the emote sprites the clients render.
const emoteCount = 6

// config is read from CATBOT_* environment variables. Empty NAME and ROOM
// fall back to the saved prefs.
type config struct {
	URL       string        `env:"URL" envDefault:"ws://localhost:8000/ws"`
	Name      string        `env:"NAME"`
	Room      string        `env:"ROOM"`
	PrefsPath string        `env:"PREFS_PATH"`
	Speed     float64       `env:"SPEED" envDefault:"1.5"`
	Duration  time.Duration `env:"DURATION" envDefault:"0s"`
	Chatty    bool          `env:"CHATTY" envDefault:"true"`
}

const (
	frame      = 50 * time.Millisecond
	arenaHalf  = 8.0
	turnChance = 0.02
)

func main() {
	_ = godotenv.Load()

	var cfg config
	if err := env.ParseWithOptions(&cfg, env.Options{Prefix: "CATBOT_"}); err != nil {
		log.Fatalf("parse config: %v", err)
	}

	prefsPath := cfg.PrefsPath
	if prefsPath == "" {
		p, err := prefs.DefaultPath()
		if err != nil {
			log.Fatalf("%v", err)
		}
		prefsPath = p
	}
	saved, err := prefs.Load(prefsPath)
	if err != nil {
		log.Printf("[catbot] ignoring prefs: %v", err)
	}
	if cfg.Name == "" {
		cfg.Name = saved.Name
	}
	if cfg.Name == "" {
		cfg.Name = "catbot"
	}
	if cfg.Room == "" {
		cfg.Room = saved.Room
	}

	sessCfg := session.DefaultConfig()
	sessCfg.URL = cfg.URL
	ctl := session.New(sessCfg)

	if err := ctl.SetName(cfg.Name); err != nil {
		log.Fatalf("set name: %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), sessCfg.DialTimeout)
	err = ctl.Connect(ctx)
	cancel()
	if err != nil {
		log.Fatalf("connect %s: %v", cfg.URL, err)
	}
	defer ctl.Close()

	roomID := cfg.Room
	if roomID == "" {
		if roomID, err = ctl.CreateRoom(); err != nil {
			log.Fatalf("create room: %v", err)
		}
	} else if err := ctl.JoinRoom(roomID); err != nil {
		log.Fatalf("join room %s: %v", roomID, err)
	}
	log.Printf("[catbot] %s in room %s", ctl.Name(), roomID)

	if err := prefs.Save(prefsPath, prefs.Prefs{Name: ctl.Name(), Room: roomID}); err != nil {
		log.Printf("[catbot] save prefs: %v", err)
	}

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	var deadline <-chan time.Time
	if cfg.Duration > 0 {
		deadline = time.After(cfg.Duration)
	}

	w := newWanderer(cfg.Speed)
	ticker := time.NewTicker(frame)
	defer ticker.Stop()
	last := time.Now()

	for {
		select {
		case sig := <-sigCh:
			log.Printf("[catbot] received %v, leaving", sig)
			return
		case <-deadline:
			log.Printf("[catbot] done after %s", cfg.Duration)
			return
		case now := <-ticker.C:
			dt := now.Sub(last).Seconds()
			last = now

			for _, ev := range ctl.Tick(dt) {
				logEvent(ev)
				if ev.Kind == session.EventDisconnected {
					return
				}
			}
			if ctl.Room() == "" {
				log.Printf("[catbot] no longer in a room, exiting")
				return
			}

			pos, yaw := w.step(dt)
			if err := ctl.Move(pos, yaw); err != nil {
				log.Printf("[catbot] move: %v", err)
			}
			if cfg.Chatty && rand.Float64() < 0.002 {
				_ = ctl.SendEmote(rand.Intn(emoteCount))
			}
		}
	}
}

// wanderer walks in a straight line, turning at random and at the arena
// edge.
type wanderer struct {
	speed float64
	pos   presence.Vec3
	yaw   float64
}

func newWanderer(speed float64) *wanderer {
	return &wanderer{
		speed: speed,
		pos:   presence.Vec3{X: rand.Float64()*4 - 2, Z: rand.Float64()*4 - 2},
		yaw:   rand.Float64() * 2 * math.Pi,
	}
}

func (w *wanderer) step(dt float64) (presence.Vec3, float64) {
	if rand.Float64() < turnChance {
		w.yaw = motion.WrapAngle(w.yaw + (rand.Float64()-0.5)*math.Pi)
	}
	dir := presence.Vec3{X: math.Sin(w.yaw), Z: math.Cos(w.yaw)}
	next := w.pos.Add(dir.Scale(w.speed * dt))
	if math.Abs(next.X) > arenaHalf || math.Abs(next.Z) > arenaHalf {
		w.yaw = motion.WrapAngle(w.yaw + math.Pi)
		return w.pos, w.yaw
	}
	w.pos = next
	return w.pos, w.yaw
}

func logEvent(ev session.Event) {
	switch ev.Kind {
	case session.EventChat:
		log.Printf("[chat] %s: %s", ev.User, ev.Text)
	case session.EventJoin, session.EventLeave:
		log.Printf("[room] %s %s", ev.User, ev.Kind)
	case session.EventMembers:
		log.Printf("[room] members: %v", ev.Members)
	case session.EventHost:
		log.Printf("[room] host is %s", ev.User)
	case session.EventKickNotice:
		log.Printf("[room] %s was kicked by %s", ev.User, ev.By)
	case session.EventKicked:
		log.Printf("[room] %s was kicked from the room", ev.User)
	case session.EventStart:
		log.Printf("[room] %s started the room", ev.User)
	case session.EventError:
		log.Printf("[relay] error %s: %s", ev.Code, ev.Text)
	case session.EventDisconnected:
		log.Printf("[relay] disconnected")
	case session.EventEmote, session.EventHistory:
	default:
		log.Printf("[catbot] %s", ev.Kind)
	}
}
