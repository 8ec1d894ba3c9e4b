package main

import (
	"context"
	"fmt"
	"time"

	"github.com/sillycats/presence/internal/protocol"
	"github.com/sillycats/presence/loadtest/client"
	"github.com/sillycats/presence/loadtest/stats"
)

// joinMember dials the relay, joins room as user and waits until the relay
// lists user as a member. extra handlers are registered before the join is
// sent.
func joinMember(ctx context.Context, url, user, room string, collector *stats.Collector,
	extra map[string]func(interface{})) (*client.Client, error) {
	c, err := client.New(ctx, url, user)
	if err != nil {
		return nil, err
	}
	collector.AddConnect(c.GetMetrics().ConnectLatency)

	joined := make(chan struct{})
	var once bool
	c.On(protocol.TypeMembers, func(msg interface{}) {
		m, ok := msg.(protocol.MembersMsg)
		if !ok || once {
			return
		}
		for _, u := range m.Members {
			if u == user {
				once = true
				close(joined)
				return
			}
		}
	})
	for msgType, h := range extra {
		c.On(msgType, h)
	}

	start := time.Now()
	if err := c.Join(room); err != nil {
		c.Close()
		return nil, err
	}

	select {
	case <-joined:
		collector.AddJoin(time.Since(start))
		return c, nil
	case <-c.Done():
		return nil, fmt.Errorf("%s: connection closed before join", user)
	case <-ctx.Done():
		c.Close()
		return nil, fmt.Errorf("%s: join: %w", user, ctx.Err())
	}
}
