// Package redisnotify publishes cache events to a Redis Pub/Sub channel as
// JSON. Delivery is at-most-once; subscribers that are down miss events.
package redisnotify

import (
	"context"
	"encoding/json"
	"errors"

	goredis "github.com/redis/go-redis/v9"

	"github.com/elevow/table-sub005/notify"
)

var ErrNilClient = errors.New("redisnotify: nil client")

const defaultChannel = "tiercache.events"

type Notifier struct {
	rdb         goredis.UniversalClient
	channel     string
	closeClient bool
}

var _ notify.Notifier = (*Notifier)(nil)

type Config struct {
	Client      goredis.UniversalClient
	Channel     string // default "tiercache.events"
	CloseClient bool   // set true only if this notifier exclusively owns the client
}

func New(cfg Config) (*Notifier, error) {
	if cfg.Client == nil {
		return nil, ErrNilClient
	}
	ch := cfg.Channel
	if ch == "" {
		ch = defaultChannel
	}
	return &Notifier{rdb: cfg.Client, channel: ch, closeClient: cfg.CloseClient}, nil
}

func (n *Notifier) Notify(ctx context.Context, ev notify.Event) error {
	b, err := json.Marshal(ev)
	if err != nil {
		return err
	}
	return n.rdb.Publish(ctx, n.channel, b).Err()
}

func (n *Notifier) Close(context.Context) error {
	if n.closeClient {
		if err := n.rdb.Close(); err != nil && !errors.Is(err, goredis.ErrClosed) {
			return err
		}
	}
	return nil
}
