// Package natsnotify publishes cache events to a NATS subject as JSON.
// Core NATS delivery is at-most-once, which matches the cache's
// fire-and-forget contract.
package natsnotify

import (
	"context"
	"encoding/json"
	"errors"

	"github.com/nats-io/nats.go"

	"github.com/elevow/table-sub005/notify"
)

var (
	ErrNilConn      = errors.New("natsnotify: nil connection")
	ErrNotConnected = errors.New("natsnotify: not connected")
)

const defaultSubject = "tiercache.events"

type Notifier struct {
	nc        *nats.Conn
	subject   string
	closeConn bool
}

var _ notify.Notifier = (*Notifier)(nil)

type Config struct {
	Conn      *nats.Conn
	Subject   string // default "tiercache.events"
	CloseConn bool   // set true only if this notifier exclusively owns the connection
}

func New(cfg Config) (*Notifier, error) {
	if cfg.Conn == nil {
		return nil, ErrNilConn
	}
	subj := cfg.Subject
	if subj == "" {
		subj = defaultSubject
	}
	return &Notifier{nc: cfg.Conn, subject: subj, closeConn: cfg.CloseConn}, nil
}

func (n *Notifier) Notify(_ context.Context, ev notify.Event) error {
	if !n.nc.IsConnected() {
		return ErrNotConnected
	}
	b, err := json.Marshal(ev)
	if err != nil {
		return err
	}
	return n.nc.Publish(n.subject, b)
}

func (n *Notifier) Close(context.Context) error {
	if n.closeConn {
		n.nc.Close()
	}
	return nil
}
