// Package natsclient publishes lifecycle and machine events on NATS and lets
// operators watch them.
package natsclient

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/devghori1264/mcpanel/internal/models"
	"github.com/nats-io/nats.go"
	"go.uber.org/zap"
)

// LifecycleSubjectPrefix prefixes the per-server lifecycle subjects.
const LifecycleSubjectPrefix = "mcpanel.lifecycle."

var ErrNotConnected = errors.New("nats not connected")

// LifecycleSubject returns the subject phase changes of serverID are
// published on. "*" matches every server.
func LifecycleSubject(serverID string) string {
	return LifecycleSubjectPrefix + serverID
}

type Publisher struct {
	nc  *nats.Conn
	url string
	log *zap.Logger
}

// NewPublisher connects to url and keeps reconnecting forever.
func NewPublisher(url, name string, log *zap.Logger) (*Publisher, error) {
	if log == nil {
		log = zap.NewNop()
	}
	opts := []nats.Option{
		nats.Name(name),
		nats.MaxReconnects(-1),
		nats.ReconnectWait(2 * time.Second),
		nats.DisconnectErrHandler(func(nc *nats.Conn, err error) {
			log.Warn("nats disconnected", zap.Error(err))
		}),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			log.Info("nats reconnected", zap.String("url", nc.ConnectedUrl()))
		}),
	}
	nc, err := nats.Connect(url, opts...)
	if err != nil {
		return nil, err
	}
	return &Publisher{nc: nc, url: url, log: log}, nil
}

func (p *Publisher) Publish(ctx context.Context, subject string, payload []byte) error {
	if p.nc == nil || p.nc.IsClosed() {
		return ErrNotConnected
	}
	return p.nc.Publish(subject, payload)
}

// Notify publishes a committed phase change. Failures are logged; the
// lifecycle never waits on the bus.
func (p *Publisher) Notify(ctx context.Context, ev models.LifecycleEvent) {
	subject, payload, err := encodeEvent(ev)
	if err == nil {
		err = p.Publish(ctx, subject, payload)
	}
	if err != nil {
		p.log.Warn("publish lifecycle event",
			zap.String("server", ev.ServerID),
			zap.String("to", string(ev.To)),
			zap.Error(err))
	}
}

// Watch delivers lifecycle events for serverID ("*" for all) to fn until
// ctx is done.
func (p *Publisher) Watch(ctx context.Context, serverID string, fn func(models.LifecycleEvent)) error {
	if p.nc == nil || p.nc.IsClosed() {
		return ErrNotConnected
	}
	sub, err := p.nc.Subscribe(LifecycleSubject(serverID), func(msg *nats.Msg) {
		ev, err := decodeEvent(msg.Data)
		if err != nil {
			p.log.Warn("malformed lifecycle event", zap.String("subject", msg.Subject), zap.Error(err))
			return
		}
		fn(ev)
	})
	if err != nil {
		return err
	}
	defer sub.Unsubscribe()
	if err := p.nc.Flush(); err != nil {
		return err
	}
	<-ctx.Done()
	return nil
}

func (p *Publisher) Close() {
	if p.nc != nil {
		_ = p.nc.Drain()
		p.nc.Close()
	}
}

func encodeEvent(ev models.LifecycleEvent) (string, []byte, error) {
	if ev.ServerID == "" {
		return "", nil, errors.New("event without server id")
	}
	payload, err := json.Marshal(ev)
	if err != nil {
		return "", nil, fmt.Errorf("encode event: %w", err)
	}
	return LifecycleSubject(ev.ServerID), payload, nil
}

func decodeEvent(data []byte) (models.LifecycleEvent, error) {
	var ev models.LifecycleEvent
	err := json.Unmarshal(data, &ev)
	return ev, err
}
