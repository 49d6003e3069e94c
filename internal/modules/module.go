package modules

import (
	"context"

	"github.com/nats-io/nats.go"
)

type Module interface {
	Start(ctx context.Context) error
	Stop() error
}

// Subjects the modules exchange messages on.
const (
	SubjectTaskDispatch  = "task.dispatch"
	SubjectTaskCancel    = "task.cancel"
	SubjectTaskStatus    = "task.status"
	SubjectMetricsReport = "metrics.report"
)

type Subscription interface {
	Unsubscribe() error
}

// Conn is the part of a NATS connection the modules use.
type Conn interface {
	Publish(subject string, data []byte) error
	Subscribe(subject string, handler nats.MsgHandler) (Subscription, error)
}

type natsConn struct {
	nc *nats.Conn
}

// NewNATSConn adapts a NATS connection to Conn.
func NewNATSConn(nc *nats.Conn) Conn {
	return &natsConn{nc: nc}
}

func (c *natsConn) Publish(subject string, data []byte) error {
	return c.nc.Publish(subject, data)
}

func (c *natsConn) Subscribe(subject string, handler nats.MsgHandler) (Subscription, error) {
	sub, err := c.nc.Subscribe(subject, handler)
	if err != nil {
		return nil, err
	}
	return sub, nil
}

func unsubscribeAll(subs []Subscription) error {
	var firstErr error
	for _, sub := range subs {
		if err := sub.Unsubscribe(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}
