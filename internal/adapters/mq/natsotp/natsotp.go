// Package natsotp hands OTP deliveries to an SMS gateway listening on a NATS
// subject.
package natsotp

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/nats-io/nats.go"

	"github.com/okian/sabor/internal/domain/challenge"
)

// ErrGatewayRejected is returned when the gateway replies with an error.
var ErrGatewayRejected = errors.New("sms gateway rejected delivery")

// Reply is what a gateway answers in request mode.
type Reply struct {
	Error string `json:"error,omitempty"`
}

// Transport implements challenge.Transport.
type Transport struct {
	nc      *nats.Conn
	subject string
	request bool
}

// Option configures a Transport.
type Option func(*Transport)

// WithRequestReply waits for the gateway to acknowledge each delivery
// instead of only confirming the server accepted it.
func WithRequestReply() Option {
	return func(t *Transport) { t.request = true }
}

// New publishes deliveries on subject.
func New(nc *nats.Conn, subject string, opts ...Option) *Transport {
	t := &Transport{nc: nc, subject: subject}
	for _, opt := range opts {
		opt(t)
	}
	return t
}

// Deliver implements challenge.Transport. It returns once the delivery is
// acknowledged or ctx is done.
func (t *Transport) Deliver(ctx context.Context, d challenge.Delivery) error {
	data, err := json.Marshal(d)
	if err != nil {
		return fmt.Errorf("encode delivery: %w", err)
	}

	if !t.request {
		if err := t.nc.Publish(t.subject, data); err != nil {
			return fmt.Errorf("publish delivery: %w", err)
		}
		if err := t.nc.FlushWithContext(ctx); err != nil {
			return fmt.Errorf("flush delivery: %w", err)
		}
		return nil
	}

	msg, err := t.nc.RequestWithContext(ctx, t.subject, data)
	if err != nil {
		return fmt.Errorf("request delivery: %w", err)
	}
	if len(msg.Data) == 0 {
		return nil
	}
	var r Reply
	if err := json.Unmarshal(msg.Data, &r); err != nil {
		return fmt.Errorf("decode gateway reply: %w", err)
	}
	if r.Error != "" {
		return fmt.Errorf("%w: %s", ErrGatewayRejected, r.Error)
	}
	return nil
}
