// Package natsutil provides typed NATS publish/subscribe helpers with
// OpenTelemetry trace propagation through message headers.
package natsutil

import (
	"context"
	"encoding/json"
	"log/slog"
	"strconv"

	"github.com/nats-io/nats.go"
	"go.opentelemetry.io/otel"
)

// natsHeaderCarrier adapts nats.Msg headers for OTel TextMapCarrier.
type natsHeaderCarrier nats.Msg

func (c *natsHeaderCarrier) Get(key string) string {
	if c.Header == nil {
		return ""
	}
	return c.Header.Get(key)
}

func (c *natsHeaderCarrier) Set(key, val string) {
	if c.Header == nil {
		c.Header = make(nats.Header)
	}
	c.Header.Set(key, val)
}

func (c *natsHeaderCarrier) Keys() []string {
	if c.Header == nil {
		return nil
	}
	keys := make([]string, 0, len(c.Header))
	for k := range c.Header {
		keys = append(keys, k)
	}
	return keys
}

// Delivery is one decoded message with its headers.
type Delivery[T any] struct {
	Subject string
	Value   T
	Header  nats.Header
	Data    []byte
}

// HeaderInt returns an integer header value or 0.
func (d Delivery[T]) HeaderInt(key string) int {
	if d.Header == nil {
		return 0
	}
	n, _ := strconv.Atoi(d.Header.Get(key))
	return n
}

// Publish serializes v as JSON and publishes to the given subject.
// Trace context from ctx is injected into NATS message headers.
func Publish[T any](ctx context.Context, nc *nats.Conn, subject string, v T) error {
	return PublishWithHeader(ctx, nc, subject, v, nil)
}

// PublishWithHeader is Publish with extra headers.
func PublishWithHeader[T any](ctx context.Context, nc *nats.Conn, subject string, v T, h nats.Header) error {
	data, err := json.Marshal(v)
	if err != nil {
		return err
	}
	return PublishRaw(ctx, nc, subject, data, h)
}

// PublishRaw publishes pre-encoded data, used when forwarding a payload
// that failed to decode.
func PublishRaw(ctx context.Context, nc *nats.Conn, subject string, data []byte, h nats.Header) error {
	msg := &nats.Msg{
		Subject: subject,
		Data:    data,
		Header:  nats.Header{},
	}
	for k, vs := range h {
		for _, v := range vs {
			msg.Header.Add(k, v)
		}
	}
	otel.GetTextMapPropagator().Inject(ctx, (*natsHeaderCarrier)(msg))
	return nc.PublishMsg(msg)
}

// Subscribe registers a handler that deserializes JSON messages of type T.
// Trace context is extracted from NATS message headers and passed to the
// handler. Malformed messages are logged and dropped.
func Subscribe[T any](nc *nats.Conn, subject string, handler func(context.Context, T)) (*nats.Subscription, error) {
	return nc.Subscribe(subject, func(msg *nats.Msg) {
		var v T
		if err := json.Unmarshal(msg.Data, &v); err != nil {
			slog.Warn("natsutil: dropping malformed message", "subject", msg.Subject, "err", err)
			return
		}
		ctx := otel.GetTextMapPropagator().Extract(context.Background(), (*natsHeaderCarrier)(msg))
		handler(ctx, v)
	})
}

// QueueSubscribe registers a queue-group handler. Each message goes to one
// member of the group. Messages that fail to decode are passed to onMalformed
// when set, otherwise logged and dropped.
func QueueSubscribe[T any](nc *nats.Conn, subject, queue string, handler func(context.Context, Delivery[T]), onMalformed func(*nats.Msg, error)) (*nats.Subscription, error) {
	return nc.QueueSubscribe(subject, queue, func(msg *nats.Msg) {
		var v T
		if err := json.Unmarshal(msg.Data, &v); err != nil {
			if onMalformed != nil {
				onMalformed(msg, err)
				return
			}
			slog.Warn("natsutil: dropping malformed message", "subject", msg.Subject, "queue", queue, "err", err)
			return
		}
		ctx := otel.GetTextMapPropagator().Extract(context.Background(), (*natsHeaderCarrier)(msg))
		handler(ctx, Delivery[T]{Subject: msg.Subject, Value: v, Header: msg.Header, Data: msg.Data})
	})
}
