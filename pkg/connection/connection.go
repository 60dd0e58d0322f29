// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

// Package connection dispatches request primitives over a transport binding
// and fans inbound notifications out to local subscribers.
package connection

import (
	"context"
	"errors"
	"log/slog"
	"strconv"
	"strings"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/absmach/onem2m/pkg/breaker"
	m2merrors "github.com/absmach/onem2m/pkg/errors"
	"github.com/absmach/onem2m/pkg/metrics"
	"github.com/absmach/onem2m/pkg/primitive"
	"github.com/absmach/onem2m/pkg/pubsub"
	"github.com/absmach/onem2m/pkg/transport"
)

// DefaultNotifyResource is the CoAP resource name notifications are posted to.
const DefaultNotifyResource = "notify"

// Limiter throttles outbound requests.
type Limiter interface {
	Wait(ctx context.Context) error
}

// Config holds the optional collaborators of a Connection.
type Config struct {
	Logger  *slog.Logger
	Metrics *metrics.Metrics
	Breaker *breaker.CircuitBreaker
	Limiter Limiter
	// NotifyResource is the CoAP path notifications are posted to.
	NotifyResource string
}

// Connection owns one transport binding, assigns request identifiers and
// carries the notification stream of the process.
type Connection struct {
	binding       transport.Binding
	prefix        string
	counter       atomic.Uint64
	notifications *pubsub.Broadcaster[primitive.Notification]
	logger        *slog.Logger
	metrics       *metrics.Metrics
	breaker       *breaker.CircuitBreaker
	limiter       Limiter
	notifyPath    string
}

// New creates a connection over binding.
func New(binding transport.Binding, cfg Config) *Connection {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.NotifyResource == "" {
		cfg.NotifyResource = DefaultNotifyResource
	}

	c := &Connection{
		binding:       binding,
		prefix:        strings.ReplaceAll(uuid.NewString(), "-", "")[:8],
		notifications: pubsub.NewBroadcaster[primitive.Notification](),
		logger:        cfg.Logger.With(slog.String("transport", binding.Name())),
		metrics:       cfg.Metrics,
		breaker:       cfg.Breaker,
		limiter:       cfg.Limiter,
		notifyPath:    strings.Trim(cfg.NotifyResource, "/"),
	}

	if c.breaker != nil && c.metrics != nil {
		name := binding.Name()
		c.metrics.CircuitBreakerState.WithLabelValues(name).Set(float64(breaker.StateClosed))
		c.breaker.OnStateChange(func(from, to breaker.State) {
			c.metrics.CircuitBreakerState.WithLabelValues(name).Set(float64(to))
			if to == breaker.StateOpen {
				c.metrics.CircuitBreakerTrips.WithLabelValues(name).Inc()
			}
			c.logger.Warn("circuit breaker state changed",
				slog.String("from", from.String()),
				slog.String("to", to.String()))
		})
	}
	return c
}

// Transport returns the name of the underlying binding.
func (c *Connection) Transport() string {
	return c.binding.Name()
}

// NextRequestID returns a request identifier unique for this connection.
func (c *Connection) NextRequestID() string {
	return c.prefix + "-" + strconv.FormatUint(c.counter.Add(1), 10)
}

// Send dispatches req and waits for its response. The caller's request is
// not modified; a missing request identifier is generated on a copy.
func (c *Connection) Send(ctx context.Context, req *primitive.Request) (*primitive.Response, error) {
	r := *req
	if r.RequestIdentifier == "" {
		r.RequestIdentifier = c.NextRequestID()
	}
	if err := r.Validate(); err != nil {
		return nil, err
	}

	if c.limiter != nil {
		start := time.Now()
		if err := c.limiter.Wait(ctx); err != nil {
			return nil, m2merrors.Wrap(err, "rate limiter")
		}
		if c.metrics != nil {
			c.metrics.RateLimitWait.WithLabelValues(c.binding.Name()).Observe(time.Since(start).Seconds())
		}
	}

	var res *primitive.Response
	send := func() (string, error) {
		var err error
		if c.breaker != nil {
			err = c.breaker.Call(func() error {
				var serr error
				res, serr = c.binding.Send(ctx, &r)
				return serr
			})
		} else {
			res, err = c.binding.Send(ctx, &r)
		}
		return statusLabel(res, err), err
	}

	var err error
	if c.metrics != nil {
		err = c.metrics.ObserveRequest(c.binding.Name(), r.Operation.String(), send)
	} else {
		_, err = send()
	}

	if err != nil {
		c.logger.Debug("request failed",
			slog.String("operation", r.Operation.String()),
			slog.String("to", r.To),
			slog.String("request_id", r.RequestIdentifier),
			slog.String("error", err.Error()))
		return nil, err
	}

	if res.RequestIdentifier == "" {
		res.RequestIdentifier = r.RequestIdentifier
	}
	c.logger.Debug("request completed",
		slog.String("operation", r.Operation.String()),
		slog.String("to", r.To),
		slog.String("request_id", r.RequestIdentifier),
		slog.Int("status", int(res.StatusCode)))
	return res, nil
}

// Notifications returns the broadcast of every notification ingested by
// this connection.
func (c *Connection) Notifications() *pubsub.Broadcaster[primitive.Notification] {
	return c.notifications
}

// Ingest parses a notification body and publishes its records in order.
// Malformed bodies are logged and dropped.
func (c *Connection) Ingest(ctx context.Context, source string, body []byte) {
	ns, err := primitive.ParseNotifications(body)
	if err != nil {
		c.logger.WarnContext(ctx, "dropping notification",
			slog.String("source", source),
			slog.String("error", err.Error()))
		if c.metrics != nil {
			c.metrics.NotificationsDropped.WithLabelValues(source).Inc()
		}
		return
	}

	for _, n := range ns {
		if n.VerificationRequest {
			c.logger.DebugContext(ctx, "subscription verification request",
				slog.String("subscription", n.SubscriptionReference))
			continue
		}
		c.notifications.Publish(n)
	}
	if c.metrics != nil {
		c.metrics.NotificationsReceived.WithLabelValues(source).Add(float64(len(ns)))
	}
}

// Close ends the notification stream and closes the binding if it can be
// closed.
func (c *Connection) Close() error {
	c.notifications.Close()
	if cl, ok := c.binding.(interface{ Close() error }); ok {
		return cl.Close()
	}
	return nil
}

func statusLabel(res *primitive.Response, err error) string {
	if err == nil {
		if res == nil {
			return "ok"
		}
		return res.StatusCode.String()
	}
	if s := m2merrors.Status(err); s != 0 {
		return strconv.Itoa(s)
	}
	var te *m2merrors.TransportError
	if errors.As(err, &te) {
		if te.Timeout() {
			return "timeout"
		}
		return "transport_error"
	}
	if errors.Is(err, breaker.ErrCircuitOpen) {
		return "circuit_open"
	}
	return "error"
}
