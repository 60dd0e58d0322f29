// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

// Package subscription shares one remote Subscription resource per observed
// target between any number of local observers.
package subscription

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/singleflight"

	m2merrors "github.com/absmach/onem2m/pkg/errors"
	"github.com/absmach/onem2m/pkg/metrics"
	"github.com/absmach/onem2m/pkg/primitive"
	"github.com/absmach/onem2m/pkg/pubsub"
)

const defaultDeleteTimeout = 10 * time.Second

// Requester sends request primitives to the CSE.
type Requester interface {
	Send(ctx context.Context, req *primitive.Request) (*primitive.Response, error)
}

// Source provides the stream of inbound notifications.
type Source interface {
	Notifications() *pubsub.Broadcaster[primitive.Notification]
}

// Config configures a Multiplexer.
type Config struct {
	// Originator is sent as the From of every request.
	Originator string
	// NotificationURI is the callback address the CSE notifies.
	NotificationURI string
	// DeleteOnClose removes the remote Subscription once its last observer
	// is closed.
	DeleteOnClose bool
	DeleteTimeout time.Duration
	Logger        *slog.Logger
	Metrics       *metrics.Metrics
}

// Observation is a live view of the events of one remote Subscription.
type Observation struct {
	// C delivers events in arrival order. It is closed by Close.
	C <-chan *primitive.NotificationEvent
	// Reference is the address of the Subscription resource.
	Reference string

	close func()
}

// Close detaches the observer. It is safe to call more than once.
func (o *Observation) Close() {
	o.close()
}

// Multiplexer maps observed targets onto remote Subscription resources.
type Multiplexer struct {
	requester Requester
	source    Source
	cfg       Config
	logger    *slog.Logger

	group   singleflight.Group
	entries sync.Map

	mu      sync.Mutex
	idle    *sync.Cond
	pending int
}

// New creates a Multiplexer.
func New(requester Requester, source Source, cfg Config) *Multiplexer {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.DeleteTimeout == 0 {
		cfg.DeleteTimeout = defaultDeleteTimeout
	}
	m := &Multiplexer{
		requester: requester,
		source:    source,
		cfg:       cfg,
		logger:    cfg.Logger,
	}
	m.idle = sync.NewCond(&m.mu)
	return m
}

// Observe returns an observation of the events of the resource at path.
// Concurrent callers for the same path share one discovery or creation and
// one remote Subscription; options of the caller that starts it win.
// Abandoning the wait through ctx takes no reference.
func (m *Multiplexer) Observe(ctx context.Context, path string, opts ...Option) (*Observation, error) {
	if err := primitive.ValidateTarget(path); err != nil {
		return nil, err
	}
	o := newOptions(opts)
	key := o.key(path)

	for {
		if v, ok := m.entries.Load(key); ok {
			e := v.(*entry)
			if obs, ok := e.observe(); ok {
				return obs, nil
			}
			if err := e.waitRemoved(ctx); err != nil {
				return nil, err
			}
			continue
		}

		ch := m.group.DoChan(key, func() (interface{}, error) {
			if v, ok := m.entries.Load(key); ok {
				return v, nil
			}
			e, err := m.establish(context.WithoutCancel(ctx), key, path, o)
			if err != nil {
				return nil, err
			}
			m.entries.Store(key, e)
			return e, nil
		})

		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case res := <-ch:
			if res.Err != nil {
				return nil, res.Err
			}
			e := res.Val.(*entry)
			if obs, ok := e.observe(); ok {
				return obs, nil
			}
			if err := e.waitRemoved(ctx); err != nil {
				return nil, err
			}
		}
	}
}

// Wait blocks until every background Subscription removal has finished.
// Removals started while Wait blocks are waited for too.
func (m *Multiplexer) Wait() {
	m.mu.Lock()
	defer m.mu.Unlock()
	for m.pending > 0 {
		m.idle.Wait()
	}
}

func (m *Multiplexer) track() func() {
	m.mu.Lock()
	m.pending++
	m.mu.Unlock()
	return func() {
		m.mu.Lock()
		defer m.mu.Unlock()
		m.pending--
		if m.pending == 0 {
			m.idle.Broadcast()
		}
	}
}

func (m *Multiplexer) establish(ctx context.Context, key, path string, o options) (*entry, error) {
	refs, err := m.discover(ctx, path, o)
	if err != nil {
		return nil, err
	}

	adopted := len(refs) > 0
	if !adopted {
		if refs, err = m.create(ctx, path, o); err != nil {
			return nil, err
		}
	}

	if m.cfg.Metrics != nil {
		if adopted {
			m.cfg.Metrics.SubscriptionsAdopted.Inc()
		} else {
			m.cfg.Metrics.SubscriptionsCreated.Inc()
		}
		m.cfg.Metrics.SubscriptionsActive.Inc()
	}
	m.logger.Info("subscription ready",
		slog.String("target", path),
		slog.String("subscription", refs[0]),
		slog.Bool("adopted", adopted))

	e := &entry{m: m, key: key, refs: refs, removed: make(chan struct{})}
	e.stream = pubsub.NewShared(e.start)
	return e, nil
}

// discover looks for an existing Subscription under path that already
// notifies our callback. When one is found, siblings notifying elsewhere
// are deleted.
func (m *Multiplexer) discover(ctx context.Context, path string, o options) ([]string, error) {
	fc := &primitive.FilterCriteria{
		FilterUsage:   primitive.FilterDiscovery,
		ResourceTypes: []primitive.ResourceType{primitive.TypeSubscription},
		Level:         1,
	}
	if o.name != "" {
		fc.Attributes = []primitive.Attribute{{Name: "resourceName", Value: o.name}}
	}

	res, err := m.requester.Send(ctx, &primitive.Request{
		Operation:           primitive.Retrieve,
		To:                  path,
		From:                m.cfg.Originator,
		FilterCriteria:      fc,
		DiscoveryResultType: primitive.DiscoveryStructured,
	})
	switch {
	case m2merrors.IsNotFound(err):
		return nil, nil
	case err != nil:
		return nil, err
	}

	var match []string
	var stale []string
	for _, uri := range res.URIList {
		r, err := m.requester.Send(ctx, &primitive.Request{
			Operation: primitive.Retrieve,
			To:        uri,
			From:      m.cfg.Originator,
		})
		if err != nil {
			if m2merrors.IsNotFound(err) {
				continue
			}
			return nil, err
		}
		sub, ok := r.Content.(*primitive.Subscription)
		if !ok {
			continue
		}
		switch {
		case !sub.NotifiesTo(m.cfg.NotificationURI):
			stale = append(stale, uri)
		case match == nil:
			match = references(uri, sub.ResourceID)
		}
	}

	if match != nil {
		for _, uri := range stale {
			if err := m.remove(ctx, uri); err != nil {
				m.logger.Warn("failed to delete stale subscription",
					slog.String("subscription", uri),
					slog.String("error", err.Error()))
			}
		}
	}
	return match, nil
}

func (m *Multiplexer) create(ctx context.Context, path string, o options) ([]string, error) {
	sub := &primitive.Subscription{
		Common: primitive.Common{ResourceName: o.name},
		EventNotificationCriteria: &primitive.EventNotificationCriteria{
			NotificationEventTypes: o.eventTypes,
		},
		NotificationURIs:        []string{m.cfg.NotificationURI},
		NotificationContentType: primitive.ContentAllAttributes,
	}

	res, err := m.requester.Send(ctx, &primitive.Request{
		Operation:     primitive.Create,
		To:            path,
		From:          m.cfg.Originator,
		ResourceType:  primitive.TypeSubscription,
		Content:       sub,
		ResultContent: primitive.Ptr(primitive.ResultHierarchicalAddressAttributes),
	})
	if err != nil {
		return nil, err
	}
	if res.URI == "" {
		return nil, fmt.Errorf("%w: subscription created under %s without an address", m2merrors.ErrProtocolViolation, path)
	}

	var ri string
	if created, ok := res.Content.(*primitive.Subscription); ok {
		ri = created.ResourceID
	}
	return references(res.URI, ri), nil
}

func (m *Multiplexer) remove(ctx context.Context, uri string) error {
	_, err := m.requester.Send(ctx, &primitive.Request{
		Operation:     primitive.Delete,
		To:            uri,
		From:          m.cfg.Originator,
		ResultContent: primitive.Ptr(primitive.ResultNothing),
	})
	if m2merrors.IsNotFound(err) {
		return nil
	}
	return err
}

// release runs once the last observer of e is gone. With DeleteOnClose the
// entry stays mapped while the remote Subscription is deleted, so a new
// Observe on the same key waits instead of adopting a resource about to go.
func (m *Multiplexer) release(e *entry) {
	if !m.cfg.DeleteOnClose || !m.closing(e) {
		return
	}

	done := m.track()
	go func() {
		defer done()
		defer m.forget(e)

		ctx, cancel := context.WithTimeout(context.Background(), m.cfg.DeleteTimeout)
		defer cancel()

		if err := m.remove(ctx, e.refs[0]); err != nil {
			m.logger.Warn("failed to delete subscription",
				slog.String("subscription", e.refs[0]),
				slog.String("error", err.Error()))
			return
		}
		if m.cfg.Metrics != nil {
			m.cfg.Metrics.SubscriptionsDeleted.Inc()
		}
		m.logger.Info("subscription deleted", slog.String("subscription", e.refs[0]))
	}()
}

// evict forgets e at once so the next Observe establishes a new
// Subscription. It is used when the CSE already removed the resource.
func (m *Multiplexer) evict(e *entry) {
	if m.closing(e) {
		m.forget(e)
	}
}

// closing marks e as refusing new observers. It reports whether this call
// did the marking.
func (m *Multiplexer) closing(e *entry) bool {
	if !e.evicted.CompareAndSwap(false, true) {
		return false
	}
	if m.cfg.Metrics != nil {
		m.cfg.Metrics.SubscriptionsActive.Dec()
	}
	return true
}

// forget unmaps e and wakes the callers waiting on it.
func (m *Multiplexer) forget(e *entry) {
	m.entries.CompareAndDelete(e.key, e)
	close(e.removed)
}

func references(uri, ri string) []string {
	if ri == "" || ri == uri {
		return []string{uri}
	}
	return []string{uri, ri}
}

type entry struct {
	m       *Multiplexer
	key     string
	refs    []string
	stream  *pubsub.Shared[*primitive.NotificationEvent]
	evicted atomic.Bool
	removed chan struct{}
}

func (e *entry) waitRemoved(ctx context.Context) error {
	select {
	case <-e.removed:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// observe attaches a new observer. It fails if e was evicted, in which case
// the caller must look the key up again.
func (e *entry) observe() (*Observation, bool) {
	ch, cancel := e.stream.Subscribe()
	if e.evicted.Load() {
		cancel()
		return nil, false
	}

	mt := e.m.cfg.Metrics
	if mt != nil {
		mt.ObserversActive.Inc()
	}
	var once sync.Once
	return &Observation{
		C:         ch,
		Reference: e.refs[0],
		close: func() {
			once.Do(func() {
				cancel()
				if mt != nil {
					mt.ObserversActive.Dec()
				}
			})
		},
	}, true
}

// start filters the notification stream down to this Subscription. It runs
// when the first observer attaches.
func (e *entry) start(emit func(*primitive.NotificationEvent)) func() {
	ch, cancel := e.m.source.Notifications().Subscribe()
	done := make(chan struct{})

	go func() {
		defer close(done)
		for n := range ch {
			if !e.matches(n.SubscriptionReference) {
				continue
			}
			if n.SubscriptionDeletion {
				e.m.logger.Warn("subscription deleted by the CSE", slog.String("subscription", e.refs[0]))
				e.m.evict(e)
				continue
			}
			if n.Event != nil {
				emit(n.Event)
			}
		}
	}()

	return func() {
		cancel()
		<-done
		e.m.release(e)
	}
}

func (e *entry) matches(ref string) bool {
	for _, r := range e.refs {
		if primitive.MatchesReference(ref, r) {
			return true
		}
	}
	return false
}
