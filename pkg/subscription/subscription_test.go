// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package subscription

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sort"
	"strconv"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	m2merrors "github.com/absmach/onem2m/pkg/errors"
	"github.com/absmach/onem2m/pkg/metrics"
	"github.com/absmach/onem2m/pkg/primitive"
	"github.com/absmach/onem2m/pkg/pubsub"
)

const (
	callback = "http://client.example:8080/notify"
	target   = "cse-in/app/cnt"
)

var discard = slog.New(slog.NewTextHandler(io.Discard, nil))

type fakeCSE struct {
	mu      sync.Mutex
	subs    map[string]*primitive.Subscription
	missing map[string]bool
	creates []*primitive.Request
	deletes []string
	seq     int

	gate       chan struct{}
	deleteGate chan struct{}
	createErr  error
	noURI     bool
}

func newFakeCSE() *fakeCSE {
	return &fakeCSE{
		subs:    make(map[string]*primitive.Subscription),
		missing: make(map[string]bool),
	}
}

func (f *fakeCSE) add(name string, nu ...string) string {
	uri := target + "/" + name
	f.subs[uri] = &primitive.Subscription{
		Common:           primitive.Common{ResourceName: name, ResourceID: "sub-" + name},
		NotificationURIs: nu,
	}
	return uri
}

func (f *fakeCSE) createCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.creates)
}

func (f *fakeCSE) deleted() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.deletes...)
}

func notFound() error {
	return &m2merrors.ProtocolError{Status: int(primitive.StatusNotFound)}
}

func (f *fakeCSE) Send(_ context.Context, req *primitive.Request) (*primitive.Response, error) {
	if req.Operation == primitive.Create && f.gate != nil {
		<-f.gate
	}
	if req.Operation == primitive.Delete && f.deleteGate != nil {
		<-f.deleteGate
	}

	f.mu.Lock()
	defer f.mu.Unlock()

	switch req.Operation {
	case primitive.Retrieve:
		if req.FilterCriteria != nil {
			if f.missing[req.To] {
				return nil, notFound()
			}
			var uris []string
			for uri, sub := range f.subs {
				if !strings.HasPrefix(uri, req.To+"/") {
					continue
				}
				if attrs := req.FilterCriteria.Attributes; len(attrs) > 0 && attrs[0].Value != sub.ResourceName {
					continue
				}
				uris = append(uris, uri)
			}
			sort.Strings(uris)
			return &primitive.Response{StatusCode: primitive.StatusOK, URIList: uris}, nil
		}
		sub, ok := f.subs[req.To]
		if !ok {
			return nil, notFound()
		}
		cp := *sub
		return &primitive.Response{StatusCode: primitive.StatusOK, Content: &cp}, nil

	case primitive.Create:
		f.creates = append(f.creates, req)
		if f.createErr != nil {
			return nil, f.createErr
		}
		if f.missing[req.To] {
			return nil, notFound()
		}
		f.seq++
		sub := *req.Content.(*primitive.Subscription)
		if sub.ResourceName == "" {
			sub.ResourceName = "sub" + strconv.Itoa(f.seq)
		}
		sub.ResourceID = "ri-" + sub.ResourceName
		uri := req.To + "/" + sub.ResourceName
		f.subs[uri] = &sub
		res := &primitive.Response{StatusCode: primitive.StatusCreated, Content: &sub}
		if !f.noURI {
			res.URI = uri
		}
		return res, nil

	case primitive.Delete:
		f.deletes = append(f.deletes, req.To)
		if _, ok := f.subs[req.To]; !ok {
			return nil, notFound()
		}
		delete(f.subs, req.To)
		return &primitive.Response{StatusCode: primitive.StatusDeleted}, nil
	}
	return nil, errors.New("unexpected operation")
}

type source struct {
	b *pubsub.Broadcaster[primitive.Notification]
}

func (s source) Notifications() *pubsub.Broadcaster[primitive.Notification] {
	return s.b
}

func newMux(cse *fakeCSE, cfg Config) (*Multiplexer, *pubsub.Broadcaster[primitive.Notification]) {
	b := pubsub.NewBroadcaster[primitive.Notification]()
	cfg.Originator = "Capp"
	cfg.NotificationURI = callback
	cfg.Logger = discard
	return New(cse, source{b}, cfg), b
}

func event(sur, rn string) primitive.Notification {
	return primitive.Notification{
		SubscriptionReference: sur,
		Event: &primitive.NotificationEvent{
			Type: primitive.EventCreateChild,
			Raw:  []byte(`{"m2m:cin":{"rn":"` + rn + `","con":"v"}}`),
		},
	}
}

func receive(t *testing.T, obs *Observation) *primitive.NotificationEvent {
	t.Helper()
	select {
	case ev, ok := <-obs.C:
		require.True(t, ok, "observation closed")
		return ev
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for event")
	}
	return nil
}

func TestObserveConcurrentCallersShareOneSubscription(t *testing.T) {
	cse := newFakeCSE()
	cse.gate = make(chan struct{})
	mux, _ := newMux(cse, Config{})

	const n = 50
	var wg sync.WaitGroup
	refs := make(chan string, n)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			obs, err := mux.Observe(context.Background(), target)
			if assert.NoError(t, err) {
				refs <- obs.Reference
			}
		}()
	}
	time.Sleep(20 * time.Millisecond)
	close(cse.gate)
	wg.Wait()
	close(refs)

	assert.Equal(t, 1, cse.createCount())
	for ref := range refs {
		assert.Equal(t, target+"/sub1", ref)
	}

	req := cse.creates[0]
	assert.Equal(t, primitive.TypeSubscription, req.ResourceType)
	assert.Equal(t, primitive.ResultHierarchicalAddressAttributes, *req.ResultContent)
	sub := req.Content.(*primitive.Subscription)
	assert.Equal(t, []string{callback}, sub.NotificationURIs)
	assert.Equal(t, primitive.ContentAllAttributes, sub.NotificationContentType)
	assert.Equal(t, []primitive.NotificationEventType{primitive.EventCreateChild}, sub.EventNotificationCriteria.NotificationEventTypes)
}

func TestObserveDeliversMatchingEvents(t *testing.T) {
	cse := newFakeCSE()
	mux, b := newMux(cse, Config{})

	obs, err := mux.Observe(context.Background(), target, WithName("watch"), WithEventTypes(primitive.EventCreateChild, primitive.EventDeleteChild))
	require.NoError(t, err)
	defer obs.Close()
	assert.Equal(t, target+"/watch", obs.Reference)

	b.Publish(event("/id-in/cse-in/other/sub", "skip"))
	b.Publish(event("/id-in/"+target+"/watch", "first"))
	b.Publish(event("ri-watch", "second"))

	for _, want := range []string{"first", "second"} {
		rep, err := receive(t, obs).Representation()
		require.NoError(t, err)
		assert.Equal(t, want, rep.(*primitive.ContentInstance).ResourceName)
	}
}

func TestObserveSeparatesSameNamedSubscriptions(t *testing.T) {
	cse := newFakeCSE()
	mux, b := newMux(cse, Config{})

	here, err := mux.Observe(context.Background(), target, WithName("watch"))
	require.NoError(t, err)
	defer here.Close()
	there, err := mux.Observe(context.Background(), "cse-in/app/other", WithName("watch"))
	require.NoError(t, err)
	defer there.Close()

	b.Publish(event("/id-in/cse-in/app/other/watch", "there"))
	rep, err := receive(t, there).Representation()
	require.NoError(t, err)
	assert.Equal(t, "there", rep.(*primitive.ContentInstance).ResourceName)

	select {
	case ev := <-here.C:
		t.Fatalf("unexpected event %s", ev.Raw)
	case <-time.After(50 * time.Millisecond):
	}
}

func TestObserveAdoptsExistingSubscription(t *testing.T) {
	cse := newFakeCSE()
	stale1 := cse.add("a", "http://old.example/notify")
	ours := cse.add("b", strings.ToUpper(callback))
	stale2 := cse.add("c", "http://other.example/notify")
	mux, _ := newMux(cse, Config{})

	obs, err := mux.Observe(context.Background(), target)
	require.NoError(t, err)
	defer obs.Close()

	assert.Equal(t, ours, obs.Reference)
	assert.Equal(t, 0, cse.createCount())
	assert.ElementsMatch(t, []string{stale1, stale2}, cse.deleted())
}

func TestObserveKeepsForeignSubscriptionsWithoutMatch(t *testing.T) {
	cse := newFakeCSE()
	cse.add("a", "http://old.example/notify")
	mux, _ := newMux(cse, Config{})

	obs, err := mux.Observe(context.Background(), target)
	require.NoError(t, err)
	defer obs.Close()

	assert.Equal(t, 1, cse.createCount())
	assert.Empty(t, cse.deleted())
}

func TestObserveTargetNotFound(t *testing.T) {
	cse := newFakeCSE()
	cse.missing[target] = true
	mux, _ := newMux(cse, Config{})

	_, err := mux.Observe(context.Background(), target)
	assert.True(t, m2merrors.IsNotFound(err))
	assert.Equal(t, 1, cse.createCount())

	cse.mu.Lock()
	delete(cse.missing, target)
	cse.mu.Unlock()

	obs, err := mux.Observe(context.Background(), target)
	require.NoError(t, err)
	obs.Close()
	assert.Equal(t, 2, cse.createCount())
}

func TestObserveFailureReachesEveryWaiter(t *testing.T) {
	cse := newFakeCSE()
	cse.gate = make(chan struct{})
	cse.createErr = &m2merrors.TransportError{Transport: "fake", Code: m2merrors.CodeTimeout}
	mux, _ := newMux(cse, Config{})

	const n = 10
	var wg sync.WaitGroup
	errs := make(chan error, n)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := mux.Observe(context.Background(), target)
			errs <- err
		}()
	}
	time.Sleep(20 * time.Millisecond)
	close(cse.gate)
	wg.Wait()
	close(errs)

	for err := range errs {
		assert.True(t, m2merrors.IsTransport(err))
	}
	assert.Equal(t, 1, cse.createCount())

	cse.mu.Lock()
	cse.createErr = nil
	cse.mu.Unlock()

	obs, err := mux.Observe(context.Background(), target)
	require.NoError(t, err)
	obs.Close()
	assert.Equal(t, 2, cse.createCount())
}

func TestObserveCreateWithoutAddress(t *testing.T) {
	cse := newFakeCSE()
	cse.noURI = true
	mux, _ := newMux(cse, Config{})

	_, err := mux.Observe(context.Background(), target)
	assert.ErrorIs(t, err, m2merrors.ErrProtocolViolation)
}

func TestDeleteOnClose(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := metrics.New("test", reg)
	cse := newFakeCSE()
	mux, _ := newMux(cse, Config{DeleteOnClose: true, Metrics: m})

	first, err := mux.Observe(context.Background(), target)
	require.NoError(t, err)
	second, err := mux.Observe(context.Background(), target)
	require.NoError(t, err)
	assert.Equal(t, float64(2), testutil.ToFloat64(m.ObserversActive))

	first.Close()
	first.Close()
	mux.Wait()
	assert.Empty(t, cse.deleted())

	second.Close()
	mux.Wait()
	assert.Equal(t, []string{target + "/sub1"}, cse.deleted())
	assert.Equal(t, float64(0), testutil.ToFloat64(m.ObserversActive))
	assert.Equal(t, float64(0), testutil.ToFloat64(m.SubscriptionsActive))
	assert.Equal(t, float64(1), testutil.ToFloat64(m.SubscriptionsDeleted))

	third, err := mux.Observe(context.Background(), target)
	require.NoError(t, err)
	defer third.Close()
	assert.Equal(t, 2, cse.createCount())
	assert.Equal(t, target+"/sub2", third.Reference)
}

func TestObserveWaitsForPendingDelete(t *testing.T) {
	cse := newFakeCSE()
	cse.deleteGate = make(chan struct{})
	mux, b := newMux(cse, Config{DeleteOnClose: true})

	first, err := mux.Observe(context.Background(), target)
	require.NoError(t, err)
	first.Close()

	type result struct {
		obs *Observation
		err error
	}
	results := make(chan result, 1)
	go func() {
		obs, err := mux.Observe(context.Background(), target)
		results <- result{obs, err}
	}()
	waited := make(chan struct{})
	go func() {
		mux.Wait()
		close(waited)
	}()

	select {
	case <-results:
		t.Fatal("observation established while its subscription was being deleted")
	case <-waited:
		t.Fatal("Wait returned before the delete finished")
	case <-time.After(50 * time.Millisecond):
	}

	close(cse.deleteGate)
	var res result
	select {
	case res = <-results:
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for observation")
	}
	require.NoError(t, res.err)
	defer res.obs.Close()
	<-waited

	assert.Equal(t, []string{target + "/sub1"}, cse.deleted())
	assert.Equal(t, 2, cse.createCount())
	assert.Equal(t, target+"/sub2", res.obs.Reference)

	cse.mu.Lock()
	_, alive := cse.subs[res.obs.Reference]
	cse.mu.Unlock()
	assert.True(t, alive)

	b.Publish(event(res.obs.Reference, "after"))
	rep, err := receive(t, res.obs).Representation()
	require.NoError(t, err)
	assert.Equal(t, "after", rep.(*primitive.ContentInstance).ResourceName)
}

func TestObserveAbandonWhileDeletePending(t *testing.T) {
	cse := newFakeCSE()
	cse.deleteGate = make(chan struct{})
	mux, _ := newMux(cse, Config{DeleteOnClose: true})

	obs, err := mux.Observe(context.Background(), target)
	require.NoError(t, err)
	obs.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	_, err = mux.Observe(ctx, target)
	assert.ErrorIs(t, err, context.DeadlineExceeded)

	close(cse.deleteGate)
	mux.Wait()
	assert.Equal(t, 1, cse.createCount())
}

func TestWaitConcurrentWithClose(t *testing.T) {
	cse := newFakeCSE()
	mux, _ := newMux(cse, Config{DeleteOnClose: true})

	stop := make(chan struct{})
	waiter := make(chan struct{})
	go func() {
		defer close(waiter)
		for {
			select {
			case <-stop:
				return
			default:
				mux.Wait()
			}
		}
	}()

	const n = 20
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			obs, err := mux.Observe(context.Background(), target, WithName("w"+strconv.Itoa(i)))
			if assert.NoError(t, err) {
				obs.Close()
			}
		}(i)
	}
	wg.Wait()
	close(stop)
	<-waiter

	mux.Wait()
	assert.Len(t, cse.deleted(), n)
}

func TestCloseKeepsSubscriptionByDefault(t *testing.T) {
	cse := newFakeCSE()
	mux, b := newMux(cse, Config{})

	obs, err := mux.Observe(context.Background(), target)
	require.NoError(t, err)
	obs.Close()
	mux.Wait()
	assert.Empty(t, cse.deleted())

	obs, err = mux.Observe(context.Background(), target)
	require.NoError(t, err)
	defer obs.Close()
	assert.Equal(t, 1, cse.createCount())

	b.Publish(event(obs.Reference, "again"))
	rep, err := receive(t, obs).Representation()
	require.NoError(t, err)
	assert.Equal(t, "again", rep.(*primitive.ContentInstance).ResourceName)
}

func TestObserveAbandonTakesNoReference(t *testing.T) {
	cse := newFakeCSE()
	cse.gate = make(chan struct{})
	mux, _ := newMux(cse, Config{DeleteOnClose: true})

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	_, err := mux.Observe(ctx, target)
	assert.ErrorIs(t, err, context.DeadlineExceeded)

	close(cse.gate)
	obs, err := mux.Observe(context.Background(), target)
	require.NoError(t, err)
	assert.Equal(t, 1, cse.createCount())

	obs.Close()
	mux.Wait()
	assert.Equal(t, []string{target + "/sub1"}, cse.deleted())
}

func TestSubscriptionDeletionEvicts(t *testing.T) {
	cse := newFakeCSE()
	mux, b := newMux(cse, Config{})

	obs, err := mux.Observe(context.Background(), target)
	require.NoError(t, err)
	defer obs.Close()

	b.Publish(primitive.Notification{SubscriptionReference: obs.Reference, SubscriptionDeletion: true})
	require.Eventually(t, func() bool {
		_, ok := mux.entries.Load(target)
		return !ok
	}, time.Second, 5*time.Millisecond)

	again, err := mux.Observe(context.Background(), target)
	require.NoError(t, err)
	defer again.Close()
	assert.Equal(t, 2, cse.createCount())
}

func TestObserveRejectsInvalidTarget(t *testing.T) {
	mux, _ := newMux(newFakeCSE(), Config{})
	_, err := mux.Observe(context.Background(), "")
	assert.ErrorIs(t, err, m2merrors.ErrInvalidTarget)
}
