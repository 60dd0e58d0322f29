// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package application

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"strconv"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	m2merrors "github.com/absmach/onem2m/pkg/errors"
	"github.com/absmach/onem2m/pkg/primitive"
	"github.com/absmach/onem2m/pkg/pubsub"
	"github.com/absmach/onem2m/pkg/subscription"
)

const (
	cseID = "/id-in"
	base  = "/id-in/cse-in"
)

var discard = slog.New(slog.NewTextHandler(io.Discard, nil))

// fakeCSE is an in-memory resource tree addressed by SP-relative paths.
type fakeCSE struct {
	mu       sync.Mutex
	tree     map[string]primitive.Resource
	failures map[string]error
	conflict bool
	requests []primitive.Request
	seq      int
	notes    *pubsub.Broadcaster[primitive.Notification]
}

func newFakeCSE() *fakeCSE {
	f := &fakeCSE{
		tree:     make(map[string]primitive.Resource),
		failures: make(map[string]error),
		notes:    pubsub.NewBroadcaster[primitive.Notification](),
	}
	f.tree[base] = &primitive.Opaque{Name: "m2m:cb", ResourceKind: 5}
	return f
}

func (f *fakeCSE) Notifications() *pubsub.Broadcaster[primitive.Notification] {
	return f.notes
}

func (f *fakeCSE) put(path string, r primitive.Resource) {
	f.tree[path] = r
}

func (f *fakeCSE) operations(op primitive.Operation) []primitive.Request {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []primitive.Request
	for _, r := range f.requests {
		if r.Operation == op {
			out = append(out, r)
		}
	}
	return out
}

func notFound() error {
	return &m2merrors.ProtocolError{Status: int(primitive.StatusNotFound)}
}

func (f *fakeCSE) Send(_ context.Context, req *primitive.Request) (*primitive.Response, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.requests = append(f.requests, *req)

	if !strings.HasPrefix(req.To, cseID+"/") {
		return nil, &m2merrors.ProtocolError{Status: int(primitive.StatusBadRequest), Debug: "not SP-relative: " + req.To}
	}
	if err := f.failures[req.To]; err != nil {
		return nil, err
	}

	switch req.Operation {
	case primitive.Retrieve:
		if _, ok := f.tree[req.To]; !ok {
			return nil, notFound()
		}
		if req.FilterCriteria != nil {
			return &primitive.Response{StatusCode: primitive.StatusOK, URIList: f.discover(req.To, req.FilterCriteria)}, nil
		}
		return &primitive.Response{StatusCode: primitive.StatusOK, Content: f.tree[req.To]}, nil

	case primitive.Create:
		if _, ok := f.tree[req.To]; !ok {
			return nil, notFound()
		}
		f.seq++
		c := primitive.Attributes(req.Content)
		if c.ResourceName == "" {
			c.ResourceName = "r" + strconv.Itoa(f.seq)
		}
		path := req.To + "/" + c.ResourceName
		if _, ok := f.tree[path]; ok || f.conflict {
			return nil, &m2merrors.ProtocolError{Status: int(primitive.StatusConflict)}
		}
		c.ResourceID = "ri" + strconv.Itoa(f.seq)
		c.CreationTime = primitive.FormatTime(time.Date(2024, 1, 1, 0, 0, f.seq, 0, time.UTC))
		if ae, ok := req.Content.(*primitive.AE); ok {
			ae.AEID = req.From
		}
		f.tree[path] = req.Content
		return &primitive.Response{
			StatusCode: primitive.StatusCreated,
			Content:    req.Content,
			URI:        strings.TrimPrefix(path, cseID+"/"),
		}, nil

	case primitive.Delete:
		if _, ok := f.tree[req.To]; !ok {
			return nil, notFound()
		}
		delete(f.tree, req.To)
		return &primitive.Response{StatusCode: primitive.StatusDeleted}, nil
	}
	return nil, errors.New("unsupported operation")
}

func (f *fakeCSE) discover(parent string, fc *primitive.FilterCriteria) []string {
	var uris []string
	for path, r := range f.tree {
		rest, ok := strings.CutPrefix(path, parent+"/")
		if !ok || strings.Contains(rest, "/") {
			continue
		}
		if len(fc.ResourceTypes) > 0 && r.Type() != fc.ResourceTypes[0] {
			continue
		}
		if len(fc.Attributes) > 0 {
			ae, ok := r.(*primitive.AE)
			if !ok || ae.AppID != fc.Attributes[0].Value {
				continue
			}
		}
		uris = append(uris, strings.TrimPrefix(path, cseID+"/"))
	}
	return uris
}

func newApp(cse *fakeCSE) *Application {
	return New(cse, Config{
		CSEID:           "id-in",
		CSEName:         "cse-in",
		Originator:      "Capp",
		NotificationURI: "http://client.example/notify",
		Logger:          discard,
	})
}

func TestResolve(t *testing.T) {
	app := newApp(newFakeCSE())

	cases := map[string]string{
		"":                   base,
		".":                  base,
		"cse-in/app":         base + "/app",
		"/id-in/cse-in/app":  "/id-in/cse-in/app",
		"//sp/id-in/cse-in/": "//sp/id-in/cse-in/",
	}
	for in, want := range cases {
		assert.Equal(t, want, app.Resolve(in), in)
	}
}

func TestSendFillsOriginator(t *testing.T) {
	cse := newFakeCSE()
	app := newApp(cse)

	_, err := app.Retrieve(context.Background(), "")
	require.NoError(t, err)
	_, err = app.Send(context.Background(), &primitive.Request{Operation: primitive.Retrieve, To: ".", From: "Cother"})
	require.NoError(t, err)

	reqs := cse.operations(primitive.Retrieve)
	require.Len(t, reqs, 2)
	assert.Equal(t, "Capp", reqs[0].From)
	assert.Equal(t, "Cother", reqs[1].From)
}

func TestDeleteSwallowsNotFound(t *testing.T) {
	cse := newFakeCSE()
	cse.put(base+"/a", &primitive.Container{})
	cse.failures[base+"/coap-gone"] = &m2merrors.TransportError{Transport: "coap", Code: 132}
	cse.failures[base+"/http-gone"] = &m2merrors.TransportError{Transport: "http", Code: 404}
	cse.failures[base+"/denied"] = &m2merrors.ProtocolError{Status: int(primitive.StatusOriginatorHasNoPrivilege)}
	app := newApp(cse)

	err := app.Delete(context.Background(), "cse-in/a", "cse-in/missing", "cse-in/coap-gone", "cse-in/http-gone")
	require.NoError(t, err)
	assert.NotContains(t, cse.tree, base+"/a")

	err = app.Delete(context.Background(), "cse-in/denied", "cse-in/missing")
	require.Error(t, err)
	assert.Equal(t, int(primitive.StatusOriginatorHasNoPrivilege), m2merrors.Status(err))
	assert.Len(t, cse.operations(primitive.Delete), 6)
}

func TestEnsureContainerCreatesParents(t *testing.T) {
	cse := newFakeCSE()
	cse.put(base+"/app", &primitive.AE{})
	app := newApp(cse)

	require.NoError(t, app.EnsureContainer(context.Background(), "cse-in/app/a/b/"))
	assert.IsType(t, &primitive.Container{}, cse.tree[base+"/app/a"])
	assert.IsType(t, &primitive.Container{}, cse.tree[base+"/app/a/b"])

	creates := cse.operations(primitive.Create)
	require.Len(t, creates, 2)
	assert.Equal(t, base+"/app", creates[0].To)
	assert.Equal(t, primitive.TypeContainer, creates[0].ResourceType)
	assert.Equal(t, base+"/app/a", creates[1].To)

	require.NoError(t, app.EnsureContainer(context.Background(), "cse-in/app/a/b"))
	assert.Len(t, cse.operations(primitive.Create), 2)

	for _, root := range []string{"", ".", "/"} {
		require.NoError(t, app.EnsureContainer(context.Background(), root))
	}
	assert.Len(t, cse.operations(primitive.Create), 2)
}

func TestEnsureContainerConflictIsSuccess(t *testing.T) {
	cse := newFakeCSE()
	cse.conflict = true
	app := newApp(cse)

	require.NoError(t, app.EnsureContainer(context.Background(), "cse-in/cnt"))
	assert.Len(t, cse.operations(primitive.Create), 1)
}

func TestEnsureContainerPropagatesErrors(t *testing.T) {
	cse := newFakeCSE()
	cse.failures[base+"/cnt"] = &m2merrors.TransportError{Transport: "http", Code: m2merrors.CodeTimeout}
	app := newApp(cse)

	err := app.EnsureContainer(context.Background(), "cse-in/cnt")
	assert.True(t, m2merrors.IsTransport(err))
	assert.Empty(t, cse.operations(primitive.Create))
}

type reading struct {
	Temp float64 `json:"temp"`
}

func cinAt(ts time.Time, temp float64) *primitive.ContentInstance {
	cin, _ := primitive.NewContentInstance(reading{Temp: temp})
	cin.CreationTime = primitive.FormatTime(ts)
	return cin
}

func TestGetLatestContentInstance(t *testing.T) {
	cse := newFakeCSE()
	t1 := time.Date(2024, 6, 1, 10, 0, 0, 0, time.UTC)
	cse.put(base+"/cnt", &primitive.Container{})
	cse.put(base+"/cnt/b", cinAt(t1.Add(2*time.Second), 3))
	cse.put(base+"/cnt/c", cinAt(t1.Add(time.Second), 2))
	cse.put(base+"/cnt/a", cinAt(t1, 1))
	cse.put(base+"/cnt/sub", &primitive.Subscription{})
	app := newApp(cse)

	v, ok, err := GetLatestContentInstance[reading](context.Background(), app, "cse-in/cnt")
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, 3.0, v.Temp)

	discovery := cse.operations(primitive.Retrieve)[0]
	assert.Equal(t, []primitive.ResourceType{primitive.TypeContentInstance}, discovery.FilterCriteria.ResourceTypes)
	assert.Equal(t, primitive.FilterDiscovery, discovery.FilterCriteria.FilterUsage)
}

func TestGetLatestContentInstanceAbsent(t *testing.T) {
	cse := newFakeCSE()
	cse.put(base+"/empty", &primitive.Container{})
	app := newApp(cse)

	_, ok, err := GetLatestContentInstance[reading](context.Background(), app, "cse-in/missing")
	require.NoError(t, err)
	assert.False(t, ok)

	_, ok, err = GetLatestContentInstance[reading](context.Background(), app, "cse-in/empty")
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestAddContentInstance(t *testing.T) {
	cse := newFakeCSE()
	cse.put(base+"/cnt", &primitive.Container{})
	app := newApp(cse)

	cin, err := app.AddContentInstance(context.Background(), "cse-in/cnt", reading{Temp: 21.5})
	require.NoError(t, err)
	assert.NotEmpty(t, cin.ResourceID)

	req := cse.operations(primitive.Create)[0]
	assert.Equal(t, primitive.TypeContentInstance, req.ResourceType)
	assert.Equal(t, base+"/cnt", req.To)

	v, ok, err := GetLatestContentInstance[reading](context.Background(), app, "cse-in/cnt")
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, 21.5, v.Temp)
}

func TestFindAndRegisterAE(t *testing.T) {
	cse := newFakeCSE()
	app := newApp(cse)

	_, ok, err := app.FindAE(context.Background(), "Nsensor")
	require.NoError(t, err)
	assert.False(t, ok)

	ae, err := app.RegisterAE(context.Background(), "Csensor", &primitive.AE{
		Common:              primitive.Common{ResourceName: "sensor", Labels: []string{"token=abc"}},
		AppID:               "Nsensor",
		RequestReachability: primitive.Ptr(false),
	})
	require.NoError(t, err)
	assert.Equal(t, "Csensor", ae.AEID)
	assert.Equal(t, "Csensor", cse.operations(primitive.Create)[0].From)

	found, ok, err := app.FindAE(context.Background(), "Nsensor")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, "sensor", found.ResourceName)
	token, _ := found.Label("token")
	assert.Equal(t, "abc", token)
}

func TestObserveContentInstance(t *testing.T) {
	cse := newFakeCSE()
	cse.put(base+"/cnt", &primitive.Container{})
	app := newApp(cse)

	stream, err := ObserveContentInstance[reading](context.Background(), app, "cse-in/cnt", subscription.WithName("watch"))
	require.NoError(t, err)
	defer stream.Close()
	assert.Equal(t, "cse-in/cnt/watch", stream.Reference)

	publish := func(raw string) {
		cse.notes.Publish(primitive.Notification{
			SubscriptionReference: stream.Reference,
			Event:                 &primitive.NotificationEvent{Raw: []byte(raw)},
		})
	}
	publish(`{"m2m:cnt":{"rn":"not-an-instance"}}`)
	publish(`{"m2m:cin":{"con":"not json"}}`)
	publish(`{"m2m:cin":{}}`)
	publish(`{"m2m:cin":{"con":{"temp":19.5}}}`)
	publish(`{"m2m:cin":{"con":"{\"temp\":20}"}}`)

	for _, want := range []float64{19.5, 20} {
		select {
		case v := <-stream.C:
			assert.Equal(t, want, v.Temp)
		case <-time.After(time.Second):
			t.Fatalf("timed out waiting for %v", want)
		}
	}

	stream.Close()
	select {
	case _, ok := <-stream.C:
		assert.False(t, ok)
	case <-time.After(time.Second):
		t.Fatal("stream not closed")
	}
}
