// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package http

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	m2merrors "github.com/absmach/onem2m/pkg/errors"
	"github.com/absmach/onem2m/pkg/primitive"
)

func TestMapPath(t *testing.T) {
	tests := map[string]string{
		"//x/y": "/_/x/y",
		"/x/y":  "/~/x/y",
		"x/y":   "/x/y",
	}
	for to, want := range tests {
		assert.Equal(t, want, MapPath(to), to)
		assert.Equal(t, to, UnmapPath(want), want)
	}
}

func TestMethod(t *testing.T) {
	assert.Equal(t, http.MethodGet, Method(primitive.Retrieve))
	assert.Equal(t, http.MethodPut, Method(primitive.Update))
	assert.Equal(t, http.MethodDelete, Method(primitive.Delete))
	assert.Equal(t, http.MethodPost, Method(primitive.Create))
	assert.Equal(t, http.MethodPost, Method(primitive.Notify))
}

func fullRequest() *primitive.Request {
	ts := time.Date(2024, 6, 1, 10, 20, 30, 450000000, time.UTC)
	cin, _ := primitive.NewContentInstance(map[string]int{"v": 1})
	return &primitive.Request{
		Operation:                  primitive.Create,
		To:                         "/id-in/cse-in/app/data",
		From:                       "Capp",
		RequestIdentifier:          "abc-1",
		ResourceType:               primitive.TypeContentInstance,
		Content:                    cin,
		ResultContent:              primitive.Ptr(primitive.ResultHierarchicalAddressAttributes),
		ResultPersistence:          "PT10S",
		DeliveryAggregation:        primitive.Ptr(false),
		RoleIDs:                    []string{"role"},
		TokenIDs:                   []string{"tok1", "tok2"},
		TokenRequestIndicator:      primitive.Ptr(true),
		ResponseType:               &primitive.ResponseType{Type: primitive.ResponseNonBlockingAsync, NotificationURIs: []string{"http://a/n", "http://b/n"}},
		GroupRequestIdentifier:     "gid",
		OriginatingTimestamp:       ts,
		RequestExpirationTimestamp: ts.Add(time.Minute),
		ResultExpirationTimestamp:  ts.Add(2 * time.Minute),
		OperationExecutionTime:     ts.Add(10 * time.Microsecond),
		EventCategory:              "2",
		FilterCriteria: &primitive.FilterCriteria{
			CreatedAfter: ts,
			Labels:       []string{"room=1"},
			Attributes:   []primitive.Attribute{{Name: "contentInfo", Value: "application/json"}},
		},
	}
}

func TestEncodeDecodeRequest(t *testing.T) {
	b, err := New("http://cse.example:8080/base/")
	require.NoError(t, err)

	req := fullRequest()
	hreq, err := b.EncodeRequest(context.Background(), req)
	require.NoError(t, err)

	assert.Equal(t, http.MethodPost, hreq.Method)
	assert.Equal(t, "/base/~/id-in/cse-in/app/data", hreq.URL.Path)
	assert.Equal(t, "Capp", hreq.Header.Get(HeaderOrigin))
	assert.Equal(t, "abc-1", hreq.Header.Get(HeaderRequestID))
	assert.Equal(t, "20240601T102030.45000", hreq.Header.Get(HeaderOriginatingTimestamp))
	assert.Equal(t, "http://a/n&http://b/n", hreq.Header.Get(HeaderResponseTypeURIs))
	assert.Equal(t, "application/json;ty=4", hreq.Header.Get("Content-Type"))
	assert.True(t, strings.HasPrefix(hreq.URL.RawQuery, "rcn=3&rp=PT10S&da=false&rids=role&tids=tok1&tids=tok2&tqi=true&rt=2&cra=20240601T102030.45000"))

	// Strip the base path to decode as the CSE would see it.
	hreq.URL.Path = strings.TrimPrefix(hreq.URL.Path, "/base")
	got, err := DecodeRequest(hreq)
	require.NoError(t, err)

	assert.Equal(t, req.Operation, got.Operation)
	assert.Equal(t, req.To, got.To)
	assert.Equal(t, req.From, got.From)
	assert.Equal(t, req.RequestIdentifier, got.RequestIdentifier)
	assert.Equal(t, req.ResourceType, got.ResourceType)
	assert.Equal(t, req.ResultContent, got.ResultContent)
	assert.Equal(t, req.ResultPersistence, got.ResultPersistence)
	assert.Equal(t, req.DeliveryAggregation, got.DeliveryAggregation)
	assert.Equal(t, req.RoleIDs, got.RoleIDs)
	assert.Equal(t, req.TokenIDs, got.TokenIDs)
	assert.Equal(t, req.TokenRequestIndicator, got.TokenRequestIndicator)
	assert.Equal(t, req.ResponseType, got.ResponseType)
	assert.Equal(t, req.GroupRequestIdentifier, got.GroupRequestIdentifier)
	assert.Equal(t, req.EventCategory, got.EventCategory)
	assert.True(t, req.OriginatingTimestamp.Equal(got.OriginatingTimestamp))
	assert.True(t, req.RequestExpirationTimestamp.Equal(got.RequestExpirationTimestamp))
	assert.True(t, req.ResultExpirationTimestamp.Equal(got.ResultExpirationTimestamp))
	assert.True(t, req.OperationExecutionTime.Equal(got.OperationExecutionTime))
	assert.True(t, req.FilterCriteria.CreatedAfter.Equal(got.FilterCriteria.CreatedAfter))
	assert.Equal(t, req.FilterCriteria.Labels, got.FilterCriteria.Labels)
	assert.Equal(t, req.FilterCriteria.Attributes, got.FilterCriteria.Attributes)
}

func TestEncodeInvalidTarget(t *testing.T) {
	b, err := New("http://cse.example")
	require.NoError(t, err)

	_, err = b.EncodeRequest(context.Background(), &primitive.Request{Operation: primitive.Retrieve, To: "a b"})
	assert.ErrorIs(t, err, m2merrors.ErrInvalidTarget)
}

func TestNewInvalidScheme(t *testing.T) {
	_, err := New("coap://cse.example")
	assert.ErrorIs(t, err, m2merrors.ErrInvalidInput)
}

func TestSend(t *testing.T) {
	tests := []struct {
		name   string
		status int
		rsc    string
		body   string
		req    *primitive.Request
		check  func(t *testing.T, res *primitive.Response, err error)
	}{
		{
			name:   "created",
			status: http.StatusCreated,
			rsc:    "2001",
			body:   `{"m2m:rce":{"uri":"cse-in/app/sub","m2m:sub":{"rn":"sub"}}}`,
			req:    &primitive.Request{Operation: primitive.Create, To: "cse-in/app", Content: &primitive.Subscription{}},
			check: func(t *testing.T, res *primitive.Response, err error) {
				require.NoError(t, err)
				assert.Equal(t, primitive.StatusCreated, res.StatusCode)
				assert.Equal(t, "cse-in/app/sub", res.URI)
				assert.Equal(t, "rid-1", res.RequestIdentifier)
			},
		},
		{
			name:   "protocol failure",
			status: http.StatusNotFound,
			rsc:    "4004",
			body:   `{"m2m:dbg":"resource does not exist"}`,
			req:    &primitive.Request{Operation: primitive.Retrieve, To: "cse-in/missing"},
			check: func(t *testing.T, _ *primitive.Response, err error) {
				var pe *m2merrors.ProtocolError
				require.True(t, errors.As(err, &pe))
				assert.Equal(t, 4004, pe.Status)
				assert.Equal(t, "resource does not exist", pe.Debug)
				assert.True(t, m2merrors.IsNotFound(err))
			},
		},
		{
			name:   "protocol failure on 2xx",
			status: http.StatusOK,
			rsc:    "4103",
			body:   `{"m2m:dbg":"denied"}`,
			req:    &primitive.Request{Operation: primitive.Retrieve, To: "cse-in/x"},
			check: func(t *testing.T, _ *primitive.Response, err error) {
				assert.Equal(t, 4103, m2merrors.Status(err))
				assert.False(t, m2merrors.IsNotFound(err))
			},
		},
		{
			name:   "transport failure",
			status: http.StatusBadGateway,
			body:   "upstream down",
			req:    &primitive.Request{Operation: primitive.Retrieve, To: "cse-in/x"},
			check: func(t *testing.T, _ *primitive.Response, err error) {
				var te *m2merrors.TransportError
				require.True(t, errors.As(err, &te))
				assert.Equal(t, http.StatusBadGateway, te.Code)
				assert.Equal(t, "upstream down", te.Message)
			},
		},
		{
			name:   "empty body",
			status: http.StatusOK,
			rsc:    "2000",
			req:    &primitive.Request{Operation: primitive.Retrieve, To: "cse-in/x"},
			check: func(t *testing.T, _ *primitive.Response, err error) {
				assert.ErrorIs(t, err, m2merrors.ErrEmptyBody)
			},
		},
		{
			name:   "empty body without result content",
			status: http.StatusOK,
			rsc:    "2002",
			req:    &primitive.Request{Operation: primitive.Delete, To: "cse-in/x", ResultContent: primitive.Ptr(primitive.ResultNothing)},
			check: func(t *testing.T, res *primitive.Response, err error) {
				require.NoError(t, err)
				assert.Equal(t, primitive.StatusDeleted, res.StatusCode)
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				_, _ = io.Copy(io.Discard, r.Body)
				w.Header().Set(HeaderRequestID, "rid-1")
				if tt.rsc != "" {
					w.Header().Set(HeaderStatus, tt.rsc)
				}
				w.WriteHeader(tt.status)
				_, _ = io.WriteString(w, tt.body)
			}))
			defer srv.Close()

			b, err := New(srv.URL)
			require.NoError(t, err)
			res, err := b.Send(context.Background(), tt.req)
			tt.check(t, res, err)
		})
	}
}

func TestSendTimeout(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		<-r.Context().Done()
	}))
	defer srv.Close()

	b, err := New(srv.URL, WithTimeout(50*time.Millisecond))
	require.NoError(t, err)

	_, err = b.Send(context.Background(), &primitive.Request{Operation: primitive.Retrieve, To: "cse-in"})
	var te *m2merrors.TransportError
	require.True(t, errors.As(err, &te))
	assert.True(t, te.Timeout())
}

func TestClientOptionsKeepCallerClient(t *testing.T) {
	srv := httptest.NewTLSServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set(HeaderStatus, "2002")
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	roots := x509.NewCertPool()
	roots.AddCert(srv.Certificate())
	tlsConfig := &tls.Config{RootCAs: roots, MinVersion: tls.VersionTLS12}

	shared := &http.Client{}
	cases := map[string][]Option{
		"tls before client": {WithTLSConfig(tlsConfig), WithClient(shared), WithTimeout(time.Second)},
		"tls after client":  {WithClient(shared), WithTimeout(time.Second), WithTLSConfig(tlsConfig)},
	}
	for name, opts := range cases {
		t.Run(name, func(t *testing.T) {
			b, err := New(srv.URL, opts...)
			require.NoError(t, err)

			res, err := b.Send(context.Background(), &primitive.Request{
				Operation:     primitive.Delete,
				To:            "cse-in/x",
				ResultContent: primitive.Ptr(primitive.ResultNothing),
			})
			require.NoError(t, err)
			assert.Equal(t, primitive.StatusDeleted, res.StatusCode)
		})
	}

	assert.Nil(t, shared.Transport)
	assert.Zero(t, shared.Timeout)
}
