// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package http

import (
	"bytes"
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"io"
	"mime"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	m2merrors "github.com/absmach/onem2m/pkg/errors"
	"github.com/absmach/onem2m/pkg/primitive"
	"github.com/absmach/onem2m/pkg/transport"
)

// Name is the transport name used in errors and metrics.
const Name = "http"

// oneM2M HTTP binding headers.
const (
	HeaderOrigin               = "X-M2M-Origin"
	HeaderRequestID            = "X-M2M-RI"
	HeaderGroupRequestID       = "X-M2M-GID"
	HeaderOriginatingTimestamp = "X-M2M-OT"
	HeaderRequestExpiration    = "X-M2M-RST"
	HeaderResultExpiration     = "X-M2M-RET"
	HeaderOperationExecution   = "X-M2M-OET"
	HeaderEventCategory        = "X-M2M-EC"
	HeaderResponseTypeURIs     = "X-M2M-RTU"
	HeaderReleaseVersion       = "X-M2M-RVI"
	HeaderStatus               = "X-M2M-RSC"
)

const (
	contentJSON    = "application/json"
	defaultTimeout = 20 * time.Second
	// Bodies above this size are rejected.
	maxBodySize = 8 << 20
)

var _ transport.Binding = (*Binding)(nil)

// Binding sends request primitives to a CSE over HTTP.
type Binding struct {
	base    *url.URL
	client  *http.Client
	release string

	tlsConfig *tls.Config
	timeout   time.Duration
}

// Option configures a Binding.
type Option func(*Binding)

// WithClient sets the HTTP client used for requests. The binding works on a
// copy, so the TLS and timeout options never change c.
func WithClient(c *http.Client) Option {
	return func(b *Binding) {
		b.client = c
	}
}

// WithTLSConfig sets the TLS configuration, e.g. to present a client certificate.
func WithTLSConfig(cfg *tls.Config) Option {
	return func(b *Binding) {
		b.tlsConfig = cfg
	}
}

// WithTimeout sets the per-request timeout of the client.
func WithTimeout(d time.Duration) Option {
	return func(b *Binding) {
		b.timeout = d
	}
}

// WithReleaseVersion sends the release version indicator on every request.
func WithReleaseVersion(rvi string) Option {
	return func(b *Binding) {
		b.release = rvi
	}
}

// New creates an HTTP binding for the CSE at baseURL.
func New(baseURL string, opts ...Option) (*Binding, error) {
	base, err := url.Parse(baseURL)
	if err != nil {
		return nil, fmt.Errorf("failed to parse CSE URL: %w", err)
	}
	if base.Scheme != "http" && base.Scheme != "https" {
		return nil, fmt.Errorf("%w: unsupported scheme %q", m2merrors.ErrInvalidInput, base.Scheme)
	}

	b := &Binding{
		base:   base,
		client: &http.Client{Timeout: defaultTimeout},
	}
	for _, opt := range opts {
		opt(b)
	}

	client := *b.client
	if b.timeout > 0 {
		client.Timeout = b.timeout
	}
	if b.tlsConfig != nil {
		tr, ok := client.Transport.(*http.Transport)
		if ok {
			tr = tr.Clone()
		} else {
			tr = &http.Transport{Proxy: http.ProxyFromEnvironment}
		}
		tr.TLSClientConfig = b.tlsConfig
		client.Transport = tr
	}
	b.client = &client
	return b, nil
}

// Name implements transport.Binding.
func (b *Binding) Name() string {
	return Name
}

// MapPath renders a target as an HTTP path: "//x" becomes "/_/x", "/x"
// becomes "/~/x" and "x" becomes "/x".
func MapPath(to string) string {
	return "/" + strings.Join(transport.Segments(to), "/")
}

// UnmapPath reverses MapPath.
func UnmapPath(p string) string {
	return transport.Target(strings.FieldsFunc(p, func(r rune) bool { return r == '/' }))
}

// Method returns the HTTP method carrying op.
func Method(op primitive.Operation) string {
	switch op {
	case primitive.Retrieve:
		return http.MethodGet
	case primitive.Update:
		return http.MethodPut
	case primitive.Delete:
		return http.MethodDelete
	default:
		return http.MethodPost
	}
}

// Send implements transport.Binding.
func (b *Binding) Send(ctx context.Context, req *primitive.Request) (*primitive.Response, error) {
	hreq, err := b.EncodeRequest(ctx, req)
	if err != nil {
		return nil, err
	}

	resp, err := b.client.Do(hreq)
	if err != nil {
		code := m2merrors.CodeRejected
		if errors.Is(err, context.DeadlineExceeded) || isTimeout(err) {
			code = m2merrors.CodeTimeout
		}
		return nil, &m2merrors.TransportError{Transport: Name, Code: code, Err: err}
	}
	defer resp.Body.Close()

	return DecodeResponse(resp, req)
}

// EncodeRequest builds the HTTP request for req.
func (b *Binding) EncodeRequest(ctx context.Context, req *primitive.Request) (*http.Request, error) {
	if err := req.Validate(); err != nil {
		return nil, err
	}
	params, err := req.Params()
	if err != nil {
		return nil, err
	}
	body, err := primitive.MarshalContent(req.Content)
	if err != nil {
		return nil, err
	}

	u := *b.base
	u.Path = strings.TrimSuffix(b.base.Path, "/") + MapPath(req.To)
	u.RawPath = ""
	u.RawQuery = params.Encode()

	var rd io.Reader
	if body != nil {
		rd = bytes.NewReader(body)
	}
	hreq, err := http.NewRequestWithContext(ctx, Method(req.Operation), u.String(), rd)
	if err != nil {
		return nil, fmt.Errorf("failed to build request: %w", err)
	}

	h := hreq.Header
	h.Set("Accept", contentJSON)
	setHeader(h, HeaderOrigin, req.From)
	setHeader(h, HeaderRequestID, req.RequestIdentifier)
	setHeader(h, HeaderGroupRequestID, req.GroupRequestIdentifier)
	setTime(h, HeaderOriginatingTimestamp, req.OriginatingTimestamp)
	setTime(h, HeaderRequestExpiration, req.RequestExpirationTimestamp)
	setTime(h, HeaderResultExpiration, req.ResultExpirationTimestamp)
	setTime(h, HeaderOperationExecution, req.OperationExecutionTime)
	setHeader(h, HeaderEventCategory, req.EventCategory)
	setHeader(h, HeaderReleaseVersion, b.release)
	if req.ResponseType != nil && len(req.ResponseType.NotificationURIs) > 0 {
		h.Set(HeaderResponseTypeURIs, strings.Join(req.ResponseType.NotificationURIs, "&"))
	}
	if body != nil {
		h.Set("Content-Type", ContentType(req))
	}
	return hreq, nil
}

// ContentType returns the content type of a request body, carrying the
// resource type for creates.
func ContentType(req *primitive.Request) string {
	ty := req.ResourceType
	if ty == 0 && req.Content != nil && req.Operation == primitive.Create {
		ty = req.Content.Type()
	}
	if ty == 0 {
		return contentJSON
	}
	return contentJSON + ";ty=" + strconv.Itoa(int(ty))
}

// DecodeResponse maps an HTTP response onto a response primitive.
func DecodeResponse(resp *http.Response, req *primitive.Request) (*primitive.Response, error) {
	body, err := io.ReadAll(io.LimitReader(resp.Body, maxBodySize))
	if err != nil {
		return nil, &m2merrors.TransportError{Transport: Name, Code: resp.StatusCode, Err: err}
	}

	var status int
	if rsc := resp.Header.Get(HeaderStatus); rsc != "" {
		status, err = strconv.Atoi(rsc)
		if err != nil {
			return nil, m2merrors.NewDataError("invalid "+HeaderStatus, err)
		}
	}

	if primitive.StatusCode(status).IsFailure() {
		return nil, &m2merrors.ProtocolError{Status: status, Debug: primitive.DebugInfo(body)}
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return nil, &m2merrors.TransportError{
			Transport: Name,
			Code:      resp.StatusCode,
			Status:    status,
			Message:   primitive.DebugInfo(body),
		}
	}

	res := &primitive.Response{
		StatusCode:        primitive.StatusCode(status),
		RequestIdentifier: resp.Header.Get(HeaderRequestID),
	}
	if len(bytes.TrimSpace(body)) == 0 {
		if req != nil && !req.Expects() {
			return res, nil
		}
		return nil, m2merrors.NewDataError("empty body", m2merrors.ErrEmptyBody)
	}
	if err := res.DecodeBody(body); err != nil {
		return nil, err
	}
	return res, nil
}

// DecodeRequest maps an inbound HTTP request onto a request primitive. POST
// requests without a resource type are notifications.
func DecodeRequest(r *http.Request) (*primitive.Request, error) {
	req := &primitive.Request{
		To:                     UnmapPath(r.URL.Path),
		From:                   r.Header.Get(HeaderOrigin),
		RequestIdentifier:      r.Header.Get(HeaderRequestID),
		GroupRequestIdentifier: r.Header.Get(HeaderGroupRequestID),
		EventCategory:          r.Header.Get(HeaderEventCategory),
	}

	switch r.Method {
	case http.MethodGet:
		req.Operation = primitive.Retrieve
	case http.MethodPut:
		req.Operation = primitive.Update
	case http.MethodDelete:
		req.Operation = primitive.Delete
	case http.MethodPost:
		req.Operation = primitive.Notify
	default:
		return nil, fmt.Errorf("%w: method %s", m2merrors.ErrInvalidInput, r.Method)
	}

	if ct := r.Header.Get("Content-Type"); ct != "" {
		_, params, err := mime.ParseMediaType(ct)
		if err != nil {
			return nil, fmt.Errorf("%w: content type %q", m2merrors.ErrInvalidInput, ct)
		}
		if ty, ok := params["ty"]; ok {
			n, err := strconv.Atoi(ty)
			if err != nil {
				return nil, fmt.Errorf("%w: resource type %q", m2merrors.ErrInvalidInput, ty)
			}
			req.ResourceType = primitive.ResourceType(n)
			if req.Operation == primitive.Notify {
				req.Operation = primitive.Create
			}
		}
	}

	var err error
	if req.OriginatingTimestamp, err = getTime(r.Header, HeaderOriginatingTimestamp); err != nil {
		return nil, err
	}
	if req.RequestExpirationTimestamp, err = getTime(r.Header, HeaderRequestExpiration); err != nil {
		return nil, err
	}
	if req.ResultExpirationTimestamp, err = getTime(r.Header, HeaderResultExpiration); err != nil {
		return nil, err
	}
	if req.OperationExecutionTime, err = getTime(r.Header, HeaderOperationExecution); err != nil {
		return nil, err
	}

	params, err := primitive.ParseQuery(r.URL.RawQuery)
	if err != nil {
		return nil, err
	}
	if err := req.ApplyParams(params); err != nil {
		return nil, err
	}
	if rtu := r.Header.Get(HeaderResponseTypeURIs); rtu != "" {
		if req.ResponseType == nil {
			req.ResponseType = &primitive.ResponseType{}
		}
		req.ResponseType.NotificationURIs = strings.Split(rtu, "&")
	}
	return req, nil
}

func setHeader(h http.Header, key, value string) {
	if value != "" {
		h.Set(key, value)
	}
}

func setTime(h http.Header, key string, t time.Time) {
	if !t.IsZero() {
		h.Set(key, primitive.FormatTime(t))
	}
}

func getTime(h http.Header, key string) (time.Time, error) {
	v := h.Get(key)
	if v == "" {
		return time.Time{}, nil
	}
	t, err := primitive.ParseTime(v)
	if err != nil {
		return time.Time{}, fmt.Errorf("%w: header %s", m2merrors.ErrInvalidInput, key)
	}
	return t, nil
}

func isTimeout(err error) bool {
	var te interface{ Timeout() bool }
	return errors.As(err, &te) && te.Timeout()
}
