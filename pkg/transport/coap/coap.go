// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package coap

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/plgd-dev/go-coap/v3/message"
	"github.com/plgd-dev/go-coap/v3/message/codes"
	"github.com/plgd-dev/go-coap/v3/message/pool"
	"github.com/plgd-dev/go-coap/v3/udp"

	m2merrors "github.com/absmach/onem2m/pkg/errors"
	"github.com/absmach/onem2m/pkg/primitive"
	"github.com/absmach/onem2m/pkg/transport"
)

// Name is the transport name used in errors and metrics.
const Name = "coap"

// oneM2M CoAP binding option numbers.
const (
	OptionFrom                   message.OptionID = 256
	OptionRequestID              message.OptionID = 257
	OptionOriginatingTimestamp   message.OptionID = 259
	OptionRequestExpiration      message.OptionID = 260
	OptionResultExpiration       message.OptionID = 261
	OptionOperationExecutionTime message.OptionID = 262
	OptionResponseTypeURIs       message.OptionID = 263
	OptionEventCategory          message.OptionID = 264
	OptionResponseStatus         message.OptionID = 265
	OptionGroupRequestID         message.OptionID = 266
	OptionResourceType           message.OptionID = 267
	OptionReleaseVersion         message.OptionID = 271
)

// Doer sends a CoAP request and waits for its response. The go-coap client
// connections implement it.
type Doer interface {
	Do(req *pool.Message) (*pool.Message, error)
	ReleaseMessage(m *pool.Message)
}

var _ transport.Binding = (*Binding)(nil)

// Binding sends request primitives to a CSE over CoAP.
type Binding struct {
	conn    Doer
	release string
}

// Option configures a Binding.
type Option func(*Binding)

// WithReleaseVersion sends the release version indicator on every request.
func WithReleaseVersion(rvi string) Option {
	return func(b *Binding) {
		b.release = rvi
	}
}

// New creates a binding over an established connection.
func New(conn Doer, opts ...Option) *Binding {
	b := &Binding{conn: conn}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

// Dial connects to a CSE at addr (host:port) over UDP.
func Dial(addr string, opts ...Option) (*Binding, error) {
	conn, err := udp.Dial(addr)
	if err != nil {
		return nil, &m2merrors.TransportError{Transport: Name, Code: m2merrors.CodeRejected, Err: err}
	}
	return New(conn, opts...), nil
}

// Name implements transport.Binding.
func (b *Binding) Name() string {
	return Name
}

// Close closes the underlying connection if it can be closed.
func (b *Binding) Close() error {
	if c, ok := b.conn.(io.Closer); ok {
		return c.Close()
	}
	return nil
}

// MapPath renders a target as a CoAP Uri-Path using the same leading
// "_" and "~" segments as the HTTP binding.
func MapPath(to string) string {
	return "/" + strings.Join(transport.Segments(to), "/")
}

// Method returns the CoAP method code carrying op.
func Method(op primitive.Operation) codes.Code {
	switch op {
	case primitive.Retrieve:
		return codes.GET
	case primitive.Update:
		return codes.PUT
	case primitive.Delete:
		return codes.DELETE
	default:
		return codes.POST
	}
}

// Send implements transport.Binding.
func (b *Binding) Send(ctx context.Context, req *primitive.Request) (*primitive.Response, error) {
	msg, err := b.EncodeMessage(ctx, req)
	if err != nil {
		return nil, err
	}
	defer msg.Reset()

	resp, err := b.conn.Do(msg)
	if err != nil {
		code := m2merrors.CodeRejected
		if errors.Is(err, context.DeadlineExceeded) || ctx.Err() != nil {
			code = m2merrors.CodeTimeout
		}
		return nil, &m2merrors.TransportError{Transport: Name, Code: code, Err: err}
	}
	defer b.conn.ReleaseMessage(resp)

	return DecodeResponse(resp, req)
}

// EncodeMessage builds the CoAP request for req.
func (b *Binding) EncodeMessage(ctx context.Context, req *primitive.Request) (*pool.Message, error) {
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

	token, err := message.GetToken()
	if err != nil {
		return nil, fmt.Errorf("failed to generate token: %w", err)
	}

	msg := pool.NewMessage(ctx)
	msg.SetCode(Method(req.Operation))
	msg.SetToken(token)
	if err := msg.SetPath(MapPath(req.To)); err != nil {
		msg.Reset()
		return nil, fmt.Errorf("%w: %v", m2merrors.ErrInvalidTarget, err)
	}
	for _, kv := range params {
		msg.AddQuery(kv.Key + "=" + kv.Value)
	}

	setString(msg, OptionFrom, req.From)
	setString(msg, OptionRequestID, req.RequestIdentifier)
	setString(msg, OptionGroupRequestID, req.GroupRequestIdentifier)
	setTime(msg, OptionOriginatingTimestamp, req.OriginatingTimestamp)
	setTime(msg, OptionRequestExpiration, req.RequestExpirationTimestamp)
	setTime(msg, OptionResultExpiration, req.ResultExpirationTimestamp)
	setTime(msg, OptionOperationExecutionTime, req.OperationExecutionTime)
	setString(msg, OptionEventCategory, req.EventCategory)
	setString(msg, OptionReleaseVersion, b.release)
	if req.ResponseType != nil && len(req.ResponseType.NotificationURIs) > 0 {
		msg.SetOptionString(OptionResponseTypeURIs, strings.Join(req.ResponseType.NotificationURIs, "&"))
	}

	ty := req.ResourceType
	if ty == 0 && req.Content != nil && req.Operation == primitive.Create {
		ty = req.Content.Type()
	}
	if ty != 0 {
		msg.SetOptionUint32(OptionResourceType, uint32(ty))
	}
	if body != nil {
		msg.SetContentFormat(message.AppJSON)
		msg.SetBody(bytes.NewReader(body))
	}
	return msg, nil
}

// DecodeResponse maps a CoAP response onto a response primitive.
func DecodeResponse(resp *pool.Message, req *primitive.Request) (*primitive.Response, error) {
	body, err := resp.ReadBody()
	if err != nil {
		return nil, &m2merrors.TransportError{Transport: Name, Code: int(resp.Code()), Err: err}
	}

	var status int
	if rsc, err := resp.Options().GetUint32(OptionResponseStatus); err == nil {
		status = int(rsc)
	}

	if !success(resp.Code()) {
		return nil, &m2merrors.TransportError{
			Transport: Name,
			Code:      int(resp.Code()),
			Status:    status,
			Message:   primitive.DebugInfo(body),
		}
	}
	if primitive.StatusCode(status).IsFailure() {
		return nil, &m2merrors.ProtocolError{Status: status, Debug: primitive.DebugInfo(body)}
	}
	if status == 0 {
		status = int(statusOf(resp.Code()))
	}

	res := &primitive.Response{StatusCode: primitive.StatusCode(status)}
	if rqi, err := resp.Options().GetString(OptionRequestID); err == nil {
		res.RequestIdentifier = rqi
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

// DecodeMessage maps an inbound CoAP request onto a request primitive. POST
// requests without a resource type are notifications.
func DecodeMessage(msg *pool.Message) (*primitive.Request, error) {
	req := &primitive.Request{}
	switch msg.Code() {
	case codes.GET:
		req.Operation = primitive.Retrieve
	case codes.PUT:
		req.Operation = primitive.Update
	case codes.DELETE:
		req.Operation = primitive.Delete
	case codes.POST:
		req.Operation = primitive.Notify
	default:
		return nil, fmt.Errorf("%w: code %s", m2merrors.ErrInvalidInput, msg.Code())
	}

	opts := msg.Options()
	if p, err := opts.Path(); err == nil {
		req.To = transport.Target(strings.FieldsFunc(p, func(r rune) bool { return r == '/' }))
	}
	if ty, err := opts.GetUint32(OptionResourceType); err == nil {
		req.ResourceType = primitive.ResourceType(ty)
		if req.Operation == primitive.Notify {
			req.Operation = primitive.Create
		}
	}
	req.From = getString(opts, OptionFrom)
	req.RequestIdentifier = getString(opts, OptionRequestID)
	req.GroupRequestIdentifier = getString(opts, OptionGroupRequestID)
	req.EventCategory = getString(opts, OptionEventCategory)

	var err error
	if req.OriginatingTimestamp, err = getTime(opts, OptionOriginatingTimestamp); err != nil {
		return nil, err
	}
	if req.RequestExpirationTimestamp, err = getTime(opts, OptionRequestExpiration); err != nil {
		return nil, err
	}
	if req.ResultExpirationTimestamp, err = getTime(opts, OptionResultExpiration); err != nil {
		return nil, err
	}
	if req.OperationExecutionTime, err = getTime(opts, OptionOperationExecutionTime); err != nil {
		return nil, err
	}

	if queries, err := opts.Queries(); err == nil {
		params := make(primitive.Params, 0, len(queries))
		for _, q := range queries {
			k, v, _ := strings.Cut(q, "=")
			params = append(params, primitive.Param{Key: k, Value: v})
		}
		if err := req.ApplyParams(params); err != nil {
			return nil, err
		}
	}
	if rtu := getString(opts, OptionResponseTypeURIs); rtu != "" {
		if req.ResponseType == nil {
			req.ResponseType = &primitive.ResponseType{}
		}
		req.ResponseType.NotificationURIs = strings.Split(rtu, "&")
	}
	return req, nil
}

func success(c codes.Code) bool {
	return c >= codes.Created && c < codes.BadRequest
}

// statusOf maps a success code onto the matching oneM2M status.
func statusOf(c codes.Code) primitive.StatusCode {
	switch c {
	case codes.Created:
		return primitive.StatusCreated
	case codes.Deleted:
		return primitive.StatusDeleted
	case codes.Changed:
		return primitive.StatusUpdated
	default:
		return primitive.StatusOK
	}
}

func setString(msg *pool.Message, id message.OptionID, v string) {
	if v != "" {
		msg.SetOptionString(id, v)
	}
}

func setTime(msg *pool.Message, id message.OptionID, t time.Time) {
	if !t.IsZero() {
		msg.SetOptionString(id, primitive.FormatTime(t))
	}
}

func getString(opts message.Options, id message.OptionID) string {
	v, err := opts.GetString(id)
	if err != nil {
		return ""
	}
	return v
}

func getTime(opts message.Options, id message.OptionID) (time.Time, error) {
	v := getString(opts, id)
	if v == "" {
		return time.Time{}, nil
	}
	t, err := primitive.ParseTime(v)
	if err != nil {
		return time.Time{}, fmt.Errorf("%w: option %d", m2merrors.ErrInvalidInput, id)
	}
	return t, nil
}
