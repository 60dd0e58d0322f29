// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package primitive

import (
	"fmt"
	"net/url"
	"strconv"
	"strings"
	"time"
	"unicode"

	m2merrors "github.com/absmach/onem2m/pkg/errors"
)

// Request is a oneM2M request primitive.
type Request struct {
	Operation         Operation
	To                string
	From              string
	RequestIdentifier string
	ResourceType      ResourceType
	Content           Resource

	ResultContent         *ResultContent
	ResultPersistence     string
	DeliveryAggregation   *bool
	DiscoveryResultType   DiscoveryResultType
	RoleIDs               []string
	TokenIDs              []string
	LocalTokenIDs         []string
	TokenRequestIndicator *bool
	ResponseType          *ResponseType
	FilterCriteria        *FilterCriteria

	GroupRequestIdentifier     string
	OriginatingTimestamp       time.Time
	RequestExpirationTimestamp time.Time
	ResultExpirationTimestamp  time.Time
	OperationExecutionTime     time.Time
	EventCategory              string
}

// Validate checks the request can be dispatched.
func (r *Request) Validate() error {
	if !r.Operation.Valid() {
		return fmt.Errorf("%w: operation %d", m2merrors.ErrInvalidInput, r.Operation)
	}
	return ValidateTarget(r.To)
}

// ValidateTarget rejects empty targets and targets with characters that
// cannot appear in a resource path.
func ValidateTarget(to string) error {
	if to == "" {
		return fmt.Errorf("%w: empty target", m2merrors.ErrInvalidTarget)
	}
	for _, c := range to {
		if c == '?' || c == '#' || unicode.IsSpace(c) || unicode.IsControl(c) {
			return fmt.Errorf("%w: illegal character %q in %q", m2merrors.ErrInvalidTarget, c, to)
		}
	}
	return nil
}

// Expects reports whether a successful response must carry a body.
func (r *Request) Expects() bool {
	return r.ResultContent == nil || *r.ResultContent != ResultNothing
}

// Param is a single protocol parameter.
type Param struct {
	Key   string
	Value string
}

// Params is an ordered parameter list. Multi-valued fields repeat their key.
type Params []Param

// Get returns the first value for key.
func (p Params) Get(key string) string {
	for _, kv := range p {
		if kv.Key == key {
			return kv.Value
		}
	}
	return ""
}

// Values returns every value for key in order.
func (p Params) Values(key string) []string {
	var vals []string
	for _, kv := range p {
		if kv.Key == key {
			vals = append(vals, kv.Value)
		}
	}
	return vals
}

// Encode renders p as a URL query string keeping the parameter order.
func (p Params) Encode() string {
	var sb strings.Builder
	for i, kv := range p {
		if i > 0 {
			sb.WriteByte('&')
		}
		sb.WriteString(url.QueryEscape(kv.Key))
		sb.WriteByte('=')
		sb.WriteString(url.QueryEscape(kv.Value))
	}
	return sb.String()
}

// ParseQuery parses a raw query string into Params keeping order.
func ParseQuery(query string) (Params, error) {
	var p Params
	for _, part := range strings.Split(query, "&") {
		if part == "" {
			continue
		}
		p2, err := ParsePair(part)
		if err != nil {
			return nil, err
		}
		p = append(p, p2)
	}
	return p, nil
}

// ParsePair parses a single escaped key=value pair.
func ParsePair(s string) (Param, error) {
	k, v, _ := strings.Cut(s, "=")
	key, err := url.QueryUnescape(k)
	if err != nil {
		return Param{}, fmt.Errorf("%w: query key %q", m2merrors.ErrInvalidInput, k)
	}
	val, err := url.QueryUnescape(v)
	if err != nil {
		return Param{}, fmt.Errorf("%w: query value %q", m2merrors.ErrInvalidInput, v)
	}
	return Param{Key: key, Value: val}, nil
}

func (p Params) addString(key, value string) Params {
	if value == "" {
		return p
	}
	return append(p, Param{Key: key, Value: value})
}

func (p Params) addInt(key string, value int) Params {
	if value == 0 {
		return p
	}
	return append(p, Param{Key: key, Value: strconv.Itoa(value)})
}

func (p Params) addTime(key string, t time.Time) Params {
	if t.IsZero() {
		return p
	}
	return append(p, Param{Key: key, Value: FormatTime(t)})
}

func (p Params) addBool(key string, b *bool) Params {
	if b == nil {
		return p
	}
	return append(p, Param{Key: key, Value: strconv.FormatBool(*b)})
}

// Params maps the request onto the canonical parameter list shared by all
// transport bindings.
func (r *Request) Params() (Params, error) {
	var p Params
	if r.ResultContent != nil {
		p = append(p, Param{Key: "rcn", Value: strconv.Itoa(int(*r.ResultContent))})
	}
	p = p.addString("rp", r.ResultPersistence)
	p = p.addBool("da", r.DeliveryAggregation)
	p = p.addInt("drt", int(r.DiscoveryResultType))
	for _, id := range r.RoleIDs {
		p = p.addString("rids", id)
	}
	for _, id := range r.TokenIDs {
		p = p.addString("tids", id)
	}
	for _, id := range r.LocalTokenIDs {
		p = p.addString("ltids", id)
	}
	p = p.addBool("tqi", r.TokenRequestIndicator)
	if r.ResponseType != nil {
		p = p.addInt("rt", int(r.ResponseType.Type))
	}
	if r.FilterCriteria != nil {
		return r.FilterCriteria.appendParams(p)
	}
	return p, nil
}

// ApplyParams sets the request fields encoded in p. Unknown keys are an error.
func (r *Request) ApplyParams(p Params) error {
	for _, kv := range p {
		if err := r.applyParam(kv.Key, kv.Value); err != nil {
			return err
		}
	}
	return nil
}

func (r *Request) applyParam(key, value string) error {
	var err error
	switch key {
	case "rcn":
		var v int
		v, err = atoi(key, value)
		r.ResultContent = Ptr(ResultContent(v))
	case "rp":
		r.ResultPersistence = value
	case "da":
		r.DeliveryAggregation, err = parseBool(key, value)
	case "drt":
		var v int
		v, err = atoi(key, value)
		r.DiscoveryResultType = DiscoveryResultType(v)
	case "rids":
		r.RoleIDs = append(r.RoleIDs, value)
	case "tids":
		r.TokenIDs = append(r.TokenIDs, value)
	case "ltids":
		r.LocalTokenIDs = append(r.LocalTokenIDs, value)
	case "tqi":
		r.TokenRequestIndicator, err = parseBool(key, value)
	case "rt":
		var v int
		v, err = atoi(key, value)
		if r.ResponseType == nil {
			r.ResponseType = &ResponseType{}
		}
		r.ResponseType.Type = ResponseTypeValue(v)
	default:
		if r.FilterCriteria == nil {
			r.FilterCriteria = &FilterCriteria{}
		}
		ok, ferr := r.FilterCriteria.applyParam(key, value)
		if ferr != nil {
			return ferr
		}
		if !ok {
			return fmt.Errorf("%w: unknown parameter %q", m2merrors.ErrInvalidInput, key)
		}
	}
	return err
}

func atoi(key, value string) (int, error) {
	v, err := strconv.Atoi(value)
	if err != nil {
		return 0, fmt.Errorf("%w: parameter %s=%q", m2merrors.ErrInvalidInput, key, value)
	}
	return v, nil
}

func parseBool(key, value string) (*bool, error) {
	b, err := strconv.ParseBool(value)
	if err != nil {
		return nil, fmt.Errorf("%w: parameter %s=%q", m2merrors.ErrInvalidInput, key, value)
	}
	return &b, nil
}
