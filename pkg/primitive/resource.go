// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package primitive

import (
	"bytes"
	"strings"
	"time"

	json "github.com/goccy/go-json"

	m2merrors "github.com/absmach/onem2m/pkg/errors"
)

// Resource is a resource representation exchanged with the CSE. It is
// implemented by *AE, *Container, *ContentInstance, *Subscription and *Opaque.
type Resource interface {
	// Key is the short name wrapping the representation, e.g. "m2m:cin".
	Key() string
	// Type is the resource type carried in the content-type of requests.
	Type() ResourceType
	common() *Common
}

// Common holds the attributes shared by every resource.
type Common struct {
	ResourceName           string       `json:"rn,omitempty"`
	ResourceType           ResourceType `json:"ty,omitempty"`
	ResourceID             string       `json:"ri,omitempty"`
	ParentID               string       `json:"pi,omitempty"`
	CreationTime           string       `json:"ct,omitempty"`
	LastModifiedTime       string       `json:"lt,omitempty"`
	ExpirationTime         string       `json:"et,omitempty"`
	Labels                 []string     `json:"lbl,omitempty"`
	AccessControlPolicyIDs []string     `json:"acpi,omitempty"`
}

func (c *Common) common() *Common { return c }

// Created returns the parsed creation time, or the zero time.
func (c *Common) Created() time.Time {
	t, err := ParseTime(c.CreationTime)
	if err != nil {
		return time.Time{}
	}
	return t
}

// Label returns the value of the first label of the form "<name>=<value>".
func (c *Common) Label(name string) (string, bool) {
	prefix := name + "="
	for _, l := range c.Labels {
		if strings.HasPrefix(l, prefix) {
			return strings.TrimPrefix(l, prefix), true
		}
	}
	return "", false
}

// AE is an Application Entity.
type AE struct {
	Common
	AppName                  string   `json:"apn,omitempty"`
	AppID                    string   `json:"api,omitempty"`
	AEID                     string   `json:"aei,omitempty"`
	PointOfAccess            []string `json:"poa,omitempty"`
	RequestReachability      *bool    `json:"rr,omitempty"`
	SupportedReleaseVersions []string `json:"srv,omitempty"`
}

func (*AE) Key() string        { return "m2m:ae" }
func (*AE) Type() ResourceType { return TypeAE }

// Container groups content instances.
type Container struct {
	Common
	MaxNrOfInstances     int `json:"mni,omitempty"`
	MaxByteSize          int `json:"mbs,omitempty"`
	MaxInstanceAge       int `json:"mia,omitempty"`
	CurrentNrOfInstances int `json:"cni,omitempty"`
	CurrentByteSize      int `json:"cbs,omitempty"`
	StateTag             int `json:"st,omitempty"`
}

func (*Container) Key() string        { return "m2m:cnt" }
func (*Container) Type() ResourceType { return TypeContainer }

// ContentInstance is a single data record in a container.
type ContentInstance struct {
	Common
	ContentInfo string          `json:"cnf,omitempty"`
	ContentSize int             `json:"cs,omitempty"`
	Content     json.RawMessage `json:"con,omitempty"`
	StateTag    int             `json:"st,omitempty"`
}

func (*ContentInstance) Key() string        { return "m2m:cin" }
func (*ContentInstance) Type() ResourceType { return TypeContentInstance }

// NewContentInstance wraps v as the content of a new instance.
func NewContentInstance(v any) (*ContentInstance, error) {
	raw, err := json.Marshal(v)
	if err != nil {
		return nil, m2merrors.NewDataError("encode content", err)
	}
	return &ContentInstance{ContentInfo: "application/json", Content: raw}, nil
}

// DecodeContent decodes the instance content into v. Content stored as a
// JSON string holding a document is decoded from that document.
func (c *ContentInstance) DecodeContent(v any) error {
	if len(bytes.TrimSpace(c.Content)) == 0 {
		return m2merrors.NewDataError("content instance has no content", m2merrors.ErrEmptyBody)
	}
	err := json.Unmarshal(c.Content, v)
	if err == nil {
		return nil
	}
	var s string
	if json.Unmarshal(c.Content, &s) != nil {
		return m2merrors.NewDataError("decode content", err)
	}
	if err := json.Unmarshal([]byte(s), v); err != nil {
		return m2merrors.NewDataError("decode content", err)
	}
	return nil
}

// EventNotificationCriteria selects the events a subscription reports.
type EventNotificationCriteria struct {
	NotificationEventTypes []NotificationEventType `json:"net,omitempty"`
}

// Subscription asks the CSE to notify the given URIs of resource events.
type Subscription struct {
	Common
	EventNotificationCriteria *EventNotificationCriteria `json:"enc,omitempty"`
	NotificationURIs          []string                   `json:"nu,omitempty"`
	NotificationContentType   NotificationContentType    `json:"nct,omitempty"`
	ExpirationCounter         int                        `json:"exc,omitempty"`
	SubscriberURI             string                     `json:"su,omitempty"`
}

func (*Subscription) Key() string        { return "m2m:sub" }
func (*Subscription) Type() ResourceType { return TypeSubscription }

// NotifiesTo reports whether uri is one of the notification targets.
func (s *Subscription) NotifiesTo(uri string) bool {
	for _, nu := range s.NotificationURIs {
		if strings.EqualFold(nu, uri) {
			return true
		}
	}
	return false
}

// Opaque carries a resource of a kind this client does not model.
type Opaque struct {
	Common
	Name         string
	ResourceKind ResourceType
	Raw          json.RawMessage
}

func (o *Opaque) Key() string        { return o.Name }
func (o *Opaque) Type() ResourceType { return o.ResourceKind }

// MarshalJSON emits the raw representation.
func (o *Opaque) MarshalJSON() ([]byte, error) {
	if len(o.Raw) == 0 {
		return []byte("{}"), nil
	}
	return o.Raw, nil
}

// Attributes returns the shared attributes of r.
func Attributes(r Resource) *Common {
	return r.common()
}

// MarshalContent renders r wrapped in its short name.
func MarshalContent(r Resource) ([]byte, error) {
	if r == nil {
		return nil, nil
	}
	body, err := json.Marshal(map[string]Resource{r.Key(): r})
	if err != nil {
		return nil, m2merrors.NewDataError("encode "+r.Key(), err)
	}
	return body, nil
}

// UnmarshalContent decodes a body of the form {"m2m:<kind>": {...}}.
func UnmarshalContent(body []byte) (Resource, error) {
	var wrapped map[string]json.RawMessage
	if err := json.Unmarshal(body, &wrapped); err != nil {
		return nil, m2merrors.NewDataError("decode resource", err)
	}
	for key, raw := range wrapped {
		return decodeResource(key, raw)
	}
	return nil, m2merrors.NewDataError("decode resource", m2merrors.ErrEmptyBody)
}

func decodeResource(key string, raw json.RawMessage) (Resource, error) {
	var r Resource
	switch key {
	case "m2m:ae":
		r = &AE{}
	case "m2m:cnt":
		r = &Container{}
	case "m2m:cin":
		r = &ContentInstance{}
	case "m2m:sub":
		r = &Subscription{}
	default:
		o := &Opaque{Name: key, Raw: append(json.RawMessage(nil), raw...)}
		if err := json.Unmarshal(raw, &o.Common); err != nil {
			return nil, m2merrors.NewDataError("decode "+key, err)
		}
		o.ResourceKind = o.Common.ResourceType
		return o, nil
	}
	if err := json.Unmarshal(raw, r); err != nil {
		return nil, m2merrors.NewDataError("decode "+key, err)
	}
	return r, nil
}
