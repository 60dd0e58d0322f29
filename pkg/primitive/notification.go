// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package primitive

import (
	"bytes"
	"strings"
	"sync"

	json "github.com/goccy/go-json"

	m2merrors "github.com/absmach/onem2m/pkg/errors"
)

// Notification is a single m2m:sgn record pushed by the CSE.
type Notification struct {
	SubscriptionReference string             `json:"sur,omitempty"`
	Creator               string             `json:"cr,omitempty"`
	VerificationRequest   bool               `json:"vrq,omitempty"`
	SubscriptionDeletion  bool               `json:"sud,omitempty"`
	Event                 *NotificationEvent `json:"nev,omitempty"`
}

// NotificationEvent carries the event type and the raw representation.
// The typed representation is parsed on first use.
type NotificationEvent struct {
	Type NotificationEventType `json:"net,omitempty"`
	Raw  json.RawMessage       `json:"rep,omitempty"`

	once sync.Once
	rep  Resource
	err  error
}

// EventType returns the event type, defaulting to child creation.
func (e *NotificationEvent) EventType() NotificationEventType {
	if e.Type == 0 {
		return EventCreateChild
	}
	return e.Type
}

// Representation returns the parsed resource carried by the event.
func (e *NotificationEvent) Representation() (Resource, error) {
	e.once.Do(func() {
		if len(bytes.TrimSpace(e.Raw)) == 0 || bytes.Equal(e.Raw, []byte("null")) {
			e.err = m2merrors.NewDataError("notification has no representation", m2merrors.ErrEmptyBody)
			return
		}
		e.rep, e.err = UnmarshalContent(e.Raw)
	})
	return e.rep, e.err
}

type notificationBody struct {
	Single     json.RawMessage `json:"m2m:sgn"`
	Aggregated *struct {
		Single json.RawMessage `json:"m2m:sgn"`
	} `json:"m2m:agn"`
}

// ParseNotifications decodes a notification body holding a single m2m:sgn,
// an array of them, or an aggregated m2m:agn batch.
func ParseNotifications(body []byte) ([]Notification, error) {
	body = bytes.TrimSpace(body)
	if len(body) == 0 {
		return nil, m2merrors.NewDataError("notification", m2merrors.ErrEmptyBody)
	}
	var nb notificationBody
	if err := json.Unmarshal(body, &nb); err != nil {
		return nil, m2merrors.NewDataError("decode notification", err)
	}
	raw := nb.Single
	if len(raw) == 0 && nb.Aggregated != nil {
		raw = nb.Aggregated.Single
	}
	if len(raw) == 0 {
		return nil, m2merrors.NewDataError("notification", m2merrors.ErrProtocolViolation)
	}
	if raw[0] == '[' {
		var ns []Notification
		if err := json.Unmarshal(raw, &ns); err != nil {
			return nil, m2merrors.NewDataError("decode notification", err)
		}
		return ns, nil
	}
	var n Notification
	if err := json.Unmarshal(raw, &n); err != nil {
		return nil, m2merrors.NewDataError("decode notification", err)
	}
	return []Notification{n}, nil
}

// MatchesReference reports whether two subscription references address the
// same resource. A reference matches its SP-relative and absolute forms,
// where the extra leading part is exactly one CSE-ID or SP-ID/CSE-ID.
func MatchesReference(a, b string) bool {
	if a == "" || b == "" {
		return false
	}
	if a == b {
		return true
	}
	for _, f := range shorterForms(a) {
		if f == b {
			return true
		}
	}
	for _, f := range shorterForms(b) {
		if f == a {
			return true
		}
	}
	return false
}

// shorterForms strips the SP-ID, then the CSE-ID, from ref.
// "//sp/cse/r" yields "/cse/r" and "r"; "/cse/r" yields "r".
func shorterForms(ref string) []string {
	var forms []string
	if rest, ok := strings.CutPrefix(ref, "//"); ok {
		if _, rest, ok = strings.Cut(rest, "/"); !ok {
			return nil
		}
		ref = "/" + rest
		forms = append(forms, ref)
	}
	if rest, ok := strings.CutPrefix(ref, "/"); ok {
		if _, rest, ok = strings.Cut(rest, "/"); ok && rest != "" {
			forms = append(forms, rest)
		}
	}
	return forms
}
