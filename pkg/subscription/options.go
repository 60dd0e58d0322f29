// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package subscription

import "github.com/absmach/onem2m/pkg/primitive"

// Option configures an Observe call.
type Option func(*options)

type options struct {
	name       string
	eventTypes []primitive.NotificationEventType
}

// WithName looks for, or creates, a Subscription with the given resource
// name. Named observations of the same target are tracked separately.
func WithName(name string) Option {
	return func(o *options) {
		o.name = name
	}
}

// WithEventTypes sets the events the Subscription reports. Child creation
// is the default.
func WithEventTypes(types ...primitive.NotificationEventType) Option {
	return func(o *options) {
		o.eventTypes = append([]primitive.NotificationEventType(nil), types...)
	}
}

func newOptions(opts []Option) options {
	var o options
	for _, opt := range opts {
		opt(&o)
	}
	if len(o.eventTypes) == 0 {
		o.eventTypes = []primitive.NotificationEventType{primitive.EventCreateChild}
	}
	return o
}

func (o options) key(path string) string {
	if o.name == "" {
		return path
	}
	return path + "#" + o.name
}
