// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

// Package transport defines the contract shared by the oneM2M protocol
// bindings. Bindings live in the http and coap subpackages.
package transport

import (
	"context"
	"strings"

	"github.com/absmach/onem2m/pkg/primitive"
)

// Binding encodes a request primitive for one transport, sends it and
// decodes the answer. Implementations must be safe for concurrent use and
// keep no per-request state between calls.
//
// Send returns a *errors.TransportError when the request could not be
// delivered, a *errors.ProtocolError when the CSE answered with a failure
// status and a *errors.DataError when a successful answer is unusable.
type Binding interface {
	// Name identifies the transport in logs and metrics.
	Name() string
	Send(ctx context.Context, req *primitive.Request) (*primitive.Response, error)
}

// Path prefixes of the two absolute addressing forms.
const (
	AbsolutePrefix   = "_"
	SPRelativePrefix = "~"
)

// Segments splits a target into path segments using the oneM2M addressing
// convention: "//x" is absolute ("_" root), "/x" is SP-relative ("~" root)
// and anything else is CSE-relative.
func Segments(to string) []string {
	var segs []string
	switch {
	case strings.HasPrefix(to, "//"):
		segs = append(segs, AbsolutePrefix)
		to = to[2:]
	case strings.HasPrefix(to, "/"):
		segs = append(segs, SPRelativePrefix)
		to = to[1:]
	}
	return append(segs, splitPath(to)...)
}

// Target reverses Segments.
func Target(segs []string) string {
	if len(segs) == 0 {
		return ""
	}
	switch segs[0] {
	case AbsolutePrefix:
		return "//" + strings.Join(segs[1:], "/")
	case SPRelativePrefix:
		return "/" + strings.Join(segs[1:], "/")
	}
	return strings.Join(segs, "/")
}

func splitPath(p string) []string {
	return strings.FieldsFunc(p, func(r rune) bool { return r == '/' })
}
