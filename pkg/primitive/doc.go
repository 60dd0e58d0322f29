// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

// Package primitive holds the transport-agnostic oneM2M request and response
// primitives.
//
// A Request is mapped onto a canonical, ordered list of protocol parameters
// (see Request.Params) which both transport bindings serialize unchanged, so a
// request renders byte-identical query values over HTTP and CoAP. Resource
// payloads are modelled as a closed sum type (AE, Container, ContentInstance,
// Subscription and Opaque for everything else).
package primitive
