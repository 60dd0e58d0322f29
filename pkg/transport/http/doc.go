// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

// Package http implements the oneM2M HTTP protocol binding.
//
// # Method Mapping
//
// Operations are mapped to HTTP methods:
//   - Retrieve: GET
//   - Update: PUT
//   - Delete: DELETE
//   - Create, Notify: POST
//
// # Addressing
//
// The request target is translated into the request path:
//   - "//sp/cse/app" → "/_/sp/cse/app" (absolute)
//   - "/cse/app" → "/~/cse/app" (SP-relative)
//   - "cse/app" → "/cse/app" (CSE-relative)
//
// # Headers and Query
//
// Header-class parameters travel as X-M2M-* headers (Origin, RI, GID, OT, RST,
// RET, OET, EC, RTU). Everything produced by primitive.Request.Params is sent
// in the query string, in order, with multi-valued fields repeated:
//
//	GET /~/id-in/cse-in/app?rcn=6&fu=1&ty=3&ty=4&lbl=room
//
// Bodies are JSON with the resource type in the content type:
//
//	Content-Type: application/json;ty=4
//
// # Response Handling
//
// The oneM2M status travels in X-M2M-RSC. A status of 4000 or above is a
// *errors.ProtocolError carrying m2m:dbg. A non-2xx HTTP status without a
// failure RSC is a *errors.TransportError. An empty body on success is a
// *errors.DataError unless the request asked for no result content (rcn=0).
package http
