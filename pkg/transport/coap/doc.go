// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

// Package coap implements the oneM2M CoAP protocol binding on top of go-coap.
//
// Header-class parameters travel in the oneM2M option range (FR=256,
// RQI=257, OT=259, RQET=260, RSET=261, OET=262, RTURI=263, EC=264, RSC=265,
// GID=266, TY=267). Canonical parameters are Uri-Query options of the form
// key=value. Failed requests surface as *errors.TransportError carrying the
// CoAP code, or errors.CodeTimeout / errors.CodeRejected when no response
// arrived.
package coap
