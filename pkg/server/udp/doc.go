// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

// Package udp implements the CoAP notification listener.
//
// Datagrams are read by a single loop and queued to a worker pool. Each
// worker decodes one CoAP message, checks it against the duplicate
// detection state of the sending peer, hands requests to the Handler and
// writes the response:
//
//	CON request -> piggybacked ACK, same message id and token
//	NON request -> NON response, fresh message id, same token
//	ACK, RST    -> ignored
//
// A retransmitted CON gets the cached response again without reaching
// the Handler. Message ids are remembered for EXCHANGE_LIFETIME. Peers idle
// for longer than SessionTimeout are forgotten once none is left.
//
// # Example
//
//	srv := udp.New(udp.Config{Address: ":5683"}, conn)
//	if err := srv.Listen(ctx); err != nil {
//		log.Fatal(err)
//	}
package udp
