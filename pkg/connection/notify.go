// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package connection

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"

	"github.com/gorilla/handlers"
	"github.com/gorilla/mux"
	"github.com/plgd-dev/go-coap/v3/message/codes"
	"github.com/plgd-dev/go-coap/v3/message/pool"

	"github.com/absmach/onem2m/pkg/primitive"
	coapbinding "github.com/absmach/onem2m/pkg/transport/coap"
	httpbinding "github.com/absmach/onem2m/pkg/transport/http"
)

const maxNotificationSize = 4 << 20

// WebhookHandler returns the HTTP handler that receives notifications posted
// by the CSE to path. Every accepted POST is answered with status 2000 so
// the CSE does not retry or drop the subscription.
func (c *Connection) WebhookHandler(path string) http.Handler {
	r := mux.NewRouter()
	r.HandleFunc(path, c.serveWebhook).Methods(http.MethodPost)

	return handlers.RecoveryHandler(
		handlers.RecoveryLogger(recoveryLogger{c.logger}),
	)(r)
}

func (c *Connection) serveWebhook(w http.ResponseWriter, r *http.Request) {
	ri := r.Header.Get(httpbinding.HeaderRequestID)

	if req, err := httpbinding.DecodeRequest(r); err != nil {
		c.logger.Debug("undecodable notification headers",
			slog.String("remote", r.RemoteAddr),
			slog.String("error", err.Error()))
	} else if req.Operation != primitive.Notify {
		c.logger.Debug("unexpected operation on notification endpoint",
			slog.String("operation", req.Operation.String()),
			slog.String("from", req.From))
	}

	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxNotificationSize))
	if err != nil {
		c.logger.Warn("failed to read notification body",
			slog.String("remote", r.RemoteAddr),
			slog.String("error", err.Error()))
	} else {
		c.Ingest(r.Context(), httpbinding.Name, body)
	}

	if ri != "" {
		w.Header().Set(httpbinding.HeaderRequestID, ri)
	}
	w.Header().Set(httpbinding.HeaderStatus, primitive.StatusOK.String())
	w.WriteHeader(http.StatusOK)
}

// ServeCoAP handles a CoAP request received by the notification listener
// and returns the response code. Like the webhook, it answers 2.04 to any
// request on the notification path so the CSE does not redeliver.
func (c *Connection) ServeCoAP(ctx context.Context, msg *pool.Message) codes.Code {
	path, _ := msg.Options().Path()
	if strings.Trim(path, "/") != c.notifyPath {
		return codes.NotFound
	}

	if req, err := coapbinding.DecodeMessage(msg); err != nil {
		c.logger.Debug("undecodable notification options",
			slog.String("error", err.Error()))
	} else if req.Operation != primitive.Notify {
		c.logger.Debug("unexpected operation on notification endpoint",
			slog.String("operation", req.Operation.String()),
			slog.String("from", req.From))
	}

	body, err := msg.ReadBody()
	if err != nil {
		c.logger.Warn("failed to read notification body",
			slog.String("error", err.Error()))
	} else {
		c.Ingest(ctx, coapbinding.Name, body)
	}
	return codes.Changed
}

type recoveryLogger struct {
	logger *slog.Logger
}

func (l recoveryLogger) Println(v ...interface{}) {
	l.logger.Error("recovered from panic", slog.String("error", strings.TrimSpace(fmt.Sprintln(v...))))
}
