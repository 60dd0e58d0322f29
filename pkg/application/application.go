// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

// Package application is the resource-level client of an Application
// Entity: CRUD on the resource tree plus container, content instance and
// observation helpers.
package application

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	m2merrors "github.com/absmach/onem2m/pkg/errors"
	"github.com/absmach/onem2m/pkg/metrics"
	"github.com/absmach/onem2m/pkg/primitive"
	"github.com/absmach/onem2m/pkg/subscription"
)

// Conn sends requests and carries inbound notifications. *connection.Connection
// implements it.
type Conn interface {
	subscription.Requester
	subscription.Source
}

// Config configures an Application.
type Config struct {
	// CSEID is the SP-relative CSE identifier, e.g. "/id-in".
	CSEID string
	// CSEName is the resource name of the CSEBase, e.g. "cse-in".
	CSEName string
	// Originator is sent as the From of every request that has none.
	Originator string
	// NotificationURI is the callback address the CSE posts notifications to.
	NotificationURI string
	// DeleteSubscriptionsOnClose removes Subscriptions nobody observes anymore.
	DeleteSubscriptionsOnClose bool
	Logger                     *slog.Logger
	Metrics                    *metrics.Metrics
}

// Application addresses the resource tree of one CSE on behalf of one
// originator. It is safe for concurrent use.
type Application struct {
	conn   Conn
	cseID  string
	base   string
	from   string
	logger *slog.Logger
	subs   *subscription.Multiplexer
}

// New creates an Application over conn.
func New(conn Conn, cfg Config) *Application {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	cseID := "/" + strings.Trim(cfg.CSEID, "/")

	return &Application{
		conn:   conn,
		cseID:  cseID,
		base:   cseID + "/" + strings.Trim(cfg.CSEName, "/"),
		from:   cfg.Originator,
		logger: cfg.Logger,
		subs: subscription.New(conn, conn, subscription.Config{
			Originator:      cfg.Originator,
			NotificationURI: cfg.NotificationURI,
			DeleteOnClose:   cfg.DeleteSubscriptionsOnClose,
			Logger:          cfg.Logger,
			Metrics:         cfg.Metrics,
		}),
	}
}

// Originator returns the identity requests are sent as.
func (a *Application) Originator() string {
	return a.from
}

// Base returns the SP-relative address of the CSEBase.
func (a *Application) Base() string {
	return a.base
}

// Resolve turns path into a request target. Absolute paths are kept, the
// empty path and "." address the CSEBase and any other path is taken as
// CSE-relative under the CSE identifier.
func (a *Application) Resolve(path string) string {
	switch {
	case path == "" || path == ".":
		return a.base
	case strings.HasPrefix(path, "/"):
		return path
	default:
		return a.cseID + "/" + path
	}
}

// Send resolves the target of req, fills in the originator and sends it.
func (a *Application) Send(ctx context.Context, req *primitive.Request) (*primitive.Response, error) {
	r := *req
	r.To = a.Resolve(r.To)
	if r.From == "" {
		r.From = a.from
	}
	return a.conn.Send(ctx, &r)
}

// Create creates r as a child of parent.
func (a *Application) Create(ctx context.Context, parent string, r primitive.Resource) (*primitive.Response, error) {
	return a.Send(ctx, &primitive.Request{
		Operation:    primitive.Create,
		To:           parent,
		ResourceType: r.Type(),
		Content:      r,
	})
}

// Retrieve returns the resource at path.
func (a *Application) Retrieve(ctx context.Context, path string) (primitive.Resource, error) {
	res, err := a.Send(ctx, &primitive.Request{Operation: primitive.Retrieve, To: path})
	if err != nil {
		return nil, err
	}
	if res.Content == nil {
		return nil, m2merrors.NewDataError("retrieve "+path, m2merrors.ErrEmptyBody)
	}
	return res.Content, nil
}

// Update applies the attributes set in r to the resource at path and
// returns the updated representation.
func (a *Application) Update(ctx context.Context, path string, r primitive.Resource) (primitive.Resource, error) {
	res, err := a.Send(ctx, &primitive.Request{
		Operation: primitive.Update,
		To:        path,
		Content:   r,
	})
	if err != nil {
		return nil, err
	}
	return res.Content, nil
}

// Delete removes every path. Resources that do not exist are skipped; the
// remaining failures are joined.
func (a *Application) Delete(ctx context.Context, paths ...string) error {
	var errs []error
	for _, p := range paths {
		_, err := a.Send(ctx, &primitive.Request{
			Operation:     primitive.Delete,
			To:            p,
			ResultContent: primitive.Ptr(primitive.ResultNothing),
		})
		switch {
		case err == nil:
		case m2merrors.IsNotFound(err):
			a.logger.Debug("resource already deleted", slog.String("path", p))
		default:
			errs = append(errs, fmt.Errorf("delete %s: %w", p, err))
		}
	}
	return errors.Join(errs...)
}

// Discover returns the structured addresses of the resources under path
// that match fc.
func (a *Application) Discover(ctx context.Context, path string, fc *primitive.FilterCriteria) ([]string, error) {
	f := primitive.FilterCriteria{}
	if fc != nil {
		f = *fc
	}
	f.FilterUsage = primitive.FilterDiscovery

	res, err := a.Send(ctx, &primitive.Request{
		Operation:           primitive.Retrieve,
		To:                  path,
		FilterCriteria:      &f,
		DiscoveryResultType: primitive.DiscoveryStructured,
	})
	if err != nil {
		return nil, err
	}
	return res.URIList, nil
}

// EnsureContainer makes sure a container exists at path, creating it and
// any missing parent containers.
func (a *Application) EnsureContainer(ctx context.Context, path string) error {
	path = strings.TrimRight(path, "/")
	switch path {
	case "", ".":
		return nil
	}

	_, err := a.Retrieve(ctx, path)
	switch {
	case err == nil:
		return nil
	case !m2merrors.IsNotFound(err):
		return err
	}

	parent, name := split(path)
	if err := a.EnsureContainer(ctx, parent); err != nil {
		return err
	}

	_, err = a.Create(ctx, parent, &primitive.Container{Common: primitive.Common{ResourceName: name}})
	if m2merrors.IsConflict(err) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("create container %s: %w", path, err)
	}
	a.logger.Info("container created", slog.String("path", path))
	return nil
}

// AddContentInstance stores content as a new instance of the container at
// containerPath and returns the created instance.
func (a *Application) AddContentInstance(ctx context.Context, containerPath string, content any) (*primitive.ContentInstance, error) {
	cin, err := primitive.NewContentInstance(content)
	if err != nil {
		return nil, err
	}
	res, err := a.Create(ctx, containerPath, cin)
	if err != nil {
		return nil, err
	}
	if created, ok := res.Content.(*primitive.ContentInstance); ok {
		return created, nil
	}
	return cin, nil
}

// Observe returns an observation of the events of the resource at path.
func (a *Application) Observe(ctx context.Context, path string, opts ...subscription.Option) (*subscription.Observation, error) {
	return a.subs.Observe(ctx, a.Resolve(path), opts...)
}

// FindAE looks up the AE registered with appID under the CSEBase.
func (a *Application) FindAE(ctx context.Context, appID string) (*primitive.AE, bool, error) {
	uris, err := a.Discover(ctx, "", &primitive.FilterCriteria{
		ResourceTypes: []primitive.ResourceType{primitive.TypeAE},
		Attributes:    []primitive.Attribute{{Name: "appID", Value: appID}},
		Level:         1,
	})
	if err != nil {
		return nil, false, err
	}

	for _, uri := range uris {
		r, err := a.Retrieve(ctx, uri)
		if m2merrors.IsNotFound(err) {
			continue
		}
		if err != nil {
			return nil, false, err
		}
		if ae, ok := r.(*primitive.AE); ok && ae.AppID == appID {
			return ae, true, nil
		}
	}
	return nil, false, nil
}

// RegisterAE creates ae under the CSEBase as originator and returns the
// registered representation.
func (a *Application) RegisterAE(ctx context.Context, originator string, ae *primitive.AE) (*primitive.AE, error) {
	res, err := a.Send(ctx, &primitive.Request{
		Operation:    primitive.Create,
		From:         originator,
		ResourceType: primitive.TypeAE,
		Content:      ae,
	})
	if err != nil {
		return nil, err
	}
	registered, ok := res.Content.(*primitive.AE)
	if !ok {
		return nil, m2merrors.NewDataError("AE registration response carries no AE", m2merrors.ErrProtocolViolation)
	}
	return registered, nil
}

// Wait blocks until background Subscription removals have finished.
func (a *Application) Wait() {
	a.subs.Wait()
}

func split(path string) (parent, name string) {
	i := strings.LastIndex(path, "/")
	switch {
	case i < 0:
		return "", path
	case i == 0:
		return "/", path[1:]
	default:
		return path[:i], path[i+1:]
	}
}
