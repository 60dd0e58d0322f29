// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package application

import (
	"context"
	"log/slog"
	"sync"

	"golang.org/x/sync/errgroup"

	m2merrors "github.com/absmach/onem2m/pkg/errors"
	"github.com/absmach/onem2m/pkg/primitive"
	"github.com/absmach/onem2m/pkg/subscription"
)

// maxConcurrentRetrieves bounds the retrieves issued by one
// GetLatestContentInstance call.
const maxConcurrentRetrieves = 16

// GetLatestContentInstance returns the content of the most recently created
// instance of the container at path. It reports false when the container
// has no instances or does not exist.
func GetLatestContentInstance[T any](ctx context.Context, app *Application, path string) (T, bool, error) {
	var zero T

	uris, err := app.Discover(ctx, path, &primitive.FilterCriteria{
		ResourceTypes: []primitive.ResourceType{primitive.TypeContentInstance},
		Level:         1,
	})
	switch {
	case m2merrors.IsNotFound(err):
		return zero, false, nil
	case err != nil:
		return zero, false, err
	case len(uris) == 0:
		return zero, false, nil
	}

	cins := make([]*primitive.ContentInstance, len(uris))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(maxConcurrentRetrieves)
	for i, uri := range uris {
		g.Go(func() error {
			r, err := app.Retrieve(gctx, uri)
			if m2merrors.IsNotFound(err) {
				return nil
			}
			if err != nil {
				return err
			}
			cin, ok := r.(*primitive.ContentInstance)
			if !ok {
				return m2merrors.NewDataError(uri+" is not a content instance", m2merrors.ErrProtocolViolation)
			}
			cins[i] = cin
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return zero, false, err
	}

	var latest *primitive.ContentInstance
	for _, cin := range cins {
		if cin != nil && (latest == nil || !cin.Created().Before(latest.Created())) {
			latest = cin
		}
	}
	if latest == nil {
		return zero, false, nil
	}

	var v T
	if err := latest.DecodeContent(&v); err != nil {
		return zero, false, err
	}
	return v, true, nil
}

// Stream delivers the typed content of new content instances.
type Stream[T any] struct {
	// C is closed by Close.
	C <-chan T
	// Reference is the address of the Subscription feeding the stream.
	Reference string

	obs  *subscription.Observation
	done chan struct{}
	once sync.Once
}

// Close stops the stream and releases its Subscription reference.
func (s *Stream[T]) Close() {
	s.once.Do(func() {
		close(s.done)
		s.obs.Close()
	})
}

// ObserveContentInstance observes the container at path and decodes the
// content of every instance notified into T. Notifications without an
// instance or with undecodable content are dropped.
func ObserveContentInstance[T any](ctx context.Context, app *Application, path string, opts ...subscription.Option) (*Stream[T], error) {
	obs, err := app.Observe(ctx, path, opts...)
	if err != nil {
		return nil, err
	}

	out := make(chan T)
	s := &Stream[T]{
		C:         out,
		Reference: obs.Reference,
		obs:       obs,
		done:      make(chan struct{}),
	}

	go func() {
		defer close(out)
		for ev := range obs.C {
			v, ok := decodeEvent[T](app.logger, ev)
			if !ok {
				continue
			}
			select {
			case out <- v:
			case <-s.done:
				return
			}
		}
	}()
	return s, nil
}

func decodeEvent[T any](logger *slog.Logger, ev *primitive.NotificationEvent) (T, bool) {
	var v T
	rep, err := ev.Representation()
	if err != nil {
		logger.Debug("dropping notification without representation", slog.String("error", err.Error()))
		return v, false
	}
	cin, ok := rep.(*primitive.ContentInstance)
	if !ok {
		logger.Debug("dropping notification for non content instance", slog.String("resource", rep.Key()))
		return v, false
	}
	if err := cin.DecodeContent(&v); err != nil {
		logger.Debug("dropping undecodable content",
			slog.String("resource", cin.ResourceName),
			slog.String("error", err.Error()))
		return v, false
	}
	return v, true
}
