// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

// Package main runs a oneM2M application: it enrolls the AE, serves the
// notification endpoints and logs the content instances added to a
// container.
package main

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/joho/godotenv"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"golang.org/x/sync/errgroup"

	"github.com/absmach/onem2m"
	"github.com/absmach/onem2m/pkg/application"
	"github.com/absmach/onem2m/pkg/breaker"
	"github.com/absmach/onem2m/pkg/connection"
	"github.com/absmach/onem2m/pkg/credstore"
	"github.com/absmach/onem2m/pkg/enrollment"
	m2merrors "github.com/absmach/onem2m/pkg/errors"
	"github.com/absmach/onem2m/pkg/health"
	"github.com/absmach/onem2m/pkg/metrics"
	"github.com/absmach/onem2m/pkg/ratelimit"
	httpserver "github.com/absmach/onem2m/pkg/server/http"
	"github.com/absmach/onem2m/pkg/server/udp"
	"github.com/absmach/onem2m/pkg/transport"
	coapbinding "github.com/absmach/onem2m/pkg/transport/coap"
	httpbinding "github.com/absmach/onem2m/pkg/transport/http"
)

const envPrefix = "ONEM2M_"

func main() {
	ctx, cancel := context.WithCancel(context.Background())
	g, ctx := errgroup.WithContext(ctx)

	dotenvErr := godotenv.Load()

	cfg, err := onem2m.NewConfig(env.Options{Prefix: envPrefix})
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load configuration: %s\n", err)
		os.Exit(1)
	}

	logger := newLogger(cfg.LogLevel, cfg.LogFormat)
	if dotenvErr != nil {
		logger.Debug("no .env file found, using environment variables")
	}

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	m := metrics.New("onem2m", reg)

	checker := health.NewChecker(10 * time.Second)

	g.Go(func() error {
		return StopSignalHandler(ctx, cancel, logger)
	})

	g.Go(func() error {
		return httpserver.New(httpserver.Config{
			Name:            "metrics",
			Address:         cfg.MetricsAddress,
			ShutdownTimeout: cfg.ShutdownTimeout,
			Logger:          logger,
		}, promhttp.HandlerFor(reg, promhttp.HandlerOpts{Registry: reg})).Listen(ctx)
	})
	g.Go(func() error {
		return httpserver.New(httpserver.Config{
			Name:            "health",
			Address:         cfg.HealthAddress,
			ShutdownTimeout: cfg.ShutdownTimeout,
			Logger:          logger,
		}, checker.Handler()).Listen(ctx)
	})

	g.Go(func() error {
		return run(ctx, g, cfg, checker, m, logger)
	})

	if err := g.Wait(); err != nil {
		logger.Error(fmt.Sprintf("oneM2M client terminated with error: %s", err))
		os.Exit(1)
	}
	logger.Info("oneM2M client stopped")
}

// run enrolls, builds the operational connection and serves notifications
// until ctx is done.
func run(ctx context.Context, g *errgroup.Group, cfg onem2m.Config, checker *health.Checker, m *metrics.Metrics, logger *slog.Logger) error {
	store, err := newStore(ctx, cfg)
	if err != nil {
		return err
	}

	rootCAs, err := loadRootCAs(cfg.CSECACert)
	if err != nil {
		return err
	}

	conn, err := newConnection(cfg, rootCAs, nil, m, logger)
	if err != nil {
		return err
	}

	if cfg.CAURL != "" {
		conn, err = enroll(ctx, cfg, conn, rootCAs, store, m, logger)
		if err != nil {
			return err
		}
		checker.Register("credential", func(ctx context.Context) error {
			cert, err := credstore.Load(ctx, store, cfg.CredentialPassword)
			if err != nil {
				return err
			}
			if time.Now().After(cert.Leaf.NotAfter) {
				return fmt.Errorf("credential expired at %s", cert.Leaf.NotAfter.Format(time.RFC3339))
			}
			return nil
		})
	}
	defer conn.Close()

	app := application.New(conn, application.Config{
		CSEID:                      cfg.CSEID,
		CSEName:                    cfg.CSEName,
		Originator:                 cfg.CredentialID,
		NotificationURI:            cfg.NotificationURI,
		DeleteSubscriptionsOnClose: cfg.DeleteSubscriptions,
		Logger:                     logger,
		Metrics:                    m,
	})
	defer app.Wait()

	checker.RegisterCritical("cse", func(ctx context.Context) error {
		_, err := app.Retrieve(ctx, "")
		return err
	})

	if cfg.NotifyHTTPAddress != "" {
		g.Go(func() error {
			return httpserver.New(httpserver.Config{
				Name:            "notifications",
				Address:         cfg.NotifyHTTPAddress,
				ShutdownTimeout: cfg.ShutdownTimeout,
				Logger:          logger,
			}, conn.WebhookHandler(cfg.NotifyHTTPPath)).Listen(ctx)
		})
	}
	if cfg.NotifyCoAPAddress != "" {
		g.Go(func() error {
			return udp.New(udp.Config{
				Address:         cfg.NotifyCoAPAddress,
				ShutdownTimeout: cfg.ShutdownTimeout,
				Logger:          logger,
			}, conn).Listen(ctx)
		})
	}

	if cfg.ObserveContainerPath == "" || cfg.NotificationURI == "" {
		<-ctx.Done()
		return nil
	}
	return observe(ctx, app, cfg.ObserveContainerPath, logger)
}

// enroll runs the enrollment handshake over the bootstrap connection and
// returns a connection that presents the obtained certificate.
func enroll(ctx context.Context, cfg onem2m.Config, bootstrap *connection.Connection, rootCAs *x509.CertPool, store credstore.Store, m *metrics.Metrics, logger *slog.Logger) (*connection.Connection, error) {
	defer bootstrap.Close()

	ca, err := enrollment.NewCAClient(cfg.CAURL, nil)
	if err != nil {
		return nil, err
	}

	registrar := application.New(bootstrap, application.Config{
		CSEID:      cfg.CSEID,
		CSEName:    cfg.CSEName,
		Originator: cfg.CredentialID,
		Logger:     logger,
		Metrics:    m,
	})

	var conn *connection.Connection
	rebuild := func(_ context.Context, cert tls.Certificate) error {
		c, err := newConnection(cfg, rootCAs, &cert, m, logger)
		if err != nil {
			return err
		}
		conn = c
		return nil
	}

	var poa []string
	if cfg.NotificationURI != "" {
		poa = []string{cfg.NotificationURI}
	}
	res, err := enrollment.New(registrar, ca, store, enrollment.Config{
		AppID:         cfg.AppID,
		AppName:       cfg.AppName,
		CredentialID:  cfg.CredentialID,
		PointOfAccess: poa,
		Password:      cfg.CredentialPassword,
		OnEnrolled:    rebuild,
		Logger:        logger,
		Metrics:       m,
	}).Enroll(ctx)
	if err != nil {
		var ee *m2merrors.EnrollmentError
		if errors.As(err, &ee) {
			logger.Error("enrollment failed", slog.String("step", ee.Step), slog.String("error", ee.Err.Error()))
		}
		return nil, err
	}
	if !res.Enrolled {
		if err := rebuild(ctx, res.Certificate); err != nil {
			return nil, err
		}
	}
	return conn, nil
}

func observe(ctx context.Context, app *application.Application, path string, logger *slog.Logger) error {
	if err := app.EnsureContainer(ctx, path); err != nil {
		return fmt.Errorf("failed to ensure container %s: %w", path, err)
	}

	latest, ok, err := application.GetLatestContentInstance[any](ctx, app, path)
	switch {
	case err != nil:
		logger.Warn("failed to read latest content instance", slog.String("error", err.Error()))
	case ok:
		logger.Info("latest content instance", slog.String("container", path), slog.Any("content", latest))
	}

	stream, err := application.ObserveContentInstance[any](ctx, app, path)
	if err != nil {
		return fmt.Errorf("failed to observe %s: %w", path, err)
	}
	defer stream.Close()
	logger.Info("observing container", slog.String("container", path), slog.String("subscription", stream.Reference))

	for {
		select {
		case <-ctx.Done():
			return nil
		case v, ok := <-stream.C:
			if !ok {
				return nil
			}
			logger.Info("content instance", slog.String("container", path), slog.Any("content", v))
		}
	}
}

func newConnection(cfg onem2m.Config, rootCAs *x509.CertPool, cert *tls.Certificate, m *metrics.Metrics, logger *slog.Logger) (*connection.Connection, error) {
	binding, err := newBinding(cfg, rootCAs, cert)
	if err != nil {
		return nil, err
	}

	return connection.New(binding, connection.Config{
		Logger:  logger,
		Metrics: m,
		Breaker: breaker.New(breaker.Config{
			MaxFailures:  cfg.BreakerMaxFailures,
			ResetTimeout: cfg.BreakerResetTimeout,
			IsFailure:    m2merrors.IsTransport,
		}),
		Limiter: ratelimit.NewTokenBucket(cfg.RateLimitCapacity, cfg.RateLimitRefill),
	}), nil
}

func newBinding(cfg onem2m.Config, rootCAs *x509.CertPool, cert *tls.Certificate) (transport.Binding, error) {
	u, err := url.Parse(cfg.CSEURL)
	if err != nil {
		return nil, err
	}

	if u.Scheme == "coap" {
		if cert != nil {
			slog.Warn("CoAP binding has no DTLS, the client certificate is not presented")
		}
		return coapbinding.Dial(u.Host, coapbinding.WithReleaseVersion(cfg.ReleaseVersion))
	}

	opts := []httpbinding.Option{
		httpbinding.WithReleaseVersion(cfg.ReleaseVersion),
	}
	if rootCAs != nil || cert != nil {
		tlsCfg := &tls.Config{MinVersion: tls.VersionTLS12, RootCAs: rootCAs}
		if cert != nil {
			tlsCfg.Certificates = []tls.Certificate{*cert}
		}
		opts = append(opts, httpbinding.WithTLSConfig(tlsCfg))
	}
	opts = append(opts, httpbinding.WithTimeout(cfg.RequestTimeout))
	return httpbinding.New(cfg.CSEURL, opts...)
}

func newStore(ctx context.Context, cfg onem2m.Config) (credstore.Store, error) {
	if cfg.CredentialStore == onem2m.StoreS3 {
		return credstore.NewS3(ctx, credstore.S3Config{
			Region:    cfg.S3Region,
			Bucket:    cfg.S3Bucket,
			Key:       cfg.S3Key,
			AccessID:  cfg.S3AccessID,
			AccessKey: cfg.S3AccessKey,
			Endpoint:  cfg.S3Endpoint,
		})
	}
	return credstore.NewFile(cfg.CredentialPath), nil
}

func loadRootCAs(path string) (*x509.CertPool, error) {
	if path == "" {
		return nil, nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read CSE CA certificate: %w", err)
	}
	pool := x509.NewCertPool()
	if !pool.AppendCertsFromPEM(data) {
		return nil, fmt.Errorf("no certificates in %s", path)
	}
	return pool, nil
}

// newLogger creates a structured logger with the specified level and format.
func newLogger(level, format string) *slog.Logger {
	var lvl slog.Level
	switch strings.ToLower(level) {
	case "debug":
		lvl = slog.LevelDebug
	case "warn":
		lvl = slog.LevelWarn
	case "error":
		lvl = slog.LevelError
	default:
		lvl = slog.LevelInfo
	}

	opts := &slog.HandlerOptions{Level: lvl}
	var h slog.Handler
	if format == "json" {
		h = slog.NewJSONHandler(os.Stdout, opts)
	} else {
		h = slog.NewTextHandler(os.Stdout, opts)
	}
	logger := slog.New(h)
	slog.SetDefault(logger)
	return logger
}

func StopSignalHandler(ctx context.Context, cancel context.CancelFunc, logger *slog.Logger) error {
	c := make(chan os.Signal, 2)
	signal.Notify(c, syscall.SIGINT, syscall.SIGTERM)
	select {
	case sig := <-c:
		logger.Info("received shutdown signal", slog.String("signal", sig.String()))
		cancel()
		return nil
	case <-ctx.Done():
		return nil
	}
}
