// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

// Package onem2m holds the configuration of the oneM2M client binary.
package onem2m

import (
	"errors"
	"fmt"
	"net/url"
	"time"

	"github.com/caarlos0/env/v11"
)

// Credential store kinds.
const (
	StoreFile = "file"
	StoreS3   = "s3"
)

// Config holds the client configuration, read from the environment.
type Config struct {
	LogLevel  string `env:"LOG_LEVEL"  envDefault:"info"`
	LogFormat string `env:"LOG_FORMAT" envDefault:"json"`

	// CSEURL selects the transport by scheme: http, https or coap.
	CSEURL         string        `env:"CSE_URL"         envDefault:"http://localhost:8080"`
	CSEID          string        `env:"CSE_ID"          envDefault:"/id-in"`
	CSEName        string        `env:"CSE_NAME"        envDefault:"cse-in"`
	CSECACert      string        `env:"CSE_CA_CERT"`
	ReleaseVersion string        `env:"RELEASE_VERSION" envDefault:"3"`
	RequestTimeout time.Duration `env:"REQUEST_TIMEOUT" envDefault:"30s"`

	AppID        string `env:"APP_ID"        envDefault:"Nonem2m-client"`
	AppName      string `env:"APP_NAME"`
	CredentialID string `env:"CREDENTIAL_ID" envDefault:"Conem2m-client"`

	NotificationURI      string `env:"NOTIFICATION_URI"`
	NotifyHTTPAddress    string `env:"NOTIFY_HTTP_ADDRESS" envDefault:":8090"`
	NotifyHTTPPath       string `env:"NOTIFY_HTTP_PATH"    envDefault:"/notify"`
	NotifyCoAPAddress    string `env:"NOTIFY_COAP_ADDRESS"`
	DeleteSubscriptions  bool   `env:"DELETE_SUBSCRIPTIONS_ON_CLOSE" envDefault:"false"`
	ObserveContainerPath string `env:"OBSERVE_CONTAINER"`

	CAURL              string `env:"CA_URL"`
	CredentialPassword string `env:"CREDENTIAL_PASSWORD"`
	CredentialStore    string `env:"CREDENTIAL_STORE" envDefault:"file"`
	CredentialPath     string `env:"CREDENTIAL_PATH"  envDefault:"credentials/client.p12"`

	S3Region    string `env:"S3_REGION"     envDefault:"us-east-1"`
	S3Bucket    string `env:"S3_BUCKET"`
	S3Key       string `env:"S3_KEY"        envDefault:"client.p12"`
	S3Endpoint  string `env:"S3_ENDPOINT"`
	S3AccessID  string `env:"S3_ACCESS_ID"`
	S3AccessKey string `env:"S3_ACCESS_KEY"`

	BreakerMaxFailures  int           `env:"BREAKER_MAX_FAILURES"  envDefault:"5"`
	BreakerResetTimeout time.Duration `env:"BREAKER_RESET_TIMEOUT" envDefault:"60s"`
	RateLimitCapacity   int64         `env:"RATE_LIMIT_CAPACITY"   envDefault:"100"`
	RateLimitRefill     int64         `env:"RATE_LIMIT_REFILL"     envDefault:"50"`

	MetricsAddress  string        `env:"METRICS_ADDRESS"  envDefault:":9090"`
	HealthAddress   string        `env:"HEALTH_ADDRESS"   envDefault:":8081"`
	ShutdownTimeout time.Duration `env:"SHUTDOWN_TIMEOUT" envDefault:"30s"`
}

// NewConfig parses the environment into a Config and validates it.
func NewConfig(opts env.Options) (Config, error) {
	c := Config{}
	if err := env.ParseWithOptions(&c, opts); err != nil {
		return Config{}, err
	}
	if err := c.Validate(); err != nil {
		return Config{}, err
	}
	return c, nil
}

// Validate checks the settings that cannot be defaulted.
func (c Config) Validate() error {
	u, err := url.Parse(c.CSEURL)
	if err != nil {
		return fmt.Errorf("invalid CSE URL: %w", err)
	}
	switch u.Scheme {
	case "http", "https", "coap":
	default:
		return fmt.Errorf("unsupported CSE URL scheme %q", u.Scheme)
	}
	if c.AppID == "" {
		return errors.New("app ID must not be empty")
	}
	switch c.CredentialStore {
	case StoreFile:
	case StoreS3:
		if c.S3Bucket == "" {
			return errors.New("S3 credential store requires a bucket")
		}
	default:
		return fmt.Errorf("unknown credential store %q", c.CredentialStore)
	}
	if c.CAURL != "" && c.CredentialPassword == "" {
		return errors.New("enrollment requires a credential password")
	}
	return nil
}
