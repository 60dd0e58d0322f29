// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

// Package enrollment registers an Application Entity and obtains its client
// certificate from a certificate authority using the bootstrap token the
// CSE attaches to the AE.
package enrollment

import (
	"context"
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/sha256"
	"crypto/tls"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/base64"
	"encoding/pem"
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"time"

	"github.com/absmach/onem2m/pkg/credstore"
	m2merrors "github.com/absmach/onem2m/pkg/errors"
	"github.com/absmach/onem2m/pkg/metrics"
	"github.com/absmach/onem2m/pkg/primitive"
)

// Enrollment steps reported in errors.
const (
	StepRegister = "register"
	StepToken    = "token"
	StepCSR      = "csr"
	StepSign     = "sign"
	StepConfirm  = "confirm"
	StepPersist  = "persist"
	StepConnect  = "connect"
)

// tokenLabel is the label name carrying the bootstrap token.
const tokenLabel = "token"

// ErrNotAccepted is returned when the CA does not accept the confirmation.
var ErrNotAccepted = errors.New("certificate confirmation not accepted")

// Registrar finds and registers AEs. *application.Application implements it.
type Registrar interface {
	FindAE(ctx context.Context, appID string) (*primitive.AE, bool, error)
	RegisterAE(ctx context.Context, originator string, ae *primitive.AE) (*primitive.AE, error)
}

// Config describes the AE to enroll.
type Config struct {
	AppID   string
	AppName string
	// CredentialID is the originator used to register the AE.
	CredentialID  string
	PointOfAccess []string
	// Password protects the stored PKCS#12 container.
	Password string
	// OnEnrolled is called with the new credential, typically to rebuild the
	// connection with it.
	OnEnrolled func(context.Context, tls.Certificate) error
	Logger     *slog.Logger
	Metrics    *metrics.Metrics
}

// Result is the outcome of a successful Enroll.
type Result struct {
	AE          *primitive.AE
	Certificate tls.Certificate
	// Enrolled is false when a valid credential was already stored.
	Enrolled bool
}

// Enroller runs the enrollment handshake.
type Enroller struct {
	registrar Registrar
	ca        *CAClient
	store     credstore.Store
	cfg       Config
	logger    *slog.Logger
}

// New creates an Enroller.
func New(registrar Registrar, ca *CAClient, store credstore.Store, cfg Config) *Enroller {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.AppName == "" {
		cfg.AppName = cfg.AppID
	}
	return &Enroller{
		registrar: registrar,
		ca:        ca,
		store:     store,
		cfg:       cfg,
		logger:    cfg.Logger.With(slog.String("app_id", cfg.AppID)),
	}
}

// Enroll makes sure the AE is registered and holds a client certificate.
func (e *Enroller) Enroll(ctx context.Context) (*Result, error) {
	res, err := e.enroll(ctx)
	if e.cfg.Metrics != nil {
		outcome := "failed"
		switch {
		case err == nil && res.Enrolled:
			outcome = "enrolled"
		case err == nil:
			outcome = "already_enrolled"
		}
		e.cfg.Metrics.EnrollmentsTotal.WithLabelValues(outcome).Inc()
	}
	return res, err
}

func (e *Enroller) enroll(ctx context.Context) (*Result, error) {
	ae, err := e.ensureAE(ctx)
	if err != nil {
		return nil, &m2merrors.EnrollmentError{Step: StepRegister, Err: err}
	}

	if cert, ok := e.stored(ctx); ok {
		e.logger.Info("already enrolled", slog.String("serial", cert.Leaf.SerialNumber.String()))
		return &Result{AE: ae, Certificate: cert}, nil
	}

	token, ok := ae.Label(tokenLabel)
	if !ok || token == "" {
		return nil, &m2merrors.EnrollmentError{
			Step: StepToken,
			Err:  m2merrors.NewDataError("AE carries no "+tokenLabel+" label", nil),
		}
	}
	aeID := ae.AEID
	if aeID == "" {
		aeID = ae.ResourceID
	}
	if aeID == "" {
		return nil, &m2merrors.EnrollmentError{Step: StepToken, Err: m2merrors.NewDataError("AE has no identifier", nil)}
	}

	key, csr, err := e.request(aeID)
	if err != nil {
		return nil, &m2merrors.EnrollmentError{Step: StepCSR, Err: err}
	}

	signed, err := e.ca.Sign(ctx, SignRequest{CSR: csr, Token: token, AppID: e.cfg.AppID, AEID: aeID})
	if err != nil {
		return nil, &m2merrors.EnrollmentError{Step: StepSign, Err: err}
	}
	chain, err := e.verify(signed, key)
	if err != nil {
		return nil, &m2merrors.EnrollmentError{Step: StepSign, Err: err}
	}
	leaf := chain[0]

	sum := sha256.Sum256(leaf.Raw)
	confirmed, err := e.ca.Confirm(ctx, ConfirmRequest{
		TransactionID:   signed.TransactionID,
		CertificateHash: base64.StdEncoding.EncodeToString(sum[:]),
		SerialNumber:    leaf.SerialNumber.String(),
	})
	if err != nil {
		return nil, &m2merrors.EnrollmentError{Step: StepConfirm, Err: err}
	}
	if confirmed.Status != StatusAccepted {
		return nil, &m2merrors.EnrollmentError{
			Step: StepConfirm,
			Err:  fmt.Errorf("%w: %s", ErrNotAccepted, confirmed.Status),
		}
	}

	data, err := credstore.Encode(key, chain, e.cfg.Password)
	if err != nil {
		return nil, &m2merrors.EnrollmentError{Step: StepPersist, Err: err}
	}
	if err := e.store.Save(ctx, data); err != nil {
		return nil, &m2merrors.EnrollmentError{Step: StepPersist, Err: err}
	}

	cert := tls.Certificate{PrivateKey: key, Leaf: leaf}
	for _, c := range chain {
		cert.Certificate = append(cert.Certificate, c.Raw)
	}
	e.logger.Info("enrolled",
		slog.String("ae_id", aeID),
		slog.String("serial", leaf.SerialNumber.String()),
		slog.String("issuer", leaf.Issuer.String()),
		slog.Time("not_after", leaf.NotAfter))

	if e.cfg.OnEnrolled != nil {
		if err := e.cfg.OnEnrolled(ctx, cert); err != nil {
			return nil, &m2merrors.EnrollmentError{Step: StepConnect, Err: err}
		}
	}
	return &Result{AE: ae, Certificate: cert, Enrolled: true}, nil
}

func (e *Enroller) ensureAE(ctx context.Context) (*primitive.AE, error) {
	ae, found, err := e.registrar.FindAE(ctx, e.cfg.AppID)
	if err != nil {
		return nil, err
	}
	if found {
		return ae, nil
	}

	e.logger.Info("registering AE", slog.String("originator", e.cfg.CredentialID))
	return e.registrar.RegisterAE(ctx, e.cfg.CredentialID, &primitive.AE{
		Common:                   primitive.Common{ResourceName: e.cfg.AppName},
		AppName:                  e.cfg.AppName,
		AppID:                    e.cfg.AppID,
		PointOfAccess:            e.cfg.PointOfAccess,
		RequestReachability:      primitive.Ptr(len(e.cfg.PointOfAccess) > 0),
		SupportedReleaseVersions: []string{"3"},
	})
}

// stored returns the persisted credential if there is a valid one.
func (e *Enroller) stored(ctx context.Context) (tls.Certificate, bool) {
	cert, err := credstore.Load(ctx, e.store, e.cfg.Password)
	switch {
	case errors.Is(err, credstore.ErrNotFound):
		return tls.Certificate{}, false
	case err != nil:
		e.logger.Warn("ignoring unreadable credential", slog.String("error", err.Error()))
		return tls.Certificate{}, false
	case time.Now().After(cert.Leaf.NotAfter):
		e.logger.Warn("stored credential expired", slog.Time("not_after", cert.Leaf.NotAfter))
		return tls.Certificate{}, false
	}
	return cert, true
}

// request generates the key pair and the PEM encoded CSR for aeID.
func (e *Enroller) request(aeID string) (*ecdsa.PrivateKey, string, error) {
	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		return nil, "", err
	}

	tmpl := &x509.CertificateRequest{
		Subject: pkix.Name{
			CommonName:         aeID,
			OrganizationalUnit: []string{e.cfg.AppID},
		},
		SignatureAlgorithm: x509.ECDSAWithSHA256,
		URIs: []*url.URL{
			{Scheme: "urn", Opaque: "onem2m:app:" + e.cfg.AppID},
			{Scheme: "urn", Opaque: "onem2m:ae:" + aeID},
		},
	}
	der, err := x509.CreateCertificateRequest(rand.Reader, tmpl, key)
	if err != nil {
		return nil, "", err
	}
	return key, string(pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE REQUEST", Bytes: der})), nil
}

// verify checks the sign response and that the leaf certifies key.
func (e *Enroller) verify(res *SignResponse, key *ecdsa.PrivateKey) ([]*x509.Certificate, error) {
	if res.TransactionID == "" {
		return nil, m2merrors.NewDataError("sign response carries no transaction id", nil)
	}
	if res.Certificate == "" {
		return nil, m2merrors.NewDataError("sign response carries no certificate", nil)
	}
	chain, err := ParseCertificates(res.Certificate)
	if err != nil {
		return nil, m2merrors.NewDataError("signed certificate", err)
	}
	pub, ok := chain[0].PublicKey.(*ecdsa.PublicKey)
	if !ok || !pub.Equal(&key.PublicKey) {
		return nil, m2merrors.NewDataError("signed certificate does not match the generated key", nil)
	}
	return chain, nil
}
