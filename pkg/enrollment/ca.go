// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package enrollment

import (
	"bytes"
	"context"
	"crypto/x509"
	"encoding/base64"
	"encoding/pem"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	json "github.com/goccy/go-json"

	m2merrors "github.com/absmach/onem2m/pkg/errors"
)

const (
	signPath    = "sign"
	confirmPath = "confirm"

	defaultCATimeout = 30 * time.Second
	maxCAResponse    = 1 << 20
)

// ConfirmationStatus is the CA verdict on a confirmed certificate.
type ConfirmationStatus string

const (
	StatusAccepted               ConfirmationStatus = "Accepted"
	StatusGrantedWithMods        ConfirmationStatus = "GrantedWithMods"
	StatusRejection              ConfirmationStatus = "Rejection"
	StatusWaiting                ConfirmationStatus = "Waiting"
	StatusRevocationWarning      ConfirmationStatus = "RevocationWarning"
	StatusRevocationNotification ConfirmationStatus = "RevocationNotification"
)

// SignRequest asks the CA to sign a CSR.
type SignRequest struct {
	CSR   string `json:"csr"`
	Token string `json:"token"`
	AppID string `json:"appId"`
	AEID  string `json:"aeId"`
}

// SignResponse carries the signed certificate, PEM encoded.
type SignResponse struct {
	TransactionID string `json:"transactionId"`
	Certificate   string `json:"certificate"`
}

// ConfirmRequest acknowledges receipt of a signed certificate.
type ConfirmRequest struct {
	TransactionID   string `json:"transactionId"`
	CertificateHash string `json:"certificateHash"`
	SerialNumber    string `json:"serialNumber"`
}

// ConfirmResponse carries the CA verdict.
type ConfirmResponse struct {
	Status ConfirmationStatus `json:"status"`
}

// CAClient talks to the enrollment endpoints of a certificate authority.
type CAClient struct {
	base   *url.URL
	client *http.Client
}

// NewCAClient creates a client for the CA at baseURL. A nil client uses a
// default one with a 30 second timeout.
func NewCAClient(baseURL string, client *http.Client) (*CAClient, error) {
	u, err := url.Parse(baseURL)
	if err != nil {
		return nil, fmt.Errorf("%w: CA URL %q: %v", m2merrors.ErrInvalidInput, baseURL, err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return nil, fmt.Errorf("%w: CA URL scheme %q", m2merrors.ErrInvalidInput, u.Scheme)
	}
	if client == nil {
		client = &http.Client{Timeout: defaultCATimeout}
	}
	return &CAClient{base: u, client: client}, nil
}

// Sign posts req to the signing endpoint.
func (c *CAClient) Sign(ctx context.Context, req SignRequest) (*SignResponse, error) {
	var res SignResponse
	if err := c.post(ctx, signPath, req, &res); err != nil {
		return nil, err
	}
	return &res, nil
}

// Confirm posts req to the confirmation endpoint.
func (c *CAClient) Confirm(ctx context.Context, req ConfirmRequest) (*ConfirmResponse, error) {
	var res ConfirmResponse
	if err := c.post(ctx, confirmPath, req, &res); err != nil {
		return nil, err
	}
	return &res, nil
}

func (c *CAClient) post(ctx context.Context, endpoint string, in, out any) error {
	body, err := json.Marshal(in)
	if err != nil {
		return err
	}

	u := c.base.JoinPath(endpoint)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, u.String(), bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")

	resp, err := c.client.Do(req)
	if err != nil {
		code := m2merrors.CodeRejected
		if errors.Is(err, context.DeadlineExceeded) {
			code = m2merrors.CodeTimeout
		}
		return &m2merrors.TransportError{Transport: "http", Code: code, Err: err}
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(resp.Body, maxCAResponse))
	if err != nil {
		return &m2merrors.TransportError{Transport: "http", Code: resp.StatusCode, Err: err}
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return &m2merrors.TransportError{
			Transport: "http",
			Code:      resp.StatusCode,
			Message:   strings.TrimSpace(string(data)),
		}
	}
	if len(bytes.TrimSpace(data)) == 0 {
		return m2merrors.NewDataError(endpoint+" response", m2merrors.ErrEmptyBody)
	}
	if err := json.Unmarshal(data, out); err != nil {
		return m2merrors.NewDataError("decode "+endpoint+" response", err)
	}
	return nil
}

// ParseCertificates decodes a PEM bundle, or a single base64 DER
// certificate, leaf first.
func ParseCertificates(s string) ([]*x509.Certificate, error) {
	var certs []*x509.Certificate
	rest := []byte(s)
	for {
		var block *pem.Block
		block, rest = pem.Decode(rest)
		if block == nil {
			break
		}
		if block.Type != "CERTIFICATE" {
			continue
		}
		cert, err := x509.ParseCertificate(block.Bytes)
		if err != nil {
			return nil, err
		}
		certs = append(certs, cert)
	}
	if len(certs) > 0 {
		return certs, nil
	}

	der, err := base64.StdEncoding.DecodeString(strings.TrimSpace(s))
	if err != nil {
		return nil, errors.New("certificate is neither PEM nor base64 DER")
	}
	cert, err := x509.ParseCertificate(der)
	if err != nil {
		return nil, err
	}
	return []*x509.Certificate{cert}, nil
}
