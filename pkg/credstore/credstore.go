// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

// Package credstore persists the enrolled client credential as a PKCS#12
// container.
package credstore

import (
	"context"
	"crypto"
	"crypto/tls"
	"crypto/x509"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"software.sslmate.com/src/go-pkcs12"
)

// ErrNotFound is returned by Load when no credential was saved yet.
var ErrNotFound = errors.New("credential not found")

// Store loads and saves the encoded credential.
type Store interface {
	Load(ctx context.Context) ([]byte, error)
	Save(ctx context.Context, data []byte) error
}

// Encode packs key and chain into a password protected PKCS#12 container.
// The first certificate of chain is the leaf.
func Encode(key crypto.PrivateKey, chain []*x509.Certificate, password string) ([]byte, error) {
	if len(chain) == 0 {
		return nil, errors.New("empty certificate chain")
	}
	data, err := pkcs12.Modern.Encode(key, chain[0], chain[1:], password)
	if err != nil {
		return nil, fmt.Errorf("failed to encode PKCS#12: %w", err)
	}
	return data, nil
}

// Decode unpacks a PKCS#12 container into a TLS certificate.
func Decode(data []byte, password string) (tls.Certificate, error) {
	key, leaf, cas, err := pkcs12.DecodeChain(data, password)
	if err != nil {
		return tls.Certificate{}, fmt.Errorf("failed to decode PKCS#12: %w", err)
	}

	cert := tls.Certificate{
		Certificate: [][]byte{leaf.Raw},
		PrivateKey:  key,
		Leaf:        leaf,
	}
	for _, ca := range cas {
		cert.Certificate = append(cert.Certificate, ca.Raw)
	}
	return cert, nil
}

// Load reads and decodes the credential held by s.
func Load(ctx context.Context, s Store, password string) (tls.Certificate, error) {
	data, err := s.Load(ctx)
	if err != nil {
		return tls.Certificate{}, err
	}
	return Decode(data, password)
}

// File stores the credential in a single file on the local disk.
type File struct {
	path string
}

var _ Store = (*File)(nil)

// NewFile returns a store writing to path.
func NewFile(path string) *File {
	return &File{path: path}
}

// Path returns the credential file location.
func (f *File) Path() string {
	return f.path
}

// Load reads the credential file.
func (f *File) Load(_ context.Context) ([]byte, error) {
	data, err := os.ReadFile(f.path)
	if errors.Is(err, os.ErrNotExist) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read %s: %w", f.path, err)
	}
	return data, nil
}

// Save replaces the credential file atomically. The file is only readable
// by its owner.
func (f *File) Save(_ context.Context, data []byte) error {
	dir := filepath.Dir(f.path)
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return fmt.Errorf("failed to create %s: %w", dir, err)
	}

	tmp, err := os.CreateTemp(dir, "."+filepath.Base(f.path)+".*")
	if err != nil {
		return fmt.Errorf("failed to create temporary file: %w", err)
	}
	defer os.Remove(tmp.Name())

	if err := tmp.Chmod(0o600); err != nil {
		tmp.Close()
		return err
	}
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return fmt.Errorf("failed to write credential: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Close(); err != nil {
		return err
	}
	if err := os.Rename(tmp.Name(), f.path); err != nil {
		return fmt.Errorf("failed to replace %s: %w", f.path, err)
	}
	return nil
}
