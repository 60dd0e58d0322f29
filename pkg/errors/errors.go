// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

// Package errors provides structured error handling for the oneM2M client.
//
// Failures are classified as transport failures (the binding could not
// deliver the request or got a non-success transport status), protocol
// failures (the CSE answered with a response status code >= 4000), data
// failures (an undecodable or missing payload) and enrollment failures.
package errors

import (
	"errors"
	"fmt"
)

// Common error types
var (
	// ErrInvalidInput indicates invalid input data.
	ErrInvalidInput = errors.New("invalid input")

	// ErrInvalidTarget indicates a request target that cannot be addressed.
	ErrInvalidTarget = errors.New("invalid target")

	// ErrTimeout indicates an operation timeout.
	ErrTimeout = errors.New("timeout")

	// ErrProtocolViolation indicates a response that breaks the protocol contract.
	ErrProtocolViolation = errors.New("protocol violation")

	// ErrEmptyBody indicates a response without the expected payload.
	ErrEmptyBody = errors.New("empty response body")

	// ErrClosed indicates use of a closed component.
	ErrClosed = errors.New("closed")
)

// Sentinel transport codes used when no status was received at all.
const (
	// CodeTimeout reports a request that got no answer before its deadline.
	CodeTimeout = -1
	// CodeRejected reports a request the peer reset or the client could not send.
	CodeRejected = -2
)

const (
	statusNotFound = 4004
	statusConflict = 4105
	httpNotFound   = 404
	httpConflict   = 409
	// CoAP 4.04 and 4.09 as encoded in the code byte.
	coapNotFound = 132
	coapConflict = 137
)

// TransportError is returned when a binding fails to deliver a request
// or the peer answers with a non-success transport status.
type TransportError struct {
	Transport string // http or coap
	Code      int    // transport status, CodeTimeout or CodeRejected
	Status    int    // oneM2M response status code, if one was carried
	Message   string
	Err       error
}

// Error implements the error interface.
func (e *TransportError) Error() string {
	msg := fmt.Sprintf("%s transport error %d", e.Transport, e.Code)
	if e.Message != "" {
		msg += ": " + e.Message
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

// Unwrap returns the underlying error.
func (e *TransportError) Unwrap() error {
	return e.Err
}

// Timeout reports whether the request timed out.
func (e *TransportError) Timeout() bool {
	return e.Code == CodeTimeout
}

// ProtocolError is returned when the CSE answers with a failure status.
type ProtocolError struct {
	Status int
	Debug  string
}

func (e *ProtocolError) Error() string {
	if e.Debug != "" {
		return fmt.Sprintf("onem2m status %d: %s", e.Status, e.Debug)
	}
	return fmt.Sprintf("onem2m status %d", e.Status)
}

// DataError is returned when a payload cannot be decoded or is missing.
type DataError struct {
	Reason string
	Err    error
}

func (e *DataError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("invalid data: %s: %v", e.Reason, e.Err)
	}
	return "invalid data: " + e.Reason
}

// Unwrap returns the underlying error.
func (e *DataError) Unwrap() error {
	return e.Err
}

// EnrollmentError carries the enrollment step that failed.
type EnrollmentError struct {
	Step string
	Err  error
}

func (e *EnrollmentError) Error() string {
	return fmt.Sprintf("enrollment failed at %s: %v", e.Step, e.Err)
}

// Unwrap returns the underlying error.
func (e *EnrollmentError) Unwrap() error {
	return e.Err
}

// NewDataError creates a DataError.
func NewDataError(reason string, err error) error {
	return &DataError{Reason: reason, Err: err}
}

// Wrap wraps an error with context.
func Wrap(err error, message string) error {
	if err == nil {
		return nil
	}
	return fmt.Errorf("%s: %w", message, err)
}

// Status extracts the oneM2M response status code carried by err, or 0.
func Status(err error) int {
	var pe *ProtocolError
	if errors.As(err, &pe) {
		return pe.Status
	}
	var te *TransportError
	if errors.As(err, &te) {
		return te.Status
	}
	return 0
}

// IsNotFound reports whether err means the addressed resource does not exist,
// regardless of which binding produced it.
func IsNotFound(err error) bool {
	if err == nil {
		return false
	}
	if Status(err) == statusNotFound {
		return true
	}
	var te *TransportError
	if errors.As(err, &te) {
		switch te.Transport {
		case "http":
			return te.Code == httpNotFound
		case "coap":
			return te.Code == coapNotFound
		}
	}
	return false
}

// IsConflict reports whether err means the resource already exists.
func IsConflict(err error) bool {
	if err == nil {
		return false
	}
	if Status(err) == statusConflict {
		return true
	}
	var te *TransportError
	if errors.As(err, &te) {
		switch te.Transport {
		case "http":
			return te.Code == httpConflict
		case "coap":
			return te.Code == coapConflict
		}
	}
	return false
}

// IsTransport reports whether err is a transport failure.
func IsTransport(err error) bool {
	var te *TransportError
	return errors.As(err, &te)
}
