// Copyright 2025 TaskFlow
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package errs defines the error taxonomy shared by every TaskFlow service.
//
// All infrastructure failures are surfaced as *errs.Error values carrying a
// machine-readable code, a kind used for retry classification, and optional
// key-value context. Backend-specific errors (database/sql, go-redis, net)
// are wrapped at the component boundary and the original error is preserved
// as the cause, reachable through errors.Unwrap / errors.As.
package errs

import (
	"errors"
	"fmt"
)

// Kind classifies an error for retry and reporting decisions.
type Kind int

const (
	KindUnknown Kind = iota
	KindStore
	KindQueueBackend
	KindExternalAPI
	KindValidation
	KindConfiguration
	KindResourceExhausted
	KindFileIO
	KindCircuitOpen
)

// String returns the kind name used in logs and error codes.
func (k Kind) String() string {
	switch k {
	case KindStore:
		return "store"
	case KindQueueBackend:
		return "queue_backend"
	case KindExternalAPI:
		return "external_api"
	case KindValidation:
		return "validation"
	case KindConfiguration:
		return "configuration"
	case KindResourceExhausted:
		return "resource_exhausted"
	case KindFileIO:
		return "file_io"
	case KindCircuitOpen:
		return "circuit_open"
	default:
		return "unknown"
	}
}

// Error is the base error type for all TaskFlow system errors.
type Error struct {
	Kind    Kind
	Code    string
	Message string
	Context map[string]interface{}
	Cause   error
}

func (e *Error) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("[%s] %s (cause: %v)", e.Code, e.Message, e.Cause)
	}
	return fmt.Sprintf("[%s] %s", e.Code, e.Message)
}

func (e *Error) Unwrap() error {
	return e.Cause
}

// WithContext attaches a key-value pair to the error and returns it, so
// callers can chain context while re-raising.
func (e *Error) WithContext(key string, value interface{}) *Error {
	if e.Context == nil {
		e.Context = make(map[string]interface{})
	}
	e.Context[key] = value
	return e
}

// New creates an Error with no underlying cause.
func New(kind Kind, code, message string) *Error {
	return &Error{Kind: kind, Code: code, Message: message}
}

// Wrap creates an Error that preserves cause for errors.Is/As chains.
func Wrap(kind Kind, code, message string, cause error) *Error {
	return &Error{Kind: kind, Code: code, Message: message, Cause: cause}
}

// KindOf extracts the Kind from any error in the chain, or KindUnknown.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return KindUnknown
}

// CodeOf extracts the error code from any error in the chain.
func CodeOf(err error) string {
	var e *Error
	if errors.As(err, &e) {
		return e.Code
	}
	return ""
}

// IsPermanent reports whether the error must never be retried.
// Validation and configuration failures do not become transient with time.
func IsPermanent(err error) bool {
	switch KindOf(err) {
	case KindValidation, KindConfiguration:
		return true
	}
	return false
}

// IsKind reports whether any error in the chain has the given kind.
func IsKind(err error, kind Kind) bool {
	return KindOf(err) == kind
}
