/*
Copyright 2017 The Kubernetes Authors.

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

    http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

package hostapi

import (
	"strings"

	"github.com/pkg/errors"
)

// ErrorClass sorts HostAPI failures into the three buckets the engine
// treats differently: transient I/O, eventual-consistency transients, and
// terminal client errors.
type ErrorClass int

const (
	// ClassTransport covers timeouts, 5xx and 429, retried with the
	// combined Retry-After/exponential policy.
	ClassTransport ErrorClass = iota
	// ClassBaseNotYetVisible is the "Base does not exist" 404 seen shortly
	// after a ref is created, retried on its own tighter budget.
	ClassBaseNotYetVisible
	// ClassClient is a terminal 4xx that is not a recognized transient
	// condition: permission errors, merge conflicts, not-found deletes.
	ClassClient
)

// Error wraps a HostAPI failure with its class, HTTP status and the
// message text the predicates below match on. The message substrings are
// part of the hosting platform's wire contract and must stay verbatim.
type Error struct {
	Class      ErrorClass
	StatusCode int
	Message    string
	cause      error
}

func (e *Error) Error() string {
	return e.Message
}

func (e *Error) Unwrap() error { return e.cause }

// NewError classifies a raw transport/status-code error into the taxonomy
// above.
func NewError(statusCode int, message string, cause error) *Error {
	class := ClassClient
	switch {
	case statusCode == 0 || statusCode >= 500 || statusCode == 429:
		class = ClassTransport
	case statusCode == 404 && strings.Contains(message, "Base does not exist"):
		class = ClassBaseNotYetVisible
	}
	return &Error{Class: class, StatusCode: statusCode, Message: message, cause: cause}
}

// IsNotFound reports a 404, tolerated by ref deletion.
func IsNotFound(err error) bool {
	var e *Error
	if errors.As(err, &e) {
		return e.StatusCode == 404
	}
	return false
}

// IsReferenceDoesNotExist reports the 422 "Reference does not exist" ref
// deletion returns, also tolerated.
func IsReferenceDoesNotExist(err error) bool {
	var e *Error
	if errors.As(err, &e) {
		return e.StatusCode == 422 && strings.Contains(e.Message, "Reference does not exist")
	}
	return false
}

// IsReferenceAlreadyExists reports the 422 create-ref collision.
func IsReferenceAlreadyExists(err error) bool {
	var e *Error
	if errors.As(err, &e) {
		return e.StatusCode == 422 && strings.Contains(e.Message, "Reference already exists")
	}
	return false
}

// IsBaseNotYetVisible reports the eventual-consistency 404.
func IsBaseNotYetVisible(err error) bool {
	var e *Error
	if errors.As(err, &e) {
		return e.Class == ClassBaseNotYetVisible
	}
	return false
}

// IsPermissionDenied reports the 403 "Resource not accessible by
// integration" case that postpones car creation.
func IsPermissionDenied(err error) bool {
	var e *Error
	if errors.As(err, &e) {
		return e.StatusCode == 403 && strings.Contains(e.Message, "Resource not accessible by integration")
	}
	return false
}

// IsMergeConflict reports the "Merge conflict" case that fails the
// specific PR being layered in.
func IsMergeConflict(err error) bool {
	var e *Error
	if errors.As(err, &e) {
		return strings.Contains(e.Message, "Merge conflict")
	}
	return false
}

// IsTransient reports whether err is a transport-class failure (timeouts,
// 5xx, 429), the class the general retry policy applies to. The
// eventual-consistency base-not-visible case is not included; it has its
// own predicate and retry budget.
func IsTransient(err error) bool {
	var e *Error
	if errors.As(err, &e) {
		return e.Class == ClassTransport
	}
	return false
}
