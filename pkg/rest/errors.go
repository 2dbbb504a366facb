// Copyright 2024-2026 Remi Philippe
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at https://mozilla.org/MPL/2.0/.

package rest

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

// ErrorKind classifies a failed REST call.
type ErrorKind int

const (
	// KindRateLimited means a second 429 arrived after the automatic retry.
	KindRateLimited ErrorKind = iota + 1
	// KindUnavailable means network failures or 5xx responses outlasted the retry budget.
	KindUnavailable
	// KindRejected means the server refused the request with a non-429 4xx.
	KindRejected
)

func (k ErrorKind) String() string {
	switch k {
	case KindRateLimited:
		return "rate limited"
	case KindUnavailable:
		return "unavailable"
	case KindRejected:
		return "rejected"
	default:
		return "unknown"
	}
}

var (
	ErrRateLimited = errors.New("rest: rate limited")
	ErrUnavailable = errors.New("rest: service unavailable")
	ErrRejected    = errors.New("rest: request rejected")
)

// APIError is returned for every REST failure that is not a context
// cancellation.
type APIError struct {
	Kind       ErrorKind
	Method     string
	Path       string
	StatusCode int
	// Code is the JSON error code from the response body, if any.
	Code       int
	Message    string
	RetryAfter time.Duration
	Global     bool
	// Err is the underlying transport error for KindUnavailable.
	Err error
}

func (e *APIError) Error() string {
	var builder strings.Builder
	fmt.Fprintf(&builder, "%s %s: %s", e.Method, e.Path, e.Kind)
	if e.StatusCode != 0 {
		fmt.Fprintf(&builder, " (HTTP %d", e.StatusCode)
		if e.Code != 0 {
			fmt.Fprintf(&builder, ", code %d", e.Code)
		}
		builder.WriteString(")")
	}
	if e.Message != "" {
		builder.WriteString(": ")
		builder.WriteString(e.Message)
	}
	if e.RetryAfter > 0 {
		fmt.Fprintf(&builder, ", retry after %s", e.RetryAfter)
	}
	if e.Err != nil {
		builder.WriteString(": ")
		builder.WriteString(e.Err.Error())
	}
	return builder.String()
}

func (e *APIError) Unwrap() error {
	return e.Err
}

// Is matches the kind sentinels.
func (e *APIError) Is(target error) bool {
	switch target {
	case ErrRateLimited:
		return e.Kind == KindRateLimited
	case ErrUnavailable:
		return e.Kind == KindUnavailable
	case ErrRejected:
		return e.Kind == KindRejected
	}
	return false
}

// IsRateLimited reports whether err is a REST rate-limit failure.
func IsRateLimited(err error) bool {
	return errors.Is(err, ErrRateLimited)
}

// IsUnavailable reports whether err means the remote API could not be reached.
func IsUnavailable(err error) bool {
	return errors.Is(err, ErrUnavailable)
}

// IsRejected reports whether err is a permanent client error.
func IsRejected(err error) bool {
	return errors.Is(err, ErrRejected)
}

// IsNotFound reports whether err is a 404 rejection.
func IsNotFound(err error) bool {
	var apiErr *APIError
	return errors.As(err, &apiErr) && apiErr.Kind == KindRejected && apiErr.StatusCode == 404
}

// IsForbidden reports whether err is a 403 rejection, usually a missing permission.
func IsForbidden(err error) bool {
	var apiErr *APIError
	return errors.As(err, &apiErr) && apiErr.Kind == KindRejected && apiErr.StatusCode == 403
}
