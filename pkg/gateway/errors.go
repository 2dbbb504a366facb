// Copyright 2024-2026 Remi Philippe
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at https://mozilla.org/MPL/2.0/.

package gateway

import (
	"errors"
	"fmt"
)

var (
	// ErrAuthenticationFailed means the token was refused. Reconnecting
	// will not help.
	ErrAuthenticationFailed = errors.New("gateway: authentication failed")
	// ErrDisallowedIntents means the requested intents were refused.
	ErrDisallowedIntents = errors.New("gateway: intents not allowed")

	ErrHeartbeatTimeout   = errors.New("gateway: heartbeat acknowledgements missed")
	ErrHandshakeTimeout   = errors.New("gateway: handshake timed out")
	ErrReconnectRequested = errors.New("gateway: server requested reconnect")
	ErrTooManyProtocol    = errors.New("gateway: too many protocol errors")
	ErrNotConnected       = errors.New("gateway: not connected")
)

// TransportError wraps a failure that ends the current connection. It is
// always followed by a reconnect unless the cause is fatal.
type TransportError struct {
	Err error
}

func (e *TransportError) Error() string {
	return fmt.Sprintf("gateway transport: %v", e.Err)
}

func (e *TransportError) Unwrap() error {
	return e.Err
}

// ProtocolError wraps a malformed or unexpected frame. The frame is
// dropped and the connection kept.
type ProtocolError struct {
	Err error
}

func (e *ProtocolError) Error() string {
	return fmt.Sprintf("gateway protocol: %v", e.Err)
}

func (e *ProtocolError) Unwrap() error {
	return e.Err
}

// IsFatal reports whether err ends the reconnect loop.
func IsFatal(err error) bool {
	return errors.Is(err, ErrAuthenticationFailed) || errors.Is(err, ErrDisallowedIntents)
}

func transportErr(err error) error {
	var te *TransportError
	if errors.As(err, &te) {
		return err
	}
	return &TransportError{Err: err}
}

func protocolErr(format string, args ...any) *ProtocolError {
	return &ProtocolError{Err: fmt.Errorf(format, args...)}
}
