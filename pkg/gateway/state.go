// Copyright 2024-2026 Aiku AI

package gateway

import (
	"fmt"
	"strings"
	"time"
)

// State is the connection lifecycle phase.
type State int32

const (
	StateDisconnected State = iota
	StateConnecting
	StateIdentifying
	StateReady
	StateResuming
)

func (s State) String() string {
	switch s {
	case StateDisconnected:
		return "disconnected"
	case StateConnecting:
		return "connecting"
	case StateIdentifying:
		return "identifying"
	case StateReady:
		return "ready"
	case StateResuming:
		return "resuming"
	default:
		return fmt.Sprintf("state_%d", int32(s))
	}
}

// SequencePolicy selects how out-of-order dispatch frames are handled.
type SequencePolicy string

const (
	// SequenceDrop applies frames in arrival order and discards any frame
	// whose sequence number is not newer than the last one applied.
	SequenceDrop SequencePolicy = "drop"
	// SequenceReorder holds frames that arrive ahead of a gap and releases
	// them in sequence order once the gap fills or the window overflows.
	SequenceReorder SequencePolicy = "reorder"
)

// ParseSequencePolicy parses a policy name. The empty string selects SequenceDrop.
func ParseSequencePolicy(s string) (SequencePolicy, error) {
	switch SequencePolicy(strings.ToLower(strings.TrimSpace(s))) {
	case "", SequenceDrop:
		return SequenceDrop, nil
	case SequenceReorder:
		return SequenceReorder, nil
	default:
		return "", fmt.Errorf("unknown sequence policy %q", s)
	}
}

// StateChange is reported on every transition.
type StateChange struct {
	State  State
	ConnID string
	// Err is the reason for a transition to StateDisconnected.
	Err error
	// RetryIn is the delay before the next connect attempt; zero when no
	// reconnect is scheduled.
	RetryIn time.Duration
}
