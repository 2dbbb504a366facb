// Copyright 2024-2026 Remi Philippe
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at https://mozilla.org/MPL/2.0/.

package gateway

import (
	"encoding/json"
	"maps"
	"slices"
)

// rawDispatch is a dispatch frame whose payload has not been decoded yet.
type rawDispatch struct {
	Seq  int64
	Type string
	Data json.RawMessage
}

// sequencer enforces the sequence policy. It is owned by the read loop and
// is not safe for concurrent use.
type sequencer struct {
	policy  SequencePolicy
	window  int
	last    int64
	pending map[int64]rawDispatch
}

func newSequencer(policy SequencePolicy, window int) *sequencer {
	if window <= 0 {
		window = 16
	}
	return &sequencer{
		policy:  policy,
		window:  window,
		pending: make(map[int64]rawDispatch),
	}
}

// reset forgets all state, as after a fresh identify.
func (s *sequencer) reset(last int64) {
	s.last = last
	clear(s.pending)
}

// accept returns the frames that may be applied now, in order. stale is
// true if d was discarded as a duplicate or out-of-order frame.
func (s *sequencer) accept(d rawDispatch) (release []rawDispatch, stale bool) {
	if d.Seq <= s.last {
		return nil, true
	}
	if s.policy != SequenceReorder || d.Seq == s.last+1 && len(s.pending) == 0 {
		s.last = d.Seq
		return []rawDispatch{d}, false
	}
	if _, dup := s.pending[d.Seq]; dup {
		return nil, true
	}
	s.pending[d.Seq] = d

	for {
		next, ok := s.pending[s.last+1]
		if !ok {
			break
		}
		delete(s.pending, next.Seq)
		s.last = next.Seq
		release = append(release, next)
	}
	if len(s.pending) > s.window {
		release = append(release, s.flush()...)
	}
	return release, false
}

// flush gives up on the current gap and releases everything held, in order.
func (s *sequencer) flush() []rawDispatch {
	if len(s.pending) == 0 {
		return nil
	}
	release := make([]rawDispatch, 0, len(s.pending))
	for _, seq := range slices.Sorted(maps.Keys(s.pending)) {
		release = append(release, s.pending[seq])
		s.last = seq
	}
	clear(s.pending)
	return release
}

// held reports how many frames are waiting for a gap to fill.
func (s *sequencer) held() int {
	return len(s.pending)
}
