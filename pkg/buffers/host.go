// Copyright 2024-2026 Aiku AI

// Package buffers keeps host chat buffers in sync with remote channels.
//
// A Sync applies translator commands to the host and owns the one-to-one
// mapping between open buffers and channel ids. Text typed into a buffer
// is parsed and sent to the remote API on a bounded worker pool, one
// channel at a time so sends from the same buffer keep their order.
package buffers

import (
	"time"

	"github.com/aiku/cordbridge/pkg/translate"
)

// Handle identifies a host buffer.
type Handle uint64

// Host is the host client's buffer API.
type Host interface {
	CreateBuffer(name, category string) (Handle, error)
	CloseBuffer(h Handle) error
	PrintLine(h Handle, text string, ts time.Time) error
	SetProperty(h Handle, key, value string) error
	RegisterInputCallback(h Handle, fn func(input string)) error
	RegisterCloseCallback(h Handle, fn func()) error
	// CorePrint writes to the host's core buffer.
	CorePrint(text string)
}

// LinePrinter is implemented by hosts that render prefixes, colors and
// tags themselves. Other hosts get "prefix\ttext".
type LinePrinter interface {
	PrintMessage(h Handle, line translate.Line) error
}

// LineEditor is implemented by hosts that can rewrite a printed line in
// place. A nil replacement marks the line deleted. It reports false if
// the line is no longer in the buffer.
type LineEditor interface {
	ReplaceLine(h Handle, tag string, replacement *translate.Line) (bool, error)
}

// NicklistHost is implemented by hosts with a per-buffer nick list.
type NicklistHost interface {
	AddNick(h Handle, group, nick string, color int) error
	RemoveNick(h Handle, nick string) error
}

// CommandHost registers host commands.
type CommandHost interface {
	RegisterCommand(name, description string, fn func(args []string)) error
}
