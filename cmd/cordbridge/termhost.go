// Copyright 2024-2026 Remi Philippe
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at https://mozilla.org/MPL/2.0/.

package main

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"slices"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/fatih/color"

	"github.com/aiku/cordbridge/pkg/buffers"
	"github.com/aiku/cordbridge/pkg/translate"
	"github.com/aiku/cordbridge/pkg/translate/discordfmt"
)

var (
	errNoBuffer = errors.New("no such buffer")

	dimColor       = color.New(color.Faint)
	bufferColor    = color.New(color.FgCyan)
	highlightColor = color.New(color.FgHiRed, color.Bold)
)

type termBuffer struct {
	name    string
	props   map[string]string
	input   func(string)
	onClose func()
	nicks   map[string]string
}

func (b *termBuffer) label() string {
	if short := b.props["short_name"]; short != "" {
		return short
	}
	return b.name
}

// termHost is a line-oriented buffers.Host writing every buffer to one
// terminal.
type termHost struct {
	mu       sync.Mutex
	out      io.Writer
	next     buffers.Handle
	buffers  map[buffers.Handle]*termBuffer
	current  buffers.Handle
	commands map[string]func([]string)
}

var (
	_ buffers.Host         = (*termHost)(nil)
	_ buffers.LinePrinter  = (*termHost)(nil)
	_ buffers.NicklistHost = (*termHost)(nil)
	_ buffers.CommandHost  = (*termHost)(nil)
)

func newTermHost(out io.Writer) *termHost {
	return &termHost{
		out:      out,
		buffers:  make(map[buffers.Handle]*termBuffer),
		commands: make(map[string]func([]string)),
	}
}

func (h *termHost) CreateBuffer(name, _ string) (buffers.Handle, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.next++
	h.buffers[h.next] = &termBuffer{
		name:  name,
		props: make(map[string]string),
		nicks: make(map[string]string),
	}
	if h.current == 0 {
		h.current = h.next
	}
	return h.next, nil
}

func (h *termHost) CloseBuffer(handle buffers.Handle) error {
	h.mu.Lock()
	b, ok := h.buffers[handle]
	if !ok {
		h.mu.Unlock()
		return fmt.Errorf("%w: %d", errNoBuffer, handle)
	}
	delete(h.buffers, handle)
	if h.current == handle {
		h.current = h.firstLocked()
	}
	h.mu.Unlock()
	if b.onClose != nil {
		b.onClose()
	}
	return nil
}

func (h *termHost) firstLocked() buffers.Handle {
	var first buffers.Handle
	for handle := range h.buffers {
		if first == 0 || handle < first {
			first = handle
		}
	}
	return first
}

func (h *termHost) PrintLine(handle buffers.Handle, text string, ts time.Time) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	b, ok := h.buffers[handle]
	if !ok {
		return fmt.Errorf("%w: %d", errNoBuffer, handle)
	}
	prefix, body, _ := strings.Cut(text, "\t")
	h.writeLocked(b, ts, prefix, len(prefix), body)
	return nil
}

func (h *termHost) PrintMessage(handle buffers.Handle, line translate.Line) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	b, ok := h.buffers[handle]
	if !ok {
		return fmt.Errorf("%w: %d", errNoBuffer, handle)
	}
	prefix, width := line.Prefix, len(line.Prefix)
	switch {
	case line.Highlight:
		prefix = highlightColor.Sprint(prefix)
	case line.PrefixColor != 0:
		prefix = rgb(line.PrefixColor).Sprint(prefix)
	}
	h.writeLocked(b, line.Timestamp, prefix, width, line.Text)
	return nil
}

func (h *termHost) writeLocked(b *termBuffer, ts time.Time, prefix string, width int, text string) {
	if ts.IsZero() {
		ts = time.Now()
	}
	stamp := dimColor.Sprint(ts.Local().Format(time.TimeOnly))
	label := bufferColor.Sprint("[" + b.label() + "]")
	for i, part := range strings.Split(text, "\n") {
		if i > 0 {
			prefix = strings.Repeat(" ", width)
		}
		fmt.Fprintf(h.out, "%s %s %s %s\n", stamp, label, prefix, part)
	}
}

func (h *termHost) SetProperty(handle buffers.Handle, key, value string) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	b, ok := h.buffers[handle]
	if !ok {
		return fmt.Errorf("%w: %d", errNoBuffer, handle)
	}
	if key == "name" {
		b.name = value
		return nil
	}
	b.props[key] = value
	return nil
}

func (h *termHost) RegisterInputCallback(handle buffers.Handle, fn func(string)) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	b, ok := h.buffers[handle]
	if !ok {
		return fmt.Errorf("%w: %d", errNoBuffer, handle)
	}
	b.input = fn
	return nil
}

func (h *termHost) RegisterCloseCallback(handle buffers.Handle, fn func()) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	b, ok := h.buffers[handle]
	if !ok {
		return fmt.Errorf("%w: %d", errNoBuffer, handle)
	}
	b.onClose = fn
	return nil
}

func (h *termHost) CorePrint(text string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	fmt.Fprintf(h.out, "%s %s\n", dimColor.Sprint(time.Now().Format(time.TimeOnly)), text)
}

func (h *termHost) AddNick(handle buffers.Handle, group, nick string, _ int) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	b, ok := h.buffers[handle]
	if !ok {
		return fmt.Errorf("%w: %d", errNoBuffer, handle)
	}
	b.nicks[nick] = group
	return nil
}

func (h *termHost) RemoveNick(handle buffers.Handle, nick string) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	b, ok := h.buffers[handle]
	if !ok {
		return fmt.Errorf("%w: %d", errNoBuffer, handle)
	}
	delete(b.nicks, nick)
	return nil
}

func (h *termHost) RegisterCommand(name, _ string, fn func([]string)) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	if _, ok := h.commands[name]; ok {
		return fmt.Errorf("command /%s already registered", name)
	}
	h.commands[name] = fn
	return nil
}

// Run reads input lines until EOF or /quit.
func (h *termHost) Run(in io.Reader) error {
	scanner := bufio.NewScanner(in)
	for scanner.Scan() {
		if !h.handleLine(scanner.Text()) {
			return nil
		}
	}
	return scanner.Err()
}

// handleLine runs one input line. It returns false on /quit. Commands
// the host doesn't know, like /me and /nick, go to the buffer as input.
func (h *termHost) handleLine(line string) bool {
	if strings.TrimSpace(line) == "" {
		return true
	}
	if strings.HasPrefix(line, "/") && !strings.HasPrefix(line, "//") {
		fields := strings.Fields(line[1:])
		if len(fields) == 0 {
			return true
		}
		name, args := fields[0], fields[1:]
		switch name {
		case "quit":
			return false
		case "buffer":
			h.switchBuffer(args)
			return true
		case "close":
			h.closeCurrent()
			return true
		case "nicks":
			h.listNicks()
			return true
		}
		h.mu.Lock()
		fn, ok := h.commands[name]
		h.mu.Unlock()
		if ok {
			fn(args)
			return true
		}
	}
	h.mu.Lock()
	b, ok := h.buffers[h.current]
	var input func(string)
	if ok {
		input = b.input
	}
	h.mu.Unlock()
	if input == nil {
		h.CorePrint("no buffer to send to, use /discord join <guild> <channel>")
		return true
	}
	input(line)
	return true
}

// switchBuffer lists buffers without arguments, otherwise switches to the
// buffer with the given number, name or short name.
func (h *termHost) switchBuffer(args []string) {
	h.mu.Lock()
	handles := make([]buffers.Handle, 0, len(h.buffers))
	for handle := range h.buffers {
		handles = append(handles, handle)
	}
	slices.Sort(handles)
	if len(args) == 0 {
		var lines []string
		for _, handle := range handles {
			marker := " "
			if handle == h.current {
				marker = "*"
			}
			lines = append(lines, fmt.Sprintf("%s%d %s", marker, handle, h.buffers[handle].name))
		}
		h.mu.Unlock()
		for _, line := range lines {
			h.CorePrint(line)
		}
		return
	}
	target := strings.Join(args, " ")
	for _, handle := range handles {
		b := h.buffers[handle]
		if strconv.FormatUint(uint64(handle), 10) == target || b.name == target || b.props["short_name"] == target {
			h.current = handle
			h.mu.Unlock()
			return
		}
	}
	h.mu.Unlock()
	h.CorePrint("no buffer " + target)
}

func (h *termHost) closeCurrent() {
	h.mu.Lock()
	current := h.current
	h.mu.Unlock()
	if current == 0 {
		return
	}
	_ = h.CloseBuffer(current)
}

func (h *termHost) listNicks() {
	h.mu.Lock()
	b, ok := h.buffers[h.current]
	var lines []string
	if ok {
		for nick, group := range b.nicks {
			lines = append(lines, group+": "+nick)
		}
	}
	h.mu.Unlock()
	slices.Sort(lines)
	for _, line := range lines {
		h.CorePrint(line)
	}
}

func rgb(c int) *color.Color {
	return color.RGB((c>>16)&0xff, (c>>8)&0xff, c&0xff)
}

// termStyle renders markdown with terminal attributes.
type termStyle struct{}

var _ discordfmt.Styler = termStyle{}

func (termStyle) Bold(s string) string      { return color.New(color.Bold).Sprint(s) }
func (termStyle) Italic(s string) string    { return color.New(color.Italic).Sprint(s) }
func (termStyle) Underline(s string) string { return color.New(color.Underline).Sprint(s) }
func (termStyle) Strike(s string) string    { return color.New(color.CrossedOut).Sprint(s) }
func (termStyle) Code(s string) string      { return color.New(color.FgYellow).Sprint(s) }
func (termStyle) Spoiler(s string) string   { return color.New(color.ReverseVideo).Sprint(s) }
func (termStyle) Quote(s string) string     { return color.New(color.FgGreen).Sprint("> " + s) }
func (termStyle) Mention(s string) string   { return color.New(color.FgHiBlue, color.Bold).Sprint(s) }
