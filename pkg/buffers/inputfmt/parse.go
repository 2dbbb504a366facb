// Copyright 2024-2026 Remi Philippe
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at https://mozilla.org/MPL/2.0/.

// Package inputfmt parses text typed into a buffer into outbound actions.
package inputfmt

import (
	"regexp"
	"strings"
)

// Kind is the action a line of input asks for.
type Kind int

const (
	KindMessage Kind = iota
	KindEdit
	KindDelete
	KindReact
	KindNick
)

func (k Kind) String() string {
	switch k {
	case KindEdit:
		return "edit"
	case KindDelete:
		return "delete"
	case KindReact:
		return "react"
	case KindNick:
		return "nick"
	default:
		return "message"
	}
}

// Input is a parsed line of buffer input.
type Input struct {
	Kind Kind
	// Text is the message body for KindMessage and the new nickname for
	// KindNick. An empty nickname resets it.
	Text string
	// Old and New are the substitution of a KindEdit.
	Old, New string
	// Global replaces every occurrence of Old instead of the first.
	Global bool
	// Emoji is the reaction of a KindReact.
	Emoji string
}

var (
	substituteRe   = regexp.MustCompile(`^s/((?:[^/\\]|\\.)*)/((?:[^/\\]|\\.)*)/(g?)$`)
	reactNamedRe   = regexp.MustCompile(`^\+:([\w+-]+(?::\d+)?):$`)
	reactUnicodeRe = regexp.MustCompile(`^\+([\p{So}\p{Sk}\x{200d}\x{fe0f}]+)$`)
)

// Parse classifies a line of input.
func Parse(line string) Input {
	line = strings.TrimRight(line, "\r\n")

	if m := substituteRe.FindStringSubmatch(line); m != nil {
		old, repl := unescape(m[1]), unescape(m[2])
		if old == "" && repl == "" {
			return Input{Kind: KindDelete}
		}
		if old != "" {
			return Input{Kind: KindEdit, Old: old, New: repl, Global: m[3] == "g"}
		}
	}
	if m := reactNamedRe.FindStringSubmatch(line); m != nil {
		return Input{Kind: KindReact, Emoji: LookupEmoji(m[1])}
	}
	if m := reactUnicodeRe.FindStringSubmatch(line); m != nil {
		return Input{Kind: KindReact, Emoji: m[1]}
	}

	switch {
	case line == "/me" || strings.HasPrefix(line, "/me "):
		action := strings.TrimSpace(strings.TrimPrefix(line, "/me"))
		if action == "" {
			return Input{Kind: KindMessage}
		}
		return Input{Kind: KindMessage, Text: "_" + action + "_"}
	case line == "/nick" || strings.HasPrefix(line, "/nick "):
		return Input{Kind: KindNick, Text: strings.TrimSpace(strings.TrimPrefix(line, "/nick"))}
	case strings.HasPrefix(line, "//"):
		return Input{Kind: KindMessage, Text: line[1:]}
	}
	return Input{Kind: KindMessage, Text: line}
}

// ApplyEdit performs the substitution of an edit on the previous content.
// It reports false if old does not occur.
func ApplyEdit(content string, in Input) (string, bool) {
	if in.Old == "" || !strings.Contains(content, in.Old) {
		return content, false
	}
	n := 1
	if in.Global {
		n = -1
	}
	return strings.Replace(content, in.Old, in.New, n), true
}

func unescape(s string) string {
	if !strings.Contains(s, `\`) {
		return s
	}
	var b strings.Builder
	for i := 0; i < len(s); i++ {
		if s[i] == '\\' && i+1 < len(s) {
			i++
		}
		b.WriteByte(s[i])
	}
	return b.String()
}

var emojiNames = map[string]string{
	"thumbsup":         "👍",
	"+1":               "👍",
	"thumbsdown":       "👎",
	"-1":               "👎",
	"heart":            "❤️",
	"joy":              "😂",
	"smile":            "😄",
	"laughing":         "😆",
	"tada":             "🎉",
	"eyes":             "👀",
	"fire":             "🔥",
	"rocket":           "🚀",
	"pray":             "🙏",
	"wave":             "👋",
	"clap":             "👏",
	"ok_hand":          "👌",
	"thinking":         "🤔",
	"white_check_mark": "✅",
	"x":                "❌",
	"100":              "💯",
}

// LookupEmoji maps a shortcode to its unicode emoji. Unknown names are
// returned unchanged so a custom emoji can be given as name:id.
func LookupEmoji(name string) string {
	if e, ok := emojiNames[strings.ToLower(name)]; ok {
		return e
	}
	return name
}
