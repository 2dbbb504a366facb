// Copyright 2024-2026 Remi Philippe
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at https://mozilla.org/MPL/2.0/.

package inputfmt

import (
	"regexp"
	"strconv"
	"strings"

	"github.com/disgoorg/snowflake/v2"
)

// Mentioner resolves names typed after @ and # in the buffer's guild.
type Mentioner interface {
	MemberID(name string) (snowflake.ID, bool)
	RoleID(name string) (snowflake.ID, bool)
	ChannelID(name string) (snowflake.ID, bool)
}

var (
	codeSpanRe    = regexp.MustCompile("(?s)```.*?```|`[^`\n]+`")
	atMentionRe   = regexp.MustCompile(`(^|[^\w<@])@([\w.-]+)`)
	hashMentionRe = regexp.MustCompile(`(^|[^\w<#])#([\w-]+)`)
)

// CreateMentions turns @name and #channel into mention tokens. Names are
// tried as members first, then roles. Text inside code spans and names
// that do not resolve are left alone, as are @everyone and @here.
func CreateMentions(text string, m Mentioner) string {
	if m == nil || text == "" {
		return text
	}
	var codes []string
	text = codeSpanRe.ReplaceAllStringFunc(text, func(code string) string {
		codes = append(codes, code)
		return "\x00" + strconv.Itoa(len(codes)-1) + "\x00"
	})

	text = atMentionRe.ReplaceAllStringFunc(text, func(match string) string {
		parts := atMentionRe.FindStringSubmatch(match)
		lead, name := parts[1], parts[2]
		if name == "everyone" || name == "here" {
			return match
		}
		token, rest, ok := resolveTrimmed(name, func(n string) (string, bool) {
			if id, ok := m.MemberID(n); ok {
				return "<@" + id.String() + ">", true
			}
			if id, ok := m.RoleID(n); ok {
				return "<@&" + id.String() + ">", true
			}
			return "", false
		})
		if !ok {
			return match
		}
		return lead + token + rest
	})
	text = hashMentionRe.ReplaceAllStringFunc(text, func(match string) string {
		parts := hashMentionRe.FindStringSubmatch(match)
		lead, name := parts[1], parts[2]
		id, ok := m.ChannelID(name)
		if !ok {
			return match
		}
		return lead + "<#" + id.String() + ">"
	})

	for i := len(codes) - 1; i >= 0; i-- {
		text = strings.Replace(text, "\x00"+strconv.Itoa(i)+"\x00", codes[i], 1)
	}
	return text
}

// resolveTrimmed retries without trailing punctuation so "@alice." still
// resolves alice.
func resolveTrimmed(name string, lookup func(string) (string, bool)) (token, rest string, ok bool) {
	for trimmed := name; trimmed != ""; trimmed = trimmed[:len(trimmed)-1] {
		if token, ok := lookup(trimmed); ok {
			return token, name[len(trimmed):], true
		}
		if last := trimmed[len(trimmed)-1]; last != '.' && last != '-' {
			break
		}
	}
	return "", "", false
}
