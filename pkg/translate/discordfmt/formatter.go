// Copyright 2024-2026 Aiku AI

// Package discordfmt renders Discord message markdown as host buffer text.
package discordfmt

import (
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/disgoorg/snowflake/v2"
)

// Resolver looks up the names mention tokens point at. A false result
// leaves the token as written.
type Resolver interface {
	UserName(id snowflake.ID) (string, bool)
	ChannelName(id snowflake.ID) (string, bool)
	RoleName(id snowflake.ID) (string, bool)
}

// Styler wraps styled spans in whatever attribute codes the host
// understands.
type Styler interface {
	Bold(s string) string
	Italic(s string) string
	Underline(s string) string
	Strike(s string) string
	Code(s string) string
	Spoiler(s string) string
	Quote(s string) string
	Mention(s string) string
}

// Plain keeps the text readable without attributes.
type Plain struct{}

func (Plain) Bold(s string) string      { return s }
func (Plain) Italic(s string) string    { return s }
func (Plain) Underline(s string) string { return s }
func (Plain) Strike(s string) string    { return s }
func (Plain) Code(s string) string      { return s }
func (Plain) Spoiler(s string) string   { return "||" + s + "||" }
func (Plain) Quote(s string) string     { return "| " + s }
func (Plain) Mention(s string) string   { return s }

var (
	codeBlockRe = regexp.MustCompile("(?s)```(?:[\\w+-]+\\n)?\\n?(.*?)```")
	codeRe      = regexp.MustCompile("`([^`\n]+)`")

	userMentionRe    = regexp.MustCompile(`<@!?(\d+)>`)
	channelMentionRe = regexp.MustCompile(`<#(\d+)>`)
	roleMentionRe    = regexp.MustCompile(`<@&(\d+)>`)
	emojiRe          = regexp.MustCompile(`<a?:(\w+):\d+>`)
	timestampRe      = regexp.MustCompile(`<t:(-?\d+)(?::([tTdDfFR]))?>`)

	boldRe        = regexp.MustCompile(`\*\*(.+?)\*\*`)
	underlineRe   = regexp.MustCompile(`__(.+?)__`)
	italicStarRe  = regexp.MustCompile(`\*([^*\s](?:[^*]*[^*\s])?)\*`)
	italicUnderRe = regexp.MustCompile(`(^|\W)_([^_\s](?:[^_]*[^_\s])?)_(\W|$)`)
	strikeRe      = regexp.MustCompile(`~~(.+?)~~`)
	spoilerRe     = regexp.MustCompile(`\|\|(.+?)\|\|`)
	quoteRe       = regexp.MustCompile(`(?m)^>>?>? (.*)$`)
)

const placeholder = "\x00"

// Render converts message content to buffer text. Code spans are left
// untouched by mention and markdown processing.
func Render(content string, r Resolver, style Styler) string {
	if content == "" {
		return ""
	}
	if style == nil {
		style = Plain{}
	}

	// Step 1: pull code out so nothing inside it is rewritten.
	var codes []string
	stash := func(s string) string {
		codes = append(codes, s)
		return placeholder + strconv.Itoa(len(codes)-1) + placeholder
	}
	text := codeBlockRe.ReplaceAllStringFunc(content, func(match string) string {
		body := codeBlockRe.FindStringSubmatch(match)[1]
		return stash(style.Code(strings.TrimSuffix(body, "\n")))
	})
	text = codeRe.ReplaceAllStringFunc(text, func(match string) string {
		return stash(style.Code(codeRe.FindStringSubmatch(match)[1]))
	})

	// Step 2: mentions and inline tokens.
	text = ReplaceMentions(text, r, style)
	text = emojiRe.ReplaceAllString(text, ":$1:")
	text = timestampRe.ReplaceAllStringFunc(text, renderTimestamp)

	// Step 3: inline formatting, longest markers first.
	text = boldRe.ReplaceAllStringFunc(text, wrap(boldRe, style.Bold))
	text = underlineRe.ReplaceAllStringFunc(text, wrap(underlineRe, style.Underline))
	text = italicStarRe.ReplaceAllStringFunc(text, wrap(italicStarRe, style.Italic))
	text = italicUnderRe.ReplaceAllStringFunc(text, func(match string) string {
		m := italicUnderRe.FindStringSubmatch(match)
		return m[1] + style.Italic(m[2]) + m[3]
	})
	text = strikeRe.ReplaceAllStringFunc(text, wrap(strikeRe, style.Strike))
	text = spoilerRe.ReplaceAllStringFunc(text, wrap(spoilerRe, style.Spoiler))
	text = quoteRe.ReplaceAllStringFunc(text, wrap(quoteRe, style.Quote))

	// Step 4: restore code, newest first since inline code may wrap an
	// earlier block's placeholder.
	for i := len(codes) - 1; i >= 0; i-- {
		text = strings.Replace(text, placeholder+strconv.Itoa(i)+placeholder, codes[i], 1)
	}
	return text
}

// ReplaceMentions resolves user, role and channel mention tokens. Tokens
// that cannot be resolved are kept literally.
func ReplaceMentions(text string, r Resolver, style Styler) string {
	if r == nil {
		return text
	}
	if style == nil {
		style = Plain{}
	}
	text = roleMentionRe.ReplaceAllStringFunc(text, resolveWith(roleMentionRe, r.RoleName, "@", style))
	text = userMentionRe.ReplaceAllStringFunc(text, resolveWith(userMentionRe, r.UserName, "@", style))
	text = channelMentionRe.ReplaceAllStringFunc(text, resolveWith(channelMentionRe, r.ChannelName, "#", style))
	return text
}

func resolveWith(re *regexp.Regexp, lookup func(snowflake.ID) (string, bool), sigil string, style Styler) func(string) string {
	return func(match string) string {
		id, err := snowflake.Parse(re.FindStringSubmatch(match)[1])
		if err != nil {
			return match
		}
		name, ok := lookup(id)
		if !ok {
			return match
		}
		return style.Mention(sigil + name)
	}
}

func wrap(re *regexp.Regexp, fn func(string) string) func(string) string {
	return func(match string) string {
		return fn(re.FindStringSubmatch(match)[1])
	}
}

func renderTimestamp(match string) string {
	m := timestampRe.FindStringSubmatch(match)
	secs, err := strconv.ParseInt(m[1], 10, 64)
	if err != nil {
		return match
	}
	t := time.Unix(secs, 0).UTC()
	switch m[2] {
	case "t":
		return t.Format("15:04")
	case "T":
		return t.Format("15:04:05")
	case "d":
		return t.Format("2006-01-02")
	case "D":
		return t.Format("January 2, 2006")
	case "F":
		return t.Format("Monday, January 2, 2006 15:04")
	default:
		return t.Format("2006-01-02 15:04")
	}
}
