// Copyright 2024-2026 Aiku AI

package discord

import (
	"bytes"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/disgoorg/snowflake/v2"
)

// ParseID parses a decimal snowflake id.
func ParseID(s string) (snowflake.ID, error) {
	id, err := snowflake.Parse(strings.TrimSpace(s))
	if err != nil {
		return 0, fmt.Errorf("invalid id %q: %w", s, err)
	}
	return id, nil
}

// MentionUser formats a user mention token.
func MentionUser(id snowflake.ID) string {
	return "<@" + id.String() + ">"
}

// MentionChannel formats a channel mention token.
func MentionChannel(id snowflake.ID) string {
	return "<#" + id.String() + ">"
}

// MentionRole formats a role mention token.
func MentionRole(id snowflake.ID) string {
	return "<@&" + id.String() + ">"
}

const messageTagPrefix = "discord_msgid_"

// MessageTag is the host line tag that marks the line rendering a message.
func MessageTag(id snowflake.ID) string {
	return messageTagPrefix + id.String()
}

// ParseMessageTag extracts the message id from a line tag.
func ParseMessageTag(tag string) (snowflake.ID, bool) {
	rest, ok := strings.CutPrefix(tag, messageTagPrefix)
	if !ok {
		return 0, false
	}
	id, err := snowflake.Parse(rest)
	if err != nil {
		return 0, false
	}
	return id, true
}

// Nonce correlates a message sent over REST with its gateway echo. The
// gateway may encode it as a string or an integer.
type Nonce string

// NewNonce returns a fresh nonce derived from the current time.
func NewNonce() Nonce {
	return Nonce(snowflake.New(time.Now()).String())
}

func (n *Nonce) UnmarshalJSON(data []byte) error {
	if bytes.Equal(data, []byte("null")) {
		*n = ""
		return nil
	}
	if len(data) > 0 && data[0] == '"' {
		str, err := strconv.Unquote(string(data))
		if err != nil {
			return fmt.Errorf("invalid nonce %s: %w", data, err)
		}
		*n = Nonce(str)
		return nil
	}
	if _, err := strconv.ParseInt(string(data), 10, 64); err != nil {
		return fmt.Errorf("invalid nonce %s: %w", data, err)
	}
	*n = Nonce(data)
	return nil
}
