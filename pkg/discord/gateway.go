// Copyright 2024-2026 Remi Philippe
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at https://mozilla.org/MPL/2.0/.

package discord

import (
	"encoding/json"
	"fmt"

	disgogw "github.com/disgoorg/disgo/gateway"
	"github.com/disgoorg/snowflake/v2"
)

// Opcode identifies the kind of a gateway frame.
type Opcode disgogw.Opcode

const (
	OpDispatch            = Opcode(disgogw.OpcodeDispatch)
	OpHeartbeat           = Opcode(disgogw.OpcodeHeartbeat)
	OpIdentify            = Opcode(disgogw.OpcodeIdentify)
	OpPresenceUpdate      = Opcode(disgogw.OpcodePresenceUpdate)
	OpResume              = Opcode(disgogw.OpcodeResume)
	OpReconnect           = Opcode(disgogw.OpcodeReconnect)
	OpRequestGuildMembers = Opcode(disgogw.OpcodeRequestGuildMembers)
	OpInvalidSession      = Opcode(disgogw.OpcodeInvalidSession)
	OpHello               = Opcode(disgogw.OpcodeHello)
	OpHeartbeatAck        = Opcode(disgogw.OpcodeHeartbeatACK)
)

func (op Opcode) String() string {
	switch op {
	case OpDispatch:
		return "dispatch"
	case OpHeartbeat:
		return "heartbeat"
	case OpIdentify:
		return "identify"
	case OpPresenceUpdate:
		return "presence_update"
	case OpResume:
		return "resume"
	case OpReconnect:
		return "reconnect"
	case OpRequestGuildMembers:
		return "request_guild_members"
	case OpInvalidSession:
		return "invalid_session"
	case OpHello:
		return "hello"
	case OpHeartbeatAck:
		return "heartbeat_ack"
	default:
		return fmt.Sprintf("op_%d", int(op))
	}
}

// Frame is the gateway envelope. S and T are only set on dispatch frames.
type Frame struct {
	Op Opcode          `json:"op"`
	D  json.RawMessage `json:"d,omitempty"`
	S  *int64          `json:"s,omitempty"`
	T  string          `json:"t,omitempty"`
}

// NewFrame encodes data as the payload of an outbound frame.
func NewFrame(op Opcode, data any) (Frame, error) {
	raw, err := json.Marshal(data)
	if err != nil {
		return Frame{}, fmt.Errorf("failed to marshal %s payload: %w", op, err)
	}
	return Frame{Op: op, D: raw}, nil
}

// Intents select which event groups the gateway delivers.
type Intents disgogw.Intents

const (
	IntentGuilds                 = Intents(disgogw.IntentGuilds)
	IntentGuildMembers           = Intents(disgogw.IntentGuildMembers)
	IntentGuildPresences         = Intents(disgogw.IntentGuildPresences)
	IntentGuildMessages          = Intents(disgogw.IntentGuildMessages)
	IntentGuildMessageReactions  = Intents(disgogw.IntentGuildMessageReactions)
	IntentGuildMessageTyping     = Intents(disgogw.IntentGuildMessageTyping)
	IntentDirectMessages         = Intents(disgogw.IntentDirectMessages)
	IntentDirectMessageReactions = Intents(disgogw.IntentDirectMessageReactions)
	IntentMessageContent         = Intents(disgogw.IntentMessageContent)

	IntentsDefault = IntentGuilds | IntentGuildMembers | IntentGuildPresences |
		IntentGuildMessages | IntentGuildMessageReactions | IntentDirectMessages |
		IntentDirectMessageReactions | IntentMessageContent
)

// Hello is the first frame the server sends on a new connection.
type Hello struct {
	HeartbeatInterval int64 `json:"heartbeat_interval"`
}

// IdentifyProperties describes the connecting client.
type IdentifyProperties struct {
	OS      string `json:"os"`
	Browser string `json:"browser"`
	Device  string `json:"device"`
}

// Identify starts a fresh session.
type Identify struct {
	Token      string             `json:"token"`
	Properties IdentifyProperties `json:"properties"`
	Compress   bool               `json:"compress,omitempty"`
	Intents    Intents            `json:"intents"`
}

// Resume reattaches to an existing session.
type Resume struct {
	Token     string `json:"token"`
	SessionID string `json:"session_id"`
	Seq       int64  `json:"seq"`
}

// Ready carries the initial snapshot of a fresh session.
type Ready struct {
	Version          int                `json:"v"`
	User             User               `json:"user"`
	Guilds           []UnavailableGuild `json:"guilds"`
	PrivateChannels  []Channel          `json:"private_channels,omitempty"`
	SessionID        string             `json:"session_id"`
	ResumeGatewayURL string             `json:"resume_gateway_url,omitempty"`
}

// Close codes sent by the gateway.
const (
	CloseUnknownError         = 4000
	CloseDecodeError          = 4002
	CloseNotAuthenticated     = 4003
	CloseAuthenticationFailed = 4004
	CloseInvalidSeq           = 4007
	CloseRateLimited          = 4008
	CloseSessionTimedOut      = 4009
	CloseInvalidIntents       = 4013
	CloseDisallowedIntents    = 4014
)

// IsFatalClose reports whether reconnecting after the close code cannot succeed.
func IsFatalClose(code int) bool {
	switch code {
	case CloseAuthenticationFailed, CloseInvalidIntents, CloseDisallowedIntents:
		return true
	}
	return false
}

// IsSessionInvalidatingClose reports whether the close code rules out resuming.
func IsSessionInvalidatingClose(code int) bool {
	return code == CloseInvalidSeq || code == CloseSessionTimedOut
}

// RequestGuildMembers asks the gateway for a chunk of a guild's member list.
type RequestGuildMembers struct {
	GuildID   snowflake.ID   `json:"guild_id"`
	Query     *string        `json:"query,omitempty"`
	Limit     int            `json:"limit"`
	Presences bool           `json:"presences,omitempty"`
	UserIDs   []snowflake.ID `json:"user_ids,omitempty"`
}
