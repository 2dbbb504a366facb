// Copyright 2024-2026 Remi Philippe
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at https://mozilla.org/MPL/2.0/.

package discord

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/disgoorg/snowflake/v2"
)

// Dispatch event names.
const (
	EventReady             = "READY"
	EventResumed           = "RESUMED"
	EventGuildCreate       = "GUILD_CREATE"
	EventGuildUpdate       = "GUILD_UPDATE"
	EventGuildDelete       = "GUILD_DELETE"
	EventChannelCreate     = "CHANNEL_CREATE"
	EventChannelUpdate     = "CHANNEL_UPDATE"
	EventChannelDelete     = "CHANNEL_DELETE"
	EventThreadCreate      = "THREAD_CREATE"
	EventThreadUpdate      = "THREAD_UPDATE"
	EventThreadDelete      = "THREAD_DELETE"
	EventMemberAdd         = "GUILD_MEMBER_ADD"
	EventMemberUpdate      = "GUILD_MEMBER_UPDATE"
	EventMemberRemove      = "GUILD_MEMBER_REMOVE"
	EventMembersChunk      = "GUILD_MEMBERS_CHUNK"
	EventRoleCreate        = "GUILD_ROLE_CREATE"
	EventRoleUpdate        = "GUILD_ROLE_UPDATE"
	EventRoleDelete        = "GUILD_ROLE_DELETE"
	EventMessageCreate     = "MESSAGE_CREATE"
	EventMessageUpdate     = "MESSAGE_UPDATE"
	EventMessageDelete     = "MESSAGE_DELETE"
	EventMessageDeleteBulk = "MESSAGE_DELETE_BULK"
	EventReactionAdd       = "MESSAGE_REACTION_ADD"
	EventReactionRemove    = "MESSAGE_REACTION_REMOVE"
	EventPresenceUpdate    = "PRESENCE_UPDATE"
	EventTypingStart       = "TYPING_START"
	EventUserUpdate        = "USER_UPDATE"
)

// Event is a decoded dispatch frame.
type Event struct {
	Seq  int64
	Type string
	Data any
}

// Resumed is the (empty) payload of RESUMED.
type Resumed struct{}

// GuildUpdate is the partial payload of GUILD_UPDATE.
type GuildUpdate struct {
	ID      snowflake.ID  `json:"id"`
	Name    *string       `json:"name,omitempty"`
	OwnerID *snowflake.ID `json:"owner_id,omitempty"`
}

// MemberUpdate is the payload of GUILD_MEMBER_UPDATE. Absent fields are
// left untouched when merged.
type MemberUpdate struct {
	GuildID snowflake.ID    `json:"guild_id"`
	User    User            `json:"user"`
	Nick    *string         `json:"nick"`
	Roles   *[]snowflake.ID `json:"roles,omitempty"`
}

// UnmarshalJSON distinguishes an explicit null nick (cleared) from an
// absent nick (unchanged).
func (mu *MemberUpdate) UnmarshalJSON(data []byte) error {
	type rawMemberUpdate MemberUpdate
	var raw struct {
		rawMemberUpdate
		Nick json.RawMessage `json:"nick"`
	}
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	*mu = MemberUpdate(raw.rawMemberUpdate)
	mu.Nick = nil
	switch {
	case raw.Nick == nil:
	case string(raw.Nick) == "null":
		empty := ""
		mu.Nick = &empty
	default:
		var nick string
		if err := json.Unmarshal(raw.Nick, &nick); err != nil {
			return fmt.Errorf("invalid nick: %w", err)
		}
		mu.Nick = &nick
	}
	return nil
}

// MemberRemove is the payload of GUILD_MEMBER_REMOVE.
type MemberRemove struct {
	GuildID snowflake.ID `json:"guild_id"`
	User    User         `json:"user"`
}

// MembersChunk is the payload of GUILD_MEMBERS_CHUNK.
type MembersChunk struct {
	GuildID    snowflake.ID `json:"guild_id"`
	Members    []Member     `json:"members"`
	Presences  []Presence   `json:"presences,omitempty"`
	ChunkIndex int          `json:"chunk_index"`
	ChunkCount int          `json:"chunk_count"`
}

// RoleEvent is the payload of GUILD_ROLE_CREATE and GUILD_ROLE_UPDATE.
type RoleEvent struct {
	GuildID snowflake.ID `json:"guild_id"`
	Role    Role         `json:"role"`
}

// RoleDelete is the payload of GUILD_ROLE_DELETE.
type RoleDelete struct {
	GuildID snowflake.ID `json:"guild_id"`
	RoleID  snowflake.ID `json:"role_id"`
}

// MessageUpdate is the partial payload of MESSAGE_UPDATE.
type MessageUpdate struct {
	ID              snowflake.ID  `json:"id"`
	ChannelID       snowflake.ID  `json:"channel_id"`
	GuildID         *snowflake.ID `json:"guild_id,omitempty"`
	Author          *User         `json:"author,omitempty"`
	Content         *string       `json:"content,omitempty"`
	EditedTimestamp *time.Time    `json:"edited_timestamp,omitempty"`
	Mentions        []User        `json:"mentions,omitempty"`
	Attachments     []Attachment  `json:"attachments,omitempty"`
}

// MessageDelete is the payload of MESSAGE_DELETE.
type MessageDelete struct {
	ID        snowflake.ID  `json:"id"`
	ChannelID snowflake.ID  `json:"channel_id"`
	GuildID   *snowflake.ID `json:"guild_id,omitempty"`
}

// MessageDeleteBulk is the payload of MESSAGE_DELETE_BULK.
type MessageDeleteBulk struct {
	IDs       []snowflake.ID `json:"ids"`
	ChannelID snowflake.ID   `json:"channel_id"`
	GuildID   *snowflake.ID  `json:"guild_id,omitempty"`
}

// Emoji identifies a reaction emoji. Unicode emoji have no id.
type Emoji struct {
	ID   *snowflake.ID `json:"id,omitempty"`
	Name string        `json:"name"`
}

// Reaction is the payload of MESSAGE_REACTION_ADD and MESSAGE_REACTION_REMOVE.
type Reaction struct {
	UserID    snowflake.ID  `json:"user_id"`
	ChannelID snowflake.ID  `json:"channel_id"`
	MessageID snowflake.ID  `json:"message_id"`
	GuildID   *snowflake.ID `json:"guild_id,omitempty"`
	Emoji     Emoji         `json:"emoji"`
}

// TypingStart is the payload of TYPING_START.
type TypingStart struct {
	ChannelID snowflake.ID  `json:"channel_id"`
	GuildID   *snowflake.ID `json:"guild_id,omitempty"`
	UserID    snowflake.ID  `json:"user_id"`
	Timestamp int64         `json:"timestamp"`
}

// DecodeEvent decodes a dispatch payload into its typed form. Unknown
// event names return (nil, nil) so callers can skip them.
func DecodeEvent(name string, data json.RawMessage) (any, error) {
	var target any
	switch name {
	case EventReady:
		target = &Ready{}
	case EventResumed:
		return &Resumed{}, nil
	case EventGuildCreate:
		target = &Guild{}
	case EventGuildUpdate:
		target = &GuildUpdate{}
	case EventGuildDelete:
		target = &UnavailableGuild{}
	case EventChannelCreate, EventChannelUpdate, EventChannelDelete,
		EventThreadCreate, EventThreadUpdate, EventThreadDelete:
		target = &Channel{}
	case EventMemberAdd:
		target = &Member{}
	case EventMemberUpdate:
		target = &MemberUpdate{}
	case EventMemberRemove:
		target = &MemberRemove{}
	case EventMembersChunk:
		target = &MembersChunk{}
	case EventRoleCreate, EventRoleUpdate:
		target = &RoleEvent{}
	case EventRoleDelete:
		target = &RoleDelete{}
	case EventMessageCreate:
		target = &Message{}
	case EventMessageUpdate:
		target = &MessageUpdate{}
	case EventMessageDelete:
		target = &MessageDelete{}
	case EventMessageDeleteBulk:
		target = &MessageDeleteBulk{}
	case EventReactionAdd, EventReactionRemove:
		target = &Reaction{}
	case EventPresenceUpdate:
		target = &Presence{}
	case EventTypingStart:
		target = &TypingStart{}
	case EventUserUpdate:
		target = &User{}
	default:
		return nil, nil
	}
	if err := json.Unmarshal(data, target); err != nil {
		return nil, fmt.Errorf("failed to decode %s: %w", name, err)
	}
	return target, nil
}
