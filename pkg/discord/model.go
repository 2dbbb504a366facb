// Copyright 2024-2026 Remi Philippe
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at https://mozilla.org/MPL/2.0/.

package discord

import (
	"time"

	disgo "github.com/disgoorg/disgo/discord"
	"github.com/disgoorg/snowflake/v2"
)

// ChannelType is the remote channel kind, classified for buffer handling.
type ChannelType disgo.ChannelType

const (
	ChannelTypeGuildText          = ChannelType(disgo.ChannelTypeGuildText)
	ChannelTypeDM                 = ChannelType(disgo.ChannelTypeDM)
	ChannelTypeGuildVoice         = ChannelType(disgo.ChannelTypeGuildVoice)
	ChannelTypeGroupDM            = ChannelType(disgo.ChannelTypeGroupDM)
	ChannelTypeGuildCategory      = ChannelType(disgo.ChannelTypeGuildCategory)
	ChannelTypeGuildNews          = ChannelType(disgo.ChannelTypeGuildNews)
	ChannelTypeGuildNewsThread    = ChannelType(disgo.ChannelTypeGuildNewsThread)
	ChannelTypeGuildPublicThread  = ChannelType(disgo.ChannelTypeGuildPublicThread)
	ChannelTypeGuildPrivateThread = ChannelType(disgo.ChannelTypeGuildPrivateThread)
	ChannelTypeGuildStageVoice    = ChannelType(disgo.ChannelTypeGuildStageVoice)
	ChannelTypeGuildForum         = ChannelType(disgo.ChannelTypeGuildForum)
)

// IsPrivate reports whether the channel is a direct or group message channel.
func (t ChannelType) IsPrivate() bool {
	return t == ChannelTypeDM || t == ChannelTypeGroupDM
}

// IsThread reports whether the channel is a thread.
func (t ChannelType) IsThread() bool {
	return t == ChannelTypeGuildNewsThread || t == ChannelTypeGuildPublicThread || t == ChannelTypeGuildPrivateThread
}

// IsText reports whether messages can be read and written in the channel.
func (t ChannelType) IsText() bool {
	switch t {
	case ChannelTypeGuildText, ChannelTypeGuildNews, ChannelTypeDM, ChannelTypeGroupDM:
		return true
	}
	return t.IsThread()
}

func (t ChannelType) String() string {
	switch {
	case t.IsPrivate():
		return "dm"
	case t.IsThread():
		return "thread"
	case t == ChannelTypeGuildVoice || t == ChannelTypeGuildStageVoice:
		return "voice"
	case t == ChannelTypeGuildCategory:
		return "category"
	default:
		return "text"
	}
}

// PresenceStatus is a user's online state.
type PresenceStatus = disgo.OnlineStatus

const (
	StatusOnline       = disgo.OnlineStatusOnline
	StatusIdle         = disgo.OnlineStatusIdle
	StatusDoNotDisturb = disgo.OnlineStatusDND
	StatusOffline      = disgo.OnlineStatusOffline
	StatusInvisible    = disgo.OnlineStatusInvisible
)

// User is a remote account.
type User struct {
	ID            snowflake.ID `json:"id"`
	Username      string       `json:"username"`
	Discriminator string       `json:"discriminator,omitempty"`
	GlobalName    *string      `json:"global_name,omitempty"`
	Avatar        *string      `json:"avatar,omitempty"`
	Bot           bool         `json:"bot,omitempty"`
}

// DisplayName returns the global display name if one is set, otherwise the username.
func (u User) DisplayName() string {
	if u.GlobalName != nil && *u.GlobalName != "" {
		return *u.GlobalName
	}
	return u.Username
}

// Tag returns username#discriminator for legacy accounts and the bare
// username for accounts migrated to unique usernames.
func (u User) Tag() string {
	if u.Discriminator == "" || u.Discriminator == "0" {
		return u.Username
	}
	return u.Username + "#" + u.Discriminator
}

// OverwriteType distinguishes role and member permission overwrites.
type OverwriteType = disgo.PermissionOverwriteType

const (
	OverwriteTypeRole   = disgo.PermissionOverwriteTypeRole
	OverwriteTypeMember = disgo.PermissionOverwriteTypeMember
)

// PermissionOverwrite adjusts permissions for one role or member in a channel.
type PermissionOverwrite struct {
	ID    snowflake.ID  `json:"id"`
	Type  OverwriteType `json:"type"`
	Allow Permissions   `json:"allow"`
	Deny  Permissions   `json:"deny"`
}

// Channel is a guild channel, thread or private channel.
type Channel struct {
	ID                   snowflake.ID          `json:"id"`
	Type                 ChannelType           `json:"type"`
	GuildID              *snowflake.ID         `json:"guild_id,omitempty"`
	Name                 string                `json:"name,omitempty"`
	Topic                *string               `json:"topic,omitempty"`
	Position             int                   `json:"position,omitempty"`
	PermissionOverwrites []PermissionOverwrite `json:"permission_overwrites,omitempty"`
	ParentID             *snowflake.ID         `json:"parent_id,omitempty"`
	LastMessageID        *snowflake.ID         `json:"last_message_id,omitempty"`
	Recipients           []User                `json:"recipients,omitempty"`
}

// Role is a named permission set within a guild.
type Role struct {
	ID          snowflake.ID `json:"id"`
	Name        string       `json:"name"`
	Color       int          `json:"color"`
	Hoist       bool         `json:"hoist"`
	Position    int          `json:"position"`
	Permissions Permissions  `json:"permissions"`
	Managed     bool         `json:"managed"`
	Mentionable bool         `json:"mentionable"`
}

// Member is a user's membership in a guild. User is absent in some
// message-embedded partial members.
type Member struct {
	GuildID  *snowflake.ID  `json:"guild_id,omitempty"`
	User     *User          `json:"user,omitempty"`
	Nick     *string        `json:"nick,omitempty"`
	Roles    []snowflake.ID `json:"roles"`
	JoinedAt *time.Time     `json:"joined_at,omitempty"`
}

// Presence is a user's status in one guild.
type Presence struct {
	User    PartialUser    `json:"user"`
	GuildID *snowflake.ID  `json:"guild_id,omitempty"`
	Status  PresenceStatus `json:"status"`
}

// PartialUser carries an id and whichever user fields changed.
type PartialUser struct {
	ID            snowflake.ID `json:"id"`
	Username      *string      `json:"username,omitempty"`
	Discriminator *string      `json:"discriminator,omitempty"`
	GlobalName    *string      `json:"global_name,omitempty"`
	Avatar        *string      `json:"avatar,omitempty"`
}

// Guild is the full guild snapshot delivered by GUILD_CREATE.
type Guild struct {
	ID          snowflake.ID `json:"id"`
	Name        string       `json:"name"`
	OwnerID     snowflake.ID `json:"owner_id"`
	Unavailable bool         `json:"unavailable,omitempty"`
	MemberCount int          `json:"member_count,omitempty"`
	Roles       []Role       `json:"roles,omitempty"`
	Channels    []Channel    `json:"channels,omitempty"`
	Threads     []Channel    `json:"threads,omitempty"`
	Members     []Member     `json:"members,omitempty"`
	Presences   []Presence   `json:"presences,omitempty"`
}

// UnavailableGuild is the stub sent in READY and GUILD_DELETE.
type UnavailableGuild struct {
	ID          snowflake.ID `json:"id"`
	Unavailable bool         `json:"unavailable"`
}

// MessageReference points at the message a reply answers.
type MessageReference struct {
	MessageID *snowflake.ID `json:"message_id,omitempty"`
	ChannelID *snowflake.ID `json:"channel_id,omitempty"`
	GuildID   *snowflake.ID `json:"guild_id,omitempty"`
}

// Attachment is a file attached to a message.
type Attachment struct {
	ID       snowflake.ID `json:"id"`
	Filename string       `json:"filename"`
	URL      string       `json:"url"`
	Size     int          `json:"size"`
}

// MessageType is the kind of a message.
type MessageType = disgo.MessageType

// MessageType values that render as ordinary chat lines.
const (
	MessageTypeDefault = disgo.MessageTypeDefault
	MessageTypeReply   = disgo.MessageTypeReply
)

// Message is a chat message.
type Message struct {
	ID               snowflake.ID      `json:"id"`
	ChannelID        snowflake.ID      `json:"channel_id"`
	GuildID          *snowflake.ID     `json:"guild_id,omitempty"`
	Author           User              `json:"author"`
	Member           *Member           `json:"member,omitempty"`
	Content          string            `json:"content"`
	Timestamp        time.Time         `json:"timestamp"`
	EditedTimestamp  *time.Time        `json:"edited_timestamp,omitempty"`
	Type             MessageType       `json:"type"`
	Nonce            Nonce             `json:"nonce,omitempty"`
	Mentions         []User            `json:"mentions,omitempty"`
	MentionRoles     []snowflake.ID    `json:"mention_roles,omitempty"`
	MentionEveryone  bool              `json:"mention_everyone,omitempty"`
	Attachments      []Attachment      `json:"attachments,omitempty"`
	MessageReference *MessageReference `json:"message_reference,omitempty"`
}

// ReplyTo returns the id of the message this one replies to, if any.
func (m Message) ReplyTo() *snowflake.ID {
	if m.MessageReference == nil {
		return nil
	}
	return m.MessageReference.MessageID
}
