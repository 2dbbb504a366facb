// Copyright 2024-2026 Aiku AI

package translate

import (
	"time"

	"github.com/disgoorg/snowflake/v2"

	"github.com/aiku/cordbridge/pkg/discord"
)

// Command is one buffer mutation. Commands for the same channel must be
// applied in the order they were produced.
type Command interface {
	isCommand()
}

// Line is a rendered chat line.
type Line struct {
	MessageID   *snowflake.ID
	Prefix      string
	PrefixColor int // 0xRRGGBB, 0 for the host default
	Text        string
	Timestamp   time.Time
	Tags        []string
	Highlight   bool
	Backlog     bool
}

// EnsureBuffer opens the channel's buffer unless it is already open.
type EnsureBuffer struct {
	Buffer BufferInfo
}

// CloseBuffer closes the channel's buffer if it is open.
type CloseBuffer struct {
	ChannelID snowflake.ID
}

// RenameBuffer refreshes the name and local variables of an open buffer.
type RenameBuffer struct {
	Buffer BufferInfo
}

// AppendLine prints a line in the channel's buffer.
type AppendLine struct {
	ChannelID snowflake.ID
	Line      Line
}

// RemoveLine replaces the line of an edited or deleted message. A nil
// Replacement marks the message as deleted.
type RemoveLine struct {
	ChannelID   snowflake.ID
	MessageID   snowflake.ID
	Replacement *Line
}

// SetBufferTitle sets the buffer title, usually the channel topic.
type SetBufferTitle struct {
	ChannelID snowflake.ID
	Title     string
}

// SetMemberPresence adds, moves or removes a nick in the nicklists of
// every open buffer of the guild.
type SetMemberPresence struct {
	GuildID snowflake.ID
	UserID  snowflake.ID
	Nick    string
	Color   int
	Status  discord.PresenceStatus
	Removed bool
}

func (EnsureBuffer) isCommand()      {}
func (CloseBuffer) isCommand()       {}
func (RenameBuffer) isCommand()      {}
func (AppendLine) isCommand()        {}
func (RemoveLine) isCommand()        {}
func (SetBufferTitle) isCommand()    {}
func (SetMemberPresence) isCommand() {}

// Line tags understood by the host.
const (
	TagNotifyMessage   = "notify_message"
	TagNotifyPrivate   = "notify_private"
	TagNotifyHighlight = "notify_highlight"
	TagNotifyNone      = "notify_none"
	TagSelfMessage     = "self_msg"
	TagNoHighlight     = "no_highlight"
	TagBacklog         = "logger_backlog"
	TagEdited          = "discord_edited"
	TagDeleted         = "discord_deleted"
	TagReaction        = "discord_reaction"
)

// NickTag returns the tag naming the author of a line.
func NickTag(nick string) string {
	return "nick_" + nick
}
