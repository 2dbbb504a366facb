// Copyright 2024-2026 Remi Philippe
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at https://mozilla.org/MPL/2.0/.

package cache

import (
	"fmt"

	"github.com/disgoorg/snowflake/v2"

	"github.com/aiku/cordbridge/pkg/discord"
)

// Delta reports what applying an event changed that can no longer be read
// back from the cache afterwards.
type Delta struct {
	// RemovedChannels lists channels that stopped existing: a deleted
	// channel, every channel of a deleted guild, or channels missing from
	// a fresh guild snapshot.
	RemovedChannels []snowflake.ID
	// Messages holds the cached state of edited or deleted messages.
	// Messages outside the window are absent.
	Messages []Message
	// Duplicate is set for a MESSAGE_CREATE whose id was already cached.
	Duplicate bool
	// PreviousStatus is the status before a PRESENCE_UPDATE.
	PreviousStatus discord.PresenceStatus
	// Outage is set when GUILD_DELETE only marked the guild unavailable.
	Outage bool
	// Ignored is set when the event carried nothing new, such as a delete
	// of an already deleted message.
	Ignored bool
}

// Apply applies a decoded gateway event. Events that do not touch cached
// state return an empty Delta.
func (c *Cache) Apply(evt discord.Event) (Delta, error) {
	var delta Delta
	var err error
	switch data := evt.Data.(type) {
	case *discord.Ready:
		delta.RemovedChannels, err = c.ApplyReady(*data)
	case *discord.Guild:
		delta.RemovedChannels, err = c.ReplaceGuild(*data)
	case *discord.GuildUpdate:
		err = c.UpdateGuild(*data)
	case *discord.UnavailableGuild:
		if data.Unavailable {
			delta.Outage = true
			err = c.MarkGuildUnavailable(data.ID)
		} else {
			delta.RemovedChannels, err = c.RemoveGuild(data.ID)
		}
	case *discord.Channel:
		switch evt.Type {
		case discord.EventChannelDelete, discord.EventThreadDelete:
			var found bool
			_, found, err = c.RemoveChannel(data.ID)
			if found {
				delta.RemovedChannels = []snowflake.ID{data.ID}
			} else {
				delta.Ignored = true
			}
		default:
			err = c.UpsertChannel(*data)
		}
	case *discord.Member:
		if data.GuildID == nil {
			return delta, fmt.Errorf("%s without guild id", evt.Type)
		}
		err = c.UpsertMember(*data.GuildID, *data)
	case *discord.MemberUpdate:
		err = c.UpdateMember(*data)
	case *discord.MemberRemove:
		err = c.RemoveMember(data.GuildID, data.User.ID)
	case *discord.MembersChunk:
		err = c.ApplyMembersChunk(*data)
	case *discord.RoleEvent:
		err = c.UpsertRole(data.GuildID, data.Role)
	case *discord.RoleDelete:
		err = c.RemoveRole(data.GuildID, data.RoleID)
	case *discord.Message:
		var isNew bool
		isNew, err = c.PutMessage(*data)
		delta.Duplicate = err == nil && !isNew
	case *discord.MessageUpdate:
		if prev, ok := c.Message(data.ID); ok && prev.Deleted {
			delta.Ignored = true
			break
		}
		var msg Message
		var ok bool
		msg, ok, err = c.UpdateMessage(*data)
		if ok {
			delta.Messages = []Message{msg}
		}
	case *discord.MessageDelete:
		delta.Messages, delta.Ignored, err = c.deleteMessages(data.ID)
	case *discord.MessageDeleteBulk:
		delta.Messages, delta.Ignored, err = c.deleteMessages(data.IDs...)
	case *discord.Presence:
		delta.PreviousStatus, err = c.UpdatePresence(*data)
	case *discord.User:
		err = c.UpsertUser(*data)
	}
	return delta, err
}

// deleteMessages tombstones messages. ignored is true when every id was
// already a tombstone.
func (c *Cache) deleteMessages(ids ...snowflake.ID) (deleted []Message, ignored bool, err error) {
	tombstones := 0
	for _, id := range ids {
		if prev, ok := c.Message(id); ok && prev.Deleted {
			tombstones++
			continue
		}
		msg, ok, err := c.DeleteMessage(id)
		if err != nil {
			return deleted, false, err
		}
		if ok {
			deleted = append(deleted, msg)
		}
	}
	return deleted, len(ids) > 0 && tombstones == len(ids), nil
}
