// Copyright 2024-2026 Remi Philippe
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at https://mozilla.org/MPL/2.0/.

package cache

import (
	"github.com/disgoorg/snowflake/v2"
	"go.mau.fi/util/ptr"

	"github.com/aiku/cordbridge/pkg/discord"
)

func messageFromWire(msg discord.Message) Message {
	return Message{
		ID:              msg.ID,
		ChannelID:       msg.ChannelID,
		GuildID:         ptr.Clone(msg.GuildID),
		AuthorID:        msg.Author.ID,
		Content:         msg.Content,
		Timestamp:       msg.Timestamp,
		EditedTimestamp: ptr.Clone(msg.EditedTimestamp),
		ReplyTo:         ptr.Clone(msg.ReplyTo()),
		Nonce:           msg.Nonce,
	}
}

// PutMessage stores a message and the users it references. It returns
// false if the message id was already in the window, which is how an
// echo of a message sent over REST is recognized.
func (c *Cache) PutMessage(msg discord.Message) (bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return false, ErrClosed
	}
	c.mergeUserLocked(msg.Author)
	for _, mentioned := range msg.Mentions {
		c.mergeUserLocked(mentioned)
	}
	if msg.Member != nil && msg.GuildID != nil {
		if entry, ok := c.guilds[*msg.GuildID]; ok {
			member := *msg.Member
			member.User = &msg.Author
			c.putMemberLocked(entry, member)
		}
	}
	if c.messages.Contains(msg.ID) {
		return false, nil
	}
	c.messages.Push(msg.ID, messageFromWire(msg))
	return true, nil
}

// UpdateMessage merges an edit into a cached message. It returns false if
// the message is outside the window.
func (c *Cache) UpdateMessage(update discord.MessageUpdate) (Message, bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return Message{}, false, ErrClosed
	}
	if update.Author != nil {
		c.mergeUserLocked(*update.Author)
	}
	for _, mentioned := range update.Mentions {
		c.mergeUserLocked(mentioned)
	}
	msg, ok := c.messages.Get(update.ID)
	if !ok {
		return Message{}, false, nil
	}
	if update.Content != nil {
		msg.Content = *update.Content
	}
	if update.EditedTimestamp != nil {
		msg.EditedTimestamp = ptr.Clone(update.EditedTimestamp)
	}
	c.messages.Replace(update.ID, msg)
	return msg, true, nil
}

// DeleteMessage marks a cached message as deleted and returns its last
// state. The window cannot shrink, so the entry stays as a tombstone.
func (c *Cache) DeleteMessage(id snowflake.ID) (Message, bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return Message{}, false, ErrClosed
	}
	msg, ok := c.messages.Get(id)
	if !ok || msg.Deleted {
		return msg, ok, nil
	}
	msg.Deleted = true
	c.messages.Replace(id, msg)
	return msg, true, nil
}

// Message returns a cached message, including tombstones.
func (c *Cache) Message(id snowflake.ID) (Message, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.closed {
		return Message{}, false
	}
	return c.messages.Get(id)
}

// LastMessage returns the newest live message in a channel, optionally
// restricted to one author. Newest is by id, not by insertion, since
// history loads insert older messages after live ones.
func (c *Cache) LastMessage(channelID snowflake.ID, authorID *snowflake.ID) (Message, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.closed {
		return Message{}, false
	}
	var found Message
	ok := false
	_ = c.messages.Iter(func(_ snowflake.ID, msg Message) error {
		if msg.ChannelID != channelID || msg.Deleted {
			return nil
		}
		if authorID != nil && msg.AuthorID != *authorID {
			return nil
		}
		if !ok || msg.ID > found.ID {
			found, ok = msg, true
		}
		return nil
	})
	return found, ok
}
