// Copyright 2024-2026 Remi Philippe
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at https://mozilla.org/MPL/2.0/.

package cache

import (
	"fmt"
	"slices"

	"github.com/disgoorg/snowflake/v2"
	"go.mau.fi/util/ptr"

	"github.com/aiku/cordbridge/pkg/discord"
)

// UpsertMember stores a full member. Role ids unknown to the guild are
// dropped.
func (c *Cache) UpsertMember(guildID snowflake.ID, m discord.Member) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return ErrClosed
	}
	entry, ok := c.guilds[guildID]
	if !ok {
		return fmt.Errorf("%w: %s", ErrMissingGuild, guildID)
	}
	if m.User == nil {
		return fmt.Errorf("member update for guild %s has no user", guildID)
	}
	c.putMemberLocked(entry, m)
	return nil
}

func (c *Cache) putMemberLocked(entry *guildEntry, m discord.Member) {
	if m.User == nil {
		return
	}
	c.users[m.User.ID] = cloneUser(*m.User)
	c.members[memberKey{guild: entry.id, user: m.User.ID}] = &memberEntry{
		nick:     ptr.Clone(m.Nick),
		roles:    c.filterRolesLocked(entry, m.Roles),
		joinedAt: ptr.Clone(m.JoinedAt),
	}
	entry.members[m.User.ID] = struct{}{}
}

func (c *Cache) filterRolesLocked(entry *guildEntry, roles []snowflake.ID) []snowflake.ID {
	filtered := make([]snowflake.ID, 0, len(roles))
	for _, id := range roles {
		if _, ok := entry.roles[id]; ok && !slices.Contains(filtered, id) {
			filtered = append(filtered, id)
		}
	}
	slices.Sort(filtered)
	return filtered
}

// UpdateMember merges a partial member update. A member not yet cached is
// created from the update.
func (c *Cache) UpdateMember(update discord.MemberUpdate) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return ErrClosed
	}
	entry, ok := c.guilds[update.GuildID]
	if !ok {
		return fmt.Errorf("%w: %s", ErrMissingGuild, update.GuildID)
	}
	c.mergeUserLocked(update.User)

	key := memberKey{guild: update.GuildID, user: update.User.ID}
	m, ok := c.members[key]
	if !ok {
		m = &memberEntry{}
		c.members[key] = m
		entry.members[update.User.ID] = struct{}{}
	}
	if update.Nick != nil {
		if *update.Nick == "" {
			m.nick = nil
		} else {
			m.nick = ptr.Clone(update.Nick)
		}
	}
	if update.Roles != nil {
		m.roles = c.filterRolesLocked(entry, *update.Roles)
	}
	return nil
}

// mergeUserLocked updates a cached user with the non-empty fields of u,
// or stores u if the user is unknown.
func (c *Cache) mergeUserLocked(u discord.User) {
	existing, ok := c.users[u.ID]
	if !ok {
		c.users[u.ID] = cloneUser(u)
		return
	}
	if u.Username != "" {
		existing.Username = u.Username
	}
	if u.Discriminator != "" {
		existing.Discriminator = u.Discriminator
	}
	if u.GlobalName != nil {
		existing.GlobalName = ptr.Clone(u.GlobalName)
	}
	if u.Avatar != nil {
		existing.Avatar = ptr.Clone(u.Avatar)
	}
	existing.Bot = existing.Bot || u.Bot
	c.users[u.ID] = existing
}

// RemoveMember deletes a member. The user stays cached.
func (c *Cache) RemoveMember(guildID, userID snowflake.ID) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return ErrClosed
	}
	key := memberKey{guild: guildID, user: userID}
	delete(c.members, key)
	delete(c.presences, key)
	if entry, ok := c.guilds[guildID]; ok {
		delete(entry.members, userID)
	}
	return nil
}

// ApplyMembersChunk stores a batch of members and presences.
func (c *Cache) ApplyMembersChunk(chunk discord.MembersChunk) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return ErrClosed
	}
	entry, ok := c.guilds[chunk.GuildID]
	if !ok {
		return fmt.Errorf("%w: %s", ErrMissingGuild, chunk.GuildID)
	}
	for _, m := range chunk.Members {
		c.putMemberLocked(entry, m)
	}
	for _, p := range chunk.Presences {
		c.putPresenceLocked(chunk.GuildID, p)
	}
	return nil
}

// UpsertUser stores or merges a user.
func (c *Cache) UpsertUser(u discord.User) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return ErrClosed
	}
	c.mergeUserLocked(u)
	if c.self != nil && c.self.ID == u.ID {
		self := c.users[u.ID]
		c.self = &self
	}
	return nil
}

// UpdatePresence records a presence and merges any user fields it carries.
// It returns the previous status.
func (c *Cache) UpdatePresence(p discord.Presence) (discord.PresenceStatus, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return "", ErrClosed
	}
	if p.GuildID == nil {
		return "", fmt.Errorf("presence for user %s has no guild", p.User.ID)
	}
	if _, ok := c.guilds[*p.GuildID]; !ok {
		return "", fmt.Errorf("%w: %s", ErrMissingGuild, *p.GuildID)
	}
	key := memberKey{guild: *p.GuildID, user: p.User.ID}
	previous, ok := c.presences[key]
	if !ok {
		previous = discord.StatusOffline
	}
	c.putPresenceLocked(*p.GuildID, p)
	return previous, nil
}

func (c *Cache) putPresenceLocked(guildID snowflake.ID, p discord.Presence) {
	if existing, ok := c.users[p.User.ID]; ok {
		if p.User.Username != nil {
			existing.Username = *p.User.Username
		}
		if p.User.Discriminator != nil {
			existing.Discriminator = *p.User.Discriminator
		}
		if p.User.GlobalName != nil {
			existing.GlobalName = ptr.Clone(p.User.GlobalName)
		}
		if p.User.Avatar != nil {
			existing.Avatar = ptr.Clone(p.User.Avatar)
		}
		c.users[p.User.ID] = existing
	} else if p.User.Username != nil {
		c.users[p.User.ID] = discord.User{
			ID:         p.User.ID,
			Username:   *p.User.Username,
			GlobalName: ptr.Clone(p.User.GlobalName),
			Avatar:     ptr.Clone(p.User.Avatar),
		}
	}
	status := p.Status
	if status == discord.StatusInvisible || status == "" {
		status = discord.StatusOffline
	}
	c.presences[memberKey{guild: guildID, user: p.User.ID}] = status
}

// Member returns a member snapshot.
func (c *Cache) Member(guildID, userID snowflake.ID) (Member, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.memberLocked(guildID, userID)
}

func (c *Cache) memberLocked(guildID, userID snowflake.ID) (Member, bool) {
	key := memberKey{guild: guildID, user: userID}
	m, ok := c.members[key]
	if !ok {
		return Member{}, false
	}
	status, ok := c.presences[key]
	if !ok {
		status = discord.StatusOffline
	}
	return Member{
		GuildID:  guildID,
		UserID:   userID,
		Nick:     ptr.Clone(m.nick),
		Roles:    slices.Clone(m.roles),
		JoinedAt: ptr.Clone(m.joinedAt),
		Status:   status,
	}, true
}

// Members returns every cached member of a guild sorted by user id.
func (c *Cache) Members(guildID snowflake.ID) []Member {
	c.mu.RLock()
	defer c.mu.RUnlock()
	entry, ok := c.guilds[guildID]
	if !ok {
		return nil
	}
	members := make([]Member, 0, len(entry.members))
	for _, userID := range sortedIDs(entry.members) {
		if m, ok := c.memberLocked(guildID, userID); ok {
			members = append(members, m)
		}
	}
	return members
}

// User returns a user snapshot.
func (c *Cache) User(id snowflake.ID) (discord.User, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	u, ok := c.users[id]
	if !ok {
		return discord.User{}, false
	}
	return cloneUser(u), true
}
