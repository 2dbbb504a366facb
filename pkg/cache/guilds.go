// Copyright 2024-2026 Remi Philippe
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at https://mozilla.org/MPL/2.0/.

package cache

import (
	"cmp"
	"fmt"
	"slices"
	"strings"

	"github.com/disgoorg/snowflake/v2"

	"github.com/aiku/cordbridge/pkg/discord"
)

// ReplaceGuild stores a full guild snapshot, replacing everything
// previously known about the guild. It returns the ids of channels that
// existed before and are absent from the new snapshot.
func (c *Cache) ReplaceGuild(g discord.Guild) ([]snowflake.ID, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return nil, ErrClosed
	}

	var stale []snowflake.ID
	if old, ok := c.guilds[g.ID]; ok {
		fresh := make(map[snowflake.ID]struct{}, len(g.Channels)+len(g.Threads))
		for _, ch := range g.Channels {
			fresh[ch.ID] = struct{}{}
		}
		for _, ch := range g.Threads {
			fresh[ch.ID] = struct{}{}
		}
		for id := range old.channels {
			if _, ok := fresh[id]; !ok {
				stale = append(stale, id)
			}
		}
		slices.Sort(stale)
		c.dropGuildLocked(old)
	}

	entry := newGuildEntry(g.ID)
	entry.name = g.Name
	entry.ownerID = g.OwnerID
	entry.unavailable = g.Unavailable
	entry.memberCount = g.MemberCount
	c.guilds[g.ID] = entry

	for _, role := range g.Roles {
		c.roles[role.ID] = Role{Role: role, GuildID: g.ID}
		entry.roles[role.ID] = struct{}{}
	}
	for _, ch := range append(slices.Clone(g.Channels), g.Threads...) {
		guildID := g.ID
		ch.GuildID = &guildID
		c.putChannelLocked(ch)
	}
	for _, m := range g.Members {
		c.putMemberLocked(entry, m)
	}
	for _, p := range g.Presences {
		c.putPresenceLocked(g.ID, p)
	}

	c.log.Debug().
		Str("guild_id", g.ID.String()).
		Str("guild_name", g.Name).
		Int("channels", len(entry.channels)).
		Int("roles", len(entry.roles)).
		Int("members", len(entry.members)).
		Msg("Replaced guild")
	return stale, nil
}

// UpdateGuild merges a partial guild update.
func (c *Cache) UpdateGuild(update discord.GuildUpdate) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return ErrClosed
	}
	entry, ok := c.guilds[update.ID]
	if !ok {
		return fmt.Errorf("%w: %s", ErrMissingGuild, update.ID)
	}
	if update.Name != nil {
		entry.name = *update.Name
	}
	if update.OwnerID != nil {
		entry.ownerID = *update.OwnerID
	}
	return nil
}

// MarkGuildUnavailable flags a guild during an outage without dropping its
// state.
func (c *Cache) MarkGuildUnavailable(id snowflake.ID) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return ErrClosed
	}
	entry, ok := c.guilds[id]
	if !ok {
		return fmt.Errorf("%w: %s", ErrMissingGuild, id)
	}
	entry.unavailable = true
	return nil
}

// RemoveGuild deletes a guild with all its channels, roles and members,
// returning the removed channel ids sorted. Users stay cached since other
// guilds may still reference them.
func (c *Cache) RemoveGuild(id snowflake.ID) ([]snowflake.ID, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return nil, ErrClosed
	}
	entry, ok := c.guilds[id]
	if !ok {
		return nil, nil
	}
	removed := sortedIDs(entry.channels)
	c.dropGuildLocked(entry)
	delete(c.guilds, id)
	c.log.Debug().Str("guild_id", id.String()).Int("channels", len(removed)).Msg("Removed guild")
	return removed, nil
}

func (c *Cache) dropGuildLocked(entry *guildEntry) {
	for id := range entry.channels {
		delete(c.channels, id)
	}
	for id := range entry.roles {
		delete(c.roles, id)
	}
	for userID := range entry.members {
		delete(c.members, memberKey{guild: entry.id, user: userID})
	}
	// Presences are kept for non-members too.
	for key := range c.presences {
		if key.guild == entry.id {
			delete(c.presences, key)
		}
	}
}

// UpsertChannel stores a channel. A guild channel whose guild is not
// cached is refused with ErrMissingGuild.
func (c *Cache) UpsertChannel(ch discord.Channel) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return ErrClosed
	}
	if ch.GuildID != nil {
		if _, ok := c.guilds[*ch.GuildID]; !ok {
			return fmt.Errorf("%w: %s (channel %s)", ErrMissingGuild, *ch.GuildID, ch.ID)
		}
	}
	c.putChannelLocked(ch)
	return nil
}

func (c *Cache) putChannelLocked(ch discord.Channel) {
	if old, ok := c.channels[ch.ID]; ok && old.GuildID != nil {
		if entry, ok := c.guilds[*old.GuildID]; ok && (ch.GuildID == nil || *ch.GuildID != *old.GuildID) {
			delete(entry.channels, ch.ID)
		}
	}
	ch = cloneChannel(ch)
	c.channels[ch.ID] = ch
	for _, user := range ch.Recipients {
		c.users[user.ID] = cloneUser(user)
	}
	if ch.GuildID == nil {
		c.private[ch.ID] = struct{}{}
		return
	}
	delete(c.private, ch.ID)
	if entry, ok := c.guilds[*ch.GuildID]; ok {
		entry.channels[ch.ID] = struct{}{}
	}
}

// RemoveChannel deletes a channel and returns its last state.
func (c *Cache) RemoveChannel(id snowflake.ID) (discord.Channel, bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return discord.Channel{}, false, ErrClosed
	}
	ch, ok := c.channels[id]
	if !ok {
		return discord.Channel{}, false, nil
	}
	delete(c.channels, id)
	delete(c.private, id)
	if ch.GuildID != nil {
		if entry, ok := c.guilds[*ch.GuildID]; ok {
			delete(entry.channels, id)
		}
	}
	return ch, true, nil
}

// UpsertRole stores a role in its guild.
func (c *Cache) UpsertRole(guildID snowflake.ID, role discord.Role) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return ErrClosed
	}
	entry, ok := c.guilds[guildID]
	if !ok {
		return fmt.Errorf("%w: %s (role %s)", ErrMissingGuild, guildID, role.ID)
	}
	c.roles[role.ID] = Role{Role: role, GuildID: guildID}
	entry.roles[role.ID] = struct{}{}
	return nil
}

// RemoveRole deletes a role and strips it from every member of the guild.
func (c *Cache) RemoveRole(guildID, roleID snowflake.ID) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return ErrClosed
	}
	entry, ok := c.guilds[guildID]
	if !ok {
		return fmt.Errorf("%w: %s", ErrMissingGuild, guildID)
	}
	delete(c.roles, roleID)
	delete(entry.roles, roleID)
	for userID := range entry.members {
		if m, ok := c.members[memberKey{guild: guildID, user: userID}]; ok {
			m.roles = slices.DeleteFunc(m.roles, func(id snowflake.ID) bool { return id == roleID })
		}
	}
	return nil
}

// Guild returns a guild snapshot.
func (c *Cache) Guild(id snowflake.ID) (Guild, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	entry, ok := c.guilds[id]
	if !ok {
		return Guild{}, false
	}
	return c.guildSnapshotLocked(entry), true
}

func (c *Cache) guildSnapshotLocked(entry *guildEntry) Guild {
	channels := sortedIDs(entry.channels)
	slices.SortStableFunc(channels, func(a, b snowflake.ID) int {
		return cmp.Compare(c.channels[a].Position, c.channels[b].Position)
	})
	roles := sortedIDs(entry.roles)
	slices.SortStableFunc(roles, func(a, b snowflake.ID) int {
		return cmp.Compare(c.roles[a].Position, c.roles[b].Position)
	})
	return Guild{
		ID:          entry.id,
		Name:        entry.name,
		OwnerID:     entry.ownerID,
		Unavailable: entry.unavailable,
		MemberCount: entry.memberCount,
		ChannelIDs:  channels,
		RoleIDs:     roles,
		MemberIDs:   sortedIDs(entry.members),
	}
}

// Guilds returns every cached guild sorted by name.
func (c *Cache) Guilds() []Guild {
	c.mu.RLock()
	defer c.mu.RUnlock()
	guilds := make([]Guild, 0, len(c.guilds))
	for _, entry := range c.guilds {
		guilds = append(guilds, c.guildSnapshotLocked(entry))
	}
	slices.SortFunc(guilds, func(a, b Guild) int {
		if n := strings.Compare(strings.ToLower(a.Name), strings.ToLower(b.Name)); n != 0 {
			return n
		}
		return cmp.Compare(a.ID, b.ID)
	})
	return guilds
}

// Channel returns a channel snapshot.
func (c *Cache) Channel(id snowflake.ID) (discord.Channel, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	ch, ok := c.channels[id]
	if !ok {
		return discord.Channel{}, false
	}
	return cloneChannel(ch), true
}

// GuildChannels returns a guild's channels ordered by position.
func (c *Cache) GuildChannels(guildID snowflake.ID) []discord.Channel {
	c.mu.RLock()
	defer c.mu.RUnlock()
	entry, ok := c.guilds[guildID]
	if !ok {
		return nil
	}
	snapshot := c.guildSnapshotLocked(entry)
	channels := make([]discord.Channel, 0, len(snapshot.ChannelIDs))
	for _, id := range snapshot.ChannelIDs {
		channels = append(channels, cloneChannel(c.channels[id]))
	}
	return channels
}

// PrivateChannels returns direct and group message channels sorted by id.
func (c *Cache) PrivateChannels() []discord.Channel {
	c.mu.RLock()
	defer c.mu.RUnlock()
	channels := make([]discord.Channel, 0, len(c.private))
	for _, id := range sortedIDs(c.private) {
		channels = append(channels, cloneChannel(c.channels[id]))
	}
	return channels
}

// Role returns a role snapshot.
func (c *Cache) Role(id snowflake.ID) (Role, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	role, ok := c.roles[id]
	return role, ok
}

// GuildRoles returns a guild's roles ordered by position.
func (c *Cache) GuildRoles(guildID snowflake.ID) []Role {
	c.mu.RLock()
	defer c.mu.RUnlock()
	entry, ok := c.guilds[guildID]
	if !ok {
		return nil
	}
	roles := make([]Role, 0, len(entry.roles))
	for _, id := range c.guildSnapshotLocked(entry).RoleIDs {
		roles = append(roles, c.roles[id])
	}
	return roles
}
