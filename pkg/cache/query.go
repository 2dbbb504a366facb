// Copyright 2024-2026 Remi Philippe
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at https://mozilla.org/MPL/2.0/.

package cache

import (
	"fmt"
	"strings"

	"github.com/disgoorg/snowflake/v2"

	"github.com/aiku/cordbridge/pkg/discord"
)

// Permissions computes a user's effective permissions in a channel.
// Private channels grant everything.
func (c *Cache) Permissions(channelID, userID snowflake.ID) (discord.Permissions, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.closed {
		return 0, ErrClosed
	}
	ch, ok := c.channels[channelID]
	if !ok {
		return 0, fmt.Errorf("%w: %s", ErrMissingChannel, channelID)
	}
	if ch.GuildID == nil {
		return discord.PermissionsAll, nil
	}
	guildID := *ch.GuildID
	entry, ok := c.guilds[guildID]
	if !ok {
		return 0, fmt.Errorf("%w: %s", ErrMissingGuild, guildID)
	}
	m, ok := c.members[memberKey{guild: guildID, user: userID}]
	if !ok && userID != entry.ownerID {
		return 0, fmt.Errorf("%w: %s in guild %s", ErrMissingMember, userID, guildID)
	}

	// Threads inherit the overwrites of their parent channel.
	overwrites := ch.PermissionOverwrites
	if ch.Type.IsThread() && ch.ParentID != nil {
		if parent, ok := c.channels[*ch.ParentID]; ok {
			overwrites = parent.PermissionOverwrites
		}
	}

	pc := discord.PermissionContext{
		GuildID:    guildID,
		OwnerID:    entry.ownerID,
		UserID:     userID,
		Overwrites: overwrites,
	}
	if everyone, ok := c.roles[guildID]; ok {
		pc.Everyone = &everyone.Role
	}
	if m != nil {
		for _, id := range m.roles {
			if role, ok := c.roles[id]; ok {
				pc.Roles = append(pc.Roles, role.Role)
			}
		}
	}
	return pc.Compute(), nil
}

// SelfPermissions computes the authenticated user's permissions in a channel.
func (c *Cache) SelfPermissions(channelID snowflake.ID) (discord.Permissions, error) {
	self, ok := c.Self()
	if !ok {
		return 0, fmt.Errorf("%w: current user unknown", ErrMissingMember)
	}
	return c.Permissions(channelID, self.ID)
}

// MemberColor returns the color of the member's highest colored role.
func (c *Cache) MemberColor(guildID, userID snowflake.ID) (int, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	m, ok := c.members[memberKey{guild: guildID, user: userID}]
	if !ok {
		return 0, false
	}
	roles := make([]discord.Role, 0, len(m.roles))
	for _, id := range m.roles {
		if role, ok := c.roles[id]; ok {
			roles = append(roles, role.Role)
		}
	}
	role, ok := discord.HighestColoredRole(roles)
	return role.Color, ok
}

// DisplayName resolves the name shown for a user: the guild nickname,
// then the global display name, then the username. guildID may be nil
// for private channels.
func (c *Cache) DisplayName(guildID *snowflake.ID, userID snowflake.ID) (string, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if guildID != nil {
		if m, ok := c.members[memberKey{guild: *guildID, user: userID}]; ok && m.nick != nil && *m.nick != "" {
			return *m.nick, true
		}
	}
	u, ok := c.users[userID]
	if !ok {
		return "", false
	}
	return u.DisplayName(), true
}

// FindMember looks up a guild member by nickname, display name or
// username, case-insensitively.
func (c *Cache) FindMember(guildID snowflake.ID, name string) (snowflake.ID, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	entry, ok := c.guilds[guildID]
	if !ok {
		return 0, false
	}
	for _, userID := range sortedIDs(entry.members) {
		m := c.members[memberKey{guild: guildID, user: userID}]
		if m != nil && m.nick != nil && strings.EqualFold(*m.nick, name) {
			return userID, true
		}
	}
	for _, userID := range sortedIDs(entry.members) {
		u, ok := c.users[userID]
		if ok && (strings.EqualFold(u.Username, name) || strings.EqualFold(u.DisplayName(), name) || strings.EqualFold(u.Tag(), name)) {
			return userID, true
		}
	}
	return 0, false
}

// FindUser looks up any cached user by username or display name.
func (c *Cache) FindUser(name string) (snowflake.ID, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	var best snowflake.ID
	found := false
	for id, u := range c.users {
		if strings.EqualFold(u.Username, name) || strings.EqualFold(u.DisplayName(), name) {
			if !found || id < best {
				best, found = id, true
			}
		}
	}
	return best, found
}

// FindChannel looks up a guild channel by name.
func (c *Cache) FindChannel(guildID snowflake.ID, name string) (snowflake.ID, bool) {
	name = strings.TrimPrefix(name, "#")
	for _, ch := range c.GuildChannels(guildID) {
		if strings.EqualFold(ch.Name, name) {
			return ch.ID, true
		}
	}
	return 0, false
}

// FindRole looks up a guild role by name.
func (c *Cache) FindRole(guildID snowflake.ID, name string) (snowflake.ID, bool) {
	for _, role := range c.GuildRoles(guildID) {
		if strings.EqualFold(role.Name, name) {
			return role.ID, true
		}
	}
	return 0, false
}

// FindGuild looks up a guild by name or id.
func (c *Cache) FindGuild(nameOrID string) (snowflake.ID, bool) {
	if id, err := discord.ParseID(nameOrID); err == nil {
		if _, ok := c.Guild(id); ok {
			return id, true
		}
	}
	for _, g := range c.Guilds() {
		if strings.EqualFold(g.Name, nameOrID) {
			return g.ID, true
		}
	}
	return 0, false
}
