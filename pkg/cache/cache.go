// Copyright 2024-2026 Remi Philippe
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at https://mozilla.org/MPL/2.0/.

// Package cache holds the last-known state of every guild, channel,
// member, role, user and recent message.
//
// Entities are stored in flat maps keyed by id. Cross references are ids
// resolved through the cache, never pointers, so removing an entity is a
// single map operation and a renamed user is visible everywhere at once.
// Every mutation takes the write lock for its whole duration; lookups take
// the read lock and return copies that stay valid after the lock is
// released.
package cache

import (
	"errors"
	"slices"
	"sync"
	"time"

	"github.com/disgoorg/snowflake/v2"
	"github.com/rs/zerolog"
	"go.mau.fi/util/exsync"
	"go.mau.fi/util/ptr"

	"github.com/aiku/cordbridge/pkg/discord"
)

var (
	ErrClosed         = errors.New("cache: closed")
	ErrMissingGuild   = errors.New("cache: guild not cached")
	ErrMissingChannel = errors.New("cache: channel not cached")
	ErrMissingMember  = errors.New("cache: member not cached")
)

// DefaultMessageWindow is how many recent messages are kept when no
// window size is configured.
const DefaultMessageWindow = 1000

// Guild is a guild snapshot. Id lists are sorted: channels by position,
// roles by position, members by id.
type Guild struct {
	ID          snowflake.ID
	Name        string
	OwnerID     snowflake.ID
	Unavailable bool
	MemberCount int
	ChannelIDs  []snowflake.ID
	RoleIDs     []snowflake.ID
	MemberIDs   []snowflake.ID
}

// Role is a role snapshot with its owning guild.
type Role struct {
	discord.Role
	GuildID snowflake.ID
}

// Member is a member snapshot. Status is StatusOffline unless a presence
// has been seen.
type Member struct {
	GuildID  snowflake.ID
	UserID   snowflake.ID
	Nick     *string
	Roles    []snowflake.ID
	JoinedAt *time.Time
	Status   discord.PresenceStatus
}

// Message is a message kept in the recent window.
type Message struct {
	ID              snowflake.ID
	ChannelID       snowflake.ID
	GuildID         *snowflake.ID
	AuthorID        snowflake.ID
	Content         string
	Timestamp       time.Time
	EditedTimestamp *time.Time
	ReplyTo         *snowflake.ID
	Nonce           discord.Nonce
	Deleted         bool
}

type memberKey struct {
	guild snowflake.ID
	user  snowflake.ID
}

type guildEntry struct {
	id          snowflake.ID
	name        string
	ownerID     snowflake.ID
	unavailable bool
	memberCount int
	channels    map[snowflake.ID]struct{}
	roles       map[snowflake.ID]struct{}
	members     map[snowflake.ID]struct{}
}

func newGuildEntry(id snowflake.ID) *guildEntry {
	return &guildEntry{
		id:       id,
		channels: make(map[snowflake.ID]struct{}),
		roles:    make(map[snowflake.ID]struct{}),
		members:  make(map[snowflake.ID]struct{}),
	}
}

type memberEntry struct {
	nick     *string
	roles    []snowflake.ID
	joinedAt *time.Time
}

// Cache is the entity store. The zero value is not usable; call New.
type Cache struct {
	mu     sync.RWMutex
	closed bool

	self      *discord.User
	guilds    map[snowflake.ID]*guildEntry
	channels  map[snowflake.ID]discord.Channel
	roles     map[snowflake.ID]Role
	users     map[snowflake.ID]discord.User
	members   map[memberKey]*memberEntry
	presences map[memberKey]discord.PresenceStatus
	private   map[snowflake.ID]struct{}

	messages *exsync.RingBuffer[snowflake.ID, Message]

	log zerolog.Logger
}

// New creates an empty cache keeping the last messageWindow messages.
func New(messageWindow int, log zerolog.Logger) *Cache {
	if messageWindow <= 0 {
		messageWindow = DefaultMessageWindow
	}
	return &Cache{
		guilds:    make(map[snowflake.ID]*guildEntry),
		channels:  make(map[snowflake.ID]discord.Channel),
		roles:     make(map[snowflake.ID]Role),
		users:     make(map[snowflake.ID]discord.User),
		members:   make(map[memberKey]*memberEntry),
		presences: make(map[memberKey]discord.PresenceStatus),
		private:   make(map[snowflake.ID]struct{}),
		messages:  exsync.NewRingBuffer[snowflake.ID, Message](messageWindow),
		log:       log.With().Str("component", "cache").Logger(),
	}
}

// Close drops all state. Later mutations fail with ErrClosed and lookups
// find nothing.
func (c *Cache) Close() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.closed = true
	clear(c.guilds)
	clear(c.channels)
	clear(c.roles)
	clear(c.users)
	clear(c.members)
	clear(c.presences)
	clear(c.private)
	c.self = nil
}

// Closed reports whether Close has been called.
func (c *Cache) Closed() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.closed
}

// SetSelf records the authenticated user.
func (c *Cache) SetSelf(user discord.User) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return ErrClosed
	}
	c.self = &user
	c.users[user.ID] = cloneUser(user)
	return nil
}

// Self returns the authenticated user.
func (c *Cache) Self() (discord.User, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.self == nil {
		return discord.User{}, false
	}
	return cloneUser(*c.self), true
}

// ApplyReady loads the initial snapshot of a fresh session. Guilds listed
// as unavailable are recorded as stubs until their GUILD_CREATE arrives.
// Cached guilds missing from the snapshot are removed with everything in
// them; the ids of their channels are returned.
func (c *Cache) ApplyReady(ready discord.Ready) ([]snowflake.ID, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return nil, ErrClosed
	}
	self := ready.User
	c.self = &self
	c.users[self.ID] = cloneUser(self)

	listed := make(map[snowflake.ID]struct{}, len(ready.Guilds))
	for _, stub := range ready.Guilds {
		listed[stub.ID] = struct{}{}
	}
	var removed []snowflake.ID
	for id, entry := range c.guilds {
		if _, ok := listed[id]; ok {
			continue
		}
		removed = append(removed, sortedIDs(entry.channels)...)
		c.dropGuildLocked(entry)
		delete(c.guilds, id)
		c.log.Debug().Str("guild_id", id.String()).Msg("Removed guild missing from READY")
	}
	slices.Sort(removed)

	for _, stub := range ready.Guilds {
		if _, ok := c.guilds[stub.ID]; !ok {
			entry := newGuildEntry(stub.ID)
			entry.unavailable = true
			c.guilds[stub.ID] = entry
		}
	}
	for _, ch := range ready.PrivateChannels {
		c.putChannelLocked(ch)
	}
	return removed, nil
}

// Stats counts cached entities.
type Stats struct {
	Guilds   int
	Channels int
	Members  int
	Users    int
	Roles    int
	Messages int
}

func (c *Cache) Stats() Stats {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return Stats{
		Guilds:   len(c.guilds),
		Channels: len(c.channels),
		Members:  len(c.members),
		Users:    len(c.users),
		Roles:    len(c.roles),
		Messages: c.messages.Size(),
	}
}

func cloneUser(u discord.User) discord.User {
	u.GlobalName = ptr.Clone(u.GlobalName)
	u.Avatar = ptr.Clone(u.Avatar)
	return u
}

func cloneChannel(ch discord.Channel) discord.Channel {
	ch.PermissionOverwrites = slices.Clone(ch.PermissionOverwrites)
	ch.Recipients = slices.Clone(ch.Recipients)
	ch.Topic = ptr.Clone(ch.Topic)
	ch.GuildID = ptr.Clone(ch.GuildID)
	ch.ParentID = ptr.Clone(ch.ParentID)
	ch.LastMessageID = ptr.Clone(ch.LastMessageID)
	return ch
}

func sortedIDs(set map[snowflake.ID]struct{}) []snowflake.ID {
	ids := make([]snowflake.ID, 0, len(set))
	for id := range set {
		ids = append(ids, id)
	}
	slices.Sort(ids)
	return ids
}
