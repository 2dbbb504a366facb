// Copyright 2024-2026 Remi Philippe
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at https://mozilla.org/MPL/2.0/.

package rest

import (
	"context"
	"net/http"
	"net/url"
	"strconv"

	"github.com/disgoorg/snowflake/v2"

	"github.com/aiku/cordbridge/pkg/discord"
)

// GetGateway returns the websocket URL to connect to.
func (c *Client) GetGateway(ctx context.Context) (string, error) {
	var resp struct {
		URL string `json:"url"`
	}
	if err := c.Do(ctx, NewRoute(http.MethodGet, "/gateway"), nil, &resp); err != nil {
		return "", err
	}
	return resp.URL, nil
}

// GetCurrentUser returns the authenticated user.
func (c *Client) GetCurrentUser(ctx context.Context) (*discord.User, error) {
	var user discord.User
	if err := c.Do(ctx, NewRoute(http.MethodGet, "/users/@me"), nil, &user); err != nil {
		return nil, err
	}
	return &user, nil
}

// GetUser fetches a user by id.
func (c *Client) GetUser(ctx context.Context, userID snowflake.ID) (*discord.User, error) {
	var user discord.User
	if err := c.Do(ctx, NewRoute(http.MethodGet, "/users/{user.id}", userID.String()), nil, &user); err != nil {
		return nil, err
	}
	return &user, nil
}

// GetGuild fetches a guild including its roles.
func (c *Client) GetGuild(ctx context.Context, guildID snowflake.ID) (*discord.Guild, error) {
	var guild discord.Guild
	if err := c.Do(ctx, NewRoute(http.MethodGet, "/guilds/{guild.id}", guildID.String()), nil, &guild); err != nil {
		return nil, err
	}
	return &guild, nil
}

// GetGuildChannels lists a guild's channels.
func (c *Client) GetGuildChannels(ctx context.Context, guildID snowflake.ID) ([]discord.Channel, error) {
	var channels []discord.Channel
	if err := c.Do(ctx, NewRoute(http.MethodGet, "/guilds/{guild.id}/channels", guildID.String()), nil, &channels); err != nil {
		return nil, err
	}
	return channels, nil
}

// GetChannel fetches a channel by id.
func (c *Client) GetChannel(ctx context.Context, channelID snowflake.ID) (*discord.Channel, error) {
	var channel discord.Channel
	if err := c.Do(ctx, NewRoute(http.MethodGet, "/channels/{channel.id}", channelID.String()), nil, &channel); err != nil {
		return nil, err
	}
	return &channel, nil
}

// GetMember fetches one guild member.
func (c *Client) GetMember(ctx context.Context, guildID, userID snowflake.ID) (*discord.Member, error) {
	var member discord.Member
	route := NewRoute(http.MethodGet, "/guilds/{guild.id}/members/{user.id}", guildID.String(), userID.String())
	if err := c.Do(ctx, route, nil, &member); err != nil {
		return nil, err
	}
	return &member, nil
}

// GetMessages returns up to limit messages, newest first.
func (c *Client) GetMessages(ctx context.Context, channelID snowflake.ID, limit int, before *snowflake.ID) ([]discord.Message, error) {
	query := url.Values{}
	query.Set("limit", strconv.Itoa(min(max(limit, 1), 100)))
	if before != nil {
		query.Set("before", before.String())
	}
	route := NewRoute(http.MethodGet, "/channels/{channel.id}/messages", channelID.String()).WithQuery(query)
	var messages []discord.Message
	if err := c.Do(ctx, route, nil, &messages); err != nil {
		return nil, err
	}
	return messages, nil
}

// MessageCreate is the body of a send-message call.
type MessageCreate struct {
	Content          string                    `json:"content"`
	Nonce            discord.Nonce             `json:"nonce,omitempty"`
	MessageReference *discord.MessageReference `json:"message_reference,omitempty"`
}

// CreateMessage sends a message.
func (c *Client) CreateMessage(ctx context.Context, channelID snowflake.ID, msg MessageCreate) (*discord.Message, error) {
	var created discord.Message
	route := NewRoute(http.MethodPost, "/channels/{channel.id}/messages", channelID.String())
	if err := c.Do(ctx, route, msg, &created); err != nil {
		return nil, err
	}
	return &created, nil
}

// EditMessage replaces a message's content.
func (c *Client) EditMessage(ctx context.Context, channelID, messageID snowflake.ID, content string) (*discord.Message, error) {
	var edited discord.Message
	route := NewRoute(http.MethodPatch, "/channels/{channel.id}/messages/{message.id}", channelID.String(), messageID.String())
	payload := map[string]string{"content": content}
	if err := c.Do(ctx, route, payload, &edited); err != nil {
		return nil, err
	}
	return &edited, nil
}

// DeleteMessage deletes a message.
func (c *Client) DeleteMessage(ctx context.Context, channelID, messageID snowflake.ID) error {
	route := NewRoute(http.MethodDelete, "/channels/{channel.id}/messages/{message.id}", channelID.String(), messageID.String())
	return c.Do(ctx, route, nil, nil)
}

// AddReaction reacts to a message as the current user. emoji is a unicode
// emoji or name:id for a custom one.
func (c *Client) AddReaction(ctx context.Context, channelID, messageID snowflake.ID, emoji string) error {
	route := NewRoute(http.MethodPut, "/channels/{channel.id}/messages/{message.id}/reactions/{emoji}/@me",
		channelID.String(), messageID.String(), emoji)
	return c.Do(ctx, route, nil, nil)
}

// ModifyCurrentMember changes the current user's nickname in a guild. An
// empty nick resets it.
func (c *Client) ModifyCurrentMember(ctx context.Context, guildID snowflake.ID, nick string) (*discord.Member, error) {
	var payload = map[string]*string{"nick": nil}
	if nick != "" {
		payload["nick"] = &nick
	}
	var member discord.Member
	route := NewRoute(http.MethodPatch, "/guilds/{guild.id}/members/@me", guildID.String())
	if err := c.Do(ctx, route, payload, &member); err != nil {
		return nil, err
	}
	return &member, nil
}

// TriggerTyping shows the typing indicator in a channel.
func (c *Client) TriggerTyping(ctx context.Context, channelID snowflake.ID) error {
	return c.Do(ctx, NewRoute(http.MethodPost, "/channels/{channel.id}/typing", channelID.String()), nil, nil)
}
