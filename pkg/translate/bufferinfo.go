// Copyright 2024-2026 Aiku AI

package translate

import (
	"strings"
	"unicode"

	"github.com/disgoorg/snowflake/v2"

	"github.com/aiku/cordbridge/pkg/discord"
)

// BufferPrefix starts every buffer name owned by the bridge.
const BufferPrefix = "discord."

// BufferInfo describes the host buffer backing one channel.
type BufferInfo struct {
	ChannelID snowflake.ID
	GuildID   *snowflake.ID
	Name      string
	ShortName string
	Title     string
	Private   bool
	Nicklist  bool
	LocalVars map[string]string
}

// CleanName lowercases a name and replaces whitespace and dots so it can
// be used as one component of a dotted buffer name.
func CleanName(name string) string {
	return strings.Map(func(r rune) rune {
		if r == '.' || unicode.IsSpace(r) {
			return '_'
		}
		return unicode.ToLower(r)
	}, name)
}

// BufferInfo builds the buffer description for a cached channel.
func (t *Translator) BufferInfo(channelID snowflake.ID) (BufferInfo, bool) {
	ch, ok := t.view.Channel(channelID)
	if !ok {
		return BufferInfo{}, false
	}
	if ch.Type.IsPrivate() {
		return t.privateBufferInfo(ch), true
	}
	if ch.GuildID == nil {
		return BufferInfo{}, false
	}
	guildName := ch.GuildID.String()
	if g, ok := t.view.Guild(*ch.GuildID); ok && g.Name != "" {
		guildName = g.Name
	}
	channelName := ch.Name
	if ch.Type.IsThread() && ch.ParentID != nil {
		if parent, ok := t.view.Channel(*ch.ParentID); ok {
			channelName = parent.Name + "." + ch.Name
		}
	}
	selfNick := ""
	if self, ok := t.view.Self(); ok {
		selfNick = self.Username
		if name, ok := t.view.DisplayName(ch.GuildID, self.ID); ok {
			selfNick = name
		}
	}
	info := BufferInfo{
		ChannelID: ch.ID,
		GuildID:   ch.GuildID,
		Name:      BufferPrefix + CleanName(guildName) + "." + CleanName(channelName),
		ShortName: "#" + ch.Name,
		Nicklist:  true,
		LocalVars: map[string]string{
			"nick":       "@" + selfNick,
			"type":       "channel",
			"server":     CleanName(guildName),
			"channel":    CleanName(channelName),
			"guild_id":   ch.GuildID.String(),
			"channel_id": ch.ID.String(),
		},
	}
	if ch.Topic != nil {
		info.Title = *ch.Topic
	}
	return info, true
}

func (t *Translator) privateBufferInfo(ch discord.Channel) BufferInfo {
	names := make([]string, 0, len(ch.Recipients))
	for _, r := range ch.Recipients {
		name := r.DisplayName()
		if u, ok := t.view.User(r.ID); ok {
			name = u.DisplayName()
		}
		names = append(names, name)
	}
	return dmBufferInfo(ch.ID, ch.Name, names, t.selfName())
}

// dmBufferInfo names a private buffer after its recipients. A group DM
// with an explicit name keeps that name as its title.
func dmBufferInfo(channelID snowflake.ID, channelName string, recipients []string, selfName string) BufferInfo {
	clean := make([]string, len(recipients))
	for i, name := range recipients {
		clean[i] = CleanName(name)
	}
	suffix := strings.Join(clean, ".")
	if suffix == "" {
		suffix = channelID.String()
	}
	full := strings.Join(recipients, ", ")
	title := channelName
	if title == "" {
		title = full
	}
	return BufferInfo{
		ChannelID: channelID,
		Name:      BufferPrefix + "dm." + suffix,
		ShortName: "DM with " + full,
		Title:     title,
		Private:   true,
		LocalVars: map[string]string{
			"nick":       "@" + selfName,
			"type":       "private",
			"channel_id": channelID.String(),
		},
	}
}

func (t *Translator) selfName() string {
	if self, ok := t.view.Self(); ok {
		return self.Username
	}
	return ""
}
