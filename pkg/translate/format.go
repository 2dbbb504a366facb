// Copyright 2024-2026 Aiku AI

package translate

import (
	"strings"
	"time"
	"unicode/utf8"

	"github.com/disgoorg/snowflake/v2"

	"github.com/aiku/cordbridge/pkg/discord"
	"github.com/aiku/cordbridge/pkg/translate/discordfmt"
)

const excerptLength = 40

// lineSource is the subset of a message needed to render a line. Edits
// that miss the cache only carry some of it.
type lineSource struct {
	id          snowflake.ID
	channelID   snowflake.ID
	guildID     *snowflake.ID
	authorID    snowflake.ID
	authorName  string
	content     string
	timestamp   time.Time
	replyTo     *snowflake.ID
	attachments []discord.Attachment
}

func messageSource(msg discord.Message) lineSource {
	return lineSource{
		id:          msg.ID,
		channelID:   msg.ChannelID,
		guildID:     msg.GuildID,
		authorID:    msg.Author.ID,
		authorName:  msg.Author.DisplayName(),
		content:     msg.Content,
		timestamp:   msg.Timestamp,
		replyTo:     msg.ReplyTo(),
		attachments: msg.Attachments,
	}
}

func (t *Translator) messageLine(src lineSource) Line {
	id := src.id
	prefix := src.authorName
	if name, ok := t.view.DisplayName(src.guildID, src.authorID); ok {
		prefix = name
	}
	if prefix == "" {
		prefix = discord.MentionUser(src.authorID)
	}
	line := Line{
		MessageID: &id,
		Prefix:    prefix,
		Text:      discordfmt.Render(src.content, t.resolver(src.guildID), t.opts.Styler),
		Timestamp: src.timestamp,
		Tags:      []string{discord.MessageTag(src.id), NickTag(prefix)},
	}
	if t.opts.NickColors && src.guildID != nil {
		line.PrefixColor, _ = t.view.MemberColor(*src.guildID, src.authorID)
	}
	if src.replyTo != nil {
		line.Text = t.replyMarker(*src.replyTo, src.guildID) + line.Text
	}
	for _, a := range src.attachments {
		if line.Text != "" {
			line.Text += "\n"
		}
		line.Text += a.URL
	}
	return line
}

func (t *Translator) replyMarker(id snowflake.ID, guildID *snowflake.ID) string {
	msg, ok := t.view.Message(id)
	if !ok {
		return "[reply] "
	}
	name := msg.AuthorID.String()
	if n, ok := t.view.DisplayName(guildID, msg.AuthorID); ok {
		name = n
	}
	if msg.Deleted {
		return "[reply to " + name + "] "
	}
	return "[reply to " + name + ": " + excerpt(discordfmt.ReplaceMentions(msg.Content, t.resolver(guildID), nil)) + "] "
}

// excerpt shortens text to one line of at most excerptLength runes.
func excerpt(text string) string {
	if i := strings.IndexByte(text, '\n'); i >= 0 {
		text = text[:i] + "..."
	}
	if utf8.RuneCountInString(text) <= excerptLength {
		return text
	}
	runes := []rune(text)
	return string(runes[:excerptLength]) + "..."
}

// resolver resolves mentions in the context of one guild.
type resolver struct {
	view    View
	guildID *snowflake.ID
}

func (t *Translator) resolver(guildID *snowflake.ID) resolver {
	return resolver{view: t.view, guildID: guildID}
}

func (r resolver) UserName(id snowflake.ID) (string, bool) {
	return r.view.DisplayName(r.guildID, id)
}

func (r resolver) ChannelName(id snowflake.ID) (string, bool) {
	ch, ok := r.view.Channel(id)
	if !ok || ch.Name == "" {
		return "", false
	}
	return ch.Name, true
}

func (r resolver) RoleName(id snowflake.ID) (string, bool) {
	role, ok := r.view.Role(id)
	if !ok {
		return "", false
	}
	return role.Name, true
}
