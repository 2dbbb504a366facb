// Copyright 2024-2026 Aiku AI

// Package translate turns gateway events into buffer commands.
//
// The translator runs after the cache has applied an event, so it reads
// the post-event state. Anything it cannot resolve is rendered with a
// placeholder instead of waiting for a fetch.
package translate

import (
	"strings"

	"github.com/disgoorg/snowflake/v2"
	"github.com/rs/zerolog"

	"github.com/aiku/cordbridge/pkg/cache"
	"github.com/aiku/cordbridge/pkg/discord"
	"github.com/aiku/cordbridge/pkg/translate/discordfmt"
)

// View is the read side of the entity cache.
type View interface {
	Self() (discord.User, bool)
	Guild(id snowflake.ID) (cache.Guild, bool)
	Channel(id snowflake.ID) (discord.Channel, bool)
	GuildChannels(guildID snowflake.ID) []discord.Channel
	Role(id snowflake.ID) (cache.Role, bool)
	User(id snowflake.ID) (discord.User, bool)
	Member(guildID, userID snowflake.ID) (cache.Member, bool)
	Members(guildID snowflake.ID) []cache.Member
	Message(id snowflake.ID) (cache.Message, bool)
	Permissions(channelID, userID snowflake.ID) (discord.Permissions, error)
	MemberColor(guildID, userID snowflake.ID) (int, bool)
	DisplayName(guildID *snowflake.ID, userID snowflake.ID) (string, bool)
}

var _ View = (*cache.Cache)(nil)

// Options controls rendering.
type Options struct {
	// NickColors colors line prefixes with the author's highest colored role.
	NickColors bool
	// ShowPresence moves nicks between nicklist groups on presence updates.
	ShowPresence bool
	// Styler renders markdown. Nil renders plain text.
	Styler discordfmt.Styler
	// IgnoreUsers hides messages from these users, given by username or
	// user id.
	IgnoreUsers []string
}

// Translator maps events to commands. It holds no state of its own and
// is safe for concurrent use.
type Translator struct {
	view   View
	opts   Options
	log    zerolog.Logger
	ignore map[string]struct{}
}

// New creates a translator reading from view.
func New(view View, opts Options, log zerolog.Logger) *Translator {
	if opts.Styler == nil {
		opts.Styler = discordfmt.Plain{}
	}
	ignore := make(map[string]struct{}, len(opts.IgnoreUsers))
	for _, name := range opts.IgnoreUsers {
		if name = strings.ToLower(strings.TrimSpace(name)); name != "" {
			ignore[name] = struct{}{}
		}
	}
	return &Translator{
		view:   view,
		opts:   opts,
		log:    log.With().Str("component", "translate").Logger(),
		ignore: ignore,
	}
}

// ignored reports whether messages by the user are hidden. A user not
// in the cache is matched by id alone unless username is given.
func (t *Translator) ignored(userID snowflake.ID, username string) bool {
	if len(t.ignore) == 0 {
		return false
	}
	if _, ok := t.ignore[userID.String()]; ok {
		return true
	}
	if username == "" {
		if u, ok := t.view.User(userID); ok {
			username = u.Username
		}
	}
	_, ok := t.ignore[strings.ToLower(username)]
	return ok
}

// Translate produces the commands for an event the cache has already
// applied.
func (t *Translator) Translate(evt discord.Event, delta cache.Delta) []Command {
	var cmds []Command
	for _, id := range delta.RemovedChannels {
		cmds = append(cmds, CloseBuffer{ChannelID: id})
	}
	if delta.Ignored {
		return cmds
	}

	switch data := evt.Data.(type) {
	case *discord.GuildUpdate:
		for _, ch := range t.view.GuildChannels(data.ID) {
			if info, ok := t.BufferInfo(ch.ID); ok && ch.Type.IsText() {
				cmds = append(cmds, RenameBuffer{Buffer: info})
			}
		}
	case *discord.Channel:
		if evt.Type == discord.EventChannelUpdate || evt.Type == discord.EventThreadUpdate {
			if info, ok := t.BufferInfo(data.ID); ok {
				cmds = append(cmds, RenameBuffer{Buffer: info}, SetBufferTitle{ChannelID: data.ID, Title: info.Title})
			}
		}
	case *discord.Message:
		if !delta.Duplicate {
			cmds = append(cmds, t.messageCreated(data)...)
		}
	case *discord.MessageUpdate:
		if cmd, ok := t.messageUpdated(data, delta); ok {
			cmds = append(cmds, cmd)
		}
	case *discord.MessageDelete:
		cmds = append(cmds, t.messagesDeleted(data.ChannelID, []snowflake.ID{data.ID}, delta)...)
	case *discord.MessageDeleteBulk:
		cmds = append(cmds, t.messagesDeleted(data.ChannelID, data.IDs, delta)...)
	case *discord.Reaction:
		cmds = append(cmds, t.reaction(data, evt.Type == discord.EventReactionAdd))
	case *discord.Member:
		if data.GuildID != nil && data.User != nil {
			cmds = append(cmds, t.presence(*data.GuildID, data.User.ID, false))
		}
	case *discord.MemberUpdate:
		cmds = append(cmds, t.presence(data.GuildID, data.User.ID, false))
	case *discord.MemberRemove:
		cmds = append(cmds, t.presence(data.GuildID, data.User.ID, true))
	case *discord.MembersChunk:
		for _, m := range data.Members {
			if m.User != nil {
				cmds = append(cmds, t.presence(data.GuildID, m.User.ID, false))
			}
		}
	case *discord.Presence:
		if t.opts.ShowPresence && data.GuildID != nil && data.Status != delta.PreviousStatus {
			cmds = append(cmds, t.presence(*data.GuildID, data.User.ID, false))
		}
	}
	return cmds
}

// Open produces the commands that show a channel: the buffer, its title
// and the nicklist of members who can see it.
func (t *Translator) Open(channelID snowflake.ID) ([]Command, bool) {
	info, ok := t.BufferInfo(channelID)
	if !ok {
		return nil, false
	}
	cmds := []Command{EnsureBuffer{Buffer: info}}
	if info.Title != "" {
		cmds = append(cmds, SetBufferTitle{ChannelID: channelID, Title: info.Title})
	}
	if info.GuildID == nil {
		return cmds, true
	}
	for _, m := range t.view.Members(*info.GuildID) {
		perms, err := t.view.Permissions(channelID, m.UserID)
		if err != nil || !perms.Has(discord.PermissionViewChannel) {
			continue
		}
		cmds = append(cmds, t.presence(*info.GuildID, m.UserID, false))
	}
	return cmds, true
}

// History renders fetched messages as backlog lines. msgs is in the REST
// order, newest first; lines come out oldest first.
func (t *Translator) History(channelID snowflake.ID, msgs []discord.Message) []Command {
	cmds := make([]Command, 0, len(msgs))
	for i := len(msgs) - 1; i >= 0; i-- {
		msg := msgs[i]
		if msg.ChannelID != channelID || t.ignored(msg.Author.ID, msg.Author.Username) {
			continue
		}
		line := t.messageLine(messageSource(msg))
		line.Backlog = true
		line.Tags = append(line.Tags, TagNotifyNone, TagBacklog)
		cmds = append(cmds, AppendLine{ChannelID: channelID, Line: line})
	}
	return cmds
}

func (t *Translator) messageCreated(msg *discord.Message) []Command {
	if t.ignored(msg.Author.ID, msg.Author.Username) {
		return nil
	}
	var cmds []Command
	ch, known := t.view.Channel(msg.ChannelID)
	private := msg.GuildID == nil && (!known || ch.Type.IsPrivate())
	if private {
		info, ok := t.BufferInfo(msg.ChannelID)
		if !ok {
			t.log.Debug().
				Stringer("channel_id", msg.ChannelID).
				Msg("Private channel not cached, naming buffer after author")
			info = dmBufferInfo(msg.ChannelID, "", []string{msg.Author.DisplayName()}, t.selfName())
		}
		cmds = append(cmds, EnsureBuffer{Buffer: info})
	}

	line := t.messageLine(messageSource(*msg))
	self, _ := t.view.Self()
	switch {
	case msg.Author.ID == self.ID:
		line.Tags = append(line.Tags, TagSelfMessage, TagNoHighlight, TagNotifyNone)
	case private:
		line.Highlight = true
		line.Tags = append(line.Tags, TagNotifyPrivate)
	case t.mentionsSelf(msg, self.ID):
		line.Highlight = true
		line.Tags = append(line.Tags, TagNotifyHighlight)
	default:
		line.Tags = append(line.Tags, TagNotifyMessage)
	}
	return append(cmds, AppendLine{ChannelID: msg.ChannelID, Line: line})
}

func (t *Translator) mentionsSelf(msg *discord.Message, selfID snowflake.ID) bool {
	if msg.MentionEveryone {
		return true
	}
	for _, u := range msg.Mentions {
		if u.ID == selfID {
			return true
		}
	}
	if msg.GuildID == nil || len(msg.MentionRoles) == 0 {
		return false
	}
	member, ok := t.view.Member(*msg.GuildID, selfID)
	if !ok {
		return false
	}
	for _, role := range msg.MentionRoles {
		for _, mine := range member.Roles {
			if role == mine {
				return true
			}
		}
	}
	return false
}

func (t *Translator) messageUpdated(update *discord.MessageUpdate, delta cache.Delta) (Command, bool) {
	if update.Content == nil {
		// Embed unfurls arrive as updates without content.
		return nil, false
	}
	src := lineSource{
		id:          update.ID,
		channelID:   update.ChannelID,
		guildID:     update.GuildID,
		content:     *update.Content,
		attachments: update.Attachments,
	}
	if update.Author != nil {
		src.authorID = update.Author.ID
		src.authorName = update.Author.DisplayName()
	}
	if update.EditedTimestamp != nil {
		src.timestamp = *update.EditedTimestamp
	}
	if len(delta.Messages) > 0 {
		cached := delta.Messages[0]
		src.authorID = cached.AuthorID
		src.timestamp = cached.Timestamp
		src.replyTo = cached.ReplyTo
	}
	if src.authorID != 0 && t.ignored(src.authorID, "") {
		return nil, false
	}
	line := t.messageLine(src)
	line.Text += " (edited)"
	line.Tags = append(line.Tags, TagEdited, TagNotifyNone)
	return RemoveLine{ChannelID: update.ChannelID, MessageID: update.ID, Replacement: &line}, true
}

func (t *Translator) messagesDeleted(channelID snowflake.ID, ids []snowflake.ID, delta cache.Delta) []Command {
	deletedNow := make(map[snowflake.ID]struct{}, len(delta.Messages))
	for _, msg := range delta.Messages {
		deletedNow[msg.ID] = struct{}{}
	}
	var cmds []Command
	for _, id := range ids {
		if _, ok := deletedNow[id]; !ok {
			// A cached message that was not deleted by this event was
			// already a tombstone.
			if _, cached := t.view.Message(id); cached {
				continue
			}
		}
		cmds = append(cmds, RemoveLine{ChannelID: channelID, MessageID: id})
	}
	return cmds
}

func (t *Translator) reaction(r *discord.Reaction, added bool) Command {
	name := r.UserID.String()
	if n, ok := t.view.DisplayName(r.GuildID, r.UserID); ok {
		name = n
	}
	emoji := r.Emoji.Name
	if r.Emoji.ID != nil {
		emoji = ":" + emoji + ":"
	}
	verb := "reacted with"
	if !added {
		verb = "removed reaction"
	}
	text := name + " " + verb + " " + emoji
	if msg, ok := t.view.Message(r.MessageID); ok && !msg.Deleted {
		text += " to " + excerpt(discordfmt.ReplaceMentions(msg.Content, t.resolver(msg.GuildID), nil))
	}
	return AppendLine{ChannelID: r.ChannelID, Line: Line{
		Prefix: "--",
		Text:   text,
		Tags:   []string{TagReaction, TagNotifyNone, TagNoHighlight},
	}}
}

func (t *Translator) presence(guildID, userID snowflake.ID, removed bool) SetMemberPresence {
	cmd := SetMemberPresence{
		GuildID: guildID,
		UserID:  userID,
		Nick:    userID.String(),
		Status:  discord.StatusOffline,
		Removed: removed,
	}
	if name, ok := t.view.DisplayName(&guildID, userID); ok {
		cmd.Nick = name
	}
	if removed {
		return cmd
	}
	if m, ok := t.view.Member(guildID, userID); ok && m.Status != "" {
		cmd.Status = m.Status
	}
	if t.opts.NickColors {
		cmd.Color, _ = t.view.MemberColor(guildID, userID)
	}
	return cmd
}
