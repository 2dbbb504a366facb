// Copyright 2024-2026 Aiku AI

package buffers

import (
	"context"
	"errors"
	"fmt"

	"github.com/disgoorg/snowflake/v2"

	"github.com/aiku/cordbridge/pkg/buffers/inputfmt"
	"github.com/aiku/cordbridge/pkg/cache"
	"github.com/aiku/cordbridge/pkg/discord"
	"github.com/aiku/cordbridge/pkg/rest"
)

// Store is the part of the cache input handling reads.
type Store interface {
	Self() (discord.User, bool)
	Channel(id snowflake.ID) (discord.Channel, bool)
	Permissions(channelID, userID snowflake.ID) (discord.Permissions, error)
	SelfPermissions(channelID snowflake.ID) (discord.Permissions, error)
	LastMessage(channelID snowflake.ID, authorID *snowflake.ID) (cache.Message, bool)
	FindMember(guildID snowflake.ID, name string) (snowflake.ID, bool)
	FindRole(guildID snowflake.ID, name string) (snowflake.ID, bool)
	FindChannel(guildID snowflake.ID, name string) (snowflake.ID, bool)
}

// API is the part of the REST client input handling calls.
type API interface {
	CreateMessage(ctx context.Context, channelID snowflake.ID, msg rest.MessageCreate) (*discord.Message, error)
	EditMessage(ctx context.Context, channelID, messageID snowflake.ID, content string) (*discord.Message, error)
	DeleteMessage(ctx context.Context, channelID, messageID snowflake.ID) error
	AddReaction(ctx context.Context, channelID, messageID snowflake.ID, emoji string) error
	ModifyCurrentMember(ctx context.Context, guildID snowflake.ID, nick string) (*discord.Member, error)
}

var (
	_ Store = (*cache.Cache)(nil)
	_ API   = (*rest.Client)(nil)
)

var (
	errNoMessage     = errors.New("no message to act on")
	errNoMatch       = errors.New("pattern not found in last message")
	errNotGuild      = errors.New("nicknames only exist in guild channels")
	errCannotSend    = errors.New("missing permission to send messages in this channel")
	errNotAuthorized = errors.New("not logged in")
)

// Input queues a line typed into a channel's buffer. Lines for one
// channel are handled in order; different channels proceed concurrently
// up to the configured limit.
func (s *Sync) Input(channelID snowflake.ID, text string) {
	s.inputMu.Lock()
	if s.closed {
		s.inputMu.Unlock()
		s.PrintError(channelID, sendErrorText(ErrClosed))
		return
	}
	s.queues[channelID] = append(s.queues[channelID], text)
	if s.draining[channelID] {
		s.inputMu.Unlock()
		return
	}
	s.draining[channelID] = true
	s.inputMu.Unlock()
	s.pool.Submit(func() { s.drain(channelID) })
}

func (s *Sync) drain(channelID snowflake.ID) {
	for {
		s.inputMu.Lock()
		queue := s.queues[channelID]
		if len(queue) == 0 {
			delete(s.queues, channelID)
			delete(s.draining, channelID)
			s.inputMu.Unlock()
			return
		}
		text := queue[0]
		s.queues[channelID] = queue[1:]
		s.inputMu.Unlock()

		if err := s.handleInput(s.ctx, channelID, text); err != nil {
			s.log.Warn().Err(err).Stringer("channel_id", channelID).Msg("Failed to handle buffer input")
			s.PrintError(channelID, sendErrorText(err))
		}
	}
}

func sendErrorText(err error) string {
	return "An error occurred sending message: " + err.Error()
}

func (s *Sync) handleInput(ctx context.Context, channelID snowflake.ID, text string) error {
	in := inputfmt.Parse(text)
	self, ok := s.store.Self()
	if !ok {
		return errNotAuthorized
	}
	ch, _ := s.store.Channel(channelID)

	switch in.Kind {
	case inputfmt.KindMessage:
		if in.Text == "" {
			return nil
		}
		if err := s.checkSend(channelID); err != nil {
			return err
		}
		content := in.Text
		if ch.GuildID != nil {
			content = inputfmt.CreateMentions(content, mentioner{store: s.store, guildID: *ch.GuildID})
		}
		msg, err := s.api.CreateMessage(ctx, channelID, rest.MessageCreate{Content: content, Nonce: discord.NewNonce()})
		if err != nil {
			return err
		}
		// REST responses omit guild_id.
		if msg.GuildID == nil {
			msg.GuildID = ch.GuildID
		}
		s.emit(discord.EventMessageCreate, msg)
	case inputfmt.KindEdit:
		last, ok := s.store.LastMessage(channelID, &self.ID)
		if !ok {
			return errNoMessage
		}
		content, ok := inputfmt.ApplyEdit(last.Content, in)
		if !ok {
			return errNoMatch
		}
		msg, err := s.api.EditMessage(ctx, channelID, last.ID, content)
		if err != nil {
			return err
		}
		if msg.GuildID == nil {
			msg.GuildID = ch.GuildID
		}
		s.emit(discord.EventMessageUpdate, &discord.MessageUpdate{
			ID:              msg.ID,
			ChannelID:       msg.ChannelID,
			GuildID:         msg.GuildID,
			Author:          &msg.Author,
			Content:         &msg.Content,
			EditedTimestamp: msg.EditedTimestamp,
			Mentions:        msg.Mentions,
			Attachments:     msg.Attachments,
		})
	case inputfmt.KindDelete:
		last, ok := s.store.LastMessage(channelID, &self.ID)
		if !ok {
			return errNoMessage
		}
		if err := s.api.DeleteMessage(ctx, channelID, last.ID); err != nil {
			return err
		}
		s.emit(discord.EventMessageDelete, &discord.MessageDelete{ID: last.ID, ChannelID: channelID, GuildID: ch.GuildID})
	case inputfmt.KindReact:
		last, ok := s.store.LastMessage(channelID, nil)
		if !ok {
			return errNoMessage
		}
		if err := s.api.AddReaction(ctx, channelID, last.ID, in.Emoji); err != nil {
			return err
		}
	case inputfmt.KindNick:
		if ch.GuildID == nil {
			return errNotGuild
		}
		member, err := s.api.ModifyCurrentMember(ctx, *ch.GuildID, in.Text)
		if err != nil {
			return err
		}
		if member.User == nil {
			member.User = &self
		}
		member.GuildID = ch.GuildID
		s.emit(discord.EventMemberUpdate, member)
	default:
		return fmt.Errorf("unsupported input kind %s", in.Kind)
	}
	return nil
}

func (s *Sync) checkSend(channelID snowflake.ID) error {
	perms, err := s.store.SelfPermissions(channelID)
	if err != nil {
		// Unknown permissions are left for the server to judge.
		s.log.Debug().Err(err).Stringer("channel_id", channelID).Msg("Couldn't compute permissions before sending")
		return nil
	}
	if !perms.Has(discord.PermissionSendMessages) {
		return errCannotSend
	}
	return nil
}

func (s *Sync) emit(typ string, data any) {
	if s.events == nil {
		return
	}
	s.events(discord.Event{Type: typ, Data: data})
}

// mentioner resolves outbound mentions in one guild.
type mentioner struct {
	store   Store
	guildID snowflake.ID
}

func (m mentioner) MemberID(name string) (snowflake.ID, bool) {
	return m.store.FindMember(m.guildID, name)
}

func (m mentioner) RoleID(name string) (snowflake.ID, bool) {
	return m.store.FindRole(m.guildID, name)
}

func (m mentioner) ChannelID(name string) (snowflake.ID, bool) {
	return m.store.FindChannel(m.guildID, name)
}
