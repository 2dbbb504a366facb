// Copyright 2024-2026 Aiku AI

package connector

import (
	"context"

	"github.com/disgoorg/snowflake/v2"

	"github.com/aiku/cordbridge/pkg/discord"
)

// resolveMissing fetches entities an applied event referenced but the
// cache does not hold. Lines already printed keep their placeholder
// names; the fetched channel renames its buffer.
func (s *session) resolveMissing(evt discord.Event) {
	switch data := evt.Data.(type) {
	case *discord.Message:
		if _, ok := s.cache.Channel(data.ChannelID); !ok {
			s.fetchChannel(data.ChannelID)
		}
	case *discord.Reaction:
		if _, ok := s.cache.User(data.UserID); !ok {
			s.fetchUser(data.UserID)
		}
	}
}

func (s *session) fetchChannel(id snowflake.ID) {
	s.lazyFetch("channel:"+id.String(), func(ctx context.Context) (*discord.Event, error) {
		if _, ok := s.cache.Channel(id); ok {
			return nil, nil
		}
		ch, err := s.api.GetChannel(ctx, id)
		if err != nil {
			return nil, err
		}
		return &discord.Event{Type: discord.EventChannelUpdate, Data: ch}, nil
	})
}

func (s *session) fetchUser(id snowflake.ID) {
	s.lazyFetch("user:"+id.String(), func(ctx context.Context) (*discord.Event, error) {
		if _, ok := s.cache.User(id); ok {
			return nil, nil
		}
		user, err := s.api.GetUser(ctx, id)
		if err != nil {
			return nil, err
		}
		return &discord.Event{Type: discord.EventUserUpdate, Data: user}, nil
	})
}

// lazyFetch runs fetch in the background, at most once at a time per key,
// and applies the event it returns.
func (s *session) lazyFetch(key string, fetch func(ctx context.Context) (*discord.Event, error)) {
	s.spawn(func(ctx context.Context) {
		_, err, _ := s.fetches.Do(key, func() (any, error) {
			evt, err := fetch(ctx)
			if err == nil && evt != nil {
				s.handle(*evt)
			}
			return nil, err
		})
		if err != nil && ctx.Err() == nil {
			s.log.Warn().Err(err).Str("key", key).Msg("Lazy fetch failed")
		}
	})
}
