// Copyright 2024-2026 Aiku AI

package connector

import (
	"context"

	"github.com/disgoorg/snowflake/v2"
)

// backfill loads the most recent messages of a channel into the cache and
// prints them as backlog. Messages already printed live are skipped by
// the buffer layer.
func (s *session) backfill(ctx context.Context, channelID snowflake.ID) {
	log := s.log.With().Stringer("channel_id", channelID).Logger()
	msgs, err := s.api.GetMessages(ctx, channelID, s.cfg.MessageFetchCount, nil)
	if err != nil {
		if ctx.Err() == nil {
			log.Warn().Err(err).Msg("Failed to fetch history")
			s.sync.PrintError(channelID, "Failed to load history: "+err.Error())
		}
		return
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.stopped {
		return
	}
	// Channel message listings omit guild_id.
	ch, known := s.cache.Channel(channelID)
	for i := range msgs {
		if msgs[i].GuildID == nil && known {
			msgs[i].GuildID = ch.GuildID
		}
		if _, err := s.cache.PutMessage(msgs[i]); err != nil {
			log.Warn().Err(err).Msg("Failed to cache history")
			return
		}
	}
	s.sync.Apply(s.tr.History(channelID, msgs)...)
	log.Debug().Int("count", len(msgs)).Msg("Loaded history")
}
