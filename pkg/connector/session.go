// Copyright 2024-2026 Aiku AI

package connector

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/disgoorg/snowflake/v2"
	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/singleflight"

	"github.com/aiku/cordbridge/pkg/buffers"
	"github.com/aiku/cordbridge/pkg/cache"
	"github.com/aiku/cordbridge/pkg/discord"
	"github.com/aiku/cordbridge/pkg/gateway"
	"github.com/aiku/cordbridge/pkg/rest"
	"github.com/aiku/cordbridge/pkg/translate"
)

// guildSyncTimeout bounds how long GUILD_CREATE events announced by READY
// are collected before the initial sync is finished without them.
const guildSyncTimeout = 15 * time.Second

var (
	errUnknownGuild   = errors.New("unknown guild")
	errUnknownChannel = errors.New("unknown channel")
	errNotText        = errors.New("not a text channel")
	errNoAccess       = errors.New("missing permission to view channel")
)

type session struct {
	cfg   Config
	host  buffers.Host
	api   *rest.Client
	conn  *gateway.Conn
	cache *cache.Cache
	tr    *translate.Translator
	sync  *buffers.Sync
	self  discord.User
	log   zerolog.Logger

	ctx      context.Context
	cancel   context.CancelFunc
	started  bool
	done     chan struct{}
	stopOnce sync.Once

	fetches singleflight.Group

	// mu orders cache mutation, translation and buffer commands for
	// gateway events and REST results alike.
	mu      sync.Mutex
	initial *initialSync
	stopped bool

	bgMu      sync.Mutex
	bg        sync.WaitGroup
	bgStopped bool
}

// initialSync collects the GUILD_CREATE events READY announced so they
// are translated together once every guild has arrived.
type initialSync struct {
	pending map[snowflake.ID]struct{}
	batch   []appliedEvent
	timer   *time.Timer
}

type appliedEvent struct {
	evt   discord.Event
	delta cache.Delta
}

func newSession(b *Bridge, api *rest.Client, self discord.User, url string) *session {
	log := b.log.With().Str("user_id", self.ID.String()).Logger()
	s := &session{
		cfg:   b.Config,
		host:  b.host,
		api:   api,
		self:  self,
		log:   log,
		cache: cache.New(b.Config.MessageWindow, log),
		done:  make(chan struct{}),
	}
	s.ctx, s.cancel = context.WithCancel(context.Background())
	_ = s.cache.SetSelf(self)
	s.tr = translate.New(s.cache, b.translatorOptions(), log)
	s.sync = buffers.New(b.host, s.cache, api, s.handle, buffers.Config{MaxInFlight: b.Config.MaxInFlight}, log)
	s.conn = gateway.New(b.gatewayConfig(url, s.stateChanged), log)
	return s
}

func (s *session) start() {
	s.started = true
	g, ctx := errgroup.WithContext(s.ctx)
	g.Go(func() error {
		return s.conn.Run(ctx)
	})
	g.Go(func() error {
		return s.dispatch(ctx)
	})
	go func() {
		if err := g.Wait(); err != nil {
			s.log.Error().Err(err).Msg("Session ended")
		}
		close(s.done)
	}()
}

// finished reports whether the gateway gave up, for example after the
// token was refused.
func (s *session) finished() bool {
	select {
	case <-s.done:
		return true
	default:
		return false
	}
}

func (s *session) stop() {
	s.stopOnce.Do(func() {
		s.cancel()
		if s.started {
			<-s.done
		}

		s.bgMu.Lock()
		s.bgStopped = true
		s.bgMu.Unlock()
		s.bg.Wait()
		s.sync.Close()

		s.mu.Lock()
		defer s.mu.Unlock()
		s.stopped = true
		if s.initial != nil && s.initial.timer != nil {
			s.initial.timer.Stop()
		}
		s.initial = nil
		for _, id := range s.sync.Open() {
			s.sync.Apply(translate.CloseBuffer{ChannelID: id})
		}
		s.cache.Close()
		s.log.Info().Msg("Session stopped")
	})
}

// spawn runs fn in the background until the session stops. It is a no-op
// once stop has begun.
func (s *session) spawn(fn func(ctx context.Context)) {
	s.bgMu.Lock()
	defer s.bgMu.Unlock()
	if s.bgStopped {
		return
	}
	s.bg.Add(1)
	go func() {
		defer s.bg.Done()
		fn(s.ctx)
	}()
}

func (s *session) dispatch(ctx context.Context) error {
	events := s.conn.Events()
	for {
		select {
		case <-ctx.Done():
			return nil
		case evt, ok := <-events:
			if !ok {
				return nil
			}
			s.handle(evt)
		}
	}
}

// handle applies one event to the cache and the buffers. Gateway events
// and the events derived from REST results both come through here.
func (s *session) handle(evt discord.Event) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.stopped {
		return
	}
	delta, err := s.cache.Apply(evt)
	if err != nil {
		if !errors.Is(err, cache.ErrClosed) {
			s.log.Warn().Err(err).
				Str("event", evt.Type).
				Int64("seq", evt.Seq).
				Msg("Failed to apply event")
		}
		return
	}
	switch data := evt.Data.(type) {
	case *discord.Ready:
		// Closes buffers of guilds the snapshot no longer lists.
		s.sync.Apply(s.tr.Translate(evt, delta)...)
		s.beginInitialSync(data)
		return
	case *discord.Guild:
		if s.deferGuild(data.ID, evt, delta) {
			return
		}
	}
	s.sync.Apply(s.tr.Translate(evt, delta)...)
	s.resolveMissing(evt)
}

func (s *session) beginInitialSync(ready *discord.Ready) {
	if s.initial != nil && s.initial.timer != nil {
		s.initial.timer.Stop()
	}
	pending := &initialSync{pending: make(map[snowflake.ID]struct{}, len(ready.Guilds))}
	for _, g := range ready.Guilds {
		pending.pending[g.ID] = struct{}{}
	}
	s.initial = pending
	s.log.Info().
		Int("guilds", len(ready.Guilds)).
		Int("private_channels", len(ready.PrivateChannels)).
		Msg("Session ready, waiting for guilds")
	if len(pending.pending) == 0 {
		s.finishInitialSync()
		return
	}
	pending.timer = time.AfterFunc(guildSyncTimeout, func() {
		s.mu.Lock()
		defer s.mu.Unlock()
		if s.stopped || s.initial != pending {
			return
		}
		s.log.Warn().Int("missing", len(pending.pending)).Msg("Timed out waiting for guilds")
		s.finishInitialSync()
	})
}

func (s *session) deferGuild(id snowflake.ID, evt discord.Event, delta cache.Delta) bool {
	if s.initial == nil {
		return false
	}
	if _, ok := s.initial.pending[id]; !ok {
		return false
	}
	delete(s.initial.pending, id)
	s.initial.batch = append(s.initial.batch, appliedEvent{evt: evt, delta: delta})
	if len(s.initial.pending) == 0 {
		s.finishInitialSync()
	}
	return true
}

func (s *session) finishInitialSync() {
	pending := s.initial
	s.initial = nil
	if pending.timer != nil {
		pending.timer.Stop()
	}
	for _, applied := range pending.batch {
		s.sync.Apply(s.tr.Translate(applied.evt, applied.delta)...)
	}
	s.log.Info().Int("guilds", len(pending.batch)).Msg("Initial sync complete")
	s.autojoin()
}

func (s *session) autojoin() {
	for _, entry := range s.cfg.Autojoin {
		guild, channel, _ := splitChannelPath(entry)
		if err := s.joinLocked(guild, channel); err != nil {
			s.log.Warn().Err(err).Str("entry", entry).Msg("Skipping autojoin entry")
		}
	}
	if s.cfg.AutojoinDMs {
		for _, ch := range s.cache.PrivateChannels() {
			if err := s.open(ch.ID); err != nil {
				s.log.Warn().Err(err).Stringer("channel_id", ch.ID).Msg("Failed to open private channel")
			}
		}
	}
}

func (s *session) join(guild, channel string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.stopped {
		return ErrNotConnected
	}
	return s.joinLocked(guild, channel)
}

func (s *session) joinLocked(guild, channel string) error {
	id, err := s.resolveChannel(guild, channel)
	if err != nil {
		return err
	}
	return s.open(id)
}

func (s *session) resolveChannel(guild, channel string) (snowflake.ID, error) {
	if strings.EqualFold(guild, "dm") {
		return s.findPrivate(channel)
	}
	guildID, ok := s.cache.FindGuild(guild)
	if !ok {
		return 0, fmt.Errorf("%w %q", errUnknownGuild, guild)
	}
	channelID, ok := s.cache.FindChannel(guildID, channel)
	if !ok {
		return 0, fmt.Errorf("%w %q", errUnknownChannel, channel)
	}
	if ch, _ := s.cache.Channel(channelID); !ch.Type.IsText() {
		return 0, fmt.Errorf("%q: %w", channel, errNotText)
	}
	perms, err := s.cache.SelfPermissions(channelID)
	if err != nil {
		return 0, err
	}
	if !perms.Has(discord.PermissionViewChannel) {
		return 0, fmt.Errorf("%q: %w", channel, errNoAccess)
	}
	return channelID, nil
}

// findPrivate finds the direct message channel with a user, preferring
// a one-to-one channel over a group.
func (s *session) findPrivate(name string) (snowflake.ID, error) {
	userID, ok := s.cache.FindUser(name)
	if !ok {
		return 0, fmt.Errorf("%w %q", errUnknownChannel, name)
	}
	var group snowflake.ID
	for _, ch := range s.cache.PrivateChannels() {
		for _, r := range ch.Recipients {
			if r.ID != userID {
				continue
			}
			if len(ch.Recipients) == 1 {
				return ch.ID, nil
			}
			if group == 0 {
				group = ch.ID
			}
		}
	}
	if group == 0 {
		return 0, fmt.Errorf("%w: no direct messages with %q", errUnknownChannel, name)
	}
	return group, nil
}

// open shows a channel's buffer and loads its history.
func (s *session) open(channelID snowflake.ID) error {
	cmds, ok := s.tr.Open(channelID)
	if !ok {
		return fmt.Errorf("%w %s", errUnknownChannel, channelID)
	}
	s.sync.Apply(cmds...)
	if s.cfg.MessageFetchCount > 0 {
		s.spawn(func(ctx context.Context) {
			s.backfill(ctx, channelID)
		})
	}
	return nil
}

func (s *session) stateChanged(change gateway.StateChange) {
	evt := s.log.Info()
	if change.Err != nil {
		evt = s.log.Warn().Err(change.Err)
	}
	evt.Stringer("state", change.State).
		Str("conn_id", change.ConnID).
		Dur("retry_in", change.RetryIn).
		Msg("Gateway state changed")
	if line, ok := statusLine(change, s.self.Username); ok {
		s.host.CorePrint(line)
	}
}
