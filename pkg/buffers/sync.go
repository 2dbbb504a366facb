// Copyright 2024-2026 Aiku AI

package buffers

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/disgoorg/snowflake/v2"
	"github.com/gammazero/workerpool"
	"github.com/rs/zerolog"
	"go.mau.fi/util/exsync"

	"github.com/aiku/cordbridge/pkg/discord"
	"github.com/aiku/cordbridge/pkg/translate"
)

const (
	DefaultCategory    = "discord"
	DefaultMaxInFlight = 4
	DefaultLineHistory = 2048
)

// ErrClosed is returned for input received after Close.
var ErrClosed = errors.New("buffers: closed")

// Config configures a Sync. Zero values select defaults.
type Config struct {
	Category string
	// MaxInFlight bounds how many buffers can have a send in progress.
	MaxInFlight int
	// LineHistory is how many printed lines are remembered for hosts that
	// cannot edit lines in place.
	LineHistory int
}

type buffer struct {
	handle Handle
	info   translate.BufferInfo
	nicks  map[snowflake.ID]string
}

// Sync applies commands to the host and routes buffer input.
type Sync struct {
	host   Host
	store  Store
	api    API
	events func(discord.Event)
	cfg    Config
	log    zerolog.Logger

	applyMu   sync.Mutex
	mu        sync.Mutex
	byChannel map[snowflake.ID]*buffer
	byHandle  map[Handle]*buffer
	lines     *exsync.RingBuffer[snowflake.ID, translate.Line]

	inputMu  sync.Mutex
	queues   map[snowflake.ID][]string
	draining map[snowflake.ID]bool
	closed   bool
	pool     *workerpool.WorkerPool
	ctx      context.Context
	cancel   context.CancelFunc
}

// New creates a Sync. events receives the events derived from successful
// REST calls so they reach the cache and the buffers the same way gateway
// events do.
func New(host Host, store Store, api API, events func(discord.Event), cfg Config, log zerolog.Logger) *Sync {
	if cfg.Category == "" {
		cfg.Category = DefaultCategory
	}
	if cfg.MaxInFlight <= 0 {
		cfg.MaxInFlight = DefaultMaxInFlight
	}
	if cfg.LineHistory <= 0 {
		cfg.LineHistory = DefaultLineHistory
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Sync{
		host:      host,
		store:     store,
		api:       api,
		events:    events,
		cfg:       cfg,
		log:       log.With().Str("component", "buffers").Logger(),
		byChannel: make(map[snowflake.ID]*buffer),
		byHandle:  make(map[Handle]*buffer),
		lines:     exsync.NewRingBuffer[snowflake.ID, translate.Line](cfg.LineHistory),
		queues:    make(map[snowflake.ID][]string),
		draining:  make(map[snowflake.ID]bool),
		pool:      workerpool.New(cfg.MaxInFlight),
		ctx:       ctx,
		cancel:    cancel,
	}
}

// Close waits for in-flight input to finish and refuses new input. Open
// buffers stay open.
func (s *Sync) Close() {
	s.inputMu.Lock()
	if s.closed {
		s.inputMu.Unlock()
		return
	}
	s.closed = true
	s.inputMu.Unlock()
	s.pool.StopWait()
	s.cancel()
}

// Apply applies commands in order. Host failures are logged and do not
// stop the remaining commands.
func (s *Sync) Apply(cmds ...translate.Command) {
	s.applyMu.Lock()
	defer s.applyMu.Unlock()
	for _, cmd := range cmds {
		if err := s.apply(cmd); err != nil {
			s.log.Warn().Err(err).Str("command", fmt.Sprintf("%T", cmd)).Msg("Failed to apply buffer command")
		}
	}
}

func (s *Sync) apply(cmd translate.Command) error {
	switch c := cmd.(type) {
	case translate.EnsureBuffer:
		return s.ensure(c.Buffer)
	case translate.CloseBuffer:
		return s.close(c.ChannelID)
	case translate.RenameBuffer:
		return s.rename(c.Buffer)
	case translate.AppendLine:
		return s.appendLine(c.ChannelID, c.Line)
	case translate.RemoveLine:
		return s.removeLine(c)
	case translate.SetBufferTitle:
		b, ok := s.lookup(c.ChannelID)
		if !ok {
			return nil
		}
		return s.host.SetProperty(b.handle, "title", c.Title)
	case translate.SetMemberPresence:
		return s.setPresence(c)
	default:
		return fmt.Errorf("unknown command %T", cmd)
	}
}

func (s *Sync) lookup(channelID snowflake.ID) (*buffer, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	b, ok := s.byChannel[channelID]
	return b, ok
}

func (s *Sync) ensure(info translate.BufferInfo) error {
	if _, ok := s.lookup(info.ChannelID); ok {
		return nil
	}
	h, err := s.host.CreateBuffer(info.Name, s.cfg.Category)
	if err != nil {
		return fmt.Errorf("create buffer %s: %w", info.Name, err)
	}
	b := &buffer{handle: h, info: info, nicks: make(map[snowflake.ID]string)}

	s.mu.Lock()
	if prev, ok := s.byHandle[h]; ok {
		// The host reused a handle we still had mapped.
		delete(s.byChannel, prev.info.ChannelID)
	}
	s.byChannel[info.ChannelID] = b
	s.byHandle[h] = b
	s.mu.Unlock()

	channelID := info.ChannelID
	if err := s.host.RegisterInputCallback(h, func(input string) { s.Input(channelID, input) }); err != nil {
		return fmt.Errorf("register input callback: %w", err)
	}
	if err := s.host.RegisterCloseCallback(h, func() { s.hostClosed(h) }); err != nil {
		return fmt.Errorf("register close callback: %w", err)
	}
	if info.Nicklist {
		if err := s.host.SetProperty(h, "nicklist", "1"); err != nil {
			return err
		}
	}
	s.log.Debug().
		Stringer("channel_id", info.ChannelID).
		Str("buffer", info.Name).
		Msg("Opened buffer")
	return s.setProperties(h, info)
}

func (s *Sync) setProperties(h Handle, info translate.BufferInfo) error {
	props := [][2]string{{"short_name", info.ShortName}}
	if info.Title != "" {
		props = append(props, [2]string{"title", info.Title})
	}
	for k, v := range info.LocalVars {
		props = append(props, [2]string{"localvar_set_" + k, v})
	}
	var errs []error
	for _, p := range props {
		if err := s.host.SetProperty(h, p[0], p[1]); err != nil {
			errs = append(errs, fmt.Errorf("set %s: %w", p[0], err))
		}
	}
	return errors.Join(errs...)
}

func (s *Sync) close(channelID snowflake.ID) error {
	s.mu.Lock()
	b, ok := s.byChannel[channelID]
	if ok {
		delete(s.byChannel, channelID)
		delete(s.byHandle, b.handle)
	}
	s.mu.Unlock()
	if !ok {
		return nil
	}
	s.log.Debug().Stringer("channel_id", channelID).Msg("Closing buffer")
	return s.host.CloseBuffer(b.handle)
}

// hostClosed drops the mapping of a buffer the user closed. The remote
// channel is untouched.
func (s *Sync) hostClosed(h Handle) {
	s.mu.Lock()
	defer s.mu.Unlock()
	b, ok := s.byHandle[h]
	if !ok {
		return
	}
	delete(s.byHandle, h)
	delete(s.byChannel, b.info.ChannelID)
	s.log.Debug().Stringer("channel_id", b.info.ChannelID).Msg("Buffer closed by host")
}

func (s *Sync) rename(info translate.BufferInfo) error {
	s.mu.Lock()
	b, ok := s.byChannel[info.ChannelID]
	if ok {
		b.info = info
	}
	s.mu.Unlock()
	if !ok {
		return nil
	}
	if err := s.host.SetProperty(b.handle, "name", info.Name); err != nil {
		return err
	}
	return s.setProperties(b.handle, info)
}

func (s *Sync) appendLine(channelID snowflake.ID, line translate.Line) error {
	b, ok := s.lookup(channelID)
	if !ok {
		return nil
	}
	if line.MessageID != nil {
		if line.Backlog && s.lines.Contains(*line.MessageID) {
			return nil
		}
		s.lines.Push(*line.MessageID, line)
	}
	return s.print(b.handle, line)
}

func (s *Sync) print(h Handle, line translate.Line) error {
	if lp, ok := s.host.(LinePrinter); ok {
		return lp.PrintMessage(h, line)
	}
	return s.host.PrintLine(h, line.Prefix+"\t"+line.Text, line.Timestamp)
}

func (s *Sync) removeLine(c translate.RemoveLine) error {
	b, ok := s.lookup(c.ChannelID)
	if !ok {
		return nil
	}
	if editor, ok := s.host.(LineEditor); ok {
		replaced, err := editor.ReplaceLine(b.handle, discord.MessageTag(c.MessageID), c.Replacement)
		if err != nil || replaced {
			if replaced && c.Replacement != nil {
				s.lines.Replace(c.MessageID, *c.Replacement)
			}
			return err
		}
	}
	if c.Replacement != nil {
		s.lines.Replace(c.MessageID, *c.Replacement)
		return s.print(b.handle, *c.Replacement)
	}
	prev, ok := s.lines.Get(c.MessageID)
	if !ok {
		// Never printed here, nothing to mark.
		return nil
	}
	deleted := translate.Line{
		MessageID: prev.MessageID,
		Prefix:    prev.Prefix,
		Text:      "(message deleted)",
		Timestamp: prev.Timestamp,
		Tags:      []string{discord.MessageTag(c.MessageID), translate.TagDeleted, translate.TagNotifyNone},
	}
	return s.print(b.handle, deleted)
}

func presenceGroup(status discord.PresenceStatus) string {
	switch status {
	case discord.StatusOnline, discord.StatusIdle, discord.StatusDoNotDisturb:
		return string(status)
	default:
		return string(discord.StatusOffline)
	}
}

func (s *Sync) setPresence(c translate.SetMemberPresence) error {
	nl, ok := s.host.(NicklistHost)
	if !ok {
		return nil
	}
	s.mu.Lock()
	var targets []*buffer
	for _, b := range s.byChannel {
		if b.info.Nicklist && b.info.GuildID != nil && *b.info.GuildID == c.GuildID {
			targets = append(targets, b)
		}
	}
	s.mu.Unlock()

	var errs []error
	for _, b := range targets {
		visible := !c.Removed && s.canView(b.info.ChannelID, c.UserID)
		s.mu.Lock()
		prev, listed := b.nicks[c.UserID]
		if visible {
			b.nicks[c.UserID] = c.Nick
		} else {
			delete(b.nicks, c.UserID)
		}
		s.mu.Unlock()
		if listed {
			if err := nl.RemoveNick(b.handle, prev); err != nil {
				errs = append(errs, err)
			}
		}
		if visible {
			if err := nl.AddNick(b.handle, presenceGroup(c.Status), c.Nick, c.Color); err != nil {
				errs = append(errs, err)
			}
		}
	}
	return errors.Join(errs...)
}

func (s *Sync) canView(channelID, userID snowflake.ID) bool {
	perms, err := s.store.Permissions(channelID, userID)
	return err == nil && perms.Has(discord.PermissionViewChannel)
}

// Channel returns the channel a buffer is mapped to.
func (s *Sync) Channel(h Handle) (snowflake.ID, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	b, ok := s.byHandle[h]
	if !ok {
		return 0, false
	}
	return b.info.ChannelID, true
}

// Buffer returns the buffer a channel is mapped to.
func (s *Sync) Buffer(channelID snowflake.ID) (Handle, bool) {
	b, ok := s.lookup(channelID)
	if !ok {
		return 0, false
	}
	return b.handle, true
}

// Open lists the channels with an open buffer.
func (s *Sync) Open() []snowflake.ID {
	s.mu.Lock()
	defer s.mu.Unlock()
	ids := make([]snowflake.ID, 0, len(s.byChannel))
	for id := range s.byChannel {
		ids = append(ids, id)
	}
	return ids
}

// PrintError shows an error line in a channel's buffer, or in the core
// buffer if the channel has none.
func (s *Sync) PrintError(channelID snowflake.ID, text string) {
	s.applyMu.Lock()
	defer s.applyMu.Unlock()
	b, ok := s.lookup(channelID)
	if !ok {
		s.host.CorePrint(text)
		return
	}
	line := translate.Line{Prefix: "=!=", Text: text, Tags: []string{translate.TagNotifyNone, translate.TagNoHighlight}}
	if err := s.print(b.handle, line); err != nil {
		s.log.Warn().Err(err).Stringer("channel_id", channelID).Msg("Failed to print error line")
	}
}
