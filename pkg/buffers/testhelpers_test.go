// Copyright 2024-2026 Aiku AI

package buffers

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/disgoorg/snowflake/v2"
	"github.com/rs/zerolog"
	"go.mau.fi/util/ptr"

	"github.com/aiku/cordbridge/pkg/cache"
	"github.com/aiku/cordbridge/pkg/discord"
	"github.com/aiku/cordbridge/pkg/rest"
	"github.com/aiku/cordbridge/pkg/translate"
)

const (
	guildID  snowflake.ID = 100
	general  snowflake.ID = 201
	readonly snowflake.ID = 202
	secret   snowflake.ID = 203
	roleMod  snowflake.ID = 301
	alice    snowflake.ID = 401
	bob      snowflake.ID = 402
	self     snowflake.ID = 500
	dmAlice  snowflake.ID = 600
)

// --- mockHost ---

type mockBuffer struct {
	name     string
	category string
	props    map[string]string
	lines    []string
	nicks    map[string]string
	input    func(string)
	onClose  func()
	closed   bool
}

type mockHost struct {
	mu      sync.Mutex
	next    Handle
	buffers map[Handle]*mockBuffer
	core    []string
}

func newMockHost() *mockHost {
	return &mockHost{buffers: make(map[Handle]*mockBuffer)}
}

func (h *mockHost) CreateBuffer(name, category string) (Handle, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.next++
	h.buffers[h.next] = &mockBuffer{name: name, category: category, props: make(map[string]string), nicks: make(map[string]string)}
	return h.next, nil
}

func (h *mockHost) buffer(handle Handle) (*mockBuffer, error) {
	b, ok := h.buffers[handle]
	if !ok || b.closed {
		return nil, fmt.Errorf("no buffer %d", handle)
	}
	return b, nil
}

func (h *mockHost) CloseBuffer(handle Handle) error {
	h.mu.Lock()
	b, err := h.buffer(handle)
	if err != nil {
		h.mu.Unlock()
		return err
	}
	b.closed = true
	onClose := b.onClose
	h.mu.Unlock()
	if onClose != nil {
		onClose()
	}
	return nil
}

func (h *mockHost) PrintLine(handle Handle, text string, _ time.Time) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	b, err := h.buffer(handle)
	if err != nil {
		return err
	}
	b.lines = append(b.lines, text)
	return nil
}

func (h *mockHost) SetProperty(handle Handle, key, value string) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	b, err := h.buffer(handle)
	if err != nil {
		return err
	}
	b.props[key] = value
	return nil
}

func (h *mockHost) RegisterInputCallback(handle Handle, fn func(string)) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	b, err := h.buffer(handle)
	if err != nil {
		return err
	}
	b.input = fn
	return nil
}

func (h *mockHost) RegisterCloseCallback(handle Handle, fn func()) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	b, err := h.buffer(handle)
	if err != nil {
		return err
	}
	b.onClose = fn
	return nil
}

func (h *mockHost) CorePrint(text string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.core = append(h.core, text)
}

func (h *mockHost) AddNick(handle Handle, group, nick string, _ int) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	b, err := h.buffer(handle)
	if err != nil {
		return err
	}
	b.nicks[nick] = group
	return nil
}

func (h *mockHost) RemoveNick(handle Handle, nick string) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	b, err := h.buffer(handle)
	if err != nil {
		return err
	}
	delete(b.nicks, nick)
	return nil
}

// userClose simulates the user closing a buffer in the host.
func (h *mockHost) userClose(t *testing.T, handle Handle) {
	t.Helper()
	if err := h.CloseBuffer(handle); err != nil {
		t.Fatalf("close: %v", err)
	}
}

// typeInto simulates the user typing a line into a buffer.
func (h *mockHost) typeInto(t *testing.T, handle Handle, text string) {
	t.Helper()
	h.mu.Lock()
	b, err := h.buffer(handle)
	h.mu.Unlock()
	if err != nil || b.input == nil {
		t.Fatalf("no input callback on buffer %d", handle)
	}
	b.input(text)
}

func (h *mockHost) linesOf(handle Handle) []string {
	h.mu.Lock()
	defer h.mu.Unlock()
	return append([]string(nil), h.buffers[handle].lines...)
}

func (h *mockHost) nicksOf(handle Handle) map[string]string {
	h.mu.Lock()
	defer h.mu.Unlock()
	out := make(map[string]string)
	for k, v := range h.buffers[handle].nicks {
		out[k] = v
	}
	return out
}

// --- fakeAPI ---

type fakeAPI struct {
	mu     sync.Mutex
	calls  []string
	err    error
	nextID snowflake.ID
}

func (a *fakeAPI) record(call string) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.calls = append(a.calls, call)
	return a.err
}

func (a *fakeAPI) Calls() []string {
	a.mu.Lock()
	defer a.mu.Unlock()
	return append([]string(nil), a.calls...)
}

func (a *fakeAPI) message(channelID snowflake.ID, content string) *discord.Message {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.nextID++
	return &discord.Message{ID: 9000 + a.nextID, ChannelID: channelID, Author: discord.User{ID: self, Username: "me"}, Content: content}
}

func (a *fakeAPI) CreateMessage(_ context.Context, channelID snowflake.ID, msg rest.MessageCreate) (*discord.Message, error) {
	if msg.Nonce == "" {
		return nil, errors.New("missing nonce")
	}
	if err := a.record(fmt.Sprintf("create %s %s", channelID, msg.Content)); err != nil {
		return nil, err
	}
	created := a.message(channelID, msg.Content)
	created.Nonce = msg.Nonce
	return created, nil
}

func (a *fakeAPI) EditMessage(_ context.Context, channelID, messageID snowflake.ID, content string) (*discord.Message, error) {
	if err := a.record(fmt.Sprintf("edit %s %s %s", channelID, messageID, content)); err != nil {
		return nil, err
	}
	edited := a.message(channelID, content)
	edited.ID = messageID
	return edited, nil
}

func (a *fakeAPI) DeleteMessage(_ context.Context, channelID, messageID snowflake.ID) error {
	return a.record(fmt.Sprintf("delete %s %s", channelID, messageID))
}

func (a *fakeAPI) AddReaction(_ context.Context, channelID, messageID snowflake.ID, emoji string) error {
	return a.record(fmt.Sprintf("react %s %s %s", channelID, messageID, emoji))
}

func (a *fakeAPI) ModifyCurrentMember(_ context.Context, guildID snowflake.ID, nick string) (*discord.Member, error) {
	if err := a.record(fmt.Sprintf("nick %s %s", guildID, nick)); err != nil {
		return nil, err
	}
	return &discord.Member{Nick: &nick, Roles: []snowflake.ID{}}, nil
}

// --- fixture ---

type eventLog struct {
	mu     sync.Mutex
	events []discord.Event
}

func (l *eventLog) add(evt discord.Event) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.events = append(l.events, evt)
}

func (l *eventLog) all() []discord.Event {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]discord.Event(nil), l.events...)
}

type fixture struct {
	host   *mockHost
	cache  *cache.Cache
	api    *fakeAPI
	events *eventLog
	sync   *Sync
	tr     *translate.Translator
}

func newTestCache(t *testing.T) *cache.Cache {
	t.Helper()
	c := cache.New(64, zerolog.Nop())
	_, err := c.ApplyReady(discord.Ready{
		User: discord.User{ID: self, Username: "me"},
		PrivateChannels: []discord.Channel{
			{ID: dmAlice, Type: discord.ChannelTypeDM, Recipients: []discord.User{{ID: alice, Username: "alice"}}},
		},
	})
	if err != nil {
		t.Fatalf("ApplyReady: %v", err)
	}
	_, err = c.ReplaceGuild(discord.Guild{
		ID:      guildID,
		Name:    "Test Guild",
		OwnerID: 999,
		Roles: []discord.Role{
			{ID: guildID, Name: "@everyone", Permissions: discord.PermissionViewChannel | discord.PermissionSendMessages},
			{ID: roleMod, Name: "mods", Position: 1},
		},
		Channels: []discord.Channel{
			{ID: general, Type: discord.ChannelTypeGuildText, Name: "general"},
			{ID: readonly, Type: discord.ChannelTypeGuildText, Name: "announcements", PermissionOverwrites: []discord.PermissionOverwrite{
				{ID: guildID, Type: discord.OverwriteTypeRole, Deny: discord.PermissionSendMessages},
			}},
			{ID: secret, Type: discord.ChannelTypeGuildText, Name: "secret", PermissionOverwrites: []discord.PermissionOverwrite{
				{ID: guildID, Type: discord.OverwriteTypeRole, Deny: discord.PermissionViewChannel},
				{ID: roleMod, Type: discord.OverwriteTypeRole, Allow: discord.PermissionViewChannel},
			}},
		},
		Members: []discord.Member{
			{User: &discord.User{ID: self, Username: "me"}},
			{User: &discord.User{ID: alice, Username: "alice"}, Roles: []snowflake.ID{roleMod}},
			{User: &discord.User{ID: bob, Username: "bob"}, Nick: ptr.Ptr("bobby")},
		},
	})
	if err != nil {
		t.Fatalf("ReplaceGuild: %v", err)
	}
	return c
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	f := &fixture{
		host:   newMockHost(),
		cache:  newTestCache(t),
		api:    &fakeAPI{},
		events: &eventLog{},
	}
	f.tr = translate.New(f.cache, translate.Options{}, zerolog.Nop())
	f.sync = New(f.host, f.cache, f.api, f.events.add, Config{MaxInFlight: 2}, zerolog.Nop())
	t.Cleanup(f.sync.Close)
	return f
}

// open opens a channel the way the connector does.
func (f *fixture) open(t *testing.T, channelID snowflake.ID) Handle {
	t.Helper()
	cmds, ok := f.tr.Open(channelID)
	if !ok {
		t.Fatalf("Open(%s): unknown channel", channelID)
	}
	f.sync.Apply(cmds...)
	h, ok := f.sync.Buffer(channelID)
	if !ok {
		t.Fatalf("channel %s not mapped after open", channelID)
	}
	return h
}

func (f *fixture) putMessage(t *testing.T, id, channelID, author snowflake.ID, content string) {
	t.Helper()
	gid := guildID
	msg := discord.Message{ID: id, ChannelID: channelID, Author: discord.User{ID: author}, Content: content}
	if channelID != dmAlice {
		msg.GuildID = &gid
	}
	if _, err := f.cache.PutMessage(msg); err != nil {
		t.Fatalf("PutMessage: %v", err)
	}
}
