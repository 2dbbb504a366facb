// Copyright 2024-2026 Remi Philippe
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at https://mozilla.org/MPL/2.0/.

package connector

import (
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"slices"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/disgoorg/snowflake/v2"
	"github.com/rs/zerolog"
	"go.mau.fi/util/ptr"

	"github.com/aiku/cordbridge/pkg/buffers"
	"github.com/aiku/cordbridge/pkg/discord"
	"github.com/aiku/cordbridge/pkg/rest"
)

const waitTimeout = 3 * time.Second

const (
	guildID    snowflake.ID = 100
	otherGuild snowflake.ID = 101
	generalID  snowflake.ID = 201
	voiceID    snowflake.ID = 202
	secretID   snowflake.ID = 203
	aliceID    snowflake.ID = 401
	bobID      snowflake.ID = 402
	selfID     snowflake.ID = 500
	dmID       snowflake.ID = 600
	groupDMID  snowflake.ID = 601
)

const everyoneAll = discord.PermissionViewChannel | discord.PermissionSendMessages

// endpointCall records one request received by fakeDiscord.
type endpointCall struct {
	Method string
	Path   string
	Query  string
	Body   string
}

// fakeDiscord is an httptest server answering "METHOD /path" keys with
// canned JSON bodies and recording every call.
type fakeDiscord struct {
	Server *httptest.Server

	mu        sync.Mutex
	calls     []endpointCall
	responses map[string]cannedResponse
	blocked   map[string]chan struct{}
}

type cannedResponse struct {
	Status int
	Body   string
}

func newFakeDiscord(t *testing.T) *fakeDiscord {
	t.Helper()
	f := &fakeDiscord{responses: make(map[string]cannedResponse)}
	f.Server = httptest.NewServer(http.HandlerFunc(f.handler))
	t.Cleanup(f.Server.Close)
	f.Respond("GET /users/@me", http.StatusOK, `{"id":"500","username":"me"}`)
	return f
}

func (f *fakeDiscord) Respond(key string, status int, body string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.responses[key] = cannedResponse{Status: status, Body: body}
}

// Block holds requests for key until the returned release is called or
// the client gives up.
func (f *fakeDiscord) Block(key string) (release func()) {
	ch := make(chan struct{})
	f.mu.Lock()
	if f.blocked == nil {
		f.blocked = make(map[string]chan struct{})
	}
	f.blocked[key] = ch
	f.mu.Unlock()
	var once sync.Once
	return func() { once.Do(func() { close(ch) }) }
}

func (f *fakeDiscord) Calls() []endpointCall {
	f.mu.Lock()
	defer f.mu.Unlock()
	return slices.Clone(f.calls)
}

func (f *fakeDiscord) CallCount(method, path string) int {
	n := 0
	for _, c := range f.Calls() {
		if c.Method == method && c.Path == path {
			n++
		}
	}
	return n
}

func (f *fakeDiscord) handler(w http.ResponseWriter, r *http.Request) {
	body, _ := io.ReadAll(r.Body)
	key := r.Method + " " + r.URL.Path
	f.mu.Lock()
	f.calls = append(f.calls, endpointCall{Method: r.Method, Path: r.URL.Path, Query: r.URL.RawQuery, Body: string(body)})
	resp, ok := f.responses[key]
	gate := f.blocked[key]
	f.mu.Unlock()
	if gate != nil {
		select {
		case <-gate:
		case <-r.Context().Done():
			return
		}
	}
	if !ok {
		resp = cannedResponse{Status: http.StatusNotFound, Body: `{"message":"Unknown route","code":0}`}
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(resp.Status)
	_, _ = io.WriteString(w, resp.Body)
}

// memBuffer is one buffer of memHost.
type memBuffer struct {
	name    string
	props   map[string]string
	lines   []string
	closed  bool
	input   func(string)
	onClose func()
}

// memHost is an in-memory buffers.Host with command support.
type memHost struct {
	mu       sync.Mutex
	next     buffers.Handle
	buffers  map[buffers.Handle]*memBuffer
	core     []string
	commands map[string]func([]string)
}

var (
	_ buffers.Host        = (*memHost)(nil)
	_ buffers.CommandHost = (*memHost)(nil)
)

func newMemHost() *memHost {
	return &memHost{
		buffers:  make(map[buffers.Handle]*memBuffer),
		commands: make(map[string]func([]string)),
	}
}

func (h *memHost) CreateBuffer(name, _ string) (buffers.Handle, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.next++
	h.buffers[h.next] = &memBuffer{name: name, props: make(map[string]string)}
	return h.next, nil
}

func (h *memHost) CloseBuffer(handle buffers.Handle) error {
	h.mu.Lock()
	b, ok := h.buffers[handle]
	if !ok || b.closed {
		h.mu.Unlock()
		return fmt.Errorf("no buffer %d", handle)
	}
	b.closed = true
	onClose := b.onClose
	h.mu.Unlock()
	if onClose != nil {
		onClose()
	}
	return nil
}

func (h *memHost) PrintLine(handle buffers.Handle, text string, _ time.Time) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	b, ok := h.buffers[handle]
	if !ok {
		return fmt.Errorf("no buffer %d", handle)
	}
	b.lines = append(b.lines, text)
	return nil
}

func (h *memHost) SetProperty(handle buffers.Handle, key, value string) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	b, ok := h.buffers[handle]
	if !ok {
		return fmt.Errorf("no buffer %d", handle)
	}
	b.props[key] = value
	if key == "name" {
		b.name = value
	}
	return nil
}

func (h *memHost) RegisterInputCallback(handle buffers.Handle, fn func(string)) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.buffers[handle].input = fn
	return nil
}

func (h *memHost) RegisterCloseCallback(handle buffers.Handle, fn func()) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.buffers[handle].onClose = fn
	return nil
}

func (h *memHost) CorePrint(text string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.core = append(h.core, text)
}

func (h *memHost) RegisterCommand(name, _ string, fn func([]string)) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.commands[name] = fn
	return nil
}

// open returns the open buffer with the given name.
func (h *memHost) open(name string) (*memBuffer, bool) {
	h.mu.Lock()
	defer h.mu.Unlock()
	for _, b := range h.buffers {
		if b.name == name && !b.closed {
			return b, true
		}
	}
	return nil, false
}

func (h *memHost) openNames() []string {
	h.mu.Lock()
	defer h.mu.Unlock()
	var names []string
	for _, b := range h.buffers {
		if !b.closed {
			names = append(names, b.name)
		}
	}
	slices.Sort(names)
	return names
}

func (h *memHost) linesOf(name string) []string {
	b, ok := h.open(name)
	if !ok {
		return nil
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	return slices.Clone(b.lines)
}

func (h *memHost) coreLines() []string {
	h.mu.Lock()
	defer h.mu.Unlock()
	return slices.Clone(h.core)
}

func (h *memHost) typeInto(t *testing.T, name, text string) {
	t.Helper()
	b, ok := h.open(name)
	if !ok {
		t.Fatalf("no open buffer %q", name)
	}
	h.mu.Lock()
	input := b.input
	h.mu.Unlock()
	input(text)
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(waitTimeout)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting for %s", what)
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func containsLine(lines []string, sub string) bool {
	return slices.ContainsFunc(lines, func(l string) bool { return strings.Contains(l, sub) })
}

func testConfig(f *fakeDiscord) Config {
	cfg := Config{
		Token:        "test-token",
		APIURL:       f.Server.URL,
		RESTTimeout:  2 * time.Second,
		MaxInFlight:  2,
		NickColors:   false,
		ShowPresence: true,
	}
	if err := cfg.PostProcess(); err != nil {
		panic(err)
	}
	return cfg
}

// newTestSession builds a session that is not connected to a gateway.
// Events are fed to it with handle.
func newTestSession(t *testing.T, f *fakeDiscord, mutate func(*Config)) (*session, *memHost) {
	t.Helper()
	cfg := testConfig(f)
	if mutate != nil {
		mutate(&cfg)
	}
	host := newMemHost()
	b := New(cfg, host, zerolog.Nop())
	api := rest.NewClient(rest.Config{
		BaseURL:    f.Server.URL,
		Token:      cfg.Token,
		Timeout:    2 * time.Second,
		MaxRetries: 0,
	}, zerolog.Nop())
	s := newSession(b, api, discord.User{ID: selfID, Username: "me"}, "ws://127.0.0.1:0")
	t.Cleanup(s.stop)
	return s, host
}

func testGuild(id snowflake.ID, name string) *discord.Guild {
	return &discord.Guild{
		ID:      id,
		Name:    name,
		OwnerID: 999,
		Roles: []discord.Role{
			{ID: id, Name: "@everyone", Permissions: everyoneAll},
		},
		Channels: []discord.Channel{
			{ID: id*10 + 1, Type: discord.ChannelTypeGuildText, GuildID: ptr.Ptr(id), Name: "general", Topic: ptr.Ptr("talk")},
		},
		Members: []discord.Member{
			{User: &discord.User{ID: selfID, Username: "me"}},
		},
	}
}

// mainGuild is guild 100 with general, a voice channel and a channel
// hidden from @everyone.
func mainGuild() *discord.Guild {
	g := testGuild(guildID, "Test Guild")
	g.Channels = []discord.Channel{
		{ID: generalID, Type: discord.ChannelTypeGuildText, GuildID: ptr.Ptr(guildID), Name: "general", Topic: ptr.Ptr("talk")},
		{ID: voiceID, Type: discord.ChannelTypeGuildVoice, GuildID: ptr.Ptr(guildID), Name: "voice"},
		{ID: secretID, Type: discord.ChannelTypeGuildText, GuildID: ptr.Ptr(guildID), Name: "secret", PermissionOverwrites: []discord.PermissionOverwrite{
			{ID: guildID, Type: discord.OverwriteTypeRole, Deny: discord.PermissionViewChannel},
		}},
	}
	g.Members = append(g.Members, discord.Member{User: &discord.User{ID: aliceID, Username: "alice"}})
	return g
}

func readyEvent(guilds ...snowflake.ID) discord.Event {
	ready := &discord.Ready{
		User:      discord.User{ID: selfID, Username: "me"},
		SessionID: "session",
		PrivateChannels: []discord.Channel{
			{ID: dmID, Type: discord.ChannelTypeDM, Recipients: []discord.User{{ID: aliceID, Username: "alice"}}},
			{ID: groupDMID, Type: discord.ChannelTypeGroupDM, Recipients: []discord.User{{ID: aliceID, Username: "alice"}, {ID: bobID, Username: "bob"}}},
		},
	}
	for _, id := range guilds {
		ready.Guilds = append(ready.Guilds, discord.UnavailableGuild{ID: id, Unavailable: true})
	}
	return discord.Event{Seq: 1, Type: discord.EventReady, Data: ready}
}

func guildCreate(seq int64, g *discord.Guild) discord.Event {
	return discord.Event{Seq: seq, Type: discord.EventGuildCreate, Data: g}
}

func messageCreate(seq int64, id, channelID, authorID snowflake.ID, author, content string, guild *snowflake.ID) discord.Event {
	return discord.Event{Seq: seq, Type: discord.EventMessageCreate, Data: &discord.Message{
		ID:        id,
		ChannelID: channelID,
		GuildID:   guild,
		Author:    discord.User{ID: authorID, Username: author},
		Content:   content,
		Timestamp: time.Unix(1700000000, 0).UTC(),
	}}
}
