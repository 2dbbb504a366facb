// Copyright 2024-2026 Aiku AI

package testinfra

import (
	"bytes"
	"encoding/json"
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
	"github.com/gorilla/websocket"
	"github.com/klauspost/compress/zlib"
	"github.com/rs/zerolog"

	"github.com/aiku/cordbridge/pkg/buffers"
	"github.com/aiku/cordbridge/pkg/connector"
	"github.com/aiku/cordbridge/pkg/discord"
)

const waitTimeout = 5 * time.Second

// ────────────────────────────────────────────────────────────────────
// Fake Discord
// ────────────────────────────────────────────────────────────────────

type restCall struct {
	Method string
	Path   string
	Query  string
	Body   string
}

// fakeDiscord serves canned REST responses and runs script once per
// gateway connection. n counts connections from zero.
type fakeDiscord struct {
	t      *testing.T
	server *httptest.Server
	script func(n int, c *gwConn)

	mu        sync.Mutex
	responses map[string]string
	calls     []restCall
	conns     int
}

func newFakeDiscord(t *testing.T, script func(n int, c *gwConn)) *fakeDiscord {
	t.Helper()
	f := &fakeDiscord{
		t:         t,
		script:    script,
		responses: map[string]string{"GET /users/@me": `{"id":"500","username":"me"}`},
	}
	mux := http.NewServeMux()
	mux.HandleFunc("/api/", f.serveREST)
	mux.HandleFunc("/gateway", f.serveGateway)
	f.server = httptest.NewServer(mux)
	t.Cleanup(f.server.Close)
	return f
}

func (f *fakeDiscord) APIURL() string {
	return f.server.URL + "/api"
}

func (f *fakeDiscord) GatewayURL() string {
	return "ws" + strings.TrimPrefix(f.server.URL, "http") + "/gateway"
}

// Respond sets the body returned for "METHOD /path", path without /api.
func (f *fakeDiscord) Respond(key, body string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.responses[key] = body
}

func (f *fakeDiscord) Calls(method, path string) []restCall {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []restCall
	for _, c := range f.calls {
		if c.Method == method && c.Path == path {
			out = append(out, c)
		}
	}
	return out
}

func (f *fakeDiscord) serveREST(w http.ResponseWriter, r *http.Request) {
	body, _ := io.ReadAll(r.Body)
	path := strings.TrimPrefix(r.URL.Path, "/api")
	f.mu.Lock()
	f.calls = append(f.calls, restCall{Method: r.Method, Path: path, Query: r.URL.RawQuery, Body: string(body)})
	resp, ok := f.responses[r.Method+" "+path]
	f.mu.Unlock()
	w.Header().Set("Content-Type", "application/json")
	if !ok {
		w.WriteHeader(http.StatusNotFound)
		_, _ = io.WriteString(w, `{"message":"Unknown route","code":0}`)
		return
	}
	_, _ = io.WriteString(w, resp)
}

func (f *fakeDiscord) serveGateway(w http.ResponseWriter, r *http.Request) {
	upgrader := websocket.Upgrader{}
	ws, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	defer ws.Close()
	f.mu.Lock()
	n := f.conns
	f.conns++
	f.mu.Unlock()

	c := &gwConn{
		t:      f.t,
		ws:     ws,
		frames: make(chan discord.Frame, 64),
		done:   make(chan struct{}),
	}
	go c.readPump()
	c.send(discord.OpHello, discord.Hello{HeartbeatInterval: 45000})
	f.script(n, c)
	<-c.done
}

// gwConn is the server side of one gateway connection. Heartbeats are
// acknowledged by the read pump.
type gwConn struct {
	t        *testing.T
	ws       *websocket.Conn
	writeMu  sync.Mutex
	frames   chan discord.Frame
	done     chan struct{}
	seq      int64
	compress bool
}

func (c *gwConn) readPump() {
	defer close(c.done)
	defer close(c.frames)
	for {
		_, data, err := c.ws.ReadMessage()
		if err != nil {
			return
		}
		var frame discord.Frame
		if err := json.Unmarshal(data, &frame); err != nil {
			c.t.Errorf("client sent malformed frame %q: %v", data, err)
			return
		}
		if frame.Op == discord.OpHeartbeat {
			c.send(discord.OpHeartbeatAck, nil)
			continue
		}
		c.frames <- frame
	}
}

// expect waits for the next client frame with the given opcode.
func (c *gwConn) expect(op discord.Opcode) (discord.Frame, bool) {
	timeout := time.After(waitTimeout)
	for {
		select {
		case frame, ok := <-c.frames:
			if !ok {
				c.t.Errorf("connection closed while waiting for %s", op)
				return discord.Frame{}, false
			}
			if frame.Op == op {
				return frame, true
			}
		case <-timeout:
			c.t.Errorf("timed out waiting for %s", op)
			return discord.Frame{}, false
		}
	}
}

// identify waits for IDENTIFY and switches to compressed frames if the
// client asked for them.
func (c *gwConn) identify() (discord.Identify, bool) {
	frame, ok := c.expect(discord.OpIdentify)
	if !ok {
		return discord.Identify{}, false
	}
	var ident discord.Identify
	if err := json.Unmarshal(frame.D, &ident); err != nil {
		c.t.Errorf("bad identify payload: %v", err)
		return discord.Identify{}, false
	}
	c.writeMu.Lock()
	c.compress = ident.Compress
	c.writeMu.Unlock()
	return ident, true
}

func (c *gwConn) write(frame discord.Frame) {
	data, err := json.Marshal(frame)
	if err != nil {
		c.t.Errorf("marshal frame: %v", err)
		return
	}
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	if !c.compress {
		_ = c.ws.WriteMessage(websocket.TextMessage, data)
		return
	}
	var buf bytes.Buffer
	zw := zlib.NewWriter(&buf)
	_, _ = zw.Write(data)
	_ = zw.Close()
	_ = c.ws.WriteMessage(websocket.BinaryMessage, buf.Bytes())
}

func (c *gwConn) send(op discord.Opcode, d any) {
	frame, err := discord.NewFrame(op, d)
	if err != nil {
		c.t.Errorf("NewFrame: %v", err)
		return
	}
	c.write(frame)
}

func (c *gwConn) dispatch(typ string, d any) {
	frame, err := discord.NewFrame(discord.OpDispatch, d)
	if err != nil {
		c.t.Errorf("NewFrame: %v", err)
		return
	}
	c.writeMu.Lock()
	c.seq++
	seq := c.seq
	c.writeMu.Unlock()
	frame.S = &seq
	frame.T = typ
	c.write(frame)
}

func (c *gwConn) closeWith(code int, text string) {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	_ = c.ws.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(code, text), time.Now().Add(time.Second))
}

// ────────────────────────────────────────────────────────────────────
// Fixtures
// ────────────────────────────────────────────────────────────────────

var (
	guildID   snowflake.ID = 100
	generalID snowflake.ID = 1001
	selfID    snowflake.ID = 500
	aliceID   snowflake.ID = 401
	dmID      snowflake.ID = 600
)

const generalBuffer = "discord.test_guild.general"

func ready(sessionID, resumeURL string) *discord.Ready {
	return &discord.Ready{
		Version:          10,
		User:             discord.User{ID: selfID, Username: "me"},
		Guilds:           []discord.UnavailableGuild{{ID: guildID, Unavailable: true}},
		SessionID:        sessionID,
		ResumeGatewayURL: resumeURL,
		PrivateChannels: []discord.Channel{
			{ID: dmID, Type: discord.ChannelTypeDM, Recipients: []discord.User{{ID: aliceID, Username: "alice"}}},
		},
	}
}

func testGuild() *discord.Guild {
	return &discord.Guild{
		ID:      guildID,
		Name:    "Test Guild",
		OwnerID: aliceID,
		Roles: []discord.Role{
			{ID: guildID, Name: "@everyone", Permissions: discord.PermissionViewChannel | discord.PermissionSendMessages},
		},
		Channels: []discord.Channel{
			{ID: generalID, Type: discord.ChannelTypeGuildText, GuildID: &guildID, Name: "general"},
		},
		Members: []discord.Member{
			{User: &discord.User{ID: selfID, Username: "me"}},
			{User: &discord.User{ID: aliceID, Username: "alice"}},
		},
	}
}

func message(id snowflake.ID, channelID snowflake.ID, author discord.User, content string) *discord.Message {
	msg := &discord.Message{
		ID:        id,
		ChannelID: channelID,
		Author:    author,
		Content:   content,
		Timestamp: time.Unix(1700000000+int64(id), 0).UTC(),
	}
	if channelID == generalID {
		msg.GuildID = &guildID
	}
	return msg
}

// ────────────────────────────────────────────────────────────────────
// In-memory host
// ────────────────────────────────────────────────────────────────────

type memBuffer struct {
	name   string
	lines  []string
	closed bool
	input  func(string)
}

type memHost struct {
	mu       sync.Mutex
	next     buffers.Handle
	buffers  map[buffers.Handle]*memBuffer
	core     []string
	commands map[string]func([]string)
}

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
	h.buffers[h.next] = &memBuffer{name: name}
	return h.next, nil
}

func (h *memHost) CloseBuffer(handle buffers.Handle) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	b, ok := h.buffers[handle]
	if !ok || b.closed {
		return fmt.Errorf("no buffer %d", handle)
	}
	b.closed = true
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
	if key == "name" {
		h.buffers[handle].name = value
	}
	return nil
}

func (h *memHost) RegisterInputCallback(handle buffers.Handle, fn func(string)) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.buffers[handle].input = fn
	return nil
}

func (h *memHost) RegisterCloseCallback(buffers.Handle, func()) error {
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

func (h *memHost) lines(name string) []string {
	h.mu.Lock()
	defer h.mu.Unlock()
	for _, b := range h.buffers {
		if b.name == name && !b.closed {
			return slices.Clone(b.lines)
		}
	}
	return nil
}

func (h *memHost) isOpen(name string) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	for _, b := range h.buffers {
		if b.name == name && !b.closed {
			return true
		}
	}
	return false
}

func (h *memHost) coreLines() []string {
	h.mu.Lock()
	defer h.mu.Unlock()
	return slices.Clone(h.core)
}

func (h *memHost) typeInto(t *testing.T, name, text string) {
	t.Helper()
	h.mu.Lock()
	var input func(string)
	for _, b := range h.buffers {
		if b.name == name && !b.closed {
			input = b.input
		}
	}
	h.mu.Unlock()
	if input == nil {
		t.Fatalf("no open buffer %q", name)
	}
	input(text)
}

func (h *memHost) command(t *testing.T, line string) {
	t.Helper()
	fields := strings.Fields(line)
	h.mu.Lock()
	fn, ok := h.commands[fields[0]]
	h.mu.Unlock()
	if !ok {
		t.Fatalf("no command %q", fields[0])
	}
	fn(fields[1:])
}

// ────────────────────────────────────────────────────────────────────
// Helpers
// ────────────────────────────────────────────────────────────────────

func newBridge(t *testing.T, f *fakeDiscord, mutate func(*connector.Config)) (*connector.Bridge, *memHost) {
	t.Helper()
	cfg, err := connector.LoadConfig("", false)
	if err != nil {
		t.Fatalf("LoadConfig: %v", err)
	}
	cfg.Token = "test-token"
	cfg.APIURL = f.APIURL()
	cfg.GatewayURL = f.GatewayURL()
	cfg.HandshakeTimeout = 2 * time.Second
	cfg.RESTTimeout = 2 * time.Second
	cfg.RESTMaxRetries = 0
	cfg.NickColors = false
	cfg.AutojoinDMs = false
	if mutate != nil {
		mutate(&cfg)
	}
	if err := cfg.PostProcess(); err != nil {
		t.Fatalf("PostProcess: %v", err)
	}
	host := newMemHost()
	bridge := connector.New(cfg, host, zerolog.Nop())
	if _, err := bridge.RegisterCommands(); err != nil {
		t.Fatalf("RegisterCommands: %v", err)
	}
	t.Cleanup(bridge.Close)
	return bridge, host
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(waitTimeout)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting for %s", what)
		}
		time.Sleep(10 * time.Millisecond)
	}
}

func containsLine(lines []string, sub string) bool {
	return slices.ContainsFunc(lines, func(l string) bool { return strings.Contains(l, sub) })
}

func countLines(lines []string, sub string) int {
	n := 0
	for _, l := range lines {
		if strings.Contains(l, sub) {
			n++
		}
	}
	return n
}
