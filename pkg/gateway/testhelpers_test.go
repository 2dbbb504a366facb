// Copyright 2024-2026 Remi Philippe
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at https://mozilla.org/MPL/2.0/.

package gateway

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strconv"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"github.com/aiku/cordbridge/pkg/discord"
)

const waitTimeout = 3 * time.Second

// fakeGateway is an httptest websocket server that runs handle once per
// accepted connection. n counts connections from zero.
type fakeGateway struct {
	t      *testing.T
	server *httptest.Server
	handle func(n int, fc *fakeConn)

	mu    sync.Mutex
	paths []string
}

func newFakeGateway(t *testing.T, handle func(n int, fc *fakeConn)) *fakeGateway {
	t.Helper()
	fg := &fakeGateway{t: t, handle: handle}
	upgrader := websocket.Upgrader{}
	fg.server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ws, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer ws.Close()
		fg.mu.Lock()
		n := len(fg.paths)
		fg.paths = append(fg.paths, r.URL.Path)
		fg.mu.Unlock()

		fc := &fakeConn{
			t:      t,
			ws:     ws,
			frames: make(chan discord.Frame, 256),
			done:   make(chan struct{}),
		}
		go fc.readPump()
		fg.handle(n, fc)
		<-fc.done
	}))
	t.Cleanup(fg.server.Close)
	return fg
}

func (fg *fakeGateway) URL() string {
	return "ws" + strings.TrimPrefix(fg.server.URL, "http")
}

func (fg *fakeGateway) Paths() []string {
	fg.mu.Lock()
	defer fg.mu.Unlock()
	return append([]string(nil), fg.paths...)
}

// fakeConn is the server side of one client connection.
type fakeConn struct {
	t       *testing.T
	ws      *websocket.Conn
	writeMu sync.Mutex
	frames  chan discord.Frame
	done    chan struct{}
}

func (fc *fakeConn) readPump() {
	defer close(fc.done)
	defer close(fc.frames)
	for {
		_, data, err := fc.ws.ReadMessage()
		if err != nil {
			return
		}
		var frame discord.Frame
		if err := json.Unmarshal(data, &frame); err != nil {
			fc.t.Errorf("client sent malformed frame %q: %v", data, err)
			return
		}
		fc.frames <- frame
	}
}

// expect reads client frames until one with the given opcode arrives.
func (fc *fakeConn) expect(op discord.Opcode) (discord.Frame, bool) {
	timeout := time.After(waitTimeout)
	for {
		select {
		case frame, ok := <-fc.frames:
			if !ok {
				fc.t.Errorf("connection closed while waiting for %s", op)
				return discord.Frame{}, false
			}
			if frame.Op == op {
				return frame, true
			}
		case <-timeout:
			fc.t.Errorf("timed out waiting for %s", op)
			return discord.Frame{}, false
		}
	}
}

func (fc *fakeConn) writeRaw(messageType int, data []byte) {
	fc.writeMu.Lock()
	defer fc.writeMu.Unlock()
	_ = fc.ws.WriteMessage(messageType, data)
}

func encodeFrame(t *testing.T, op discord.Opcode, d any, seq int64, typ string) []byte {
	t.Helper()
	frame, err := discord.NewFrame(op, d)
	if err != nil {
		t.Fatalf("NewFrame: %v", err)
	}
	if op == discord.OpDispatch {
		frame.S = &seq
		frame.T = typ
	}
	data, err := json.Marshal(frame)
	if err != nil {
		t.Fatalf("marshal frame: %v", err)
	}
	return data
}

func (fc *fakeConn) send(op discord.Opcode, d any) {
	fc.writeRaw(websocket.TextMessage, encodeFrame(fc.t, op, d, 0, ""))
}

func (fc *fakeConn) dispatch(seq int64, typ string, d any) {
	fc.writeRaw(websocket.TextMessage, encodeFrame(fc.t, discord.OpDispatch, d, seq, typ))
}

func (fc *fakeConn) hello(interval time.Duration) {
	fc.send(discord.OpHello, discord.Hello{HeartbeatInterval: interval.Milliseconds()})
}

func (fc *fakeConn) ready(seq int64, sessionID, resumeURL string) {
	fc.dispatch(seq, discord.EventReady, map[string]any{
		"v":                  10,
		"user":               map[string]any{"id": "1", "username": "me"},
		"guilds":             []any{},
		"session_id":         sessionID,
		"resume_gateway_url": resumeURL,
	})
}

func (fc *fakeConn) message(seq int64, id int, content string) {
	fc.dispatch(seq, discord.EventMessageCreate, map[string]any{
		"id":         strconv.Itoa(id),
		"channel_id": "500",
		"author":     map[string]any{"id": "2", "username": "alice"},
		"content":    content,
	})
}

func (fc *fakeConn) closeWith(code int, text string) {
	fc.writeMu.Lock()
	defer fc.writeMu.Unlock()
	_ = fc.ws.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(code, text), time.Now().Add(time.Second))
}

// running is a Conn under test with its state transitions recorded.
type running struct {
	conn   *Conn
	states chan StateChange
	cancel context.CancelFunc
	done   chan struct{}
	err    error
}

func startConn(t *testing.T, fg *fakeGateway, mutate func(*Config)) *running {
	t.Helper()
	states := make(chan StateChange, 128)
	cfg := Config{
		URL:              fg.URL(),
		Token:            "test-token",
		HandshakeTimeout: 2 * time.Second,
		ReconnectBase:    10 * time.Millisecond,
		ReconnectMax:     50 * time.Millisecond,
		OnStateChange: func(change StateChange) {
			select {
			case states <- change:
			default:
			}
		},
	}
	if mutate != nil {
		mutate(&cfg)
	}
	ctx, cancel := context.WithCancel(context.Background())
	r := &running{
		conn:   New(cfg, zerolog.Nop()),
		states: states,
		cancel: cancel,
		done:   make(chan struct{}),
	}
	go func() {
		defer close(r.done)
		r.err = r.conn.Run(ctx)
	}()
	t.Cleanup(func() {
		cancel()
		select {
		case <-r.done:
		case <-time.After(waitTimeout):
			t.Errorf("Run did not return after cancel")
		}
	})
	return r
}

// wait blocks until Run returns and reports its result.
func (r *running) wait(t *testing.T) error {
	t.Helper()
	select {
	case <-r.done:
		return r.err
	case <-time.After(waitTimeout):
		t.Fatal("timed out waiting for Run to return")
		return nil
	}
}

func (r *running) nextEvent(t *testing.T) discord.Event {
	t.Helper()
	select {
	case evt, ok := <-r.conn.Events():
		if !ok {
			t.Fatal("events channel closed")
		}
		return evt
	case <-time.After(waitTimeout):
		t.Fatal("timed out waiting for event")
	}
	return discord.Event{}
}

// waitState returns the first transition to want, skipping others.
func (r *running) waitState(t *testing.T, want State) StateChange {
	t.Helper()
	timeout := time.After(waitTimeout)
	for {
		select {
		case change := <-r.states:
			if change.State == want {
				return change
			}
		case <-timeout:
			t.Fatalf("timed out waiting for state %s", want)
			return StateChange{}
		}
	}
}
