// Copyright 2024-2026 Remi Philippe
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at https://mozilla.org/MPL/2.0/.

package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math/rand/v2"
	"net"
	"net/url"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"github.com/aiku/cordbridge/pkg/discord"
)

// DefaultURL is used when Config.URL is empty.
const DefaultURL = "wss://gateway.discord.gg"

// APIVersion is the gateway protocol version requested on connect.
const APIVersion = 10

const (
	defaultHandshakeTimeout = 30 * time.Second
	defaultReconnectBase    = time.Second
	defaultReconnectMax     = 2 * time.Minute
	defaultEventBuffer      = 256
	defaultProtocolErrors   = 8
	writeTimeout            = 10 * time.Second
)

// Config controls a gateway connection.
type Config struct {
	URL     string
	Token   string
	Intents discord.Intents
	// Compress asks the server to zlib-compress each payload.
	Compress bool
	// HandshakeTimeout bounds the time from dialing until READY or RESUMED.
	HandshakeTimeout time.Duration
	SequencePolicy   SequencePolicy
	ReorderWindow    int
	// ProtocolErrorThreshold is how many malformed or unexpected frames a
	// single connection tolerates before it is dropped. Negative disables
	// the limit.
	ProtocolErrorThreshold int
	ReconnectBase          time.Duration
	ReconnectMax           time.Duration
	Properties             discord.IdentifyProperties
	EventBuffer            int
	// OnStateChange is called synchronously on every transition. It must
	// not block.
	OnStateChange func(StateChange)
	Dialer        *websocket.Dialer
}

// Conn is a reconnecting gateway session. Decoded dispatch events are
// delivered on Events in sequence order.
type Conn struct {
	cfg    Config
	log    zerolog.Logger
	dialer *websocket.Dialer
	events chan discord.Event

	state atomic.Int32
	seq   atomic.Int64
	seqr  *sequencer

	sessMu    sync.Mutex
	sessionID string
	resumeURL string

	wsMu   sync.Mutex
	ws     *websocket.Conn
	connID string

	runOnce atomic.Bool
}

// New creates a connection. Nothing is dialed until Run is called.
func New(cfg Config, log zerolog.Logger) *Conn {
	if cfg.URL == "" {
		cfg.URL = DefaultURL
	}
	if cfg.Intents == 0 {
		cfg.Intents = discord.IntentsDefault
	}
	if cfg.HandshakeTimeout <= 0 {
		cfg.HandshakeTimeout = defaultHandshakeTimeout
	}
	if cfg.ReconnectBase <= 0 {
		cfg.ReconnectBase = defaultReconnectBase
	}
	if cfg.ReconnectMax <= 0 {
		cfg.ReconnectMax = defaultReconnectMax
	}
	if cfg.EventBuffer <= 0 {
		cfg.EventBuffer = defaultEventBuffer
	}
	if cfg.ProtocolErrorThreshold == 0 {
		cfg.ProtocolErrorThreshold = defaultProtocolErrors
	}
	if cfg.SequencePolicy == "" {
		cfg.SequencePolicy = SequenceDrop
	}
	if cfg.Properties.OS == "" {
		cfg.Properties = discord.IdentifyProperties{OS: "linux", Browser: "cordbridge", Device: "cordbridge"}
	}
	dialer := cfg.Dialer
	if dialer == nil {
		dialer = &websocket.Dialer{
			Proxy:            websocket.DefaultDialer.Proxy,
			HandshakeTimeout: cfg.HandshakeTimeout,
		}
	}
	return &Conn{
		cfg:    cfg,
		log:    log.With().Str("component", "gateway").Logger(),
		dialer: dialer,
		events: make(chan discord.Event, cfg.EventBuffer),
		seqr:   newSequencer(cfg.SequencePolicy, cfg.ReorderWindow),
	}
}

// Events returns the dispatch stream. It is closed when Run returns.
func (c *Conn) Events() <-chan discord.Event {
	return c.events
}

// State returns the current lifecycle phase.
func (c *Conn) State() State {
	return State(c.state.Load())
}

// Seq returns the last applied sequence number.
func (c *Conn) Seq() int64 {
	return c.seq.Load()
}

// ConnID returns the correlation id of the open connection, or "" when
// there is none.
func (c *Conn) ConnID() string {
	c.wsMu.Lock()
	defer c.wsMu.Unlock()
	return c.connID
}

// SessionID returns the session that a reconnect would resume, if any.
func (c *Conn) SessionID() string {
	c.sessMu.Lock()
	defer c.sessMu.Unlock()
	return c.sessionID
}

// Run connects and keeps the session alive until ctx is cancelled or a
// fatal close is received. It returns nil on cancellation. Run may only be
// called once per Conn.
func (c *Conn) Run(ctx context.Context) error {
	if !c.runOnce.CompareAndSwap(false, true) {
		return errors.New("gateway: Run called twice")
	}
	defer close(c.events)

	bo := backoff.NewExponentialBackOff(
		backoff.WithInitialInterval(c.cfg.ReconnectBase),
		backoff.WithMaxInterval(c.cfg.ReconnectMax),
		backoff.WithMaxElapsedTime(0),
		backoff.WithRandomizationFactor(0.5),
		backoff.WithMultiplier(2),
	)
	for {
		connID := uuid.NewString()
		err := c.runSession(ctx, connID, bo.Reset)
		if ctx.Err() != nil {
			c.setState(StateChange{State: StateDisconnected, ConnID: connID})
			c.log.Info().Msg("Gateway connection closed")
			return nil
		}
		if IsFatal(err) {
			c.log.Error().Err(err).Str("conn_id", connID).Msg("Gateway connection failed permanently")
			c.setState(StateChange{State: StateDisconnected, ConnID: connID, Err: err})
			return err
		}
		delay := bo.NextBackOff()
		c.log.Warn().Err(err).
			Str("conn_id", connID).
			Dur("retry_in", delay).
			Msg("Gateway connection lost, reconnecting")
		c.setState(StateChange{State: StateDisconnected, ConnID: connID, Err: err, RetryIn: delay})
		if sleepContext(ctx, delay) != nil {
			return nil
		}
	}
}

// Send writes a frame on the current connection.
func (c *Conn) Send(ctx context.Context, op discord.Opcode, data any) error {
	frame, err := discord.NewFrame(op, data)
	if err != nil {
		return err
	}
	c.wsMu.Lock()
	ws := c.ws
	c.wsMu.Unlock()
	if ws == nil {
		return ErrNotConnected
	}
	return c.writeFrame(ctx, ws, frame)
}

// RequestMembers asks for a guild's member list. The result arrives as
// GUILD_MEMBERS_CHUNK events.
func (c *Conn) RequestMembers(ctx context.Context, req discord.RequestGuildMembers) error {
	return c.Send(ctx, discord.OpRequestGuildMembers, req)
}

func (c *Conn) setState(change StateChange) {
	prev := State(c.state.Swap(int32(change.State)))
	if prev == change.State && change.Err == nil {
		return
	}
	c.log.Debug().
		Str("conn_id", change.ConnID).
		Stringer("from", prev).
		Stringer("to", change.State).
		Msg("Gateway state changed")
	if c.cfg.OnStateChange != nil {
		c.cfg.OnStateChange(change)
	}
}

func (c *Conn) writeFrame(ctx context.Context, ws *websocket.Conn, frame discord.Frame) error {
	data, err := json.Marshal(frame)
	if err != nil {
		return fmt.Errorf("failed to marshal frame: %w", err)
	}
	deadline := time.Now().Add(writeTimeout)
	if d, ok := ctx.Deadline(); ok && d.Before(deadline) {
		deadline = d
	}
	c.wsMu.Lock()
	defer c.wsMu.Unlock()
	if err := ws.SetWriteDeadline(deadline); err != nil {
		return transportErr(err)
	}
	if err := ws.WriteMessage(websocket.TextMessage, data); err != nil {
		return transportErr(err)
	}
	c.log.Trace().Stringer("op", frame.Op).Msg("Sent frame")
	return nil
}

// gatewayURL appends the protocol version and encoding to base.
func gatewayURL(base string) (string, error) {
	u, err := url.Parse(base)
	if err != nil {
		return "", fmt.Errorf("invalid gateway url %q: %w", base, err)
	}
	q := u.Query()
	q.Set("v", fmt.Sprint(APIVersion))
	q.Set("encoding", "json")
	u.RawQuery = q.Encode()
	return u.String(), nil
}

// session holds per-connection state shared by the connection's tasks.
type session struct {
	id         string
	ws         *websocket.Conn
	log        zerolog.Logger
	acks       chan struct{}
	beatNow    chan struct{}
	handshaken bool
	onReady    func()
	protoErrs  int
}

func (c *Conn) runSession(ctx context.Context, connID string, onReady func()) error {
	log := c.log.With().Str("conn_id", connID).Logger()
	c.setState(StateChange{State: StateConnecting, ConnID: connID})

	c.sessMu.Lock()
	sessionID, resumeURL := c.sessionID, c.resumeURL
	c.sessMu.Unlock()
	base := c.cfg.URL
	if sessionID != "" && resumeURL != "" {
		base = resumeURL
	}
	target, err := gatewayURL(base)
	if err != nil {
		return transportErr(err)
	}

	dialCtx, cancel := context.WithTimeout(ctx, c.cfg.HandshakeTimeout)
	ws, _, err := c.dialer.DialContext(dialCtx, target, nil)
	cancel()
	if err != nil {
		return transportErr(fmt.Errorf("failed to dial %s: %w", base, err))
	}
	defer ws.Close()
	log.Debug().Str("url", base).Msg("Gateway transport open")

	if err := ws.SetReadDeadline(time.Now().Add(c.cfg.HandshakeTimeout)); err != nil {
		return transportErr(err)
	}
	hello, err := readHello(ws)
	if err != nil {
		return c.readError(err, false)
	}
	interval := time.Duration(hello.HeartbeatInterval) * time.Millisecond
	if interval <= 0 {
		return transportErr(protocolErr("hello carried heartbeat interval %d", hello.HeartbeatInterval))
	}
	log.Debug().Dur("heartbeat_interval", interval).Msg("Received hello")

	c.wsMu.Lock()
	c.ws = ws
	c.connID = connID
	c.wsMu.Unlock()
	defer func() {
		c.wsMu.Lock()
		c.ws = nil
		c.connID = ""
		c.wsMu.Unlock()
	}()

	sess := &session{
		id:      connID,
		ws:      ws,
		log:     log,
		acks:    make(chan struct{}, 1),
		beatNow: make(chan struct{}, 1),
		onReady: onReady,
	}
	if sessionID != "" {
		if err := c.resume(ctx, sess, sessionID); err != nil {
			return err
		}
	} else if err := c.identify(ctx, sess); err != nil {
		return err
	}

	group, gctx := errgroup.WithContext(ctx)
	group.Go(func() error {
		return c.heartbeat(gctx, sess, interval)
	})
	group.Go(func() error {
		return c.readLoop(gctx, sess)
	})
	group.Go(func() error {
		<-gctx.Done()
		if ctx.Err() != nil {
			msg := websocket.FormatCloseMessage(websocket.CloseNormalClosure, "")
			c.wsMu.Lock()
			_ = ws.WriteControl(websocket.CloseMessage, msg, time.Now().Add(time.Second))
			c.wsMu.Unlock()
		}
		_ = ws.Close()
		return nil
	})
	return group.Wait()
}

func readHello(ws *websocket.Conn) (discord.Hello, error) {
	messageType, data, err := ws.ReadMessage()
	if err != nil {
		return discord.Hello{}, err
	}
	frame, err := decodeFrame(messageType, data)
	if err != nil {
		return discord.Hello{}, transportErr(err)
	}
	if frame.Op != discord.OpHello {
		return discord.Hello{}, transportErr(protocolErr("expected hello, got %s", frame.Op))
	}
	var hello discord.Hello
	if err := json.Unmarshal(frame.D, &hello); err != nil {
		return discord.Hello{}, transportErr(protocolErr("malformed hello: %w", err))
	}
	return hello, nil
}

func (c *Conn) identify(ctx context.Context, sess *session) error {
	c.sessMu.Lock()
	c.sessionID = ""
	c.resumeURL = ""
	c.sessMu.Unlock()
	c.seqr.reset(0)
	c.seq.Store(0)
	c.setState(StateChange{State: StateIdentifying, ConnID: sess.id})
	sess.log.Debug().Msg("Sending identify")
	frame, err := discord.NewFrame(discord.OpIdentify, discord.Identify{
		Token:      c.cfg.Token,
		Properties: c.cfg.Properties,
		Compress:   c.cfg.Compress,
		Intents:    c.cfg.Intents,
	})
	if err != nil {
		return err
	}
	return c.writeFrame(ctx, sess.ws, frame)
}

func (c *Conn) resume(ctx context.Context, sess *session, sessionID string) error {
	last := c.seq.Load()
	c.seqr.reset(last)
	c.setState(StateChange{State: StateResuming, ConnID: sess.id})
	sess.log.Debug().Str("session_id", sessionID).Int64("seq", last).Msg("Sending resume")
	frame, err := discord.NewFrame(discord.OpResume, discord.Resume{
		Token:     c.cfg.Token,
		SessionID: sessionID,
		Seq:       last,
	})
	if err != nil {
		return err
	}
	return c.writeFrame(ctx, sess.ws, frame)
}

// heartbeat sends a beat every interval. The first beat is delayed by a
// random fraction of the interval. The connection is declared dead when
// the previous two beats are still unacknowledged at the next tick.
func (c *Conn) heartbeat(ctx context.Context, sess *session, interval time.Duration) error {
	timer := time.NewTimer(time.Duration(rand.Float64() * float64(interval)))
	defer timer.Stop()
	unacked := 0
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-sess.acks:
			unacked = 0
			continue
		case <-sess.beatNow:
			if err := c.sendHeartbeat(ctx, sess); err != nil {
				return err
			}
			continue
		case <-timer.C:
		}
		if unacked >= 2 {
			sess.log.Warn().Int("unacked", unacked).Msg("Heartbeat acknowledgements missed")
			return transportErr(ErrHeartbeatTimeout)
		}
		if err := c.sendHeartbeat(ctx, sess); err != nil {
			return err
		}
		unacked++
		timer.Reset(interval)
	}
}

func (c *Conn) sendHeartbeat(ctx context.Context, sess *session) error {
	var seq *int64
	if last := c.seq.Load(); last > 0 {
		seq = &last
	}
	frame, err := discord.NewFrame(discord.OpHeartbeat, seq)
	if err != nil {
		return err
	}
	return c.writeFrame(ctx, sess.ws, frame)
}

func (c *Conn) readLoop(ctx context.Context, sess *session) error {
	for {
		messageType, data, err := sess.ws.ReadMessage()
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return c.readError(err, sess.handshaken)
		}
		frame, err := decodeFrame(messageType, data)
		if err == nil {
			err = c.handleFrame(ctx, sess, frame)
		}
		var perr *ProtocolError
		if errors.As(err, &perr) {
			sess.protoErrs++
			sess.log.Warn().Err(err).Int("count", sess.protoErrs).Msg("Dropping bad gateway frame")
			if t := c.cfg.ProtocolErrorThreshold; t > 0 && sess.protoErrs >= t {
				return transportErr(fmt.Errorf("%w: %d", ErrTooManyProtocol, sess.protoErrs))
			}
			continue
		} else if err != nil {
			return err
		}
	}
}

// readError classifies a failed read into a transport or fatal error.
func (c *Conn) readError(err error, handshaken bool) error {
	var ce *websocket.CloseError
	if errors.As(err, &ce) {
		switch {
		case ce.Code == discord.CloseAuthenticationFailed:
			return fmt.Errorf("%w: %s", ErrAuthenticationFailed, ce.Text)
		case discord.IsFatalClose(ce.Code):
			return fmt.Errorf("%w: close %d: %s", ErrDisallowedIntents, ce.Code, ce.Text)
		case discord.IsSessionInvalidatingClose(ce.Code):
			c.clearSession()
		}
		return transportErr(err)
	}
	var nerr net.Error
	if !handshaken && errors.As(err, &nerr) && nerr.Timeout() {
		return transportErr(ErrHandshakeTimeout)
	}
	return transportErr(err)
}

func (c *Conn) clearSession() {
	c.sessMu.Lock()
	c.sessionID = ""
	c.resumeURL = ""
	c.sessMu.Unlock()
}

func (c *Conn) handleFrame(ctx context.Context, sess *session, frame discord.Frame) error {
	switch frame.Op {
	case discord.OpDispatch:
		if frame.S == nil || frame.T == "" {
			return protocolErr("dispatch frame without sequence or type")
		}
		release, stale := c.seqr.accept(rawDispatch{Seq: *frame.S, Type: frame.T, Data: frame.D})
		if stale {
			sess.log.Debug().Int64("seq", *frame.S).Str("type", frame.T).Msg("Ignoring stale dispatch")
			return nil
		}
		if held := c.seqr.held(); held > 0 {
			sess.log.Debug().Int64("seq", *frame.S).Int("held", held).Msg("Holding dispatch for gap")
		}
		return c.dispatch(ctx, sess, release)
	case discord.OpHeartbeat:
		select {
		case sess.beatNow <- struct{}{}:
		default:
		}
	case discord.OpHeartbeatAck:
		select {
		case sess.acks <- struct{}{}:
		default:
		}
		if released := c.seqr.flush(); len(released) > 0 {
			sess.log.Debug().Int("count", len(released)).Msg("Releasing held dispatches after gap")
			return c.dispatch(ctx, sess, released)
		}
	case discord.OpReconnect:
		return transportErr(ErrReconnectRequested)
	case discord.OpInvalidSession:
		sess.log.Info().Str("resumable", string(frame.D)).Msg("Session invalidated, identifying")
		return c.identify(ctx, sess)
	default:
		return protocolErr("unexpected opcode %s", frame.Op)
	}
	return nil
}

func (c *Conn) dispatch(ctx context.Context, sess *session, frames []rawDispatch) error {
	for _, raw := range frames {
		c.seq.Store(raw.Seq)
		data, err := discord.DecodeEvent(raw.Type, raw.Data)
		if err != nil {
			return protocolErr("seq %d: %w", raw.Seq, err)
		}
		if data == nil {
			sess.log.Trace().Int64("seq", raw.Seq).Str("type", raw.Type).Msg("Ignoring unhandled dispatch")
			continue
		}
		switch evt := data.(type) {
		case *discord.Ready:
			c.sessMu.Lock()
			c.sessionID = evt.SessionID
			c.resumeURL = evt.ResumeGatewayURL
			c.sessMu.Unlock()
			c.ready(sess)
			sess.log.Info().
				Str("session_id", evt.SessionID).
				Str("user_id", evt.User.ID.String()).
				Int("guilds", len(evt.Guilds)).
				Msg("Gateway ready")
		case *discord.Resumed:
			c.ready(sess)
			sess.log.Info().Int64("seq", raw.Seq).Msg("Gateway session resumed")
		}
		sess.log.Trace().Int64("seq", raw.Seq).Str("type", raw.Type).Msg("Dispatching event")
		select {
		case c.events <- discord.Event{Seq: raw.Seq, Type: raw.Type, Data: data}:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return nil
}

func (c *Conn) ready(sess *session) {
	if !sess.handshaken {
		sess.handshaken = true
		_ = sess.ws.SetReadDeadline(time.Time{})
		if sess.onReady != nil {
			sess.onReady()
		}
	}
	c.setState(StateChange{State: StateReady, ConnID: sess.id})
}

func sleepContext(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
