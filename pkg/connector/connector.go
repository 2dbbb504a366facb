// Copyright 2024-2026 Aiku AI

package connector

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"github.com/aiku/cordbridge/pkg/buffers"
	"github.com/aiku/cordbridge/pkg/discord"
	"github.com/aiku/cordbridge/pkg/gateway"
	"github.com/aiku/cordbridge/pkg/rest"
	"github.com/aiku/cordbridge/pkg/translate"
	"github.com/aiku/cordbridge/pkg/translate/discordfmt"
)

var (
	ErrNotConnected     = errors.New("connector: not connected")
	ErrAlreadyConnected = errors.New("connector: already connected")
)

// Bridge is the bridge context object. Each Connect builds a fresh
// session holding the gateway connection, the REST client, the entity
// cache and the buffer mappings; Disconnect tears it down again.
type Bridge struct {
	Config Config
	// Styler renders markdown for the host. Nil leaves it plain.
	Styler discordfmt.Styler
	// HTTPClient and Dialer override the transports, mainly for tests.
	HTTPClient *http.Client
	Dialer     *websocket.Dialer

	host buffers.Host
	log  zerolog.Logger

	mu      sync.Mutex
	session *session

	// connecting cancels a Connect that is still authenticating.
	connecting context.CancelFunc
}

// New creates a bridge. It does not connect.
func New(cfg Config, host buffers.Host, log zerolog.Logger) *Bridge {
	return &Bridge{
		Config: cfg,
		host:   host,
		log:    log.With().Str("component", "connector").Logger(),
	}
}

// Connect verifies the token and starts the gateway session. The
// connection keeps reconnecting in the background until Disconnect.
// Disconnect called while Connect is still authenticating cancels it.
func (b *Bridge) Connect(ctx context.Context) error {
	b.mu.Lock()
	if b.connecting != nil {
		b.mu.Unlock()
		return ErrAlreadyConnected
	}
	stale := b.session
	if stale != nil && !stale.finished() {
		b.mu.Unlock()
		return ErrAlreadyConnected
	}
	b.session = nil
	if strings.TrimSpace(b.Config.Token) == "" {
		b.mu.Unlock()
		if stale != nil {
			stale.stop()
		}
		return ErrNoToken
	}
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	b.connecting = cancel
	b.mu.Unlock()

	if stale != nil {
		stale.stop()
	}
	s, err := b.authenticate(ctx)

	b.mu.Lock()
	defer b.mu.Unlock()
	b.connecting = nil
	if err != nil {
		if cerr := ctx.Err(); cerr != nil {
			return cerr
		}
		return err
	}
	if ctx.Err() != nil {
		s.stop()
		return ctx.Err()
	}
	s.start()
	b.session = s
	return nil
}

// authenticate runs the REST half of Connect. It must not be called with
// b.mu held.
func (b *Bridge) authenticate(ctx context.Context) (*session, error) {
	api := rest.NewClient(rest.Config{
		BaseURL:    b.Config.APIURL,
		Token:      b.Config.Token,
		HTTPClient: b.HTTPClient,
		Timeout:    b.Config.RESTTimeout,
		MaxRetries: b.Config.RESTMaxRetries,
	}, b.log)
	self, err := login(ctx, api)
	if err != nil {
		return nil, err
	}
	url, err := gatewayURL(ctx, &b.Config, api)
	if err != nil {
		return nil, err
	}
	b.log.Info().
		Str("user_id", self.ID.String()).
		Str("username", self.Username).
		Str("gateway_url", url).
		Msg("Authenticated")
	return newSession(b, api, *self, url), nil
}

// Disconnect stops the session and closes its buffers. In-flight REST
// calls finish but their results are dropped.
func (b *Bridge) Disconnect() error {
	b.mu.Lock()
	s := b.session
	b.session = nil
	cancelConnect := b.connecting
	b.mu.Unlock()
	if cancelConnect != nil {
		cancelConnect()
	}
	if s == nil {
		if cancelConnect != nil {
			return nil
		}
		return ErrNotConnected
	}
	s.stop()
	return nil
}

// Close is Disconnect for host unload. It never fails.
func (b *Bridge) Close() {
	_ = b.Disconnect()
}

func (b *Bridge) current() (*session, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.session == nil || b.session.finished() {
		return nil, ErrNotConnected
	}
	return b.session, nil
}

// JoinChannel opens the buffer for a guild channel, or for a direct
// message channel when guild is "dm" and channel names the recipient.
func (b *Bridge) JoinChannel(guild, channel string) error {
	s, err := b.current()
	if err != nil {
		return err
	}
	return s.join(guild, channel)
}

// ListGuilds returns the names of the cached guilds.
func (b *Bridge) ListGuilds() ([]string, error) {
	s, err := b.current()
	if err != nil {
		return nil, err
	}
	guilds := s.cache.Guilds()
	names := make([]string, 0, len(guilds))
	for _, g := range guilds {
		name := g.Name
		if name == "" {
			name = g.ID.String()
		}
		if g.Unavailable {
			name += " (unavailable)"
		}
		names = append(names, name)
	}
	return names, nil
}

// Status describes the connection state.
func (b *Bridge) Status() string {
	b.mu.Lock()
	s := b.session
	connecting := b.connecting != nil
	b.mu.Unlock()
	if connecting {
		return "connecting"
	}
	if s == nil || s.finished() {
		return "disconnected"
	}
	stats := s.cache.Stats()
	return fmt.Sprintf("%s as %s, %d guilds, %d open buffers",
		s.conn.State(), s.self.Username, stats.Guilds, len(s.sync.Open()))
}

func (b *Bridge) gatewayConfig(url string, onState func(gateway.StateChange)) gateway.Config {
	return gateway.Config{
		URL:                    url,
		Token:                  b.Config.Token,
		Intents:                b.Config.intents(),
		Compress:               b.Config.Compress,
		HandshakeTimeout:       b.Config.HandshakeTimeout,
		SequencePolicy:         b.Config.SequencePolicy,
		ReorderWindow:          b.Config.ReorderWindow,
		ProtocolErrorThreshold: b.Config.ProtocolErrorThreshold,
		Properties: discord.IdentifyProperties{
			OS:      "linux",
			Browser: "cordbridge",
			Device:  "cordbridge",
		},
		OnStateChange: onState,
		Dialer:        b.Dialer,
	}
}

func (b *Bridge) translatorOptions() translate.Options {
	return translate.Options{
		NickColors:   b.Config.NickColors,
		ShowPresence: b.Config.ShowPresence,
		Styler:       b.Styler,
		IgnoreUsers:  b.Config.IgnoreUsers,
	}
}

// statusLine renders a gateway state change for the core buffer. It
// returns false for transitions that are only logged.
func statusLine(change gateway.StateChange, self string) (string, bool) {
	switch change.State {
	case gateway.StateReady:
		return "discord: connected as " + self, true
	case gateway.StateResuming:
		return "discord: resuming session", true
	case gateway.StateDisconnected:
		switch {
		case errors.Is(change.Err, gateway.ErrAuthenticationFailed):
			return "discord: authentication failed", true
		case gateway.IsFatal(change.Err):
			return "discord: connection refused: " + change.Err.Error(), true
		case change.RetryIn > 0:
			return "discord: connection lost, reconnecting in " + roundDelay(change.RetryIn).String(), true
		default:
			return "discord: disconnected", true
		}
	}
	return "", false
}

func roundDelay(d time.Duration) time.Duration {
	if d >= time.Second {
		return d.Round(time.Second)
	}
	return d.Round(time.Millisecond)
}
