// Copyright 2024-2026 Aiku AI

package connector

import (
	"context"
	"strings"
	"time"

	"github.com/aiku/cordbridge/pkg/buffers"
)

const defaultConnectTimeout = 30 * time.Second

const commandUsage = "connect | disconnect | join <guild> <channel> | join dm <user> | guilds | status"

// RegisterCommands registers /discord with hosts that support commands.
// It reports false for hosts without command support.
func (b *Bridge) RegisterCommands() (bool, error) {
	ch, ok := b.host.(buffers.CommandHost)
	if !ok {
		return false, nil
	}
	return true, ch.RegisterCommand("discord", "Discord bridge: "+commandUsage, b.Command)
}

// Command runs one /discord subcommand. Results go to the core buffer.
// connect runs in the background so the host loop is not held up by the
// token check.
func (b *Bridge) Command(args []string) {
	if len(args) == 0 {
		b.host.CorePrint("discord: usage: /discord " + commandUsage)
		return
	}
	switch strings.ToLower(args[0]) {
	case "connect":
		go func() {
			ctx, cancel := context.WithTimeout(context.Background(), b.connectTimeout())
			defer cancel()
			if err := b.Connect(ctx); err != nil {
				b.host.CorePrint("discord: connect failed: " + err.Error())
			}
		}()
	case "disconnect":
		if err := b.Disconnect(); err != nil {
			b.host.CorePrint("discord: " + err.Error())
		}
	case "join":
		guild, channel, ok := joinArgs(args[1:])
		if !ok {
			b.host.CorePrint("discord: usage: /discord join <guild> <channel>")
			return
		}
		if err := b.JoinChannel(guild, channel); err != nil {
			b.host.CorePrint("discord: join failed: " + err.Error())
		}
	case "guilds":
		names, err := b.ListGuilds()
		if err != nil {
			b.host.CorePrint("discord: " + err.Error())
			return
		}
		if len(names) == 0 {
			b.host.CorePrint("discord: no guilds")
			return
		}
		b.host.CorePrint("discord: guilds:")
		for _, name := range names {
			b.host.CorePrint("  " + name)
		}
	case "status":
		b.host.CorePrint("discord: " + b.Status())
	default:
		b.host.CorePrint("discord: unknown command " + args[0] + ", usage: /discord " + commandUsage)
	}
}

// joinArgs accepts "<guild> <channel>", "<guild>/<channel>" and guild
// names split over several words, in which case the last word is the
// channel.
func joinArgs(args []string) (guild, channel string, ok bool) {
	switch len(args) {
	case 0:
		return "", "", false
	case 1:
		return splitChannelPath(args[0])
	default:
		return strings.Join(args[:len(args)-1], " "), args[len(args)-1], true
	}
}

func (b *Bridge) connectTimeout() time.Duration {
	if b.Config.HandshakeTimeout > 0 {
		return b.Config.HandshakeTimeout
	}
	return defaultConnectTimeout
}
