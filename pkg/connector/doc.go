// Copyright 2024-2026 Remi Philippe
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at https://mozilla.org/MPL/2.0/.

// Package connector wires the Discord gateway, the REST client, the entity
// cache and the host buffers into one bridge.
//
// # Core Types
//
// [Bridge] is the context object a host plugin holds. It is constructed
// explicitly, starts a session on [Bridge.Connect] and tears it down on
// [Bridge.Disconnect] or [Bridge.Close]. Independent bridges share no
// state, so tests can run several side by side.
//
// A session owns one gateway connection, one entity cache and the buffer
// mappings. Every event goes through a single path: it is applied to the
// cache, translated into buffer commands and applied to the host. Results
// of REST calls made for buffer input are turned into events and take the
// same path, which is how a sent message and its gateway echo end up
// printed once.
//
// # Initial Sync
//
// READY announces the guilds the account is in. Their GUILD_CREATE events
// are cached as they arrive and translated together once the last one is
// in, or after a timeout. Autojoin runs after that.
//
// # Host Commands
//
// [Bridge.RegisterCommands] registers /discord with hosts implementing
// [buffers.CommandHost]:
//
//	/discord connect
//	/discord disconnect
//	/discord join <guild> <channel>
//	/discord join dm <user>
//	/discord guilds
//	/discord status
package connector
