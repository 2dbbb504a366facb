// Copyright 2024-2026 Aiku AI

package buffers

import (
	"math/rand/v2"
	"slices"
	"strings"
	"testing"
	"time"

	"github.com/disgoorg/snowflake/v2"
	"github.com/rs/zerolog"

	"github.com/aiku/cordbridge/pkg/discord"
	"github.com/aiku/cordbridge/pkg/translate"
)

func line(id snowflake.ID, prefix, text string) translate.Line {
	return translate.Line{MessageID: &id, Prefix: prefix, Text: text, Timestamp: time.Unix(1700000000, 0)}
}

func TestEnsureBufferCreatesOnce(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	h := f.open(t, general)
	f.open(t, general)

	f.host.mu.Lock()
	count := len(f.host.buffers)
	b := f.host.buffers[h]
	f.host.mu.Unlock()
	if count != 1 {
		t.Fatalf("buffers created: got %d, want 1", count)
	}
	if b.name != "discord.test_guild.general" || b.category != DefaultCategory {
		t.Errorf("buffer: got %q in %q", b.name, b.category)
	}
	want := map[string]string{
		"short_name":              "#general",
		"nicklist":                "1",
		"localvar_set_channel_id": "201",
		"localvar_set_type":       "channel",
	}
	for k, v := range want {
		if b.props[k] != v {
			t.Errorf("property %s: got %q, want %q", k, b.props[k], v)
		}
	}
	if ch, ok := f.sync.Channel(h); !ok || ch != general {
		t.Errorf("Channel(%d): got %s, %v", h, ch, ok)
	}
}

func TestCloseBufferCommand(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	h := f.open(t, general)
	f.sync.Apply(translate.CloseBuffer{ChannelID: general})

	if _, ok := f.sync.Buffer(general); ok {
		t.Error("channel still mapped after CloseBuffer")
	}
	if _, ok := f.sync.Channel(h); ok {
		t.Error("handle still mapped after CloseBuffer")
	}
	f.host.mu.Lock()
	closed := f.host.buffers[h].closed
	f.host.mu.Unlock()
	if !closed {
		t.Error("host buffer not closed")
	}
	// Closing an unmapped channel is a no-op.
	f.sync.Apply(translate.CloseBuffer{ChannelID: general})

	if h2 := f.open(t, general); h2 == h {
		t.Errorf("reopen reused handle %d", h)
	}
}

func TestHostCloseUnmaps(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	h := f.open(t, general)
	f.host.userClose(t, h)

	if _, ok := f.sync.Buffer(general); ok {
		t.Fatal("channel still mapped after host close")
	}
	// Lines for a closed buffer are dropped rather than reopening it.
	f.sync.Apply(translate.AppendLine{ChannelID: general, Line: line(1, "alice", "hi")})
	if got := f.host.linesOf(h); len(got) != 0 {
		t.Errorf("lines after close: got %v", got)
	}
	h2 := f.open(t, general)
	if h2 == h {
		t.Errorf("reopen reused handle %d", h)
	}
}

func TestBijectionUnderRandomCommands(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	rng := rand.New(rand.NewPCG(1, 2))
	channels := []snowflake.ID{general, readonly, secret, dmAlice}
	for range 500 {
		ch := channels[rng.IntN(len(channels))]
		switch rng.IntN(3) {
		case 0:
			cmds, _ := f.tr.Open(ch)
			f.sync.Apply(cmds...)
		case 1:
			f.sync.Apply(translate.CloseBuffer{ChannelID: ch})
		case 2:
			if h, ok := f.sync.Buffer(ch); ok {
				f.host.userClose(t, h)
			}
		}

		f.sync.mu.Lock()
		if len(f.sync.byChannel) != len(f.sync.byHandle) {
			t.Fatalf("map sizes differ: %d channels, %d handles", len(f.sync.byChannel), len(f.sync.byHandle))
		}
		for id, b := range f.sync.byChannel {
			if f.sync.byHandle[b.handle] != b || b.info.ChannelID != id {
				t.Fatalf("mapping for channel %s is not symmetric", id)
			}
		}
		f.sync.mu.Unlock()
	}
}

func TestAppendLine(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	h := f.open(t, general)
	f.sync.Apply(
		translate.AppendLine{ChannelID: general, Line: line(1, "alice", "first")},
		translate.AppendLine{ChannelID: readonly, Line: line(2, "alice", "not open")},
		translate.AppendLine{ChannelID: general, Line: line(3, "bobby", "second")},
	)
	want := []string{"alice\tfirst", "bobby\tsecond"}
	if got := f.host.linesOf(h); !slices.Equal(got, want) {
		t.Errorf("lines: got %q, want %q", got, want)
	}
}

func TestBacklogSkipsPrintedLines(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	h := f.open(t, general)
	live := line(5, "alice", "live")
	backlog := line(5, "alice", "live")
	backlog.Backlog = true
	older := line(4, "alice", "older")
	older.Backlog = true
	f.sync.Apply(
		translate.AppendLine{ChannelID: general, Line: live},
		translate.AppendLine{ChannelID: general, Line: older},
		translate.AppendLine{ChannelID: general, Line: backlog},
	)
	want := []string{"alice\tlive", "alice\tolder"}
	if got := f.host.linesOf(h); !slices.Equal(got, want) {
		t.Errorf("lines: got %q, want %q", got, want)
	}
}

func TestRemoveLineFallback(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	h := f.open(t, general)
	f.sync.Apply(translate.AppendLine{ChannelID: general, Line: line(7, "alice", "tpyo")})
	edited := line(7, "alice", "typo (edited)")
	f.sync.Apply(
		translate.RemoveLine{ChannelID: general, MessageID: 7, Replacement: &edited},
		translate.RemoveLine{ChannelID: general, MessageID: 7},
		translate.RemoveLine{ChannelID: general, MessageID: 8},
	)
	want := []string{"alice\ttpyo", "alice\ttypo (edited)", "alice\t(message deleted)"}
	if got := f.host.linesOf(h); !slices.Equal(got, want) {
		t.Errorf("lines: got %q, want %q", got, want)
	}
}

type editingHost struct {
	*mockHost
	replaced []string
}

func (e *editingHost) ReplaceLine(_ Handle, tag string, replacement *translate.Line) (bool, error) {
	text := "<deleted>"
	if replacement != nil {
		text = replacement.Text
	}
	e.replaced = append(e.replaced, tag+"="+text)
	return true, nil
}

func (e *editingHost) PrintMessage(h Handle, l translate.Line) error {
	return e.PrintLine(h, "["+l.Prefix+"] "+l.Text, l.Timestamp)
}

func TestRemoveLineInPlace(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	host := &editingHost{mockHost: f.host}
	s := New(host, f.cache, f.api, nil, Config{}, zerolog.Nop())
	t.Cleanup(s.Close)
	info, _ := f.tr.BufferInfo(general)
	s.Apply(translate.EnsureBuffer{Buffer: info})
	h, _ := s.Buffer(general)

	edited := line(7, "alice", "fixed")
	s.Apply(
		translate.AppendLine{ChannelID: general, Line: line(7, "alice", "broken")},
		translate.RemoveLine{ChannelID: general, MessageID: 7, Replacement: &edited},
		translate.RemoveLine{ChannelID: general, MessageID: 7},
	)
	if got := f.host.linesOf(h); !slices.Equal(got, []string{"[alice] broken"}) {
		t.Errorf("lines: got %q", got)
	}
	want := []string{discord.MessageTag(7) + "=fixed", discord.MessageTag(7) + "=<deleted>"}
	if !slices.Equal(host.replaced, want) {
		t.Errorf("replaced: got %q, want %q", host.replaced, want)
	}
}

func TestSetBufferTitleAndRename(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	h := f.open(t, general)
	info, _ := f.tr.BufferInfo(general)
	info.Name = "discord.test_guild.lobby"
	info.ShortName = "#lobby"
	f.sync.Apply(
		translate.SetBufferTitle{ChannelID: general, Title: "welcome"},
		translate.RenameBuffer{Buffer: info},
	)
	f.host.mu.Lock()
	props := f.host.buffers[h].props
	f.host.mu.Unlock()
	if props["title"] != "welcome" || props["name"] != "discord.test_guild.lobby" || props["short_name"] != "#lobby" {
		t.Errorf("properties: got %v", props)
	}
}

func TestNicklist(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	hGeneral := f.open(t, general)
	hSecret := f.open(t, secret)

	want := map[string]string{"alice": "offline", "bobby": "offline", "me": "offline"}
	if got := f.host.nicksOf(hGeneral); !mapsEqual(got, want) {
		t.Errorf("general nicks: got %v, want %v", got, want)
	}
	if got := f.host.nicksOf(hSecret); !mapsEqual(got, map[string]string{"alice": "offline"}) {
		t.Errorf("secret nicks: got %v", got)
	}

	f.sync.Apply(translate.SetMemberPresence{GuildID: guildID, UserID: bob, Nick: "bobby", Status: discord.StatusOnline})
	if got := f.host.nicksOf(hGeneral)["bobby"]; got != "online" {
		t.Errorf("bobby group: got %q, want online", got)
	}
	if _, listed := f.host.nicksOf(hSecret)["bobby"]; listed {
		t.Error("bobby listed in a channel they cannot view")
	}

	f.sync.Apply(translate.SetMemberPresence{GuildID: guildID, UserID: bob, Nick: "robert", Status: discord.StatusIdle})
	got := f.host.nicksOf(hGeneral)
	if _, stale := got["bobby"]; stale || got["robert"] != "idle" {
		t.Errorf("rename: got %v", got)
	}

	f.sync.Apply(translate.SetMemberPresence{GuildID: guildID, UserID: bob, Nick: "robert", Removed: true})
	if _, listed := f.host.nicksOf(hGeneral)["robert"]; listed {
		t.Error("removed member still listed")
	}
}

func mapsEqual(a, b map[string]string) bool {
	if len(a) != len(b) {
		return false
	}
	for k, v := range a {
		if b[k] != v {
			return false
		}
	}
	return true
}

func TestPrintError(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	h := f.open(t, general)
	f.sync.PrintError(general, "boom")
	f.sync.PrintError(readonly, "elsewhere")
	if got := f.host.linesOf(h); len(got) != 1 || !strings.HasSuffix(got[0], "\tboom") {
		t.Errorf("buffer lines: got %q", got)
	}
	f.host.mu.Lock()
	core := slices.Clone(f.host.core)
	f.host.mu.Unlock()
	if !slices.Equal(core, []string{"elsewhere"}) {
		t.Errorf("core lines: got %q", core)
	}
}
