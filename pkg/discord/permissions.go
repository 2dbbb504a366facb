// Copyright 2024-2026 Remi Philippe
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at https://mozilla.org/MPL/2.0/.

package discord

import (
	"bytes"
	"cmp"
	"fmt"
	"math"
	"slices"
	"strconv"

	disgo "github.com/disgoorg/disgo/discord"
	"github.com/disgoorg/snowflake/v2"
)

// Permissions is a permission bit set. The wire form is a decimal string,
// and every bit set is accepted so permissions added later survive a
// round trip.
type Permissions disgo.Permissions

const (
	PermissionCreateInstantInvite = Permissions(disgo.PermissionCreateInstantInvite)
	PermissionKickMembers         = Permissions(disgo.PermissionKickMembers)
	PermissionBanMembers          = Permissions(disgo.PermissionBanMembers)
	PermissionAdministrator       = Permissions(disgo.PermissionAdministrator)
	PermissionManageChannels      = Permissions(disgo.PermissionManageChannels)
	PermissionManageGuild         = Permissions(disgo.PermissionManageGuild)
	PermissionAddReactions        = Permissions(disgo.PermissionAddReactions)
	PermissionViewChannel         = Permissions(disgo.PermissionViewChannel)
	PermissionSendMessages        = Permissions(disgo.PermissionSendMessages)
	PermissionManageMessages      = Permissions(disgo.PermissionManageMessages)
	PermissionEmbedLinks          = Permissions(disgo.PermissionEmbedLinks)
	PermissionAttachFiles         = Permissions(disgo.PermissionAttachFiles)
	PermissionReadMessageHistory  = Permissions(disgo.PermissionReadMessageHistory)
	PermissionMentionEveryone     = Permissions(disgo.PermissionMentionEveryone)
	PermissionChangeNickname      = Permissions(disgo.PermissionChangeNickname)

	PermissionsAll = ^Permissions(0)
)

// Has reports whether every bit of p2 is set in p.
func (p Permissions) Has(p2 Permissions) bool {
	return p&p2 == p2
}

func (p Permissions) MarshalJSON() ([]byte, error) {
	return []byte(strconv.Quote(strconv.FormatUint(uint64(p), 10))), nil
}

func (p *Permissions) UnmarshalJSON(data []byte) error {
	if bytes.Equal(data, []byte("null")) {
		return nil
	}
	str := string(data)
	if unquoted, err := strconv.Unquote(str); err == nil {
		str = unquoted
	}
	val, err := strconv.ParseUint(str, 10, 64)
	if err != nil {
		return fmt.Errorf("invalid permissions %s: %w", data, err)
	}
	*p = Permissions(val)
	return nil
}

// Grant is one allow/deny pair applied at a precedence position.
type Grant struct {
	Position int
	Allow    Permissions
	Deny     Permissions
}

// Resolve applies grants on top of base in ascending position order, so the
// highest position decides each bit. Grants sharing a position are merged
// and their denies win over their allows.
func Resolve(base Permissions, grants []Grant) Permissions {
	sorted := slices.Clone(grants)
	slices.SortStableFunc(sorted, func(a, b Grant) int {
		return cmp.Compare(a.Position, b.Position)
	})
	perms := base
	for i := 0; i < len(sorted); {
		var allow, deny Permissions
		j := i
		for ; j < len(sorted) && sorted[j].Position == sorted[i].Position; j++ {
			allow |= sorted[j].Allow
			deny |= sorted[j].Deny
		}
		perms |= allow
		perms &^= deny
		i = j
	}
	return perms
}

// PermissionContext is everything needed to compute a member's effective
// permissions in one channel.
type PermissionContext struct {
	GuildID    snowflake.ID
	OwnerID    snowflake.ID
	UserID     snowflake.ID
	Everyone   *Role
	Roles      []Role
	Overwrites []PermissionOverwrite
}

// Compute returns the effective channel permissions. Base permissions are
// the union of @everyone and the member's roles; channel overwrites are
// then resolved by role position, with the member-specific overwrite
// outranking every role.
func (pc PermissionContext) Compute() Permissions {
	if pc.UserID == pc.OwnerID && pc.OwnerID != 0 {
		return PermissionsAll
	}
	var base Permissions
	everyonePos := 0
	if pc.Everyone != nil {
		base = pc.Everyone.Permissions
		everyonePos = pc.Everyone.Position
	}
	positions := make(map[snowflake.ID]int, len(pc.Roles))
	for _, role := range pc.Roles {
		base |= role.Permissions
		positions[role.ID] = role.Position
	}
	if base.Has(PermissionAdministrator) {
		return PermissionsAll
	}

	grants := make([]Grant, 0, len(pc.Overwrites))
	for _, ow := range pc.Overwrites {
		switch {
		case ow.Type == OverwriteTypeRole && ow.ID == pc.GuildID:
			grants = append(grants, Grant{Position: everyonePos - 1, Allow: ow.Allow, Deny: ow.Deny})
		case ow.Type == OverwriteTypeRole:
			if pos, ok := positions[ow.ID]; ok {
				grants = append(grants, Grant{Position: pos, Allow: ow.Allow, Deny: ow.Deny})
			}
		case ow.Type == OverwriteTypeMember && ow.ID == pc.UserID:
			grants = append(grants, Grant{Position: math.MaxInt, Allow: ow.Allow, Deny: ow.Deny})
		}
	}
	return Resolve(base, grants)
}

// HighestColoredRole returns the highest-positioned role with a non-zero
// color, which decides how a member's name is colored.
func HighestColoredRole(roles []Role) (Role, bool) {
	var best Role
	found := false
	for _, role := range roles {
		if role.Color == 0 {
			continue
		}
		if !found || role.Position > best.Position || (role.Position == best.Position && role.ID < best.ID) {
			best = role
			found = true
		}
	}
	return best, found
}
