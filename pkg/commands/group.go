package commands

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"

	"astralune/pkg/identity"
	"astralune/pkg/message"
	"astralune/pkg/plugin"
	"astralune/pkg/transport"
)

const memberListLimit = 30

func (h *handlers) memberInfo(ctx context.Context, send transport.Sender, mc *message.Context, call plugin.Call) error {
	if !mc.IsGroup {
		return ErrGroupOnly
	}
	if !mc.Group.Available {
		return ErrMetadataUnavailable
	}

	targets := mc.Group.Participants
	if len(call.Args) > 0 {
		targets = filterMembers(targets, call.Args[0])
	}
	if len(targets) == 0 {
		return errors.New("no matching member found")
	}

	var b strings.Builder
	b.WriteString("*Group member information*\n\n")
	fmt.Fprintf(&b, "*Group:* %s\n", mc.Group.Subject)
	fmt.Fprintf(&b, "*Members:* %d\n", len(mc.Group.Participants))

	mentions := make([]string, 0, min(len(targets), memberListLimit))
	for i, member := range targets {
		if i == memberListLimit {
			fmt.Fprintf(&b, "\n...and %d more", len(targets)-memberListLimit)
			break
		}
		name := member.Name
		if name == "" {
			name = "Unknown"
		}
		fmt.Fprintf(&b, "\n*Name:* %s\n", name)
		fmt.Fprintf(&b, "*Address:* %s\n", member.ID.String())
		fmt.Fprintf(&b, "*Account type:* %s\n", member.ID.Variant)
		fmt.Fprintf(&b, "*Role:* %s\n", roleLabel(member.Role))
		mentions = append(mentions, member.ID.String())
	}

	return replyMentions(ctx, send, mc, strings.TrimRight(b.String(), "\n"), mentions)
}

// filterMembers matches query as a number prefix, or as a case-insensitive
// name fragment when it has no digits.
func filterMembers(members []message.Member, query string) []message.Member {
	digits := onlyDigits(query)
	needle := strings.ToLower(strings.TrimPrefix(strings.TrimSpace(query), "@"))

	var out []message.Member
	for _, member := range members {
		switch {
		case digits != "":
			if strings.HasPrefix(member.ID.User, digits) {
				out = append(out, member)
			}
		case needle != "":
			if strings.Contains(strings.ToLower(member.Name), needle) {
				out = append(out, member)
			}
		}
	}
	return out
}

func (h *handlers) whois(ctx context.Context, send transport.Sender, mc *message.Context, call plugin.Call) error {
	target := mc.Sender
	if len(call.Args) > 0 {
		target = targetFromArg(call.Args[0])
	}
	if !target.Valid() {
		return fmt.Errorf("%q is not an address", target.Raw)
	}

	var b strings.Builder
	b.WriteString("*Address information*\n\n")
	fmt.Fprintf(&b, "*Address:* %s\n", identity.Display(target, identity.DisplayOptions{ShowDevice: true}))
	fmt.Fprintf(&b, "*Normalized:* %s\n", identity.Normalize(target.String()).String())
	fmt.Fprintf(&b, "*Account type:* %s\n", target.Variant)
	fmt.Fprintf(&b, "*User:* %s\n", target.User)
	fmt.Fprintf(&b, "*Server:* %s\n", target.Server)
	if target.HasDevice {
		fmt.Fprintf(&b, "*Device:* %d\n", target.Device)
	} else {
		b.WriteString("*Device:* n/a\n")
	}

	if mc.IsGroup && mc.Group.Available {
		if member, ok := mc.Group.Find(target); ok {
			fmt.Fprintf(&b, "*Role here:* %s\n", roleLabel(member.Role))
		} else {
			b.WriteString("*Role here:* not a member\n")
		}
	}

	if h.deps.Store != nil {
		user, err := h.deps.Store.LookupUser(ctx, identity.Normalize(target.String()).String())
		switch {
		case errors.Is(err, sql.ErrNoRows):
			b.WriteString("*Seen:* never\n")
		case err != nil:
			h.log.Warn("Failed to look up user", "user", target.String(), "error", err)
		default:
			fmt.Fprintf(&b, "*First seen:* %s\n", user.FirstSeen.Format("02/01/2006 15:04"))
			fmt.Fprintf(&b, "*Last seen:* %s\n", user.LastSeen.Format("02/01/2006 15:04"))
			fmt.Fprintf(&b, "*Messages:* %d\n", user.MessageCount)
		}
	}

	return reply(ctx, send, mc, strings.TrimRight(b.String(), "\n"))
}

// targetFromArg accepts a full address, an @mention or a bare phone number.
func targetFromArg(arg string) identity.ID {
	arg = strings.TrimPrefix(strings.TrimSpace(arg), "@")
	if strings.Contains(arg, "@") {
		return identity.Parse(arg)
	}
	if digits := onlyDigits(arg); digits != "" {
		return identity.Parse(digits + "@" + identity.ServerUser)
	}
	return identity.Parse(arg)
}

func onlyDigits(s string) string {
	var b strings.Builder
	for _, r := range s {
		if r >= '0' && r <= '9' {
			b.WriteRune(r)
		}
	}
	return b.String()
}

func roleLabel(role transport.Role) string {
	switch role {
	case transport.RoleSuperAdmin:
		return "Super admin"
	case transport.RoleAdmin:
		return "Admin"
	default:
		return "Member"
	}
}
