// Package identity canonicalizes chat addresses (user[:device]@server) into
// comparable values.
//
// Every component that asks "is this the sender, an admin, the owner" goes
// through SameUser. Parsing never fails: input outside the address grammar
// becomes an Unknown ID with empty parts, and such IDs match nothing.
package identity

import (
	"regexp"
	"strconv"
	"strings"
)

// Well-known servers.
const (
	ServerUser         = "s.whatsapp.net"
	ServerLegacyUser   = "c.us"
	ServerLinked       = "lid"
	ServerHosted       = "hosted"
	ServerHostedLinked = "hosted.lid"
	ServerGroup        = "g.us"
	ServerBroadcast    = "broadcast"
)

// Variant tags the addressing scheme of a user identity.
type Variant int

const (
	Unknown Variant = iota
	DirectUser
	LinkedDeviceUser
	HostedUser
	HostedLinkedUser
)

// String returns the short account-type label used in logs and displays.
func (v Variant) String() string {
	switch v {
	case DirectUser:
		return "pn"
	case LinkedDeviceUser:
		return "lid"
	case HostedUser:
		return "hosted"
	case HostedLinkedUser:
		return "hosted-lid"
	default:
		return "other"
	}
}

// ID is a decomposed address. The zero value is an invalid Unknown ID.
type ID struct {
	Raw       string
	User      string
	Server    string
	Device    int
	HasDevice bool
	Variant   Variant
}

// Parse decomposes raw without dropping the device index.
func Parse(raw string) ID {
	trimmed := strings.TrimSpace(raw)
	id := ID{Raw: trimmed}

	at := strings.LastIndex(trimmed, "@")
	if at <= 0 || at == len(trimmed)-1 {
		return id
	}

	userPart := trimmed[:at]
	server := strings.ToLower(trimmed[at+1:])
	if strings.ContainsAny(server, " \t\n") || strings.Contains(userPart, "@") {
		return id
	}

	user := userPart
	device := 0
	hasDevice := false
	if colon := strings.LastIndex(userPart, ":"); colon >= 0 {
		value, err := strconv.Atoi(userPart[colon+1:])
		if err != nil || value < 0 || colon == 0 {
			return id
		}
		user = userPart[:colon]
		device = value
		hasDevice = true
	}

	if user == "" || strings.ContainsAny(user, ": \t\n") {
		return id
	}

	if server == ServerLegacyUser {
		server = ServerUser
	}

	id.User = user
	id.Server = server
	id.Device = device
	id.HasDevice = hasDevice
	id.Variant = variantForServer(server)
	return id
}

// Normalize returns the canonical, device-free form of raw.
// Normalize(Normalize(x).String()) == Normalize(x) for every x.
func Normalize(raw string) ID {
	id := Parse(raw)
	if !id.Valid() {
		return id
	}

	id.Device = 0
	id.HasDevice = false
	id.Raw = id.User + "@" + id.Server
	return id
}

// Classify returns the variant of raw without exposing the decomposition.
func Classify(raw string) Variant {
	return Parse(raw).Variant
}

// SameUser reports whether a and b address the same account, ignoring device
// index. Invalid IDs never match.
func SameUser(a, b ID) bool {
	if !a.Valid() || !b.Valid() {
		return false
	}

	return a.User == b.User && a.Server == b.Server
}

// SameUserRaw is SameUser over raw address strings.
func SameUserRaw(a, b string) bool {
	return SameUser(Parse(a), Parse(b))
}

// Valid reports whether the ID was decomposed successfully.
func (id ID) Valid() bool {
	return id.User != "" && id.Server != ""
}

// IsGroup reports whether the ID addresses a group conversation.
func (id ID) IsGroup() bool {
	return id.Valid() && id.Server == ServerGroup
}

// String renders the ID in address form, including the device when present.
func (id ID) String() string {
	if !id.Valid() {
		return id.Raw
	}
	if id.HasDevice {
		return id.User + ":" + strconv.Itoa(id.Device) + "@" + id.Server
	}

	return id.User + "@" + id.Server
}

// DisplayOptions controls Display.
type DisplayOptions struct {
	ShowDevice bool
	HideServer bool
}

// Display formats id for humans. It never re-validates: invalid IDs render
// their raw input.
func Display(id ID, opts DisplayOptions) string {
	if !id.Valid() {
		return id.Raw
	}

	var b strings.Builder
	b.WriteString(id.User)
	if opts.ShowDevice && id.HasDevice {
		b.WriteString(":")
		b.WriteString(strconv.Itoa(id.Device))
	}
	if !opts.HideServer {
		b.WriteString("@")
		b.WriteString(id.Server)
	}

	return b.String()
}

var addressPattern = regexp.MustCompile(`^[^@\s]+@[^@\s]+\.[^@\s]+$|^[^@\s]+@(lid|hosted|broadcast)$`)

// Validate reports whether raw is a well-formed address.
func Validate(raw string) bool {
	if !addressPattern.MatchString(strings.TrimSpace(raw)) {
		return false
	}

	return Parse(raw).Valid()
}

var unsafeFileChars = regexp.MustCompile(`[^a-zA-Z0-9_-]`)

// FileSafe maps raw to a string usable as a file name.
func FileSafe(raw string) string {
	return unsafeFileChars.ReplaceAllString(raw, "_")
}

func variantForServer(server string) Variant {
	switch server {
	case ServerUser:
		return DirectUser
	case ServerLinked:
		return LinkedDeviceUser
	case ServerHosted:
		return HostedUser
	case ServerHostedLinked:
		return HostedLinkedUser
	default:
		return Unknown
	}
}
