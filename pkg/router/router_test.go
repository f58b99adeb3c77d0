package router

import (
	"context"
	"testing"

	"astralune/pkg/message"
	"astralune/pkg/plugin"
	"astralune/pkg/transport"

	"github.com/stretchr/testify/require"
)

func TestParse(t *testing.T) {
	t.Parallel()

	cases := []struct {
		name string
		text string
		want Command
		ok   bool
	}{
		{"bare command", "!ping", Command{Prefix: "!", Name: "ping", Args: []string{}, FullText: "ping"}, true},
		{"arguments", "#Whois  628111@s.whatsapp.net   full", Command{Prefix: "#", Name: "whois", Args: []string{"628111@s.whatsapp.net", "full"}, FullText: "Whois  628111@s.whatsapp.net   full"}, true},
		{"space after prefix", ". menu tools", Command{Prefix: ".", Name: "menu", Args: []string{"tools"}, FullText: "menu tools"}, true},
		{"multiline tail", "/ai hello\nworld", Command{Prefix: "/", Name: "ai", Args: []string{"hello", "world"}, FullText: "ai hello\nworld"}, true},
		{"plain text", "hello", Command{}, false},
		{"empty", "", Command{}, false},
		{"whitespace", "   ", Command{}, false},
		{"bare prefix", "!", Command{}, false},
		{"unknown prefix", "?ping", Command{}, false},
		{"leading space", "  !ping", Command{}, false},
		{"leading newline", "\n.menu", Command{}, false},
		{"trailing space", "!ping  ", Command{Prefix: "!", Name: "ping", Args: []string{}, FullText: "ping"}, true},
	}

	for _, tc := range cases {
		got, ok := Parse(tc.text, DefaultPrefixes)
		require.Equal(t, tc.ok, ok, tc.name)
		require.Equal(t, tc.want, got, tc.name)
	}
}

func TestParseHonorsConfiguredPrefixes(t *testing.T) {
	t.Parallel()

	_, ok := Parse("!ping", []string{"$"})
	require.False(t, ok)

	cmd, ok := Parse("$ping", []string{"$"})
	require.True(t, ok)
	require.Equal(t, "$", cmd.Prefix)
}

func TestTail(t *testing.T) {
	t.Parallel()

	cmd, ok := Parse("!ai  what is  go?", DefaultPrefixes)
	require.True(t, ok)
	require.Equal(t, "what is  go?", cmd.Tail())

	cmd, ok = Parse("!ping", DefaultPrefixes)
	require.True(t, ok)
	require.Equal(t, "", cmd.Tail())
}

func TestRouteFallsThroughToAliases(t *testing.T) {
	t.Parallel()

	handler := func(context.Context, transport.Sender, *message.Context, plugin.Call) error { return nil }
	registry := plugin.NewRegistry(plugin.Catalog{"ping": handler}, nil)
	_, err := registry.Register(plugin.Manifest{Commands: []string{"ping", "speed"}, Aliases: []string{"p"}}, "")
	require.NoError(t, err)

	var resolved []*plugin.Descriptor
	for _, text := range []string{"!ping", ".SPEED", "#p now"} {
		cmd, ok := Parse(text, DefaultPrefixes)
		require.True(t, ok, text)
		desc, ok := Route(cmd, registry)
		require.True(t, ok, text)
		resolved = append(resolved, desc)
	}
	require.Same(t, resolved[0], resolved[1])
	require.Same(t, resolved[0], resolved[2])

	cmd, _ := Parse("!unknown", DefaultPrefixes)
	_, ok := Route(cmd, registry)
	require.False(t, ok)
}
