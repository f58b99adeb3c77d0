// Package router extracts commands from message text and resolves them
// against the plugin registry.
package router

import (
	"strings"
	"unicode/utf8"

	"astralune/pkg/plugin"
)

// DefaultPrefixes are the recognized single-character command prefixes.
var DefaultPrefixes = []string{"!", "#", ".", "/"}

// Command is one parsed invocation.
type Command struct {
	Prefix string
	Name   string
	Args   []string

	// FullText is the message with the prefix stripped but not tokenized.
	FullText string
}

// Resolver looks a token up as a command name, then as an alias.
type Resolver interface {
	Resolve(token string) (*plugin.Descriptor, bool)
}

// Parse reports false for anything that is not a command: empty text, text
// that does not start with a recognized prefix, or a bare prefix. Leading
// whitespace disqualifies the text.
func Parse(text string, prefixes []string) (Command, bool) {
	if strings.TrimSpace(text) == "" {
		return Command{}, false
	}

	first, size := utf8.DecodeRuneInString(text)
	prefix := string(first)
	if !hasPrefix(prefixes, prefix) {
		return Command{}, false
	}

	rest := strings.TrimSpace(text[size:])
	fields := strings.Fields(rest)
	if len(fields) == 0 {
		return Command{}, false
	}

	return Command{
		Prefix:   prefix,
		Name:     strings.ToLower(fields[0]),
		Args:     append([]string{}, fields[1:]...),
		FullText: rest,
	}, true
}

// Route resolves the command name through r.
func Route(cmd Command, r Resolver) (*plugin.Descriptor, bool) {
	if cmd.Name == "" || r == nil {
		return nil, false
	}
	return r.Resolve(cmd.Name)
}

// Tail returns FullText without the command token, for handlers that take a
// free-form argument.
func (c Command) Tail() string {
	rest := strings.TrimSpace(c.FullText)
	if i := strings.IndexFunc(rest, isSpace); i >= 0 {
		return strings.TrimSpace(rest[i:])
	}
	return ""
}

func hasPrefix(prefixes []string, prefix string) bool {
	for _, candidate := range prefixes {
		if candidate == prefix {
			return true
		}
	}
	return false
}

func isSpace(r rune) bool {
	return r == ' ' || r == '\t' || r == '\n' || r == '\r'
}
