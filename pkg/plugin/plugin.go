// Package plugin indexes command modules by command and alias token.
//
// A command module is a YAML manifest that binds command names, aliases and
// metadata to a handler compiled into the binary and published through a
// Catalog. Manifests can be re-read from disk at any time; the index is
// replaced copy-on-write so in-flight dispatches keep the descriptor they
// resolved.
package plugin

import (
	"context"
	"database/sql"
	"fmt"
	"slices"
	"strings"

	"astralune/pkg/message"
	"astralune/pkg/transport"
)

// Call carries the parsed invocation into a handler.
type Call struct {
	Args     []string
	FullText string
	Prefix   string
	Command  string

	// DB is the durable store handle; nil when storage is disabled.
	DB *sql.DB
}

// Handler runs one command. Returned errors and panics are both contained by
// the sandbox.
type Handler func(ctx context.Context, send transport.Sender, mc *message.Context, call Call) error

// Catalog maps handler names to compiled handlers.
type Catalog map[string]Handler

// Manifest is the on-disk shape of a command module.
type Manifest struct {
	Name        string   `yaml:"name,omitempty"`
	Commands    []string `yaml:"command"`
	Aliases     []string `yaml:"aliases,omitempty"`
	Tag         string   `yaml:"tag,omitempty"`
	Owner       bool     `yaml:"owner,omitempty"`
	Description string   `yaml:"description,omitempty"`
	Handler     string   `yaml:"handler,omitempty"`
}

// Descriptor is one registered module. Descriptors are never mutated after
// publication; reload publishes a new one.
type Descriptor struct {
	Name        string
	Commands    []string
	Aliases     []string
	Tag         string
	OwnerOnly   bool
	Description string
	HandlerName string
	Handler     Handler

	// Source is the manifest path, or "builtin" for in-memory manifests.
	Source      string
	Fingerprint string
}

// Primary returns the first command name, used for menus and logs.
func (d *Descriptor) Primary() string {
	if d == nil || len(d.Commands) == 0 {
		return ""
	}
	return d.Commands[0]
}

// Tokens returns every command name followed by every alias.
func (d *Descriptor) Tokens() []string {
	return append(slices.Clone(d.Commands), d.Aliases...)
}

// normalizeTokens lower-cases, trims and de-duplicates tokens, dropping
// empties and anything containing whitespace.
func normalizeTokens(tokens []string) []string {
	out := make([]string, 0, len(tokens))
	for _, token := range tokens {
		token = strings.ToLower(strings.TrimSpace(token))
		if token == "" || strings.ContainsAny(token, " \t\n") || slices.Contains(out, token) {
			continue
		}
		out = append(out, token)
	}
	return slices.Clip(out)
}

// moduleName picks the registry key for a manifest.
func (m Manifest) moduleName() string {
	if name := strings.ToLower(strings.TrimSpace(m.Name)); name != "" {
		return name
	}
	commands := normalizeTokens(m.Commands)
	if len(commands) == 0 {
		return ""
	}
	return commands[0]
}

// handlerName defaults to the module name when the manifest omits it.
func (m Manifest) handlerName() string {
	if name := strings.TrimSpace(m.Handler); name != "" {
		return name
	}
	return m.moduleName()
}

func (m Manifest) validate(catalog Catalog) (Handler, error) {
	if len(normalizeTokens(m.Commands)) == 0 {
		return nil, fmt.Errorf("manifest declares no command names")
	}

	handler, ok := catalog[m.handlerName()]
	if !ok || handler == nil {
		return nil, fmt.Errorf("handler %q is not compiled in", m.handlerName())
	}

	return handler, nil
}
