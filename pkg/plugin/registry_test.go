package plugin

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"

	"astralune/pkg/fault"
	"astralune/pkg/message"
	"astralune/pkg/transport"

	"github.com/stretchr/testify/require"
)

func noop(context.Context, transport.Sender, *message.Context, Call) error { return nil }

func testCatalog() Catalog {
	return Catalog{"menu": noop, "ping": noop, "stats": noop, "restart": noop}
}

func writeManifest(t *testing.T, dir string, name string, body string) string {
	t.Helper()
	path := filepath.Join(dir, name)
	require.NoError(t, os.WriteFile(path, []byte(body), 0o644))
	return path
}

func TestRegisterResolvesCommandsBeforeAliases(t *testing.T) {
	t.Parallel()

	registry := NewRegistry(testCatalog(), nil)
	_, err := registry.Register(Manifest{Commands: []string{"Menu", "help"}, Tag: "main"}, "")
	require.NoError(t, err)
	_, err = registry.Register(Manifest{Commands: []string{"ping"}, Aliases: []string{"speed", "p"}}, "")
	require.NoError(t, err)

	desc, ok := registry.Resolve("MENU")
	require.True(t, ok)
	require.Equal(t, "menu", desc.Name)
	require.Equal(t, []string{"menu", "help"}, desc.Commands)

	desc, ok = registry.Resolve("speed")
	require.True(t, ok)
	require.Equal(t, "ping", desc.Name)
	require.Equal(t, "misc", desc.Tag)

	_, ok = registry.Resolve("nosuch")
	require.False(t, ok)
}

func TestRegisterFirstOwnerWinsAndConflictsAreRecorded(t *testing.T) {
	t.Parallel()

	registry := NewRegistry(testCatalog(), nil)
	_, err := registry.Register(Manifest{Commands: []string{"ping"}, Aliases: []string{"p"}}, "")
	require.NoError(t, err)

	desc, err := registry.Register(Manifest{Name: "stats", Commands: []string{"stats", "ping"}, Aliases: []string{"p", "st"}}, "")
	require.NoError(t, err)
	require.Equal(t, []string{"stats"}, desc.Commands)
	require.Equal(t, []string{"st"}, desc.Aliases)

	owner, ok := registry.Resolve("ping")
	require.True(t, ok)
	require.Equal(t, "ping", owner.Name)

	conflicts := registry.Conflicts()
	require.Len(t, conflicts, 2)
	require.Equal(t, Conflict{Token: "ping", Kind: "command", Kept: "ping", Rejected: "stats"}, conflicts[0])
	require.Equal(t, Conflict{Token: "p", Kind: "alias", Kept: "ping", Rejected: "stats"}, conflicts[1])
}

func TestRegisterRejectsModuleWhoseCommandsAllCollide(t *testing.T) {
	t.Parallel()

	registry := NewRegistry(testCatalog(), nil)
	_, err := registry.Register(Manifest{Commands: []string{"ping"}}, "")
	require.NoError(t, err)

	_, err = registry.Register(Manifest{Name: "stats", Commands: []string{"ping"}}, "")
	require.Error(t, err)
	require.True(t, fault.Is(err, fault.CategoryRegistryLoad))
	require.Len(t, registry.List(""), 1)
}

func TestRegisterRejectsUnknownHandlerAndEmptyCommands(t *testing.T) {
	t.Parallel()

	registry := NewRegistry(testCatalog(), nil)

	_, err := registry.Register(Manifest{Commands: []string{"weather"}}, "")
	require.ErrorContains(t, err, "not compiled in")

	_, err = registry.Register(Manifest{Commands: []string{"  "}, Handler: "ping"}, "")
	require.ErrorContains(t, err, "no command names")
}

func TestLoadDirSkipsInvalidManifests(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	writeManifest(t, dir, "menu.yaml", "command: [menu, help]\ntag: main\ndescription: Show commands\n")
	writeManifest(t, dir, "broken.yaml", "command: [oops\n")
	writeManifest(t, dir, "typo.yml", "command: [ping]\nalias: [p]\n")
	writeManifest(t, dir, "notes.txt", "command: [stats]\n")

	registry := NewRegistry(testCatalog(), nil)
	report, err := registry.LoadDir(dir)
	require.NoError(t, err)
	require.Equal(t, []string{"menu"}, report.Loaded)
	require.Len(t, report.Skipped, 2)
	require.Contains(t, report.Skipped, "broken.yaml")
	require.Contains(t, report.Skipped, "typo.yml")

	desc, ok := registry.Resolve("help")
	require.True(t, ok)
	require.Equal(t, "Show commands", desc.Description)
	require.Equal(t, filepath.Join(dir, "menu.yaml"), desc.Source)
	require.Len(t, desc.Fingerprint, 64)
}

func TestLoadDirMissingDirectory(t *testing.T) {
	t.Parallel()

	registry := NewRegistry(testCatalog(), nil)
	_, err := registry.LoadDir(filepath.Join(t.TempDir(), "missing"))
	require.Error(t, err)
	require.True(t, fault.Is(err, fault.CategoryRegistryLoad))
}

func TestReloadSwapsEntriesAndKeepsPreviousOnFailure(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	path := writeManifest(t, dir, "ping.yaml", "command: [ping]\naliases: [speed]\n")

	registry := NewRegistry(testCatalog(), nil)
	_, err := registry.LoadDir(dir)
	require.NoError(t, err)

	before, ok := registry.Resolve("speed")
	require.True(t, ok)

	require.NoError(t, os.WriteFile(path, []byte("command: [ping]\naliases: [latency]\n"), 0o644))
	after, err := registry.Reload("ping")
	require.NoError(t, err)
	require.Equal(t, []string{"latency"}, after.Aliases)

	_, ok = registry.Resolve("speed")
	require.False(t, ok)
	_, ok = registry.Resolve("latency")
	require.True(t, ok)

	// The descriptor resolved before the swap is untouched.
	require.Equal(t, []string{"speed"}, before.Aliases)

	require.NoError(t, os.WriteFile(path, []byte("command: [\n"), 0o644))
	_, err = registry.Reload("ping")
	require.Error(t, err)
	current, ok := registry.Resolve("latency")
	require.True(t, ok)
	require.Same(t, after, current)

	_, err = registry.Reload("nosuch")
	require.ErrorIs(t, err, ErrNotFound)
}

func TestRefreshReloadsOnlyChangedFiles(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	writeManifest(t, dir, "menu.yaml", "command: [menu]\n")
	pingPath := writeManifest(t, dir, "ping.yaml", "command: [ping]\n")
	statsPath := writeManifest(t, dir, "stats.yaml", "command: [stats]\n")

	registry := NewRegistry(testCatalog(), nil)
	_, err := registry.LoadDir(dir)
	require.NoError(t, err)
	menuBefore, _ := registry.Resolve("menu")

	require.NoError(t, os.WriteFile(pingPath, []byte("command: [ping, pong]\n"), 0o644))
	require.NoError(t, os.Remove(statsPath))
	writeManifest(t, dir, "restart.yaml", "command: [restart]\nowner: true\n")

	report, err := registry.Refresh()
	require.NoError(t, err)
	require.ElementsMatch(t, []string{"ping", "restart"}, report.Loaded)
	require.Equal(t, []string{"stats"}, report.Removed)
	require.Equal(t, 1, report.Unchanged)

	menuAfter, _ := registry.Resolve("menu")
	require.Same(t, menuBefore, menuAfter)

	_, ok := registry.Resolve("pong")
	require.True(t, ok)
	_, ok = registry.Resolve("stats")
	require.False(t, ok)

	restart, ok := registry.Resolve("restart")
	require.True(t, ok)
	require.True(t, restart.OwnerOnly)
}

func TestLoadDirKeepsFirstModuleWithDuplicateName(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	first := writeManifest(t, dir, "a-ping.yaml", "name: ping\ncommand: [ping]\n")
	writeManifest(t, dir, "b-ping.yaml", "name: ping\ncommand: [pong]\nhandler: ping\n")

	registry := NewRegistry(testCatalog(), nil)
	report, err := registry.LoadDir(dir)
	require.NoError(t, err)
	require.Equal(t, []string{"ping"}, report.Loaded)
	require.Contains(t, report.Skipped, "b-ping.yaml")
	require.Equal(t, []Conflict{{Token: "ping", Kind: "module", Kept: "a-ping.yaml", Rejected: "b-ping.yaml"}}, registry.Conflicts())

	desc, ok := registry.Resolve("ping")
	require.True(t, ok)
	require.Equal(t, first, desc.Source)
	_, ok = registry.Resolve("pong")
	require.False(t, ok)

	_, err = registry.Refresh()
	require.NoError(t, err)
	require.Len(t, registry.Conflicts(), 1)

	require.NoError(t, os.Remove(first))
	report, err = registry.Refresh()
	require.NoError(t, err)
	require.Equal(t, []string{"ping"}, report.Removed)
	require.Equal(t, []string{"ping"}, report.Loaded)
	require.Empty(t, registry.Conflicts())

	_, ok = registry.Resolve("pong")
	require.True(t, ok)
}

func TestListFiltersByTagInRegistrationOrder(t *testing.T) {
	t.Parallel()

	registry := NewRegistry(testCatalog(), nil)
	for _, manifest := range []Manifest{
		{Commands: []string{"menu"}, Tag: "Main"},
		{Commands: []string{"ping"}, Tag: "tools"},
		{Commands: []string{"stats"}, Tag: "main"},
	} {
		_, err := registry.Register(manifest, "")
		require.NoError(t, err)
	}

	var names []string
	for _, desc := range registry.List("MAIN") {
		names = append(names, desc.Name)
	}
	require.Equal(t, []string{"menu", "stats"}, names)
	require.Len(t, registry.List(""), 3)
	require.Equal(t, []string{"main", "tools"}, registry.Tags())
}

func TestWriteManifestsRoundTripsThroughLoadDir(t *testing.T) {
	t.Parallel()

	dir := filepath.Join(t.TempDir(), "plugins")
	written, err := WriteManifests(dir, []Manifest{
		{Commands: []string{"menu", "help"}, Tag: "main", Description: "Show commands"},
		{Commands: []string{"restart"}, Tag: "owner", Owner: true},
	})
	require.NoError(t, err)
	require.Len(t, written, 2)

	again, err := WriteManifests(dir, []Manifest{{Commands: []string{"menu"}}})
	require.NoError(t, err)
	require.Empty(t, again)

	data, err := os.ReadFile(filepath.Join(dir, "restart.yaml"))
	require.NoError(t, err)
	require.True(t, strings.Contains(string(data), "owner: true"))

	registry := NewRegistry(testCatalog(), nil)
	report, err := registry.LoadDir(dir)
	require.NoError(t, err)
	require.Equal(t, []string{"menu", "restart"}, report.Loaded)
}

func TestResolveDuringConcurrentReloads(t *testing.T) {
	t.Parallel()

	registry := NewRegistry(testCatalog(), nil)
	_, err := registry.Register(Manifest{Commands: []string{"ping"}, Aliases: []string{"p"}}, "")
	require.NoError(t, err)

	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		for i := 0; i < 200; i++ {
			_, _ = registry.Register(Manifest{Commands: []string{"ping"}, Aliases: []string{"p"}}, "")
		}
	}()
	go func() {
		defer wg.Done()
		for i := 0; i < 200; i++ {
			if desc, ok := registry.Resolve("p"); ok && desc.Name != "ping" {
				t.Errorf("alias resolved to %q", desc.Name)
			}
		}
	}()
	wg.Wait()

	_, ok := registry.Resolve("ping")
	require.True(t, ok)
}
