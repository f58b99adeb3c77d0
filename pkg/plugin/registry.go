package plugin

import (
	"bytes"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"slices"
	"sort"
	"strings"
	"sync"
	"sync/atomic"

	"astralune/pkg/fault"

	"github.com/zeebo/blake3"
	"gopkg.in/yaml.v3"
)

const builtinSource = "builtin"

// ErrNotFound is returned by Reload when no manifest exists for a module.
var ErrNotFound = errors.New("plugin manifest not found")

// Conflict records a token that a later module tried to claim.
type Conflict struct {
	Token    string
	Kind     string
	Kept     string
	Rejected string
}

// Report summarizes a directory scan.
type Report struct {
	Loaded    []string
	Removed   []string
	Skipped   map[string]error
	Unchanged int
}

type index struct {
	modules  []*Descriptor
	commands map[string]*Descriptor
	aliases  map[string]*Descriptor
}

func emptyIndex() *index {
	return &index{commands: map[string]*Descriptor{}, aliases: map[string]*Descriptor{}}
}

// Registry is safe for concurrent Resolve/List while a single writer loads
// or reloads.
type Registry struct {
	catalog Catalog
	log     *slog.Logger

	writeMu   sync.Mutex
	dir       string
	conflicts []Conflict

	current atomic.Pointer[index]
}

// NewRegistry returns an empty registry bound to catalog.
func NewRegistry(catalog Catalog, log *slog.Logger) *Registry {
	if log == nil {
		log = slog.Default()
	}

	r := &Registry{
		catalog: catalog,
		log:     log.With("component", "plugin.registry"),
	}
	r.current.Store(emptyIndex())
	return r
}

// Resolve looks token up as a command name first, then as an alias.
func (r *Registry) Resolve(token string) (*Descriptor, bool) {
	token = strings.ToLower(strings.TrimSpace(token))
	idx := r.current.Load()

	if desc, ok := idx.commands[token]; ok {
		return desc, true
	}
	desc, ok := idx.aliases[token]
	return desc, ok
}

// List returns modules in registration order, filtered by tag when tag is
// not empty.
func (r *Registry) List(tag string) []*Descriptor {
	tag = strings.ToLower(strings.TrimSpace(tag))
	idx := r.current.Load()

	out := make([]*Descriptor, 0, len(idx.modules))
	for _, desc := range idx.modules {
		if tag != "" && strings.ToLower(desc.Tag) != tag {
			continue
		}
		out = append(out, desc)
	}
	return out
}

// Tags returns the distinct tags in first-seen order.
func (r *Registry) Tags() []string {
	var tags []string
	for _, desc := range r.List("") {
		if !slices.Contains(tags, desc.Tag) {
			tags = append(tags, desc.Tag)
		}
	}
	return tags
}

// Conflicts returns every token collision seen so far.
func (r *Registry) Conflicts() []Conflict {
	r.writeMu.Lock()
	defer r.writeMu.Unlock()
	return slices.Clone(r.conflicts)
}

// Dir returns the directory bound by the last LoadDir.
func (r *Registry) Dir() string {
	r.writeMu.Lock()
	defer r.writeMu.Unlock()
	return r.dir
}

// Register validates and publishes an in-memory manifest.
func (r *Registry) Register(manifest Manifest, source string) (*Descriptor, error) {
	if source == "" {
		source = builtinSource
	}

	r.writeMu.Lock()
	defer r.writeMu.Unlock()
	return r.publishLocked(manifest, source, "")
}

// Unregister removes a module and releases its tokens.
func (r *Registry) Unregister(name string) bool {
	r.writeMu.Lock()
	defer r.writeMu.Unlock()
	return r.unregisterLocked(strings.ToLower(name))
}

// LoadDir scans dir and registers every valid manifest in file-name order.
// Invalid manifests are skipped and reported, never fatal. The returned
// error is set only when the directory itself cannot be read.
func (r *Registry) LoadDir(dir string) (Report, error) {
	r.writeMu.Lock()
	defer r.writeMu.Unlock()

	r.dir = dir
	return r.scanLocked(false)
}

// Refresh re-scans the bound directory, reloading manifests whose content
// changed, loading new ones and dropping modules whose file disappeared.
func (r *Registry) Refresh() (Report, error) {
	r.writeMu.Lock()
	defer r.writeMu.Unlock()

	if r.dir == "" {
		return Report{}, errors.New("registry has no plugin directory")
	}
	return r.scanLocked(true)
}

// Reload re-reads one module's manifest and swaps its entries. The previous
// descriptor stays registered when the manifest is missing or invalid.
func (r *Registry) Reload(name string) (*Descriptor, error) {
	name = strings.ToLower(strings.TrimSpace(name))

	r.writeMu.Lock()
	defer r.writeMu.Unlock()

	if r.dir == "" {
		return nil, errors.New("registry has no plugin directory")
	}

	path, ok := r.manifestPathLocked(name)
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, name)
	}

	desc, err := r.loadFileLocked(path)
	if err != nil {
		return nil, err
	}

	r.log.Info("Plugin reloaded", "plugin", desc.Name, "commands", strings.Join(desc.Commands, ","), "source", desc.Source)
	return desc, nil
}

func (r *Registry) manifestPathLocked(name string) (string, bool) {
	for _, desc := range r.current.Load().modules {
		if desc.Name == name && desc.Source != builtinSource {
			return desc.Source, true
		}
	}

	for _, ext := range []string{".yaml", ".yml"} {
		path := filepath.Join(r.dir, name+ext)
		if info, err := os.Stat(path); err == nil && !info.IsDir() {
			return path, true
		}
	}
	return "", false
}

func (r *Registry) scanLocked(onlyChanged bool) (Report, error) {
	report := Report{Skipped: map[string]error{}}

	entries, err := os.ReadDir(r.dir)
	if err != nil {
		return report, fault.Wrap(fault.CategoryRegistryLoad, r.dir, err)
	}

	var paths []string
	for _, entry := range entries {
		if entry.IsDir() || !isManifest(entry.Name()) {
			continue
		}
		paths = append(paths, filepath.Join(r.dir, entry.Name()))
	}
	sort.Strings(paths)

	// Modules whose file is gone release their names first, so a manifest
	// moved to a new file is not rejected as a duplicate.
	if onlyChanged {
		for _, desc := range r.current.Load().modules {
			if desc.Source == builtinSource || slices.Contains(paths, desc.Source) {
				continue
			}
			if r.unregisterLocked(desc.Name) {
				report.Removed = append(report.Removed, desc.Name)
				r.log.Info("Plugin removed", "plugin", desc.Name, "source", desc.Source)
			}
		}
	}

	for _, path := range paths {
		if onlyChanged {
			if unchanged, err := r.unchangedLocked(path); err == nil && unchanged {
				report.Unchanged++
				continue
			}
		}

		desc, err := r.loadFileLocked(path)
		if err != nil {
			report.Skipped[filepath.Base(path)] = err
			r.log.Warn("Skipping invalid plugin", "file", filepath.Base(path), "error", err)
			continue
		}
		report.Loaded = append(report.Loaded, desc.Name)
		r.log.Debug("Plugin loaded", "plugin", desc.Name, "file", filepath.Base(path))
	}

	return report, nil
}

func (r *Registry) unchangedLocked(path string) (bool, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return false, err
	}

	fingerprint := Fingerprint(data)
	for _, desc := range r.current.Load().modules {
		if desc.Source == path {
			return desc.Fingerprint == fingerprint, nil
		}
	}
	return false, nil
}

func (r *Registry) loadFileLocked(path string) (*Descriptor, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fault.Wrap(fault.CategoryRegistryLoad, filepath.Base(path), err)
	}

	manifest, err := DecodeManifest(bytes.NewReader(data))
	if err != nil {
		return nil, fault.Wrap(fault.CategoryRegistryLoad, filepath.Base(path), err)
	}
	if strings.TrimSpace(manifest.Name) == "" {
		manifest.Name = strings.TrimSuffix(filepath.Base(path), filepath.Ext(path))
	}

	return r.publishLocked(manifest, path, Fingerprint(data))
}

// publishLocked builds the descriptor and swaps in a new index. Tokens keep
// their first owner; collisions are recorded, and a module left with no
// command name is rejected.
func (r *Registry) publishLocked(manifest Manifest, source string, fingerprint string) (*Descriptor, error) {
	handler, err := manifest.validate(r.catalog)
	if err != nil {
		return nil, fault.Wrap(fault.CategoryRegistryLoad, source, err)
	}

	name := manifest.moduleName()
	old := r.current.Load()
	if existing := old.module(name); existing != nil && existing.Source != source {
		conflict := Conflict{Token: name, Kind: "module", Kept: filepath.Base(existing.Source), Rejected: filepath.Base(source)}
		r.conflicts = slices.DeleteFunc(r.conflicts, func(c Conflict) bool { return c == conflict })
		r.conflicts = append(r.conflicts, conflict)
		r.log.Warn("Plugin name collision", "plugin", name, "kept", conflict.Kept, "rejected", conflict.Rejected)
		return nil, fault.New(fault.CategoryRegistryLoad, fmt.Sprintf("%s: module name is already registered by %s", name, conflict.Kept))
	}
	next := old.without(name)

	desc := &Descriptor{
		Name:        name,
		Tag:         strings.ToLower(strings.TrimSpace(manifest.Tag)),
		OwnerOnly:   manifest.Owner,
		Description: strings.TrimSpace(manifest.Description),
		HandlerName: manifest.handlerName(),
		Handler:     handler,
		Source:      source,
		Fingerprint: fingerprint,
	}
	if desc.Tag == "" {
		desc.Tag = "misc"
	}

	var conflicts []Conflict
	for _, token := range normalizeTokens(manifest.Commands) {
		if owner := next.owner(token); owner != nil {
			conflicts = append(conflicts, Conflict{Token: token, Kind: "command", Kept: owner.Name, Rejected: name})
			continue
		}
		desc.Commands = append(desc.Commands, token)
	}
	for _, token := range normalizeTokens(manifest.Aliases) {
		if slices.Contains(desc.Commands, token) {
			continue
		}
		if owner := next.owner(token); owner != nil {
			conflicts = append(conflicts, Conflict{Token: token, Kind: "alias", Kept: owner.Name, Rejected: name})
			continue
		}
		desc.Aliases = append(desc.Aliases, token)
	}

	r.conflicts = slices.DeleteFunc(r.conflicts, func(c Conflict) bool { return c.Rejected == name })
	r.conflicts = append(r.conflicts, conflicts...)
	for _, conflict := range conflicts {
		r.log.Warn("Plugin token collision", "token", conflict.Token, "kind", conflict.Kind, "kept", conflict.Kept, "rejected", conflict.Rejected)
	}

	if len(desc.Commands) == 0 {
		return nil, fault.New(fault.CategoryRegistryLoad, fmt.Sprintf("%s: every command name is already registered", name))
	}

	for _, token := range desc.Commands {
		next.commands[token] = desc
	}
	for _, token := range desc.Aliases {
		next.aliases[token] = desc
	}
	next.modules = replaceOrAppend(old.modules, desc)

	r.current.Store(next)
	return desc, nil
}

func (r *Registry) unregisterLocked(name string) bool {
	old := r.current.Load()
	if !slices.ContainsFunc(old.modules, func(d *Descriptor) bool { return d.Name == name }) {
		return false
	}

	next := old.without(name)
	next.modules = slices.DeleteFunc(slices.Clone(old.modules), func(d *Descriptor) bool { return d.Name == name })
	r.current.Store(next)
	r.conflicts = slices.DeleteFunc(r.conflicts, func(c Conflict) bool { return c.Kind == "module" && c.Token == name })
	return true
}

func (idx *index) module(name string) *Descriptor {
	for _, desc := range idx.modules {
		if desc.Name == name {
			return desc
		}
	}
	return nil
}

// without copies the maps minus every token owned by name. modules is
// shared with the receiver and must be replaced before publication.
func (idx *index) without(name string) *index {
	next := emptyIndex()
	next.modules = idx.modules
	for token, desc := range idx.commands {
		if desc.Name != name {
			next.commands[token] = desc
		}
	}
	for token, desc := range idx.aliases {
		if desc.Name != name {
			next.aliases[token] = desc
		}
	}
	return next
}

func (idx *index) owner(token string) *Descriptor {
	if desc, ok := idx.commands[token]; ok {
		return desc
	}
	return idx.aliases[token]
}

func replaceOrAppend(modules []*Descriptor, desc *Descriptor) []*Descriptor {
	out := slices.Clone(modules)
	for i, existing := range out {
		if existing.Name == desc.Name {
			out[i] = desc
			return out
		}
	}
	return append(out, desc)
}

// DecodeManifest parses one YAML manifest, rejecting unknown fields.
func DecodeManifest(reader io.Reader) (Manifest, error) {
	decoder := yaml.NewDecoder(reader)
	decoder.KnownFields(true)

	var manifest Manifest
	if err := decoder.Decode(&manifest); err != nil {
		if errors.Is(err, io.EOF) {
			return Manifest{}, errors.New("empty manifest")
		}
		return Manifest{}, fmt.Errorf("parse manifest: %w", err)
	}
	return manifest, nil
}

// EncodeManifest renders a manifest as YAML.
func EncodeManifest(manifest Manifest) ([]byte, error) {
	var buf bytes.Buffer
	encoder := yaml.NewEncoder(&buf)
	encoder.SetIndent(2)
	if err := encoder.Encode(manifest); err != nil {
		return nil, err
	}
	if err := encoder.Close(); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// WriteManifests writes one file per manifest into dir, skipping files that
// already exist. It returns the paths written.
func WriteManifests(dir string, manifests []Manifest) ([]string, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create plugin directory: %w", err)
	}

	var written []string
	for _, manifest := range manifests {
		name := manifest.moduleName()
		if name == "" {
			continue
		}
		path := filepath.Join(dir, name+".yaml")
		if _, err := os.Stat(path); err == nil {
			continue
		}

		manifest.Name = ""
		data, err := EncodeManifest(manifest)
		if err != nil {
			return written, fmt.Errorf("encode %s: %w", name, err)
		}
		if err := os.WriteFile(path, data, 0o644); err != nil {
			return written, fmt.Errorf("write %s: %w", path, err)
		}
		written = append(written, path)
	}
	return written, nil
}

// Fingerprint is the hex BLAKE3 digest of manifest bytes.
func Fingerprint(data []byte) string {
	sum := blake3.Sum256(data)
	return hex.EncodeToString(sum[:])
}

func isManifest(name string) bool {
	ext := strings.ToLower(filepath.Ext(name))
	return ext == ".yaml" || ext == ".yml"
}
