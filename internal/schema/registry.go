package schema

import (
	"embed"
	"fmt"
	"guildsync/internal/types"
	"io/fs"
	"os"
	"path"
	"slices"
	"sort"

	"github.com/goccy/go-yaml"
)

//go:embed schemas/*.yml
var builtinFS embed.FS

// Registry holds one Definition per supported schema version. It is immutable once built and
// safe for concurrent use.
type Registry struct {
	defs       map[int]*Definition
	migrations map[int]MigrationFunc // keyed by target version
	min, max   int
}

// NewRegistry validates and indexes the given definitions. Versions must be contiguous.
func NewRegistry(defs ...Definition) (*Registry, error) {
	if len(defs) == 0 {
		return nil, fmt.Errorf("schema registry needs at least one definition")
	}
	r := &Registry{
		defs:       make(map[int]*Definition, len(defs)),
		migrations: make(map[int]MigrationFunc, len(defs)),
	}
	for i := range defs {
		d := defs[i]
		d.Fields = slices.Clone(d.Fields)
		if err := d.compile(); err != nil {
			return nil, err
		}
		if _, dup := r.defs[d.Version]; dup {
			return nil, fmt.Errorf("duplicate schema version %d", d.Version)
		}
		r.defs[d.Version] = &d
	}
	versions := make([]int, 0, len(r.defs))
	for v := range r.defs {
		versions = append(versions, v)
	}
	sort.Ints(versions)
	r.min, r.max = versions[0], versions[len(versions)-1]
	if r.max-r.min+1 != len(versions) {
		return nil, fmt.Errorf("schema versions must be contiguous, got %v", versions)
	}
	for v := r.min + 1; v <= r.max; v++ {
		fn, err := r.defs[v].migrationFrom(r.defs[v-1])
		if err != nil {
			return nil, err
		}
		r.migrations[v] = fn
	}
	return r, nil
}

// Load reads every *.yml / *.yaml definition at the root of fsys.
func Load(fsys fs.FS) (*Registry, error) {
	var names []string
	for _, pattern := range []string{"*.yml", "*.yaml"} {
		m, err := fs.Glob(fsys, pattern)
		if err != nil {
			return nil, err
		}
		names = append(names, m...)
	}
	if len(names) == 0 {
		return nil, fmt.Errorf("no schema definitions found")
	}
	defs := make([]Definition, 0, len(names))
	for _, name := range names {
		b, err := fs.ReadFile(fsys, name)
		if err != nil {
			return nil, fmt.Errorf("read %s: %w", name, err)
		}
		var d Definition
		if err := yaml.Unmarshal(b, &d); err != nil {
			return nil, fmt.Errorf("parse %s: %w", path.Base(name), err)
		}
		defs = append(defs, d)
	}
	return NewRegistry(defs...)
}

// LoadDir loads definitions from a directory on disk.
func LoadDir(dir string) (*Registry, error) {
	return Load(os.DirFS(dir))
}

// Builtin returns the guild configuration schema compiled into the binary.
func Builtin() (*Registry, error) {
	sub, err := fs.Sub(builtinFS, "schemas")
	if err != nil {
		return nil, err
	}
	return Load(sub)
}

// Current is the schema version every write is validated against.
func (r *Registry) Current() int { return r.max }

// Oldest is the lowest schema version documents can be migrated from.
func (r *Registry) Oldest() int { return r.min }

// Definition returns the definition of a version.
func (r *Registry) Definition(version int) (Definition, bool) {
	d, ok := r.defs[version]
	if !ok {
		return Definition{}, false
	}
	return *d, true
}

// Defaults returns a fresh payload holding the defaults of version.
func (r *Registry) Defaults(version int) types.Payload {
	d, ok := r.defs[version]
	if !ok {
		return types.Payload{}
	}
	return d.defaults()
}

// WithDefaults fills the missing fields of p with the defaults of version.
func (r *Registry) WithDefaults(p types.Payload, version int) types.Payload {
	d, ok := r.defs[version]
	if !ok {
		return p.Clone()
	}
	return d.withDefaults(p)
}

// Validate checks payload against the definition of version and returns the accepted payload
// (JSON-normalized, null fields dropped). Every violation is reported in one
// *types.ValidationError.
func (r *Registry) Validate(payload types.Payload, version int) (types.Payload, error) {
	ve := &types.ValidationError{Version: version}
	d, ok := r.defs[version]
	if !ok {
		ve.Add("schemaVersion", fmt.Sprintf("unsupported schema version %d", version))
		return nil, ve
	}
	p, err := payload.Normalize()
	if err != nil {
		ve.Add("payload", err.Error())
		return nil, ve
	}
	for name, v := range p {
		if v == nil {
			delete(p, name)
			continue
		}
		if _, ok := d.field(name); !ok {
			ve.Add(name, "unknown field")
		}
	}
	for i := range d.Fields {
		f := &d.Fields[i]
		v, present := p[f.Name]
		if !present {
			if f.Required {
				ve.Add(f.Name, "is required")
			}
			continue
		}
		if reason := f.check(v); reason != "" {
			ve.Add(f.Name, reason)
		}
	}
	if ve.HasErrors() {
		ve.Sort()
		return nil, ve
	}
	return p, nil
}

// Migrate upgrades doc to the current version by applying each adjacent migration in order.
// Before each step the payload is completed with the defaults of its own version.
// The input document is not modified.
func (r *Registry) Migrate(doc types.Document) (types.Document, error) {
	out := doc
	out.Payload = doc.Payload.Clone()
	if doc.SchemaVersion == r.max {
		return out, nil
	}
	if doc.SchemaVersion > r.max {
		return out, &types.MigrationError{From: doc.SchemaVersion, To: r.max,
			Err: fmt.Errorf("document schema is newer than the newest known version")}
	}
	if doc.SchemaVersion < r.min {
		return out, &types.MigrationError{From: doc.SchemaVersion, To: r.max,
			Err: fmt.Errorf("schema version %d is no longer supported", doc.SchemaVersion)}
	}
	p, err := doc.Payload.Normalize()
	if err != nil {
		return out, &types.MigrationError{From: doc.SchemaVersion, To: r.max, Err: err}
	}
	for v := doc.SchemaVersion; v < r.max; v++ {
		p, err = r.migrations[v+1](r.defs[v].withDefaults(p))
		if err != nil {
			return out, err
		}
	}
	out.Payload = p
	out.SchemaVersion = r.max
	return out, nil
}
