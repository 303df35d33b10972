package schema

import (
	"errors"
	"fmt"
	"guildsync/internal/types"
)

// MigrationFunc turns a payload of version N-1 into a payload of version N. It must be a
// pure, total function of its input: anything it cannot produce is reported as an error.
type MigrationFunc func(prev types.Payload) (types.Payload, error)

// SetStep assigns Field from a JMESPath expression evaluated on the previous payload.
type SetStep struct {
	Field string `yaml:"field" json:"field"`
	From  string `yaml:"from" json:"from"`
}

// MigrationSpec is the declarative form of a migration from the preceding version.
type MigrationSpec struct {
	Remove []string  `yaml:"remove" json:"remove,omitempty"`
	Set    []SetStep `yaml:"set" json:"set,omitempty"`
}

// Definition is the set of fields allowed at one schema version, plus how to reach it from
// the version before.
type Definition struct {
	Version   int            `yaml:"version" json:"version"`
	Fields    []FieldDef     `yaml:"fields" json:"fields"`
	Migration *MigrationSpec `yaml:"migration" json:"migration,omitempty"`
	// Migrate overrides Migration when set. Only settable from Go code.
	Migrate MigrationFunc `yaml:"-" json:"-"`

	byName map[string]*FieldDef
}

func (d *Definition) compile() error {
	if d.Version <= 0 {
		return fmt.Errorf("schema version must be positive, got %d", d.Version)
	}
	d.byName = make(map[string]*FieldDef, len(d.Fields))
	for i := range d.Fields {
		f := &d.Fields[i]
		if f.Name == "" {
			return fmt.Errorf("v%d: field %d has no name", d.Version, i)
		}
		if _, dup := d.byName[f.Name]; dup {
			return fmt.Errorf("v%d: duplicate field %q", d.Version, f.Name)
		}
		if err := f.compile(); err != nil {
			return fmt.Errorf("v%d: %w", d.Version, err)
		}
		if f.Default != nil {
			v, err := normalizeValue(f.Default)
			if err != nil {
				return fmt.Errorf("v%d: field %q default: %w", d.Version, f.Name, err)
			}
			f.Default = v
			if reason := f.check(v); reason != "" {
				return fmt.Errorf("v%d: field %q default %s", d.Version, f.Name, reason)
			}
		}
		d.byName[f.Name] = f
	}
	return nil
}

func (d *Definition) field(name string) (*FieldDef, bool) {
	f, ok := d.byName[name]
	return f, ok
}

// defaults returns a fresh payload holding every field default of the definition.
func (d *Definition) defaults() types.Payload {
	out := types.Payload{}
	for _, f := range d.Fields {
		if f.Default != nil {
			out[f.Name] = cloneValue(f.Default)
		}
	}
	return out
}

// withDefaults returns p with missing or null fields filled from the definition defaults.
func (d *Definition) withDefaults(p types.Payload) types.Payload {
	out := p.Clone()
	for _, f := range d.Fields {
		if v, ok := out[f.Name]; (!ok || v == nil) && f.Default != nil {
			out[f.Name] = cloneValue(f.Default)
		}
	}
	return out
}

// migrationFrom builds the function turning a prev-version payload into this version.
// Definitions without any migration keep every field as is.
func (d *Definition) migrationFrom(prev *Definition) (MigrationFunc, error) {
	from, to := prev.Version, d.Version
	var step MigrationFunc
	switch {
	case d.Migrate != nil:
		step = d.Migrate
	case d.Migration != nil:
		exprs := make([]*expr, len(d.Migration.Set))
		for i, s := range d.Migration.Set {
			if _, ok := d.field(s.Field); !ok {
				return nil, fmt.Errorf("v%d: migration sets unknown field %q", to, s.Field)
			}
			e, err := compileExpr(s.From)
			if err != nil {
				return nil, fmt.Errorf("v%d: migration of %q: %w", to, s.Field, err)
			}
			exprs[i] = e
		}
		spec := *d.Migration
		step = func(in types.Payload) (types.Payload, error) {
			out := in.Clone()
			for _, name := range spec.Remove {
				delete(out, name)
			}
			for i, s := range spec.Set {
				v, err := exprs[i].Eval(map[string]any(in))
				if err != nil {
					return nil, &types.MigrationError{From: from, To: to, Field: s.Field, Err: err}
				}
				if v == nil {
					delete(out, s.Field)
					continue
				}
				out[s.Field] = v
			}
			return out, nil
		}
	default:
		step = func(in types.Payload) (types.Payload, error) { return in.Clone(), nil }
	}

	return func(in types.Payload) (types.Payload, error) {
		out, err := step(in)
		if err != nil {
			var me *types.MigrationError
			if errors.As(err, &me) {
				return nil, err
			}
			return nil, &types.MigrationError{From: from, To: to, Err: err}
		}
		out, err = out.Normalize()
		if err != nil {
			return nil, &types.MigrationError{From: from, To: to, Err: err}
		}
		// Newly required fields must end up with a value, from the step or a default.
		out = d.withDefaults(out)
		for _, f := range d.Fields {
			if v, ok := out[f.Name]; f.Required && (!ok || v == nil) {
				return nil, &types.MigrationError{From: from, To: to, Field: f.Name}
			}
		}
		return out, nil
	}, nil
}

func normalizeValue(v any) (any, error) {
	p, err := types.Payload{"v": v}.Normalize()
	if err != nil {
		return nil, err
	}
	return p["v"], nil
}

func cloneValue(v any) any {
	return types.Payload{"v": v}.Clone()["v"]
}
