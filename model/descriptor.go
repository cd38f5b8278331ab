// Package model defines the client-side view of server models: immutable
// model descriptors, a per-client registry, typed records materialized from
// server payloads, relationship resolution slots and the tuple-command
// protocol for to-many writes.
package model

import (
	"fmt"
	"sort"
	"strings"
	"sync"
)

// FieldType is the semantic type of a model field.
type FieldType string

const (
	TypeText      FieldType = "text"
	TypeInteger   FieldType = "integer"
	TypeNumber    FieldType = "number"
	TypeDecimal   FieldType = "decimal"
	TypeBoolean   FieldType = "boolean"
	TypeDate      FieldType = "date"
	TypeTimestamp FieldType = "timestamp"
	TypeBytes     FieldType = "bytes"
	TypeSelection FieldType = "selection"
	TypeMany2One  FieldType = "many2one"
	TypeOne2Many  FieldType = "one2many"
	TypeMany2Many FieldType = "many2many"
)

// Relational reports whether the type points at another model.
func (ft FieldType) Relational() bool {
	switch ft {
	case TypeMany2One, TypeOne2Many, TypeMany2Many:
		return true
	}
	return false
}

// Field describes one field of a model: its semantic type, nullability and,
// for relational fields, the target model plus inverse or link-table
// metadata.
type Field struct {
	// Name is the server-side field name.
	Name string

	// Type is the semantic field type.
	Type FieldType

	// Required marks fields the server will not accept as null.
	Required bool

	// Selection lists the permitted values of a selection field.
	Selection []string

	// Relation names the target model of a relational field.
	Relation string

	// Inverse names the many2one field on the target model that points
	// back at this one (one2many only).
	Inverse string

	// LinkTable optionally names the link table of a many2many field.
	LinkTable string
}

// Descriptor is the immutable metadata of one remote model: its canonical
// name and ordered field set. Descriptors are created at registration and
// never mutated afterwards.
type Descriptor struct {
	name   string
	fields map[string]Field
	order  []string
}

// NewDescriptor builds a descriptor from an ordered field list.
//
// Relational fields must name a target model; one2many fields must name the
// inverse field on the target. An "id" field is implicit and must not be
// declared.
func NewDescriptor(name string, fields ...Field) (*Descriptor, error) {
	if name == "" {
		return nil, fmt.Errorf("model: descriptor name is required")
	}
	d := &Descriptor{
		name:   name,
		fields: make(map[string]Field, len(fields)),
		order:  make([]string, 0, len(fields)),
	}
	for _, f := range fields {
		if f.Name == "" {
			return nil, fmt.Errorf("model %s: field with empty name", name)
		}
		if f.Name == "id" {
			return nil, fmt.Errorf("model %s: the id field is implicit", name)
		}
		if _, dup := d.fields[f.Name]; dup {
			return nil, fmt.Errorf("model %s: duplicate field %q", name, f.Name)
		}
		if f.Type.Relational() && f.Relation == "" {
			return nil, fmt.Errorf("model %s: relational field %q has no target model", name, f.Name)
		}
		if f.Type == TypeOne2Many && f.Inverse == "" {
			return nil, fmt.Errorf("model %s: one2many field %q has no inverse", name, f.Name)
		}
		d.fields[f.Name] = f
		d.order = append(d.order, f.Name)
	}
	return d, nil
}

// Name returns the canonical model name.
func (d *Descriptor) Name() string { return d.name }

// Field looks up one field by name.
func (d *Descriptor) Field(name string) (Field, bool) {
	f, ok := d.fields[name]
	return f, ok
}

// Fields returns the fields in declaration order.
func (d *Descriptor) Fields() []Field {
	out := make([]Field, 0, len(d.order))
	for _, name := range d.order {
		out = append(out, d.fields[name])
	}
	return out
}

// FieldNames returns the field names in declaration order.
func (d *Descriptor) FieldNames() []string {
	out := make([]string, len(d.order))
	copy(out, d.order)
	return out
}

// Relations returns the relational fields in declaration order.
func (d *Descriptor) Relations() []Field {
	var out []Field
	for _, name := range d.order {
		if f := d.fields[name]; f.Type.Relational() {
			out = append(out, f)
		}
	}
	return out
}

// Registry holds the descriptors known to one client. It is explicit and
// parameterized per session; there is no process-global registry.
type Registry struct {
	mu          sync.RWMutex
	descriptors map[string]*Descriptor
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{descriptors: make(map[string]*Descriptor)}
}

// Register adds a descriptor. Registering the same model twice is an error;
// descriptors are immutable and redefinition is almost always a bug.
func (r *Registry) Register(d *Descriptor) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.descriptors[d.name]; exists {
		return fmt.Errorf("model: %q is already registered", d.name)
	}
	r.descriptors[d.name] = d
	return nil
}

// MustRegister is Register that panics on error, for package-level setup.
func (r *Registry) MustRegister(d *Descriptor) {
	if err := r.Register(d); err != nil {
		panic(err)
	}
}

// Get looks up a descriptor by model name.
func (r *Registry) Get(name string) (*Descriptor, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	d, ok := r.descriptors[name]
	return d, ok
}

// Names returns the registered model names, sorted.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.descriptors))
	for name := range r.descriptors {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// ResolvePath walks a dotted field path starting at d, traversing relational
// fields through the registry, and returns the terminal field. Every leaf of
// a query domain must resolve through here: the path is invalid when an
// intermediate segment is not relational or targets an unregistered model.
//
// The special segment "id" is accepted anywhere a field is.
func (r *Registry) ResolvePath(d *Descriptor, path string) (Field, error) {
	segments := strings.Split(path, ".")
	current := d
	for i, segment := range segments {
		if segment == "id" {
			if i != len(segments)-1 {
				return Field{}, fmt.Errorf("model %s: id cannot be traversed in path %q", d.name, path)
			}
			return Field{Name: "id", Type: TypeInteger}, nil
		}
		field, ok := current.Field(segment)
		if !ok {
			return Field{}, fmt.Errorf("model %s: unknown field %q in path %q", current.name, segment, path)
		}
		if i == len(segments)-1 {
			return field, nil
		}
		if !field.Type.Relational() {
			return Field{}, fmt.Errorf("model %s: field %q in path %q is not relational", current.name, segment, path)
		}
		next, ok := r.Get(field.Relation)
		if !ok {
			return Field{}, fmt.Errorf("model %s: related model %q of %q is not registered", current.name, field.Relation, segment)
		}
		current = next
	}
	return Field{}, fmt.Errorf("model %s: empty field path", d.name)
}
