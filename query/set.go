package query

import (
	"fmt"
	"strings"
	"time"

	"github.com/spineda1208/zenoo/model"
)

// CacheDirectives controls how a read-path terminal interacts with the
// cache layer. The zero value means read-through with the backend default
// TTL.
type CacheDirectives struct {
	// Backend selects a named cache backend; "" means the default.
	Backend string

	// TTL overrides the backend default when positive. Zero keeps the
	// default; use Forever for entries that live until invalidated.
	TTL time.Duration

	// Key overrides the canonical query key.
	Key string

	// Refresh ignores any existing entry and overwrites it.
	Refresh bool

	// Bypass skips the cache entirely, reading and writing nothing.
	Bypass bool
}

// Forever marks a cache entry that never expires until invalidated.
const Forever = time.Duration(-1)

// ReadOptions carries the execution parameters of a read terminal to the
// runner.
type ReadOptions struct {
	Fields  []string
	Order   string
	Limit   int
	Offset  int
	Cache   CacheDirectives
	Context map[string]interface{}
}

// Set is an immutable, chainable description of a read over one model.
// Every chainable operation returns a copy; a set can be held, extended in
// different directions and executed many times. Construction errors (an
// unknown field path, a bad lookup) are deferred and surface at the first
// terminal.
type Set struct {
	runner     Runner
	registry   *model.Registry
	descriptor *model.Descriptor

	filters  []Expr
	order    []string
	randomly bool
	limit    int
	offset   int
	fields   []string
	excluded map[string]bool
	plan     []string
	cache    CacheDirectives
	context  map[string]interface{}
	err      error
}

// NewSet builds the root query set of a model.
func NewSet(runner Runner, registry *model.Registry, descriptor *model.Descriptor) *Set {
	return &Set{
		runner:     runner,
		registry:   registry,
		descriptor: descriptor,
		limit:      -1,
	}
}

// NewInvalidSet builds a set whose builders are inert and whose terminals
// all fail with err. It lets a model lookup failure surface at execution
// without breaking the chainable API.
func NewInvalidSet(err error) *Set {
	return &Set{descriptor: &model.Descriptor{}, limit: -1, err: err}
}

// Model returns the model name the set reads.
func (s *Set) Model() string { return s.descriptor.Name() }

// Err returns the first construction error, if any.
func (s *Set) Err() error { return s.err }

func (s *Set) clone() *Set {
	dup := *s
	dup.filters = append([]Expr(nil), s.filters...)
	dup.order = append([]string(nil), s.order...)
	dup.fields = append([]string(nil), s.fields...)
	dup.plan = append([]string(nil), s.plan...)
	if s.excluded != nil {
		dup.excluded = make(map[string]bool, len(s.excluded))
		for k, v := range s.excluded {
			dup.excluded[k] = v
		}
	}
	if s.context != nil {
		dup.context = make(map[string]interface{}, len(s.context))
		for k, v := range s.context {
			dup.context[k] = v
		}
	}
	return &dup
}

func (s *Set) fail(err error) *Set {
	dup := s.clone()
	if dup.err == nil {
		dup.err = err
	}
	return dup
}

// Filter AND-joins the given expressions into the set's condition.
// Expressions are taken positionally left to right.
func (s *Set) Filter(exprs ...Expr) *Set {
	dup := s.clone()
	for _, expr := range exprs {
		if err := s.checkPaths(expr); err != nil {
			return s.fail(err)
		}
		dup.filters = append(dup.filters, expr)
	}
	return dup
}

// Where is Filter sugar for a single field lookup.
func (s *Set) Where(lookup string, value interface{}) *Set {
	return s.Filter(Q(lookup, value))
}

// Exclude negates the conjunction of the given expressions and AND-joins
// it, so Exclude(A) reads the same as Filter(Not(A)).
func (s *Set) Exclude(exprs ...Expr) *Set {
	for _, expr := range exprs {
		if err := s.checkPaths(expr); err != nil {
			return s.fail(err)
		}
	}
	dup := s.clone()
	dup.filters = append(dup.filters, Not(And(exprs...)))
	return dup
}

// checkPaths resolves every leaf path against the registry so typos fail
// before any server round trip.
func (s *Set) checkPaths(expr Expr) error {
	var err error
	Walk(expr, func(leaf Leaf) {
		if err != nil {
			return
		}
		if _, pathErr := s.registry.ResolvePath(s.descriptor, leaf.Path); pathErr != nil {
			err = pathErr
		}
	})
	return err
}

// OrderBy replaces the ordering. A leading "-" reverses a field; the single
// term "?" asks for random order, which is applied client-side after the
// rows arrive.
func (s *Set) OrderBy(fields ...string) *Set {
	dup := s.clone()
	dup.order = nil
	dup.randomly = false
	for _, field := range fields {
		if field == "?" {
			dup.randomly = true
			dup.order = nil
			return dup
		}
		name := strings.TrimPrefix(field, "-")
		if _, err := s.registry.ResolvePath(s.descriptor, name); err != nil {
			return s.fail(err)
		}
		dup.order = append(dup.order, field)
	}
	return dup
}

// Limit bounds the result size. Zero is honored literally: the terminal
// returns empty without a server read.
func (s *Set) Limit(n int) *Set {
	if n < 0 {
		return s.fail(fmt.Errorf("query: negative limit %d", n))
	}
	dup := s.clone()
	dup.limit = n
	return dup
}

// Offset skips the first n rows. An offset past the end of the result is an
// empty list, not an error.
func (s *Set) Offset(n int) *Set {
	if n < 0 {
		return s.fail(fmt.Errorf("query: negative offset %d", n))
	}
	dup := s.clone()
	dup.offset = n
	return dup
}

// Only restricts the projection to the named fields.
func (s *Set) Only(fields ...string) *Set {
	dup := s.clone()
	for _, field := range fields {
		if _, ok := s.descriptor.Field(field); !ok && field != "id" {
			return s.fail(fmt.Errorf("query: model %s has no field %q", s.Model(), field))
		}
	}
	dup.fields = append([]string(nil), fields...)
	return dup
}

// ExcludeFields removes the named fields from the projection.
func (s *Set) ExcludeFields(fields ...string) *Set {
	dup := s.clone()
	if dup.excluded == nil {
		dup.excluded = make(map[string]bool, len(fields))
	}
	for _, field := range fields {
		dup.excluded[field] = true
	}
	return dup
}

// Prefetch adds dotted relation paths to the prefetch plan. Each distinct
// first-depth path costs exactly one extra server read at execution,
// whatever the result size.
func (s *Set) Prefetch(relations ...string) *Set {
	dup := s.clone()
	for _, rel := range relations {
		terminal, err := s.registry.ResolvePath(s.descriptor, rel)
		if err != nil {
			return s.fail(err)
		}
		if !terminal.Type.Relational() {
			return s.fail(fmt.Errorf("query: prefetch path %q ends on non-relational field %q", rel, terminal.Name))
		}
		dup.plan = append(dup.plan, rel)
	}
	return dup
}

// Cache sets the caching directives of the read terminals.
func (s *Set) Cache(directives CacheDirectives) *Set {
	dup := s.clone()
	dup.cache = directives
	return dup
}

// NoCache is Cache sugar for bypassing the cache layer.
func (s *Set) NoCache() *Set {
	return s.Cache(CacheDirectives{Bypass: true})
}

// WithContext merges keys into the server-side call context of this set.
func (s *Set) WithContext(ctx map[string]interface{}) *Set {
	dup := s.clone()
	if dup.context == nil {
		dup.context = make(map[string]interface{}, len(ctx))
	}
	for k, v := range ctx {
		dup.context[k] = v
	}
	return dup
}

// Domain compiles the set's filters into wire form.
func (s *Set) Domain() (Domain, error) {
	if s.err != nil {
		return nil, s.err
	}
	return Compile(s.filters...)
}

// projection resolves Only/ExcludeFields into the field list sent to the
// server. nil means the full descriptor projection.
func (s *Set) projection() []string {
	base := s.fields
	if base == nil {
		if len(s.excluded) == 0 {
			return nil
		}
		base = s.descriptor.FieldNames()
	}
	if len(s.excluded) == 0 {
		return base
	}
	out := make([]string, 0, len(base))
	for _, field := range base {
		if !s.excluded[field] {
			out = append(out, field)
		}
	}
	return out
}

// orderClause renders the ordering in the server's "field desc" syntax.
func (s *Set) orderClause() string {
	parts := make([]string, 0, len(s.order))
	for _, field := range s.order {
		if name, ok := strings.CutPrefix(field, "-"); ok {
			parts = append(parts, name+" desc")
		} else {
			parts = append(parts, field)
		}
	}
	return strings.Join(parts, ", ")
}

func (s *Set) readOptions() ReadOptions {
	return ReadOptions{
		Fields:  s.projection(),
		Order:   s.orderClause(),
		Limit:   s.limit,
		Offset:  s.offset,
		Cache:   s.cache,
		Context: s.context,
	}
}
