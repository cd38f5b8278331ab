package query

import (
	"context"
	"fmt"
	"sort"
	"strings"

	"github.com/spineda1208/zenoo/model"
)

// maxPrefetchDepth bounds nested prefetch paths.
const maxPrefetchDepth = 4

// prefetch resolves the set's relation paths over the primary result with
// one grouped read per distinct path head, whatever the result size. Nested
// segments recurse over the records fetched for their head, bounded by
// depth and a cycle guard, so self-referential models terminate.
func prefetch(ctx context.Context, s *Set, records []*model.Record) error {
	p := &planner{
		runner:   s.runner,
		registry: s.registry,
		cache:    s.cache,
		context:  s.context,
		visited:  make(map[visitKey]bool),
	}
	return p.run(ctx, s.descriptor, records, s.plan, 1)
}

type visitKey struct {
	model string
	id    int64
	path  string
}

type planner struct {
	runner   Runner
	registry *model.Registry
	cache    CacheDirectives
	context  map[string]interface{}
	visited  map[visitKey]bool
}

func (p *planner) run(ctx context.Context, d *model.Descriptor, records []*model.Record, paths []string, depth int) error {
	if len(records) == 0 || len(paths) == 0 || depth > maxPrefetchDepth {
		return nil
	}

	// Group paths by their first segment so each head costs one read.
	tails := make(map[string][]string)
	for _, path := range paths {
		head, tail, _ := strings.Cut(path, ".")
		if _, ok := tails[head]; !ok {
			tails[head] = nil
		}
		if tail != "" && !contains(tails[head], tail) {
			tails[head] = append(tails[head], tail)
		}
	}
	heads := make([]string, 0, len(tails))
	for head := range tails {
		heads = append(heads, head)
	}
	sort.Strings(heads)

	for _, head := range heads {
		field, ok := d.Field(head)
		if !ok || !field.Type.Relational() {
			return fmt.Errorf("query: prefetch segment %q is not a relation of %s", head, d.Name())
		}
		target, ok := p.registry.Get(field.Relation)
		if !ok {
			return fmt.Errorf("query: prefetch target %q of %s.%s is not registered", field.Relation, d.Name(), head)
		}

		fresh := p.unvisited(records, d.Name(), head)
		if len(fresh) == 0 {
			continue
		}

		var frontier []*model.Record
		var err error
		if field.Type == model.TypeMany2One {
			frontier, err = p.resolveToOne(ctx, target, fresh, head)
		} else {
			frontier, err = p.resolveToMany(ctx, target, fresh, head)
		}
		if err != nil {
			return err
		}
		if err := p.run(ctx, target, frontier, tails[head], depth+1); err != nil {
			return err
		}
	}
	return nil
}

// unvisited filters records already expanded for this path segment and
// marks the survivors.
func (p *planner) unvisited(records []*model.Record, mdl, segment string) []*model.Record {
	out := make([]*model.Record, 0, len(records))
	for _, rec := range records {
		key := visitKey{model: mdl, id: rec.ID(), path: segment}
		if p.visited[key] {
			continue
		}
		p.visited[key] = true
		out = append(out, rec)
	}
	return out
}

func (p *planner) resolveToOne(ctx context.Context, target *model.Descriptor, records []*model.Record, field string) ([]*model.Record, error) {
	idSet := make(map[int64]bool)
	for _, rec := range records {
		if ref := rec.Reference(field); ref != nil && ref.ID() != 0 {
			idSet[ref.ID()] = true
		}
	}

	byID, fetched, err := p.fetchByIDs(ctx, target, idSet)
	if err != nil {
		return nil, err
	}
	for _, rec := range records {
		if ref := rec.Reference(field); ref != nil {
			model.AttachReference(ref, byID[ref.ID()])
		}
	}
	return fetched, nil
}

func (p *planner) resolveToMany(ctx context.Context, target *model.Descriptor, records []*model.Record, field string) ([]*model.Record, error) {
	idSet := make(map[int64]bool)
	for _, rec := range records {
		if col := rec.Collection(field); col != nil {
			for _, id := range col.IDs() {
				idSet[id] = true
			}
		}
	}

	_, fetched, err := p.fetchByIDs(ctx, target, idSet)
	if err != nil {
		return nil, err
	}
	for _, rec := range records {
		if col := rec.Collection(field); col != nil {
			model.AttachCollection(col, fetched)
		}
	}
	return fetched, nil
}

// fetchByIDs issues the one grouped read of a prefetch round. An empty id
// set costs nothing.
func (p *planner) fetchByIDs(ctx context.Context, target *model.Descriptor, idSet map[int64]bool) (map[int64]*model.Record, []*model.Record, error) {
	if len(idSet) == 0 {
		return nil, nil, nil
	}
	ids := make([]interface{}, 0, len(idSet))
	for id := range idSet {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i].(int64) < ids[j].(int64) })

	domain := Domain{[]interface{}{"id", "in", ids}}
	rows, err := p.runner.SearchRead(ctx, target.Name(), domain, ReadOptions{
		Limit:   -1,
		Cache:   p.cache,
		Context: p.context,
	})
	if err != nil {
		return nil, nil, err
	}

	byID := make(map[int64]*model.Record, len(rows))
	fetched := make([]*model.Record, 0, len(rows))
	for _, row := range rows {
		rec, err := model.Materialize(target, row)
		if err != nil {
			return nil, nil, err
		}
		byID[rec.ID()] = rec
		fetched = append(fetched, rec)
	}
	return byID, fetched, nil
}

func contains(list []string, s string) bool {
	for _, item := range list {
		if item == s {
			return true
		}
	}
	return false
}
