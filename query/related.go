package query

import (
	"fmt"

	"github.com/spineda1208/zenoo/model"
)

// FromCollection builds a query set over the records behind a to-many field
// of rec. One2many fields constrain by the inverse key, so later filters
// see the live server state; many2many fields constrain by membership of
// the materialized link set. An empty link set compiles to the constant
// false domain and never reaches the server.
func FromCollection(runner Runner, registry *model.Registry, rec *model.Record, field string) (*Set, error) {
	col := rec.Collection(field)
	if col == nil {
		return nil, fmt.Errorf("query: record %s(%d) has no loaded to-many field %q", rec.Model(), rec.ID(), field)
	}
	target, ok := registry.Get(col.Target())
	if !ok {
		return nil, fmt.Errorf("query: related model %q is not registered", col.Target())
	}
	set := NewSet(runner, registry, target)
	if inverse := col.Inverse(); inverse != "" {
		return set.Where(inverse, rec.ID()), nil
	}
	return set.Where("id__in", col.IDs()), nil
}
