package model

import (
	"context"
	"fmt"
	"sync"
)

// Reference is the resolution slot of a many2one field. It starts
// unresolved, holding the target id (zero when the server reported the
// relation as absent) and the display-name sugar when the server sent an
// [id, display] pair.
//
// Resolution is memoized: the first successful Resolve fetches the target
// record once; subsequent calls return the same object until the owning
// record is invalidated.
type Reference struct {
	field Field

	mu       sync.Mutex
	id       int64
	display  string
	resolved *Record
	err      error
	done     bool
}

// decodeReference accepts the wire shapes of a many2one value: false for
// absent, a bare id, or an [id, display] pair.
func decodeReference(field Field, value interface{}) (*Reference, error) {
	ref := &Reference{field: field}
	switch v := value.(type) {
	case bool:
		if v {
			return nil, fmt.Errorf("unexpected true for many2one")
		}
		return ref, nil
	case nil:
		return ref, nil
	case []interface{}:
		if len(v) != 2 {
			return nil, fmt.Errorf("expected [id, display] pair, got %d elements", len(v))
		}
		id, err := toInt64(v[0])
		if err != nil {
			return nil, err
		}
		ref.id = id
		if s, ok := v[1].(string); ok {
			ref.display = s
		}
		return ref, nil
	default:
		id, err := toInt64(value)
		if err != nil {
			return nil, fmt.Errorf("bad many2one value %v", value)
		}
		ref.id = id
		return ref, nil
	}
}

// Target returns the related model name.
func (ref *Reference) Target() string { return ref.field.Relation }

// ID returns the related record id, or 0 when the relation is absent.
func (ref *Reference) ID() int64 {
	ref.mu.Lock()
	defer ref.mu.Unlock()
	return ref.id
}

// Display returns the display-name sugar captured at materialization, or
// "".
func (ref *Reference) Display() string {
	ref.mu.Lock()
	defer ref.mu.Unlock()
	return ref.display
}

// IsSet reports whether the relation points at a record.
func (ref *Reference) IsSet() bool { return ref.ID() != 0 }

// Resolved returns the memoized target record, or nil before resolution.
func (ref *Reference) Resolved() *Record {
	ref.mu.Lock()
	defer ref.mu.Unlock()
	return ref.resolved
}

// Resolve fetches the target record through the fetcher, memoizing the
// result. An absent relation resolves to nil with no server read.
func (ref *Reference) Resolve(ctx context.Context, fetcher Fetcher) (*Record, error) {
	ref.mu.Lock()
	defer ref.mu.Unlock()
	if ref.done {
		return ref.resolved, ref.err
	}
	if ref.id == 0 {
		ref.done = true
		return nil, nil
	}
	records, err := fetcher.FetchByIDs(ctx, ref.field.Relation, []int64{ref.id})
	if err != nil {
		ref.err = err
		ref.done = true
		return nil, err
	}
	if len(records) > 0 {
		ref.resolved = records[0]
	}
	ref.done = true
	return ref.resolved, nil
}

// attach installs a prefetched record without a server read.
func (ref *Reference) attach(rec *Record) {
	ref.mu.Lock()
	defer ref.mu.Unlock()
	ref.resolved = rec
	ref.err = nil
	ref.done = true
}

func (ref *Reference) invalidate() {
	ref.mu.Lock()
	defer ref.mu.Unlock()
	ref.resolved = nil
	ref.err = nil
	ref.done = false
}

// Collection is the resolution slot of a one2many or many2many field. It
// holds the related ids in server order; Resolve turns them into records,
// preserving that order, and memoizes the result.
type Collection struct {
	field Field

	mu       sync.Mutex
	ids      []int64
	resolved []*Record
	err      error
	done     bool
}

// decodeIDList accepts the wire shapes of a to-many value: false or nil
// for empty, or a list of ids.
func decodeIDList(value interface{}) ([]int64, error) {
	switch v := value.(type) {
	case nil:
		return nil, nil
	case bool:
		if v {
			return nil, fmt.Errorf("unexpected true for to-many field")
		}
		return nil, nil
	case []interface{}:
		ids := make([]int64, 0, len(v))
		for _, item := range v {
			id, err := toInt64(item)
			if err != nil {
				return nil, fmt.Errorf("bad id in to-many list: %w", err)
			}
			ids = append(ids, id)
		}
		return ids, nil
	}
	return nil, fmt.Errorf("expected id list, got %T", value)
}

// Target returns the related model name.
func (c *Collection) Target() string { return c.field.Relation }

// Inverse returns the inverse field name (one2many only).
func (c *Collection) Inverse() string { return c.field.Inverse }

// IDs returns the related ids in server order.
func (c *Collection) IDs() []int64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]int64, len(c.ids))
	copy(out, c.ids)
	return out
}

// Len returns the number of related ids without resolving.
func (c *Collection) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.ids)
}

// Resolve fetches the related records, preserving server order, and
// memoizes them.
func (c *Collection) Resolve(ctx context.Context, fetcher Fetcher) ([]*Record, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.done {
		return c.resolved, c.err
	}
	if len(c.ids) == 0 {
		c.done = true
		return nil, nil
	}
	records, err := fetcher.FetchByIDs(ctx, c.field.Relation, c.ids)
	if err != nil {
		c.err = err
		c.done = true
		return nil, err
	}
	c.resolved = orderByIDs(records, c.ids)
	c.done = true
	return c.resolved, nil
}

// attach installs prefetched records without a server read, reordering them
// to the id order the server reported.
func (c *Collection) attach(records []*Record) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.resolved = orderByIDs(records, c.ids)
	c.err = nil
	c.done = true
}

func (c *Collection) invalidate() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.resolved = nil
	c.err = nil
	c.done = false
}

// orderByIDs arranges records to follow the given id order, dropping ids
// with no matching record.
func orderByIDs(records []*Record, ids []int64) []*Record {
	byID := make(map[int64]*Record, len(records))
	for _, rec := range records {
		byID[rec.ID()] = rec
	}
	out := make([]*Record, 0, len(ids))
	for _, id := range ids {
		if rec, ok := byID[id]; ok {
			out = append(out, rec)
		}
	}
	return out
}

// AttachReference installs a prefetched target record into a many2one slot.
// Intended for the prefetch planner.
func AttachReference(ref *Reference, rec *Record) { ref.attach(rec) }

// AttachCollection installs prefetched records into a to-many slot.
// Intended for the prefetch planner.
func AttachCollection(c *Collection, records []*Record) { c.attach(records) }

// SetCollectionIDs replaces the unresolved id list of a to-many slot.
// Intended for the prefetch planner when the ids were discovered through an
// inverse-key read rather than the primary payload.
func SetCollectionIDs(c *Collection, ids []int64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.ids = make([]int64, len(ids))
	copy(c.ids, ids)
	c.resolved = nil
	c.done = false
}
