package query

import (
	"context"
	"fmt"
	"math/rand"

	"github.com/spineda1208/zenoo/model"
	"github.com/spineda1208/zenoo/transport"
)

// Runner executes the server calls a query set compiles down to. The
// client implements it; the indirection keeps this package free of
// transport, cache and retry concerns while letting the client route every
// call through them.
type Runner interface {
	SearchRead(ctx context.Context, mdl string, domain Domain, opts ReadOptions) ([]map[string]interface{}, error)
	SearchCount(ctx context.Context, mdl string, domain Domain) (int64, error)
	Search(ctx context.Context, mdl string, domain Domain, opts ReadOptions) ([]int64, error)
	CreateRecord(ctx context.Context, mdl string, values map[string]interface{}) (int64, error)
	WriteRecords(ctx context.Context, mdl string, ids []int64, values map[string]interface{}) error
	UnlinkRecords(ctx context.Context, mdl string, ids []int64) error
}

// All executes the read and returns the materialized records, after running
// the prefetch plan when one is set.
func (s *Set) All(ctx context.Context) ([]*model.Record, error) {
	if s.err != nil {
		return nil, s.err
	}
	if s.limit == 0 {
		return nil, nil
	}
	domain, err := s.Domain()
	if err != nil {
		return nil, err
	}
	if domain.IsFalse() {
		return nil, nil
	}
	rows, err := s.runner.SearchRead(ctx, s.Model(), domain, s.readOptions())
	if err != nil {
		return nil, err
	}
	records := make([]*model.Record, 0, len(rows))
	for _, row := range rows {
		rec, err := model.Materialize(s.descriptor, row)
		if err != nil {
			return nil, err
		}
		records = append(records, rec)
	}
	if s.randomly {
		rand.Shuffle(len(records), func(i, j int) {
			records[i], records[j] = records[j], records[i]
		})
	}
	if len(s.plan) > 0 {
		if err := prefetch(ctx, s, records); err != nil {
			return nil, err
		}
	}
	return records, nil
}

// First returns the first matching record, or nil when nothing matches.
func (s *Set) First(ctx context.Context) (*model.Record, error) {
	records, err := s.Limit(1).All(ctx)
	if err != nil {
		return nil, err
	}
	if len(records) == 0 {
		return nil, nil
	}
	return records[0], nil
}

// Get returns the record with the given id within the set's condition. A
// missing id is a not-found error carrying the model name.
func (s *Set) Get(ctx context.Context, id int64) (*model.Record, error) {
	rec, err := s.GetOrNone(ctx, id)
	if err != nil {
		return nil, err
	}
	if rec == nil {
		return nil, transport.NewError(transport.KindNotFound,
			fmt.Sprintf("%s id %d does not exist", s.Model(), id), nil).
			WithContext(s.Model(), "search_read")
	}
	return rec, nil
}

// GetOrNone is Get without the not-found error: a missing id yields nil.
func (s *Set) GetOrNone(ctx context.Context, id int64) (*model.Record, error) {
	return s.Where("id", id).First(ctx)
}

// Exists reports whether at least one record matches.
func (s *Set) Exists(ctx context.Context) (bool, error) {
	if s.err != nil {
		return false, s.err
	}
	domain, err := s.Domain()
	if err != nil {
		return false, err
	}
	if domain.IsFalse() {
		return false, nil
	}
	opts := s.readOptions()
	opts.Limit = 1
	ids, err := s.runner.Search(ctx, s.Model(), domain, opts)
	if err != nil {
		return false, err
	}
	return len(ids) > 0, nil
}

// Count returns the number of matching records, ignoring limit and offset.
func (s *Set) Count(ctx context.Context) (int64, error) {
	if s.err != nil {
		return 0, s.err
	}
	domain, err := s.Domain()
	if err != nil {
		return 0, err
	}
	if domain.IsFalse() {
		return 0, nil
	}
	return s.runner.SearchCount(ctx, s.Model(), domain)
}

// IDs returns the matching ids without materializing records.
func (s *Set) IDs(ctx context.Context) ([]int64, error) {
	if s.err != nil {
		return nil, s.err
	}
	if s.limit == 0 {
		return nil, nil
	}
	domain, err := s.Domain()
	if err != nil {
		return nil, err
	}
	if domain.IsFalse() {
		return nil, nil
	}
	return s.runner.Search(ctx, s.Model(), domain, s.readOptions())
}

// Update writes the given values to every matching record and returns how
// many were touched. Values are encoded to wire form; to-many fields accept
// command lists built with the model package.
func (s *Set) Update(ctx context.Context, values map[string]interface{}) (int64, error) {
	ids, err := s.IDs(ctx)
	if err != nil {
		return 0, err
	}
	if len(ids) == 0 {
		return 0, nil
	}
	if err := s.runner.WriteRecords(ctx, s.Model(), ids, EncodeValues(values)); err != nil {
		return 0, err
	}
	return int64(len(ids)), nil
}

// Delete removes every matching record and returns how many were removed.
func (s *Set) Delete(ctx context.Context) (int64, error) {
	ids, err := s.IDs(ctx)
	if err != nil {
		return 0, err
	}
	if len(ids) == 0 {
		return 0, nil
	}
	if err := s.runner.UnlinkRecords(ctx, s.Model(), ids); err != nil {
		return 0, err
	}
	return int64(len(ids)), nil
}

// GetOrCreate looks the record up by the exact-match lookups and creates it
// from defaults merged under the lookups when nothing matches. The boolean
// reports whether a create happened.
func (s *Set) GetOrCreate(ctx context.Context, lookups, defaults map[string]interface{}) (*model.Record, bool, error) {
	probe := s
	for field, value := range lookups {
		probe = probe.Where(field, value)
	}
	rec, err := probe.First(ctx)
	if err != nil {
		return nil, false, err
	}
	if rec != nil {
		return rec, false, nil
	}

	values := make(map[string]interface{}, len(defaults)+len(lookups))
	for k, v := range defaults {
		values[k] = v
	}
	for k, v := range lookups {
		values[k] = v
	}
	id, err := s.runner.CreateRecord(ctx, s.Model(), EncodeValues(values))
	if err != nil {
		return nil, false, err
	}
	created, err := NewSet(s.runner, s.registry, s.descriptor).Get(ctx, id)
	if err != nil {
		return nil, false, err
	}
	return created, true, nil
}

// Iterate streams matching records in pages of chunkSize, calling fn for
// each record. Iteration stops at the first error from fn or the server.
func (s *Set) Iterate(ctx context.Context, chunkSize int, fn func(*model.Record) error) error {
	if s.err != nil {
		return s.err
	}
	if chunkSize <= 0 {
		return fmt.Errorf("query: chunk size %d must be positive", chunkSize)
	}
	remaining := s.limit
	offset := s.offset
	for remaining != 0 {
		pageLimit := chunkSize
		if remaining > 0 && remaining < pageLimit {
			pageLimit = remaining
		}
		page, err := s.Offset(offset).Limit(pageLimit).All(ctx)
		if err != nil {
			return err
		}
		for _, rec := range page {
			if err := fn(rec); err != nil {
				return err
			}
		}
		if len(page) < pageLimit {
			return nil
		}
		offset += len(page)
		if remaining > 0 {
			remaining -= len(page)
		}
	}
	return nil
}

// EncodeValues converts a write payload to wire form: scalars through the
// model encoding, to-many command lists through the tuple-command protocol.
func EncodeValues(values map[string]interface{}) map[string]interface{} {
	out := make(map[string]interface{}, len(values))
	for field, value := range values {
		switch v := value.(type) {
		case []model.Command:
			out[field] = model.EncodeCommands(v...)
		case model.Command:
			out[field] = model.EncodeCommands(v)
		case *model.Record:
			out[field] = v.ID()
		default:
			out[field] = model.EncodeValue(value)
		}
	}
	return out
}
