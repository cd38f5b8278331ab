package zenoo

import (
	"context"
	"fmt"
	"sort"

	"github.com/spineda1208/zenoo/cache"
	"github.com/spineda1208/zenoo/model"
	"github.com/spineda1208/zenoo/query"
	"github.com/spineda1208/zenoo/transaction"
	"github.com/spineda1208/zenoo/transport"
)

// execute routes one execute_kw call through the retry manager.
func (c *Client) execute(ctx context.Context, mdl, method string, args []interface{}, kwargs map[string]interface{}, result interface{}) error {
	return c.retry.Do(ctx, mdl+"."+method, func(ctx context.Context) error {
		return c.session.ExecuteKw(ctx, mdl, method, args, kwargs, result)
	})
}

// readKwargs translates the query read options to execute_kw keyword
// arguments. A non-positive limit means unbounded and is simply omitted.
func readKwargs(opts query.ReadOptions) map[string]interface{} {
	kwargs := map[string]interface{}{}
	if len(opts.Fields) > 0 {
		kwargs["fields"] = opts.Fields
	}
	if opts.Order != "" {
		kwargs["order"] = opts.Order
	}
	if opts.Limit > 0 {
		kwargs["limit"] = opts.Limit
	}
	if opts.Offset > 0 {
		kwargs["offset"] = opts.Offset
	}
	if len(opts.Context) > 0 {
		kwargs["context"] = opts.Context
	}
	return kwargs
}

// queryKey derives the cache key of one read: the explicit directive key
// when given, otherwise a digest over everything that shapes the result.
func (c *Client) queryKey(mdl, method string, domain query.Domain, opts query.ReadOptions) string {
	if opts.Cache.Key != "" {
		return opts.Cache.Key
	}
	payload := map[string]interface{}{
		"method":  method,
		"domain":  []interface{}(domain),
		"fields":  opts.Fields,
		"order":   opts.Order,
		"limit":   opts.Limit,
		"offset":  opts.Offset,
		"context": opts.Context,
	}
	return cache.QueryKey(c.cache.Namespace(), mdl, payload)
}

func cacheOptions(d query.CacheDirectives) cache.Options {
	return cache.Options{Backend: d.Backend, TTL: d.TTL, Refresh: d.Refresh}
}

// SearchRead performs the combined search and read, through the cache
// unless the set asked to bypass it.
func (c *Client) SearchRead(ctx context.Context, mdl string, domain query.Domain, opts query.ReadOptions) ([]map[string]interface{}, error) {
	args := []interface{}{[]interface{}(domain)}
	kwargs := readKwargs(opts)
	fetch := func(ctx context.Context) (interface{}, error) {
		var rows []map[string]interface{}
		if err := c.execute(ctx, mdl, "search_read", args, kwargs, &rows); err != nil {
			return nil, err
		}
		return rows, nil
	}
	if opts.Cache.Bypass {
		rows, err := fetch(ctx)
		if err != nil {
			return nil, err
		}
		return rows.([]map[string]interface{}), nil
	}
	var rows []map[string]interface{}
	key := c.queryKey(mdl, "search_read", domain, opts)
	if err := c.cache.GetOrCompute(ctx, key, cacheOptions(opts.Cache), &rows, fetch); err != nil {
		return nil, err
	}
	return rows, nil
}

// SearchCount counts the records matching domain, through the cache.
func (c *Client) SearchCount(ctx context.Context, mdl string, domain query.Domain) (int64, error) {
	var count int64
	key := c.queryKey(mdl, "search_count", domain, query.ReadOptions{})
	err := c.cache.GetOrCompute(ctx, key, cache.Options{}, &count, func(ctx context.Context) (interface{}, error) {
		var n int64
		if err := c.execute(ctx, mdl, "search_count", []interface{}{[]interface{}(domain)}, nil, &n); err != nil {
			return nil, err
		}
		return n, nil
	})
	return count, err
}

// Search resolves domain to ids. It is deliberately uncached: its results
// feed writes, where a stale id list corrupts data instead of merely
// showing it late.
func (c *Client) Search(ctx context.Context, mdl string, domain query.Domain, opts query.ReadOptions) ([]int64, error) {
	var ids []int64
	err := c.execute(ctx, mdl, "search", []interface{}{[]interface{}(domain)}, readKwargs(opts), &ids)
	return ids, err
}

// CreateRecord creates one record, journals it into the active scope and
// invalidates the model's cache entries before returning.
func (c *Client) CreateRecord(ctx context.Context, mdl string, values map[string]interface{}) (int64, error) {
	var id int64
	if err := c.execute(ctx, mdl, "create", []interface{}{values}, nil, &id); err != nil {
		return 0, err
	}
	if scope, ok := transaction.FromContext(ctx); ok {
		if err := scope.RecordCreate(mdl, id); err != nil {
			return 0, err
		}
	}
	c.invalidate(ctx, mdl)
	return id, nil
}

// CreateBatch creates many records in one call, journalling them as a
// single grouped entry. It backs the batch engine's chunks.
func (c *Client) CreateBatch(ctx context.Context, mdl string, values []map[string]interface{}) ([]int64, error) {
	if len(values) == 0 {
		return nil, nil
	}
	args := make([]interface{}, len(values))
	for i, v := range values {
		args[i] = v
	}
	var ids []int64
	if err := c.execute(ctx, mdl, "create", []interface{}{args}, nil, &ids); err != nil {
		return nil, err
	}
	if scope, ok := transaction.FromContext(ctx); ok {
		if err := scope.RecordCreate(mdl, ids...); err != nil {
			return nil, err
		}
	}
	c.invalidate(ctx, mdl)
	return ids, nil
}

// WriteRecords updates the given ids. Inside a scope the changed fields'
// prior values are captured first so rollback can restore them.
func (c *Client) WriteRecords(ctx context.Context, mdl string, ids []int64, values map[string]interface{}) error {
	scope, scoped := transaction.FromContext(ctx)

	var before map[int64]map[string]interface{}
	if scoped {
		captured, err := c.capture(ctx, mdl, ids, fieldNames(values))
		if err != nil {
			return fmt.Errorf("capture before-image: %w", err)
		}
		before = captured
	}

	if err := c.execute(ctx, mdl, "write", []interface{}{ids, values}, nil, nil); err != nil {
		return err
	}
	if scoped {
		if err := scope.RecordUpdate(mdl, before); err != nil {
			return err
		}
	}
	c.invalidate(ctx, mdl)
	return nil
}

// UnlinkRecords deletes the given ids. Inside a scope the full records are
// captured first so rollback can re-create them.
func (c *Client) UnlinkRecords(ctx context.Context, mdl string, ids []int64) error {
	scope, scoped := transaction.FromContext(ctx)

	var before map[int64]map[string]interface{}
	if scoped {
		captured, err := c.capture(ctx, mdl, ids, nil)
		if err != nil {
			return fmt.Errorf("capture deleted records: %w", err)
		}
		before = captured
	}

	if err := c.execute(ctx, mdl, "unlink", []interface{}{ids}, nil, nil); err != nil {
		return err
	}
	if scoped {
		if err := scope.RecordDelete(mdl, before); err != nil {
			return err
		}
	}
	c.invalidate(ctx, mdl)
	return nil
}

// capture reads the current state of the given ids for journaling. It goes
// straight to the server: a cached image could predate a concurrent write.
func (c *Client) capture(ctx context.Context, mdl string, ids []int64, fields []string) (map[int64]map[string]interface{}, error) {
	domain := []interface{}{[]interface{}{"id", "in", ids}}
	kwargs := map[string]interface{}{}
	if len(fields) > 0 {
		kwargs["fields"] = fields
	}
	var rows []map[string]interface{}
	if err := c.execute(ctx, mdl, "search_read", []interface{}{domain}, kwargs, &rows); err != nil {
		return nil, err
	}
	before := make(map[int64]map[string]interface{}, len(rows))
	for _, row := range rows {
		id, err := rowID(row)
		if err != nil {
			return nil, err
		}
		image := make(map[string]interface{}, len(row))
		for k, v := range row {
			if k == "id" {
				continue
			}
			image[k] = v
		}
		before[id] = image
	}
	return before, nil
}

func fieldNames(values map[string]interface{}) []string {
	names := make([]string, 0, len(values))
	for name := range values {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

func rowID(row map[string]interface{}) (int64, error) {
	switch id := row["id"].(type) {
	case float64:
		return int64(id), nil
	case int64:
		return id, nil
	case int:
		return int64(id), nil
	default:
		return 0, fmt.Errorf("row has no usable id: %v", row["id"])
	}
}

// invalidate drops the model's cached queries and records. Cache faults are
// logged, never surfaced: the write already happened.
func (c *Client) invalidate(ctx context.Context, mdl string) {
	if err := c.cache.Invalidate(ctx, mdl); err != nil {
		c.log.WithError(err).WithField("model", mdl).Warn("cache invalidation failed")
	}
}

// FetchByIDs reads the given ids with the default projection and
// materializes them, for relationship resolution.
func (c *Client) FetchByIDs(ctx context.Context, mdl string, ids []int64) ([]*model.Record, error) {
	d, ok := c.registry.Get(mdl)
	if !ok {
		return nil, transport.NewError(transport.KindMethodNotFound,
			fmt.Sprintf("model %q is not registered", mdl), nil)
	}
	if len(ids) == 0 {
		return nil, nil
	}
	rows, err := c.SearchRead(ctx, mdl, query.Domain{[]interface{}{"id", "in", ids}}, query.ReadOptions{Limit: -1})
	if err != nil {
		return nil, err
	}
	records := make([]*model.Record, 0, len(rows))
	for _, row := range rows {
		rec, err := model.Materialize(d, row)
		if err != nil {
			return nil, err
		}
		records = append(records, rec)
	}
	return records, nil
}

// ReadGroup is the raw aggregation pass-through: it groups records matching
// domain by the groupBy fields and aggregates the given fields server-side.
// Results are returned as-is, uncached.
func (c *Client) ReadGroup(ctx context.Context, mdl string, domain query.Domain, fields, groupBy []string, kwargs map[string]interface{}) ([]map[string]interface{}, error) {
	args := []interface{}{[]interface{}(domain), fields, groupBy}
	var groups []map[string]interface{}
	if err := c.execute(ctx, mdl, "read_group", args, kwargs, &groups); err != nil {
		return nil, err
	}
	return groups, nil
}

// inverter issues compensating operations for the transaction manager. It
// shares the client's retry and session plumbing but never journals:
// rollback must not feed the journal it is draining.
type inverter struct {
	c *Client
}

func (v *inverter) CreateRecord(ctx context.Context, mdl string, values map[string]interface{}) (int64, error) {
	var id int64
	if err := v.c.execute(ctx, mdl, "create", []interface{}{values}, nil, &id); err != nil {
		return 0, err
	}
	v.c.invalidate(ctx, mdl)
	return id, nil
}

func (v *inverter) WriteRecords(ctx context.Context, mdl string, ids []int64, values map[string]interface{}) error {
	if err := v.c.execute(ctx, mdl, "write", []interface{}{ids, values}, nil, nil); err != nil {
		return err
	}
	v.c.invalidate(ctx, mdl)
	return nil
}

func (v *inverter) UnlinkRecords(ctx context.Context, mdl string, ids []int64) error {
	if err := v.c.execute(ctx, mdl, "unlink", []interface{}{ids}, nil, nil); err != nil {
		return err
	}
	v.c.invalidate(ctx, mdl)
	return nil
}
