package model

import (
	"context"
	"encoding/base64"
	"fmt"
	"sort"
	"time"

	"github.com/shopspring/decimal"
)

// Wire formats the server uses for temporal fields.
const (
	DateFormat      = "2006-01-02"
	TimestampFormat = "2006-01-02 15:04:05"
)

// Fetcher reads records of a model by id. It is implemented by the client
// and consumed by relationship resolution so this package never depends on
// the transport.
type Fetcher interface {
	// FetchByIDs reads the given ids of model with the default
	// projection. Missing ids are silently absent from the result.
	FetchByIDs(ctx context.Context, model string, ids []int64) ([]*Record, error)
}

// Record is a typed view of one server row. It carries the server id (zero
// for unsaved records), the coerced scalar fields, a side-bag of unknown
// keys that survives round-trips, and one resolution slot per relationship
// field.
//
// Records are owned by the session that produced them; sharing a record
// across sessions is undefined.
type Record struct {
	descriptor *Descriptor
	id         int64

	values map[string]interface{}
	raw    map[string]interface{}
	dirty  map[string]bool
	extra  map[string]interface{}

	refs        map[string]*Reference
	collections map[string]*Collection
}

// Materialize coerces a server row into a typed record using the model
// descriptor.
//
// Coercions applied per semantic type:
//   - date/timestamp: ISO strings become time.Time
//   - decimal: string or number becomes a decimal value
//   - integer: JSON numbers become int64
//   - bytes: base64 text becomes []byte
//   - many2one: false means absent; an [id, display] pair is stored
//     unresolved with both id and display captured
//   - one2many/many2many: the id list is stored unresolved
//   - any scalar equal to false on a non-boolean field means null
//
// Keys not covered by the descriptor are retained in a side-bag and
// reappear on Serialize.
func Materialize(d *Descriptor, row map[string]interface{}) (*Record, error) {
	rec := &Record{
		descriptor:  d,
		values:      make(map[string]interface{}),
		raw:         make(map[string]interface{}),
		dirty:       make(map[string]bool),
		extra:       make(map[string]interface{}),
		refs:        make(map[string]*Reference),
		collections: make(map[string]*Collection),
	}

	for key, value := range row {
		if key == "id" {
			id, err := toInt64(value)
			if err != nil {
				return nil, fmt.Errorf("model %s: bad id %v: %w", d.name, value, err)
			}
			rec.id = id
			continue
		}
		field, known := d.Field(key)
		if !known {
			rec.extra[key] = value
			continue
		}
		rec.raw[key] = value

		switch field.Type {
		case TypeMany2One:
			ref, err := decodeReference(field, value)
			if err != nil {
				return nil, fmt.Errorf("model %s: field %s: %w", d.name, key, err)
			}
			rec.refs[key] = ref
		case TypeOne2Many, TypeMany2Many:
			ids, err := decodeIDList(value)
			if err != nil {
				return nil, fmt.Errorf("model %s: field %s: %w", d.name, key, err)
			}
			rec.collections[key] = &Collection{field: field, ids: ids}
		default:
			coerced, err := coerceScalar(field, value)
			if err != nil {
				return nil, fmt.Errorf("model %s: field %s: %w", d.name, key, err)
			}
			rec.values[key] = coerced
		}
	}
	return rec, nil
}

// ID returns the server id, or 0 for unsaved records.
func (r *Record) ID() int64 { return r.id }

// Model returns the canonical model name.
func (r *Record) Model() string { return r.descriptor.Name() }

// Descriptor returns the model metadata.
func (r *Record) Descriptor() *Descriptor { return r.descriptor }

// Get returns the coerced value of a scalar field and whether it was
// present in the materialized payload. Null fields are present with a nil
// value.
func (r *Record) Get(field string) (interface{}, bool) {
	v, ok := r.values[field]
	return v, ok
}

// Set replaces a scalar value locally and marks the field dirty, so
// Serialize re-encodes it instead of replaying the captured wire value.
func (r *Record) Set(field string, value interface{}) {
	r.values[field] = value
	r.dirty[field] = true
}

// Text returns a text/selection field, or "" when absent or null.
func (r *Record) Text(field string) string {
	if v, ok := r.values[field].(string); ok {
		return v
	}
	return ""
}

// Int returns an integer field, or 0 when absent or null.
func (r *Record) Int(field string) int64 {
	if v, ok := r.values[field].(int64); ok {
		return v
	}
	return 0
}

// Float returns a number field, or 0 when absent or null.
func (r *Record) Float(field string) float64 {
	if v, ok := r.values[field].(float64); ok {
		return v
	}
	return 0
}

// Decimal returns a decimal field, or zero when absent or null.
func (r *Record) Decimal(field string) decimal.Decimal {
	if v, ok := r.values[field].(decimal.Decimal); ok {
		return v
	}
	return decimal.Zero
}

// Bool returns a boolean field; absent and null read as false.
func (r *Record) Bool(field string) bool {
	if v, ok := r.values[field].(bool); ok {
		return v
	}
	return false
}

// Time returns a date or timestamp field, or the zero time when absent or
// null.
func (r *Record) Time(field string) time.Time {
	if v, ok := r.values[field].(time.Time); ok {
		return v
	}
	return time.Time{}
}

// Bytes returns a bytes field, or nil.
func (r *Record) Bytes(field string) []byte {
	if v, ok := r.values[field].([]byte); ok {
		return v
	}
	return nil
}

// Extra returns the side-bag value for a key the descriptor does not cover.
func (r *Record) Extra(key string) (interface{}, bool) {
	v, ok := r.extra[key]
	return v, ok
}

// Reference returns the resolution slot of a many2one field, or nil when
// the field was not part of the payload.
func (r *Record) Reference(field string) *Reference {
	return r.refs[field]
}

// Collection returns the resolution slot of a to-many field, or nil when
// the field was not part of the payload.
func (r *Record) Collection(field string) *Collection {
	return r.collections[field]
}

// Invalidate clears every relationship resolution slot. Resolution is
// monotone otherwise: once a slot holds records it keeps them until the
// record is invalidated explicitly or through a write.
func (r *Record) Invalidate() {
	for _, ref := range r.refs {
		ref.invalidate()
	}
	for _, col := range r.collections {
		col.invalidate()
	}
}

// Serialize produces the wire form of the record: scalar fields, the id
// when present, and the side-bag. Fields never touched by Set replay the
// exact value the server sent, so materialization round-trips byte-for-byte
// on its scalar fields; dirty fields are re-encoded (times to ISO strings,
// decimals to text, nil to false). Relationship fields emit the bare id
// (ignoring display-name sugar) or false when absent; to-many fields emit
// their id lists.
func (r *Record) Serialize() map[string]interface{} {
	out := make(map[string]interface{})
	if r.id != 0 {
		out["id"] = r.id
	}
	for field, value := range r.values {
		if !r.dirty[field] {
			if raw, ok := r.raw[field]; ok {
				out[field] = raw
				continue
			}
		}
		out[field] = encodeScalar(value)
	}
	for field, ref := range r.refs {
		if ref.id == 0 {
			out[field] = false
		} else {
			out[field] = ref.id
		}
	}
	for field, col := range r.collections {
		ids := make([]interface{}, len(col.ids))
		for i, id := range col.ids {
			ids[i] = id
		}
		out[field] = ids
	}
	for key, value := range r.extra {
		out[key] = value
	}
	return out
}

// FieldNamesPresent returns the materialized field names, sorted, which is
// what before-image capture journals for compensating updates.
func (r *Record) FieldNamesPresent() []string {
	names := make([]string, 0, len(r.values)+len(r.refs)+len(r.collections))
	for name := range r.values {
		names = append(names, name)
	}
	for name := range r.refs {
		names = append(names, name)
	}
	for name := range r.collections {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// coerceScalar converts one wire value to its typed form.
func coerceScalar(field Field, value interface{}) (interface{}, error) {
	// The server encodes null as false for every non-boolean type.
	if value == nil {
		return nil, nil
	}
	if b, isBool := value.(bool); isBool && !b && field.Type != TypeBoolean {
		return nil, nil
	}

	switch field.Type {
	case TypeText, TypeSelection:
		s, ok := value.(string)
		if !ok {
			return nil, fmt.Errorf("expected string, got %T", value)
		}
		return s, nil
	case TypeInteger:
		return toInt64(value)
	case TypeNumber:
		switch v := value.(type) {
		case float64:
			return v, nil
		case int64:
			return float64(v), nil
		case int:
			return float64(v), nil
		}
		return nil, fmt.Errorf("expected number, got %T", value)
	case TypeDecimal:
		switch v := value.(type) {
		case string:
			return decimal.NewFromString(v)
		case float64:
			return decimal.NewFromFloat(v), nil
		case int64:
			return decimal.NewFromInt(v), nil
		case int:
			return decimal.NewFromInt(int64(v)), nil
		}
		return nil, fmt.Errorf("expected decimal string or number, got %T", value)
	case TypeBoolean:
		b, ok := value.(bool)
		if !ok {
			return nil, fmt.Errorf("expected bool, got %T", value)
		}
		return b, nil
	case TypeDate:
		s, ok := value.(string)
		if !ok {
			return nil, fmt.Errorf("expected date string, got %T", value)
		}
		return time.Parse(DateFormat, s)
	case TypeTimestamp:
		s, ok := value.(string)
		if !ok {
			return nil, fmt.Errorf("expected timestamp string, got %T", value)
		}
		if t, err := time.Parse(TimestampFormat, s); err == nil {
			return t, nil
		}
		return time.Parse(time.RFC3339, s)
	case TypeBytes:
		s, ok := value.(string)
		if !ok {
			return nil, fmt.Errorf("expected base64 string, got %T", value)
		}
		return base64.StdEncoding.DecodeString(s)
	}
	return value, nil
}

// encodeScalar converts a typed value back to its wire form.
func encodeScalar(value interface{}) interface{} {
	switch v := value.(type) {
	case nil:
		return false
	case time.Time:
		if v.Hour() == 0 && v.Minute() == 0 && v.Second() == 0 && v.Nanosecond() == 0 {
			return v.Format(DateFormat)
		}
		return v.Format(TimestampFormat)
	case decimal.Decimal:
		return v.String()
	case []byte:
		return base64.StdEncoding.EncodeToString(v)
	default:
		return v
	}
}

// EncodeValue exposes the scalar wire encoding for callers that assemble
// write payloads by hand (domain compilation, update values).
func EncodeValue(value interface{}) interface{} {
	return encodeScalar(value)
}

func toInt64(value interface{}) (int64, error) {
	switch v := value.(type) {
	case int64:
		return v, nil
	case int:
		return int64(v), nil
	case float64:
		return int64(v), nil
	case interface{ Int64() (int64, error) }:
		// Covers json.Number without importing encoding/json here.
		return v.Int64()
	}
	return 0, fmt.Errorf("expected integer, got %T", value)
}
