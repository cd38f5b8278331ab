package model

import (
	"context"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func partnerDescriptor(t *testing.T) *Descriptor {
	t.Helper()
	reg := testRegistry(t)
	d, ok := reg.Get("res.partner")
	require.True(t, ok)
	return d
}

func TestMaterializeCoercions(t *testing.T) {
	d := partnerDescriptor(t)

	rec, err := Materialize(d, map[string]interface{}{
		"id":           float64(42),
		"name":         "Acme",
		"email":        false, // null, not boolean false
		"credit_limit": "1234.50",
		"is_company":   true,
		"birthdate":    "1999-12-31",
		"create_date":  "2024-06-01 10:30:00",
		"image":        "aGVsbG8=",
		"state":        "active",
		"country_id":   []interface{}{float64(3), "Belgium"},
		"child_ids":    []interface{}{float64(5), float64(6)},
		"category_ids": false,
		"x_custom":     "kept as-is",
	})
	require.NoError(t, err)

	assert.Equal(t, int64(42), rec.ID())
	assert.Equal(t, "res.partner", rec.Model())
	assert.Equal(t, "Acme", rec.Text("name"))

	email, present := rec.Get("email")
	assert.True(t, present)
	assert.Nil(t, email)

	assert.True(t, rec.Decimal("credit_limit").Equal(decimal.RequireFromString("1234.50")))
	assert.True(t, rec.Bool("is_company"))
	assert.Equal(t, time.Date(1999, 12, 31, 0, 0, 0, 0, time.UTC), rec.Time("birthdate"))
	assert.Equal(t, time.Date(2024, 6, 1, 10, 30, 0, 0, time.UTC), rec.Time("create_date"))
	assert.Equal(t, []byte("hello"), rec.Bytes("image"))
	assert.Equal(t, "active", rec.Text("state"))

	ref := rec.Reference("country_id")
	require.NotNil(t, ref)
	assert.Equal(t, int64(3), ref.ID())
	assert.Equal(t, "Belgium", ref.Display())
	assert.Equal(t, "res.country", ref.Target())

	children := rec.Collection("child_ids")
	require.NotNil(t, children)
	assert.Equal(t, []int64{5, 6}, children.IDs())

	categories := rec.Collection("category_ids")
	require.NotNil(t, categories)
	assert.Zero(t, categories.Len())

	custom, ok := rec.Extra("x_custom")
	assert.True(t, ok)
	assert.Equal(t, "kept as-is", custom)
}

func TestMaterializeBadValues(t *testing.T) {
	d := partnerDescriptor(t)

	tests := []struct {
		name string
		row  map[string]interface{}
	}{
		{"bad id", map[string]interface{}{"id": "forty-two"}},
		{"bad date", map[string]interface{}{"birthdate": "31/12/1999"}},
		{"bad decimal", map[string]interface{}{"credit_limit": "not a number"}},
		{"bad many2one", map[string]interface{}{"country_id": "Belgium"}},
		{"short pair", map[string]interface{}{"country_id": []interface{}{float64(3)}}},
		{"bad id list", map[string]interface{}{"child_ids": []interface{}{"five"}}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Materialize(d, tt.row)
			assert.Error(t, err)
		})
	}
}

// Untouched fields must replay the exact wire value, so a materialized
// record serializes back to what the server sent.
func TestSerializeRoundTrip(t *testing.T) {
	d := partnerDescriptor(t)

	row := map[string]interface{}{
		"id":           float64(42),
		"name":         "Acme",
		"email":        false,
		"credit_limit": "1234.50",
		"birthdate":    "1999-12-31",
		"country_id":   []interface{}{float64(3), "Belgium"},
		"child_ids":    []interface{}{float64(5), float64(6)},
		"x_custom":     map[string]interface{}{"nested": true},
	}
	rec, err := Materialize(d, row)
	require.NoError(t, err)

	out := rec.Serialize()
	assert.Equal(t, int64(42), out["id"])
	assert.Equal(t, "Acme", out["name"])
	assert.Equal(t, false, out["email"])
	assert.Equal(t, "1234.50", out["credit_limit"])
	assert.Equal(t, "1999-12-31", out["birthdate"])
	assert.Equal(t, int64(3), out["country_id"])
	assert.Equal(t, []interface{}{int64(5), int64(6)}, out["child_ids"])
	assert.Equal(t, row["x_custom"], out["x_custom"])
}

func TestSerializeDirtyFields(t *testing.T) {
	d := partnerDescriptor(t)
	rec, err := Materialize(d, map[string]interface{}{
		"id":          float64(1),
		"name":        "Old",
		"create_date": "2024-06-01 10:30:00",
	})
	require.NoError(t, err)

	rec.Set("name", "New")
	rec.Set("create_date", time.Date(2025, 1, 2, 3, 4, 5, 0, time.UTC))
	rec.Set("email", nil)

	out := rec.Serialize()
	assert.Equal(t, "New", out["name"])
	assert.Equal(t, "2025-01-02 03:04:05", out["create_date"])
	assert.Equal(t, false, out["email"])
}

func TestEncodeScalarForms(t *testing.T) {
	tests := []struct {
		name  string
		value interface{}
		want  interface{}
	}{
		{"nil to false", nil, false},
		{"date", time.Date(2024, 3, 15, 0, 0, 0, 0, time.UTC), "2024-03-15"},
		{"timestamp", time.Date(2024, 3, 15, 9, 0, 1, 0, time.UTC), "2024-03-15 09:00:01"},
		{"decimal", decimal.RequireFromString("10.25"), "10.25"},
		{"bytes", []byte("hi"), "aGk="},
		{"passthrough", int64(9), int64(9)},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, EncodeValue(tt.value))
		})
	}
}

func TestFieldNamesPresent(t *testing.T) {
	d := partnerDescriptor(t)
	rec, err := Materialize(d, map[string]interface{}{
		"id":         float64(1),
		"name":       "Acme",
		"country_id": false,
		"child_ids":  []interface{}{},
	})
	require.NoError(t, err)
	assert.Equal(t, []string{"child_ids", "country_id", "name"}, rec.FieldNamesPresent())
}

// fakeFetcher serves canned rows and counts reads.
type fakeFetcher struct {
	descriptor *Descriptor
	rows       map[int64]map[string]interface{}
	calls      int
}

func (f *fakeFetcher) FetchByIDs(_ context.Context, _ string, ids []int64) ([]*Record, error) {
	f.calls++
	var out []*Record
	for _, id := range ids {
		row, ok := f.rows[id]
		if !ok {
			continue
		}
		rec, err := Materialize(f.descriptor, row)
		if err != nil {
			return nil, err
		}
		out = append(out, rec)
	}
	return out, nil
}

func TestReferenceResolveMemoizes(t *testing.T) {
	reg := testRegistry(t)
	partner, _ := reg.Get("res.partner")
	country, _ := reg.Get("res.country")

	rec, err := Materialize(partner, map[string]interface{}{
		"id":         float64(1),
		"country_id": []interface{}{float64(3), "Belgium"},
	})
	require.NoError(t, err)

	fetcher := &fakeFetcher{descriptor: country, rows: map[int64]map[string]interface{}{
		3: {"id": float64(3), "name": "Belgium", "code": "BE"},
	}}

	ref := rec.Reference("country_id")
	first, err := ref.Resolve(context.Background(), fetcher)
	require.NoError(t, err)
	require.NotNil(t, first)
	assert.Equal(t, "BE", first.Text("code"))

	second, err := ref.Resolve(context.Background(), fetcher)
	require.NoError(t, err)
	assert.Same(t, first, second)
	assert.Equal(t, 1, fetcher.calls)
}

func TestReferenceResolveAbsent(t *testing.T) {
	reg := testRegistry(t)
	partner, _ := reg.Get("res.partner")

	rec, err := Materialize(partner, map[string]interface{}{
		"id":         float64(1),
		"country_id": false,
	})
	require.NoError(t, err)

	fetcher := &fakeFetcher{}
	resolved, err := rec.Reference("country_id").Resolve(context.Background(), fetcher)
	require.NoError(t, err)
	assert.Nil(t, resolved)
	assert.Zero(t, fetcher.calls)
}

func TestCollectionResolvePreservesOrder(t *testing.T) {
	reg := testRegistry(t)
	partner, _ := reg.Get("res.partner")

	rec, err := Materialize(partner, map[string]interface{}{
		"id":        float64(1),
		"child_ids": []interface{}{float64(6), float64(5)},
	})
	require.NoError(t, err)

	fetcher := &fakeFetcher{descriptor: partner, rows: map[int64]map[string]interface{}{
		5: {"id": float64(5), "name": "Five"},
		6: {"id": float64(6), "name": "Six"},
	}}

	children := rec.Collection("child_ids")
	resolved, err := children.Resolve(context.Background(), fetcher)
	require.NoError(t, err)
	require.Len(t, resolved, 2)
	assert.Equal(t, "Six", resolved[0].Text("name"))
	assert.Equal(t, "Five", resolved[1].Text("name"))

	_, err = children.Resolve(context.Background(), fetcher)
	require.NoError(t, err)
	assert.Equal(t, 1, fetcher.calls)
}

func TestInvalidateClearsResolution(t *testing.T) {
	reg := testRegistry(t)
	partner, _ := reg.Get("res.partner")
	country, _ := reg.Get("res.country")

	rec, err := Materialize(partner, map[string]interface{}{
		"id":         float64(1),
		"country_id": []interface{}{float64(3), "Belgium"},
		"child_ids":  []interface{}{float64(5)},
	})
	require.NoError(t, err)

	countries := &fakeFetcher{descriptor: country, rows: map[int64]map[string]interface{}{
		3: {"id": float64(3), "code": "BE"},
	}}
	_, err = rec.Reference("country_id").Resolve(context.Background(), countries)
	require.NoError(t, err)

	rec.Invalidate()
	assert.Nil(t, rec.Reference("country_id").Resolved())

	_, err = rec.Reference("country_id").Resolve(context.Background(), countries)
	require.NoError(t, err)
	assert.Equal(t, 2, countries.calls)
}
