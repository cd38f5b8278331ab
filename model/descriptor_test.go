package model

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testRegistry(t *testing.T) *Registry {
	t.Helper()
	reg := NewRegistry()

	partner, err := NewDescriptor("res.partner",
		Field{Name: "name", Type: TypeText, Required: true},
		Field{Name: "email", Type: TypeText},
		Field{Name: "credit_limit", Type: TypeDecimal},
		Field{Name: "is_company", Type: TypeBoolean},
		Field{Name: "birthdate", Type: TypeDate},
		Field{Name: "create_date", Type: TypeTimestamp},
		Field{Name: "image", Type: TypeBytes},
		Field{Name: "state", Type: TypeSelection, Selection: []string{"draft", "active"}},
		Field{Name: "country_id", Type: TypeMany2One, Relation: "res.country"},
		Field{Name: "child_ids", Type: TypeOne2Many, Relation: "res.partner", Inverse: "parent_id"},
		Field{Name: "parent_id", Type: TypeMany2One, Relation: "res.partner"},
		Field{Name: "category_ids", Type: TypeMany2Many, Relation: "res.partner.category"},
	)
	require.NoError(t, err)
	reg.MustRegister(partner)

	country, err := NewDescriptor("res.country",
		Field{Name: "name", Type: TypeText},
		Field{Name: "code", Type: TypeText},
	)
	require.NoError(t, err)
	reg.MustRegister(country)

	category, err := NewDescriptor("res.partner.category",
		Field{Name: "name", Type: TypeText},
	)
	require.NoError(t, err)
	reg.MustRegister(category)

	return reg
}

func TestNewDescriptorValidation(t *testing.T) {
	tests := []struct {
		name   string
		fields []Field
	}{
		{"empty field name", []Field{{Name: "", Type: TypeText}}},
		{"explicit id", []Field{{Name: "id", Type: TypeInteger}}},
		{"duplicate field", []Field{{Name: "a", Type: TypeText}, {Name: "a", Type: TypeText}}},
		{"relational without target", []Field{{Name: "rel", Type: TypeMany2One}}},
		{"one2many without inverse", []Field{{Name: "rel", Type: TypeOne2Many, Relation: "other"}}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := NewDescriptor("m", tt.fields...)
			assert.Error(t, err)
		})
	}

	_, err := NewDescriptor("")
	assert.Error(t, err)
}

func TestDescriptorFieldOrder(t *testing.T) {
	d, err := NewDescriptor("m",
		Field{Name: "c", Type: TypeText},
		Field{Name: "a", Type: TypeText},
		Field{Name: "b", Type: TypeText},
	)
	require.NoError(t, err)
	assert.Equal(t, []string{"c", "a", "b"}, d.FieldNames())
}

func TestRegistryRejectsRedefinition(t *testing.T) {
	reg := NewRegistry()
	d, err := NewDescriptor("m", Field{Name: "a", Type: TypeText})
	require.NoError(t, err)
	require.NoError(t, reg.Register(d))
	assert.Error(t, reg.Register(d))
}

func TestResolvePath(t *testing.T) {
	reg := testRegistry(t)
	partner, ok := reg.Get("res.partner")
	require.True(t, ok)

	tests := []struct {
		path    string
		want    string
		wantErr bool
	}{
		{path: "name", want: "name"},
		{path: "country_id", want: "country_id"},
		{path: "country_id.code", want: "code"},
		{path: "parent_id.country_id.name", want: "name"},
		{path: "child_ids.email", want: "email"},
		{path: "country_id.id", want: "id"},
		{path: "id", want: "id"},
		{path: "missing", wantErr: true},
		{path: "name.code", wantErr: true},
		{path: "country_id.missing", wantErr: true},
		{path: "id.name", wantErr: true},
		{path: "", wantErr: true},
	}
	for _, tt := range tests {
		t.Run(tt.path, func(t *testing.T) {
			field, err := reg.ResolvePath(partner, tt.path)
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, field.Name)
		})
	}
}
