package model

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestCommandEncoding(t *testing.T) {
	values := map[string]interface{}{"name": "line"}

	tests := []struct {
		name    string
		command Command
		want    []interface{}
	}{
		{"create", CreateRelated(values), []interface{}{0, 0, values}},
		{"update", UpdateRelated(7, values), []interface{}{1, int64(7), values}},
		{"delete", DeleteRelated(7), []interface{}{2, int64(7), 0}},
		{"unlink", Unlink(7), []interface{}{3, int64(7), 0}},
		{"link", Link(7), []interface{}{4, int64(7), 0}},
		{"clear", ClearLinks(), []interface{}{5, 0, 0}},
		{"replace", Replace(1, 2, 3), []interface{}{6, 0, []interface{}{int64(1), int64(2), int64(3)}}},
		{"replace empty", Replace(), []interface{}{6, 0, []interface{}{}}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, tt.command.Encode())
		})
	}
}

func TestEncodeCommands(t *testing.T) {
	got := EncodeCommands(Link(4), ClearLinks())
	assert.Equal(t, []interface{}{
		[]interface{}{4, int64(4), 0},
		[]interface{}{5, 0, 0},
	}, got)
}
