package cache

import (
	"bytes"
	"compress/zlib"
	"encoding/gob"
	"encoding/json"
	"fmt"
	"io"
)

// Serializer converts cached values to and from the byte form backends
// store.
type Serializer interface {
	Name() string
	Marshal(value interface{}) ([]byte, error)
	Unmarshal(data []byte, dest interface{}) error
}

// NewSerializer returns the serializer registered under name: "json",
// "gob" for opaque binary, or "compact" for zlib-compressed JSON.
func NewSerializer(name string) (Serializer, error) {
	switch name {
	case "", "json":
		return jsonSerializer{}, nil
	case "gob":
		return gobSerializer{}, nil
	case "compact":
		return compactSerializer{}, nil
	}
	return nil, fmt.Errorf("cache: unknown serializer %q", name)
}

type jsonSerializer struct{}

func (jsonSerializer) Name() string { return "json" }

func (jsonSerializer) Marshal(value interface{}) ([]byte, error) {
	return json.Marshal(value)
}

func (jsonSerializer) Unmarshal(data []byte, dest interface{}) error {
	return json.Unmarshal(data, dest)
}

type gobSerializer struct{}

func (gobSerializer) Name() string { return "gob" }

func (gobSerializer) Marshal(value interface{}) ([]byte, error) {
	var buf bytes.Buffer
	if err := gob.NewEncoder(&buf).Encode(value); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func (gobSerializer) Unmarshal(data []byte, dest interface{}) error {
	return gob.NewDecoder(bytes.NewReader(data)).Decode(dest)
}

type compactSerializer struct{}

func (compactSerializer) Name() string { return "compact" }

func (compactSerializer) Marshal(value interface{}) ([]byte, error) {
	raw, err := json.Marshal(value)
	if err != nil {
		return nil, err
	}
	var buf bytes.Buffer
	w := zlib.NewWriter(&buf)
	if _, err := w.Write(raw); err != nil {
		return nil, err
	}
	if err := w.Close(); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func (compactSerializer) Unmarshal(data []byte, dest interface{}) error {
	r, err := zlib.NewReader(bytes.NewReader(data))
	if err != nil {
		return err
	}
	defer r.Close()
	raw, err := io.ReadAll(r)
	if err != nil {
		return err
	}
	return json.Unmarshal(raw, dest)
}
