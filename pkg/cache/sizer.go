package cache

import (
	"encoding/json"
	"fmt"
)

// Sizer estimates the serialized size of a value for the memory budget.
type Sizer[V any] interface {
	Size(v V) (int64, error)
}

// SizerFunc adapts a function to the Sizer interface.
type SizerFunc[V any] func(v V) (int64, error)

// Size implements Sizer.
func (f SizerFunc[V]) Size(v V) (int64, error) {
	return f(v)
}

// JSONSizer sizes values by the length of their JSON encoding. It is the
// default when no Sizer is given.
func JSONSizer[V any]() Sizer[V] {
	return SizerFunc[V](func(v V) (int64, error) {
		data, err := json.Marshal(v)
		if err != nil {
			return 0, fmt.Errorf("marshal value: %w", err)
		}
		return int64(len(data)), nil
	})
}

// BytesSizer sizes byte slices by their length.
func BytesSizer() Sizer[[]byte] {
	return SizerFunc[[]byte](func(v []byte) (int64, error) {
		return int64(len(v)), nil
	})
}

// StringSizer sizes strings by their length in bytes.
func StringSizer() Sizer[string] {
	return SizerFunc[string](func(v string) (int64, error) {
		return int64(len(v)), nil
	})
}
