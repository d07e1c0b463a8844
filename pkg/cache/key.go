package cache

import (
	"encoding/binary"
	"encoding/hex"
	"sort"

	"github.com/cespare/xxhash/v2"
)

// keySeparator splits the hashed fields. Fields are also length-prefixed, so
// the separator never has to be escaped.
const keySeparator = 0x1f

// Key identifies a cached result of an AI operation.
type Key struct {
	// Operation is the logical operation (e.g., "summarize", "grade-answer")
	Operation string

	// Input is the raw input text the operation runs on
	Input string

	// Params are optional operation parameters (e.g., {"lang": "en"})
	Params map[string]string
}

// String generates the deterministic cache key string.
// Format: operation:hash
//
// Example:
//
//	summarize:3b1f0c2a9d8e7f6a01c4e2b3d5f6a7b8
func (k Key) String() string {
	return HashKey(k.Operation, k.Input, k.Params)
}

// HashKey derives a short deterministic key from an operation, its input text
// and optional parameters. The operation is kept in clear so two operations
// never share a keyspace; the rest is a 128-bit digest built from two xxhash
// sums over an injective encoding of the fields.
func HashKey(operation, input string, params map[string]string) string {
	payload := encodeKeyPayload(operation, input, params)

	var sum [16]byte
	binary.BigEndian.PutUint64(sum[:8], xxhash.Sum64(payload))

	// Second lane: same payload behind a one-byte domain prefix.
	d := xxhash.New()
	_, _ = d.Write([]byte{keySeparator})
	_, _ = d.Write(payload)
	binary.BigEndian.PutUint64(sum[8:], d.Sum64())

	return operation + ":" + hex.EncodeToString(sum[:])
}

// encodeKeyPayload writes every field length-prefixed, with params sorted by
// name, so distinct inputs always produce distinct payloads.
func encodeKeyPayload(operation, input string, params map[string]string) []byte {
	size := len(operation) + len(input) + 16
	for name, value := range params {
		size += len(name) + len(value) + 12
	}
	buf := make([]byte, 0, size)

	buf = appendField(buf, operation)
	buf = appendField(buf, input)

	names := make([]string, 0, len(params))
	for name := range params {
		names = append(names, name)
	}
	sort.Strings(names)

	buf = binary.AppendUvarint(buf, uint64(len(names)))
	for _, name := range names {
		buf = appendField(buf, name)
		buf = appendField(buf, params[name])
	}
	return buf
}

func appendField(buf []byte, field string) []byte {
	buf = binary.AppendUvarint(buf, uint64(len(field)))
	buf = append(buf, field...)
	return append(buf, keySeparator)
}
