package cache

import (
	"strings"
	"testing"
)

func TestHashKey_Format(t *testing.T) {
	key := HashKey("summarize", "hello world", nil)

	if !strings.HasPrefix(key, "summarize:") {
		t.Errorf("HashKey() = %q, want prefix %q", key, "summarize:")
	}
	// operation + ":" + 32 hex chars
	if got, want := len(key), len("summarize:")+32; got != want {
		t.Errorf("len(HashKey()) = %d, want %d", got, want)
	}
}

func TestHashKey_Distinct(t *testing.T) {
	tests := []struct {
		name string
		a    Key
		b    Key
	}{
		{
			name: "different operation",
			a:    Key{Operation: "summarize", Input: "text"},
			b:    Key{Operation: "translate", Input: "text"},
		},
		{
			name: "different input",
			a:    Key{Operation: "summarize", Input: "text a"},
			b:    Key{Operation: "summarize", Input: "text b"},
		},
		{
			name: "separator moved between input and params",
			a:    Key{Operation: "op", Input: "a\x1fb", Params: map[string]string{"c": "d"}},
			b:    Key{Operation: "op", Input: "a", Params: map[string]string{"b\x1fc": "d"}},
		},
		{
			name: "param value moved into name",
			a:    Key{Operation: "op", Params: map[string]string{"ab": "c"}},
			b:    Key{Operation: "op", Params: map[string]string{"a": "bc"}},
		},
		{
			name: "nil params vs empty value param",
			a:    Key{Operation: "op", Input: "x"},
			b:    Key{Operation: "op", Input: "x", Params: map[string]string{"": ""}},
		},
		{
			name: "operation boundary",
			a:    Key{Operation: "ab", Input: "c"},
			b:    Key{Operation: "a", Input: "bc"},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if tt.a.String() == tt.b.String() {
				t.Errorf("keys collide: %q", tt.a.String())
			}
		})
	}
}

// TestHashKey_Determinism ensures same input always produces same key
func TestHashKey_Determinism(t *testing.T) {
	key := Key{
		Operation: "grade-answer",
		Input:     "The mitochondria is the powerhouse of the cell.",
		Params: map[string]string{
			"rubric":   "biology-101",
			"lang":     "en",
			"strictly": "true",
		},
	}

	first := key.String()
	for i := 0; i < 10; i++ {
		// Rebuild the map each time so iteration order varies.
		params := make(map[string]string, len(key.Params))
		for k, v := range key.Params {
			params[k] = v
		}
		if got := HashKey(key.Operation, key.Input, params); got != first {
			t.Errorf("result[%d] = %v, want %v (not deterministic)", i, got, first)
		}
	}
}
