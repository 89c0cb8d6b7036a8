package cache

import (
	"strings"
	"testing"
)

func TestKeyerDeterminism(t *testing.T) {
	k := NewDefaultKeyer()

	// Same logical arguments, different map construction order.
	args1 := map[string]any{
		"query": "golang",
		"page":  float64(2),
		"filters": map[string]any{
			"lang": "en",
			"safe": true,
		},
	}
	args2 := map[string]any{
		"filters": map[string]any{
			"safe": true,
			"lang": "en",
		},
		"page":  float64(2),
		"query": "golang",
	}

	key1, err := k.Key("search", args1)
	if err != nil {
		t.Fatalf("Key() error = %v", err)
	}
	key2, err := k.Key("search", args2)
	if err != nil {
		t.Fatalf("Key() error = %v", err)
	}

	if key1 != key2 {
		t.Errorf("keys differ for identical logical arguments: %q vs %q", key1, key2)
	}
}

func TestKeyerDistinguishesArguments(t *testing.T) {
	k := NewDefaultKeyer()

	key1, _ := k.Key("search", map[string]any{"query": "golang"})
	key2, _ := k.Key("search", map[string]any{"query": "rust"})
	if key1 == key2 {
		t.Error("different arguments produced the same key")
	}

	key3, _ := k.Key("lookup", map[string]any{"query": "golang"})
	if key1 == key3 {
		t.Error("different tools produced the same key")
	}
}

func TestKeyerArrayOrderSignificant(t *testing.T) {
	k := NewDefaultKeyer()

	key1, _ := k.Key("batch", map[string]any{"ids": []any{"a", "b"}})
	key2, _ := k.Key("batch", map[string]any{"ids": []any{"b", "a"}})
	if key1 == key2 {
		t.Error("array element order must stay significant")
	}
}

func TestKeyerNilArguments(t *testing.T) {
	k := NewDefaultKeyer()

	key1, err := k.Key("ping", nil)
	if err != nil {
		t.Fatalf("Key(nil) error = %v", err)
	}
	key2, _ := k.Key("ping", nil)
	if key1 != key2 {
		t.Error("nil arguments not deterministic")
	}
}

func TestKeyerFormat(t *testing.T) {
	k := NewDefaultKeyer()

	key, err := k.Key("search", map[string]any{"q": "x"})
	if err != nil {
		t.Fatalf("Key() error = %v", err)
	}

	if !strings.HasPrefix(key, "tool:search:") {
		t.Errorf("key = %q, want prefix %q", key, "tool:search:")
	}
	hash := strings.TrimPrefix(key, "tool:search:")
	if len(hash) != 16 {
		t.Errorf("hash length = %d, want 16 hex characters", len(hash))
	}
}

func TestValidateKey(t *testing.T) {
	tests := []struct {
		name    string
		key     string
		wantErr error
	}{
		{name: "valid", key: "tool:search:abc123", wantErr: nil},
		{name: "empty", key: "", wantErr: ErrInvalidKey},
		{name: "whitespace only", key: "   ", wantErr: ErrInvalidKey},
		{name: "newline", key: "bad\nkey", wantErr: ErrInvalidKey},
		{name: "too long", key: strings.Repeat("x", MaxKeyLength+1), wantErr: ErrKeyTooLong},
		{name: "at limit", key: strings.Repeat("x", MaxKeyLength), wantErr: nil},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if err := ValidateKey(tt.key); err != tt.wantErr {
				t.Errorf("ValidateKey() = %v, want %v", err, tt.wantErr)
			}
		})
	}
}
