package storage

import (
	"context"
	"encoding/json"
	"fmt"
)

// EnabledKey is where a module's on/off toggle lives.
func EnabledKey(id string) string { return "module_" + id + "_enabled" }

// ConfigKey is where a module's config object lives.
func ConfigKey(id string) string { return "module_" + id + "_config" }

// Load decodes key into T, returning def when the key is absent.
func Load[T any](ctx context.Context, st Store, key string, def T) (T, error) {
	if st == nil {
		return def, nil
	}
	b, ok, err := st.Get(ctx, key)
	if err != nil {
		return def, fmt.Errorf("storage get %s: %w", key, err)
	}
	if !ok || len(b) == 0 {
		return def, nil
	}
	var out T
	if err := json.Unmarshal(b, &out); err != nil {
		return def, fmt.Errorf("storage decode %s: %w", key, err)
	}
	return out, nil
}

// Save encodes v as JSON under key.
func Save(ctx context.Context, st Store, key string, v any) error {
	if st == nil {
		return nil
	}
	b, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("storage encode %s: %w", key, err)
	}
	if err := st.Put(ctx, key, b); err != nil {
		return fmt.Errorf("storage put %s: %w", key, err)
	}
	return nil
}
