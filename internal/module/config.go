package module

import (
	"bytes"
	"encoding/json"
	"fmt"
	"time"
)

// Config is a flat, JSON-serialisable option map.
type Config map[string]any

// Clone returns a shallow copy.
func (c Config) Clone() Config {
	out := make(Config, len(c))
	for k, v := range c {
		out[k] = v
	}
	return out
}

// Merge overlays over on top of def. Keys only present in def survive, so
// options added in a newer build appear for users with older stored configs.
func Merge(def, over Config) Config {
	out := def.Clone()
	for k, v := range over {
		out[k] = v
	}
	return out
}

// Encode converts a typed config struct into a Config.
func Encode(v any) (Config, error) {
	b, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	var out Config
	if err := json.Unmarshal(b, &out); err != nil {
		return nil, err
	}
	return out, nil
}

// MustEncode is Encode for package-level defaults.
func MustEncode(v any) Config {
	c, err := Encode(v)
	if err != nil {
		panic(fmt.Sprintf("module: encode defaults: %v", err))
	}
	return c
}

// Decode overlays cfg onto def and returns the typed result.
// Unknown keys are rejected so typos surface as configuration errors.
func Decode[T any](cfg Config, def T) (T, error) {
	if len(cfg) == 0 {
		return def, nil
	}
	b, err := json.Marshal(cfg)
	if err != nil {
		return def, err
	}
	out := def
	dec := json.NewDecoder(bytes.NewReader(b))
	dec.DisallowUnknownFields()
	if err := dec.Decode(&out); err != nil {
		return def, fmt.Errorf("decode config: %w", err)
	}
	return out, nil
}

// Millis converts a millisecond option to a duration; negatives become 0.
func Millis(ms int) time.Duration {
	if ms <= 0 {
		return 0
	}
	return time.Duration(ms) * time.Millisecond
}
