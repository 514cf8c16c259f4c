// Package storage persists module runtime state.
//
// Values are opaque JSON documents addressed by flat string keys
// (see EnabledKey / ConfigKey). Drivers: memory, file, sqlite.
package storage
