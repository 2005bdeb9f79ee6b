// Package store persists the session's credentials between process restarts.
package store

import (
	"context"
	"strconv"
	"time"
)

// Persisted field names. Values are strings; token_expiry is epoch milliseconds.
const (
	KeyAccess  = "access"
	KeyRefresh = "refresh"
	KeyExpiry  = "token_expiry"
)

// Store holds at most one session's credentials.
type Store interface {
	// Load returns the stored record. A missing record is an empty Record, not an error.
	Load(ctx context.Context) (Record, error)

	// Save writes every non-empty field of rec in one operation. Fields left
	// empty keep their stored value.
	Save(ctx context.Context, rec Record) error

	// Clear removes every stored field.
	Clear(ctx context.Context) error

	// Ping reports whether the backing storage is reachable.
	Ping(ctx context.Context) error
}

// Record is the persisted credential set.
type Record struct {
	Access  string
	Refresh string
	Expiry  time.Time
}

// Empty reports whether no field is set.
func (r Record) Empty() bool {
	return r.Access == "" && r.Refresh == "" && r.Expiry.IsZero()
}

// Fields encodes the non-empty fields of r.
func (r Record) Fields() map[string]string {
	fields := make(map[string]string, 3)
	if r.Access != "" {
		fields[KeyAccess] = r.Access
	}
	if r.Refresh != "" {
		fields[KeyRefresh] = r.Refresh
	}
	if !r.Expiry.IsZero() {
		fields[KeyExpiry] = strconv.FormatInt(r.Expiry.UnixMilli(), 10)
	}
	return fields
}

// RecordFromFields decodes persisted fields. A token_expiry that is not an
// integer is treated as absent.
func RecordFromFields(fields map[string]string) Record {
	rec := Record{
		Access:  fields[KeyAccess],
		Refresh: fields[KeyRefresh],
	}
	if ms, err := strconv.ParseInt(fields[KeyExpiry], 10, 64); err == nil {
		rec.Expiry = time.UnixMilli(ms)
	}
	return rec
}

// merge overlays the non-empty fields of update onto base.
func merge(base map[string]string, update Record) map[string]string {
	if base == nil {
		base = make(map[string]string, 3)
	}
	for k, v := range update.Fields() {
		base[k] = v
	}
	return base
}
