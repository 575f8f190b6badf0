// SPDX-License-Identifier: MIT
// SPDX-FileCopyrightText: 2022 mochi-mqtt, mochi-co

// Package store defines the abstract durable map/set service the
// subscription service depends on for cleanSession=false subscriptions.
// The persistent KV store itself is out of this module's scope (spec.md
// §1); only the contract and a Redis-backed adapter (store/redis) live here.
package store

import "context"

// Entry is one field/value pair returned by HashEntries.
type Entry struct {
	Field string
	Value string
}

// DurableStore is the contract the subscription service composes with
// concurrent join semantics (spec §4.5, §5). All operations are
// asynchronous from the caller's point of view in the original design;
// in Go that is expressed with a context.Context and blocking calls that
// the caller runs inside a goroutine/errgroup when it wants concurrency.
type DurableStore interface {
	// HashPut sets field=value in the hash stored at key.
	HashPut(ctx context.Context, key, field, value string) error

	// HashRemove deletes field from the hash stored at key.
	HashRemove(ctx context.Context, key, field string) error

	// HashEntries returns every field/value pair in the hash stored at key.
	HashEntries(ctx context.Context, key string) ([]Entry, error)

	// SetAdd adds member to the set stored at key.
	SetAdd(ctx context.Context, key, member string) error

	// SetRemove removes one or more members from the set stored at key.
	SetRemove(ctx context.Context, key string, members ...string) error

	// SetMembers returns every member of the set stored at key.
	SetMembers(ctx context.Context, key string) ([]string, error)

	// Delete removes key entirely.
	Delete(ctx context.Context, key string) error
}
