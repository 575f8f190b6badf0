// SPDX-License-Identifier: MIT
// SPDX-FileCopyrightText: 2022 mochi-mqtt, mochi-co

package index

import (
	"sync"

	"github.com/CarlKong/mqttx"
)

// RecordBucket is the set of subscriber records for a single filter,
// keyed on (ClientID, Filter, ShareGroup) so that re-subscribing with a
// different QoS replaces the existing record in place (invariant 5).
type RecordBucket struct {
	mu sync.RWMutex
	m  map[string]mqttx.Record
}

// NewRecordBucket returns an empty RecordBucket.
func NewRecordBucket() *RecordBucket {
	return &RecordBucket{m: map[string]mqttx.Record{}}
}

// Put inserts r, replacing any existing record with the same key (QoS upgrade/downgrade).
func (b *RecordBucket) Put(r mqttx.Record) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.m[r.Key()] = r
}

// Delete removes the record for (clientID, shareGroup), returning it if present.
func (b *RecordBucket) Delete(clientID, filter, shareGroup string) (mqttx.Record, bool) {
	key := mqttx.Record{ClientID: clientID, Filter: filter, ShareGroup: shareGroup}.Key()
	b.mu.Lock()
	defer b.mu.Unlock()
	r, ok := b.m[key]
	if ok {
		delete(b.m, key)
	}
	return r, ok
}

// DeleteByClientID removes every record belonging to clientID regardless of
// share group, returning the removed records. Used by clearClientSubscriptions's
// shared-subscription sweep, since clientToFilters does not carry the share group.
func (b *RecordBucket) DeleteByClientID(clientID string) []mqttx.Record {
	b.mu.Lock()
	defer b.mu.Unlock()
	var removed []mqttx.Record
	for k, r := range b.m {
		if r.ClientID == clientID {
			removed = append(removed, r)
			delete(b.m, k)
		}
	}
	return removed
}

// Len returns the number of records in the bucket.
func (b *RecordBucket) Len() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.m)
}

// Snapshot returns a weakly-consistent copy of every record in the bucket.
func (b *RecordBucket) Snapshot() []mqttx.Record {
	b.mu.RLock()
	defer b.mu.RUnlock()
	out := make([]mqttx.Record, 0, len(b.m))
	for _, r := range b.m {
		out = append(out, r)
	}
	return out
}

// BucketMap is a concurrency-safe map of filter to RecordBucket.
type BucketMap struct {
	mu sync.RWMutex
	m  map[string]*RecordBucket
}

// NewBucketMap returns an empty BucketMap.
func NewBucketMap() *BucketMap {
	return &BucketMap{m: map[string]*RecordBucket{}}
}

// GetOrCreate returns the bucket for filter, creating it on demand.
func (bm *BucketMap) GetOrCreate(filter string) *RecordBucket {
	bm.mu.RLock()
	b, ok := bm.m[filter]
	bm.mu.RUnlock()
	if ok {
		return b
	}

	bm.mu.Lock()
	defer bm.mu.Unlock()
	if b, ok = bm.m[filter]; ok {
		return b
	}
	b = NewRecordBucket()
	bm.m[filter] = b
	return b
}

// Get returns the bucket for filter, if one exists.
func (bm *BucketMap) Get(filter string) (*RecordBucket, bool) {
	bm.mu.RLock()
	defer bm.mu.RUnlock()
	b, ok := bm.m[filter]
	return b, ok
}

// Delete removes the bucket entry for filter. The spec permits leaving the
// entry behind on empty; callers that want a clean map call this explicitly.
func (bm *BucketMap) Delete(filter string) {
	bm.mu.Lock()
	defer bm.mu.Unlock()
	delete(bm.m, filter)
}

// Filters returns a weakly-consistent snapshot of every filter with a bucket.
func (bm *BucketMap) Filters() []string {
	bm.mu.RLock()
	defer bm.mu.RUnlock()
	out := make([]string, 0, len(bm.m))
	for f := range bm.m {
		out = append(out, f)
	}
	return out
}
