// SPDX-License-Identifier: MIT
// SPDX-FileCopyrightText: 2022 mochi-mqtt, mochi-co

package index

import (
	"sync"

	"github.com/CarlKong/mqttx"
)

// Tier is one of the ephemeral or durable-cache subscription tables: a
// wildcard-filter set, a concrete-filter set, and the filter->subscribers
// buckets. Invariant 1/2 of the spec (a filter is in exactly one of the two
// sets iff its bucket is non-empty) is maintained by Add/Remove together.
type Tier struct {
	Wildcard *StringSet
	Concrete *StringSet
	Buckets  *BucketMap
}

// NewTier returns an empty Tier.
func NewTier() *Tier {
	return &Tier{
		Wildcard: NewStringSet(),
		Concrete: NewStringSet(),
		Buckets:  NewBucketMap(),
	}
}

// filterSet returns the wildcard or concrete set that filter belongs to.
func (t *Tier) filterSet(filter string) *StringSet {
	if mqttx.IsWildcard(filter) {
		return t.Wildcard
	}
	return t.Concrete
}

// Add inserts r into its filter's bucket and classifies the filter into the
// wildcard or concrete set. Returns true if the record was new (not a QoS
// update of an existing one).
func (t *Tier) Add(r mqttx.Record) bool {
	b := t.Buckets.GetOrCreate(r.Filter)
	_, existed := b.Delete(r.ClientID, r.Filter, r.ShareGroup)
	b.Put(r)
	t.filterSet(r.Filter).Add(r.Filter)
	return !existed
}

// Remove deletes the record identified by (clientID, filter, shareGroup). If
// the filter's bucket becomes empty, the filter is dropped from its
// wildcard/concrete set. Returns true if a record was removed, and true for
// emptied if the bucket was left with no subscribers.
func (t *Tier) Remove(clientID, filter, shareGroup string) (removed bool, emptied bool) {
	b, ok := t.Buckets.Get(filter)
	if !ok {
		return false, false
	}

	_, removed = b.Delete(clientID, filter, shareGroup)
	if !removed {
		return false, false
	}

	if b.Len() == 0 {
		t.filterSet(filter).Remove(filter)
		emptied = true
	}

	return true, emptied
}

// Match returns every record whose filter matches topic, scanning the
// wildcard set with TopicUtils.Match and doing an O(1) lookup against the
// concrete set.
func (t *Tier) Match(topic string) []mqttx.Record {
	var out []mqttx.Record

	for _, filter := range t.Wildcard.Snapshot() {
		if mqttx.Match(topic, filter) {
			if b, ok := t.Buckets.Get(filter); ok {
				out = append(out, b.Snapshot()...)
			}
		}
	}

	if t.Concrete.Contains(topic) {
		if b, ok := t.Buckets.Get(topic); ok {
			out = append(out, b.Snapshot()...)
		}
	}

	return out
}

// ClientFilterMap tracks, for the ephemeral tier only, which filters a
// client currently holds (invariant 3). The durable tier has no equivalent;
// the external store owns that relation there.
type ClientFilterMap struct {
	mu       sync.RWMutex
	byClient map[string]*StringSet
}

// NewClientFilterMap returns an empty ClientFilterMap.
func NewClientFilterMap() *ClientFilterMap {
	return &ClientFilterMap{byClient: map[string]*StringSet{}}
}

// setFor returns clientID's filter set, creating it on demand.
func (c *ClientFilterMap) setFor(clientID string) *StringSet {
	c.mu.RLock()
	s, ok := c.byClient[clientID]
	c.mu.RUnlock()
	if ok {
		return s
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if s, ok = c.byClient[clientID]; ok {
		return s
	}
	s = NewStringSet()
	c.byClient[clientID] = s
	return s
}

// Add records that clientID holds filter.
func (c *ClientFilterMap) Add(clientID, filter string) {
	c.setFor(clientID).Add(filter)
}

// Remove records that clientID no longer holds filter.
func (c *ClientFilterMap) Remove(clientID, filter string) {
	c.mu.RLock()
	s, ok := c.byClient[clientID]
	c.mu.RUnlock()
	if ok {
		s.Remove(filter)
	}
}

// Take removes and returns every filter clientID held, clearing its entry.
func (c *ClientFilterMap) Take(clientID string) []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	s, ok := c.byClient[clientID]
	if !ok {
		return nil
	}
	delete(c.byClient, clientID)
	return s.Snapshot()
}
