// SPDX-License-Identifier: MIT
// SPDX-FileCopyrightText: 2022 mochi-mqtt, mochi-co

package index

import "github.com/CarlKong/mqttx"

// InMemoryIndex holds the three subscription tables consulted on every
// PUBLISH: the ephemeral tier (cleanSession=true), the durable-tier cache
// (a local mirror of the external store, populated only when the inner
// cache is enabled), and the system-topic tier ($SYS subscriptions).
type InMemoryIndex struct {
	Ephemeral     *Tier
	EphemeralSubs *ClientFilterMap
	DurableCache  *Tier
	Sys           *SysTier
}

// NewInMemoryIndex returns an empty InMemoryIndex.
func NewInMemoryIndex() *InMemoryIndex {
	return &InMemoryIndex{
		Ephemeral:     NewTier(),
		EphemeralSubs: NewClientFilterMap(),
		DurableCache:  NewTier(),
		Sys:           NewSysTier(),
	}
}

// Search returns every record in the ephemeral and durable-cache tiers
// whose filter matches topic. The caller is responsible for also
// consulting the live durable store when the inner cache is disabled.
func (idx *InMemoryIndex) Search(topic string) []mqttx.Record {
	out := idx.Ephemeral.Match(topic)
	out = append(out, idx.DurableCache.Match(topic)...)
	return out
}

// SysTier is the $SYS subscription table: every filter is treated as
// potentially wildcard, so matching always scans (spec §4.4).
type SysTier struct {
	Buckets *BucketMap
}

// NewSysTier returns an empty SysTier.
func NewSysTier() *SysTier {
	return &SysTier{Buckets: NewBucketMap()}
}

// Add inserts r into its filter's bucket.
func (s *SysTier) Add(r mqttx.Record) {
	s.Buckets.GetOrCreate(r.Filter).Put(r)
}

// Remove deletes the record identified by (clientID, filter).
func (s *SysTier) Remove(clientID, filter string) {
	if b, ok := s.Buckets.Get(filter); ok {
		b.Delete(clientID, filter, "")
	}
}

// RemoveClient deletes every record belonging to clientID, across every filter.
func (s *SysTier) RemoveClient(clientID string) {
	for _, filter := range s.Buckets.Filters() {
		if b, ok := s.Buckets.Get(filter); ok {
			b.DeleteByClientID(clientID)
		}
	}
}

// Match scans every registered filter and returns the records of those that match topic.
func (s *SysTier) Match(topic string) []mqttx.Record {
	var out []mqttx.Record
	for _, filter := range s.Buckets.Filters() {
		if mqttx.Match(topic, filter) {
			if b, ok := s.Buckets.Get(filter); ok {
				out = append(out, b.Snapshot()...)
			}
		}
	}
	return out
}
