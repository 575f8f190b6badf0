// SPDX-License-Identifier: MIT
// SPDX-FileCopyrightText: 2022 mochi-mqtt, mochi-co

// Package subscription orchestrates the subscription index: it composes
// the in-memory tiers, the durable-store adapter and the cluster bus into
// the subscribe/unsubscribe/search contract the rest of a broker depends
// on.
package subscription

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"github.com/CarlKong/mqttx"
	"github.com/CarlKong/mqttx/clusterbus"
	"github.com/CarlKong/mqttx/index"
	"github.com/CarlKong/mqttx/store"
)

// Service is the subscription index's public entry point. It is safe for
// concurrent use; all state beneath it is guarded at the tier/bucket level.
type Service struct {
	opts  mqttx.Options
	log   *slog.Logger
	idx   *index.InMemoryIndex
	store store.DurableStore
	bus   clusterbus.Bus
}

// New constructs a Service. If opts.EnableInnerCache is set, New performs a
// synchronous cold-start reload of the durable-tier cache before returning;
// per the reload contract, a failure here is fatal and returned to the
// caller rather than logged-and-continued.
func New(ctx context.Context, opts mqttx.Options, ds store.DurableStore, bus clusterbus.Bus, log *slog.Logger) (*Service, error) {
	opts.EnsureDefaults()
	if log == nil {
		log = slog.Default()
	}

	s := &Service{
		opts:  opts,
		log:   log,
		idx:   index.NewInMemoryIndex(),
		store: ds,
		bus:   bus,
	}

	if opts.EnableInnerCache {
		if err := s.reload(ctx); err != nil {
			return nil, fmt.Errorf("%w: %w", mqttx.ErrColdStartReload, err)
		}
	}

	if opts.EnableCluster && bus != nil {
		if err := bus.Subscribe(s.applyClusterEvent); err != nil {
			return nil, fmt.Errorf("subscribe to cluster bus: %w", err)
		}
	}

	return s, nil
}

// reload populates the durable-tier cache from the external store. It
// blocks the caller: the broker must not accept traffic until the cache is
// coherent with the store.
func (s *Service) reload(ctx context.Context) error {
	filters, err := s.store.SetMembers(ctx, s.opts.FilterSetKey)
	if err != nil {
		return fmt.Errorf("read filter set: %w", err)
	}

	for _, filter := range filters {
		entries, err := s.store.HashEntries(ctx, s.opts.TopicPrefix+filter)
		if err != nil {
			return fmt.Errorf("read hash for filter %q: %w", filter, err)
		}

		for _, e := range entries {
			clientID, shareGroup := mqttx.ParseSubKey(e.Field)
			rec, err := mqttx.NewRecord(clientID, qosFromField(e.Value), filter, false, shareGroup)
			if err != nil {
				return fmt.Errorf("reconstruct record for filter %q field %q: %w", filter, e.Field, err)
			}
			s.idx.DurableCache.Add(rec)
		}
	}

	s.log.Info("cold-start reload complete", "filters", len(filters))
	return nil
}

// qosFromField parses the decimal qos string stored in the durable hash.
// A malformed value defaults to qos 0 rather than aborting the whole reload.
func qosFromField(value string) byte {
	if len(value) != 1 || value[0] < '0' || value[0] > '2' {
		return 0
	}
	return value[0] - '0'
}

// Subscribe validates and installs rec. rec.Filter must already be
// unwrapped; callers at the MQTT boundary unwrap $share/<group>/<filter>
// with mqttx.UnwrapTopic before calling.
func (s *Service) Subscribe(ctx context.Context, rec mqttx.Record) error {
	if rec.ClientID == "" {
		return mqttx.ErrEmptyClientID
	}
	if err := mqttx.ValidateFilter(rec.Filter); err != nil {
		return err
	}

	if rec.CleanSession {
		s.idx.Ephemeral.Add(rec)
		s.idx.EphemeralSubs.Add(rec.ClientID, rec.Filter)
	} else {
		if err := s.writeDurable(ctx, rec); err != nil {
			return err
		}
		if s.opts.EnableInnerCache {
			s.idx.DurableCache.Add(rec)
		}
	}

	s.broadcastSub(ctx, rec)
	return nil
}

// writeDurable performs the three durable-store writes a subscribe requires,
// concurrently, and joins their results.
func (s *Service) writeDurable(ctx context.Context, rec mqttx.Record) error {
	qos := fmt.Sprintf("%d", rec.QoS)

	return joinErrors(
		func() error { return s.store.HashPut(ctx, s.opts.TopicPrefix+rec.Filter, rec.SubKey(), qos) },
		func() error { return s.store.SetAdd(ctx, s.opts.FilterSetKey, rec.Filter) },
		func() error { return s.store.SetAdd(ctx, s.opts.ClientTopicsPrefix+rec.ClientID, rec.Filter) },
	)
}

// broadcastSub publishes a SUB envelope when clustering is enabled. Publish
// failures are logged, not surfaced: the local operation already succeeded.
func (s *Service) broadcastSub(ctx context.Context, rec mqttx.Record) {
	if !s.opts.EnableCluster || s.bus == nil {
		return
	}

	env := clusterbus.Envelope{
		BrokerID: s.opts.BrokerID,
		Data: clusterbus.ClientSubOrUnsubMsg{
			Type:         clusterbus.MsgSub,
			ClientID:     rec.ClientID,
			QoS:          rec.QoS,
			Topic:        rec.WireFilter(),
			CleanSession: rec.CleanSession,
		},
	}
	if err := s.bus.Publish(ctx, env); err != nil {
		s.log.Warn("cluster broadcast failed", "op", "sub", "clientId", rec.ClientID, "error", err)
	}
}

// Unsubscribe removes clientId's subscriptions to topics (each possibly
// carrying a $share/<group>/ prefix). fromCluster suppresses durable writes
// and re-broadcast for events mirrored from a peer.
func (s *Service) Unsubscribe(ctx context.Context, clientID string, cleanSession bool, topics []string, fromCluster bool) error {
	if clientID == "" {
		return mqttx.ErrEmptyClientID
	}

	unwrapped := make([]struct{ filter, shareGroup string }, 0, len(topics))
	for _, topic := range topics {
		filter, shareGroup, err := mqttx.UnwrapTopic(topic)
		if err != nil {
			return err
		}
		unwrapped = append(unwrapped, struct{ filter, shareGroup string }{filter, shareGroup})
	}

	if cleanSession {
		for _, u := range unwrapped {
			s.idx.Ephemeral.Remove(clientID, u.filter, u.shareGroup)
			s.idx.EphemeralSubs.Remove(clientID, u.filter)
		}
	} else {
		if !fromCluster {
			if err := s.deleteDurable(ctx, clientID, unwrapped); err != nil {
				return err
			}
		}
		for _, u := range unwrapped {
			if s.opts.EnableInnerCache {
				s.idx.DurableCache.Remove(clientID, u.filter, u.shareGroup)
			}

			// A cluster UNSUB event must never touch the external filterSet:
			// the originating broker already did, and we only have its
			// local mirror here.
			if fromCluster {
				continue
			}

			emptied, err := s.hashIsEmpty(ctx, u.filter)
			if err != nil {
				s.log.Warn("failed to check whether filter hash emptied", "filter", u.filter, "error", err)
				continue
			}
			if emptied {
				if err := s.store.SetRemove(ctx, s.opts.FilterSetKey, u.filter); err != nil {
					s.log.Warn("failed to drop emptied filter from filter set", "filter", u.filter, "error", err)
				}
			}
		}
	}

	if !fromCluster {
		s.broadcastUnsub(ctx, clientID, cleanSession, topics)
	}
	return nil
}

// deleteDurable issues the durable deletes an unsubscribe requires,
// concurrently, and joins their results.
func (s *Service) deleteDurable(ctx context.Context, clientID string, unwrapped []struct{ filter, shareGroup string }) error {
	thunks := make([]func() error, 0, len(unwrapped)+1)
	for _, u := range unwrapped {
		filter := u.filter
		subKey := mqttx.SubKey(clientID, u.shareGroup)
		thunks = append(thunks, func() error {
			return s.store.HashRemove(ctx, s.opts.TopicPrefix+filter, subKey)
		})
	}

	filters := make([]string, len(unwrapped))
	for i, u := range unwrapped {
		filters[i] = u.filter
	}
	thunks = append(thunks, func() error {
		return s.store.SetRemove(ctx, s.opts.ClientTopicsPrefix+clientID, filters...)
	})

	return joinErrors(thunks...)
}

// hashIsEmpty reports whether filter's durable-store hash has no fields
// left, used to decide whether the filter should also leave filterSet.
func (s *Service) hashIsEmpty(ctx context.Context, filter string) (bool, error) {
	entries, err := s.store.HashEntries(ctx, s.opts.TopicPrefix+filter)
	if err != nil {
		return false, fmt.Errorf("read hash for filter %q: %w", filter, err)
	}
	return len(entries) == 0, nil
}

// broadcastUnsub publishes an UNSUB envelope when clustering is enabled.
func (s *Service) broadcastUnsub(ctx context.Context, clientID string, cleanSession bool, topics []string) {
	if !s.opts.EnableCluster || s.bus == nil || len(topics) == 0 {
		return
	}

	env := clusterbus.Envelope{
		BrokerID: s.opts.BrokerID,
		Data: clusterbus.ClientSubOrUnsubMsg{
			Type:         clusterbus.MsgUnsub,
			ClientID:     clientID,
			Topics:       topics,
			CleanSession: cleanSession,
		},
	}
	if err := s.bus.Publish(ctx, env); err != nil {
		s.log.Warn("cluster broadcast failed", "op", "unsub", "clientId", clientID, "error", err)
	}
}

// SearchSubscribers returns every record whose filter matches topic, across
// the ephemeral tier and the durable tier. When the inner cache is disabled
// the durable side is read live from the external store.
func (s *Service) SearchSubscribers(ctx context.Context, topic string) ([]mqttx.Record, error) {
	out := s.idx.Ephemeral.Match(topic)

	if s.opts.EnableInnerCache {
		out = append(out, s.idx.DurableCache.Match(topic)...)
		return out, nil
	}

	durable, err := s.searchDurableLive(ctx, topic)
	if err != nil {
		return nil, err
	}
	return append(out, durable...), nil
}

// searchDurableLive reads the durable store directly: every durable filter,
// wildcard-matched locally, then each matching hash is fetched and decoded
// back into records.
func (s *Service) searchDurableLive(ctx context.Context, topic string) ([]mqttx.Record, error) {
	filters, err := s.store.SetMembers(ctx, s.opts.FilterSetKey)
	if err != nil {
		return nil, fmt.Errorf("read filter set: %w", err)
	}

	var out []mqttx.Record
	for _, filter := range filters {
		if !mqttx.Match(topic, filter) {
			continue
		}

		entries, err := s.store.HashEntries(ctx, s.opts.TopicPrefix+filter)
		if err != nil {
			return nil, fmt.Errorf("read hash for filter %q: %w", filter, err)
		}

		for _, e := range entries {
			clientID, shareGroup := mqttx.ParseSubKey(e.Field)
			rec, err := mqttx.NewRecord(clientID, qosFromField(e.Value), filter, false, shareGroup)
			if err != nil {
				s.log.Warn("dropping malformed durable record", "filter", filter, "field", e.Field, "error", err)
				continue
			}
			out = append(out, rec)
		}
	}
	return out, nil
}

// ClearClientSubscriptions removes every subscription clientId holds in the
// tier selected by cleanSession. clientToFilters/clientSet do not carry the
// share group, so a client that joined several groups on the same filter is
// only represented once there; every affected filter's bucket is swept for
// every record belonging to clientID, regardless of share group, rather
// than assuming a single unshared record per filter.
func (s *Service) ClearClientSubscriptions(ctx context.Context, clientID string, cleanSession bool) error {
	if cleanSession {
		filters := s.idx.EphemeralSubs.Take(clientID)
		for _, filter := range filters {
			s.clearEphemeralFilterForClient(clientID, filter)
		}
		s.broadcastUnsub(ctx, clientID, true, filters)
		return nil
	}

	filters, err := s.store.SetMembers(ctx, s.opts.ClientTopicsPrefix+clientID)
	if err != nil {
		return fmt.Errorf("read client filter set: %w", err)
	}
	if err := s.store.Delete(ctx, s.opts.ClientTopicsPrefix+clientID); err != nil {
		return fmt.Errorf("delete client filter set: %w", err)
	}

	for _, filter := range filters {
		if err := s.clearDurableFilterForClient(ctx, clientID, filter); err != nil {
			return fmt.Errorf("clear durable filter %q: %w", filter, err)
		}
	}
	s.broadcastUnsub(ctx, clientID, false, filters)
	return nil
}

// clearEphemeralFilterForClient removes every ephemeral record for clientID
// under filter, regardless of share group, since clientToFilters does not
// carry the share group.
func (s *Service) clearEphemeralFilterForClient(clientID, filter string) {
	if b, ok := s.idx.Ephemeral.Buckets.Get(filter); ok {
		removed := b.DeleteByClientID(clientID)
		if len(removed) > 0 && b.Len() == 0 {
			if mqttx.IsWildcard(filter) {
				s.idx.Ephemeral.Wildcard.Remove(filter)
			} else {
				s.idx.Ephemeral.Concrete.Remove(filter)
			}
		}
	}
}

// clearDurableFilterForClient removes every durable-store hash field under
// filter whose clientId component is clientID, covering every share group
// the client joined on that filter (the Java source left this TODO; the
// index here enumerates and removes all of them).
func (s *Service) clearDurableFilterForClient(ctx context.Context, clientID, filter string) error {
	entries, err := s.store.HashEntries(ctx, s.opts.TopicPrefix+filter)
	if err != nil {
		return fmt.Errorf("read hash: %w", err)
	}

	var fields []string
	for _, e := range entries {
		cid, _ := mqttx.ParseSubKey(e.Field)
		if cid == clientID {
			fields = append(fields, e.Field)
		}
	}
	if len(fields) == 0 {
		return nil
	}

	for _, field := range fields {
		if err := s.store.HashRemove(ctx, s.opts.TopicPrefix+filter, field); err != nil {
			return fmt.Errorf("remove hash field %q: %w", field, err)
		}
	}

	emptied := len(fields) == len(entries)

	if b, ok := s.idx.DurableCache.Buckets.Get(filter); ok {
		removed := b.DeleteByClientID(clientID)
		if len(removed) > 0 && b.Len() == 0 {
			if mqttx.IsWildcard(filter) {
				s.idx.DurableCache.Wildcard.Remove(filter)
			} else {
				s.idx.DurableCache.Concrete.Remove(filter)
			}
			emptied = true
		}
	}

	if emptied {
		if err := s.store.SetRemove(ctx, s.opts.FilterSetKey, filter); err != nil {
			s.log.Warn("failed to drop emptied filter from filter set", "filter", filter, "error", err)
		}
	}

	return nil
}

// ClearUnauthorized removes every filter clientID holds, in any tier, that
// is not present in authorizedFilters. This sprays both a cleanSession=true
// and cleanSession=false unsubscribe across the collected filters, which
// may attempt removals that do not exist; removals are idempotent.
func (s *Service) ClearUnauthorized(ctx context.Context, clientID string, authorizedFilters []string) error {
	authorized := make(map[string]bool, len(authorizedFilters))
	for _, f := range authorizedFilters {
		authorized[f] = true
	}

	var toRemove []string
	for _, filter := range s.idx.Ephemeral.Wildcard.Snapshot() {
		if !authorized[filter] {
			toRemove = append(toRemove, filter)
		}
	}
	for _, filter := range s.idx.Ephemeral.Concrete.Snapshot() {
		if !authorized[filter] {
			toRemove = append(toRemove, filter)
		}
	}
	for _, filter := range s.idx.DurableCache.Wildcard.Snapshot() {
		if !authorized[filter] {
			toRemove = append(toRemove, filter)
		}
	}
	for _, filter := range s.idx.DurableCache.Concrete.Snapshot() {
		if !authorized[filter] {
			toRemove = append(toRemove, filter)
		}
	}

	if len(toRemove) == 0 {
		return nil
	}

	if err := s.Unsubscribe(ctx, clientID, true, toRemove, false); err != nil {
		return err
	}
	return s.Unsubscribe(ctx, clientID, false, toRemove, false)
}

// SubscribeSys installs rec into the $SYS tier. $SYS subscriptions are never
// durable, never clustered, never reloaded.
func (s *Service) SubscribeSys(rec mqttx.Record) error {
	if rec.ClientID == "" {
		return mqttx.ErrEmptyClientID
	}
	if err := mqttx.ValidateFilter(rec.Filter); err != nil {
		return err
	}
	s.idx.Sys.Add(rec)
	return nil
}

// UnsubscribeSys removes clientId's $SYS subscriptions to the given filters.
func (s *Service) UnsubscribeSys(clientID string, filters []string) {
	for _, f := range filters {
		s.idx.Sys.Remove(clientID, f)
	}
}

// ClearClientSys removes every $SYS subscription clientId holds.
func (s *Service) ClearClientSys(clientID string) {
	s.idx.Sys.RemoveClient(clientID)
}

// SearchSysSubscribers returns every $SYS record whose filter matches topic.
func (s *Service) SearchSysSubscribers(topic string) []mqttx.Record {
	return s.idx.Sys.Match(topic)
}

// applyClusterEvent is the ClusterInboundHandler: it mirrors a peer's
// sub/unsub into the local tiers without re-broadcasting and without ever
// writing to the external store. Loopback events (our own BrokerID) are
// dropped defensively even though the transport is expected to filter them.
func (s *Service) applyClusterEvent(env clusterbus.Envelope) {
	if env.BrokerID == s.opts.BrokerID {
		return
	}

	switch env.Data.Type {
	case clusterbus.MsgSub:
		s.applyClusterSub(env.Data)
	case clusterbus.MsgUnsub:
		s.applyClusterUnsub(env.Data)
	default:
		s.log.Warn("dropping cluster event of unknown type", "type", env.Data.Type, "brokerId", env.BrokerID)
	}
}

func (s *Service) applyClusterSub(msg clusterbus.ClientSubOrUnsubMsg) {
	filter, shareGroup, err := mqttx.UnwrapTopic(msg.Topic)
	if err != nil {
		s.log.Warn("dropping malformed cluster SUB event", "clientId", msg.ClientID, "topic", msg.Topic, "error", err)
		return
	}

	rec, err := mqttx.NewRecord(msg.ClientID, msg.QoS, filter, msg.CleanSession, shareGroup)
	if err != nil {
		s.log.Warn("dropping invalid cluster SUB event", "clientId", msg.ClientID, "error", err)
		return
	}

	if msg.CleanSession {
		s.idx.Ephemeral.Add(rec)
		s.idx.EphemeralSubs.Add(rec.ClientID, rec.Filter)
		return
	}

	if s.opts.EnableInnerCache {
		s.idx.DurableCache.Add(rec)
	}
}

func (s *Service) applyClusterUnsub(msg clusterbus.ClientSubOrUnsubMsg) {
	ctx := context.Background()
	if err := s.Unsubscribe(ctx, msg.ClientID, msg.CleanSession, msg.Topics, true); err != nil {
		s.log.Warn("failed to apply cluster UNSUB event", "clientId", msg.ClientID, "error", err)
	}
}

// joinErrors runs every thunk in its own goroutine and waits for all of
// them, returning the first error encountered (if any). The durable writes
// a subscribe/unsubscribe performs have no ordering dependency on each
// other, so they are joined rather than run sequentially.
func joinErrors(thunks ...func() error) error {
	var wg sync.WaitGroup
	errs := make([]error, len(thunks))

	wg.Add(len(thunks))
	for i, fn := range thunks {
		i, fn := i, fn
		go func() {
			defer wg.Done()
			errs[i] = fn()
		}()
	}
	wg.Wait()

	for _, err := range errs {
		if err != nil {
			return err
		}
	}
	return nil
}
