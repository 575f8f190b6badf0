// SPDX-License-Identifier: MIT
// SPDX-FileCopyrightText: 2022 mochi-mqtt, mochi-co

package subscription

import (
	"context"
	"sort"
	"testing"

	miniredis "github.com/alicebob/miniredis/v2"
	redisv8 "github.com/go-redis/redis/v8"
	"github.com/stretchr/testify/require"

	"github.com/CarlKong/mqttx"
	"github.com/CarlKong/mqttx/clusterbus"
	redisstore "github.com/CarlKong/mqttx/store/redis"
)

// fakeBus is an in-process clusterbus.Bus: Publish records every envelope
// and, if a peer is wired via link, delivers it straight to the peer's
// handler, bypassing any real transport.
type fakeBus struct {
	brokerID string
	handler  clusterbus.Handler
	peer     *fakeBus
	sent     []clusterbus.Envelope
}

func (b *fakeBus) Publish(ctx context.Context, env clusterbus.Envelope) error {
	b.sent = append(b.sent, env)
	if b.peer != nil && b.peer.handler != nil {
		b.peer.handler(env)
	}
	return nil
}

func (b *fakeBus) Subscribe(fn clusterbus.Handler) error {
	b.handler = fn
	return nil
}

func (b *fakeBus) Close() error { return nil }

func link(a, b *fakeBus) {
	a.peer = b
	b.peer = a
}

func newTestService(t *testing.T, opts mqttx.Options, bus clusterbus.Bus) (*Service, *redisstore.Store) {
	srv := miniredis.RunT(t)
	ds, err := redisstore.Open(context.Background(), &redisstore.Options{
		Options: &redisv8.Options{Addr: srv.Addr()},
	})
	require.NoError(t, err)
	t.Cleanup(func() { require.NoError(t, ds.Close()) })

	opts.EnsureDefaults()
	svc, err := New(context.Background(), opts, ds, bus, nil)
	require.NoError(t, err)
	return svc, ds
}

func clientIDs(recs []mqttx.Record) []string {
	out := make([]string, 0, len(recs))
	for _, r := range recs {
		out = append(out, r.ClientID)
	}
	sort.Strings(out)
	return out
}

func TestConcreteSingleSubscriber(t *testing.T) {
	svc, _ := newTestService(t, mqttx.Options{}, nil)
	ctx := context.Background()

	rec, err := mqttx.NewRecord("c1", 1, "a/b", true, "")
	require.NoError(t, err)
	require.NoError(t, svc.Subscribe(ctx, rec))

	got, err := svc.SearchSubscribers(ctx, "a/b")
	require.NoError(t, err)
	require.Equal(t, []string{"c1"}, clientIDs(got))

	got, err = svc.SearchSubscribers(ctx, "a/c")
	require.NoError(t, err)
	require.Empty(t, got)
}

func TestWildcardPlus(t *testing.T) {
	svc, _ := newTestService(t, mqttx.Options{}, nil)
	ctx := context.Background()

	rec, err := mqttx.NewRecord("c1", 0, "a/+/c", true, "")
	require.NoError(t, err)
	require.NoError(t, svc.Subscribe(ctx, rec))

	got, err := svc.SearchSubscribers(ctx, "a/b/c")
	require.NoError(t, err)
	require.Equal(t, []string{"c1"}, clientIDs(got))

	got, err = svc.SearchSubscribers(ctx, "a/b/d")
	require.NoError(t, err)
	require.Empty(t, got)

	got, err = svc.SearchSubscribers(ctx, "a/b/c/d")
	require.NoError(t, err)
	require.Empty(t, got)
}

func TestMultiLevelHash(t *testing.T) {
	svc, _ := newTestService(t, mqttx.Options{}, nil)
	ctx := context.Background()

	rec, err := mqttx.NewRecord("c1", 0, "a/#", true, "")
	require.NoError(t, err)
	require.NoError(t, svc.Subscribe(ctx, rec))

	got, err := svc.SearchSubscribers(ctx, "a")
	require.NoError(t, err)
	require.Equal(t, []string{"c1"}, clientIDs(got))

	got, err = svc.SearchSubscribers(ctx, "a/b/c")
	require.NoError(t, err)
	require.Equal(t, []string{"c1"}, clientIDs(got))

	got, err = svc.SearchSubscribers(ctx, "b")
	require.NoError(t, err)
	require.Empty(t, got)
}

func TestSharedSubscriptionFanOutAndDurableKeying(t *testing.T) {
	svc, ds := newTestService(t, mqttx.Options{}, nil)
	ctx := context.Background()

	r1, err := mqttx.NewRecord("c1", 1, "x/y", false, "g")
	require.NoError(t, err)
	r2, err := mqttx.NewRecord("c2", 1, "x/y", false, "g")
	require.NoError(t, err)
	require.NoError(t, svc.Subscribe(ctx, r1))
	require.NoError(t, svc.Subscribe(ctx, r2))

	got, err := svc.SearchSubscribers(ctx, "x/y")
	require.NoError(t, err)
	require.Equal(t, []string{"c1", "c2"}, clientIDs(got))
	for _, r := range got {
		require.Equal(t, "g", r.ShareGroup)
	}

	entries, err := ds.HashEntries(ctx, "mqttx:topic:x/y")
	require.NoError(t, err)
	fields := make([]string, 0, len(entries))
	for _, e := range entries {
		fields = append(fields, e.Field)
	}
	sort.Strings(fields)
	require.Equal(t, []string{"c1<!>g", "c2<!>g"}, fields)
}

func TestQoSUpgradeReplacesRecord(t *testing.T) {
	svc, _ := newTestService(t, mqttx.Options{}, nil)
	ctx := context.Background()

	r0, err := mqttx.NewRecord("c1", 0, "a", true, "")
	require.NoError(t, err)
	r2, err := mqttx.NewRecord("c1", 2, "a", true, "")
	require.NoError(t, err)

	require.NoError(t, svc.Subscribe(ctx, r0))
	require.NoError(t, svc.Subscribe(ctx, r2))

	got, err := svc.SearchSubscribers(ctx, "a")
	require.NoError(t, err)
	require.Len(t, got, 1)
	require.EqualValues(t, 2, got[0].QoS)
}

func TestClusterPropagationNoRebroadcast(t *testing.T) {
	b1 := &fakeBus{brokerID: "b1"}
	b2 := &fakeBus{brokerID: "b2"}
	link(b1, b2)

	opts1 := mqttx.Options{BrokerID: "b1", EnableCluster: true}
	opts2 := mqttx.Options{BrokerID: "b2", EnableCluster: true}
	svc1, _ := newTestService(t, opts1, b1)
	svc2, _ := newTestService(t, opts2, b2)

	ctx := context.Background()
	rec, err := mqttx.NewRecord("c1", 1, "t", true, "")
	require.NoError(t, err)
	require.NoError(t, svc1.Subscribe(ctx, rec))

	got, err := svc2.SearchSubscribers(ctx, "t")
	require.NoError(t, err)
	require.Equal(t, []string{"c1"}, clientIDs(got))

	require.Empty(t, b2.sent, "receiving broker must not re-broadcast")
}

func TestClusterLoopbackDropped(t *testing.T) {
	b1 := &fakeBus{brokerID: "b1"}
	opts1 := mqttx.Options{BrokerID: "b1", EnableCluster: true}
	svc1, _ := newTestService(t, opts1, b1)

	svc1.applyClusterEvent(clusterbus.Envelope{
		BrokerID: "b1",
		Data:     clusterbus.ClientSubOrUnsubMsg{Type: clusterbus.MsgSub, ClientID: "ghost", Topic: "t", CleanSession: true},
	})

	got, err := svc1.SearchSubscribers(context.Background(), "t")
	require.NoError(t, err)
	require.Empty(t, got)
}

func TestUnauthorizedSweepRemovesOnlyUnauthorized(t *testing.T) {
	svc, _ := newTestService(t, mqttx.Options{}, nil)
	ctx := context.Background()

	for _, f := range []string{"a", "b/+", "c/#"} {
		rec, err := mqttx.NewRecord("c1", 0, f, true, "")
		require.NoError(t, err)
		require.NoError(t, svc.Subscribe(ctx, rec))
	}

	require.NoError(t, svc.ClearUnauthorized(ctx, "c1", []string{"a"}))

	got, err := svc.SearchSubscribers(ctx, "a")
	require.NoError(t, err)
	require.Equal(t, []string{"c1"}, clientIDs(got))

	got, err = svc.SearchSubscribers(ctx, "b/x")
	require.NoError(t, err)
	require.Empty(t, got)

	got, err = svc.SearchSubscribers(ctx, "c/d/e")
	require.NoError(t, err)
	require.Empty(t, got)
}

func TestSubscribeThenUnsubscribeIsIdempotent(t *testing.T) {
	svc, _ := newTestService(t, mqttx.Options{}, nil)
	ctx := context.Background()

	rec, err := mqttx.NewRecord("c1", 1, "a/b", true, "")
	require.NoError(t, err)
	require.NoError(t, svc.Subscribe(ctx, rec))
	require.NoError(t, svc.Unsubscribe(ctx, "c1", true, []string{"a/b"}, false))

	got, err := svc.SearchSubscribers(ctx, "a/b")
	require.NoError(t, err)
	require.Empty(t, got)
}

func TestDurableUnsubscribeDropsEmptiedFilterFromFilterSet(t *testing.T) {
	svc, ds := newTestService(t, mqttx.Options{}, nil)
	ctx := context.Background()

	rec, err := mqttx.NewRecord("c1", 1, "a/b", false, "")
	require.NoError(t, err)
	require.NoError(t, svc.Subscribe(ctx, rec))

	members, err := ds.SetMembers(ctx, "mqttx:topic:set")
	require.NoError(t, err)
	require.Equal(t, []string{"a/b"}, members)

	require.NoError(t, svc.Unsubscribe(ctx, "c1", false, []string{"a/b"}, false))

	members, err = ds.SetMembers(ctx, "mqttx:topic:set")
	require.NoError(t, err)
	require.Empty(t, members)
}

func TestClusterUnsubscribeNeverTouchesFilterSet(t *testing.T) {
	b1 := &fakeBus{brokerID: "b1"}
	b2 := &fakeBus{brokerID: "b2"}
	link(b1, b2)

	opts1 := mqttx.Options{BrokerID: "b1", EnableCluster: true}
	opts2 := mqttx.Options{BrokerID: "b2", EnableCluster: true, EnableInnerCache: true}
	svc1, _ := newTestService(t, opts1, b1)
	svc2, ds2 := newTestService(t, opts2, b2)

	ctx := context.Background()
	rec, err := mqttx.NewRecord("c1", 1, "a/b", false, "")
	require.NoError(t, err)
	require.NoError(t, svc1.Subscribe(ctx, rec))

	require.NoError(t, ds2.SetAdd(ctx, "mqttx:topic:set", "a/b"))
	svc2.idx.DurableCache.Add(rec)

	require.NoError(t, svc1.Unsubscribe(ctx, "c1", false, []string{"a/b"}, false))

	members, err := ds2.SetMembers(ctx, "mqttx:topic:set")
	require.NoError(t, err)
	require.Equal(t, []string{"a/b"}, members, "cluster-applied UNSUB must not touch the receiver's filterSet")

	got, err := svc2.SearchSubscribers(ctx, "a/b")
	require.NoError(t, err)
	require.Empty(t, got)
}

func TestClearClientSubscriptionsEphemeral(t *testing.T) {
	svc, _ := newTestService(t, mqttx.Options{}, nil)
	ctx := context.Background()

	for _, f := range []string{"a", "b/+"} {
		rec, err := mqttx.NewRecord("c1", 0, f, true, "")
		require.NoError(t, err)
		require.NoError(t, svc.Subscribe(ctx, rec))
	}

	require.NoError(t, svc.ClearClientSubscriptions(ctx, "c1", true))

	got, err := svc.SearchSubscribers(ctx, "a")
	require.NoError(t, err)
	require.Empty(t, got)
	got, err = svc.SearchSubscribers(ctx, "b/x")
	require.NoError(t, err)
	require.Empty(t, got)
}

func TestClearClientSubscriptionsDurableRemovesAllShareGroups(t *testing.T) {
	svc, ds := newTestService(t, mqttx.Options{}, nil)
	ctx := context.Background()

	r1, err := mqttx.NewRecord("c1", 1, "x/y", false, "g1")
	require.NoError(t, err)
	r2, err := mqttx.NewRecord("c1", 1, "x/y", false, "g2")
	require.NoError(t, err)
	require.NoError(t, svc.Subscribe(ctx, r1))
	require.NoError(t, svc.Subscribe(ctx, r2))

	require.NoError(t, svc.ClearClientSubscriptions(ctx, "c1", false))

	got, err := svc.SearchSubscribers(ctx, "x/y")
	require.NoError(t, err)
	require.Empty(t, got)

	entries, err := ds.HashEntries(ctx, "mqttx:topic:x/y")
	require.NoError(t, err)
	require.Empty(t, entries)

	members, err := ds.SetMembers(ctx, "mqttx:topic:set")
	require.NoError(t, err)
	require.Empty(t, members)
}

func TestColdStartReloadPopulatesDurableCache(t *testing.T) {
	srv := miniredis.RunT(t)
	ds, err := redisstore.Open(context.Background(), &redisstore.Options{
		Options: &redisv8.Options{Addr: srv.Addr()},
	})
	require.NoError(t, err)

	opts := mqttx.Options{EnableInnerCache: true}
	opts.EnsureDefaults()

	ctx := context.Background()
	require.NoError(t, ds.HashPut(ctx, opts.TopicPrefix+"a/b", "c1", "1"))
	require.NoError(t, ds.SetAdd(ctx, opts.FilterSetKey, "a/b"))
	require.NoError(t, ds.SetAdd(ctx, opts.ClientTopicsPrefix+"c1", "a/b"))

	svc, err := New(ctx, opts, ds, nil, nil)
	require.NoError(t, err)

	got, err := svc.SearchSubscribers(ctx, "a/b")
	require.NoError(t, err)
	require.Equal(t, []string{"c1"}, clientIDs(got))
}

func TestSysSubscriptionsAreNotDurable(t *testing.T) {
	svc, ds := newTestService(t, mqttx.Options{}, nil)
	ctx := context.Background()

	rec, err := mqttx.NewRecord("c1", 0, "$SYS/broker/clients", false, "")
	require.NoError(t, err)
	require.NoError(t, svc.SubscribeSys(rec))

	got := svc.SearchSysSubscribers("$SYS/broker/clients")
	require.Equal(t, []string{"c1"}, clientIDs(got))

	members, err := ds.SetMembers(ctx, "mqttx:topic:set")
	require.NoError(t, err)
	require.Empty(t, members)

	svc.ClearClientSys("c1")
	got = svc.SearchSysSubscribers("$SYS/broker/clients")
	require.Empty(t, got)
}
