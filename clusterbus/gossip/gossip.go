// SPDX-License-Identifier: MIT
// SPDX-FileCopyrightText: 2022 mochi-mqtt, mochi-co

// Package gossip adapts github.com/hashicorp/memberlist to the
// clusterbus.Bus contract: every broker broadcasts sub/unsub envelopes to
// every other member, and loopback (same BrokerID) envelopes are dropped
// before the registered handler ever sees them.
package gossip

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"

	"github.com/hashicorp/memberlist"

	"github.com/CarlKong/mqttx/clusterbus"
)

// Config describes how to join and participate in the gossip cluster.
type Config struct {
	// NodeName must be unique across the cluster; the subscription service
	// uses the same value as its BrokerID so loopback filtering and cluster
	// membership share one identity.
	NodeName string
	BindPort int
	Members  []string
	Log      *slog.Logger
}

// Bus is a clusterbus.Bus backed by a memberlist gossip cluster.
type Bus struct {
	log        *slog.Logger
	brokerID   string
	serializer clusterbus.Serializer
	list       *memberlist.Memberlist

	mu       sync.Mutex
	handler  clusterbus.Handler
	delegate *delegate
}

// Open creates the local memberlist node and joins cfg.Members, if any.
func Open(cfg Config) (*Bus, error) {
	log := cfg.Log
	if log == nil {
		log = slog.Default()
	}

	b := &Bus{
		log:        log,
		brokerID:   cfg.NodeName,
		serializer: clusterbus.JSONSerializer{},
	}
	b.delegate = &delegate{bus: b}

	conf := memberlist.DefaultLocalConfig()
	conf.Name = cfg.NodeName
	conf.BindPort = cfg.BindPort
	conf.Delegate = b.delegate

	list, err := memberlist.Create(conf)
	if err != nil {
		return nil, fmt.Errorf("create gossip node: %w", err)
	}
	b.list = list
	b.delegate.broadcasts = &memberlist.TransmitLimitedQueue{
		NumNodes:       list.NumMembers,
		RetransmitMult: 3,
	}

	if len(cfg.Members) > 0 {
		n, err := list.Join(cfg.Members)
		if err != nil {
			return nil, fmt.Errorf("join gossip cluster: %w", err)
		}
		log.Info("joined gossip cluster", "brokerId", cfg.NodeName, "peers", n)
	}

	return b, nil
}

// Publish broadcasts env to every other member of the cluster.
func (b *Bus) Publish(ctx context.Context, env clusterbus.Envelope) error {
	payload, err := b.serializer.Marshal(env)
	if err != nil {
		return err
	}

	self := b.list.LocalNode().Name
	for _, node := range b.list.Members() {
		if node.Name == self {
			continue
		}
		if err := b.list.SendBestEffort(node, payload); err != nil {
			b.log.Warn("gossip send failed", "peer", node.Name, "error", err)
		}
	}
	return nil
}

// Subscribe registers fn to be invoked for every non-loopback envelope.
func (b *Bus) Subscribe(fn clusterbus.Handler) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.handler = fn
	return nil
}

// Close leaves the gossip cluster.
func (b *Bus) Close() error {
	if err := b.list.Leave(0); err != nil {
		b.log.Warn("gossip leave failed", "error", err)
	}
	return b.list.Shutdown()
}

// dispatch decodes payload and routes it to the registered handler, dropping
// envelopes emitted by this broker.
func (b *Bus) dispatch(payload []byte) {
	env, err := b.serializer.Unmarshal(payload)
	if err != nil {
		b.log.Warn("dropping malformed cluster envelope", "error", err)
		return
	}
	if env.BrokerID == b.brokerID {
		return
	}

	b.mu.Lock()
	fn := b.handler
	b.mu.Unlock()
	if fn != nil {
		fn(env)
	}
}

// delegate implements memberlist.Delegate, routing NotifyMsg into the Bus.
type delegate struct {
	bus        *Bus
	broadcasts *memberlist.TransmitLimitedQueue
}

func (d *delegate) NodeMeta(limit int) []byte { return nil }

func (d *delegate) NotifyMsg(msg []byte) {
	if len(msg) == 0 {
		return
	}
	d.bus.dispatch(msg)
}

func (d *delegate) GetBroadcasts(overhead, limit int) [][]byte {
	if d.broadcasts == nil {
		return nil
	}
	return d.broadcasts.GetBroadcasts(overhead, limit)
}

func (d *delegate) LocalState(join bool) []byte { return nil }

func (d *delegate) MergeRemoteState(buf []byte, join bool) {}

// joinAddrs normalizes a comma-separated seed list, mirroring how operators
// pass -cluster-members on the command line.
func joinAddrs(raw string) []string {
	if raw == "" {
		return nil
	}
	return strings.Split(raw, ",")
}
