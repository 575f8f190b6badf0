// SPDX-License-Identifier: MIT
// SPDX-FileCopyrightText: 2022 mochi-mqtt, mochi-co

// Package clusterbus defines the gossip transport the subscription service
// uses to broadcast and receive sub/unsub events across broker peers. The
// transport itself (clusterbus/gossip) is an adapter; this package carries
// only the wire types and the Bus contract.
package clusterbus

import (
	"context"
	"encoding/json"
	"fmt"
)

// Channel is the single fixed channel name sub/unsub events travel on.
const Channel = "sub/unsub"

// MsgType distinguishes SUB from UNSUB on the wire.
type MsgType int

const (
	// MsgSub marks a ClientSubOrUnsubMsg as a subscribe event.
	MsgSub MsgType = 1
	// MsgUnsub marks a ClientSubOrUnsubMsg as an unsubscribe event.
	MsgUnsub MsgType = 2
)

// ClientSubOrUnsubMsg is the payload broadcast on Channel. Topic carries the
// wire form of a single filter (with its $share/<group>/ prefix restored, if
// any) for SUB; Topics carries the same for UNSUB's possibly-multiple filters.
type ClientSubOrUnsubMsg struct {
	Type         MsgType  `json:"type"`
	ClientID     string   `json:"clientId"`
	QoS          byte     `json:"qos"`
	Topic        string   `json:"topic,omitempty"`
	Topics       []string `json:"topics,omitempty"`
	CleanSession bool     `json:"cleanSession"`
}

// Envelope wraps a ClientSubOrUnsubMsg with the metadata peers need to apply
// it: when it was produced and which broker produced it, so a receiver can
// drop loopback events.
type Envelope struct {
	Data      ClientSubOrUnsubMsg `json:"data"`
	Timestamp int64               `json:"timestamp"`
	BrokerID  string              `json:"brokerId"`
}

// Handler is invoked for every inbound envelope not dropped as loopback.
type Handler func(Envelope)

// Bus is the opaque publish/subscribe transport between broker peers. Bus
// implementations are responsible for filtering loopback (same BrokerID)
// envelopes before invoking the registered Handler, or the caller may do so
// itself — applyClusterEvent in the subscription service drops loopback
// defensively either way.
type Bus interface {
	// Publish broadcasts env on Channel. Publish is best-effort and
	// fire-and-forget: a transport error is returned to the caller for
	// logging, but the caller does not retry.
	Publish(ctx context.Context, env Envelope) error

	// Subscribe registers fn to be called for every inbound envelope.
	// Subscribe may be called at most once per Bus instance.
	Subscribe(fn Handler) error

	// Close releases the transport's resources.
	Close() error
}

// Serializer converts a ClientSubOrUnsubMsg envelope to and from wire bytes.
// The default is JSON; a binary codec can be swapped in without touching the
// subscription service.
type Serializer interface {
	Marshal(Envelope) ([]byte, error)
	Unmarshal([]byte) (Envelope, error)
}

// JSONSerializer is the default Serializer.
type JSONSerializer struct{}

// Marshal encodes env as JSON.
func (JSONSerializer) Marshal(env Envelope) ([]byte, error) {
	b, err := json.Marshal(env)
	if err != nil {
		return nil, fmt.Errorf("marshal cluster envelope: %w", err)
	}
	return b, nil
}

// Unmarshal decodes b into an Envelope.
func (JSONSerializer) Unmarshal(b []byte) (Envelope, error) {
	var env Envelope
	if err := json.Unmarshal(b, &env); err != nil {
		return Envelope{}, fmt.Errorf("unmarshal cluster envelope: %w", err)
	}
	return env, nil
}
