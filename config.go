// SPDX-License-Identifier: MIT
// SPDX-FileCopyrightText: 2022 mochi-mqtt, mochi-co

package mqttx

import (
	"log/slog"
	"os"

	"github.com/rs/xid"
	"gopkg.in/yaml.v3"
)

// Options configures a subscription.Service. Struct fields must be public
// for yaml.Unmarshal to populate them.
type Options struct {
	// BrokerID identifies this broker instance on the cluster bus. Cluster
	// events carrying this BrokerID are dropped by the local inbound handler
	// to avoid reacting to our own broadcasts. Defaulted via xid if empty.
	BrokerID string `yaml:"broker_id" json:"broker_id"`

	// FilterSetKey is the durable-store set key holding every durable filter.
	FilterSetKey string `yaml:"filter_set_key" json:"filter_set_key"`

	// TopicPrefix prefixes the per-filter durable-store hash key.
	TopicPrefix string `yaml:"topic_prefix" json:"topic_prefix"`

	// ClientTopicsPrefix prefixes the per-client durable-store set key.
	ClientTopicsPrefix string `yaml:"client_topics_prefix" json:"client_topics_prefix"`

	// SubUnsubChannel names the cluster-bus channel for sub/unsub events. It is
	// defaulted and loaded from config, but nothing reads it: the service and
	// the gossip bus publish without naming a channel.
	SubUnsubChannel string `yaml:"sub_unsub_channel" json:"sub_unsub_channel"`

	// EnableInnerCache mirrors durable-tier subscriptions into a local
	// in-memory cache so searchSubscribers never blocks on the durable store.
	EnableInnerCache bool `yaml:"enable_inner_cache" json:"enable_inner_cache"`

	// EnableCluster turns on cluster-bus broadcast/receive of sub/unsub events.
	EnableCluster bool `yaml:"enable_cluster" json:"enable_cluster"`
}

// defaultOptions mirrors the teacher's NewDefaultServerCapabilities pattern:
// a function returning sane zero-config defaults.
func defaultOptions() *Options {
	return &Options{
		BrokerID:           xid.New().String(),
		FilterSetKey:       "mqttx:topic:set",
		TopicPrefix:        "mqttx:topic:",
		ClientTopicsPrefix: "mqttx:client:",
		SubUnsubChannel:    "sub/unsub",
		EnableInnerCache:   true,
		EnableCluster:      false,
	}
}

// EnsureDefaults fills zero-value fields of o with defaultOptions values,
// except booleans, which are left as the caller set them.
func (o *Options) EnsureDefaults() {
	d := defaultOptions()
	if o.BrokerID == "" {
		o.BrokerID = d.BrokerID
	}
	if o.FilterSetKey == "" {
		o.FilterSetKey = d.FilterSetKey
	}
	if o.TopicPrefix == "" {
		o.TopicPrefix = d.TopicPrefix
	}
	if o.ClientTopicsPrefix == "" {
		o.ClientTopicsPrefix = d.ClientTopicsPrefix
	}
	if o.SubUnsubChannel == "" {
		o.SubUnsubChannel = d.SubUnsubChannel
	}
}

// config is the on-disk YAML document shape: { subscription: { options... } }.
type config struct {
	Subscription struct {
		Options `yaml:"options"`
	} `yaml:"subscription"`
}

// OpenConfigFile reads and unmarshals a subscription-service Options struct
// from a YAML file at path, mirroring the teacher's OpenConfigFile.
func OpenConfigFile(path string) (*Options, error) {
	if path == "" {
		slog.Default().Debug("no file path provided")
		return nil, nil
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	var c config
	if err := yaml.Unmarshal(data, &c); err != nil {
		return nil, err
	}

	c.Subscription.Options.EnsureDefaults()
	return &c.Subscription.Options, nil
}
