// SPDX-License-Identifier: MIT
// SPDX-FileCopyrightText: 2022 mochi-mqtt, mochi-co

// Package mqttx implements the subscription index of a clustered MQTT
// broker: topic-filter matching, the dual ephemeral/durable subscription
// tiers, cluster sub/unsub gossip, and the per-PUBLISH fan-out query.
package mqttx

import "errors"

var (
	// ErrEmptyClientID indicates a SubscriptionRecord was built with no clientId.
	ErrEmptyClientID = errors.New("clientId must not be empty")

	// ErrClientIDContainsSeparator indicates a clientId contains the subKey separator sentinel.
	ErrClientIDContainsSeparator = errors.New("clientId must not contain the subscription key separator")

	// ErrEmptyFilter indicates a SubscriptionRecord or unsubscribe topic has an empty filter.
	ErrEmptyFilter = errors.New("filter must not be empty")

	// ErrInvalidQoS indicates a qos value outside of {0, 1, 2}.
	ErrInvalidQoS = errors.New("qos must be 0, 1 or 2")

	// ErrInvalidFilter indicates a syntactically malformed topic filter (misplaced '#', etc).
	ErrInvalidFilter = errors.New("invalid topic filter")

	// ErrMalformedShareTopic indicates a $share/ topic that could not be parsed into group and filter.
	ErrMalformedShareTopic = errors.New("malformed $share topic, expected $share/<group>/<filter>")

	// ErrInnerCacheDisabled reports that the inner cache is disabled. No function in this module returns it.
	ErrInnerCacheDisabled = errors.New("inner cache is disabled")

	// ErrColdStartReload is wrapped around any error encountered while reloading the durable-tier cache at startup.
	ErrColdStartReload = errors.New("cold-start reload of durable-tier cache failed")
)
