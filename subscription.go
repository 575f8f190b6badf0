// SPDX-License-Identifier: MIT
// SPDX-FileCopyrightText: 2022 mochi-mqtt, mochi-co

package mqttx

import (
	"fmt"
	"strings"
)

// Record identifies one client's subscription to a topic filter. Equality
// and hashing for the purposes of the subscriber sets is by (ClientID,
// Filter, ShareGroup) alone: QoS and CleanSession do not participate, so
// that a re-subscribe with a different QoS replaces the prior record rather
// than creating a second one.
type Record struct {
	ClientID     string
	Filter       string // unwrapped: never carries the $share/<group>/ prefix
	ShareGroup   string // empty unless this is a shared subscription
	QoS          byte   // 0, 1 or 2
	CleanSession bool
}

// NewRecord validates and constructs a Record. Filter must already be
// unwrapped (no $share/ prefix); shareGroup is passed separately.
func NewRecord(clientID string, qos byte, filter string, cleanSession bool, shareGroup string) (Record, error) {
	if clientID == "" {
		return Record{}, ErrEmptyClientID
	}
	if strings.Contains(clientID, Separator) {
		return Record{}, ErrClientIDContainsSeparator
	}
	if qos > 2 {
		return Record{}, ErrInvalidQoS
	}
	if err := ValidateFilter(filter); err != nil {
		return Record{}, err
	}

	return Record{
		ClientID:     clientID,
		Filter:       filter,
		ShareGroup:   shareGroup,
		QoS:          qos,
		CleanSession: cleanSession,
	}, nil
}

// Key returns the (ClientID, Filter, ShareGroup) identity used for set
// membership and replacement semantics.
func (r Record) Key() string {
	return r.ClientID + "\x00" + r.Filter + "\x00" + r.ShareGroup
}

// SubKey returns the durable-store hash field for this record:
// clientId, or clientId<!>shareGroup when shared.
func (r Record) SubKey() string {
	return SubKey(r.ClientID, r.ShareGroup)
}

// SubKey builds the durable-store hash field for a (clientId, shareGroup) pair.
func SubKey(clientID, shareGroup string) string {
	if shareGroup == "" {
		return clientID
	}
	return clientID + Separator + shareGroup
}

// ParseSubKey splits a durable-store hash field back into clientId and shareGroup.
func ParseSubKey(key string) (clientID, shareGroup string) {
	if idx := strings.Index(key, Separator); idx >= 0 {
		return key[:idx], key[idx+len(Separator):]
	}
	return key, ""
}

// WireFilter returns the filter as it should appear on the cluster wire and
// at the MQTT boundary: re-wrapped with $share/<group>/ when shared.
func (r Record) WireFilter() string {
	if r.ShareGroup == "" {
		return r.Filter
	}
	return fmt.Sprintf("%s/%s/%s", SharePrefix, r.ShareGroup, r.Filter)
}

// UnwrapTopic splits an MQTT-boundary topic (possibly $share/<group>/<filter>)
// into its unwrapped filter and optional share group.
func UnwrapTopic(topic string) (filter, shareGroup string, err error) {
	if IsShared(topic) {
		group, f, perr := ParseShared(topic)
		if perr != nil {
			return "", "", perr
		}
		return f, group, nil
	}
	return topic, "", nil
}
