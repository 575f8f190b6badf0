// SPDX-License-Identifier: MIT
// SPDX-FileCopyrightText: 2022 mochi-mqtt, mochi-co

package mqttx

import "strings"

var (
	// SharePrefix is the topic-level prefix marking an MQTT 5 shared subscription.
	SharePrefix = "$share"

	// SysPrefix is the topic-level prefix marking a $SYS system topic.
	SysPrefix = "$SYS"

	// Separator joins a clientId and shareGroup into a single durable-store hash field.
	// It is a build-time constant; clientIds containing it are rejected at construction.
	Separator = "<!>"
)

// IsWildcard returns true if the filter contains a '+' or '#' wildcard level.
func IsWildcard(filter string) bool {
	return strings.ContainsRune(filter, '+') || strings.ContainsRune(filter, '#')
}

// IsShared returns true if topic begins with the $share/ sentinel.
func IsShared(topic string) bool {
	return len(topic) >= len(SharePrefix)+1 &&
		strings.EqualFold(topic[:len(SharePrefix)], SharePrefix) &&
		topic[len(SharePrefix)] == '/'
}

// ParseShared splits a $share/<group>/<filter> topic into its group name and
// inner filter. It fails if the topic is not a well-formed shared filter.
func ParseShared(topic string) (group, filter string, err error) {
	if !IsShared(topic) {
		return "", "", ErrMalformedShareTopic
	}

	rest := topic[len(SharePrefix)+1:]
	idx := strings.IndexByte(rest, '/')
	if idx <= 0 || idx == len(rest)-1 {
		return "", "", ErrMalformedShareTopic
	}

	group = rest[:idx]
	filter = rest[idx+1:]
	if strings.ContainsAny(group, "+#") {
		return "", "", ErrMalformedShareTopic
	}

	return group, filter, nil
}

// ValidateFilter checks that filter is syntactically valid per MQTT 3.3.2/4.7:
// '#' only as the last level, '+'/'#' occupying a whole level, and non-empty.
func ValidateFilter(filter string) error {
	if filter == "" {
		return ErrEmptyFilter
	}

	levels := strings.Split(filter, "/")
	for i, level := range levels {
		switch {
		case level == "+" || level == "#":
			if level == "#" && i != len(levels)-1 {
				return ErrInvalidFilter
			}
		case strings.ContainsAny(level, "+#"):
			return ErrInvalidFilter
		}
	}

	return nil
}

// Match reports whether concreteTopic matches filter under MQTT level-wise
// wildcard semantics: '+' matches exactly one non-empty level, '#' matches
// the remainder (zero or more levels) and must be the final level. Topics
// beginning with '$' never match a filter whose first level is '+' or '#'.
func Match(concreteTopic, filter string) bool {
	if concreteTopic == "" || filter == "" {
		return false
	}

	if concreteTopic[0] == '$' {
		if filter[0] == '+' || filter[0] == '#' {
			return false
		}
	}

	topicLevels := strings.Split(concreteTopic, "/")
	filterLevels := strings.Split(filter, "/")

	var ti int
	for fi := 0; fi < len(filterLevels); fi++ {
		fl := filterLevels[fi]

		if fl == "#" {
			return true // matches the remainder, including zero further levels
		}

		if ti >= len(topicLevels) {
			return false
		}

		if fl == "+" && topicLevels[ti] == "" {
			return false
		}
		if fl != "+" && fl != topicLevels[ti] {
			return false
		}

		ti++
	}

	return ti == len(topicLevels)
}
