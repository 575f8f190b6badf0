// SPDX-License-Identifier: MIT
// SPDX-FileCopyrightText: 2022 mochi-mqtt, mochi-co

package mqttx

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestIsWildcard(t *testing.T) {
	require.True(t, IsWildcard("a/+/c"))
	require.True(t, IsWildcard("a/#"))
	require.False(t, IsWildcard("a/b/c"))
}

func TestIsShared(t *testing.T) {
	require.True(t, IsShared("$share/g/a/b"))
	require.False(t, IsShared("a/b"))
	require.False(t, IsShared("$sharex/g/a"))
}

func TestParseShared(t *testing.T) {
	group, filter, err := ParseShared("$share/g1/a/b/c")
	require.NoError(t, err)
	require.Equal(t, "g1", group)
	require.Equal(t, "a/b/c", filter)
}

func TestParseSharedMalformed(t *testing.T) {
	cases := []string{
		"$share/",
		"$share/g",
		"$share//a",
		"$share/g/",
		"a/b",
	}
	for _, c := range cases {
		_, _, err := ParseShared(c)
		require.Error(t, err, c)
	}
}

func TestValidateFilter(t *testing.T) {
	require.NoError(t, ValidateFilter("a/b/c"))
	require.NoError(t, ValidateFilter("a/+/c"))
	require.NoError(t, ValidateFilter("a/#"))
	require.NoError(t, ValidateFilter("#"))

	require.ErrorIs(t, ValidateFilter(""), ErrEmptyFilter)
	require.Error(t, ValidateFilter("a/#/c"))
	require.Error(t, ValidateFilter("a/b+/c"))
	require.Error(t, ValidateFilter("a/b#"))
}

func TestMatchConcrete(t *testing.T) {
	require.True(t, Match("a/b", "a/b"))
	require.False(t, Match("a/b", "a/c"))
}

func TestMatchPlusWildcard(t *testing.T) {
	require.True(t, Match("a/b/c", "a/+/c"))
	require.False(t, Match("a/b/d", "a/+/c"))
	require.False(t, Match("a/b/c/d", "a/+/c"))
	require.False(t, Match("a/c", "a/+/c"))
}

func TestMatchHashWildcard(t *testing.T) {
	require.True(t, Match("a", "a/#"))
	require.True(t, Match("a/b/c", "a/#"))
	require.False(t, Match("b", "a/#"))
	require.True(t, Match("anything/at/all", "#"))
}

func TestMatchDollarTopicsExcludedFromWildcardAtLevelZero(t *testing.T) {
	require.False(t, Match("$SYS/broker/clients", "+/broker/clients"))
	require.False(t, Match("$SYS/broker/clients", "#"))
	require.True(t, Match("$SYS/broker/clients", "$SYS/broker/clients"))
	require.True(t, Match("$SYS/broker/clients", "$SYS/#"))
}

func TestMatchEmptyInputs(t *testing.T) {
	require.False(t, Match("", "a/b"))
	require.False(t, Match("a/b", ""))
}
