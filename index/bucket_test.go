// SPDX-License-Identifier: MIT
// SPDX-FileCopyrightText: 2022 mochi-mqtt, mochi-co

package index

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/CarlKong/mqttx"
)

func TestRecordBucketPutReplacesOnQoSChange(t *testing.T) {
	b := NewRecordBucket()

	r0, err := mqttx.NewRecord("c1", 0, "a/b", true, "")
	require.NoError(t, err)
	r2, err := mqttx.NewRecord("c1", 2, "a/b", true, "")
	require.NoError(t, err)

	b.Put(r0)
	b.Put(r2)

	require.Equal(t, 1, b.Len())
	snap := b.Snapshot()
	require.Len(t, snap, 1)
	require.EqualValues(t, 2, snap[0].QoS)
}

func TestRecordBucketDeleteByClientIDSweepsShareGroups(t *testing.T) {
	b := NewRecordBucket()

	r1, err := mqttx.NewRecord("c1", 1, "a/b", false, "g1")
	require.NoError(t, err)
	r2, err := mqttx.NewRecord("c1", 1, "a/b", false, "g2")
	require.NoError(t, err)
	r3, err := mqttx.NewRecord("c2", 1, "a/b", false, "g1")
	require.NoError(t, err)

	b.Put(r1)
	b.Put(r2)
	b.Put(r3)

	removed := b.DeleteByClientID("c1")
	require.Len(t, removed, 2)
	require.Equal(t, 1, b.Len())
}

func TestBucketMapGetOrCreateIsIdempotent(t *testing.T) {
	bm := NewBucketMap()
	b1 := bm.GetOrCreate("a/b")
	b2 := bm.GetOrCreate("a/b")
	require.Same(t, b1, b2)
}

func TestBucketMapFilters(t *testing.T) {
	bm := NewBucketMap()
	bm.GetOrCreate("a/b")
	bm.GetOrCreate("c/d")

	filters := bm.Filters()
	require.Len(t, filters, 2)
	require.Contains(t, filters, "a/b")
	require.Contains(t, filters, "c/d")
}
