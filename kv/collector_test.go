package kv

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestStoreCollectorGathers(t *testing.T) {
	st := openMemStore(t)
	sc, err := NewStoreCollector(st)
	require.NoError(t, err)

	reg := prometheus.NewPedanticRegistry()
	require.NoError(t, reg.Register(sc))

	families, err := reg.Gather()
	require.NoError(t, err)
	assert.Len(t, families, len(storeMetrics))
	names := make(map[string]bool, len(families))
	for _, mf := range families {
		names[mf.GetName()] = true
	}
	assert.True(t, names["permazen_store_wal_size_bytes"])
	assert.True(t, names["permazen_store_compaction_count_total"])
}
