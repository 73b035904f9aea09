package kv

import (
	"github.com/cockroachdb/pebble"
	"github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus"
)

type storeMetric struct {
	desc  *prometheus.Desc
	kind  prometheus.ValueType
	value func(m *pebble.Metrics) float64
}

func gauge(name, help string, value func(m *pebble.Metrics) float64) storeMetric {
	return storeMetric{
		desc:  prometheus.NewDesc(name, help, nil, nil),
		kind:  prometheus.GaugeValue,
		value: value,
	}
}

func counter(name, help string, value func(m *pebble.Metrics) float64) storeMetric {
	return storeMetric{
		desc:  prometheus.NewDesc(name, help, nil, nil),
		kind:  prometheus.CounterValue,
		value: value,
	}
}

var storeMetrics = []storeMetric{
	counter("permazen_store_compaction_count_total", "Compactions performed",
		func(m *pebble.Metrics) float64 { return float64(m.Compact.Count) }),
	gauge("permazen_store_compaction_estimated_debt_bytes", "Bytes to compact to reach a stable state",
		func(m *pebble.Metrics) float64 { return float64(m.Compact.EstimatedDebt) }),
	gauge("permazen_store_compaction_in_progress_bytes", "Bytes being compacted right now",
		func(m *pebble.Metrics) float64 { return float64(m.Compact.InProgressBytes) }),
	gauge("permazen_store_memtable_size_bytes", "Current memtable size",
		func(m *pebble.Metrics) float64 { return float64(m.MemTable.Size) }),
	gauge("permazen_store_memtable_count", "Current memtable count",
		func(m *pebble.Metrics) float64 { return float64(m.MemTable.Count) }),
	gauge("permazen_store_wal_files", "Live WAL files",
		func(m *pebble.Metrics) float64 { return float64(m.WAL.Files) }),
	gauge("permazen_store_wal_size_bytes", "Live WAL data size",
		func(m *pebble.Metrics) float64 { return float64(m.WAL.Size) }),
	counter("permazen_store_wal_bytes_written_total", "Physical bytes written to the WAL",
		func(m *pebble.Metrics) float64 { return float64(m.WAL.BytesWritten) }),
}

// StoreCollector exposes the underlying pebble engine's compaction,
// memtable and WAL health to prometheus. Register one per opened
// store.
type StoreCollector struct {
	db *pebble.DB
}

func NewStoreCollector(s Store) (*StoreCollector, error) {
	st, ok := s.(*pebbleStore)
	if !ok || st.db == nil {
		return nil, errors.Wrap(ErrClosed, "store has no pebble engine")
	}
	return &StoreCollector{db: st.db}, nil
}

func (sc *StoreCollector) Describe(ch chan<- *prometheus.Desc) {
	for i := range storeMetrics {
		ch <- storeMetrics[i].desc
	}
}

func (sc *StoreCollector) Collect(ch chan<- prometheus.Metric) {
	m := sc.db.Metrics()
	for i := range storeMetrics {
		ch <- prometheus.MustNewConstMetric(storeMetrics[i].desc, storeMetrics[i].kind, storeMetrics[i].value(m))
	}
}
