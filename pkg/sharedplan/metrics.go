// Copyright 2024 The pg-shared-plans Authors.
//
// Use of this software is governed by the Business Source License
// included in the file licenses/BSL.txt.
//
// As of the Change Date specified in that file, in accordance with
// the Business Source License, use of this software will be governed
// by the Apache License, Version 2.0, included in the file
// licenses/APL.txt.

package sharedplan

import "github.com/prometheus/client_golang/prometheus"

// Metrics holds the Prometheus instruments for the cache. Hits, Misses,
// Bypasses and StaleHits are incremented on the planning path; the
// AllocedSize, RDependLen and EntryCount gauges are set by refresh.
// Evictions and Deallocs are created and registered, but nothing in this
// package updates them.
type Metrics struct {
	Hits        prometheus.Counter
	Misses      prometheus.Counter
	Bypasses    prometheus.Counter
	StaleHits   prometheus.Counter
	Evictions   prometheus.Counter
	AllocedSize prometheus.Gauge
	Deallocs    prometheus.Counter
	RDependLen  prometheus.Gauge
	EntryCount  prometheus.Gauge
}

// NewMetrics constructs a Metrics with every instrument created but not
// yet registered with any registerer; callers that want them exported
// call Register.
func NewMetrics() *Metrics {
	const ns = "sharedplan"
	return &Metrics{
		Hits: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: ns, Name: "hits_total", Help: "Planning requests served from a cached generic plan.",
		}),
		Misses: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: ns, Name: "misses_total", Help: "Planning requests that required a custom plan.",
		}),
		Bypasses: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: ns, Name: "bypasses_total", Help: "Times the cached generic plan was judged cheaper than a custom plan.",
		}),
		StaleHits: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: ns, Name: "stale_hits_total", Help: "Cache hits that lost a race with a concurrent discard.",
		}),
		Evictions: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: ns, Name: "evictions_total", Help: "Entries removed by the eviction engine.",
		}),
		AllocedSize: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: ns, Name: "alloced_size_bytes", Help: "Bytes currently accounted for in the shared allocator.",
		}),
		Deallocs: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: ns, Name: "deallocs_total", Help: "Free operations issued against the shared allocator.",
		}),
		RDependLen: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: ns, Name: "rdepend_entries", Help: "Distinct objects tracked in the reverse-dependency index.",
		}),
		EntryCount: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: ns, Name: "entries", Help: "Resident cache entries.",
		}),
	}
}

// Register adds every instrument to reg.
func (m *Metrics) Register(reg prometheus.Registerer) error {
	collectors := []prometheus.Collector{
		m.Hits, m.Misses, m.Bypasses, m.StaleHits, m.Evictions,
		m.AllocedSize, m.Deallocs, m.RDependLen, m.EntryCount,
	}
	for _, c := range collectors {
		if err := reg.Register(c); err != nil {
			return err
		}
	}
	return nil
}

// refresh pulls the current gauge values from table and alloc. Called
// periodically by the admin surface, not on the hot path.
func (m *Metrics) refresh(table *EntryTable, rdeps interface{ Len() int }, alloc interface{ AllocedSize() int64 }) {
	m.AllocedSize.Set(float64(alloc.AllocedSize()))
	m.RDependLen.Set(float64(rdeps.Len()))
	m.EntryCount.Set(float64(table.Len()))
}
