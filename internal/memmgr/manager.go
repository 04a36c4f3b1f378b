// Package memmgr implements a hierarchical byte-accounting tracker: a
// Manager rolls every Add/Subtract up into its parent, recursively, with no
// throttling of its own — the consumer (data.BlockPool) enforces its own
// soft/hard limits on top of the counts this package maintains.
package memmgr

import (
	"sync/atomic"

	"github.com/prometheus/client_golang/prometheus"
)

// Manager is one node of a tree of byte counters.
type Manager struct {
	name   string
	parent *Manager
	total  int64

	gauge prometheus.Gauge
}

// NewRoot creates a top-level Manager not attached to any parent.
func NewRoot(name string) *Manager {
	return &Manager{name: name}
}

// Child creates a Manager whose Add/Subtract calls also roll up into m.
func (m *Manager) Child(name string) *Manager {
	return &Manager{name: m.name + "." + name, parent: m}
}

// WithGauge attaches a Prometheus gauge that mirrors Total() after every
// Add/Subtract. Returns the receiver for chaining.
func (m *Manager) WithGauge(g prometheus.Gauge) *Manager {
	m.gauge = g
	if g != nil {
		g.Set(float64(atomic.LoadInt64(&m.total)))
	}
	return m
}

// Add increases this manager's count (and every ancestor's) by size bytes.
func (m *Manager) Add(size int64) {
	for n := m; n != nil; n = n.parent {
		v := atomic.AddInt64(&n.total, size)
		if n.gauge != nil {
			n.gauge.Set(float64(v))
		}
	}
}

// Subtract decreases this manager's count (and every ancestor's) by size
// bytes.
func (m *Manager) Subtract(size int64) {
	m.Add(-size)
}

// Total returns the current byte count for this manager (not including
// siblings, but including everything this manager or its children added).
func (m *Manager) Total() int64 {
	return atomic.LoadInt64(&m.total)
}

// Name returns the dotted path of this manager from its root.
func (m *Manager) Name() string {
	return m.name
}
