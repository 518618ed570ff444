// Package metrics exposes the kernel's Prometheus collectors: page-fault
// classification counts, eviction counts, and sector/swap/inode occupancy
// gauges.
package metrics

import "github.com/prometheus/client_golang/prometheus"

// FaultKind labels a page_faults_total observation.
type FaultKind string

const (
	FaultSwapIn    FaultKind = "swap_in"
	FaultFileLoad  FaultKind = "file_load"
	FaultStackGrow FaultKind = "stack_grow"
	FaultBadAccess FaultKind = "bad_access"
)

var (
	PageFaults = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "edukernel",
		Name:      "page_faults_total",
		Help:      "Page faults handled, by classification.",
	}, []string{"kind"})

	Evictions = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "edukernel",
		Name:      "frame_evictions_total",
		Help:      "Frames evicted to make room for a new allocation.",
	})

	SwapSlotsInUse = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "edukernel",
		Name:      "swap_slots_in_use",
		Help:      "Occupied swap slots.",
	})

	FreeSectors = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "edukernel",
		Name:      "free_sectors",
		Help:      "Unallocated sectors on the filesystem device.",
	})

	OpenInodes = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "edukernel",
		Name:      "open_inodes",
		Help:      "Entries currently in the open-inode registry.",
	})

	DescriptorsInUse = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: "edukernel",
		Name:      "descriptors_in_use",
		Help:      "Occupied descriptor-table slots, by owning process id.",
	}, []string{"process_id"})
)

// MustRegister registers the collectors above against a
// prometheus.Registerer (production wiring lives in cmd/edukernel).
func MustRegister(reg prometheus.Registerer) {
	reg.MustRegister(PageFaults, Evictions, SwapSlotsInUse, FreeSectors, OpenInodes, DescriptorsInUse)
}
