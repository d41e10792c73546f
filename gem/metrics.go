package gem

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Collector exposes a Manager's counters and gauges as Prometheus metrics.
// Register it with a prometheus.Registerer; every scrape takes a Stats
// snapshot.
type Collector struct {
	manager *Manager

	aperturePagesFree  *prometheus.Desc
	aperturePagesTotal *prometheus.Desc
	fenceSlotsUsed     *prometheus.Desc
	openHandles        *prometheus.Desc
	liveObjects        *prometheus.Desc
	cachedBuffers      *prometheus.Desc
	evictionsTotal     *prometheus.Desc
	fenceStealsTotal   *prometheus.Desc
	cacheHitsTotal     *prometheus.Desc
	cacheMissesTotal   *prometheus.Desc
}

var _ prometheus.Collector = (*Collector)(nil)

func NewCollector(manager *Manager) *Collector {
	return &Collector{
		manager: manager,

		aperturePagesFree: prometheus.NewDesc(
			"gart_aperture_free_pages",
			"Number of aperture pages not bound to any object.",
			nil, nil),
		aperturePagesTotal: prometheus.NewDesc(
			"gart_aperture_total_pages",
			"Total aperture pages, including the scratch page.",
			nil, nil),
		fenceSlotsUsed: prometheus.NewDesc(
			"gart_fence_slots_used",
			"Hardware fence slots currently assigned to tiled bindings.",
			nil, nil),
		openHandles: prometheus.NewDesc(
			"gart_open_handles",
			"Handles currently open in the handle table.",
			nil, nil),
		liveObjects: prometheus.NewDesc(
			"gart_live_objects",
			"Buffer objects whose reference count has not reached zero.",
			nil, nil),
		cachedBuffers: prometheus.NewDesc(
			"gart_cached_buffers",
			"Buffers parked in the reuse cache.",
			nil, nil),
		evictionsTotal: prometheus.NewDesc(
			"gart_evictions_total",
			"Bindings torn down to make room for new allocations.",
			nil, nil),
		fenceStealsTotal: prometheus.NewDesc(
			"gart_fence_steals_total",
			"Fence slots reassigned from an idle holder to a new binding.",
			nil, nil),
		cacheHitsTotal: prometheus.NewDesc(
			"gart_cache_hits_total",
			"Cache lookups satisfied by a parked buffer.",
			nil, nil),
		cacheMissesTotal: prometheus.NewDesc(
			"gart_cache_misses_total",
			"Cache lookups that created a fresh buffer.",
			nil, nil),
	}
}

func (c *Collector) Describe(ch chan<- *prometheus.Desc) {
	ch <- c.aperturePagesFree
	ch <- c.aperturePagesTotal
	ch <- c.fenceSlotsUsed
	ch <- c.openHandles
	ch <- c.liveObjects
	ch <- c.cachedBuffers
	ch <- c.evictionsTotal
	ch <- c.fenceStealsTotal
	ch <- c.cacheHitsTotal
	ch <- c.cacheMissesTotal
}

func (c *Collector) Collect(ch chan<- prometheus.Metric) {
	stats := c.manager.Stats()

	ch <- prometheus.MustNewConstMetric(c.aperturePagesFree, prometheus.GaugeValue, float64(stats.FreePages))
	ch <- prometheus.MustNewConstMetric(c.aperturePagesTotal, prometheus.GaugeValue, float64(stats.TotalPages))
	ch <- prometheus.MustNewConstMetric(c.fenceSlotsUsed, prometheus.GaugeValue, float64(stats.FenceSlotsInUse))
	ch <- prometheus.MustNewConstMetric(c.openHandles, prometheus.GaugeValue, float64(stats.OpenHandles))
	ch <- prometheus.MustNewConstMetric(c.liveObjects, prometheus.GaugeValue, float64(stats.LiveObjects))
	ch <- prometheus.MustNewConstMetric(c.cachedBuffers, prometheus.GaugeValue, float64(stats.CachedBuffers))
	ch <- prometheus.MustNewConstMetric(c.evictionsTotal, prometheus.CounterValue, float64(stats.Evictions))
	ch <- prometheus.MustNewConstMetric(c.fenceStealsTotal, prometheus.CounterValue, float64(stats.FenceSteals))
	ch <- prometheus.MustNewConstMetric(c.cacheHitsTotal, prometheus.CounterValue, float64(stats.CacheHits))
	ch <- prometheus.MustNewConstMetric(c.cacheMissesTotal, prometheus.CounterValue, float64(stats.CacheMisses))
}
