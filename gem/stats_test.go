package gem

import (
	"encoding/json"
	"testing"

	"github.com/gfxcore/gart/hw"
	"github.com/launchdarkly/go-jsonstream/v3/jwriter"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/require"
)

func TestStatsSnapshot(t *testing.T) {
	m, _ := newTestManager(t, 16, CreateOptions{})
	defer func() { require.NoError(t, m.Destroy()) }()

	hA := mustCreate(t, m, 2*DefaultPageSize, 0)
	hB := mustCreate(t, m, DefaultPageSize, 0)
	require.NoError(t, m.Bind(hA, CacheLLC))

	stats := m.Stats()
	require.Equal(t, 16, stats.TotalPages)
	require.Equal(t, 13, stats.FreePages)
	require.Equal(t, 2, stats.LiveObjects)
	require.Equal(t, 2, stats.OpenHandles)
	require.Equal(t, 1, stats.InactiveObjects)
	require.Zero(t, stats.ActiveObjects)

	require.NoError(t, m.Unbind(hA))
	require.NoError(t, m.Close(hA))
	require.NoError(t, m.Close(hB))
}

func TestStatsRetiresCompletedWork(t *testing.T) {
	m, device := newTestManager(t, 16, CreateOptions{})
	defer func() { require.NoError(t, m.Destroy()) }()

	handle := mustCreate(t, m, DefaultPageSize, 0)
	require.NoError(t, m.Bind(handle, CacheLLC))
	require.NoError(t, m.Submit(handle, hw.EngineRender, 3))

	stats := m.Stats()
	require.Equal(t, 1, stats.ActiveObjects)
	require.Zero(t, stats.InactiveObjects)

	device.Complete(hw.EngineRender, 3)

	stats = m.Stats()
	require.Zero(t, stats.ActiveObjects)
	require.Equal(t, 1, stats.InactiveObjects)

	require.NoError(t, m.Unbind(handle))
	require.NoError(t, m.Close(handle))
}

func TestDetailedStats(t *testing.T) {
	m, _ := newTestManager(t, 16, CreateOptions{})
	defer func() { require.NoError(t, m.Destroy()) }()

	hA := mustCreate(t, m, 2*DefaultPageSize, 0)
	hB := mustCreate(t, m, DefaultPageSize, 0)
	require.NoError(t, m.Bind(hA, CacheLLC))
	require.NoError(t, m.Bind(hB, CacheLLC))

	stats := m.DetailedStats()
	require.Equal(t, 2, stats.ObjectCount)
	require.Equal(t, 2, stats.BoundCount)
	require.Equal(t, 3*DefaultPageSize, stats.BoundBytes)
	require.Equal(t, DefaultPageSize, stats.BoundSizeMin)
	require.Equal(t, 2*DefaultPageSize, stats.BoundSizeMax)
	// Pages 1-3 are bound, leaving one free run covering pages 4-15.
	require.Equal(t, 1, stats.FreeRunCount)
	require.Equal(t, 12, stats.FreeRunSizeMax)

	require.NoError(t, m.Unbind(hA))
	require.NoError(t, m.Unbind(hB))
	require.NoError(t, m.Close(hA))
	require.NoError(t, m.Close(hB))
}

func TestBuildStatsString(t *testing.T) {
	m, _ := newTestManager(t, 16, CreateOptions{})
	defer func() { require.NoError(t, m.Destroy()) }()

	hA := mustCreate(t, m, DefaultPageSize, 0)
	require.NoError(t, m.SetTiling(hA, TilingX, 512))
	require.NoError(t, m.Bind(hA, CacheLLC))

	writer := jwriter.NewWriter()
	m.BuildStatsString(&writer)
	require.NoError(t, writer.Error())

	var parsed struct {
		Aperture struct {
			TotalPages int
			FreePages  int
			Bindings   []struct {
				OffsetPages int
				NumPages    int
				Tiling      string
				Fenced      bool
			}
		}
		Fences struct {
			SlotCount  int
			SlotsInUse int
		}
		Objects struct {
			Live        int
			OpenHandles int
		}
	}
	require.NoError(t, json.Unmarshal(writer.Bytes(), &parsed))

	require.Equal(t, 16, parsed.Aperture.TotalPages)
	require.Equal(t, 14, parsed.Aperture.FreePages)
	require.Len(t, parsed.Aperture.Bindings, 1)
	require.Equal(t, 1, parsed.Aperture.Bindings[0].OffsetPages)
	require.Equal(t, "TilingX", parsed.Aperture.Bindings[0].Tiling)
	require.True(t, parsed.Aperture.Bindings[0].Fenced)
	require.Equal(t, 16, parsed.Fences.SlotCount)
	require.Equal(t, 1, parsed.Fences.SlotsInUse)
	require.Equal(t, 1, parsed.Objects.Live)
	require.Equal(t, 1, parsed.Objects.OpenHandles)

	require.NoError(t, m.Unbind(hA))
	require.NoError(t, m.Close(hA))
}

func TestValidatePassesAfterMixedActivity(t *testing.T) {
	m, _ := newTestManager(t, 16, CreateOptions{})
	defer func() { require.NoError(t, m.Destroy()) }()

	hA := mustCreate(t, m, 2*DefaultPageSize, 0)
	hB := mustCreate(t, m, DefaultPageSize, 0)
	require.NoError(t, m.SetTiling(hA, TilingY, 256))
	require.NoError(t, m.Bind(hA, CacheLLC))
	require.NoError(t, m.Bind(hB, CacheWriteCombine))
	require.NoError(t, m.Unbind(hB))

	require.NoError(t, m.Validate())

	require.NoError(t, m.Unbind(hA))
	require.NoError(t, m.Close(hA))
	require.NoError(t, m.Close(hB))
	require.NoError(t, m.Validate())
}

func TestCollectorGathersAllMetrics(t *testing.T) {
	m, _ := newTestManager(t, 16, CreateOptions{})
	defer func() { require.NoError(t, m.Destroy()) }()

	handle := mustCreate(t, m, DefaultPageSize, 0)
	require.NoError(t, m.Bind(handle, CacheLLC))

	registry := prometheus.NewPedanticRegistry()
	require.NoError(t, registry.Register(NewCollector(m)))

	families, err := registry.Gather()
	require.NoError(t, err)
	require.Len(t, families, 10)

	values := make(map[string]float64)
	for _, family := range families {
		metric := family.GetMetric()[0]
		if metric.GetGauge() != nil {
			values[family.GetName()] = metric.GetGauge().GetValue()
		} else {
			values[family.GetName()] = metric.GetCounter().GetValue()
		}
	}

	require.Equal(t, float64(16), values["gart_aperture_total_pages"])
	require.Equal(t, float64(14), values["gart_aperture_free_pages"])
	require.Equal(t, float64(1), values["gart_open_handles"])
	require.Equal(t, float64(1), values["gart_live_objects"])
	require.Equal(t, float64(0), values["gart_evictions_total"])

	require.NoError(t, m.Unbind(handle))
	require.NoError(t, m.Close(handle))
}
