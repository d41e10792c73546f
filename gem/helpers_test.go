package gem

import (
	"os"
	"testing"
	"time"

	"github.com/gfxcore/gart/hw/hwtest"
	"github.com/stretchr/testify/require"
	"golang.org/x/exp/slog"
)

// newTestManager builds a Manager over a fake device with fast poll bounds so
// timeout paths stay quick under test.
func newTestManager(t *testing.T, aperturePages int, options CreateOptions) (*Manager, *hwtest.Device) {
	t.Helper()

	if options.EvictionPollInterval == 0 {
		options.EvictionPollInterval = 100 * time.Microsecond
	}
	if options.EvictionPollTimeout == 0 {
		options.EvictionPollTimeout = 20 * time.Millisecond
	}

	device := hwtest.NewDevice(DefaultPageSize)
	logger := slog.New(slog.NewTextHandler(os.Stdout))

	manager, err := New(logger, aperturePages, device, device, device, device, options)
	require.NoError(t, err)

	return manager, device
}

func mustCreate(t *testing.T, m *Manager, size int, flags CreateFlags) Handle {
	t.Helper()

	handle, err := m.Create(size, flags)
	require.NoError(t, err)
	return handle
}
