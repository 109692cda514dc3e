package sim

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSweep(t *testing.T) {
	base := smallConfig()
	snrs := []float64{30, 20, 25}

	points, err := Sweep(context.Background(), base, snrs, 2)
	require.NoError(t, err)
	require.Len(t, points, len(snrs))
	for i, p := range points {
		require.NoError(t, p.Err, "snr %g", p.SNR)
		require.NotNil(t, p.Report)
		assert.Equal(t, snrs[i], p.SNR)
		assert.Equal(t, snrs[i], p.Report.Config.SNR)
		assert.Equal(t, base.Seed+int64(i), p.Report.Config.Seed)
	}
}

func TestSweep_Deterministic(t *testing.T) {
	base := smallConfig()
	snrs := []float64{12, 12}

	a, err := Sweep(context.Background(), base, snrs, 1)
	require.NoError(t, err)
	b, err := Sweep(context.Background(), base, snrs, 2)
	require.NoError(t, err)
	for i := range a {
		require.NoError(t, a[i].Err)
		require.NoError(t, b[i].Err)
		assert.Equal(t, a[i].Report.Modes, b[i].Report.Modes, "point %d", i)
	}
}

func TestSweep_Cancelled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := Sweep(ctx, smallConfig(), []float64{20, 30}, 1)
	assert.ErrorIs(t, err, context.Canceled)
}

func TestSweep_InvalidBase(t *testing.T) {
	base := smallConfig()
	base.Beta = 2
	_, err := Sweep(context.Background(), base, []float64{10}, 1)
	assert.Error(t, err)
}
