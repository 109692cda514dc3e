package channel

import (
	"math"
	"math/cmplx"
	"math/rand"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"pgregory.net/rapid"

	"github.com/jeongseonghan/pilotrx/internal/numeric"
)

func qpsk(n, modes int, rng *rand.Rand) [][]complex128 {
	pts := []complex128{complex(1, 1), complex(1, -1), complex(-1, 1), complex(-1, -1)}
	out := make([][]complex128, modes)
	for m := range out {
		row := make([]complex128, n)
		for i := range row {
			row[i] = pts[rng.Intn(4)] / complex(math.Sqrt2, 0)
		}
		out[m] = row
	}
	return out
}

func TestAddAWGN_MeasuredSNR(t *testing.T) {
	rng := rand.New(rand.NewSource(1))
	wf := qpsk(100000, 2, rng)
	for _, snr := range []float64{0, 10, 20} {
		noisy := AddAWGN(wf, snr, rng)
		for m := range wf {
			var pn float64
			for i := range wf[m] {
				pn += numeric.CAbsSquared(noisy[m][i] - wf[m][i])
			}
			pn /= float64(len(wf[m]))
			got := numeric.Lin2DB(numeric.MeanPower(wf[m]) / pn)
			assert.InDelta(t, snr, got, 0.1, "mode %d", m)
		}
	}
}

func TestApplyFrequencyOffset(t *testing.T) {
	wf := [][]complex128{{1, 1, 1, 1}}
	out := ApplyFrequencyOffset(wf, 1, 4)
	want := []complex128{1, 1i, -1, -1i}
	for i := range want {
		assert.InDelta(t, 0, cmplx.Abs(out[0][i]-want[i]), 1e-12)
	}
	assert.Equal(t, complex128(1), wf[0][1], "input modified")
}

func TestApplyPhaseNoise_SharedAndUnitModulus(t *testing.T) {
	rng := rand.New(rand.NewSource(2))
	wf := [][]complex128{make([]complex128, 1000), make([]complex128, 1000)}
	for m := range wf {
		for i := range wf[m] {
			wf[m][i] = 1
		}
	}
	out := ApplyPhaseNoise(wf, 1e6, 1e9, rng)
	for i := range out[0] {
		require.InDelta(t, 1, cmplx.Abs(out[0][i]), 1e-12)
		require.Equal(t, out[0][i], out[1][i])
	}
}

func TestApplyPhaseNoise_Variance(t *testing.T) {
	rng := rand.New(rand.NewSource(3))
	const n = 200000
	wf := [][]complex128{make([]complex128, n)}
	for i := range wf[0] {
		wf[0][i] = 1
	}
	lw, fs := 1e5, 1e9
	out := ApplyPhaseNoise(wf, lw, fs, rng)

	var sum float64
	for i := 1; i < n; i++ {
		d := cmplx.Phase(out[0][i] * cmplx.Conj(out[0][i-1]))
		sum += d * d
	}
	want := 2 * math.Pi * lw / fs
	assert.InEpsilon(t, want, sum/float64(n-1), 0.05)
}

func TestApplyModalDelay(t *testing.T) {
	wf := [][]complex128{{1, 2, 3, 4}, {5, 6, 7, 8}}
	out, err := ApplyModalDelay(wf, []int{1, -1})
	require.NoError(t, err)
	assert.Equal(t, []complex128{4, 1, 2, 3}, out[0])
	assert.Equal(t, []complex128{6, 7, 8, 5}, out[1])

	_, err = ApplyModalDelay(wf, []int{1})
	assert.Error(t, err)
}

func TestRotateModes_PreservesPower(t *testing.T) {
	rapid.Check(t, func(t *rapid.T) {
		theta := rapid.Float64Range(-math.Pi, math.Pi).Draw(t, "theta")
		seed := rapid.Int64().Draw(t, "seed")
		wf := qpsk(64, 2, rand.New(rand.NewSource(seed)))
		out, err := RotateModes(wf, theta)
		if err != nil {
			t.Fatal(err)
		}
		for i := range wf[0] {
			pin := numeric.CAbsSquared(wf[0][i]) + numeric.CAbsSquared(wf[1][i])
			pout := numeric.CAbsSquared(out[0][i]) + numeric.CAbsSquared(out[1][i])
			if math.Abs(pin-pout) > 1e-9 {
				t.Fatalf("sample %d: power %g became %g", i, pin, pout)
			}
		}
	})
}

func TestRotateModes_RequiresTwoModes(t *testing.T) {
	_, err := RotateModes([][]complex128{{1}}, 0.3)
	assert.Error(t, err)
}

func TestQuantize_Levels(t *testing.T) {
	rng := rand.New(rand.NewSource(4))
	wf := make([][]complex128, 1)
	wf[0] = make([]complex128, 5000)
	for i := range wf[0] {
		wf[0][i] = complex(rng.NormFloat64(), rng.NormFloat64())
	}
	out := Quantize(wf, 3)

	levels := map[float64]bool{}
	for _, v := range out[0] {
		levels[math.Round(real(v)*1e9)/1e9] = true
	}
	assert.LessOrEqual(t, len(levels), 8)
	assert.InEpsilon(t, numeric.MeanPower(wf[0]), numeric.MeanPower(out[0]), 1e-9)
}

func TestSimulate_Clean(t *testing.T) {
	wf := qpsk(128, 2, rand.New(rand.NewSource(5)))
	out, err := Simulate(wf, Impairments{SNR: math.Inf(1)}, rand.New(rand.NewSource(6)))
	require.NoError(t, err)
	assert.Equal(t, wf, out)
	out[0][0] = 0
	assert.NotEqual(t, complex128(0), wf[0][0], "Simulate must not alias the input")
}

func TestSimulate_RequiresSampleRate(t *testing.T) {
	wf := qpsk(16, 1, rand.New(rand.NewSource(7)))
	_, err := Simulate(wf, Impairments{SNR: math.Inf(1), FreqOffset: 1e6}, rand.New(rand.NewSource(8)))
	assert.Error(t, err)
}
