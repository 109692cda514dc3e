package modem

import (
	"errors"
	"math"
	"math/rand"
	"testing"

	"github.com/jeongseonghan/pilotrx/internal/numeric"
)

func TestFrameSync_RecoversShift(t *testing.T) {
	p := testParams()
	sig := testSignal(t, p, 2, 11)
	period := p.FrameLength * p.Oversampling
	center := p.Stages[0].Taps / 2

	for _, roll := range []int{0, 1, 500, 4097, 9001} {
		rx := rollSignal(sig, roll)
		res, err := FrameSync(rx.Samples, rx.Os, rx.PilotSeq, p)
		if err != nil {
			t.Fatalf("roll %d: FrameSync error: %v", roll, err)
		}
		for i, s := range res.Shifts {
			got := ((s+center)%period + period) % period
			if got != roll%period {
				t.Errorf("roll %d mode %d: peak at %d, expected %d", roll, i, got, roll%period)
			}
			if res.Metric[i] < 0.99 {
				t.Errorf("roll %d mode %d: metric %.3f for a clean capture", roll, i, res.Metric[i])
			}
		}
		if res.Searched {
			t.Errorf("roll %d: search equalizer ran on a clean capture", roll)
		}
	}
}

func TestFrameSync_ModalDelay(t *testing.T) {
	p := testParams()
	sig := testSignal(t, p, 2, 12)
	rx := sig.WithSamples([][]complex128{
		sig.Samples[0],
		rollSignal(sig, 5).Samples[1],
	}, sig.Os)

	res, err := FrameSync(rx.Samples, rx.Os, rx.PilotSeq, p)
	if err != nil {
		t.Fatalf("FrameSync error: %v", err)
	}
	if d := res.Shifts[1] - res.Shifts[0]; d != 5 {
		t.Errorf("relative shift %d, expected 5", d)
	}
}

func TestFrameSync_CoarseFOE(t *testing.T) {
	p := testParams()
	sig := testSignal(t, p, 1, 13)
	w := 0.004 // rad/symbol
	rows := CompensateFrequency(sig.Samples, []float64{-w}, sig.Os)

	res, err := FrameSync(rows, sig.Os, sig.PilotSeq, p)
	if err != nil {
		t.Fatalf("FrameSync error: %v", err)
	}
	if math.Abs(res.CoarseFOE[0]-w) > 1e-4 {
		t.Errorf("coarse FOE %g, expected %g", res.CoarseFOE[0], w)
	}
}

func TestFrameSync_LargeFrequencyOffset(t *testing.T) {
	p := testParams()
	sig := testSignal(t, p, 2, 18)
	period := p.FrameLength * p.Oversampling
	center := p.Stages[0].Taps / 2

	// 100 MHz, 150 MHz and 1 GHz at 20 GBd.
	for _, w := range []float64{0.0314, 0.047, 0.314, -0.314} {
		rows := CompensateFrequency(rollSignal(sig, 321).Samples, []float64{-w, -w}, sig.Os)
		res, err := FrameSync(rows, sig.Os, sig.PilotSeq, p)
		if err != nil {
			t.Fatalf("w=%g: FrameSync error: %v", w, err)
		}
		if res.Searched {
			t.Errorf("w=%g: search equalizer ran on a clean capture", w)
		}
		for i := range res.Shifts {
			if got := ((res.Shifts[i]+center)%period + period) % period; got != 321 {
				t.Errorf("w=%g mode %d: peak at %d, expected 321", w, i, got)
			}
			if math.Abs(res.CoarseFOE[i]-w) > 1e-5 {
				t.Errorf("w=%g mode %d: coarse FOE %g", w, i, res.CoarseFOE[i])
			}
		}
	}
}

func TestBlindFOE(t *testing.T) {
	p := testParams()
	sig := testSignal(t, p, 2, 19)
	for _, w := range []float64{0, 0.2, -0.6} {
		rows := CompensateFrequency(sig.Samples, []float64{-w, -w}, sig.Os)
		if got := blindFOE(rows, sig.Os); math.Abs(got-w) > 5e-4 {
			t.Errorf("blindFOE = %g, expected %g", got, w)
		}
	}
}

func TestFrameSync_SingleFrame(t *testing.T) {
	p := testParams()
	sig := testSignal(t, p, 1, 20)
	period := p.FrameLength * p.Oversampling
	one := numeric.Roll(sig.Samples[0][:period], 700)

	res, err := FrameSync([][]complex128{one}, sig.Os, sig.PilotSeq, p)
	if err != nil {
		t.Fatalf("FrameSync error: %v", err)
	}
	if got := ((res.Shifts[0]+p.Stages[0].Taps/2)%period + period) % period; got != 700 {
		t.Errorf("peak at %d, expected 700", got)
	}
}

func TestPickPeak_TiesPreferLowerOffset(t *testing.T) {
	tests := []struct {
		name   string
		metric [][][]float64 // phase x ref x lag
		want   syncPeak
	}{
		{
			name: "lower lag",
			metric: [][][]float64{
				{{0.1, 0.8, 0.2, 0.8}},
			},
			want: syncPeak{phase: 0, lag: 1, ref: 0, metric: 0.8},
		},
		{
			name: "lower sample offset across phases",
			metric: [][][]float64{
				{{0.1, 0.5, 0.2, 0.9}, {0.1, 0.2, 0.2, 0.9}},
				{{0.9, 0.1, 0.1, 0.1}, {0.3, 0.9, 0.1, 0.1}},
			},
			want: syncPeak{phase: 1, lag: 0, ref: 0, metric: 0.9},
		},
		{
			name: "lower phase at the same lag",
			metric: [][][]float64{
				{{0.1, 0.7, 0.1}},
				{{0.1, 0.7, 0.1}},
			},
			want: syncPeak{phase: 0, lag: 1, ref: 0, metric: 0.7},
		},
		{
			name: "lower reference at the same offset",
			metric: [][][]float64{
				{{0.2, 0.6}, {0.2, 0.6}},
			},
			want: syncPeak{phase: 0, lag: 1, ref: 0, metric: 0.6},
		},
		{
			name: "larger metric wins over lower offset",
			metric: [][][]float64{
				{{0.6, 0.6, 0.61}},
			},
			want: syncPeak{phase: 0, lag: 2, ref: 0, metric: 0.61},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := pickPeak(tt.metric, len(tt.metric[0][0]))
			if got != tt.want {
				t.Errorf("got %+v, expected %+v", got, tt.want)
			}
		})
	}
}

func TestFrameSync_Permutation(t *testing.T) {
	p := testParams()
	sig := testSignal(t, p, 3, 14)
	rx := sig.WithSamples([][]complex128{sig.Samples[2], sig.Samples[0], sig.Samples[1]}, sig.Os)

	res, err := FrameSync(rx.Samples, rx.Os, rx.PilotSeq, p)
	if err != nil {
		t.Fatalf("FrameSync error: %v", err)
	}
	want := []int{2, 0, 1}
	for i := range want {
		if res.Alignment.Perm[i] != want[i] {
			t.Fatalf("perm %v, expected %v", res.Alignment.Perm, want)
		}
	}
}

func TestFrameSync_PureNoise(t *testing.T) {
	p := testParams()
	p.PilotSeqLen = 512
	rng := rand.New(rand.NewSource(15))
	n := 3 * p.FrameLength * p.Oversampling
	wf := make([][]complex128, 2)
	for i := range wf {
		wf[i] = make([]complex128, n)
		for k := range wf[i] {
			wf[i][k] = complex(rng.NormFloat64(), rng.NormFloat64())
		}
	}
	pilot := NewConstellation(ModQPSK)
	refs := [][]complex128{pilot.RandomSymbols(512, rng), pilot.RandomSymbols(512, rng)}

	_, err := FrameSync(wf, p.Oversampling, refs, p)
	if !errors.Is(err, ErrSyncFailure) {
		t.Fatalf("expected ErrSyncFailure, got %v", err)
	}
	var se *SyncError
	if !errors.As(err, &se) {
		t.Fatalf("expected *SyncError, got %T", err)
	}
	if se.BestMetric >= p.SyncThreshold || se.Offsets == 0 {
		t.Errorf("unexpected sync error details: %+v", se)
	}
}

func TestFrameSync_ShortCapture(t *testing.T) {
	p := testParams()
	sig := testSignal(t, p, 1, 16)
	short := [][]complex128{sig.Samples[0][:p.FrameLength*p.Oversampling-1]}
	_, err := FrameSync(short, sig.Os, sig.PilotSeq, p)
	if !errors.Is(err, ErrSyncFailure) {
		t.Errorf("expected ErrSyncFailure for a short capture, got %v", err)
	}
}

func TestFrameSync_ReferenceCount(t *testing.T) {
	p := testParams()
	sig := testSignal(t, p, 2, 17)
	_, err := FrameSync(sig.Samples, sig.Os, sig.PilotSeq[:1], p)
	if !errors.Is(err, ErrShapeMismatch) {
		t.Errorf("expected ErrShapeMismatch, got %v", err)
	}
}

func TestGreedyAssign(t *testing.T) {
	tests := []struct {
		name string
		c    [][]float64
		want []int
	}{
		{"identity", [][]float64{{0.9, 0.1}, {0.2, 0.8}}, []int{0, 1}},
		{"swap", [][]float64{{0.1, 0.9}, {0.8, 0.2}}, []int{1, 0}},
		{"contended", [][]float64{{0.9, 0.7}, {0.8, 0.1}}, []int{0, 1}},
		{"ties to lower index", [][]float64{{0.5, 0.5}, {0.5, 0.5}}, []int{0, 1}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := greedyAssign(tt.c)
			for i := range tt.want {
				if got[i] != tt.want[i] {
					t.Fatalf("got %v, expected %v", got, tt.want)
				}
			}
		})
	}
}
