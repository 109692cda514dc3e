package modem

import (
	"errors"
	"math/cmplx"
	"math/rand"
	"testing"

	"github.com/jeongseonghan/pilotrx/internal/numeric"
)

func TestApplyFilter_CentreSpike(t *testing.T) {
	x := make([]complex128, 20)
	for i := range x {
		x[i] = complex(float64(i), 0)
	}
	taps := InitialTaps(IdentityAlignment(1), 1, 5)
	out, err := ApplyFilter([][]complex128{x}, 2, taps)
	if err != nil {
		t.Fatalf("ApplyFilter error: %v", err)
	}
	if len(out[0]) != 10 {
		t.Fatalf("got %d symbols, expected 10", len(out[0]))
	}
	for k, v := range out[0] {
		want := x[(2*k+2)%len(x)]
		if v != want {
			t.Errorf("symbol %d: %v, expected %v", k, v, want)
		}
	}
}

func TestApplyFilter_MixesModes(t *testing.T) {
	a := []complex128{1, 2, 3, 4}
	b := []complex128{10, 20, 30, 40}
	taps := [][][]complex128{
		{{0, 1}, {1i, 0}},
		{{1, 0}, {0, 0}},
	}
	out, err := ApplyFilter([][]complex128{a, b}, 1, taps)
	if err != nil {
		t.Fatalf("ApplyFilter error: %v", err)
	}
	// y0[k] = a[k+1] + 1i*b[k], y1[k] = a[k]; indices wrap.
	for k := 0; k < 4; k++ {
		want0 := a[(k+1)%4] + 1i*b[k]
		if out[0][k] != want0 {
			t.Errorf("y0[%d] = %v, expected %v", k, out[0][k], want0)
		}
		if out[1][k] != a[k] {
			t.Errorf("y1[%d] = %v, expected %v", k, out[1][k], a[k])
		}
	}
}

func TestApplyFilter_ShapeMismatch(t *testing.T) {
	taps := InitialTaps(IdentityAlignment(2), 2, 3)
	_, err := ApplyFilter([][]complex128{{1, 2, 3}}, 1, taps)
	if !errors.Is(err, ErrShapeMismatch) {
		t.Errorf("expected ErrShapeMismatch, got %v", err)
	}
}

func TestEqualizePilotSequence_Converges(t *testing.T) {
	p := testParams()
	sig := testSignal(t, p, 2, 21)
	wf := make([][]complex128, 2)
	for i := range wf {
		wf[i] = numeric.Roll(sig.Samples[i], p.Stages[1].Taps/2)
	}
	shifts := []int{0, 0}

	for _, warm := range []bool{true, false} {
		q := p
		q.WarmStart = warm
		q.Stages[1].Criterion = DataAided
		taps, foe, err := EqualizePilotSequence(wf, shifts, sig.PilotSeq, p.Oversampling, q, nil)
		if err != nil {
			t.Fatalf("warm=%v: EqualizePilotSequence error: %v", warm, err)
		}
		if len(taps[0][0]) != p.Stages[1].Taps || len(foe) != 2 {
			t.Fatalf("warm=%v: got %d taps and %d offsets", warm, len(taps[0][0]), len(foe))
		}
		out, err := ApplyFilter(wf, p.Oversampling, taps)
		if err != nil {
			t.Fatalf("ApplyFilter error: %v", err)
		}
		for l := range out {
			for k := 0; k < p.PilotSeqLen; k++ {
				if d := cmplx.Abs(out[l][k] - sig.PilotSeq[l][k]); d > 0.05 {
					t.Fatalf("warm=%v mode %d pilot %d: error %.3f", warm, l, k, d)
				}
			}
		}
	}
}

func TestEqualizePilotSequence_Diverges(t *testing.T) {
	p := testParams()
	p.Stages[0].Criterion = DataAided
	p.Stages[0].Mu = 10
	p.Stages[0].AdaptiveStep = false
	rng := rand.New(rand.NewSource(22))
	n := 3 * p.FrameLength * p.Oversampling
	wf := [][]complex128{make([]complex128, n)}
	for k := range wf[0] {
		wf[0][k] = complex(rng.NormFloat64(), rng.NormFloat64())
	}
	refs := [][]complex128{NewConstellation(ModQPSK).RandomSymbols(p.PilotSeqLen, rng)}

	_, _, err := EqualizePilotSequence(wf, []int{0}, refs, p.Oversampling, p, nil)
	if !errors.Is(err, ErrConvergenceFailure) {
		t.Fatalf("expected ErrConvergenceFailure, got %v", err)
	}
	var ce *ConvergenceError
	if !errors.As(err, &ce) || ce.Stage != "stage 0" || ce.Criterion != DataAided {
		t.Errorf("unexpected convergence error: %+v", err)
	}
}
