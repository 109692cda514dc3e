package modem

import (
	"errors"
	"math"
	"math/cmplx"
	"math/rand"
	"testing"
)

// cpePayload builds one payload row with phase pilots every ratio symbols.
func cpePayload(t *testing.T, blocks, ratio int, seed int64) (payload, pilots []complex128) {
	t.Helper()
	rng := rand.New(rand.NewSource(seed))
	pilots = NewConstellation(ModQPSK).RandomSymbols(blocks, rng)
	data := NewConstellation(Mod64QAM).RandomSymbols(blocks*(ratio-1), rng)
	return InsertPilots(data, pilots, ratio), pilots
}

func rotate(x []complex128, phase func(k int) float64) []complex128 {
	out := make([]complex128, len(x))
	for k, v := range x {
		out[k] = v * cmplx.Exp(complex(0, phase(k)))
	}
	return out
}

func TestPilotBasedCPE_ConstantPhase(t *testing.T) {
	payload, pilots := cpePayload(t, 40, 8, 1)
	rec := rotate(payload, func(int) float64 { return 2.5 })

	for _, avg := range []int{1, 2, 3, 5, 9} {
		out, trace, err := PilotBasedCPE([][]complex128{rec}, [][]complex128{pilots},
			CPEConfig{InsRatio: 8, UsePilotRatio: 1, NumAverage: avg})
		if err != nil {
			t.Fatalf("avg %d: PilotBasedCPE error: %v", avg, err)
		}
		for k := range payload {
			if cmplx.Abs(out[0][k]-payload[k]) > 1e-9 {
				t.Fatalf("avg %d symbol %d: %v, expected %v", avg, k, out[0][k], payload[k])
			}
			if math.Abs(trace[0][k]-2.5) > 1e-9 {
				t.Fatalf("avg %d symbol %d: trace %g, expected 2.5", avg, k, trace[0][k])
			}
		}
	}
}

func TestPilotBasedCPE_LinearRamp(t *testing.T) {
	const ratio = 8
	payload, pilots := cpePayload(t, 50, ratio, 2)
	// Crosses several multiples of 2*pi so unwrapping matters.
	ramp := func(k int) float64 { return 0.3 + 0.05*float64(k) }
	rec := rotate(payload, ramp)

	out, trace, err := PilotBasedCPE([][]complex128{rec}, [][]complex128{pilots},
		CPEConfig{InsRatio: ratio, UsePilotRatio: 1, NumAverage: 1})
	if err != nil {
		t.Fatalf("PilotBasedCPE error: %v", err)
	}
	last := (len(pilots) - 1) * ratio
	for k := 0; k <= last; k++ {
		if math.Abs(trace[0][k]-ramp(k)) > 1e-9 {
			t.Fatalf("symbol %d: trace %g, expected %g", k, trace[0][k], ramp(k))
		}
		if cmplx.Abs(out[0][k]-payload[k]) > 1e-9 {
			t.Fatalf("symbol %d not corrected", k)
		}
	}
	for k := last; k < len(payload); k++ {
		if trace[0][k] != trace[0][last] {
			t.Fatalf("symbol %d: trace not held after the last pilot", k)
		}
	}
}

func TestPilotBasedCPE_Idempotent(t *testing.T) {
	payload, pilots := cpePayload(t, 32, 16, 3)
	rng := rand.New(rand.NewSource(4))
	walk := make([]float64, len(payload))
	for k := 1; k < len(walk); k++ {
		walk[k] = walk[k-1] + 0.01*rng.NormFloat64()
	}
	rec := rotate(payload, func(k int) float64 { return walk[k] })
	cfg := CPEConfig{InsRatio: 16, UsePilotRatio: 1, NumAverage: 1}

	once, _, err := PilotBasedCPE([][]complex128{rec}, [][]complex128{pilots}, cfg)
	if err != nil {
		t.Fatalf("PilotBasedCPE error: %v", err)
	}
	twice, trace, err := PilotBasedCPE(once, [][]complex128{pilots}, cfg)
	if err != nil {
		t.Fatalf("PilotBasedCPE error: %v", err)
	}
	for k := range once[0] {
		if cmplx.Abs(once[0][k]-twice[0][k]) > 1e-9 {
			t.Fatalf("symbol %d changed on the second pass", k)
		}
		if math.Abs(trace[0][k]) > 1e-9 {
			t.Fatalf("symbol %d: second-pass trace %g", k, trace[0][k])
		}
	}
}

func TestPilotBasedCPE_UsageRatioAndRemoval(t *testing.T) {
	const ratio = 4
	payload, pilots := cpePayload(t, 10, ratio, 5)
	rec := rotate(payload, func(int) float64 { return -1 })

	out, trace, err := PilotBasedCPE([][]complex128{rec}, [][]complex128{pilots},
		CPEConfig{InsRatio: ratio, UsePilotRatio: 3, NumAverage: 1, RemovePhasePilots: true})
	if err != nil {
		t.Fatalf("PilotBasedCPE error: %v", err)
	}
	// 10 blocks round down to 9 for a usage ratio of 3.
	if want := 9 * (ratio - 1); len(out[0]) != want || len(trace[0]) != want {
		t.Fatalf("got %d symbols and %d trace values, expected %d", len(out[0]), len(trace[0]), want)
	}
	data := ExtractData(payload[:9*ratio], ratio)
	for k := range data {
		if cmplx.Abs(out[0][k]-data[k]) > 1e-9 {
			t.Fatalf("data symbol %d: %v, expected %v", k, out[0][k], data[k])
		}
	}
}

func TestPilotBasedCPE_NoPilots(t *testing.T) {
	_, _, err := PilotBasedCPE([][]complex128{{1, 2, 3}}, [][]complex128{{1}},
		CPEConfig{InsRatio: 8, UsePilotRatio: 1, NumAverage: 1})
	if !errors.Is(err, ErrShapeMismatch) {
		t.Errorf("expected ErrShapeMismatch, got %v", err)
	}
}

func TestUnwrap(t *testing.T) {
	in := []float64{3, -3, -0.5, 3.1, -3.1}
	out := unwrap(in)
	for i := 1; i < len(out); i++ {
		if d := out[i] - out[i-1]; math.Abs(d) > math.Pi {
			t.Errorf("step %d: jump of %g left", i, d)
		}
	}
	if out[0] != 3 {
		t.Errorf("first value changed to %g", out[0])
	}
}

func TestMovingAverage_Edges(t *testing.T) {
	got := movingAverage([]float64{1, 2, 3, 4, 5}, 3)
	want := []float64{1.5, 2, 3, 4, 4.5}
	for i := range want {
		if math.Abs(got[i]-want[i]) > 1e-12 {
			t.Errorf("index %d: %g, expected %g", i, got[i], want[i])
		}
	}
}
