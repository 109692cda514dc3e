package modem

import (
	"math"
	"math/cmplx"
)

// CPEConfig configures PilotBasedCPE.
type CPEConfig struct {
	InsRatio          int // payload symbols per phase pilot
	UsePilotRatio     int // use every u-th phase pilot
	NumAverage        int // moving-average length in used pilots, forced odd
	RemovePhasePilots bool
}

// PilotBasedCPE removes the common phase error from the equalized payload
// using the phase pilots at every InsRatio-th symbol.
//
// rec holds one payload row per mode, phase pilot at index 0; pilots holds
// the matching phase pilot symbols. The phase measured at the used pilots is
// unwrapped, smoothed with a centred moving average (shortened at the
// edges), linearly interpolated in between and held after the last pilot.
// Rows are truncated to whole pilot blocks. The per-symbol phase trace is
// returned with the corrected symbols; with RemovePhasePilots both skip the
// pilot positions.
func PilotBasedCPE(rec, pilots [][]complex128, cfg CPEConfig) ([][]complex128, [][]float64, error) {
	const stage = "cpe"
	if len(rec) == 0 {
		return nil, nil, &ShapeError{Stage: stage, What: "mode count", Got: 0, Want: 1}
	}
	if len(pilots) != len(rec) {
		return nil, nil, &ShapeError{Stage: stage, What: "pilot modes", Got: len(pilots), Want: len(rec)}
	}
	if cfg.InsRatio < 1 {
		return nil, nil, &ShapeError{Stage: stage, What: "pilot insertion ratio", Got: cfg.InsRatio, Want: 1}
	}
	u := max(cfg.UsePilotRatio, 1)
	avg := max(cfg.NumAverage, 1)
	if avg%2 == 0 {
		avg++
	}

	out := make([][]complex128, len(rec))
	trace := make([][]float64, len(rec))
	for m := range rec {
		numBlocks := min(len(rec[m])/cfg.InsRatio, len(pilots[m]))
		numBlocks -= numBlocks % u
		if numBlocks == 0 {
			return nil, nil, &ShapeError{Stage: stage, What: "usable phase pilots", Got: 0, Want: u}
		}

		n := numBlocks * cfg.InsRatio
		rxPilots := ExtractPilots(rec[m][:n], cfg.InsRatio)
		var pos []int
		var phi []float64
		for j := 0; j < numBlocks; j += u {
			pos = append(pos, j*cfg.InsRatio)
			phi = append(phi, cmplx.Phase(rxPilots[j]*cmplx.Conj(pilots[m][j])))
		}
		phi = movingAverage(unwrap(phi), avg)

		tr := interpolatePhase(pos, phi, n)

		row := make([]complex128, 0, n)
		rowTrace := make([]float64, 0, n)
		for k := 0; k < n; k++ {
			if cfg.RemovePhasePilots && k%cfg.InsRatio == 0 {
				continue
			}
			row = append(row, rec[m][k]*cmplx.Exp(complex(0, -tr[k])))
			rowTrace = append(rowTrace, tr[k])
		}
		out[m] = row
		trace[m] = rowTrace
	}
	return out, trace, nil
}

// unwrap removes 2*pi jumps between consecutive phases.
func unwrap(phi []float64) []float64 {
	out := make([]float64, len(phi))
	if len(phi) == 0 {
		return out
	}
	out[0] = phi[0]
	var offset float64
	for i := 1; i < len(phi); i++ {
		d := phi[i] - phi[i-1]
		if d > math.Pi {
			offset -= 2 * math.Pi * math.Ceil((d-math.Pi)/(2*math.Pi))
		} else if d < -math.Pi {
			offset += 2 * math.Pi * math.Ceil((-d-math.Pi)/(2*math.Pi))
		}
		out[i] = phi[i] + offset
	}
	return out
}

// movingAverage is a centred mean over n values, truncated at the edges.
func movingAverage(x []float64, n int) []float64 {
	half := n / 2
	cum := make([]float64, len(x)+1)
	for i, v := range x {
		cum[i+1] = cum[i] + v
	}
	out := make([]float64, len(x))
	for i := range x {
		lo := max(i-half, 0)
		hi := min(i+half+1, len(x))
		out[i] = (cum[hi] - cum[lo]) / float64(hi-lo)
	}
	return out
}

// interpolatePhase expands phases known at ascending positions to n
// symbols: linear in between, held before the first and after the last.
func interpolatePhase(pos []int, phi []float64, n int) []float64 {
	out := make([]float64, n)
	j := 0
	for k := range out {
		for j+1 < len(pos) && pos[j+1] <= k {
			j++
		}
		switch {
		case k <= pos[0]:
			out[k] = phi[0]
		case j+1 >= len(pos):
			out[k] = phi[len(phi)-1]
		default:
			frac := float64(k-pos[j]) / float64(pos[j+1]-pos[j])
			out[k] = phi[j] + frac*(phi[j+1]-phi[j])
		}
	}
	return out
}
