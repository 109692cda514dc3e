// Package numeric holds the small array helpers shared by the transmitter,
// channel simulator and receiver: power normalisation, dB conversion,
// centring and rescaling.
package numeric

import (
	"math"

	"gonum.org/v1/gonum/floats"
)

// CAbsSquared returns |x|^2 without the square root of cmplx.Abs.
func CAbsSquared(x complex128) float64 {
	return real(x)*real(x) + imag(x)*imag(x)
}

// DB2Lin converts dB (or dBm) to linear units.
func DB2Lin(x float64) float64 {
	return math.Pow(10, x/10)
}

// Lin2DB converts linear units to dB (or dBm).
func Lin2DB(x float64) float64 {
	return 10 * math.Log10(x)
}

// MeanPower returns the mean of |x|^2, or 0 for an empty slice.
func MeanPower(x []complex128) float64 {
	if len(x) == 0 {
		return 0
	}
	var p float64
	for _, v := range x {
		p += CAbsSquared(v)
	}
	return p / float64(len(x))
}

// NormaliseAndCenter removes the mean of every mode and scales each mode
// to unit mean power. The input is not modified.
func NormaliseAndCenter(e [][]complex128) [][]complex128 {
	out := make([][]complex128, len(e))
	for m, mode := range e {
		out[m] = normaliseMode(mode)
	}
	return out
}

func normaliseMode(x []complex128) []complex128 {
	out := make([]complex128, len(x))
	if len(x) == 0 {
		return out
	}
	var mean complex128
	for _, v := range x {
		mean += v
	}
	mean /= complex(float64(len(x)), 0)
	for i, v := range x {
		out[i] = v - mean
	}
	p := math.Sqrt(MeanPower(out))
	if p == 0 {
		return out
	}
	scale := complex(1/p, 0)
	for i := range out {
		out[i] *= scale
	}
	return out
}

// NormaliseAndCenterSingle is the single-mode form. The real and imaginary
// means are removed separately before power normalisation.
func NormaliseAndCenterSingle(x []complex128) []complex128 {
	return normaliseMode(x)
}

// DumpEdges removes n samples from the front and the end of every mode.
// Modes shorter than 2n come back empty.
func DumpEdges(e [][]complex128, n int) [][]complex128 {
	out := make([][]complex128, len(e))
	for m, mode := range e {
		if len(mode) <= 2*n {
			out[m] = []complex128{}
			continue
		}
		out[m] = append([]complex128(nil), mode[n:len(mode)-n]...)
	}
	return out
}

// SetMidPoint moves the centre of the bounding box of a single-mode
// complex signal to midPos.
func SetMidPoint(x []complex128, midPos complex128) []complex128 {
	out := make([]complex128, len(x))
	if len(x) == 0 {
		return out
	}
	re, im := splitComplex(x)
	mid := complex((floats.Max(re)+floats.Min(re))/2, (floats.Max(im)+floats.Min(im))/2)
	for i, v := range x {
		out[i] = v - mid + midPos
	}
	return out
}

// SetMidPointReal is SetMidPoint for real signals.
func SetMidPointReal(x []float64, midPos float64) []float64 {
	out := append([]float64(nil), x...)
	if len(x) == 0 {
		return out
	}
	floats.AddConst(midPos-(floats.Max(x)+floats.Min(x))/2, out)
	return out
}

// RescaleSignal scales a complex signal so that the largest quadrature
// magnitude equals swing.
func RescaleSignal(x []complex128, swing float64) []complex128 {
	out := make([]complex128, len(x))
	if len(x) == 0 {
		return out
	}
	re, im := splitComplex(x)
	for i := range re {
		re[i] = math.Abs(re[i])
		im[i] = math.Abs(im[i])
	}
	scale := math.Max(floats.Max(re), floats.Max(im))
	if scale == 0 {
		copy(out, x)
		return out
	}
	f := complex(swing/scale, 0)
	for i, v := range x {
		out[i] = v * f
	}
	return out
}

// RescaleSignalReal scales a real signal into (-swing, swing).
func RescaleSignalReal(x []float64, swing float64) []float64 {
	out := append([]float64(nil), x...)
	if len(x) == 0 {
		return out
	}
	scale := math.Max(math.Abs(floats.Max(x)), math.Abs(floats.Min(x)))
	if scale == 0 {
		return out
	}
	floats.Scale(swing/scale, out)
	return out
}

// SetMidAndRescale recentres a signal at midPos and then rescales it to swing.
func SetMidAndRescale(x []complex128, midPos complex128, swing float64) []complex128 {
	return RescaleSignal(SetMidPoint(x, midPos), swing)
}

// Roll circularly shifts x by k positions: out[(i+k) mod n] = x[i].
// Negative k shifts towards the front, as numpy.roll does.
func Roll(x []complex128, k int) []complex128 {
	n := len(x)
	out := make([]complex128, n)
	if n == 0 {
		return out
	}
	k = ((k % n) + n) % n
	copy(out[k:], x[:n-k])
	copy(out[:k], x[n-k:])
	return out
}

func splitComplex(x []complex128) ([]float64, []float64) {
	re := make([]float64, len(x))
	im := make([]float64, len(x))
	for i, v := range x {
		re[i] = real(v)
		im[i] = imag(v)
	}
	return re, im
}
