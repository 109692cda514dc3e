package modem

import (
	"github.com/mjibson/go-dsp/fft"
)

// FFT computes the discrete Fourier transform. Any length is accepted;
// powers of two take the radix-2 path.
func FFT(x []complex128) []complex128 {
	return fft.FFT(x)
}

// IFFT computes the inverse transform, scaled by 1/N.
func IFFT(x []complex128) []complex128 {
	return fft.IFFT(x)
}

// PreFilter low-pass filters x with a square mask in the frequency domain.
// Bins whose frequency, in units of the symbol rate for a signal at os
// samples per symbol, lies within bw/2 of center are kept and all others
// are zeroed.
func PreFilter(x []complex128, bw float64, os int, center float64) []complex128 {
	n := len(x)
	if n == 0 {
		return nil
	}
	spec := FFT(x)
	for k := range spec {
		if f := binFrequency(k, n, os); f-center >= bw/2 || center-f >= bw/2 {
			spec[k] = 0
		}
	}
	return IFFT(spec)
}

// binFrequency is the frequency of FFT bin k of an n-point transform, with
// bins from the middle on counted as negative.
func binFrequency(k, n, os int) float64 {
	if k >= (n+1)/2 {
		k -= n
	}
	return float64(k) * float64(os) / float64(n)
}

// mulConj returns a * conj(b) elementwise.
func mulConj(a, b []complex128) []complex128 {
	out := make([]complex128, len(a))
	for i := range a {
		out[i] = a[i] * complex(real(b[i]), -imag(b[i]))
	}
	return out
}

func nextPow2(n int) int {
	p := 1
	for p < n {
		p <<= 1
	}
	return p
}
