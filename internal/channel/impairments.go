// Package channel simulates the impairments between a transmitter and the
// receiver: noise, laser frequency offset and phase noise, modal delay and
// mixing, and converter resolution. Every function returns new slices.
package channel

import (
	"fmt"
	"math"
	"math/cmplx"
	"math/rand"

	"github.com/jeongseonghan/pilotrx/internal/numeric"
)

// Impairments lists the channel effects applied by Simulate. Zero values
// disable an effect, except SNR where +Inf disables the noise.
type Impairments struct {
	SNR        float64 `yaml:"snr_db" json:"snr_db"`           // dB relative to the measured signal power
	FreqOffset float64 `yaml:"freq_offset" json:"freq_offset"` // Hz
	Linewidth  float64 `yaml:"linewidth" json:"linewidth"`     // Hz, combined laser linewidth
	Fs         float64 `yaml:"fs" json:"fs"`                   // sample rate in Hz
	ModalDelay []int   `yaml:"modal_delay" json:"modal_delay"` // samples per mode
	Rotation   float64 `yaml:"rotation" json:"rotation"`       // rad, two modes only
	TxBits     int     `yaml:"tx_bits" json:"tx_bits"`         // DAC resolution
	RxBits     int     `yaml:"rx_bits" json:"rx_bits"`         // ADC resolution
}

// Simulate applies the impairments in transmission order: DAC quantisation,
// modal delay, mode rotation, frequency offset, phase noise, noise, ADC
// quantisation.
func Simulate(wf [][]complex128, imp Impairments, rng *rand.Rand) ([][]complex128, error) {
	out := clone(wf)
	var err error
	if imp.TxBits > 0 {
		out = Quantize(out, imp.TxBits)
	}
	if len(imp.ModalDelay) > 0 {
		if out, err = ApplyModalDelay(out, imp.ModalDelay); err != nil {
			return nil, err
		}
	}
	if imp.Rotation != 0 {
		if out, err = RotateModes(out, imp.Rotation); err != nil {
			return nil, err
		}
	}
	if imp.FreqOffset != 0 || imp.Linewidth != 0 {
		if imp.Fs <= 0 {
			return nil, fmt.Errorf("channel: sample rate required for frequency offset and phase noise")
		}
	}
	if imp.FreqOffset != 0 {
		out = ApplyFrequencyOffset(out, imp.FreqOffset, imp.Fs)
	}
	if imp.Linewidth != 0 {
		out = ApplyPhaseNoise(out, imp.Linewidth, imp.Fs, rng)
	}
	if !math.IsInf(imp.SNR, 1) {
		out = AddAWGN(out, imp.SNR, rng)
	}
	if imp.RxBits > 0 {
		out = Quantize(out, imp.RxBits)
	}
	return out, nil
}

func clone(wf [][]complex128) [][]complex128 {
	out := make([][]complex128, len(wf))
	for i, row := range wf {
		out[i] = append([]complex128(nil), row...)
	}
	return out
}

// AddAWGN adds circular Gaussian noise to every mode at snrDB below the
// mode's measured power.
func AddAWGN(wf [][]complex128, snrDB float64, rng *rand.Rand) [][]complex128 {
	out := make([][]complex128, len(wf))
	snr := numeric.DB2Lin(snrDB)
	for i, row := range wf {
		sigma := math.Sqrt(numeric.MeanPower(row) / snr / 2)
		o := make([]complex128, len(row))
		for n, v := range row {
			o[n] = v + complex(sigma*rng.NormFloat64(), sigma*rng.NormFloat64())
		}
		out[i] = o
	}
	return out
}

// ApplyFrequencyOffset mixes every mode with a carrier offset of fo Hz.
func ApplyFrequencyOffset(wf [][]complex128, fo, fs float64) [][]complex128 {
	out := make([][]complex128, len(wf))
	w := 2 * math.Pi * fo / fs
	for i, row := range wf {
		o := make([]complex128, len(row))
		for n, v := range row {
			o[n] = v * cmplx.Exp(complex(0, w*float64(n)))
		}
		out[i] = o
	}
	return out
}

// ApplyPhaseNoise applies one Wiener phase process, shared by all modes,
// with the given laser linewidth.
func ApplyPhaseNoise(wf [][]complex128, linewidth, fs float64, rng *rand.Rand) [][]complex128 {
	if len(wf) == 0 {
		return nil
	}
	sigma := math.Sqrt(2 * math.Pi * linewidth / fs)
	phase := make([]float64, len(wf[0]))
	var acc float64
	for n := range phase {
		acc += sigma * rng.NormFloat64()
		phase[n] = acc
	}
	out := make([][]complex128, len(wf))
	for i, row := range wf {
		o := make([]complex128, len(row))
		for n, v := range row {
			o[n] = v * cmplx.Exp(complex(0, phase[n%len(phase)]))
		}
		out[i] = o
	}
	return out
}

// ApplyModalDelay delays mode i circularly by delays[i] samples.
func ApplyModalDelay(wf [][]complex128, delays []int) ([][]complex128, error) {
	if len(delays) != len(wf) {
		return nil, fmt.Errorf("channel: %d modal delays for %d modes", len(delays), len(wf))
	}
	out := make([][]complex128, len(wf))
	for i, row := range wf {
		out[i] = numeric.Roll(row, delays[i])
	}
	return out, nil
}

// RotateModes mixes two modes with a real rotation by theta.
func RotateModes(wf [][]complex128, theta float64) ([][]complex128, error) {
	if len(wf) != 2 {
		return nil, fmt.Errorf("channel: mode rotation needs 2 modes, got %d", len(wf))
	}
	c, s := complex(math.Cos(theta), 0), complex(math.Sin(theta), 0)
	a, b := wf[0], wf[1]
	x := make([]complex128, len(a))
	y := make([]complex128, len(b))
	for n := range a {
		x[n] = c*a[n] - s*b[n]
		y[n] = s*a[n] + c*b[n]
	}
	return [][]complex128{x, y}, nil
}

// Quantize models a converter with the given resolution per quadrature.
// Each mode is centred and scaled to the full range, rounded to 2^bits
// levels and scaled back to its original mean power.
func Quantize(wf [][]complex128, bits int) [][]complex128 {
	out := make([][]complex128, len(wf))
	levels := float64(int(1)<<bits - 1)
	step := 2 / levels
	q := func(v float64) float64 {
		return math.Round((v+1)/step)*step - 1
	}
	for i, row := range wf {
		p := numeric.MeanPower(row)
		full := numeric.SetMidAndRescale(row, 0, 1)
		o := make([]complex128, len(row))
		for n, v := range full {
			o[n] = complex(q(real(v)), q(imag(v)))
		}
		if pq := numeric.MeanPower(o); pq > 0 {
			scale := complex(math.Sqrt(p/pq), 0)
			for n := range o {
				o[n] *= scale
			}
		}
		out[i] = o
	}
	return out
}
