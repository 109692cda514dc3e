package modem

import (
	"math"

	"github.com/jeongseonghan/pilotrx/internal/numeric"
)

// gmiNoiseFloor keeps the Gaussian metric finite for error-free inputs.
const gmiNoiseFloor = 1e-12

func checkPair(stage string, rx, tx []complex128) error {
	if len(rx) != len(tx) {
		return &ShapeError{Stage: stage, What: "symbol count", Got: len(rx), Want: len(tx)}
	}
	if len(tx) == 0 {
		return &ShapeError{Stage: stage, What: "symbol count", Got: 0, Want: 1}
	}
	return nil
}

// SER returns the fraction of received symbols decided to a different
// constellation point than the transmitted one.
func SER(rx, tx []complex128, c *Constellation) (float64, error) {
	if err := checkPair("ser", rx, tx); err != nil {
		return 0, err
	}
	errs := 0
	for i := range rx {
		if c.Index(rx[i]) != c.Index(tx[i]) {
			errs++
		}
	}
	return float64(errs) / float64(len(rx)), nil
}

// BER returns the bit error rate after hard Gray demapping.
func BER(rx, tx []complex128, c *Constellation) (float64, error) {
	if err := checkPair("ber", rx, tx); err != nil {
		return 0, err
	}
	bits := c.Mod.BitsPerSymbol()
	errs := 0
	for i := range rx {
		d := c.Index(rx[i]) ^ c.Index(tx[i])
		for ; d != 0; d &= d - 1 {
			errs++
		}
	}
	return float64(errs) / float64(len(rx)*bits), nil
}

// EVM returns the RMS error vector magnitude relative to the RMS of the
// transmitted symbols.
func EVM(rx, tx []complex128) (float64, error) {
	if err := checkPair("evm", rx, tx); err != nil {
		return 0, err
	}
	var pe, ps float64
	for i := range rx {
		pe += numeric.CAbsSquared(rx[i] - tx[i])
		ps += numeric.CAbsSquared(tx[i])
	}
	if ps == 0 {
		return math.Inf(1), nil
	}
	return math.Sqrt(pe / ps), nil
}

// EstimateSNR returns the signal to error power ratio in dB.
func EstimateSNR(rx, tx []complex128) (float64, error) {
	evm, err := EVM(rx, tx)
	if err != nil {
		return 0, err
	}
	if evm == 0 {
		return math.Inf(1), nil
	}
	return -numeric.Lin2DB(evm * evm), nil
}

// GMI estimates the generalized mutual information in bits per symbol for
// bit-wise decoding, assuming circular Gaussian noise whose variance is
// measured from the error between rx and tx.
func GMI(rx, tx []complex128, c *Constellation) (float64, error) {
	if err := checkPair("gmi", rx, tx); err != nil {
		return 0, err
	}
	var n0 float64
	for i := range rx {
		n0 += numeric.CAbsSquared(rx[i] - tx[i])
	}
	n0 = max(n0/float64(len(rx)), gmiNoiseFloor)

	points := c.Points()
	m := c.Mod.BitsPerSymbol()
	metric := make([]float64, len(points))
	var loss float64
	for i, y := range rx {
		txIdx := c.Index(tx[i])
		for k, s := range points {
			metric[k] = -numeric.CAbsSquared(y-s) / n0
		}
		all := logSumExp(metric, func(int) bool { return true })
		for b := 0; b < m; b++ {
			shift := m - 1 - b
			want := (txIdx >> shift) & 1
			same := logSumExp(metric, func(k int) bool { return (k>>shift)&1 == want })
			loss += all - same
		}
	}
	return float64(m) - loss/math.Ln2/float64(len(rx)), nil
}

func logSumExp(x []float64, keep func(int) bool) float64 {
	hi := math.Inf(-1)
	for k, v := range x {
		if keep(k) && v > hi {
			hi = v
		}
	}
	if math.IsInf(hi, -1) {
		return hi
	}
	var s float64
	for k, v := range x {
		if keep(k) {
			s += math.Exp(v - hi)
		}
	}
	return hi + math.Log(s)
}
