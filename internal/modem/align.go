package modem

import (
	"math/cmplx"
	"sort"

	"github.com/jeongseonghan/pilotrx/internal/numeric"
)

// ModeAlignment maps receiver outputs to transmitted modes: output row i
// carries transmitted mode Perm[i]. Matrix is the estimated mixing matrix
// (received mode x transmitted mode) when the locator produced one.
type ModeAlignment struct {
	Perm   []int          `json:"perm"`
	Matrix [][]complex128 `json:"-"`
}

// IdentityAlignment leaves every mode in place.
func IdentityAlignment(n int) ModeAlignment {
	perm := make([]int, n)
	for i := range perm {
		perm[i] = i
	}
	return ModeAlignment{Perm: perm}
}

// Validate checks that Perm is a permutation of n modes.
func (a ModeAlignment) Validate(n int) error {
	if len(a.Perm) != n {
		return &ShapeError{Stage: "align", What: "permutation length", Got: len(a.Perm), Want: n}
	}
	seen := make([]bool, n)
	for _, p := range a.Perm {
		if p < 0 || p >= n || seen[p] {
			return &ShapeError{Stage: "align", What: "permutation entry", Got: p, Want: n}
		}
		seen[p] = true
	}
	return nil
}

// Inverse returns the alignment that undoes a.
func (a ModeAlignment) Inverse() ModeAlignment {
	inv := make([]int, len(a.Perm))
	for i, p := range a.Perm {
		inv[p] = i
	}
	return ModeAlignment{Perm: inv}
}

// Apply reorders rows so that row i of the result is rows[Perm[i]].
func (a ModeAlignment) Apply(rows [][]complex128) [][]complex128 {
	out := make([][]complex128, len(a.Perm))
	for i, p := range a.Perm {
		out[i] = rows[p]
	}
	return out
}

// AlignModes reorders the reference rows to follow the receiver's mode
// order.
func AlignModes(refs [][]complex128, a ModeAlignment) ([][]complex128, error) {
	if err := a.Validate(len(refs)); err != nil {
		return nil, err
	}
	return a.Apply(refs), nil
}

type assignCandidate struct {
	rx, tx int
	mag    float64
}

// greedyAssign pairs received and transmitted modes from the largest
// correlation magnitude down. perm[rx] is the transmitted mode.
func greedyAssign(c [][]float64) []int {
	n := len(c)
	cands := make([]assignCandidate, 0, n*n)
	for i := range c {
		for j := range c[i] {
			cands = append(cands, assignCandidate{rx: i, tx: j, mag: c[i][j]})
		}
	}
	sort.SliceStable(cands, func(a, b int) bool { return cands[a].mag > cands[b].mag })

	perm := make([]int, n)
	rxUsed := make([]bool, n)
	txUsed := make([]bool, n)
	left := n
	for _, cd := range cands {
		if left == 0 {
			break
		}
		if rxUsed[cd.rx] || txUsed[cd.tx] {
			continue
		}
		perm[cd.rx] = cd.tx
		rxUsed[cd.rx], txUsed[cd.tx] = true, true
		left--
	}
	return perm
}

// CorrectShifts moves the locator shifts from the stage-one window start to
// the stage-two window start and normalises them so the smallest is zero.
// It returns the corrected shifts and the minimum that was removed; the
// caller rolls the waveform by -min to match.
func CorrectShifts(shifts []int, ntaps [2]int, os int) ([]int, int, error) {
	diff := ntaps[1] - ntaps[0]
	if diff < 0 || diff%2 != 0 || diff%os != 0 {
		return nil, 0, &ShapeError{Stage: "align", What: "tap difference not a multiple of oversampling", Got: diff, Want: os}
	}
	if len(shifts) == 0 {
		return nil, 0, &ShapeError{Stage: "align", What: "shift count", Got: 0, Want: 1}
	}
	tapCor := diff / 2
	out := make([]int, len(shifts))
	minShift := shifts[0] - tapCor
	for i, s := range shifts {
		out[i] = s - tapCor
		minShift = min(minShift, out[i])
	}
	for i := range out {
		out[i] -= minShift
	}
	return out, minShift, nil
}

// ShiftSignal rolls mode i left by shifts[i] samples.
func ShiftSignal(wf [][]complex128, shifts []int) ([][]complex128, error) {
	if len(shifts) != len(wf) {
		return nil, &ShapeError{Stage: "shift", What: "shift count", Got: len(shifts), Want: len(wf)}
	}
	out := make([][]complex128, len(wf))
	for i, row := range wf {
		out[i] = numeric.Roll(row, -shifts[i])
	}
	return out, nil
}

// InitialTaps builds stage taps whose centre tap inverts the estimated
// mixing matrix. Without a usable matrix it is a centre spike per mode.
func InitialTaps(a ModeAlignment, nModes, ntaps int) [][][]complex128 {
	taps := zeroTaps(nModes, ntaps)
	c := ntaps / 2

	if len(a.Matrix) == nModes && len(a.Perm) == nModes {
		if inv, ok := invertMatrix(a.Matrix); ok {
			for i := 0; i < nModes; i++ {
				for m := 0; m < nModes; m++ {
					taps[i][m][c] = inv[a.Perm[i]][m]
				}
			}
			return taps
		}
	}
	for i := 0; i < nModes; i++ {
		taps[i][i][c] = 1
	}
	return taps
}

func zeroTaps(nModes, ntaps int) [][][]complex128 {
	taps := make([][][]complex128, nModes)
	for i := range taps {
		taps[i] = make([][]complex128, nModes)
		for m := range taps[i] {
			taps[i][m] = make([]complex128, ntaps)
		}
	}
	return taps
}

// padTaps zero-pads every filter by pad taps on both sides.
func padTaps(taps [][][]complex128, pad int) [][][]complex128 {
	out := make([][][]complex128, len(taps))
	for i := range taps {
		out[i] = make([][]complex128, len(taps[i]))
		for m, w := range taps[i] {
			row := make([]complex128, len(w)+2*pad)
			copy(row[pad:], w)
			out[i][m] = row
		}
	}
	return out
}

// conditionLimit bounds the inverse entries accepted for the unmixing
// initialisation.
const conditionLimit = 1e3

// invertMatrix inverts a small square matrix by Gauss-Jordan elimination
// with partial pivoting. ok is false when the matrix is (nearly) singular.
func invertMatrix(m [][]complex128) ([][]complex128, bool) {
	n := len(m)
	a := make([][]complex128, n)
	inv := make([][]complex128, n)
	var scale float64
	for i := range m {
		if len(m[i]) != n {
			return nil, false
		}
		a[i] = append([]complex128(nil), m[i]...)
		inv[i] = make([]complex128, n)
		inv[i][i] = 1
		for _, v := range m[i] {
			scale = max(scale, cmplx.Abs(v))
		}
	}
	if scale == 0 {
		return nil, false
	}
	for col := 0; col < n; col++ {
		piv := col
		for r := col + 1; r < n; r++ {
			if cmplx.Abs(a[r][col]) > cmplx.Abs(a[piv][col]) {
				piv = r
			}
		}
		if cmplx.Abs(a[piv][col]) < 1e-6*scale {
			return nil, false
		}
		a[col], a[piv] = a[piv], a[col]
		inv[col], inv[piv] = inv[piv], inv[col]

		d := a[col][col]
		for k := 0; k < n; k++ {
			a[col][k] /= d
			inv[col][k] /= d
		}
		for r := 0; r < n; r++ {
			if r == col || a[r][col] == 0 {
				continue
			}
			f := a[r][col]
			for k := 0; k < n; k++ {
				a[r][k] -= f * a[col][k]
				inv[r][k] -= f * inv[col][k]
			}
		}
	}
	for i := range inv {
		for _, v := range inv[i] {
			if cmplx.IsNaN(v) || cmplx.Abs(v) > conditionLimit/scale {
				return nil, false
			}
		}
	}
	return inv, true
}
