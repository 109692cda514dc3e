package modem

import (
	"math"
	"math/cmplx"
)

// EqualizePilotSequence trains the two equalizer stages on the pilot
// sequence of frame ProcessFrameID.
//
// wf is the received waveform after the common roll; shifts are the
// per-mode shifts from CorrectShifts, applied here by circular reads so the
// training sees the same view ApplyFilter will. refs are the aligned pilot
// sequences, one per output mode. init seeds stage one and may be nil for a
// centre spike per mode.
//
// The returned taps belong to stage two. The returned frequency offsets, one
// per input mode in rad/symbol, are the residual the caller must remove from
// the shifted waveform (sample n rotated by -foe*n/os) before applying them.
func EqualizePilotSequence(wf [][]complex128, shifts []int, refs [][]complex128, os int, p Params, init [][][]complex128) ([][][]complex128, []float64, error) {
	const stage = "equalizer"
	nModes := len(wf)
	if nModes == 0 {
		return nil, nil, &ShapeError{Stage: stage, What: "mode count", Got: 0, Want: 1}
	}
	if len(shifts) != nModes {
		return nil, nil, &ShapeError{Stage: stage, What: "shift count", Got: len(shifts), Want: nModes}
	}
	if len(refs) != nModes {
		return nil, nil, &ShapeError{Stage: stage, What: "reference modes", Got: len(refs), Want: nModes}
	}
	L := p.PilotSeqLen
	for _, r := range refs {
		if len(r) < L {
			return nil, nil, &ShapeError{Stage: stage, What: "pilot sequence length", Got: len(r), Want: L}
		}
	}
	n := len(wf[0])
	if n/os < (p.ProcessFrameID+1)*p.FrameLength {
		return nil, nil, &ShapeError{Stage: stage, What: "symbols in capture", Got: n / os,
			Want: (p.ProcessFrameID + 1) * p.FrameLength}
	}
	n0, n1 := p.Stages[0].Taps, p.Stages[1].Taps
	if init == nil {
		init = InitialTaps(IdentityAlignment(nModes), nModes, n0)
	}
	if err := checkTaps(init, nModes, nModes, n0); err != nil {
		return nil, nil, err
	}
	pilot, err := NewConstellationOrder(p.PilotOrder)
	if err != nil {
		return nil, nil, err
	}

	tapCor := p.TapCorrection()
	base := p.ProcessFrameID * p.FrameLength * os
	span := L*os + n1
	foe := make([]float64, nModes)

	first := trainer{
		name:    "stage 0",
		x:       trainingView(wf, shifts, base, span, os, foe),
		os:      os,
		start:   tapCor,
		nsym:    L,
		refs:    refs,
		adapter: NewAdapter(p.Stages[0].Criterion, pilot),
		stage:   p.Stages[0],
		limit:   p.DivergenceLimit,
	}
	taps := cloneTaps(init)
	if _, err := first.run(taps); err != nil {
		return nil, nil, err
	}

	// Residual frequency offset and constant phase from the stage-one output.
	// The residual left by the coarse estimate is small enough for a
	// half-sequence lag to stay unambiguous.
	y := first.outputs(taps)
	lag := max(L/2, 1)
	outFOE := make([]float64, nModes)
	phase := make([]float64, nModes)
	for l := 0; l < nModes; l++ {
		z := make([]complex128, L)
		for k := range z {
			z[k] = y[l][k] * cmplx.Conj(refs[l][k])
		}
		var acc complex128
		for k := 0; k+lag < L; k++ {
			acc += z[k+lag] * cmplx.Conj(z[k])
		}
		if acc != 0 {
			outFOE[l] = cmplx.Phase(acc) / float64(lag)
		}
		var coh complex128
		for k, v := range z {
			sym := float64(base+k*os+n1/2) / float64(os)
			coh += v * cmplx.Exp(complex(0, -outFOE[l]*sym))
		}
		if coh != 0 {
			phase[l] = cmplx.Phase(coh)
		}
	}
	for i := 0; i < nModes; i++ {
		foe[i] = outFOE[dominantOutput(taps, i)]
	}

	var second [][][]complex128
	if p.WarmStart {
		second = padTaps(taps, tapCor)
	} else {
		second = padTaps(init, tapCor)
	}
	for l := range second {
		rot := cmplx.Exp(complex(0, -phase[l]))
		for _, w := range second[l] {
			for t := range w {
				w[t] *= rot
			}
		}
	}

	final := trainer{
		name:    "stage 1",
		x:       trainingView(wf, shifts, base, span, os, foe),
		os:      os,
		start:   0,
		nsym:    L,
		refs:    refs,
		adapter: NewAdapter(p.Stages[1].Criterion, pilot),
		stage:   p.Stages[1],
		limit:   p.DivergenceLimit,
	}
	if _, err := final.run(second); err != nil {
		return nil, nil, err
	}
	return second, foe, nil
}

// ApplyFilter runs the multi-mode FIR taps over the waveform and returns one
// symbol per os samples. Output symbol k of mode l is
// sum_i sum_t taps[l][i][t] * x_i[(k*os+t) mod N].
func ApplyFilter(wf [][]complex128, os int, taps [][][]complex128) ([][]complex128, error) {
	if len(wf) == 0 {
		return nil, &ShapeError{Stage: "apply filter", What: "mode count", Got: 0, Want: 1}
	}
	if os < 1 {
		return nil, &ShapeError{Stage: "apply filter", What: "oversampling", Got: os, Want: 1}
	}
	if len(taps) == 0 || len(taps[0]) == 0 {
		return nil, &ShapeError{Stage: "apply filter", What: "tap modes", Got: 0, Want: len(wf)}
	}
	if err := checkTaps(taps, len(taps), len(wf), len(taps[0][0])); err != nil {
		return nil, err
	}
	n := len(wf[0])
	nsym := n / os
	out := make([][]complex128, len(taps))
	for l, tl := range taps {
		row := make([]complex128, nsym)
		for k := range row {
			var acc complex128
			for i, w := range tl {
				x := wf[i]
				pos := k * os
				for t, c := range w {
					idx := pos + t
					if idx >= n {
						idx %= n
					}
					acc += c * x[idx]
				}
			}
			row[k] = acc
		}
		out[l] = row
	}
	return out, nil
}

func checkTaps(taps [][][]complex128, nOut, nIn, ntaps int) error {
	if len(taps) != nOut {
		return &ShapeError{Stage: "taps", What: "output modes", Got: len(taps), Want: nOut}
	}
	for _, tl := range taps {
		if len(tl) != nIn {
			return &ShapeError{Stage: "taps", What: "input modes", Got: len(tl), Want: nIn}
		}
		for _, w := range tl {
			if len(w) != ntaps {
				return &ShapeError{Stage: "taps", What: "tap count", Got: len(w), Want: ntaps}
			}
		}
	}
	return nil
}

func cloneTaps(taps [][][]complex128) [][][]complex128 {
	return padTaps(taps, 0)
}

// dominantOutput returns the output mode drawing the most energy from input
// mode i.
func dominantOutput(taps [][][]complex128, i int) int {
	best, bestE := 0, -1.0
	for l := range taps {
		var e float64
		for _, c := range taps[l][i] {
			e += real(c)*real(c) + imag(c)*imag(c)
		}
		if e > bestE {
			best, bestE = l, e
		}
	}
	return best
}

// trainingView copies span samples starting at base out of the shifted view
// of every mode, removing a per-mode frequency offset referenced to the
// shifted sample index.
func trainingView(wf [][]complex128, shifts []int, base, span, os int, foe []float64) [][]complex128 {
	out := make([][]complex128, len(wf))
	for i, x := range wf {
		n := len(x)
		row := make([]complex128, span)
		for u := range row {
			idx := ((base+u+shifts[i])%n + n) % n
			row[u] = x[idx]
			if foe[i] != 0 {
				row[u] *= cmplx.Exp(complex(0, -foe[i]*float64(base+u)/float64(os)))
			}
		}
		out[i] = row
	}
	return out
}

// trainer adapts one stage over a block of training symbols.
type trainer struct {
	name    string
	x       [][]complex128
	os      int
	start   int // sample of the first window
	nsym    int
	refs    [][]complex128 // per output mode; unused by blind criteria
	adapter Adapter
	stage   Stage
	limit   float64
}

func (tr *trainer) fill(win [][]complex128, k int) {
	pos := tr.start + k*tr.os
	for i, x := range tr.x {
		n := len(x)
		w := win[i]
		for t := range w {
			w[t] = x[(pos+t)%n]
		}
	}
}

func (tr *trainer) window(ntaps int) [][]complex128 {
	win := make([][]complex128, len(tr.x))
	for i := range win {
		win[i] = make([]complex128, ntaps)
	}
	return win
}

// run adapts taps in place for stage.Iterations passes. With AdaptiveStep,
// mu is halved whenever a pass ends with a larger mean error than the one
// before it.
func (tr *trainer) run(taps [][][]complex128) (float64, error) {
	mu := tr.stage.Mu
	prev := math.Inf(1)
	win := tr.window(len(taps[0][0]))
	for it := 0; it < tr.stage.Iterations; it++ {
		var sum float64
		for k := 0; k < tr.nsym; k++ {
			tr.fill(win, k)
			for l := range taps {
				var ref complex128
				if tr.refs != nil {
					ref = tr.refs[l][k]
				}
				_, e := tr.adapter.Update(taps[l], win, ref, mu)
				sum += e
			}
		}
		mean := sum / float64(tr.nsym*len(taps))
		if math.IsNaN(mean) || math.IsInf(mean, 0) || mean > tr.limit {
			return mean, &ConvergenceError{Stage: tr.name, Criterion: tr.adapter.Criterion(),
				Iteration: it, ErrPower: mean, Mu: mu}
		}
		if tr.stage.AdaptiveStep && mean > prev {
			mu /= 2
		}
		prev = mean
	}
	return prev, nil
}

// outputs filters the training block with fixed taps.
func (tr *trainer) outputs(taps [][][]complex128) [][]complex128 {
	win := tr.window(len(taps[0][0]))
	out := make([][]complex128, len(taps))
	for l := range out {
		out[l] = make([]complex128, tr.nsym)
	}
	for k := 0; k < tr.nsym; k++ {
		tr.fill(win, k)
		for l := range taps {
			out[l][k] = tr.adapter.Output(taps[l], win)
		}
	}
	return out
}

// searchEqualize runs the stage-one criterion blindly over one frame from a
// centre-spike start and returns the equalized symbol streams.
func searchEqualize(wf [][]complex128, os int, p Params) ([][]complex128, error) {
	st := p.Stages[0]
	if !st.Criterion.Blind() {
		st.Criterion = CMA
	}
	data, err := NewConstellationOrder(p.ModulationOrder)
	if err != nil {
		return nil, err
	}
	nModes := len(wf)
	taps := InitialTaps(IdentityAlignment(nModes), nModes, st.Taps)
	tr := trainer{
		name:    "search",
		x:       wf,
		os:      os,
		nsym:    p.FrameLength,
		adapter: NewAdapter(st.Criterion, data),
		stage:   st,
		limit:   p.DivergenceLimit,
	}
	if _, err := tr.run(taps); err != nil {
		return nil, err
	}
	return ApplyFilter(wf, os, taps)
}
