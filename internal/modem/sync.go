package modem

import (
	"math"
	"math/cmplx"

	"gonum.org/v1/gonum/floats"
)

// SyncResult is the outcome of FrameSync.
type SyncResult struct {
	// Shifts holds, per received mode, the sample at which a stage-one
	// filter window centred on the first pilot symbol starts.
	Shifts []int
	// CoarseFOE is the frequency offset per received mode in rad/symbol.
	CoarseFOE []float64
	Alignment ModeAlignment
	// Metric is the normalised correlation peak per received mode; a clean
	// match scores 1.
	Metric []float64
	// Searched is set when the peak was only found after the blind search
	// equalizer ran.
	Searched bool
}

// FrameSync locates the pilot sequence in every received mode, estimates a
// coarse frequency offset and works out which transmitted mode each
// received mode mostly carries.
//
// refs holds the pilot sequence of every transmitted mode. Only the first
// SyncLength symbols are correlated, in blocks of SyncBlockLen whose
// magnitudes are summed so a residual frequency offset does not cancel the
// peak. When a mode stays below SyncThreshold the search is repeated with a
// blind fourth-power offset estimate removed, and then on the output of the
// blind search equalizer. The capture is read circularly and must hold at
// least one frame.
func FrameSync(wf [][]complex128, os int, refs [][]complex128, p Params) (SyncResult, error) {
	const stage = "frame sync"
	nModes := len(wf)
	if nModes == 0 {
		return SyncResult{}, &ShapeError{Stage: stage, What: "mode count", Got: 0, Want: 1}
	}
	if len(refs) != nModes {
		return SyncResult{}, &ShapeError{Stage: stage, What: "reference modes", Got: len(refs), Want: nModes}
	}
	if os < 1 {
		return SyncResult{}, &ShapeError{Stage: stage, What: "oversampling", Got: os, Want: 1}
	}
	syncLen := p.syncLen()
	for _, r := range refs {
		if len(r) < syncLen {
			return SyncResult{}, &ShapeError{Stage: stage, What: "pilot sequence length", Got: len(r), Want: syncLen}
		}
	}
	n := len(wf[0])
	for _, row := range wf {
		if len(row) != n {
			return SyncResult{}, &ShapeError{Stage: stage, What: "samples per mode", Got: len(row), Want: n}
		}
	}
	if n/os < p.FrameLength {
		return SyncResult{}, &SyncError{Stage: stage, Reason: "capture shorter than one frame",
			Threshold: p.SyncThreshold}
	}

	loc := newLocator(refs, syncLen, p.syncBlockLen(), p.FrameLength)
	centre := p.Stages[0].Taps / 2
	peaks, hint := loc.search(wf, os, 0), 0.0
	tried := loc.offsets(nModes, os)
	var blind float64
	if minMetric(peaks) < p.SyncThreshold {
		// A large frequency offset spreads the block correlation; retry with
		// the blind estimate removed.
		blind = blindFOE(wf, os)
		peaks, hint = loc.stronger(wf, os, peaks, hint, blind)
		tried += loc.offsets(nModes, os)
	}
	if best := minMetric(peaks); best >= p.SyncThreshold {
		return loc.result(wf, os, peaks, centre, hint), nil
	} else if !p.SearchEqualizer {
		return SyncResult{}, &SyncError{Stage: stage, Reason: "pilot sequence not found",
			Offsets: tried, BestMetric: best, Threshold: p.SyncThreshold}
	}

	eq, err := searchEqualize(wf, os, p)
	if err != nil {
		return SyncResult{}, &SyncError{Stage: stage, Reason: "search equalizer: " + err.Error(),
			Offsets: tried, BestMetric: minMetric(peaks), Threshold: p.SyncThreshold}
	}
	peaks, hint = loc.search(eq, 1, 0), 0
	tried += loc.offsets(nModes, 1)
	if minMetric(peaks) < p.SyncThreshold && blind != 0 {
		peaks, hint = loc.stronger(eq, 1, peaks, hint, blind)
		tried += loc.offsets(nModes, 1)
	}
	if best := minMetric(peaks); best < p.SyncThreshold {
		return SyncResult{}, &SyncError{Stage: stage, Reason: "pilot sequence not found after search equalizer",
			Offsets: tried, BestMetric: best, Threshold: p.SyncThreshold}
	}
	res := loc.result(eq, 1, peaks, 0, hint)
	for i := range res.Shifts {
		res.Shifts[i] *= os
	}
	// The equalized streams no longer relate to the raw mixing.
	res.Alignment.Matrix = nil
	res.Searched = true
	return res, nil
}

// blindFOE estimates the frequency offset shared by all modes, in
// rad/symbol, from the peak of the fourth-power spectrum. The tone of any
// square constellation sits at four times the offset, so the range is
// +-pi/4 rad/sample.
func blindFOE(wf [][]complex128, os int) float64 {
	nfft := nextPow2(len(wf[0]))
	power := make([]float64, nfft)
	for _, x := range wf {
		y := make([]complex128, nfft)
		for k, v := range x {
			v2 := v * v
			y[k] = v2 * v2
		}
		for k, v := range FFT(y) {
			power[k] += real(v)*real(v) + imag(v)*imag(v)
		}
	}
	k := floats.MaxIdx(power)
	if k >= nfft/2 {
		k -= nfft
	}
	return 2 * math.Pi * float64(k) / float64(nfft) / 4 * float64(os)
}

// syncPeak is the best candidate of one received mode.
type syncPeak struct {
	phase  int
	lag    int
	ref    int
	metric float64
}

func minMetric(peaks []syncPeak) float64 {
	m := math.Inf(1)
	for _, pk := range peaks {
		m = min(m, pk.metric)
	}
	return m
}

// locator holds the reference block spectra shared by every received mode.
type locator struct {
	syncLen  int
	blockLen int
	frameLen int
	nfft     int

	refs    [][]complex128
	refPow  []float64
	refSpec [][][]complex128 // tx mode x block x nfft
}

func newLocator(refs [][]complex128, syncLen, blockLen, frameLen int) *locator {
	l := &locator{
		syncLen:  syncLen,
		blockLen: blockLen,
		frameLen: frameLen,
		nfft:     nextPow2(frameLen + syncLen),
		refs:     refs,
		refPow:   make([]float64, len(refs)),
		refSpec:  make([][][]complex128, len(refs)),
	}
	nBlocks := syncLen / blockLen
	for j, r := range refs {
		var pw float64
		for _, v := range r[:syncLen] {
			pw += real(v)*real(v) + imag(v)*imag(v)
		}
		l.refPow[j] = pw / float64(syncLen)

		l.refSpec[j] = make([][]complex128, nBlocks)
		for b := 0; b < nBlocks; b++ {
			pad := make([]complex128, l.nfft)
			copy(pad[b*blockLen:], r[b*blockLen:(b+1)*blockLen])
			l.refSpec[j][b] = FFT(pad)
		}
	}
	return l
}

func (l *locator) offsets(nModes, os int) int {
	return nModes * os * l.frameLen * len(l.refs)
}

// decimate reads frameLen+syncLen symbols of one oversampling phase.
func (l *locator) decimate(x []complex128, os, phase int) []complex128 {
	n := len(x)
	seg := make([]complex128, l.frameLen+l.syncLen)
	for k := range seg {
		seg[k] = x[(phase+os*k)%n]
	}
	return seg
}

// search returns, per received mode, the strongest (phase, lag, reference)
// candidate after removing a frequency offset of hint rad/symbol.
func (l *locator) search(wf [][]complex128, os int, hint float64) []syncPeak {
	peaks := make([]syncPeak, len(wf))
	for i, x := range wf {
		// metric[p][j][k]
		metric := make([][][]float64, os)
		for p := 0; p < os; p++ {
			seg := l.decimate(x, os, p)
			if hint != 0 {
				for k := range seg {
					seg[k] *= cmplx.Exp(complex(0, -hint*float64(k)))
				}
			}
			metric[p] = l.metrics(seg)
		}
		peaks[i] = pickPeak(metric, l.frameLen)
	}
	return peaks
}

// stronger searches again with hint h and keeps whichever attempt has the
// higher worst-mode metric.
func (l *locator) stronger(wf [][]complex128, os int, peaks []syncPeak, hint, h float64) ([]syncPeak, float64) {
	if alt := l.search(wf, os, h); minMetric(alt) > minMetric(peaks) {
		return alt, h
	}
	return peaks, hint
}

// pickPeak scans metric[phase][ref][lag] in ascending sample offset (lag,
// then phase) and only lets a strictly larger metric replace the incumbent,
// so equal metrics resolve to the lower offset.
func pickPeak(metric [][][]float64, frameLen int) syncPeak {
	best := syncPeak{metric: -1}
	for k := 0; k < frameLen; k++ {
		for p := range metric {
			for j := range metric[p] {
				if m := metric[p][j][k]; m > best.metric {
					best = syncPeak{phase: p, lag: k, ref: j, metric: m}
				}
			}
		}
	}
	return best
}

// metrics computes the normalised block correlation of seg against every
// reference for lags [0, frameLen).
func (l *locator) metrics(seg []complex128) [][]float64 {
	pad := make([]complex128, l.nfft)
	copy(pad, seg)
	spec := FFT(pad)

	// Running power of seg over the sync window at every lag.
	cum := make([]float64, len(seg)+1)
	for k, v := range seg {
		cum[k+1] = cum[k] + real(v)*real(v) + imag(v)*imag(v)
	}

	out := make([][]float64, len(l.refs))
	for j := range l.refs {
		mag := make([]float64, l.frameLen)
		for _, rs := range l.refSpec[j] {
			r := IFFT(mulConj(spec, rs))
			for k := range mag {
				mag[k] += cmplx.Abs(r[k])
			}
		}
		for k := range mag {
			px := (cum[k+l.syncLen] - cum[k]) / float64(l.syncLen)
			den := float64(l.syncLen) * math.Sqrt(px*l.refPow[j])
			if den > 0 {
				mag[k] /= den
			} else {
				mag[k] = 0
			}
		}
		out[j] = mag
	}
	return out
}

// blocks correlates reference j block by block against win.
func (l *locator) blocks(win []complex128, j int) []complex128 {
	nBlocks := l.syncLen / l.blockLen
	z := make([]complex128, nBlocks)
	ref := l.refs[j]
	for b := 0; b < nBlocks; b++ {
		for t := b * l.blockLen; t < (b+1)*l.blockLen; t++ {
			v := ref[t]
			z[b] += win[t] * complex(real(v), -imag(v))
		}
	}
	return z
}

// estimateFOE measures the frequency offset of a located mode on the
// pilot-stripped sync window, starting from hint. The differential lag grows
// eightfold per step up to half the window, each estimate keeping the next
// one unambiguous, so the range is +-pi rad/symbol around hint.
func (l *locator) estimateFOE(seg []complex128, lag, ref int, hint float64) float64 {
	r := l.refs[ref]
	w := make([]complex128, l.syncLen)
	for t := range w {
		v := r[t]
		w[t] = seg[lag+t] * complex(real(v), -imag(v))
	}
	foe := hint
	last := max(l.syncLen/2, 1)
	for d := 1; ; d *= 8 {
		d = min(d, last)
		var acc complex128
		for t := 0; t+d < len(w); t++ {
			acc += w[t+d] * cmplx.Conj(w[t])
		}
		if acc != 0 {
			foe += cmplx.Phase(acc*cmplx.Exp(complex(0, -foe*float64(d)))) / float64(d)
		}
		if d == last {
			return foe
		}
	}
}

// result turns the per-mode peaks into shifts, frequency offsets and the
// mode alignment. centre is the half-width of the stage-one filter and hint
// the offset the peaks were searched with.
func (l *locator) result(wf [][]complex128, os int, peaks []syncPeak, centre int, hint float64) SyncResult {
	nModes := len(wf)
	res := SyncResult{
		Shifts:    make([]int, nModes),
		CoarseFOE: make([]float64, nModes),
		Metric:    make([]float64, nModes),
	}
	mags := make([][]float64, nModes)
	matrix := make([][]complex128, nModes)

	for i, pk := range peaks {
		n := len(wf[i])
		seg := l.decimate(wf[i], os, pk.phase)
		res.Shifts[i] = pk.phase + os*pk.lag - centre
		res.Metric[i] = pk.metric
		foe := l.estimateFOE(seg, pk.lag, pk.ref, hint)
		res.CoarseFOE[i] = foe

		// Phase referenced to symbol index n/os of the raw capture.
		win := make([]complex128, l.syncLen)
		px := 0.0
		for t := range win {
			v := seg[pk.lag+t]
			px += real(v)*real(v) + imag(v)*imag(v)
			sym := float64((pk.phase+os*(pk.lag+t))%n) / float64(os)
			win[t] = v * cmplx.Exp(complex(0, -foe*sym))
		}
		px /= float64(l.syncLen)

		mags[i] = make([]float64, len(l.refs))
		matrix[i] = make([]complex128, len(l.refs))
		for j := range l.refs {
			var sum float64
			var coh complex128
			for _, v := range l.blocks(win, j) {
				sum += cmplx.Abs(v)
				coh += v
			}
			if den := float64(l.syncLen) * math.Sqrt(px*l.refPow[j]); den > 0 {
				mags[i][j] = sum / den
			}
			if l.refPow[j] > 0 {
				matrix[i][j] = coh / complex(float64(l.syncLen)*l.refPow[j], 0)
			}
		}
	}

	res.Alignment = ModeAlignment{Perm: greedyAssign(mags), Matrix: matrix}
	return res
}
