package modem

import (
	"fmt"
	"math/cmplx"

	"github.com/charmbracelet/log"

	"github.com/jeongseonghan/pilotrx/internal/numeric"
)

// Result is the output of one receiver run.
type Result struct {
	// Symbols are the phase-corrected payload symbols of the processed
	// frame, one row per output mode in transmitted-mode order Alignment.Perm.
	Symbols [][]complex128 `json:"-"`
	// PhaseTrace holds the removed phase for every symbol in Symbols; nil
	// with external phase recovery.
	PhaseTrace [][]float64 `json:"-"`
	// Equalized is the full equalizer output before phase correction.
	Equalized [][]complex128     `json:"-"`
	Taps      [][][]complex128   `json:"-"`
	FOE       []float64          `json:"foe"`
	Shifts    []int              `json:"shifts"`
	Alignment ModeAlignment      `json:"alignment"`
	Sync      SyncResult         `json:"-"`
	// Trim is the number of symbols dropped from each end of Symbols.
	Trim               int  `json:"trim"`
	PhasePilotsRemoved bool `json:"phase_pilots_removed"`
}

// Receiver runs the pilot-aided receive chain with one validated set of
// parameters.
type Receiver struct {
	params Params
	logger *log.Logger
}

// NewReceiver validates p. A nil logger uses the package default.
func NewReceiver(p Params, logger *log.Logger) (*Receiver, error) {
	if err := p.Validate(); err != nil {
		return nil, fmt.Errorf("receiver params: %w", err)
	}
	if logger == nil {
		logger = log.Default()
	}
	return &Receiver{params: p, logger: logger}, nil
}

// Params returns the receiver parameters.
func (r *Receiver) Params() Params {
	return r.params
}

// RunPilotReceiver is a one-shot Receiver run.
func RunPilotReceiver(sig *PilotSignal, p Params) (*Result, error) {
	rx, err := NewReceiver(p, nil)
	if err != nil {
		return nil, err
	}
	return rx.Run(sig)
}

// Run locates the frames in sig, trains the equalizer on the pilot sequence
// of frame ProcessFrameID, equalizes the whole capture and phase-corrects the
// payload of that frame. sig is not modified.
func (r *Receiver) Run(sig *PilotSignal) (*Result, error) {
	p := r.params
	if err := r.checkSignal(sig); err != nil {
		return nil, err
	}
	os := p.Oversampling
	nModes := sig.Modes()
	ntaps := [2]int{p.Stages[0].Taps, p.Stages[1].Taps}

	wf := sig.Samples
	if p.PreFilterBW > 0 {
		wf = make([][]complex128, nModes)
		for i, row := range sig.Samples {
			wf[i] = PreFilter(row, p.PreFilterBW, os, p.PreFilterCenter)
		}
	}
	wf = numeric.NormaliseAndCenter(wf)

	sync, err := FrameSync(wf, os, sig.PilotSeq, p)
	if err != nil {
		return nil, err
	}
	r.logger.Debug("frame sync", "shifts", sync.Shifts, "perm", sync.Alignment.Perm,
		"metric", sync.Metric, "foe", sync.CoarseFOE, "searched", sync.Searched)
	wf = CompensateFrequency(wf, sync.CoarseFOE, os)

	refs, err := AlignModes(sig.PilotSeq, sync.Alignment)
	if err != nil {
		return nil, err
	}
	shifts, minShift, err := CorrectShifts(sync.Shifts, ntaps, os)
	if err != nil {
		return nil, err
	}
	for i := range wf {
		wf[i] = numeric.Roll(wf[i], -minShift)
	}

	init := InitialTaps(sync.Alignment, nModes, ntaps[0])
	taps, foe, err := EqualizePilotSequence(wf, shifts, refs, os, p, init)
	if err != nil {
		return nil, err
	}
	r.logger.Debug("equalizer trained", "shifts", shifts, "residual_foe", foe)

	shifted, err := ShiftSignal(wf, shifts)
	if err != nil {
		return nil, err
	}
	shifted = CompensateFrequency(shifted, foe, os)
	eq, err := ApplyFilter(shifted, os, taps)
	if err != nil {
		return nil, err
	}

	res := &Result{
		Equalized:          eq,
		Taps:               taps,
		FOE:                make([]float64, nModes),
		Shifts:             shifts,
		Alignment:          sync.Alignment,
		Sync:               sync,
		PhasePilotsRemoved: p.RemovePhasePilots,
	}
	for i := range res.FOE {
		res.FOE[i] = sync.CoarseFOE[i] + foe[i]
	}

	lo := p.ProcessFrameID*p.FrameLength + p.PilotSeqLen
	hi := (p.ProcessFrameID + 1) * p.FrameLength
	payload := make([][]complex128, nModes)
	for l := range eq {
		payload[l] = eq[l][lo:hi]
	}

	if p.ExternalPhaseRecovery {
		res.Symbols = payload
		if p.RemovePhasePilots {
			for l := range payload {
				res.Symbols[l] = ExtractData(payload[l], p.PilotInsRatio)
			}
		}
		return res, nil
	}

	phasePilots := sync.Alignment.Apply(sig.PhasePilots)
	symbols, trace, err := PilotBasedCPE(payload, phasePilots, CPEConfig{
		InsRatio:          p.PilotInsRatio,
		UsePilotRatio:     p.CPEPilotUsageRatio,
		NumAverage:        p.CPEAverage,
		RemovePhasePilots: p.RemovePhasePilots,
	})
	if err != nil {
		return nil, err
	}

	if p.RemoveInitialCPEOutput {
		res.Trim = p.CPETrim()
		if 2*res.Trim >= len(symbols[0]) {
			return nil, &ShapeError{Stage: "cpe", What: "symbols left after transient removal",
				Got: len(symbols[0]) - 2*res.Trim, Want: 1}
		}
		symbols = numeric.DumpEdges(symbols, res.Trim)
		for l := range trace {
			trace[l] = trace[l][res.Trim : len(trace[l])-res.Trim]
		}
	}
	res.Symbols = symbols
	res.PhaseTrace = trace
	r.logger.Debug("phase recovery", "symbols", len(symbols[0]), "trim", res.Trim)
	return res, nil
}

func (r *Receiver) checkSignal(sig *PilotSignal) error {
	const stage = "receiver"
	if sig == nil {
		return &ShapeError{Stage: stage, What: "signal", Got: 0, Want: 1}
	}
	if err := sig.Validate(); err != nil {
		return err
	}
	p := r.params
	for _, c := range []struct {
		what      string
		got, want int
	}{
		{"oversampling", sig.Os, p.Oversampling},
		{"frame length", sig.FrameLen, p.FrameLength},
		{"pilot sequence length", sig.PilotSeqLen, p.PilotSeqLen},
		{"pilot insertion ratio", sig.PilotInsRatio, p.PilotInsRatio},
	} {
		if c.got != c.want {
			return &ShapeError{Stage: stage, What: c.what, Got: c.got, Want: c.want}
		}
	}
	return nil
}

// CompensateFrequency rotates sample n of mode i by -foe[i]*n/os.
func CompensateFrequency(wf [][]complex128, foe []float64, os int) [][]complex128 {
	out := make([][]complex128, len(wf))
	for i, x := range wf {
		if i >= len(foe) || foe[i] == 0 {
			out[i] = append([]complex128(nil), x...)
			continue
		}
		row := make([]complex128, len(x))
		for n, v := range x {
			row[n] = v * cmplx.Exp(complex(0, -foe[i]*float64(n)/float64(os)))
		}
		out[i] = row
	}
	return out
}
