package modem

import (
	"errors"
	"fmt"
	"math"
)

// Stage configures one adaptation stage of the pilot equalizer.
type Stage struct {
	Criterion    Criterion `yaml:"criterion" json:"criterion"`
	Taps         int       `yaml:"taps" json:"taps"`
	Iterations   int       `yaml:"iterations" json:"iterations"`
	Mu           float64   `yaml:"mu" json:"mu"`
	AdaptiveStep bool      `yaml:"adaptive_step" json:"adaptive_step"`
}

// Params is the receiver configuration. It is validated once and then only
// read, so one value can be shared by concurrent receiver runs.
type Params struct {
	ProcessFrameID  int `yaml:"process_frame_id" json:"process_frame_id"`
	Oversampling    int `yaml:"oversampling" json:"oversampling"`
	ModulationOrder int `yaml:"modulation_order" json:"modulation_order"`
	PilotOrder      int `yaml:"pilot_order" json:"pilot_order"`

	FrameLength   int `yaml:"frame_length" json:"frame_length"`
	PilotSeqLen   int `yaml:"pilot_seq_len" json:"pilot_seq_len"`
	PilotInsRatio int `yaml:"pilot_ins_ratio" json:"pilot_ins_ratio"`

	Stages [2]Stage `yaml:"stages" json:"stages"`
	// WarmStart seeds stage two with the zero-padded stage-one taps instead
	// of a fresh centre-spike initialisation.
	WarmStart bool `yaml:"warm_start" json:"warm_start"`

	CPEAverage             int  `yaml:"cpe_average" json:"cpe_average"`
	CPEPilotUsageRatio     int  `yaml:"cpe_pilot_usage_ratio" json:"cpe_pilot_usage_ratio"`
	RemoveInitialCPEOutput bool `yaml:"remove_initial_cpe_output" json:"remove_initial_cpe_output"`
	RemovePhasePilots      bool `yaml:"remove_phase_pilots" json:"remove_phase_pilots"`
	ExternalPhaseRecovery  bool `yaml:"external_phase_recovery" json:"external_phase_recovery"`

	SyncThreshold   float64 `yaml:"sync_threshold" json:"sync_threshold"`
	SyncLength      int     `yaml:"sync_length" json:"sync_length"`
	SyncBlockLen    int     `yaml:"sync_block_len" json:"sync_block_len"`
	SearchEqualizer bool    `yaml:"search_equalizer" json:"search_equalizer"`
	DivergenceLimit float64 `yaml:"divergence_limit" json:"divergence_limit"`

	// PreFilterBW is the pass bandwidth of the front-end square filter in
	// units of the symbol rate; zero disables it.
	PreFilterBW     float64 `yaml:"prefilter_bw" json:"prefilter_bw"`
	PreFilterCenter float64 `yaml:"prefilter_center" json:"prefilter_center"`
}

// DefaultParams returns the receiver defaults.
func DefaultParams() Params {
	return Params{
		ProcessFrameID:  0,
		Oversampling:    2,
		ModulationOrder: 256,
		PilotOrder:      4,
		FrameLength:     1 << 16,
		PilotSeqLen:     512,
		PilotInsRatio:   32,
		Stages: [2]Stage{
			{Criterion: CMA, Taps: 17, Iterations: 10, Mu: 1e-3, AdaptiveStep: true},
			{Criterion: CMA, Taps: 45, Iterations: 30, Mu: 1e-3, AdaptiveStep: true},
		},
		WarmStart:              true,
		CPEAverage:             5,
		CPEPilotUsageRatio:     1,
		RemoveInitialCPEOutput: true,
		RemovePhasePilots:      true,
		SyncThreshold:          0.35,
		SyncLength:             1024,
		SyncBlockLen:           128,
		SearchEqualizer:        true,
		DivergenceLimit:        1e3,
	}
}

// Validate checks the parameters for internal consistency.
func (p Params) Validate() error {
	var errs []error
	if p.Oversampling < 1 {
		errs = append(errs, fmt.Errorf("oversampling must be >= 1, got %d", p.Oversampling))
	}
	if _, err := ModulationFromOrder(p.ModulationOrder); err != nil {
		errs = append(errs, err)
	}
	if _, err := ModulationFromOrder(p.PilotOrder); err != nil {
		errs = append(errs, fmt.Errorf("pilot: %w", err))
	}
	if p.ProcessFrameID < 0 {
		errs = append(errs, fmt.Errorf("process_frame_id must be >= 0, got %d", p.ProcessFrameID))
	}
	if p.PilotSeqLen < 1 || p.FrameLength <= p.PilotSeqLen {
		errs = append(errs, &ShapeError{Stage: "params", What: "frame_length must exceed pilot_seq_len",
			Got: p.FrameLength, Want: p.PilotSeqLen + 1})
	}
	if p.PilotInsRatio < 1 {
		errs = append(errs, fmt.Errorf("pilot_ins_ratio must be >= 1, got %d", p.PilotInsRatio))
	} else if p.FrameLength > p.PilotSeqLen && (p.FrameLength-p.PilotSeqLen)%p.PilotInsRatio != 0 {
		errs = append(errs, &ShapeError{Stage: "params", What: "payload length not a multiple of pilot_ins_ratio",
			Got: p.FrameLength - p.PilotSeqLen, Want: p.PilotInsRatio})
	}
	for i, s := range p.Stages {
		if s.Taps < 1 {
			errs = append(errs, fmt.Errorf("stage %d: taps must be >= 1, got %d", i, s.Taps))
		}
		if s.Iterations < 0 {
			errs = append(errs, fmt.Errorf("stage %d: iterations must be >= 0, got %d", i, s.Iterations))
		}
		if !(s.Mu > 0) {
			errs = append(errs, fmt.Errorf("stage %d: mu must be > 0, got %g", i, s.Mu))
		}
		if _, ok := criterionNames[s.Criterion]; !ok {
			errs = append(errs, fmt.Errorf("stage %d: unknown criterion %d", i, int(s.Criterion)))
		}
	}
	diff := p.Stages[1].Taps - p.Stages[0].Taps
	if diff < 0 || diff%2 != 0 || (p.Oversampling > 0 && diff%p.Oversampling != 0) {
		errs = append(errs, &ShapeError{Stage: "params", What: "stage tap difference must be even, non-negative and a multiple of oversampling",
			Got: diff, Want: p.Oversampling})
	}
	if p.CPEAverage < 1 {
		errs = append(errs, fmt.Errorf("cpe_average must be >= 1, got %d", p.CPEAverage))
	}
	if p.CPEPilotUsageRatio < 1 {
		errs = append(errs, fmt.Errorf("cpe_pilot_usage_ratio must be >= 1, got %d", p.CPEPilotUsageRatio))
	}
	if !(p.SyncThreshold > 0 && p.SyncThreshold <= 1) {
		errs = append(errs, fmt.Errorf("sync_threshold must be in (0, 1], got %g", p.SyncThreshold))
	}
	if p.SyncLength < 1 || p.SyncBlockLen < 1 {
		errs = append(errs, fmt.Errorf("sync_length and sync_block_len must be >= 1"))
	}
	if !(p.PreFilterBW >= 0) || math.IsInf(p.PreFilterBW, 1) {
		errs = append(errs, fmt.Errorf("prefilter_bw must be finite and >= 0, got %g", p.PreFilterBW))
	}
	if math.IsNaN(p.PreFilterCenter) || math.IsInf(p.PreFilterCenter, 0) {
		errs = append(errs, fmt.Errorf("prefilter_center must be finite, got %g", p.PreFilterCenter))
	}
	if !(p.DivergenceLimit > 0) {
		errs = append(errs, fmt.Errorf("divergence_limit must be > 0, got %g", p.DivergenceLimit))
	}
	return errors.Join(errs...)
}

// TapCorrection is half the tap-count difference between the stages, the
// extra group delay of the longer stage-two filter in samples.
func (p Params) TapCorrection() int {
	return (p.Stages[1].Taps - p.Stages[0].Taps) / 2
}

// PhasePilotsPerFrame returns the number of phase pilots in one payload.
func (p Params) PhasePilotsPerFrame() int {
	return (p.FrameLength - p.PilotSeqLen) / p.PilotInsRatio
}

// CPETrim is the number of symbols dropped from each end of the corrected
// payload to skip the averaging transient.
func (p Params) CPETrim() int {
	return p.CPEPilotUsageRatio * p.PilotInsRatio * p.CPEAverage / 2
}

// syncLen is the number of pilot symbols correlated by the frame locator.
func (p Params) syncLen() int {
	if p.SyncLength < p.PilotSeqLen {
		return p.SyncLength
	}
	return p.PilotSeqLen
}

// syncBlockLen never exceeds the correlated length.
func (p Params) syncBlockLen() int {
	if n := p.syncLen(); p.SyncBlockLen > n {
		return n
	}
	return p.SyncBlockLen
}
