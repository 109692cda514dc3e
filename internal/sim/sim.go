// Package sim runs end-to-end simulations: a pilot-framed transmitter, a
// channel with configurable impairments and the pilot-aided receiver, scored
// with BER, SER, EVM and GMI.
package sim

import (
	"context"
	"errors"
	"fmt"
	"math"
	"math/rand"
	"time"

	"github.com/charmbracelet/log"
	"github.com/google/uuid"

	"github.com/jeongseonghan/pilotrx/internal/channel"
	"github.com/jeongseonghan/pilotrx/internal/modem"
	"github.com/jeongseonghan/pilotrx/internal/numeric"
)

// Config describes one simulated transmission.
type Config struct {
	SNR           float64 `yaml:"snr_db" json:"snr_db"`
	Ntaps         int     `yaml:"ntaps" json:"ntaps"`
	Beta          float64 `yaml:"beta" json:"beta"`
	M             int     `yaml:"m" json:"m"`
	FreqOffset    float64 `yaml:"freq_offset" json:"freq_offset"`
	CPEAverage    int     `yaml:"cpe_average" json:"cpe_average"`
	FrameLength   int     `yaml:"frame_length" json:"frame_length"`
	PilotSeqLen   int     `yaml:"pilot_seq_len" json:"pilot_seq_len"`
	PilotInsRatio int     `yaml:"pilot_ins_ratio" json:"pilot_ins_ratio"`
	NFrames       int     `yaml:"num_frames" json:"num_frames"`
	ModalDelay    []int   `yaml:"modal_delay" json:"modal_delay,omitempty"`
	Linewidth     float64 `yaml:"linewidth" json:"linewidth"`
	TxBits        int     `yaml:"tx_bits" json:"tx_bits"`
	RxBits        int     `yaml:"rx_bits" json:"rx_bits"`

	Modes        int     `yaml:"modes" json:"modes"`
	Oversampling int     `yaml:"oversampling" json:"oversampling"`
	Fb           float64 `yaml:"fb" json:"fb"`
	Seed         int64   `yaml:"seed" json:"seed"`
	// Roll moves the capture start by this many samples so the receiver has
	// to find the frame.
	Roll         int     `yaml:"roll" json:"roll"`
	ModeRotation float64 `yaml:"mode_rotation" json:"mode_rotation"`
	// PreFilterBW enables the receiver's square front-end filter, in units of
	// Fb around PreFilterCenter.
	PreFilterBW     float64 `yaml:"prefilter_bw" json:"prefilter_bw,omitempty"`
	PreFilterCenter float64 `yaml:"prefilter_center" json:"prefilter_center,omitempty"`
}

// DefaultConfig returns a dual-polarisation 256-QAM link at 40 dB SNR.
func DefaultConfig() Config {
	return Config{
		SNR:           40,
		Ntaps:         45,
		Beta:          0.1,
		M:             256,
		CPEAverage:    2,
		FrameLength:   1 << 14,
		PilotSeqLen:   8192,
		PilotInsRatio: 32,
		NFrames:       3,
		Modes:         2,
		Oversampling:  2,
		Fb:            20e9,
		Seed:          1,
	}
}

// Params derives the receiver parameters: a 17-tap CMA stage followed by an
// Ntaps decision-directed stage.
func (c Config) Params() modem.Params {
	p := modem.DefaultParams()
	p.Oversampling = c.Oversampling
	p.ModulationOrder = c.M
	p.FrameLength = c.FrameLength
	p.PilotSeqLen = c.PilotSeqLen
	p.PilotInsRatio = c.PilotInsRatio
	p.CPEAverage = c.CPEAverage
	p.Stages[0] = modem.Stage{Criterion: modem.CMA, Taps: 17, Iterations: 10, Mu: 1e-3, AdaptiveStep: true}
	p.Stages[1] = modem.Stage{Criterion: modem.SBD, Taps: c.Ntaps, Iterations: 30, Mu: 1e-3, AdaptiveStep: true}
	p.RemovePhasePilots = true
	p.PreFilterBW = c.PreFilterBW
	p.PreFilterCenter = c.PreFilterCenter
	return p
}

// TxConfig is the transmitter part of the configuration.
func (c Config) TxConfig() modem.TxConfig {
	return modem.TxConfig{
		Modes:         c.Modes,
		M:             c.M,
		FrameLen:      c.FrameLength,
		PilotSeqLen:   c.PilotSeqLen,
		PilotInsRatio: c.PilotInsRatio,
		NFrames:       c.NFrames,
		Fb:            c.Fb,
	}
}

// Impairments is the channel part of the configuration at sample rate fs.
func (c Config) Impairments(fs float64) channel.Impairments {
	return channel.Impairments{
		SNR:        c.SNR,
		FreqOffset: c.FreqOffset,
		Linewidth:  c.Linewidth,
		Fs:         fs,
		ModalDelay: c.ModalDelay,
		Rotation:   c.ModeRotation,
		TxBits:     c.TxBits,
		RxBits:     c.RxBits,
	}
}

// Validate checks the configuration, including the receiver parameters it
// implies.
func (c Config) Validate() error {
	var errs []error
	if math.IsNaN(c.SNR) || math.IsInf(c.SNR, 0) {
		errs = append(errs, fmt.Errorf("snr_db must be finite, got %g", c.SNR))
	}
	if !(c.Beta > 0 && c.Beta <= 1) {
		errs = append(errs, fmt.Errorf("beta must be in (0, 1], got %g", c.Beta))
	}
	if c.Modes < 1 {
		errs = append(errs, fmt.Errorf("modes must be >= 1, got %d", c.Modes))
	}
	if c.ModeRotation != 0 && c.Modes != 2 {
		errs = append(errs, fmt.Errorf("mode_rotation needs exactly 2 modes, got %d", c.Modes))
	}
	if len(c.ModalDelay) > 0 && len(c.ModalDelay) != c.Modes {
		errs = append(errs, fmt.Errorf("modal_delay has %d entries for %d modes", len(c.ModalDelay), c.Modes))
	}
	if c.NFrames < 1 {
		errs = append(errs, fmt.Errorf("num_frames must be >= 1, got %d", c.NFrames))
	}
	if !(c.Fb > 0) {
		errs = append(errs, fmt.Errorf("fb must be > 0, got %g", c.Fb))
	}
	if c.Linewidth < 0 || c.TxBits < 0 || c.RxBits < 0 {
		errs = append(errs, errors.New("linewidth, tx_bits and rx_bits must not be negative"))
	}
	if err := c.Params().Validate(); err != nil {
		errs = append(errs, err)
	}
	return errors.Join(errs...)
}

// ModeReport scores one receiver output mode.
type ModeReport struct {
	Mode   int     `json:"mode"`
	TxMode int     `json:"tx_mode"`
	BER    float64 `json:"ber"`
	SER    float64 `json:"ser"`
	EVM    float64 `json:"evm"`
	GMI    float64 `json:"gmi"`
	SNR    float64 `json:"snr_db"`
}

// Report is the outcome of one simulation.
type Report struct {
	ID        string        `json:"id"`
	CreatedAt time.Time     `json:"created_at"`
	Duration  time.Duration `json:"duration"`
	Config    Config        `json:"config"`

	Modes      []ModeReport `json:"modes"`
	FOE        []float64    `json:"foe"`
	Shifts     []int        `json:"shifts"`
	Perm       []int        `json:"perm"`
	SyncMetric []float64    `json:"sync_metric"`
	Searched   bool         `json:"searched"`
	Trim       int          `json:"trim"`
	Symbols    int          `json:"symbols"`

	// Result is the full receiver output; it is not persisted.
	Result *modem.Result `json:"-"`
}

// MeanBER averages the bit error ratio over modes.
func (r *Report) MeanBER() float64 {
	return r.mean(func(m ModeReport) float64 { return m.BER })
}

// MeanGMI averages the generalised mutual information over modes.
func (r *Report) MeanGMI() float64 {
	return r.mean(func(m ModeReport) float64 { return m.GMI })
}

func (r *Report) mean(f func(ModeReport) float64) float64 {
	if len(r.Modes) == 0 {
		return 0
	}
	var s float64
	for _, m := range r.Modes {
		s += f(m)
	}
	return s / float64(len(r.Modes))
}

// snrCeiling caps the estimated SNR of an error-free mode so reports stay
// representable in JSON.
const snrCeiling = 200.0

// Stage names reported through WithProgress.
const (
	StageTransmit = "transmit"
	StageChannel  = "channel"
	StageReceive  = "receive"
	StageMetrics  = "metrics"
	StageDone     = "done"
)

type runOptions struct {
	id       string
	logger   *log.Logger
	progress func(stage string)
}

// Option customises SimPilotTxRx.
type Option func(*runOptions)

// WithLogger sets the logger handed to the receiver.
func WithLogger(l *log.Logger) Option {
	return func(o *runOptions) { o.logger = l }
}

// WithID sets the report id instead of a random one.
func WithID(id string) Option {
	return func(o *runOptions) { o.id = id }
}

// WithProgress registers a callback invoked as the simulation enters each
// stage.
func WithProgress(fn func(stage string)) Option {
	return func(o *runOptions) { o.progress = fn }
}

// SimPilotTxRx builds a pilot-framed signal, passes it through the channel and
// the receiver and scores the recovered payload. The context is checked
// between stages.
func SimPilotTxRx(ctx context.Context, cfg Config, opts ...Option) (*Report, error) {
	o := runOptions{logger: log.Default(), progress: func(string) {}}
	for _, opt := range opts {
		opt(&o)
	}
	if o.id == "" {
		o.id = uuid.NewString()
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("sim config: %w", err)
	}
	start := time.Now()
	rng := rand.New(rand.NewSource(cfg.Seed))

	o.progress(StageTransmit)
	sig, err := modem.NewPilotSignal(cfg.TxConfig(), rng)
	if err != nil {
		return nil, err
	}
	tx, err := modem.Resample(sig, cfg.Oversampling, cfg.Beta)
	if err != nil {
		return nil, err
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	o.progress(StageChannel)
	rows, err := channel.Simulate(tx.Samples, cfg.Impairments(tx.Fs), rng)
	if err != nil {
		return nil, err
	}
	if cfg.Roll != 0 {
		for i := range rows {
			rows[i] = numeric.Roll(rows[i], cfg.Roll)
		}
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	o.progress(StageReceive)
	rx, err := modem.NewReceiver(cfg.Params(), o.logger)
	if err != nil {
		return nil, err
	}
	res, err := rx.Run(tx.WithSamples(rows, cfg.Oversampling))
	if err != nil {
		return nil, err
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	o.progress(StageMetrics)
	modes, err := score(sig, res)
	if err != nil {
		return nil, err
	}
	rep := &Report{
		ID:         o.id,
		CreatedAt:  start.UTC(),
		Duration:   time.Since(start),
		Config:     cfg,
		Modes:      modes,
		FOE:        res.FOE,
		Shifts:     res.Shifts,
		Perm:       res.Alignment.Perm,
		SyncMetric: res.Sync.Metric,
		Searched:   res.Sync.Searched,
		Trim:       res.Trim,
		Symbols:    len(res.Symbols[0]),
		Result:     res,
	}
	o.logger.Info("simulation done", "id", rep.ID, "snr", cfg.SNR,
		"ber", rep.MeanBER(), "gmi", rep.MeanGMI(), "took", rep.Duration)
	o.progress(StageDone)
	return rep, nil
}

// reference returns the transmitted payload in the receiver's output order
// with the same pilot removal and edge trimming.
func reference(sig *modem.PilotSignal, res *modem.Result) [][]complex128 {
	out := make([][]complex128, len(res.Alignment.Perm))
	for l, tx := range res.Alignment.Perm {
		if res.PhasePilotsRemoved {
			out[l] = sig.Data[tx]
		} else {
			out[l] = modem.InsertPilots(sig.Data[tx], sig.PhasePilots[tx], sig.PilotInsRatio)
		}
	}
	return numeric.DumpEdges(out, res.Trim)
}

func score(sig *modem.PilotSignal, res *modem.Result) ([]ModeReport, error) {
	c, err := modem.NewConstellationOrder(sig.M)
	if err != nil {
		return nil, err
	}
	want := reference(sig, res)
	out := make([]ModeReport, len(want))
	for l := range want {
		got := res.Symbols[l]
		m := ModeReport{Mode: l, TxMode: res.Alignment.Perm[l]}
		if m.BER, err = modem.BER(got, want[l], c); err != nil {
			return nil, fmt.Errorf("mode %d: %w", l, err)
		}
		if m.SER, err = modem.SER(got, want[l], c); err != nil {
			return nil, fmt.Errorf("mode %d: %w", l, err)
		}
		if m.EVM, err = modem.EVM(got, want[l]); err != nil {
			return nil, fmt.Errorf("mode %d: %w", l, err)
		}
		if m.GMI, err = modem.GMI(got, want[l], c); err != nil {
			return nil, fmt.Errorf("mode %d: %w", l, err)
		}
		if m.SNR, err = modem.EstimateSNR(got, want[l]); err != nil {
			return nil, fmt.Errorf("mode %d: %w", l, err)
		}
		m.SNR = math.Min(m.SNR, snrCeiling)
		out[l] = m
	}
	return out, nil
}
