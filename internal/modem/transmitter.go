package modem

import (
	"fmt"
	"math"
	"math/rand"
)

// TxConfig describes the pilot-framed signal built by NewPilotSignal.
type TxConfig struct {
	Modes         int     `yaml:"modes" json:"modes"`
	M             int     `yaml:"m" json:"m"`
	PilotOrder    int     `yaml:"pilot_order" json:"pilot_order"`
	FrameLen      int     `yaml:"frame_length" json:"frame_length"`
	PilotSeqLen   int     `yaml:"pilot_seq_len" json:"pilot_seq_len"`
	PilotInsRatio int     `yaml:"pilot_ins_ratio" json:"pilot_ins_ratio"`
	NFrames       int     `yaml:"num_frames" json:"num_frames"`
	Fb            float64 `yaml:"fb" json:"fb"`
}

// NewPilotSignal draws random pilots and data and lays them out in frames at
// one sample per symbol. Every frame repeats the same symbols.
func NewPilotSignal(cfg TxConfig, rng *rand.Rand) (*PilotSignal, error) {
	if cfg.Modes < 1 {
		return nil, &ShapeError{Stage: "transmitter", What: "mode count", Got: cfg.Modes, Want: 1}
	}
	if cfg.NFrames < 1 {
		return nil, &ShapeError{Stage: "transmitter", What: "frame count", Got: cfg.NFrames, Want: 1}
	}
	if cfg.PilotInsRatio < 1 || cfg.PilotSeqLen < 1 || cfg.FrameLen <= cfg.PilotSeqLen ||
		(cfg.FrameLen-cfg.PilotSeqLen)%cfg.PilotInsRatio != 0 {
		return nil, &ShapeError{Stage: "transmitter", What: "payload length not a multiple of pilot_ins_ratio",
			Got: cfg.FrameLen - cfg.PilotSeqLen, Want: cfg.PilotInsRatio}
	}
	data, err := NewConstellationOrder(cfg.M)
	if err != nil {
		return nil, fmt.Errorf("transmitter: %w", err)
	}
	pilotOrder := cfg.PilotOrder
	if pilotOrder == 0 {
		pilotOrder = 4
	}
	pilot, err := NewConstellationOrder(pilotOrder)
	if err != nil {
		return nil, fmt.Errorf("transmitter pilots: %w", err)
	}

	nPhase := (cfg.FrameLen - cfg.PilotSeqLen) / cfg.PilotInsRatio
	nData := cfg.FrameLen - cfg.PilotSeqLen - nPhase

	sig := &PilotSignal{
		Samples:       make([][]complex128, cfg.Modes),
		Os:            1,
		M:             cfg.M,
		FrameLen:      cfg.FrameLen,
		PilotSeqLen:   cfg.PilotSeqLen,
		PilotInsRatio: cfg.PilotInsRatio,
		NFrames:       cfg.NFrames,
		PilotSeq:      make([][]complex128, cfg.Modes),
		PhasePilots:   make([][]complex128, cfg.Modes),
		Data:          make([][]complex128, cfg.Modes),
		Fb:            cfg.Fb,
		Fs:            cfg.Fb,
	}
	for m := 0; m < cfg.Modes; m++ {
		sig.PilotSeq[m] = pilot.RandomSymbols(cfg.PilotSeqLen, rng)
		sig.PhasePilots[m] = pilot.RandomSymbols(nPhase, rng)
		sig.Data[m] = data.RandomSymbols(nData, rng)

		frame := sig.FrameSymbols(m)
		row := make([]complex128, 0, cfg.FrameLen*cfg.NFrames)
		for f := 0; f < cfg.NFrames; f++ {
			row = append(row, frame...)
		}
		sig.Samples[m] = row
	}
	return sig, nil
}

// RaisedCosine is the raised-cosine spectrum at frequency f, normalised to
// the symbol rate.
func RaisedCosine(f, beta float64) float64 {
	f = math.Abs(f)
	lo := (1 - beta) / 2
	hi := (1 + beta) / 2
	switch {
	case f <= lo:
		return 1
	case f > hi:
		return 0
	default:
		return 0.5 * (1 + math.Cos(math.Pi/beta*(f-lo)))
	}
}

// Resample pulse-shapes a symbol-rate signal to os samples per symbol with a
// raised-cosine filter applied in the frequency domain. The burst is treated
// as periodic, and samples at multiples of os equal the input symbols.
func Resample(sig *PilotSignal, os int, beta float64) (*PilotSignal, error) {
	if sig.Os != 1 {
		return nil, &ShapeError{Stage: "resample", What: "input oversampling", Got: sig.Os, Want: 1}
	}
	if os < 1 {
		return nil, &ShapeError{Stage: "resample", What: "oversampling", Got: os, Want: 1}
	}
	if beta <= 0 || beta > 1 {
		return nil, fmt.Errorf("resample: roll-off must be in (0, 1], got %g", beta)
	}
	out := make([][]complex128, len(sig.Samples))
	for m, x := range sig.Samples {
		out[m] = upsampleRC(x, os, beta)
	}
	return sig.WithSamples(out, os), nil
}

func upsampleRC(x []complex128, os int, beta float64) []complex128 {
	if os == 1 {
		return append([]complex128(nil), x...)
	}
	n := len(x)
	total := n * os
	X := FFT(x)
	Y := make([]complex128, total)
	half := (total + 1) / 2
	for m := 0; m < total; m++ {
		var f float64
		if m < half {
			f = float64(m) / float64(n)
		} else {
			f = float64(m-total) / float64(n)
		}
		h := RaisedCosine(f, beta)
		if h == 0 {
			continue
		}
		Y[m] = complex(float64(os)*h, 0) * X[m%n]
	}
	return IFFT(Y)
}
