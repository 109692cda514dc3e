package modem

// Pilot layout of a frame (per mode):
//
//	[ pilot sequence (PilotSeqLen) | payload (FrameLen - PilotSeqLen) ]
//
// Payload index j*PilotInsRatio carries a phase pilot, every other payload
// index a data symbol. Pilot sequence and phase pilots are drawn from the
// pilot constellation (QPSK by default), data from the M-QAM constellation.

// PilotSignal is a pilot-framed multi-mode waveform together with the
// symbols it was built from.
type PilotSignal struct {
	Samples [][]complex128 // modes x samples
	Os      int            // samples per symbol
	M       int            // payload constellation order

	FrameLen      int
	PilotSeqLen   int
	PilotInsRatio int
	NFrames       int

	PilotSeq    [][]complex128 // modes x PilotSeqLen
	PhasePilots [][]complex128 // modes x phase pilots per frame
	Data        [][]complex128 // modes x data symbols per frame

	Fb float64 // symbol rate
	Fs float64 // sample rate
}

// Modes returns the number of modes carried by the signal.
func (s *PilotSignal) Modes() int {
	return len(s.Samples)
}

// Pilots returns, per mode, the pilot sequence followed by the phase pilots.
func (s *PilotSignal) Pilots() [][]complex128 {
	out := make([][]complex128, len(s.PilotSeq))
	for m := range s.PilotSeq {
		row := make([]complex128, 0, len(s.PilotSeq[m])+len(s.PhasePilots[m]))
		row = append(row, s.PilotSeq[m]...)
		out[m] = append(row, s.PhasePilots[m]...)
	}
	return out
}

// WithSamples returns a copy of the signal metadata carrying new samples,
// for example after a channel or a resampler.
func (s *PilotSignal) WithSamples(samples [][]complex128, os int) *PilotSignal {
	c := *s
	c.Samples = samples
	c.Os = os
	if s.Fb > 0 {
		c.Fs = s.Fb * float64(os)
	}
	return &c
}

// FrameSymbols rebuilds the symbol-rate frame of one mode.
func (s *PilotSignal) FrameSymbols(mode int) []complex128 {
	frame := make([]complex128, 0, s.FrameLen)
	frame = append(frame, s.PilotSeq[mode]...)
	return append(frame, InsertPilots(s.Data[mode], s.PhasePilots[mode], s.PilotInsRatio)...)
}

// Validate checks that every per-mode table agrees with the frame layout.
func (s *PilotSignal) Validate() error {
	const stage = "signal"
	modes := len(s.Samples)
	if modes == 0 {
		return &ShapeError{Stage: stage, What: "mode count", Got: 0, Want: 1}
	}
	if s.Os < 1 {
		return &ShapeError{Stage: stage, What: "oversampling", Got: s.Os, Want: 1}
	}
	for _, t := range []struct {
		what string
		rows [][]complex128
	}{{"pilot sequence modes", s.PilotSeq}, {"phase pilot modes", s.PhasePilots}} {
		if len(t.rows) != modes {
			return &ShapeError{Stage: stage, What: t.what, Got: len(t.rows), Want: modes}
		}
	}
	for m := 0; m < modes; m++ {
		if len(s.Samples[m]) != len(s.Samples[0]) {
			return &ShapeError{Stage: stage, What: "samples per mode", Got: len(s.Samples[m]), Want: len(s.Samples[0])}
		}
		if len(s.PilotSeq[m]) != s.PilotSeqLen {
			return &ShapeError{Stage: stage, What: "pilot sequence length", Got: len(s.PilotSeq[m]), Want: s.PilotSeqLen}
		}
	}
	if s.PilotInsRatio < 1 || s.FrameLen <= s.PilotSeqLen {
		return &ShapeError{Stage: stage, What: "frame length", Got: s.FrameLen, Want: s.PilotSeqLen + 1}
	}
	want := (s.FrameLen - s.PilotSeqLen) / s.PilotInsRatio
	for m := 0; m < modes; m++ {
		if len(s.PhasePilots[m]) != want {
			return &ShapeError{Stage: stage, What: "phase pilots per frame", Got: len(s.PhasePilots[m]), Want: want}
		}
	}
	return nil
}

// IsPhasePilot reports whether payload index idx carries a phase pilot.
func IsPhasePilot(idx, ratio int) bool {
	return idx%ratio == 0
}

// InsertPilots interleaves phase pilots into the data stream, one pilot at
// the start of every block of ratio symbols.
func InsertPilots(data, phasePilots []complex128, ratio int) []complex128 {
	payload := make([]complex128, 0, len(data)+len(phasePilots))
	dataIdx := 0
	for _, p := range phasePilots {
		payload = append(payload, p)
		end := min(dataIdx+ratio-1, len(data))
		payload = append(payload, data[dataIdx:end]...)
		dataIdx = end
	}
	return append(payload, data[dataIdx:]...)
}

// ExtractPilots returns the phase pilots of a payload stream.
func ExtractPilots(payload []complex128, ratio int) []complex128 {
	pilots := make([]complex128, 0, len(payload)/ratio+1)
	for i := 0; i < len(payload); i += ratio {
		pilots = append(pilots, payload[i])
	}
	return pilots
}

// ExtractData returns the payload with the phase pilots removed.
func ExtractData(payload []complex128, ratio int) []complex128 {
	data := make([]complex128, 0, len(payload))
	for i, v := range payload {
		if !IsPhasePilot(i, ratio) {
			data = append(data, v)
		}
	}
	return data
}
