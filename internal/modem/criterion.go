package modem

import (
	"fmt"
	"strings"
)

// Criterion selects the error function an equalizer stage adapts on.
type Criterion int

const (
	// CMA drives the output modulus towards the constellation radius.
	CMA Criterion = iota
	// MCMA applies the modulus criterion to each quadrature separately,
	// which also locks the constellation rotation to a quadrant.
	MCMA
	// SBD is symbol-based decision directed adaptation against the pilot
	// constellation.
	SBD
	// DataAided adapts against the known pilot symbols.
	DataAided
)

var criterionNames = map[Criterion]string{
	CMA:       "cma",
	MCMA:      "mcma",
	SBD:       "sbd",
	DataAided: "data_aided",
}

func (c Criterion) String() string {
	if s, ok := criterionNames[c]; ok {
		return s
	}
	return fmt.Sprintf("criterion(%d)", int(c))
}

// ParseCriterion accepts the names printed by String plus a few aliases.
func ParseCriterion(s string) (Criterion, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "cma":
		return CMA, nil
	case "mcma":
		return MCMA, nil
	case "sbd", "dd":
		return SBD, nil
	case "data_aided", "data-aided", "pilot", "lms":
		return DataAided, nil
	}
	return 0, fmt.Errorf("unknown equalizer criterion %q", s)
}

// MarshalText implements encoding.TextMarshaler so configs carry names.
func (c Criterion) MarshalText() ([]byte, error) {
	if _, ok := criterionNames[c]; !ok {
		return nil, fmt.Errorf("unknown equalizer criterion %d", int(c))
	}
	return []byte(c.String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (c *Criterion) UnmarshalText(text []byte) error {
	v, err := ParseCriterion(string(text))
	if err != nil {
		return err
	}
	*c = v
	return nil
}

// Blind reports whether the criterion ignores the reference symbols.
func (c Criterion) Blind() bool {
	return c == CMA || c == MCMA
}

// Adapter performs one stochastic-gradient step of a criterion. It is built
// once per stage so the per-sample loop never looks anything up by name.
type Adapter struct {
	crit     Criterion
	r2       float64
	rQuad    float64
	decision *Constellation
}

// NewAdapter binds a criterion to the constellation the training symbols
// are drawn from.
func NewAdapter(c Criterion, ref *Constellation) Adapter {
	r2, rq := ref.ModulusMoments()
	return Adapter{crit: c, r2: r2, rQuad: rq, decision: ref}
}

// Criterion returns the bound criterion.
func (a Adapter) Criterion() Criterion { return a.crit }

// Output computes sum_i sum_t taps[i][t] * window[i][t].
func (a Adapter) Output(taps, window [][]complex128) complex128 {
	var y complex128
	for i := range taps {
		w, x := taps[i], window[i]
		for t := range w {
			y += w[t] * x[t]
		}
	}
	return y
}

// Update adapts the taps of one output mode in place from the input window
// under them and the reference symbol (ignored by the blind criteria). It
// returns the filter output before the update and the squared error.
func (a Adapter) Update(taps, window [][]complex128, ref complex128, mu float64) (complex128, float64) {
	y := a.Output(taps, window)
	e := a.errorTerm(y, ref)

	g := complex(mu, 0) * e
	for i := range taps {
		w, x := taps[i], window[i]
		for t := range w {
			w[t] += g * complex(real(x[t]), -imag(x[t]))
		}
	}
	return y, real(e)*real(e) + imag(e)*imag(e)
}

func (a Adapter) errorTerm(y, ref complex128) complex128 {
	switch a.crit {
	case CMA:
		p := real(y)*real(y) + imag(y)*imag(y)
		return y * complex(a.r2-p, 0)
	case MCMA:
		re, im := real(y), imag(y)
		return complex(re*(a.rQuad-re*re), im*(a.rQuad-im*im))
	case SBD:
		return a.decision.Decide(y) - y
	default:
		return ref - y
	}
}
