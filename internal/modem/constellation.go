package modem

import (
	"fmt"
	"math"
	"math/rand"
)

// Modulation represents a square QAM modulation scheme.
type Modulation int

const (
	ModQPSK    Modulation = 2  // 2 bits per symbol
	Mod16QAM   Modulation = 4  // 4 bits per symbol
	Mod64QAM   Modulation = 6  // 6 bits per symbol
	Mod256QAM  Modulation = 8  // 8 bits per symbol
	Mod1024QAM Modulation = 10 // 10 bits per symbol
)

// ModulationFromOrder maps a constellation size M to its Modulation.
// Only square QAM orders are supported.
func ModulationFromOrder(m int) (Modulation, error) {
	switch m {
	case 4:
		return ModQPSK, nil
	case 16:
		return Mod16QAM, nil
	case 64:
		return Mod64QAM, nil
	case 256:
		return Mod256QAM, nil
	case 1024:
		return Mod1024QAM, nil
	}
	return 0, fmt.Errorf("unsupported modulation order %d (square QAM only)", m)
}

// BitsPerSymbol returns the number of bits per constellation symbol.
func (m Modulation) BitsPerSymbol() int {
	return int(m)
}

// Order returns the number of constellation points.
func (m Modulation) Order() int {
	return 1 << int(m)
}

// String returns the modulation name.
func (m Modulation) String() string {
	switch m {
	case ModQPSK:
		return "QPSK"
	case Mod16QAM:
		return "16-QAM"
	case Mod64QAM:
		return "64-QAM"
	case Mod256QAM:
		return "256-QAM"
	case Mod1024QAM:
		return "1024-QAM"
	default:
		return "Unknown"
	}
}

// Constellation holds Gray-coded square QAM points normalised to unit
// average power.
type Constellation struct {
	Mod    Modulation
	points []complex128
	side   int     // points per axis
	scale  float64 // normalization factor for unit average power
}

// NewConstellation creates a new constellation for the given modulation.
func NewConstellation(mod Modulation) *Constellation {
	c := &Constellation{Mod: mod}
	switch mod {
	case ModQPSK, Mod16QAM, Mod64QAM, Mod256QAM, Mod1024QAM:
	default:
		c.Mod = ModQPSK
	}
	c.generateQAM(1 << (c.Mod.BitsPerSymbol() / 2))
	c.normalize()
	return c
}

// NewConstellationOrder creates the constellation with M points.
func NewConstellationOrder(m int) (*Constellation, error) {
	mod, err := ModulationFromOrder(m)
	if err != nil {
		return nil, err
	}
	return NewConstellation(mod), nil
}

func (c *Constellation) generateQAM(order int) {
	// Gray code on each axis: neighbouring levels differ in one bit
	c.side = order
	half := c.Mod.BitsPerSymbol() / 2
	c.points = make([]complex128, order*order)

	for row := 0; row < order; row++ {
		for col := 0; col < order; col++ {
			grayRow := row ^ (row >> 1)
			grayCol := col ^ (col >> 1)
			idx := grayRow<<half | grayCol

			x := float64(2*col - order + 1) // odd levels: -3, -1, 1, 3 for 16-QAM
			y := float64(2*row - order + 1)
			c.points[idx] = complex(x, y)
		}
	}
}

func (c *Constellation) normalize() {
	var avgPower float64
	for _, p := range c.points {
		avgPower += real(p)*real(p) + imag(p)*imag(p)
	}
	avgPower /= float64(len(c.points))

	c.scale = 1.0 / math.Sqrt(avgPower)
	for i := range c.points {
		c.points[i] = complex(real(c.points[i])*c.scale, imag(c.points[i])*c.scale)
	}
}

// Points returns a copy of the constellation points, indexed by bit label.
func (c *Constellation) Points() []complex128 {
	return append([]complex128(nil), c.points...)
}

// Order returns the number of points.
func (c *Constellation) Order() int { return len(c.points) }

// Map maps bits to a constellation point.
func (c *Constellation) Map(bits []byte) complex128 {
	idx := bitsToIndex(bits)
	if idx >= len(c.points) {
		idx = 0
	}
	return c.points[idx]
}

// Index returns the label of the point closest to symbol. Square QAM
// decisions separate per axis, so this is a slicer rather than a search.
func (c *Constellation) Index(symbol complex128) int {
	half := c.Mod.BitsPerSymbol() / 2
	col := c.level(real(symbol))
	row := c.level(imag(symbol))
	return (row^(row>>1))<<half | (col ^ (col >> 1))
}

func (c *Constellation) level(v float64) int {
	l := int(math.Floor((v/c.scale+float64(c.side))/2))
	if l < 0 {
		return 0
	}
	if l >= c.side {
		return c.side - 1
	}
	return l
}

// Decide returns the constellation point closest to symbol.
func (c *Constellation) Decide(symbol complex128) complex128 {
	return c.points[c.Index(symbol)]
}

// Demap finds the closest constellation point and returns the bits.
func (c *Constellation) Demap(symbol complex128) []byte {
	return indexToBits(c.Index(symbol), c.Mod.BitsPerSymbol())
}

// MapBits maps a bit slice to constellation symbols.
// bits are packed as bytes (0 or 1 each).
func (c *Constellation) MapBits(bits []byte) []complex128 {
	bps := c.Mod.BitsPerSymbol()
	numSymbols := len(bits) / bps
	symbols := make([]complex128, numSymbols)

	for i := 0; i < numSymbols; i++ {
		symbols[i] = c.Map(bits[i*bps : (i+1)*bps])
	}
	return symbols
}

// DemapSymbols demaps constellation symbols back to bits.
func (c *Constellation) DemapSymbols(symbols []complex128) []byte {
	bps := c.Mod.BitsPerSymbol()
	bits := make([]byte, 0, len(symbols)*bps)

	for _, s := range symbols {
		bits = append(bits, c.Demap(s)...)
	}
	return bits
}

// RandomSymbols draws n uniformly distributed constellation points.
func (c *Constellation) RandomSymbols(n int, rng *rand.Rand) []complex128 {
	out := make([]complex128, n)
	for i := range out {
		out[i] = c.points[rng.Intn(len(c.points))]
	}
	return out
}

// ModulusMoments returns the constant-modulus radius E|s|^4/E|s|^2 and the
// per-quadrature radius E[re^4]/E[re^2] used by the blind criteria.
func (c *Constellation) ModulusMoments() (r2, rQuad float64) {
	var p2, p4, q2, q4 float64
	for _, p := range c.points {
		a := real(p)*real(p) + imag(p)*imag(p)
		p2 += a
		p4 += a * a
		q2 += real(p) * real(p)
		q4 += real(p) * real(p) * real(p) * real(p)
	}
	return p4 / p2, q4 / q2
}

func bitsToIndex(bits []byte) int {
	idx := 0
	for _, b := range bits {
		idx = (idx << 1) | int(b&1)
	}
	return idx
}

func indexToBits(idx, numBits int) []byte {
	bits := make([]byte, numBits)
	for i := numBits - 1; i >= 0; i-- {
		bits[i] = byte(idx & 1)
		idx >>= 1
	}
	return bits
}
